package prstats

import (
	"reflect"
	"testing"
	"time"
)

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad timestamp %q: %v", value, err)
	}
	return parsed
}

func stateEvent(created time.Time, draft bool, state string, merged bool, mergedAt *time.Time) RawEvent {
	return RawEvent{
		Source:    SourcePRState,
		PR:        1,
		Timestamp: created.Add(time.Minute),
		Actor:     "author",
		Title:     "Test PR",
		State:     state,
		Draft:     draft,
		Merged:    merged,
		MergedAt:  mergedAt,
		CreatedAt: created,
	}
}

func TestReconcileReadyPRWithEmptyApproval(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	t1 := ts(t, "2024-03-01T12:00:00Z")

	events := []RawEvent{
		stateEvent(t0, false, "open", false, nil),
		{Source: SourceReview, PR: 1, ID: "100", Timestamp: t1, Actor: "reviewer", State: ReviewStateApproved},
	}

	record := Reconcile(nil, events)

	if record.RequestToReviewAt == nil || !record.RequestToReviewAt.Equal(t0) {
		t.Errorf("request_to_review_at = %v, want %v", record.RequestToReviewAt, t0)
	}
	if record.ApprovedAt == nil || !record.ApprovedAt.Equal(t1) {
		t.Errorf("approved_at = %v, want %v", record.ApprovedAt, t1)
	}
	if record.ReviewGivenAt != nil {
		t.Errorf("review_given_at = %v, want nil (approval alone is not substantive)", record.ReviewGivenAt)
	}
}

func TestReconcileDraftPRReadyLater(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	t2 := ts(t, "2024-03-02T09:00:00Z")
	t3 := ts(t, "2024-03-02T15:00:00Z")

	events := []RawEvent{
		stateEvent(t0, true, "open", false, nil),
		{Source: SourceTimeline, PR: 1, Kind: TimelineReadyForReview, Timestamp: t2, Actor: "author"},
		{Source: SourceReview, PR: 1, ID: "101", Timestamp: t3, Actor: "reviewer", State: ReviewStateChangesRequested, Body: "please fix"},
	}

	record := Reconcile(nil, events)

	if record.RequestToReviewAt == nil || !record.RequestToReviewAt.Equal(t2) {
		t.Errorf("request_to_review_at = %v, want %v", record.RequestToReviewAt, t2)
	}
	if record.ReviewGivenAt == nil || !record.ReviewGivenAt.Equal(t3) {
		t.Errorf("review_given_at = %v, want %v", record.ReviewGivenAt, t3)
	}
	if record.ApprovedAt != nil {
		t.Errorf("approved_at = %v, want nil", record.ApprovedAt)
	}
}

func TestReconcileFirstApprovalWins(t *testing.T) {
	t5 := ts(t, "2024-03-05T10:00:00Z")
	t8 := ts(t, "2024-03-08T10:00:00Z")

	events := []RawEvent{
		{Source: SourceReview, PR: 1, ID: "200", Timestamp: t5, Actor: "alice", State: ReviewStateApproved},
		{Source: SourceReview, PR: 1, ID: "201", Timestamp: t8, Actor: "bob", State: ReviewStateApproved},
	}

	record := Reconcile(nil, events)
	if record.ApprovedAt == nil || !record.ApprovedAt.Equal(t5) {
		t.Errorf("approved_at = %v, want first approval %v", record.ApprovedAt, t5)
	}
}

func TestReconcileResumedFetchMatchesUninterrupted(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	t1 := ts(t, "2024-03-01T11:00:00Z")
	t2 := ts(t, "2024-03-01T12:00:00Z")

	all := []RawEvent{
		stateEvent(t0, false, "open", false, nil),
		{Source: SourceReview, PR: 1, ID: "300", Timestamp: t1, Actor: "alice", State: ReviewStateApproved},
		{Source: SourceIssueComment, PR: 1, ID: "400", Timestamp: t2, Actor: "bob", Body: "looks good"},
	}

	uninterrupted := Reconcile(nil, all)

	// Interrupted run: first batch got the state and review, resume
	// replays the review page plus the comment.
	first := Reconcile(nil, all[:2])
	first.Status = StatusPartial
	resumed := Reconcile(first, all[1:])

	// Status is assigned by the engine, not the reconciler.
	resumed.Status = uninterrupted.Status
	if !reflect.DeepEqual(uninterrupted, resumed) {
		t.Errorf("resumed record differs from uninterrupted:\n%+v\n%+v", resumed, uninterrupted)
	}
}

func TestReconcileClosedUnmergedThenMerged(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	tm := ts(t, "2024-03-03T10:00:00Z")

	closed := Reconcile(nil, []RawEvent{stateEvent(t0, false, "closed", false, nil)})
	if !closed.ClosedUnmerged {
		t.Error("is_closed_unmerged = false, want true")
	}
	if closed.MergedAt != nil {
		t.Errorf("merged_at = %v, want nil", closed.MergedAt)
	}

	// Upstream later reports merged: last write wins, flags stay
	// mutually exclusive.
	merged := Reconcile(closed, []RawEvent{stateEvent(t0, false, "closed", true, &tm)})
	if merged.MergedAt == nil || !merged.MergedAt.Equal(tm) {
		t.Errorf("merged_at = %v, want %v", merged.MergedAt, tm)
	}
	if merged.ClosedUnmerged {
		t.Error("is_closed_unmerged = true alongside merged_at")
	}
}

func TestReconcileIdempotence(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	t1 := ts(t, "2024-03-01T11:00:00Z")
	t2 := ts(t, "2024-03-01T12:00:00Z")

	events := []RawEvent{
		stateEvent(t0, false, "open", false, nil),
		{Source: SourceReview, PR: 1, ID: "500", Timestamp: t1, Actor: "alice", State: ReviewStateApproved, Body: "ship it"},
		{Source: SourceReviewComment, PR: 1, ID: "600", ReviewID: "500", Timestamp: t1, Actor: "alice", Body: "nit"},
		{Source: SourceIssueComment, PR: 1, ID: "700", Timestamp: t2, Actor: "bob", Body: "thanks"},
		{Source: SourceCommit, PR: 1, ID: "abc123", Timestamp: t2, Actor: "author"},
	}

	once := Reconcile(nil, events)
	twice := Reconcile(once, events)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("replaying the same batch changed the record:\n%+v\n%+v", once, twice)
	}
}

func TestReconcileMonotonicity(t *testing.T) {
	t1 := ts(t, "2024-03-01T11:00:00Z")
	t2 := ts(t, "2024-03-01T12:00:00Z")

	later := []RawEvent{
		{Source: SourceReview, PR: 1, ID: "801", Timestamp: t2, Actor: "bob", State: ReviewStateApproved},
	}
	superset := append([]RawEvent{
		{Source: SourceReview, PR: 1, ID: "800", Timestamp: t1, Actor: "alice", State: ReviewStateApproved},
	}, later...)

	first := Reconcile(nil, later)
	second := Reconcile(first, superset)

	if second.ApprovedAt.After(*first.ApprovedAt) {
		t.Errorf("approved_at regressed: %v -> %v", first.ApprovedAt, second.ApprovedAt)
	}
	if !second.ApprovedAt.Equal(t1) {
		t.Errorf("approved_at = %v, want %v", second.ApprovedAt, t1)
	}
}

func TestReconcileDedup(t *testing.T) {
	t1 := ts(t, "2024-03-01T11:00:00Z")

	events := []RawEvent{
		{Source: SourceIssueComment, PR: 1, ID: "900", Timestamp: t1, Actor: "bob", Body: "hi"},
		{Source: SourceIssueComment, PR: 1, ID: "900", Timestamp: t1, Actor: "bob", Body: "hi"},
		{Source: SourceCommit, PR: 1, ID: "def456", Timestamp: t1, Actor: "author"},
		{Source: SourceCommit, PR: 1, ID: "def456", Timestamp: t1, Actor: "author"},
	}

	record := Reconcile(nil, events)
	record = Reconcile(record, events)

	if len(record.Comments) != 1 {
		t.Errorf("comments = %d entries, want 1", len(record.Comments))
	}
	if len(record.Updates) != 1 {
		t.Errorf("updates = %d entries, want 1", len(record.Updates))
	}
}

func TestReconcileInlineCommentQualifiesEarlierReview(t *testing.T) {
	t1 := ts(t, "2024-03-01T11:00:00Z")
	t2 := ts(t, "2024-03-01T12:00:00Z")

	// First sync sees only the bare approval.
	first := Reconcile(nil, []RawEvent{
		{Source: SourceReview, PR: 1, ID: "1000", Timestamp: t1, Actor: "alice", State: ReviewStateApproved},
	})
	if first.ReviewGivenAt != nil {
		t.Fatalf("review_given_at = %v before inline comment arrived", first.ReviewGivenAt)
	}

	// The inline comment lands on a later sync; it qualifies the parent
	// review at the review's timestamp.
	second := Reconcile(first, []RawEvent{
		{Source: SourceReviewComment, PR: 1, ID: "1100", ReviewID: "1000", Timestamp: t2, Actor: "alice", Body: "inline"},
	})
	if second.ReviewGivenAt == nil || !second.ReviewGivenAt.Equal(t1) {
		t.Errorf("review_given_at = %v, want %v", second.ReviewGivenAt, t1)
	}
}

func TestReconcileAuthorCommentsExcluded(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	t1 := ts(t, "2024-03-01T11:00:00Z")

	record := Reconcile(nil, []RawEvent{
		stateEvent(t0, false, "open", false, nil),
		{Source: SourceIssueComment, PR: 1, ID: "1200", Timestamp: t1, Actor: "author", Body: "my own note"},
		{Source: SourceIssueComment, PR: 1, ID: "1201", Timestamp: t1, Actor: "bob", Body: "a reply"},
	})

	if len(record.Comments) != 1 || record.Comments[0].Actor != "bob" {
		t.Errorf("comments = %+v, want only bob's", record.Comments)
	}
}

func TestReconcileAuthorCommentsDroppedOnceAuthorKnown(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	t1 := ts(t, "2024-03-01T11:00:00Z")

	// The detail fetch failed on the first sync, so the author is unknown
	// and the author's own comment slips into the stream.
	first := Reconcile(nil, []RawEvent{
		{Source: SourceIssueComment, PR: 1, ID: "1500", Timestamp: t1, Actor: "author", Body: "my own note"},
		{Source: SourceIssueComment, PR: 1, ID: "1501", Timestamp: t1, Actor: "bob", Body: "a reply"},
	})
	if len(first.Comments) != 2 {
		t.Fatalf("comments = %d entries before the author is known, want 2", len(first.Comments))
	}

	// A later sync delivers the pr_state snapshot; the author's comment
	// is dropped retroactively.
	second := Reconcile(first, []RawEvent{stateEvent(t0, false, "open", false, nil)})
	if len(second.Comments) != 1 || second.Comments[0].Actor != "bob" {
		t.Errorf("comments = %+v, want only bob's after the author became known", second.Comments)
	}
}

func TestReconcileMergeCommitsExcluded(t *testing.T) {
	t1 := ts(t, "2024-03-01T11:00:00Z")

	record := Reconcile(nil, []RawEvent{
		{Source: SourceCommit, PR: 1, ID: "aaa", Timestamp: t1, Actor: "author"},
		{Source: SourceCommit, PR: 1, ID: "bbb", Timestamp: t1.Add(time.Hour), Actor: "author", MergeCommit: true},
	})

	if len(record.Updates) != 1 || record.Updates[0].SHA != "aaa" {
		t.Errorf("updates = %+v, want only the non-merge commit", record.Updates)
	}
}

func TestReconcileInvariantViolationWarns(t *testing.T) {
	t0 := ts(t, "2024-03-02T10:00:00Z")
	early := ts(t, "2024-03-01T10:00:00Z")

	record := Reconcile(nil, []RawEvent{
		stateEvent(t0, false, "open", false, nil),
		{Source: SourceReview, PR: 1, ID: "1300", Timestamp: early, Actor: "alice", State: ReviewStateApproved},
	})

	if len(record.Warnings) == 0 {
		t.Error("expected a data-quality warning for approval before request-to-review")
	}
	// The violation is flagged, never fatal: both fields stay populated.
	if record.ApprovedAt == nil || record.RequestToReviewAt == nil {
		t.Error("invariant violation must not clear derived fields")
	}

	// Warnings do not duplicate on replay.
	replayed := Reconcile(record, nil)
	if len(replayed.Warnings) != len(record.Warnings) {
		t.Errorf("warnings duplicated on replay: %v", replayed.Warnings)
	}
}

func TestReconcileDraftNeverReadyUsesReviewRequested(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	tr := ts(t, "2024-03-01T14:00:00Z")

	record := Reconcile(nil, []RawEvent{
		stateEvent(t0, true, "open", false, nil),
		{Source: SourceTimeline, PR: 1, Kind: TimelineReviewRequested, Timestamp: tr, Actor: "author"},
	})

	if record.RequestToReviewAt == nil || !record.RequestToReviewAt.Equal(tr) {
		t.Errorf("request_to_review_at = %v, want review_requested at %v", record.RequestToReviewAt, tr)
	}
}

func TestReconcileDoesNotMutateInput(t *testing.T) {
	t0 := ts(t, "2024-03-01T10:00:00Z")
	t1 := ts(t, "2024-03-01T11:00:00Z")

	original := Reconcile(nil, []RawEvent{stateEvent(t0, false, "open", false, nil)})
	snapshot := *original.clone()

	Reconcile(original, []RawEvent{
		{Source: SourceIssueComment, PR: 1, ID: "1400", Timestamp: t1, Actor: "bob", Body: "hello"},
	})

	if !reflect.DeepEqual(*original, snapshot) {
		t.Error("Reconcile mutated its input record")
	}
}
