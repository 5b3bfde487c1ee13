package prstats

import (
	"fmt"
	"sort"
	"time"
)

// Reconcile merges a batch of new or replayed events into an existing
// record, producing an updated one. It is a pure function: the existing
// record is never mutated, events are applied in a deterministic order
// regardless of arrival order, and replaying the same batch twice yields
// an identical result. Earliest-semantics fields only ever move earlier
// or stay put.
func Reconcile(existing *ReconciledPR, events []RawEvent) *ReconciledPR {
	out := existing.clone()
	if out == nil {
		out = &ReconciledPR{}
	}

	batch := append([]RawEvent(nil), events...)
	sort.Slice(batch, func(i, j int) bool {
		a, b := &batch[i], &batch[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.ID < b.ID
	})

	applyState(out, batch)
	applyReviews(out, batch)
	applyRequestToReview(out, batch)
	applyComments(out, batch)
	applyUpdates(out, batch)
	checkInvariants(out)
	return out
}

// applyState folds pr_state snapshots into the record. These are
// point-in-time flags, not accumulations: the most recent snapshot wins.
func applyState(out *ReconciledPR, batch []RawEvent) {
	var latest *RawEvent
	for i := range batch {
		e := &batch[i]
		if e.Source != SourcePRState {
			continue
		}
		if e.Draft {
			out.WasDraft = true
		}
		if latest == nil || !e.Timestamp.Before(latest.Timestamp) {
			latest = e
		}
	}
	if latest == nil {
		return
	}

	out.Title = latest.Title
	out.Author = latest.Actor
	out.State = latest.State
	out.Draft = latest.Draft
	if !latest.CreatedAt.IsZero() {
		out.CreatedAt = latest.CreatedAt
	}

	// merged_at and is_closed_unmerged never both hold.
	switch {
	case latest.Merged:
		mergedAt := latest.MergedAt
		if mergedAt == nil {
			mergedAt = latest.ClosedAt
		}
		if mergedAt == nil {
			t := latest.Timestamp
			mergedAt = &t
		}
		t := *mergedAt
		out.MergedAt = &t
		out.ClosedUnmerged = false
	case latest.State == "closed":
		out.MergedAt = nil
		out.ClosedUnmerged = true
	default:
		out.MergedAt = nil
		out.ClosedUnmerged = false
	}
}

// applyReviews derives approved_at and review_given_at. Both are
// evaluated from the same review events without double-counting: an
// approval only qualifies as a substantive review when it carries a body
// or an inline comment.
func applyReviews(out *ReconciledPR, batch []RawEvent) {
	for i := range batch {
		e := &batch[i]
		if e.Source != SourceReview {
			continue
		}
		if e.ID != "" {
			if out.ReviewTimes == nil {
				out.ReviewTimes = make(map[string]time.Time)
			}
			out.ReviewTimes[e.ID] = e.Timestamp
		}
		if e.State == ReviewStateApproved {
			out.ApprovedAt = minTime(out.ApprovedAt, e.Timestamp)
		}
		if e.Body != "" || e.State == ReviewStateChangesRequested || e.State == ReviewStateCommented {
			out.ReviewGivenAt = minTime(out.ReviewGivenAt, e.Timestamp)
		}
	}

	// An inline comment qualifies its parent review even when the review
	// itself arrived in an earlier sync.
	for i := range batch {
		e := &batch[i]
		if e.Source != SourceReviewComment || e.ReviewID == "" {
			continue
		}
		if submitted, ok := out.ReviewTimes[e.ReviewID]; ok {
			out.ReviewGivenAt = minTime(out.ReviewGivenAt, submitted)
		}
	}
}

// applyRequestToReview resolves the request-to-review moment. Precedence
// within a batch: an explicit ready_for_review event, else creation time
// for PRs that never had a draft phase, else the earliest explicit
// review_requested event. Across syncs the value merges by minimum.
func applyRequestToReview(out *ReconciledPR, batch []RawEvent) {
	for i := range batch {
		e := &batch[i]
		if e.Source == SourceTimeline &&
			(e.Kind == TimelineReadyForReview || e.Kind == TimelineConvertToDraft) {
			out.WasDraft = true
		}
	}

	var candidate *time.Time
	switch {
	case earliestTimeline(batch, TimelineReadyForReview) != nil:
		candidate = earliestTimeline(batch, TimelineReadyForReview)
	case !out.WasDraft && !out.CreatedAt.IsZero():
		t := out.CreatedAt
		candidate = &t
	default:
		candidate = earliestTimeline(batch, TimelineReviewRequested)
	}
	if candidate != nil {
		out.RequestToReviewAt = minTime(out.RequestToReviewAt, *candidate)
	}
}

// applyComments unions the batch's comment-bearing events into the
// ordered comment stream, deduplicated by id. Comments by the PR author
// are not counted; ones admitted while the author was still unknown are
// dropped once it is. Reviews with a non-empty body appear as
// review_summary entries, matching their role as top-level review text.
func applyComments(out *ReconciledPR, batch []RawEvent) {
	if out.Author != "" {
		kept := out.Comments[:0]
		for _, c := range out.Comments {
			if c.Actor != out.Author {
				kept = append(kept, c)
			}
		}
		out.Comments = kept
	}

	seen := make(map[string]bool, len(out.Comments))
	for _, c := range out.Comments {
		seen[c.Kind+":"+c.ID] = true
	}

	for i := range batch {
		e := &batch[i]
		var kind string
		switch {
		case e.Source == SourceIssueComment:
			kind = "issue_comment"
		case e.Source == SourceReviewComment:
			kind = "review_comment"
		case e.Source == SourceReview && e.Body != "":
			kind = "review_summary"
		default:
			continue
		}
		if e.ID == "" || (out.Author != "" && e.Actor == out.Author) {
			continue
		}
		if seen[kind+":"+e.ID] {
			continue
		}
		seen[kind+":"+e.ID] = true
		out.Comments = append(out.Comments, Comment{
			Timestamp: e.Timestamp,
			Kind:      kind,
			Actor:     e.Actor,
			ID:        e.ID,
		})
	}

	sort.Slice(out.Comments, func(i, j int) bool {
		a, b := &out.Comments[i], &out.Comments[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

// applyUpdates unions push events into the update history, deduplicated
// by commit SHA. Merge commits from the base branch are excluded.
func applyUpdates(out *ReconciledPR, batch []RawEvent) {
	seen := make(map[string]bool, len(out.Updates))
	for _, u := range out.Updates {
		seen[u.SHA] = true
	}

	for i := range batch {
		e := &batch[i]
		if e.Source != SourceCommit || e.MergeCommit || e.ID == "" || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out.Updates = append(out.Updates, Update{Timestamp: e.Timestamp, SHA: e.ID})
	}

	sort.Slice(out.Updates, func(i, j int) bool {
		a, b := &out.Updates[i], &out.Updates[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.SHA < b.SHA
	})
}

// checkInvariants attaches data-quality warnings. Violations never block
// output.
func checkInvariants(out *ReconciledPR) {
	if out.ApprovedAt != nil && out.RequestToReviewAt != nil &&
		out.ApprovedAt.Before(*out.RequestToReviewAt) {
		addWarning(out, fmt.Sprintf("approved_at %s precedes request_to_review_at %s",
			out.ApprovedAt.Format(time.RFC3339), out.RequestToReviewAt.Format(time.RFC3339)))
	}
}

// addWarning appends a warning unless it is already present.
func addWarning(out *ReconciledPR, msg string) {
	for _, w := range out.Warnings {
		if w == msg {
			return
		}
	}
	out.Warnings = append(out.Warnings, msg)
}

// earliestTimeline returns the earliest timeline event of the given kind.
func earliestTimeline(batch []RawEvent, kind string) *time.Time {
	var earliest *time.Time
	for i := range batch {
		e := &batch[i]
		if e.Source != SourceTimeline || e.Kind != kind {
			continue
		}
		if earliest == nil || e.Timestamp.Before(*earliest) {
			t := e.Timestamp
			earliest = &t
		}
	}
	return earliest
}

// minTime merges a candidate timestamp into an earliest-semantics field.
func minTime(existing *time.Time, t time.Time) *time.Time {
	if existing == nil || t.Before(*existing) {
		return &t
	}
	return existing
}
