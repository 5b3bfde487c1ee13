package prstats

import (
	"time"
)

// SyncStatus reports how trustworthy a record's aggregated fields are.
const (
	StatusComplete = "complete" // all six endpoint fetches succeeded
	StatusPartial  = "partial"  // at least one sub-fetch failed after retries
	StatusSkipped  = "skipped"  // PR deleted or inaccessible upstream
)

// Comment is one entry in a pull request's comment stream.
type Comment struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // issue_comment, review_comment, review_summary
	Actor     string    `json:"actor"`
	ID        string    `json:"comment_id"`
}

// Update is one push to the pull request branch, identified by commit SHA.
type Update struct {
	Timestamp time.Time `json:"timestamp"`
	SHA       string    `json:"sha"`
}

// CursorSet records, per endpoint source, the next page to request on an
// incremental refresh. A page that was only partially consumed is
// re-fetched in full; the reconciler's id-dedup makes the replay harmless.
type CursorSet map[string]int

// ReconciledPR is the canonical per-pull-request timeline record, keyed by
// (repository, number). Fields only move forward in time or get newly
// populated across re-reconciliation, never regress.
type ReconciledPR struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`

	Title     string    `json:"title,omitempty"`
	Author    string    `json:"author,omitempty"`
	State     string    `json:"state,omitempty"`
	Draft     bool      `json:"draft,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`

	// WasDraft records that the PR went through a draft phase at some
	// point. Creation time only counts as the request-to-review moment
	// for PRs that never did.
	WasDraft bool `json:"was_draft,omitempty"`

	// RequestToReviewAt is when the PR first became reviewable: an explicit
	// ready_for_review event, else creation time for non-draft PRs, else
	// the earliest review_requested event.
	RequestToReviewAt *time.Time `json:"request_to_review_at,omitempty"`

	// ApprovedAt is the earliest approved review.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// ReviewGivenAt is the earliest substantive review: non-empty body,
	// changes requested, a comment review, or at least one inline comment.
	ReviewGivenAt *time.Time `json:"review_given_at,omitempty"`

	// Comments is the merged comment stream, deduplicated by comment id,
	// timestamp-ascending. Comments by the PR author are excluded.
	Comments []Comment `json:"comments,omitempty"`

	// Updates are pushes to the PR branch, deduplicated by SHA,
	// timestamp-ascending. Merges from the base branch are excluded.
	Updates []Update `json:"updates,omitempty"`

	// MergedAt and ClosedUnmerged are mutually exclusive point-in-time
	// flags derived from the latest pr_state snapshot.
	MergedAt       *time.Time `json:"merged_at,omitempty"`
	ClosedUnmerged bool       `json:"is_closed_unmerged,omitempty"`

	// ReviewTimes maps review id to submitted_at for every review seen so
	// far, so an inline comment arriving on a later sync can still qualify
	// its parent review as substantive.
	ReviewTimes map[string]time.Time `json:"review_times,omitempty"`

	// SyncCursor is the per-endpoint cursor set for incremental refresh.
	SyncCursor CursorSet `json:"sync_cursor,omitempty"`

	// Status distinguishes complete, partial and skipped records.
	Status string `json:"status"`

	// Warnings carries data-quality notes such as invariant violations.
	// They never block output.
	Warnings []string `json:"warnings,omitempty"`
}

// Terminal reports whether the pull request reached a final state.
// Terminal records that were fully fetched stop being polled.
func (r *ReconciledPR) Terminal() bool {
	return r.MergedAt != nil || r.ClosedUnmerged
}

// clone returns a deep copy so reconciliation never mutates its input.
func (r *ReconciledPR) clone() *ReconciledPR {
	if r == nil {
		return nil
	}
	out := *r
	if r.RequestToReviewAt != nil {
		t := *r.RequestToReviewAt
		out.RequestToReviewAt = &t
	}
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		out.ApprovedAt = &t
	}
	if r.ReviewGivenAt != nil {
		t := *r.ReviewGivenAt
		out.ReviewGivenAt = &t
	}
	if r.MergedAt != nil {
		t := *r.MergedAt
		out.MergedAt = &t
	}
	out.Comments = append([]Comment(nil), r.Comments...)
	out.Updates = append([]Update(nil), r.Updates...)
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.ReviewTimes != nil {
		out.ReviewTimes = make(map[string]time.Time, len(r.ReviewTimes))
		for id, t := range r.ReviewTimes {
			out.ReviewTimes[id] = t
		}
	}
	if r.SyncCursor != nil {
		out.SyncCursor = make(CursorSet, len(r.SyncCursor))
		for k, v := range r.SyncCursor {
			out.SyncCursor[k] = v
		}
	}
	return &out
}
