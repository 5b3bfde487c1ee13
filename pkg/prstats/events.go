package prstats

import (
	"time"
)

// Source constants identify which endpoint an event was observed on.
const (
	SourceReview        = "review"
	SourceIssueComment  = "issue_comment"
	SourceReviewComment = "review_comment"
	SourceTimeline      = "timeline"
	SourceCommit        = "commit"
	SourcePRState       = "pr_state"
)

// Review state constants, normalized to lowercase at the collector boundary.
const (
	ReviewStateApproved         = "approved"
	ReviewStateChangesRequested = "changes_requested"
	ReviewStateCommented        = "commented"
)

// Timeline event kinds the reconciler cares about.
const (
	TimelineReadyForReview  = "ready_for_review"
	TimelineReviewRequested = "review_requested"
	TimelineConvertToDraft  = "convert_to_draft"
)

// RawEvent is one observation from one endpoint, normalized into a flat
// tagged-variant shape so everything downstream of the collector is
// endpoint-agnostic. Fields beyond Source, PR, Timestamp and Actor are
// populated depending on the source.
type RawEvent struct {
	// Source identifies the endpoint this event came from (review,
	// issue_comment, review_comment, timeline, commit, pr_state).
	Source string `json:"source"`

	// PR is the pull request number this event belongs to.
	PR int `json:"pr"`

	// Timestamp indicates when this event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Actor is the username who performed this action.
	Actor string `json:"actor,omitempty"`

	// ID is the upstream identifier used for deduplication. Reviews and
	// comments use their numeric id, commits use the SHA.
	ID string `json:"id,omitempty"`

	// Kind is the timeline event name (ready_for_review, review_requested, ...).
	Kind string `json:"kind,omitempty"`

	// State holds the review state (approved, changes_requested, commented)
	// for review events, or the pull request state (open, closed) for
	// pr_state events.
	State string `json:"state,omitempty"`

	// Body is the review or comment text, truncated.
	Body string `json:"body,omitempty"`

	// ReviewID links a review_comment back to its parent review.
	ReviewID string `json:"review_id,omitempty"`

	// MergeCommit marks commits with more than one parent. These are
	// merges from the base branch and are excluded from the update stream.
	MergeCommit bool `json:"merge_commit,omitempty"`

	// The remaining fields are only set on pr_state snapshot events.
	Title     string     `json:"title,omitempty"`
	Draft     bool       `json:"draft,omitempty"`
	Merged    bool       `json:"merged,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}
