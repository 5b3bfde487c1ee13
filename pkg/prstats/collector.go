package prstats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"
)

// numSubFetches is the number of endpoint queries issued per pull request:
// detail, reviews, issue comments, review comments, timeline, commits.
const numSubFetches = 6

// collector issues the per-PR endpoint queries and normalizes each
// source's payload shape into RawEvent. Everything downstream is
// endpoint-agnostic.
type collector struct {
	fetcher *fetcher
	logger  *slog.Logger
}

// collectResult is the outcome of one per-PR collection pass.
type collectResult struct {
	events  []RawEvent
	cursors CursorSet
	partial bool
	skipped bool
}

// subFetch is one endpoint query plus its result slot.
type subFetch struct {
	source string
	run    func(ctx context.Context, startPage int) ([]RawEvent, int, error)
	events []RawEvent
	next   int
	err    error
}

// collect runs the six endpoint queries for one PR concurrently, each
// resuming from its saved cursor. A sub-fetch that fails after retries
// marks the result partial; reconciliation proceeds on whatever was
// collected and the PR is re-attempted on the next run. A missing or
// inaccessible PR yields skipped. Authentication failures and context
// cancellation are returned as errors.
func (c *collector) collect(ctx context.Context, owner, repo string, prNumber int, since CursorSet) (*collectResult, error) {
	c.logger.DebugContext(ctx, "collecting pull request events",
		"owner", owner, "repo", repo, "pr", prNumber)

	fetches := []*subFetch{
		{source: SourcePRState, run: func(ctx context.Context, _ int) ([]RawEvent, int, error) {
			events, err := c.prState(ctx, owner, repo, prNumber)
			return events, 1, err
		}},
		{source: SourceReview, run: func(ctx context.Context, page int) ([]RawEvent, int, error) {
			return c.reviews(ctx, owner, repo, prNumber, page)
		}},
		{source: SourceIssueComment, run: func(ctx context.Context, page int) ([]RawEvent, int, error) {
			return c.issueComments(ctx, owner, repo, prNumber, page)
		}},
		{source: SourceReviewComment, run: func(ctx context.Context, page int) ([]RawEvent, int, error) {
			return c.reviewComments(ctx, owner, repo, prNumber, page)
		}},
		{source: SourceTimeline, run: func(ctx context.Context, page int) ([]RawEvent, int, error) {
			return c.timeline(ctx, owner, repo, prNumber, page)
		}},
		{source: SourceCommit, run: func(ctx context.Context, page int) ([]RawEvent, int, error) {
			return c.commits(ctx, owner, repo, prNumber, page)
		}},
	}

	var wg sync.WaitGroup
	for _, sf := range fetches {
		wg.Add(1)
		go func(sf *subFetch) {
			defer wg.Done()
			sf.events, sf.next, sf.err = sf.run(ctx, since[sf.source])
		}(sf)
	}
	wg.Wait()

	result := &collectResult{cursors: make(CursorSet, numSubFetches)}
	for _, sf := range fetches {
		if sf.err != nil {
			switch {
			case errors.Is(sf.err, ErrAuth):
				return nil, sf.err
			case errors.Is(sf.err, context.Canceled), errors.Is(sf.err, context.DeadlineExceeded):
				// Keep the partial batch; the engine persists it before
				// the run stops.
				result.partial = true
			case errors.Is(sf.err, ErrNotFound) && sf.source == SourcePRState:
				c.logger.WarnContext(ctx, "pull request not accessible, skipping",
					"owner", owner, "repo", repo, "pr", prNumber, "error", sf.err)
				result.skipped = true
			default:
				c.logger.WarnContext(ctx, "sub-fetch failed, marking partial",
					"source", sf.source, "pr", prNumber, "error", sf.err)
				result.partial = true
			}
		}
		result.events = append(result.events, sf.events...)
		if sf.source != SourcePRState {
			result.cursors[sf.source] = sf.next
		}
	}

	c.logger.DebugContext(ctx, "collected pull request events",
		"pr", prNumber, "count", len(result.events),
		"partial", result.partial, "skipped", result.skipped)
	return result, nil
}

// prState fetches the pull request detail and normalizes it into a single
// point-in-time snapshot event.
func (c *collector) prState(ctx context.Context, owner, repo string, prNumber int) ([]RawEvent, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, prNumber)
	data, _, err := c.fetcher.page(ctx, path)
	if err != nil {
		return nil, err
	}

	var pr githubPullRequest
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("unmarshaling pull request: %w", err)
	}
	return []RawEvent{prStateEvent(&pr)}, nil
}

// prStateEvent converts a pull request detail payload into a pr_state
// snapshot event.
func prStateEvent(pr *githubPullRequest) RawEvent {
	event := RawEvent{
		Source:    SourcePRState,
		PR:        pr.Number,
		Timestamp: pr.UpdatedAt,
		Title:     pr.Title,
		State:     pr.State,
		Draft:     pr.Draft,
		Merged:    pr.Merged,
		CreatedAt: pr.CreatedAt,
	}
	if pr.User != nil {
		event.Actor = pr.User.Login
	}
	if !pr.MergedAt.IsZero() {
		t := pr.MergedAt
		event.MergedAt = &t
	}
	if !pr.ClosedAt.IsZero() {
		t := pr.ClosedAt
		event.ClosedAt = &t
	}
	return event
}

func (c *collector) reviews(ctx context.Context, owner, repo string, prNumber, startPage int) ([]RawEvent, int, error) {
	var events []RawEvent
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, prNumber)

	next, err := c.fetcher.pages(ctx, path, startPage, func(data json.RawMessage) error {
		var reviews []*githubReview
		if err := json.Unmarshal(data, &reviews); err != nil {
			return fmt.Errorf("unmarshaling reviews: %w", err)
		}
		for _, review := range reviews {
			if review.State == "" {
				continue
			}
			event := RawEvent{
				Source:    SourceReview,
				PR:        prNumber,
				ID:        strconv.FormatInt(review.ID, 10),
				Timestamp: review.SubmittedAt,
				State:     strings.ToLower(review.State), // "APPROVED" -> "approved"
				Body:      truncate(review.Body, 256),
			}
			if review.User != nil {
				event.Actor = review.User.Login
			}
			events = append(events, event)
		}
		return nil
	})
	return events, next, err
}

func (c *collector) issueComments(ctx context.Context, owner, repo string, prNumber, startPage int) ([]RawEvent, int, error) {
	var events []RawEvent
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, prNumber)

	next, err := c.fetcher.pages(ctx, path, startPage, func(data json.RawMessage) error {
		var comments []*githubComment
		if err := json.Unmarshal(data, &comments); err != nil {
			return fmt.Errorf("unmarshaling comments: %w", err)
		}
		for _, comment := range comments {
			event := RawEvent{
				Source:    SourceIssueComment,
				PR:        prNumber,
				ID:        strconv.FormatInt(comment.ID, 10),
				Timestamp: comment.CreatedAt,
				Body:      truncate(comment.Body, 256),
			}
			if comment.User != nil {
				event.Actor = comment.User.Login
			}
			events = append(events, event)
		}
		return nil
	})
	return events, next, err
}

func (c *collector) reviewComments(ctx context.Context, owner, repo string, prNumber, startPage int) ([]RawEvent, int, error) {
	var events []RawEvent
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments", owner, repo, prNumber)

	next, err := c.fetcher.pages(ctx, path, startPage, func(data json.RawMessage) error {
		var comments []*githubReviewComment
		if err := json.Unmarshal(data, &comments); err != nil {
			return fmt.Errorf("unmarshaling review comments: %w", err)
		}
		for _, comment := range comments {
			event := RawEvent{
				Source:    SourceReviewComment,
				PR:        prNumber,
				ID:        strconv.FormatInt(comment.ID, 10),
				Timestamp: comment.CreatedAt,
				Body:      truncate(comment.Body, 256),
			}
			if comment.PullRequestReviewID != 0 {
				event.ReviewID = strconv.FormatInt(comment.PullRequestReviewID, 10)
			}
			if comment.User != nil {
				event.Actor = comment.User.Login
			}
			events = append(events, event)
		}
		return nil
	})
	return events, next, err
}

func (c *collector) timeline(ctx context.Context, owner, repo string, prNumber, startPage int) ([]RawEvent, int, error) {
	var events []RawEvent
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/timeline", owner, repo, prNumber)

	next, err := c.fetcher.pages(ctx, path, startPage, func(data json.RawMessage) error {
		var timeline []*githubTimelineEvent
		if err := json.Unmarshal(data, &timeline); err != nil {
			return fmt.Errorf("unmarshaling timeline events: %w", err)
		}
		for _, item := range timeline {
			switch item.Event {
			case TimelineReadyForReview, TimelineReviewRequested, TimelineConvertToDraft:
			default:
				continue
			}
			event := RawEvent{
				Source:    SourceTimeline,
				PR:        prNumber,
				Kind:      item.Event,
				Timestamp: item.CreatedAt,
			}
			if item.Actor != nil {
				event.Actor = item.Actor.Login
			}
			events = append(events, event)
		}
		return nil
	})
	return events, next, err
}

func (c *collector) commits(ctx context.Context, owner, repo string, prNumber, startPage int) ([]RawEvent, int, error) {
	var events []RawEvent
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits", owner, repo, prNumber)

	next, err := c.fetcher.pages(ctx, path, startPage, func(data json.RawMessage) error {
		var commits []*githubPullRequestCommit
		if err := json.Unmarshal(data, &commits); err != nil {
			return fmt.Errorf("unmarshaling commits: %w", err)
		}
		for _, commit := range commits {
			event := RawEvent{
				Source:      SourceCommit,
				PR:          prNumber,
				ID:          commit.SHA,
				Timestamp:   commit.Commit.Author.Date,
				Body:        truncate(commit.Commit.Message, 256),
				MergeCommit: len(commit.Parents) > 1,
			}
			if commit.Author != nil {
				event.Actor = commit.Author.Login
			} else {
				// GitHub could not associate the commit with a user.
				event.Actor = "unknown"
			}
			events = append(events, event)
		}
		return nil
	})
	return events, next, err
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
