package prstats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const maxPerPage = 100

// fetcher walks one paginated endpoint, routing every page request
// through the governor and retrying each page individually with
// exponential backoff and jitter. A page that keeps failing terminates
// the walk early; the cursor reached so far is returned so the caller can
// flag the PR as partially fetched and resume later.
type fetcher struct {
	github   *githubClient
	governor *Governor
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
}

// pages fetches pages of path starting at the given page cursor, invoking
// fn with each raw page body. It returns the page to resume from on the
// next run: the page after the last full one on success, or the failed
// page on error. The final page is re-fetched on the next run since it
// may gain new items.
func (f *fetcher) pages(ctx context.Context, path string, startPage int, fn func(data json.RawMessage) error) (int, error) {
	page := startPage
	if page < 1 {
		page = 1
	}

	for {
		data, resp, err := f.page(ctx, pagedPath(path, page))
		if err != nil {
			return page, err
		}
		if err := fn(data); err != nil {
			return page, err
		}
		if resp == nil || resp.NextPage == 0 {
			return page, nil
		}
		page = resp.NextPage
	}
}

// page fetches a single page with bounded retries. Rate-limit signals and
// transient failures back off exponentially with jitter; anything else
// fails immediately.
func (f *fetcher) page(ctx context.Context, path string) (json.RawMessage, *githubResponse, error) {
	var data json.RawMessage
	var meta *githubResponse

	err := retry.Do(
		func() error {
			if err := f.governor.Acquire(ctx, 1); err != nil {
				return err
			}
			d, resp, err := f.github.raw(ctx, path)
			if resp != nil {
				f.report(resp)
			}
			if err != nil {
				f.logger.DebugContext(ctx, "page fetch failed", "path", path, "error", err)
				return err
			}
			data, meta = d, resp
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(f.delay),
		retry.MaxDelay(f.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(f.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return nil, nil, classify(err)
	}
	return data, meta, nil
}

// report feeds response metadata back into the governor.
func (f *fetcher) report(resp *githubResponse) {
	if resp.HasRate {
		f.governor.ReportHeaders(resp.Remaining, resp.ResetAt)
	}
	if resp.RetryAfter > 0 {
		f.governor.ReportRetryAfter(resp.RetryAfter)
	}
}

// pagedPath appends page parameters to an endpoint path that may already
// carry a query string.
func pagedPath(path string, page int) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spage=%d&per_page=%d", path, sep, page, maxPerPage)
}
