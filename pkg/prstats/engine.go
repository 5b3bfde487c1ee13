// Package prstats reconciles per-pull-request lifecycle events from the
// GitHub API into one canonical timeline record per PR. It fetches the
// six per-PR endpoints through a shared rate-limit governor, merges the
// results under precedence rules, and checkpoints cursor state so re-runs
// only fetch new data.
package prstats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// HTTP client configuration constants.
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	idleConnTimeoutSec  = 90
)

// Engine orchestrates the per-repository sync: listing pull requests,
// collecting and reconciling events per PR on a bounded worker pool, and
// persisting checkpoints.
type Engine struct {
	github   *githubClient
	governor *Governor
	fetcher  *fetcher
	collect  *collector
	store    *CheckpointStore
	logger   *slog.Logger
	cfg      Config
}

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(e *Engine) {
		e.github.client = httpClient
	}
}

// WithBaseURL points the engine at a different API base. Used for GitHub
// Enterprise installations and tests.
func WithBaseURL(base string) Option {
	return func(e *Engine) {
		e.github.api = base
	}
}

// WithCheckpointStore replaces the default disk checkpoint store.
func WithCheckpointStore(store *CheckpointStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// New creates an Engine with the given configuration. If no checkpoint
// store is supplied, one is created under the user cache directory;
// with NoCheckpoint set the engine runs without any persistence.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConnsPerHost,
		IdleConnTimeout:     idleConnTimeoutSec * time.Second,
	}
	e := &Engine{
		logger: slog.Default(),
		cfg:    cfg,
		github: &githubClient{
			client: &http.Client{Transport: transport, Timeout: 30 * time.Second},
			token:  cfg.Token,
			api:    githubAPI,
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil && !cfg.NoCheckpoint {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			userCacheDir = os.TempDir()
		}
		dir := cfg.CheckpointDir
		if dir == "" {
			dir = filepath.Join(userCacheDir, "prstats")
		}
		store, err := NewCheckpointStore(dir, e.logger)
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	e.governor = NewGovernor(cfg.SafetyMargin, e.logger)
	e.fetcher = &fetcher{
		github:   e.github,
		governor: e.governor,
		logger:   e.logger,
		attempts: cfg.MaxRetries,
		delay:    cfg.BackoffBase,
		maxDelay: cfg.BackoffCap,
	}
	e.collect = &collector{fetcher: e.fetcher, logger: e.logger}
	return e, nil
}

// SyncRepository reconciles every pull request of a repository, returning
// the records sorted by PR number. Per-PR failures are isolated: a failed
// PR is persisted as partial or skipped and the run continues.
// Authentication failures abort the run. On cancellation, records synced
// so far are returned together with the context error; partially
// completed PRs have already been persisted.
func (e *Engine) SyncRepository(ctx context.Context, owner, repo string) ([]*ReconciledPR, error) {
	prs, err := e.listPullRequests(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("listing pull requests: %w", err)
	}
	e.logger.InfoContext(ctx, "syncing repository",
		"owner", owner, "repo", repo, "pull_requests", len(prs))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan githubPullRequest)
	var (
		mu       sync.Mutex
		records  []*ReconciledPR
		fatalErr error
	)

	var wg sync.WaitGroup
	for range e.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pr := range jobs {
				record, err := e.syncPullRequest(runCtx, owner, repo, &pr)
				mu.Lock()
				switch {
				case err != nil:
					if fatalErr == nil {
						fatalErr = err
					}
					cancel()
				case record != nil:
					records = append(records, record)
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, pr := range prs {
		select {
		case jobs <- pr:
		case <-runCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(records, func(i, j int) bool { return records[i].Number < records[j].Number })

	if fatalErr != nil {
		return records, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return records, err
	}
	return records, nil
}

// listPullRequests pages through the repository's pull requests and
// applies the configured filter predicates before any per-PR detail
// fetches are issued.
func (e *Engine) listPullRequests(ctx context.Context, owner, repo string) ([]githubPullRequest, error) {
	var prs []githubPullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=all&sort=created&direction=asc", owner, repo)

	_, err := e.fetcher.pages(ctx, path, 1, func(data json.RawMessage) error {
		var page []githubPullRequest
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("unmarshaling pull request list: %w", err)
		}
		for _, pr := range page {
			if e.matchesFilters(&pr) {
				prs = append(prs, pr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prs, nil
}

// matchesFilters applies the configured predicates to a listed PR.
func (e *Engine) matchesFilters(pr *githubPullRequest) bool {
	f := e.cfg.Filters
	if !f.From.IsZero() && pr.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && pr.CreatedAt.After(f.To) {
		return false
	}
	if f.Author != "" && (pr.User == nil || pr.User.Login != f.Author) {
		return false
	}
	if f.Branch != "" && pr.Base.Ref != f.Branch {
		return false
	}
	if f.State != "" && pr.State != f.State {
		return false
	}
	for _, want := range f.Labels {
		found := false
		for _, label := range pr.Labels {
			if label.Name == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// syncPullRequest runs collect-reconcile-save for one PR. The returned
// error is fatal to the run (authentication); every other failure mode is
// folded into the record's status.
func (e *Engine) syncPullRequest(ctx context.Context, owner, repo string, pr *githubPullRequest) (*ReconciledPR, error) {
	repository := owner + "/" + repo

	var (
		prev   *ReconciledPR
		frozen bool
	)
	if e.store != nil {
		var err error
		prev, frozen, err = e.store.Load(repository, pr.Number)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to load checkpoint, refetching",
				"repository", repository, "pr", pr.Number, "error", err)
			prev = nil
		}
	}
	if frozen && prev != nil && !e.cfg.Force {
		e.logger.DebugContext(ctx, "skipping frozen pull request",
			"repository", repository, "pr", pr.Number)
		return prev, nil
	}

	cursors := CursorSet{}
	if prev != nil && !e.cfg.Force {
		cursors = prev.SyncCursor
	}

	result, err := e.collect.collect(ctx, owner, repo, pr.Number, cursors)
	if err != nil {
		// Only authentication failures propagate this far.
		return nil, err
	}

	var record *ReconciledPR
	switch {
	case result.skipped:
		record = Reconcile(prev, nil)
		record.Status = StatusSkipped
	case result.partial:
		record = Reconcile(prev, result.events)
		record.SyncCursor = result.cursors
		record.Status = StatusPartial
	default:
		record = Reconcile(prev, result.events)
		record.SyncCursor = result.cursors
		record.Status = StatusComplete
	}
	record.Repository = repository
	record.Number = pr.Number

	if e.store != nil {
		freeze := record.Terminal() && record.Status == StatusComplete
		if err := e.store.Save(repository, pr.Number, record, freeze); err != nil {
			e.logger.WarnContext(ctx, "failed to save checkpoint",
				"repository", repository, "pr", pr.Number, "error", err)
		}
	}
	return record, nil
}
