package prstats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	githubAPI = "https://api.github.com"
	// maxResponseSize limits API response size to prevent memory exhaustion.
	maxResponseSize = 10 * 1024 * 1024 // 10MB
	// maxErrorBodySize limits error response body reading for debugging.
	maxErrorBodySize = 1024
)

// githubClient is a client for interacting with the GitHub API.
type githubClient struct {
	client *http.Client
	token  string
	api    string
}

// githubResponse wraps a GitHub API response with its pagination and
// rate-limit metadata.
type githubResponse struct {
	NextPage   int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	HasRate    bool
}

// doRequest performs the common HTTP request logic for GitHub API calls.
// A non-nil githubResponse is returned whenever an HTTP response was
// received, even alongside an error, so callers can feed rate-limit
// headers to the governor.
func (c *githubClient) doRequest(ctx context.Context, path string) ([]byte, *githubResponse, error) {
	apiURL := c.api + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, http.NoBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		slog.DebugContext(ctx, "GitHub API request failed", "url", apiURL, "error", err, "elapsed", elapsed)
		return nil, nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.DebugContext(ctx, "failed to close response body", "error", closeErr, "url", apiURL)
		}
	}()

	meta := parseResponseMeta(resp.Header)

	slog.DebugContext(ctx, "GitHub API response received",
		"status", resp.Status,
		"url", apiURL,
		"elapsed", elapsed,
		"remaining", meta.Remaining)

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if readErr != nil {
			body = []byte("failed to read response body")
		}
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
			URL:        apiURL,
		}
		if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-Ratelimit-Remaining") == "0" {
			apiErr.RateLimit = true
		}
		return nil, meta, apiErr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, meta, err
	}

	return data, meta, nil
}

// parseResponseMeta extracts pagination and rate-limit state from headers.
func parseResponseMeta(h http.Header) *githubResponse {
	meta := &githubResponse{NextPage: nextPage(h.Get("Link"))}

	if remaining, err := strconv.Atoi(h.Get("X-Ratelimit-Remaining")); err == nil {
		meta.Remaining = remaining
		meta.HasRate = true
		if reset, err := strconv.ParseInt(h.Get("X-Ratelimit-Reset"), 10, 64); err == nil {
			meta.ResetAt = time.Unix(reset, 0)
		}
	}
	if seconds, err := strconv.Atoi(h.Get("Retry-After")); err == nil && seconds > 0 {
		meta.RetryAfter = time.Duration(seconds) * time.Second
	}
	return meta
}

// nextPage extracts the next page number from the Link header.
func nextPage(linkHeader string) int {
	links := strings.Split(linkHeader, ",")
	for _, link := range links {
		parts := strings.Split(strings.TrimSpace(link), ";")
		if len(parts) == 2 && strings.TrimSpace(parts[1]) == `rel="next"` {
			u, err := url.Parse(strings.Trim(parts[0], "<>"))
			if err != nil {
				return 0
			}
			page, err := strconv.Atoi(u.Query().Get("page"))
			if err != nil {
				return 0
			}
			return page
		}
	}
	return 0
}

// get makes a GET request to the GitHub API and decodes the response into v.
func (c *githubClient) get(ctx context.Context, path string, v any) (*githubResponse, error) {
	data, resp, err := c.doRequest(ctx, path)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return resp, fmt.Errorf("decoding %s: %w", path, err)
	}
	return resp, nil
}

// raw makes a GET request to the GitHub API and returns the raw JSON response.
func (c *githubClient) raw(ctx context.Context, path string) (json.RawMessage, *githubResponse, error) {
	data, resp, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, resp, err
	}
	return json.RawMessage(data), resp, nil
}

// githubUser represents a GitHub user.
type githubUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

// githubPullRequest represents a GitHub pull request.
type githubPullRequest struct {
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	ClosedAt  time.Time   `json:"closed_at"`
	MergedAt  time.Time   `json:"merged_at"`
	User      *githubUser `json:"user"`
	Title     string      `json:"title"`
	State     string      `json:"state"`
	Base      struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Number int  `json:"number"`
	Draft  bool `json:"draft"`
	Merged bool `json:"merged"`
}

// githubReview represents a GitHub review.
type githubReview struct {
	User        *githubUser `json:"user"`
	SubmittedAt time.Time   `json:"submitted_at"`
	State       string      `json:"state"`
	Body        string      `json:"body"`
	ID          int64       `json:"id"`
}

// githubComment represents a GitHub issue comment.
type githubComment struct {
	User      *githubUser `json:"user"`
	CreatedAt time.Time   `json:"created_at"`
	Body      string      `json:"body"`
	ID        int64       `json:"id"`
}

// githubReviewComment represents an inline review comment.
type githubReviewComment struct {
	User                *githubUser `json:"user"`
	CreatedAt           time.Time   `json:"created_at"`
	Body                string      `json:"body"`
	ID                  int64       `json:"id"`
	PullRequestReviewID int64       `json:"pull_request_review_id"`
}

// githubTimelineEvent represents a GitHub timeline event.
type githubTimelineEvent struct {
	Event     string      `json:"event"`
	Actor     *githubUser `json:"actor"`
	CreatedAt time.Time   `json:"created_at"`
}

// githubCommit represents commit details within a pull request commit.
type githubCommit struct {
	Author struct {
		Date time.Time `json:"date"`
	} `json:"author"`
	Message string `json:"message"`
}

// githubPullRequestCommit represents a commit in a pull request.
type githubPullRequestCommit struct {
	Author  *githubUser  `json:"author"`
	Commit  githubCommit `json:"commit"`
	SHA     string       `json:"sha"`
	Parents []struct {
		SHA string `json:"sha"`
	} `json:"parents"`
}
