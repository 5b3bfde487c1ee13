// Package export renders reconciled pull request records for downstream
// consumers. Exporters are thin: all aggregation happens in the engine,
// and derived counts are computed here at export time.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Yahyaali1/crispy-pr-stats-git/pkg/prstats"
)

// Report wraps a repository's records with generation metadata for the
// JSON format.
type Report struct {
	Repository   string                  `json:"repository"`
	GeneratedAt  time.Time               `json:"generated_at"`
	PullRequests []*prstats.ReconciledPR `json:"pull_requests"`
}

// JSON writes the records as an indented JSON report.
func JSON(w io.Writer, repository string, records []*prstats.ReconciledPR) error {
	report := Report{
		Repository:   repository,
		GeneratedAt:  time.Now().UTC(),
		PullRequests: records,
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("encoding JSON report: %w", err)
	}
	return nil
}

// csvHeader lists the flattened columns, one row per pull request.
var csvHeader = []string{
	"pr_number", "title", "author", "created_at", "status",
	"request_to_review_at", "approved_at", "review_given_at",
	"merged_at", "is_closed_unmerged", "total_comments", "total_updates",
}

// CSV writes the records as a flat CSV table. total_comments and
// total_updates are lengths of the corresponding streams, computed here
// rather than stored.
func CSV(w io.Writer, records []*prstats.ReconciledPR) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, r := range records {
		row := []string{
			strconv.Itoa(r.Number),
			r.Title,
			r.Author,
			formatTime(r.CreatedAt),
			r.Status,
			formatTimePtr(r.RequestToReviewAt),
			formatTimePtr(r.ApprovedAt),
			formatTimePtr(r.ReviewGivenAt),
			formatTimePtr(r.MergedAt),
			strconv.FormatBool(r.ClosedUnmerged),
			strconv.Itoa(len(r.Comments)),
			strconv.Itoa(len(r.Updates)),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("writing CSV row for PR %d: %w", r.Number, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
