package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/internal/models"
	"github.com/noah-isme/tagrader/pkg/zyserver"
)

// ReportClient is the slice of the platform API the grade puller consumes.
type ReportClient interface {
	CompletionReport(ctx context.Context, due time.Time, sectionIDs []string) (string, error)
}

// PullRequest describes one end-to-end grade pull.
type PullRequest struct {
	// Assignment is the gradebook column receiving the pulled grades.
	Assignment string
	// Day is the due date; each section's due time-of-day applies to it.
	Day time.Time
	// Sections are the class sections involved in the pull.
	Sections []models.ClassSection
	// PlatformSectionIDs scope the completion report fetches.
	PlatformSectionIDs []string

	// UploadPath receives the gradebook import file; empty skips writing
	// it, for diagnostic-only runs.
	UploadPath string
	// UnmatchedPath receives the unmatched-students diagnostic report; empty
	// skips writing it.
	UnmatchedPath string
}

// PullSummary reports what a pull accomplished.
type PullSummary struct {
	Matched         int
	Zeroed          int
	UnmatchedReport []string
	UnmatchedBook   []string
}

// PullService merges platform completion grades into the gradebook. One
// report is fetched per distinct due time among the involved sections, so a
// student enrolled in an early-due section is graded against that cutoff.
type PullService interface {
	Pull(ctx context.Context, req PullRequest) (*PullSummary, error)
}

// NewPullService constructs a grade puller.
func NewPullService(
	client ReportClient,
	retry zyserver.RetryPolicy,
	books GradebookService,
	reconciler ReconcileService,
	gradebookPath string,
	logger zerolog.Logger,
) PullService {
	return &pullService{
		client:        client,
		retry:         retry,
		books:         books,
		reconciler:    reconciler,
		gradebookPath: gradebookPath,
		logger:        logger.With().Str("component", "pull_service").Logger(),
	}
}

type pullService struct {
	client        ReportClient
	retry         zyserver.RetryPolicy
	books         GradebookService
	reconciler    ReconcileService
	gradebookPath string
	logger        zerolog.Logger
}

func (s *pullService) Pull(ctx context.Context, req PullRequest) (*PullSummary, error) {
	book, err := s.books.Load(s.gradebookPath)
	if err != nil {
		return nil, err
	}

	merged, err := s.fetchReports(ctx, req)
	if err != nil {
		return nil, err
	}

	reportIDs := make([]string, 0, len(merged))
	for id := range merged {
		reportIDs = append(reportIDs, id)
	}
	result := s.reconciler.Reconcile(reportIDs, book)

	involved := map[int]bool{}
	for _, section := range req.Sections {
		involved[section.SectionNumber] = true
	}

	matchedIDs := make([]string, 0, len(result.Matched))
	for id := range result.Matched {
		matchedIDs = append(matchedIDs, id)
	}
	sort.Strings(matchedIDs)

	summary := &PullSummary{
		UnmatchedReport: result.UnmatchedReport,
		UnmatchedBook:   result.UnmatchedBook,
	}

	for _, reportID := range matchedIDs {
		row := book.Rows[result.Matched[reportID]]
		report := merged[reportID]

		grade := report.Grade
		if sectioned, ok := report.PossibleGrades[row.SectionNumber]; ok {
			grade = sectioned
		}
		row.Columns[req.Assignment] = strconv.FormatFloat(grade, 'f', -1, 64)
		summary.Matched++
	}

	// A roster student the platform never saw earns nothing, but only in
	// sections this pull covers.
	for _, bookKey := range result.UnmatchedBook {
		row := book.Rows[bookKey]
		if involved[row.SectionNumber] {
			row.Columns[req.Assignment] = "0"
			summary.Zeroed++
		}
	}

	if req.UploadPath != "" {
		if err := s.books.WriteUploadFile(req.UploadPath, book, []string{req.Assignment}, involved); err != nil {
			return nil, err
		}
	}
	if req.UnmatchedPath != "" {
		if err := writeUnmatchedReport(req.UnmatchedPath, result); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("assignment", req.Assignment).
		Int("matched", summary.Matched).
		Int("zeroed", summary.Zeroed).
		Int("unmatched_report", len(summary.UnmatchedReport)).
		Msg("grade pull complete")
	return summary, nil
}

// fetchReports pulls one completion report per distinct due time and merges
// the rows, tagging each with the grade every involved section would earn.
func (s *pullService) fetchReports(ctx context.Context, req PullRequest) (map[string]*models.CompletionRow, error) {
	byDue := map[time.Time][]int{}
	for _, section := range req.Sections {
		due, err := section.DueTimeOn(req.Day)
		if err != nil {
			return nil, err
		}
		byDue[due] = append(byDue[due], section.SectionNumber)
	}

	dues := make([]time.Time, 0, len(byDue))
	for due := range byDue {
		dues = append(dues, due)
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].Before(dues[j]) })

	merged := map[string]*models.CompletionRow{}
	for _, due := range dues {
		var report string
		err := s.retry.Do(ctx, func() error {
			var err error
			report, err = s.client.CompletionReport(ctx, due, req.PlatformSectionIDs)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch completion report for %s: %w", due.Format(time.RFC3339), err)
		}

		rows, err := s.books.ParseCompletionReport(report)
		if err != nil {
			return nil, err
		}

		for id, row := range rows {
			target, ok := merged[id]
			if !ok {
				merged[id] = row
				target = row
			}
			for _, sectionNumber := range byDue[due] {
				target.PossibleGrades[sectionNumber] = row.Grade
			}
		}
	}
	return merged, nil
}

// writeUnmatchedReport writes both residual sides of a reconciliation as a
// CSV for manual resolution.
func writeUnmatchedReport(path string, result MatchResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create unmatched report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"side", "id"}); err != nil {
		return err
	}
	for _, id := range result.UnmatchedReport {
		if err := w.Write([]string{"platform", id}); err != nil {
			return err
		}
	}
	for _, id := range result.UnmatchedBook {
		if err := w.Write([]string{"gradebook", id}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
