package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"

	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/internal/models"
	"github.com/noah-isme/tagrader/pkg/archive"
	"github.com/noah-isme/tagrader/pkg/zyserver"
)

// SearchClient is the slice of the platform API submission search consumes.
type SearchClient interface {
	AllSubmissions(ctx context.Context, partID string, studentID int) ([]zyserver.PartSubmission, error)
	SubmissionZip(ctx context.Context, zipURL string) ([]byte, error)
}

// SearchService scans every submission every student made for one lab part
// and reports the sources matching a pattern, as CSV. It exists for
// honor-code investigations and for finding who used a banned construct.
type SearchService interface {
	Search(ctx context.Context, students []models.Student, part models.LabPart, pattern string, out io.Writer) (int, error)
}

// NewSearchService constructs a submission search service.
func NewSearchService(client SearchClient, retry zyserver.RetryPolicy, logger zerolog.Logger) SearchService {
	return &searchService{
		client: client,
		retry:  retry,
		logger: logger.With().Str("component", "search_service").Logger(),
	}
}

type searchService struct {
	client SearchClient
	retry  zyserver.RetryPolicy
	logger zerolog.Logger
}

func (s *searchService) Search(ctx context.Context, students []models.Student, part models.LabPart, pattern string, out io.Writer) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid search pattern: %w", err)
	}

	w := csv.NewWriter(out)
	if err := w.Write([]string{"student", "submitted_at", "file"}); err != nil {
		return 0, err
	}

	matches := 0
	for _, student := range students {
		var subs []zyserver.PartSubmission
		err := s.retry.Do(ctx, func() error {
			var err error
			subs, err = s.client.AllSubmissions(ctx, part.ID, student.ID)
			return err
		})
		if err != nil {
			return matches, fmt.Errorf("fetch submissions for %s: %w", student.UniqueName(), err)
		}

		for _, sub := range subs {
			if sub.ZipURL == "" {
				continue
			}

			var data []byte
			err := s.retry.Do(ctx, func() error {
				var err error
				data, err = s.client.SubmissionZip(ctx, sub.ZipURL)
				return err
			})
			if err != nil {
				if errors.Is(err, zyserver.ErrBadZipLocation) {
					s.logger.Warn().Str("student", student.UniqueName()).Msg("skipping submission with bad zip location")
					continue
				}
				return matches, err
			}

			files, err := archive.Extract(data)
			if err != nil {
				if errors.Is(err, archive.ErrBadArchive) {
					continue
				}
				return matches, err
			}

			names := make([]string, 0, len(files))
			for name := range files {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				if !re.MatchString(files[name]) {
					continue
				}
				if err := w.Write([]string{student.UniqueName(), sub.SubmittedAt, name}); err != nil {
					return matches, err
				}
				matches++
			}
		}
	}

	w.Flush()
	return matches, w.Error()
}
