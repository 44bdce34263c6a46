package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/internal/models"
	"github.com/noah-isme/tagrader/pkg/archive"
	"github.com/noah-isme/tagrader/pkg/zyserver"
)

// ErrNoParts reports a lab record without parts, which cannot be graded.
var ErrNoParts = errors.New("lab has no parts")

// PlatformClient is the slice of the platform API the assembler consumes.
type PlatformClient interface {
	PartSubmission(ctx context.Context, partID string, studentID int, highest bool) (zyserver.PartSubmission, bool, error)
	SubmissionZip(ctx context.Context, zipURL string) ([]byte, error)
}

// SubmissionService assembles gradable submissions: one platform fetch per
// lab part, archives extracted into a temp workspace, scores aggregated.
type SubmissionService interface {
	Assemble(ctx context.Context, student models.Student, lab models.Lab) (*models.Submission, error)
	// RefetchPart re-fetches one part of an assembled submission and
	// recomputes the aggregate state.
	RefetchPart(ctx context.Context, sub *models.Submission, partIndex int) error
	// Diff renders a unified diff between two parts' extracted sources.
	Diff(sub *models.Submission, partA, partB int) (string, error)
}

// NewSubmissionService constructs a submission assembler.
func NewSubmissionService(client PlatformClient, retry zyserver.RetryPolicy, logger zerolog.Logger) SubmissionService {
	return &submissionService{
		client: client,
		retry:  retry,
		logger: logger.With().Str("component", "submission_service").Logger(),
	}
}

type submissionService struct {
	client PlatformClient
	retry  zyserver.RetryPolicy
	logger zerolog.Logger
}

func (s *submissionService) Assemble(ctx context.Context, student models.Student, lab models.Lab) (*models.Submission, error) {
	if len(lab.Parts) == 0 {
		return nil, ErrNoParts
	}

	sub := &models.Submission{
		Student:   student,
		Lab:       lab,
		Parts:     make([]models.PartResult, len(lab.Parts)),
		Workspace: filepath.Join(os.TempDir(), "tagrader-"+uuid.NewString()),
	}
	if lab.Options.DiffParts {
		sub.Flags |= models.FlagDiffParts
	}

	for i := range lab.Parts {
		if err := s.fetchPart(ctx, sub, i); err != nil {
			return nil, err
		}
	}

	s.recompute(sub)
	return sub, nil
}

func (s *submissionService) RefetchPart(ctx context.Context, sub *models.Submission, partIndex int) error {
	if partIndex < 0 || partIndex >= len(sub.Parts) {
		return fmt.Errorf("part index %d out of range", partIndex)
	}
	if err := s.fetchPart(ctx, sub, partIndex); err != nil {
		return err
	}
	s.recompute(sub)
	return nil
}

// fetchPart pulls the chosen submission for one part and materializes its
// sources under the workspace.
func (s *submissionService) fetchPart(ctx context.Context, sub *models.Submission, i int) error {
	part := sub.Lab.Parts[i]
	result := models.PartResult{Part: part, Status: models.PartStatusNoSubmission}

	var (
		ps        zyserver.PartSubmission
		submitted bool
	)
	err := s.retry.Do(ctx, func() error {
		var err error
		ps, submitted, err = s.client.PartSubmission(ctx, part.ID, sub.Student.ID, sub.Lab.Options.HighestScore)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch part %s: %w", part.Identifier(), err)
	}

	if submitted {
		result.Status = models.PartStatusOK
		if ps.CompileError {
			result.Status = models.PartStatusCompileError
		}
		result.Score = ps.Score
		result.MaxScore = ps.MaxScore
		result.SubmittedAt = ps.SubmittedAt
		result.ZipURL = ps.ZipURL
		for _, test := range ps.Tests {
			result.Tests = append(result.Tests, models.TestResult{
				Name:     test.Name,
				Score:    test.Score,
				MaxScore: test.MaxScore,
			})
		}

		if err := s.materialize(ctx, sub, &result); err != nil {
			return err
		}
	}

	sub.Parts[i] = result
	return nil
}

// materialize downloads and extracts the part's archive. A bad archive
// location flags the part instead of failing the whole assembly.
func (s *submissionService) materialize(ctx context.Context, sub *models.Submission, result *models.PartResult) error {
	if result.ZipURL == "" {
		result.Status = models.PartStatusBadZip
		return nil
	}

	var data []byte
	err := s.retry.Do(ctx, func() error {
		var err error
		data, err = s.client.SubmissionZip(ctx, result.ZipURL)
		return err
	})
	if err != nil {
		if errors.Is(err, zyserver.ErrBadZipLocation) {
			s.logger.Warn().
				Str("student", sub.Student.UniqueName()).
				Str("part", result.Part.Identifier()).
				Msg("bad zip location")
			result.Status = models.PartStatusBadZip
			return nil
		}
		return fmt.Errorf("download part %s: %w", result.Part.Identifier(), err)
	}

	files, err := archive.Extract(data)
	if err != nil {
		if errors.Is(err, archive.ErrBadArchive) {
			result.Status = models.PartStatusBadZip
			return nil
		}
		return err
	}

	dir := filepath.Join(sub.Workspace, result.Part.Identifier())
	if err := archive.WriteTree(dir, files); err != nil {
		return err
	}
	return nil
}

// recompute rebuilds every aggregate field, the derived flags included,
// from the per-part results.
func (s *submissionService) recompute(sub *models.Submission) {
	sub.Score = 0
	sub.MaxScore = 0
	sub.LatestAt = ""
	sub.Flags &^= models.FlagNoSubmission | models.FlagBadZipURL

	anySubmitted := false
	incompleteMax := false
	var latest time.Time

	for _, part := range sub.Parts {
		sub.Score += part.Score
		sub.MaxScore += part.MaxScore
		if part.Submitted() {
			anySubmitted = true
		} else {
			incompleteMax = true
		}
		if part.Status == models.PartStatusBadZip {
			sub.Flags |= models.FlagBadZipURL
		}
		if part.SubmittedAt != "" {
			if at, err := time.ParseInLocation(models.SubmittedAtFormat, part.SubmittedAt, time.Local); err == nil && at.After(latest) {
				latest = at
			}
		}
	}

	if !anySubmitted {
		sub.Flags |= models.FlagNoSubmission
	}
	// Unsubmitted parts report a zero max, understating the lab total. The
	// configured max is authoritative when present.
	if incompleteMax && sub.Lab.Options.MaxScore != nil {
		sub.MaxScore = float64(*sub.Lab.Options.MaxScore)
	}
	if !latest.IsZero() {
		sub.LatestAt = latest.Format(models.SubmittedAtFormat)
	}

	s.render(sub)
}

// render produces the operator-facing summary lines and test result blocks.
func (s *submissionService) render(sub *models.Submission) {
	sub.Lines = sub.Lines[:0]
	sub.TestResults = sub.TestResults[:0]

	sub.Lines = append(sub.Lines,
		fmt.Sprintf("%s - %s", sub.Student.FullName(), sub.Lab.Name),
		fmt.Sprintf("Total: %g/%g", sub.Score, sub.MaxScore),
	)
	if sub.LatestAt != "" {
		sub.Lines = append(sub.Lines, "Latest: "+sub.LatestAt)
	}

	width := 0
	for _, part := range sub.Parts {
		if n := len(part.Part.Identifier()); n > width {
			width = n
		}
	}

	for _, part := range sub.Parts {
		name := part.Part.Identifier()
		switch part.Status {
		case models.PartStatusNoSubmission:
			sub.Lines = append(sub.Lines, fmt.Sprintf("%-*s  No submission", width, name))
		case models.PartStatusBadZip:
			sub.Lines = append(sub.Lines, fmt.Sprintf("%-*s  %g/%g  (archive unavailable)", width, name, part.Score, part.MaxScore))
		case models.PartStatusCompileError:
			sub.Lines = append(sub.Lines, fmt.Sprintf("%-*s  0/%g  COMPILE ERROR  %s", width, name, part.MaxScore, part.SubmittedAt))
		default:
			sub.Lines = append(sub.Lines, fmt.Sprintf("%-*s  %g/%g  %s", width, name, part.Score, part.MaxScore, part.SubmittedAt))
		}

		if len(part.Tests) > 0 {
			sub.TestResults = append(sub.TestResults, models.TestResultLine{
				Header: fmt.Sprintf("%-*s", width, name),
				Tests:  part.Tests,
			})
		}
	}
}

func (s *submissionService) Diff(sub *models.Submission, partA, partB int) (string, error) {
	if !sub.Flags.Has(models.FlagDiffParts) {
		return "", fmt.Errorf("lab %s does not offer part diffing", sub.Lab.Name)
	}
	if partA < 0 || partA >= len(sub.Parts) || partB < 0 || partB >= len(sub.Parts) {
		return "", fmt.Errorf("part index out of range")
	}

	a, err := partSources(sub, partA)
	if err != nil {
		return "", err
	}
	b, err := partSources(sub, partB)
	if err != nil {
		return "", err
	}

	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: sub.Parts[partA].Part.Identifier(),
		ToFile:   sub.Parts[partB].Part.Identifier(),
		Context:  3,
	})
}

// partSources concatenates a part's extracted sources in name order.
func partSources(sub *models.Submission, i int) (string, error) {
	dir := filepath.Join(sub.Workspace, sub.Parts[i].Part.Identifier())
	paths, err := archive.SourceFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		b.Write(content)
		if len(content) > 0 && content[len(content)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}
