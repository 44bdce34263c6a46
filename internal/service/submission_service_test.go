package service

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tagrader/internal/models"
	"github.com/noah-isme/tagrader/pkg/zyserver"
)

type stubPlatform struct {
	submissions map[string][]zyserver.PartSubmission
	zips        map[string][]byte
	failures    map[string]int
	calls       int
}

func (s *stubPlatform) PartSubmission(ctx context.Context, partID string, studentID int, highest bool) (zyserver.PartSubmission, bool, error) {
	s.calls++
	if n, ok := s.failures[partID]; ok && n > 0 {
		s.failures[partID]--
		return zyserver.PartSubmission{}, false, fmt.Errorf("%w: connection reset", zyserver.ErrTransient)
	}
	subs := s.submissions[partID]
	if len(subs) == 0 {
		return zyserver.PartSubmission{}, false, nil
	}
	if highest {
		best := subs[0]
		for _, sub := range subs[1:] {
			if sub.Score >= best.Score {
				best = sub
			}
		}
		return best, true, nil
	}
	return subs[len(subs)-1], true, nil
}

func (s *stubPlatform) SubmissionZip(ctx context.Context, zipURL string) ([]byte, error) {
	data, ok := s.zips[zipURL]
	if !ok {
		return nil, fmt.Errorf("%w: no zip at %s", zyserver.ErrBadZipLocation, zipURL)
	}
	return data, nil
}

func testZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func twoPartLab() models.Lab {
	return models.Lab{
		Name: "Lab 1",
		Parts: []models.LabPart{
			{Name: "partA", ID: "pa"},
			{Name: "partB", ID: "pb"},
		},
	}
}

func at(t *testing.T, stamp string) string {
	t.Helper()
	parsed, err := time.ParseInLocation("2006-01-02 15:04", stamp, time.Local)
	require.NoError(t, err)
	return parsed.Format(models.SubmittedAtFormat)
}

func TestAssembleAggregates(t *testing.T) {
	platform := &stubPlatform{
		submissions: map[string][]zyserver.PartSubmission{
			"pa": {{Score: 8, MaxScore: 10, SubmittedAt: at(t, "2026-02-01 10:00"), ZipURL: "za",
				Tests: []zyserver.TestResult{{Name: "t1", Score: 8, MaxScore: 10}}}},
			"pb": {{Score: 5, MaxScore: 10, SubmittedAt: at(t, "2026-02-02 09:30"), ZipURL: "zb"}},
		},
		zips: map[string][]byte{
			"za": testZip(t, map[string]string{"main.cpp": "int main() {}\n"}),
			"zb": testZip(t, map[string]string{"main.cpp": "int main() { return 1; }\n"}),
		},
	}
	svc := NewSubmissionService(platform, zyserver.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}, zerolog.Nop())

	sub, err := svc.Assemble(context.Background(), testStudent, twoPartLab())
	require.NoError(t, err)

	require.Equal(t, 13.0, sub.Score)
	require.Equal(t, 20.0, sub.MaxScore)
	require.Equal(t, at(t, "2026-02-02 09:30"), sub.LatestAt)
	require.False(t, sub.Flags.Has(models.FlagNoSubmission))
	require.False(t, sub.Flags.Has(models.FlagBadZipURL))

	for _, part := range sub.Parts {
		require.Equal(t, models.PartStatusOK, part.Status)
		_, err := os.Stat(filepath.Join(sub.Workspace, part.Part.Identifier(), "main.cpp"))
		require.NoError(t, err)
	}
	require.NotEmpty(t, sub.Lines)
	require.Len(t, sub.TestResults, 1)
}

func TestAssembleRetriesTransientFailures(t *testing.T) {
	platform := &stubPlatform{
		submissions: map[string][]zyserver.PartSubmission{
			"pa": {{Score: 1, MaxScore: 1, ZipURL: "za"}},
		},
		zips:     map[string][]byte{"za": testZip(t, map[string]string{"main.cpp": "x\n"})},
		failures: map[string]int{"pa": 2},
	}
	svc := NewSubmissionService(platform, zyserver.RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond}, zerolog.Nop())

	lab := models.Lab{Name: "Lab 1", Parts: []models.LabPart{{Name: "partA", ID: "pa"}}}
	sub, err := svc.Assemble(context.Background(), testStudent, lab)
	require.NoError(t, err)
	require.Equal(t, models.PartStatusOK, sub.Parts[0].Status)
}

func TestAssembleBadZipFlagsAndContinues(t *testing.T) {
	platform := &stubPlatform{
		submissions: map[string][]zyserver.PartSubmission{
			"pa": {{Score: 8, MaxScore: 10, ZipURL: "gone"}},
			"pb": {{Score: 5, MaxScore: 10, ZipURL: "zb"}},
		},
		zips: map[string][]byte{"zb": testZip(t, map[string]string{"main.cpp": "x\n"})},
	}
	svc := NewSubmissionService(platform, zyserver.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond}, zerolog.Nop())

	sub, err := svc.Assemble(context.Background(), testStudent, twoPartLab())
	require.NoError(t, err)

	require.True(t, sub.Flags.Has(models.FlagBadZipURL))
	require.Equal(t, models.PartStatusBadZip, sub.Parts[0].Status)
	require.Equal(t, models.PartStatusOK, sub.Parts[1].Status)
	// Scores still aggregate from the platform metadata.
	require.Equal(t, 13.0, sub.Score)
}

func TestAssembleNoSubmissionAtAll(t *testing.T) {
	platform := &stubPlatform{submissions: map[string][]zyserver.PartSubmission{}}
	svc := NewSubmissionService(platform, zyserver.RetryPolicy{MaxAttempts: 1}, zerolog.Nop())

	sub, err := svc.Assemble(context.Background(), testStudent, twoPartLab())
	require.NoError(t, err)
	require.True(t, sub.Flags.Has(models.FlagNoSubmission))
	require.Equal(t, 0.0, sub.Score)
}

func TestMaxScoreFallbackOnlyWhenConfigured(t *testing.T) {
	platform := &stubPlatform{
		submissions: map[string][]zyserver.PartSubmission{
			"pa": {{Score: 8, MaxScore: 10, ZipURL: "za"}},
		},
		zips: map[string][]byte{"za": testZip(t, map[string]string{"main.cpp": "x\n"})},
	}
	svc := NewSubmissionService(platform, zyserver.RetryPolicy{MaxAttempts: 1}, zerolog.Nop())

	// Without the option, the aggregate max comes from submitted parts only.
	lab := twoPartLab()
	sub, err := svc.Assemble(context.Background(), testStudent, lab)
	require.NoError(t, err)
	require.Equal(t, 10.0, sub.MaxScore)

	// With the option, an unsubmitted part forces the configured max.
	max := 25
	lab.Options.MaxScore = &max
	sub, err = svc.Assemble(context.Background(), testStudent, lab)
	require.NoError(t, err)
	require.Equal(t, 25.0, sub.MaxScore)
}

func TestRefetchPartRecomputesAggregates(t *testing.T) {
	platform := &stubPlatform{
		submissions: map[string][]zyserver.PartSubmission{
			"pa": {{Score: 8, MaxScore: 10, ZipURL: "za"}},
			"pb": {{Score: 5, MaxScore: 10, ZipURL: "zb"}},
		},
		zips: map[string][]byte{
			"za": testZip(t, map[string]string{"main.cpp": "x\n"}),
			"zb": testZip(t, map[string]string{"main.cpp": "y\n"}),
		},
	}
	svc := NewSubmissionService(platform, zyserver.RetryPolicy{MaxAttempts: 1}, zerolog.Nop())

	sub, err := svc.Assemble(context.Background(), testStudent, twoPartLab())
	require.NoError(t, err)
	require.Equal(t, 13.0, sub.Score)

	// The platform's test bench changed in place; a refetch must not trust
	// any previously computed aggregate.
	platform.submissions["pb"] = []zyserver.PartSubmission{{Score: 10, MaxScore: 10, ZipURL: "zb"}}
	require.NoError(t, svc.RefetchPart(context.Background(), sub, 1))
	require.Equal(t, 18.0, sub.Score)
}

func TestRefetchPartKeepsBadZipFlagOfOtherParts(t *testing.T) {
	platform := &stubPlatform{
		submissions: map[string][]zyserver.PartSubmission{
			"pa": {{Score: 8, MaxScore: 10, ZipURL: "gone"}},
			"pb": {{Score: 5, MaxScore: 10, ZipURL: "zb"}},
		},
		zips: map[string][]byte{"zb": testZip(t, map[string]string{"main.cpp": "x\n"})},
	}
	svc := NewSubmissionService(platform, zyserver.RetryPolicy{MaxAttempts: 1}, zerolog.Nop())

	sub, err := svc.Assemble(context.Background(), testStudent, twoPartLab())
	require.NoError(t, err)
	require.True(t, sub.Flags.Has(models.FlagBadZipURL))

	// Refetching the healthy part must not forget the broken one.
	require.NoError(t, svc.RefetchPart(context.Background(), sub, 1))
	require.Equal(t, models.PartStatusBadZip, sub.Parts[0].Status)
	require.True(t, sub.Flags.Has(models.FlagBadZipURL))

	// Once the broken part itself is refetched successfully, the flag clears.
	platform.zips["gone"] = testZip(t, map[string]string{"main.cpp": "y\n"})
	require.NoError(t, svc.RefetchPart(context.Background(), sub, 0))
	require.False(t, sub.Flags.Has(models.FlagBadZipURL))
}

func TestDiffParts(t *testing.T) {
	platform := &stubPlatform{
		submissions: map[string][]zyserver.PartSubmission{
			"pa": {{Score: 1, MaxScore: 1, ZipURL: "za"}},
			"pb": {{Score: 1, MaxScore: 1, ZipURL: "zb"}},
		},
		zips: map[string][]byte{
			"za": testZip(t, map[string]string{"main.cpp": "int main() { return 0; }\n"}),
			"zb": testZip(t, map[string]string{"main.cpp": "int main() { return 1; }\n"}),
		},
	}
	svc := NewSubmissionService(platform, zyserver.RetryPolicy{MaxAttempts: 1}, zerolog.Nop())

	lab := twoPartLab()
	lab.Options.DiffParts = true
	sub, err := svc.Assemble(context.Background(), testStudent, lab)
	require.NoError(t, err)
	require.True(t, sub.Flags.Has(models.FlagDiffParts))

	diff, err := svc.Diff(sub, 0, 1)
	require.NoError(t, err)
	require.Contains(t, diff, "-int main() { return 0; }")
	require.Contains(t, diff, "+int main() { return 1; }")
}

func TestDiffRefusedWithoutOption(t *testing.T) {
	svc := NewSubmissionService(&stubPlatform{}, zyserver.RetryPolicy{MaxAttempts: 1}, zerolog.Nop())
	sub := &models.Submission{Lab: twoPartLab(), Parts: make([]models.PartResult, 2)}
	_, err := svc.Diff(sub, 0, 1)
	require.Error(t, err)
}
