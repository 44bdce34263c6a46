package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tagrader/internal/models"
)

func TestWriteGapReport(t *testing.T) {
	book := &models.Gradebook{
		Header:         []string{"Student", "ID", "SIS User ID", "SIS Login ID", "Section", "Lab 1 (1001)", "Notes (0)"},
		PointsPossible: map[string]string{"Lab 1 (1001)": "10"},
		Rows: map[string]*models.GradebookRow{
			"100": {ID: "100", Columns: map[string]string{"Student": "Lovelace, Ada", "Lab 1 (1001)": "8"}},
			"101": {ID: "101", Columns: map[string]string{"Student": "Hopper, Grace", "Lab 1 (1001)": ""}},
		},
	}

	out := filepath.Join(t.TempDir(), "gaps.csv")
	svc := NewReportService(zerolog.Nop())
	require.NoError(t, svc.WriteGapReport(out, book))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "Lab 1 (1001)")
	require.Contains(t, content, "Hopper, Grace")
	require.NotContains(t, content, "Lovelace, Ada")
	// Zero-point columns are not real assignments.
	require.NotContains(t, content, "Notes (0)")
}

func TestLinearAttendanceScheme(t *testing.T) {
	scheme := LinearAttendanceScheme{SchemeName: "two free absences", Full: 100, Penalty: 10, Allowance: 2}

	require.Equal(t, 100.0, scheme.Score(0))
	require.Equal(t, 100.0, scheme.Score(2))
	require.Equal(t, 90.0, scheme.Score(3))
	require.Equal(t, 0.0, scheme.Score(50))
}

func TestApplyAttendance(t *testing.T) {
	book := &models.Gradebook{
		Rows: map[string]*models.GradebookRow{
			"100": {ID: "100", Columns: map[string]string{"Missed": "3"}},
			"101": {ID: "101", Columns: map[string]string{"Missed": ""}},
		},
	}

	svc := NewReportService(zerolog.Nop())
	scored := svc.ApplyAttendance(book, "Missed", "Participation (2000)", LinearAttendanceScheme{
		SchemeName: "strict", Full: 100, Penalty: 10,
	})

	require.Equal(t, 2, scored)
	require.Equal(t, "70", book.Rows["100"].Columns["Participation (2000)"])
	// A blank missed cell means no recorded absences.
	require.Equal(t, "100", book.Rows["101"].Columns["Participation (2000)"])
}

func TestHighScorers(t *testing.T) {
	rows := map[string]*models.CompletionRow{
		"100": {ID: "100", Columns: map[string]string{"A": "95", "B": "91"}},
		"101": {ID: "101", Columns: map[string]string{"A": "95", "B": "40"}},
		"102": {ID: "102", Columns: map[string]string{"A": "99"}},
	}

	svc := NewReportService(zerolog.Nop())
	ids := svc.HighScorers(rows, []string{"A", "B"}, 90)
	// 102 has no B column at all, which counts as 0.
	require.Equal(t, []string{"100"}, ids)

	require.Empty(t, svc.HighScorers(rows, nil, 0))
}
