package service

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/internal/models"
)

// AttendanceScheme converts a classes-missed count into a participation
// score. Schemes are pluggable because grading policies change per semester.
type AttendanceScheme interface {
	Name() string
	Score(classesMissed int) float64
}

// LinearAttendanceScheme deducts a fixed penalty per missed class beyond a
// free allowance, never going below zero.
type LinearAttendanceScheme struct {
	SchemeName string
	Full       float64
	Penalty    float64
	Allowance  int
}

func (s LinearAttendanceScheme) Name() string { return s.SchemeName }

func (s LinearAttendanceScheme) Score(classesMissed int) float64 {
	over := classesMissed - s.Allowance
	if over <= 0 {
		return s.Full
	}
	score := s.Full - float64(over)*s.Penalty
	if score < 0 {
		return 0
	}
	return score
}

// DefaultAttendanceSchemes are the historically used grading policies.
func DefaultAttendanceSchemes() []AttendanceScheme {
	return []AttendanceScheme{
		LinearAttendanceScheme{SchemeName: "strict", Full: 100, Penalty: 10, Allowance: 0},
		LinearAttendanceScheme{SchemeName: "two free absences", Full: 100, Penalty: 10, Allowance: 2},
	}
}

// ReportService produces the diagnostic and administrative reports layered
// on the gradebook and completion reports.
type ReportService interface {
	// WriteGapReport writes, one line per point-bearing assignment, the
	// students missing a score for it.
	WriteGapReport(path string, book *models.Gradebook) error
	// ApplyAttendance scores the target column from a classes-missed column
	// using the given scheme.
	ApplyAttendance(book *models.Gradebook, missedColumn, targetColumn string, scheme AttendanceScheme) int
	// HighScorers returns report ids whose minimum across the chosen
	// columns meets the threshold.
	HighScorers(rows map[string]*models.CompletionRow, columns []string, threshold float64) []string
}

// NewReportService constructs a report service.
func NewReportService(logger zerolog.Logger) ReportService {
	return &reportService{
		logger: logger.With().Str("component", "report_service").Logger(),
	}
}

type reportService struct {
	logger zerolog.Logger
}

func (s *reportService) WriteGapReport(path string, book *models.Gradebook) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create gap report: %w", err)
	}
	defer f.Close()

	keys := make([]string, 0, len(book.Rows))
	for key := range book.Rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	nameColumn := ""
	if len(book.Header) > 0 {
		nameColumn = book.Header[0]
	}

	w := csv.NewWriter(f)
	for _, assignment := range PointedAssignments(book.AssignmentColumns()) {
		line := []string{assignment}
		for _, key := range keys {
			row := book.Rows[key]
			if strings.TrimSpace(row.Columns[assignment]) == "" {
				line = append(line, row.Columns[nameColumn])
			}
		}
		if len(line) == 1 {
			continue
		}
		if err := w.Write(line); err != nil {
			return fmt.Errorf("write gap report: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func (s *reportService) ApplyAttendance(book *models.Gradebook, missedColumn, targetColumn string, scheme AttendanceScheme) int {
	keys := make([]string, 0, len(book.Rows))
	for key := range book.Rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	scored := 0
	for _, key := range keys {
		row := book.Rows[key]
		missed, err := strconv.Atoi(strings.TrimSpace(row.Columns[missedColumn]))
		if err != nil {
			// A blank cell means no absences recorded, not a dropped student.
			missed = 0
		}
		row.Columns[targetColumn] = strconv.FormatFloat(scheme.Score(missed), 'f', -1, 64)
		scored++
	}

	s.logger.Info().Str("scheme", scheme.Name()).Int("scored", scored).Msg("attendance scores applied")
	return scored
}

func (s *reportService) HighScorers(rows map[string]*models.CompletionRow, columns []string, threshold float64) []string {
	var ids []string
	for id, row := range rows {
		lowest := math.Inf(1)
		for _, column := range columns {
			v, err := strconv.ParseFloat(strings.TrimSpace(row.Columns[column]), 64)
			if err != nil {
				v = 0
			}
			if v < lowest {
				lowest = v
			}
		}
		if len(columns) > 0 && lowest >= threshold {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
