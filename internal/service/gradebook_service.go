package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/internal/models"
)

// ErrStopped is the base of the stopping-condition family: a precondition
// for a multi-step operation is unmet and the operation must abort with a
// remediation message, not crash.
var ErrStopped = errors.New("operation stopped")

// ErrGradebookMissing reports an absent gradebook export.
var ErrGradebookMissing = fmt.Errorf("%w: gradebook export not found", ErrStopped)

// ErrGradebookUnreadable reports a gradebook export that exists but cannot
// be opened or parsed.
var ErrGradebookUnreadable = fmt.Errorf("%w: gradebook export unreadable", ErrStopped)

// pointedAssignment matches assignment headers that carry a positive point
// value, e.g. "Lab 3 (103425)". Zero-point columns are informational.
var pointedAssignment = regexp.MustCompile(`\([1-9][0-9]*\)`)

// sectionNumber extracts the section number from a gradebook section cell
// such as "C S 142-012: Intro to Programming".
var sectionNumber = regexp.MustCompile(`-0*([0-9]+)\s*:`)

// MercyChange records one midterm group replaced under the mercy policy.
type MercyChange struct {
	RowID string
	Group string
	From  float64
	To    float64
}

// GradebookService loads, mutates, and writes gradebook exports, and
// carries the grade aggregation rules layered on them.
type GradebookService interface {
	// Load parses the downloaded gradebook export.
	Load(path string) (*models.Gradebook, error)
	// WriteUploadFile writes an import file of the given assignment columns.
	// A non-empty sections set restricts the rows written.
	WriteUploadFile(path string, book *models.Gradebook, assignments []string, sections map[int]bool) error

	// ParseCompletionReport parses a platform completion report CSV into
	// rows keyed by normalized student id.
	ParseCompletionReport(report string) (map[string]*models.CompletionRow, error)

	// CombinedScore is the group's earned fraction: earned points over
	// possible points, blank cells counting as 0 earned.
	CombinedScore(book *models.Gradebook, row *models.GradebookRow, group []string) float64
	// GiveScore overwrites the group's scores so the combined score equals
	// target, distributing points proportionally to assignment value.
	GiveScore(book *models.Gradebook, row *models.GradebookRow, group []string, target float64)
	// ApplyMidtermMercy replaces each student's lowest midterm group with
	// the final's combined score when the final scored higher.
	ApplyMidtermMercy(book *models.Gradebook, midtermGroups map[string][]string, finalGroup []string) []MercyChange
}

// NewGradebookService constructs a gradebook service.
func NewGradebookService(logger zerolog.Logger) GradebookService {
	return &gradebookService{
		logger: logger.With().Str("component", "gradebook_service").Logger(),
	}
}

type gradebookService struct {
	logger zerolog.Logger
}

func (s *gradebookService) Load(path string) (*models.Gradebook, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrGradebookMissing, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrGradebookUnreadable, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	lines, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGradebookUnreadable, err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrGradebookUnreadable)
	}

	book := &models.Gradebook{
		Header:         lines[0],
		PointsPossible: map[string]string{},
		Rows:           map[string]*models.GradebookRow{},
	}

	idCol, loginCol, sectionCol := identityColumns(book.Header)
	badIDs := 0

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		if strings.Contains(strings.TrimSpace(line[0]), "Points Possible") {
			for i, header := range book.Header {
				if i < len(line) {
					book.PointsPossible[header] = strings.TrimSpace(line[i])
				}
			}
			continue
		}

		row := &models.GradebookRow{Columns: map[string]string{}}
		for i, header := range book.Header {
			if i < len(line) {
				row.Columns[header] = line[i]
			}
		}

		row.RawID = strings.TrimSpace(cell(line, idCol))
		if id, err := strconv.Atoi(row.RawID); err == nil {
			row.ID = strconv.Itoa(id)
		} else {
			badIDs++
			row.ID = fmt.Sprintf("bad_gradebook_id_%d", badIDs)
			s.logger.Warn().Str("raw_id", row.RawID).Str("placeholder", row.ID).Msg("gradebook row with malformed id")
		}
		row.LoginID = strings.TrimSpace(cell(line, loginCol))
		if m := sectionNumber.FindStringSubmatch(cell(line, sectionCol)); m != nil {
			row.SectionNumber, _ = strconv.Atoi(m[1])
		}

		book.Rows[row.ID] = row
	}

	return book, nil
}

// identityColumns resolves the id, login-id, and section columns among the
// leading identity headers, falling back to the conventional positions.
func identityColumns(header []string) (id, login, section int) {
	id, login, section = 2, 3, 4
	bound := models.NumGradebookIDColumns
	if len(header) < bound {
		bound = len(header)
	}
	for i, h := range header[:bound] {
		switch strings.TrimSpace(h) {
		case "SIS User ID":
			id = i
		case "SIS Login ID":
			login = i
		case "Section":
			section = i
		}
	}
	return id, login, section
}

func cell(line []string, i int) string {
	if i < 0 || i >= len(line) {
		return ""
	}
	return line[i]
}

func (s *gradebookService) WriteUploadFile(path string, book *models.Gradebook, assignments []string, sections map[int]bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append(append([]string{}, book.IDColumns()...), assignments...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write upload header: %w", err)
	}

	keys := make([]string, 0, len(book.Rows))
	for key := range book.Rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		row := book.Rows[key]
		if len(sections) > 0 && !sections[row.SectionNumber] {
			continue
		}
		line := make([]string, 0, len(header))
		for _, column := range header {
			line = append(line, row.Columns[column])
		}
		if err := w.Write(line); err != nil {
			return fmt.Errorf("write upload row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

func (s *gradebookService) ParseCompletionReport(report string) (map[string]*models.CompletionRow, error) {
	r := csv.NewReader(strings.NewReader(report))
	r.FieldsPerRecord = -1
	lines, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse completion report: %w", err)
	}
	if len(lines) < 1 {
		return nil, fmt.Errorf("%w: completion report empty", ErrStopped)
	}

	header := lines[0]
	totalCol := -1
	zeroPoint := false
	for i, h := range header {
		if strings.Contains(h, "Total") {
			totalCol = i
			if strings.Contains(h, "(0)") {
				zeroPoint = true
			}
		}
	}
	if totalCol < 0 {
		return nil, fmt.Errorf("%w: completion report has no Total column", ErrStopped)
	}

	idCol := models.NumReportIDColumns - 1
	for i, h := range header {
		if strings.Contains(h, "Student ID") {
			idCol = i
		}
	}

	rows := map[string]*models.CompletionRow{}
	badIDs := 0
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}

		row := &models.CompletionRow{
			PossibleGrades: map[int]float64{},
			Columns:        map[string]string{},
		}
		for i, h := range header {
			if i < len(line) {
				row.Columns[h] = line[i]
			}
		}

		row.RawID = strings.TrimSpace(cell(line, idCol))
		switch {
		case row.RawID == "":
			badIDs++
			row.ID = fmt.Sprintf("bad_platform_id_%d", badIDs)
		default:
			if id, err := strconv.Atoi(row.RawID); err == nil {
				row.ID = strconv.Itoa(id)
			} else {
				row.ID = strings.ToLower(row.RawID)
			}
		}

		// A zero-point activity reports meaningless totals; completing it
		// at all is worth full credit.
		if zeroPoint {
			row.Grade = 100
		} else {
			row.Grade, _ = strconv.ParseFloat(strings.TrimSpace(cell(line, totalCol)), 64)
		}

		// Duplicate ids (retaken classes, double enrollment) get a numbered
		// suffix so no row silently overwrites another.
		key := row.ID
		for n := 2; ; n++ {
			if _, exists := rows[key]; !exists {
				break
			}
			key = fmt.Sprintf("%s(%02d)", row.ID, n)
		}
		row.ID = key
		rows[key] = row
	}

	return rows, nil
}

func (s *gradebookService) CombinedScore(book *models.Gradebook, row *models.GradebookRow, group []string) float64 {
	var earned, possible float64
	for _, assignment := range group {
		earned += parseScore(row.Columns[assignment])
		possible += parseScore(book.PointsPossible[assignment])
	}
	if possible == 0 {
		return 0
	}
	return earned / possible
}

func (s *gradebookService) GiveScore(book *models.Gradebook, row *models.GradebookRow, group []string, target float64) {
	type valued struct {
		name string
		max  float64
	}
	assignments := make([]valued, 0, len(group))
	var total float64
	for _, name := range group {
		max := parseScore(book.PointsPossible[name])
		assignments = append(assignments, valued{name: name, max: max})
		total += max
	}
	if total == 0 {
		return
	}
	sort.SliceStable(assignments, func(i, j int) bool {
		return assignments[i].max < assignments[j].max
	})

	pool := target * total
	remaining := pool
	awarded := make([]float64, len(assignments))
	for i, a := range assignments {
		give := a.max
		if remaining < give {
			give = remaining
		}
		awarded[i] = give
		remaining -= give
	}
	// Floating-point drift lands on the highest-value assignment so the
	// recomputed combined score matches the target.
	awarded[len(awarded)-1] += remaining

	for i, a := range assignments {
		row.Columns[a.name] = strconv.FormatFloat(awarded[i], 'f', -1, 64)
	}
}

func (s *gradebookService) ApplyMidtermMercy(book *models.Gradebook, midtermGroups map[string][]string, finalGroup []string) []MercyChange {
	groupNames := make([]string, 0, len(midtermGroups))
	for name := range midtermGroups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	rowKeys := make([]string, 0, len(book.Rows))
	for key := range book.Rows {
		rowKeys = append(rowKeys, key)
	}
	sort.Strings(rowKeys)

	var changes []MercyChange
	for _, key := range rowKeys {
		row := book.Rows[key]
		finalScore := s.CombinedScore(book, row, finalGroup)

		lowestName := ""
		lowestScore := 0.0
		for _, name := range groupNames {
			score := s.CombinedScore(book, row, midtermGroups[name])
			if lowestName == "" || score < lowestScore {
				lowestName, lowestScore = name, score
			}
		}

		// Only the single lowest midterm may be replaced, and only when the
		// final actually did better.
		if lowestName == "" || lowestScore >= finalScore {
			continue
		}

		s.GiveScore(book, row, midtermGroups[lowestName], finalScore)
		changes = append(changes, MercyChange{
			RowID: row.ID,
			Group: lowestName,
			From:  lowestScore,
			To:    finalScore,
		})
	}
	return changes
}

// parseScore reads a cell as points; blank and malformed cells count as 0.
func parseScore(cell string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil {
		return 0
	}
	return v
}

// PointedAssignments filters headers down to real point-bearing assignment
// columns.
func PointedAssignments(headers []string) []string {
	var out []string
	for _, h := range headers {
		if pointedAssignment.MatchString(h) {
			out = append(out, h)
		}
	}
	return out
}
