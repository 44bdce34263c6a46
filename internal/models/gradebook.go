package models

// NumGradebookIDColumns is how many leading gradebook columns are identity
// columns (name, ids, section) rather than assignments.
const NumGradebookIDColumns = 5

// NumReportIDColumns is the same count for platform completion reports.
const NumReportIDColumns = 5

// GradebookRow is one student's row in the gradebook export, keyed by the
// institution id (or a synthesized placeholder when the id is malformed).
type GradebookRow struct {
	// ID is the parsed numeric id rendered as a string, or a synthesized
	// "bad_gradebook_id_N" placeholder.
	ID string
	// RawID is the id column exactly as exported.
	RawID string
	// LoginID is the login-name id column (netid).
	LoginID string
	// SectionNumber is parsed from the section column.
	SectionNumber int
	// Columns maps every header to the exported cell value. Grade merges
	// mutate assignment cells in place.
	Columns map[string]string
}

// SyntheticID reports whether the row's key had to be synthesized because
// the exported id was missing or malformed.
func (r GradebookRow) SyntheticID() bool {
	return r.RawID == "" || r.ID != r.RawID
}

// Gradebook is the parsed gradebook export: a header, the per-column point
// maxima row, and one row per student.
type Gradebook struct {
	Header         []string
	PointsPossible map[string]string
	Rows           map[string]*GradebookRow
}

// IDColumns returns the leading identity column headers.
func (g Gradebook) IDColumns() []string {
	if len(g.Header) < NumGradebookIDColumns {
		return g.Header
	}
	return g.Header[:NumGradebookIDColumns]
}

// AssignmentColumns returns the headers past the identity columns.
func (g Gradebook) AssignmentColumns() []string {
	if len(g.Header) < NumGradebookIDColumns {
		return nil
	}
	return g.Header[NumGradebookIDColumns:]
}

// CompletionRow is one student's row in a platform completion report. A
// single student may carry distinct due-date-adjusted grades per class
// section, collected in PossibleGrades.
type CompletionRow struct {
	// ID is the normalized key: the numeric id, the lowercased login id,
	// or a synthesized "bad_platform_id_N" placeholder.
	ID string
	// RawID is the report's id column exactly as fetched.
	RawID string
	// Grade is the aggregate score parsed from the report's Total column.
	Grade float64
	// PossibleGrades maps class-section number to the grade computed with
	// that section's due time.
	PossibleGrades map[int]float64
	// Columns maps every report header to the cell value.
	Columns map[string]string
}
