package models

// SubmittedAtFormat is the human timestamp layout used for submission times.
const SubmittedAtFormat = "03:04 PM - 01-02-2006"

// PartStatus enumerates the outcome of fetching one part's submission.
const (
	PartStatusOK           = "ok"
	PartStatusNoSubmission = "no_submission"
	PartStatusCompileError = "compile_error"
	PartStatusBadZip       = "bad_zip"
)

// TestResult is one test-bench entry reported by the grading platform.
type TestResult struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"max_score"`
}

// PartResult holds the graded state of a single lab part.
type PartResult struct {
	Part        LabPart
	Status      string
	Score       float64
	MaxScore    float64
	SubmittedAt string
	ZipURL      string
	Tests       []TestResult
}

// Submitted reports whether the part has any submission at all.
func (p PartResult) Submitted() bool {
	return p.Status != PartStatusNoSubmission
}

// SubmissionFlag marks noteworthy conditions on an assembled submission.
type SubmissionFlag uint8

const (
	// FlagNoSubmission means no part was submitted before the due date.
	FlagNoSubmission SubmissionFlag = 1 << iota
	// FlagBadZipURL means at least one part's archive location was invalid.
	FlagBadZipURL
	// FlagDiffParts means the lab offers part-to-part diffing.
	FlagDiffParts
)

// Has reports whether all bits of flag are set.
func (f SubmissionFlag) Has(flag SubmissionFlag) bool {
	return f&flag == flag
}

// TestResultLine pairs a formatted part header with its test-bench results.
type TestResultLine struct {
	Header string
	Tests  []TestResult
}

// Submission is the per-grading-session model of one student's work on one
// lab: ephemeral, held in memory, with extracted sources materialized into
// a temp workspace that is left to OS cleanup when grading finishes.
type Submission struct {
	Student Student
	Lab     Lab
	Parts   []PartResult
	Flags   SubmissionFlag

	Score    float64
	MaxScore float64
	// LatestAt is the most recent submission timestamp across all parts,
	// formatted with SubmittedAtFormat, or empty when no part has one.
	LatestAt string

	// Workspace is the temp directory holding extracted sources, one
	// subdirectory per part.
	Workspace string

	Lines       []string
	TestResults []TestResultLine

	// CompileStderr holds the compiler output from the last failed build.
	CompileStderr string
}

// Equal reports whether two submissions cover the same student and lab.
func (s *Submission) Equal(other *Submission) bool {
	return s.Student.Equal(other.Student) && s.Lab.Equal(other.Lab)
}

// HasCompileStderr reports whether a failed build left compiler output behind.
func (s *Submission) HasCompileStderr() bool {
	return s.CompileStderr != ""
}
