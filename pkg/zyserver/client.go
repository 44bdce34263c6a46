// Package zyserver is a thin client for the grading platform's web API:
// authentication, per-part programming submissions, submission archives and
// completion reports. It only models the data shapes the grading core
// consumes.
package zyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SubmittedAtFormat is the human timestamp layout attached to submissions.
const SubmittedAtFormat = "03:04 PM - 01-02-2006"

const wireTimeFormat = "2006-01-02T15:04:05Z"

// ErrAuthFailed reports rejected credentials.
var ErrAuthFailed = errors.New("authentication failed")

// ErrBadZipLocation reports that the platform handed out an archive URL
// that does not resolve to a fetchable zip. This happens rarely and is a
// logical error on the affected part, not a reason to abort.
var ErrBadZipLocation = errors.New("bad zip location")

// ErrEmptyReport reports a completion report with no content.
var ErrEmptyReport = errors.New("empty completion report")

// TestResult is one test-bench entry of a submission.
type TestResult struct {
	Name     string
	Score    float64
	MaxScore float64
}

// PartSubmission is one chosen submission for one lab part.
type PartSubmission struct {
	Score        float64
	MaxScore     float64
	SubmittedAt  string
	ZipURL       string
	CompileError bool
	Tests        []TestResult
}

// Client talks to the grading platform for one class.
type Client struct {
	baseURL   string
	classCode string
	http      *http.Client
	token     string
	logger    zerolog.Logger
}

// New constructs a platform client. classCode scopes every submission URL.
func New(baseURL, classCode string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		classCode: classCode,
		http:      &http.Client{Timeout: 60 * time.Second},
		logger:    logger.With().Str("component", "zyserver_client").Logger(),
	}
}

type signinResponse struct {
	Success bool `json:"success"`
	Session struct {
		AuthToken string `json:"auth_token"`
	} `json:"session"`
}

// Authenticate signs in and stores the opaque session token.
func (c *Client) Authenticate(ctx context.Context, email, password string) error {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signin", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	var signin signinResponse
	if err := json.NewDecoder(resp.Body).Decode(&signin); err != nil {
		return fmt.Errorf("decode signin response: %w", err)
	}
	if !signin.Success {
		return ErrAuthFailed
	}

	c.token = signin.Session.AuthToken
	return nil
}

type wireSubmission struct {
	DateSubmitted string `json:"date_submitted"`
	ZipLocation   string `json:"zip_location"`
	Results       struct {
		CompileError json.RawMessage `json:"compile_error"`
		TestResults  []struct {
			Name  string  `json:"name"`
			Score float64 `json:"score"`
		} `json:"test_results"`
		Config struct {
			TestBench []struct {
				Name     string  `json:"name"`
				MaxScore float64 `json:"max_score"`
			} `json:"test_bench"`
		} `json:"config"`
	} `json:"results"`
}

func (w wireSubmission) compileError() bool {
	return len(w.Results.CompileError) > 0
}

func (w wireSubmission) score() float64 {
	if w.compileError() {
		return 0
	}
	var score float64
	for _, result := range w.Results.TestResults {
		score += result.Score
	}
	return score
}

func (w wireSubmission) maxScore() float64 {
	var max float64
	for _, test := range w.Results.Config.TestBench {
		max += test.MaxScore
	}
	return max
}

func (w wireSubmission) submittedAt() string {
	t, err := time.Parse(wireTimeFormat, w.DateSubmitted)
	if err != nil {
		return ""
	}
	return t.UTC().Local().Format(SubmittedAtFormat)
}

func (w wireSubmission) toPartSubmission() PartSubmission {
	sub := PartSubmission{
		Score:        w.score(),
		MaxScore:     w.maxScore(),
		SubmittedAt:  w.submittedAt(),
		ZipURL:       w.ZipLocation,
		CompileError: w.compileError(),
	}
	bench := w.Results.Config.TestBench
	for i, result := range w.Results.TestResults {
		test := TestResult{Name: result.Name, Score: result.Score}
		if i < len(bench) {
			if test.Name == "" {
				test.Name = bench[i].Name
			}
			test.MaxScore = bench[i].MaxScore
		}
		sub.Tests = append(sub.Tests, test)
	}
	return sub
}

// AllSubmissions fetches every submission a student made for a part, in
// submission order.
func (c *Client) AllSubmissions(ctx context.Context, partID string, studentID int) ([]PartSubmission, error) {
	endpoint := fmt.Sprintf("%s/zybook/%s/programming_submission/%s/user/%d?auth_token=%s",
		c.baseURL, c.classCode, url.PathEscape(partID), studentID, url.QueryEscape(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch submissions: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Submissions []wireSubmission `json:"submissions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode submissions: %w", err)
	}

	subs := make([]PartSubmission, 0, len(body.Submissions))
	for _, wire := range body.Submissions {
		subs = append(subs, wire.toPartSubmission())
	}
	return subs, nil
}

// PartSubmission fetches the submission to grade for a part: the latest,
// or the most recent of the highest-scoring when highest is set. The bool
// result is false when the student never submitted.
func (c *Client) PartSubmission(ctx context.Context, partID string, studentID int, highest bool) (PartSubmission, bool, error) {
	subs, err := c.AllSubmissions(ctx, partID, studentID)
	if err != nil {
		return PartSubmission{}, false, err
	}
	if len(subs) == 0 {
		return PartSubmission{}, false, nil
	}

	if highest {
		return pickHighest(subs), true, nil
	}
	return subs[len(subs)-1], true, nil
}

// pickHighest returns the most recent submission among those sharing the
// highest score.
func pickHighest(subs []PartSubmission) PartSubmission {
	best := subs[0].Score
	for _, sub := range subs[1:] {
		if sub.Score > best {
			best = sub.Score
		}
	}
	for i := len(subs) - 1; i >= 0; i-- {
		if subs[i].Score == best {
			return subs[i]
		}
	}
	return subs[len(subs)-1]
}

// SubmissionZip downloads a submission archive. A URL the host refuses to
// serve is reported as ErrBadZipLocation so callers can flag the part and
// move on.
func (c *Client) SubmissionZip(ctx context.Context, zipURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadZipLocation, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d from %s", ErrBadZipLocation, resp.StatusCode, zipURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return data, nil
}

// CompletionReport fetches the CSV completion report for the given book
// sections, graded as of the due time.
func (c *Client) CompletionReport(ctx context.Context, due time.Time, sectionIDs []string) (string, error) {
	endpoint := fmt.Sprintf("%s/zybook/%s/activities/report?auth_token=%s&end_date=%s&sections=%s",
		c.baseURL, c.classCode, url.QueryEscape(c.token),
		url.QueryEscape(due.UTC().Format(wireTimeFormat)),
		url.QueryEscape(strings.Join(sectionIDs, ",")))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch completion report: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", ErrEmptyReport
	}
	return string(data), nil
}
