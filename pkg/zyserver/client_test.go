package zyserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/signin", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		fmt.Fprint(w, `{"success": true, "session": {"auth_token": "tok123"}}`)
	}))
	defer srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	require.NoError(t, client.Authenticate(context.Background(), "ta@example.edu", "hunter2"))
	require.Equal(t, "tok123", client.token)
}

func TestAuthenticateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success": false}`)
	}))
	defer srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	err := client.Authenticate(context.Background(), "ta@example.edu", "wrong")
	require.ErrorIs(t, err, ErrAuthFailed)
}

const submissionsBody = `{"submissions": [
  {
    "date_submitted": "2026-02-01T10:00:00Z",
    "zip_location": "http://zips/first.zip",
    "results": {
      "test_results": [{"name": "t1", "score": 5}, {"name": "t2", "score": 3}],
      "config": {"test_bench": [{"name": "t1", "max_score": 5}, {"name": "t2", "max_score": 5}]}
    }
  },
  {
    "date_submitted": "2026-02-02T10:00:00Z",
    "zip_location": "http://zips/second.zip",
    "results": {
      "compile_error": "main.cpp:3: error",
      "test_results": [{"name": "t1", "score": 5}],
      "config": {"test_bench": [{"name": "t1", "max_score": 5}, {"name": "t2", "max_score": 5}]}
    }
  }
]}`

func TestAllSubmissionsDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/zybook/CS142/programming_submission/part1/user/42")
		fmt.Fprint(w, submissionsBody)
	}))
	defer srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	subs, err := client.AllSubmissions(context.Background(), "part1", 42)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	require.Equal(t, 8.0, subs[0].Score)
	require.Equal(t, 10.0, subs[0].MaxScore)
	require.False(t, subs[0].CompileError)
	require.Len(t, subs[0].Tests, 2)
	require.Equal(t, 5.0, subs[0].Tests[1].MaxScore)

	// A compile error zeroes the score regardless of reported test results.
	require.True(t, subs[1].CompileError)
	require.Equal(t, 0.0, subs[1].Score)
}

func TestPartSubmissionPicksLatestByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, submissionsBody)
	}))
	defer srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	sub, ok, err := client.PartSubmission(context.Background(), "part1", 42, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "http://zips/second.zip", sub.ZipURL)
}

func TestPartSubmissionPicksHighest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, submissionsBody)
	}))
	defer srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	sub, ok, err := client.PartSubmission(context.Background(), "part1", 42, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 8.0, sub.Score)
	require.Equal(t, "http://zips/first.zip", sub.ZipURL)
}

func TestPartSubmissionNeverSubmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"submissions": []}`)
	}))
	defer srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	_, ok, err := client.PartSubmission(context.Background(), "part1", 42, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPickHighestPrefersMostRecentAmongTies(t *testing.T) {
	subs := []PartSubmission{
		{Score: 10, ZipURL: "a"},
		{Score: 10, ZipURL: "b"},
		{Score: 4, ZipURL: "c"},
	}
	require.Equal(t, "b", pickHighest(subs).ZipURL)
}

func TestSubmissionZipBadLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	_, err := client.SubmissionZip(context.Background(), srv.URL+"/missing.zip")
	require.ErrorIs(t, err, ErrBadZipLocation)
}

func TestSubmissionZipConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	_, err := client.SubmissionZip(context.Background(), srv.URL+"/any.zip")
	require.ErrorIs(t, err, ErrTransient)
}

func TestCompletionReportEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "   ")
	}))
	defer srv.Close()

	client := New(srv.URL, "CS142", zerolog.Nop())
	_, err := client.CompletionReport(context.Background(), testDue(t), []string{"1"})
	require.ErrorIs(t, err, ErrEmptyReport)
}

func testDue(t *testing.T) time.Time {
	t.Helper()
	due, err := time.Parse(wireTimeFormat, "2026-02-10T23:59:59Z")
	require.NoError(t, err)
	return due
}
