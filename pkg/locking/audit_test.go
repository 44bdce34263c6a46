package locking

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newAuditLog(t *testing.T) *AuditLog {
	t.Helper()
	log, err := NewAuditLog(filepath.Join(t.TempDir(), "logs", "locks_log.csv"))
	require.NoError(t, err)
	return log
}

func TestAuditLogAppendIsAppendOnly(t *testing.T) {
	log := newAuditLog(t)

	require.NoError(t, log.Append(Record{
		Event: EventLab, Student: "AdaLovelace_42", Lab: "Lab1_abc", Grader: "ta1", Tag: TagLock,
	}))
	require.NoError(t, log.Append(Record{
		Event: EventLab, Student: "AdaLovelace_42", Lab: "Lab1_abc", Grader: "ta1", Tag: TagUnlock,
	}))

	data, err := os.ReadFile(log.path)
	require.NoError(t, err)
	require.Contains(t, string(data), "LOCK")
	require.Contains(t, string(data), "UNLOCK")
}

func TestRecentSkipsOwnRecords(t *testing.T) {
	log := newAuditLog(t)

	require.NoError(t, log.Append(Record{
		Event: EventLab, Student: "AdaLovelace_42", Lab: "Lab1_abc", Grader: "ta1", Tag: TagLock,
	}))

	_, found, err := log.Recent("AdaLovelace_42", "Lab1_abc", "ta1", time.Hour)
	require.NoError(t, err)
	require.False(t, found, "a grader must never see their own locks as recent")

	rec, found, err := log.Recent("AdaLovelace_42", "Lab1_abc", "ta2", time.Hour)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ta1", rec.Grader)
}

func TestRecentHonorsWindow(t *testing.T) {
	log := newAuditLog(t)

	require.NoError(t, log.Append(Record{
		Time:  time.Now().Add(-30 * time.Minute),
		Event: EventLab, Student: "AdaLovelace_42", Lab: "Lab1_abc", Grader: "ta1", Tag: TagLock,
	}))

	_, found, err := log.Recent("AdaLovelace_42", "Lab1_abc", "ta2", 10*time.Minute)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = log.Recent("AdaLovelace_42", "Lab1_abc", "ta2", time.Hour)
	require.NoError(t, err)
	require.True(t, found)
}

func TestRecentEmptyLabMatchesEmailRecordsOnly(t *testing.T) {
	log := newAuditLog(t)

	require.NoError(t, log.Append(Record{
		Event: EventLab, Student: "AdaLovelace_42", Lab: "Lab1_abc", Grader: "ta1", Tag: TagLock,
	}))

	_, found, err := log.Recent("AdaLovelace_42", "", "ta2", time.Hour)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, log.Append(Record{
		Event: EventEmail, Student: "AdaLovelace_42", Lab: NoLab, Grader: "ta1", Tag: TagLock,
	}))

	rec, found, err := log.Recent("AdaLovelace_42", "", "ta2", time.Hour)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, EventEmail, rec.Event)
}

func TestRecentReturnsMostRecentMatch(t *testing.T) {
	log := newAuditLog(t)

	require.NoError(t, log.Append(Record{
		Time:  time.Now().Add(-5 * time.Minute),
		Event: EventLab, Student: "AdaLovelace_42", Lab: "Lab1_abc", Grader: "ta1", Tag: TagLock,
	}))
	require.NoError(t, log.Append(Record{
		Time:  time.Now().Add(-1 * time.Minute),
		Event: EventLab, Student: "AdaLovelace_42", Lab: "Lab1_abc", Grader: "ta3", Tag: TagUnlock,
	}))

	rec, found, err := log.Recent("AdaLovelace_42", "Lab1_abc", "ta2", time.Hour)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ta3", rec.Grader)
	require.Equal(t, TagUnlock, rec.Tag)
}

func TestRecentMissingLogFile(t *testing.T) {
	log := newAuditLog(t)

	_, found, err := log.Recent("Nobody_0", "Lab1_abc", "ta1", time.Hour)
	require.NoError(t, err)
	require.False(t, found)
}
