package locking

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Audit event types and tags. A record's event says what kind of unit was
// touched, its tag says whether it was a lock or an unlock.
const (
	EventLab     = "LAB"
	EventEmail   = "EMAIL"
	EventWarning = "WARNING"

	TagLock   = "LOCK"
	TagUnlock = "UNLOCK"
)

// NoLab fills the lab column of email-only records.
const NoLab = "N/A"

// Record is one audit log line.
type Record struct {
	Time    time.Time
	Event   string
	Student string
	Lab     string
	Grader  string
	Tag     string
}

// AuditLog is the append-only CSV trail of lock and unlock events. Lines
// are only ever appended; no in-place rewrite of a shared record occurs.
type AuditLog struct {
	path string
	mu   sync.Mutex
}

// NewAuditLog points at (and creates the directory for) the shared log file.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	return &AuditLog{path: path}, nil
}

// Append writes one record. The zero Time means now.
func (l *AuditLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o664)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{
		rec.Time.Format(time.RFC3339),
		rec.Event,
		rec.Student,
		rec.Lab,
		rec.Grader,
		rec.Tag,
	}); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	w.Flush()
	return w.Error()
}

// Recent scans for the most recent record within window that references the
// given student (and lab; an empty lab restricts the scan to email-only
// records). Records made by excludeGrader are skipped, so a grader never
// sees their own locks as recent.
func (l *AuditLog) Recent(student, lab, excludeGrader string, window time.Duration) (Record, bool, error) {
	rows, err := l.read()
	if err != nil {
		return Record{}, false, err
	}

	wantLab := lab
	if wantLab == "" {
		wantLab = NoLab
	}

	oldest := time.Now().Add(-window)
	for i := len(rows) - 1; i >= 0; i-- {
		rec := rows[i]
		if rec.Time.Before(oldest) {
			continue
		}
		if rec.Student != student || rec.Lab != wantLab {
			continue
		}
		if rec.Grader == excludeGrader {
			continue
		}
		return rec, true, nil
	}
	return Record{}, false, nil
}

func (l *AuditLog) read() ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows []Record
	lines, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	for _, line := range lines {
		if len(line) < 6 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, line[0])
		if err != nil {
			continue
		}
		rows = append(rows, Record{
			Time:    ts,
			Event:   line[1],
			Student: line[2],
			Lab:     line[3],
			Grader:  line[4],
			Tag:     line[5],
		})
	}
	return rows, nil
}
