package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/tagrader/internal/models"
	"github.com/noah-isme/tagrader/internal/session"
	"github.com/noah-isme/tagrader/pkg/locking"
)

var (
	testStudent = models.Student{ID: 42, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.edu", Section: 1}
	testLab     = models.Lab{Name: "Lab 1", Parts: []models.LabPart{{Name: "main", ID: "abc"}}}
)

type lockFixture struct {
	dir     string
	audit   *locking.AuditLog
	backend locking.Backend
}

func newLockFixture(t *testing.T) *lockFixture {
	t.Helper()
	dir := t.TempDir()
	backend, err := locking.NewFileBackend(filepath.Join(dir, ".locks"))
	require.NoError(t, err)
	audit, err := locking.NewAuditLog(filepath.Join(dir, "logs", "locks_log.csv"))
	require.NoError(t, err)
	return &lockFixture{dir: dir, audit: audit, backend: backend}
}

func (f *lockFixture) service(grader string) LockService {
	return NewLockService(f.backend, f.audit, session.New(grader),
		10*time.Minute, 2*time.Minute, zerolog.Nop())
}

func TestLockUnlockPostconditions(t *testing.T) {
	fixture := newLockFixture(t)
	locks := fixture.service("ta1")
	ctx := context.Background()

	require.NoError(t, locks.Lock(ctx, testStudent, &testLab))
	held, err := locks.IsLocked(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, locks.Unlock(ctx, testStudent, &testLab))
	held, err = locks.IsLocked(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.False(t, held)
}

func TestLockIsVisibleAcrossGraders(t *testing.T) {
	fixture := newLockFixture(t)
	ctx := context.Background()

	require.NoError(t, fixture.service("ta1").Lock(ctx, testStudent, &testLab))

	other := fixture.service("ta2")
	held, err := other.IsLocked(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.True(t, held)

	holder, err := other.LockedBy(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.Equal(t, "ta1", holder)

	require.ErrorIs(t, other.Lock(ctx, testStudent, &testLab), ErrLockedByOther)
}

func TestConcurrentGradersShareOneMarker(t *testing.T) {
	fixture := newLockFixture(t)
	ctx := context.Background()

	// Both graders race for the same unit; the backend marker name does not
	// depend on who asks, so exactly one acquisition can succeed.
	require.NoError(t, fixture.service("ta1").Lock(ctx, testStudent, &testLab))
	require.ErrorIs(t, fixture.service("ta2").Lock(ctx, testStudent, &testLab), ErrLockedByOther)

	markers, err := fixture.backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
}

func TestUnlockRefusedForOtherGradersLock(t *testing.T) {
	fixture := newLockFixture(t)
	ctx := context.Background()

	require.NoError(t, fixture.service("ta1").Lock(ctx, testStudent, &testLab))
	require.ErrorIs(t, fixture.service("ta2").Unlock(ctx, testStudent, &testLab), ErrLockedByOther)

	held, err := fixture.service("ta1").IsLocked(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.True(t, held)
}

func TestRelockBySameGraderIsIdempotent(t *testing.T) {
	fixture := newLockFixture(t)
	locks := fixture.service("ta1")
	ctx := context.Background()

	require.NoError(t, locks.Lock(ctx, testStudent, &testLab))
	require.NoError(t, locks.Lock(ctx, testStudent, &testLab))

	markers, err := locks.Markers(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)
}

func TestEmailLockIsDistinctFromLabLock(t *testing.T) {
	fixture := newLockFixture(t)
	locks := fixture.service("ta1")
	ctx := context.Background()

	require.NoError(t, locks.Lock(ctx, testStudent, nil))

	held, err := locks.IsLocked(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.False(t, held)

	held, err = locks.IsLocked(ctx, testStudent, nil)
	require.NoError(t, err)
	require.True(t, held)
}

func TestRecentlyGradedExcludesSelf(t *testing.T) {
	fixture := newLockFixture(t)
	ctx := context.Background()

	mine := fixture.service("ta1")
	require.NoError(t, mine.Lock(ctx, testStudent, &testLab))
	require.NoError(t, mine.Unlock(ctx, testStudent, &testLab))

	_, found, err := mine.RecentlyGraded(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.False(t, found)

	rec, found, err := fixture.service("ta2").RecentlyGraded(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "ta1", rec.Grader)
}

func TestWithLockReleasesOnError(t *testing.T) {
	fixture := newLockFixture(t)
	locks := fixture.service("ta1")
	ctx := context.Background()

	boom := errors.New("boom")
	err := locks.WithLock(ctx, testStudent, &testLab, func() error {
		held, err := locks.IsLocked(ctx, testStudent, &testLab)
		require.NoError(t, err)
		require.True(t, held)
		return boom
	})
	require.ErrorIs(t, err, boom)

	held, err := locks.IsLocked(ctx, testStudent, &testLab)
	require.NoError(t, err)
	require.False(t, held)
}

func TestUnlockAllByGraderLeavesOthers(t *testing.T) {
	fixture := newLockFixture(t)
	ctx := context.Background()
	other := models.Student{ID: 7, FirstName: "Grace", LastName: "Hopper", Email: "grace@example.edu"}

	require.NoError(t, fixture.service("ta1").Lock(ctx, testStudent, &testLab))
	require.NoError(t, fixture.service("ta2").Lock(ctx, other, &testLab))

	mine := fixture.service("ta1")
	require.NoError(t, mine.UnlockAllByGrader(ctx))

	markers, err := mine.Markers(ctx)
	require.NoError(t, err)
	require.Len(t, markers, 1)

	holder, err := fixture.service("ta2").LockedBy(ctx, other, &testLab)
	require.NoError(t, err)
	require.Equal(t, "ta2", holder)
}

func TestBulkRemovalWritesSingleWarningRecord(t *testing.T) {
	fixture := newLockFixture(t)
	locks := fixture.service("ta1")
	ctx := context.Background()
	other := models.Student{ID: 7, FirstName: "Grace", LastName: "Hopper", Email: "grace@example.edu"}

	require.NoError(t, locks.Lock(ctx, testStudent, &testLab))
	require.NoError(t, locks.Lock(ctx, other, &testLab))
	require.NoError(t, locks.UnlockAll(ctx))

	data, err := os.ReadFile(filepath.Join(fixture.dir, "logs", "locks_log.csv"))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), locking.EventWarning))
}

func TestRemoveMarkerIsNotAudited(t *testing.T) {
	fixture := newLockFixture(t)
	locks := fixture.service("ta1")
	ctx := context.Background()

	marker := locking.Key{Lab: testLab.UniqueName(), Student: testStudent.UniqueName()}.Marker()
	require.NoError(t, fixture.backend.Acquire(ctx, marker, "ta9"))
	require.NoError(t, locks.RemoveMarker(ctx, marker))

	_, err := os.Stat(filepath.Join(fixture.dir, "logs", "locks_log.csv"))
	require.True(t, os.IsNotExist(err))
}
