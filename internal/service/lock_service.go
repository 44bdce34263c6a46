package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/tagrader/internal/models"
	"github.com/noah-isme/tagrader/internal/session"
	"github.com/noah-isme/tagrader/pkg/locking"
)

// ErrLockedByOther reports that another grader holds the lock on the same
// student (and lab). The holder's identity is attached to the message.
var ErrLockedByOther = errors.New("locked by another grader")

// LockService coordinates grading locks between graders sharing a class
// directory. A nil lab means an email-only lock, used while answering a
// student's message rather than grading a lab.
type LockService interface {
	// Lock acquires the lock for the student (and lab). Re-acquiring a lock
	// the session's grader already holds succeeds without a new audit record.
	Lock(ctx context.Context, student models.Student, lab *models.Lab) error
	// Unlock releases the session grader's lock and records the release.
	Unlock(ctx context.Context, student models.Student, lab *models.Lab) error
	// WithLock runs fn while holding the lock, releasing it on every path.
	WithLock(ctx context.Context, student models.Student, lab *models.Lab, fn func() error) error

	IsLocked(ctx context.Context, student models.Student, lab *models.Lab) (bool, error)
	// LockedBy returns the netid holding the lock, or "" when unheld.
	LockedBy(ctx context.Context, student models.Student, lab *models.Lab) (string, error)
	// RecentlyGraded reports the most recent lock activity by another grader
	// on the same unit within the recency window.
	RecentlyGraded(ctx context.Context, student models.Student, lab *models.Lab) (locking.Record, bool, error)

	// Markers lists every live lock marker.
	Markers(ctx context.Context) ([]string, error)
	// RemoveMarker deletes one marker by name without an audit record. It is
	// an administrative fixup for markers left by crashed sessions.
	RemoveMarker(ctx context.Context, marker string) error
	// UnlockAllByGrader removes every marker held by the session's grader.
	UnlockAllByGrader(ctx context.Context) error
	// UnlockAll removes every marker regardless of holder.
	UnlockAll(ctx context.Context) error
}

// NewLockService constructs a lock service bound to one grading session.
func NewLockService(
	backend locking.Backend,
	audit *locking.AuditLog,
	sess *session.Session,
	gradesWindow, emailsWindow time.Duration,
	logger zerolog.Logger,
) LockService {
	return &lockService{
		backend:      backend,
		audit:        audit,
		session:      sess,
		gradesWindow: gradesWindow,
		emailsWindow: emailsWindow,
		logger:       logger.With().Str("component", "lock_service").Logger(),
	}
}

type lockService struct {
	backend      locking.Backend
	audit        *locking.AuditLog
	session      *session.Session
	gradesWindow time.Duration
	emailsWindow time.Duration
	logger       zerolog.Logger
}

func (s *lockService) key(student models.Student, lab *models.Lab) locking.Key {
	k := locking.Key{Student: student.UniqueName()}
	if lab != nil {
		k.Lab = lab.UniqueName()
	}
	return k
}

// auditLab is the lab column value for audit records.
func auditLab(lab *models.Lab) (event, labColumn string) {
	if lab == nil {
		return locking.EventEmail, locking.NoLab
	}
	return locking.EventLab, lab.UniqueName()
}

func (s *lockService) Lock(ctx context.Context, student models.Student, lab *models.Lab) error {
	marker := s.key(student, lab).Marker()
	grader := s.session.Grader()

	// The exclusive create is the sole acquisition primitive; no prior
	// existence check decides the outcome.
	if err := s.backend.Acquire(ctx, marker, grader); err != nil {
		if !errors.Is(err, locking.ErrHeld) {
			return err
		}
		holder, herr := s.backend.Holder(ctx, marker)
		if herr != nil {
			return herr
		}
		if holder == grader {
			// Our own marker from earlier in the session.
			return nil
		}
		return fmt.Errorf("%w: %s", ErrLockedByOther, holder)
	}

	event, labColumn := auditLab(lab)
	if err := s.audit.Append(locking.Record{
		Event:   event,
		Student: student.UniqueName(),
		Lab:     labColumn,
		Grader:  grader,
		Tag:     locking.TagLock,
	}); err != nil {
		return fmt.Errorf("record lock: %w", err)
	}

	s.logger.Info().Str("student", student.UniqueName()).Str("lab", labColumn).Msg("lock acquired")
	return nil
}

func (s *lockService) Unlock(ctx context.Context, student models.Student, lab *models.Lab) error {
	marker := s.key(student, lab).Marker()
	grader := s.session.Grader()

	holder, err := s.backend.Holder(ctx, marker)
	if err != nil {
		return err
	}
	if holder != "" && holder != grader {
		return fmt.Errorf("%w: %s", ErrLockedByOther, holder)
	}
	if err := s.backend.Remove(ctx, marker); err != nil {
		return err
	}

	event, labColumn := auditLab(lab)
	if err := s.audit.Append(locking.Record{
		Event:   event,
		Student: student.UniqueName(),
		Lab:     labColumn,
		Grader:  grader,
		Tag:     locking.TagUnlock,
	}); err != nil {
		return fmt.Errorf("record unlock: %w", err)
	}

	s.logger.Info().Str("student", student.UniqueName()).Str("lab", labColumn).Msg("lock released")
	return nil
}

func (s *lockService) WithLock(ctx context.Context, student models.Student, lab *models.Lab, fn func() error) error {
	if err := s.Lock(ctx, student, lab); err != nil {
		return err
	}
	defer func() {
		if err := s.Unlock(ctx, student, lab); err != nil {
			s.logger.Error().Err(err).Str("student", student.UniqueName()).Msg("failed to release lock")
		}
	}()
	return fn()
}

func (s *lockService) IsLocked(ctx context.Context, student models.Student, lab *models.Lab) (bool, error) {
	holder, err := s.backend.Holder(ctx, s.key(student, lab).Marker())
	if err != nil {
		return false, err
	}
	return holder != "", nil
}

func (s *lockService) LockedBy(ctx context.Context, student models.Student, lab *models.Lab) (string, error) {
	return s.backend.Holder(ctx, s.key(student, lab).Marker())
}

func (s *lockService) RecentlyGraded(ctx context.Context, student models.Student, lab *models.Lab) (locking.Record, bool, error) {
	window := s.emailsWindow
	labName := ""
	if lab != nil {
		window = s.gradesWindow
		labName = lab.UniqueName()
	}
	return s.audit.Recent(student.UniqueName(), labName, s.session.Grader(), window)
}

func (s *lockService) Markers(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

func (s *lockService) RemoveMarker(ctx context.Context, marker string) error {
	return s.backend.Remove(ctx, marker)
}

func (s *lockService) UnlockAllByGrader(ctx context.Context) error {
	grader := s.session.Grader()
	return s.removeMatching(ctx, func(holder string) bool {
		return holder == grader
	}, "grader's locks cleared")
}

func (s *lockService) UnlockAll(ctx context.Context) error {
	return s.removeMatching(ctx, func(string) bool { return true }, "all locks cleared")
}

func (s *lockService) removeMatching(ctx context.Context, match func(holder string) bool, note string) error {
	markers, err := s.backend.List(ctx)
	if err != nil {
		return err
	}

	removed := 0
	for _, marker := range markers {
		holder, err := s.backend.Holder(ctx, marker)
		if err != nil {
			return err
		}
		if !match(holder) {
			continue
		}
		if err := s.backend.Remove(ctx, marker); err != nil {
			return fmt.Errorf("remove %s: %w", marker, err)
		}
		removed++
	}
	if removed == 0 {
		return nil
	}

	// Bulk removals get one warning record, not one line per marker.
	if err := s.audit.Append(locking.Record{
		Event:   locking.EventWarning,
		Student: note,
		Lab:     locking.NoLab,
		Grader:  s.session.Grader(),
		Tag:     locking.TagUnlock,
	}); err != nil {
		return fmt.Errorf("record bulk unlock: %w", err)
	}

	s.logger.Warn().Int("removed", removed).Msg(note)
	return nil
}
