// Package session carries per-operator state that earlier tooling kept in
// process-wide globals: who is grading, and the one student program that
// may be executing at a time.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrProgramRunning reports an attempt to track a second student program
// while one is already executing.
var ErrProgramRunning = errors.New("a student program is already running")

// Program is a pausable child process running student code.
type Program interface {
	Pause() error
	Resume() error
	Alive() bool
}

// Session identifies the grader and tracks at most one running student
// program, which gates terminal input handoff between the tool and the
// child process.
type Session struct {
	id     string
	grader string

	mu      sync.Mutex
	program Program
}

// New opens a session for the given grader identity.
func New(grader string) *Session {
	return &Session{id: uuid.NewString(), grader: grader}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Grader returns the operator identity used in locks and audit records.
func (s *Session) Grader() string { return s.grader }

// Track registers the running student program.
func (s *Session) Track(p Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.program != nil && s.program.Alive() {
		return ErrProgramRunning
	}
	s.program = p
	return nil
}

// Program returns the tracked program, if any.
func (s *Session) Program() (Program, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.program == nil {
		return nil, false
	}
	return s.program, true
}

// Clear forgets the tracked program.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.program = nil
}

// Running reports whether a tracked student program is still executing.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program != nil && s.program.Alive()
}
