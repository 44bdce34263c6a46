package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProgram struct {
	alive  bool
	paused bool
}

func (p *fakeProgram) Pause() error  { p.paused = true; return nil }
func (p *fakeProgram) Resume() error { p.paused = false; return nil }
func (p *fakeProgram) Alive() bool   { return p.alive }

func TestSessionIdentity(t *testing.T) {
	a := New("ta1")
	b := New("ta1")

	require.Equal(t, "ta1", a.Grader())
	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
}

func TestTrackRejectsSecondRunningProgram(t *testing.T) {
	sess := New("ta1")
	first := &fakeProgram{alive: true}

	require.NoError(t, sess.Track(first))
	require.True(t, sess.Running())

	require.ErrorIs(t, sess.Track(&fakeProgram{alive: true}), ErrProgramRunning)

	// Once the first program exits, a new one may be tracked.
	first.alive = false
	require.NoError(t, sess.Track(&fakeProgram{alive: true}))
}

func TestClear(t *testing.T) {
	sess := New("ta1")
	require.NoError(t, sess.Track(&fakeProgram{alive: true}))

	sess.Clear()
	require.False(t, sess.Running())
	_, ok := sess.Program()
	require.False(t, ok)
}
