package ui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	var out strings.Builder
	p := NewStdio(strings.NewReader("2\n"), &out)

	index, ok := p.Select("pick a lab", []string{"Lab 1", "Lab 2"})
	require.True(t, ok)
	require.Equal(t, 1, index)
	require.Contains(t, out.String(), "1) Lab 1")
	require.Contains(t, out.String(), "2) Lab 2")
}

func TestSelectRetriesUntilValid(t *testing.T) {
	var out strings.Builder
	p := NewStdio(strings.NewReader("zero\n9\n1\n"), &out)

	index, ok := p.Select("pick", []string{"only"})
	require.True(t, ok)
	require.Equal(t, 0, index)
	require.Contains(t, out.String(), "enter a number between 1 and 1")
}

func TestSelectCancelsOnEmptyLine(t *testing.T) {
	var out strings.Builder
	p := NewStdio(strings.NewReader("\n"), &out)

	_, ok := p.Select("pick", []string{"only"})
	require.False(t, ok)
}

func TestConfirm(t *testing.T) {
	var out strings.Builder
	p := NewStdio(strings.NewReader("YES\nn\n\n"), &out)

	require.True(t, p.Confirm("continue?"))
	require.False(t, p.Confirm("continue?"))
	// An empty answer is a no.
	require.False(t, p.Confirm("continue?"))
	// EOF is a no as well.
	require.False(t, p.Confirm("continue?"))
}

func TestInputTrimsWhitespace(t *testing.T) {
	var out strings.Builder
	p := NewStdio(strings.NewReader("  ada  \n"), &out)

	value, ok := p.Input("name: ")
	require.True(t, ok)
	require.Equal(t, "ada", value)
}
