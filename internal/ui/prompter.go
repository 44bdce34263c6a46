// Package ui is the boundary between the grading core and whatever front
// end drives it. The core only ever talks to a Prompter; the bundled
// implementation is plain stdio.
package ui

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompter is the interaction surface the grading flows require.
type Prompter interface {
	// Present shows a block of lines to the operator.
	Present(lines ...string)
	// Select asks the operator to choose one option; ok is false on cancel.
	Select(prompt string, options []string) (index int, ok bool)
	// Confirm asks a yes/no question.
	Confirm(prompt string) bool
	// Input reads a free-form line; ok is false on EOF or cancel.
	Input(prompt string) (value string, ok bool)
}

// NewStdio constructs a Prompter over the given reader and writer.
func NewStdio(in io.Reader, out io.Writer) Prompter {
	return &stdioPrompter{in: bufio.NewScanner(in), out: out}
}

type stdioPrompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p *stdioPrompter) Present(lines ...string) {
	for _, line := range lines {
		fmt.Fprintln(p.out, line)
	}
}

func (p *stdioPrompter) Select(prompt string, options []string) (int, bool) {
	fmt.Fprintln(p.out, prompt)
	for i, option := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, option)
	}

	for {
		value, ok := p.Input("> ")
		if !ok || value == "" {
			return 0, false
		}
		index, err := strconv.Atoi(value)
		if err != nil || index < 1 || index > len(options) {
			fmt.Fprintf(p.out, "enter a number between 1 and %d, or press enter to cancel\n", len(options))
			continue
		}
		return index - 1, true
	}
}

func (p *stdioPrompter) Confirm(prompt string) bool {
	value, ok := p.Input(prompt + " [y/N] ")
	if !ok {
		return false
	}
	value = strings.ToLower(strings.TrimSpace(value))
	return value == "y" || value == "yes"
}

func (p *stdioPrompter) Input(prompt string) (string, bool) {
	fmt.Fprint(p.out, prompt)
	if !p.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.in.Text()), true
}
