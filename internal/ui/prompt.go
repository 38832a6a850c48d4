package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prompter asks the operator where each part should be placed, one line of
// input per part.
type Prompter struct {
	in   *bufio.Reader
	out  io.Writer
	root string
}

// NewPrompter reads answers from in and writes questions to out. root is
// shown as the default placement.
func NewPrompter(in io.Reader, out io.Writer, root string) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out, root: root}
}

// Ask returns the operator's answer for one part: "" accepts the root, a
// relative path places the part below it. ok is false when the operator
// defers the part with "-" or input is exhausted.
func (p *Prompter) Ask(id int, size int64, files int) (answer string, ok bool, err error) {
	fmt.Fprintf(p.out, "%s  %s  %s files  destination under %s [enter=root, -=later]: ",
		PartLabel(id), FormatBytes(size), FormatCount(int64(files)), p.root)

	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, fmt.Errorf("reading destination for part %d: %w", id, err)
	}
	if errors.Is(err, io.EOF) && line == "" {
		fmt.Fprintln(p.out)
		return "", false, nil
	}

	answer = strings.TrimSpace(line)
	if answer == "-" {
		return "", false, nil
	}
	return answer, true, nil
}
