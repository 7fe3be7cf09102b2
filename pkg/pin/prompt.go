// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokensession.
//
// go-tokensession is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package pin

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompt asks for the PIN on a terminal without echo. When in is not a
// terminal the PIN is read as one line, which keeps scripted use working.
// An empty entry or EOF is treated as a cancellation.
type Prompt struct {
	In     *os.File
	Out    io.Writer
	Label  string
	reader *bufio.Reader
}

// NewPrompt returns a Prompt reading stdin and writing to stderr.
func NewPrompt(label string) *Prompt {
	return &Prompt{In: os.Stdin, Out: os.Stderr, Label: label}
}

// PIN prompts and reads one secret.
func (p *Prompt) PIN() (string, error) {
	label := p.Label
	if label == "" {
		label = "Token PIN"
	}
	if p.Out != nil {
		_, _ = fmt.Fprintf(p.Out, "%s: ", label)
	}

	fd := int(p.In.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if p.Out != nil {
			_, _ = fmt.Fprintln(p.Out)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrCancelled
			}
			return "", fmt.Errorf("pin: read terminal: %w", err)
		}
		if len(b) == 0 {
			return "", ErrCancelled
		}
		return string(b), nil
	}

	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	line, err := p.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("pin: read input: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", ErrCancelled
	}
	return line, nil
}

var _ Supplier = (*Prompt)(nil)
