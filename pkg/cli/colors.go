/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package cli provides shared terminal output for the excalmq command-line
tools.

COLORS:
=======
ANSI escape codes are written only when the printer has color enabled.
NewPrinter enables color when stdout is a terminal and NO_COLOR is unset.

ICONS:
======
- IconSuccess (✓), IconError (✗), IconWarning (⚠)
- IconInfo (ℹ), IconArrow (→), IconDot (●)

ERRORS:
=======
Printer.Fail prints an error and, for MTP error responses, a hint keyed on
the error kind:

	✗ 102 Forbidden: role Consumer cannot publish to "orders"
	  → Hint: ask a moderator of the queue for the Producer role
*/
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"excalmq/internal/protocol"
)

// ANSI color codes for terminal output.
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

// Icons for CLI output
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "ℹ"
	IconArrow   = "→"
	IconDot     = "●"
)

// Printer writes formatted output.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Color bool
}

// NewPrinter writes to stdout and stderr.
func NewPrinter() *Printer {
	color := os.Getenv("NO_COLOR") == ""
	if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		color = false
	}
	return &Printer{Out: os.Stdout, Err: os.Stderr, Color: color}
}

func (p *Printer) colorize(color, text string) string {
	if !p.Color {
		return text
	}
	return color + text + Reset
}

func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprintln(p.Out, p.colorize(Green, IconSuccess+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.Err, p.colorize(Red, IconError+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Warning(format string, args ...interface{}) {
	fmt.Fprintln(p.Out, p.colorize(Yellow, IconWarning+" "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Info(format string, args ...interface{}) {
	fmt.Fprintln(p.Out, p.colorize(Cyan, IconInfo+" "+fmt.Sprintf(format, args...)))
}

// Hint prints a dimmed hint line to the error stream.
func (p *Printer) Hint(format string, args ...interface{}) {
	fmt.Fprintln(p.Err, p.colorize(Dim, "  "+IconArrow+" Hint: "+fmt.Sprintf(format, args...)))
}

func (p *Printer) Header(text string) {
	fmt.Fprintln(p.Out, p.colorize(Bold+Cyan, text))
}

// KeyValue prints an indented key/value line.
func (p *Printer) KeyValue(key string, value interface{}) {
	fmt.Fprintf(p.Out, "  %s %v\n", p.colorize(Dim, fmt.Sprintf("%-12s", key+":")), value)
}

// Fail prints err with a hint when err is an MTP error response.
func (p *Printer) Fail(err error) {
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) {
		p.Error("%v", err)
		return
	}
	p.Error("%d %s: %s", pe.Code(), pe.Kind, pe.Info)
	if hint := HintFor(pe.Kind); hint != "" {
		p.Hint("%s", hint)
	}
}

// HintFor returns advice for an error kind, or "".
func HintFor(kind protocol.ErrorKind) string {
	switch kind {
	case protocol.KindUnauthorized:
		return "pass --token id:secret or set EXCALMQ_TOKEN"
	case protocol.KindForbidden:
		return "ask a moderator of the queue for a role that allows this"
	case protocol.KindNotFound:
		return "create the queue with: excalmq-cli subscribe <queue> --create"
	case protocol.KindConflict:
		return "the queue already exists; subscribe without --create"
	case protocol.KindTooManyRequests:
		return "slow down; the connection is rate limited"
	case protocol.KindPayloadTooLarge:
		return "the body exceeds the server's max_body_bytes"
	}
	return ""
}
