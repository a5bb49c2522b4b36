package kernelsrc

import (
	"fmt"
	"strings"
)

// Severity of a diagnostic
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// Diagnostic is one compiler-style message
type Diagnostic struct {
	File     string
	Pos      Pos
	Severity Severity
	Msg      string
}

// String formats the diagnostic as "file:line:col: error: msg"
func (d Diagnostic) String() string {
	sev := "error"
	if d.Severity == SeverityWarning {
		sev = "warning"
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", d.File, d.Pos.Line, d.Pos.Col, sev, d.Msg)
}

// Error reports the diagnostics of a source unit that failed to parse
type Error struct {
	Diagnostics []Diagnostic
}

func (e *Error) Error() string {
	return e.Log()
}

// Log returns one diagnostic per line, suitable as a build log
func (e *Error) Log() string {
	lines := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// Errors returns the number of error-severity diagnostics
func (e *Error) Errors() int {
	n := 0
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			n++
		}
	}
	return n
}

type diagList struct {
	file  string
	diags []Diagnostic
}

func (l *diagList) errorf(pos Pos, format string, args ...interface{}) {
	l.diags = append(l.diags, Diagnostic{
		File:     l.file,
		Pos:      pos,
		Severity: SeverityError,
		Msg:      fmt.Sprintf(format, args...),
	})
}

func (l *diagList) warnf(pos Pos, format string, args ...interface{}) {
	l.diags = append(l.diags, Diagnostic{
		File:     l.file,
		Pos:      pos,
		Severity: SeverityWarning,
		Msg:      fmt.Sprintf(format, args...),
	})
}

func (l *diagList) err() error {
	e := &Error{Diagnostics: l.diags}
	if e.Errors() == 0 {
		return nil
	}
	return e
}
