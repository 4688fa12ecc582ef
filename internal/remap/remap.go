// Package remap rewrites compiler diagnostics that point into COLT's
// incremental copy of the sources so they point at the real source files.
package remap

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultMarker is the directory COLT copies sources into before compiling.
const DefaultMarker = `colt\incremental`

// locationSep separates the file(line) part of a diagnostic from its column.
const locationSep = "): col"

// Severity classifies a diagnostic line.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// DiagnosticLine is one line of the compile log after remapping.
type DiagnosticLine struct {
	// Raw is the line as read from the log.
	Raw string
	// Text is the line to display, rewritten when Resolved is set.
	Text     string
	Severity Severity
	Resolved bool

	// File, Line and Column locate the diagnostic when the line has the
	// file(line): col N form. Line and Column are 0 when unknown.
	File   string
	Line   int
	Column int
}

// Remapper maps incremental paths back to source roots.
type Remapper struct {
	marker  string
	baseDir string
	stat    func(name string) (fs.FileInfo, error)
}

// Option configures a Remapper.
type Option func(*Remapper)

// WithMarker sets the incremental-directory marker.
func WithMarker(marker string) Option {
	return func(r *Remapper) {
		if marker != "" {
			r.marker = marker
		}
	}
}

// WithBaseDir sets the directory relative source roots are resolved against.
func WithBaseDir(dir string) Option {
	return func(r *Remapper) {
		r.baseDir = dir
	}
}

// WithStat replaces the file-existence check.
func WithStat(stat func(name string) (fs.FileInfo, error)) Option {
	return func(r *Remapper) {
		if stat != nil {
			r.stat = stat
		}
	}
}

// New creates a remapper.
func New(opts ...Option) *Remapper {
	r := &Remapper{
		marker: DefaultMarker,
		stat:   os.Stat,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Marker returns the configured marker.
func (r *Remapper) Marker() string {
	return r.marker
}

// Extract returns the path of the file relative to the incremental
// directory, e.g. `src\Main.as` for
// `C:\p\colt\incremental\src\Main.as(12): col: 5 Error: ...`.
func (r *Remapper) Extract(line string) (string, bool) {
	end := strings.Index(line, locationSep)
	if end < 0 {
		return "", false
	}
	file := line[:end]
	open := strings.LastIndex(file, "(")
	if open < 0 {
		return "", false
	}
	file = file[:open]

	at := strings.Index(file, r.marker)
	if at < 0 {
		return "", false
	}
	start := at + len(r.marker) + 1
	if start > len(file) {
		return "", false
	}
	rel := file[start:]
	if rel == "" {
		return "", false
	}
	return rel, true
}

// Remap resolves one log line against roots. The first root containing the
// file wins. Lines that cannot be resolved are returned verbatim.
func (r *Remapper) Remap(line string, roots []string) DiagnosticLine {
	d := DiagnosticLine{
		Raw:      line,
		Text:     line,
		Severity: SeverityError,
	}
	d.File, d.Line, d.Column = parseLocation(line)

	if !strings.Contains(line, r.marker) {
		return d
	}
	rel, ok := r.Extract(line)
	if !ok {
		return d
	}

	for _, root := range append([]string(nil), roots...) {
		candidate := joinPath(r.absRoot(root), rel)
		info, err := r.stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		d.Text = strings.ReplaceAll(line, r.marker, root)
		d.Resolved = true
		d.File = candidate
		return d
	}
	return d
}

// Process splits a whole log and remaps each non-empty line.
func (r *Remapper) Process(text string, roots []string) []DiagnosticLine {
	lines := SplitLines(text)
	if len(lines) == 0 {
		return nil
	}
	snapshot := append([]string(nil), roots...)
	out := make([]DiagnosticLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, r.Remap(line, snapshot))
	}
	return out
}

// SplitLines splits on CR or LF and drops empty lines.
func SplitLines(text string) []string {
	fields := strings.FieldsFunc(text, func(c rune) bool {
		return c == '\r' || c == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (r *Remapper) absRoot(root string) string {
	if r.baseDir == "" || isAbs(root) {
		return root
	}
	return joinPath(r.baseDir, root)
}

// parseLocation extracts file, line and column from file(line): col N.
func parseLocation(line string) (file string, lineNo, col int) {
	end := strings.Index(line, locationSep)
	if end < 0 {
		return "", 0, 0
	}
	head := line[:end]
	open := strings.LastIndex(head, "(")
	if open < 0 {
		return "", 0, 0
	}
	file = head[:open]
	lineNo, _ = strconv.Atoi(strings.TrimSpace(head[open+1:]))

	rest := strings.TrimLeft(line[end+len(locationSep):], ": ")
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	col, _ = strconv.Atoi(rest[:digits])
	return file, lineNo, col
}

// joinPath joins rel (which uses backslashes) onto root. Roots written in
// Windows style keep backslashes; everything else uses the host separator.
func joinPath(root, rel string) string {
	if windowsStyle(root) {
		return strings.TrimRight(root, `\`) + `\` + strings.ReplaceAll(rel, "/", `\`)
	}
	return filepath.Join(root, filepath.FromSlash(strings.ReplaceAll(rel, `\`, "/")))
}

func windowsStyle(p string) bool {
	return strings.Contains(p, `\`) && !strings.Contains(p, "/")
}

func isAbs(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, `\`) {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}
