package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/dshills/coltlink/internal/remap"
)

var (
	severityStyle = map[remap.Severity]lipgloss.Style{
		remap.SeverityError:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		remap.SeverityWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		remap.SeverityInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	}
	locationStyle = lipgloss.NewStyle().Underline(true)
	dimStyle      = lipgloss.NewStyle().Faint(true)
)

// printer writes diagnostics to a terminal. It implements logwatch.Sink.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	count int
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count = 0
}

func (p *printer) Add(d remap.DiagnosticLine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++

	label := severityStyle[d.Severity].Render(string(d.Severity))
	if d.Resolved && d.File != "" {
		loc := locationStyle.Render(fmt.Sprintf("%s:%d:%d", d.File, d.Line, d.Column))
		fmt.Fprintf(p.out, "%s %s\n    %s\n", label, loc, d.Text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", label, d.Text)
}

func (p *printer) Show() {
	p.mu.Lock()
	defer p.mu.Unlock()
	noun := "diagnostics"
	if p.count == 1 {
		noun = "diagnostic"
	}
	fmt.Fprintln(p.out, dimStyle.Render(fmt.Sprintf("%d %s", p.count, noun)))
}
