package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/dshills/coltlink/internal/session"
)

var errNoTerminal = errors.New("short code needed but stdin is not a terminal; run coltctl auth interactively")

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// terminalPrompter asks for the short code on the terminal.
type terminalPrompter struct {
	out   io.Writer
	isTTY func() bool

	mu sync.Mutex
	in *bufio.Reader
}

func newTerminalPrompter(in io.Reader, out io.Writer, isTTY func() bool) *terminalPrompter {
	if isTTY == nil {
		isTTY = stdinIsTerminal
	}
	return &terminalPrompter{in: bufio.NewReader(in), out: out, isTTY: isTTY}
}

func (p *terminalPrompter) PromptShortCode(ctx context.Context, current session.Preferences) (session.Reply, error) {
	reply := session.Reply{Preferences: current}
	if !p.isTTY() {
		return reply, errNoTerminal
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out, "COLT is showing a short code to authorize coltctl.")
	code, err := p.ask(ctx, "Short code: ")
	if err != nil {
		return reply, err
	}
	reply.ShortCode = code

	if reply.Preferences.InterceptBuilds, err = p.askBool(ctx, "Use COLT to build projects?", current.InterceptBuilds); err != nil {
		return reply, err
	}
	if reply.Preferences.AutoRun, err = p.askBool(ctx, "Run projects after opening them in COLT?", current.AutoRun); err != nil {
		return reply, err
	}
	return reply, nil
}

func (p *terminalPrompter) ask(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, question)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *terminalPrompter) askBool(ctx context.Context, question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	answer, err := p.ask(ctx, question+" "+hint+" ")
	if err != nil {
		return def, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	default:
		return def, nil
	}
}

var _ session.Prompter = (*terminalPrompter)(nil)
