package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/coltlink/internal/config"
	"github.com/dshills/coltlink/internal/remap"
	"github.com/dshills/coltlink/internal/session"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	s := &streams{in: strings.NewReader(""), out: &out, err: &errOut, isTTY: func() bool { return false }}
	cmd := newRootCmd(s)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "coltctl.toml")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// writeHome lays out a COLT home with one registered project served on port.
func writeHome(t *testing.T, project, port string) string {
	t.Helper()
	home := t.TempDir()
	registry := fmt.Sprintf(`<xml><storage path=%q subDir="p1"/></xml>`, project)
	if err := os.WriteFile(filepath.Join(home, "storage.xml"), []byte(registry), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(home, "storage", "p1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "rpc.info"), []byte("127.0.0.1:"+port), 0o644); err != nil {
		t.Fatal(err)
	}
	return home
}

func TestVersionCmd(t *testing.T) {
	out, _, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "coltctl dev") {
		t.Errorf("output = %q", out)
	}
}

func TestEndpointCmd(t *testing.T) {
	project := filepath.Join(t.TempDir(), "app.colt")
	t.Setenv("COLT_HOME", writeHome(t, project, "9123"))

	out, errOut, err := execute(t, "endpoint", project)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if got := strings.TrimSpace(out); got != "http://127.0.0.1:9123/rpc/coltService" {
		t.Errorf("endpoint = %q", got)
	}
	if errOut != "" {
		t.Errorf("unexpected stderr %q", errOut)
	}
}

func TestEndpointCmd_Fallback(t *testing.T) {
	t.Setenv("COLT_HOME", t.TempDir())

	out, errOut, err := execute(t, "endpoint", "/nowhere/app.colt")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if got := strings.TrimSpace(out); got != "http://127.0.0.1:8092/rpc/coltService" {
		t.Errorf("endpoint = %q", got)
	}
	if !strings.Contains(errOut, "using default endpoint") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestPingCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
	}))
	defer srv.Close()
	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	project := filepath.Join(t.TempDir(), "app.colt")
	t.Setenv("COLT_HOME", writeHome(t, project, port))

	out, _, err := execute(t, "ping", project)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.HasPrefix(out, "ok http://127.0.0.1:"+port) {
		t.Errorf("output = %q", out)
	}
}

func TestInvalidConfig(t *testing.T) {
	_, _, err := execute(t, "--log-level", "loud", "endpoint", "/x/app.colt")
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("err = %v", err)
	}
}

func TestTerminalPrompter(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		current session.Preferences
		want    session.Reply
	}{
		{
			name:    "explicit answers",
			input:   "ab12\nn\nyes\n",
			current: session.Preferences{InterceptBuilds: true},
			want:    session.Reply{ShortCode: "ab12", Preferences: session.Preferences{AutoRun: true}},
		},
		{
			name:    "defaults kept",
			input:   " zz99 \n\n\n",
			current: session.Preferences{InterceptBuilds: true, AutoRun: true},
			want:    session.Reply{ShortCode: "zz99", Preferences: session.Preferences{InterceptBuilds: true, AutoRun: true}},
		},
		{
			name:  "input ends early",
			input: "c0de",
			want:  session.Reply{ShortCode: "c0de"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newTerminalPrompter(strings.NewReader(tt.input), &out, func() bool { return true })
			got, err := p.PromptShortCode(context.Background(), tt.current)
			if err != nil {
				t.Fatalf("PromptShortCode: %v", err)
			}
			if got != tt.want {
				t.Errorf("reply = %+v, want %+v", got, tt.want)
			}
			if !strings.Contains(out.String(), "Short code:") {
				t.Errorf("prompt output = %q", out.String())
			}
		})
	}
}

func TestTerminalPrompter_NoTerminal(t *testing.T) {
	current := session.Preferences{AutoRun: true}
	p := newTerminalPrompter(strings.NewReader("ab12\n"), io.Discard, func() bool { return false })

	got, err := p.PromptShortCode(context.Background(), current)
	if !errors.Is(err, errNoTerminal) {
		t.Fatalf("err = %v, want errNoTerminal", err)
	}
	if got.Preferences != current || got.ShortCode != "" {
		t.Errorf("reply = %+v", got)
	}
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	p.Clear()
	p.Add(remap.DiagnosticLine{
		Text:     `/p/src/Main.as(3): col: 5 Error: oops`,
		Severity: remap.SeverityError,
		Resolved: true,
		File:     "/p/src/Main.as",
		Line:     3,
		Column:   5,
	})
	p.Add(remap.DiagnosticLine{Text: "Warning: something else", Severity: remap.SeverityWarning})
	p.Show()

	got := out.String()
	for _, want := range []string{"/p/src/Main.as:3:5", "Error: oops", "something else", "2 diagnostics"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestAppClose_StopColt(t *testing.T) {
	script := filepath.Join(t.TempDir(), "colt")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Executable = script
	cfg.Home = t.TempDir()

	for _, stop := range []bool{true, false} {
		var errOut bytes.Buffer
		opts := &rootOptions{
			io:         &streams{in: strings.NewReader(""), out: io.Discard, err: &errOut, isTTY: func() bool { return false }},
			configPath: filepath.Join(t.TempDir(), "coltctl.toml"),
			projectDir: t.TempDir(),
			sources:    []string{"src"},
			stopColt:   stop,
			cfg:        cfg,
		}
		a := newApp(opts)
		if err := a.launcher.Launch(context.Background(), "/proj/app.colt"); err != nil {
			t.Fatalf("Launch: %v", err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		if got := strings.Contains(errOut.String(), "colt exited"); got != stop {
			t.Errorf("stop-colt=%v: colt exited logged = %v\n%s", stop, got, errOut.String())
		}
		if !stop {
			a.launcher.Shutdown(time.Second)
		}
	}
}
