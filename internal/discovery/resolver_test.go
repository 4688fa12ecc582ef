package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeHome lays out a COLT home directory with the given registry body and
// rpc.info files keyed by subDir.
func writeHome(t *testing.T, registryXML string, ports map[string]string) string {
	t.Helper()
	home := t.TempDir()
	if registryXML != "" {
		if err := os.WriteFile(filepath.Join(home, RegistryFile), []byte(registryXML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for sub, content := range ports {
		dir := filepath.Join(home, StorageDir, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, PortFile), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return home
}

func TestResolve_RegisteredProject(t *testing.T) {
	home := writeHome(t,
		`<xml><storage path="/proj/a.colt" subDir="x1"/><storage path="/proj/c.colt" subDir="x2"/></xml>`,
		map[string]string{"x1": "127.0.0.1:9001", "x2": "localhost:9002\n"},
	)
	r := NewResolver(home)

	if got := r.Resolve("/proj/a.colt"); got != "http://127.0.0.1:9001/rpc/coltService" {
		t.Errorf("Resolve(a) = %q", got)
	}
	if got := r.Resolve("/proj/c.colt"); got != "http://127.0.0.1:9002/rpc/coltService" {
		t.Errorf("Resolve(c) = %q", got)
	}
}

func TestResolve_Fallbacks(t *testing.T) {
	tests := []struct {
		name     string
		registry string
		ports    map[string]string
		project  string
		wantErr  error
	}{
		{
			name:     "no entry",
			registry: `<xml><storage path="/proj/a.colt" subDir="x1"/></xml>`,
			ports:    map[string]string{"x1": "127.0.0.1:9001"},
			project:  "/proj/b.colt",
			wantErr:  ErrNoEntry,
		},
		{
			name:    "no registry",
			project: "/proj/a.colt",
			wantErr: ErrNoRegistry,
		},
		{
			name:     "duplicate entries",
			registry: `<xml><storage path="/proj/a.colt" subDir="x1"/><storage path="/proj/a.colt" subDir="x2"/></xml>`,
			ports:    map[string]string{"x1": "127.0.0.1:9001", "x2": "127.0.0.1:9002"},
			project:  "/proj/a.colt",
			wantErr:  ErrAmbiguous,
		},
		{
			name:     "bad port",
			registry: `<xml><storage path="/proj/a.colt" subDir="x1"/></xml>`,
			ports:    map[string]string{"x1": "127.0.0.1:http"},
			project:  "/proj/a.colt",
			wantErr:  ErrInvalidPort,
		},
		{
			name:     "missing subDir",
			registry: `<xml><storage path="/proj/a.colt"/></xml>`,
			project:  "/proj/a.colt",
			wantErr:  ErrNoSubDir,
		},
		{
			name:     "missing rpc.info",
			registry: `<xml><storage path="/proj/a.colt" subDir="gone"/></xml>`,
			project:  "/proj/a.colt",
			wantErr:  os.ErrNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := writeHome(t, tt.registry, tt.ports)
			r := NewResolver(home, WithCacheTTL(0))

			url, err := r.Lookup(tt.project)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Lookup error = %v, want %v", err, tt.wantErr)
			}
			if url != DefaultEndpoint() {
				t.Errorf("Lookup url = %q, want default", url)
			}
			if got := r.Resolve(tt.project); got != "http://127.0.0.1:8092/rpc/coltService" {
				t.Errorf("Resolve = %q, want default endpoint", got)
			}
		})
	}
}

func TestResolve_MalformedRegistry(t *testing.T) {
	home := writeHome(t, `<xml><storage path=`, nil)
	r := NewResolver(home)

	if _, err := r.Lookup("/proj/a.colt"); err == nil {
		t.Error("expected parse error")
	}
	if got := r.Resolve("/proj/a.colt"); got != DefaultEndpoint() {
		t.Errorf("Resolve = %q, want default", got)
	}
}

func TestResolve_CacheAndForget(t *testing.T) {
	home := writeHome(t,
		`<xml><storage path="/proj/a.colt" subDir="x1"/></xml>`,
		map[string]string{"x1": "127.0.0.1:9001"},
	)
	r := NewResolver(home, WithCacheTTL(time.Minute))

	if got := r.Resolve("/proj/a.colt"); got != EndpointURL(9001) {
		t.Fatalf("Resolve = %q", got)
	}

	// The service moved; the cached value is still served.
	if err := os.WriteFile(filepath.Join(home, StorageDir, "x1", PortFile), []byte("127.0.0.1:9005"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := r.Resolve("/proj/a.colt"); got != EndpointURL(9001) {
		t.Errorf("cached Resolve = %q, want port 9001", got)
	}

	r.Forget("/proj/a.colt")
	if got := r.Resolve("/proj/a.colt"); got != EndpointURL(9005) {
		t.Errorf("Resolve after Forget = %q, want port 9005", got)
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"127.0.0.1:9001", 9001, false},
		{" host:80 \r\n", 80, false},
		{"[::1]:8092", 8092, false},
		{"9001", 0, true},
		{"host:", 0, true},
		{"host:0", 0, true},
		{"host:70000", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePort(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePort(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePort(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDefaultHome_Env(t *testing.T) {
	t.Setenv(HomeEnv, "/tmp/colt-home")
	if got := DefaultHome(); got != "/tmp/colt-home" {
		t.Errorf("DefaultHome = %q", got)
	}
	if got := NewResolver("").Home(); got != "/tmp/colt-home" {
		t.Errorf("Resolver.Home = %q", got)
	}
}
