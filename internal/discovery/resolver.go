// Package discovery locates the HTTP endpoint of a running COLT service.
//
// COLT keeps a registry in its home directory:
//
//	<home>/storage.xml              <xml><storage path="/p/a.colt" subDir="8572a4d3"/></xml>
//	<home>/storage/<subDir>/rpc.info  127.0.0.1:9001
//
// A project whose path has exactly one registry entry is served on the port
// found in that entry's rpc.info. Anything else falls back to DefaultPort.
package discovery

import (
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dshills/coltlink/internal/logging"
)

const (
	// DefaultPort is used when the registry has no usable entry.
	DefaultPort = 8092

	// ServicePath is the URL path of the RPC service.
	ServicePath = "/rpc/coltService"

	// RegistryFile is the registry document name inside the home directory.
	RegistryFile = "storage.xml"

	// StorageDir holds the per-project subdirectories.
	StorageDir = "storage"

	// PortFile is the file inside a project subdirectory holding host:port.
	PortFile = "rpc.info"

	// HomeEnv overrides the COLT home directory.
	HomeEnv = "COLT_HOME"

	defaultCacheTTL = 5 * time.Second
)

// Errors describing why a lookup fell back to the default endpoint.
var (
	ErrNoEntry     = errors.New("project not in registry")
	ErrAmbiguous   = errors.New("project has multiple registry entries")
	ErrInvalidPort = errors.New("invalid port in rpc.info")
	ErrNoSubDir    = errors.New("registry entry has no subDir")
	ErrNoRegistry  = errors.New("registry not found")
)

// DefaultHome returns $COLT_HOME, or ~/.colt_as.
func DefaultHome() string {
	if v := os.Getenv(HomeEnv); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".colt_as"
	}
	return filepath.Join(home, ".colt_as")
}

// EndpointURL returns the service URL on the loopback address for port.
func EndpointURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, ServicePath)
}

// DefaultEndpoint is the URL used when resolution fails.
func DefaultEndpoint() string {
	return EndpointURL(DefaultPort)
}

// registry mirrors storage.xml.
type registry struct {
	XMLName  xml.Name       `xml:"xml"`
	Storages []storageEntry `xml:"storage"`
}

type storageEntry struct {
	Path   string `xml:"path,attr"`
	SubDir string `xml:"subDir,attr"`
}

// Resolver looks up service endpoints in a COLT home directory.
// It is safe for concurrent use.
type Resolver struct {
	home   string
	cache  *ttlcache.Cache[string, string]
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*resolverConfig)

type resolverConfig struct {
	ttl    time.Duration
	logger *slog.Logger
}

// WithCacheTTL sets how long lookups are cached. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *resolverConfig) {
		c.ttl = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *resolverConfig) {
		c.logger = l
	}
}

// NewResolver creates a resolver for the given COLT home directory.
// An empty home uses DefaultHome.
func NewResolver(home string, opts ...Option) *Resolver {
	cfg := resolverConfig{ttl: defaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if home == "" {
		home = DefaultHome()
	}

	r := &Resolver{
		home:   home,
		logger: logging.OrDiscard(cfg.logger),
	}
	if cfg.ttl > 0 {
		r.cache = ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](cfg.ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		)
	}
	return r
}

// Home returns the COLT home directory.
func (r *Resolver) Home() string {
	return r.home
}

// Resolve returns the service URL for project, or DefaultEndpoint if the
// registry cannot provide one.
func (r *Resolver) Resolve(project string) string {
	if r.cache != nil {
		if item := r.cache.Get(project); item != nil {
			return item.Value()
		}
	}

	url, err := r.Lookup(project)
	if err != nil {
		r.logger.Debug("endpoint fallback", "project", project, "reason", err, "url", url)
	}
	if r.cache != nil {
		r.cache.Set(project, url, ttlcache.DefaultTTL)
	}
	return url
}

// Lookup resolves the service URL for project. On failure it returns
// DefaultEndpoint together with the reason.
func (r *Resolver) Lookup(project string) (string, error) {
	subDir, err := r.findSubDir(project)
	if err != nil {
		return DefaultEndpoint(), err
	}

	port, err := ReadPort(filepath.Join(r.home, StorageDir, subDir, PortFile))
	if err != nil {
		return DefaultEndpoint(), err
	}
	return EndpointURL(port), nil
}

// Forget drops any cached lookup for project.
func (r *Resolver) Forget(project string) {
	if r.cache != nil {
		r.cache.Delete(project)
	}
}

// findSubDir returns the storage subdirectory registered for project.
func (r *Resolver) findSubDir(project string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.home, RegistryFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoRegistry
		}
		return "", fmt.Errorf("read registry: %w", err)
	}

	var reg registry
	if err := xml.Unmarshal(data, &reg); err != nil {
		return "", fmt.Errorf("parse registry: %w", err)
	}

	var matches []storageEntry
	for _, s := range reg.Storages {
		if s.Path == project {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrNoEntry
	case 1:
	default:
		return "", ErrAmbiguous
	}
	if matches[0].SubDir == "" {
		return "", ErrNoSubDir
	}
	return matches[0].SubDir, nil
}

// ReadPort reads a host:port file and returns the port.
func ReadPort(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", PortFile, err)
	}
	return ParsePort(string(data))
}

// ParsePort extracts the port from host:port content.
func ParsePort(content string) (int, error) {
	content = strings.TrimSpace(content)
	idx := strings.LastIndex(content, ":")
	if idx < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, content)
	}
	port, err := strconv.Atoi(strings.TrimSpace(content[idx+1:]))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, content)
	}
	return port, nil
}
