// Package session holds the security token used to authorize calls to the
// COLT service and runs the short-code exchange that obtains it.
//
// The exchange has three steps. The service is asked to show a short code to
// the user, the user types the code back through a Prompter, and the code is
// traded for a token. Concurrent triggers share one exchange.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/coltlink/internal/logging"
	"github.com/dshills/coltlink/internal/rpc"
)

// DefaultClientName identifies this client when requesting a short code.
const DefaultClientName = "coltctl"

// ShortCodeLength is the only accepted short-code length.
const ShortCodeLength = 4

var (
	// ErrShortCodeRejected means the user supplied no code or a code of the
	// wrong length. No token is requested.
	ErrShortCodeRejected = errors.New("short code must be 4 characters")

	// ErrNoToken means the service answered obtainAuthToken without a token.
	ErrNoToken = errors.New("service returned no token")
)

// Preferences are user choices collected alongside the short code.
type Preferences struct {
	InterceptBuilds bool
	AutoRun         bool
}

// Reply is what the user entered in the short-code prompt. An empty
// ShortCode means the prompt was dismissed.
type Reply struct {
	Preferences Preferences
	ShortCode   string
}

// Prompter asks the user for the short code the service displayed.
type Prompter interface {
	PromptShortCode(ctx context.Context, current Preferences) (Reply, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, current Preferences) (Reply, error)

// PromptShortCode calls f.
func (f PrompterFunc) PromptShortCode(ctx context.Context, current Preferences) (Reply, error) {
	return f(ctx, current)
}

// Caller performs a single RPC.
type Caller interface {
	Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Store persists the token between runs.
type Store interface {
	LoadToken() (string, error)
	SaveToken(token string) error
}

// MemoryStore keeps the token in memory only.
type MemoryStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryStore returns a store holding token.
func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

func (s *MemoryStore) LoadToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryStore) SaveToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

// Manager owns the current token. It is safe for concurrent use.
type Manager struct {
	caller     Caller
	prompter   Prompter
	store      Store
	clientName string
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
	prefs Preferences

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets where the token is persisted.
func WithStore(s Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.store = s
		}
	}
}

// WithClientName sets the name sent with requestShortCode.
func WithClientName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.clientName = name
		}
	}
}

// WithPreferences sets the initial preferences shown in the prompt.
func WithPreferences(p Preferences) Option {
	return func(m *Manager) {
		m.prefs = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.OrDiscard(l)
	}
}

// New creates a manager. The stored token, if any, is loaded immediately.
func New(caller Caller, prompter Prompter, opts ...Option) *Manager {
	m := &Manager{
		caller:     caller,
		prompter:   prompter,
		store:      &MemoryStore{},
		clientName: DefaultClientName,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}

	token, err := m.store.LoadToken()
	if err != nil {
		m.logger.Warn("load token", "err", err)
	}
	m.token = token
	return m
}

// Token returns the current token, or "" when none is held.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Preferences returns the preferences from the most recent prompt.
func (m *Manager) Preferences() Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs
}

// EnsureAuthenticated returns the current token, running an exchange first
// if none is held.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (string, error) {
	if token := m.Token(); token != "" {
		return token, nil
	}
	return m.Exchange(ctx)
}

// OnAuthError reacts to a failed call that was made with token used. For an
// authentication failure it reports true. The token is dropped and one
// exchange is run, unless a newer token has replaced used since the call was
// made. Any other error is ignored and it reports false.
func (m *Manager) OnAuthError(ctx context.Context, err error, used string) bool {
	if !rpc.IsAuthError(err) {
		return false
	}

	m.mu.Lock()
	current := m.token
	m.mu.Unlock()
	if current != "" && current != used {
		m.logger.Debug("authentication rejected for a replaced token, keeping current token")
		return true
	}

	m.logger.Info("authentication rejected, requesting new token", "err", err)
	if current != "" {
		m.clearToken(used)
	}

	if _, err := m.Exchange(ctx); err != nil {
		m.logger.Warn("token exchange failed", "err", err)
	}
	return true
}

// clearToken drops the token if it is still used.
func (m *Manager) clearToken(used string) {
	m.mu.Lock()
	if m.token != used {
		m.mu.Unlock()
		return
	}
	m.token = ""
	m.mu.Unlock()

	if err := m.store.SaveToken(""); err != nil {
		m.logger.Warn("save token", "err", err)
	}
}

// Exchange runs the short-code exchange and returns the new token. A call
// made while an exchange is in flight waits for that exchange instead of
// starting another.
func (m *Manager) Exchange(ctx context.Context) (string, error) {
	v, err, shared := m.group.Do("exchange", func() (any, error) {
		return m.exchange(ctx)
	})
	if shared {
		m.logger.Debug("joined in-flight token exchange")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) exchange(ctx context.Context) (string, error) {
	if _, err := m.caller.Invoke(ctx, rpc.MethodRequestShortCode, m.clientName); err != nil {
		return "", fmt.Errorf("request short code: %w", err)
	}

	reply, err := m.prompter.PromptShortCode(ctx, m.Preferences())
	if err != nil {
		return "", fmt.Errorf("prompt short code: %w", err)
	}

	m.mu.Lock()
	m.prefs = reply.Preferences
	m.mu.Unlock()

	if utf8.RuneCountInString(reply.ShortCode) != ShortCodeLength {
		return "", ErrShortCodeRejected
	}

	raw, err := m.caller.Invoke(ctx, rpc.MethodObtainAuthToken, reply.ShortCode)
	if err != nil {
		return "", fmt.Errorf("obtain auth token: %w", err)
	}
	token, err := tokenString(raw)
	if err != nil {
		return "", err
	}

	m.setToken(token)
	m.logger.Info("obtained security token")
	return token, nil
}

// setToken replaces the token in memory and in the store.
func (m *Manager) setToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()

	if err := m.store.SaveToken(token); err != nil {
		m.logger.Warn("save token", "err", err)
	}
}

// tokenString renders a result value the way the service's clients expect:
// strings verbatim, anything else by its JSON text.
func tokenString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", ErrNoToken
	}
	res := gjson.ParseBytes(raw)
	switch res.Type {
	case gjson.Null:
		return "", ErrNoToken
	case gjson.String:
		if res.Str == "" {
			return "", ErrNoToken
		}
		return res.Str, nil
	default:
		return res.Raw, nil
	}
}
