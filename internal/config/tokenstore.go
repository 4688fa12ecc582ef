package config

import "sync"

// TokenStore persists the security token in the config file. It satisfies
// session.Store.
//
// Saves update the live config and rewrite the file from its own contents,
// so environment and flag overrides applied to the live config never reach
// disk.
type TokenStore struct {
	mu   sync.Mutex
	path string
	cfg  *Config
}

// NewTokenStore returns a store for the file at path. cfg is the live config
// the process runs with.
func NewTokenStore(path string, cfg *Config) *TokenStore {
	return &TokenStore{path: path, cfg: cfg}
}

// LoadToken returns the token currently in the config.
func (s *TokenStore) LoadToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SecurityToken, nil
}

// SaveToken updates the token and writes it to disk.
func (s *TokenStore) SaveToken(token string) error {
	return s.update(func(c *Config) {
		c.SecurityToken = token
	})
}

// SavePreferences records the short-code prompt choices and writes them to disk.
func (s *TokenStore) SavePreferences(autoRun, interceptBuilds bool) error {
	return s.update(func(c *Config) {
		c.AutoRun = autoRun
		c.InterceptBuilds = interceptBuilds
	})
}

func (s *TokenStore) update(set func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set(s.cfg)

	onDisk := Default()
	if err := loadFile(s.path, onDisk); err != nil {
		return err
	}
	set(onDisk)
	return Save(s.path, onDisk)
}
