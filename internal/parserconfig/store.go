// Package parserconfig manages the dynamic scraping configuration file:
// the cookie pool, the user-agent bindings, and the timing knobs that
// operators tune at runtime without redeploying.
package parserconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// UserAgent binds a browser identity to the cookie it first served, keyed
// by the cookie's ds_user_id. The binding is sticky: once a ds_user_id has
// used an agent, it keeps it.
type UserAgent struct {
	UserAgent string `json:"user_agent"`
	DSUserID  string `json:"ds_user_id,omitempty"`
}

// Timings are the operator-tunable pacing knobs.
type Timings struct {
	BaseDelay          float64 `json:"base_delay"`
	Timeout            int     `json:"timeout"`
	MaxRetries         int     `json:"max_retries"`
	PageSize           int     `json:"page_size"`
	MaxFollowers       int     `json:"max_followers"`
	MaxFollowings      int     `json:"max_followings"`
	JitterMin          float64 `json:"jitter_min"`
	JitterMax          float64 `json:"jitter_max"`
	AdditionalDelayMin float64 `json:"additional_delay_min"`
	AdditionalDelayMax float64 `json:"additional_delay_max"`
}

// Config is the persisted document.
type Config struct {
	Cookies    []string    `json:"cookies"`
	UserAgents []UserAgent `json:"user_agents"`
	Timings    Timings     `json:"timings"`
}

func defaultTimings() Timings {
	return Timings{
		BaseDelay:          15.0,
		Timeout:            55,
		MaxRetries:         5,
		PageSize:           25,
		MaxFollowers:       50,
		MaxFollowings:      50,
		JitterMin:          0.0,
		JitterMax:          7.5,
		AdditionalDelayMin: 1.0,
		AdditionalDelayMax: 3.0,
	}
}

// Store holds the configuration in memory and persists every mutation
// back to the JSON file with an atomic temp-file-then-rename write.
type Store struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
	cfg  Config
}

// Open loads the configuration from path, creating the file with defaults
// when it does not exist.
func Open(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path: path,
		log:  log.With().Str("component", "parserconfig").Logger(),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		s.log.Info().Str("path", path).Int("cookies", len(s.cfg.Cookies)).Msg("parser config loaded")
	case os.IsNotExist(err):
		s.cfg = Config{Cookies: []string{}, UserAgents: []UserAgent{}, Timings: defaultTimings()}
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		s.log.Info().Str("path", path).Msg("parser config created with defaults")
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if s.cfg.Timings == (Timings{}) {
		s.cfg.Timings = defaultTimings()
	}
	return s, nil
}

// saveLocked writes the config to a temp file in the same directory and
// renames it over the target, so readers never see a partial document.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding parser config: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".parser_config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// Cookies returns a copy of the cookie pool.
func (s *Store) Cookies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cfg.Cookies))
	copy(out, s.cfg.Cookies)
	return out
}

// AddCookie appends a cookie if it is non-empty and not already present.
func (s *Store) AddCookie(cookie string) (bool, error) {
	if cookie == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.cfg.Cookies {
		if existing == cookie {
			return false, nil
		}
	}
	s.cfg.Cookies = append(s.cfg.Cookies, cookie)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	s.log.Info().Int("total", len(s.cfg.Cookies)).Msg("cookie added")
	return true, nil
}

// RemoveCookie deletes the cookie at index. Removing the last remaining
// cookie is refused: an empty pool would stall every scrape.
func (s *Store) RemoveCookie(index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.cfg.Cookies) {
		return false, nil
	}
	if len(s.cfg.Cookies) == 1 {
		return false, fmt.Errorf("refusing to remove the last cookie")
	}
	s.cfg.Cookies = append(s.cfg.Cookies[:index], s.cfg.Cookies[index+1:]...)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	s.log.Info().Int("index", index).Int("remaining", len(s.cfg.Cookies)).Msg("cookie removed")
	return true, nil
}

// UpdateCookie replaces the cookie at index.
func (s *Store) UpdateCookie(index int, cookie string) (bool, error) {
	if cookie == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.cfg.Cookies) {
		return false, nil
	}
	s.cfg.Cookies[index] = cookie
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// UserAgents returns a copy of the user-agent bindings.
func (s *Store) UserAgents() []UserAgent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UserAgent, len(s.cfg.UserAgents))
	copy(out, s.cfg.UserAgents)
	return out
}

// SetUserAgents replaces the bindings wholesale. The cookie rotator calls
// this after claiming an agent for a ds_user_id so the binding survives
// restarts.
func (s *Store) SetUserAgents(agents []UserAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.UserAgents = make([]UserAgent, len(agents))
	copy(s.cfg.UserAgents, agents)
	return s.saveLocked()
}

// GetTimings returns a copy of the timing settings.
func (s *Store) GetTimings() Timings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Timings
}

// UpdateTimings merges non-zero fields of patch into the current timings.
func (s *Store) UpdateTimings(patch map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &s.cfg.Timings
	for key, v := range patch {
		switch key {
		case "base_delay":
			t.BaseDelay = v
		case "timeout":
			t.Timeout = int(v)
		case "max_retries":
			t.MaxRetries = int(v)
		case "page_size":
			t.PageSize = int(v)
		case "max_followers":
			t.MaxFollowers = int(v)
		case "max_followings":
			t.MaxFollowings = int(v)
		case "jitter_min":
			t.JitterMin = v
		case "jitter_max":
			t.JitterMax = v
		case "additional_delay_min":
			t.AdditionalDelayMin = v
		case "additional_delay_max":
			t.AdditionalDelayMax = v
		default:
			return fmt.Errorf("unknown timing %q", key)
		}
	}
	return s.saveLocked()
}

// All returns a deep copy of the whole document.
func (s *Store) All() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Config{
		Cookies:    make([]string, len(s.cfg.Cookies)),
		UserAgents: make([]UserAgent, len(s.cfg.UserAgents)),
		Timings:    s.cfg.Timings,
	}
	copy(out.Cookies, s.cfg.Cookies)
	copy(out.UserAgents, s.cfg.UserAgents)
	return out
}

// ResetToDefaults clears cookies and bindings and restores default timings.
func (s *Store) ResetToDefaults() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = Config{Cookies: []string{}, UserAgents: []UserAgent{}, Timings: defaultTimings()}
	if err := s.saveLocked(); err != nil {
		return err
	}
	s.log.Info().Msg("parser config reset to defaults")
	return nil
}
