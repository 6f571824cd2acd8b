// Package config loads and persists the gateway's JSON configuration.
//
// The file lives at ~/.rrc-web/config.json unless RRC_WEB_CONFIG points
// elsewhere. Loading never fails the process: a missing file is created
// with defaults, and an unreadable or corrupt one is replaced in memory
// by defaults with a warning so the gateway still comes up.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kc1awv/rrc-web/internal/cmdutil"
	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/internal/securefile"
)

const (
	// DefaultListen is the loopback address the websocket bridge binds
	// when nothing else is configured.
	DefaultListen = "127.0.0.1:8514"

	// DefaultFileName is the config file name under the config directory.
	DefaultFileName = "config.json"

	// EnvPath overrides the config file location.
	EnvPath = "RRC_WEB_CONFIG"
)

// Config is the persisted gateway configuration. String fields left empty
// by the operator stay empty; Defaults documents which fields start
// non-empty.
type Config struct {
	IdentityPath  string `json:"identity_path"`
	DestName      string `json:"dest_name"`
	HubHash       string `json:"hub_hash"`
	Nickname      string `json:"nickname"`
	AutoJoinRoom  string `json:"auto_join_room"`
	Listen        string `json:"listen"`
	MetricsListen string `json:"metrics_listen"`
	Mesh          string `json:"mesh"`
	LogLevel      string `json:"log_level"`
}

// Defaults returns the configuration written on first run.
func Defaults() Config {
	dir := DefaultDir()
	return Config{
		IdentityPath: filepath.Join(dir, "identity"),
		DestName:     defaults.HubAspect,
		Listen:       DefaultListen,
		LogLevel:     "info",
	}
}

// DefaultDir returns ~/.rrc-web, or a .rrc-web directory relative to the
// working directory when the home directory cannot be resolved.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rrc-web"
	}
	return filepath.Join(home, ".rrc-web")
}

// DefaultPath resolves the config file location, honoring EnvPath.
func DefaultPath() string {
	if env := cmdutil.EnvString(EnvPath, ""); env != "" {
		return ExpandHome(env)
	}
	return filepath.Join(DefaultDir(), DefaultFileName)
}

// ExpandHome rewrites a leading ~ to the user's home directory. Paths
// without one pass through untouched.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Store owns the config file. Reads return copies and all mutation goes
// through Update, so callers on different goroutines never observe a
// half-written Config.
type Store struct {
	path string
	log  *slog.Logger

	mu  sync.Mutex
	cur Config
}

// Open loads the configuration at path, creating the file with defaults
// when it does not exist. An empty path means DefaultPath.
func Open(path string, log *slog.Logger) *Store {
	if path == "" {
		path = DefaultPath()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log}
	s.cur = s.load()
	return s
}

// Path returns the config file location.
func (s *Store) Path() string { return s.path }

// Dir returns the directory holding the config file. Sibling state (the
// identity file, the hub cache) lives here too.
func (s *Store) Dir() string { return filepath.Dir(s.path) }

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Update applies fn to the current configuration and persists the result.
// The in-memory config only advances when the write succeeds.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	fn(&next)
	if err := s.save(next); err != nil {
		return err
	}
	s.cur = next
	return nil
}

func (s *Store) load() Config {
	data, err := securefile.ReadFileCapped(s.path, defaults.MaxConfigFileBytes)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("no config file, writing defaults", "path", s.path)
			cfg := Defaults()
			if err := s.save(cfg); err != nil {
				s.log.Warn("cannot write default config", "path", s.path, "err", err)
			}
			return cfg
		}
		s.log.Warn("cannot read config, using defaults", "path", s.path, "err", err)
		return Defaults()
	}

	// Unmarshal over the defaults so keys absent from the file keep their
	// default values while present-but-empty keys stay empty.
	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn("config is corrupt, using defaults", "path", s.path, "err", err)
		return Defaults()
	}
	cfg.IdentityPath = ExpandHome(cfg.IdentityPath)
	s.log.Debug("loaded config", "path", s.path)
	return cfg
}

func (s *Store) save(cfg Config) error {
	if err := securefile.MkdirAllOwnerOnly(filepath.Dir(s.path)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return securefile.WriteFileAtomic(s.path, data, 0o600)
}
