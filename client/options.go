package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/observability"
	"github.com/kc1awv/rrc-web/sanitize"
)

// DefaultDestName is the destination name aspect hubs listen under.
const DefaultDestName = defaults.HubAspect

// Option configures timeouts, limits, and identity presentation for a
// Client.
//
// Omit an option to use the library default. For the connect timeout, a
// value of 0 disables the deadline.
type Option func(*options) error

type options struct {
	destName string
	nickname string

	connectTimeout time.Duration
	helloInterval  time.Duration
	helloAttempts  int

	maxResourceBytes int64
	expectationTTL   time.Duration
	maxExpectations  int
	maxActive        int

	cleanupLinks bool

	logger   *slog.Logger
	observer observability.ClientObserver
}

func defaultOptions() options {
	return options{
		destName:         DefaultDestName,
		connectTimeout:   defaults.ConnectTimeout,
		helloInterval:    defaults.HelloInterval,
		helloAttempts:    defaults.HelloAttempts,
		maxResourceBytes: defaults.MaxResourceBytes,
		expectationTTL:   defaults.ExpectationTTL,
		maxExpectations:  defaults.MaxPendingExpectations,
		maxActive:        defaults.MaxActiveResources,
		cleanupLinks:     true,
		logger:           slog.Default(),
		observer:         observability.NoopClientObserver,
	}
}

func applyOptions(opts []Option) (options, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return options{}, err
		}
	}
	return cfg, nil
}

// WithDestName sets the destination name aspect used to derive the hub
// destination.
func WithDestName(name string) Option {
	return func(cfg *options) error {
		if name == "" {
			return fmt.Errorf("destination name must not be empty")
		}
		cfg.destName = name
		return nil
	}
}

// WithNickname sets the display name attached to outbound envelopes.
func WithNickname(nick string) Option {
	return func(cfg *options) error {
		clean := sanitize.DisplayName(nick, maxNickLen)
		if clean == "" {
			return fmt.Errorf("nickname is empty after sanitization")
		}
		cfg.nickname = clean
		return nil
	}
}

// WithConnectTimeout sets the budget for a full Connect attempt; 0 disables
// the deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *options) error {
		if d < 0 {
			return fmt.Errorf("connect timeout must be >= 0")
		}
		cfg.connectTimeout = d
		return nil
	}
}

// WithHelloInterval sets the delay between HELLO retransmissions.
func WithHelloInterval(d time.Duration) Option {
	return func(cfg *options) error {
		if d <= 0 {
			return fmt.Errorf("hello interval must be > 0")
		}
		cfg.helloInterval = d
		return nil
	}
}

// WithHelloAttempts sets how many HELLOs are sent before giving up.
func WithHelloAttempts(n int) Option {
	return func(cfg *options) error {
		if n < 1 {
			return fmt.Errorf("hello attempts must be >= 1")
		}
		cfg.helloAttempts = n
		return nil
	}
}

// WithMaxResourceBytes sets the largest out-of-band resource the client
// will accept.
func WithMaxResourceBytes(n int64) Option {
	return func(cfg *options) error {
		if n <= 0 {
			return fmt.Errorf("max resource bytes must be > 0")
		}
		cfg.maxResourceBytes = n
		return nil
	}
}

// WithResourceExpectationTTL sets how long a resource expectation stays
// valid before it is purged.
func WithResourceExpectationTTL(d time.Duration) Option {
	return func(cfg *options) error {
		if d <= 0 {
			return fmt.Errorf("expectation ttl must be > 0")
		}
		cfg.expectationTTL = d
		return nil
	}
}

// WithMaxPendingExpectations caps the resource expectation table.
func WithMaxPendingExpectations(n int) Option {
	return func(cfg *options) error {
		if n < 1 {
			return fmt.Errorf("max pending expectations must be >= 1")
		}
		cfg.maxExpectations = n
		return nil
	}
}

// WithMaxActiveResources caps concurrently accepted resource transfers.
func WithMaxActiveResources(n int) Option {
	return func(cfg *options) error {
		if n < 1 {
			return fmt.Errorf("max active resources must be >= 1")
		}
		cfg.maxActive = n
		return nil
	}
}

// WithCleanupExistingLinks controls whether Connect tears down pre-existing
// links to the same destination before opening a fresh one.
func WithCleanupExistingLinks(enabled bool) Option {
	return func(cfg *options) error {
		cfg.cleanupLinks = enabled
		return nil
	}
}

// WithLogger sets the structured logger for client events.
func WithLogger(log *slog.Logger) Option {
	return func(cfg *options) error {
		if log == nil {
			return fmt.Errorf("logger must not be nil")
		}
		cfg.logger = log
		return nil
	}
}

// WithObserver sets the metrics observer for client events.
func WithObserver(obs observability.ClientObserver) Option {
	return func(cfg *options) error {
		if obs == nil {
			return fmt.Errorf("observer must not be nil")
		}
		cfg.observer = obs
		return nil
	}
}
