package chatlink

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opd-ai/chatlink/credentials"
	"github.com/opd-ai/chatlink/queue"
	"github.com/opd-ai/chatlink/registry"
	"github.com/opd-ai/chatlink/retry"
)

// Options configures a Session. All durations and bounds are externally
// configurable; use DefaultOptions as the baseline and override fields, or
// load a TOML file with LoadOptions.
type Options struct {
	// ReconnectOnDisconnect arms the retry scheduler when the driver
	// reports an unsolicited disconnect.
	ReconnectOnDisconnect bool
	// FlushPendingOnReady redispatches queued messages once the session
	// becomes active.
	FlushPendingOnReady bool
	// SendTimeout bounds one driver send.
	SendTimeout time.Duration

	Retry       retry.Config
	Queue       queue.Config
	Registry    registry.Config
	Credentials CredentialsOptions
}

// CredentialsOptions selects the credential-store backend a host builds at
// startup.
type CredentialsOptions struct {
	// Backend is one of "memory", "file" or "sqlite".
	Backend string
	// Path locates the file or database for the persistent backends.
	Path string
}

// NewCredentialStore builds the store the options describe. fileKey seals
// the file backend and is ignored by the others.
func NewCredentialStore(opts CredentialsOptions, fileKey [32]byte) (credentials.Store, error) {
	switch opts.Backend {
	case "", "memory":
		return credentials.NewMemoryStore(), nil
	case "file":
		if opts.Path == "" {
			return nil, fmt.Errorf("credential backend %q requires a path", opts.Backend)
		}
		return credentials.NewFileStore(opts.Path, fileKey), nil
	case "sqlite":
		if opts.Path == "" {
			return nil, fmt.Errorf("credential backend %q requires a path", opts.Backend)
		}
		return credentials.NewSQLiteStore(opts.Path), nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", opts.Backend)
	}
}

// DefaultOptions returns the default session configuration.
func DefaultOptions() *Options {
	return &Options{
		ReconnectOnDisconnect: true,
		FlushPendingOnReady:   true,
		SendTimeout:           30 * time.Second,
		Retry:                 retry.DefaultConfig(),
		Queue:                 queue.DefaultConfig(),
		Registry:              registry.DefaultConfig(),
		Credentials:           CredentialsOptions{Backend: "memory"},
	}
}

// fileOptions is the raw TOML schema. Durations are strings in Go duration
// syntax ("30s", "5m") and converted during load.
type fileOptions struct {
	ReconnectOnDisconnect *bool  `toml:"reconnect_on_disconnect"`
	FlushPendingOnReady   *bool  `toml:"flush_pending_on_ready"`
	SendTimeout           string `toml:"send_timeout"`

	Retry struct {
		MaxAttempts    int     `toml:"max_attempts"`
		BaseDelay      string  `toml:"base_delay"`
		Multiplier     float64 `toml:"multiplier"`
		MaxDelay       string  `toml:"max_delay"`
		JitterFraction float64 `toml:"jitter_fraction"`
		FailureDelay   string  `toml:"failure_delay"`
	} `toml:"retry"`

	Queue struct {
		GraceWindow       string `toml:"grace_window"`
		HistoryLimit      int    `toml:"history_limit"`
		DefaultMaxRetries int    `toml:"default_max_retries"`
	} `toml:"queue"`

	Registry struct {
		Capacity       int    `toml:"capacity"`
		IdleThreshold  string `toml:"idle_threshold"`
		SweepInterval  string `toml:"sweep_interval"`
		CleanupTimeout string `toml:"cleanup_timeout"`
	} `toml:"registry"`

	Credentials struct {
		Backend string `toml:"backend"`
		Path    string `toml:"path"`
	} `toml:"credentials"`
}

// LoadOptions reads a TOML configuration file over the defaults. Fields
// absent from the file keep their default values.
func LoadOptions(path string) (*Options, error) {
	var raw fileOptions
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("failed to load options from %s: %w", path, err)
	}

	opts := DefaultOptions()
	if raw.ReconnectOnDisconnect != nil {
		opts.ReconnectOnDisconnect = *raw.ReconnectOnDisconnect
	}
	if raw.FlushPendingOnReady != nil {
		opts.FlushPendingOnReady = *raw.FlushPendingOnReady
	}

	var err error
	if opts.SendTimeout, err = overrideDuration(opts.SendTimeout, raw.SendTimeout); err != nil {
		return nil, fmt.Errorf("send_timeout: %w", err)
	}

	if raw.Retry.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}
	if raw.Retry.Multiplier > 0 {
		opts.Retry.Multiplier = raw.Retry.Multiplier
	}
	// A negative jitter_fraction disables jitter; zero keeps the default.
	if raw.Retry.JitterFraction != 0 {
		opts.Retry.JitterFraction = raw.Retry.JitterFraction
	}
	if opts.Retry.BaseDelay, err = overrideDuration(opts.Retry.BaseDelay, raw.Retry.BaseDelay); err != nil {
		return nil, fmt.Errorf("retry.base_delay: %w", err)
	}
	if opts.Retry.MaxDelay, err = overrideDuration(opts.Retry.MaxDelay, raw.Retry.MaxDelay); err != nil {
		return nil, fmt.Errorf("retry.max_delay: %w", err)
	}
	if opts.Retry.FailureDelay, err = overrideDuration(opts.Retry.FailureDelay, raw.Retry.FailureDelay); err != nil {
		return nil, fmt.Errorf("retry.failure_delay: %w", err)
	}

	if raw.Queue.HistoryLimit > 0 {
		opts.Queue.HistoryLimit = raw.Queue.HistoryLimit
	}
	if raw.Queue.DefaultMaxRetries > 0 {
		opts.Queue.DefaultMaxRetries = raw.Queue.DefaultMaxRetries
	}
	if opts.Queue.GraceWindow, err = overrideDuration(opts.Queue.GraceWindow, raw.Queue.GraceWindow); err != nil {
		return nil, fmt.Errorf("queue.grace_window: %w", err)
	}

	if raw.Registry.Capacity > 0 {
		opts.Registry.Capacity = raw.Registry.Capacity
	}
	if opts.Registry.IdleThreshold, err = overrideDuration(opts.Registry.IdleThreshold, raw.Registry.IdleThreshold); err != nil {
		return nil, fmt.Errorf("registry.idle_threshold: %w", err)
	}
	if opts.Registry.SweepInterval, err = overrideDuration(opts.Registry.SweepInterval, raw.Registry.SweepInterval); err != nil {
		return nil, fmt.Errorf("registry.sweep_interval: %w", err)
	}
	if opts.Registry.CleanupTimeout, err = overrideDuration(opts.Registry.CleanupTimeout, raw.Registry.CleanupTimeout); err != nil {
		return nil, fmt.Errorf("registry.cleanup_timeout: %w", err)
	}

	if raw.Credentials.Backend != "" {
		opts.Credentials.Backend = raw.Credentials.Backend
	}
	if raw.Credentials.Path != "" {
		opts.Credentials.Path = raw.Credentials.Path
	}

	return opts, nil
}

// overrideDuration parses a duration string from the config file, keeping
// the fallback when the field is absent.
func overrideDuration(fallback time.Duration, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}
