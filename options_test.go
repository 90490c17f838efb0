package chatlink

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatlink.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadOptions_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
reconnect_on_disconnect = false
send_timeout = "15s"

[retry]
max_attempts = 8
base_delay = "500ms"
multiplier = 3.0
max_delay = "2m"

[queue]
grace_window = "10s"
history_limit = 250

[registry]
capacity = 128
idle_threshold = "1h"
`)

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}

	if opts.ReconnectOnDisconnect {
		t.Error("reconnect_on_disconnect override ignored")
	}
	if opts.SendTimeout != 15*time.Second {
		t.Errorf("SendTimeout = %v, want 15s", opts.SendTimeout)
	}
	if opts.Retry.MaxAttempts != 8 {
		t.Errorf("Retry.MaxAttempts = %d, want 8", opts.Retry.MaxAttempts)
	}
	if opts.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 500ms", opts.Retry.BaseDelay)
	}
	if opts.Retry.Multiplier != 3.0 {
		t.Errorf("Retry.Multiplier = %v, want 3.0", opts.Retry.Multiplier)
	}
	if opts.Retry.MaxDelay != 2*time.Minute {
		t.Errorf("Retry.MaxDelay = %v, want 2m", opts.Retry.MaxDelay)
	}
	if opts.Queue.GraceWindow != 10*time.Second {
		t.Errorf("Queue.GraceWindow = %v, want 10s", opts.Queue.GraceWindow)
	}
	if opts.Queue.HistoryLimit != 250 {
		t.Errorf("Queue.HistoryLimit = %d, want 250", opts.Queue.HistoryLimit)
	}
	if opts.Registry.Capacity != 128 {
		t.Errorf("Registry.Capacity = %d, want 128", opts.Registry.Capacity)
	}
	if opts.Registry.IdleThreshold != time.Hour {
		t.Errorf("Registry.IdleThreshold = %v, want 1h", opts.Registry.IdleThreshold)
	}
}

func TestLoadOptions_AbsentFieldsKeepDefaults(t *testing.T) {
	path := writeConfig(t, `[retry]
max_attempts = 7
`)

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}

	defaults := DefaultOptions()
	if opts.Retry.MaxAttempts != 7 {
		t.Errorf("Retry.MaxAttempts = %d, want 7", opts.Retry.MaxAttempts)
	}
	if opts.Retry.BaseDelay != defaults.Retry.BaseDelay {
		t.Errorf("Retry.BaseDelay = %v, want default %v", opts.Retry.BaseDelay, defaults.Retry.BaseDelay)
	}
	if opts.SendTimeout != defaults.SendTimeout {
		t.Errorf("SendTimeout = %v, want default %v", opts.SendTimeout, defaults.SendTimeout)
	}
	if !opts.ReconnectOnDisconnect {
		t.Error("ReconnectOnDisconnect lost its default")
	}
}

func TestLoadOptions_CredentialsSection(t *testing.T) {
	path := writeConfig(t, `[credentials]
backend = "sqlite"
path = "/var/lib/chatlink/sessions.db"
`)

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}
	if opts.Credentials.Backend != "sqlite" {
		t.Errorf("Credentials.Backend = %q, want sqlite", opts.Credentials.Backend)
	}
	if opts.Credentials.Path != "/var/lib/chatlink/sessions.db" {
		t.Errorf("Credentials.Path = %q", opts.Credentials.Path)
	}
}

func TestNewCredentialStore(t *testing.T) {
	var key [32]byte

	tests := []struct {
		name    string
		opts    CredentialsOptions
		wantErr bool
	}{
		{"default backend", CredentialsOptions{}, false},
		{"memory", CredentialsOptions{Backend: "memory"}, false},
		{"file", CredentialsOptions{Backend: "file", Path: "/tmp/s.bin"}, false},
		{"file without path", CredentialsOptions{Backend: "file"}, true},
		{"sqlite", CredentialsOptions{Backend: "sqlite", Path: "/tmp/s.db"}, false},
		{"sqlite without path", CredentialsOptions{Backend: "sqlite"}, true},
		{"unknown", CredentialsOptions{Backend: "vault"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewCredentialStore(tt.opts, key)
			if tt.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCredentialStore failed: %v", err)
			}
			if store == nil {
				t.Error("store is nil")
			}
		})
	}
}

func TestLoadOptions_BadDuration(t *testing.T) {
	path := writeConfig(t, `send_timeout = "soon"`)
	if _, err := LoadOptions(path); err == nil {
		t.Error("LoadOptions accepted a malformed duration")
	}
}

func TestLoadOptions_MissingFile(t *testing.T) {
	if _, err := LoadOptions(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("LoadOptions accepted a missing file")
	}
}
