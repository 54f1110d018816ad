package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("addr = %q, want %q", cfg.Server.Addr, DefaultHTTPAddr)
	}
	if cfg.Identity.DefaultCountryCode != DefaultCountryCode {
		t.Fatalf("country code = %q, want %q", cfg.Identity.DefaultCountryCode, DefaultCountryCode)
	}
	if cfg.Transport.SendTimeout() != 15*time.Second {
		t.Fatalf("send timeout = %v, want 15s", cfg.Transport.SendTimeout())
	}
	if cfg.Poll.Schedule != DefaultPollSchedule {
		t.Fatalf("poll schedule = %q", cfg.Poll.Schedule)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
addr = ":9090"

[identity]
default_country_code = "1"

[transport]
send_timeout_seconds = 30

[poll]
disabled = true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Identity.DefaultCountryCode != "1" {
		t.Fatalf("country code = %q", cfg.Identity.DefaultCountryCode)
	}
	if cfg.Transport.SendTimeout() != 30*time.Second {
		t.Fatalf("send timeout = %v", cfg.Transport.SendTimeout())
	}
	if !cfg.Poll.Disabled {
		t.Fatalf("poll should be disabled")
	}
	// Untouched sections keep their defaults.
	if cfg.Postgres.Port != DefaultPGPort {
		t.Fatalf("pg port = %d", cfg.Postgres.Port)
	}
}
