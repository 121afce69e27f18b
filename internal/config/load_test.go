package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 18620 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Pipeline.DebounceSeconds != 3 {
		t.Errorf("debounce = %d", cfg.Pipeline.DebounceSeconds)
	}
	if cfg.AI.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.AI.Model)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// JSON5: comments and trailing commas are fine.
	content := `{
		// local dev overrides
		gateway: { port: 9900 },
		pipeline: { debounce_seconds: 10, },
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9900 {
		t.Errorf("port = %d, want file value", cfg.Gateway.Port)
	}
	if cfg.Pipeline.DebounceSeconds != 10 {
		t.Errorf("debounce = %d, want file value", cfg.Pipeline.DebounceSeconds)
	}
	// Untouched fields keep their defaults.
	if cfg.Jobs.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.Jobs.MaxAttempts)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{gateway: {port: 9900}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEADPULSE_GATEWAY_PORT", "7000")
	t.Setenv("LEADPULSE_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("LEADPULSE_DEBOUNCE_SECONDS", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 7000 {
		t.Errorf("port = %d, want env value", cfg.Gateway.Port)
	}
	if cfg.Database.PostgresDSN != "postgres://env/db" {
		t.Errorf("dsn = %q", cfg.Database.PostgresDSN)
	}
	// Malformed numeric env values are ignored, not fatal.
	if cfg.Pipeline.DebounceSeconds != 3 {
		t.Errorf("debounce = %d, want default kept", cfg.Pipeline.DebounceSeconds)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{gateway`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config accepted")
	}
}
