package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18620,
		},
		Pipeline: PipelineConfig{
			DebounceSeconds:        3,
			HistoryLimit:           20,
			DispatchTimeoutSeconds: 30,
			SendWindowRetryMinutes: 5,
		},
		Jobs: JobsConfig{
			PollIntervalSeconds: 1,
			BatchSize:           25,
			SettleWorkers:       8,
			EvaluateWorkers:     4,
			MediaWorkers:        2,
			DispatchWorkers:     4,
			MaxAttempts:         5,
			BackoffBaseSeconds:  5,
			BackoffMaxSeconds:   600,
		},
		AI: AIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		RateLimit: RateLimitConfig{
			SendsPerMinute: 60,
			Burst:          10,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("LEADPULSE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("LEADPULSE_ENCRYPTION_KEY", &c.EncryptionKey)
	envStr("LEADPULSE_OPENAI_API_KEY", &c.AI.APIKey)
	envStr("LEADPULSE_OPENAI_API_BASE", &c.AI.APIBase)
	envStr("LEADPULSE_MODEL", &c.AI.Model)
	envStr("LEADPULSE_GATEWAY_HOST", &c.Gateway.Host)
	envInt("LEADPULSE_GATEWAY_PORT", &c.Gateway.Port)
	envStr("LEADPULSE_AUTH_TOKEN", &c.Gateway.AuthToken)
	envStr("LEADPULSE_VERIFY_TOKEN", &c.Gateway.VerifyToken)
	envInt("LEADPULSE_DEBOUNCE_SECONDS", &c.Pipeline.DebounceSeconds)
	envInt("LEADPULSE_HISTORY_LIMIT", &c.Pipeline.HistoryLimit)
}
