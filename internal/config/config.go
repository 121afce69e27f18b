// Package config holds the engine configuration: a JSON5 file overlaid
// with LEADPULSE_* environment variables. Secrets (Postgres DSN, API keys,
// encryption key) come from the environment only.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Jobs      JobsConfig      `json:"jobs"`
	AI        AIConfig        `json:"ai"`
	RateLimit RateLimitConfig `json:"rate_limit"`

	// EncryptionKey decrypts provider credentials at rest
	// (hex-encoded 32 bytes). Env only: LEADPULSE_ENCRYPTION_KEY.
	EncryptionKey string `json:"-"`
}

// GatewayConfig configures the webhook HTTP server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AuthToken      string   `json:"auth_token"`      // bearer token for the events websocket
	AllowedOrigins []string `json:"allowed_origins"` // websocket origin whitelist; empty = all
	VerifyToken    string   `json:"verify_token"`    // WhatsApp Cloud webhook verification token
}

// DatabaseConfig configures storage.
type DatabaseConfig struct {
	// PostgresDSN comes from LEADPULSE_POSTGRES_DSN only.
	PostgresDSN string `json:"-"`
}

// PipelineConfig holds the policy constants of the message pipeline.
// Quiet window and history window are configuration, not code: they trade
// AI cost/latency against reply coherence per deployment.
type PipelineConfig struct {
	DebounceSeconds        int `json:"debounce_seconds"`          // quiet window before a batch settles
	HistoryLimit           int `json:"history_limit"`             // messages of context per AI call
	DispatchTimeoutSeconds int `json:"dispatch_timeout_seconds"`  // provider call deadline
	SendWindowRetryMinutes int `json:"send_window_retry_minutes"` // deferral when outside the send window
}

// DebounceWindow returns the quiet window as a duration.
func (p PipelineConfig) DebounceWindow() time.Duration {
	return time.Duration(p.DebounceSeconds) * time.Second
}

// DispatchTimeout returns the provider call deadline as a duration.
func (p PipelineConfig) DispatchTimeout() time.Duration {
	return time.Duration(p.DispatchTimeoutSeconds) * time.Second
}

// SendWindowRetry returns the send-window deferral as a duration.
func (p PipelineConfig) SendWindowRetry() time.Duration {
	return time.Duration(p.SendWindowRetryMinutes) * time.Minute
}

// JobsConfig tunes the delayed-job runner.
type JobsConfig struct {
	PollIntervalSeconds int `json:"poll_interval_seconds"`
	BatchSize           int `json:"batch_size"`
	SettleWorkers       int `json:"settle_workers"`
	EvaluateWorkers     int `json:"evaluate_workers"`
	MediaWorkers        int `json:"media_workers"`
	DispatchWorkers     int `json:"dispatch_workers"`
	MaxAttempts         int `json:"max_attempts"`
	BackoffBaseSeconds  int `json:"backoff_base_seconds"`
	BackoffMaxSeconds   int `json:"backoff_max_seconds"`
}

// AIConfig configures the completion provider.
type AIConfig struct {
	APIBase     string  `json:"api_base"` // OpenAI-compatible endpoint; empty = api.openai.com
	Model       string  `json:"model"`    // default model when the workspace sets none
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`

	// APIKey comes from LEADPULSE_OPENAI_API_KEY only.
	APIKey string `json:"-"`
}

// RateLimitConfig bounds outbound provider calls per channel.
type RateLimitConfig struct {
	SendsPerMinute int `json:"sends_per_minute"` // 0 disables limiting
	Burst          int `json:"burst"`
}
