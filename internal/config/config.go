// Package config provides configuration types and loading for botgw.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Gateway, Chat, Provider, Sessions, Pipeline, Timeline, Trace, Bots.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Chat     ChatConfig     `json:"chat"`
	Provider ProviderConfig `json:"provider"`
	Sessions SessionsConfig `json:"sessions"`
	Pipeline PipelineConfig `json:"pipeline"`
	Timeline TimelineConfig `json:"timeline"`
	Trace    TraceConfig    `json:"trace"`
	Paths    PathsConfig    `json:"paths"`
	Bots     []BotConfig    `json:"bots"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP intake server
// ---------------------------------------------------------------------------

// GatewayConfig contains intake server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// Chat – outbound delivery to the chat platform
// ---------------------------------------------------------------------------

// ChatConfig configures the chat platform message-creation endpoint.
type ChatConfig struct {
	BaseURL  string `json:"baseUrl" envconfig:"CHAT_BASE_URL"`
	BotToken string `json:"botToken" envconfig:"CHAT_BOT_TOKEN"`
}

// ---------------------------------------------------------------------------
// Provider – LLM API
// ---------------------------------------------------------------------------

// ProviderConfig contains settings for the LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	Model   string `json:"model" envconfig:"MODEL"`
}

// ---------------------------------------------------------------------------
// Sessions – tiered session cache
// ---------------------------------------------------------------------------

// SessionsConfig groups tier windows and sweep settings.
// The tier thresholds are policy, tunable without behavior change.
type SessionsConfig struct {
	Dir           string        `json:"dir" envconfig:"SESSIONS_DIR"`
	HotWindow     time.Duration `json:"hotWindow" envconfig:"SESSIONS_HOT_WINDOW"`
	WarmWindow    time.Duration `json:"warmWindow" envconfig:"SESSIONS_WARM_WINDOW"`
	Retention     time.Duration `json:"retention" envconfig:"SESSIONS_RETENTION"`
	SweepInterval time.Duration `json:"sweepInterval" envconfig:"SESSIONS_SWEEP_INTERVAL"`
}

// ---------------------------------------------------------------------------
// Pipeline – request processing bounds
// ---------------------------------------------------------------------------

// PipelineConfig bounds a single request's execution.
type PipelineConfig struct {
	MaxTurns           int           `json:"maxTurns" envconfig:"PIPELINE_MAX_TURNS"`
	RequestTimeout     time.Duration `json:"requestTimeout" envconfig:"PIPELINE_REQUEST_TIMEOUT"`
	MaxDelegationDepth int           `json:"maxDelegationDepth" envconfig:"PIPELINE_MAX_DELEGATION_DEPTH"`
	DrainTimeout       time.Duration `json:"drainTimeout" envconfig:"PIPELINE_DRAIN_TIMEOUT"`
	LongRunningAfter   time.Duration `json:"longRunningAfter" envconfig:"PIPELINE_LONG_RUNNING_AFTER"`
}

// ---------------------------------------------------------------------------
// Timeline – request/task log
// ---------------------------------------------------------------------------

// TimelineConfig locates the sqlite request log.
type TimelineConfig struct {
	Path string `json:"path" envconfig:"TIMELINE_PATH"`
}

// ---------------------------------------------------------------------------
// Trace – optional Kafka audit publisher
// ---------------------------------------------------------------------------

// TraceConfig configures the best-effort trace publisher.
type TraceConfig struct {
	Enabled bool     `json:"enabled" envconfig:"TRACE_ENABLED"`
	Brokers []string `json:"brokers" envconfig:"TRACE_BROKERS"`
	Topic   string   `json:"topic" envconfig:"TRACE_TOPIC"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	DocsDir   string `json:"docsDir" envconfig:"DOCS_DIR"`
}

// ---------------------------------------------------------------------------
// Bots – per-bot registration
// ---------------------------------------------------------------------------

// BotConfig registers a single bot: persona document, tool allow list,
// optional model override, and the peers it may consult.
type BotConfig struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	InstructionsDoc string   `json:"instructionsDoc"`
	Tools           []string `json:"tools"`
	ConsultAllow    []string `json:"consultAllow"`
	Model           string   `json:"model,omitempty"`
}
