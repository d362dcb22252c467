package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the boardroom gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Auth      AuthConfig      `json:"auth"`
	Sessions  SessionsConfig  `json:"sessions"`
	Board     BoardConfig     `json:"board"`
	Tasks     TasksConfig     `json:"tasks"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig holds model-selection defaults shared by all agents.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults are default settings for agent runs.
type AgentDefaults struct {
	Model          string              `json:"model"`                    // "provider/modelId"
	ModelFallbacks []string            `json:"modelFallbacks,omitempty"` // ordered chain tried on FailoverError
	Thinking       string              `json:"thinking,omitempty"`       // off|minimal|low|medium|high
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    float64             `json:"temperature,omitempty"`
	ContextWindow  ContextWindowConfig `json:"contextWindow,omitempty"`
	RateLimit      RateLimitConfig     `json:"rateLimit,omitempty"`
	AttemptTimeout string              `json:"attemptTimeout,omitempty"` // Go duration, default "120s"
	Workspace      string              `json:"workspace,omitempty"`
}

// ContextWindowConfig guards against unusably small models.
type ContextWindowConfig struct {
	WarnBelowTokens int `json:"warnBelowTokens,omitempty"` // proceed but log (default 16000)
	HardMinTokens   int `json:"hardMinTokens,omitempty"`   // reject outright (default 4000)
}

// RateLimitConfig controls the smart rate-limit wait window.
type RateLimitConfig struct {
	WaitMs int `json:"waitMs,omitempty"` // default 30000
}

// AuthConfig holds the credential profile pool and cooldown policy.
type AuthConfig struct {
	Profiles []AuthProfileSpec  `json:"profiles,omitempty"`
	Cooldown AuthCooldownConfig `json:"cooldown,omitempty"`
	Storage  string             `json:"storage,omitempty"` // auth state file (default ~/.boardroom/auth.json)
}

// AuthProfileSpec declares one credential profile.
// CredentialRef points into the OS secret store ("env:NAME" reads env).
type AuthProfileSpec struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	CredentialRef string `json:"credentialRef"`
	Disabled      bool   `json:"disabled,omitempty"`
}

// AuthCooldownConfig tunes cooldown durations per failure reason.
type AuthCooldownConfig struct {
	RateLimitBaseMs int `json:"rateLimitBaseMs,omitempty"` // default 60000
	RateLimitCapMs  int `json:"rateLimitCapMs,omitempty"`  // default 1800000
	AuthHoldMs      int `json:"authHoldMs,omitempty"`      // default 3600000
	TimeoutHoldMs   int `json:"timeoutHoldMs,omitempty"`   // default 30000
	UnknownHoldMs   int `json:"unknownHoldMs,omitempty"`   // default 300000
}

// SessionsConfig configures the session log store.
type SessionsConfig struct {
	Storage           string         `json:"storage,omitempty"`           // default ~/.boardroom/sessions
	HistoryTurnLimit  int            `json:"historyTurnLimit,omitempty"`  // 0 = unlimited
	ChannelTurnLimits map[string]int `json:"channelTurnLimits,omitempty"` // per-channel override
}

// TurnLimitFor returns the effective history turn limit for a channel.
func (s SessionsConfig) TurnLimitFor(channel string) int {
	if n, ok := s.ChannelTurnLimits[channel]; ok {
		return n
	}
	return s.HistoryTurnLimit
}

// BoardConfig configures the board of directors.
type BoardConfig struct {
	Enabled         bool               `json:"enabled"`
	TelegramGroupID string             `json:"telegramGroupId,omitempty"`
	Agents          []BoardAgentSpec   `json:"agents,omitempty"`
	Consultation    ConsultationConfig `json:"consultation,omitempty"`
	Meetings        MeetingsConfig     `json:"meetings,omitempty"`
}

// BoardAgentSpec overrides one board agent's defaults.
type BoardAgentSpec struct {
	Role            string `json:"role"`
	Name            string `json:"name,omitempty"`
	Emoji           string `json:"emoji,omitempty"`
	Model           string `json:"model,omitempty"` // "provider/modelId" override
	ThinkingDefault string `json:"thinkingDefault,omitempty"`
	TelegramTopicID string `json:"telegramTopicId,omitempty"`
	SoulFile        string `json:"soulFile,omitempty"` // workspace-relative personality file
}

// ConsultationConfig bounds agent-to-agent consultations.
type ConsultationConfig struct {
	Enabled   *bool `json:"enabled,omitempty"` // default true
	MaxDepth  int   `json:"maxDepth,omitempty"`  // default 2
	TimeoutMs int   `json:"timeoutMs,omitempty"` // default 120000
}

// IsEnabled treats nil as enabled.
func (c ConsultationConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MeetingsConfig bounds board meetings.
type MeetingsConfig struct {
	Enabled          *bool `json:"enabled,omitempty"`          // default true
	MaxDurationMs    int   `json:"maxDurationMs,omitempty"`    // default 600000
	MaxTurnsPerAgent int   `json:"maxTurnsPerAgent,omitempty"` // default 3
}

// IsEnabled treats nil as enabled.
func (m MeetingsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TasksConfig configures the autonomous task runner.
type TasksConfig struct {
	DefaultStepIntervalMs int `json:"defaultStepIntervalMs,omitempty"` // default 2000
	ProgressEverySteps    int `json:"progressEverySteps,omitempty"`    // default 2
}

// CronConfig configures the cron job system.
type CronConfig struct {
	TickIntervalMs int    `json:"tickIntervalMs,omitempty"` // default 15000
	Storage        string `json:"storage,omitempty"`        // sqlite file (default ~/.boardroom/cron.db)
}

// TickInterval returns the tick interval as a duration.
func (c CronConfig) TickInterval() time.Duration {
	if c.TickIntervalMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// DatabaseConfig selects standalone (files + sqlite) or managed (Postgres) stores.
// PostgresDSN is NEVER read from the config file — only from env BOARDROOM_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode reports whether Postgres-backed stores should be used.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "boardroom-gateway"
	Headers     map[string]string `json:"headers,omitempty"`
}

// AttemptTimeout returns the per-attempt timeout with the default applied.
func (d AgentDefaults) GetAttemptTimeout() time.Duration {
	if d.AttemptTimeout != "" {
		if t, err := time.ParseDuration(d.AttemptTimeout); err == nil && t > 0 {
			return t
		}
	}
	return 120 * time.Second
}

// RateLimitWait returns the configured wait window with the default applied.
func (d AgentDefaults) RateLimitWait() time.Duration {
	if d.RateLimit.WaitMs > 0 {
		return time.Duration(d.RateLimit.WaitMs) * time.Millisecond
	}
	return 30 * time.Second
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher on hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Auth = src.Auth
	c.Sessions = src.Sessions
	c.Board = src.Board
	c.Tasks = src.Tasks
	c.Cron = src.Cron
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}
