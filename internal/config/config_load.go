package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:       "anthropic/claude-sonnet-4-5",
				Thinking:    "off",
				MaxTokens:   8192,
				Temperature: 0.7,
				ContextWindow: ContextWindowConfig{
					WarnBelowTokens: 16000,
					HardMinTokens:   4000,
				},
				RateLimit: RateLimitConfig{WaitMs: 30000},
				Workspace: "~/.boardroom/workspace",
			},
		},
		Auth: AuthConfig{
			Cooldown: AuthCooldownConfig{
				RateLimitBaseMs: 60_000,
				RateLimitCapMs:  1_800_000,
				AuthHoldMs:      3_600_000,
				TimeoutHoldMs:   30_000,
				UnknownHoldMs:   300_000,
			},
			Storage: "~/.boardroom/auth.json",
		},
		Sessions: SessionsConfig{
			Storage:          "~/.boardroom/sessions",
			HistoryTurnLimit: 0,
		},
		Board: BoardConfig{
			Enabled: true,
			Consultation: ConsultationConfig{
				MaxDepth:  2,
				TimeoutMs: 120_000,
			},
			Meetings: MeetingsConfig{
				MaxDurationMs:    600_000,
				MaxTurnsPerAgent: 3,
			},
		},
		Tasks: TasksConfig{
			DefaultStepIntervalMs: 2000,
			ProgressEverySteps:    2,
		},
		Cron: CronConfig{
			TickIntervalMs: 15_000,
			Storage:        "~/.boardroom/cron.db",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
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

	envStr("BOARDROOM_MODEL", &c.Agents.Defaults.Model)
	envStr("BOARDROOM_THINKING", &c.Agents.Defaults.Thinking)
	envStr("BOARDROOM_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("BOARDROOM_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("BOARDROOM_AUTH_STORAGE", &c.Auth.Storage)
	envStr("BOARDROOM_CRON_STORAGE", &c.Cron.Storage)
	envStr("BOARDROOM_POSTGRES_DSN", &c.Database.PostgresDSN)

	if c.Database.PostgresDSN != "" && c.Database.Mode == "" {
		c.Database.Mode = "managed"
	}
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
