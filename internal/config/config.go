package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/clinicrelay/internal/chat"
	"github.com/MikeSquared-Agency/clinicrelay/internal/patterns"
)

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	LogLevel        string
	AnthropicAPIKey string
	AnthropicModel  string
	SlackBotToken   string
	SlackChannel    string
	APIToken        string

	EvolutionURL       string
	EvolutionAPIKey    string
	EvolutionInstance  string
	EvolutionPerMinute int
	WebhookSecret      string

	OpenAIAPIKey string
	WhisperModel string

	DebounceInterval    time.Duration
	OverrideWindow      time.Duration
	SessionIdleTimeout  time.Duration
	HistoryLimit        int
	StageHistoryTurns   int
	StageTimeout        time.Duration
	MaxConcurrentRuns   int
	LaneQueueLimit      int
	SchedulingThreshold float64
	PatternsFile        string
	SweepInterval       time.Duration

	OTLPEndpoint string
}

func Load() Config {
	return Config{
		Port:            envInt("RELAY_PORT", 8760),
		NatsURL:         envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:       envStr("NATS_TOKEN", ""),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("RELAY_MODEL", "claude-sonnet-4-20250514"),
		SlackBotToken:   envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:    envStr("SLACK_ESCALATION_CHANNEL", ""),
		APIToken:        envStr("RELAY_API_TOKEN", ""),

		EvolutionURL:       envStr("EVOLUTION_API_URL", ""),
		EvolutionAPIKey:    envStr("EVOLUTION_API_KEY", ""),
		EvolutionInstance:  envStr("EVOLUTION_INSTANCE", "vivacita"),
		EvolutionPerMinute: envInt("EVOLUTION_RATE_PER_MINUTE", 10),
		WebhookSecret:      envStr("EVOLUTION_WEBHOOK_SECRET", ""),

		OpenAIAPIKey: envStr("OPENAI_API_KEY", ""),
		WhisperModel: envStr("WHISPER_MODEL", "whisper-1"),

		DebounceInterval:    envDuration("DEBOUNCE_INTERVAL", 5*time.Second),
		OverrideWindow:      envDuration("OVERRIDE_WINDOW", 10*time.Minute),
		SessionIdleTimeout:  envDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		HistoryLimit:        envInt("HISTORY_LIMIT", 50),
		StageHistoryTurns:   envInt("STAGE_HISTORY_TURNS", 10),
		StageTimeout:        envDuration("STAGE_TIMEOUT", 45*time.Second),
		MaxConcurrentRuns:   envInt("MAX_CONCURRENT_RUNS", 8),
		LaneQueueLimit:      envInt("LANE_QUEUE_LIMIT", 16),
		SchedulingThreshold: envFloat("SCHEDULING_THRESHOLD", 0.3),
		PatternsFile:        envStr("PATTERNS_FILE", ""),
		SweepInterval:       envDuration("SWEEP_INTERVAL", time.Minute),

		OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

// Validate reports the first invalid setting as a *chat.ConfigurationError.
func (c Config) Validate() error {
	invalid := func(field, reason string) error {
		return &chat.ConfigurationError{Field: field, Reason: reason}
	}

	if c.Port <= 0 || c.Port > 65535 {
		return invalid("RELAY_PORT", "must be a valid TCP port")
	}
	if c.AnthropicAPIKey == "" {
		return invalid("ANTHROPIC_API_KEY", "required")
	}
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		return invalid("LOG_LEVEL", "must be debug, info, warn or error")
	}

	durations := []struct {
		field string
		d     time.Duration
	}{
		{"DEBOUNCE_INTERVAL", c.DebounceInterval},
		{"OVERRIDE_WINDOW", c.OverrideWindow},
		{"SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout},
		{"STAGE_TIMEOUT", c.StageTimeout},
		{"SWEEP_INTERVAL", c.SweepInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return invalid(d.field, "must be positive")
		}
	}

	limits := []struct {
		field string
		n     int
	}{
		{"HISTORY_LIMIT", c.HistoryLimit},
		{"STAGE_HISTORY_TURNS", c.StageHistoryTurns},
		{"MAX_CONCURRENT_RUNS", c.MaxConcurrentRuns},
		{"LANE_QUEUE_LIMIT", c.LaneQueueLimit},
		{"EVOLUTION_RATE_PER_MINUTE", c.EvolutionPerMinute},
	}
	for _, l := range limits {
		if l.n <= 0 {
			return invalid(l.field, "must be positive")
		}
	}

	if c.StageHistoryTurns > c.HistoryLimit {
		return invalid("STAGE_HISTORY_TURNS", "must not exceed HISTORY_LIMIT")
	}
	if c.SchedulingThreshold < 0 || c.SchedulingThreshold > 1 {
		return invalid("SCHEDULING_THRESHOLD", "must be within [0,1]")
	}
	if (c.SlackBotToken == "") != (c.SlackChannel == "") {
		return invalid("SLACK_ESCALATION_CHANNEL", "SLACK_BOT_TOKEN and SLACK_ESCALATION_CHANNEL must be set together")
	}
	return nil
}

// PatternSets returns the built-in sets, or those in PatternsFile when set.
func (c Config) PatternSets() (patterns.Sets, error) {
	if c.PatternsFile == "" {
		return patterns.Defaults(), nil
	}
	return patterns.LoadFile(c.PatternsFile)
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	if l, ok := logLevels[strings.ToLower(c.LogLevel)]; ok {
		return l
	}
	return slog.LevelInfo
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
