// Package config loads environment-driven settings for the execution core,
// with an optional YAML overlay for the recognized tuning options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for the execution core.
type Config struct {
	Port   string
	DBPath string

	// Terminal session
	Server       string
	Login        int64
	Password     string
	TerminalPath string
	Timeout      time.Duration
	UseSim       bool

	// Trading
	Account       string
	Symbols       []string
	InitialBudget float64

	// Tuning (overridable via YAML overlay)
	Tuning Tuning
}

// Tuning carries the recognized timing and simulation options.
type Tuning struct {
	HealthInterval         time.Duration
	BackoffMultiplier      float64
	MaxConsecutiveFailures int
	ReconnectMaxAttempts   int
	TickInterval           time.Duration
	RemarkInterval         time.Duration
	DefaultSpreadPips      float64
}

// tuningOverlay is the YAML shape of the overlay file. Durations are strings
// ("10s", "1m") parsed with time.ParseDuration.
type tuningOverlay struct {
	HealthInterval         string  `yaml:"health_interval"`
	BackoffMultiplier      float64 `yaml:"backoff_multiplier"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	ReconnectMaxAttempts   int     `yaml:"reconnect_max_attempts"`
	TickInterval           string  `yaml:"tick_interval"`
	RemarkInterval         string  `yaml:"remark_interval"`
	DefaultSpreadPips      float64 `yaml:"default_spread_pips"`
}

// Load reads .env (if present), the environment, and an optional YAML overlay
// named by TUNING_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "data/trades.db"),
		Server:        getEnv("TERMINAL_SERVER", "sim.localhost"),
		Login:         getEnvInt64("TERMINAL_LOGIN", 1),
		Password:      getEnv("TERMINAL_PASSWORD", ""),
		TerminalPath:  getEnv("TERMINAL_PATH", ""),
		Timeout:       getEnvDuration("TERMINAL_TIMEOUT", 10*time.Second),
		UseSim:        getEnvBool("USE_SIM_TERMINAL", true),
		Account:       getEnv("ACCOUNT_ID", "default"),
		Symbols:       getEnvList("SYMBOLS", []string{"EUR/USD", "GBP/USD", "USD/JPY"}),
		InitialBudget: getEnvFloat("INITIAL_BUDGET", 100000),
		Tuning: Tuning{
			HealthInterval:         getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
			BackoffMultiplier:      getEnvFloat("HEALTH_BACKOFF_MULTIPLIER", 2),
			MaxConsecutiveFailures: getEnvInt("HEALTH_MAX_FAILURES", 5),
			ReconnectMaxAttempts:   getEnvInt("RECONNECT_MAX_ATTEMPTS", 3),
			TickInterval:           getEnvDuration("TICK_INTERVAL", time.Second),
			RemarkInterval:         getEnvDuration("REMARK_INTERVAL", time.Second),
			DefaultSpreadPips:      getEnvFloat("DEFAULT_SPREAD_PIPS", 2),
		},
	}

	if path := os.Getenv("TUNING_FILE"); path != "" {
		if err := cfg.applyTuningFile(path); err != nil {
			return nil, fmt.Errorf("tuning file %s: %w", path, err)
		}
	}

	if cfg.InitialBudget <= 0 {
		return nil, fmt.Errorf("INITIAL_BUDGET must be positive, got %v", cfg.InitialBudget)
	}
	return cfg, nil
}

func (c *Config) applyTuningFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay tuningOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return err
	}
	if err := overlayDuration(&c.Tuning.HealthInterval, overlay.HealthInterval); err != nil {
		return fmt.Errorf("health_interval: %w", err)
	}
	if err := overlayDuration(&c.Tuning.TickInterval, overlay.TickInterval); err != nil {
		return fmt.Errorf("tick_interval: %w", err)
	}
	if err := overlayDuration(&c.Tuning.RemarkInterval, overlay.RemarkInterval); err != nil {
		return fmt.Errorf("remark_interval: %w", err)
	}
	if overlay.BackoffMultiplier > 0 {
		c.Tuning.BackoffMultiplier = overlay.BackoffMultiplier
	}
	if overlay.MaxConsecutiveFailures > 0 {
		c.Tuning.MaxConsecutiveFailures = overlay.MaxConsecutiveFailures
	}
	if overlay.ReconnectMaxAttempts > 0 {
		c.Tuning.ReconnectMaxAttempts = overlay.ReconnectMaxAttempts
	}
	if overlay.DefaultSpreadPips > 0 {
		c.Tuning.DefaultSpreadPips = overlay.DefaultSpreadPips
	}
	return nil
}

// overlayDuration applies a non-empty duration string to dst.
func overlayDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d > 0 {
		*dst = d
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
