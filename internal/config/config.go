package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ErrMissingCredentials indicates the Coinbase API key or secret is absent.
// It is fatal at startup: no signed request may be attempted without both.
var ErrMissingCredentials = errors.New("missing API credentials")

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultBaseURL           = "https://api.coinbase.com"
	DefaultDBPath            = "orderup.db"
	DefaultHTTPTimeout       = 15 * time.Second
	DefaultSubmitMaxAttempts = 3
	DefaultSubmitGraceWindow = 2 * time.Minute
	DefaultReconcileInterval = 1 * time.Minute
)

// Config holds everything resolved from the environment at process start.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string

	DBPath    string
	JWTSecret string
	Port      string

	OperatorAPIKey    string
	OperatorAPISecret string

	HTTPTimeout       time.Duration
	SubmitMaxAttempts int
	SubmitGraceWindow time.Duration
	ReconcileInterval time.Duration
}

// Load reads .env (if present) and resolves the agent configuration.
// Credential absence is surfaced here rather than discovered later as a
// signature failure against the exchange.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		APIKey:            os.Getenv("CB_API_KEY"),
		APISecret:         os.Getenv("CB_API_SECRET"),
		BaseURL:           envOr("CB_API_BASE_URL", DefaultBaseURL),
		DBPath:            envOr("DB_PATH", DefaultDBPath),
		JWTSecret:         envOr("JWT_SECRET", "orderup-secret-key"),
		Port:              envOr("PORT", "8080"),
		OperatorAPIKey:    envOr("OPERATOR_API_KEY", "operator-key"),
		OperatorAPISecret: envOr("OPERATOR_API_SECRET", "operator-secret"),
		HTTPTimeout:       envDuration("HTTP_TIMEOUT", DefaultHTTPTimeout),
		SubmitMaxAttempts: envInt("SUBMIT_MAX_ATTEMPTS", DefaultSubmitMaxAttempts),
		SubmitGraceWindow: envDuration("SUBMIT_GRACE_WINDOW", DefaultSubmitGraceWindow),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrMissingCredentials
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer setting, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration setting, using default")
		return fallback
	}
	return d
}
