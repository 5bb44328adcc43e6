// Package config loads the exchange runtime configuration from the
// environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openalpha/clob-dex/errs"
)

// Config is the full runtime configuration.
type Config struct {
	// Ledger gateway
	LedgerAPIBase       string
	LedgerSubmitTimeout time.Duration

	// Operator credentials
	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string

	// Parties
	OperatorPartyID string
	PublicPartyID   string

	// Matching engine
	SweepInterval      time.Duration
	MaxConflictRetries int
	StallWarnAfter     time.Duration

	// API surface
	HTTPPort     int
	WSPath       string
	WSBufferSize int
	JWTSecret    string
	MetricsPort  int

	// Bootstrap
	TradingPairsBootstrap []string
}

// Default returns the configuration defaults. Required fields are empty.
func Default() Config {
	return Config{
		LedgerSubmitTimeout: 30 * time.Second,
		SweepInterval:       2 * time.Second,
		MaxConflictRetries:  5,
		StallWarnAfter:      30 * time.Second,
		HTTPPort:            3001,
		WSPath:              "/ws",
		WSBufferSize:        1024,
		MetricsPort:         9090,
	}
}

// FromEnv loads configuration from the environment, applying defaults and
// validating required fields.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.LedgerAPIBase = os.Getenv("LEDGER_API_BASE")
	cfg.OAuthTokenURL = os.Getenv("OAUTH_TOKEN_URL")
	cfg.OAuthClientID = os.Getenv("OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	cfg.OperatorPartyID = os.Getenv("OPERATOR_PARTY_ID")
	cfg.PublicPartyID = os.Getenv("PUBLIC_PARTY_ID")
	cfg.JWTSecret = os.Getenv("API_JWT_SECRET")

	var err error
	if cfg.SweepInterval, err = envMillis("MATCHING_SWEEP_INTERVAL_MS", cfg.SweepInterval); err != nil {
		return cfg, err
	}
	if cfg.MaxConflictRetries, err = envInt("MATCHING_MAX_CONFLICT_RETRIES", cfg.MaxConflictRetries); err != nil {
		return cfg, err
	}
	if cfg.StallWarnAfter, err = envMillis("MATCHING_STALL_WARN_MS", cfg.StallWarnAfter); err != nil {
		return cfg, err
	}
	if cfg.LedgerSubmitTimeout, err = envMillis("LEDGER_SUBMIT_TIMEOUT_MS", cfg.LedgerSubmitTimeout); err != nil {
		return cfg, err
	}
	if cfg.WSBufferSize, err = envInt("WS_BUFFER_SIZE", cfg.WSBufferSize); err != nil {
		return cfg, err
	}
	if cfg.HTTPPort, err = envInt("HTTP_PORT", cfg.HTTPPort); err != nil {
		return cfg, err
	}
	if cfg.MetricsPort, err = envInt("METRICS_PORT", cfg.MetricsPort); err != nil {
		return cfg, err
	}
	if path := os.Getenv("WS_PATH"); path != "" {
		cfg.WSPath = path
	}
	if csv := os.Getenv("TRADING_PAIRS_BOOTSTRAP"); csv != "" {
		for _, p := range strings.Split(csv, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.TradingPairsBootstrap = append(cfg.TradingPairsBootstrap, p)
			}
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	if c.LedgerAPIBase == "" {
		return errs.ErrValidation.Wrap("LEDGER_API_BASE is required")
	}
	if c.OperatorPartyID == "" {
		return errs.ErrValidation.Wrap("OPERATOR_PARTY_ID is required")
	}
	if c.PublicPartyID == "" {
		return errs.ErrValidation.Wrap("PUBLIC_PARTY_ID is required")
	}
	// Token auth is optional for local ledgers, but partial credentials are
	// a misconfiguration.
	if c.OAuthTokenURL != "" && (c.OAuthClientID == "" || c.OAuthClientSecret == "") {
		return errs.ErrValidation.Wrap("OAUTH_TOKEN_URL is set but client credentials are incomplete")
	}
	if c.SweepInterval <= 0 {
		return errs.ErrValidation.Wrap("MATCHING_SWEEP_INTERVAL_MS must be positive")
	}
	if c.MaxConflictRetries <= 0 {
		return errs.ErrValidation.Wrap("MATCHING_MAX_CONFLICT_RETRIES must be positive")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return errs.ErrValidation.Wrap("HTTP_PORT out of range")
	}
	if c.WSBufferSize <= 0 {
		return errs.ErrValidation.Wrap("WS_BUFFER_SIZE must be positive")
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.ErrValidation.Wrapf("%s: %q is not an integer", key, raw)
	}
	return n, nil
}

func envMillis(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.ErrValidation.Wrapf("%s: %q is not a millisecond count", key, raw)
	}
	return time.Duration(n) * time.Millisecond, nil
}
