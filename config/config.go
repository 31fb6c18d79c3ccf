// Package config loads service settings from .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LedgerModeRPC    = "rpc"
	LedgerModeMemory = "memory"
)

type Config struct {
	Port           string
	DatabaseURL    string
	GatewayToken   string
	AllowedOrigins string
	AdminIDs       []string
	DashboardURL   string

	LedgerMode        string
	LedgerRPCURL      string
	LedgerRPCToken    string
	EscrowProgramID   string
	TokenMint         string
	LedgerCallTimeout time.Duration
	LedgerConfirmPoll time.Duration

	GitHubAPIURL        string
	GitHubAppID         string
	GitHubPrivateKey    string
	GitHubWebhookSecret string
	TrackerRatePerSec   float64

	SyncServiceURL   string
	SyncServiceToken string
	AuthServiceURL   string
	AuthServiceToken string

	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration

	R2 R2Config

	LogFile      string
	LogMaxSizeMB int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
}

// Enabled reports whether all R2 settings are present.
func (r R2Config) Enabled() bool {
	return r.AccountID != "" && r.AccessKeyID != "" && r.AccessKeySecret != "" && r.Bucket != ""
}

// Load reads .env (if present) and the environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}
	cfg := &Config{
		Port:           p.str("PORT", "5300"),
		DatabaseURL:    p.str("DATABASE_URL", ""),
		GatewayToken:   p.str("BOUNTY_SERVICE_TOKEN", ""),
		AllowedOrigins: p.str("ALLOWED_ORIGINS", "http://localhost:3000"),
		AdminIDs:       p.list("ADMIN_IDENTITIES"),
		DashboardURL:   strings.TrimRight(p.str("DASHBOARD_URL", ""), "/"),

		LedgerMode:        strings.ToLower(p.str("LEDGER_MODE", LedgerModeRPC)),
		LedgerRPCURL:      p.str("LEDGER_RPC_URL", ""),
		LedgerRPCToken:    p.str("LEDGER_RPC_TOKEN", ""),
		EscrowProgramID:   p.str("ESCROW_PROGRAM_ID", ""),
		TokenMint:         p.str("TOKEN_MINT", ""),
		LedgerCallTimeout: p.duration("LEDGER_CALL_TIMEOUT", 30*time.Second),
		LedgerConfirmPoll: p.duration("LEDGER_CONFIRM_POLL", 500*time.Millisecond),

		GitHubAPIURL:        p.str("GITHUB_API_URL", "https://api.github.com"),
		GitHubAppID:         p.str("GITHUB_APP_ID", ""),
		GitHubPrivateKey:    p.str("GITHUB_APP_PRIVATE_KEY", ""),
		GitHubWebhookSecret: p.str("GITHUB_WEBHOOK_SECRET", ""),
		TrackerRatePerSec:   p.float("TRACKER_RATE_PER_SEC", 5),

		SyncServiceURL:   p.str("SYNC_SERVICE_URL", ""),
		SyncServiceToken: p.str("SYNC_SERVICE_TOKEN", ""),
		AuthServiceURL:   p.str("AUTH_SERVICE_URL", ""),
		AuthServiceToken: p.str("AUTH_SERVICE_TOKEN", ""),

		ReconcileInterval:   p.duration("RECONCILE_INTERVAL", time.Minute),
		ReconcileStaleAfter: p.duration("RECONCILE_STALE_AFTER", 2*time.Minute),

		R2: R2Config{
			AccountID:       p.str("CLOUDFLARE_ACCOUNT_ID", ""),
			AccessKeyID:     p.str("R2_ACCESS_KEY_ID", ""),
			AccessKeySecret: p.str("R2_ACCESS_KEY_SECRET", ""),
			Bucket:          p.str("R2_BUCKET_NAME", ""),
		},

		LogFile:      p.str("LOG_FILE", ""),
		LogMaxSizeMB: p.int("LOG_MAX_SIZE_MB", 100),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.GatewayToken == "" {
		errs = append(errs, errors.New("BOUNTY_SERVICE_TOKEN is required"))
	}
	switch c.LedgerMode {
	case LedgerModeMemory:
	case LedgerModeRPC:
		if c.LedgerRPCURL == "" {
			errs = append(errs, errors.New("LEDGER_RPC_URL is required when LEDGER_MODE=rpc"))
		}
		if c.EscrowProgramID == "" || c.TokenMint == "" {
			errs = append(errs, errors.New("ESCROW_PROGRAM_ID and TOKEN_MINT are required when LEDGER_MODE=rpc"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_MODE must be %q or %q, got %q", LedgerModeRPC, LedgerModeMemory, c.LedgerMode))
	}
	if (c.GitHubAppID == "") != (c.GitHubPrivateKey == "") {
		errs = append(errs, errors.New("GITHUB_APP_ID and GITHUB_APP_PRIVATE_KEY must be set together"))
	}
	if c.TrackerRatePerSec <= 0 {
		errs = append(errs, errors.New("TRACKER_RATE_PER_SEC must be positive"))
	}
	if c.ReconcileInterval <= 0 || c.ReconcileStaleAfter <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL and RECONCILE_STALE_AFTER must be positive"))
	}
	// an operation younger than one ledger call may still be in flight
	if c.ReconcileStaleAfter <= c.LedgerCallTimeout {
		errs = append(errs, fmt.Errorf("RECONCILE_STALE_AFTER (%s) must be greater than LEDGER_CALL_TIMEOUT (%s)", c.ReconcileStaleAfter, c.LedgerCallTimeout))
	}
	return errors.Join(errs...)
}

// GitHubEnabled reports whether the GitHub App client can be built.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubAppID != "" && c.GitHubPrivateKey != ""
}

// SetupLogging routes the standard logger to stdout, teed with a rotating
// file when LOG_FILE is set. The returned closer flushes the file.
func SetupLogging(c *Config) io.Closer {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if c.LogFile == "" {
		log.SetOutput(os.Stdout)
		return io.NopCloser(nil)
	}
	rotator := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator
}

type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(p.getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(fmt.Errorf("%s: invalid duration %q", key, raw))
		return def
	}
	return d
}

func (p *parser) int(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(fmt.Errorf("%s: invalid integer %q", key, raw))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(fmt.Errorf("%s: invalid number %q", key, raw))
		return def
	}
	return f
}

func (p *parser) fail(err error) {
	p.err = errors.Join(p.err, err)
}
