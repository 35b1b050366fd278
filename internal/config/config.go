// Package config provides configuration management for the signal monitoring
// core. Configuration is loaded from environment variables (.env file) for
// connection-level settings, and from a YAML tunables file for the
// thresholds spec.md §9 calls out as configuration candidates (ML
// acceptance threshold, confidence-jump threshold, cooldown/cap defaults,
// SL/TP multipliers, per-timeframe expiry table).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aristath/fxsignal/internal/domain"
)

// Config holds process-level configuration loaded from the environment.
type Config struct {
	DataDir         string // base directory for all SQLite stores
	TunablesPath    string // path to the YAML tunables file
	PredictorURL    string // remote ML predictor base URL
	UpstreamURL     string // upstream quote-provider base URL
	UpstreamAPIKey  string // upstream quote-provider API key
	RedisAddr       string // optional: CL external cache backend
	S3Bucket        string // optional: reliability backup bucket
	S3Region        string
	S3Endpoint      string // optional: S3-compatible endpoint override (e.g. R2)
	S3AccessKeyID   string // optional: static credentials for non-IAM S3-compatible targets
	S3SecretKey     string
	LogLevel        string
	Port            int
	WorkerPoolSize  int
	DevMode         bool
}

// Load reads configuration from environment variables, resolving DataDir to
// an absolute path and creating it if needed (teacher's config.Load pattern).
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("FX_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:        absDataDir,
		TunablesPath:   getEnv("FX_TUNABLES_PATH", filepath.Join(absDataDir, "tunables.yaml")),
		PredictorURL:   getEnv("FX_PREDICTOR_URL", "http://localhost:9100"),
		UpstreamURL:    getEnv("FX_UPSTREAM_URL", ""),
		UpstreamAPIKey: getEnv("FX_UPSTREAM_API_KEY", ""),
		RedisAddr:      getEnv("FX_REDIS_ADDR", ""),
		S3Bucket:       getEnv("FX_BACKUP_BUCKET", ""),
		S3Region:       getEnv("FX_BACKUP_REGION", "auto"),
		S3Endpoint:     getEnv("FX_BACKUP_S3_ENDPOINT", ""),
		S3AccessKeyID:  getEnv("FX_BACKUP_S3_ACCESS_KEY_ID", ""),
		S3SecretKey:    getEnv("FX_BACKUP_S3_SECRET_KEY", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Port:           getEnvAsInt("FX_PORT", 8090),
		WorkerPoolSize: getEnvAsInt("FX_WORKER_POOL_SIZE", 4),
		DevMode:        getEnvAsBool("FX_DEV_MODE", false),
	}

	return cfg, nil
}

// TimeframeExpiry maps a timeframe to the k multiple used to compute a
// Signal's expires_at (spec §4.2 step 8, e.g. 1h -> 4h).
type TimeframeExpiry struct {
	Timeframe domain.Timeframe `yaml:"timeframe"`
	Multiple  int              `yaml:"multiple"`
}

// Tunables holds the thresholds spec.md §9 flags as configuration
// candidates, with the spec's own stated values shipped as defaults.
type Tunables struct {
	// MLAcceptanceConfidence is the minimum PC confidence required to accept
	// the ML direction over the TA fallback (spec §4.2 step 3, default 0.6).
	MLAcceptanceConfidence float64 `yaml:"ml_acceptance_confidence"`
	// ConfidenceJumpDelta is the minimum |Δconfidence| that qualifies as a
	// confidence_jump transition (spec §4.3, default 0.15).
	ConfidenceJumpDelta float64 `yaml:"confidence_jump_delta"`
	// ATRStopLossMultiplier (k_sl) and MinStopLossPct (p) feed SL distance
	// (spec §4.2 step 5, defaults 1.5 and 0.001).
	ATRStopLossMultiplier float64 `yaml:"atr_stop_loss_multiplier"`
	MinStopLossPct        float64 `yaml:"min_stop_loss_pct"`
	// RiskRewardMultiplier (R) scales SL distance into TP distance (default 2.0).
	RiskRewardMultiplier float64 `yaml:"risk_reward_multiplier"`
	// DefaultCooldown and DefaultDailyCap default to 30min/20 (spec §4.4).
	// DF does not read these fields: internal/delivery applies its own fixed
	// constants of the same values.
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
	DefaultDailyCap int           `yaml:"default_daily_cap"`
	// UpstreamDailyTokenBudget is UF's global token bucket size (spec §4.8, default 800).
	UpstreamDailyTokenBudget int `yaml:"upstream_daily_token_budget"`
	// TimeframeExpiries is the k_tf lookup table (spec §4.2 step 8).
	TimeframeExpiries []TimeframeExpiry `yaml:"timeframe_expiries"`
}

// ExpiryFor returns generatedAt advanced by k_tf * timeframe duration for the
// given timeframe, falling back to a 4x multiple if the table has no entry.
func (t Tunables) ExpiryFor(tf domain.Timeframe, generatedAt time.Time) time.Time {
	for _, e := range t.TimeframeExpiries {
		if e.Timeframe == tf {
			return generatedAt.Add(time.Duration(e.Multiple) * tf.Duration())
		}
	}
	return generatedAt.Add(4 * tf.Duration())
}

// DefaultTunables returns the values spec.md states directly, used both as
// the shipped defaults and as the fallback when no tunables file exists.
func DefaultTunables() Tunables {
	return Tunables{
		MLAcceptanceConfidence:   0.6,
		ConfidenceJumpDelta:      0.15,
		ATRStopLossMultiplier:    1.5,
		MinStopLossPct:           0.001,
		RiskRewardMultiplier:     2.0,
		DefaultCooldown:          30 * time.Minute,
		DefaultDailyCap:          20,
		UpstreamDailyTokenBudget: 800,
		TimeframeExpiries: []TimeframeExpiry{
			{Timeframe: domain.Timeframe1Hour, Multiple: 4},
			{Timeframe: domain.Timeframe1Day, Multiple: 3},
			{Timeframe: domain.Timeframe15Min, Multiple: 4},
			{Timeframe: domain.Timeframe1Week, Multiple: 2},
		},
	}
}

// LoadTunables reads the YAML tunables file at path, falling back to
// DefaultTunables if the file does not exist. An existing-but-malformed
// file is a hard error, so operators notice typos immediately.
func LoadTunables(path string) (Tunables, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultTunables(), nil
	}
	if err != nil {
		return Tunables{}, fmt.Errorf("failed to read tunables file %s: %w", path, err)
	}

	tunables := DefaultTunables()
	if err := yaml.Unmarshal(data, &tunables); err != nil {
		return Tunables{}, fmt.Errorf("failed to parse tunables file %s: %w", path, err)
	}
	return tunables, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
