package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/usage"
)

// Config holds the callguard configuration.
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Health       HealthConfig       `yaml:"health"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Streaming    StreamingConfig    `yaml:"streaming"`
	Provider     ProviderConfig     `yaml:"provider"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	// APIKeys maps each bearer key to the user id it is admitted and billed as.
	APIKeys map[string]string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// Coordination store drivers.
const (
	DriverRedis  = "redis"
	DriverValkey = "valkey"
	DriverMemory = "memory"
)

// CoordinationConfig holds shared coordination store settings.
type CoordinationConfig struct {
	Driver           string   `yaml:"driver"` // redis, valkey, memory (default: redis)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	KeyPrefix        string   `yaml:"key_prefix"`
}

// LedgerConfig holds durable usage ledger settings.
type LedgerConfig struct {
	Driver             string `yaml:"driver"` // postgres, sqlite (default: sqlite)
	DSN                string `yaml:"dsn"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_sec"`
	SlowThresholdMs    int    `yaml:"slow_threshold_ms"`
	AutoMigrate        *bool  `yaml:"auto_migrate"` // default: true
}

// HealthConfig holds coordination health monitor settings. Zero values use the monitor defaults.
type HealthConfig struct {
	PollIntervalMs       int `yaml:"poll_interval_ms"`
	PingTimeoutMs        int `yaml:"ping_timeout_ms"`
	YellowThresholdMs    int `yaml:"yellow_threshold_ms"`
	RedThresholdMs       int `yaml:"red_threshold_ms"`
	InnerYellowMs        int `yaml:"inner_yellow_threshold_ms"`
	RedPolls             int `yaml:"red_polls"`
	SustainedYellowPolls int `yaml:"sustained_yellow_polls"`
	RecoveryPolls        int `yaml:"recovery_polls"`
}

// BreakerConfig holds per-service circuit breaker settings, keyed by service type.
type BreakerConfig struct {
	SnapshotTTLMs int                             `yaml:"snapshot_ttl_ms"`
	Services      map[string]BreakerServiceConfig `yaml:"services"`
}

// BreakerServiceConfig overrides breaker defaults for one service. Zero fields keep the default.
type BreakerServiceConfig struct {
	FailureThreshold int64 `yaml:"failure_threshold"`
	SuccessThreshold int64 `yaml:"success_threshold"`
	TimeoutMs        int   `yaml:"timeout_ms"`
	BaseDelayMs      int   `yaml:"base_delay_ms"`
	MaxDelayMs       int   `yaml:"max_delay_ms"`
	JitterMs         int   `yaml:"jitter_ms"`
}

// AdmissionConfig holds rate limit, quota, and cost settings.
type AdmissionConfig struct {
	// Limits is keyed by "global" or a service type.
	Limits      map[string]LimitConfig `yaml:"limits"`
	DefaultTier string                 `yaml:"default_tier"`
	// Tiers replaces the built-in limits of the named tiers. -1 means unlimited.
	Tiers    map[string]TierConfig  `yaml:"tiers"`
	Ceilings CeilingsConfig         `yaml:"ceilings"`
	Pricing  map[string]PriceConfig `yaml:"pricing"`
}

// LimitConfig is a fixed-window limit in normal mode.
type LimitConfig struct {
	Points           int64 `yaml:"points"`
	DurationSec      int   `yaml:"duration_sec"`
	BlockDurationSec int   `yaml:"block_duration_sec"`
}

// TierConfig holds quota limits of one tier.
type TierConfig struct {
	DailyVoiceMinutes     int64 `yaml:"daily_voice_minutes"`
	MonthlyTTSCharacters  int64 `yaml:"monthly_tts_characters"`
	MonthlyLLMCalls       int64 `yaml:"monthly_llm_calls"`
	MonthlyEmbeddingCalls int64 `yaml:"monthly_embedding_calls"`
}

// CeilingsConfig holds spend ceilings in minor currency units. 0 = off.
type CeilingsConfig struct {
	UserHourly   int64 `yaml:"user_hourly"`
	UserDaily    int64 `yaml:"user_daily"`
	GlobalHourly int64 `yaml:"global_hourly"`
	GlobalDaily  int64 `yaml:"global_daily"`
}

// PriceConfig is the price of one service in minor currency units.
type PriceConfig struct {
	MinorPer1K int64 `yaml:"minor_per_1k"`
	Estimate   int64 `yaml:"estimate"`
}

// StreamingConfig holds safety-gated streaming settings. Zero values use the defaults.
type StreamingConfig struct {
	FlushChars      int    `yaml:"flush_chars"`
	MaxUnsafeChunks int    `yaml:"max_unsafe_chunks"`
	QueueSize       int    `yaml:"queue_size"`
	FallbackMessage string `yaml:"fallback_message"`
}

// ProviderConfig holds the OpenAI-compatible upstream settings.
type ProviderConfig struct {
	Name               string `yaml:"name"`
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	ChatModel          string `yaml:"chat_model"`
	EmbeddingModel     string `yaml:"embedding_model"`
	Dimensions         int    `yaml:"dimensions"`
	TranscriptionModel string `yaml:"transcription_model"`
	SpeechModel        string `yaml:"speech_model"`
	ModerationModel    string `yaml:"moderation_model"`
	User               string `yaml:"user"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (Config, error) {
	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Coordination.Driver == "" {
		c.Coordination.Driver = DriverRedis
	}
	if c.Coordination.ReadinessTimeout <= 0 {
		c.Coordination.ReadinessTimeout = 10
	}
	if c.Coordination.KeyPrefix == "" {
		c.Coordination.KeyPrefix = "callguard:"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
	if c.Ledger.SlowThresholdMs <= 0 {
		c.Ledger.SlowThresholdMs = 200
	}
	if c.Ledger.AutoMigrate == nil {
		on := true
		c.Ledger.AutoMigrate = &on
	}
	if c.Admission.DefaultTier == "" {
		c.Admission.DefaultTier = string(usage.TierFree)
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	if c.Provider.ChatModel == "" {
		c.Provider.ChatModel = "gpt-4o-mini"
	}
	if c.Provider.EmbeddingModel == "" {
		c.Provider.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Provider.TranscriptionModel == "" {
		c.Provider.TranscriptionModel = "whisper-1"
	}
	if c.Provider.SpeechModel == "" {
		c.Provider.SpeechModel = "tts-1"
	}
	if c.Provider.ModerationModel == "" {
		c.Provider.ModerationModel = "text-moderation-latest"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Coordination.Driver {
	case DriverRedis, DriverValkey:
		if len(c.Coordination.Addrs) == 0 {
			return fmt.Errorf("coordination.addrs is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("coordination.driver must be redis, valkey or memory, got %q", c.Coordination.Driver)
	}

	switch c.Ledger.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("ledger.driver must be postgres or sqlite, got %q", c.Ledger.Driver)
	}
	if c.Ledger.DSN == "" {
		return fmt.Errorf("ledger.dsn is required")
	}

	var errs []error
	for name := range c.Breaker.Services {
		if _, err := domain.ParseServiceType(name); err != nil {
			errs = append(errs, fmt.Errorf("breaker.services.%s: %w", name, err))
		}
	}
	for name, l := range c.Admission.Limits {
		if name != "global" {
			if _, err := domain.ParseServiceType(name); err != nil {
				errs = append(errs, fmt.Errorf("admission.limits.%s: %w", name, err))
			}
		}
		if l.Points < 0 || l.DurationSec < 0 || l.BlockDurationSec < 0 {
			errs = append(errs, fmt.Errorf("admission.limits.%s: values must be >= 0", name))
		}
	}
	for name := range c.Admission.Pricing {
		if _, err := domain.ParseServiceType(name); err != nil {
			errs = append(errs, fmt.Errorf("admission.pricing.%s: %w", name, err))
		}
	}
	for name := range c.Admission.Tiers {
		if _, err := usage.ParseTier(name); err != nil {
			errs = append(errs, fmt.Errorf("admission.tiers.%s: %w", name, err))
		}
	}
	if _, err := usage.ParseTier(c.Admission.DefaultTier); err != nil {
		errs = append(errs, fmt.Errorf("admission.default_tier: %w", err))
	}
	for key, user := range c.Auth.APIKeys {
		if key == "" || strings.TrimSpace(user) == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys: every key needs a non-empty user id"))
			break
		}
	}
	return errors.Join(errs...)
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
