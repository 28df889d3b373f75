package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TierLimits bounds one service tier's admission and prompt-size policy
// (spec.md §4.1's tiers.{free|premium}.* option group).
type TierLimits struct {
	ConcurrencyLimit  int `validate:"gt=0"`
	MaxPromptLength   int `validate:"gt=0"`
	MaxTokensPerRole  int `validate:"gt=0"`
	MaxSynthesisTokens int `validate:"gt=0"`
	RequestsPerHour   int `validate:"gte=0"`
	RequestsPerDay    int `validate:"gte=0"`
	TimeoutMs         int `validate:"gt=0"`
}

type Config struct {
	ListenAddr string `validate:"required"`
	LogLevel   string `validate:"required,oneof=debug info warn error"`

	DBDSN string `validate:"required"`

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	DefaultMode         string `validate:"required"`
	DefaultMaxBudget    float64 `validate:"gte=0"`
	DefaultMaxLatencyMs int     `validate:"gt=0"`

	ProviderTimeoutSecs int `validate:"gt=0"`

	// Ensemble pipeline defaults (spec.md §4.1 ensemble.* option group).
	RetryAttempts   int `validate:"gte=0"`
	RetryDelayMs    int `validate:"gt=0"`

	// Tiers holds the free/premium admission and prompt-size policy.
	Tiers map[string]TierLimits `validate:"required,dive"`

	// Voting / meta-voter defaults (spec.md §4.1 voting.*/meta_voter.* groups).
	MetaVoterModel               string  `validate:"required"`
	MetaVoterMaxTokens           int     `validate:"gt=0"`
	MetaVoterTemperature         float64 `validate:"gte=0"`
	MetaVoterTimeoutSecs         int     `validate:"gt=0"`
	MetaVoterMaxWeightDifference float64 `validate:"gte=0,lte=1"`
	MetaVoterMinConsensusGrade   string  `validate:"required"`

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      `validate:"gt=0"`
	RateLimitBurst int      `validate:"gt=0"`

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// ConfigFile, when set, is watched with fsnotify for hot reload in
	// addition to the SIGHUP path (see config_watch.go).
	ConfigFile string

	// External credentials file (~/.netrc analogue for provider tokens).
	CredentialsFile string

	// ShutdownDrainSecs bounds how long Close() waits for in-flight HTTP
	// requests to finish before forcing shutdown.
	ShutdownDrainSecs int `validate:"gt=0"`

	// PricingRefreshEnabled polls the LiteLLM pricing catalog on an interval
	// and updates model cost-per-token for non-self-hosted providers.
	PricingRefreshEnabled      bool
	PricingRefreshIntervalSecs int `validate:"gt=0"`
}

var validate = validator.New()

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("ENSEMBLE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("ENSEMBLE_LOG_LEVEL", "info"),
		DBDSN:      getEnv("ENSEMBLE_DB_DSN", "file:/data/ensemblehub.sqlite"),

		VaultEnabled:  getEnvBool("ENSEMBLE_VAULT_ENABLED", true),
		VaultPassword: getEnv("ENSEMBLE_VAULT_PASSWORD", ""),

		DefaultMode:         getEnv("ENSEMBLE_DEFAULT_MODE", "normal"),
		DefaultMaxBudget:    getEnvFloat("ENSEMBLE_DEFAULT_MAX_BUDGET_USD", 0.05),
		DefaultMaxLatencyMs: getEnvInt("ENSEMBLE_DEFAULT_MAX_LATENCY_MS", 20000),

		ProviderTimeoutSecs: getEnvInt("ENSEMBLE_PROVIDER_TIMEOUT_SECS", 30),

		RetryAttempts: getEnvInt("ENSEMBLE_RETRY_ATTEMPTS", 2),
		RetryDelayMs:  getEnvInt("ENSEMBLE_RETRY_DELAY_MS", 1000),

		Tiers: map[string]TierLimits{
			"free": {
				ConcurrencyLimit:   getEnvInt("ENSEMBLE_TIER_FREE_CONCURRENCY_LIMIT", 10),
				MaxPromptLength:    getEnvInt("ENSEMBLE_TIER_FREE_MAX_PROMPT_LENGTH", 4000),
				MaxTokensPerRole:   getEnvInt("ENSEMBLE_TIER_FREE_MAX_TOKENS_PER_ROLE", 500),
				MaxSynthesisTokens: getEnvInt("ENSEMBLE_TIER_FREE_MAX_SYNTHESIS_TOKENS", 700),
				RequestsPerHour:    getEnvInt("ENSEMBLE_TIER_FREE_REQUESTS_PER_HOUR", 30),
				RequestsPerDay:     getEnvInt("ENSEMBLE_TIER_FREE_REQUESTS_PER_DAY", 200),
				TimeoutMs:          getEnvInt("ENSEMBLE_TIER_FREE_TIMEOUT_MS", 20000),
			},
			"premium": {
				ConcurrencyLimit:   getEnvInt("ENSEMBLE_TIER_PREMIUM_CONCURRENCY_LIMIT", 50),
				MaxPromptLength:    getEnvInt("ENSEMBLE_TIER_PREMIUM_MAX_PROMPT_LENGTH", 16000),
				MaxTokensPerRole:   getEnvInt("ENSEMBLE_TIER_PREMIUM_MAX_TOKENS_PER_ROLE", 1500),
				MaxSynthesisTokens: getEnvInt("ENSEMBLE_TIER_PREMIUM_MAX_SYNTHESIS_TOKENS", 700),
				RequestsPerHour:    getEnvInt("ENSEMBLE_TIER_PREMIUM_REQUESTS_PER_HOUR", 200),
				RequestsPerDay:     getEnvInt("ENSEMBLE_TIER_PREMIUM_REQUESTS_PER_DAY", 2000),
				TimeoutMs:          getEnvInt("ENSEMBLE_TIER_PREMIUM_TIMEOUT_MS", 45000),
			},
		},

		MetaVoterModel:               getEnv("ENSEMBLE_META_VOTER_MODEL", "gpt-4o-mini"),
		MetaVoterMaxTokens:           getEnvInt("ENSEMBLE_META_VOTER_MAX_TOKENS", 200),
		MetaVoterTemperature:         getEnvFloat("ENSEMBLE_META_VOTER_TEMPERATURE", 0.0),
		MetaVoterTimeoutSecs:         getEnvInt("ENSEMBLE_META_VOTER_TIMEOUT_SECS", 10),
		MetaVoterMaxWeightDifference: getEnvFloat("ENSEMBLE_META_VOTER_MAX_WEIGHT_DIFFERENCE", 0.05),
		MetaVoterMinConsensusGrade:   getEnv("ENSEMBLE_META_VOTER_MIN_CONSENSUS_GRADE", "moderate"),

		AdminToken:     getEnv("ENSEMBLE_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("ENSEMBLE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("ENSEMBLE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("ENSEMBLE_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("ENSEMBLE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("ENSEMBLE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("ENSEMBLE_OTEL_SERVICE_NAME", "ensemblehub"),

		ConfigFile: getEnv("ENSEMBLE_CONFIG_FILE", ""),

		CredentialsFile: getEnv("ENSEMBLE_CREDENTIALS_FILE", defaultCredentialsPath()),

		ShutdownDrainSecs: getEnvInt("ENSEMBLE_SHUTDOWN_DRAIN_SECS", 30),

		PricingRefreshEnabled:      getEnvBool("ENSEMBLE_PRICING_REFRESH_ENABLED", false),
		PricingRefreshIntervalSecs: getEnvInt("ENSEMBLE_PRICING_REFRESH_INTERVAL_SECS", 3600),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings, then runs
// the struct-tag schema validation (go-playground/validator) over the whole
// tree so shape errors in the tier map are caught alongside the hand-written
// checks below.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("ENSEMBLE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("ENSEMBLE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("ENSEMBLE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.DefaultMaxBudget < 0 {
		return fmt.Errorf("ENSEMBLE_DEFAULT_MAX_BUDGET_USD must be >= 0, got %f", c.DefaultMaxBudget)
	}
	if c.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("ENSEMBLE_DEFAULT_MAX_LATENCY_MS must be > 0, got %d", c.DefaultMaxLatencyMs)
	}
	if _, ok := c.Tiers["free"]; !ok {
		return fmt.Errorf("config must define a %q tier", "free")
	}
	if _, ok := c.Tiers["premium"]; !ok {
		return fmt.Errorf("config must define a %q tier", "premium")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config schema validation: %w", err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".ensemblehub", "credentials")
	}
	return ""
}
