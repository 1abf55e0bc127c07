package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognised runtime option. All values have documented
// defaults except MasterKey, which must be supplied or Load fails.
type Config struct {
	Port     string
	LogLevel string

	Execution  ExecutionConfig
	RateLimit  RateLimitConfig
	Quota      QuotaConfig
	KillSwitch KillSwitchConfig
	Validator  ValidatorConfig

	SandboxURL string
	StoreURL   string
	CacheURL   string

	MasterKey string

	// PolicyPath optionally points at a YAML bundle of tenant capability
	// grants and kill-switch alert routing (see policy.go).
	PolicyPath string
}

// ExecutionConfig bounds a single script execution.
type ExecutionConfig struct {
	TimeoutSeconds int
	MemoryMB       int
	MaxConcurrent  int
}

// RateLimitConfig bounds per-tenant execution starts.
type RateLimitConfig struct {
	PerMinute int
}

// QuotaConfig bounds per-tenant monthly execution volume.
type QuotaConfig struct {
	PerMonth int
}

// KillSwitchConfig holds the thresholds that trip the global kill-switch.
type KillSwitchConfig struct {
	MemoryPercent   float64
	CPUPercent      float64
	Concurrent      int
	FailureRate     float64
	ErrorsPerMinute int
	CooldownSeconds int
}

// ValidatorConfig bounds the static validator's policy.
type ValidatorConfig struct {
	MaxLength     int
	MaxComplexity int
	MaxDepth      int
}

func (e ExecutionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (k KillSwitchConfig) Cooldown() time.Duration {
	return time.Duration(k.CooldownSeconds) * time.Second
}

// Load reads configuration from the environment, applying defaults for
// every option except MasterKey.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
		Execution: ExecutionConfig{
			TimeoutSeconds: getEnvInt("EXECUTION_TIMEOUT_S", 30),
			MemoryMB:       getEnvInt("EXECUTION_MEMORY_MB", 128),
			MaxConcurrent:  getEnvInt("EXECUTION_MAX_CONCURRENT", 10),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 100),
		},
		Quota: QuotaConfig{
			PerMonth: getEnvInt("QUOTA_PER_MONTH", 100000),
		},
		KillSwitch: KillSwitchConfig{
			MemoryPercent:   getEnvFloat("KILL_SWITCH_MEMORY_PCT", 80),
			CPUPercent:      getEnvFloat("KILL_SWITCH_CPU_PCT", 85),
			Concurrent:      getEnvInt("KILL_SWITCH_CONCURRENT", 10),
			FailureRate:     getEnvFloat("KILL_SWITCH_FAILURE_RATE", 0.5),
			ErrorsPerMinute: getEnvInt("KILL_SWITCH_ERROR_PER_MIN", 50),
			CooldownSeconds: getEnvInt("KILL_SWITCH_COOLDOWN_S", 300),
		},
		Validator: ValidatorConfig{
			MaxLength:     getEnvInt("VALIDATOR_MAX_LENGTH", 64*1024),
			MaxComplexity: getEnvInt("VALIDATOR_MAX_COMPLEXITY", 15),
			MaxDepth:      getEnvInt("VALIDATOR_MAX_DEPTH", 8),
		},
		SandboxURL: getEnv("SANDBOX_URL", "http://localhost:9090"),
		StoreURL:   getEnv("STORE_URL", "postgres://scriptwarden@localhost:5432/scriptwarden?sslmode=disable"),
		CacheURL:   getEnv("CACHE_URL", "redis://localhost:6379/0"),
		MasterKey:  os.Getenv("MASTER_KEY"),
		PolicyPath: os.Getenv("POLICY_PATH"),
	}

	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("config: MASTER_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
