// Package config loads and validates the core's JSON configuration file and
// holds the atomically-swappable snapshot every component reads from.
package config

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"mailcore/core/domain"
)

// ProviderConfig is one provider's configuration block.
type ProviderConfig struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	TimeoutMS int    `json:"timeout_ms"`
	APIKeyRef string `json:"api_key_ref"`
	Enabled   bool   `json:"enabled"`
}

// CircuitBreakerConfig configures the breaker shared by all providers,
// instantiated once per provider.
type CircuitBreakerConfig struct {
	Failures            int  `json:"failures"`
	CooldownMS          int  `json:"cooldown_ms"`
	CountFolderRejected bool `json:"count_folder_rejected"`
}

// CacheConfig configures the smart cache.
type CacheConfig struct {
	Capacity int    `json:"capacity"`
	TTLMS    int    `json:"ttl_ms"`
	RedisURL string `json:"redis_url,omitempty"`
}

// SigningConfig configures HMAC signing of finalized decisions.
type SigningConfig struct {
	Enabled bool   `json:"enabled"`
	KeyRef  string `json:"key_ref,omitempty"`
}

// Config is the fully-parsed, validated process configuration. It lives for
// the process lifetime and is swapped atomically via atomic.Pointer[Config]
// on set_config.
type Config struct {
	Provider      domain.ProviderName        `json:"provider"`
	Providers     map[string]ProviderConfig  `json:"providers"`
	AnalysisMode  string                     `json:"analysis_mode"`
	Thresholds    map[string]float64         `json:"thresholds"`
	RateLimitPerMin float64                  `json:"rate_limit_per_min"`
	CircuitBreaker CircuitBreakerConfig      `json:"circuit_breaker"`
	Cache         CacheConfig                `json:"cache"`
	Signing       SigningConfig              `json:"signing"`
	WorkerMin     int                        `json:"worker_min"`
	WorkerMax     int                        `json:"worker_max"`
	QueueCapacity int                        `json:"queue_capacity"`
}

// Threshold returns the configured threshold for folder, falling back to
// the "default" entry, then 0.5 if neither is present.
func (c *Config) Threshold(folder string) float64 {
	if v, ok := c.Thresholds[folder]; ok {
		return v
	}
	if v, ok := c.Thresholds["default"]; ok {
		return v
	}
	return 0.5
}

// Default returns a conservative, internally-consistent configuration
// suitable when no config file is supplied.
func Default() *Config {
	return &Config{
		Provider:     domain.ProviderOllama,
		Providers: map[string]ProviderConfig{
			"ollama": {Endpoint: "http://localhost:11434", Model: "llama3", TimeoutMS: 30000, Enabled: true},
		},
		AnalysisMode: "standard",
		Thresholds:   map[string]float64{"default": 0.75},
		RateLimitPerMin: 10,
		CircuitBreaker: CircuitBreakerConfig{Failures: 3, CooldownMS: 30000},
		Cache:          CacheConfig{Capacity: 1024, TTLMS: int(time.Hour / time.Millisecond)},
		Signing:        SigningConfig{Enabled: false},
		WorkerMin:      2,
		WorkerMax:      8,
		QueueCapacity:  256,
	}
}

// Load decodes and validates a configuration file from data. Unknown keys
// are rejected to prevent silent drift.
func Load(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	cfg := Default()
	cfg.Thresholds = nil
	cfg.Providers = nil

	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency of cfg.
func Validate(cfg *Config) error {
	if cfg.Provider == "" {
		return fmt.Errorf("config: provider is required")
	}
	pc, ok := cfg.Providers[string(cfg.Provider)]
	if !ok {
		return fmt.Errorf("config: no provider block for selected provider %q", cfg.Provider)
	}
	if pc.Enabled == false {
		return fmt.Errorf("config: selected provider %q is disabled", cfg.Provider)
	}
	if len(cfg.Thresholds) == 0 {
		return fmt.Errorf("config: thresholds must include at least a default")
	}
	for folder, t := range cfg.Thresholds {
		if t < 0 || t > 1 {
			return fmt.Errorf("config: threshold for %q out of [0,1]: %v", folder, t)
		}
	}
	if cfg.RateLimitPerMin <= 0 {
		return fmt.Errorf("config: rate_limit_per_min must be positive")
	}
	if cfg.CircuitBreaker.Failures <= 0 {
		return fmt.Errorf("config: circuit_breaker.failures must be positive")
	}
	if cfg.Cache.Capacity <= 0 {
		return fmt.Errorf("config: cache.capacity must be positive")
	}
	if cfg.Signing.Enabled && cfg.Signing.KeyRef == "" {
		return fmt.Errorf("config: signing.enabled requires signing.key_ref")
	}
	if cfg.WorkerMin <= 0 || cfg.WorkerMax < cfg.WorkerMin {
		return fmt.Errorf("config: invalid worker_min/worker_max")
	}
	return nil
}
