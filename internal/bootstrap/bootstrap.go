// Package bootstrap assembles the process's components from a loaded
// Config: the secret store, the initial provider adapter, the shared
// resilience state, and the orchestrator and dispatch loop that sit on top
// of them. main.go calls New once at startup; internal/dispatch's
// set_config handler repeats the provider-construction half of this on
// every reload.
package bootstrap

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mailcore/adapter/out/provider"
	"mailcore/config"
	"mailcore/core/domain"
	out "mailcore/core/port/out"
	"mailcore/core/service/batch"
	"mailcore/core/service/calibration"
	"mailcore/core/service/orchestrator"
	"mailcore/internal/dispatch"
	"mailcore/internal/metrics"
	"mailcore/pkg/cache"
	"mailcore/pkg/ratelimit"
	"mailcore/pkg/secretstore"
)

// calibratorWindowSize bounds how many recent outcomes the calibrator keeps
// per (folder, provider) pair.
const calibratorWindowSize = 200

// ErrSigningKeyUnavailable distinguishes a failed signing-key resolution at
// startup from every other configuration failure, so main.go can exit 3
// instead of the generic "configuration rejected" exit 2.
var ErrSigningKeyUnavailable = errors.New("bootstrap: signing key unavailable")

// Options carries the startup-only settings that never come from the
// reloadable Config: where the secret store lives and what master key
// protects it.
type Options struct {
	Config           *config.Config
	SecretStorePath  string
	SecretMasterKey  []byte
	Logger           zerolog.Logger
}

// App holds every top-level component main.go needs to run and stop the
// process.
type App struct {
	Orchestrator *orchestrator.Orchestrator
	Batches      *batch.Coordinator
	Dispatch     *dispatch.Dispatch
	Secrets      out.SecretStore
}

// New wires an App from opts. It resolves the initial provider's API key
// (if any), builds the shared cache/limiter/breaker/calibrator state, and
// constructs the batch coordinator and dispatch loop on top of the same
// orchestrator instance real-time traffic uses.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	log := opts.Logger

	secrets, err := secretstore.Open(opts.SecretStorePath, opts.SecretMasterKey)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open secret store: %w", err)
	}

	desc, err := providerDescriptor(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	prov, err := provider.New(desc, secrets)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: construct provider: %w", err)
	}

	smartCache, err := buildCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build cache: %w", err)
	}

	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Capacity:   cfg.RateLimitPerMin,
		RefillRate: cfg.RateLimitPerMin / 60.0,
	})
	calibrator := calibration.New(calibratorWindowSize)
	collector := metrics.New()

	orch := orchestrator.New(cfg, prov, desc, secrets, limiter, smartCache, calibrator, collector)

	if cfg.Signing.Enabled {
		key, err := secrets.Get(cfg.Signing.KeyRef)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %q: %s", ErrSigningKeyUnavailable, cfg.Signing.KeyRef, err)
		}
		orch.SetSigningKey(key)
	}

	batches, err := batch.New(orch, &ratelimit.Config{
		Capacity:   cfg.RateLimitPerMin,
		RefillRate: cfg.RateLimitPerMin / 60.0,
	}, batch.DefaultConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: start batch coordinator: %w", err)
	}

	d := dispatch.New(orch, batches, secrets, dispatch.Config{
		QueueCapacity: cfg.QueueCapacity,
		WorkerMin:     cfg.WorkerMin,
		WorkerMax:     cfg.WorkerMax,
		ShutdownGrace: 5 * time.Second,
	}, log)

	return &App{Orchestrator: orch, Batches: batches, Dispatch: d, Secrets: secrets}, nil
}

func providerDescriptor(cfg *config.Config) (domain.ProviderDescriptor, error) {
	pc, ok := cfg.Providers[string(cfg.Provider)]
	if !ok {
		return domain.ProviderDescriptor{}, fmt.Errorf("no provider block for %q", cfg.Provider)
	}
	return domain.ProviderDescriptor{
		Name:      cfg.Provider,
		Endpoint:  pc.Endpoint,
		ModelID:   pc.Model,
		TimeoutMS: pc.TimeoutMS,
		APIKeyRef: pc.APIKeyRef,
		Enabled:   pc.Enabled,
	}, nil
}

// buildCache wires a Redis write-through persistence tier when the config
// names one, following the same optional-backing-store shape as the
// teacher's cache layer.
func buildCache(cfg *config.Config) (*cache.SmartCache, error) {
	var persist cache.Persistence
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		persist = cache.NewRedisCache(redis.NewClient(opts))
	}
	return cache.New(cache.Options{
		Capacity:   cfg.Cache.Capacity,
		DefaultTTL: time.Duration(cfg.Cache.TTLMS) * time.Millisecond,
		Persist:    persist,
	}), nil
}
