// Package orchestrator implements the coordination core: the thirteen-step
// single-request pipeline from privacy guard through cache insert, written
// as numbered inline stages of one classify method in the same
// straight-line, early-return staged shape the teacher's classification
// pipeline uses.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"mailcore/config"
	"mailcore/core/domain"
	out "mailcore/core/port/out"
	"mailcore/core/service/calibration"
	"mailcore/core/service/privacy"
	"mailcore/core/service/prompt"
	"mailcore/internal/metrics"
	"mailcore/pkg/apperr"
	"mailcore/pkg/cache"
	"mailcore/pkg/logger"
	latencystats "mailcore/pkg/metrics"
	"mailcore/pkg/ratelimit"
	"mailcore/pkg/resilience"
	"mailcore/pkg/signer"
)

// latencyWindowSize bounds how many recent provider-call samples each
// per-(provider, model) latency tracker keeps for percentile reporting.
const latencyWindowSize = 500

// cacheFingerprintBodyHeadChars bounds how much of the sanitized body
// contributes to the cache fingerprint; the full body would make near-
// identical long emails miss the cache on irrelevant trailing differences.
const cacheFingerprintBodyHeadChars = 500

// providerBinding is the currently active provider and its descriptor,
// swapped atomically by SetProvider on a set_config reload.
type providerBinding struct {
	provider   out.Provider
	descriptor domain.ProviderDescriptor
}

// Orchestrator owns the shared resilience state (breakers, limiter, cache,
// calibrator) and the currently active provider binding. All of its fields
// are safe for concurrent use by multiple worker goroutines; no lock is held
// across provider I/O.
type Orchestrator struct {
	cfg      atomic.Pointer[config.Config]
	provider atomic.Pointer[providerBinding]
	signer   atomic.Pointer[signer.Signer]

	secrets    out.SecretStore
	limiter    *ratelimit.Limiter
	cache      *cache.SmartCache
	calibrator *calibration.Calibrator
	metrics    *metrics.Collector
	latency    *latencystats.LatencyRegistry

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// New constructs an Orchestrator bound to its initial configuration and
// active provider. Signing, if enabled, is wired separately via
// SetSigningKey once the secret store resolves the configured key_ref.
func New(cfg *config.Config, prov out.Provider, desc domain.ProviderDescriptor, secrets out.SecretStore, limiter *ratelimit.Limiter, smartCache *cache.SmartCache, calibrator *calibration.Calibrator, collector *metrics.Collector) *Orchestrator {
	o := &Orchestrator{
		secrets:    secrets,
		limiter:    limiter,
		cache:      smartCache,
		calibrator: calibrator,
		metrics:    collector,
		latency:    latencystats.NewLatencyRegistry(latencyWindowSize),
		breakers:   make(map[string]*resilience.CircuitBreaker),
	}
	o.cfg.Store(cfg)
	o.provider.Store(&providerBinding{provider: prov, descriptor: desc})
	return o
}

// Metrics exposes the shared collector so the stats handler can render a
// Prometheus text snapshot without duplicating orchestrator internals.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// LatencyStats returns per-(provider, model) percentile latency statistics
// gathered from actual provider calls, keyed the same way as the circuit
// breaker map.
func (o *Orchestrator) LatencyStats() map[string]latencystats.LatencyStats {
	return o.latency.AllStats()
}

// Config returns the currently active configuration snapshot.
func (o *Orchestrator) Config() *config.Config {
	return o.cfg.Load()
}

// SetConfig atomically swaps the active configuration. Callers (the
// dispatch loop's set_config handler) are responsible for the
// happens-before guarantee against subsequently dequeued classify frames.
func (o *Orchestrator) SetConfig(cfg *config.Config) {
	o.cfg.Store(cfg)
}

// SetProvider atomically swaps the active provider binding.
func (o *Orchestrator) SetProvider(p out.Provider, desc domain.ProviderDescriptor) {
	o.provider.Store(&providerBinding{provider: p, descriptor: desc})
}

// SetSigningKey enables signing with key, or disables it when key is empty.
func (o *Orchestrator) SetSigningKey(key []byte) {
	if len(key) == 0 {
		o.signer.Store(nil)
		return
	}
	o.signer.Store(signer.New(key))
}

// Calibrator exposes the shared calibrator so the feedback handler can
// record overrides against the same per-(folder, provider) statistics.
func (o *Orchestrator) Calibrator() *calibration.Calibrator {
	return o.calibrator
}

// Cache exposes the shared cache so the stats handler can report its
// hit/miss counters without duplicating orchestrator internals.
func (o *Orchestrator) Cache() *cache.SmartCache {
	return o.cache
}

// BreakerStats returns a snapshot of every breaker created so far, keyed by
// "<provider>/<model>", for the stats frame.
func (o *Orchestrator) BreakerStats() map[string]resilience.Stats {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()
	stats := make(map[string]resilience.Stats, len(o.breakers))
	for k, b := range o.breakers {
		stats[k] = b.Stats()
	}
	return stats
}

// LimiterSnapshot returns the current token count for every bucket created
// so far, for the stats frame.
func (o *Orchestrator) LimiterSnapshot() map[string]float64 {
	return o.limiter.Snapshot(time.Now())
}

func breakerKey(providerName, modelID string) string {
	return providerName + "/" + modelID
}

func (o *Orchestrator) breakerFor(cfg *config.Config, key string) *resilience.CircuitBreaker {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()

	b, ok := o.breakers[key]
	if ok {
		return b
	}
	// A single successful probe closes the circuit: the breaker is speaking
	// for provider health, not voting on it.
	b = resilience.New(&resilience.Config{
		Name:                key,
		FailureThreshold:    cfg.CircuitBreaker.Failures,
		SuccessThreshold:    1,
		Cooldown:            time.Duration(cfg.CircuitBreaker.CooldownMS) * time.Millisecond,
		CountFolderRejected: cfg.CircuitBreaker.CountFolderRejected,
	})
	o.breakers[key] = b
	return b
}

// Classify runs the single-request pipeline in spec order. The only error
// return is a frame-level AppError for step 1's fast-fail path and for a
// body that overflows the privacy guard's hard limit; every other failure
// mode is absorbed into an INBOX_FALLBACK decision with a specific
// rationale tag, per the no-throw contract.
func (o *Orchestrator) Classify(ctx context.Context, req domain.ClassificationRequest) (*domain.ClassificationDecision, *apperr.AppError) {
	return o.classify(ctx, req, o.limiter)
}

// ClassifyWithLimiter runs the same pipeline under an alternate rate
// limiter, for the batch coordinator's relaxed admission budget. Cache,
// breakers, and calibrator are still shared with real-time traffic.
func (o *Orchestrator) ClassifyWithLimiter(ctx context.Context, req domain.ClassificationRequest, limiter *ratelimit.Limiter) (*domain.ClassificationDecision, *apperr.AppError) {
	return o.classify(ctx, req, limiter)
}

func (o *Orchestrator) classify(ctx context.Context, req domain.ClassificationRequest, limiter *ratelimit.Limiter) (*domain.ClassificationDecision, *apperr.AppError) {
	start := time.Now()
	cfg := o.cfg.Load()
	log := logger.ForRequest(req.RequestID, req.MessageID)

	// 1. validate
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// 2. privacy guard
	sanitized, err := privacy.Sanitize(req)
	if err != nil {
		return nil, apperr.New("sanitization_overflow", err.Error())
	}

	binding := o.provider.Load()
	prov := binding.provider
	desc := binding.descriptor
	mode := prompt.AnalysisMode(cfg.AnalysisMode)

	// 3. cache fingerprint / hit short-circuit
	fp := cache.Fingerprint(cache.FingerprintInput{
		SenderNormalized:  sanitized.Sender,
		SubjectNormalized: sanitized.Subject,
		SanitizedBodyHead: runeHead(sanitized.Body, cacheFingerprintBodyHeadChars),
		CandidateFolders:  req.CandidateFolders,
		ProviderName:      string(desc.Name),
		ModelID:           desc.ModelID,
		PromptTemplateVer: prompt.CurrentTemplateVersion,
	})

	if cached, ok := o.cache.Get(ctx, fp); ok {
		o.metrics.CacheHit()
		decision := decodeCachedDecision(cached)
		decision.MessageID = req.MessageID
		decision.LatencyMS = time.Since(start).Milliseconds()
		if s := o.signer.Load(); s != nil {
			decision.Signature = s.Sign(signerSubset(decision, req.MessageID))
		}
		return &decision, nil
	}
	o.metrics.CacheMiss()

	// 4. render prompt
	renderedPrompt, rerr := prompt.Render(sanitized, req.CandidateFolders, mode)
	if rerr != nil {
		log.Error().Err(rerr).Msg("prompt render failed")
		d := o.fallback(domain.RationaleProviderFailed, start, req.MessageID)
		return &d, nil
	}

	admissionKey := breakerKey(string(desc.Name), desc.ModelID)

	// 5. rate limiter
	if !limiter.Allow(admissionKey, time.Now()) {
		o.metrics.RateLimited()
		d := o.fallback(domain.RationaleRateLimited, start, req.MessageID)
		return &d, nil
	}

	// 6. circuit breaker
	cb := o.breakerFor(cfg, admissionKey)
	if allowErr := cb.Allow(); allowErr != nil {
		o.metrics.CircuitOpen()
		d := o.fallback(domain.RationaleCircuitOpen, start, req.MessageID)
		return &d, nil
	}
	o.metrics.Admitted()
	o.metrics.BreakerState(string(desc.Name), desc.ModelID, breakerGaugeValue(cb.State()))

	// 7. provider call
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = time.Duration(desc.TimeoutMS) * time.Millisecond
	}
	callStart := time.Now()
	result, callErr := prov.Classify(ctx, renderedPrompt, req.CandidateFolders, timeout)
	callElapsed := time.Since(callStart)
	o.metrics.ProviderCall(string(desc.Name), desc.ModelID, callElapsed.Seconds())
	o.latency.Record(admissionKey, callElapsed)
	if callErr != nil {
		class := classifyProviderFailure(callErr)
		cb.Report(class)
		o.metrics.ProviderError(string(desc.Name), desc.ModelID, failureClassLabel(class))
		o.metrics.BreakerState(string(desc.Name), desc.ModelID, breakerGaugeValue(cb.State()))
		log.Warn().Err(callErr).Str("provider", string(desc.Name)).Msg("provider classify failed")
		d := o.fallback(domain.RationaleProviderFailed, start, req.MessageID)
		return &d, nil
	}

	// 8. folder validation
	if !containsFolder(req.CandidateFolders, result.Folder) {
		class := resilience.FailureNone
		if cb.CountFolderRejected() {
			class = resilience.FailureTransient
		}
		cb.Report(class)
		d := o.fallback(domain.RationaleFolderRejected, start, req.MessageID)
		return &d, nil
	}
	cb.Report(resilience.FailureNone)

	decision := domain.ClassificationDecision{
		MessageID:    req.MessageID,
		TargetFolder: result.Folder,
		Confidence:   result.Confidence,
		RationaleTag: domain.RationaleModelDecided,
		ProviderName: string(desc.Name),
		ModelName:    desc.ModelID,
	}

	// 9. threshold policy. The calibrator's advice is not consulted here;
	// the configured threshold alone decides accept/reject.
	threshold := cfg.Threshold(decision.TargetFolder)
	if decision.Confidence < threshold {
		d := o.fallback(domain.RationaleThresholdRejected, start, req.MessageID)
		return &d, nil
	}

	// 10. calibrator stats
	o.calibrator.RecordAccepted(decision.TargetFolder, decision.ProviderName)

	// 11. signing
	if s := o.signer.Load(); s != nil {
		decision.Signature = s.Sign(signerSubset(decision, req.MessageID))
	}

	decision.LatencyMS = time.Since(start).Milliseconds()

	// 12. cache insert (fallback decisions never reach this line)
	o.cache.Put(ctx, fp, domain.CachedDecision{
		TargetFolder: decision.TargetFolder,
		Confidence:   decision.Confidence,
		RationaleTag: decision.RationaleTag,
		ProviderName: decision.ProviderName,
		ModelName:    decision.ModelName,
	}, time.Duration(cfg.Cache.TTLMS)*time.Millisecond)

	// 13. emit
	o.metrics.Decision(string(decision.RationaleTag))
	return &decision, nil
}

func validateRequest(req domain.ClassificationRequest) *apperr.AppError {
	if req.MessageID == "" {
		return apperr.InvalidRequest("message_id is required")
	}
	if len(req.CandidateFolders) == 0 {
		return apperr.InvalidRequest("candidate_folders must be non-empty")
	}
	return nil
}

func containsFolder(folders []string, target string) bool {
	for _, f := range folders {
		if f == target {
			return true
		}
	}
	return false
}

// classifyProviderFailure maps a provider adapter error onto the breaker's
// three-way failure classification.
func classifyProviderFailure(err error) resilience.FailureClass {
	var pErr *out.ProviderError
	if errors.As(err, &pErr) {
		switch pErr.Kind {
		case out.FailureTransient, out.FailureRateLimitedRemote:
			return resilience.FailureTransient
		case out.FailureTimeout:
			return resilience.FailureTimeout
		case out.FailurePermanent:
			return resilience.FailurePermanent
		}
	}
	return resilience.FailureTransient
}

func (o *Orchestrator) fallback(tag domain.RationaleTag, start time.Time, messageID string) domain.ClassificationDecision {
	o.metrics.Decision(string(tag))
	return domain.ClassificationDecision{
		MessageID:    messageID,
		TargetFolder: domain.InboxFallback,
		RationaleTag: tag,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
}

// breakerGaugeValue maps a CircuitState onto the stats/metrics numeric scale.
func breakerGaugeValue(s resilience.CircuitState) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}

func failureClassLabel(c resilience.FailureClass) string {
	switch c {
	case resilience.FailureTransient:
		return "transient"
	case resilience.FailureTimeout:
		return "timeout"
	case resilience.FailurePermanent:
		return "permanent"
	default:
		return "none"
	}
}

func signerSubset(d domain.ClassificationDecision, messageID string) signer.Subset {
	return signer.Subset{
		TargetFolder: d.TargetFolder,
		Confidence:   d.Confidence,
		ProviderName: d.ProviderName,
		ModelName:    d.ModelName,
		MessageID:    messageID,
	}
}

// decodeCachedDecision normalizes a cache hit into a ClassificationDecision.
// A local LRU hit returns the domain.CachedDecision value as stored; a
// fall-through hit on the Redis persistence tier returns it decoded from
// JSON as a generic map, so both paths are normalized through a re-marshal.
func decodeCachedDecision(raw any) domain.ClassificationDecision {
	var cd domain.CachedDecision
	if c, ok := raw.(domain.CachedDecision); ok {
		cd = c
	} else {
		b, _ := json.Marshal(raw)
		_ = json.Unmarshal(b, &cd)
	}
	return domain.ClassificationDecision{
		TargetFolder: cd.TargetFolder,
		Confidence:   cd.Confidence,
		RationaleTag: domain.RationaleCacheHit,
		ProviderName: cd.ProviderName,
		ModelName:    cd.ModelName,
	}
}

func runeHead(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
