package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcore/config"
	"mailcore/core/domain"
	out "mailcore/core/port/out"
	"mailcore/core/service/calibration"
	"mailcore/internal/metrics"
	"mailcore/pkg/cache"
	"mailcore/pkg/ratelimit"
)

type fakeProvider struct {
	name   string
	model  string
	result out.ClassifyResult
	err    error
	calls  int
}

func (p *fakeProvider) Name() string    { return p.name }
func (p *fakeProvider) ModelID() string { return p.model }
func (p *fakeProvider) Classify(ctx context.Context, prompt string, folders []string, timeout time.Duration) (out.ClassifyResult, error) {
	p.calls++
	return p.result, p.err
}
func (p *fakeProvider) HealthCheck(ctx context.Context) (out.HealthStatus, string) {
	return out.HealthOK, ""
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Thresholds = map[string]float64{"default": 0.6}
	cfg.RateLimitPerMin = 600 // generous, so only explicit tests exhaust it
	return cfg
}

func newTestOrchestrator(t *testing.T, prov out.Provider, cfg *config.Config) *Orchestrator {
	t.Helper()
	desc := domain.ProviderDescriptor{Name: "ollama", ModelID: "llama3", Timeout: time.Second}
	limiter := ratelimit.NewLimiter(&ratelimit.Config{Capacity: cfg.RateLimitPerMin, RefillRate: cfg.RateLimitPerMin / 60.0})
	smartCache := cache.New(cache.Options{Capacity: 16, DefaultTTL: time.Hour})
	calibrator := calibration.New(50)
	return New(cfg, prov, desc, nil, limiter, smartCache, calibrator, metrics.New())
}

func baseRequest() domain.ClassificationRequest {
	return domain.ClassificationRequest{
		RequestID:        "req-1",
		MessageID:        "msg-1",
		Subject:          "Invoice attached",
		Sender:           "billing@example.com",
		Body:             "Please find your invoice attached.",
		CandidateFolders: []string{"Finance", "Personal"},
	}
}

func TestClassify_AcceptsAboveThreshold(t *testing.T) {
	prov := &fakeProvider{name: "ollama", model: "llama3", result: out.ClassifyResult{Folder: "Finance", Confidence: 0.9}}
	o := newTestOrchestrator(t, prov, testConfig())

	decision, appErr := o.Classify(context.Background(), baseRequest())
	require.Nil(t, appErr)
	assert.Equal(t, "Finance", decision.TargetFolder)
	assert.Equal(t, domain.RationaleModelDecided, decision.RationaleTag)
	assert.Equal(t, 1, prov.calls)
}

func TestClassify_ThresholdRejectedFallsBackWithoutCaching(t *testing.T) {
	prov := &fakeProvider{name: "ollama", model: "llama3", result: out.ClassifyResult{Folder: "Finance", Confidence: 0.4}}
	o := newTestOrchestrator(t, prov, testConfig())

	decision, appErr := o.Classify(context.Background(), baseRequest())
	require.Nil(t, appErr)
	assert.Equal(t, domain.InboxFallback, decision.TargetFolder)
	assert.Equal(t, domain.RationaleThresholdRejected, decision.RationaleTag)

	// A second identical call must miss the cache and re-invoke the
	// provider, since fallback decisions are never written to cache.
	_, appErr = o.Classify(context.Background(), baseRequest())
	require.Nil(t, appErr)
	assert.Equal(t, 2, prov.calls)
}

func TestClassify_FolderRejectedFallsBack(t *testing.T) {
	prov := &fakeProvider{name: "ollama", model: "llama3", result: out.ClassifyResult{Folder: "NotAllowed", Confidence: 0.9}}
	o := newTestOrchestrator(t, prov, testConfig())

	decision, appErr := o.Classify(context.Background(), baseRequest())
	require.Nil(t, appErr)
	assert.Equal(t, domain.InboxFallback, decision.TargetFolder)
	assert.Equal(t, domain.RationaleFolderRejected, decision.RationaleTag)
}

func TestClassify_CacheHitSkipsProviderCall(t *testing.T) {
	prov := &fakeProvider{name: "ollama", model: "llama3", result: out.ClassifyResult{Folder: "Finance", Confidence: 0.9}}
	o := newTestOrchestrator(t, prov, testConfig())

	_, appErr := o.Classify(context.Background(), baseRequest())
	require.Nil(t, appErr)
	require.Equal(t, 1, prov.calls)

	decision, appErr := o.Classify(context.Background(), baseRequest())
	require.Nil(t, appErr)
	assert.Equal(t, domain.RationaleCacheHit, decision.RationaleTag)
	assert.Equal(t, 1, prov.calls, "cache hit must not invoke the provider again")
}

func TestClassify_RateLimitedFallsBack(t *testing.T) {
	prov := &fakeProvider{name: "ollama", model: "llama3", result: out.ClassifyResult{Folder: "Finance", Confidence: 0.9}}
	cfg := testConfig()
	cfg.RateLimitPerMin = 1
	o := newTestOrchestrator(t, prov, cfg)
	// Swap in a zero-capacity, non-refilling limiter so no token is ever
	// available.
	o.limiter = ratelimit.NewLimiter(&ratelimit.Config{Capacity: 0, RefillRate: 0})

	decision, appErr := o.Classify(context.Background(), baseRequest())
	require.Nil(t, appErr)
	assert.Equal(t, domain.RationaleRateLimited, decision.RationaleTag)
	assert.Equal(t, 0, prov.calls)
}

func TestClassify_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	prov := &fakeProvider{name: "ollama", model: "llama3", err: &out.ProviderError{Kind: out.FailureTimeout, Message: "timeout"}}
	cfg := testConfig()
	cfg.CircuitBreaker.Failures = 3
	o := newTestOrchestrator(t, prov, cfg)

	var last *domain.ClassificationDecision
	for i := 0; i < 3; i++ {
		req := baseRequest()
		req.MessageID = req.MessageID + string(rune('a'+i))
		d, appErr := o.Classify(context.Background(), req)
		require.Nil(t, appErr)
		last = d
	}
	assert.Equal(t, domain.RationaleProviderFailed, last.RationaleTag)
	assert.Equal(t, 3, prov.calls)

	// The fourth call should fail fast on the now-open breaker without
	// invoking the provider again.
	req := baseRequest()
	req.MessageID = "msg-fourth"
	d, appErr := o.Classify(context.Background(), req)
	require.Nil(t, appErr)
	assert.Equal(t, domain.RationaleCircuitOpen, d.RationaleTag)
	assert.Equal(t, 3, prov.calls)
}

func TestClassify_InvalidRequestReturnsAppError(t *testing.T) {
	prov := &fakeProvider{name: "ollama", model: "llama3"}
	o := newTestOrchestrator(t, prov, testConfig())

	req := baseRequest()
	req.MessageID = ""
	decision, appErr := o.Classify(context.Background(), req)
	assert.Nil(t, decision)
	require.NotNil(t, appErr)
	assert.Equal(t, "invalid_request", appErr.Code)
}
