package batch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailcore/config"
	"mailcore/core/domain"
	out "mailcore/core/port/out"
	"mailcore/core/service/calibration"
	"mailcore/core/service/orchestrator"
	"mailcore/internal/metrics"
	"mailcore/pkg/cache"
	"mailcore/pkg/ratelimit"
)

type okProvider struct{}

func (okProvider) Name() string    { return "ollama" }
func (okProvider) ModelID() string { return "llama3" }
func (okProvider) Classify(ctx context.Context, prompt string, folders []string, timeout time.Duration) (out.ClassifyResult, error) {
	return out.ClassifyResult{Folder: folders[0], Confidence: 0.9}, nil
}
func (okProvider) HealthCheck(ctx context.Context) (out.HealthStatus, string) { return out.HealthOK, "" }

func testOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	cfg := config.Default()
	cfg.Thresholds = map[string]float64{"default": 0.5}
	desc := domain.ProviderDescriptor{Name: "ollama", ModelID: "llama3", Timeout: time.Second}
	limiter := ratelimit.NewLimiter(&ratelimit.Config{Capacity: 10, RefillRate: 1})
	smartCache := cache.New(cache.Options{Capacity: 16, DefaultTTL: time.Hour})
	return orchestrator.New(cfg, okProvider{}, desc, nil, limiter, smartCache, calibration.New(50), metrics.New())
}

func TestCoordinator_StartAndStatusLifecycle(t *testing.T) {
	orch := testOrchestrator(t)
	coord, err := New(orch, &ratelimit.Config{Capacity: 10, RefillRate: 1}, Config{MaxWorkers: 2, QueueSize: 8, WorkerID: 1}, zerolog.Nop())
	require.NoError(t, err)
	defer coord.Stop(time.Second)

	reqs := []domain.ClassificationRequest{
		{MessageID: "m1", CandidateFolders: []string{"Finance"}},
		{MessageID: "m2", CandidateFolders: []string{"Personal"}},
	}
	batchID, err := coord.Start(reqs)
	require.NoError(t, err)
	assert.NotEmpty(t, batchID)

	require.Eventually(t, func() bool {
		job, ok := coord.Status(batchID)
		if !ok {
			return false
		}
		_, _, completed, failed := job.Snapshot()
		return completed+failed == len(reqs)
	}, 2*time.Second, 10*time.Millisecond)

	job, ok := coord.Status(batchID)
	require.True(t, ok)
	_, _, completed, failed := job.Snapshot()
	assert.Equal(t, len(reqs), completed)
	assert.Equal(t, 0, failed)
}

func TestCoordinator_UnknownBatchIDNotFound(t *testing.T) {
	orch := testOrchestrator(t)
	coord, err := New(orch, &ratelimit.Config{Capacity: 10, RefillRate: 1}, DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer coord.Stop(time.Second)

	_, ok := coord.Status("does-not-exist")
	assert.False(t, ok)
}
