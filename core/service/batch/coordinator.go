// Package batch implements the deferred batch mode of the Batch
// Coordinator: a background go-pkgz/pool worker pool, separate from
// real-time classify handling, that drains enqueued requests under the
// same resilience policies as real-time traffic but a relaxed rate budget.
// This mirrors the teacher's dual main/priority pool split, repurposed here
// as a dual real-time/batch split instead of a priority split.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"mailcore/core/domain"
	"mailcore/core/service/orchestrator"
	"mailcore/pkg/ratelimit"
	"mailcore/pkg/snowflake"
)

// relaxedRateMultiplier widens the batch rate budget relative to the
// real-time limiter's configured capacity, per spec.md §4.10's "relaxed
// rate budget" requirement.
const relaxedRateMultiplier = 4

// Config configures the batch worker pool.
type Config struct {
	MaxWorkers int
	QueueSize  int
	WorkerID   int64 // snowflake node id, unique per process instance
}

// DefaultConfig returns conservative batch pool sizing.
func DefaultConfig() Config {
	return Config{MaxWorkers: 4, QueueSize: 256, WorkerID: 1}
}

// Coordinator owns the deferred batch pipeline: job bookkeeping, the batch
// worker pool, and a relaxed token bucket shared across all batch jobs.
type Coordinator struct {
	orch    *orchestrator.Orchestrator
	idGen   *snowflake.Generator
	limiter *ratelimit.Limiter
	cfg     Config
	log     zerolog.Logger

	workerPool *pool.WorkerGroup[*batchTask]
	ctx        context.Context
	cancel     context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*domain.BatchJob
}

type batchTask struct {
	job  *domain.BatchJob
	item *domain.BatchItem
}

type taskWorker struct {
	c *Coordinator
}

func (w *taskWorker) Do(ctx context.Context, t *batchTask) error {
	w.c.process(ctx, t)
	return nil
}

// New constructs a Coordinator and starts its worker pool. baseRateLimit is
// the real-time limiter's configured bucket, used as the starting point for
// the batch limiter's relaxed capacity.
func New(orch *orchestrator.Orchestrator, baseRateLimit *ratelimit.Config, cfg Config, log zerolog.Logger) (*Coordinator, error) {
	if cfg.MaxWorkers <= 0 {
		cfg = DefaultConfig()
	}

	idGen, err := snowflake.NewGenerator(cfg.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}

	relaxed := &ratelimit.Config{
		Capacity:   baseRateLimit.Capacity * relaxedRateMultiplier,
		RefillRate: baseRateLimit.RefillRate * relaxedRateMultiplier,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		orch:    orch,
		idGen:   idGen,
		limiter: ratelimit.NewLimiter(relaxed),
		cfg:     cfg,
		log:     log.With().Str("component", "batch_coordinator").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*domain.BatchJob),
	}

	c.workerPool = pool.New[*batchTask](cfg.MaxWorkers, &taskWorker{c: c}).
		WithWorkerChanSize(cfg.QueueSize).
		WithContinueOnError()
	if err := c.workerPool.Go(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("batch: start worker pool: %w", err)
	}

	return c, nil
}

// Stop drains and closes the batch worker pool, waiting up to gracePeriod.
func (c *Coordinator) Stop(gracePeriod time.Duration) {
	closeCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()
	if err := c.workerPool.Close(closeCtx); err != nil {
		c.log.Warn().Err(err).Msg("batch pool close")
	}
	c.cancel()
}

// Start enqueues reqs as a new deferred batch job and returns its batch_id
// immediately; items are processed asynchronously by the worker pool.
func (c *Coordinator) Start(reqs []domain.ClassificationRequest) (string, error) {
	id, err := c.idGen.Generate()
	if err != nil {
		return "", fmt.Errorf("batch: generate id: %w", err)
	}
	batchID := fmt.Sprintf("%d", id)

	job := &domain.BatchJob{
		BatchID:   batchID,
		CreatedAt: time.Now(),
		Items:     make([]*domain.BatchItem, 0, len(reqs)),
	}
	for _, r := range reqs {
		job.Items = append(job.Items, &domain.BatchItem{Request: r})
	}

	c.mu.Lock()
	c.jobs[batchID] = job
	c.mu.Unlock()

	for _, item := range job.Items {
		c.workerPool.Submit(&batchTask{job: job, item: item})
	}

	return batchID, nil
}

// Status returns the job for batchID and whether it exists.
func (c *Coordinator) Status(batchID string) (*domain.BatchJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[batchID]
	return job, ok
}

func (c *Coordinator) process(ctx context.Context, t *batchTask) {
	decision, appErr := c.orch.ClassifyWithLimiter(ctx, t.item.Request, c.limiter)
	if appErr != nil {
		t.item.Failed = true
		t.item.Err = appErr.Message
		c.orch.Metrics().BatchItemFailed()
		c.log.Warn().Str("batch_id", t.job.BatchID).Str("message_id", t.item.Request.MessageID).Err(appErr).Msg("batch item failed")
		return
	}
	t.item.Result = decision
	c.orch.Metrics().BatchItemProcessed()
}
