// Package dispatch implements the core's concurrency model: a single
// reader goroutine feeding a bounded work queue, a go-pkgz/pool worker
// group draining it, and a dedicated writer goroutine serializing frames
// back onto the output stream. This is the framing-to-pipeline glue; the
// pipeline itself lives in core/service/orchestrator.
package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mailcore/adapter/out/provider"
	"mailcore/config"
	"mailcore/core/domain"
	out "mailcore/core/port/out"
	"mailcore/core/service/batch"
	"mailcore/core/service/orchestrator"
	"mailcore/internal/framing"
	"mailcore/pkg/apperr"
	"mailcore/pkg/cache"
	"mailcore/pkg/resilience"
)

// envelope is decoded first to read the routing field; the full payload is
// then re-decoded into a type-specific struct.
type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Config sizes the dispatch loop's queue and worker pool.
type Config struct {
	QueueCapacity int
	WorkerMin     int
	WorkerMax     int
	ShutdownGrace time.Duration
}

// DefaultConfig mirrors config.Default()'s worker/queue sizing.
func DefaultConfig() Config {
	return Config{QueueCapacity: 256, WorkerMin: 2, WorkerMax: 8, ShutdownGrace: 5 * time.Second}
}

// Dispatch owns the reader/worker-pool/writer triad and routes frames to
// their handlers.
type Dispatch struct {
	orch    *orchestrator.Orchestrator
	batches *batch.Coordinator
	secrets out.SecretStore
	log     zerolog.Logger
	cfg     Config

	cfgMu sync.Mutex // guards set_config application / get_config reads

	writeCh chan any
	pool    *pool.WorkerGroup[json.RawMessage]
	admit   chan struct{} // bounded admission semaphore, capacity QueueCapacity

	wg sync.WaitGroup
}

type frameWorker struct {
	d *Dispatch
}

func (w *frameWorker) Do(ctx context.Context, raw json.RawMessage) error {
	defer func() { <-w.d.admit }()
	w.d.handle(ctx, raw)
	return nil
}

// New constructs a Dispatch. batches may be nil if batch mode is disabled.
func New(orch *orchestrator.Orchestrator, batches *batch.Coordinator, secrets out.SecretStore, cfg Config, log zerolog.Logger) *Dispatch {
	if cfg.WorkerMax <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatch{
		orch:    orch,
		batches: batches,
		secrets: secrets,
		log:     log.With().Str("component", "dispatch").Logger(),
		cfg:     cfg,
		writeCh: make(chan any, cfg.QueueCapacity),
		admit:   make(chan struct{}, cfg.QueueCapacity),
	}
}

// Run reads frames from r and writes responses to w until r is exhausted or
// ctx is cancelled. It returns the exit reason: nil on clean EOF shutdown,
// or the first unrecoverable framing error.
func (d *Dispatch) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	worker := &frameWorker{d: d}
	d.pool = pool.New[json.RawMessage](d.cfg.WorkerMax, worker).
		WithWorkerChanSize(d.cfg.QueueCapacity).
		WithContinueOnError()
	if err := d.pool.Go(ctx); err != nil {
		return fmt.Errorf("dispatch: start worker pool: %w", err)
	}

	bw := bufio.NewWriter(w)
	d.wg.Add(1)
	go d.writeLoop(bw)

	readErr := d.readLoop(ctx, r)

	close(d.writeCh)
	d.wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer cancel()
	if err := d.pool.Close(closeCtx); err != nil {
		d.log.Warn().Err(err).Msg("worker pool close")
	}

	return readErr
}

func (d *Dispatch) readLoop(ctx context.Context, r io.Reader) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var raw json.RawMessage
		err := framing.ReadFrame(r, &raw)
		if err != nil {
			if err == framing.ErrEOF {
				return nil
			}
			if err == framing.ErrFrameTooLarge {
				d.writeCh <- map[string]string{"type": "error", "code": apperr.CodeFrameTooLarge}
				continue
			}
			// Invalid UTF-8 and malformed JSON are detected after the whole
			// payload has been read, so the stream is still in sync.
			if err == framing.ErrNotUTF8 {
				d.writeCh <- map[string]string{"type": "error", "code": apperr.CodeNotUTF8}
				continue
			}
			if err == framing.ErrMalformedJSON {
				d.writeCh <- map[string]string{"type": "error", "code": apperr.CodeMalformedJSON}
				continue
			}
			// Every other framing error aborts the loop; the stream is no
			// longer trustworthy byte-for-byte (truncated length/payload).
			d.log.Error().Err(err).Msg("unrecoverable framing error")
			return err
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			d.writeCh <- map[string]string{"type": "error", "code": apperr.CodeMalformedJSON}
			continue
		}

		// set_config is applied inline on the reader goroutine so that no
		// subsequently-read classify frame can be handed to the pool before
		// the new configuration is live; every other type is queued.
		if env.Type == "set_config" {
			d.handleSetConfig(raw, env.RequestID)
			continue
		}

		if !d.submit(raw) {
			d.writeCh <- map[string]string{"type": "error", "request_id": env.RequestID, "code": apperr.CodeBusy}
		}
	}
}

// submit admits raw onto the bounded work queue and hands it to the worker
// pool, or reports false immediately if the queue is saturated. go-pkgz/
// pool's own Submit blocks once its internal channel is full, so admission
// is gated by a separate semaphore to get the spec's non-blocking "busy"
// backpressure instead.
func (d *Dispatch) submit(raw json.RawMessage) bool {
	select {
	case d.admit <- struct{}{}:
		d.pool.Submit(raw)
		return true
	default:
		return false
	}
}

func (d *Dispatch) writeLoop(bw *bufio.Writer) {
	defer d.wg.Done()
	for v := range d.writeCh {
		if err := framing.WriteFrame(bw, v); err != nil {
			d.log.Error().Err(err).Msg("write frame failed")
		}
	}
}

func (d *Dispatch) respond(v any) {
	d.writeCh <- v
}

func (d *Dispatch) handle(ctx context.Context, raw json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.respond(map[string]string{"type": "error", "code": apperr.CodeMalformedJSON})
		return
	}

	switch env.Type {
	case "classify":
		d.handleClassify(ctx, raw, env.RequestID)
	case "health_check":
		d.handleHealthCheck(ctx, env.RequestID)
	case "batch_start":
		d.handleBatchStart(raw, env.RequestID)
	case "batch_status":
		d.handleBatchStatus(raw, env.RequestID)
	case "feedback":
		d.handleFeedback(raw, env.RequestID)
	case "stats":
		d.handleStats(env.RequestID)
	case "get_config":
		d.handleGetConfig(env.RequestID)
	case "ping":
		d.respond(map[string]string{"type": "pong", "request_id": env.RequestID})
	default:
		d.respond(map[string]string{"type": "error", "request_id": env.RequestID, "code": apperr.CodeUnknownType})
	}
}

type classifyResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	domain.ClassificationDecision
}

func (d *Dispatch) handleClassify(ctx context.Context, raw json.RawMessage, requestID string) {
	var req domain.ClassificationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeMalformedJSON})
		return
	}

	decision, appErr := d.orch.Classify(ctx, req)
	if appErr != nil {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": appErr.Code})
		return
	}

	d.respond(classifyResponse{Type: "classification", RequestID: requestID, ClassificationDecision: *decision})
}

type healthCheckResponse struct {
	Type            string `json:"type"`
	RequestID       string `json:"request_id"`
	Status          string `json:"status"`
	ProviderName    string `json:"provider_name"`
	ProviderHealthy bool   `json:"provider_healthy"`
	Detail          string `json:"detail,omitempty"`
}

// wireHealthStatus maps the §4.3 provider-adapter health vocabulary onto
// the §6 wire enum: a reachable-but-constrained provider (rate limited) is
// degraded rather than an outright error.
func wireHealthStatus(s out.HealthStatus) string {
	switch s {
	case out.HealthOK:
		return "ok"
	case out.HealthRateLimited:
		return "degraded"
	default:
		return "error"
	}
}

func (d *Dispatch) handleHealthCheck(ctx context.Context, requestID string) {
	binding := d.orch.Config()
	pc, ok := binding.Providers[string(binding.Provider)]
	if !ok {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeConfigRejected})
		return
	}

	desc := domain.ProviderDescriptor{
		Name: binding.Provider, Endpoint: pc.Endpoint, ModelID: pc.Model,
		TimeoutMS: pc.TimeoutMS, APIKeyRef: pc.APIKeyRef, Enabled: pc.Enabled,
	}
	p, err := provider.New(desc, d.secrets)
	if err != nil {
		d.respond(healthCheckResponse{
			Type: "health", RequestID: requestID, Status: wireHealthStatus(out.HealthUnreachable),
			ProviderName: string(binding.Provider), ProviderHealthy: false, Detail: err.Error(),
		})
		return
	}

	status, detail := p.HealthCheck(ctx)
	d.respond(healthCheckResponse{
		Type: "health", RequestID: requestID, Status: wireHealthStatus(status),
		ProviderName: string(binding.Provider), ProviderHealthy: status == out.HealthOK, Detail: detail,
	})
}

type batchStartRequest struct {
	Items []domain.ClassificationRequest `json:"items"`
}

type batchStartResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	BatchID   string `json:"batch_id"`
	Queued    int    `json:"queued"`
}

func (d *Dispatch) handleBatchStart(raw json.RawMessage, requestID string) {
	if d.batches == nil {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeInternal})
		return
	}

	var req batchStartRequest
	if err := json.Unmarshal(raw, &req); err != nil || len(req.Items) == 0 {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeInvalidRequest})
		return
	}

	batchID, err := d.batches.Start(req.Items)
	if err != nil {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeInternal})
		return
	}
	d.respond(batchStartResponse{Type: "batch_ack", RequestID: requestID, BatchID: batchID, Queued: len(req.Items)})
}

type batchStatusRequest struct {
	BatchID string `json:"batch_id"`
}

type batchStatusResponse struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	BatchID   string            `json:"batch_id"`
	Queued    int               `json:"queued"`
	InFlight  int               `json:"in_flight"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Results   []batchItemResult `json:"results"`
}

type batchItemResult struct {
	MessageID string                           `json:"message_id"`
	Result    *domain.ClassificationDecision   `json:"result,omitempty"`
	Failed    bool                             `json:"failed"`
	Err       string                           `json:"error,omitempty"`
}

func (d *Dispatch) handleBatchStatus(raw json.RawMessage, requestID string) {
	if d.batches == nil {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeInternal})
		return
	}

	var req batchStatusRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.BatchID == "" {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeInvalidRequest})
		return
	}

	job, ok := d.batches.Status(req.BatchID)
	if !ok {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeInvalidRequest})
		return
	}

	queued, inFlight, completed, failed := job.Snapshot()
	items := make([]batchItemResult, 0, len(job.Items))
	for _, it := range job.Items {
		items = append(items, batchItemResult{MessageID: it.Request.MessageID, Result: it.Result, Failed: it.Failed, Err: it.Err})
	}

	d.respond(batchStatusResponse{
		Type: "batch_status", RequestID: requestID, BatchID: req.BatchID,
		Queued: queued, InFlight: inFlight, Completed: completed, Failed: failed, Results: items,
	})
}

type feedbackRequest struct {
	domain.FeedbackRecord
}

func (d *Dispatch) handleFeedback(raw json.RawMessage, requestID string) {
	var req feedbackRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.MessageID == "" || req.ActualFolder == "" {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeInvalidRequest})
		return
	}

	// FeedbackRecord carries no provider_name (message-level provenance
	// beyond folder names is out of scope for data minimization), so
	// overrides land in the calibrator's provider-less bucket rather than
	// the specific (folder, provider) pair that produced the rejected
	// decision.
	if req.PreviousFolder != "" && req.PreviousFolder != req.ActualFolder {
		d.orch.Calibrator().RecordOverridden(req.PreviousFolder, "")
	}

	d.respond(map[string]string{"type": "ack", "request_id": requestID})
}

type statsResponse struct {
	Type      string                       `json:"type"`
	RequestID string                       `json:"request_id"`
	Cache     cache.Stats                  `json:"cache"`
	Limiter   map[string]float64           `json:"limiter"`
	Breakers  map[string]resilience.Stats  `json:"breakers"`
	Latency   map[string]map[string]any    `json:"latency"`
	Metrics   string                       `json:"metrics,omitempty"`
}

func (d *Dispatch) handleStats(requestID string) {
	metricsText, err := d.orch.Metrics().Render()
	if err != nil {
		d.log.Warn().Err(err).Msg("render metrics")
	}
	latency := make(map[string]map[string]any)
	for key, stats := range d.orch.LatencyStats() {
		latency[key] = stats.ToMap()
	}
	d.respond(statsResponse{
		Type:      "stats_result",
		RequestID: requestID,
		Cache:     d.orch.Cache().Stats(),
		Limiter:   d.orch.LimiterSnapshot(),
		Breakers:  d.orch.BreakerStats(),
		Latency:   latency,
		Metrics:   metricsText,
	})
}

type configResponse struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Config    *config.Config `json:"config"`
}

func (d *Dispatch) handleGetConfig(requestID string) {
	d.cfgMu.Lock()
	cfg := d.orch.Config()
	d.cfgMu.Unlock()
	d.respond(configResponse{Type: "config", RequestID: requestID, Config: cfg})
}

type setConfigRequest struct {
	Config json.RawMessage `json:"config"`
}

func (d *Dispatch) handleSetConfig(raw json.RawMessage, requestID string) {
	var req setConfigRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeMalformedJSON})
		return
	}

	cfg, err := config.Load(req.Config)
	if err != nil {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeConfigRejected})
		return
	}

	d.cfgMu.Lock()
	applyErr := d.applyConfig(cfg)
	d.cfgMu.Unlock()

	if applyErr != nil {
		d.respond(map[string]string{"type": "error", "request_id": requestID, "code": apperr.CodeConfigRejected})
		return
	}
	d.respond(configResponse{Type: "config", RequestID: requestID, Config: cfg})
}

// applyConfig swaps the orchestrator's configuration, rebuilding the active
// provider adapter and signing key when those selections changed. Caller
// holds cfgMu.
func (d *Dispatch) applyConfig(cfg *config.Config) error {
	pc, ok := cfg.Providers[string(cfg.Provider)]
	if !ok {
		return fmt.Errorf("dispatch: no provider block for %q", cfg.Provider)
	}
	desc := domain.ProviderDescriptor{
		Name: cfg.Provider, Endpoint: pc.Endpoint, ModelID: pc.Model,
		TimeoutMS: pc.TimeoutMS, APIKeyRef: pc.APIKeyRef, Enabled: pc.Enabled,
	}
	p, err := provider.New(desc, d.secrets)
	if err != nil {
		return err
	}

	d.orch.SetConfig(cfg)
	d.orch.SetProvider(p, desc)

	if cfg.Signing.Enabled {
		key, err := d.secrets.Get(cfg.Signing.KeyRef)
		if err != nil {
			return apperr.SecretUnavailable(cfg.Signing.KeyRef, err)
		}
		d.orch.SetSigningKey(key)
	} else {
		d.orch.SetSigningKey(nil)
	}
	return nil
}
