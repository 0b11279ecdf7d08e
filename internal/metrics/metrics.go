// Package metrics collects Prometheus metrics for the classification
// pipeline. There is no HTTP listener here: the process never opens a
// network port, so metrics are gathered on demand and rendered to Prometheus
// text exposition format for inclusion in the "stats" response frame. This
// mirrors the collector shape from jrepp-prism-data-layer's procmgr package
// (a CounterVec/HistogramVec/Gauge set registered against a private
// registry), adapted from process-lifecycle metrics to classification ones.
package metrics

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector holds every metric the classification pipeline emits.
type Collector struct {
	registry *prometheus.Registry

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	admissions *prometheus.CounterVec // result: allowed|rate_limited|circuit_open

	providerLatency *prometheus.HistogramVec // provider, model
	providerErrors  *prometheus.CounterVec   // provider, model, class

	breakerState *prometheus.GaugeVec // provider, model -> 0 closed, 1 half_open, 2 open

	decisions *prometheus.CounterVec // rationale_tag

	batchItemsProcessed prometheus.Counter
	batchItemsFailed    prometheus.Counter
}

// New creates a Collector and registers its metrics against a private
// registry, namespaced "mailcore".
func New() *Collector {
	const ns = "mailcore"

	c := &Collector{registry: prometheus.NewRegistry()}

	c.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_hits_total", Help: "Classification cache hits.",
	})
	c.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "cache_misses_total", Help: "Classification cache misses.",
	})
	c.admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "admission_total", Help: "Classification requests by admission outcome.",
	}, []string{"result"})
	c.providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns, Name: "provider_call_duration_seconds", Help: "Provider call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "model"})
	c.providerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "provider_errors_total", Help: "Provider call failures by class.",
	}, []string{"provider", "model", "class"})
	c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns, Name: "circuit_breaker_state", Help: "0=closed 1=half_open 2=open.",
	}, []string{"provider", "model"})
	c.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Name: "decisions_total", Help: "Classification decisions by rationale tag.",
	}, []string{"rationale"})
	c.batchItemsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "batch_items_processed_total", Help: "Batch items that reached a decision.",
	})
	c.batchItemsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Name: "batch_items_failed_total", Help: "Batch items that errored.",
	})

	c.registry.MustRegister(
		c.cacheHits, c.cacheMisses, c.admissions, c.providerLatency,
		c.providerErrors, c.breakerState, c.decisions,
		c.batchItemsProcessed, c.batchItemsFailed,
	)

	return c
}

func (c *Collector) CacheHit()  { c.cacheHits.Inc() }
func (c *Collector) CacheMiss() { c.cacheMisses.Inc() }

func (c *Collector) Admitted()     { c.admissions.WithLabelValues("allowed").Inc() }
func (c *Collector) RateLimited()  { c.admissions.WithLabelValues("rate_limited").Inc() }
func (c *Collector) CircuitOpen()  { c.admissions.WithLabelValues("circuit_open").Inc() }

func (c *Collector) ProviderCall(provider, model string, seconds float64) {
	c.providerLatency.WithLabelValues(provider, model).Observe(seconds)
}

func (c *Collector) ProviderError(provider, model, class string) {
	c.providerErrors.WithLabelValues(provider, model, class).Inc()
}

// BreakerState sets the 0/1/2 closed/half_open/open gauge for a provider/model pair.
func (c *Collector) BreakerState(provider, model string, state float64) {
	c.breakerState.WithLabelValues(provider, model).Set(state)
}

func (c *Collector) Decision(rationale string) { c.decisions.WithLabelValues(rationale).Inc() }

func (c *Collector) BatchItemProcessed() { c.batchItemsProcessed.Inc() }
func (c *Collector) BatchItemFailed()    { c.batchItemsFailed.Inc() }

// Render gathers every registered metric family and encodes it in Prometheus
// text exposition format, the same encoding promhttp.Handler would write to
// an HTTP response body. Used here to embed a metrics snapshot inside the
// "stats" frame instead of serving it over a port.
func (c *Collector) Render() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
