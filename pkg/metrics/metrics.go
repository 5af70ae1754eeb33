package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for the polling backend.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	PollsCreated     prometheus.Counter
	VotesSubmitted   *prometheus.CounterVec
	StoreRetries     *prometheus.CounterVec
	StoreOpDuration  *prometheus.HistogramVec
	CacheLookups     *prometheus.CounterVec
	CacheResyncs     prometheus.Counter
	WebsocketClients prometheus.Gauge
	AwardJobs        *prometheus.CounterVec
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		PollsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "polls_created_total",
			Help: "Total number of polls created",
		}),
		VotesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polls_votes_submitted_total",
			Help: "Vote submissions by outcome",
		}, []string{"outcome"}),
		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polls_store_retries_total",
			Help: "Store operations retried after a transient failure",
		}, []string{"op"}),
		StoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polls_store_op_duration_seconds",
			Help:    "Duration of store operations including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polls_cache_lookups_total",
			Help: "Sync cache lookups by cache and result (hit/miss)",
		}, []string{"cache", "result"}),
		CacheResyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "polls_cache_resyncs_total",
			Help: "Full sync cache resyncs",
		}),
		WebsocketClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "polls_websocket_clients",
			Help: "Connected websocket clients",
		}),
		AwardJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "polls_award_jobs_total",
			Help: "Collectible award jobs by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) IncPollsCreated() {
	if m == nil {
		return
	}
	m.PollsCreated.Inc()
}

// IncVote records a vote submission outcome (accepted, duplicate, rejected, expired, error).
func (m *Metrics) IncVote(outcome string) {
	if m == nil {
		return
	}
	m.VotesSubmitted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStoreRetry(op string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(op).Inc()
}

// ObserveStoreOp records the duration of a store operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveStoreOp(op string, start time.Time) {
	if m == nil {
		return
	}
	m.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(cache, "hit").Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(cache, "miss").Inc()
}

func (m *Metrics) IncResync() {
	if m == nil {
		return
	}
	m.CacheResyncs.Inc()
}

func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(n))
}

func (m *Metrics) IncAwardJob(outcome string) {
	if m == nil {
		return
	}
	m.AwardJobs.WithLabelValues(outcome).Inc()
}
