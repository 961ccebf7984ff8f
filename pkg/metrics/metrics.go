package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

var (
	// Crawl scheduler metrics (§6)
	DomainsCrawledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "justnews_crawler_scheduler_domains_crawled_total",
			Help: "Total number of domains crawled by the scheduler",
		},
	)

	ArticlesAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "justnews_crawler_scheduler_articles_accepted_total",
			Help: "Total number of articles accepted by the ingestion pipeline",
		},
	)

	AdaptiveArticlesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "justnews_crawler_scheduler_adaptive_articles_total",
			Help: "Total number of articles accepted beyond a domain's baseline budget",
		},
	)

	SchedulerLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "justnews_crawler_scheduler_lag_seconds",
			Help: "Seconds by which the most recent scheduler tick lagged a skipped domain",
		},
	)

	// Stage-B (extraction/embedding) metrics
	EmbeddingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justnews_stage_b_embedding_total",
			Help: "Total number of embedding computations by outcome",
		},
		[]string{"status"},
	)

	EmbeddingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "justnews_stage_b_embedding_latency_seconds",
			Help:    "Embedding computation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache"},
	)

	// GPU orchestrator metrics (§6, §4.3.5)
	LeaseExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_lease_expired_total",
			Help: "Total number of leases reclaimed for expiry",
		},
	)

	JobReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_job_reclaimed_total",
			Help: "Total number of jobs reassigned by the reclaimer",
		},
	)

	JobDeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_job_dead_lettered_total",
			Help: "Total number of jobs moved to a dead-letter stream",
		},
	)

	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpu_orchestrator_job_queue_depth",
			Help: "Current pending depth of an orchestrator stream",
		},
		[]string{"stream"},
	)

	VLLMRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_vllm_restarts_total",
			Help: "Total number of worker-pool restart attempts after an OOM",
		},
	)

	VLLMOOMsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpu_orchestrator_vllm_ooms_total",
			Help: "Total number of out-of-memory signals observed from worker pools",
		},
	)

	VLLMStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpu_orchestrator_vllm_status",
			Help: "Current worker-pool status (1 = active state, per pool/status pair)",
		},
		[]string{"pool_id", "status"},
	)

	OrchLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpu_orchestrator_is_leader",
			Help: "Whether this orchestrator instance currently holds the leader advisory lock",
		},
	)

	ReclaimPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gpu_orchestrator_reclaim_pass_duration_seconds",
			Help:    "Time taken for one reclaimer pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MCP Bus metrics
	BusCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "justnews_bus_calls_total",
			Help: "Total number of bus-routed calls by agent and outcome",
		},
		[]string{"agent", "status"},
	)

	BusCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "justnews_bus_call_duration_seconds",
			Help:    "Bus call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "justnews_bus_circuit_breaker_state",
			Help: "Current circuit breaker state per agent (0=closed, 1=half_open, 2=open)",
		},
		[]string{"agent"},
	)
)

func init() {
	prometheus.MustRegister(
		DomainsCrawledTotal,
		ArticlesAcceptedTotal,
		AdaptiveArticlesTotal,
		SchedulerLagSeconds,
		EmbeddingTotal,
		EmbeddingLatency,
		LeaseExpiredTotal,
		JobReclaimedTotal,
		JobDeadLetteredTotal,
		JobQueueDepth,
		VLLMRestartsTotal,
		VLLMOOMsTotal,
		VLLMStatus,
		OrchLeader,
		ReclaimPassDuration,
		BusCallsTotal,
		BusCallDuration,
		CircuitBreakerState,
	)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WriteTextfile snapshots the default registry to path, in the format
// a node_exporter textfile collector expects. The crawl scheduler calls
// this at the end of every tick per STAGE_B_METRICS_PATH / spec §4.4.1.
func WriteTextfile(path string) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
