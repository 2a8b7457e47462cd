package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio assurance service
type Metrics struct {
	// Ingest metrics
	ChunksReceived  *prometheus.CounterVec
	ChunkBytes      *prometheus.CounterVec
	ActiveStreams   *prometheus.GaugeVec
	DecodeFailures  *prometheus.CounterVec
	RoomsDrained    *prometheus.CounterVec
	DrainedStreams  *prometheus.HistogramVec

	// Archive metrics
	ArtifactsArchived *prometheus.CounterVec
	ArtifactSize      *prometheus.HistogramVec

	// Coordinator metrics
	TriggersFired prometheus.Counter

	// Analysis pipeline metrics
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration prometheus.Histogram

	// Progress hub metrics
	ProgressSubscribers prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Ingest metrics
		ChunksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aas_ingest_chunks_total",
			Help: "Total number of audio chunks accepted",
		}, []string{"channel"}),
		ChunkBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aas_ingest_bytes_total",
			Help: "Total bytes of captured audio accepted",
		}, []string{"channel"}),
		ActiveStreams: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aas_active_streams",
			Help: "Current number of active participant streams",
		}, []string{"channel"}),
		DecodeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aas_decode_failures_total",
			Help: "Total number of streams excluded from a merge by decode failure",
		}, []string{"channel"}),
		RoomsDrained: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aas_rooms_drained_total",
			Help: "Total number of room drains handled",
		}, []string{"channel"}),
		DrainedStreams: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aas_drained_valid_streams",
			Help:    "Number of usable streams per drained room",
			Buckets: prometheus.LinearBuckets(0, 1, 6), // 0 to 5 streams
		}, []string{"channel"}),

		// Archive metrics
		ArtifactsArchived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aas_artifacts_archived_total",
			Help: "Total number of merged artifacts archived",
		}, []string{"channel"}),
		ArtifactSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aas_artifact_size_bytes",
			Help:    "Size of archived artifacts in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		}, []string{"channel"}),

		// Coordinator metrics
		TriggersFired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aas_rendezvous_triggers_total",
			Help: "Total number of completed rendezvous that fired analysis",
		}),

		// Analysis pipeline metrics
		PipelineRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aas_pipeline_runs_total",
			Help: "Total number of finished analysis runs by terminal status",
		}, []string{"status"}),
		PipelineDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aas_pipeline_duration_seconds",
			Help:    "Duration of analysis runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Progress hub metrics
		ProgressSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aas_progress_subscribers",
			Help: "Current number of attached progress observers",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aas_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aas_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordIngestChunk records an accepted audio chunk
func (m *Metrics) RecordIngestChunk(channel string, bytes int) {
	m.ChunksReceived.WithLabelValues(channel).Inc()
	m.ChunkBytes.WithLabelValues(channel).Add(float64(bytes))
}

// SetActiveStreams sets the current number of active participant streams
func (m *Metrics) SetActiveStreams(channel string, count int) {
	m.ActiveStreams.WithLabelValues(channel).Set(float64(count))
}

// RecordDecodeFailure increments the decode failure counter
func (m *Metrics) RecordDecodeFailure(channel string) {
	m.DecodeFailures.WithLabelValues(channel).Inc()
}

// RecordRoomDrained records a handled room drain
func (m *Metrics) RecordRoomDrained(channel string, validStreams int) {
	m.RoomsDrained.WithLabelValues(channel).Inc()
	m.DrainedStreams.WithLabelValues(channel).Observe(float64(validStreams))
}

// RecordArtifactArchived records a newly archived artifact
func (m *Metrics) RecordArtifactArchived(channel string, sizeBytes int64) {
	m.ArtifactsArchived.WithLabelValues(channel).Inc()
	m.ArtifactSize.WithLabelValues(channel).Observe(float64(sizeBytes))
}

// RecordTriggerFired increments the rendezvous trigger counter
func (m *Metrics) RecordTriggerFired() {
	m.TriggersFired.Inc()
}

// RecordPipelineRun records a finished analysis run
func (m *Metrics) RecordPipelineRun(status string, duration time.Duration) {
	m.PipelineRuns.WithLabelValues(status).Inc()
	m.PipelineDuration.Observe(duration.Seconds())
}

// SetProgressSubscribers sets the current observer count
func (m *Metrics) SetProgressSubscribers(count int) {
	m.ProgressSubscribers.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
