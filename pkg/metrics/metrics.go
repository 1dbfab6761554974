// Package metrics defines and registers the Prometheus metrics exposed by
// quiltd, trimmed from the teacher's cluster/raft/ingress catalog down to the
// single-node container-runtime concerns this daemon actually has: container
// counts by state, IP pool utilization, image cache hit/miss, cleanup queue
// depth, and lifecycle operation latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal is the current number of containers by state.
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quilt_containers_total",
			Help: "Current number of containers by state",
		},
		[]string{"state"},
	)

	// VolumesTotal is the current number of named volumes.
	VolumesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_volumes_total",
			Help: "Total number of volumes",
		},
	)

	// ImageLayersTotal is the current number of cached image layers.
	ImageLayersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_image_layers_total",
			Help: "Total number of cached image layers",
		},
	)

	// IPPoolAllocated is the current number of allocated addresses in the
	// bridge subnet.
	IPPoolAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_ip_pool_allocated",
			Help: "Number of IP addresses currently allocated from the bridge subnet",
		},
	)

	// IPPoolCapacity is the usable size of the bridge subnet's address pool.
	IPPoolCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_ip_pool_capacity",
			Help: "Total usable IP addresses in the bridge subnet",
		},
	)

	// CleanupQueueDepth is the number of containers currently pending
	// background teardown.
	CleanupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quilt_cleanup_queue_depth",
			Help: "Number of containers awaiting background cleanup",
		},
	)

	// ImageCacheHitsTotal counts layer acquisitions served from an
	// already-extracted layer.
	ImageCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilt_image_cache_hits_total",
			Help: "Total image layer acquisitions served without extraction",
		},
	)

	// ImageCacheMissesTotal counts layer acquisitions that triggered an
	// extraction.
	ImageCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilt_image_cache_misses_total",
			Help: "Total image layer acquisitions that required extraction",
		},
	)

	// ContainerStartsTotal and ContainerStartFailuresTotal track lifecycle
	// outcomes.
	ContainerStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilt_container_starts_total",
			Help: "Total container start attempts",
		},
	)
	ContainerStartFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quilt_container_start_failures_total",
			Help: "Total container start attempts that failed",
		},
	)

	// APIRequestsTotal and APIRequestDuration instrument the RPC surface.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quilt_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quilt_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ContainerCreateDuration, ContainerStartDuration, ContainerStopDuration
	// time the three operations the engine drives through the event
	// coordinator rather than a fixed timeout.
	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_container_create_duration_seconds",
			Help:    "Time to create a container record and acquire its image layers",
			Buckets: prometheus.DefBuckets,
		},
	)
	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_container_start_duration_seconds",
			Help:    "Time from start request to the container reaching Running",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_container_stop_duration_seconds",
			Help:    "Time from stop request to process exit",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// ImageExtractionDuration times layer unpacking.
	ImageExtractionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_image_extraction_duration_seconds",
			Help:    "Time to extract an image layer archive",
			Buckets: prometheus.DefBuckets,
		},
	)

	// NetworkSetupDuration times per-container veth/bridge/namespace setup.
	NetworkSetupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quilt_network_setup_duration_seconds",
			Help:    "Time to set up a container's network namespace",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		VolumesTotal,
		ImageLayersTotal,
		IPPoolAllocated,
		IPPoolCapacity,
		CleanupQueueDepth,
		ImageCacheHitsTotal,
		ImageCacheMissesTotal,
		ContainerStartsTotal,
		ContainerStartFailuresTotal,
		APIRequestsTotal,
		APIRequestDuration,
		ContainerCreateDuration,
		ContainerStartDuration,
		ContainerStopDuration,
		ImageExtractionDuration,
		NetworkSetupDuration,
	)
}

// Handler returns the Prometheus HTTP handler, served at /metrics by cmd/quiltd.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a convenience wrapper for timing an operation and recording its
// duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
