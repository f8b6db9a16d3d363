// Package metrics provides Prometheus metrics for monitoring the bridge.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesPublished counts published frames by view.
	FramesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hbridge_frames_published_total",
			Help: "Total frames published to the store",
		},
		[]string{"view"},
	)

	// FrameBytes tracks published frame sizes.
	FrameBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hbridge_frame_bytes",
			Help:    "Published frame size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KiB to ~1MiB
		},
		[]string{"view"},
	)

	// CaptureErrors counts absorbed session errors by view.
	CaptureErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hbridge_capture_errors_total",
			Help: "Total absorbed capture loop errors",
		},
		[]string{"view"},
	)

	// Reloads counts page reloads by view.
	Reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hbridge_reloads_total",
			Help: "Total page reloads",
		},
		[]string{"view"},
	)

	// HTTPRequestsTotal counts HTTP requests by route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hbridge_http_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "status"},
	)

	// AdmissionRejected counts admission rejections by requested view.
	AdmissionRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hbridge_admission_rejected_total",
			Help: "Total activation requests rejected by the active-view cap",
		},
		[]string{"view"},
	)

	// ActiveViews shows the current active-view count.
	ActiveViews = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hbridge_active_views",
			Help: "Number of currently active views",
		},
	)

	// BrowserUp reports whether the browser is running.
	BrowserUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hbridge_browser_up",
			Help: "Whether the headless browser is running (1 or 0)",
		},
	)

	// WSClients shows the current WebSocket client count.
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hbridge_ws_clients",
			Help: "Number of connected WebSocket clients",
		},
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hbridge_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hbridge_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hbridge_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hbridge_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		FramesPublished,
		FrameBytes,
		CaptureErrors,
		Reloads,
		HTTPRequestsTotal,
		AdmissionRejected,
		ActiveViews,
		BrowserUp,
		WSClients,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// RecordFrame records a published frame.
func RecordFrame(view string, bytes int) {
	FramesPublished.WithLabelValues(view).Inc()
	FrameBytes.WithLabelValues(view).Observe(float64(bytes))
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(route, status string) {
	HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}

// RecordAdmissionRejected records an activation rejected by the cap.
func RecordAdmissionRejected(view string) {
	AdmissionRejected.WithLabelValues(view).Inc()
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}
