package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshdrop"

var (
	initOnce sync.Once

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	chunksReceived    prometheus.Counter
	chunkBytes        prometheus.Counter
	assemblies        *prometheus.CounterVec
	assemblyDuration  prometheus.Histogram
	assembledBytes    prometheus.Counter
	cleanupFailures   prometheus.Counter
	sessionsReaped    prometheus.Counter
	sessionsInitiated prometheus.Counter
)

// InitMetrics registers every collector with the default registry. Safe to call repeatedly.
func InitMetrics() {
	initOnce.Do(func() {
		httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed, partitioned by route, method and status code.",
		}, []string{"route", "method", "code"})
		httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of latencies for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"})

		sessionsInitiated = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "sessions_initiated_total",
			Help:      "Upload sessions created or resumed.",
		})
		chunksReceived = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "chunks_received_total",
			Help:      "Chunks written to the staging bucket.",
		})
		chunkBytes = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "chunk_bytes_total",
			Help:      "Decoded chunk bytes written to the staging bucket.",
		})
		assemblies = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "assemblies_total",
			Help:      "Completion attempts partitioned by outcome.",
		}, []string{"outcome"})
		assemblyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "assembly_duration_seconds",
			Help:      "Time spent listing, fetching and writing an assembled object.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		})
		assembledBytes = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "assembled_bytes_total",
			Help:      "Bytes written to the final bucket.",
		})
		cleanupFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "cleanup_failures_total",
			Help:      "Staged chunk deletions that failed.",
		})
		sessionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "sessions_reaped_total",
			Help:      "Expired sessions whose staged chunks were removed.",
		})

		prometheus.MustRegister(
			httpRequests, httpLatency,
			sessionsInitiated, chunksReceived, chunkBytes,
			assemblies, assemblyDuration, assembledBytes,
			cleanupFailures, sessionsReaped,
		)
	})
}

// Register attaches the Prometheus metrics endpoint to the router.
func Register(router *gin.Engine, path string) {
	InitMetrics()
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// Middleware records request counts and latencies per matched route.
func Middleware() gin.HandlerFunc {
	InitMetrics()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpLatency.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// SessionInitiated counts a created or resumed upload session.
func SessionInitiated() {
	InitMetrics()
	sessionsInitiated.Inc()
}

// ChunkReceived counts a staged chunk and its decoded size.
func ChunkReceived(size int) {
	InitMetrics()
	chunksReceived.Inc()
	chunkBytes.Add(float64(size))
}

// ObserveAssembly records one completion attempt.
func ObserveAssembly(outcome string, elapsed time.Duration, size int64) {
	InitMetrics()
	assemblies.WithLabelValues(outcome).Inc()
	assemblyDuration.Observe(elapsed.Seconds())
	if size > 0 {
		assembledBytes.Add(float64(size))
	}
}

// CleanupFailed counts a staged chunk that could not be deleted.
func CleanupFailed() {
	InitMetrics()
	cleanupFailures.Inc()
}

// SessionsReaped counts expired sessions cleaned by the reaper.
func SessionsReaped(n int) {
	InitMetrics()
	sessionsReaped.Add(float64(n))
}
