// Package metrics exposes Prometheus collectors for the pipeline stages.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowcrawler"

// collectors groups every series the pipeline reports. Subsystems follow the
// stage that owns the series.
type collectors struct {
	fetchPages     *prometheus.CounterVec
	fetchBytes     *prometheus.CounterVec
	fetchThrottle  *prometheus.HistogramVec
	queueMessages  *prometheus.CounterVec
	stepFollowups  *prometheus.CounterVec
	stepRecords    *prometheus.CounterVec
	sinkSaves      *prometheus.CounterVec
	workersBusy    *prometheus.GaugeVec
	adminRequests  *prometheus.CounterVec
	adminLatencies *prometheus.HistogramVec
}

var (
	registered *collectors
	once       sync.Once
)

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

// Init registers the collectors with the default registry. Repeated calls are no-ops.
func Init() {
	once.Do(func() {
		registered = &collectors{
			fetchPages: counter("fetch", "pages_total",
				"Pages fetched by site and HTTP status; status 0 marks a transport failure.", "site", "status"),
			fetchBytes: counter("fetch", "bytes_total",
				"Response bytes fetched by site.", "site"),
			fetchThrottle: histogram("fetch", "throttle_wait_seconds",
				"Time spent waiting on the per-site request interval.",
				[]float64{0.1, 0.5, 1, 2, 5, 10, 30}, "site"),
			queueMessages: counter("queue", "messages_total",
				"Queue traffic by key and op (pushed, popped, failed).", "queue", "op"),
			stepFollowups: counter("workflow", "followup_requests_total",
				"Follow-up requests emitted by the step type that produced them.", "step_type"),
			stepRecords: counter("workflow", "records_total",
				"Extracted records by route (persist, queue).", "route"),
			sinkSaves: counter("persist", "saves_total",
				"Article saves by backend and outcome (saved, duplicate, failed, dropped).", "backend", "outcome"),
			workersBusy: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "worker", Name: "busy",
				Help: "Workers currently handling a message, by stage.",
			}, []string{"stage"}),
			adminRequests: counter("admin", "requests_total",
				"Admin API requests by method and status code.", "method", "code"),
			adminLatencies: histogram("admin", "request_duration_seconds",
				"Admin API latency by method and route pattern.",
				[]float64{0.005, 0.025, 0.1, 0.5, 1, 5}, "method", "route"),
		}
	})
}

func get() *collectors {
	Init()
	return registered
}

// SanitizeSite reduces a URL to its lowercase hostname so label cardinality
// stays bounded. Unparseable input maps to "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch result. Status 0 means the fetch failed.
func ObserveFetch(rawURL string, status int, size int) {
	c, site := get(), SanitizeSite(rawURL)
	c.fetchPages.WithLabelValues(site, strconv.Itoa(status)).Inc()
	if size > 0 {
		c.fetchBytes.WithLabelValues(site).Add(float64(size))
	}
}

// ObserveRateLimitDelay records a wait imposed by the request interval.
func ObserveRateLimitDelay(site string, wait time.Duration) {
	get().fetchThrottle.WithLabelValues(site).Observe(wait.Seconds())
}

// ObserveQueue counts one queue operation.
func ObserveQueue(queue, op string) {
	get().queueMessages.WithLabelValues(queue, op).Inc()
}

// ObserveFollowups counts follow-up requests produced by a step.
func ObserveFollowups(stepType string, n int) {
	if n <= 0 {
		return
	}
	get().stepFollowups.WithLabelValues(stepType).Add(float64(n))
}

// ObserveRecord counts one extracted record by route.
func ObserveRecord(route string) {
	get().stepRecords.WithLabelValues(route).Inc()
}

// ObserveSave counts one persistence attempt outcome.
func ObserveSave(backend, outcome string) {
	get().sinkSaves.WithLabelValues(backend, outcome).Inc()
}

// IncActiveWorkers marks a stage worker busy.
func IncActiveWorkers(stage string) {
	get().workersBusy.WithLabelValues(stage).Inc()
}

// DecActiveWorkers marks a stage worker idle.
func DecActiveWorkers(stage string) {
	get().workersBusy.WithLabelValues(stage).Dec()
}

// ObserveHTTPRequest records one admin API request.
func ObserveHTTPRequest(method, route string, code int, took time.Duration) {
	c := get()
	c.adminRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.adminLatencies.WithLabelValues(method, route).Observe(took.Seconds())
}
