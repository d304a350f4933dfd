// Package metrics holds the prometheus collectors shared by the storylink
// components. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder groups the storylink collectors behind a single registry
type Recorder struct {
	registry *prometheus.Registry

	apiCallCounter   *prometheus.CounterVec
	apiCallDuration  *prometheus.HistogramVec
	cacheCounter     *prometheus.CounterVec
	sagaStepCounter  *prometheus.CounterVec
	replyComments    *prometheus.CounterVec
	selectionWrites  *prometheus.CounterVec
	linkedStoryGauge prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.apiCallCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storylink_api_calls_total",
			Help: "Total number of calls made to the story tracker API",
		},
		[]string{"method", "status"},
	)

	r.apiCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storylink_api_call_duration_seconds",
			Help:    "Duration of calls to the story tracker API",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	r.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storylink_dependency_cache_total",
			Help: "Dependency set cache lookups by result",
		},
		[]string{"result"},
	)

	r.sagaStepCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storylink_saga_steps_total",
			Help: "Saga steps executed by saga kind, step and outcome",
		},
		[]string{"kind", "step", "outcome"},
	)

	r.replyComments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storylink_reply_comments_total",
			Help: "Comments posted to linked stories on reply submission",
		},
		[]string{"channel", "result"},
	)

	r.selectionWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storylink_selection_writes_total",
			Help: "Selection state writes by channel and operation",
		},
		[]string{"channel", "op"},
	)

	r.linkedStoryGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storylink_linked_stories",
			Help: "Linked stories on the most recently loaded ticket",
		},
	)

	r.registry.MustRegister(r.apiCallCounter, r.apiCallDuration, r.cacheCounter,
		r.sagaStepCounter, r.replyComments, r.selectionWrites, r.linkedStoryGauge)

	return r
}

// Registry exposes the underlying registry, mainly for tests
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the recorder's metrics in the prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveAPICall records one round trip to the tracker. status 0 means transport failure.
func (r *Recorder) ObserveAPICall(method string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	r.apiCallCounter.WithLabelValues(method, label).Inc()
	r.apiCallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// CacheHit records a dependency cache hit
func (r *Recorder) CacheHit() {
	if r == nil {
		return
	}
	r.cacheCounter.WithLabelValues("hit").Inc()
}

// CacheMiss records a dependency cache miss
func (r *Recorder) CacheMiss() {
	if r == nil {
		return
	}
	r.cacheCounter.WithLabelValues("miss").Inc()
}

// SagaStep records the outcome of one saga step: done, skipped, failed or retried
func (r *Recorder) SagaStep(kind, step, outcome string) {
	if r == nil {
		return
	}
	r.sagaStepCounter.WithLabelValues(kind, step, outcome).Inc()
}

// ReplyComment records one comment posted (or not) on reply submission
func (r *Recorder) ReplyComment(channel string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.replyComments.WithLabelValues(channel, result).Inc()
}

// SelectionWrite records a selection set or delete
func (r *Recorder) SelectionWrite(channel, op string) {
	if r == nil {
		return
	}
	r.selectionWrites.WithLabelValues(channel, op).Inc()
}

// LinkedStories records the number of stories linked to the current ticket
func (r *Recorder) LinkedStories(n int) {
	if r == nil {
		return
	}
	r.linkedStoryGauge.Set(float64(n))
}
