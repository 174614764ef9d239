package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry keeps in-process decision counters for health reporting and
// mirrors them into a prometheus registry for scraping.
type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	outcome       map[string]int64
	reason        map[string]int64
	gauges        map[string]float64
	stages        map[string]*LatencyStat
	verifyLatency LatencyStat

	prom          *prometheus.Registry
	decisions     *prometheus.CounterVec
	denials       *prometheus.CounterVec
	verifySeconds prometheus.Histogram
	stageSeconds  *prometheus.HistogramVec
	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
	gaugeVec      *prometheus.GaugeVec
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"errorCount"`
	TotalMillis    int64   `json:"totalMillis"`
	MaxMillis      int64   `json:"maxMillis"`
	AverageMillis  float64 `json:"averageMillis"`
	LastStatusCode int     `json:"lastStatusCode"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"totalMs"`
	MaxMS   int64   `json:"maxMs"`
	LastMS  int64   `json:"lastMs"`
	AvgMS   float64 `json:"avgMs"`
}

func (s *LatencyStat) observe(ms int64) {
	if ms < 0 {
		ms = 0
	}
	s.Count++
	s.TotalMS += ms
	s.LastMS = ms
	if ms > s.MaxMS {
		s.MaxMS = ms
	}
	s.AvgMS = float64(s.TotalMS) / float64(s.Count)
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generatedAt"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Outcomes      map[string]int64        `json:"outcomes"`
	Reasons       map[string]int64        `json:"reasons"`
	Gauges        map[string]float64      `json:"gauges"`
	Stages        map[string]LatencyStat  `json:"stages"`
	VerifyLatency LatencyStat             `json:"verifyLatencyMs"`
}

// Summary is the metrics block returned by the health check.
type Summary struct {
	TotalVerifications int64   `json:"totalVerifications"`
	Approved           int64   `json:"approved"`
	Denied             int64   `json:"denied"`
	Escalated          int64   `json:"escalated"`
	AvgLatencyMs       float64 `json:"avgLatencyMs"`
	MaxLatencyMs       int64   `json:"maxLatencyMs"`
}

func NewRegistry() *Registry {
	r := &Registry{
		endpoint: map[string]*EndpointStat{},
		outcome:  map[string]int64{},
		reason:   map[string]int64{},
		gauges:   map[string]float64{},
		stages:   map[string]*LatencyStat{},
		prom:     prometheus.NewRegistry(),
	}
	r.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soul",
		Name:      "decisions_total",
		Help:      "Verification decisions by outcome.",
	}, []string{"outcome"})
	r.denials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soul",
		Name:      "denials_total",
		Help:      "Denied verifications by reason code.",
	}, []string{"reason"})
	r.verifySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "soul",
		Name:      "verify_duration_seconds",
		Help:      "End-to-end verification latency.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	r.stageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "soul",
		Name:      "stage_duration_seconds",
		Help:      "Verification stage latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"stage", "outcome"})
	r.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soul",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"route", "method", "status"})
	r.requestTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "soul",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	r.gaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "soul",
		Name:      "gauge",
		Help:      "Operational gauges.",
	}, []string{"name"})
	r.prom.MustRegister(r.decisions, r.denials, r.verifySeconds, r.stageSeconds, r.requests, r.requestTime, r.gaugeVec)
	return r
}

// Observe records one HTTP request.
func (r *Registry) Observe(route, method string, status int, d time.Duration) {
	millis := d.Milliseconds()
	key := method + " " + route
	r.mu.Lock()
	stat, ok := r.endpoint[key]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[key] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	r.mu.Unlock()

	r.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.requestTime.WithLabelValues(route, method).Observe(d.Seconds())
}

// RecordDecision counts one verification. reason is empty unless denied.
func (r *Registry) RecordDecision(outcome, reason string, d time.Duration) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	if reason != "" {
		r.reason[reason]++
	}
	r.verifyLatency.observe(d.Milliseconds())
	r.mu.Unlock()

	r.decisions.WithLabelValues(outcome).Inc()
	if reason != "" {
		r.denials.WithLabelValues(reason).Inc()
	}
	r.verifySeconds.Observe(d.Seconds())
}

func (r *Registry) ObserveStage(stage, outcome string, d time.Duration) {
	if stage == "" {
		return
	}
	r.mu.Lock()
	stat, ok := r.stages[stage]
	if !ok {
		stat = &LatencyStat{}
		r.stages[stage] = stat
	}
	stat.observe(d.Milliseconds())
	r.mu.Unlock()
	r.stageSeconds.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
	r.gaugeVec.WithLabelValues(name).Set(value)
}

func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Summary{
		TotalVerifications: r.verifyLatency.Count,
		Approved:           r.outcome["approved"],
		Denied:             r.outcome["denied"],
		Escalated:          r.outcome["escalated"],
		AvgLatencyMs:       r.verifyLatency.AvgMS,
		MaxLatencyMs:       r.verifyLatency.MaxMS,
	}
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:      make(map[string]int64, len(r.outcome)),
		Reasons:       make(map[string]int64, len(r.reason)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		Stages:        make(map[string]LatencyStat, len(r.stages)),
		VerifyLatency: r.verifyLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.stages {
		out.Stages[k] = *v
	}
	return out
}

// Handler serves the JSON snapshot.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

// PrometheusHandler serves the text exposition format.
func (r *Registry) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying prometheus registry for tests and
// additional collectors.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prom
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
