// Package metrics keeps in-process operational counters for the governance
// server, exported as JSON and Prometheus text.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu        sync.RWMutex
	endpoint  map[string]*EndpointStat
	decisions map[string]int64
	gauges    map[string]float64

	evalLatency LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Decisions     map[string]int64        `json:"decisions"`
	Gauges        map[string]float64      `json:"gauges"`
	EvalLatencyMS LatencyStat             `json:"evaluation_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		decisions: map[string]int64{},
		gauges:    map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
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
}

func (r *Registry) IncDecision(decision string) {
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decisions[decision]++
	r.mu.Unlock()
}

func (r *Registry) ObserveEvaluation(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:     make(map[string]int64, len(r.decisions)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		EvalLatencyMS: r.evalLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decisions {
		out.Decisions[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP sentinel_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE sentinel_endpoint_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sentinel_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP sentinel_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE sentinel_endpoint_error_count counter\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sentinel_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP sentinel_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE sentinel_endpoint_avg_millis gauge\n")
		for _, ep := range sortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "sentinel_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP sentinel_decision_total verdicts by decision\n")
		b.WriteString("# TYPE sentinel_decision_total counter\n")
		for _, d := range sortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "sentinel_decision_total{decision=%q} %d\n", d, snap.Decisions[d])
		}
		b.WriteString("# HELP sentinel_gauge operational gauges\n")
		b.WriteString("# TYPE sentinel_gauge gauge\n")
		for _, name := range sortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "sentinel_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP sentinel_evaluation_latency_ms governance pipeline latency in ms\n")
		b.WriteString("# TYPE sentinel_evaluation_latency_ms gauge\n")
		fmt.Fprintf(b, "sentinel_evaluation_latency_ms{stat=%q} %d\n", "last", snap.EvalLatencyMS.LastMS)
		fmt.Fprintf(b, "sentinel_evaluation_latency_ms{stat=%q} %.3f\n", "avg", snap.EvalLatencyMS.AvgMS)
		fmt.Fprintf(b, "sentinel_evaluation_latency_ms{stat=%q} %d\n", "max", snap.EvalLatencyMS.MaxMS)
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
