package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	decision    map[string]int64
	reason      map[string]int64
	transition  map[string]int64
	tick        map[string]int64
	packetFault map[string]int64
	gauges      map[string]float64
	cacheHits   int64
	cacheMisses int64
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Endpoints    map[string]EndpointStat `json:"endpoints"`
	Decisions    map[string]int64        `json:"decisions"`
	Reasons      map[string]int64        `json:"reasons"`
	Transitions  map[string]int64        `json:"transitions"`
	Ticks        map[string]int64        `json:"ticks"`
	PacketFaults map[string]int64        `json:"packet_faults"`
	Gauges       map[string]float64      `json:"gauges"`
	CacheHits    int64                   `json:"kb_cache_hits_total"`
	CacheMisses  int64                   `json:"kb_cache_misses_total"`
	Histograms   []HistogramSnapshot     `json:"histograms,omitempty"`
}

// Tick outcomes recorded by IncTick.
const (
	TickRan    = "ran"
	TickIdle   = "idle"
	TickError  = "error"
	TickFailed = "failed"
)

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		decision:    map[string]int64{},
		reason:      map[string]int64{},
		transition:  map[string]int64{},
		tick:        map[string]int64{},
		packetFault: map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(name string, d time.Duration) {
	r.Histograms.ObserveDuration(name, d)
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

func (r *Registry) inc(m map[string]int64, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	r.mu.Lock()
	m[key]++
	r.mu.Unlock()
}

// IncDecision counts one SGL verdict and each of its reasons.
func (r *Registry) IncDecision(verdict string, reasons ...string) {
	r.inc(r.decision, verdict)
	for _, reason := range reasons {
		r.inc(r.reason, reason)
	}
}

func (r *Registry) IncTransition(from, to string) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return
	}
	r.inc(r.transition, from+"|"+to)
}

func (r *Registry) IncTick(outcome string) { r.inc(r.tick, outcome) }

func (r *Registry) IncPacketFault(agent string) { r.inc(r.packetFault, strings.ToUpper(agent)) }

func (r *Registry) IncCache(hit bool) {
	r.mu.Lock()
	if hit {
		r.cacheHits++
	} else {
		r.cacheMisses++
	}
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Endpoints:    make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:    copyCounts(r.decision),
		Reasons:      copyCounts(r.reason),
		Transitions:  copyCounts(r.transition),
		Ticks:        copyCounts(r.tick),
		PacketFaults: copyCounts(r.packetFault),
		Gauges:       make(map[string]float64, len(r.gauges)),
		CacheHits:    r.cacheHits,
		CacheMisses:  r.cacheMisses,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
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

func writeCounter(b *strings.Builder, name, help, label string, m map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, k := range SortedKeys(m) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, m[k])
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP atlas_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE atlas_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "atlas_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP atlas_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE atlas_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "atlas_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP atlas_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE atlas_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "atlas_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		writeCounter(b, "atlas_sgl_decision_total", "SGL decisions by verdict", "verdict", snap.Decisions)
		writeCounter(b, "atlas_sgl_reason_total", "SGL decisions by reason code", "reason", snap.Reasons)
		b.WriteString("# HELP atlas_intent_transition_total intent status transitions\n")
		b.WriteString("# TYPE atlas_intent_transition_total counter\n")
		for _, key := range SortedKeys(snap.Transitions) {
			from, to, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "atlas_intent_transition_total{from=%q,to=%q} %d\n", from, to, snap.Transitions[key])
		}
		writeCounter(b, "atlas_tick_total", "worker ticks by outcome", "outcome", snap.Ticks)
		writeCounter(b, "atlas_packet_fault_total", "recovered packet generator faults", "agent", snap.PacketFaults)
		b.WriteString("# HELP atlas_kb_cache_total knowledge pack lookups\n")
		b.WriteString("# TYPE atlas_kb_cache_total counter\n")
		fmt.Fprintf(b, "atlas_kb_cache_total{result=%q} %d\n", "hit", snap.CacheHits)
		fmt.Fprintf(b, "atlas_kb_cache_total{result=%q} %d\n", "miss", snap.CacheMisses)
		b.WriteString("# HELP atlas_gauge operational gauge metrics\n")
		b.WriteString("# TYPE atlas_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "atlas_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP atlas_latency_seconds latency histogram\n")
			b.WriteString("# TYPE atlas_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "atlas_latency_seconds_bucket{name=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "atlas_latency_seconds_bucket{name=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "atlas_latency_seconds_sum{name=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "atlas_latency_seconds_count{name=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

// Middleware records count, status and latency per route pattern.
func (r *Registry) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			name := req.Method + " " + req.URL.Path
			if route != nil {
				if p := route(req); p != "" {
					name = req.Method + " " + p
				}
			}
			d := time.Since(start)
			r.Observe(name, rec.status, d)
			r.ObserveLatency(name, d)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack keeps websocket upgrades working behind the middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
