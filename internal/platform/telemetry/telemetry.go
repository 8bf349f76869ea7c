// Package telemetry keeps in-process metrics for the API and the run service
// and serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	// durationBuckets cover request latencies in seconds.
	durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	// runBuckets cover engine wall time in seconds.
	runBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300}
)

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries []float64

	mu      sync.Mutex
	buckets []int64
	count   int64
	sum     float64
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, buckets: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.boundaries {
		if v <= b {
			h.buckets[i]++
			return
		}
	}
}

func (h *histogram) snapshot() (cum []int64, count int64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum = make([]int64, len(h.buckets))
	var running int64
	for i, c := range h.buckets {
		running += c
		cum[i] = running
	}
	return cum, h.count, h.sum
}

// Metrics is the process-wide metric registry.
type Metrics struct {
	active atomic.Int64

	mu       sync.RWMutex
	requests map[string]*histogram // method|route|status
	runs     map[string]int64      // status|cached
	runTime  *histogram
}

func New() *Metrics {
	return &Metrics{
		requests: make(map[string]*histogram),
		runs:     make(map[string]int64),
		runTime:  newHistogram(runBuckets),
	}
}

// RunFinished records one finished run. Cached runs do not contribute to the
// engine time histogram.
func (m *Metrics) RunFinished(status string, cached bool, elapsed time.Duration) {
	m.mu.Lock()
	m.runs[status+"|"+strconv.FormatBool(cached)]++
	m.mu.Unlock()
	if !cached {
		m.runTime.Observe(elapsed.Seconds())
	}
}

// Runs returns how many runs finished with status.
func (m *Metrics) Runs(status string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs[status+"|false"] + m.runs[status+"|true"]
}

func (m *Metrics) requestHistogram(key string) *histogram {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.requests[key]; !ok {
		h = newHistogram(durationBuckets)
		m.requests[key] = h
	}
	return h
}

// Middleware records the latency of every request by method, route pattern
// and status code, plus the number of requests in flight.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Add(1)
			start := time.Now()
			err := next(c)
			m.active.Add(-1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := c.Request().Method + "|" + route + "|" + strconv.Itoa(status)
			m.requestHistogram(key).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Expose())
	}
}

// Expose renders every metric in the Prometheus text format.
func (m *Metrics) Expose() string {
	var b strings.Builder

	m.mu.RLock()
	reqKeys := sortedKeys(m.requests)
	reqs := make([]*histogram, len(reqKeys))
	for i, k := range reqKeys {
		reqs[i] = m.requests[k]
	}
	runKeys := sortedKeys(m.runs)
	runCounts := make([]int64, len(runKeys))
	for i, k := range runKeys {
		runCounts[i] = m.runs[k]
	}
	m.mu.RUnlock()

	b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
	for i, key := range reqKeys {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, "http_server_request_duration_seconds", labels, reqs[i], durationBuckets)
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", m.active.Load())

	b.WriteString("# HELP patientflow_runs_total Finished simulation runs by status.\n")
	b.WriteString("# TYPE patientflow_runs_total counter\n")
	for i, key := range runKeys {
		status, cached, _ := strings.Cut(key, "|")
		fmt.Fprintf(&b, "patientflow_runs_total{status=%q,cached=%q} %d\n", status, cached, runCounts[i])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP patientflow_run_duration_seconds Wall time spent in the engine per run.\n")
	b.WriteString("# TYPE patientflow_run_duration_seconds histogram\n")
	writeHistogram(&b, "patientflow_run_duration_seconds", "", m.runTime, runBuckets)
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram, boundaries []float64) {
	cum, count, sum := h.snapshot()
	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, bound := range boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, bound, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, count)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, sum)
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, count)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
