// Package metrics implements the small slice of Prometheus the services
// here actually need: counters, gauges, and fixed-bucket histograms,
// rendered in the text exposition format. Labels are baked into the
// series name with WithLabels, so every label combination is its own
// series and the registry stays a flat map.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets spans a few milliseconds to a minute, which fits both
// request handlers and whole ingest runs.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter only ever counts up.
type Counter struct{ n atomic.Int64 }

func (c *Counter) Inc()         { c.n.Add(1) }
func (c *Counter) Add(n int64)  { c.n.Add(n) }
func (c *Counter) Value() int64 { return c.n.Load() }

// Gauge holds a value that can move in both directions.
type Gauge struct{ n atomic.Int64 }

func (g *Gauge) Set(v int64)   { g.n.Store(v) }
func (g *Gauge) Inc()          { g.n.Add(1) }
func (g *Gauge) Dec()          { g.n.Add(-1) }
func (g *Gauge) Value() int64  { return g.n.Load() }

// Histogram counts observations against a fixed, sorted set of upper
// bounds. Buckets hold raw per-bucket counts and are only made
// cumulative at render time.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64
	sum    float64
	total  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b))}
}

// Observe files v into the first bucket whose upper bound admits it.
// Values beyond the largest bound only count toward sum and total.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.total++
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) { h.Observe(time.Since(t).Seconds()) }

func (h *Histogram) snapshot() (bounds []float64, counts []uint64, sum float64, total uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds, append([]uint64(nil), h.counts...), h.sum, h.total
}

type kind uint8

const (
	kindCounter kind = iota
	kindGauge
	kindHistogram
)

func (k kind) String() string {
	switch k {
	case kindCounter:
		return "counter"
	case kindGauge:
		return "gauge"
	case kindHistogram:
		return "histogram"
	}
	return "untyped"
}

// family is one base metric name plus every labeled series registered
// under it. Families render in registration order, series within a
// family in sorted order, so consecutive scrapes line up.
type family struct {
	name   string
	kind   kind
	help   string
	series []string
}

// Registry owns the metrics of one process. The zero value is not
// usable; call New.
type Registry struct {
	mu       sync.RWMutex
	families []*family
	index    map[string]*family
	counters map[string]*Counter
	gauges   map[string]*Gauge
	hists    map[string]*Histogram
}

func New() *Registry {
	return &Registry{
		index:    make(map[string]*family),
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		hists:    make(map[string]*Histogram),
	}
}

// register files a new series under its family, creating the family on
// first sight. The first non-empty help string wins. Callers hold r.mu
// and have already ruled out a duplicate series.
func (r *Registry) register(series string, k kind, help string) {
	base, _ := splitSeries(series)
	f, ok := r.index[base]
	if !ok {
		f = &family{name: base, kind: k}
		r.index[base] = f
		r.families = append(r.families, f)
	}
	if f.help == "" {
		f.help = help
	}
	f.series = append(f.series, series)
}

// Counter returns the counter registered under name, creating it on
// first use. Pass a WithLabels name to get a distinct labeled series.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	r.register(name, kindCounter, help)
	return c
}

// Gauge returns the gauge registered under name, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[name] = g
	r.register(name, kindGauge, help)
	return g
}

// Histogram returns the histogram registered under name, creating it
// with the given bucket bounds on first use. Nil buckets means
// DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hists[name]; ok {
		return h
	}
	h := newHistogram(buckets)
	r.hists[name] = h
	r.register(name, kindHistogram, help)
	return h
}

// WithLabels encodes label pairs into a metric name:
//
//	WithLabels("hits_total", "source", "docs") == `hits_total{source="docs"}`
//
// An odd or empty pair list returns the name untouched.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) < 2 || len(kvs)%2 != 0 {
		return name
	}
	pairs := make([]string, 0, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		pairs = append(pairs, kvs[i]+`="`+kvs[i+1]+`"`)
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// splitSeries separates the base name from the braced label block, if
// any. The block keeps its braces so Render can re-emit it verbatim.
func splitSeries(series string) (base, labels string) {
	if i := strings.IndexByte(series, '{'); i >= 0 {
		return series[:i], series[i:]
	}
	return series, ""
}

// withLe appends the bucket bound to an existing label block.
func withLe(labels, le string) string {
	if labels == "" {
		return `{le="` + le + `"}`
	}
	return strings.TrimSuffix(labels, "}") + `,le="` + le + `"}`
}

// Render produces the registry contents in the Prometheus text
// exposition format.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, f := range r.families {
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", f.name, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", f.name, f.kind)

		series := append([]string(nil), f.series...)
		sort.Strings(series)
		for _, s := range series {
			_, labels := splitSeries(s)
			switch f.kind {
			case kindCounter:
				if c, ok := r.counters[s]; ok {
					fmt.Fprintf(&b, "%s %d\n", s, c.Value())
				}
			case kindGauge:
				if g, ok := r.gauges[s]; ok {
					fmt.Fprintf(&b, "%s %d\n", s, g.Value())
				}
			case kindHistogram:
				h, ok := r.hists[s]
				if !ok {
					continue
				}
				bounds, counts, sum, total := h.snapshot()
				var acc uint64
				for i, le := range bounds {
					acc += counts[i]
					fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, withLe(labels, fmt.Sprintf("%g", le)), acc)
				}
				fmt.Fprintf(&b, "%s_bucket%s %d\n", f.name, withLe(labels, "+Inf"), total)
				fmt.Fprintf(&b, "%s_sum%s %g\n", f.name, labels, sum)
				fmt.Fprintf(&b, "%s_count%s %d\n", f.name, labels, total)
			}
		}
	}
	return b.String()
}

// CollectRuntime exports Go runtime stats as gauges under the given
// prefix, sampling once immediately and then on the interval for the
// life of the process.
func (r *Registry) CollectRuntime(prefix string, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	goroutines := r.Gauge(prefix+"_goroutines", "Live goroutines")
	heapAlloc := r.Gauge(prefix+"_heap_alloc_bytes", "Bytes of allocated heap objects")
	heapSys := r.Gauge(prefix+"_heap_sys_bytes", "Bytes of heap obtained from the OS")
	gcRuns := r.Gauge(prefix+"_gc_cycles_total", "Completed GC cycles")

	sample := func() {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		goroutines.Set(int64(runtime.NumGoroutine()))
		heapAlloc.Set(int64(ms.HeapAlloc))
		heapSys.Set(int64(ms.HeapSys))
		gcRuns.Set(int64(ms.NumGC))
	}
	sample()

	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for range tick.C {
			sample()
		}
	}()
}

// Handler serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}

// Serve blocks on an HTTP server exposing /metrics on the given port.
// The root path answers with a bare ok line for liveness probes.
func (r *Registry) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

// ServeAsync runs Serve in the background and logs if it ever returns.
func (r *Registry) ServeAsync(port int) {
	go func() {
		if err := r.Serve(port); err != nil {
			slog.Error("metrics server stopped", "port", port, "error", err)
		}
	}()
}
