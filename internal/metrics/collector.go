// Package metrics collects counters and histograms for tool calls and model
// requests and renders them in the Prometheus text exposition format, suitable
// for a node_exporter textfile collector.
package metrics

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	ToolCallsTotal   = "codeagent_tool_calls_total"
	ToolLatency      = "codeagent_tool_latency_seconds"
	LLMRequestsTotal = "codeagent_llm_requests_total"
	LLMTokensTotal   = "codeagent_llm_tokens_total"
	LLMLatency       = "codeagent_llm_latency_seconds"
)

var (
	toolBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 10, 30}
	llmBuckets  = []float64{0.5, 1, 2, 5, 10, 30, 60, 120}
)

var help = map[string]string{
	ToolCallsTotal:   "Tool calls dispatched, by tool and outcome",
	ToolLatency:      "Tool execution latency in seconds",
	LLMRequestsTotal: "Chat completion requests, by provider",
	LLMTokensTotal:   "Tokens reported by the provider, by direction",
	LLMLatency:       "Chat completion latency in seconds",
}

// Collector aggregates counters and histograms. The zero value is not usable;
// a nil *Collector ignores every observation.
type Collector struct {
	mu         sync.Mutex
	counters   map[string]*Counter
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string]*Counter),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Labels renders key/value pairs as a Prometheus label set, sorted by key.
func Labels(kv ...string) string {
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%s=%q", kv[i], kv[i+1]))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (c *Collector) Counter(name, labels string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := name + "{" + labels + "}"
	if ctr, ok := c.counters[key]; ok {
		return ctr
	}
	ctr := &Counter{name: name, labels: labels}
	c.counters[key] = ctr
	return ctr
}

func (c *Collector) Histogram(name, labels string, buckets []float64) *Histogram {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := name + "{" + labels + "}"
	if h, ok := c.histograms[key]; ok {
		return h
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, 0, len(sorted)+1)
	for _, b := range sorted {
		hb = append(hb, histBucket{le: b})
	}
	hb = append(hb, histBucket{le: math.Inf(1)})
	h := &Histogram{name: name, labels: labels, buckets: hb}
	c.histograms[key] = h
	return h
}

// ObserveToolCall records one dispatched call. kind is empty on success.
func (c *Collector) ObserveToolCall(tool, kind string, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if kind != "" {
		outcome = kind
	}
	c.Counter(ToolCallsTotal, Labels("tool", tool, "outcome", outcome)).Inc()
	c.Histogram(ToolLatency, Labels("tool", tool), toolBuckets).Observe(d.Seconds())
}

// ObserveLLM records one chat completion.
func (c *Collector) ObserveLLM(provider string, promptTokens, completionTokens int, d time.Duration) {
	if c == nil {
		return
	}
	c.Counter(LLMRequestsTotal, Labels("provider", provider)).Inc()
	c.Counter(LLMTokensTotal, Labels("provider", provider, "direction", "prompt")).Add(int64(promptTokens))
	c.Counter(LLMTokensTotal, Labels("provider", provider, "direction", "completion")).Add(int64(completionTokens))
	c.Histogram(LLMLatency, Labels("provider", provider), llmBuckets).Observe(d.Seconds())
}

// WriteTo renders every metric in Prometheus text format, sorted by name.
func (c *Collector) WriteTo(w io.Writer) (int64, error) {
	c.mu.Lock()
	counters := make([]*Counter, 0, len(c.counters))
	for _, ctr := range c.counters {
		counters = append(counters, ctr)
	}
	hists := make([]*Histogram, 0, len(c.histograms))
	for _, h := range c.histograms {
		hists = append(hists, h)
	}
	c.mu.Unlock()

	sort.Slice(counters, func(i, j int) bool {
		return counters[i].name+counters[i].labels < counters[j].name+counters[j].labels
	})
	sort.Slice(hists, func(i, j int) bool {
		return hists[i].name+hists[i].labels < hists[j].name+hists[j].labels
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP codeagent_run_seconds Time since the collector was created\n")
	fmt.Fprintf(&sb, "# TYPE codeagent_run_seconds gauge\n")
	fmt.Fprintf(&sb, "codeagent_run_seconds %g\n", time.Since(c.startTime).Seconds())

	written := make(map[string]bool)
	for _, ctr := range counters {
		if !written[ctr.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, help[ctr.name], ctr.name)
			written[ctr.name] = true
		}
		fmt.Fprintf(&sb, "%s%s %d\n", ctr.name, braced(ctr.labels), ctr.Value())
	}

	for _, h := range hists {
		h.mu.Lock()
		if !written[h.name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, help[h.name], h.name)
			written[h.name] = true
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			labels := fmt.Sprintf("le=%q", le)
			if h.labels != "" {
				labels = h.labels + "," + labels
			}
			fmt.Fprintf(&sb, "%s_bucket{%s} %d\n", h.name, labels, b.count)
		}
		fmt.Fprintf(&sb, "%s_sum%s %g\n", h.name, braced(h.labels), h.sum)
		fmt.Fprintf(&sb, "%s_count%s %d\n", h.name, braced(h.labels), h.count)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// WriteFile writes the metrics atomically so a scraper never sees a partial file.
func (c *Collector) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".metrics-*")
	if err != nil {
		return err
	}
	if _, err := c.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}
