package observability

import (
	"cmp"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// StageStats summarises the recent durations of one pipeline stage.
// OverTarget counts samples in the window slower than the stage budget.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// pipelineStage is one step of transcript ingestion and its p95 budget.
// A zero budget means the stage is reported but not judged.
type pipelineStage struct {
	name   string
	budget time.Duration
}

// Listed in execution order; reports follow this order.
var pipelineStages = []pipelineStage{
	{name: "source"},
	{name: "parse", budget: 20 * time.Millisecond},
	{name: "score", budget: 1500 * time.Millisecond},
	{name: "assemble", budget: 1600 * time.Millisecond},
	{name: "commit", budget: 100 * time.Millisecond},
	{name: "link", budget: 250 * time.Millisecond},
	{name: "ingest_total", budget: 2 * time.Second},
}

// lookupStage returns the position and budget of a known stage. Unknown
// stages sort after every known one.
func lookupStage(name string) (int, time.Duration) {
	i := slices.IndexFunc(pipelineStages, func(s pipelineStage) bool { return s.name == name })
	if i < 0 {
		return len(pipelineStages), 0
	}
	return i, pipelineStages[i].budget
}

// stageHistory holds the most recent durations of one stage. The slot for
// the next observation is seen modulo the capacity.
type stageHistory struct {
	durations []time.Duration
	seen      int
}

func (h *stageHistory) add(d time.Duration) {
	h.durations[h.seen%len(h.durations)] = d
	h.seen++
}

func (h *stageHistory) latest() time.Duration {
	return h.durations[(h.seen-1)%len(h.durations)]
}

func (h *stageHistory) retained() []time.Duration {
	return h.durations[:min(h.seen, len(h.durations))]
}

// stageWindow is the rolling per-stage latency view behind /v1/perf/pipeline,
// plus plain counters for pipeline events that carry no duration.
type stageWindow struct {
	mu         sync.RWMutex
	capacity   int
	history    map[string]*stageHistory
	indicators map[string]int
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &stageWindow{
		capacity:   capacity,
		history:    make(map[string]*stageHistory),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.history[stage]
	if h == nil {
		h = &stageHistory{durations: make([]time.Duration, w.capacity)}
		w.history[stage] = h
	}
	h.add(d)
}

func (w *stageWindow) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stages := make([]StageStats, 0, len(w.history))
	for name, h := range w.history {
		stages = append(stages, summarise(name, h))
	}
	slices.SortFunc(stages, func(a, b StageStats) int {
		ai, _ := lookupStage(a.Stage)
		bi, _ := lookupStage(b.Stage)
		return cmp.Or(cmp.Compare(ai, bi), strings.Compare(a.Stage, b.Stage))
	})

	var indicators []Indicator
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		indicators = append(indicators, Indicator{Name: name, Count: w.indicators[name]})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func summarise(name string, h *stageHistory) StageStats {
	_, budget := lookupStage(name)
	kept := h.retained()
	ms := make([]float64, len(kept))
	over := 0
	for i, d := range kept {
		ms[i] = millis(d)
		if budget > 0 && d > budget {
			over++
		}
	}
	slices.Sort(ms)
	return StageStats{
		Stage:       name,
		Samples:     len(ms),
		LastMS:      roundMS(millis(h.latest())),
		AvgMS:       roundMS(stat.Mean(ms, nil)),
		P50MS:       roundMS(stat.Quantile(0.50, stat.Empirical, ms, nil)),
		P95MS:       roundMS(stat.Quantile(0.95, stat.Empirical, ms, nil)),
		P99MS:       roundMS(stat.Quantile(0.99, stat.Empirical, ms, nil)),
		TargetP95MS: millis(budget),
		OverTarget:  over,
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// roundMS keeps two decimals, i.e. 10µs resolution.
func roundMS(v float64) float64 {
	return math.Round(v*100) / 100
}
