// Package bandwidth tracks a rolling window of throughput samples and
// exposes both an exponential moving average and arbitrary
// percentiles, feeding ABRController's variant selection.
//
// The EMA/window bookkeeping is grounded in the teacher's buffer
// health check in proxy/stream/buffer/coordinator.go's
// readAndWriteStream ("avgThroughput := float64(totalBytesRead) /
// elapsed"), generalized from a single running average into a
// windowed EMA plus percentile query.
package bandwidth

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	alpha      = 0.15
	windowSize = 20
)

// Sample is one completed-fetch throughput observation.
type Sample struct {
	BitsPerSecond float64
	AtMonotonicMs int64
}

// Estimator holds the EMA and rolling sample window described in
// spec.md §4.3. Safe for concurrent use: FetchPipeline reports from
// whichever goroutine completed a fetch.
type Estimator struct {
	mu     sync.Mutex
	window []Sample
	ema    float64
	seeded bool
	clock  func() int64
}

func New() *Estimator {
	return &Estimator{
		window: make([]Sample, 0, windowSize),
		clock:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Report computes bps = 8*bytes/(dtMs/1000), appends it to the
// window (evicting the oldest past capacity) and updates the EMA.
// The first sample seeds the EMA rather than blending against zero.
func (e *Estimator) Report(bytes int, dtMs int64) {
	if dtMs <= 0 {
		dtMs = 1
	}
	bps := 8 * float64(bytes) / (float64(dtMs) / 1000)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(bps)
}

func (e *Estimator) recordLocked(bps float64) {
	e.window = append(e.window, Sample{BitsPerSecond: bps, AtMonotonicMs: e.clock()})
	if len(e.window) > windowSize {
		e.window = e.window[len(e.window)-windowSize:]
	}

	if !e.seeded {
		e.ema = bps
		e.seeded = true
	} else {
		e.ema = alpha*bps + (1-alpha)*e.ema
	}
}

// EMA returns the current exponential moving average, or +Inf when
// no sample has ever been reported. Against +Inf every variant passes
// abr.Controller.Select's safe-bandwidth check; only its panic-buffer
// rule then pulls the choice down to the lowest variant.
func (e *Estimator) EMA() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded {
		return math.Inf(1)
	}
	return e.ema
}

// Percentile returns the pth percentile (p in [0,1]) of the current
// window, or +Inf if the window is empty.
func (e *Estimator) Percentile(p float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.window) == 0 {
		return math.Inf(1)
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	sorted := make([]float64, len(e.window))
	for i, s := range e.window {
		sorted[i] = s.BitsPerSecond
	}
	sort.Float64s(sorted)

	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Seed pre-loads the EMA with a prior sample (e.g. a value carried
// over from a previous session) without going through the dt-based
// bps computation; used by tests and by session restore.
func (e *Estimator) Seed(bps float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(bps)
}

// WindowLen reports how many samples are currently held, capped at
// the fixed window capacity.
func (e *Estimator) WindowLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.window)
}
