// Package abr selects a playback variant from measured bandwidth and
// buffer level, with hysteresis so the engine doesn't thrash between
// qualities on noisy bandwidth estimates.
//
// The "sort candidates by a priority score, lock in the chosen one
// for a cooldown window" shape is grounded in the teacher's load
// balancer: proxy/load_balancer.go and proxy/loadbalancer/instance.go
// sort M3U indexes by ConcurrencyPriorityValue and commit to the best
// available one per lap. ABRController generalizes that into a
// bitrate/buffer-driven choice instead of a concurrency-slot choice.
package abr

import (
	"sync"

	"stream-engine/playlist"
)

// Estimator is the read side of bandwidth.Estimator that ABR needs.
type Estimator interface {
	EMA() float64
}

// Config holds the tuning constants from spec.md §4.4.
type Config struct {
	SwitchIntervalMs int64
	PanicBufferS      float64
	SafeBufferS       float64
	RichBufferS       float64
	SafetyFactor      float64 // 0.8
	StepUpMargin      float64 // 1.1
}

func NewDefaultConfig() *Config {
	return &Config{
		SwitchIntervalMs: 10_000,
		PanicBufferS:     5,
		SafeBufferS:      20,
		RichBufferS:      60,
		SafetyFactor:     0.8,
		StepUpMargin:     1.1,
	}
}

// Controller selects a variant index from a bitrate-ascending variant
// list. It is not goroutine-confined to a single session by
// construction, but in practice each StreamSession owns exactly one.
type Controller struct {
	mu        sync.Mutex
	cfg       *Config
	estimator Estimator

	current      int
	lastSwitchMs int64
	locked       bool
	lockedIndex  int
}

func New(estimator Estimator, cfg *Config) *Controller {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	return &Controller{cfg: cfg, estimator: estimator}
}

// Lock pins the controller to a specific variant index (owner-driven
// "set_quality(variant_ix)"); Unlock returns to automatic selection.
func (c *Controller) Lock(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
	c.lockedIndex = index
	c.current = index
}

func (c *Controller) Unlock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = false
}

// Current returns the last selected index without recomputing.
func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SetCurrent forces the controller's notion of "current" without
// going through the hysteresis machinery, used when a StreamSession
// seeds ABR with its initial ⌊len/2⌋ pick.
func (c *Controller) SetCurrent(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = index
}

// Select runs the spec.md §4.4 algorithm against variants (ascending
// bitrate), the current buffer depth in seconds, and the current
// monotonic clock in milliseconds.
func (c *Controller) Select(variants []playlist.Variant, bufferSeconds float64, nowMs int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(variants) == 0 {
		return 0
	}
	if c.locked {
		return clampIndex(c.lockedIndex, len(variants))
	}

	if nowMs-c.lastSwitchMs < c.cfg.SwitchIntervalMs && bufferSeconds > c.cfg.PanicBufferS {
		return clampIndex(c.current, len(variants))
	}

	safeBW := c.cfg.SafetyFactor * c.estimator.EMA()
	i := 0
	for idx, v := range variants {
		if float64(v.BitrateBPS) <= safeBW {
			i = idx
		}
	}

	if bufferSeconds < c.cfg.PanicBufferS {
		i = 0
	} else if bufferSeconds > c.cfg.RichBufferS && i+1 < len(variants) {
		if float64(variants[i+1].BitrateBPS) < c.cfg.StepUpMargin*c.estimator.EMA() {
			i++
		}
	}

	i = clampIndex(i, len(variants))
	if i != c.current {
		c.current = i
		c.lastSwitchMs = nowMs
	}
	return i
}

func clampIndex(i, n int) int {
	if n == 0 {
		return 0
	}
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
