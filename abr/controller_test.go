package abr

import (
	"testing"

	"stream-engine/playlist"
)

type fixedEstimator struct{ ema float64 }

func (f fixedEstimator) EMA() float64 { return f.ema }

func ascendingVariants(bitrates ...int64) []playlist.Variant {
	vs := make([]playlist.Variant, len(bitrates))
	for i, b := range bitrates {
		vs[i] = playlist.Variant{BitrateBPS: b, URL: "v"}
	}
	return vs
}

func TestSelectPicksHighestAffordableVariant(t *testing.T) {
	// ema = 6 Mbps, safeBW = 4.8 Mbps -> largest index with bitrate <= 4.8M
	vs := ascendingVariants(1_000_000, 2_000_000, 5_000_000)
	c := New(fixedEstimator{ema: 6_000_000}, nil)
	got := c.Select(vs, 30, 100_000)
	if got != 1 {
		t.Fatalf("expected index 1 (2Mbps <= 4.8Mbps safe bw), got %d", got)
	}
}

func TestSelectForcesLowestUnderPanicBuffer(t *testing.T) {
	vs := ascendingVariants(1_000_000, 2_000_000, 5_000_000)
	c := New(fixedEstimator{ema: 10_000_000}, nil)
	got := c.Select(vs, 2, 100_000) // buffer < panicBuffer(5s)
	if got != 0 {
		t.Fatalf("expected forced index 0 under panic buffer, got %d", got)
	}
}

func TestSelectStepsUpOnRichBuffer(t *testing.T) {
	vs := ascendingVariants(1_000_000, 2_000_000, 5_000_000)
	c := New(fixedEstimator{ema: 6_000_000}, nil)
	c.SetCurrent(1)
	// buffer > richBuffer(60s); next-up (5M) < 1.1*6M=6.6M -> step up to 2
	got := c.Select(vs, 65, 100_000)
	if got != 2 {
		t.Fatalf("expected step-up to index 2 on rich buffer, got %d", got)
	}
}

func TestHysteresisSuppressesRapidSwitching(t *testing.T) {
	vs := ascendingVariants(1_000_000, 2_000_000, 5_000_000)
	c := New(fixedEstimator{ema: 1_500_000}, nil)

	first := c.Select(vs, 30, 0)
	// A wildly different ema within switchInterval and buffer > panicBuffer
	// should not move the selection (hysteresis).
	c2 := New(fixedEstimator{ema: 5_000_000}, nil)
	c2.SetCurrent(first)
	got := c2.Select(vs, 30, 5_000) // 5s < switchInterval(10s), buffer(30) > panicBuffer(5)
	if got != first {
		t.Fatalf("expected hysteresis to hold at %d, got %d", first, got)
	}
}

func TestPanicBufferBypassesHysteresis(t *testing.T) {
	vs := ascendingVariants(1_000_000, 2_000_000, 5_000_000)
	c := New(fixedEstimator{ema: 5_000_000}, nil)
	c.SetCurrent(2)
	c.lastSwitchMs = 0
	got := c.Select(vs, 2, 1_000) // within switchInterval but buffer < panicBuffer
	if got != 0 {
		t.Fatalf("expected panic buffer to force index 0 despite hysteresis window, got %d", got)
	}
}

func TestLockPinsSelection(t *testing.T) {
	vs := ascendingVariants(1_000_000, 2_000_000, 5_000_000)
	c := New(fixedEstimator{ema: 100}, nil)
	c.Lock(2)
	if got := c.Select(vs, 1, 0); got != 2 {
		t.Fatalf("expected locked index 2 regardless of inputs, got %d", got)
	}

	c.Unlock()
	// With ema=100 the safe bandwidth is far below the cheapest
	// variant, so automatic selection must fall back to index 0.
	if got := c.Select(vs, 30, 100_000); got != 0 {
		t.Fatalf("expected unlock to resume automatic selection at index 0, got %d", got)
	}
}
