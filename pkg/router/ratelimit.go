package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linkerd/neurofabric/pkg/fabric"
)

// RateConfig is a per-layer token bucket configuration: rate and burst.
type RateConfig struct {
	Rate           float64 // tokens per second
	Burst          int
	SoftQueueDepth int
}

// rateLimiters owns one golang.org/x/time/rate.Limiter per layer plus one
// per self-looping unit, reconfigurable at runtime (changes take effect
// immediately, not at a snapshot boundary).
type rateLimiters struct {
	mu          sync.RWMutex
	perLayer    map[fabric.Layer]*rate.Limiter
	layerConfig map[fabric.Layer]RateConfig
	selfLoop    map[fabric.UnitID]*rate.Limiter
	selfLoopDiv int
}

func newRateLimiters(cfg map[fabric.Layer]RateConfig, selfLoopDivisor int) *rateLimiters {
	if selfLoopDivisor <= 0 {
		selfLoopDivisor = 10
	}
	rl := &rateLimiters{
		perLayer:    make(map[fabric.Layer]*rate.Limiter),
		layerConfig: make(map[fabric.Layer]RateConfig),
		selfLoop:    make(map[fabric.UnitID]*rate.Limiter),
		selfLoopDiv: selfLoopDivisor,
	}
	for layer, c := range cfg {
		rl.layerConfig[layer] = c
		rl.perLayer[layer] = rate.NewLimiter(rate.Limit(c.Rate), c.Burst)
	}
	return rl
}

// Reconfigure swaps in a fresh set of per-layer limiter parameters. The new
// limiters apply to the very next admission check; the swap is not
// coordinated with snapshot publication, and the Orchestrator does not
// call it.
func (rl *rateLimiters) Reconfigure(cfg map[fabric.Layer]RateConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for layer, c := range cfg {
		rl.layerConfig[layer] = c
		rl.perLayer[layer] = rate.NewLimiter(rate.Limit(c.Rate), c.Burst)
	}
}

// AllowLayer consumes one token from layer's bucket.
func (rl *rateLimiters) AllowLayer(layer fabric.Layer) bool {
	rl.mu.RLock()
	lim := rl.perLayer[layer]
	rl.mu.RUnlock()
	if lim == nil {
		return true // unconfigured layers are unbounded
	}
	return lim.Allow()
}

// SoftQueueDepth returns the configured soft queue depth for layer.
func (rl *rateLimiters) SoftQueueDepth(layer fabric.Layer) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.layerConfig[layer].SoftQueueDepth
}

// AllowSelfLoop consumes one token from unit's dedicated self-loop bucket,
// lazily derived from its layer's bucket at rate/selfLoopDivisor.
func (rl *rateLimiters) AllowSelfLoop(unit fabric.UnitID, layer fabric.Layer) bool {
	rl.mu.Lock()
	lim, ok := rl.selfLoop[unit]
	if !ok {
		base := rl.layerConfig[layer]
		r := base.Rate / float64(rl.selfLoopDiv)
		b := base.Burst / rl.selfLoopDiv
		if b < 1 {
			b = 1
		}
		lim = rate.NewLimiter(rate.Limit(r), b)
		rl.selfLoop[unit] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// RemoveUnit drops the unit's self-loop limiter on termination.
func (rl *rateLimiters) RemoveUnit(unit fabric.UnitID) {
	rl.mu.Lock()
	delete(rl.selfLoop, unit)
	rl.mu.Unlock()
}

// backoffDelay computes the exponential (doubling, no jitter) retry delay
// for attempt n (1-indexed), bounded to [base, max].
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxDelay {
			d = maxDelay
			break
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
