// Package cooldown implements the sliding-window post-history gate that
// modulates downstream posting eagerness. Grounded on
// original_source/src/llm_generic_bot/core/cooldown.py.
package cooldown

import (
	"sync"
	"time"

	core "github.com/RNA4219/dispatchcore"
)

type key struct {
	platform, channel, job string
}

func newKey(platform, channel, job string) key {
	return key{platform: orDash(platform), channel: orDash(channel), job: orDash(job)}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Config holds the cooldown multiplier coefficients from spec.md §6
// (cooldown.window_sec, mult_min, mult_max, coeff.rate/time/eng).
type Config struct {
	Window   time.Duration
	MultMin  float64
	MultMax  float64
	KRate    float64
	KTime    float64
	KEngage  float64
}

// Gate tracks post history per (platform, channel, job) and computes the
// cooldown multiplier. It is safe for concurrent use: per spec.md §5 the
// cooldown gate is otherwise sync, so this type owns its own mutex
// rather than requiring an external one.
type Gate struct {
	cfg     Config
	mu      sync.Mutex
	history map[key][]time.Time
	clock   core.Clock
}

// New builds a Gate from Config, defaulting to the system clock.
func New(cfg Config, opts ...Option) *Gate {
	g := &Gate{cfg: cfg, history: make(map[key][]time.Time), clock: core.RealClock}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Option configures a Gate at construction.
type Option func(*Gate)

// WithClock injects a deterministic clock for tests.
func WithClock(clock core.Clock) Option {
	return func(g *Gate) { g.clock = clock }
}

// NotePost appends now to the (platform, channel, job) history and
// evicts entries older than Window.
func (g *Gate) NotePost(platform, channel, job string) {
	k := newKey(platform, channel, job)
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()
	hist := append(g.history[k], now)
	g.history[k] = evict(hist, now, g.cfg.Window)
}

// Multiplier returns the clamped cooldown multiplier for
// (platform, channel, job):
//
//	clamp(mult_min, mult_max, 1 + k_rate*rate + k_time*time_band_factor + k_eng*(1-engagement_recent))
//
// where rate is the post count within Window after eviction.
func (g *Gate) Multiplier(platform, channel, job string, timeBandFactor, engagementRecent float64) float64 {
	k := newKey(platform, channel, job)
	now := g.clock()

	g.mu.Lock()
	hist := evict(g.history[k], now, g.cfg.Window)
	g.history[k] = hist
	rate := float64(len(hist))
	g.mu.Unlock()

	mult := 1.0 + g.cfg.KRate*rate + g.cfg.KTime*timeBandFactor + g.cfg.KEngage*(1.0-engagementRecent)
	if mult < g.cfg.MultMin {
		return g.cfg.MultMin
	}
	if mult > g.cfg.MultMax {
		return g.cfg.MultMax
	}
	return mult
}

func evict(hist []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(hist) && hist[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return hist
	}
	return append([]time.Time(nil), hist[idx:]...)
}
