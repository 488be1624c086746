// Package permit implements the dispatch core's admission controller: a
// hierarchical quota gate with per-level tiers, re-evaluation hooks and
// retry-after computation. It is grounded on
// original_source/src/llm_generic_bot/core/arbiter/gate.py.
package permit

import (
	"errors"
	"fmt"
	"sort"
	"time"

	core "github.com/RNA4219/dispatchcore"
	"github.com/RNA4219/dispatchcore/metrics"
)

const dayWindow = 24 * time.Hour

// Tier is one admission rule within a Level: a count of posts within
// Window must not reach Limit. Gates declare burst tiers before daily
// tiers so the narrower window is reported first on denial.
type Tier struct {
	Code         string
	Message      string
	Retryable    bool
	Limit        int
	Window       time.Duration
	Reevaluation string // static reevaluation tag, optional
}

// Quota is either a pre-built Tiers list or the shorthand
// {BurstLimit, Day, WindowMin}. Exactly one form must be populated;
// NormalizeTiers rejects a mixed or incomplete definition.
type Quota struct {
	Tiers []Tier

	BurstLimit int
	Day        int
	WindowMin  int
}

// NormalizeTiers resolves a Quota to its tier list, matching
// gate.py:_resolve_tiers / _normalize_tier.
func NormalizeTiers(q Quota) ([]Tier, error) {
	if len(q.Tiers) > 0 {
		if q.BurstLimit != 0 || q.Day != 0 || q.WindowMin != 0 {
			return nil, errors.New("permit: quota must define either tiers or burst_limit/window_minutes/day, not both")
		}
		out := make([]Tier, len(q.Tiers))
		for i, t := range q.Tiers {
			normalized, err := normalizeTier(t)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	}
	if q.BurstLimit <= 0 || q.WindowMin <= 0 || q.Day <= 0 {
		return nil, errors.New("permit: quota must define tiers or positive burst_limit/window_minutes/day")
	}
	return []Tier{
		{
			Code:      "burst_limit",
			Message:   "burst limit reached",
			Retryable: true,
			Limit:     q.BurstLimit,
			Window:    time.Duration(q.WindowMin) * time.Minute,
		},
		{
			Code:      "daily_limit",
			Message:   "daily limit reached",
			Retryable: false,
			Limit:     q.Day,
			Window:    dayWindow,
		},
	}, nil
}

func normalizeTier(t Tier) (Tier, error) {
	if t.Code == "" {
		return Tier{}, errors.New("permit: quota tier must define a code")
	}
	if t.Limit <= 0 {
		return Tier{}, fmt.Errorf("permit: quota tier %s limit must be positive", t.Code)
	}
	if t.Window <= 0 {
		t.Window = dayWindow
	}
	if t.Message == "" {
		t.Message = t.Code
	}
	return t, nil
}

// KeyFn derives the two-part history key for a level from the request's
// platform, channel and job. The zero-value default keys by
// (platform, channel).
type KeyFn func(platform, channel, job string) (string, string)

func defaultKey(platform, channel, _ string) (string, string) {
	return orDash(platform), orDash(channel)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Level is one quota dimension (e.g. "per_channel", "per_platform").
// All configured levels must admit for a request to be allowed; on
// denial the first denying level is reported.
type Level struct {
	Name  string
	Quota Quota
	KeyFn KeyFn
}

// RejectionContext is passed to Hooks.OnRejection when a tier is
// exceeded, mirroring gate.py's PermitRejectionContext.
type RejectionContext struct {
	Platform string
	Channel  string
	Job      string
	Level    string
	Code     string
	Message  string
}

// ReevaluationOutcome is the sum-type result of a rejection hook,
// mirroring gate.py's PermitReevaluationOutcome: a denial may be
// re-evaluated later under the given Level, with an optional
// RetryAfter override and an optional Allowed hint.
type ReevaluationOutcome struct {
	Level      string
	Reason     string
	RetryAfter *time.Duration
	Allowed    *bool
}

// Hooks lets a caller observe denials and override their reevaluation
// outcome, mirroring gate.py's PermitGateHooks.
type Hooks struct {
	OnRejection func(RejectionContext) *ReevaluationOutcome
}

// ReevaluationRetrySource tags retry metadata produced by a permit
// denial, matching gate.py's PERMIT_REEVALUATION_RETRY_SOURCE.
const ReevaluationRetrySource = "permit_reeval"

// Decision is the result of one Gate.Permit call.
type Decision struct {
	Allowed       bool
	Reason        string
	Retryable     bool
	Job           string
	RetryAfter    *time.Duration
	Level         string
	Reevaluation  *ReevaluationOutcome
	ReevaluationTag string // static tier.Reevaluation tag when no hook fired
	RetryMetadata map[string]string
}

// Config is the full, typed configuration for a Gate: ordered levels
// plus optional hooks.
type Config struct {
	Levels []Level
	Hooks  *Hooks
}

type tierSet struct {
	level Level
	tiers []Tier
}

// Gate is the hierarchical quota admission controller. It is safe for
// concurrent use only when wrapped by an external mutex, per spec.md §5
// ("the permit gate and cooldown gate are sync; when shared across tasks
// they require an external lock").
type Gate struct {
	levels          []tierSet
	hooks           *Hooks
	history         map[string]map[[2]string][]time.Time
	retentionWindow time.Duration
	clock           core.Clock
	recorder        metrics.Recorder
	logger          func(level string, msg string, fields map[string]interface{})
}

// Option configures a Gate at construction.
type Option func(*Gate)

// WithClock injects a deterministic clock for tests.
func WithClock(clock core.Clock) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithMetrics attaches a metrics recorder that receives a quota_denied
// increment on every denial.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(g *Gate) { g.recorder = recorder }
}

// WithLogger attaches a warning logger invoked on every denial.
func WithLogger(logger func(level string, msg string, fields map[string]interface{})) Option {
	return func(g *Gate) { g.logger = logger }
}

// New builds a Gate from a Config. Construction fails (per spec.md §7)
// when levels is empty or any level's quota fails to normalize.
func New(cfg Config, opts ...Option) (*Gate, error) {
	if len(cfg.Levels) == 0 {
		return nil, errors.New("permit: config.Levels must not be empty")
	}
	g := &Gate{
		hooks:   cfg.Hooks,
		history: make(map[string]map[[2]string][]time.Time),
		clock:   core.RealClock,
	}
	var maxWindow time.Duration
	for _, lvl := range cfg.Levels {
		tiers, err := NormalizeTiers(lvl.Quota)
		if err != nil {
			return nil, err
		}
		if lvl.KeyFn == nil {
			lvl.KeyFn = defaultKey
		}
		g.levels = append(g.levels, tierSet{level: lvl, tiers: tiers})
		for _, t := range tiers {
			if t.Window > maxWindow {
				maxWindow = t.Window
			}
		}
	}
	g.retentionWindow = dayWindow
	if maxWindow > g.retentionWindow {
		g.retentionWindow = maxWindow
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Permit evaluates one admission request. It is pure except for
// appending the current time to every traversed level's history when
// all levels admit.
func (g *Gate) Permit(platform, channel, job string) Decision {
	now := g.clock()
	type pendingHistory struct {
		levelName string
		key       [2]string
	}
	var pending []pendingHistory

	for _, set := range g.levels {
		k1, k2 := set.level.KeyFn(platform, channel, job)
		key := [2]string{k1, k2}
		levelHistory := g.history[set.level.Name]
		if levelHistory == nil {
			levelHistory = make(map[[2]string][]time.Time)
			g.history[set.level.Name] = levelHistory
		}
		hist := evict(levelHistory[key], now, g.retentionWindow)
		levelHistory[key] = hist

		for _, tier := range set.tiers {
			exceeded, retryAfter, recent := tierState(hist, now, tier)
			if exceeded {
				return g.deny(platform, channel, job, set.level.Name, tier, retryAfter, len(recent))
			}
		}
		pending = append(pending, pendingHistory{levelName: set.level.Name, key: key})
	}

	for _, p := range pending {
		g.history[p.levelName][p.key] = append(g.history[p.levelName][p.key], now)
	}
	return Decision{Allowed: true, Retryable: true, Job: job}
}

func evict(hist []time.Time, now time.Time, retention time.Duration) []time.Time {
	cutoff := now.Add(-retention)
	idx := 0
	for idx < len(hist) && hist[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return hist
	}
	return append([]time.Time(nil), hist[idx:]...)
}

func tierState(hist []time.Time, now time.Time, tier Tier) (bool, *time.Duration, []time.Time) {
	cutoff := now.Add(-tier.Window)
	var recent []time.Time
	for _, ts := range hist {
		if !ts.Before(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) < tier.Limit {
		return false, nil, recent
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].Before(recent[j]) })
	thresholdIdx := len(recent) - tier.Limit
	thresholdTS := recent[thresholdIdx]
	retryAfter := tier.Window - now.Sub(thresholdTS)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return true, &retryAfter, recent
}

func (g *Gate) deny(platform, channel, job, level string, tier Tier, retryAfter *time.Duration, _ int) Decision {
	var reevaluationOutcome *ReevaluationOutcome
	if g.hooks != nil && g.hooks.OnRejection != nil {
		reevaluationOutcome = g.hooks.OnRejection(RejectionContext{
			Platform: platform,
			Channel:  channel,
			Job:      job,
			Level:    level,
			Code:     tier.Code,
			Message:  tier.Message,
		})
	}

	tags := map[string]string{
		"platform":  orDash(platform),
		"channel":   orDash(channel),
		"code":      tier.Code,
		"level":     level,
		"retryable": boolTag(tier.Retryable),
	}
	if retryAfter != nil {
		tags["window_sec"] = fmt.Sprintf("%d", int(tier.Window.Seconds()))
		tags["retry_after_sec"] = fmt.Sprintf("%.0f", retryAfter.Seconds())
	}
	reasonHint := tier.Message
	if tier.Reevaluation != "" {
		tags["reevaluation"] = tier.Reevaluation
	} else {
		if reevaluationOutcome != nil && reevaluationOutcome.Reason != "" {
			reasonHint = reevaluationOutcome.Reason
		}
		tags["reeval_reason"] = reasonHint
	}

	var retryMetadata map[string]string
	var reevaluationHint string
	if reevaluationOutcome != nil {
		reevaluationHint = reevaluationOutcome.Reason
	} else if tier.Reevaluation != "" {
		reevaluationHint = tier.Reevaluation
	}
	if tier.Reevaluation != "" || reevaluationOutcome != nil {
		retryMetadata = map[string]string{
			"retry_source": ReevaluationRetrySource,
			"permit_level": level,
		}
		if reevaluationHint != "" {
			retryMetadata["retry_reason"] = reevaluationHint
		}
	}

	if g.recorder != nil {
		g.recorder.Increment("quota_denied", tags)
	}
	if g.logger != nil {
		g.logger("warn", fmt.Sprintf("quota denied for %s/%s at level %s: %s", orDash(platform), orDash(channel), level, tier.Message), map[string]interface{}{
			"platform": platform, "channel": channel, "level": level, "code": tier.Code,
		})
	}

	return Decision{
		Allowed:         false,
		Reason:          tier.Message,
		Retryable:       tier.Retryable,
		Job:             job,
		RetryAfter:      retryAfter,
		Level:           level,
		Reevaluation:    reevaluationOutcome,
		ReevaluationTag: tier.Reevaluation,
		RetryMetadata:   retryMetadata,
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
