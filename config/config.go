// Package config defines the dispatch core's recognised YAML
// configuration surface (spec.md §6) and a pure Normalize step turning
// it into the typed configs permit, cooldown, dedupe and queue
// construct from. Grounded on
// original_source/src/llm_generic_bot/config/{loader,quotas}.py, minus
// their file-watching reload: loading/reload stays an external
// collaborator per spec.md's Non-goals.
package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RNA4219/dispatchcore/cooldown"
	"github.com/RNA4219/dispatchcore/dedupe"
	"github.com/RNA4219/dispatchcore/permit"
)

// Parse decodes YAML bytes into Settings. It performs no I/O itself;
// reading the bytes from a file, secret store or hot-reload watcher is
// the caller's responsibility.
func Parse(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parse: %w", err)
	}
	return s, nil
}

// ProfileSettings selects one platform adapter and its default channel.
type ProfileSettings struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// CoefficientSettings holds the cooldown multiplier's three coefficients.
type CoefficientSettings struct {
	Rate   float64 `yaml:"rate"`
	Time   float64 `yaml:"time"`
	Engage float64 `yaml:"eng"`
}

// CooldownSettings mirrors spec.md §6's cooldown.* keys.
type CooldownSettings struct {
	WindowSec int                 `yaml:"window_sec"`
	MultMin   float64             `yaml:"mult_min"`
	MultMax   float64             `yaml:"mult_max"`
	Coeff     CoefficientSettings `yaml:"coeff"`
}

// DedupeSettings mirrors spec.md §6's dedupe.* keys.
type DedupeSettings struct {
	Enabled      bool    `yaml:"enabled"`
	RecentK      int     `yaml:"recent_k"`
	SimThreshold float64 `yaml:"sim_threshold"`
}

// PerChannelQuotaSettings mirrors spec.md §6's quota.per_channel.* keys.
type PerChannelQuotaSettings struct {
	Day        int `yaml:"day"`
	WindowMin  int `yaml:"window_min"`
	BurstLimit int `yaml:"burst_limit"`
}

// QuotaSettings wraps the per_channel quota block; other quota
// dimensions may be added as named fields the way per_channel is, as
// the deployment grows additional levels.
type QuotaSettings struct {
	PerChannel *PerChannelQuotaSettings `yaml:"per_channel"`
}

// SchedulerQueueSettings mirrors spec.md §6's scheduler.queue.* keys.
type SchedulerQueueSettings struct {
	Threshold int `yaml:"threshold"`
	WindowSec int `yaml:"window_sec"`
}

// SchedulerSettings mirrors spec.md §6's scheduler.* keys.
type SchedulerSettings struct {
	JitterRangeSeconds [2]int                 `yaml:"jitter_range_seconds"`
	Queue              SchedulerQueueSettings `yaml:"queue"`
}

// MetricsSettings mirrors spec.md §6's metrics.* keys. Only the
// "memory" backend is valid, matching aggregator.py's single in-process
// recorder.
type MetricsSettings struct {
	Enabled       bool   `yaml:"enabled"`
	Backend       string `yaml:"backend"`
	RetentionDays int    `yaml:"retention_days"`
	Export        bool   `yaml:"export"`
}

// TemplateSettings mirrors spec.md §6's report.template.* keys.
type TemplateSettings struct {
	Locale   string `yaml:"locale"`
	Fallback string `yaml:"fallback"`
}

// ReportSettings mirrors spec.md §6's report.* keys.
type ReportSettings struct {
	Enabled         bool             `yaml:"enabled"`
	Job             string           `yaml:"job"`
	Schedule        string           `yaml:"schedule"`
	Channel         string           `yaml:"channel"`
	Permit          string           `yaml:"permit"`
	Template        TemplateSettings `yaml:"template"`
	Locale          string           `yaml:"locale"`
	Fallback        string           `yaml:"fallback"`
	FailureThreshold float64         `yaml:"failure_threshold"`
}

// Settings is the recognised YAML configuration surface (spec.md §6).
// It carries no file path and performs no I/O; loading a settings.yaml
// into this struct is the caller's responsibility.
type Settings struct {
	Timezone string                     `yaml:"timezone"`
	Profiles map[string]ProfileSettings `yaml:"profiles"`
	Cooldown CooldownSettings           `yaml:"cooldown"`
	Dedupe   DedupeSettings             `yaml:"dedupe"`
	Quota    QuotaSettings              `yaml:"quota"`
	Scheduler SchedulerSettings         `yaml:"scheduler"`
	Metrics  MetricsSettings            `yaml:"metrics"`
	Report   ReportSettings             `yaml:"report"`
}

// Normalized is the set of typed, validated configs built from
// Settings. Permit is nil when quota.per_channel is absent and
// DedupeOptions is nil when dedupe is disabled, the same "optional
// section" shape quotas.py:load_quota_settings uses. Location defaults
// to UTC, Cooldown is always set (zero-valued when the cooldown section
// is absent), and the jitter range defaults to 60s-180s.
type Normalized struct {
	Location      *time.Location
	Cooldown      *cooldown.Config
	DedupeOptions []dedupe.Option
	Permit        *PerChannelQuota
	QueueWindow   time.Duration
	QueueThreshold int
	JitterMin     time.Duration
	JitterMax     time.Duration
}

// PerChannelQuota is the per-channel quota tier resolved from
// Settings.Quota.PerChannel, ready to seed a permit.Quota{BurstLimit,
// Day, WindowMin} shorthand.
type PerChannelQuota struct {
	Day        int
	WindowMin  int
	BurstLimit int
}

// Validate rejects a Settings value that violates spec.md §6's
// constraints that aren't already captured by zero-value defaults:
// only the "memory" metrics backend is supported, quota.per_channel
// fields must be positive when that section is present,
// cooldown.window_sec must be non-negative, the jitter range must be
// [lo,hi] with 0 <= lo <= hi, and dedupe.sim_threshold must be
// positive when dedupe is enabled.
func (s Settings) Validate() error {
	if s.Metrics.Enabled && s.Metrics.Backend != "" && s.Metrics.Backend != "memory" {
		return fmt.Errorf("config: metrics.backend %q is not supported, only \"memory\" is valid", s.Metrics.Backend)
	}
	if s.Quota.PerChannel != nil {
		pc := s.Quota.PerChannel
		if pc.Day <= 0 || pc.WindowMin <= 0 || pc.BurstLimit <= 0 {
			return errors.New("config: quota.per_channel.{day,window_min,burst_limit} must all be positive")
		}
	}
	if s.Cooldown.WindowSec < 0 {
		return errors.New("config: cooldown.window_sec must be non-negative")
	}
	if s.Scheduler.JitterRangeSeconds[0] < 0 || s.Scheduler.JitterRangeSeconds[1] < s.Scheduler.JitterRangeSeconds[0] {
		return errors.New("config: scheduler.jitter_range_seconds must be [lo,hi] with 0 <= lo <= hi")
	}
	if s.Dedupe.Enabled && s.Dedupe.SimThreshold <= 0 {
		return errors.New("config: dedupe.sim_threshold must be positive when dedupe.enabled is true")
	}
	return nil
}

// Normalize validates Settings and builds the typed, pure configuration
// value every other package constructs from. It performs no I/O.
func Normalize(s Settings) (Normalized, error) {
	if err := s.Validate(); err != nil {
		return Normalized{}, err
	}

	loc := time.UTC
	if s.Timezone != "" {
		parsed, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return Normalized{}, fmt.Errorf("config: timezone %q: %w", s.Timezone, err)
		}
		loc = parsed
	}

	out := Normalized{Location: loc}

	out.Cooldown = &cooldown.Config{
		Window:  time.Duration(s.Cooldown.WindowSec) * time.Second,
		MultMin: s.Cooldown.MultMin,
		MultMax: s.Cooldown.MultMax,
		KRate:   s.Cooldown.Coeff.Rate,
		KTime:   s.Cooldown.Coeff.Time,
		KEngage: s.Cooldown.Coeff.Engage,
	}

	if s.Dedupe.Enabled {
		var opts []dedupe.Option
		if s.Dedupe.RecentK > 0 {
			opts = append(opts, dedupe.WithK(s.Dedupe.RecentK))
		}
		if s.Dedupe.SimThreshold > 0 {
			opts = append(opts, dedupe.WithThreshold(s.Dedupe.SimThreshold))
		}
		out.DedupeOptions = opts
	}

	if s.Quota.PerChannel != nil {
		out.Permit = &PerChannelQuota{
			Day:        s.Quota.PerChannel.Day,
			WindowMin:  s.Quota.PerChannel.WindowMin,
			BurstLimit: s.Quota.PerChannel.BurstLimit,
		}
	}

	out.QueueWindow = time.Duration(s.Scheduler.Queue.WindowSec) * time.Second
	out.QueueThreshold = s.Scheduler.Queue.Threshold

	lo, hi := s.Scheduler.JitterRangeSeconds[0], s.Scheduler.JitterRangeSeconds[1]
	if lo == 0 && hi == 0 {
		lo, hi = 60, 180
	}
	out.JitterMin = time.Duration(lo) * time.Second
	out.JitterMax = time.Duration(hi) * time.Second

	return out, nil
}

// PermitQuota converts the resolved per-channel quota into the
// permit.Quota shorthand form permit.NormalizeTiers expands.
func (n Normalized) PermitQuota() permit.Quota {
	if n.Permit == nil {
		return permit.Quota{}
	}
	return permit.Quota{
		Day:        n.Permit.Day,
		WindowMin:  n.Permit.WindowMin,
		BurstLimit: n.Permit.BurstLimit,
	}
}
