// Package metrics implements the dispatch core's metrics aggregator: a
// thread-safe fast recording path plus a bounded history used to build
// the weekly snapshot spec.md §3/§4.6/§6 describes. It is grounded on
// original_source/src/llm_generic_bot/infra/metrics/aggregator.py and
// core/orchestrator_metrics.py.
package metrics

import (
	"sort"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	core "github.com/RNA4219/dispatchcore"
)

// Recorder is the fast-path interface the permit gate, scheduler and
// orchestrator record through. It never blocks on anything but a mutex.
type Recorder interface {
	Increment(name string, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// NullRecorder discards everything, used when metrics are disabled
// (config.Settings.Metrics.Enabled == false).
type NullRecorder struct{}

func (NullRecorder) Increment(string, map[string]string)        {}
func (NullRecorder) Observe(string, float64, map[string]string) {}

var _ Recorder = NullRecorder{}

const defaultRetentionDays = 7

var latencyBuckets = []struct {
	max   time.Duration
	label string
}{
	{time.Second, "1s"},
	{3 * time.Second, "3s"},
	{time.Duration(1<<63 - 1), ">3s"},
}

func selectBucket(d time.Duration) string {
	for _, b := range latencyBuckets {
		if d <= b.max {
			return b.label
		}
	}
	return latencyBuckets[len(latencyBuckets)-1].label
}

type sendEvent struct {
	recordedAt time.Time
	job        string
	outcome    string // "success" | "failure"
	duration   time.Duration
}

type permitDenial struct {
	recordedAt time.Time
	tags       map[string]string
}

// Aggregator is the process-wide (or per-instance, see §9 design note)
// metrics sink. Its Recorder fast path is backed by go-metrics counters
// and histograms; alongside that it keeps its own bounded slice of raw
// send/denial records so WeeklySnapshot can trim by retention window and
// rebuild success-rate, latency-histogram and permit-denial summaries —
// a shape go-metrics itself has no notion of.
type Aggregator struct {
	mu             sync.Mutex
	registry       gometrics.Registry
	backend        Recorder
	backendSet     bool
	retentionDays  int
	sendEvents     []sendEvent
	permitDenials  []permitDenial
	clock          core.Clock
}

// New returns an empty Aggregator with the default 7-day retention.
func New() *Aggregator {
	return &Aggregator{
		registry:      gometrics.NewRegistry(),
		retentionDays: defaultRetentionDays,
		clock:         core.RealClock,
	}
}

// WithClock injects a deterministic clock, used by tests that exercise
// retention trimming without sleeping.
func (a *Aggregator) WithClock(clock core.Clock) *Aggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = clock
	return a
}

// ConfigureBackend installs recorder as the live fast path. A nil
// recorder resets to the no-op backend and marks the aggregator as not
// backend_configured, matching aggregator.py:configure_backend.
func (a *Aggregator) ConfigureBackend(recorder Recorder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if recorder == nil {
		a.backend = nil
		a.backendSet = false
		return
	}
	a.backend = recorder
	a.backendSet = true
}

// BackendConfigured reports whether a non-nil recorder is installed.
func (a *Aggregator) BackendConfigured() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backendSet
}

// SetRetentionDays overrides the default 7-day retention window. A
// non-positive value is clamped to 1.
func (a *Aggregator) SetRetentionDays(days int) {
	if days <= 0 {
		days = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retentionDays = days
}

// Increment implements Recorder via the go-metrics-backed counter,
// additionally routing through whatever backend is currently installed
// (so MetricsBoundary.SuppressBackend can redirect it to a no-op). A
// backend that is this Aggregator itself is not re-entered.
func (a *Aggregator) Increment(name string, tags map[string]string) {
	gometrics.GetOrRegisterCounter(metricKey(name, tags), a.registry).Inc(1)
	a.mu.Lock()
	backend := a.backend
	a.mu.Unlock()
	if backend != nil && backend != Recorder(a) {
		backend.Increment(name, tags)
	}
}

// Observe implements Recorder via a go-metrics histogram.
func (a *Aggregator) Observe(name string, value float64, tags map[string]string) {
	h := gometrics.GetOrRegisterHistogram(metricKey(name, tags), a.registry, gometrics.NewUniformSample(1028))
	h.Update(int64(value * 1e6)) // microsecond-scaled integer sample
	a.mu.Lock()
	backend := a.backend
	a.mu.Unlock()
	if backend != nil && backend != Recorder(a) {
		backend.Observe(name, value, tags)
	}
}

func metricKey(name string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := name
	for _, k := range keys {
		key += "|" + k + "=" + tags[k]
	}
	return key
}

// ReportSendSuccess records a successful send for the weekly snapshot
// and bumps the send.success counter / send.duration histogram,
// mirroring aggregator.py:report_send_success.
func (a *Aggregator) ReportSendSuccess(job, platform, channel string, duration time.Duration, permitTags map[string]string) {
	tags := baseTags(job, platform, channel)
	merged := mergeTags(tags, permitTags)
	durationTags := mergeTags(tags, map[string]string{"unit": "seconds"})

	a.mu.Lock()
	if a.backendSet {
		a.sendEvents = append(a.sendEvents, sendEvent{recordedAt: a.clock(), job: job, outcome: "success", duration: duration})
	}
	a.mu.Unlock()

	a.Increment("send.success", merged)
	a.Observe("send.duration", duration.Seconds(), durationTags)
}

// ReportSendFailure records a failed send, mirroring
// aggregator.py:report_send_failure.
func (a *Aggregator) ReportSendFailure(job, platform, channel, errorType string, duration time.Duration) {
	tags := baseTags(job, platform, channel)
	incrementTags := mergeTags(tags, map[string]string{"error": errorType})
	durationTags := mergeTags(tags, map[string]string{"unit": "seconds"})

	a.mu.Lock()
	if a.backendSet {
		a.sendEvents = append(a.sendEvents, sendEvent{recordedAt: a.clock(), job: job, outcome: "failure", duration: duration})
	}
	a.mu.Unlock()

	a.Increment("send.failure", incrementTags)
	a.Observe("send.duration", duration.Seconds(), durationTags)
}

// ReportPermitDenied records a quota denial for the weekly snapshot and
// bumps send.denied, mirroring aggregator.py:report_permit_denied.
func (a *Aggregator) ReportPermitDenied(job, platform, channel, reason string, permitTags map[string]string) {
	tags := baseTags(job, platform, channel)
	merged := mergeTags(tags, permitTags)
	merged["reason"] = reason

	a.mu.Lock()
	if a.backendSet {
		a.permitDenials = append(a.permitDenials, permitDenial{recordedAt: a.clock(), tags: copyTags(merged)})
	}
	a.mu.Unlock()

	a.Increment("send.denied", merged)
}

// SuccessRate is one job's success/failure tally in a WeeklySnapshot.
type SuccessRate struct {
	Success int
	Failure int
	Ratio   float64
}

// WeeklySnapshot is the rolling-window summary over the retention
// period, per spec.md §3/§6.
type WeeklySnapshot struct {
	GeneratedAt       time.Time
	SuccessRate       map[string]SuccessRate
	LatencyHistogram  map[string]map[string]int
	PermitDenials     []map[string]string
}

// WeeklySnapshot trims records outside the retention window and rebuilds
// the summary, mirroring aggregator.py:weekly_snapshot. It is monotone
// non-decreasing within the retention window: a record once inside it
// only leaves by aging out, never by being double-removed.
func (a *Aggregator) WeeklySnapshot() WeeklySnapshot {
	a.mu.Lock()
	generatedAt := a.clock()
	cutoff := generatedAt.AddDate(0, 0, -a.retentionDays)

	sendEvents := trimSendEvents(a.sendEvents, cutoff)
	denials := trimDenials(a.permitDenials, cutoff)
	a.sendEvents = sendEvents
	a.permitDenials = denials
	a.mu.Unlock()

	success := map[string]int{}
	failure := map[string]int{}
	histogram := map[string]map[string]int{}
	for _, ev := range sendEvents {
		buckets := histogram[ev.job]
		if buckets == nil {
			buckets = map[string]int{}
			histogram[ev.job] = buckets
		}
		buckets[selectBucket(ev.duration)]++
		if ev.outcome == "success" {
			success[ev.job]++
		} else {
			failure[ev.job]++
		}
	}

	jobs := map[string]struct{}{}
	for j := range success {
		jobs[j] = struct{}{}
	}
	for j := range failure {
		jobs[j] = struct{}{}
	}
	successRate := map[string]SuccessRate{}
	for job := range jobs {
		s, f := success[job], failure[job]
		total := s + f
		if total == 0 {
			continue
		}
		successRate[job] = SuccessRate{Success: s, Failure: f, Ratio: float64(s) / float64(total)}
	}

	denialList := make([]map[string]string, 0, len(denials))
	for _, d := range denials {
		denialList = append(denialList, copyTags(d.tags))
	}

	return WeeklySnapshot{
		GeneratedAt:      generatedAt,
		SuccessRate:      successRate,
		LatencyHistogram: histogram,
		PermitDenials:    denialList,
	}
}

// ResetForTest clears all state, matching aggregator.py:reset_for_test.
func (a *Aggregator) ResetForTest() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry = gometrics.NewRegistry()
	a.backend = nil
	a.backendSet = false
	a.sendEvents = nil
	a.permitDenials = nil
	a.retentionDays = defaultRetentionDays
}

func trimSendEvents(events []sendEvent, cutoff time.Time) []sendEvent {
	out := events[:0:0]
	for _, e := range events {
		if !e.recordedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func trimDenials(denials []permitDenial, cutoff time.Time) []permitDenial {
	out := denials[:0:0]
	for _, d := range denials {
		if !d.recordedAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	return out
}

func baseTags(job, platform, channel string) map[string]string {
	if channel == "" {
		channel = "-"
	}
	return map[string]string{"job": job, "platform": platform, "channel": channel}
}

func mergeTags(base map[string]string, extra map[string]string) map[string]string {
	out := copyTags(base)
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
