// Package scheduler triggers feature producers on a fixed local
// clock-minute and drains their output through the coalescing queue,
// applying jitter when two dispatches land close together. Grounded on
// original_source/src/llm_generic_bot/core/scheduler.py's every_day/
// run_forever loop and original_source/src/llm_generic_bot/core/arbiter/jitter.py's
// next_slot/jitter_seconds.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	core "github.com/RNA4219/dispatchcore"
	"github.com/RNA4219/dispatchcore/log"
	"github.com/RNA4219/dispatchcore/metrics"
	"github.com/RNA4219/dispatchcore/queue"
)

// Sender is the subset of *orchestrator.Orchestrator a Scheduler drives.
type Sender interface {
	Send(ctx context.Context, text, job, platform, channel string) (string, error)
}

// Producer is the feature producer contract: an empty second return
// value suppresses that tick.
type Producer func(ctx context.Context) (text string, ok bool, err error)

// Job is one every_day registration.
type Job struct {
	Name     string
	HHMM     string // "HH:MM" in the scheduler's Location
	Platform string
	Channel  string
	Priority int
	Handler  Producer
}

const defaultJitterMin = 60 * time.Second
const defaultJitterMax = 180 * time.Second

// Config wires a Scheduler's collaborators.
type Config struct {
	Location      *time.Location
	Sender        Sender
	Queue         *queue.CoalesceQueue
	Metrics       metrics.Recorder
	Logger        *log.Logger
	Clock         core.Clock
	JitterEnabled bool
	JitterMin     time.Duration
	JitterMax     time.Duration
	Rand          *rand.Rand
}

// Scheduler is the dispatch core's time-of-day trigger and dispatch
// loop. All mutable state is guarded by mu; jobs may be registered
// (EveryDay) or dispatched (DispatchReadyBatches) concurrently with
// RunForever.
type Scheduler struct {
	loc      *time.Location
	sender   Sender
	queue    *queue.CoalesceQueue
	recorder metrics.Recorder
	logger   log.Logger
	clock    core.Clock

	jitterEnabled bool
	jitterMin     time.Duration
	jitterMax     time.Duration
	rng           *rand.Rand

	mu           sync.Mutex
	jobs         []Job
	jobsByName   map[string]Job
	lastDispatch time.Time

	stopCh    chan struct{}
	closeOnce sync.Once
}

// New builds a Scheduler. Location defaults to UTC; Clock defaults to
// the real wall clock; JitterMin/JitterMax default to 60s/180s,
// matching arbiter/jitter.py's next_slot default range.
func New(cfg Config) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.RealClock
	}
	logger := log.Default("scheduler")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.NullRecorder{}
	}
	jitterMin, jitterMax := cfg.JitterMin, cfg.JitterMax
	if jitterMin <= 0 {
		jitterMin = defaultJitterMin
	}
	if jitterMax <= 0 {
		jitterMax = defaultJitterMax
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Scheduler{
		loc:           loc,
		sender:        cfg.Sender,
		queue:         cfg.Queue,
		recorder:      recorder,
		logger:        logger,
		clock:         clock,
		jitterEnabled: cfg.JitterEnabled,
		jitterMin:     jitterMin,
		jitterMax:     jitterMax,
		rng:           rng,
		jobsByName:    make(map[string]Job),
		stopCh:        make(chan struct{}),
	}
}

// EveryDay registers a job triggered at the given local clock-minute.
func (s *Scheduler) EveryDay(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	s.jobsByName[j.Name] = j
}

// Close stops RunForever. Idempotent.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.stopCh) })
}

// RunForever loops: compute local now, fire every job whose HHMM
// matches as a detached goroutine, dispatch ready batches, then sleep
// to the next minute boundary. Returns when ctx is cancelled or Close
// is called.
func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		now := s.clock().In(s.loc)
		hhmm := now.Format("15:04")

		s.mu.Lock()
		jobs := append([]Job(nil), s.jobs...)
		s.mu.Unlock()

		for _, j := range jobs {
			if j.HHMM == hhmm {
				go s.trigger(ctx, j, now)
			}
		}

		s.DispatchReadyBatches(ctx, now)

		sleepFor := time.Duration(60-now.Second())*time.Second - time.Duration(now.Nanosecond())
		if sleepFor <= 0 {
			sleepFor = time.Second
		}
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, j Job, now time.Time) {
	text, ok, err := j.Handler(ctx)
	if err != nil {
		s.logger.Error("scheduler_job_failed", "", log.Fields{"job": j.Name, "error": err.Error()})
		return
	}
	if !ok {
		return
	}
	var channel *string
	if j.Channel != "" {
		c := j.Channel
		channel = &c
	}
	createdAt := now
	s.queue.Push(queue.PushInput{
		Text: text, Priority: j.Priority, Job: j.Name, Channel: channel, CreatedAt: &createdAt,
	})
}

// DispatchReadyBatches drains every batch the coalescing queue
// considers ready as of now, sending each through Sender (applying
// jitter first when two dispatches land close together).
func (s *Scheduler) DispatchReadyBatches(ctx context.Context, now time.Time) {
	if s.queue == nil {
		return
	}
	ready := s.queue.PopReady(now)
	for _, batch := range ready {
		s.dispatchOne(ctx, batch, now)
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, batch queue.Batch, now time.Time) {
	delay := s.nextDelay(now)

	channel := ""
	if batch.Channel != nil {
		channel = *batch.Channel
	}
	platform := ""
	s.mu.Lock()
	if j, ok := s.jobsByName[batch.Job]; ok {
		platform = j.Platform
	}
	s.mu.Unlock()

	if delay > 0 {
		channelTag := channel
		if channelTag == "" {
			channelTag = "-"
		}
		s.recorder.Observe("send.delay_seconds", delay.Seconds(), map[string]string{
			"job": batch.Job, "platform": platform, "channel": channelTag, "unit": "seconds",
		})
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}

	if _, err := s.sender.Send(ctx, batch.Text, batch.Job, platform, channel); err != nil {
		s.logger.Error("scheduler_send_failed", "", log.Fields{"job": batch.Job, "error": err.Error()})
	}
}

// nextDelay implements next_slot/jitter_seconds: a dispatch landing
// within the jitter window of the previous one ("clash") draws a fresh
// uniform delay from [jitterMin, jitterMax]; otherwise it fires
// immediately. Open Question: whether this sampling should instead be
// deterministic per (job, channel) is left open, as spec.md states; it
// is resampled fresh on every call here.
func (s *Scheduler) nextDelay(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	clash := s.jitterEnabled && !s.lastDispatch.IsZero() && now.Sub(s.lastDispatch) < s.jitterMax
	s.lastDispatch = now
	if !clash {
		return 0
	}
	span := int64(s.jitterMax - s.jitterMin)
	if span <= 0 {
		return s.jitterMin
	}
	return s.jitterMin + time.Duration(s.rng.Int63n(span+1))
}
