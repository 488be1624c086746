// Package orchestrator implements the dispatch core's pipeline:
// permit check, near-duplicate filter, send, cooldown note-post. It
// owns a single worker goroutine draining a buffered channel of send
// requests, adapted from the teacher's asyncProducer.dispatcher /
// newBrokerProducer aggregator+flusher split
// (_examples/signalfx-sarama/async_producer.go), generalized to one
// worker per orchestrator instead of one per Kafka broker. Grounded on
// original_source/src/llm_generic_bot/core/orchestrator/{processor,runtime}.py
// for the pipeline order and enqueue/flush/close contract.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	core "github.com/RNA4219/dispatchcore"
	"github.com/RNA4219/dispatchcore/cooldown"
	"github.com/RNA4219/dispatchcore/dedupe"
	"github.com/RNA4219/dispatchcore/internal/inflight"
	"github.com/RNA4219/dispatchcore/log"
	"github.com/RNA4219/dispatchcore/metrics"
	"github.com/RNA4219/dispatchcore/permit"
	"github.com/RNA4219/dispatchcore/queue"
	"github.com/RNA4219/dispatchcore/sender"
)

const defaultQueueCapacity = 128
const defaultSendFlushTimeout = 30 * time.Second

// Config wires an Orchestrator's collaborators. Sender must implement
// sender.Sender or the narrower sender.BasicSender (resolved once,
// here at construction).
type Config struct {
	Sender           interface{}
	Permit           *permit.Gate
	Dedupe           *dedupe.Filter
	Cooldown         *cooldown.Gate
	Metrics          metrics.Boundary
	Queue            *queue.CoalesceQueue
	QueueCapacity    int
	SendFlushTimeout time.Duration
	Clock            core.Clock
	Logger           *log.Logger
}

// Orchestrator is the dispatch core's admission-to-send pipeline.
type Orchestrator struct {
	sendFn   func(ctx context.Context, text, channel, job string) error
	permit   *permit.Gate
	dedupe   *dedupe.Filter
	cooldown *cooldown.Gate
	boundary metrics.Boundary
	queue    *queue.CoalesceQueue
	clock    core.Clock
	logger   log.Logger

	flushTimeout time.Duration

	input    chan *workItem
	inflight *inflight.Group
	stopCh   chan struct{}

	mu         sync.Mutex
	closed     bool
	closeOnce  sync.Once
	workerDone chan struct{}
}

type workItem struct {
	req      core.SendRequest
	batchID  string
	priority int
}

// EnqueueInput is the argument to Enqueue. CorrelationID is generated
// when empty. BatchID, when set, lets a permit denial's reevaluation
// push the original batch back through the coalescing queue with a
// ledger hold.
type EnqueueInput struct {
	Text          string
	Job           string
	Platform      string
	Channel       string
	CorrelationID string
	BatchID       string
	Priority      int
	Engagement    *core.EngagementMetadata
}

// New builds an Orchestrator and starts its worker goroutine.
func New(cfg Config) (*Orchestrator, error) {
	sendFn, err := resolveSender(cfg.Sender)
	if err != nil {
		return nil, err
	}
	if cfg.Permit == nil {
		return nil, errors.New("orchestrator: Config.Permit is required")
	}

	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.RealClock
	}
	flushTimeout := cfg.SendFlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = defaultSendFlushTimeout
	}
	logger := log.Default("orchestrator")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	boundary := cfg.Metrics
	if boundary.Recorder == nil {
		boundary = metrics.NewDisabledBoundary()
	}

	o := &Orchestrator{
		sendFn:       sendFn,
		permit:       cfg.Permit,
		dedupe:       cfg.Dedupe,
		cooldown:     cfg.Cooldown,
		boundary:     boundary,
		queue:        cfg.Queue,
		clock:        clock,
		logger:       logger,
		flushTimeout: flushTimeout,
		input:        make(chan *workItem, capacity),
		inflight:     inflight.New(logger),
		stopCh:       make(chan struct{}),
		workerDone:   make(chan struct{}),
	}
	go o.run()
	return o, nil
}

func resolveSender(s interface{}) (func(ctx context.Context, text, channel, job string) error, error) {
	switch v := s.(type) {
	case sender.Sender:
		return v.Send, nil
	case sender.BasicSender:
		return func(ctx context.Context, text, channel, job string) error {
			return v.Send(ctx, text, channel)
		}, nil
	default:
		return nil, errors.New("orchestrator: Config.Sender must implement sender.Sender or sender.BasicSender")
	}
}

// Enqueue admits a send request into the internal queue, returning its
// correlation id. It fails with dispatchcore.ErrClosed after Close, or
// with dispatchcore.ErrQueueFull if ctx is cancelled while the internal
// queue is at capacity.
func (o *Orchestrator) Enqueue(ctx context.Context, in EnqueueInput) (string, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", core.ErrClosed
	}
	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = core.NewCorrelationID()
	}
	item := &workItem{
		req: core.SendRequest{
			Text: in.Text, Job: in.Job, Platform: in.Platform, Channel: in.Channel,
			CorrelationID: correlationID, Engagement: in.Engagement,
		},
		batchID:  in.BatchID,
		priority: in.Priority,
	}
	o.inflight.Add(1)
	o.mu.Unlock()

	select {
	case o.input <- item:
		return correlationID, nil
	case <-ctx.Done():
		o.inflight.Done()
		return "", core.ErrQueueFull
	}
}

// Send enqueues text then flushes, matching spec.md §4.8's
// send(text, channel?, job) convenience.
func (o *Orchestrator) Send(ctx context.Context, text, job, platform, channel string) (string, error) {
	correlationID, err := o.Enqueue(ctx, EnqueueInput{Text: text, Job: job, Platform: platform, Channel: channel})
	if err != nil {
		return "", err
	}
	if err := o.Flush(o.flushTimeout); err != nil {
		return correlationID, err
	}
	return correlationID, nil
}

// Flush blocks until every enqueued request (and any in-flight
// reevaluation scheduling it triggered) has reached a terminal state,
// or returns dispatchcore.ErrFlushTimeout.
func (o *Orchestrator) Flush(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return core.ErrFlushTimeout
	}
}

// Close drains the internal queue and stops the worker goroutine. It
// is idempotent; further Enqueue calls after Close fail with
// dispatchcore.ErrClosed.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		close(o.stopCh)
		o.inflight.Wait()
		close(o.input)
		<-o.workerDone
	})
	return nil
}

// WeeklySnapshot reports the aggregator's rolling summary, or the zero
// value when metrics are disabled.
func (o *Orchestrator) WeeklySnapshot() metrics.WeeklySnapshot {
	if o.boundary.Aggregator == nil {
		return metrics.WeeklySnapshot{}
	}
	return o.boundary.Aggregator.WeeklySnapshot()
}

func (o *Orchestrator) run() {
	defer close(o.workerDone)
	for item := range o.input {
		o.safeProcess(item)
	}
}

func (o *Orchestrator) safeProcess(item *workItem) {
	defer o.inflight.Done()
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("orchestrator_process_panic", item.req.CorrelationID, log.Fields{"panic": rec})
		}
	}()
	o.process(item)
}

func (o *Orchestrator) process(item *workItem) {
	req := item.req
	channelTag := req.ChannelOrDash()

	decision := o.permit.Permit(req.Platform, req.Channel, req.Job)
	if !decision.Allowed {
		o.handleDenial(item, decision, channelTag)
		return
	}

	if o.dedupe != nil && !o.dedupe.Permit(req.Text) {
		o.boundary.Recorder.Increment("send.duplicate", map[string]string{
			"job": req.Job, "platform": req.Platform, "channel": channelTag,
			"status": "duplicate", "retryable": "false",
		})
		o.logger.Info("send_duplicate_skip", req.CorrelationID, log.Fields{
			"job": req.Job, "platform": req.Platform, "channel": channelTag,
		})
		return
	}

	t0 := o.clock()
	err := o.sendFn(context.Background(), req.Text, req.Channel, req.Job)
	duration := o.clock().Sub(t0)

	if err != nil {
		if o.boundary.Aggregator != nil {
			o.boundary.Aggregator.ReportSendFailure(req.Job, req.Platform, req.Channel, errorType(err), duration)
		} else {
			o.boundary.Recorder.Increment("send.failure", map[string]string{
				"job": req.Job, "platform": req.Platform, "channel": channelTag, "error": errorType(err),
			})
			o.boundary.Recorder.Observe("send.duration", duration.Seconds(), map[string]string{
				"job": req.Job, "platform": req.Platform, "channel": channelTag, "unit": "seconds",
			})
		}
		o.logger.Error("send_failure", req.CorrelationID, log.Fields{
			"job": req.Job, "platform": req.Platform, "channel": channelTag, "error": err.Error(),
		})
		return
	}

	permitTags := engagementTags(req.Engagement)
	if o.boundary.Aggregator != nil {
		o.boundary.Aggregator.ReportSendSuccess(req.Job, req.Platform, req.Channel, duration, permitTags)
	} else {
		tags := map[string]string{"job": req.Job, "platform": req.Platform, "channel": channelTag}
		o.boundary.Recorder.Increment("send.success", mergeTags(tags, permitTags))
		o.boundary.Recorder.Observe("send.duration", duration.Seconds(), mergeTags(tags, map[string]string{"unit": "seconds"}))
	}
	if o.cooldown != nil {
		o.cooldown.NotePost(req.Platform, req.Channel, req.Job)
	}

	logFields := log.Fields{"job": req.Job, "platform": req.Platform, "channel": channelTag}
	for k, v := range permitTags {
		logFields[k] = v
	}
	o.logger.Info("send_success", req.CorrelationID, logFields)
}

func (o *Orchestrator) handleDenial(item *workItem, decision permit.Decision, channelTag string) {
	req := item.req
	job := decision.Job
	if job == "" {
		job = req.Job
	}

	tags := map[string]string{
		"job": job, "platform": req.Platform, "channel": channelTag,
		"retryable": boolTag(decision.Retryable),
	}
	if o.boundary.Aggregator != nil {
		permitTags := map[string]string{"retryable": tags["retryable"]}
		o.boundary.Aggregator.ReportPermitDenied(job, req.Platform, req.Channel, decision.Reason, permitTags)
	} else {
		o.boundary.Recorder.Increment("send.denied", tags)
	}
	o.logger.Warn("send_permit_denied", req.CorrelationID, log.Fields{
		"job": job, "platform": req.Platform, "channel": channelTag,
		"reason": decision.Reason, "retryable": decision.Retryable, "level": decision.Level,
	})

	if decision.Reevaluation == nil && decision.RetryAfter == nil {
		return
	}

	retryAfter := resolveRetryAfter(decision)
	level := decision.Level
	if decision.Reevaluation != nil && decision.Reevaluation.Level != "" {
		level = decision.Reevaluation.Level
	}
	allowHint := "pending"
	if decision.Reevaluation != nil && decision.Reevaluation.Allowed != nil {
		if *decision.Reevaluation.Allowed {
			allowHint = "allow"
		} else {
			allowHint = "deny"
		}
	}

	o.logger.Info("send_permit_reevaluation", req.CorrelationID, log.Fields{
		"level": level, "decision": allowHint, "reason": decision.Reason, "retry_after": retryAfter.Seconds(),
	})
	reevalTags := map[string]string{
		"job": job, "platform": req.Platform, "channel": channelTag,
		"level": level, "decision": allowHint, "reason": decision.Reason,
		"retry_after": strconv.FormatFloat(retryAfter.Seconds(), 'f', -1, 64),
	}
	for k, v := range decision.RetryMetadata {
		reevalTags[k] = v
	}
	o.boundary.Recorder.Increment("send.permit_reevaluation", reevalTags)

	if o.queue == nil || item.batchID == "" {
		return
	}

	var channelPtr *string
	if req.Channel != "" {
		c := req.Channel
		channelPtr = &c
	}
	until := o.clock().Add(retryAfter)
	_ = o.queue.MarkReevaluationPending(item.batchID, req.Job, channelPtr, level, until)

	o.scheduleReevaluation(item, retryAfter, channelPtr)
}

// scheduleReevaluation re-pushes the denied batch to the queue after
// delay, unless Close fires first. Matches spec.md §5's "a re-evaluation
// task, if cancelled, must propagate cancellation rather than swallow
// it" — here, cancellation means the push never happens and a
// cancellation event is logged, instead of raising into a caller that
// by this point is no longer waiting on this detached goroutine.
func (o *Orchestrator) scheduleReevaluation(item *workItem, delay time.Duration, channelPtr *string) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			batchID := item.batchID
			o.queue.Push(queue.PushInput{
				Text: item.req.Text, Priority: item.priority, Job: item.req.Job,
				Channel: channelPtr, BatchID: &batchID,
			})
		case <-o.stopCh:
			o.logger.Warn("send_permit_reevaluation_cancelled", item.req.CorrelationID, log.Fields{
				"job": item.req.Job, "batch_id": item.batchID,
			})
		}
	}()
}

func resolveRetryAfter(decision permit.Decision) time.Duration {
	if decision.Reevaluation != nil && decision.Reevaluation.RetryAfter != nil {
		return *decision.Reevaluation.RetryAfter
	}
	if decision.RetryAfter != nil {
		return *decision.RetryAfter
	}
	return 0
}

func engagementTags(e *core.EngagementMetadata) map[string]string {
	if e == nil {
		return nil
	}
	tags := map[string]string{}
	if e.Score != nil {
		tags["engagement_score"] = formatTrimmed(*e.Score)
	}
	if e.Recent != nil {
		tags["engagement_trend"] = formatTrimmed(*e.Recent)
	}
	if e.PermitQuota != nil {
		tags["permit_quota"] = formatTrimmed(*e.PermitQuota)
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// formatTrimmed rounds to 3 decimal places and trims trailing zeros,
// matching spec.md §4.8's engagement tag formatting rule.
func formatTrimmed(v float64) string {
	rounded := math.Round(v*1000) / 1000
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

func mergeTags(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func errorType(err error) string {
	return fmt.Sprintf("%T", err)
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
