// Package queue implements the coalescing queue: nearby messages destined
// for the same (channel, job) are merged into a single priority-aware
// batch before being handed to the orchestrator. Grounded on
// original_source/src/llm_generic_bot/core/queue.py. The ledger's
// insertion-ordered LRU is built on container/list plus a map, since
// none of the retrieved example repos carry an ordered-map/LRU library
// (see DESIGN.md for the stdlib justification).
package queue

import (
	"container/list"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/RNA4219/dispatchcore"
)

// Batch is a ready-to-send coalesced batch. Lower Priority values are
// more urgent, matching spec.md's priority convention.
type Batch struct {
	Priority  int
	Text      string
	Channel   *string
	Job       string
	CreatedAt time.Time
	BatchID   string
}

type pendingBatch struct {
	start      time.Time
	job        string
	messages   []string
	priority   int
	channel    *string
	readyAt    time.Time
	forceReady bool
	batchID    string
}

type batchRecord struct {
	job      string
	channel  *string
	lastSeen time.Time
	holds    map[string]time.Time
}

func (r *batchRecord) expire(now time.Time) {
	for level, until := range r.holds {
		if !now.Before(until) {
			delete(r.holds, level)
		}
	}
}

func (r *batchRecord) noteSeen(ts time.Time) {
	if ts.After(r.lastSeen) {
		r.lastSeen = ts
	}
}

type ledgerEntry struct {
	key    string
	record *batchRecord
}

// CoalesceQueue merges nearby messages into priority-aware batches. Safe
// for concurrent use.
type CoalesceQueue struct {
	mu          sync.Mutex
	window      time.Duration
	threshold   int
	pending     []*pendingBatch
	index       map[string]*pendingBatch
	ledger      *list.List
	ledgerIndex map[string]*list.Element
	recentLimit int
	clock       core.Clock
}

const defaultRecentLimit = 1024

// New returns a CoalesceQueue with the given coalescing window and
// message-count threshold that forces a batch ready early.
func New(window time.Duration, threshold int, opts ...Option) *CoalesceQueue {
	q := &CoalesceQueue{
		window:      window,
		threshold:   threshold,
		index:       make(map[string]*pendingBatch),
		ledger:      list.New(),
		ledgerIndex: make(map[string]*list.Element),
		recentLimit: defaultRecentLimit,
		clock:       core.RealClock,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Option configures a CoalesceQueue at construction.
type Option func(*CoalesceQueue)

// WithClock injects a deterministic clock for tests.
func WithClock(clock core.Clock) Option {
	return func(q *CoalesceQueue) { q.clock = clock }
}

// WithRecentLimit overrides the default ledger capacity of 1024 entries.
func WithRecentLimit(limit int) Option {
	return func(q *CoalesceQueue) { q.recentLimit = limit }
}

// Window reports the coalescing window.
func (q *CoalesceQueue) Window() time.Duration {
	return q.window
}

// PushInput carries the named/optional arguments of Push.
type PushInput struct {
	Text      string
	Priority  int
	Job       string
	CreatedAt *time.Time
	Channel   *string
	BatchID   *string
}

// Push appends text to an existing compatible batch or opens a new one.
// When BatchID is set and a reevaluation hold or prior observation
// prevents reuse, the push is silently dropped (matches
// queue.py:_should_skip's fail-closed replay guard).
func (q *CoalesceQueue) Push(in PushInput) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.clock()
	if in.CreatedAt != nil {
		ts = *in.CreatedAt
	}

	if in.BatchID != nil && q.shouldSkip(*in.BatchID, ts, in.Job, in.Channel) {
		return
	}

	batch := q.findBatch(ts, in.Channel, in.Job, in.Priority, in.BatchID)
	if batch == nil {
		resolvedID := newBatchID()
		if in.BatchID != nil {
			resolvedID = *in.BatchID
		}
		batch = &pendingBatch{
			start:    ts,
			job:      in.Job,
			priority: in.Priority,
			channel:  in.Channel,
			readyAt:  ts.Add(q.window),
			batchID:  resolvedID,
		}
		q.pending = append(q.pending, batch)
		q.index[batch.batchID] = batch
	} else {
		if in.Priority < batch.priority {
			batch.priority = in.Priority
		}
		if in.BatchID != nil && batch.batchID == *in.BatchID {
			batch.messages = nil
		}
	}

	if in.BatchID != nil && batch.batchID == *in.BatchID {
		if ts.Before(batch.start) {
			batch.start = ts
		}
		batch.channel = in.Channel
		batch.messages = []string{in.Text}
		batch.readyAt = ts.Add(q.window)
		batch.forceReady = false
	} else {
		batch.messages = append(batch.messages, in.Text)
		if len(batch.messages) >= q.threshold {
			batch.forceReady = true
			if ts.Before(batch.readyAt) {
				batch.readyAt = ts
			}
		}
	}

	q.remember(batch.batchID, ts, batch.job, batch.channel)
}

// PopReady removes and returns every batch that has reached its ready
// time (or was force-readied by the message-count threshold), ordered
// by (priority, created_at).
func (q *CoalesceQueue) PopReady(now time.Time) []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []Batch
	remaining := make([]*pendingBatch, 0, len(q.pending))
	for _, batch := range q.pending {
		if batch.forceReady || !now.Before(batch.readyAt) {
			text := batch.messages[0]
			if len(batch.messages) > 1 {
				text = strings.Join(batch.messages, "\n")
			}
			ready = append(ready, Batch{
				Priority:  batch.priority,
				Text:      text,
				Channel:   batch.channel,
				Job:       batch.job,
				CreatedAt: batch.start,
				BatchID:   batch.batchID,
			})
			delete(q.index, batch.batchID)
		} else {
			remaining = append(remaining, batch)
		}
	}
	q.pending = remaining

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// MarkReevaluationPending records a hold on batchID through until, used
// by the orchestrator when a permit denial calls for retrying the same
// batch later rather than discarding it. A record job/channel mismatch
// is a silent no-op, matching queue.py's fail-closed behavior.
func (q *CoalesceQueue) MarkReevaluationPending(batchID, job string, channel *string, level string, until time.Time) error {
	if level == "" {
		return errors.New("reevaluation level must be non-empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.ledgerGet(batchID)
	if !ok {
		rec = &batchRecord{job: job, channel: channel, lastSeen: until, holds: map[string]time.Time{}}
		q.ledgerPut(batchID, rec)
	} else {
		if rec.job != job {
			return nil
		}
		if channel != nil && rec.channel != nil && *rec.channel != *channel {
			return nil
		}
		if rec.channel == nil && channel != nil {
			rec.channel = channel
		}
		rec.expire(until)
		rec.noteSeen(until)
	}
	rec.holds[level] = until
	q.moveToEnd(batchID)
	q.evictOverCapacity()
	return nil
}

func (q *CoalesceQueue) findBatch(ts time.Time, channel *string, job string, priority int, batchID *string) *pendingBatch {
	if batchID != nil {
		if existing, ok := q.index[*batchID]; ok {
			return existing
		}
	}
	for _, b := range q.pending {
		if !channelEqual(b.channel, channel) || b.job != job {
			continue
		}
		if priority > b.priority {
			continue
		}
		if ts.Sub(b.start) <= q.window {
			q.index[b.batchID] = b
			return b
		}
	}
	return nil
}

func (q *CoalesceQueue) shouldSkip(batchID string, ts time.Time, job string, channel *string) bool {
	rec, ok := q.ledgerGet(batchID)
	if !ok {
		return false
	}
	rec.expire(ts)
	if rec.job != job {
		return true
	}
	if channel != nil && rec.channel != nil && *rec.channel != *channel {
		return true
	}
	if rec.channel == nil && channel != nil {
		rec.channel = channel
	}
	if len(rec.holds) > 0 {
		holdUntil := maxHold(rec.holds)
		if ts.Before(holdUntil) {
			return true
		}
	}
	return !ts.After(rec.lastSeen)
}

func (q *CoalesceQueue) remember(batchID string, ts time.Time, job string, channel *string) {
	rec, ok := q.ledgerGet(batchID)
	if !ok {
		rec = &batchRecord{job: job, channel: channel, lastSeen: ts, holds: map[string]time.Time{}}
		q.ledgerPut(batchID, rec)
	} else {
		if rec.job != job {
			rec.job = job
		}
		if rec.channel == nil && channel != nil {
			rec.channel = channel
		}
		rec.expire(ts)
		rec.noteSeen(ts)
	}
	q.moveToEnd(batchID)
	q.evictOverCapacity()
}

func (q *CoalesceQueue) ledgerGet(key string) (*batchRecord, bool) {
	el, ok := q.ledgerIndex[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*ledgerEntry).record, true
}

func (q *CoalesceQueue) ledgerPut(key string, rec *batchRecord) {
	el := q.ledger.PushBack(&ledgerEntry{key: key, record: rec})
	q.ledgerIndex[key] = el
}

func (q *CoalesceQueue) moveToEnd(key string) {
	if el, ok := q.ledgerIndex[key]; ok {
		q.ledger.MoveToBack(el)
	}
}

func (q *CoalesceQueue) evictOverCapacity() {
	for q.ledger.Len() > q.recentLimit {
		front := q.ledger.Front()
		entry := front.Value.(*ledgerEntry)
		delete(q.ledgerIndex, entry.key)
		q.ledger.Remove(front)
	}
}

func channelEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func maxHold(holds map[string]time.Time) time.Time {
	var latest time.Time
	for _, until := range holds {
		if until.After(latest) {
			latest = until
		}
	}
	return latest
}

func newBatchID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
