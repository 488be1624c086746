// Package inflight tracks the orchestrator worker's in-flight request
// count for Flush/Close, adapted from the teacher's SafeWaitGroup
// (_examples/signalfx-sarama/async_producer.go): a sync.WaitGroup that
// recovers a panic raised by its own Add/Done (such as an unbalanced
// Done) by poisoning itself instead of leaving Wait() blocked forever.
package inflight

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/RNA4219/dispatchcore/log"
)

// Group is a panic-safe wait group. Once Add or Done panics, the group
// latches into a poisoned state: further Add/Done become no-ops and
// Wait returns immediately, so an unbalanced counter can never wedge
// Flush/Close forever. Panics inside the tracked work itself are not
// seen here; the orchestrator worker recovers those on its own.
type Group struct {
	wg       sync.WaitGroup
	poisoned int64
	logger   log.Logger
}

// New returns an empty Group that logs recovered panics via logger.
func New(logger log.Logger) *Group {
	return &Group{logger: logger}
}

func (g *Group) onPanic(rec interface{}) {
	atomic.StoreInt64(&g.poisoned, 1)
	g.logger.Error("orchestrator_panic_recovered", "", log.Fields{
		"panic": rec,
		"stack": string(debug.Stack()),
	})
}

// Add mirrors sync.WaitGroup.Add, becoming a no-op once poisoned.
func (g *Group) Add(delta int) {
	if atomic.LoadInt64(&g.poisoned) != 0 {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			g.onPanic(rec)
		}
	}()
	g.wg.Add(delta)
}

// Done mirrors sync.WaitGroup.Done, recovering (and poisoning the
// group on) any panic that escapes an unbalanced Done call.
func (g *Group) Done() {
	if atomic.LoadInt64(&g.poisoned) != 0 {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			g.onPanic(rec)
		}
	}()
	g.wg.Done()
}

// Wait blocks until every Add has a matching Done, or returns
// immediately if the group is poisoned.
func (g *Group) Wait() {
	if atomic.LoadInt64(&g.poisoned) != 0 {
		return
	}
	g.wg.Wait()
}

// Poisoned reports whether the group has recovered from a panic.
func (g *Group) Poisoned() bool {
	return atomic.LoadInt64(&g.poisoned) != 0
}
