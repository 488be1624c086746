// Package sender defines the abstract boundary to platform adapters
// (spec.md §6's sender contract) and ships the two concrete
// implementations used for tests and local wiring, since live platform
// adapters are out of scope.
package sender

import (
	"context"
	"sync"
)

// Sender is the full sender contract: send(text, channel?, job). An
// implementation must be idempotent within its own retry window — the
// retry executor embedded in a real adapter may re-invoke it once per
// attempt.
type Sender interface {
	Send(ctx context.Context, text string, channel string, job string) error
}

// BasicSender is the narrower contract a sender may implement instead
// of Sender when it has no use for the job argument. See SPEC_FULL.md's
// "Compat shim for a sender that doesn't accept a job kwarg": the
// orchestrator resolves which interface a sender satisfies once at
// construction and always calls through that interface thereafter. A
// BasicSender call that fails is a terminal failure; it is never
// retried by the orchestrator itself.
type BasicSender interface {
	Send(ctx context.Context, text string, channel string) error
}

// Func adapts a plain function to the Sender interface, the Go
// analogue of duck-typing a Sender protocol in the original Python.
type Func func(ctx context.Context, text, channel, job string) error

// Send implements Sender.
func (f Func) Send(ctx context.Context, text, channel, job string) error {
	return f(ctx, text, channel, job)
}

// Call is one recorded invocation, captured by Recording for assertions.
type Call struct {
	Text    string
	Channel string
	Job     string
}

// Recording is an in-memory Sender used by the orchestrator tests in
// place of a live platform adapter.
type Recording struct {
	mu    sync.Mutex
	calls []Call
	err   error
}

// NewRecording returns a Recording that always succeeds.
func NewRecording() *Recording {
	return &Recording{}
}

// NewFailingRecording returns a Recording whose Send always returns err.
func NewFailingRecording(err error) *Recording {
	return &Recording{err: err}
}

// Send implements Sender, recording the call and returning the
// configured error (nil by default).
func (r *Recording) Send(ctx context.Context, text, channel, job string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Text: text, Channel: channel, Job: job})
	return r.err
}

// Calls returns a copy of every recorded call, in order.
func (r *Recording) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

var (
	_ Sender = Func(nil)
	_ Sender = (*Recording)(nil)
)
