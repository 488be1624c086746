package dispatchcore

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock reads so gates, the queue and the scheduler
// can be driven by a fake clock in tests instead of sleeping on real time.
type Clock func() time.Time

// RealClock returns the system's current time, the default Clock used
// outside of tests.
func RealClock() time.Time { return time.Now() }

// EngagementMetadata carries the optional engagement floats a feature
// producer may attach to a message. Every field is optional: a nil
// pointer means the producer did not supply that signal.
type EngagementMetadata struct {
	Score       *float64
	Recent      *float64
	LongTerm    *float64
	PermitQuota *float64
}

// MessageEnvelope is the immutable candidate produced by a feature
// producer: opaque text plus optional engagement metadata. It is never
// mutated after creation.
type MessageEnvelope struct {
	Text       string
	Engagement *EngagementMetadata
}

// NewCorrelationID returns a fresh 128-bit opaque correlation id,
// rendered as its hex string, suitable for propagating through logs and
// metrics for a single send.
func NewCorrelationID() string {
	return uuid.New().String()
}

// SendRequest is created at Orchestrator.Enqueue and destroyed at the
// request's terminal outcome. CorrelationID is propagated to every log
// and metric emitted while processing it.
type SendRequest struct {
	Text          string
	Job           string
	Platform      string
	Channel       string
	CorrelationID string
	Engagement    *EngagementMetadata
}

// ChannelOrDash returns Channel, or "-" when it is empty, matching the
// tag convention used throughout logs and metrics for an absent channel.
func (r *SendRequest) ChannelOrDash() string {
	if r.Channel == "" {
		return "-"
	}
	return r.Channel
}
