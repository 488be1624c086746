package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/dispatchcore/queue"
)

func strPtr(s string) *string { return &s }

func TestPushMergesWithinWindowSameChannelJob(t *testing.T) {
	q := queue.New(30*time.Second, 10)
	base := time.Unix(1_700_000_000, 0)
	channel := strPtr("general")

	q.Push(queue.PushInput{Text: "first", Priority: 5, Job: "weather", CreatedAt: &base, Channel: channel})
	later := base.Add(5 * time.Second)
	q.Push(queue.PushInput{Text: "second", Priority: 5, Job: "weather", CreatedAt: &later, Channel: channel})

	ready := q.PopReady(base.Add(31 * time.Second))
	require.Len(t, ready, 1)
	assert.Equal(t, "first\nsecond", ready[0].Text)
}

func TestPushKeepsSeparateBatchesForDifferentJobs(t *testing.T) {
	q := queue.New(30*time.Second, 10)
	base := time.Unix(1_700_000_000, 0)
	channel := strPtr("general")

	q.Push(queue.PushInput{Text: "a", Priority: 5, Job: "weather", CreatedAt: &base, Channel: channel})
	q.Push(queue.PushInput{Text: "b", Priority: 5, Job: "fortune", CreatedAt: &base, Channel: channel})

	ready := q.PopReady(base.Add(31 * time.Second))
	assert.Len(t, ready, 2)
}

func TestPopReadyOrdersByPriorityThenCreatedAt(t *testing.T) {
	q := queue.New(time.Second, 10)
	base := time.Unix(1_700_000_000, 0)

	low := base
	high := base.Add(2 * time.Second)
	q.Push(queue.PushInput{Text: "low priority", Priority: 9, Job: "a", CreatedAt: &low})
	q.Push(queue.PushInput{Text: "high priority", Priority: 1, Job: "b", CreatedAt: &high})

	ready := q.PopReady(base.Add(10 * time.Second))
	require.Len(t, ready, 2)
	assert.Equal(t, "high priority", ready[0].Text)
	assert.Equal(t, "low priority", ready[1].Text)
}

func TestForceReadyAtThreshold(t *testing.T) {
	q := queue.New(time.Minute, 3)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		q.Push(queue.PushInput{Text: "m", Priority: 5, Job: "a", CreatedAt: &ts})
	}

	ready := q.PopReady(base.Add(2 * time.Second))
	require.Len(t, ready, 1)
	assert.Equal(t, "m\nm\nm", ready[0].Text)
}

func TestMarkReevaluationPendingSuppressesReplayUntilHoldExpires(t *testing.T) {
	q := queue.New(30*time.Second, 10)
	base := time.Unix(1_700_000_000, 0)
	batchID := "held-batch"

	q.Push(queue.PushInput{Text: "first", Priority: 5, Job: "weather", CreatedAt: &base, BatchID: &batchID})
	holdUntil := base.Add(60 * time.Second)
	require.NoError(t, q.MarkReevaluationPending(batchID, "weather", nil, "per_platform", holdUntil))

	retryTs := base.Add(10 * time.Second)
	q.Push(queue.PushInput{Text: "retry during hold", Priority: 5, Job: "weather", CreatedAt: &retryTs, BatchID: &batchID})

	ready := q.PopReady(retryTs.Add(time.Minute))
	// the retry push was skipped while held, so the only surviving
	// content is the original push.
	require.Len(t, ready, 1)
	assert.Equal(t, "first", ready[0].Text)
}

func TestMarkReevaluationPendingRejectsEmptyLevel(t *testing.T) {
	q := queue.New(time.Second, 10)
	err := q.MarkReevaluationPending("b1", "weather", nil, "", time.Unix(0, 0))
	assert.Error(t, err)
}

func TestLedgerEvictsBeyondRecentLimit(t *testing.T) {
	q := queue.New(time.Second, 1000, queue.WithRecentLimit(2))
	base := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"b1", "b2", "b3"} {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		bid := id
		q.Push(queue.PushInput{Text: "x", Priority: 5, Job: "a", CreatedAt: &ts, BatchID: &bid})
		q.PopReady(ts.Add(2 * time.Second))
	}

	// b1 should have aged out of the ledger, so replaying it at the
	// same batch id is treated as brand new rather than skipped.
	replayID := "b1"
	replayTs := base.Add(time.Second)
	q.Push(queue.PushInput{Text: "replay", Priority: 5, Job: "a", CreatedAt: &replayTs, BatchID: &replayID})
	ready := q.PopReady(replayTs.Add(2 * time.Second))
	require.Len(t, ready, 1)
	assert.Equal(t, "replay", ready[0].Text)
}
