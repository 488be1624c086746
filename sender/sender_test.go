package sender_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RNA4219/dispatchcore/sender"
)

func TestFuncAdaptsPlainFunction(t *testing.T) {
	var got sender.Call
	f := sender.Func(func(ctx context.Context, text, channel, job string) error {
		got = sender.Call{Text: text, Channel: channel, Job: job}
		return nil
	})

	require.NoError(t, f.Send(context.Background(), "hello", "general", "weather"))
	assert.Equal(t, sender.Call{Text: "hello", Channel: "general", Job: "weather"}, got)
}

func TestRecordingCapturesCallsInOrder(t *testing.T) {
	r := sender.NewRecording()
	require.NoError(t, r.Send(context.Background(), "one", "c1", "j1"))
	require.NoError(t, r.Send(context.Background(), "two", "c2", "j2"))

	calls := r.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "one", calls[0].Text)
	assert.Equal(t, "two", calls[1].Text)
}

func TestFailingRecordingReturnsConfiguredError(t *testing.T) {
	sentinel := errors.New("boom")
	r := sender.NewFailingRecording(sentinel)
	err := r.Send(context.Background(), "x", "c", "j")
	assert.ErrorIs(t, err, sentinel)
	assert.Len(t, r.Calls(), 1)
}
