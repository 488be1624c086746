package scheduler_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/RNA4219/dispatchcore/queue"
	"github.com/RNA4219/dispatchcore/scheduler"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	jobs []string
}

func (s *recordingSender) Send(ctx context.Context, text, job, platform, channel string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel != "" {
		text = channel + ":" + text
	}
	s.sent = append(s.sent, text)
	s.jobs = append(s.jobs, job)
	return "cid", nil
}

func (s *recordingSender) snapshot() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...), append([]string(nil), s.jobs...)
}

func TestDispatchReadyBatchesFiresImmediatelyWithoutClash(t *testing.T) {
	q := queue.New(0, 5)
	sender := &recordingSender{}
	sch := scheduler.New(scheduler.Config{Sender: sender, Queue: q, JitterEnabled: true})

	base := time.Unix(1000, 0).UTC()
	q.Push(queue.PushInput{Text: "first", Priority: 5, Job: "daily", CreatedAt: &base})
	sch.DispatchReadyBatches(context.Background(), base)

	sent, jobs := sender.snapshot()
	assert.Equal(t, []string{"first"}, sent)
	assert.Equal(t, []string{"daily"}, jobs)
}

func TestDispatchReadyBatchesJittersOnClash(t *testing.T) {
	q := queue.New(0, 5)
	sender := &recordingSender{}
	sch := scheduler.New(scheduler.Config{
		Sender: sender, Queue: q,
		JitterEnabled: true, JitterMin: 10 * time.Millisecond, JitterMax: 20 * time.Millisecond,
		Rand: rand.New(rand.NewSource(42)),
	})

	base := time.Unix(2000, 0).UTC()
	q.Push(queue.PushInput{Text: "first", Priority: 5, Job: "daily", CreatedAt: &base})
	sch.DispatchReadyBatches(context.Background(), base)

	q.Push(queue.PushInput{Text: "second", Priority: 5, Job: "daily", CreatedAt: &base})
	start := time.Now()
	sch.DispatchReadyBatches(context.Background(), base)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)

	sent, _ := sender.snapshot()
	assert.Equal(t, []string{"first", "second"}, sent)
}

func TestDispatchReadyBatchesSkipsJitterWhenDisabled(t *testing.T) {
	q := queue.New(0, 5)
	sender := &recordingSender{}
	sch := scheduler.New(scheduler.Config{Sender: sender, Queue: q, JitterEnabled: false})

	base := time.Unix(5000, 0).UTC()
	q.Push(queue.PushInput{Text: "only", Priority: 1, Job: "daily", CreatedAt: &base})

	start := time.Now()
	sch.DispatchReadyBatches(context.Background(), base)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 5*time.Millisecond)
	sent, _ := sender.snapshot()
	assert.Equal(t, []string{"only"}, sent)
}

func TestEveryDayTriggersHandlerOnMatchingMinute(t *testing.T) {
	q := queue.New(time.Minute, 5)
	sender := &recordingSender{}
	currentHHMM := time.Now().UTC().Format("15:04")
	sch := scheduler.New(scheduler.Config{
		Sender: sender, Queue: q,
		Clock: func() time.Time { return time.Now() },
	})

	called := make(chan struct{}, 1)
	sch.EveryDay(scheduler.Job{
		Name: "daily", HHMM: currentHHMM, Channel: "general",
		Handler: func(ctx context.Context) (string, bool, error) {
			select {
			case called <- struct{}{}:
			default:
			}
			return "good morning", true, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sch.RunForever(ctx)
	}()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	cancel()
	<-done
}
