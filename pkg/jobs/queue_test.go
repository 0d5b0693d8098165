package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDispatchesByType(t *testing.T) {
	q := NewQueue("test", QueueConfig{Workers: 2})
	done := make(chan string, 2)
	q.Register("render", func(ctx context.Context, job Job) error {
		done <- job.Payload.(string)
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "render", Payload: "req-1"}))
	select {
	case got := <-done:
		assert.Equal(t, "req-1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("job not processed")
	}
}

func TestQueueRejectsUnknownTypeAndUnstarted(t *testing.T) {
	q := NewQueue("test", QueueConfig{})
	require.Error(t, q.Enqueue(Job{Type: "render"}))

	q.Start(context.Background())
	defer q.Stop()
	require.Error(t, q.Enqueue(Job{Type: "unknown"}))
}

func TestQueueRetriesFailedJobs(t *testing.T) {
	var calls int32
	var observed int32
	q := NewQueue("test", QueueConfig{
		Workers:    1,
		MaxRetries: 2,
		RetryDelay: 5 * time.Millisecond,
		Observer: func(string, time.Duration, error) {
			atomic.AddInt32(&observed, 1)
		},
	})
	succeeded := make(chan struct{})
	q.Register("flaky", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		close(succeeded)
		return nil
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(Job{Type: "flaky"}))
	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&observed) == 3 }, time.Second, 5*time.Millisecond)
}
