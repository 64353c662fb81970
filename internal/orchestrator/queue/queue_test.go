package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/common/logger"
)

func newTestQueue(t *testing.T) *LaunchQueue {
	t.Helper()
	q := NewLaunchQueue(logger.Default())
	t.Cleanup(q.Close)
	return q
}

func TestEnqueueResolvesFuture(t *testing.T) {
	q := newTestQueue(t)

	agent := models.NewAgent(models.AgentTypeSynthetic, "p", models.AgentConfig{})
	future := q.Enqueue("r1", func(ctx context.Context) (*models.Agent, error) {
		return agent, nil
	})

	res := <-future
	require.NoError(t, res.Err)
	assert.Equal(t, agent, res.Agent)
}

func TestStrictFIFOOrder(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	var order []int
	gate := make(chan struct{})

	var futures []<-chan Result
	for i := 0; i < 5; i++ {
		n := i
		futures = append(futures, q.Enqueue("r", func(ctx context.Context) (*models.Agent, error) {
			if n == 0 {
				<-gate
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return nil, nil
		}))
	}
	close(gate)

	for _, f := range futures {
		<-f
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSingleInFlight(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})

	first := q.Enqueue("a", func(ctx context.Context) (*models.Agent, error) {
		close(started)
		<-release
		return nil, nil
	})

	ran := false
	second := q.Enqueue("b", func(ctx context.Context) (*models.Agent, error) {
		ran = true
		return nil, nil
	})

	<-started
	assert.Equal(t, 1, q.Len(), "second request should be waiting")
	assert.False(t, ran)

	close(release)
	<-first
	<-second
	assert.True(t, ran)
}

func TestCancelPending(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	first := q.Enqueue("a", func(ctx context.Context) (*models.Agent, error) {
		close(started)
		<-release
		return nil, nil
	})

	second := q.Enqueue("b", func(ctx context.Context) (*models.Agent, error) {
		t.Error("cancelled request must not run")
		return nil, nil
	})

	<-started
	assert.True(t, q.Cancel("b"))

	res := <-second
	require.ErrorIs(t, res.Err, ErrCancelled)

	close(release)
	<-first
}

func TestCancelInFlightIsNoop(t *testing.T) {
	q := newTestQueue(t)

	release := make(chan struct{})
	started := make(chan struct{})
	future := q.Enqueue("a", func(ctx context.Context) (*models.Agent, error) {
		close(started)
		<-release
		return nil, nil
	})

	<-started
	assert.False(t, q.Cancel("a"), "in-flight request cannot be cancelled")

	close(release)
	res := <-future
	assert.NoError(t, res.Err)
}

func TestErrorDoesNotBlockNext(t *testing.T) {
	q := newTestQueue(t)

	boom := errors.New("boom")
	first := q.Enqueue("a", func(ctx context.Context) (*models.Agent, error) {
		return nil, boom
	})
	second := q.Enqueue("b", func(ctx context.Context) (*models.Agent, error) {
		return nil, nil
	})

	res := <-first
	require.ErrorIs(t, res.Err, boom)

	select {
	case res = <-second:
		assert.NoError(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("second request never ran")
	}
}

func TestPanicContained(t *testing.T) {
	q := newTestQueue(t)

	first := q.Enqueue("a", func(ctx context.Context) (*models.Agent, error) {
		panic("kaboom")
	})
	second := q.Enqueue("b", func(ctx context.Context) (*models.Agent, error) {
		return nil, nil
	})

	res := <-first
	require.Error(t, res.Err)

	res = <-second
	assert.NoError(t, res.Err)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := NewLaunchQueue(logger.Default())
	q.Close()

	res := <-q.Enqueue("a", func(ctx context.Context) (*models.Agent, error) {
		return nil, nil
	})
	require.ErrorIs(t, res.Err, ErrQueueClosed)
}
