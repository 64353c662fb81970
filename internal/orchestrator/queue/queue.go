// Package queue serializes agent launch admissions.
package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdev/agentd/internal/agent/models"
	"github.com/agentdev/agentd/internal/common/logger"
)

// ErrCancelled is returned on the future of a launch cancelled while pending.
var ErrCancelled = errors.New("launch cancelled")

// ErrQueueClosed is returned when enqueueing after Close.
var ErrQueueClosed = errors.New("launch queue is closed")

// LaunchFunc is the head-of-queue action for one request.
type LaunchFunc func(ctx context.Context) (*models.Agent, error)

// Result resolves a launch future.
type Result struct {
	Agent *models.Agent
	Err   error
}

type request struct {
	id   string
	run  LaunchFunc
	done chan Result
}

// LaunchQueue is a strict FIFO that processes at most one launch at a time.
// Cancelling a still-pending request rejects its future with ErrCancelled;
// cancelling the in-flight request is a no-op. A failed launch never blocks
// or fails subsequent ones.
type LaunchQueue struct {
	mu      sync.Mutex
	items   []*request
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	logger  *logger.Logger
}

// NewLaunchQueue creates and starts the queue worker.
func NewLaunchQueue(log *logger.Logger) *LaunchQueue {
	q := &LaunchQueue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  log.WithFields(zap.String("component", "launch-queue")),
	}
	go q.worker()
	return q
}

// Enqueue adds a request and returns its future. The future resolves when
// the request reaches the head of the queue and its launch completes.
func (q *LaunchQueue) Enqueue(id string, run LaunchFunc) <-chan Result {
	done := make(chan Result, 1)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- Result{Err: ErrQueueClosed}
		return done
	}
	q.items = append(q.items, &request{id: id, run: run, done: done})
	q.mu.Unlock()

	q.signal()
	return done
}

// Cancel removes a still-pending request, rejecting its future with
// ErrCancelled. Returns false if the request is unknown or already in flight.
func (q *LaunchQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, req := range q.items {
		if req.id == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			req.done <- Result{Err: ErrCancelled}
			q.logger.Debug("cancelled pending launch", zap.String("request_id", id))
			return true
		}
	}
	return false
}

// Len returns the number of requests waiting (excluding any in flight).
func (q *LaunchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the worker after the in-flight request finishes. Pending
// requests are rejected.
func (q *LaunchQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, req := range pending {
		req.done <- Result{Err: ErrQueueClosed}
	}
	q.signal()
	<-q.stopped
}

func (q *LaunchQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *LaunchQueue) worker() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		req := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		agent, err := q.runOne(req)
		req.done <- Result{Agent: agent, Err: err}
	}
}

// runOne executes a launch, containing any panic so one bad request cannot
// take the worker down.
func (q *LaunchQueue) runOne(req *request) (agent *models.Agent, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("launch panicked",
				zap.String("request_id", req.id), zap.Any("panic", rec))
			err = errors.New("launch panicked")
		}
	}()
	return req.run(context.Background())
}
