// Package actions runs units of work one at a time on a named queue.
package actions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cuemby/stratus/pkg/log"
	"github.com/cuemby/stratus/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrStopped is returned for work submitted after Stop
var ErrStopped = errors.New("action queue stopped")

// Action is a unit of work run by the queue worker
type Action func(ctx context.Context) error

// item states
const (
	queued int32 = iota
	running
	cancelled
)

type item struct {
	name   string
	action Action
	done   chan error
	state  *atomic.Int32
}

// Queue runs submitted actions one at a time, in submission order, on a
// single worker goroutine
type Queue struct {
	name   string
	logger zerolog.Logger

	mu      sync.Mutex
	pending []item
	notify  chan struct{}
	started bool
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewQueue creates a stopped queue; call Start to begin draining it
func NewQueue(name string) *Queue {
	return &Queue{
		name:   name,
		logger: log.WithComponent(name),
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the worker. The worker's context is cancelled on Stop.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

// Stop rejects new work, waits for the running action to return and drops
// the rest. Waiters of dropped work receive ErrStopped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	close(q.stopCh)
	if !started {
		q.drain()
		return
	}
	<-q.doneCh
}

// Submit enqueues an action and returns immediately. Errors are logged.
func (q *Queue) Submit(name string, action Action) error {
	return q.enqueue(item{name: name, action: action})
}

// Do enqueues an action and waits for its result. When ctx ends before the
// worker reaches the action, the action is skipped and ctx.Err() returned;
// once it has started, Do waits for its result.
func (q *Queue) Do(ctx context.Context, name string, action Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	it := item{name: name, action: action, done: make(chan error, 1), state: new(atomic.Int32)}
	if err := q.enqueue(it); err != nil {
		return err
	}
	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		if it.state.CompareAndSwap(queued, cancelled) {
			return ctx.Err()
		}
		return <-it.done
	}
}

// Len returns the number of actions waiting to run
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) enqueue(it item) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.pending = append(q.pending, it)
	depth := len(q.pending)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) next() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return item{}, false
	}
	it := q.pending[0]
	q.pending[0] = item{}
	q.pending = q.pending[1:]
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.pending)))
	return it, true
}

func (q *Queue) run() {
	defer close(q.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.stopCh
		cancel()
	}()

	for {
		select {
		case <-q.stopCh:
			q.drain()
			return
		default:
		}

		it, ok := q.next()
		if !ok {
			select {
			case <-q.notify:
			case <-q.stopCh:
				q.drain()
				return
			}
			continue
		}

		if it.state != nil && !it.state.CompareAndSwap(queued, running) {
			q.logger.Debug().Str("action", it.name).Msg("Skipping cancelled action")
			continue
		}

		err := q.exec(ctx, it)
		if it.done != nil {
			it.done <- err
		} else if err != nil {
			q.logger.Error().Err(err).Str("action", it.name).Msg("Action failed")
		}
	}
}

func (q *Queue) exec(ctx context.Context, it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Str("action", it.name).Msg("Action panicked")
			err = errors.New("action panicked")
		}
	}()
	return it.action(ctx)
}

func (q *Queue) drain() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, it := range pending {
		if it.done != nil {
			it.done <- ErrStopped
		}
	}
	if len(pending) > 0 {
		q.logger.Warn().Int("dropped", len(pending)).Msg("Action queue stopped with pending work")
	}
	metrics.QueueDepth.WithLabelValues(q.name).Set(0)
}
