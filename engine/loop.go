package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/decreehq/decree/state"
)

// Submitter receives the commands a loop cycle produced. Satisfied by
// *Executor; tests substitute a recorder.
type Submitter interface {
	Submit(ctx context.Context, cmds []Command)
}

// Hook runs on the loop goroutine after an event has been reduced and before
// handlers fire. Hooks must not enqueue synchronously.
type Hook func(e Event, s state.EngineState)

// Loop is the single-threaded event loop. Events are applied strictly in
// arrival order: reduce, store, handlers, submit. The queue is unbounded so
// enqueueing never blocks a producer.
type Loop struct {
	store    *state.Store
	handlers []Handler
	sink     Submitter
	logger   *slog.Logger
	metrics  *Metrics
	hooks    []Hook

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	busy    bool
	stopped bool

	stopOnce sync.Once
	done     chan struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithLoopMetrics sets the metrics sink.
func WithLoopMetrics(m *Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithHook appends a post-reduce hook.
func WithHook(h Hook) LoopOption {
	return func(l *Loop) { l.hooks = append(l.hooks, h) }
}

// NewLoop creates an event loop over the given store and handler set.
func NewLoop(store *state.Store, handlers []Handler, sink Submitter, opts ...LoopOption) *Loop {
	l := &Loop{
		store:    store,
		handlers: handlers,
		sink:     sink,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enqueue appends an event to the queue. Safe from any goroutine; never
// blocks. Events enqueued after Stop are dropped.
func (l *Loop) Enqueue(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		l.logger.Debug("event dropped after stop", "kind", e.Kind)
		return
	}
	l.queue = append(l.queue, e)
	if l.metrics != nil {
		l.metrics.QueueDepth.Set(float64(len(l.queue)))
	}
	// Broadcast, not Signal: WaitIdle callers share the condition variable
	// with the loop goroutine.
	l.cond.Broadcast()
}

// Start launches the loop goroutine. The context bounds command execution;
// cancelling it does not stop the loop, Stop does.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if l.stopped && len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue = l.queue[1:]
		l.busy = true
		if l.metrics != nil {
			l.metrics.QueueDepth.Set(float64(len(l.queue)))
		}
		l.mu.Unlock()

		l.apply(ctx, e)

		l.mu.Lock()
		l.busy = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}
}

// apply runs one full cycle for a single event.
func (l *Loop) apply(ctx context.Context, e Event) {
	l.logger.Debug("applying event", "kind", e.Kind)
	if l.metrics != nil {
		l.metrics.EventsTotal.WithLabelValues(string(e.Kind)).Inc()
	}

	l.store.SetState(func(s state.EngineState) state.EngineState {
		return Reduce(s, e, l.logger)
	})
	snapshot := l.store.GetState()

	for _, hook := range l.hooks {
		hook(e, snapshot)
	}

	var cmds []Command
	for _, h := range l.handlers {
		cmds = append(cmds, h(e, snapshot)...)
	}
	if len(cmds) > 0 {
		l.sink.Submit(ctx, cmds)
	}
}

// WaitIdle blocks until the queue is empty and no event is mid-application.
// Commands already submitted may still be executing; this is a loop barrier,
// not an executor barrier.
func (l *Loop) WaitIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 || l.busy {
		l.cond.Wait()
	}
}

// Stop drains the queue and terminates the loop goroutine. Idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	<-l.done
}
