package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// Intervals configures the two poll cadences. Revisions and specs move
// quickly and poll on the fast interval; work items poll on the slow one.
type Intervals struct {
	Fast time.Duration
	Slow time.Duration
}

// DefaultIntervals returns the standard poll cadences.
func DefaultIntervals() Intervals {
	return Intervals{Fast: 5 * time.Second, Slow: 30 * time.Second}
}

// Reconciler schedules the three pollers. RunOnce drives a full synchronous
// cycle for startup; Start runs the periodic cadences until Stop.
type Reconciler struct {
	workItems *WorkItemPoller
	revisions *RevisionPoller
	specs     *SpecPoller
	intervals Intervals
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithIntervals overrides the poll cadences.
func WithIntervals(iv Intervals) Option {
	return func(r *Reconciler) { r.intervals = iv }
}

// New creates a reconciler over the given reader, emitting into sink.
func New(reader provider.Reader, store *state.Store, sink EventSink, specDir string, retry provider.RetryConfig, opts ...Option) *Reconciler {
	r := &Reconciler{
		intervals: DefaultIntervals(),
		logger:    slog.Default(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.workItems = NewWorkItemPoller(reader, store, sink, retry, r.logger)
	r.revisions = NewRevisionPoller(reader, store, sink, retry, r.logger)
	r.specs = NewSpecPoller(reader, store, sink, specDir, retry, r.logger)
	return r
}

// Specs exposes the spec poller, whose observed tree feeds the planner cache.
func (r *Reconciler) Specs() *SpecPoller {
	return r.specs
}

// RunOnce performs one synchronous cycle of all three pollers. Work items go
// first so revision and spec events see their items already in the store by
// the time the loop applies them.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if err := r.workItems.RunOnce(ctx); err != nil {
		return err
	}
	if err := r.revisions.RunOnce(ctx); err != nil {
		return err
	}
	return r.specs.RunOnce(ctx)
}

// Start launches the periodic cadences. Poller errors are logged and retried
// on the next tick.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(2)

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.intervals.Fast)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.revisions.RunOnce(ctx); err != nil {
					r.logger.Warn("revision poll failed", "error", err)
				}
				if err := r.specs.RunOnce(ctx); err != nil {
					r.logger.Warn("spec poll failed", "error", err)
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.intervals.Slow)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.workItems.RunOnce(ctx); err != nil {
					r.logger.Warn("work item poll failed", "error", err)
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the periodic cadences and waits for in-flight cycles.
// Idempotent.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
