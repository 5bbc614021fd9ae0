package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/decreehq/decree/engine"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// EventSink receives the events a poller emits. Satisfied by *engine.Loop.
type EventSink interface {
	Enqueue(e engine.Event)
}

// WorkItemPoller diffs the provider's open work items against the store.
type WorkItemPoller struct {
	reader provider.Reader
	store  *state.Store
	sink   EventSink
	retry  provider.RetryConfig
	logger *slog.Logger
}

// NewWorkItemPoller creates a work-item poller.
func NewWorkItemPoller(reader provider.Reader, store *state.Store, sink EventSink, retry provider.RetryConfig, logger *slog.Logger) *WorkItemPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkItemPoller{reader: reader, store: store, sink: sink, retry: retry, logger: logger}
}

// RunOnce performs one diff cycle. Provider failures abort the cycle without
// emitting anything; the next tick retries from scratch.
func (p *WorkItemPoller) RunOnce(ctx context.Context) error {
	items, err := provider.Retry(ctx, p.retry, p.logger, p.reader.ListWorkItems)
	if err != nil {
		return fmt.Errorf("listing work items: %w", err)
	}

	known := p.store.GetState().WorkItems
	seen := make(map[string]bool, len(items))

	for _, item := range items {
		seen[item.ID] = true
		prev, ok := known[item.ID]
		if !ok {
			it := item
			p.sink.Enqueue(engine.NewWorkItemChanged(&it, ""))
			continue
		}
		if workItemChanged(prev, item) {
			it := item
			p.sink.Enqueue(engine.NewWorkItemChanged(&it, prev.Status))
		}
	}

	for id, prev := range known {
		if !seen[id] {
			p.sink.Enqueue(engine.NewWorkItemRemoved(id, prev.Status))
		}
	}
	return nil
}

// workItemChanged reports whether any reconciled field differs.
func workItemChanged(prev, next state.WorkItem) bool {
	return prev.Title != next.Title ||
		prev.Status != next.Status ||
		prev.Priority != next.Priority ||
		prev.Body != next.Body ||
		prev.LinkedRevision != next.LinkedRevision ||
		!slices.Equal(prev.BlockedBy, next.BlockedBy)
}
