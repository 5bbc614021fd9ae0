package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/decreehq/decree/engine"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// RevisionPoller diffs the provider's open revisions against the store,
// deriving each revision's pipeline from the CI endpoints.
type RevisionPoller struct {
	reader provider.Reader
	store  *state.Store
	sink   EventSink
	retry  provider.RetryConfig
	logger *slog.Logger
}

// NewRevisionPoller creates a revision poller.
func NewRevisionPoller(reader provider.Reader, store *state.Store, sink EventSink, retry provider.RetryConfig, logger *slog.Logger) *RevisionPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevisionPoller{reader: reader, store: store, sink: sink, retry: retry, logger: logger}
}

// RunOnce performs one diff cycle.
func (p *RevisionPoller) RunOnce(ctx context.Context) error {
	revs, err := provider.Retry(ctx, p.retry, p.logger, p.reader.ListRevisions)
	if err != nil {
		return fmt.Errorf("listing revisions: %w", err)
	}

	known := p.store.GetState().Revisions
	seen := make(map[string]bool, len(revs))

	for _, rev := range revs {
		seen[rev.ID] = true
		enriched, err := p.enrich(ctx, rev)
		if err != nil {
			// A CI lookup failure must not cascade into a spurious change
			// event; skip the revision until the next tick.
			p.logger.Warn("revision enrichment failed", "revision", rev.ID, "error", err)
			continue
		}

		prev, ok := known[rev.ID]
		if !ok {
			r := enriched
			p.sink.Enqueue(engine.NewRevisionChanged(&r, ""))
			continue
		}
		if revisionChanged(prev, enriched) {
			r := enriched
			p.sink.Enqueue(engine.NewRevisionChanged(&r, pipelineStatus(prev)))
		}
	}

	for id, prev := range known {
		if !seen[id] {
			p.sink.Enqueue(engine.NewRevisionRemoved(id, pipelineStatus(prev)))
		}
	}
	return nil
}

// enrich fills in the derived pipeline and the linked work item.
func (p *RevisionPoller) enrich(ctx context.Context, rev state.Revision) (state.Revision, error) {
	combined, err := provider.Retry(ctx, p.retry, p.logger, func(ctx context.Context) (provider.CombinedStatus, error) {
		return p.reader.GetCombinedStatus(ctx, rev.HeadSHA)
	})
	if err != nil {
		return rev, fmt.Errorf("combined status for %s: %w", rev.HeadSHA, err)
	}
	checks, err := provider.Retry(ctx, p.retry, p.logger, func(ctx context.Context) ([]provider.CheckRun, error) {
		return p.reader.GetCheckRuns(ctx, rev.HeadSHA)
	})
	if err != nil {
		return rev, fmt.Errorf("check runs for %s: %w", rev.HeadSHA, err)
	}

	pipeline := DerivePipelineStatus(combined, checks)
	rev.Pipeline = &pipeline

	if rev.WorkItemID == "" {
		rev.WorkItemID = provider.MatchClosingKeyword(rev.Body)
	}
	return rev, nil
}

// revisionChanged reports whether any reconciled field differs.
func revisionChanged(prev, next state.Revision) bool {
	return pipelineStatus(prev) != pipelineStatus(next) ||
		prev.IsDraft != next.IsDraft ||
		prev.HeadSHA != next.HeadSHA ||
		prev.WorkItemID != next.WorkItemID ||
		prev.ReviewID != next.ReviewID
}

func pipelineStatus(rev state.Revision) state.PipelineStatus {
	if rev.Pipeline == nil {
		return ""
	}
	return rev.Pipeline.Status
}
