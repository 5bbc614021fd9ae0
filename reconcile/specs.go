package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/decreehq/decree/engine"
	"github.com/decreehq/decree/provider"
	"github.com/decreehq/decree/state"
)

// SpecPoller watches the spec directory for added, modified and removed
// documents. The tree SHA short-circuits unchanged cycles; per-file blob SHAs
// pin down what actually moved.
type SpecPoller struct {
	reader provider.Reader
	store  *state.Store
	sink   EventSink
	dir    string
	retry  provider.RetryConfig
	logger *slog.Logger

	mu       sync.Mutex
	lastTree provider.SpecTree
	hasTree  bool
}

// NewSpecPoller creates a spec poller over the given directory.
func NewSpecPoller(reader provider.Reader, store *state.Store, sink EventSink, dir string, retry provider.RetryConfig, logger *slog.Logger) *SpecPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpecPoller{reader: reader, store: store, sink: sink, dir: dir, retry: retry, logger: logger}
}

// LastSpecTree returns the most recently observed tree, if any. Feeds the
// planner cache writer.
func (p *SpecPoller) LastSpecTree() (provider.SpecTree, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTree, p.hasTree
}

// RunOnce performs one diff cycle. An absent spec directory reads as an empty
// tree, so every known spec gets a removal event.
func (p *SpecPoller) RunOnce(ctx context.Context) error {
	tree, err := provider.Retry(ctx, p.retry, p.logger, func(ctx context.Context) (provider.SpecTree, error) {
		return p.reader.ListSpecs(ctx, p.dir)
	})
	if err != nil {
		return fmt.Errorf("listing specs under %s: %w", p.dir, err)
	}

	p.mu.Lock()
	unchanged := p.hasTree && p.lastTree.TreeSHA == tree.TreeSHA
	p.lastTree = tree
	p.hasTree = true
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	known := p.store.GetState().Specs
	seen := make(map[string]bool, len(tree.Files))

	for _, file := range tree.Files {
		if !isSpecPath(file.Path) {
			continue
		}
		seen[file.Path] = true
		prev, ok := known[file.Path]
		if ok && prev.BlobSHA == file.BlobSHA {
			continue
		}

		content, err := provider.Retry(ctx, p.retry, p.logger, func(ctx context.Context) ([]byte, error) {
			return p.reader.GetSpecContent(ctx, file.BlobSHA)
		})
		if err != nil {
			p.logger.Warn("spec content fetch failed", "path", file.Path, "error", err)
			continue
		}

		spec := state.Spec{
			FilePath:          file.Path,
			BlobSHA:           file.BlobSHA,
			FrontmatterStatus: parseFrontmatterStatus(content),
		}
		change := engine.SpecModified
		if !ok {
			change = engine.SpecAdded
		}
		p.sink.Enqueue(engine.NewSpecChanged(&spec, change, tree.CommitSHA))
	}

	for path := range known {
		if !seen[path] {
			p.sink.Enqueue(engine.Event{
				Kind:          engine.EventSpecChanged,
				SpecPath:      path,
				SpecChange:    engine.SpecRemoved,
				SpecCommitSHA: tree.CommitSHA,
			})
		}
	}
	return nil
}

// specGlob selects which files in the watched tree count as spec documents.
const specGlob = "**/*.md"

func isSpecPath(path string) bool {
	ok, err := doublestar.Match(specGlob, path)
	return err == nil && ok
}

var frontmatterDelim = []byte("---")

// parseFrontmatterStatus extracts the status field from a document's YAML
// frontmatter. Anything unparseable or outside the known enum reads as draft.
func parseFrontmatterStatus(content []byte) state.SpecStatus {
	matter, ok := splitFrontmatter(content)
	if !ok {
		return state.SpecDraft
	}
	var fm struct {
		Status string `yaml:"status"`
	}
	if err := yaml.Unmarshal(matter, &fm); err != nil {
		return state.SpecDraft
	}
	return state.ParseSpecStatus(fm.Status)
}

// splitFrontmatter returns the YAML block between the leading --- fences.
func splitFrontmatter(content []byte) ([]byte, bool) {
	trimmed := bytes.TrimLeft(content, "\ufeff\n\r")
	if !bytes.HasPrefix(trimmed, frontmatterDelim) {
		return nil, false
	}
	rest := trimmed[len(frontmatterDelim):]
	if len(rest) == 0 || (rest[0] != '\n' && !bytes.HasPrefix(rest, []byte("\r\n"))) {
		return nil, false
	}
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, false
	}
	return rest[:end], true
}
