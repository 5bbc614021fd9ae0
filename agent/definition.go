package agent

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/decreehq/decree/state"
)

// Model names an agent definition may request.
const (
	ModelSonnet  = "sonnet"
	ModelOpus    = "opus"
	ModelHaiku   = "haiku"
	ModelInherit = "inherit"
)

var validModels = map[string]bool{
	ModelSonnet:  true,
	ModelOpus:    true,
	ModelHaiku:   true,
	ModelInherit: true,
}

// Definition is one role's agent definition: frontmatter plus the markdown
// body as system prompt.
type Definition struct {
	Description     string   `yaml:"description"`
	Tools           []string `yaml:"tools"`
	DisallowedTools []string `yaml:"disallowedTools"`
	Model           string   `yaml:"model"`
	MaxTurns        int      `yaml:"maxTurns"`

	SystemPrompt string `yaml:"-"`
}

// definitionsDir is the repo-relative directory holding role definitions.
const definitionsDir = ".claude/agents"

// ParseDefinition parses an agent definition document.
func ParseDefinition(content []byte) (Definition, error) {
	matter, body, ok := splitDocument(content)
	if !ok {
		return Definition{}, fmt.Errorf("missing frontmatter")
	}
	var def Definition
	if err := yaml.Unmarshal(matter, &def); err != nil {
		return Definition{}, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if def.Model == "" {
		def.Model = ModelInherit
	}
	if !validModels[def.Model] {
		return Definition{}, fmt.Errorf("invalid model %q", def.Model)
	}
	if def.MaxTurns < 0 {
		return Definition{}, fmt.Errorf("maxTurns must not be negative")
	}
	def.SystemPrompt = strings.TrimSpace(string(body))
	return def, nil
}

// splitDocument splits a document into its YAML frontmatter and body.
func splitDocument(content []byte) (matter, body []byte, ok bool) {
	trimmed := bytes.TrimLeft(content, "\ufeff\n\r")
	if !bytes.HasPrefix(trimmed, []byte("---")) {
		return nil, nil, false
	}
	rest := trimmed[3:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, nil, false
	}
	matter = rest[:end]
	body = rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}
	return matter, body, true
}

// Definitions loads role definitions from <repoRoot>/.claude/agents and keeps
// them fresh: a watcher reloads a definition whenever its file changes, so
// edits take effect on the next run without a restart.
type Definitions struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[state.AgentRole]Definition

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadDefinitions reads all three role definitions and starts the watcher.
// Missing or invalid files are not fatal at load time; they fail a run when
// the role is actually dispatched.
func LoadDefinitions(repoRoot string, logger *slog.Logger) (*Definitions, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Definitions{
		dir:    filepath.Join(repoRoot, definitionsDir),
		logger: logger,
		cache:  map[state.AgentRole]Definition{},
		done:   make(chan struct{}),
	}

	for _, role := range []state.AgentRole{state.RolePlanner, state.RoleImplementor, state.RoleReviewer} {
		if err := d.load(role); err != nil {
			logger.Warn("agent definition unavailable", "role", role, "error", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating definition watcher: %w", err)
	}
	if err := watcher.Add(d.dir); err != nil {
		// The directory may not exist yet; run without hot reload.
		logger.Warn("definition watch disabled", "dir", d.dir, "error", err)
		watcher.Close()
		return d, nil
	}
	d.watcher = watcher
	go d.watch()
	return d, nil
}

// Get returns the current definition for a role.
func (d *Definitions) Get(role state.AgentRole) (Definition, error) {
	d.mu.RLock()
	def, ok := d.cache[role]
	d.mu.RUnlock()
	if ok {
		return def, nil
	}
	// One retry in case the file appeared after load.
	if err := d.load(role); err != nil {
		return Definition{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cache[role], nil
}

// Close stops the watcher.
func (d *Definitions) Close() {
	if d.watcher != nil {
		d.watcher.Close()
	}
	close(d.done)
}

func (d *Definitions) load(role state.AgentRole) error {
	path := filepath.Join(d.dir, string(role)+".md")
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	d.mu.Lock()
	d.cache[role] = def
	d.mu.Unlock()
	return nil
}

func (d *Definitions) watch() {
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			role := state.AgentRole(strings.TrimSuffix(filepath.Base(event.Name), ".md"))
			if !role.IsValid() {
				continue
			}
			if err := d.load(role); err != nil {
				d.logger.Warn("definition reload failed", "role", role, "error", err)
				continue
			}
			d.logger.Info("agent definition reloaded", "role", role)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("definition watcher error", "error", err)
		case <-d.done:
			return
		}
	}
}
