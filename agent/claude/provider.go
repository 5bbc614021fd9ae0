// Package claude implements the agent session provider on the Anthropic
// Messages API. A session is an agentic loop: the model is given the role's
// tools plus a result tool carrying the structured-output schema, tool calls
// are executed locally between turns, and the session ends when the model
// submits its result.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/decreehq/decree/agent"
)

// ProviderName is the registry name of this provider.
const ProviderName = "claude"

// resultToolName is the synthetic tool whose input is the session's
// structured output.
const resultToolName = "emit_result"

const (
	defaultMaxTokens = 16384
	defaultMaxTurns  = 40
	// toolOutputLimit caps the bytes of tool output returned to the model.
	toolOutputLimit = 32 * 1024
)

// modelIDs maps the definition-level model names to API model identifiers.
var modelIDs = map[string]string{
	agent.ModelSonnet: "claude-sonnet-4-5",
	agent.ModelOpus:   "claude-opus-4-1",
	agent.ModelHaiku:  "claude-3-5-haiku-latest",
}

// MessagesClient is the subset of the SDK client the provider uses.
// *sdk.MessageService satisfies it; tests pass a mock.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider creates Claude-backed agent sessions.
type Provider struct {
	logger    *slog.Logger
	maxTokens int64

	initOnce sync.Once
	initErr  error
	msg      MessagesClient
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithMessagesClient injects the SDK client, bypassing the lazy environment
// initialization.
func WithMessagesClient(msg MessagesClient) Option {
	return func(p *Provider) { p.msg = msg }
}

// New creates a provider. Without an injected client, the SDK client is built
// lazily from ANTHROPIC_API_KEY on first session.
func New(opts ...Option) *Provider {
	p := &Provider{
		logger:    slog.Default(),
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func init() {
	agent.RegisterProvider(New())
}

// Name implements agent.SessionProvider.
func (p *Provider) Name() string { return ProviderName }

func (p *Provider) client() (MessagesClient, error) {
	p.initOnce.Do(func() {
		if p.msg != nil {
			return
		}
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			p.initErr = errors.New("ANTHROPIC_API_KEY is not set")
			return
		}
		client := sdk.NewClient(option.WithAPIKey(key))
		p.msg = &client.Messages
	})
	return p.msg, p.initErr
}

// StartSession implements agent.SessionProvider.
func (p *Provider) StartSession(ctx context.Context, opts agent.SessionOptions) (agent.Session, error) {
	msg, err := p.client()
	if err != nil {
		return nil, err
	}

	tools, err := p.encodeTools(opts)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		provider: p,
		msg:      msg,
		opts:     opts,
		tools:    tools,
		ctx:      sctx,
		cancel:   cancel,
		messages: make(chan agent.Message, 32),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// encodeTools builds the tool list: the role's allowed tools minus the
// disallowed ones, plus the mandatory result tool.
func (p *Provider) encodeTools(opts agent.SessionOptions) ([]sdk.ToolUnionParam, error) {
	disallowed := map[string]bool{}
	for _, name := range opts.DisallowedTools {
		disallowed[name] = true
	}

	var tools []sdk.ToolUnionParam
	for _, name := range opts.Tools {
		if disallowed[name] {
			continue
		}
		builtin, ok := builtinTools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: builtin.schema}, name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(builtin.description)
		}
		tools = append(tools, u)
	}

	if opts.OutputSchema == nil {
		return nil, errors.New("output schema is required")
	}
	u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: opts.OutputSchema}, resultToolName)
	if u.OfTool != nil {
		u.OfTool.Description = sdk.String("Submit the final structured result of this session. Call exactly once, when the work is done.")
	}
	tools = append(tools, u)
	return tools, nil
}

// session is one running agentic loop.
type session struct {
	provider *Provider
	msg      MessagesClient
	opts     agent.SessionOptions
	tools    []sdk.ToolUnionParam

	ctx      context.Context
	cancel   context.CancelFunc
	messages chan agent.Message
	done     chan struct{}

	result agent.Result
	err    error
}

// Messages implements agent.Session.
func (s *session) Messages() <-chan agent.Message { return s.messages }

// Wait implements agent.Session.
func (s *session) Wait(ctx context.Context) (agent.Result, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	}
}

// Abort implements agent.Session.
func (s *session) Abort() { s.cancel() }

func (s *session) run() {
	defer close(s.done)
	defer close(s.messages)
	defer s.cancel()

	model := modelIDs[s.opts.Model]
	if model == "" {
		// "inherit" and anything unmapped fall back to sonnet.
		model = modelIDs[agent.ModelSonnet]
	}

	maxTurns := s.opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	conversation := []sdk.MessageParam{
		sdk.NewUserMessage(sdk.NewTextBlock(s.opts.Prompt)),
	}

	for turn := 0; turn < maxTurns; turn++ {
		params := sdk.MessageNewParams{
			Model:     sdk.Model(model),
			MaxTokens: s.provider.maxTokens,
			Messages:  conversation,
			Tools:     s.tools,
		}
		if s.opts.SystemPrompt != "" {
			params.System = []sdk.TextBlockParam{{Text: s.opts.SystemPrompt}}
		}

		reply, err := s.streamTurn(params)
		if err != nil {
			s.err = err
			return
		}
		conversation = append(conversation, reply.assistantParam())

		if len(reply.toolUses) == 0 {
			// The model stopped without submitting a result.
			s.err = errors.New("session ended without structured output")
			return
		}

		var results []sdk.ContentBlockParamUnion
		for _, use := range reply.toolUses {
			if use.name == resultToolName {
				s.result = agent.Result{Output: use.input}
				return
			}
			results = append(results, s.invokeTool(use))
		}
		conversation = append(conversation, sdk.NewUserMessage(results...))
	}

	s.err = fmt.Errorf("session exceeded %d turns without a result", maxTurns)
}

// toolUse is one accumulated tool_use block.
type toolUse struct {
	id    string
	name  string
	input json.RawMessage
}

// turnReply is the accumulated content of one assistant turn.
type turnReply struct {
	text     []string
	toolUses []toolUse
}

func (r *turnReply) assistantParam() sdk.MessageParam {
	var blocks []sdk.ContentBlockParamUnion
	for _, text := range r.text {
		if text != "" {
			blocks = append(blocks, sdk.NewTextBlock(text))
		}
	}
	for _, use := range r.toolUses {
		var input any
		if err := json.Unmarshal(use.input, &input); err != nil {
			input = map[string]any{}
		}
		blocks = append(blocks, sdk.NewToolUseBlock(use.id, input, use.name))
	}
	return sdk.NewAssistantMessage(blocks...)
}

// streamTurn runs one streaming request, forwarding text deltas as assistant
// messages and accumulating tool_use blocks.
func (s *session) streamTurn(params sdk.MessageNewParams) (*turnReply, error) {
	stream := s.msg.NewStreaming(s.ctx, params)
	defer stream.Close()

	reply := &turnReply{}
	var textBuf strings.Builder
	partial := map[int64]*toolUse{}
	partialJSON := map[int64]*strings.Builder{}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if use, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				partial[ev.Index] = &toolUse{id: use.ID, name: use.Name}
				partialJSON[ev.Index] = &strings.Builder{}
				s.emit(agent.Message{Type: agent.MessageToolUse, ToolName: use.Name})
			}

		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				textBuf.WriteString(delta.Text)
				s.emit(agent.Message{Type: agent.MessageAssistant, Text: delta.Text})
			case sdk.InputJSONDelta:
				if buf, ok := partialJSON[ev.Index]; ok {
					buf.WriteString(delta.PartialJSON)
				}
			}

		case sdk.ContentBlockStopEvent:
			if use, ok := partial[ev.Index]; ok {
				raw := partialJSON[ev.Index].String()
				if raw == "" {
					raw = "{}"
				}
				use.input = json.RawMessage(raw)
				reply.toolUses = append(reply.toolUses, *use)
				delete(partial, ev.Index)
				delete(partialJSON, ev.Index)
			} else if textBuf.Len() > 0 {
				reply.text = append(reply.text, textBuf.String())
				textBuf.Reset()
			}

		case sdk.MessageStopEvent:
			s.emit(agent.Message{Type: agent.MessageResult})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if textBuf.Len() > 0 {
		reply.text = append(reply.text, textBuf.String())
	}
	return reply, nil
}

// invokeTool vets and executes one tool call, producing its tool_result
// block. Errors become is_error results the model can react to.
func (s *session) invokeTool(use toolUse) sdk.ContentBlockParamUnion {
	var input map[string]any
	if err := json.Unmarshal(use.input, &input); err != nil {
		return sdk.NewToolResultBlock(use.id, fmt.Sprintf("invalid tool input: %v", err), true)
	}

	if s.opts.PreToolUse != nil {
		if err := s.opts.PreToolUse(use.name, input); err != nil {
			s.provider.logger.Info("tool use rejected", "tool", use.name, "reason", err)
			return sdk.NewToolResultBlock(use.id, err.Error(), true)
		}
	}

	builtin, ok := builtinTools[use.name]
	if !ok {
		return sdk.NewToolResultBlock(use.id, fmt.Sprintf("unknown tool %q", use.name), true)
	}
	output, err := builtin.run(s.ctx, s.opts.WorkDir, input)
	s.emit(agent.Message{Type: agent.MessageToolProgress, ToolName: use.name})
	if err != nil {
		return sdk.NewToolResultBlock(use.id, truncate(output+"\n"+err.Error()), true)
	}
	return sdk.NewToolResultBlock(use.id, truncate(output), false)
}

func (s *session) emit(msg agent.Message) {
	select {
	case s.messages <- msg:
	case <-s.ctx.Done():
	}
}

func truncate(s string) string {
	if len(s) <= toolOutputLimit {
		return s
	}
	return s[:toolOutputLimit] + "\n[output truncated]"
}

// builtinTool is one locally-executed tool.
type builtinTool struct {
	description string
	schema      map[string]any
	run         func(ctx context.Context, workDir string, input map[string]any) (string, error)
}

var builtinTools = map[string]builtinTool{
	"Bash": {
		description: "Run a shell command in the working directory and return its combined output.",
		schema: map[string]any{
			"type":                 "object",
			"required":             []any{"command"},
			"additionalProperties": false,
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
			},
		},
		run: runBash,
	},
	"Read": {
		description: "Read a file relative to the working directory.",
		schema: map[string]any{
			"type":                 "object",
			"required":             []any{"path"},
			"additionalProperties": false,
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
		run: runRead,
	},
	"Write": {
		description: "Write a file relative to the working directory, creating parent directories.",
		schema: map[string]any{
			"type":                 "object",
			"required":             []any{"path", "content"},
			"additionalProperties": false,
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
		},
		run: runWrite,
	},
}
