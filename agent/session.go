package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MessageType classifies a streamed session message.
type MessageType string

// Session message types.
const (
	MessageSystem       MessageType = "system"
	MessageAssistant    MessageType = "assistant"
	MessageToolUse      MessageType = "tool_use"
	MessageToolProgress MessageType = "tool_progress"
	MessageResult       MessageType = "result"
)

// Message is one streamed message from a running session. Only assistant
// messages carry prose; the rest exist for logging.
type Message struct {
	Type     MessageType
	Text     string
	ToolName string
}

// PreToolUseHook vets a tool invocation before it runs. A non-nil error
// rejects the invocation with the error text as the reason.
type PreToolUseHook func(toolName string, input map[string]any) error

// SessionOptions configures one agent session.
type SessionOptions struct {
	SystemPrompt    string
	Prompt          string
	Model           string
	MaxTurns        int
	Tools           []string
	DisallowedTools []string
	WorkDir         string

	// OutputSchema is the structured-output contract the session must
	// satisfy; the raw JSON comes back in Result.Output.
	OutputSchema map[string]any

	PreToolUse PreToolUseHook
}

// Result is the final outcome of a session.
type Result struct {
	// Output is the structured output document, unvalidated.
	Output []byte
}

// Session is a running agent session.
type Session interface {
	// Messages streams session traffic until the session ends. The channel
	// closes before Wait returns.
	Messages() <-chan Message

	// Wait blocks until the session ends and returns its result.
	Wait(ctx context.Context) (Result, error)

	// Abort terminates the session early. Wait then returns an error.
	Abort()
}

// SessionProvider creates sessions against one agent backend.
type SessionProvider interface {
	Name() string
	StartSession(ctx context.Context, opts SessionOptions) (Session, error)
}

var (
	providersMu sync.RWMutex
	providers   = map[string]SessionProvider{}
)

// RegisterProvider makes a session provider available by name. Typically
// called from a provider package's init.
func RegisterProvider(p SessionProvider) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[p.Name()] = p
}

// GetProvider looks up a registered session provider.
func GetProvider(name string) (SessionProvider, error) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown session provider %q (registered: %v)", name, providerNames())
	}
	return p, nil
}

func providerNames() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
