package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/decreehq/decree/state"
)

// SessionLog writes a per-session log file. A nil SessionLog (or one whose
// file could not be opened) swallows writes, so logging failures never fail a
// run.
type SessionLog struct {
	file   *os.File
	path   string
	logger *slog.Logger
}

// OpenSessionLog creates the session log file under dir, named
// <epochMillis>-<role>[-<workItemID>].log. On any error it logs and returns a
// disabled log.
func OpenSessionLog(dir string, role state.AgentRole, workItemID string, logger *slog.Logger) *SessionLog {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return &SessionLog{logger: logger}
	}

	name := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), role)
	if workItemID != "" {
		name += "-" + workItemID
	}
	path := filepath.Join(dir, name+".log")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("session log disabled", "dir", dir, "error", err)
		return &SessionLog{logger: logger}
	}
	file, err := os.Create(path)
	if err != nil {
		logger.Warn("session log disabled", "path", path, "error", err)
		return &SessionLog{logger: logger}
	}

	l := &SessionLog{file: file, path: path, logger: logger}
	l.writef("=== session start role=%s workItem=%s at=%s ===\n", role, workItemID, time.Now().Format(time.RFC3339))
	return l
}

// Path returns the log file path, empty when logging is disabled.
func (l *SessionLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Message records one streamed session message.
func (l *SessionLog) Message(msg Message) {
	switch msg.Type {
	case MessageAssistant:
		l.writef("[assistant] %s\n", msg.Text)
	case MessageToolUse:
		l.writef("[tool] %s\n", msg.ToolName)
	default:
		l.writef("[%s] %s\n", msg.Type, msg.Text)
	}
}

// Close writes the footer and closes the file. outcome is one of completed,
// failed, cancelled.
func (l *SessionLog) Close(outcome string) {
	if l == nil || l.file == nil {
		return
	}
	l.writef("=== session end outcome=%s at=%s ===\n", outcome, time.Now().Format(time.RFC3339))
	if err := l.file.Close(); err != nil {
		l.logger.Warn("session log close failed", "path", l.path, "error", err)
	}
	l.file = nil
}

func (l *SessionLog) writef(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	if _, err := fmt.Fprintf(l.file, format, args...); err != nil {
		// One failed write disables the log for the rest of the session.
		l.logger.Warn("session log write failed, disabling", "path", l.path, "error", err)
		l.file.Close()
		l.file = nil
	}
}
