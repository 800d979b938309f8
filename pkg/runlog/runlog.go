// Package runlog accumulates the ordered, timestamped message log of a single
// backup run, both for live display and for the persisted log written next to
// mirror output.
package runlog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gamevaultlabs.io/gv-backup/pkg/util"
)

// FileName is the fixed name of the persisted run log.
const FileName = "backup_log.txt"

// Level classifies a run log entry.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

var levelNames = [...]string{
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// Entry is one timestamped run log message.
type Entry struct {
	Time    time.Time
	Level   Level
	Message string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format("2006-01-02 15:04:05"), e.Level, e.Message)
}

// Logger collects entries during a run. It is owned by the backup worker;
// the mutex only guards read snapshots taken by the caller. The log is
// append-only until Close, after which further appends are dropped.
type Logger struct {
	mu      sync.Mutex
	header  []string
	entries []Entry
	closed  bool
}

// New creates an empty run logger. Header lines are written verbatim above
// the entries when the log is persisted.
func New(header ...string) *Logger {
	return &Logger{header: header}
}

func (l *Logger) append(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.entries = append(l.entries, Entry{
		Time:    time.Now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

// Infof appends an info entry.
func (l *Logger) Infof(format string, args ...any) { l.append(LevelInfo, format, args...) }

// Warnf appends a warning entry.
func (l *Logger) Warnf(format string, args ...any) { l.append(LevelWarn, format, args...) }

// Errorf appends an error entry.
func (l *Logger) Errorf(format string, args ...any) { l.append(LevelError, format, args...) }

// Entries returns a read-only snapshot of the accumulated entries.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of accumulated entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close seals the log. Later appends are dropped. Close is idempotent.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// Render serializes the header, every entry and the given footer lines into
// the persisted text form.
func (l *Logger) Render(footer ...string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var sb strings.Builder
	for _, line := range l.header {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if len(l.header) > 0 {
		sb.WriteByte('\n')
	}
	for _, e := range l.entries {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	if len(footer) > 0 {
		sb.WriteByte('\n')
		for _, line := range footer {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// WriteFile persists the rendered log to path.
func (l *Logger) WriteFile(path string, footer ...string) error {
	if err := os.WriteFile(path, []byte(l.Render(footer...)), util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write run log %s: %w", path, err)
	}
	return nil
}
