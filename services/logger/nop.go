package logsvc

import (
	"sync"

	"github.com/trezcool/proctor/core"
)

// NopLogger discards everything; tests may read back what was logged.
type NopLogger struct {
	mu      sync.Mutex
	entries []string
}

var _ core.Logger = (*NopLogger)(nil)

func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

func (l *NopLogger) log(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, level+": "+msg)
	l.mu.Unlock()
}

// Entries returns the messages logged so far, prefixed by their level.
func (l *NopLogger) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *NopLogger) Debug(msg string, _ ...interface{}) { l.log("debug", msg) }
func (l *NopLogger) Info(msg string, _ ...interface{})  { l.log("info", msg) }
func (l *NopLogger) Warn(msg string, _ ...interface{})  { l.log("warn", msg) }
func (l *NopLogger) Error(msg string, _ ...interface{}) { l.log("error", msg) }
func (l *NopLogger) Fatal(msg string, _ ...interface{}) { l.log("fatal", msg) }
