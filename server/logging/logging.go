// Package logging defines the structured logger used by the monitor components.
// *pluginapi.LogService satisfies Logger, so production code passes &client.Log.
package logging

import "sync"

// Logger writes key/value structured messages to the Mattermost server log.
type Logger interface {
	Debug(message string, keyValuePairs ...any)
	Info(message string, keyValuePairs ...any)
	Warn(message string, keyValuePairs ...any)
	Error(message string, keyValuePairs ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

// Entry is a single message captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  []any
}

// Recorder is a Logger that keeps every message in memory.
// It is intended for tests that assert on logged failures.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) record(level, message string, keyValuePairs []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: message, Fields: keyValuePairs})
}

// Debug records a debug message
func (r *Recorder) Debug(message string, keyValuePairs ...any) {
	r.record("debug", message, keyValuePairs)
}

// Info records an info message
func (r *Recorder) Info(message string, keyValuePairs ...any) {
	r.record("info", message, keyValuePairs)
}

// Warn records a warning
func (r *Recorder) Warn(message string, keyValuePairs ...any) {
	r.record("warn", message, keyValuePairs)
}

// Error records an error
func (r *Recorder) Error(message string, keyValuePairs ...any) {
	r.record("error", message, keyValuePairs)
}

// Entries returns a copy of the recorded messages.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many messages were recorded at the given level.
func (r *Recorder) Count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}
