// Package errtracker accumulates non-fatal and fatal errors encountered
// while processing a single task or analysis, so they can be serialized
// alongside the result instead of aborting the run outright.
package errtracker

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
)

// FatalError is one fatal error entry, optionally carrying a captured stack
// trace when it was recorded via AddFatalException.
type FatalError struct {
	Error     string `json:"error"`
	Traceback string `json:"traceback,omitempty"`
}

// Tracker collects errors for a single run. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	errors []string
	fatal  []FatalError
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// AddError records a non-fatal error, optionally prefixed with the name of
// the component that raised it.
func (t *Tracker) AddError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if component != "" {
		t.errors = append(t.errors, fmt.Sprintf("%s: %s", component, err))
	} else {
		t.errors = append(t.errors, err.Error())
	}
}

// AddFatal records a fatal error with no stack trace attached.
func (t *Tracker) AddFatal(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fatal = append(t.fatal, FatalError{Error: err.Error()})
}

// AddFatalException records a fatal error along with the current goroutine's
// stack trace, for errors recovered from a panic.
func (t *Tracker) AddFatalException(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fatal = append(t.fatal, FatalError{
		Error:     err.Error(),
		Traceback: string(debug.Stack()),
	})
}

// HasErrors reports whether any error, fatal or not, has been recorded.
func (t *Tracker) HasErrors() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.errors) > 0 || len(t.fatal) > 0
}

// HasFatal reports whether any fatal error has been recorded.
func (t *Tracker) HasFatal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.fatal) > 0
}

// document is the JSON shape written to a task run's error file, which the
// task runner places at <analysis dir>/<task id>_err.json (paths.RunErrorFile).
type document struct {
	Errors []string     `json:"errors"`
	Fatal  []FatalError `json:"fatal"`
}

// ToFile serializes the accumulated errors to path as JSON.
func (t *Tracker) ToFile(path string) error {
	t.mu.Lock()
	doc := document{Errors: append([]string(nil), t.errors...), Fatal: append([]FatalError(nil), t.fatal...)}
	t.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling error tracker: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing error tracker to %s: %w", path, err)
	}
	return nil
}
