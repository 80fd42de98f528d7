// Package cwd bootstraps and validates a sandboxd working directory: the
// single root under which configuration, runtime sockets, and storage all
// live, addressed throughout this module via pkg/paths.
package cwd

import (
	"fmt"
	"os"
	"time"

	"github.com/mothsandbox/moth/pkg/paths"
)

// ErrNotBootstrapped is returned by Verify when dir has no marker file.
type ErrNotBootstrapped struct{ Dir string }

func (e *ErrNotBootstrapped) Error() string {
	return fmt.Sprintf("cwd: %s has not been initialized, run 'createcwd' first", e.Dir)
}

// Create bootstraps a fresh working directory at dir: every directory
// pkg/paths expects, plus the marker file Verify checks for. Safe to call
// on an already-bootstrapped directory.
func Create(dir string) error {
	p := paths.New(dir)

	dirs := []string{
		dir,
		p.ConfDir(),
		p.SocketsDir(),
		p.GeneratedDir(),
		p.BinariesDir(),
		p.UntrackedDir(),
		p.AnalysesDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("cwd: creating %s: %w", d, err)
		}
	}

	marker := p.Marker()
	if _, err := os.Stat(marker); os.IsNotExist(err) {
		stamp := time.Now().UTC().Format(time.RFC3339)
		if err := os.WriteFile(marker, []byte(stamp+"\n"), 0644); err != nil {
			return fmt.Errorf("cwd: writing marker: %w", err)
		}
	}
	return nil
}

// Verify returns ErrNotBootstrapped if dir has not been bootstrapped with
// Create.
func Verify(dir string) error {
	p := paths.New(dir)
	if _, err := os.Stat(p.Marker()); err != nil {
		return &ErrNotBootstrapped{Dir: dir}
	}
	return nil
}
