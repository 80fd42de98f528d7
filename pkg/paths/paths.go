// Package paths centralizes every filesystem location the control plane
// reads from or writes to, as pure functions of a working directory (CWD).
// No component should hand-build a path under CWD; it should ask Paths.
package paths

import (
	"fmt"
	"path/filepath"
	"time"
)

// Paths derives every on-disk location from a single CWD root.
type Paths struct {
	CWD string
}

// New returns a Paths rooted at cwd.
func New(cwd string) Paths {
	return Paths{CWD: cwd}
}

// Marker is the file whose presence indicates CWD has been bootstrapped.
func (p Paths) Marker() string {
	return filepath.Join(p.CWD, ".cuckoocwd")
}

// ConfDir holds the YAML configuration files.
func (p Paths) ConfDir() string {
	return filepath.Join(p.CWD, "conf")
}

// ConfigFile is the main sandboxd configuration file.
func (p Paths) ConfigFile() string {
	return filepath.Join(p.ConfDir(), "sandboxd.yaml")
}

// SocketsDir holds every local IPC unix socket.
func (p Paths) SocketsDir() string {
	return filepath.Join(p.CWD, "operational", "sockets")
}

// Socket returns the path of the unix socket named name (without ".sock").
func (p Paths) Socket(name string) string {
	return filepath.Join(p.SocketsDir(), name+".sock")
}

// GeneratedDir holds files the core (re)generates at runtime.
func (p Paths) GeneratedDir() string {
	return filepath.Join(p.CWD, "operational", "generated")
}

// MachineStatesFile is the atomic dump of the in-memory machine inventory.
func (p Paths) MachineStatesFile() string {
	return filepath.Join(p.GeneratedDir(), "machinestates.json")
}

// BinariesDir holds content-addressed target blobs.
func (p Paths) BinariesDir() string {
	return filepath.Join(p.CWD, "storage", "binaries")
}

// Binary returns the storage path for a blob identified by its sha256.
func (p Paths) Binary(sha256Hex string) string {
	if len(sha256Hex) < 2 {
		return filepath.Join(p.BinariesDir(), sha256Hex)
	}
	return filepath.Join(p.BinariesDir(), sha256Hex[:2], sha256Hex)
}

// UntrackedDir holds marker directories for analyses not yet picked up by
// the intake scanner.
func (p Paths) UntrackedDir() string {
	return filepath.Join(p.CWD, "storage", "untracked")
}

// Untracked returns the marker directory for a newly submitted analysis.
func (p Paths) Untracked(analysisID string) string {
	return filepath.Join(p.UntrackedDir(), analysisID)
}

// AnalysesDir is the root of all tracked, date-bucketed analysis storage.
func (p Paths) AnalysesDir() string {
	return filepath.Join(p.CWD, "storage", "analyses")
}

// Analysis returns the storage directory for a tracked analysis, bucketed
// by the UTC date it was created on.
func (p Paths) Analysis(createdOn time.Time, analysisID string) string {
	bucket := createdOn.UTC().Format("20060102")
	return filepath.Join(p.AnalysesDir(), bucket, analysisID)
}

// AnalysisFile returns the path of analysis.json within an analysis dir.
func AnalysisFile(analysisDir string) string {
	return filepath.Join(analysisDir, "analysis.json")
}

// RunErrorFile returns the path of the error accumulator for a single task
// run within an analysis directory.
func RunErrorFile(analysisDir, taskID string) string {
	return filepath.Join(analysisDir, fmt.Sprintf("%s_err.json", taskID))
}
