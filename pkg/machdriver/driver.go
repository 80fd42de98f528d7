// Package machdriver defines the contract a hypervisor backend implements
// to start, stop, and inspect analysis machines. Concrete drivers (libvirt,
// VirtualBox, a cloud provider) live outside this module; machinery only
// depends on this interface.
package machdriver

import (
	"context"
	"errors"
	"fmt"

	"github.com/mothsandbox/moth/pkg/types"
)

// State is a normalized machine power/lifecycle state, independent of the
// backend's own vocabulary.
type State string

const (
	StateRunning  State = "running"
	StatePoweroff State = "poweroff"
	StatePaused   State = "paused"
	StateError    State = "error"
)

var (
	// ErrAlreadyInState is returned by an action when the machine already
	// reports the state the action would have produced — not fatal, the
	// caller treats it as success.
	ErrAlreadyInState = errors.New("machdriver: machine already in requested state")

	// ErrUnexpectedState is returned when a machine is in a state that makes
	// the requested action invalid, e.g. starting a machine that is already
	// running under a different snapshot.
	ErrUnexpectedState = errors.New("machdriver: machine in unexpected state")

	// ErrUnknownState is returned by State when the backend reports
	// something this driver does not know how to normalize.
	ErrUnknownState = errors.New("machdriver: unknown backend state")
)

// UnsupportedActionError is returned by a driver for an action it does not
// implement, e.g. a backend with no ACPI shutdown support.
type UnsupportedActionError struct {
	Driver string
	Action string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("machdriver: %s does not support action %s", e.Driver, e.Action)
}

// Driver performs lifecycle actions against one machinery backend's
// machines. Every action blocks until the backend accepts the command; it
// does not wait for the resulting state transition to complete — callers
// poll State for that.
type Driver interface {
	Name() string

	// RestoreStart starts machine from its configured snapshot.
	RestoreStart(ctx context.Context, machine *types.Machine) error

	// NoRestoreStart starts machine without restoring a snapshot first.
	NoRestoreStart(ctx context.Context, machine *types.Machine) error

	// Stop performs a normal power-off of machine.
	Stop(ctx context.Context, machine *types.Machine) error

	// AcpiStop requests a graceful shutdown via ACPI signal. Callers that
	// need a hard guarantee should fall back to Stop if this does not
	// converge within their own timeout.
	AcpiStop(ctx context.Context, machine *types.Machine) error

	// DumpMemory writes a memory snapshot of the running machine to destPath.
	DumpMemory(ctx context.Context, machine *types.Machine, destPath string) error

	// State returns the current normalized state of machine.
	State(ctx context.Context, machine *types.Machine) (State, error)
}
