// Package node abstracts over where a task actually runs: on this process's
// own machinery manager (LocalNode) or on another sandboxd instance reached
// over HTTP (RemoteNode). The scheduler and state controller only depend on
// this interface, never on which kind of node backs a particular machine.
package node

import (
	"context"
	"errors"

	"github.com/mothsandbox/moth/pkg/types"
)

// ErrNotReady is returned by RemoteNode.StartTask while the remote node has
// no open event stream (its Ready reports false).
var ErrNotReady = errors.New("node: not ready")

// ErrNoMachine is returned by AcquireMachine when nothing on the node
// matches the requested placement.
var ErrNoMachine = errors.New("node: no available machine matches the request")

// EventKind distinguishes the push notifications a node reports for tasks
// it is running.
type EventKind string

const (
	// EventTaskRunning reports that a started task is now executing.
	EventTaskRunning EventKind = "task_running"
	// EventTaskDone reports that a task finished and its result is ready
	// to retrieve.
	EventTaskDone EventKind = "task_done"
	// EventTaskFailed reports that a task could not be completed.
	EventTaskFailed EventKind = "task_failed"
	// EventMachineDisabled reports that one of the node's machines was
	// taken out of rotation.
	EventMachineDisabled EventKind = "machine_disabled"
)

// Event is one push notification from a Node about a task it is running or
// a machine it owns.
type Event struct {
	Kind          EventKind
	TaskID        string
	MachineName   string
	DisableReason string
}

// Node is anywhere a task can actually execute.
type Node interface {
	// Name identifies the node; "local" for the in-process node.
	Name() string

	// Ready reports whether the node can accept tasks: always true for the
	// local node, and true for a remote node while its event stream is open.
	Ready() bool

	// Machines returns the node's current machine inventory.
	Machines() []types.Machine

	// AcquireMachine finds and locks a machine on this node matching
	// platform/osVersion/tags for taskID, returning ErrNoMachine if none is
	// available. The scheduler calls this while deciding where to place a
	// task, before StartTask.
	AcquireMachine(taskID, platform, osVersion string, tags []string) (*types.Machine, error)

	// ReleaseMachine returns a previously acquired machine to the pool.
	ReleaseMachine(name string) error

	// StartTask asks the node to run task on machine. It returns once the
	// node has accepted the work, not once the task finishes; completion is
	// reported asynchronously through Events.
	StartTask(ctx context.Context, task *types.Task, machine *types.Machine) error

	// Events delivers asynchronous task/machine notifications until ctx is
	// canceled or the node is stopped, at which point the channel is closed.
	Events(ctx context.Context) <-chan Event

	// Stop releases any resources the node holds (connections, goroutines).
	Stop()
}
