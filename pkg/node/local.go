package node

import (
	"context"
	"sync"

	"github.com/mothsandbox/moth/pkg/machinery"
	"github.com/mothsandbox/moth/pkg/types"
)

// Starter runs one task to completion and is expected to report its outcome
// back to the owning LocalNode via ReportEvent. pkg/taskrunner.Runner
// implements this.
type Starter interface {
	Start(ctx context.Context, task *types.Task, machine *types.Machine) error
}

// LocalNode is the Node implementation for tasks run by this process's own
// machinery manager, as opposed to delegated to a RemoteNode.
type LocalNode struct {
	manager *machinery.Manager
	starter Starter

	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

// NewLocalNode returns a LocalNode backed by manager for machine lookups and
// starter for actually running tasks. starter may be nil if the caller's
// Starter implementation itself needs a reference to the LocalNode being
// constructed (taskrunner.Runner reports outcomes through it); call
// SetStarter once that value exists, before StartTask is invoked.
func NewLocalNode(manager *machinery.Manager, starter Starter) *LocalNode {
	return &LocalNode{manager: manager, starter: starter}
}

// SetStarter assigns the Starter used by StartTask, for callers that could
// not supply one at construction time.
func (n *LocalNode) SetStarter(starter Starter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starter = starter
}

// Name implements Node.
func (n *LocalNode) Name() string { return "local" }

// Ready implements Node. The local node is always ready: it has no
// connection to establish.
func (n *LocalNode) Ready() bool { return true }

// Machines implements Node.
func (n *LocalNode) Machines() []types.Machine {
	return nil // callers query machinery.Manager directly for local placement
}

// AcquireMachine implements Node by delegating to the machinery manager.
func (n *LocalNode) AcquireMachine(taskID, platform, osVersion string, tags []string) (*types.Machine, error) {
	machine, err := n.manager.Acquire(taskID, "", platform, osVersion, tags)
	if err != nil {
		if err == machinery.ErrMachineUnavailable {
			return nil, ErrNoMachine
		}
		return nil, err
	}
	return machine, nil
}

// ReleaseMachine implements Node by delegating to the machinery manager.
func (n *LocalNode) ReleaseMachine(name string) error {
	return n.manager.Release(name)
}

// StartTask implements Node by delegating to the configured Starter.
func (n *LocalNode) StartTask(ctx context.Context, task *types.Task, machine *types.Machine) error {
	n.mu.Lock()
	starter := n.starter
	n.mu.Unlock()
	return starter.Start(ctx, task, machine)
}

// Events implements Node, fanning out to every caller currently watching.
func (n *LocalNode) Events(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	n.mu.Lock()
	if n.closed {
		close(ch)
		n.mu.Unlock()
		return ch
	}
	n.subs = append(n.subs, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, sub := range n.subs {
			if sub == ch {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// ReportEvent publishes ev to every active Events subscriber. Called by the
// task runner as tasks complete or fail.
func (n *LocalNode) ReportEvent(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Stop implements Node.
func (n *LocalNode) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for _, sub := range n.subs {
		close(sub)
	}
	n.subs = nil
}
