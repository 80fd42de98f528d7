package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mothsandbox/moth/pkg/node"
	"github.com/mothsandbox/moth/pkg/queue"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// fakeNode is a minimal node.Node with a fixed set of machines, used to
// drive the scheduler without any real machinery or HTTP backing it.
type fakeNode struct {
	name string

	mu       sync.Mutex
	machines map[string]*types.Machine

	startErr  error
	started   []string
	startedMu sync.Mutex
}

func newFakeNode(name string, machines ...types.Machine) *fakeNode {
	n := &fakeNode{name: name, machines: make(map[string]*types.Machine)}
	for i := range machines {
		m := machines[i]
		n.machines[m.Name] = &m
	}
	return n
}

func (n *fakeNode) Name() string       { return n.name }
func (n *fakeNode) Ready() bool        { return true }
func (n *fakeNode) Machines() []types.Machine {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]types.Machine, 0, len(n.machines))
	for _, m := range n.machines {
		out = append(out, *m)
	}
	return out
}

func (n *fakeNode) AcquireMachine(taskID, platform, osVersion string, tags []string) (*types.Machine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.machines {
		if m.Locked {
			continue
		}
		if platform != "" && m.Platform != platform {
			continue
		}
		m.Locked = true
		m.LockedBy = taskID
		clone := *m
		return &clone, nil
	}
	return nil, node.ErrNoMachine
}

func (n *fakeNode) ReleaseMachine(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.machines[name]
	if !ok {
		return errors.New("unknown machine")
	}
	m.Locked = false
	m.LockedBy = ""
	return nil
}

func (n *fakeNode) StartTask(ctx context.Context, task *types.Task, machine *types.Machine) error {
	if n.startErr != nil {
		return n.startErr
	}
	n.startedMu.Lock()
	n.started = append(n.started, task.ID)
	n.startedMu.Unlock()
	return nil
}

func (n *fakeNode) Events(ctx context.Context) <-chan node.Event {
	ch := make(chan node.Event)
	close(ch)
	return ch
}

func (n *fakeNode) Stop() {}

// fakeReporter records TaskRunning/TaskFailed calls.
type fakeReporter struct {
	mu      sync.Mutex
	running []string
	failed  []string
}

func (r *fakeReporter) TaskRunning(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = append(r.running, taskID)
}

func (r *fakeReporter) TaskFailed(taskID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, taskID)
}

func (r *fakeReporter) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *fakeReporter) failedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failed)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerAssignsQueuedTaskToFreeMachine(t *testing.T) {
	q := newTestQueue(t)
	n := newFakeNode("local", types.Machine{Name: "m1", Platform: "windows"})
	nodes := NewNodesTracker()
	nodes.AddNode(n)
	reporter := &fakeReporter{}

	sched := NewScheduler(q, nodes, reporter)
	sched.Start()
	defer sched.Stop()

	require.NoError(t, sched.QueueTask(&types.Task{
		ID:        "t1",
		Platform:  "windows",
		CreatedOn: time.Now(),
	}))

	waitFor(t, 2*time.Second, func() bool { return reporter.runningCount() == 1 })
	assert.Equal(t, 0, reporter.failedCount())
}

func TestSchedulerLeavesTaskQueuedWhenNoMachineMatches(t *testing.T) {
	q := newTestQueue(t)
	n := newFakeNode("local", types.Machine{Name: "m1", Platform: "linux"})
	nodes := NewNodesTracker()
	nodes.AddNode(n)
	reporter := &fakeReporter{}

	sched := NewScheduler(q, nodes, reporter)
	sched.Start()
	defer sched.Stop()

	require.NoError(t, sched.QueueTask(&types.Task{
		ID:        "t1",
		Platform:  "windows",
		CreatedOn: time.Now(),
	}))

	// Give assignWork a chance to run; it should find nothing and leave the
	// task in the queue rather than reporting a false outcome.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, reporter.runningCount())
	assert.Equal(t, 0, reporter.failedCount())
	assert.Equal(t, 1, q.Size())
}

func TestSchedulerReleasesMachineAndReportsFailureOnStartError(t *testing.T) {
	q := newTestQueue(t)
	n := newFakeNode("local", types.Machine{Name: "m1", Platform: "windows"})
	n.startErr = errors.New("boom")
	nodes := NewNodesTracker()
	nodes.AddNode(n)
	reporter := &fakeReporter{}

	sched := NewScheduler(q, nodes, reporter)
	sched.Start()
	defer sched.Stop()

	require.NoError(t, sched.QueueTask(&types.Task{
		ID:        "t1",
		Platform:  "windows",
		CreatedOn: time.Now(),
	}))

	waitFor(t, 2*time.Second, func() bool { return reporter.failedCount() == 1 })
	assert.Equal(t, 0, reporter.runningCount())

	n.mu.Lock()
	locked := n.machines["m1"].Locked
	n.mu.Unlock()
	assert.False(t, locked, "machine should be released back to the pool after a failed start")
}

func TestNodesTrackerFindAvailableSkipsExhaustedNodes(t *testing.T) {
	busy := newFakeNode("busy", types.Machine{Name: "b1", Platform: "windows", Locked: true, LockedBy: "other"})
	free := newFakeNode("free", types.Machine{Name: "f1", Platform: "windows"})

	nodes := NewNodesTracker()
	nodes.AddNode(busy)
	nodes.AddNode(free)

	machine, n := nodes.FindAvailable(&types.Task{ID: "t1", Platform: "windows"})
	require.NotNil(t, machine)
	assert.Equal(t, "f1", machine.Name)
	assert.Equal(t, "free", n.Name())
}
