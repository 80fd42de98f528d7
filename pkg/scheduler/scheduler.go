// Package scheduler matches queued tasks to available machines across one
// or more nodes and hands matched work off to a small pool of task
// starters. It holds no durable state of its own: everything it needs to
// resume after a restart lives in the task queue and in each node's own
// machine inventory.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/metrics"
	"github.com/mothsandbox/moth/pkg/node"
	"github.com/mothsandbox/moth/pkg/queue"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/rs/zerolog"
)

// NumTaskStarters is the fixed size of the task starter pool. A single
// starter is enough: starting a task is a fast handoff (a local goroutine
// spawn or one HTTP request), not something that benefits from fan-out.
const NumTaskStarters = 1

// scanBatchLimit bounds how many unscheduled tasks one assignWork pass pulls
// out of the queue at a time.
const scanBatchLimit = 256

// startTaskTimeout bounds how long a single StartTask call may take before
// the starter gives up and reports the task failed.
const startTaskTimeout = 30 * time.Second

// ErrStopped is returned by internal submission to the task starters once
// the scheduler is shutting down. QueueTask and QueueMany do not return it.
var ErrStopped = errors.New("scheduler: stopped")

// TaskReporter is notified of the outcome of starting a task. The state
// controller implements this.
type TaskReporter interface {
	TaskRunning(taskID string)
	TaskFailed(taskID, reason string)
}

// StartableTask pairs a task with the machine and node chosen to run it.
type StartableTask struct {
	Task    *types.Task
	Machine *types.Machine
	Node    node.Node
}

// NodesTracker holds every node the scheduler may place work on and finds
// one with a matching free machine for a given task.
type NodesTracker struct {
	mu    sync.Mutex
	nodes []node.Node
}

// NewNodesTracker returns an empty tracker.
func NewNodesTracker() *NodesTracker {
	return &NodesTracker{}
}

// AddNode registers n as a placement target.
func (nt *NodesTracker) AddNode(n node.Node) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	nt.nodes = append(nt.nodes, n)
}

// Nodes returns a snapshot of the registered nodes.
func (nt *NodesTracker) Nodes() []node.Node {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	out := make([]node.Node, len(nt.nodes))
	copy(out, nt.nodes)
	return out
}

// FindAvailable tries every registered node in order and returns the first
// machine that can satisfy task's placement requirements, already locked to
// task.ID. Returns a nil machine if no node currently has room.
func (nt *NodesTracker) FindAvailable(task *types.Task) (*types.Machine, node.Node) {
	for _, n := range nt.Nodes() {
		if !n.Ready() {
			continue
		}
		machine, err := n.AcquireMachine(task.ID, task.Platform, task.OSVersion, task.MachineTags)
		if err != nil {
			continue
		}
		return machine, n
	}
	return nil, nil
}

// Scheduler matches queued tasks to machines and hands matched work to a
// pool of task starters.
type Scheduler struct {
	taskQueue *queue.Queue
	nodes     *NodesTracker
	reporter  TaskReporter
	logger    zerolog.Logger

	startables chan *StartableTask
	changeCh   chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewScheduler returns a Scheduler over taskQueue, placing work on the nodes
// in nodes and reporting outcomes to reporter.
func NewScheduler(taskQueue *queue.Queue, nodes *NodesTracker, reporter TaskReporter) *Scheduler {
	return &Scheduler{
		taskQueue:  taskQueue,
		nodes:      nodes,
		reporter:   reporter,
		logger:     log.WithComponent("scheduler"),
		startables: make(chan *StartableTask, 256),
		changeCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// QueueTask enqueues task and wakes the scheduler loop.
func (s *Scheduler) QueueTask(task *types.Task) error {
	if err := s.taskQueue.Enqueue(task); err != nil {
		return err
	}
	metrics.TasksQueuedTotal.Inc()
	s.notifyChange()
	return nil
}

// QueueMany enqueues tasks and wakes the scheduler loop.
func (s *Scheduler) QueueMany(tasks ...*types.Task) error {
	if err := s.taskQueue.EnqueueMany(tasks...); err != nil {
		return err
	}
	metrics.TasksQueuedTotal.Add(float64(len(tasks)))
	s.notifyChange()
	return nil
}

func (s *Scheduler) notifyChange() {
	select {
	case s.changeCh <- struct{}{}:
	default:
	}
}

// Start begins the task starter pool and the assignment loop.
func (s *Scheduler) Start() {
	for i := 0; i < NumTaskStarters; i++ {
		s.wg.Add(1)
		go s.runTaskStarter()
	}

	s.wg.Add(1)
	go s.run()

	s.notifyChange()
}

// Stop signals the assignment loop and every task starter to exit, and
// blocks until they have.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// run is the assignment loop: it wakes on a new enqueue or a 60 second
// fallback tick, and makes one assignWork pass per wake. A machine released
// elsewhere does not wake it.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.changeCh:
		}

		if s.taskQueue.Size() < 1 {
			s.logger.Debug().Msg("no queued tasks")
			continue
		}

		s.logger.Debug().Msg("searching for work to assign")
		if err := s.assignWork(); err != nil {
			s.logger.Error().Err(err).Msg("assignment pass failed")
		}
	}
}

// assignWork opens one work-finder scope, matches as many unscheduled tasks
// to free machines as it can in this pass, and hands each match to a task
// starter.
func (s *Scheduler) assignWork() error {
	wf, err := s.taskQueue.GetWorkFinder()
	if err != nil {
		return err
	}

	tasks, err := wf.UnscheduledTasks("", "", scanBatchLimit)
	if err != nil {
		_ = wf.Discard()
		return err
	}

	for _, task := range tasks {
		machine, n := s.nodes.FindAvailable(task)
		if machine == nil {
			wf.IgnoreSimilar(task)
			continue
		}

		timer := metrics.NewTimer()
		if err := wf.MarkScheduled(task); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to mark task scheduled")
			_ = n.ReleaseMachine(machine.Name)
			continue
		}

		st := &StartableTask{Task: task, Machine: machine, Node: n}
		if err := s.submit(st); err != nil {
			s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to queue startable task")
			_ = n.ReleaseMachine(machine.Name)
			break
		}
		timer.ObserveDuration(metrics.SchedulingLatency)

		s.logger.Debug().
			Str("task_id", task.ID).
			Str("machine", machine.Name).
			Str("node", n.Name()).
			Msg("assigned task to machine")
	}

	return wf.Close()
}

func (s *Scheduler) submit(st *StartableTask) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}

	select {
	case s.startables <- st:
		return nil
	case <-s.stopCh:
		return ErrStopped
	}
}

func (s *Scheduler) runTaskStarter() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case st := <-s.startables:
			s.startOne(st)
		}
	}
}

func (s *Scheduler) startOne(st *StartableTask) {
	logger := log.WithTaskID(st.Task.ID)

	ctx, cancel := context.WithTimeout(context.Background(), startTaskTimeout)
	defer cancel()

	if err := st.Node.StartTask(ctx, st.Task, st.Machine); err != nil {
		logger.Error().Err(err).Str("node", st.Node.Name()).Msg("failed to start task")
		metrics.TasksFailedTotal.WithLabelValues("start_failed").Inc()
		if relErr := st.Node.ReleaseMachine(st.Machine.Name); relErr != nil {
			logger.Error().Err(relErr).Msg("failed to release machine after failed start")
		}
		s.reporter.TaskFailed(st.Task.ID, err.Error())
		return
	}

	metrics.TasksScheduledTotal.Inc()
	s.reporter.TaskRunning(st.Task.ID)
}
