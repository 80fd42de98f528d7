// Package taskrunner drives one task's machine through its entire run:
// register it with the result server, restore and start the machine, wait
// for the guest agent to come online, deliver the analysis target, then
// idle until the configured timeout before tearing everything back down.
package taskrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mothsandbox/moth/pkg/agent"
	"github.com/mothsandbox/moth/pkg/errtracker"
	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/machinery"
	"github.com/mothsandbox/moth/pkg/metrics"
	"github.com/mothsandbox/moth/pkg/node"
	"github.com/mothsandbox/moth/pkg/paths"
	"github.com/mothsandbox/moth/pkg/resultserver"
	"github.com/mothsandbox/moth/pkg/storage"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/rs/zerolog"
)

// EventReporter receives asynchronous task outcomes once a run finishes.
// *node.LocalNode satisfies this with ReportEvent, fanning the outcome out
// to anything watching that node's Events stream.
type EventReporter interface {
	ReportEvent(ev node.Event)
}

// Runner starts and supervises task runs for the local node. A Runner is
// shared by every task it is asked to run; each Start call spawns its own
// goroutine and the two never share state beyond the shared dependencies.
type Runner struct {
	manager      *machinery.Manager
	store        storage.Store
	cwd          paths.Paths
	agentClient  agent.Client
	resultClient resultserver.Client
	reporter     EventReporter

	agentPort        int
	agentWaitTimeout time.Duration
	callInterval     time.Duration
	defaultTimeout   time.Duration

	mu     sync.Mutex
	active map[string]chan struct{}
	wg     sync.WaitGroup
}

// Config carries the tunables NewRunner needs beyond its collaborators.
type Config struct {
	AgentPort        int
	AgentWaitTimeout time.Duration
	CallInterval     time.Duration
	DefaultTimeout   time.Duration
}

// NewRunner returns a Runner backed by manager for machine lifecycle
// actions, store for resolving a task's analysis, cwd for locating target
// binaries, and agentClient/resultClient for the guest-facing contracts.
// reporter is told how each run ended.
func NewRunner(manager *machinery.Manager, store storage.Store, cwd paths.Paths, agentClient agent.Client, resultClient resultserver.Client, reporter EventReporter, cfg Config) *Runner {
	return &Runner{
		manager:          manager,
		store:            store,
		cwd:              cwd,
		agentClient:      agentClient,
		resultClient:     resultClient,
		reporter:         reporter,
		agentPort:        cfg.AgentPort,
		agentWaitTimeout: cfg.AgentWaitTimeout,
		callInterval:     cfg.CallInterval,
		defaultTimeout:   cfg.DefaultTimeout,
		active:           make(map[string]chan struct{}),
	}
}

// Start implements node.Starter. It returns once the run has been accepted
// (the earlier of now and "a run for this task is already active"); the run
// itself continues in the background and reports through reporter.
func (r *Runner) Start(ctx context.Context, task *types.Task, machine *types.Machine) error {
	r.mu.Lock()
	if _, exists := r.active[task.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("taskrunner: task %s is already running", task.ID)
	}
	stop := make(chan struct{})
	r.active[task.ID] = stop
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(task, machine, stop)
	return nil
}

// Stop signals every active run to end its interval loop early and waits
// for all of them to finish tearing down.
func (r *Runner) Stop() {
	r.mu.Lock()
	for _, stop := range r.active {
		close(stop)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) run(task *types.Task, machine *types.Machine, stop chan struct{}) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.active, task.ID)
		r.mu.Unlock()
	}()

	logger := log.WithTaskID(task.ID)
	logger.Info().Str("machine", machine.Name).Msg("task starting")

	tracker := errtracker.New()

	if err := r.runSteps(task, machine, stop, logger); err != nil {
		tracker.AddFatal(err)
		logger.Error().Err(err).Msg("task run failed")
	}

	logger.Debug().Str("machine", machine.Name).Msg("requesting machine stop")
	if err := r.stopMachine(machine); err != nil {
		logger.Error().Err(err).Msg("error stopping machine")
		tracker.AddFatal(err)
	}

	logger.Debug().Str("ip", machine.IP).Msg("unmapping ip from result server")
	removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.resultClient.Remove(removeCtx, machine.IP, task.ID); err != nil {
		logger.Error().Err(err).Msg("failed to remove ip-task mapping from result server")
		tracker.AddError("resultserver", err)
	}
	cancel()

	if err := r.manager.Release(machine.Name); err != nil {
		logger.Error().Err(err).Msg("failed to release machine")
	}

	if tracker.HasErrors() {
		r.writeRunError(task, tracker, logger)
	}

	if tracker.HasFatal() {
		metrics.TasksFailedTotal.WithLabelValues("run_failed").Inc()
		logger.Info().Msg("task failed")
		r.reporter.ReportEvent(node.Event{Kind: node.EventTaskFailed, TaskID: task.ID, MachineName: machine.Name})
		return
	}

	logger.Info().Msg("task done")
	r.reporter.ReportEvent(node.Event{Kind: node.EventTaskDone, TaskID: task.ID, MachineName: machine.Name})
}

func (r *Runner) runSteps(task *types.Task, machine *types.Machine, stop chan struct{}, logger zerolog.Logger) error {
	logger.Debug().Str("ip", machine.IP).Msg("mapping ip to task on result server")
	addCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := r.resultClient.Add(addCtx, machine.IP, task.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to add ip %s to result server: %w", machine.IP, err)
	}

	logger.Debug().Str("machine", machine.Name).Msg("requesting machine start")
	if err := r.startMachine(machine); err != nil {
		return fmt.Errorf("failed to start machine: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), r.agentWaitTimeout)
	defer cancel()
	logger.Debug().Str("agent_address", fmt.Sprintf("%s:%d", machine.IP, r.agentPort)).Msg("waiting until agent is online")
	if err := r.agentClient.WaitOnline(waitCtx, machine.IP, r.agentPort); err != nil {
		return fmt.Errorf("agent not online within timeout of %s: %w", r.agentWaitTimeout, err)
	}

	logger.Debug().Msg("agent online, delivering payload")
	deliverCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err = r.deliverPayload(deliverCtx, task, machine)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to deliver payload: %w", err)
	}

	r.runUntilTimeout(task, stop, logger)
	return nil
}

// deliverPayload loads the analysis target and hands it to the guest agent.
func (r *Runner) deliverPayload(ctx context.Context, task *types.Task, machine *types.Machine) error {
	analysis, err := r.store.GetAnalysis(task.AnalysisID)
	if err != nil {
		return fmt.Errorf("loading analysis %s: %w", task.AnalysisID, err)
	}

	var bundle io.Reader
	switch target := analysis.Target.(type) {
	case types.TargetFile:
		f, err := os.Open(r.cwd.Binary(target.SHA256))
		if err != nil {
			return fmt.Errorf("opening target binary: %w", err)
		}
		defer f.Close()
		bundle = f
	case types.TargetURL:
		bundle = strings.NewReader(target.URL)
	default:
		return fmt.Errorf("unsupported target kind %T", analysis.Target)
	}

	return r.agentClient.DeliverPayload(ctx, machine.IP, bundle)
}

// runUntilTimeout idles until the analysis' configured timeout elapses or
// stop is closed, whichever comes first. Nothing currently needs to act on
// the interval tick itself; the loop exists so a future taskflow kind has
// somewhere to hook periodic guest polling without changing this shape.
func (r *Runner) runUntilTimeout(task *types.Task, stop chan struct{}, logger zerolog.Logger) {
	timeout := r.taskTimeout(task)
	logger.Debug().Dur("timeout", timeout).Msg("running until timeout")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(r.callInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			logger.Debug().Msg("task run stopped early")
			return
		case <-deadline.C:
			logger.Debug().Msg("task run timeout reached")
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) taskTimeout(task *types.Task) time.Duration {
	analysis, err := r.store.GetAnalysis(task.AnalysisID)
	if err != nil || analysis.Settings == nil || analysis.Settings.Timeout <= 0 {
		return r.defaultTimeout
	}
	return time.Duration(analysis.Settings.Timeout) * time.Second
}

func (r *Runner) startMachine(machine *types.Machine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	resultCh := r.manager.Submit(machine.Name, machinery.RestoreStart)
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) stopMachine(machine *types.Machine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	resultCh := r.manager.Submit(machine.Name, machinery.Stop)
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) writeRunError(task *types.Task, tracker *errtracker.Tracker, logger zerolog.Logger) {
	analysis, err := r.store.GetAnalysis(task.AnalysisID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load analysis to write run error file")
		return
	}

	errPath := paths.RunErrorFile(r.cwd.Analysis(analysis.CreatedOn, analysis.ID), task.ID)
	if err := tracker.ToFile(errPath); err != nil {
		logger.Error().Err(err).Msg("failed to write run error file")
	}
}
