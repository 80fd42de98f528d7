package main

import (
	"context"

	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/node"
	"github.com/mothsandbox/moth/pkg/plugin"
	"github.com/mothsandbox/moth/pkg/procpool"
	"github.com/mothsandbox/moth/pkg/queue"
	"github.com/mothsandbox/moth/pkg/statecontroller"
	"github.com/rs/zerolog"
)

// procReporter adapts procpool.Pool's job outcomes into state-controller
// transitions and the next stage's job submission, so nothing outside this
// process needs to know how one pipeline stage chains into the next.
type procReporter struct {
	reducer *statecontroller.Reducer
	pool    *procpool.Pool
	logger  zerolog.Logger
}

func newProcReporter(reducer *statecontroller.Reducer, pool *procpool.Pool) *procReporter {
	return &procReporter{reducer: reducer, pool: pool, logger: log.WithComponent("pipeline")}
}

// WorkDone implements procpool.Reporter.
func (r *procReporter) WorkDone(job procpool.Job, selected *bool) {
	switch job.Stage {
	case plugin.StagePre:
		sel := true
		if selected != nil {
			sel = *selected
		}
		r.reducer.IdentificationDone(job.AnalysisID, sel)
	case plugin.StageStatic:
		r.reducer.PreDone(job.AnalysisID)
	case plugin.StageBehavior:
		r.pool.Submit(procpool.Job{Stage: plugin.StagePost, AnalysisID: job.AnalysisID, TaskID: job.TaskID})
	case plugin.StagePost:
		r.logger.Debug().Str("analysis_id", job.AnalysisID).Str("task_id", job.TaskID).Msg("post-processing finished")
	}
}

// WorkFailed implements procpool.Reporter.
func (r *procReporter) WorkFailed(job procpool.Job, reason string) {
	r.reducer.AnalysisFailed(job.AnalysisID, job.Stage.String(), reason)
}

// nodeEventBridge turns a node's asynchronous task notifications into state
// controller transitions and, for a task that finished running, the
// follow-on behavioral/post processing jobs the pipeline runs over its
// output. The task runner itself only reports through node.LocalNode; this
// bridge is what actually wires that stream back into pkg/statecontroller.
type nodeEventBridge struct {
	reducer   *statecontroller.Reducer
	taskQueue *queue.Queue
	pool      *procpool.Pool
	logger    zerolog.Logger
}

func newNodeEventBridge(reducer *statecontroller.Reducer, taskQueue *queue.Queue, pool *procpool.Pool) *nodeEventBridge {
	return &nodeEventBridge{reducer: reducer, taskQueue: taskQueue, pool: pool, logger: log.WithComponent("pipeline")}
}

// watch consumes n's event stream until ctx is canceled. Intended to run in
// its own goroutine per node.
func (b *nodeEventBridge) watch(ctx context.Context, n node.Node) {
	for ev := range n.Events(ctx) {
		switch ev.Kind {
		case node.EventTaskRunning:
			b.reducer.TaskRunning(ev.TaskID)
		case node.EventTaskFailed:
			b.reducer.TaskFailed(ev.TaskID, "task run failed")
		case node.EventTaskDone:
			b.handleTaskDone(ev)
		case node.EventMachineDisabled:
			b.logger.Warn().Str("node", n.Name()).Str("machine", ev.MachineName).Str("reason", ev.DisableReason).Msg("machine disabled")
		}
	}
}

// handleTaskDone resolves the finishing task's analysis before TaskDone
// removes it from the queue, then chains into behavioral processing for
// that task's produced output.
func (b *nodeEventBridge) handleTaskDone(ev node.Event) {
	task, err := b.taskQueue.Get(ev.TaskID)
	if err != nil {
		b.logger.Error().Str("task_id", ev.TaskID).Err(err).Msg("task done but not found in queue")
		b.reducer.TaskDone(ev.TaskID)
		return
	}

	b.reducer.TaskDone(ev.TaskID)
	b.pool.Submit(procpool.Job{Stage: plugin.StageBehavior, AnalysisID: task.AnalysisID, TaskID: task.ID})
}
