// Package statecontroller reduces task and analysis lifecycle events into
// state transitions, serializing updates to the same analysis so two
// workers never race on the same record.
package statecontroller

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/mothsandbox/moth/pkg/events"
	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/machinery"
	"github.com/mothsandbox/moth/pkg/metrics"
	"github.com/mothsandbox/moth/pkg/plugin"
	"github.com/mothsandbox/moth/pkg/procpool"
	"github.com/mothsandbox/moth/pkg/queue"
	"github.com/mothsandbox/moth/pkg/storage"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/rs/zerolog"
)

// JobSubmitter hands a processing job to the worker pool. *procpool.Pool
// implements this; the reducer uses it to chain one pipeline stage's
// completion into the next without either package depending on cmd/sandboxd
// to wire the handoff.
type JobSubmitter interface {
	Submit(job procpool.Job)
}

// PlatformPolicy carries the operator-configured defaults the platform
// merge rule falls back to when an analysis's own settings don't pin one
// down. It mirrors pkg/config's PlatformConfig so statecontroller does not
// need to import pkg/config for three scalars.
type PlatformPolicy struct {
	DefaultPlatform string
	MultiPlatform   []string
	Autotag         bool
}

// NumWorkers is the fixed size of the reducer's worker pool.
const NumWorkers = 2

// numShards is the number of lock shards analysis ids hash into. Only one
// worker may be reducing events for a given analysis at a time; unrelated
// analyses reduce concurrently.
const numShards = 32

type kind int

const (
	kindTaskRunning kind = iota
	kindTaskFailed
	kindTaskDone
	kindIdentificationDone
	kindPreDone
	kindAnalysisFailed
)

type workItem struct {
	kind       kind
	taskID     string
	analysisID string
	reason     string
	stage      string
	selected   bool
}

// Reducer is the single place task and analysis state transitions happen.
// Scheduler and task runner outcomes, and analysis pipeline milestones, are
// all funneled through it as events rather than mutating storage directly.
type Reducer struct {
	store     storage.Store
	taskQueue *queue.Queue
	broker    *events.Broker
	machines  *machinery.Manager
	jobs      JobSubmitter
	platforms PlatformPolicy
	logger    zerolog.Logger

	shards [numShards]sync.Mutex

	workCh chan workItem
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReducer returns a Reducer persisting analysis state to store, resolving
// task-to-analysis lookups against taskQueue, and publishing transitions on
// broker. broker may be nil if nothing needs to observe transitions. machines
// is consulted when creating tasks, to reject a placement selector nothing
// registered could ever satisfy; jobs is used to chain a finished pipeline
// stage into the next one (identification into pre-processing).
func NewReducer(store storage.Store, taskQueue *queue.Queue, broker *events.Broker, machines *machinery.Manager, jobs JobSubmitter, platforms PlatformPolicy) *Reducer {
	return &Reducer{
		store:     store,
		taskQueue: taskQueue,
		broker:    broker,
		machines:  machines,
		jobs:      jobs,
		platforms: platforms,
		logger:    log.WithComponent("statecontroller"),
		workCh:    make(chan workItem, 256),
		stopCh:    make(chan struct{}),
	}
}

// Start begins NumWorkers reducer goroutines.
func (r *Reducer) Start() {
	for i := 0; i < NumWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (r *Reducer) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// TaskRunning implements scheduler.TaskReporter: taskID was handed off to a
// node and started successfully.
func (r *Reducer) TaskRunning(taskID string) {
	r.enqueue(workItem{kind: kindTaskRunning, taskID: taskID})
}

// TaskFailed implements scheduler.TaskReporter: taskID could not be started.
func (r *Reducer) TaskFailed(taskID, reason string) {
	r.enqueue(workItem{kind: kindTaskFailed, taskID: taskID, reason: reason})
}

// TaskDone reports that taskID finished running and its result bundle is
// ready to retrieve. Called once the task runner observes the machine
// return to a powered-off state.
func (r *Reducer) TaskDone(taskID string) {
	r.enqueue(workItem{kind: kindTaskDone, taskID: taskID})
}

// IdentificationDone reports that identification finished for analysisID,
// selected indicating whether any task was generated for it.
func (r *Reducer) IdentificationDone(analysisID string, selected bool) {
	r.enqueue(workItem{kind: kindIdentificationDone, analysisID: analysisID, selected: selected})
}

// PreDone reports that pre-processing finished for analysisID.
func (r *Reducer) PreDone(analysisID string) {
	r.enqueue(workItem{kind: kindPreDone, analysisID: analysisID})
}

// AnalysisFailed reports that stage could not complete for analysisID.
func (r *Reducer) AnalysisFailed(analysisID, stage, reason string) {
	r.enqueue(workItem{kind: kindAnalysisFailed, analysisID: analysisID, stage: stage, reason: reason})
}

func (r *Reducer) enqueue(item workItem) {
	select {
	case r.workCh <- item:
	case <-r.stopCh:
	}
}

func (r *Reducer) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case item := <-r.workCh:
			r.reduce(item)
		}
	}
}

func (r *Reducer) shardFor(analysisID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(analysisID))
	return &r.shards[h.Sum32()%numShards]
}

func (r *Reducer) reduce(item workItem) {
	switch item.kind {
	case kindTaskRunning:
		r.reduceTaskRunning(item.taskID)
	case kindTaskFailed:
		r.reduceTaskFailed(item.taskID, item.reason)
	case kindTaskDone:
		r.reduceTaskDone(item.taskID)
	case kindIdentificationDone:
		r.reduceIdentificationDone(item.analysisID, item.selected)
	case kindPreDone:
		r.reducePreDone(item.analysisID)
	case kindAnalysisFailed:
		r.logger.Error().Str("analysis_id", item.analysisID).Str("stage", item.stage).Str("reason", item.reason).Msg("analysis stage failed")
		r.reduceAnalysisState(item.analysisID, types.AnalysisFatalError, item.reason)
	}
}

// resolveTask looks up taskID's owning analysis so task-scoped transitions
// can be serialized per analysis like every other transition.
func (r *Reducer) resolveTask(taskID string) (*types.Task, bool) {
	task, err := r.taskQueue.Get(taskID)
	if err != nil {
		r.logger.Warn().Str("task_id", taskID).Err(err).Msg("task not found for state transition")
		return nil, false
	}
	return task, true
}

func (r *Reducer) reduceTaskRunning(taskID string) {
	task, ok := r.resolveTask(taskID)
	if !ok {
		return
	}

	lock := r.shardFor(task.AnalysisID)
	lock.Lock()
	defer lock.Unlock()

	metrics.TaskStateTransitionsTotal.WithLabelValues(string(types.TaskStateRunning)).Inc()
	r.logger.Debug().Str("task_id", taskID).Str("analysis_id", task.AnalysisID).Msg("task running")
	r.publish(events.EventTaskRunning, map[string]string{
		"task_id":     taskID,
		"analysis_id": task.AnalysisID,
		"machine":     task.MachineName,
		"node":        task.NodeName,
	})
}

func (r *Reducer) reduceTaskFailed(taskID, reason string) {
	task, ok := r.resolveTask(taskID)
	if !ok {
		r.logger.Error().Str("task_id", taskID).Str("reason", reason).Msg("task failed, and could not be resolved to an analysis")
		return
	}

	lock := r.shardFor(task.AnalysisID)
	lock.Lock()
	defer lock.Unlock()

	metrics.TaskStateTransitionsTotal.WithLabelValues(string(types.TaskStateFailed)).Inc()
	if err := r.taskQueue.Remove(taskID); err != nil {
		r.logger.Error().Str("task_id", taskID).Err(err).Msg("failed to remove failed task from queue")
	}

	r.logger.Error().Str("task_id", taskID).Str("analysis_id", task.AnalysisID).Str("reason", reason).Msg("task failed")
	r.setAnalysisStateLocked(task.AnalysisID, types.AnalysisFatalError, reason)
	r.publish(events.EventTaskFailed, map[string]string{
		"task_id":     taskID,
		"analysis_id": task.AnalysisID,
		"error":       reason,
	})
}

func (r *Reducer) reduceTaskDone(taskID string) {
	task, ok := r.resolveTask(taskID)
	if !ok {
		return
	}

	lock := r.shardFor(task.AnalysisID)
	lock.Lock()
	defer lock.Unlock()

	metrics.TaskStateTransitionsTotal.WithLabelValues(string(types.TaskStateReported)).Inc()
	if err := r.taskQueue.Remove(taskID); err != nil {
		r.logger.Error().Str("task_id", taskID).Err(err).Msg("failed to remove completed task from queue")
	}

	r.logger.Debug().Str("task_id", taskID).Str("analysis_id", task.AnalysisID).Msg("task done")
	r.publish(events.EventTaskDone, map[string]string{
		"task_id":     taskID,
		"analysis_id": task.AnalysisID,
	})
}

func (r *Reducer) reduceIdentificationDone(analysisID string, selected bool) {
	lock := r.shardFor(analysisID)
	lock.Lock()
	defer lock.Unlock()

	analysis, err := r.store.GetAnalysis(analysisID)
	if err != nil {
		r.logger.Error().Str("analysis_id", analysisID).Err(err).Msg("failed to load analysis for identification result")
		return
	}

	switch {
	case !selected:
		analysis.State = types.AnalysisNoSelected
	case analysis.Settings != nil && analysis.Settings.Manual:
		analysis.State = types.AnalysisWaitingManual
	default:
		analysis.State = types.AnalysisPendingPre
		r.applyPlatformDefaults(analysis)
	}

	if err := r.store.UpdateAnalysis(analysis); err != nil {
		r.logger.Error().Str("analysis_id", analysisID).Err(err).Msg("failed to persist analysis state")
		return
	}

	r.publish(events.EventAnalysisStateChanged, map[string]string{
		"analysis_id": analysisID,
		"state":       string(analysis.State),
	})

	if analysis.State == types.AnalysisPendingPre && r.jobs != nil {
		r.jobs.Submit(procpool.Job{Stage: plugin.StageStatic, AnalysisID: analysisID})
	}
}

// applyPlatformDefaults fills in analysis.Settings.Platforms when the
// submitter left it empty, falling back to the operator-configured default
// platform. The pipeline has no channel carrying identified platforms or
// tags back from the pre-stage workers, so the fuller merge rule (filtering
// multiple identified platforms against an allow-list, autotagging from
// identified tags) cannot be applied here; only the empty-settings fallback
// is.
func (r *Reducer) applyPlatformDefaults(analysis *types.Analysis) {
	if analysis.Settings == nil {
		analysis.Settings = &types.Settings{}
	}
	if len(analysis.Settings.Platforms) == 0 && len(analysis.Settings.Machines) == 0 {
		analysis.Settings.Platforms = []types.PlatformSelector{{Platform: r.platforms.DefaultPlatform}}
	}
	if r.platforms.Autotag && len(analysis.Settings.MachineTags) > 0 {
		sort.Strings(analysis.Settings.MachineTags)
	}
}

// reducePreDone builds one task per explicit machine name, or one task per
// platform selector gated by machine existence, persists the analysis with
// its resulting task ids, and enqueues the tasks for scheduling. An analysis
// that ends up with zero tasks goes to AnalysisFatalError instead, since
// nothing would ever run it.
func (r *Reducer) reducePreDone(analysisID string) {
	lock := r.shardFor(analysisID)
	lock.Lock()
	defer lock.Unlock()

	analysis, err := r.store.GetAnalysis(analysisID)
	if err != nil {
		r.logger.Error().Str("analysis_id", analysisID).Err(err).Msg("failed to load analysis for task creation")
		return
	}

	tasks, resourceErrors := r.buildTasks(analysis)
	for _, msg := range resourceErrors {
		r.logger.Warn().Str("analysis_id", analysisID).Str("reason", msg).Msg("skipping placement selector with no matching machine")
	}

	if len(tasks) == 0 {
		reason := "no task could be created: no machine matches any requested placement"
		if len(resourceErrors) > 0 {
			reason = resourceErrors[0]
		}
		r.setAnalysisStateLocked(analysisID, types.AnalysisFatalError, reason)
		return
	}

	if err := r.taskQueue.EnqueueMany(tasks...); err != nil {
		r.logger.Error().Str("analysis_id", analysisID).Err(err).Msg("failed to enqueue created tasks")
		return
	}

	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID
	}
	analysis.TaskIDs = taskIDs
	analysis.State = types.AnalysisCompletedPre

	if err := r.store.UpdateAnalysis(analysis); err != nil {
		r.logger.Error().Str("analysis_id", analysisID).Err(err).Msg("failed to persist analysis after task creation")
		return
	}

	metrics.AnalysisStateTransitionsTotal.WithLabelValues(string(types.AnalysisCompletedPre)).Inc()
	r.publish(events.EventAnalysisStateChanged, map[string]string{
		"analysis_id": analysisID,
		"state":       string(types.AnalysisCompletedPre),
	})
	for _, t := range tasks {
		r.publish(events.EventTaskQueued, map[string]string{
			"task_id":     t.ID,
			"analysis_id": analysisID,
		})
	}
}

// buildTasks turns analysis.Settings into the tasks it selects: one per
// explicit machine name if given, else one per platform selector that some
// registered machine could satisfy. Selectors nothing matches are skipped
// and reported back as resource errors rather than failing the whole batch.
func (r *Reducer) buildTasks(analysis *types.Analysis) ([]*types.Task, []string) {
	settings := analysis.Settings
	if settings == nil {
		settings = &types.Settings{}
	}

	var tasks []*types.Task
	var resourceErrors []string
	number := 1

	newTask := func(platform, osVersion string, tags []string) *types.Task {
		task := &types.Task{
			ID:          fmt.Sprintf("%s_%d", analysis.ID, number),
			Kind:        "analysis",
			AnalysisID:  analysis.ID,
			CreatedOn:   time.Now(),
			Priority:    settings.Priority,
			Platform:    platform,
			OSVersion:   osVersion,
			MachineTags: tags,
			State:       types.TaskStateQueued,
		}
		number++
		return task
	}

	switch {
	case len(settings.Machines) > 0:
		for _, name := range settings.Machines {
			machine, err := r.machines.GetByName(name)
			if err != nil {
				resourceErrors = append(resourceErrors, fmt.Sprintf("machine %q does not exist", name))
				continue
			}
			task := newTask(machine.Platform, machine.OSVersion, settings.MachineTags)
			task.MachineName = name
			tasks = append(tasks, task)
		}
	default:
		platforms := settings.Platforms
		if len(platforms) == 0 {
			platforms = []types.PlatformSelector{{Platform: r.platforms.DefaultPlatform}}
		}
		for _, sel := range platforms {
			tags := sel.Tags
			if len(tags) == 0 {
				tags = settings.MachineTags
			}
			if r.machines == nil || !r.machines.HasMatch(sel.Platform, sel.OSVersion, tags) {
				resourceErrors = append(resourceErrors, fmt.Sprintf("no machine matches platform %q", sel.Platform))
				continue
			}
			tasks = append(tasks, newTask(sel.Platform, sel.OSVersion, tags))
		}
	}

	return tasks, resourceErrors
}

// reduceAnalysisState acquires the shard lock then delegates to the locked
// helper, for transitions that do not already hold it.
func (r *Reducer) reduceAnalysisState(analysisID string, state types.AnalysisState, reason string) {
	lock := r.shardFor(analysisID)
	lock.Lock()
	defer lock.Unlock()
	r.setAnalysisStateLocked(analysisID, state, reason)
}

// setAnalysisStateLocked requires the caller to already hold analysisID's
// shard lock.
func (r *Reducer) setAnalysisStateLocked(analysisID string, state types.AnalysisState, reason string) {
	analysis, err := r.store.GetAnalysis(analysisID)
	if err != nil {
		r.logger.Error().Str("analysis_id", analysisID).Err(err).Msg("failed to load analysis for state transition")
		return
	}

	analysis.State = state
	if reason != "" {
		analysis.Error = reason
	}

	if err := r.store.UpdateAnalysis(analysis); err != nil {
		r.logger.Error().Str("analysis_id", analysisID).Err(err).Msg("failed to persist analysis state")
		return
	}

	metrics.AnalysisStateTransitionsTotal.WithLabelValues(string(state)).Inc()
	r.publish(events.EventAnalysisStateChanged, map[string]string{
		"analysis_id": analysisID,
		"state":       string(state),
	})
}

func (r *Reducer) publish(kind events.EventType, metadata map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:     kind,
		Message:  fmt.Sprintf("%s: %s", kind, metadata["analysis_id"]),
		Metadata: metadata,
	})
}
