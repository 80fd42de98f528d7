// Package procpool supervises the re-exec'd worker processes that run
// processing plugins for an analysis, one worker pool per pkg/plugin
// stage. A single supervisor goroutine fans in every worker's connection
// reader over one channel and dispatches queued jobs to whichever worker
// goes idle, the same shape as the original processing worker handler's
// bounded select() loop over its worker sockets.
package procpool

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/mothsandbox/moth/pkg/ipc"
	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/metrics"
	"github.com/mothsandbox/moth/pkg/plugin"
	"github.com/mothsandbox/moth/pkg/storage"
	"github.com/rs/zerolog"
)

// Job is one unit of processing work: run every registered plugin.Processor
// for stage against analysisID (and taskID, for task-scoped stages).
type Job struct {
	Stage      plugin.Stage
	AnalysisID string
	TaskID     string
}

// Reporter is told how a job ended. Selected is only meaningful for
// plugin.StagePre, reporting whether the stage's plugins produced anything
// worth scheduling a task for.
type Reporter interface {
	WorkDone(job Job, selected *bool)
	WorkFailed(job Job, reason string)
}

// workerEvent is one message from a worker's connection, fed into the
// supervisor's single dispatch loop.
type workerEvent struct {
	worker *workerHandle
	msg    stateMessage
	closed bool
}

type workerHandle struct {
	name  string
	stage plugin.Stage
	conn  *ipc.Conn
	cmd   *exec.Cmd
	state workerState
	job   *Job
}

// Pool spawns and supervises WorkersPerStage worker processes for every
// stage with at least one registered plugin.Processor, dispatching queued
// Jobs to whichever worker is idle.
type Pool struct {
	selfPath        string
	cwd             string
	socketPath      string
	workersPerStage int
	reporter        Reporter
	store           storage.Store
	logger          zerolog.Logger

	listener net.Listener

	submitCh chan Job
	eventCh  chan workerEvent
	quit     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	queues  map[plugin.Stage][]Job
	workers []*workerHandle
}

// NewPool returns a Pool that re-execs selfPath as "procworker" for each
// spawned worker, rooted at cwd, listening on socketPath for worker
// connections, running workersPerStage workers for every stage that has at
// least one registered processor. store is used only by the supervisor, to
// load the analysis a job names before handing it to a worker; worker
// processes never open storage themselves.
func NewPool(selfPath, cwd, socketPath string, workersPerStage int, reporter Reporter, store storage.Store) *Pool {
	if workersPerStage <= 0 {
		workersPerStage = 1
	}
	return &Pool{
		selfPath:        selfPath,
		cwd:             cwd,
		socketPath:      socketPath,
		workersPerStage: workersPerStage,
		reporter:        reporter,
		store:           store,
		logger:          log.WithComponent("procpool"),
		submitCh:        make(chan Job, 256),
		eventCh:         make(chan workerEvent, 256),
		quit:            make(chan struct{}),
		queues:          make(map[plugin.Stage][]Job),
	}
}

// Start binds the supervisor socket, spawns the worker processes, and
// begins dispatching.
func (p *Pool) Start() error {
	_ = os.Remove(p.socketPath)
	l, err := net.Listen("unix", p.socketPath)
	if err != nil {
		return fmt.Errorf("procpool: binding socket %s: %w", p.socketPath, err)
	}
	if err := os.Chmod(p.socketPath, 0600); err != nil {
		_ = l.Close()
		return fmt.Errorf("procpool: chmod socket %s: %w", p.socketPath, err)
	}
	p.listener = l

	p.wg.Add(1)
	go p.acceptLoop()

	p.wg.Add(1)
	go p.dispatchLoop()

	for _, stage := range plugin.Stages() {
		for i := 0; i < p.workersPerStage; i++ {
			if err := p.spawnWorker(stage, i); err != nil {
				p.logger.Error().Str("stage", stage.String()).Int("index", i).Err(err).Msg("failed to spawn processing worker")
			}
		}
	}

	return nil
}

// Stop closes the supervisor socket, signals the dispatch loop to exit, and
// kills every spawned worker process.
func (p *Pool) Stop() {
	close(p.quit)
	if p.listener != nil {
		_ = p.listener.Close()
	}

	p.mu.Lock()
	workers := append([]*workerHandle(nil), p.workers...)
	p.mu.Unlock()

	for _, w := range workers {
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		if w.conn != nil {
			_ = w.conn.Close()
		}
	}

	p.wg.Wait()
}

// Submit queues job for the worker pool running its stage.
func (p *Pool) Submit(job Job) {
	select {
	case p.submitCh <- job:
	case <-p.quit:
	}
}

func (p *Pool) spawnWorker(stage plugin.Stage, index int) error {
	name := fmt.Sprintf("%s-%d", stage, index)
	cmd := exec.Command(p.selfPath, "procworker",
		"--socket", p.socketPath,
		"--stage", stage.String(),
		"--cwd", p.cwd,
		"--name", name,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker process: %w", err)
	}

	p.mu.Lock()
	p.workers = append(p.workers, &workerHandle{name: name, stage: stage, cmd: cmd, state: stateSetup})
	p.mu.Unlock()

	p.logger.Info().Str("worker", name).Str("stage", stage.String()).Int("pid", cmd.Process.Pid).Msg("processing worker started")
	return nil
}

// acceptLoop accepts worker connections, reads each one's hello, and starts
// a reader goroutine that feeds its state messages into eventCh.
func (p *Pool) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.quit:
				return
			default:
				p.logger.Error().Err(err).Msg("accept failed")
				return
			}
		}

		c := ipc.NewConn(conn)
		var hello helloMessage
		ok, err := c.ReadMessage(&hello)
		if err != nil || !ok {
			_ = c.Close()
			continue
		}

		worker := p.claimWorker(hello.Stage, c)
		if worker == nil {
			p.logger.Warn().Str("stage", hello.Stage).Msg("no pending worker slot for connection, closing")
			_ = c.Close()
			continue
		}

		p.wg.Add(1)
		go p.readWorker(worker)
	}
}

// claimWorker attaches conn to the first worker of the given stage that has
// not yet connected (conn == nil).
func (p *Pool) claimWorker(stageName string, conn *ipc.Conn) *workerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.stage.String() == stageName && w.conn == nil {
			w.conn = conn
			w.state = stateIdle
			return w
		}
	}
	return nil
}

func (p *Pool) readWorker(w *workerHandle) {
	defer p.wg.Done()
	for {
		var msg stateMessage
		ok, err := w.conn.ReadMessage(&msg)
		if err != nil || !ok {
			select {
			case p.eventCh <- workerEvent{worker: w, closed: true}:
			case <-p.quit:
			}
			return
		}
		select {
		case p.eventCh <- workerEvent{worker: w, msg: msg}:
		case <-p.quit:
			return
		}
	}
}

// dispatchLoop is the single goroutine allowed to mutate worker/job state,
// avoiding a lock around every state transition.
func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.submitCh:
			p.enqueue(job)
			p.assignPending()
		case ev := <-p.eventCh:
			p.handleEvent(ev)
			p.assignPending()
		}
	}
}

func (p *Pool) enqueue(job Job) {
	p.mu.Lock()
	p.queues[job.Stage] = append(p.queues[job.Stage], job)
	p.mu.Unlock()
}

func (p *Pool) handleEvent(ev workerEvent) {
	w := ev.worker

	if ev.closed {
		p.logger.Warn().Str("worker", w.name).Msg("processing worker disconnected")
		if w.job != nil {
			p.requeue(*w.job)
			w.job = nil
		}
		w.state = stateFailed
		return
	}

	switch ev.msg.State {
	case stateWorking:
		w.state = stateWorking
	case stateDone:
		if w.job != nil {
			p.reporter.WorkDone(*w.job, ev.msg.Selected)
			metrics.ProcessingJobsTotal.WithLabelValues(w.stage.String(), "done").Inc()
		}
		w.job = nil
		w.state = stateIdle
	case stateFailed:
		if w.job != nil {
			p.reporter.WorkFailed(*w.job, ev.msg.Reason)
			metrics.ProcessingJobsTotal.WithLabelValues(w.stage.String(), "failed").Inc()
		}
		w.job = nil
		w.state = stateIdle
	}
}

func (p *Pool) requeue(job Job) {
	p.mu.Lock()
	p.queues[job.Stage] = append([]Job{job}, p.queues[job.Stage]...)
	p.mu.Unlock()
}

// assignPending hands the next queued job for a stage to an idle worker of
// that stage, repeating until no more (worker, job) pairs are available.
func (p *Pool) assignPending() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.state != stateIdle || w.conn == nil {
			continue
		}
		queue := p.queues[w.stage]
		if len(queue) == 0 {
			continue
		}

		job := queue[0]

		analysis, err := p.store.GetAnalysis(job.AnalysisID)
		if err != nil {
			p.logger.Error().Str("analysis_id", job.AnalysisID).Err(err).Msg("failed to load analysis for job, dropping")
			p.queues[w.stage] = queue[1:]
			p.reporter.WorkFailed(job, fmt.Sprintf("loading analysis: %v", err))
			continue
		}

		raw, err := json.Marshal(analysis)
		if err != nil {
			p.logger.Error().Str("analysis_id", job.AnalysisID).Err(err).Msg("failed to encode analysis for job, dropping")
			p.queues[w.stage] = queue[1:]
			p.reporter.WorkFailed(job, fmt.Sprintf("encoding analysis: %v", err))
			continue
		}

		p.queues[w.stage] = queue[1:]

		if err := w.conn.WriteMessage(jobMessage{AnalysisID: job.AnalysisID, TaskID: job.TaskID, Analysis: raw}); err != nil {
			p.logger.Error().Str("worker", w.name).Err(err).Msg("failed to assign job, requeuing")
			p.queues[w.stage] = append([]Job{job}, p.queues[w.stage]...)
			continue
		}

		w.job = &job
		w.state = stateWorking
	}
}
