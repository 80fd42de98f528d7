package machinery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/machdriver"
	"github.com/mothsandbox/moth/pkg/metrics"
	"github.com/mothsandbox/moth/pkg/types"
)

// Action performs one lifecycle operation against machine through driver.
// On success it reports the state the machine is expected to reach, how
// long to wait for that before giving up, and an optional fallback action
// to run if the timeout expires (e.g. AcpiStop falling back to Stop).
type Action func(ctx context.Context, driver machdriver.Driver, machine *types.Machine) (expected machdriver.State, timeout time.Duration, fallback Action, err error)

// RestoreStart restores machine to its configured snapshot and starts it.
func RestoreStart(ctx context.Context, driver machdriver.Driver, machine *types.Machine) (machdriver.State, time.Duration, Action, error) {
	if err := driver.RestoreStart(ctx, machine); err != nil {
		return "", 0, nil, err
	}
	return machdriver.StateRunning, 60 * time.Second, nil, nil
}

// NoRestoreStart starts machine without restoring a snapshot first.
func NoRestoreStart(ctx context.Context, driver machdriver.Driver, machine *types.Machine) (machdriver.State, time.Duration, Action, error) {
	if err := driver.NoRestoreStart(ctx, machine); err != nil {
		return "", 0, nil, err
	}
	return machdriver.StateRunning, 60 * time.Second, nil, nil
}

// Stop performs a normal power-off of machine.
func Stop(ctx context.Context, driver machdriver.Driver, machine *types.Machine) (machdriver.State, time.Duration, Action, error) {
	if err := driver.Stop(ctx, machine); err != nil {
		return "", 0, nil, err
	}
	return machdriver.StatePoweroff, 60 * time.Second, nil, nil
}

// AcpiStop requests a graceful ACPI shutdown, falling back to a hard Stop if
// the machine has not powered off within 120 seconds.
func AcpiStop(ctx context.Context, driver machdriver.Driver, machine *types.Machine) (machdriver.State, time.Duration, Action, error) {
	if err := driver.AcpiStop(ctx, machine); err != nil {
		return "", 0, nil, err
	}
	return machdriver.StatePoweroff, 120 * time.Second, Stop, nil
}

// DumpMemoryTo returns an Action that dumps machine's memory to destPath.
func DumpMemoryTo(destPath string) Action {
	return func(ctx context.Context, driver machdriver.Driver, machine *types.Machine) (machdriver.State, time.Duration, Action, error) {
		if err := driver.DumpMemory(ctx, machine, destPath); err != nil {
			return "", 0, nil, err
		}
		return machdriver.StateRunning, 60 * time.Second, nil, nil
	}
}

// work is one queued invocation of an action against a named machine.
type work struct {
	machineName string
	action      Action
	resultCh    chan<- error

	// populated once the action itself has returned successfully and the
	// work is waiting for the machine to reach its expected state.
	expected machdriver.State
	timeout  time.Duration
	fallback Action
	since    time.Time
}

// workQueue is a FIFO of pending work, skipping entries whose machine
// already has an action in flight so execution stays ordered per machine
// without blocking unrelated machines.
type workQueue struct {
	mu      sync.Mutex
	pending []*work
	busy    map[string]struct{}
}

func newWorkQueue() *workQueue {
	return &workQueue{busy: make(map[string]struct{})}
}

func (q *workQueue) add(w *work) {
	q.mu.Lock()
	q.pending = append(q.pending, w)
	q.mu.Unlock()
}

// next returns the first queued work whose machine is not already busy, and
// marks that machine busy. Returns nil if nothing is runnable right now.
func (q *workQueue) next() *work {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, w := range q.pending {
		if _, locked := q.busy[w.machineName]; locked {
			continue
		}
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		q.busy[w.machineName] = struct{}{}
		return w
	}
	return nil
}

func (q *workQueue) release(machineName string) {
	q.mu.Lock()
	delete(q.busy, machineName)
	q.mu.Unlock()
}

// workerPool runs queued actions against machines with a fixed number of
// goroutines, polling in-flight work for state convergence the same way a
// single waiter loop would.
type workerPool struct {
	manager *Manager
	n       int

	queue   *workQueue
	waiting []*work
	waitMu  sync.Mutex

	quit chan struct{}
	wg   sync.WaitGroup
}

func newWorkerPool(manager *Manager, n int) *workerPool {
	if n <= 0 {
		n = 2
	}
	return &workerPool{
		manager: manager,
		n:       n,
		queue:   newWorkQueue(),
		quit:    make(chan struct{}),
	}
}

func (p *workerPool) start() {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *workerPool) stop() {
	close(p.quit)
	p.wg.Wait()
}

// Submit queues action against machineName, reporting its eventual outcome
// on resultCh (buffered by at least 1; the worker never blocks on send).
func (p *workerPool) submit(machineName string, action Action, resultCh chan<- error) {
	p.queue.add(&work{machineName: machineName, action: action, resultCh: resultCh})
}

func (p *workerPool) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.checkWaiters()
		default:
		}

		w := p.queue.next()
		if w == nil {
			select {
			case <-p.quit:
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		p.execute(w)
	}
}

func (p *workerPool) execute(w *work) {
	driver, ok := p.manager.driverFor(w.machineName)
	if !ok {
		p.finish(w, errors.New("machinery: machine has no registered driver"))
		return
	}
	machine, err := p.manager.GetByName(w.machineName)
	if err != nil {
		p.finish(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	expected, timeout, fallback, err := w.action(ctx, driver, machine)
	cancel()

	if errors.Is(err, machdriver.ErrAlreadyInState) {
		p.finish(w, nil)
		return
	}
	if err != nil {
		log.Logger.Error().Str("machine", w.machineName).Err(err).Msg("machine action failed")
		p.manager.Disable(w.machineName, err.Error())
		p.finish(w, err)
		return
	}

	w.expected = expected
	w.timeout = timeout
	w.fallback = fallback
	w.since = time.Now()

	p.waitMu.Lock()
	p.waiting = append(p.waiting, w)
	p.waitMu.Unlock()
}

func (p *workerPool) checkWaiters() {
	p.waitMu.Lock()
	current := p.waiting
	p.waiting = nil
	p.waitMu.Unlock()

	var stillWaiting []*work
	for _, w := range current {
		driver, ok := p.manager.driverFor(w.machineName)
		if !ok {
			p.finish(w, errors.New("machinery: machine has no registered driver"))
			continue
		}
		machine, err := p.manager.GetByName(w.machineName)
		if err != nil {
			p.finish(w, err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		state, err := driver.State(ctx, machine)
		cancel()

		switch {
		case err != nil:
			log.Logger.Error().Str("machine", w.machineName).Err(err).Msg("could not read machine state")
			p.manager.Disable(w.machineName, err.Error())
			p.finish(w, err)
		case state == w.expected:
			metrics.MachineActionDuration.WithLabelValues(string(w.expected)).Observe(time.Since(w.since).Seconds())
			p.finish(w, nil)
		case state == machdriver.StateError:
			p.manager.Disable(w.machineName, "machine reports error state")
			p.finish(w, machdriver.ErrUnexpectedState)
		case time.Since(w.since) < w.timeout:
			stillWaiting = append(stillWaiting, w)
		case w.fallback != nil:
			p.queue.release(w.machineName)
			p.submit(w.machineName, w.fallback, w.resultCh)
		default:
			p.manager.Disable(w.machineName, "timed out waiting for expected machine state")
			p.finish(w, machdriver.ErrUnexpectedState)
		}
	}

	p.waitMu.Lock()
	p.waiting = append(p.waiting, stillWaiting...)
	p.waitMu.Unlock()
}

func (p *workerPool) finish(w *work, err error) {
	p.queue.release(w.machineName)
	if w.resultCh != nil {
		select {
		case w.resultCh <- err:
		default:
		}
	}
}

// Submit queues action against machineName and returns a channel that
// receives exactly one value once the action has completed or failed
// (including failing to converge on its expected state).
func (m *Manager) Submit(machineName string, action Action) <-chan error {
	ch := make(chan error, 1)
	m.pool.submit(machineName, action, ch)
	return ch
}
