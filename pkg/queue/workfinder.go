package queue

import (
	"encoding/json"
	"fmt"

	"github.com/mothsandbox/moth/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// WorkFinder is a single read-write scope over the queue used by the
// scheduler to scan unscheduled tasks, skip ones it already knows no
// available machine can run (by dependency hash), and mark the ones it
// picks as scheduled — all as one transaction so a concurrent Enqueue
// cannot interleave with a scan. Only one scope may be open at a time;
// GetWorkFinder blocks until any prior scope is closed.
type WorkFinder struct {
	queue *Queue
	tx    *bolt.Tx

	ignoreHashes     map[string]struct{}
	pendingScheduled int
	closed           bool
}

// GetWorkFinder opens a new scope, blocking until any previously open scope
// has been closed.
func (q *Queue) GetWorkFinder() (*WorkFinder, error) {
	q.scopeMu.Lock()

	tx, err := q.db.Begin(true)
	if err != nil {
		q.scopeMu.Unlock()
		return nil, fmt.Errorf("queue: opening workfinder scope: %w", err)
	}

	return &WorkFinder{
		queue:        q,
		tx:           tx,
		ignoreHashes: make(map[string]struct{}),
	}, nil
}

// IgnoreSimilar marks every task with the same dependency hash as task to be
// skipped by UnscheduledTasks for the remainder of this scope. Used once the
// scheduler has determined no available machine can satisfy this task's
// placement requirements, so it does not re-examine siblings with the same
// requirements in the same pass.
func (wf *WorkFinder) IgnoreSimilar(task *types.Task) {
	wf.ignoreHashes[task.DephashHex] = struct{}{}
}

// MarkScheduled flags task as scheduled within this scope. The change is
// only visible to other scopes once Close commits.
func (wf *WorkFinder) MarkScheduled(task *types.Task) error {
	b := wf.tx.Bucket(bucketTasks)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.Task.ID != task.ID {
			continue
		}
		rec.Task.Scheduled = true
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(k, data); err != nil {
			return err
		}
		task.Scheduled = true
		wf.pendingScheduled++
		return nil
	}
	return fmt.Errorf("queue: task %s not found in scope", task.ID)
}

// UnscheduledTasks returns up to limit unscheduled tasks matching platform
// and osVersion (either may be empty to mean "any"), in priority-descending,
// created-on-ascending order, skipping any task whose dependency hash has
// been passed to IgnoreSimilar during this scope.
func (wf *WorkFinder) UnscheduledTasks(platform, osVersion string, limit int) ([]*types.Task, error) {
	b := wf.tx.Bucket(bucketTasks)
	c := b.Cursor()

	var out []*types.Task
	for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, err
		}
		t := rec.Task

		if t.Scheduled {
			continue
		}
		if _, ignored := wf.ignoreHashes[t.DephashHex]; ignored {
			continue
		}
		if platform != "" && t.Platform != platform {
			continue
		}
		if osVersion != "" && t.OSVersion != osVersion {
			continue
		}

		task := t
		out = append(out, &task)
	}
	return out, nil
}

// Close commits the scope's changes and releases it for the next caller.
// Safe to call once; subsequent calls are no-ops.
func (wf *WorkFinder) Close() error {
	if wf.closed {
		return nil
	}
	wf.closed = true
	defer wf.queue.scopeMu.Unlock()

	if err := wf.tx.Commit(); err != nil {
		return fmt.Errorf("queue: committing workfinder scope: %w", err)
	}

	if wf.pendingScheduled > 0 {
		wf.queue.mu.Lock()
		wf.queue.unscheduled -= wf.pendingScheduled
		wf.queue.mu.Unlock()
	}
	return nil
}

// Discard rolls back the scope's changes without committing, and releases it
// for the next caller. Used when the scheduler aborts a pass early.
func (wf *WorkFinder) Discard() error {
	if wf.closed {
		return nil
	}
	wf.closed = true
	defer wf.queue.scopeMu.Unlock()

	return wf.tx.Rollback()
}
