package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mothsandbox/moth/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketTasks = []byte("tasks")

// maxPriority bounds the priority value used to build sort keys. It is not
// a validation limit: the queue accepts any priority, and tasks above it sort as
// if they had this priority.
const maxPriority = 1 << 20

// Queue is the durable, priority-ordered set of tasks waiting to be
// scheduled. It is safe for concurrent use; only one WorkFinder scope may
// be open at a time (see GetWorkFinder).
type Queue struct {
	db *bolt.DB

	mu          sync.Mutex
	unscheduled int

	scopeMu sync.Mutex // enforces "one WorkFinder scope at a time"
}

// Open opens (creating if necessary) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTasks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	q := &Queue{db: db}
	if err := q.recount(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Size returns the number of unscheduled tasks currently queued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unscheduled
}

func (q *Queue) recount() error {
	count := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Task.Scheduled {
				count++
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.unscheduled = count
	q.mu.Unlock()
	return nil
}

// record is the on-disk representation of one queued task. The sort key is
// not stored in it; it is the bucket key, recomputed from the task by sortKey.
type record struct {
	Task types.Task `json:"task"`
}

// sortKey produces the composite key that makes a plain bucket scan yield
// priority-descending, created-on-ascending order.
func sortKey(t *types.Task) []byte {
	priorityRank := maxPriority - t.Priority
	if priorityRank < 0 {
		priorityRank = 0
	}
	return []byte(fmt.Sprintf("%020d_%020d_%s", priorityRank, t.CreatedOn.UnixNano(), t.ID))
}

// Enqueue adds task to the queue, computing its dependency hash.
func (q *Queue) Enqueue(task *types.Task) error {
	return q.enqueueAll(task)
}

// EnqueueMany adds multiple tasks in a single transaction.
func (q *Queue) EnqueueMany(tasks ...*types.Task) error {
	return q.enqueueAll(tasks...)
}

func (q *Queue) enqueueAll(tasks ...*types.Task) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		for _, t := range tasks {
			t.DephashHex = t.Dephash()
			data, err := json.Marshal(record{Task: *t})
			if err != nil {
				return err
			}
			if err := b.Put(sortKey(t), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.mu.Lock()
	q.unscheduled += len(tasks)
	q.mu.Unlock()
	return nil
}

// Remove deletes the given task ids from the queue outright (not just
// marking them scheduled).
func (q *Queue) Remove(taskIDs ...string) error {
	want := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = struct{}{}
	}

	removed := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if _, ok := want[rec.Task.ID]; ok {
				if err := c.Delete(); err != nil {
					return err
				}
				if !rec.Task.Scheduled {
					removed++
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.unscheduled -= removed
	q.mu.Unlock()
	return nil
}

// Get returns the task with the given id, or an error if it is not queued.
// Used by the state controller to resolve a task id back to its owning
// analysis once the scheduler has reported an outcome.
func (q *Queue) Get(taskID string) (*types.Task, error) {
	var found *types.Task
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Task.ID == taskID {
				t := rec.Task
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("queue: task %s not found", taskID)
	}
	return found, nil
}

// GetScheduled returns every task currently marked scheduled.
func (q *Queue) GetScheduled() ([]*types.Task, error) {
	var out []*types.Task
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Task.Scheduled {
				t := rec.Task
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

// MarkUnscheduled flips the scheduled flag back off for the given task ids,
// returning them to the pool the scheduler can assign. Used by R1: a task
// that was queued, marked scheduled, then marked unscheduled again leaves
// the unscheduled count unchanged from before the scheduled mark.
func (q *Queue) MarkUnscheduled(taskIDs ...string) error {
	want := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		want[id] = struct{}{}
	}

	flipped := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if _, ok := want[rec.Task.ID]; !ok || !rec.Task.Scheduled {
				continue
			}
			rec.Task.Scheduled = false
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			flipped++
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.unscheduled += flipped
	q.mu.Unlock()
	return nil
}
