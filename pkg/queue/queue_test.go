package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mothsandbox/moth/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func newTask(id string, priority int, createdOn time.Time) *types.Task {
	return &types.Task{
		ID:        id,
		Kind:      "analysis",
		CreatedOn: createdOn,
		Priority:  priority,
		Platform:  "windows",
		OSVersion: "10",
	}
}

func TestEnqueueIncreasesSize(t *testing.T) {
	q := newTestQueue(t)
	require.Equal(t, 0, q.Size())

	require.NoError(t, q.Enqueue(newTask("t1", 1, time.Unix(1000, 0))))
	require.Equal(t, 1, q.Size())

	require.NoError(t, q.EnqueueMany(
		newTask("t2", 1, time.Unix(1001, 0)),
		newTask("t3", 1, time.Unix(1002, 0)),
	))
	require.Equal(t, 3, q.Size())
}

func TestRemoveDecreasesSize(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(newTask("t1", 1, time.Unix(1000, 0))))
	require.NoError(t, q.Remove("t1"))
	require.Equal(t, 0, q.Size())

	scheduled, err := q.GetScheduled()
	require.NoError(t, err)
	require.Empty(t, scheduled)
}

func TestGetReturnsQueuedTask(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(newTask("t1", 3, time.Unix(1000, 0))))

	got, err := q.Get("t1")
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
	require.Equal(t, 3, got.Priority)

	_, err = q.Get("missing")
	require.Error(t, err)
}

func TestWorkFinderOrdersByPriorityThenCreatedOn(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.EnqueueMany(
		newTask("low", 1, time.Unix(1000, 0)),
		newTask("high-later", 5, time.Unix(2000, 0)),
		newTask("high-earlier", 5, time.Unix(1500, 0)),
	))

	wf, err := q.GetWorkFinder()
	require.NoError(t, err)
	defer wf.Close()

	tasks, err := wf.UnscheduledTasks("", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	require.Equal(t, "high-earlier", tasks[0].ID)
	require.Equal(t, "high-later", tasks[1].ID)
	require.Equal(t, "low", tasks[2].ID)
}

func TestWorkFinderMarkScheduledIsExcludedNextScope(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(newTask("t1", 1, time.Unix(1000, 0))))

	wf, err := q.GetWorkFinder()
	require.NoError(t, err)
	tasks, err := wf.UnscheduledTasks("", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, wf.MarkScheduled(tasks[0]))
	require.NoError(t, wf.Close())

	require.Equal(t, 0, q.Size())

	scheduled, err := q.GetScheduled()
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	require.Equal(t, "t1", scheduled[0].ID)
}

func TestMarkUnscheduledRestoresSize(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Enqueue(newTask("t1", 1, time.Unix(1000, 0))))

	wf, err := q.GetWorkFinder()
	require.NoError(t, err)
	tasks, err := wf.UnscheduledTasks("", "", 10)
	require.NoError(t, err)
	require.NoError(t, wf.MarkScheduled(tasks[0]))
	require.NoError(t, wf.Close())
	require.Equal(t, 0, q.Size())

	require.NoError(t, q.MarkUnscheduled("t1"))
	require.Equal(t, 1, q.Size())
}

func TestWorkFinderIgnoreSimilarSkipsSameDephash(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.EnqueueMany(
		newTask("t1", 1, time.Unix(1000, 0)),
		newTask("t2", 1, time.Unix(1001, 0)),
	))

	wf, err := q.GetWorkFinder()
	require.NoError(t, err)
	defer wf.Close()

	tasks, err := wf.UnscheduledTasks("", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	wf.IgnoreSimilar(tasks[0])
	remaining, err := wf.UnscheduledTasks("", "", 10)
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestWorkFinderFiltersByPlatform(t *testing.T) {
	q := newTestQueue(t)
	linuxTask := newTask("linux-task", 1, time.Unix(1000, 0))
	linuxTask.Platform = "linux"
	require.NoError(t, q.EnqueueMany(
		newTask("win-task", 1, time.Unix(1001, 0)),
		linuxTask,
	))

	wf, err := q.GetWorkFinder()
	require.NoError(t, err)
	defer wf.Close()

	tasks, err := wf.UnscheduledTasks("linux", "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "linux-task", tasks[0].ID)
}
