package statecontroller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mothsandbox/moth/pkg/machdriver"
	"github.com/mothsandbox/moth/pkg/machinery"
	"github.com/mothsandbox/moth/pkg/procpool"
	"github.com/mothsandbox/moth/pkg/queue"
	"github.com/mothsandbox/moth/pkg/storage"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct{ name string }

func (d *fakeDriver) Name() string                                              { return d.name }
func (d *fakeDriver) RestoreStart(ctx context.Context, m *types.Machine) error   { return nil }
func (d *fakeDriver) NoRestoreStart(ctx context.Context, m *types.Machine) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context, m *types.Machine) error          { return nil }
func (d *fakeDriver) AcpiStop(ctx context.Context, m *types.Machine) error      { return nil }
func (d *fakeDriver) DumpMemory(ctx context.Context, m *types.Machine, destPath string) error {
	return nil
}
func (d *fakeDriver) State(ctx context.Context, m *types.Machine) (machdriver.State, error) {
	return machdriver.StatePoweroff, nil
}

type fakeSubmitter struct {
	jobs []procpool.Job
}

func (f *fakeSubmitter) Submit(job procpool.Job) { f.jobs = append(f.jobs, job) }

func newTestReducer(t *testing.T) (*Reducer, storage.Store, *queue.Queue) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	machines := machinery.NewManager(filepath.Join(t.TempDir(), "machinestates.json"), 1)
	require.NoError(t, machines.LoadMachines(&fakeDriver{name: "fake"}, []types.Machine{
		{Name: "win10-1", Platform: "windows", OSVersion: "10"},
	}, nil))

	r := NewReducer(store, q, nil, machines, &fakeSubmitter{}, PlatformPolicy{DefaultPlatform: "windows", Autotag: true})
	r.Start()
	t.Cleanup(r.Stop)

	return r, store, q
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestTaskFailedMarksAnalysisFatalAndRemovesTask(t *testing.T) {
	r, store, q := newTestReducer(t)

	analysis := &types.Analysis{ID: "a1", State: types.AnalysisPendingPre, CreatedOn: time.Now()}
	require.NoError(t, store.CreateAnalysis(analysis))
	require.NoError(t, q.Enqueue(&types.Task{ID: "t1", AnalysisID: "a1", CreatedOn: time.Now()}))

	r.TaskFailed("t1", "machine crashed")

	waitUntil(t, time.Second, func() bool {
		a, err := store.GetAnalysis("a1")
		return err == nil && a.State == types.AnalysisFatalError
	})

	updated, err := store.GetAnalysis("a1")
	require.NoError(t, err)
	require.Equal(t, "machine crashed", updated.Error)

	_, err = q.Get("t1")
	require.Error(t, err, "failed task should be removed from the queue")
}

func TestTaskDoneRemovesTaskFromQueue(t *testing.T) {
	r, _, q := newTestReducer(t)

	require.NoError(t, q.Enqueue(&types.Task{ID: "t2", AnalysisID: "a2", CreatedOn: time.Now()}))
	r.TaskDone("t2")

	waitUntil(t, time.Second, func() bool {
		_, err := q.Get("t2")
		return err != nil
	})
}

func TestIdentificationDoneNoSelectionMarksNoSelected(t *testing.T) {
	r, store, _ := newTestReducer(t)

	analysis := &types.Analysis{ID: "a3", State: types.AnalysisPendingIdentification, CreatedOn: time.Now()}
	require.NoError(t, store.CreateAnalysis(analysis))

	r.IdentificationDone("a3", false)

	waitUntil(t, time.Second, func() bool {
		a, err := store.GetAnalysis("a3")
		return err == nil && a.State == types.AnalysisNoSelected
	})
}

func TestIdentificationDoneManualSettingWaitsForManualStart(t *testing.T) {
	r, store, _ := newTestReducer(t)

	analysis := &types.Analysis{
		ID:        "a4",
		State:     types.AnalysisPendingIdentification,
		CreatedOn: time.Now(),
		Settings:  &types.Settings{Manual: true},
	}
	require.NoError(t, store.CreateAnalysis(analysis))

	r.IdentificationDone("a4", true)

	waitUntil(t, time.Second, func() bool {
		a, err := store.GetAnalysis("a4")
		return err == nil && a.State == types.AnalysisWaitingManual
	})
}

func TestPreDoneMarksCompletedPre(t *testing.T) {
	r, store, _ := newTestReducer(t)

	analysis := &types.Analysis{ID: "a5", State: types.AnalysisPendingPre, CreatedOn: time.Now()}
	require.NoError(t, store.CreateAnalysis(analysis))

	r.PreDone("a5")

	waitUntil(t, time.Second, func() bool {
		a, err := store.GetAnalysis("a5")
		return err == nil && a.State == types.AnalysisCompletedPre
	})
}
