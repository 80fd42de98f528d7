package machinery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mothsandbox/moth/pkg/machdriver"
	"github.com/mothsandbox/moth/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	name  string
	state machdriver.State
}

func (d *fakeDriver) Name() string { return d.name }
func (d *fakeDriver) RestoreStart(ctx context.Context, m *types.Machine) error {
	d.state = machdriver.StateRunning
	return nil
}
func (d *fakeDriver) NoRestoreStart(ctx context.Context, m *types.Machine) error {
	d.state = machdriver.StateRunning
	return nil
}
func (d *fakeDriver) Stop(ctx context.Context, m *types.Machine) error {
	d.state = machdriver.StatePoweroff
	return nil
}
func (d *fakeDriver) AcpiStop(ctx context.Context, m *types.Machine) error {
	d.state = machdriver.StatePoweroff
	return nil
}
func (d *fakeDriver) DumpMemory(ctx context.Context, m *types.Machine, destPath string) error {
	return nil
}
func (d *fakeDriver) State(ctx context.Context, m *types.Machine) (machdriver.State, error) {
	return d.state, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDriver) {
	t.Helper()
	m := NewManager(filepath.Join(t.TempDir(), "machinestates.json"), 1)
	driver := &fakeDriver{name: "fake", state: machdriver.StatePoweroff}
	require.NoError(t, m.LoadMachines(driver, []types.Machine{
		{Name: "win10-1", Platform: "windows", OSVersion: "10", Tags: []string{"office"}},
		{Name: "win10-2", Platform: "windows", OSVersion: "10"},
	}, nil))
	return m, driver
}

func TestAcquireLocksMachine(t *testing.T) {
	m, _ := newTestManager(t)

	machine, err := m.Acquire("task-1", "", "windows", "10", nil)
	require.NoError(t, err)
	require.True(t, machine.Locked)
	require.Equal(t, "task-1", machine.LockedBy)

	locked, disabled, avail := m.Counts()
	require.Equal(t, 1, locked)
	require.Equal(t, 0, disabled)
	require.Equal(t, 1, avail)
}

func TestAcquireByTagsFiltersCorrectly(t *testing.T) {
	m, _ := newTestManager(t)

	machine, err := m.Acquire("task-1", "", "windows", "10", []string{"office"})
	require.NoError(t, err)
	require.Equal(t, "win10-1", machine.Name)
}

func TestAcquireUnavailableWhenAllLocked(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Acquire("task-1", "", "windows", "10", nil)
	require.NoError(t, err)
	_, err = m.Acquire("task-2", "", "windows", "10", nil)
	require.NoError(t, err)

	_, err = m.Acquire("task-3", "", "windows", "10", nil)
	require.ErrorIs(t, err, ErrMachineUnavailable)
}

func TestReleaseReturnsMachineToPool(t *testing.T) {
	m, _ := newTestManager(t)

	machine, err := m.Acquire("task-1", "win10-1", "", "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Release(machine.Name))

	refreshed, err := m.GetByName(machine.Name)
	require.NoError(t, err)
	require.False(t, refreshed.Locked)
}

func TestDisableMarksUnavailable(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Disable("win10-1", "unhandled state"))
	_, err := m.Acquire("task-1", "win10-1", "", "", nil)
	require.ErrorIs(t, err, ErrMachineUnavailable)
}

func TestDumpIfDirtyWritesAtomically(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Acquire("task-1", "win10-1", "", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.DumpIfDirty())

	dump, err := LoadDump(m.dumpPath, nil)
	require.NoError(t, err)
	require.True(t, dump["win10-1"].Locked)
}

func TestSubmitRunsActionAndReportsSuccess(t *testing.T) {
	m, _ := newTestManager(t)
	m.Start()
	defer m.Stop()

	ch := m.Submit("win10-1", RestoreStart)
	select {
	case err := <-ch:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for action result")
	}

	machine, err := m.GetByName("win10-1")
	require.NoError(t, err)
	_ = machine
}
