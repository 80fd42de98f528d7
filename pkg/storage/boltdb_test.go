package storage

import (
	"testing"
	"time"

	"github.com/mothsandbox/moth/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAnalysisRoundTrip(t *testing.T) {
	store := newTestStore(t)

	analysis := &types.Analysis{
		ID:        "20260731-AAAAAA",
		CreatedOn: time.Now().UTC().Truncate(time.Second),
		Target:    types.TargetFile{SHA256: "abc123", Filename: "sample.exe"},
		Settings:  &types.Settings{Timeout: 120, Priority: 1},
		Category:  "file",
		State:     types.AnalysisPendingIdentification,
	}

	require.NoError(t, store.CreateAnalysis(analysis))

	got, err := store.GetAnalysis(analysis.ID)
	require.NoError(t, err)
	require.Equal(t, analysis.ID, got.ID)
	require.Equal(t, analysis.State, got.State)
	require.Equal(t, analysis.Settings.Timeout, got.Settings.Timeout)

	got.State = types.AnalysisCompletedPre
	require.NoError(t, store.UpdateAnalysis(got))

	updated, err := store.GetAnalysis(analysis.ID)
	require.NoError(t, err)
	require.Equal(t, types.AnalysisCompletedPre, updated.State)

	list, err := store.ListAnalyses()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.DeleteAnalysis(analysis.ID))
	_, err = store.GetAnalysis(analysis.ID)
	require.Error(t, err)
}

func TestMachineRoundTripPreservesTags(t *testing.T) {
	store := newTestStore(t)

	machine := &types.Machine{
		Name:      "cape1",
		Label:     "cape1",
		Platform:  "windows",
		OSVersion: "10",
		Tags:      []string{"office", "x64"},
		IP:        "192.168.56.101",
	}

	require.NoError(t, store.CreateMachine(machine))

	got, err := store.GetMachine("cape1")
	require.NoError(t, err)
	require.Equal(t, machine.Tags, got.Tags)
	require.Equal(t, machine.Platform, got.Platform)
	require.False(t, got.Locked)
}
