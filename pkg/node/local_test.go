package node

import (
	"context"
	"testing"
	"time"

	"github.com/mothsandbox/moth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	startedTaskID string
}

func (f *fakeStarter) Start(ctx context.Context, task *types.Task, machine *types.Machine) error {
	f.startedTaskID = task.ID
	return nil
}

func TestLocalNodeStartTaskDelegatesToStarter(t *testing.T) {
	starter := &fakeStarter{}
	n := NewLocalNode(nil, starter)

	err := n.StartTask(context.Background(), &types.Task{ID: "t1"}, &types.Machine{Name: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", starter.startedTaskID)
}

func TestLocalNodeEventsDeliversReportedEvent(t *testing.T) {
	n := NewLocalNode(nil, &fakeStarter{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := n.Events(ctx)
	n.ReportEvent(Event{Kind: EventTaskDone, TaskID: "t1"})

	select {
	case ev := <-events:
		assert.Equal(t, EventTaskDone, ev.Kind)
		assert.Equal(t, "t1", ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestLocalNodeStopClosesEventChannels(t *testing.T) {
	n := NewLocalNode(nil, &fakeStarter{})
	events := n.Events(context.Background())

	n.Stop()

	_, ok := <-events
	assert.False(t, ok)
}
