package node

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteNodeLoadMachines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"Name":"m1","Platform":"windows"}]`)
	}))
	defer srv.Close()

	n, err := NewRemoteNode("remote-1", srv.URL, "")
	require.NoError(t, err)

	require.NoError(t, n.LoadMachines(context.Background()))
	machines := n.Machines()
	require.Len(t, machines, 1)
	assert.Equal(t, "m1", machines[0].Name)
}

func TestRemoteNodeEventsParsesSSEStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"type\":\"TASK_STATE\",\"task_id\":\"t1\",\"state\":\"TASK_DONE\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
	defer srv.Close()

	n, err := NewRemoteNode("remote-1", srv.URL, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := n.Events(ctx)

	select {
	case ev := <-events:
		assert.Equal(t, EventTaskDone, ev.Kind)
		assert.Equal(t, "t1", ev.TaskID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
}
