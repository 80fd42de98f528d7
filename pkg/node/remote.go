package node

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mothsandbox/moth/pkg/log"
	"github.com/mothsandbox/moth/pkg/security"
	"github.com/mothsandbox/moth/pkg/types"
)

// reconnectBackoff is how long RemoteNode waits before re-opening a dropped
// event stream.
const reconnectBackoff = 10 * time.Second

// RemoteNode is a Node backed by another sandboxd instance's RPC surface,
// reached over plain HTTP with an optional TLS client certificate.
type RemoteNode struct {
	name    string
	baseURL string
	client  *http.Client

	mu       sync.RWMutex
	machines []types.Machine
	ready    bool
}

// NewRemoteNode returns a RemoteNode for the instance at baseURL. If
// certDir is non-empty, its client certificate and CA (loaded the same way
// the teacher loads mTLS material) authenticate the connection.
func NewRemoteNode(name, baseURL, certDir string) (*RemoteNode, error) {
	transport := &http.Transport{}

	if certDir != "" {
		cert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return nil, fmt.Errorf("node: loading client certificate: %w", err)
		}
		caCert, err := security.LoadCACertFromFile(certDir)
		if err != nil {
			return nil, fmt.Errorf("node: loading CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		pool.AddCert(caCert)

		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{*cert},
			RootCAs:      pool,
		}
	}

	return &RemoteNode{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}, nil
}

// Name implements Node.
func (n *RemoteNode) Name() string { return n.name }

// Ready implements Node.
func (n *RemoteNode) Ready() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ready
}

// Machines implements Node.
func (n *RemoteNode) Machines() []types.Machine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]types.Machine, len(n.machines))
	copy(out, n.machines)
	return out
}

// AcquireMachine implements Node against the cached machine list. The lock
// is local bookkeeping only — StartTask is what actually tells the remote
// node which machine to use.
func (n *RemoteNode) AcquireMachine(taskID, platform, osVersion string, tags []string) (*types.Machine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.machines {
		m := &n.machines[i]
		if m.Locked || m.Disabled {
			continue
		}
		if platform != "" && m.Platform != platform {
			continue
		}
		if osVersion != "" && m.OSVersion != osVersion {
			continue
		}
		if !hasAllTags(m.Tags, tags) {
			continue
		}

		m.Locked = true
		m.LockedBy = taskID
		clone := *m
		return &clone, nil
	}
	return nil, ErrNoMachine
}

// ReleaseMachine implements Node.
func (n *RemoteNode) ReleaseMachine(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.machines {
		if n.machines[i].Name == name {
			n.machines[i].Locked = false
			n.machines[i].LockedBy = ""
			return nil
		}
	}
	return fmt.Errorf("node: machine %q not found", name)
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// LoadMachines fetches the remote node's current machine list over HTTP.
func (n *RemoteNode) LoadMachines(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/v1/machines", nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("node: fetching machine list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node: machine list request returned %s", resp.Status)
	}

	var machines []types.Machine
	if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
		return fmt.Errorf("node: decoding machine list: %w", err)
	}

	n.mu.Lock()
	n.machines = machines
	n.mu.Unlock()
	return nil
}

// StartTask implements Node by asking the remote node to start task on
// machine. The request carries only the machine name; no work bundle is
// uploaded, so the remote node must already hold the task's files.
func (n *RemoteNode) StartTask(ctx context.Context, task *types.Task, machine *types.Machine) error {
	if !n.Ready() {
		return ErrNotReady
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("machine", machine.Name); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/tasks/%s/start", n.baseURL, task.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("node: starting task %s: %w", task.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("node: start task %s returned %s", task.ID, resp.Status)
	}
	return nil
}

// sseMessage mirrors the JSON payload carried by each server-sent event.
type sseMessage struct {
	Type          string `json:"type"`
	TaskID        string `json:"task_id"`
	State         string `json:"state"`
	MachineName   string `json:"machine_name"`
	DisableReason string `json:"reason"`
}

// Events implements Node, opening a text/event-stream connection and
// reconnecting with a fixed backoff whenever it drops, until ctx is done.
func (n *RemoteNode) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	go n.runEventLoop(ctx, out)
	return out
}

func (n *RemoteNode) runEventLoop(ctx context.Context, out chan<- Event) {
	defer close(out)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := n.readEventStream(ctx, out); err != nil {
			log.Logger.Error().Str("node", n.name).Err(err).Msg("node event stream closed")
			n.setReady(false)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (n *RemoteNode) setReady(ready bool) {
	n.mu.Lock()
	n.ready = ready
	n.mu.Unlock()
}

func (n *RemoteNode) readEventStream(ctx context.Context, out chan<- Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream request returned %s", resp.Status)
	}

	n.setReady(true)

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = nil

		var msg sseMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			log.Logger.Error().Str("node", n.name).Err(err).Msg("unparseable node event")
			return
		}

		ev, ok := toEvent(msg)
		if !ok {
			return
		}

		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()

	return scanner.Err()
}

func toEvent(msg sseMessage) (Event, bool) {
	switch msg.Type {
	case "TASK_STATE":
		switch msg.State {
		case "TASK_RUNNING":
			return Event{Kind: EventTaskRunning, TaskID: msg.TaskID}, true
		case "TASK_DONE":
			return Event{Kind: EventTaskDone, TaskID: msg.TaskID}, true
		case "TASK_FAILED":
			return Event{Kind: EventTaskFailed, TaskID: msg.TaskID}, true
		}
		return Event{}, false
	case "MACHINE_DISABLED":
		return Event{
			Kind:          EventMachineDisabled,
			MachineName:   msg.MachineName,
			DisableReason: msg.DisableReason,
		}, true
	default:
		return Event{}, false
	}
}

// Stop implements Node. RemoteNode's Events goroutines exit on their own
// once ctx is canceled by the caller; Stop only marks the node not-ready.
func (n *RemoteNode) Stop() {
	n.setReady(false)
}
