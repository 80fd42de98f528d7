// Package resultserver is the task runner's client for the result server:
// the component (out of scope here) that accepts the network and memory
// artifacts a running analysis machine produces. The control plane only
// needs to tell it which task to expect data for, and when to stop
// expecting it — both done over the ordinary pkg/ipc request/response
// transport, the same way every other control-plane component is addressed.
package resultserver

import (
	"context"
	"fmt"

	"github.com/mothsandbox/moth/pkg/ipc"
)

// Client registers and deregisters tasks with a running result server.
type Client interface {
	// Add tells the result server to start accepting data for taskID from
	// ip, the machine running that task.
	Add(ctx context.Context, ip string, taskID string) error

	// Remove tells the result server no more data for taskID is expected.
	Remove(ctx context.Context, ip string, taskID string) error
}

type addRequest struct {
	IP     string `json:"ip"`
	TaskID string `json:"task_id"`
}

// IPCClient is a Client implemented over a unix-socket result server
// listening for the "add"/"remove" subjects.
type IPCClient struct {
	socketPath string
}

// NewIPCClient returns a Client dialing socketPath for every call.
func NewIPCClient(socketPath string) *IPCClient {
	return &IPCClient{socketPath: socketPath}
}

func (c *IPCClient) call(ctx context.Context, subject string, ip, taskID string) error {
	reply, err := ipc.DialRequest(ctx, c.socketPath, subject, addRequest{IP: ip, TaskID: taskID})
	if err != nil {
		return fmt.Errorf("resultserver: %s: %w", subject, err)
	}
	if !reply.Success {
		return fmt.Errorf("resultserver: %s rejected: %s", subject, reply.Reason)
	}
	return nil
}

// Add implements Client.
func (c *IPCClient) Add(ctx context.Context, ip string, taskID string) error {
	return c.call(ctx, "add", ip, taskID)
}

// Remove implements Client.
func (c *IPCClient) Remove(ctx context.Context, ip string, taskID string) error {
	return c.call(ctx, "remove", ip, taskID)
}
