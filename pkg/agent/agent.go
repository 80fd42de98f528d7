// Package agent defines the contract for talking to the guest agent running
// inside an analysis machine. The agent protocol itself (its wire format,
// its own authentication) is out of scope for the control plane; this
// package only carries the thin client interface the task runner drives.
package agent

import (
	"context"
	"io"
)

// Client talks to one guest agent instance, addressed by the machine's IP.
type Client interface {
	// WaitOnline blocks until the agent at ip:port responds to a readiness
	// check, or ctx is done.
	WaitOnline(ctx context.Context, ip string, port int) error

	// DeliverPayload uploads bundle (the analysis target plus any options)
	// to the agent so it can start the analysis.
	DeliverPayload(ctx context.Context, ip string, bundle io.Reader) error
}
