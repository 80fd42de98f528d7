package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// DialRequest opens a connection to socketPath, sends one envelope, reads
// exactly one reply, and disconnects.
func DialRequest(ctx context.Context, socketPath string, subject string, body any) (Reply, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return Reply{}, fmt.Errorf("ipc: dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	c := NewConn(conn)

	raw, err := json.Marshal(body)
	if err != nil {
		return Reply{}, fmt.Errorf("ipc: encoding request body: %w", err)
	}
	if err := c.WriteMessage(Envelope{Subject: subject, Body: raw}); err != nil {
		return Reply{}, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var reply Reply
	ok, err := c.ReadMessage(&reply)
	if err != nil {
		return Reply{}, err
	}
	if !ok {
		return Reply{}, fmt.Errorf("ipc: %s closed connection without replying", socketPath)
	}
	return reply, nil
}

// DialFireForget opens a connection to socketPath, sends one envelope, and
// disconnects without waiting for a reply.
func DialFireForget(ctx context.Context, socketPath string, subject string, body any) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("ipc: dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ipc: encoding request body: %w", err)
	}
	return NewConn(conn).WriteMessage(Envelope{Subject: subject, Body: raw})
}

// EventStream is a long-lived connection to an event server, yielding
// decoded messages via Next until the connection closes or ctx is
// cancelled.
type EventStream struct {
	conn *Conn
}

// DialEventStream connects to socketPath and returns a stream of events
// pushed by the server.
func DialEventStream(ctx context.Context, socketPath string) (*EventStream, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: dialing %s: %w", socketPath, err)
	}
	return &EventStream{conn: NewConn(conn)}, nil
}

// Next decodes the next event into v. Returns false with a nil error once
// the server closes the stream cleanly.
func (s *EventStream) Next(v any) (bool, error) {
	return s.conn.ReadMessage(v)
}

// Close disconnects the stream.
func (s *EventStream) Close() error {
	return s.conn.Close()
}

// WaitForSocket polls until socketPath exists or ctx is done, matching the
// original client's "retry until the server has bound its socket" startup
// behavior.
func WaitForSocket(ctx context.Context, socketPath string, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := netDialProbe(socketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func netDialProbe(socketPath string) (net.Conn, error) {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err == nil {
		conn.Close()
	}
	return conn, err
}
