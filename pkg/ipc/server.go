package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"golang.org/x/sync/errgroup"
)

// Envelope is the minimal shape every request carries: a subject naming the
// operation, with the operation-specific fields left as raw JSON so each
// handler can decode its own payload type.
type Envelope struct {
	Subject string          `json:"subject"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Reply is the minimal shape every request/response reply carries.
type Reply struct {
	Success bool            `json:"success"`
	Reason  string          `json:"reason,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// RequestHandler processes one request envelope and returns the reply body
// to send back, or an error whose message becomes Reply.Reason.
type RequestHandler func(ctx context.Context, env Envelope) (any, error)

// FireForgetHandler processes one envelope with no reply sent to the
// client.
type FireForgetHandler func(ctx context.Context, env Envelope)

// Server listens on a single Unix domain socket and dispatches each
// incoming connection to a handler. One Server handles exactly one
// communication role (request/response, fire-and-forget, or event stream);
// use the matching constructor.
type Server struct {
	path     string
	listener net.Listener
	conns    errgroup.Group
	quit     chan struct{}

	onConn func(ctx context.Context, conn *Conn)
}

func listen(socketPath string) (net.Listener, error) {
	_ = os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: binding socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("ipc: chmod socket %s: %w", socketPath, err)
	}
	return l, nil
}

// NewRequestServer creates a server where every connection sends exactly
// one Envelope and receives exactly one Reply.
func NewRequestServer(socketPath string, handler RequestHandler) (*Server, error) {
	l, err := listen(socketPath)
	if err != nil {
		return nil, err
	}
	s := &Server{path: socketPath, listener: l, quit: make(chan struct{})}
	s.onConn = func(ctx context.Context, conn *Conn) {
		defer conn.Close()
		var env Envelope
		ok, err := conn.ReadMessage(&env)
		if err != nil || !ok {
			return
		}
		body, err := handler(ctx, env)
		if err != nil {
			_ = conn.WriteMessage(Reply{Success: false, Reason: err.Error()})
			return
		}
		raw, err := json.Marshal(body)
		if err != nil {
			_ = conn.WriteMessage(Reply{Success: false, Reason: err.Error()})
			return
		}
		_ = conn.WriteMessage(Reply{Success: true, Body: raw})
	}
	return s, nil
}

// NewFireForgetServer creates a server where each connection sends one
// envelope and disconnects; no reply is ever written.
func NewFireForgetServer(socketPath string, handler FireForgetHandler) (*Server, error) {
	l, err := listen(socketPath)
	if err != nil {
		return nil, err
	}
	s := &Server{path: socketPath, listener: l, quit: make(chan struct{})}
	s.onConn = func(ctx context.Context, conn *Conn) {
		defer conn.Close()
		var env Envelope
		ok, err := conn.ReadMessage(&env)
		if err != nil || !ok {
			return
		}
		handler(ctx, env)
	}
	return s, nil
}

// EventSource is fed a subscription (effectively a queue of outgoing
// messages) for each client that connects to an event server.
type EventSource func(ctx context.Context, subscribe func(event any) error)

// NewEventServer creates a server where each client connection receives a
// push stream of events produced by source until the client disconnects or
// the server stops.
func NewEventServer(socketPath string, source EventSource) (*Server, error) {
	l, err := listen(socketPath)
	if err != nil {
		return nil, err
	}
	s := &Server{path: socketPath, listener: l, quit: make(chan struct{})}
	s.onConn = func(ctx context.Context, conn *Conn) {
		defer conn.Close()
		source(ctx, func(event any) error {
			return conn.WriteMessage(event)
		})
	}
	return s, nil
}

// Serve runs the accept loop until ctx is cancelled or Stop is called. It
// blocks, so callers typically run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				_ = s.conns.Wait()
				return nil
			default:
				return fmt.Errorf("ipc: accept on %s: %w", s.path, err)
			}
		}

		s.conns.Go(func() error {
			s.onConn(ctx, NewConn(conn))
			return nil
		})
	}
}

// Stop closes the listener, unblocking Serve once in-flight connections
// drain.
func (s *Server) Stop() {
	select {
	case <-s.quit:
		return
	default:
		close(s.quit)
	}
	_ = s.listener.Close()
	_ = os.Remove(s.path)
}
