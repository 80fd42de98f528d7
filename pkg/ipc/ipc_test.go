package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempSocket(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.sock")
}

func TestRequestServerRoundTrip(t *testing.T) {
	sock := tempSocket(t)

	srv, err := NewRequestServer(sock, func(ctx context.Context, env Envelope) (any, error) {
		assert.Equal(t, "ping", env.Subject)
		return map[string]string{"pong": "ok"}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Stop()

	waitForFile(t, sock)

	reply, err := DialRequest(context.Background(), sock, "ping", nil)
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Contains(t, string(reply.Body), "pong")
}

func TestRequestServerSocketPermissions(t *testing.T) {
	sock := tempSocket(t)
	srv, err := NewRequestServer(sock, func(ctx context.Context, env Envelope) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	defer srv.Stop()

	info, err := os.Stat(sock)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMessageTooLargeRejected(t *testing.T) {
	sock := tempSocket(t)

	called := false
	srv, err := NewFireForgetServer(sock, func(ctx context.Context, env Envelope) {
		called = true
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)
	defer srv.Stop()

	waitForFile(t, sock)

	rawConn := dialRaw(t, sock)
	defer rawConn.Close()

	oversized := strings.Repeat("a", maxMessageBytes+1)
	_, werr := rawConn.Write([]byte(oversized))
	require.NoError(t, werr)
	rawConn.Close()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, called, "oversized message must never reach the handler")
}

func dialRaw(t *testing.T, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	return conn
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s was never created", path)
}
