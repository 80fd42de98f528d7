package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// maxMessageBytes bounds a single JSON line. Mirrors the 5 MiB cap the
// original transport enforced on its receive buffer.
const maxMessageBytes = 5 * 1024 * 1024

// ErrMessageTooLarge is returned when a peer sends a line longer than
// maxMessageBytes without a newline terminator.
var ErrMessageTooLarge = fmt.Errorf("ipc: message exceeds %d bytes", maxMessageBytes)

// Conn wraps a net.Conn with newline-delimited JSON framing. It is not safe
// for concurrent use by multiple goroutines on the same direction (one
// reader, one writer is fine).
type Conn struct {
	raw     net.Conn
	scanner *bufio.Scanner
}

// NewConn wraps raw in the line-delimited JSON framing used by every IPC
// socket.
func NewConn(raw net.Conn) *Conn {
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 4096), maxMessageBytes)
	return &Conn{raw: raw, scanner: scanner}
}

// ReadMessage reads the next newline-terminated JSON message and unmarshals
// it into v. Returns (false, nil) when the peer has disconnected cleanly,
// ErrMessageTooLarge for a message over the size limit, and (true, nil)
// without touching v for an empty line.
func (c *Conn) ReadMessage(v any) (bool, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return false, ErrMessageTooLarge
			}
			return false, err
		}
		return false, nil
	}

	line := c.scanner.Bytes()
	if len(line) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(line, v); err != nil {
		return false, fmt.Errorf("ipc: decoding message: %w", err)
	}
	return true, nil
}

// WriteMessage marshals v and writes it as one newline-terminated line.
func (c *Conn) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: encoding message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.raw.Write(data); err != nil {
		return fmt.Errorf("ipc: writing message: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
