// Package ipc implements the control plane's local transport: newline
// delimited JSON messages over Unix domain sockets.
//
// Every socket speaks the same framing (see Conn): one JSON object per
// line, capped at maxMessageBytes. Three usage roles sit on top of that
// framing and map to three server constructors:
//
//   - Request/response (NewRequestServer): the client sends one message and
//     blocks for exactly one reply.
//   - Fire-and-forget (NewFireForgetServer): the client sends a message and
//     disconnects; the server never replies.
//   - Event stream (NewEventServer): the server pushes a sequence of
//     messages to a long-lived client connection.
//
// All three share the same accept loop and connection bookkeeping; they
// differ only in how a Handler is invoked per message.
package ipc
