// Package transport implements the framed request/reply transport under the
// queue endpoint: length-prefixed frames with a request ID, carried over TCP
// or Unix sockets.
//
// The package focuses on:
//   - A minimal wire format: 4-byte length, 8-byte request ID, payload
//   - Reliability on the client side: reply timeout, reconnect, resend with
//     the same request ID, and skipping of stale replies
//   - A server loop that owns its connections and can be stopped by a
//     handler (DONE sentinel) or from outside
//
// Key Components:
//
//   - Client: reliable single-connection request/reply client. One request
//     is in flight at a time; requests are serialized.
//
//   - Server: accepts connections and calls a HandleFunc per request frame.
//
//   - HandleFunc: the request handler; its done return stops the server
//     after the reply is written.
//
// The lock protocol does NOT use this package, it speaks newline-terminated
// text directly (see rpc/lockserver).
package transport
