// Package rpc holds the network side of airlock: the protocols, servers and
// clients that let workers coordinate across process and host boundaries.
//
// The package is organized into several subpackages:
//
//   - common: What both sides of the wire share, including the line-based
//     lock protocol, the queue Message protocol, endpoint parsing,
//     configuration structures and logging.
//
//   - transport: The framed request/reply transport of the queue endpoint
//     (length-prefixed frames over TCP or Unix sockets) with a reliable
//     reconnect-and-resend client.
//
//   - serializer: Message serialization with multiple format options
//     (Binary, JSON, GOB) for converting between Message objects and byte
//     arrays.
//
//   - lockserver: The lock server, plain and lease-timeout variants, holding
//     the lock table on a single goroutine.
//
//   - lockclient: The lock client implementing locker.ILocker over the text
//     protocol, with fork detection and safe resend semantics.
//
//   - queueserver: The queue endpoint and its sender, queue coordination
//     over the network with SPACE/DATA flow control.
package rpc
