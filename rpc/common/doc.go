// Package common provides the data structures and utilities shared by the
// client and server sides of airlock's wire protocols.
//
// The package focuses on:
//   - The line-based lock protocol (requests and replies as text)
//   - The Message protocol of the queue endpoint
//   - Configuration structures for the servers and clients
//   - Endpoint parsing and the logging setup
//
// Key Components:
//
//   - LockRequest / LockReply: one line of the lock protocol each, with
//     Encode/Parse pairs. The separator is ":::", so lock names must not
//     contain it.
//
//   - Message: the queue endpoint's protocol unit for requests and
//     responses, with factory methods for every message type. Only MsgTData
//     carries a storage request.
//
//   - ServerConfig / QueueConfig / ClientConfig: configuration of the lock
//     server, the queue endpoint and the clients, with the shared defaults.
//
//   - ParseEndpoint: turns "tcp://host:port", "unix:///path" or a bare
//     "host:port" into a network/address pair.
//
//   - CreateLogger / InitLoggers: the logger factory behind every package's
//     Logger variable, with one consistent format.
package common
