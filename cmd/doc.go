// Package cmd implements the command-line interface of airlock. It provides
// a hierarchical command structure with operations for running the servers
// and interacting with them as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring the lock server
//   - queue: Commands for starting and configuring the queue endpoint
//   - lock: Client commands against a running lock server (acquire, release, ping, done)
//   - bench: Performance testing against running servers
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See airlock -help for a list of all commands.
package cmd
