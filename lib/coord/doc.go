// Package coord provides the coordination strategies that make a
// non-thread-safe storage service shareable by a fleet of workers. Every
// strategy presents the same storage.Service façade while guaranteeing at
// most one in-flight call against the underlying service.
//
// The package focuses on:
//   - Lock coordination: acquire/release around every call, the only variant
//     that keeps the synchronous contract (and therefore Load)
//   - Queue coordination: producers push onto a bounded queue, one dedicated
//     writer owns the service
//   - Pipe coordination: the queue pattern over a raw byte channel, with
//     chunked, acknowledged framing for multi-megabyte payloads
//   - Reference coordination: deferred writes collected in memory and
//     drained in one explicit batch
//
// Key Components:
//
//   - LockCoordinator: wraps a service and a locker.ILocker. Acquire is a
//     no-op while the lock is held, release is withheld while the service
//     keeps a resource open, and teardown can force the release.
//
//   - QueueSender / QueueWriter: the bounded in-process FIFO pair. A full
//     queue blocks the producers, the done sentinel stops the writer after
//     pending work.
//
//   - PipeSender / PipeWriter: chunked stop-and-wait transfers over any
//     duplex byte channel, reassembled into requests on the writer side and
//     buffered under a configurable bound.
//
//   - ReferenceWrapper / ReferenceStore: per-resource in-memory batches and
//     the explicit drain that writes them.
//
//   - Applier: the shared single-owner write loop core (lazy resource
//     open/close, flush after every request, collection cadence, poison
//     tolerance) used by the queue writer, the pipe writer, the reference
//     store and the network queue endpoint.
//
// Usage Example:
//
//	service := memstore.New()
//	sender, writer := coord.NewQueuePair(service, 100, 0)
//	go writer.Run()
//
//	sender.Store(storage.NewStoreRequest("result", "trajectory_1", payload, nil, nil))
//	sender.SendDone()
//	<-writer.Stopped()
//
// Thread Safety:
//
//	Senders and wrappers are safe for concurrent use. Writers and the
//	Applier belong to exactly one goroutine. A LockCoordinator belongs to
//	one worker, see its documentation.
package coord
