// Package queueserver implements queue coordination over the network: a
// standalone endpoint that buffers incoming storage requests and writes them
// on a single goroutine, plus the sender that storage clients embed.
//
// The package focuses on:
//   - Decoupling many writers from one storage service across process
//     boundaries
//   - Flow control over the wire: senders ask for buffer room before they
//     ship data, a full endpoint blocks them inside Store
//   - Clean shutdown: the DONE sentinel closes the endpoint after the
//     buffered requests are written
//
// Key Components:
//   - Server: the endpoint. Accepts SPACE, DATA, PING and DONE messages over
//     the framed transport and applies buffered requests through the shared
//     writer core in lib/coord.
//   - Sender: the client-side storage service. Store polls SPACE until the
//     endpoint reports room, ships DATA and returns once the endpoint
//     answers STORING.
//
// The wire encoding is pluggable (json, gob or binary, see rpc/serializer)
// and must be configured identically on both sides.
//
// Usage Example (endpoint):
//
//	server, err := queueserver.New(common.QueueConfig{
//		Endpoint:   "tcp://0.0.0.0:22334",
//		Serializer: "binary",
//		BufferSize: 100,
//	}, service)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := server.Serve(); err != nil {
//		log.Fatal(err)
//	}
//
// Usage Example (sender):
//
//	sender, err := queueserver.NewSender(common.ClientConfig{
//		Endpoint: "tcp://10.0.0.5:22334",
//	}, "binary")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sender.Disconnect()
//
//	err = sender.Store(storage.NewStoreRequest("result", "run-42", payload, nil, nil))
//
// Thread Safety: the Server runs one handler goroutine per connection and a
// single writer goroutine; the buffer channel is the only shared state. The
// Sender is safe for concurrent use.
package queueserver
