// Package lockserver implements the lock server side of the coordination
// layer. It grants named locks to remote clients over a line based text
// protocol and is what a pool of workers synchronizes on when they share one
// storage resource.
//
// The package focuses on:
//   - Serialized lock table access: one goroutine owns the table, connection
//     handlers queue requests to it and never touch shared state
//   - Polling instead of parking: a busy lock answers WAIT and the client
//     retries, so a dead client can never strand a wait queue
//   - Optional lease expiry: with a positive lease timeout, abandoned locks
//     are taken over by the next requester instead of blocking forever
//
// Protocol:
//
// Requests are newline terminated lines. LOCK and UNLOCK carry the lock
// name, the client ID and a request ID joined by ":::", PING and DONE are
// bare verbs:
//
//	LOCK:::result_store:::host__4711__ab12:::f3a9c801
//	UNLOCK:::result_store:::host__4711__ab12:::f3a9c802
//	PING
//	DONE
//
// Every request gets exactly one reply line:
//
//	GO              lock granted
//	WAIT            lock held by someone else, ask again
//	RELEASED        lock released
//	LOCK_ERROR:...  acquire refused (for example, already held by you)
//	RELEASE_ERROR:...  release refused (not held, or held by someone else)
//	MSG_ERROR:...   request line not understood
//	PONG            answer to PING
//	CLOSED          answer to DONE, the server shuts down afterwards
//
// The request ID is chosen by the client and stays stable when a request is
// resent after a transport failure. A client that resent a LOCK and then
// reads LOCK_ERROR saying it already holds the lock knows the first attempt
// got through.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  Endpoint:     "tcp://127.0.0.1:7777",
//	  LeaseTimeout: 30 * time.Second,
//	  LogLevel:     "info",
//	}
//
//	s := lockserver.New(config)
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Lock server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server handles any number of concurrent connections. Lock table
//	mutations are serialized through a single owner goroutine, so the
//	protocol's grant decisions are strictly ordered. Serve should be called
//	only once.
package lockserver
