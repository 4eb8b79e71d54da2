package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/airlock-lab/airlock/rpc/common"
)

// HandleFunc processes one request payload and returns the reply payload.
// A true done return tells the server to shut down gracefully after the
// reply went out (the protocol's DONE/CLOSED handshake).
type HandleFunc func(req []byte) (resp []byte, done bool)

// Server accepts framed connections and answers one request at a time per
// connection. Handlers run on the connection's goroutine: the strict
// read-handle-reply cycle is what makes the endpoint's flow control
// (SPACE before DATA) meaningful.
type Server struct {
	endpoint string
	timeout  time.Duration
	handler  HandleFunc

	closing atomic.Bool
	wg      sync.WaitGroup

	mu       sync.Mutex // guards listener and conns
	listener net.Listener
	conns    map[net.Conn]struct{}

	bufferPool *sync.Pool
}

const serverBufferSize = 64 * 1024

// NewServer creates a server for the given endpoint. A timeoutSecond of zero
// lets connections idle indefinitely between requests.
func NewServer(endpoint string, timeoutSecond int, handler HandleFunc) *Server {
	return &Server{
		endpoint: endpoint,
		timeout:  time.Duration(timeoutSecond) * time.Second,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, serverBufferSize)
			},
		},
	}
}

// Serve listens and accepts until Shutdown is called (or a handler signals
// done). It returns after all connection handlers finished.
func (s *Server) Serve() error {
	network, address, err := common.ParseEndpoint(s.endpoint)
	if err != nil {
		return err
	}

	if network == "unix" {
		// Remove existing socket file if it exists
		if err := os.RemoveAll(address); err != nil {
			return fmt.Errorf("failed to remove existing socket: %v", err)
		}
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("failed to create %s listener: %v", network, err)
	}

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	Logger.Infof("Starting %s server on %s", network, address)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() {
				break
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}
		tuneConn(conn)

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}

	s.wg.Wait()
	return nil
}

// Shutdown stops accepting, closes all connections and waits for the
// handlers to return.
func (s *Server) Shutdown() {
	s.beginShutdown()
	s.wg.Wait()
}

// Addr returns the bound address once Serve has created the listener. Tests
// use it to reach servers listening on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// beginShutdown closes the listener and the open connections without waiting.
func (s *Server) beginShutdown() {
	if s.closing.Swap(true) {
		return
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
}

// handleConnection answers requests for one connection until it closes.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if s.timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
				Logger.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		buf := s.bufferPool.Get().([]byte)
		requestID, data, err := ReadFrame(conn, buf)
		if err != nil {
			s.bufferPool.Put(buf)
			if err == io.EOF {
				Logger.Infof("Connection closed by client")
			} else if !s.closing.Load() {
				Logger.Errorf("Error reading request: %v", err)
			}
			return
		}

		start := time.Now()
		resp, done := s.handler(data)
		Logger.Debugf("Processed request %d in %s", requestID, time.Since(start))
		s.bufferPool.Put(buf)

		if s.timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
				Logger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}
		if err := WriteFrame(conn, requestID, resp); err != nil {
			Logger.Errorf("Failed to write response: %v", err)
			return
		}

		if done {
			Logger.Infof("Handler requested shutdown, closing server")
			s.beginShutdown()
			return
		}
	}
}
