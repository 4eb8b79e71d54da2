package lockserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/airlock-lab/airlock/lib/clock"
	"github.com/airlock-lab/airlock/lib/queue"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lockserver")

var (
	metricAcquires       = metrics.NewCounter("airlock_lock_acquires_total")
	metricWaits          = metrics.NewCounter("airlock_lock_waits_total")
	metricReleases       = metrics.NewCounter("airlock_lock_releases_total")
	metricTakeovers      = metrics.NewCounter("airlock_lock_takeovers_total")
	metricProtocolErrors = metrics.NewCounter("airlock_lock_protocol_errors_total")
)

// writeTimeout bounds how long a reply write may block on a slow client.
const writeTimeout = time.Duration(common.DefaultTimeoutSecond) * time.Second

// --------------------------------------------------------------------------
// Lock Table Types
// --------------------------------------------------------------------------

// lease is one granted lock.
type lease struct {
	ClientID   string
	RequestID  string
	AcquiredAt time.Duration // clock reading at grant time
}

// expiredLease remembers a takeover so the ousted client gets a useful
// RELEASE_ERROR instead of a generic one.
type expiredLease struct {
	HeldFor     time.Duration
	TakenOverBy string
}

// command carries one request to the table goroutine and its reply back.
type command struct {
	req   *common.LockRequest
	reply chan common.LockReply
}

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server grants named locks over the line protocol. All lock table state is
// owned by a single goroutine; connection handlers feed it through a
// multi-producer queue and never touch the table themselves.
//
// With a zero lease timeout grants never expire. With a positive one a lock
// whose lease is older than the timeout can be taken over by the next
// LOCK request, which is what keeps a crashed holder from blocking everyone
// forever.
type Server struct {
	config common.ServerConfig
	clk    clock.Clock

	commands *queue.MPSC[command]
	stopped  chan struct{} // closed when the table goroutine exits

	closing atomic.Bool
	wg      sync.WaitGroup

	mu       sync.Mutex // guards listener and conns
	listener net.Listener
	conns    map[net.Conn]struct{}

	// Owned by the table goroutine after Serve starts.
	table     map[string]lease
	expired   map[string]expiredLease
	evictions *queue.ExpiryHeap
	expirySeq uint64
}

// New creates a lock server for the given configuration.
func New(config common.ServerConfig) *Server {
	return NewWithClock(config, clock.New())
}

// NewWithClock creates a lock server with an injected time source. Tests use
// a manual clock to drive lease expiry deterministically.
func NewWithClock(config common.ServerConfig, clk clock.Clock) *Server {
	return &Server{
		config:    config,
		clk:       clk,
		commands:  queue.NewMPSC[command](),
		stopped:   make(chan struct{}),
		conns:     make(map[net.Conn]struct{}),
		table:     make(map[string]lease),
		expired:   make(map[string]expiredLease),
		evictions: queue.NewExpiryHeap(),
	}
}

// Serve listens and accepts until Shutdown is called or a client sends DONE.
// It returns after the table goroutine and all connection handlers finished.
func (s *Server) Serve() error {
	network, address, err := common.ParseEndpoint(s.config.Endpoint)
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

	go s.tableLoop()

	if s.config.LeaseTimeout > 0 {
		Logger.Infof("Starting %s lock server on %s (lease timeout %v)", network, address, s.config.LeaseTimeout)
	} else {
		Logger.Infof("Starting %s lock server on %s", network, address)
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() {
				break
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}

	s.commands.Close()
	<-s.stopped
	s.wg.Wait()
	return nil
}

// Shutdown stops the server and waits for the connection handlers to return.
func (s *Server) Shutdown() {
	s.beginShutdown()
	s.wg.Wait()
}

// Addr returns the bound address once Serve has created the listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// --------------------------------------------------------------------------
// Connection Handling
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

// handleConnection answers request lines for one connection until it closes.
// There is deliberately no read deadline: a client parked on WAIT polls in
// its own time, and a client holding a lock goes quiet while it works.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				Logger.Debugf("Connection closed by client")
			} else if !s.closing.Load() {
				Logger.Errorf("Error reading request line: %v", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		reply, done := s.handleLine(line)

		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			Logger.Errorf("Failed to set write deadline: %v", err)
			return
		}
		if _, err := conn.Write([]byte(reply.Encode() + "\n")); err != nil {
			Logger.Errorf("Failed to write reply: %v", err)
			return
		}

		if done {
			Logger.Infof("Received shutdown request, closing lock server")
			s.beginShutdown()
			return
		}
	}
}

// handleLine parses one request line and runs it through the table goroutine.
func (s *Server) handleLine(line string) (common.LockReply, bool) {
	req, err := common.ParseLockRequest(line)
	if err != nil {
		metricProtocolErrors.Inc()
		Logger.Warningf("Rejected request line %q: %v", line, err)
		return common.LockReply{Code: common.ReplyMsgError, Detail: err.Error()}, false
	}

	cmd := &command{req: req, reply: make(chan common.LockReply, 1)}
	if !s.commands.Push(cmd) {
		return common.LockReply{Code: common.ReplyMsgError, Detail: "server is shutting down"}, false
	}

	select {
	case reply := <-cmd.reply:
		return reply, req.Verb == common.VerbDone
	case <-s.stopped:
		// the table goroutine is gone, the reply may or may not have made it
		select {
		case reply := <-cmd.reply:
			return reply, req.Verb == common.VerbDone
		default:
			return common.LockReply{Code: common.ReplyMsgError, Detail: "server is shutting down"}, false
		}
	}
}

// --------------------------------------------------------------------------
// Lock Table (single goroutine)
// --------------------------------------------------------------------------

// tableLoop applies commands to the lock table one at a time.
func (s *Server) tableLoop() {
	defer close(s.stopped)

	for cmd := range s.commands.Recv() {
		cmd.reply <- s.apply(cmd.req)
	}
}

func (s *Server) apply(req *common.LockRequest) common.LockReply {
	switch req.Verb {
	case common.VerbPing:
		return common.LockReply{Code: common.ReplyPong}
	case common.VerbDone:
		return common.LockReply{Code: common.ReplyClosed}
	case common.VerbLock:
		return s.applyLock(req)
	case common.VerbUnlock:
		return s.applyUnlock(req)
	default:
		metricProtocolErrors.Inc()
		return common.LockReply{Code: common.ReplyMsgError, Detail: fmt.Sprintf("unknown verb %q", req.Verb)}
	}
}

func (s *Server) applyLock(req *common.LockRequest) common.LockReply {
	cur, held := s.table[req.Name]

	if !held {
		s.grant(req)
		return common.LockReply{Code: common.ReplyGo}
	}

	if cur.ClientID == req.ClientID {
		// Either a resent LOCK whose grant reply got lost (the client treats
		// this error as success) or a genuine double acquire.
		return common.LockReply{
			Code:   common.ReplyLockError,
			Detail: fmt.Sprintf("lock %q is already held by client %q", req.Name, req.ClientID),
		}
	}

	if s.config.LeaseTimeout > 0 {
		if age := s.clk.Elapsed() - cur.AcquiredAt; age >= s.config.LeaseTimeout {
			s.expire(req.Name, cur, age, req.ClientID)
			s.grant(req)
			metricTakeovers.Inc()
			Logger.Warningf("Lease on %q held by client %q expired after %v, granting to client %q",
				req.Name, cur.ClientID, age, req.ClientID)
			return common.LockReply{Code: common.ReplyGo}
		}
	}

	metricWaits.Inc()
	return common.LockReply{Code: common.ReplyWait}
}

func (s *Server) applyUnlock(req *common.LockRequest) common.LockReply {
	cur, held := s.table[req.Name]

	if held && cur.ClientID == req.ClientID {
		delete(s.table, req.Name)
		metricReleases.Inc()
		Logger.Debugf("Client %q released lock %q", req.ClientID, req.Name)
		return common.LockReply{Code: common.ReplyReleased}
	}

	// A missing or foreign lease may be the aftermath of a takeover, in
	// which case the ousted client deserves the full story.
	if exp, ok := s.expired[expiredKey(req.Name, req.ClientID)]; ok {
		return common.LockReply{
			Code: common.ReplyReleaseError,
			Detail: fmt.Sprintf("lease on %q expired after %v and was taken over by client %q",
				req.Name, exp.HeldFor, exp.TakenOverBy),
		}
	}

	if held {
		return common.LockReply{
			Code:   common.ReplyReleaseError,
			Detail: fmt.Sprintf("lock %q is held by client %q, not %q", req.Name, cur.ClientID, req.ClientID),
		}
	}
	return common.LockReply{
		Code:   common.ReplyReleaseError,
		Detail: fmt.Sprintf("lock %q is not held", req.Name),
	}
}

// grant hands the lock to the requesting client and clears any stale expiry
// record the same client may have for it.
func (s *Server) grant(req *common.LockRequest) {
	s.table[req.Name] = lease{
		ClientID:   req.ClientID,
		RequestID:  req.RequestID,
		AcquiredAt: s.clk.Elapsed(),
	}
	metricAcquires.Inc()
	Logger.Debugf("Client %q acquired lock %q (request %s)", req.ClientID, req.Name, req.RequestID)

	key := expiredKey(req.Name, req.ClientID)
	if _, ok := s.expired[key]; ok {
		s.evictions.Remove(key)
		delete(s.expired, key)
	}
}

// expire records a takeover in the bounded history table.
func (s *Server) expire(name string, cur lease, age time.Duration, takenOverBy string) {
	key := expiredKey(name, cur.ClientID)
	s.expirySeq++
	s.evictions.Set(key, s.expirySeq)
	s.expired[key] = expiredLease{HeldFor: age, TakenOverBy: takenOverBy}

	limit := s.config.ExpiredHistory
	if limit <= 0 {
		limit = common.DefaultExpiredHistory
	}
	for s.evictions.Len() > limit {
		oldest, _, ok := s.evictions.Peek()
		if !ok {
			break
		}
		s.evictions.Remove(oldest)
		delete(s.expired, oldest)
	}
}

// expiredKey identifies a takeover victim's lease in the history table.
func expiredKey(name, clientID string) string {
	return name + common.Separator + clientID
}
