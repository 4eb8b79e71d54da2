// Package lockclient implements the client side of the lock protocol. A
// Client is a locker.ILocker bound to one named lock on one server, safe to
// hand to a worker that acquires and releases around its storage operations.
//
// The client is deliberately conservative about the network: it connects
// lazily (a client created before workers spawn must not smuggle a shared
// socket across a fork), it re-checks the process identity before every
// operation and reconnects when the pid changed, and when a reply gets lost
// it reconnects and resends the same request. A LOCK_ERROR or RELEASE_ERROR
// that arrives after a resend is treated as success: it means the first
// attempt got through and the reply, not the request, was lost.
package lockclient

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/airlock-lab/airlock/lib/ident"
	"github.com/airlock-lab/airlock/lib/locker"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lockclient")

var (
	metricReconnects = metrics.NewCounter("airlock_lock_client_reconnects_total")
	metricResends    = metrics.NewCounter("airlock_lock_client_resends_total")
	metricForks      = metrics.NewCounter("airlock_lock_client_forks_total")
)

// Client acquires and releases one named lock on a lock server.
//
// Thread-safety: safe for concurrent use, operations are serialized. The
// usual deployment gives every worker its own Client.
type Client struct {
	config   common.ClientConfig
	lockName string
	network  string
	address  string

	provider ident.IProvider
	suffix   string // distinguishes clients within one process

	mu       sync.Mutex // serializes operations and guards the fields below
	identity ident.Identity
	clientID string
	conn     net.Conn
	reader   *bufio.Reader
}

var _ locker.ILocker = (*Client)(nil)

// NewClient creates a client for the named lock. No connection is made until
// the first operation.
func NewClient(config common.ClientConfig, lockName string) (*Client, error) {
	return NewClientWithProvider(config, lockName, ident.System())
}

// NewClientWithProvider creates a client with an injected identity provider.
// Tests use a manual provider to simulate forks.
func NewClientWithProvider(config common.ClientConfig, lockName string, provider ident.IProvider) (*Client, error) {
	if err := common.ValidateLockName(lockName); err != nil {
		return nil, err
	}
	if config.Endpoint == "" {
		config.Endpoint = common.DefaultLockEndpoint
	}
	network, address, err := common.ParseEndpoint(config.Endpoint)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:   config,
		lockName: lockName,
		network:  network,
		address:  address,
		provider: provider,
		suffix:   uuid.New().String()[:8],
	}, nil
}

// LockName returns the name of the lock this client is bound to.
func (c *Client) LockName() string {
	return c.lockName
}

// --------------------------------------------------------------------------
// Interface Methods (docu see locker.ILocker)
// --------------------------------------------------------------------------

// Acquire blocks until the lock is granted, polling while it is held
// elsewhere.
func (c *Client) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	requestID := uuid.New().String()

	for {
		c.ensureIdentity()
		line := common.NewLockRequest(c.lockName, c.clientID, requestID).Encode()

		reply, resent, err := c.roundTrip(line)
		if err != nil {
			return err
		}

		switch reply.Code {
		case common.ReplyGo:
			return nil

		case common.ReplyWait:
			time.Sleep(c.pollInterval())

		case common.ReplyLockError:
			if resent {
				// the lost reply was the grant
				Logger.Debugf("Treating LOCK_ERROR after a resend as granted: %s", reply.Detail)
				return nil
			}
			return fmt.Errorf("lock server refused to grant %q: %s", c.lockName, reply.Detail)

		case common.ReplyMsgError:
			return fmt.Errorf("lock server rejected the request: %s", reply.Detail)

		default:
			return fmt.Errorf("unexpected reply %q while acquiring %q", reply.Code, c.lockName)
		}
	}
}

// Release gives the lock back.
func (c *Client) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	requestID := uuid.New().String()

	c.ensureIdentity()
	line := common.NewUnlockRequest(c.lockName, c.clientID, requestID).Encode()

	reply, resent, err := c.roundTrip(line)
	if err != nil {
		return err
	}

	switch reply.Code {
	case common.ReplyReleased:
		return nil

	case common.ReplyReleaseError:
		if resent {
			// the lost reply was the release confirmation
			Logger.Debugf("Treating RELEASE_ERROR after a resend as released: %s", reply.Detail)
			return nil
		}
		return fmt.Errorf("lock server refused to release %q: %s", c.lockName, reply.Detail)

	case common.ReplyMsgError:
		return fmt.Errorf("lock server rejected the request: %s", reply.Detail)

	default:
		return fmt.Errorf("unexpected reply %q while releasing %q", reply.Code, c.lockName)
	}
}

// --------------------------------------------------------------------------
// Control Operations
// --------------------------------------------------------------------------

// Ping checks that the server answers.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureIdentity()
	reply, _, err := c.roundTrip(common.VerbPing)
	if err != nil {
		return err
	}
	if reply.Code != common.ReplyPong {
		return fmt.Errorf("unexpected ping reply %q", reply.Code)
	}
	return nil
}

// SendDone asks the server to shut down.
func (c *Client) SendDone() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureIdentity()
	reply, _, err := c.roundTrip(common.VerbDone)
	if err != nil {
		return err
	}
	if reply.Code != common.ReplyClosed {
		return fmt.Errorf("unexpected shutdown reply %q", reply.Code)
	}
	return nil
}

// Close drops the connection. The client reconnects if it is used again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dropConn()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// ensureIdentity refreshes the cached identity and drops the connection if
// the pid changed, which means this process was forked off the one that
// opened the socket. The caller holds c.mu.
func (c *Client) ensureIdentity() {
	cur := c.provider.Current()
	if c.clientID != "" && cur.PID == c.identity.PID && cur.Host == c.identity.Host {
		return
	}

	if c.conn != nil {
		Logger.Warningf("Fork detected (pid %d -> %d), dropping the inherited connection",
			c.identity.PID, cur.PID)
		metricForks.Inc()
		c.dropConn()
	}

	c.identity = cur
	c.clientID = cur.String() + "__" + c.suffix
}

// roundTrip sends one request line and reads the reply, reconnecting and
// resending on failure. The second return value reports whether the request
// may have reached the server more than once. The caller holds c.mu.
func (c *Client) roundTrip(line string) (common.LockReply, bool, error) {
	maxRetries := c.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	// true once an earlier attempt wrote the request, meaning the server may
	// have processed it even though the reply never arrived
	sent := false
	var lastErr error

	backoffMs := 50
	for i := 0; i < maxRetries; i++ {
		if c.conn == nil {
			if err := c.reconnect(); err != nil {
				lastErr = err
				Logger.Debugf("Connect attempt %d/%d failed: %v", i+1, maxRetries, err)
				c.backoff(&backoffMs)
				continue
			}
		}

		if sent {
			metricResends.Inc()
		}

		reply, wrote, err := c.sendOnce(line)
		if err == nil {
			return reply, sent, nil
		}
		if wrote {
			sent = true
		}
		lastErr = err
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, maxRetries, err)

		c.dropConn()
		c.backoff(&backoffMs)
	}

	return common.LockReply{}, sent, fmt.Errorf("failed to reach lock server after %d attempts: %v", maxRetries, lastErr)
}

// sendOnce performs one write/read round trip. The wrote return reports
// whether the request line went out, which is what decides if a retry is a
// resend. The caller holds c.mu.
func (c *Client) sendOnce(line string) (common.LockReply, bool, error) {
	timeout := c.config.Timeout()
	if timeout <= 0 {
		timeout = time.Duration(common.DefaultTimeoutSecond) * time.Second
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return common.LockReply{}, false, err
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return common.LockReply{}, false, err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return common.LockReply{}, true, err
	}
	replyLine, err := c.reader.ReadString('\n')
	if err != nil {
		return common.LockReply{}, true, err
	}

	return common.ParseLockReply(strings.TrimRight(replyLine, "\r\n")), true, nil
}

// reconnect dials a fresh connection. The caller holds c.mu.
func (c *Client) reconnect() error {
	if c.conn != nil {
		c.dropConn()
	}

	conn, err := net.Dial(c.network, c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to lock server at %s: %v", c.address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// request lines are tiny, they must not sit in a send buffer
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	metricReconnects.Inc()

	Logger.Debugf("Connected to lock server at %s as %q", c.address, c.clientID)
	return nil
}

// dropConn closes and forgets the connection. The caller holds c.mu.
func (c *Client) dropConn() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// backoff sleeps with a small random jitter and doubles the delay.
func (c *Client) backoff(backoffMs *int) {
	jitter := float64(*backoffMs) * (0.9 + 0.2*rand.Float64())
	time.Sleep(time.Duration(jitter) * time.Millisecond)
	*backoffMs *= 2
}

// pollInterval is the sleep between WAIT polls.
func (c *Client) pollInterval() time.Duration {
	if c.config.PollInterval > 0 {
		return c.config.PollInterval
	}
	return common.DefaultPollInterval
}
