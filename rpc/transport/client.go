package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/airlock-lab/airlock/rpc/common"
)

var (
	metricClientReconnects = metrics.NewCounter("airlock_transport_client_reconnects_total")
	metricClientRetries    = metrics.NewCounter("airlock_transport_client_retries_total")
)

// Client is a reliable single-connection request/reply client. One request is
// in flight at a time; when a reply does not arrive within the deadline the
// client reconnects and resends with the same request ID, bounded by the
// configured retry count. Replies for older request IDs (late arrivals after
// a resend) are skipped.
type Client struct {
	config  common.ClientConfig
	network string
	address string

	mu            sync.Mutex // serializes Send and guards conn
	conn          net.Conn
	nextRequestID atomic.Uint64
	readBuf       []byte
}

// NewClient creates the client and establishes the initial connection.
func NewClient(config common.ClientConfig) (*Client, error) {
	network, address, err := common.ParseEndpoint(config.Endpoint)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:  config,
		network: network,
		address: address,
		readBuf: make([]byte, 64*1024),
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}

	Logger.Infof("Connected to %s via %s", address, network)
	return c, nil
}

// Send transmits one request and blocks for its reply.
//
// Thread-safety: safe for concurrent use, requests are serialized.
func (c *Client) Send(req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The request ID stays stable across resends so a late reply to an
	// earlier attempt still matches.
	requestID := c.nextRequestID.Add(1)

	var lastErr error

	maxRetries := c.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	backoffMs := 50
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			metricClientRetries.Inc()
		}

		data, err := c.sendOnce(requestID, req)
		if err == nil {
			return data, nil
		}
		lastErr = err
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, maxRetries, err)

		if i < maxRetries-1 {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			time.Sleep(time.Duration(jitter) * time.Millisecond)
			backoffMs *= 2

			if err := c.reconnect(); err != nil {
				Logger.Warningf("Reconnect to %s failed: %v", c.address, err)
			}
		}
	}

	return nil, fmt.Errorf("failed to send request after %d attempts: %v", maxRetries, lastErr)
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sendOnce performs one write/read round trip. The caller holds c.mu.
func (c *Client) sendOnce(requestID uint64, req []byte) ([]byte, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("connection is closed")
	}

	timeout := c.config.Timeout()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
	}
	if err := WriteFrame(c.conn, requestID, req); err != nil {
		return nil, err
	}

	for {
		if timeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return nil, err
			}
		}

		gotID, data, err := ReadFrame(c.conn, c.readBuf)
		if err != nil {
			return nil, err
		}
		if gotID != requestID {
			// late reply to a resent request, drop it
			Logger.Warningf("Skipping stale reply for request %d (waiting for %d)", gotID, requestID)
			continue
		}

		// the read buffer is reused, hand out a copy
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
}

// reconnect establishes or restores the connection. The caller holds c.mu
// (or is the constructor).
func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		metricClientReconnects.Inc()
	}

	conn, err := net.Dial(c.network, c.address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", c.address, err)
	}
	tuneConn(conn)

	c.conn = conn
	return nil
}

// tuneConn applies the socket settings for request/reply traffic.
func tuneConn(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	// small frames should go out immediately
	tcpConn.SetNoDelay(true)
	tcpConn.SetKeepAlive(true)
	tcpConn.SetKeepAlivePeriod(30 * time.Second)
}
