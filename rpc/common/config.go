package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	// DefaultLockEndpoint is where the lock server listens unless told otherwise.
	DefaultLockEndpoint = "tcp://127.0.0.1:7777"
	// DefaultQueueEndpoint is where the queue endpoint listens unless told otherwise.
	DefaultQueueEndpoint = "tcp://127.0.0.1:22334"

	// DefaultTimeoutSecond is the per-attempt reply deadline of the clients.
	DefaultTimeoutSecond = 5
	// DefaultRetryCount bounds reconnect-and-resend attempts of the clients.
	DefaultRetryCount = 3
	// DefaultPollInterval is how long clients sleep between WAIT or
	// SPACE_NOT_AVAILABLE polls.
	DefaultPollInterval = 10 * time.Millisecond

	// DefaultExpiredHistory bounds the recently-expired lease table of the
	// timeout lock server.
	DefaultExpiredHistory = 1000
)

// --------------------------------------------------------------------------
// Lock server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of the lock server.
type ServerConfig struct {
	// Endpoint the server listens on (tcp:// or unix://)
	Endpoint string

	// LeaseTimeout selects the server variant: zero runs the plain server
	// whose grants never expire, a positive duration runs the timeout server
	// that allows takeover of leases older than this.
	LeaseTimeout time.Duration

	// ExpiredHistory caps the recently-expired lease table (timeout variant)
	ExpiredHistory int

	// MetricsEndpoint serves Prometheus text format when set ("" = disabled)
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Lock Server")
	addField("Endpoint", c.Endpoint)
	if c.LeaseTimeout > 0 {
		addField("Variant", "timeout")
		addField("Lease Timeout", c.LeaseTimeout.String())
		addField("Expired History", strconv.Itoa(c.ExpiredHistory))
	} else {
		addField("Variant", "plain")
	}

	addSection("Observability")
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	} else {
		addField("Metrics Endpoint", "disabled")
	}
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Queue endpoint configuration struct
// --------------------------------------------------------------------------

// QueueConfig holds all configuration parameters of the queue endpoint.
type QueueConfig struct {
	// Endpoint the server listens on (tcp:// or unix://)
	Endpoint string

	// Serializer selects the wire encoding: json, gob or binary
	Serializer string

	// BufferSize caps buffered requests awaiting the writer (flow control)
	BufferSize int

	// GCInterval triggers a garbage collection pass every n applied
	// requests (0 = disabled)
	GCInterval int

	// MetricsEndpoint serves Prometheus text format when set ("" = disabled)
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *QueueConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Queue Endpoint")
	addField("Endpoint", c.Endpoint)
	addField("Serializer", c.Serializer)
	addField("Buffer Size", strconv.Itoa(c.BufferSize))
	addField("GC Interval", strconv.Itoa(c.GCInterval))

	addSection("Observability")
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	} else {
		addField("Metrics Endpoint", "disabled")
	}
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds the parameters shared by the lock client and the queue
// sender.
type ClientConfig struct {
	Endpoint      string
	TimeoutSecond int
	RetryCount    int
	PollInterval  time.Duration
}

// Timeout returns the per-attempt reply deadline as a duration.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Poll Interval", c.PollInterval.String())

	return sb.String()
}
