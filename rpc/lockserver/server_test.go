package lockserver

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/airlock-lab/airlock/lib/clock"
	"github.com/airlock-lab/airlock/rpc/common"
)

// startTestServer runs a server on an ephemeral port and waits for it.
func startTestServer(t *testing.T, config common.ServerConfig, clk clock.Clock) (*Server, string, chan error) {
	t.Helper()

	if config.Endpoint == "" {
		config.Endpoint = "tcp://127.0.0.1:0"
	}

	var srv *Server
	if clk != nil {
		srv = NewWithClock(config, clk)
	} else {
		srv = New(config)
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("Lock server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return srv, srv.Addr().String(), serveDone
}

// testConn is a raw protocol client for driving the server line by line.
type testConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialServer(t *testing.T, addr string) *testConn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial lock server: %v", err)
	}
	return &testConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// roundTrip sends one line and returns the reply line.
func (c *testConn) roundTrip(line string) string {
	c.t.Helper()

	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("Failed to send %q: %v", line, err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("No reply for %q: %v", line, err)
	}
	return strings.TrimRight(reply, "\n")
}

// lock/unlock build request lines the way a client would.
func lockLine(name, clientID, requestID string) string {
	return common.NewLockRequest(name, clientID, requestID).Encode()
}

func unlockLine(name, clientID, requestID string) string {
	return common.NewUnlockRequest(name, clientID, requestID).Encode()
}

func (c *testConn) close() {
	c.conn.Close()
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestLockServerGrantAndRelease(t *testing.T) {
	srv, addr, _ := startTestServer(t, common.ServerConfig{}, nil)
	defer srv.Shutdown()

	client := dialServer(t, addr)
	defer client.close()

	if got := client.roundTrip(lockLine("results", "worker-1", "r1")); got != common.ReplyGo {
		t.Fatalf("Expected GO, got %q", got)
	}
	if got := client.roundTrip(unlockLine("results", "worker-1", "r2")); got != common.ReplyReleased {
		t.Fatalf("Expected RELEASED, got %q", got)
	}
	// the lock is free again
	if got := client.roundTrip(lockLine("results", "worker-1", "r3")); got != common.ReplyGo {
		t.Fatalf("Expected GO after release, got %q", got)
	}
}

func TestLockServerMutualExclusion(t *testing.T) {
	srv, addr, _ := startTestServer(t, common.ServerConfig{}, nil)
	defer srv.Shutdown()

	alice := dialServer(t, addr)
	defer alice.close()
	bob := dialServer(t, addr)
	defer bob.close()

	if got := alice.roundTrip(lockLine("results", "alice", "a1")); got != common.ReplyGo {
		t.Fatalf("Expected GO for alice, got %q", got)
	}
	if got := bob.roundTrip(lockLine("results", "bob", "b1")); got != common.ReplyWait {
		t.Fatalf("Expected WAIT for bob, got %q", got)
	}
	if got := alice.roundTrip(unlockLine("results", "alice", "a2")); got != common.ReplyReleased {
		t.Fatalf("Expected RELEASED for alice, got %q", got)
	}
	if got := bob.roundTrip(lockLine("results", "bob", "b2")); got != common.ReplyGo {
		t.Fatalf("Expected GO for bob after release, got %q", got)
	}
}

func TestLockServerDoubleAcquire(t *testing.T) {
	srv, addr, _ := startTestServer(t, common.ServerConfig{}, nil)
	defer srv.Shutdown()

	client := dialServer(t, addr)
	defer client.close()

	if got := client.roundTrip(lockLine("results", "worker-1", "r1")); got != common.ReplyGo {
		t.Fatalf("Expected GO, got %q", got)
	}

	reply := common.ParseLockReply(client.roundTrip(lockLine("results", "worker-1", "r2")))
	if reply.Code != common.ReplyLockError {
		t.Fatalf("Expected LOCK_ERROR for a double acquire, got %q", reply.Code)
	}
	if !strings.Contains(reply.Detail, "already held") {
		t.Errorf("Expected the detail to name the double acquire, got %q", reply.Detail)
	}
}

func TestLockServerReleaseErrors(t *testing.T) {
	srv, addr, _ := startTestServer(t, common.ServerConfig{}, nil)
	defer srv.Shutdown()

	alice := dialServer(t, addr)
	defer alice.close()
	bob := dialServer(t, addr)
	defer bob.close()

	// releasing a lock nobody holds
	reply := common.ParseLockReply(alice.roundTrip(unlockLine("results", "alice", "a1")))
	if reply.Code != common.ReplyReleaseError {
		t.Fatalf("Expected RELEASE_ERROR, got %q", reply.Code)
	}
	if !strings.Contains(reply.Detail, "not held") {
		t.Errorf("Expected a not-held detail, got %q", reply.Detail)
	}

	// releasing twice: the first unlock succeeds, the second is refused
	if got := alice.roundTrip(lockLine("twice", "alice", "t1")); got != common.ReplyGo {
		t.Fatalf("Expected GO, got %q", got)
	}
	if got := alice.roundTrip(unlockLine("twice", "alice", "t2")); got != common.ReplyReleased {
		t.Fatalf("Expected RELEASED, got %q", got)
	}
	reply = common.ParseLockReply(alice.roundTrip(unlockLine("twice", "alice", "t3")))
	if reply.Code != common.ReplyReleaseError {
		t.Fatalf("Expected RELEASE_ERROR on the second unlock, got %q", reply.Code)
	}

	// releasing a lock someone else holds
	if got := alice.roundTrip(lockLine("results", "alice", "a2")); got != common.ReplyGo {
		t.Fatalf("Expected GO, got %q", got)
	}
	reply = common.ParseLockReply(bob.roundTrip(unlockLine("results", "bob", "b1")))
	if reply.Code != common.ReplyReleaseError {
		t.Fatalf("Expected RELEASE_ERROR for a foreign release, got %q", reply.Code)
	}
	if !strings.Contains(reply.Detail, "held by client") {
		t.Errorf("Expected the detail to name the holder, got %q", reply.Detail)
	}

	// the foreign release must not have freed the lock
	if got := bob.roundTrip(lockLine("results", "bob", "b2")); got != common.ReplyWait {
		t.Fatalf("Expected WAIT, the lock should still be held, got %q", got)
	}
}

func TestLockServerPingPong(t *testing.T) {
	srv, addr, _ := startTestServer(t, common.ServerConfig{}, nil)
	defer srv.Shutdown()

	client := dialServer(t, addr)
	defer client.close()

	if got := client.roundTrip(common.VerbPing); got != common.ReplyPong {
		t.Fatalf("Expected PONG, got %q", got)
	}
}

func TestLockServerRejectsGarbage(t *testing.T) {
	srv, addr, _ := startTestServer(t, common.ServerConfig{}, nil)
	defer srv.Shutdown()

	client := dialServer(t, addr)
	defer client.close()

	garbage := []string{
		"BANANA",
		"BANANA:::a:::b:::c",
		"LOCK:::missing:::fields",
		"LOCK::::::client:::request", // empty lock name
	}
	for _, line := range garbage {
		reply := common.ParseLockReply(client.roundTrip(line))
		if reply.Code != common.ReplyMsgError {
			t.Errorf("Expected MSG_ERROR for %q, got %q", line, reply.Code)
		}
	}

	// the connection survives protocol errors
	if got := client.roundTrip(lockLine("results", "worker-1", "r1")); got != common.ReplyGo {
		t.Fatalf("Expected GO after garbage, got %q", got)
	}
}

func TestLockServerIndependentLocks(t *testing.T) {
	srv, addr, _ := startTestServer(t, common.ServerConfig{}, nil)
	defer srv.Shutdown()

	alice := dialServer(t, addr)
	defer alice.close()
	bob := dialServer(t, addr)
	defer bob.close()

	if got := alice.roundTrip(lockLine("table-a", "alice", "a1")); got != common.ReplyGo {
		t.Fatalf("Expected GO for table-a, got %q", got)
	}
	if got := bob.roundTrip(lockLine("table-b", "bob", "b1")); got != common.ReplyGo {
		t.Fatalf("Expected GO for table-b, got %q", got)
	}
}

func TestLockServerDoneStopsServer(t *testing.T) {
	srv, addr, serveDone := startTestServer(t, common.ServerConfig{}, nil)

	client := dialServer(t, addr)
	defer client.close()

	if got := client.roundTrip(common.VerbDone); got != common.ReplyClosed {
		t.Fatalf("Expected CLOSED, got %q", got)
	}

	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Server did not stop after DONE")
	}

	if conn, err := net.Dial("tcp", srv.Addr().String()); err == nil {
		conn.Close()
		t.Errorf("Expected dialing a stopped server to fail")
	}
}

// TestLockServerSerializesClients drives many polling clients against one
// lock and checks that at most one of them is ever inside the critical
// section.
func TestLockServerSerializesClients(t *testing.T) {
	srv, addr, _ := startTestServer(t, common.ServerConfig{}, nil)
	defer srv.Shutdown()

	const workers = 8
	const rounds = 25

	var holders atomic.Int32
	var maxHolders atomic.Int32
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			client := dialServer(t, addr)
			defer client.close()
			clientID := fmt.Sprintf("worker-%d", w)

			for r := 0; r < rounds; r++ {
				requestID := fmt.Sprintf("%d-%d", w, r)
				for {
					got := client.roundTrip(lockLine("shared", clientID, requestID))
					if got == common.ReplyGo {
						break
					}
					if got != common.ReplyWait {
						t.Errorf("Unexpected reply %q", got)
						return
					}
					time.Sleep(time.Millisecond)
				}

				cur := holders.Add(1)
				for {
					max := maxHolders.Load()
					if cur <= max || maxHolders.CompareAndSwap(max, cur) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				holders.Add(-1)

				if got := client.roundTrip(unlockLine("shared", clientID, requestID)); got != common.ReplyReleased {
					t.Errorf("Unexpected release reply %q", got)
					return
				}
			}
		}(w)
	}

	wg.Wait()

	if max := maxHolders.Load(); max != 1 {
		t.Errorf("Expected at most one lock holder at a time, saw %d", max)
	}
}
