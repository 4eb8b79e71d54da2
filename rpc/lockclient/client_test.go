package lockclient

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/airlock-lab/airlock/lib/ident"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/airlock-lab/airlock/rpc/lockserver"
)

func startLockServer(t *testing.T) (*lockserver.Server, string) {
	t.Helper()

	srv := lockserver.New(common.ServerConfig{Endpoint: "tcp://127.0.0.1:0"})
	go srv.Serve()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("Lock server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv, "tcp://" + srv.Addr().String()
}

func testConfig(endpoint string) common.ClientConfig {
	return common.ClientConfig{
		Endpoint:      endpoint,
		TimeoutSecond: 1,
		RetryCount:    3,
		PollInterval:  5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, endpoint, lockName string) *Client {
	t.Helper()

	client, err := NewClient(testConfig(endpoint), lockName)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestClientAcquireRelease(t *testing.T) {
	srv, endpoint := startLockServer(t)
	defer srv.Shutdown()

	client := newTestClient(t, endpoint, "results")
	defer client.Close()

	if err := client.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := client.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestClientValidatesLockName(t *testing.T) {
	for _, name := range []string{"", "a:::b", "line\nbreak"} {
		if _, err := NewClient(testConfig("tcp://127.0.0.1:7777"), name); err == nil {
			t.Errorf("Expected lock name %q to be rejected", name)
		}
	}
}

func TestClientWaitsForHolder(t *testing.T) {
	srv, endpoint := startLockServer(t)
	defer srv.Shutdown()

	holder := newTestClient(t, endpoint, "results")
	defer holder.Close()
	waiter := newTestClient(t, endpoint, "results")
	defer waiter.Close()

	if err := holder.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	acquired := make(chan error, 1)
	go func() { acquired <- waiter.Acquire() }()

	select {
	case err := <-acquired:
		t.Fatalf("Acquire should have blocked while the lock is held (err %v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := holder.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Waiter failed to acquire after release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Waiter did not acquire after the lock was released")
	}
}

func TestClientDoubleAcquireFails(t *testing.T) {
	srv, endpoint := startLockServer(t)
	defer srv.Shutdown()

	client := newTestClient(t, endpoint, "results")
	defer client.Close()

	if err := client.Acquire(); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	err := client.Acquire()
	if err == nil {
		t.Fatalf("Expected the second acquire to fail")
	}
	if !strings.Contains(err.Error(), "refused to grant") {
		t.Errorf("Expected a grant refusal, got: %v", err)
	}
}

func TestClientReleaseWithoutAcquireFails(t *testing.T) {
	srv, endpoint := startLockServer(t)
	defer srv.Shutdown()

	client := newTestClient(t, endpoint, "results")
	defer client.Close()

	if err := client.Release(); err == nil {
		t.Fatalf("Expected releasing an unheld lock to fail")
	}
}

func TestClientPingAndDone(t *testing.T) {
	srv, endpoint := startLockServer(t)
	defer srv.Shutdown()

	client := newTestClient(t, endpoint, "results")
	defer client.Close()

	if err := client.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := client.SendDone(); err != nil {
		t.Fatalf("SendDone failed: %v", err)
	}
}

// TestLockErrorAfterResendMeansGranted loses the grant reply: the server
// processes the LOCK but the connection dies before the client reads GO. The
// resent request earns a LOCK_ERROR, which the client must treat as success.
func TestLockErrorAfterResendMeansGranted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	lines := make(chan string, 2)
	go func() {
		// first connection: read the LOCK, drop the connection before replying
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err == nil {
			lines <- strings.TrimRight(line, "\n")
		}
		conn.Close()

		// second connection: the resend, answer as the lock server would for
		// a client that already holds the lock
		conn, err = ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err = bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		lines <- strings.TrimRight(line, "\n")
		reply := common.LockReply{Code: common.ReplyLockError, Detail: "lock is already held by you"}
		conn.Write([]byte(reply.Encode() + "\n"))
	}()

	client := newTestClient(t, "tcp://"+ln.Addr().String(), "results")
	defer client.Close()

	if err := client.Acquire(); err != nil {
		t.Fatalf("Acquire should treat LOCK_ERROR after a resend as granted: %v", err)
	}

	first := <-lines
	second := <-lines
	if first != second {
		t.Errorf("Resent request must be identical, got %q then %q", first, second)
	}
}

// TestReleaseErrorAfterResendMeansReleased is the mirror image for UNLOCK.
func TestReleaseErrorAfterResendMeansReleased(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		bufio.NewReader(conn).ReadString('\n')
		conn.Close()

		conn, err = ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := bufio.NewReader(conn).ReadString('\n'); err != nil {
			return
		}
		reply := common.LockReply{Code: common.ReplyReleaseError, Detail: "lock is not held"}
		conn.Write([]byte(reply.Encode() + "\n"))
	}()

	client := newTestClient(t, "tcp://"+ln.Addr().String(), "results")
	defer client.Close()

	if err := client.Release(); err != nil {
		t.Fatalf("Release should treat RELEASE_ERROR after a resend as released: %v", err)
	}
}

// TestClientForkChangesIdentity simulates a fork: the pid moves, so the
// client must drop the inherited connection and speak with a new client ID.
func TestClientForkChangesIdentity(t *testing.T) {
	srv, endpoint := startLockServer(t)
	defer srv.Shutdown()

	provider := ident.NewManual("testhost", 100)
	client, err := NewClientWithProvider(testConfig(endpoint), "results", provider)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// the child process is not the holder, its release must be refused
	provider.SetPID(200)
	if err := client.Release(); err == nil {
		t.Fatalf("Expected the release to fail under the forked identity")
	}

	// back under the original pid the release goes through
	provider.SetPID(100)
	if err := client.Release(); err != nil {
		t.Fatalf("Release failed under the original identity: %v", err)
	}
}

func TestClientUnreachableServer(t *testing.T) {
	// grab a free port, then close the listener so nothing answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	endpoint := "tcp://" + ln.Addr().String()
	ln.Close()

	config := testConfig(endpoint)
	config.RetryCount = 2

	client, err := NewClient(config, "results")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Acquire(); err == nil {
		t.Fatalf("Expected Acquire against a dead server to fail")
	}
}
