package common

import (
	"fmt"
	"strings"
)

// The lock protocol is line based: one newline-terminated request, one
// newline-terminated reply per round trip. LOCK and UNLOCK carry three
// separator-joined fields after the verb, PING and DONE are bare verbs.
//
//	LOCK:::<name>:::<clientID>:::<requestID>
//	UNLOCK:::<name>:::<clientID>:::<requestID>
//	PING
//	DONE
//
// Replies are a bare code, or code and detail joined by a single colon for
// the error codes:
//
//	GO | WAIT | RELEASED | PONG | CLOSED
//	LOCK_ERROR:<detail> | RELEASE_ERROR:<detail> | MSG_ERROR:<detail>

// Separator joins the fields of a lock protocol request.
const Separator = ":::"

// --------------------------------------------------------------------------
// Request Verbs
// --------------------------------------------------------------------------

const (
	VerbLock   = "LOCK"   // acquire the named lock
	VerbUnlock = "UNLOCK" // release the named lock
	VerbPing   = "PING"   // liveness probe
	VerbDone   = "DONE"   // shut the server down
)

// --------------------------------------------------------------------------
// Reply Codes
// --------------------------------------------------------------------------

const (
	ReplyGo       = "GO"       // lock granted
	ReplyWait     = "WAIT"     // lock held elsewhere, ask again
	ReplyReleased = "RELEASED" // lock released
	ReplyPong     = "PONG"     // liveness answer
	ReplyClosed   = "CLOSED"   // server is shutting down

	ReplyLockError    = "LOCK_ERROR"    // acquire refused, detail attached
	ReplyReleaseError = "RELEASE_ERROR" // release refused, detail attached
	ReplyMsgError     = "MSG_ERROR"     // request not understood, detail attached
)

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// LockRequest is one parsed request line.
type LockRequest struct {
	Verb      string
	Name      string // lock name, LOCK/UNLOCK only
	ClientID  string // requesting client, LOCK/UNLOCK only
	RequestID string // unique per logical operation, stable across resends
}

// Encode renders the request as a wire line (without the trailing newline).
func (r *LockRequest) Encode() string {
	switch r.Verb {
	case VerbPing, VerbDone:
		return r.Verb
	default:
		return strings.Join([]string{r.Verb, r.Name, r.ClientID, r.RequestID}, Separator)
	}
}

// NewLockRequest creates an acquire request.
func NewLockRequest(name, clientID, requestID string) *LockRequest {
	return &LockRequest{Verb: VerbLock, Name: name, ClientID: clientID, RequestID: requestID}
}

// NewUnlockRequest creates a release request.
func NewUnlockRequest(name, clientID, requestID string) *LockRequest {
	return &LockRequest{Verb: VerbUnlock, Name: name, ClientID: clientID, RequestID: requestID}
}

// ParseLockRequest parses one request line. The returned error text is what a
// server sends back as MSG_ERROR detail.
func ParseLockRequest(line string) (*LockRequest, error) {
	switch line {
	case VerbPing:
		return &LockRequest{Verb: VerbPing}, nil
	case VerbDone:
		return &LockRequest{Verb: VerbDone}, nil
	}

	parts := strings.Split(line, Separator)
	if len(parts) != 4 {
		return nil, fmt.Errorf("expected 4 fields, got %d", len(parts))
	}
	verb := parts[0]
	if verb != VerbLock && verb != VerbUnlock {
		return nil, fmt.Errorf("unknown verb %q", verb)
	}
	req := &LockRequest{
		Verb:      verb,
		Name:      parts[1],
		ClientID:  parts[2],
		RequestID: parts[3],
	}
	if req.Name == "" || req.ClientID == "" || req.RequestID == "" {
		return nil, fmt.Errorf("empty field in %s request", verb)
	}
	return req, nil
}

// ValidateLockName rejects names that cannot be framed. Client side guard,
// the server tolerates anything it can split.
func ValidateLockName(name string) error {
	if name == "" {
		return fmt.Errorf("lock name must not be empty")
	}
	if strings.Contains(name, Separator) {
		return fmt.Errorf("lock name %q contains the field separator %q", name, Separator)
	}
	if strings.ContainsAny(name, "\n\r") {
		return fmt.Errorf("lock name %q contains a line break", name)
	}
	return nil
}

// --------------------------------------------------------------------------
// Replies
// --------------------------------------------------------------------------

// LockReply is one parsed reply line.
type LockReply struct {
	Code   string
	Detail string // only set for the error codes
}

// Encode renders the reply as a wire line (without the trailing newline).
func (r LockReply) Encode() string {
	if r.Detail == "" {
		return r.Code
	}
	return r.Code + ":" + sanitizeDetail(r.Detail)
}

// ParseLockReply parses one reply line. It never fails: unknown codes are
// handed back verbatim for the caller to treat as protocol errors.
func ParseLockReply(line string) LockReply {
	code, detail, found := strings.Cut(line, ":")
	switch code {
	case ReplyLockError, ReplyReleaseError, ReplyMsgError:
		if found {
			return LockReply{Code: code, Detail: detail}
		}
		return LockReply{Code: code}
	default:
		// bare codes carry no detail, a stray colon means a foreign protocol
		return LockReply{Code: line}
	}
}

// IsError reports whether the reply is one of the error codes.
func (r LockReply) IsError() bool {
	switch r.Code {
	case ReplyLockError, ReplyReleaseError, ReplyMsgError:
		return true
	default:
		return false
	}
}

// sanitizeDetail keeps a reply on one line whatever the detail text contains.
func sanitizeDetail(detail string) string {
	detail = strings.ReplaceAll(detail, "\n", " ")
	return strings.ReplaceAll(detail, "\r", " ")
}
