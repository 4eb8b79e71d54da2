package common

import (
	"encoding/json"
	"fmt"

	"github.com/airlock-lab/airlock/lib/storage"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message of the queue endpoint protocol, used
// for both requests and responses. Which fields are used depends on the type
// of message: only MsgTData carries a storage request, only responses carry
// Err.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields (MsgTData only), flattened storage.Request
	Kind     storage.RequestKind `json:"kind,omitempty"`
	Op       string              `json:"op,omitempty"`
	Resource string              `json:"resource,omitempty"`
	Payload  []byte              `json:"payload,omitempty"`
	Args     []string            `json:"args,omitempty"`
	Kwargs   map[string]string   `json:"kwargs,omitempty"`

	// Response only fields
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message
}

// ToRequest rebuilds the storage request carried by a MsgTData message.
func (m *Message) ToRequest() *storage.Request {
	return &storage.Request{
		Kind:     m.Kind,
		Op:       m.Op,
		Resource: m.Resource,
		Payload:  m.Payload,
		Args:     m.Args,
		Kwargs:   m.Kwargs,
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewSpaceRequest creates the buffer-room inquiry a sender issues before data.
func NewSpaceRequest() *Message {
	return &Message{MsgType: MsgTSpace}
}

// NewSpaceResponse creates the answer to a space inquiry.
func NewSpaceResponse(available bool) *Message {
	if available {
		return &Message{MsgType: MsgTSpaceAvailable}
	}
	return &Message{MsgType: MsgTSpaceNotAvailable}
}

// NewDataRequest wraps a storage request for transmission.
func NewDataRequest(req *storage.Request) *Message {
	return &Message{
		MsgType:  MsgTData,
		Kind:     req.Kind,
		Op:       req.Op,
		Resource: req.Resource,
		Payload:  req.Payload,
		Args:     req.Args,
		Kwargs:   req.Kwargs,
	}
}

// NewStoringResponse creates the acknowledgment for an accepted data message.
func NewStoringResponse() *Message {
	return &Message{MsgType: MsgTStoring}
}

// NewPingRequest creates a liveness probe.
func NewPingRequest() *Message {
	return &Message{MsgType: MsgTPing}
}

// NewPongResponse creates the liveness answer.
func NewPongResponse() *Message {
	return &Message{MsgType: MsgTPong}
}

// NewDoneRequest creates the shutdown request.
func NewDoneRequest() *Message {
	return &Message{MsgType: MsgTDone}
}

// NewClosedResponse creates the shutdown confirmation.
func NewClosedResponse() *Message {
	return &Message{MsgType: MsgTClosed}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in queue endpoint communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTSpace:
		return "SPACE"
	case MsgTSpaceAvailable:
		return "SPACE_AVAILABLE"
	case MsgTSpaceNotAvailable:
		return "SPACE_NOT_AVAILABLE"
	case MsgTData:
		return "DATA"
	case MsgTStoring:
		return "STORING"
	case MsgTPing:
		return "PING"
	case MsgTPong:
		return "PONG"
	case MsgTDone:
		return "DONE"
	case MsgTClosed:
		return "CLOSED"
	case MsgTError:
		return "ERROR"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "SPACE":
		*t = MsgTSpace
	case "SPACE_AVAILABLE":
		*t = MsgTSpaceAvailable
	case "SPACE_NOT_AVAILABLE":
		*t = MsgTSpaceNotAvailable
	case "DATA":
		*t = MsgTData
	case "STORING":
		*t = MsgTStoring
	case "PING":
		*t = MsgTPing
	case "PONG":
		*t = MsgTPong
	case "DONE":
		*t = MsgTDone
	case "CLOSED":
		*t = MsgTClosed
	case "ERROR":
		*t = MsgTError
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTError               // Indicates an error occurred

	// Flow control

	MsgTSpace             // Sender asks whether buffer room exists
	MsgTSpaceAvailable    // Server: room exists, data may follow
	MsgTSpaceNotAvailable // Server: buffer full, ask again later

	// Data plane

	MsgTData    // Carries one storage request
	MsgTStoring // Server accepted the request into its buffer

	// Liveness and lifecycle

	MsgTPing   // Liveness probe
	MsgTPong   // Liveness answer
	MsgTDone   // Sender is finished, server should drain and stop
	MsgTClosed // Server confirms shutdown
)
