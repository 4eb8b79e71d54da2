package queueserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/airlock-lab/airlock/rpc/serializer"
	"github.com/airlock-lab/airlock/rpc/transport"
)

var metricSenderPolls = metrics.NewCounter("airlock_queue_sender_polls_total")

// Sender is the client side of the queue endpoint: a storage service whose
// Store ships the request over the wire. It polls for buffer room before
// sending, so a full endpoint blocks the caller inside Store the same way a
// full in-process queue would.
//
// Thread-safety: safe for concurrent use, requests are serialized by the
// underlying transport.
type Sender struct {
	client *transport.Client
	ser    serializer.IRPCSerializer
	poll   time.Duration

	mu       sync.Mutex // guards the open-resource state
	resource string
	open     bool
}

var _ storage.Service = (*Sender)(nil)

// NewSender connects to the queue endpoint. The serializer name must match
// the endpoint's configuration, the wire does not negotiate it.
func NewSender(config common.ClientConfig, serializerName string) (*Sender, error) {
	if config.Endpoint == "" {
		config.Endpoint = common.DefaultQueueEndpoint
	}

	ser, err := serializer.ForName(serializerName)
	if err != nil {
		return nil, err
	}
	client, err := transport.NewClient(config)
	if err != nil {
		return nil, err
	}

	poll := config.PollInterval
	if poll <= 0 {
		poll = common.DefaultPollInterval
	}

	return &Sender{
		client: client,
		ser:    ser,
		poll:   poll,
	}, nil
}

// Ping checks that the endpoint answers.
func (s *Sender) Ping() error {
	reply, err := s.roundTrip(common.NewPingRequest())
	if err != nil {
		return err
	}
	if reply.MsgType != common.MsgTPong {
		return fmt.Errorf("expected PONG, got %s", reply.MsgType)
	}
	return nil
}

// SendDone tells the endpoint to write its buffered requests and stop.
func (s *Sender) SendDone() error {
	reply, err := s.roundTrip(common.NewDoneRequest())
	if err != nil {
		return err
	}
	if reply.MsgType != common.MsgTClosed {
		return fmt.Errorf("expected CLOSED, got %s", reply.MsgType)
	}
	return nil
}

// Disconnect drops the connection. Close is taken by the resource facade.
func (s *Sender) Disconnect() error {
	return s.client.Close()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (s *Sender) Open(resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return storage.NewError(storage.RetCInvalidOperation,
			fmt.Sprintf("sender already open (resource %q)", s.resource))
	}
	s.resource = resource
	s.open = true
	return nil
}

func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return storage.NewError(storage.RetCInvalidOperation, "sender has no open resource")
	}
	s.resource = ""
	s.open = false
	return nil
}

func (s *Sender) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Store blocks until the endpoint buffered the request: it polls SPACE until
// room is reported, then ships DATA and waits for STORING. Losing a space
// race to another sender just puts it back into the poll loop.
func (s *Sender) Store(req *storage.Request) error {
	if req == nil || req.Kind != storage.KindStore {
		return storage.NewError(storage.RetCInvalidOperation, "sender only accepts store requests")
	}
	if err := s.stamp(req); err != nil {
		return err
	}

	for {
		if err := s.awaitSpace(); err != nil {
			return err
		}

		reply, err := s.roundTrip(common.NewDataRequest(req))
		if err != nil {
			return storage.NewError(storage.RetCInternalError,
				"failed to ship request: "+err.Error())
		}

		switch reply.MsgType {
		case common.MsgTStoring:
			return nil
		case common.MsgTError:
			if reply.Err == "no space in buffer" {
				// another sender took the slot between SPACE and DATA
				time.Sleep(s.poll)
				continue
			}
			return storage.NewError(storage.RetCInvalidOperation,
				"endpoint rejected request: "+reply.Err)
		default:
			return storage.NewError(storage.RetCInternalError,
				fmt.Sprintf("expected STORING, got %s", reply.MsgType))
		}
	}
}

// Load is not available over the queue endpoint: the writer applies requests
// asynchronously, there is nothing consistent to answer from.
func (s *Sender) Load(*storage.Request) ([]byte, error) {
	return nil, storage.NewError(storage.RetCUnsupportedOperation,
		"load is not supported over queue coordination")
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// awaitSpace polls the endpoint until it reports buffer room.
func (s *Sender) awaitSpace() error {
	for {
		reply, err := s.roundTrip(common.NewSpaceRequest())
		if err != nil {
			return storage.NewError(storage.RetCInternalError,
				"failed to check for space: "+err.Error())
		}

		switch reply.MsgType {
		case common.MsgTSpaceAvailable:
			return nil
		case common.MsgTSpaceNotAvailable:
			metricSenderPolls.Inc()
			time.Sleep(s.poll)
		default:
			return storage.NewError(storage.RetCInternalError,
				fmt.Sprintf("expected a space answer, got %s", reply.MsgType))
		}
	}
}

// stamp fills the default resource into requests that name none.
func (s *Sender) stamp(req *storage.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Resource == "" {
		req.Resource = s.resource
	}
	if req.Resource == "" {
		return storage.NewError(storage.RetCInvalidOperation,
			"request names no resource and none is open")
	}
	return nil
}

// roundTrip serializes a message, sends it and deserializes the reply.
func (s *Sender) roundTrip(msg *common.Message) (*common.Message, error) {
	data, err := s.ser.Serialize(*msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s request: %v", msg.MsgType, err)
	}

	respData, err := s.client.Send(data)
	if err != nil {
		return nil, err
	}

	var reply common.Message
	if err := s.ser.Deserialize(respData, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %v", err)
	}
	return &reply, nil
}
