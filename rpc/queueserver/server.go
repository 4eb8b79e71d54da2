package queueserver

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/airlock-lab/airlock/lib/coord"
	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/airlock-lab/airlock/rpc/serializer"
	"github.com/airlock-lab/airlock/rpc/transport"
)

var Logger = logger.GetLogger("queueserver")

var (
	metricSpaceChecks    = metrics.NewCounter("airlock_queue_space_checks_total")
	metricSpaceDenials   = metrics.NewCounter("airlock_queue_space_denials_total")
	metricDataAccepted   = metrics.NewCounter("airlock_queue_data_accepted_total")
	metricDataRejected   = metrics.NewCounter("airlock_queue_data_rejected_total")
	metricProtocolErrors = metrics.NewCounter("airlock_queue_protocol_errors_total")
)

// DefaultBufferSize caps the request buffer when the configuration does not.
const DefaultBufferSize = 100

// Server is the network queue endpoint: it accepts serialized storage
// requests over the framed transport, buffers them and applies them to the
// storage service on a single writer goroutine. Senders ask for buffer room
// with SPACE before shipping DATA, so a slow service pushes back over the
// wire instead of piling up requests here.
type Server struct {
	config    common.QueueConfig
	ser       serializer.IRPCSerializer
	transport *transport.Server
	applier   *coord.Applier

	buffer  chan *storage.Request
	stopped chan struct{}
}

// New creates the endpoint around the given storage service. The serializer
// name, buffer size and GC cadence come from the configuration.
func New(config common.QueueConfig, service storage.Service) (*Server, error) {
	if config.Endpoint == "" {
		config.Endpoint = common.DefaultQueueEndpoint
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}

	ser, err := serializer.ForName(config.Serializer)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  config,
		ser:     ser,
		applier: coord.NewApplier(service, config.GCInterval),
		buffer:  make(chan *storage.Request, config.BufferSize),
		stopped: make(chan struct{}),
	}
	s.transport = transport.NewServer(config.Endpoint, common.DefaultTimeoutSecond, s.handle)
	return s, nil
}

// Serve runs the endpoint until a DONE message or a Shutdown call. Buffered
// requests are still written before it returns.
func (s *Server) Serve() error {
	go s.writerLoop()

	err := s.transport.Serve()

	// all connection handlers have returned, nothing pushes anymore
	close(s.buffer)
	<-s.stopped
	return err
}

// Shutdown stops the endpoint without waiting for a DONE message.
func (s *Server) Shutdown() {
	s.transport.Shutdown()
}

// Addr exposes the bound listener address, see transport.Server.Addr.
func (s *Server) Addr() string {
	addr := s.transport.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Applied returns the number of requests written to the storage service.
func (s *Server) Applied() uint64 {
	return s.applier.Applied()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// handle answers one deserialized protocol message. Runs on the transport's
// connection goroutines, so everything it touches is either immutable or a
// channel.
func (s *Server) handle(req []byte) ([]byte, bool) {
	var msg common.Message
	if err := s.ser.Deserialize(req, &msg); err != nil {
		metricProtocolErrors.Inc()
		Logger.Warningf("Rejecting undecodable request of %d bytes: %v", len(req), err)
		return s.encode(common.NewErrorResponse("cannot decode request: " + err.Error())), false
	}

	switch msg.MsgType {
	case common.MsgTSpace:
		metricSpaceChecks.Inc()
		available := len(s.buffer) < cap(s.buffer)
		if !available {
			metricSpaceDenials.Inc()
		}
		return s.encode(common.NewSpaceResponse(available)), false

	case common.MsgTData:
		return s.encode(s.handleData(&msg)), false

	case common.MsgTPing:
		return s.encode(common.NewPongResponse()), false

	case common.MsgTDone:
		Logger.Infof("Received the done sentinel, shutting the endpoint down")
		return s.encode(common.NewClosedResponse()), true

	default:
		metricProtocolErrors.Inc()
		Logger.Warningf("Rejecting unexpected %s message", msg.MsgType)
		return s.encode(common.NewErrorResponse(
			fmt.Sprintf("unexpected %s message", msg.MsgType))), false
	}
}

// handleData validates and buffers one storage request. A full buffer is
// answered with an error; the sender falls back to SPACE polling.
func (s *Server) handleData(msg *common.Message) *common.Message {
	req := msg.ToRequest()
	if req.Kind != storage.KindStore {
		metricDataRejected.Inc()
		return common.NewErrorResponse("endpoint only accepts store requests, got " + req.Kind.String())
	}
	if req.Resource == "" {
		metricDataRejected.Inc()
		return common.NewErrorResponse("request names no resource")
	}

	select {
	case s.buffer <- req:
		metricDataAccepted.Inc()
		return common.NewStoringResponse()
	default:
		metricDataRejected.Inc()
		return common.NewErrorResponse("no space in buffer")
	}
}

// encode serializes a reply. Serialization of our own messages must not
// fail; if it does the connection handler drops the reply and the client
// resends into a fresh handler.
func (s *Server) encode(msg *common.Message) []byte {
	data, err := s.ser.Serialize(*msg)
	if err != nil {
		Logger.Errorf("Failed to serialize %s reply: %v", msg.MsgType, err)
		return nil
	}
	return data
}

// writerLoop drains the buffer into the storage service until the buffer
// closes, then finishes the applier.
func (s *Server) writerLoop() {
	defer close(s.stopped)
	defer s.applier.Finish()

	for req := range s.buffer {
		s.applier.Apply(req)
	}
	Logger.Infof("Queue writer stopped after %d applied requests", s.applier.Applied())
}
