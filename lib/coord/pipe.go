package coord

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/airlock-lab/airlock/lib/locker"
	"github.com/airlock-lab/airlock/lib/queue"
	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/airlock-lab/airlock/rpc/common"
	"github.com/airlock-lab/airlock/rpc/serializer"
)

// DefaultChunkSize is how many bytes of a serialized request travel per
// chunk frame. Scientific payloads run into the tens of megabytes while the
// transport underneath buffers far less, so big transfers are cut up and
// acknowledged chunk by chunk.
const DefaultChunkSize = 20 * 1024 * 1024

// DefaultPipeBuffer bounds the writer's reassembled-request buffer.
const DefaultPipeBuffer = 10

// maxChunkFrame caps what a reader accepts from the untrusted length prefix.
const maxChunkFrame = 256 * 1024 * 1024

// ackToken is the single acknowledgement byte of the stop-and-wait protocol.
const ackToken byte = 0x06

var (
	metricPipeChunksSent = metrics.NewCounter("airlock_pipe_chunks_sent_total")
	metricPipeTransfers  = metrics.NewCounter("airlock_pipe_transfers_total")
	metricPipeCorrupt    = metrics.NewCounter("airlock_pipe_corrupt_transfers_total")
)

// --------------------------------------------------------------------------
// Chunk Framing
// --------------------------------------------------------------------------

// A chunk frame is a flag byte (0 = more chunks follow, 1 = final chunk of
// this transfer) followed by a big endian uint32 length and the chunk bytes.
// Every frame is answered with a single ack byte before the next one is
// sent, so at most one chunk is ever in flight.

func writeChunkFrame(w io.Writer, final bool, chunk []byte) error {
	header := make([]byte, 5)
	if final {
		header[0] = 1
	}
	binary.BigEndian.PutUint32(header[1:5], uint32(len(chunk)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	_, err := w.Write(chunk)
	return err
}

func readChunkFrame(r io.Reader) (final bool, chunk []byte, err error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return false, nil, err
	}

	switch header[0] {
	case 0:
		final = false
	case 1:
		final = true
	default:
		return false, nil, fmt.Errorf("corrupt chunk frame: flag byte %#x", header[0])
	}

	length := binary.BigEndian.Uint32(header[1:5])
	if length > maxChunkFrame {
		return false, nil, fmt.Errorf("chunk of %d bytes exceeds limit of %d", length, maxChunkFrame)
	}

	chunk = make([]byte, length)
	if _, err := io.ReadFull(r, chunk); err != nil {
		return false, nil, err
	}
	return final, chunk, nil
}

func readAck(r io.Reader) error {
	ack := make([]byte, 1)
	if _, err := io.ReadFull(r, ack); err != nil {
		return err
	}
	if ack[0] != ackToken {
		return fmt.Errorf("expected ack byte %#x, got %#x", ackToken, ack[0])
	}
	return nil
}

func writeAck(w io.Writer) error {
	_, err := w.Write([]byte{ackToken})
	return err
}

// --------------------------------------------------------------------------
// Sender
// --------------------------------------------------------------------------

// PipeSender ships serialized store requests over a duplex byte channel
// (net.Pipe, a unix socket pair, the ends of two OS pipes) in acknowledged
// chunks. The matching PipeWriter on the other end reassembles and applies
// them.
//
// When several senders share one pipe, give them a shared locker.ILocker so
// their chunk sequences cannot interleave.
//
// Thread-safety: safe for concurrent use, transfers are serialized.
type PipeSender struct {
	resourceStamp
	ser       serializer.IRPCSerializer
	lock      locker.ILocker
	chunkSize int

	mu   sync.Mutex // serializes transfers on this sender
	pipe io.ReadWriter
}

var _ storage.Service = (*PipeSender)(nil)

// NewPipeSender creates a sender for a pipe with a single producer.
func NewPipeSender(pipe io.ReadWriter, ser serializer.IRPCSerializer) *PipeSender {
	return NewPipeSenderWithLock(pipe, ser, nil)
}

// NewPipeSenderWithLock creates a sender that takes the lock around each
// whole transfer. Required when several senders write to the same pipe.
func NewPipeSenderWithLock(pipe io.ReadWriter, ser serializer.IRPCSerializer, lock locker.ILocker) *PipeSender {
	return &PipeSender{
		ser:       ser,
		lock:      lock,
		chunkSize: DefaultChunkSize,
		pipe:      pipe,
	}
}

// SetChunkSize overrides the chunk size. Only useful for tests, the default
// suits real payloads.
func (s *PipeSender) SetChunkSize(n int) {
	if n > 0 {
		s.chunkSize = n
	}
}

// Store serializes the request and sends it as one acknowledged chunk
// sequence. It returns once the writer has buffered the reconstructed
// request; a full writer buffer therefore blocks the sender, which is the
// backpressure path.
func (s *PipeSender) Store(req *storage.Request) error {
	if req == nil || req.Kind != storage.KindStore {
		return storage.NewError(storage.RetCInvalidOperation, "sender only accepts store requests")
	}
	if err := s.stamp(req); err != nil {
		return err
	}

	data, err := s.ser.Serialize(*common.NewDataRequest(req))
	if err != nil {
		return storage.NewError(storage.RetCInternalError, "failed to serialize request: "+err.Error())
	}
	return s.send(data)
}

// Load is not available over a pipe: there is no synchronous reply carrying
// values back.
func (s *PipeSender) Load(*storage.Request) ([]byte, error) {
	return nil, storage.NewError(storage.RetCUnsupportedOperation,
		"load is not supported over pipe coordination")
}

// SendDone ships the shutdown sentinel. The writer finishes its buffered
// work and stops.
func (s *PipeSender) SendDone() error {
	data, err := s.ser.Serialize(*common.NewDoneRequest())
	if err != nil {
		return err
	}
	return s.send(data)
}

// send transmits one serialized message as a chunk sequence.
func (s *PipeSender) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock != nil {
		if err := s.lock.Acquire(); err != nil {
			return fmt.Errorf("failed to acquire pipe lock: %v", err)
		}
		defer func() {
			if err := s.lock.Release(); err != nil {
				Logger.Errorf("Failed to release pipe lock: %v", err)
			}
		}()
	}

	// Equal chunks, and the last one always carries bytes: a transfer of
	// exactly n*chunkSize bytes must not produce an empty final frame.
	chunks := (len(data) + s.chunkSize - 1) / s.chunkSize
	if chunks == 0 {
		chunks = 1
	}
	chunkLen := (len(data) + chunks - 1) / chunks

	for i := 0; i < chunks; i++ {
		start := i * chunkLen
		end := start + chunkLen
		if end > len(data) {
			end = len(data)
		}
		final := i == chunks-1

		if err := writeChunkFrame(s.pipe, final, data[start:end]); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %v", i+1, chunks, err)
		}
		if err := readAck(s.pipe); err != nil {
			return fmt.Errorf("no ack for chunk %d/%d: %v", i+1, chunks, err)
		}
		metricPipeChunksSent.Inc()
	}

	metricPipeTransfers.Inc()
	return nil
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// PipeWriter reassembles chunked transfers from the pipe, buffers the
// reconstructed requests and applies them to the storage service it owns.
// The buffer is bounded; when it is full the reader stops acknowledging,
// which stalls the senders.
type PipeWriter struct {
	pipe    io.ReadWriter
	ser     serializer.IRPCSerializer
	applier *Applier
	buffer  *requestBuffer
	stopped chan struct{}
}

// NewPipeWriter creates a writer. maxBuffer bounds the reassembled-request
// buffer: 0 means unbounded, negative picks the default.
func NewPipeWriter(pipe io.ReadWriter, ser serializer.IRPCSerializer, service storage.Service, maxBuffer, gcInterval int) *PipeWriter {
	if maxBuffer < 0 {
		maxBuffer = DefaultPipeBuffer
	}
	return &PipeWriter{
		pipe:    pipe,
		ser:     ser,
		applier: NewApplier(service, gcInterval),
		buffer:  newRequestBuffer(maxBuffer),
		stopped: make(chan struct{}),
	}
}

// Run reads, reassembles and applies until the done sentinel or the end of
// the pipe. Blocks; run it on the writer's own goroutine.
func (w *PipeWriter) Run() {
	defer close(w.stopped)
	defer w.applier.Finish()

	go w.readLoop()

	for req := range w.buffer.recv() {
		if req.Kind == storage.KindDone {
			Logger.Infof("Pipe writer received the done sentinel, stopping after %d applied requests",
				w.applier.Applied())
			return
		}
		w.applier.Apply(req)
	}
}

// Stopped closes once Run has returned.
func (w *PipeWriter) Stopped() <-chan struct{} {
	return w.stopped
}

// Applied returns the number of requests the writer has applied.
func (w *PipeWriter) Applied() uint64 {
	return w.applier.Applied()
}

// readLoop reassembles transfers and feeds the buffer. Pushing blocks while
// the buffer is full, and while it blocks no ack goes out: that is the
// flow-control valve.
func (w *PipeWriter) readLoop() {
	defer w.buffer.close()

	var assembled []byte
	for {
		final, chunk, err := readChunkFrame(w.pipe)
		if err != nil {
			if err == io.EOF {
				Logger.Infof("Pipe closed by the sender")
			} else {
				Logger.Errorf("Failed to read chunk frame, stopping reader: %v", err)
			}
			return
		}

		assembled = append(assembled, chunk...)
		if !final {
			if err := writeAck(w.pipe); err != nil {
				Logger.Errorf("Failed to ack chunk: %v", err)
				return
			}
			continue
		}

		done := w.handleTransfer(assembled)
		assembled = nil

		// The final ack goes out only after the transfer is buffered, so a
		// full buffer stalls the sender inside its Store call.
		if err := writeAck(w.pipe); err != nil {
			Logger.Errorf("Failed to ack transfer: %v", err)
			return
		}
		if done {
			return
		}
	}
}

// handleTransfer deserializes one reassembled transfer and buffers it. A
// payload that does not deserialize is logged and dropped, it must not take
// the writer down. The return reports the done sentinel.
func (w *PipeWriter) handleTransfer(data []byte) bool {
	var msg common.Message
	if err := w.ser.Deserialize(data, &msg); err != nil {
		metricPipeCorrupt.Inc()
		Logger.Errorf("Discarding corrupt transfer of %d bytes: %v", len(data), err)
		return false
	}

	switch msg.MsgType {
	case common.MsgTData:
		w.buffer.push(msg.ToRequest())
		return false
	case common.MsgTDone:
		w.buffer.push(storage.NewDoneRequest())
		return true
	default:
		metricPipeCorrupt.Inc()
		Logger.Errorf("Discarding unexpected %s message from pipe", msg.MsgType)
		return false
	}
}

// --------------------------------------------------------------------------
// Request Buffer
// --------------------------------------------------------------------------

// requestBuffer is the writer's FIFO of reconstructed requests: a bounded
// channel, or the unbounded MPSC queue when no bound is wanted.
type requestBuffer struct {
	ch   chan *storage.Request
	mpsc *queue.MPSC[storage.Request]
}

func newRequestBuffer(maxBuffer int) *requestBuffer {
	if maxBuffer == 0 {
		return &requestBuffer{mpsc: queue.NewMPSC[storage.Request]()}
	}
	return &requestBuffer{ch: make(chan *storage.Request, maxBuffer)}
}

// push appends a request, blocking while a bounded buffer is full.
func (b *requestBuffer) push(req *storage.Request) {
	if b.mpsc != nil {
		b.mpsc.Push(req)
		return
	}
	b.ch <- req
}

func (b *requestBuffer) recv() <-chan *storage.Request {
	if b.mpsc != nil {
		return b.mpsc.Recv()
	}
	return b.ch
}

func (b *requestBuffer) close() {
	if b.mpsc != nil {
		b.mpsc.Close()
		return
	}
	close(b.ch)
}
