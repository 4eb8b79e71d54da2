package coord

import (
	"github.com/airlock-lab/airlock/lib/storage"
)

// DefaultQueueLength bounds the in-process queue between senders and the
// writer. Producers block on a full queue, they never drop data.
const DefaultQueueLength = 100

// --------------------------------------------------------------------------
// Sender
// --------------------------------------------------------------------------

// QueueSender is the producer half of queue coordination: Store packages the
// request and pushes it onto the shared bounded queue, blocking while the
// queue is full. The dedicated QueueWriter on the other end is the only
// thing that ever touches the storage service.
//
// Thread-safety: safe for concurrent use, any number of workers may share
// one sender (or hold their own around the same queue).
type QueueSender struct {
	resourceStamp
	queue chan<- *storage.Request
}

var _ storage.Service = (*QueueSender)(nil)

// Store queues the request for the writer. Blocks while the queue is full:
// backpressure instead of data loss.
func (s *QueueSender) Store(req *storage.Request) error {
	if req == nil || req.Kind != storage.KindStore {
		return storage.NewError(storage.RetCInvalidOperation, "sender only accepts store requests")
	}
	if err := s.stamp(req); err != nil {
		return err
	}

	s.queue <- req
	return nil
}

// Load is not available through a queue: there is no reply channel.
func (s *QueueSender) Load(*storage.Request) ([]byte, error) {
	return nil, storage.NewError(storage.RetCUnsupportedOperation,
		"load is not supported over queue coordination")
}

// SendDone queues the shutdown sentinel. The writer finishes everything
// queued ahead of it and stops.
func (s *QueueSender) SendDone() {
	s.queue <- storage.NewDoneRequest()
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// QueueWriter is the consumer half: a single loop popping requests and
// applying them to the storage service it exclusively owns.
type QueueWriter struct {
	queue   <-chan *storage.Request
	applier *Applier
	stopped chan struct{}
}

// NewQueuePair builds the bounded queue with its sender and writer.
// queueLength zero picks the default; gcInterval is handed to the applier.
func NewQueuePair(service storage.Service, queueLength, gcInterval int) (*QueueSender, *QueueWriter) {
	if queueLength <= 0 {
		queueLength = DefaultQueueLength
	}
	queue := make(chan *storage.Request, queueLength)

	sender := &QueueSender{queue: queue}
	writer := &QueueWriter{
		queue:   queue,
		applier: NewApplier(service, gcInterval),
		stopped: make(chan struct{}),
	}
	return sender, writer
}

// Run consumes the queue until the done sentinel arrives, then drains what
// is immediately pending and closes the open resource. Blocks; run it on the
// writer's own goroutine.
func (w *QueueWriter) Run() {
	defer close(w.stopped)
	defer w.applier.Finish()

	for req := range w.queue {
		if req.Kind == storage.KindDone {
			w.drainPending()
			Logger.Infof("Queue writer received the done sentinel, stopping after %d applied requests",
				w.applier.Applied())
			return
		}
		w.applier.Apply(req)
	}
}

// Stopped closes once Run has returned.
func (w *QueueWriter) Stopped() <-chan struct{} {
	return w.stopped
}

// Applied returns the number of requests the writer has applied.
func (w *QueueWriter) Applied() uint64 {
	return w.applier.Applied()
}

// drainPending applies whatever is already queued without blocking for more.
func (w *QueueWriter) drainPending() {
	for {
		select {
		case req := <-w.queue:
			if req.Kind == storage.KindDone {
				continue
			}
			w.applier.Apply(req)
		default:
			return
		}
	}
}
