// Package transport provides the framed request/reply layer under the queue
// endpoint: length-prefixed frames tagged with a request ID, a reliable
// single-connection client that reconnects and resends, and an accepting
// server that answers one request at a time per connection (the protocol's
// flow control depends on strict request/reply alternation).
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// frame header: 8 bytes requestID (uint64, big endian) + 4 bytes data length
// (uint32, big endian), followed by the payload.
const headerSize = 12

// MaxFrameSize caps a single frame's payload. Frames are declared by an
// untrusted length prefix; without the cap a stray client speaking the wrong
// protocol could make the server allocate gigabytes.
const MaxFrameSize = 256 * 1024 * 1024

// WriteFrame writes one frame to the connection.
func WriteFrame(conn net.Conn, requestID uint64, data []byte) error {
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// ReadFrame reads one frame using the provided buffer. If the buffer is too
// small a new one is allocated; the returned slice is only valid until the
// buffer's next use.
func ReadFrame(conn net.Conn, buf []byte) (uint64, []byte, error) {
	if buf == nil || len(buf) < headerSize {
		buf = make([]byte, headerSize)
	}

	if _, err := io.ReadFull(conn, buf[:headerSize]); err != nil {
		return 0, nil, err
	}

	requestID := binary.BigEndian.Uint64(buf[:8])
	contentLength := binary.BigEndian.Uint32(buf[8:12])

	if contentLength > MaxFrameSize {
		return requestID, nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", contentLength, MaxFrameSize)
	}

	if contentLength == 0 {
		return requestID, []byte{}, nil
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return requestID, nil, err
	}

	return requestID, buf[:contentLength], nil
}
