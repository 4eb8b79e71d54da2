package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/airlock-lab/airlock/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKind     byte = 1 << 0
	hasOp       byte = 1 << 1
	hasResource byte = 1 << 2
	hasPayload  byte = 1 << 3
	hasArgs     byte = 1 << 4
	hasKwargs   byte = 1 << 5
	hasErr      byte = 1 << 6
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	// Calculate total size needed
	totalSize := b.sizeBytes(msg)
	result := make([]byte, totalSize)

	// Write message type
	result[0] = byte(msg.MsgType)

	// Initialize flags byte
	var flags byte = 0

	// Set position for writing
	pos := 2 // Start after MsgType and flags

	// Handle Kind
	if msg.Kind != 0 {
		flags |= hasKind
		result[pos] = byte(msg.Kind)
		pos += 1
	}

	// Handle Op
	if msg.Op != "" {
		flags |= hasOp
		pos += putString(result[pos:], msg.Op)
	}

	// Handle Resource
	if msg.Resource != "" {
		flags |= hasResource
		pos += putString(result[pos:], msg.Resource)
	}

	// Handle Payload
	if msg.Payload != nil {
		flags |= hasPayload
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Payload)))
		pos += 4
		pos += copy(result[pos:], msg.Payload)
	}

	// Handle Args
	if len(msg.Args) > 0 {
		flags |= hasArgs
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Args)))
		pos += 4
		for _, arg := range msg.Args {
			pos += putString(result[pos:], arg)
		}
	}

	// Handle Kwargs
	if len(msg.Kwargs) > 0 {
		flags |= hasKwargs
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(msg.Kwargs)))
		pos += 4
		for k, v := range msg.Kwargs {
			pos += putString(result[pos:], k)
			pos += putString(result[pos:], v)
		}
	}

	// Handle Err
	if msg.Err != "" {
		flags |= hasErr
		pos += putString(result[pos:], msg.Err)
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	// Check minimum size (MsgType + flags)
	if len(data) < 2 {
		return fmt.Errorf("data too short for message header")
	}

	// Read message type
	msg.MsgType = common.MessageType(data[0])

	// Read flags
	flags := data[1]

	// Initialize read position
	pos := 2

	// Read Kind if present
	if flags&hasKind != 0 {
		if pos+1 > len(data) {
			return fmt.Errorf("data too short for kind")
		}
		msg.Kind = storage.RequestKind(data[pos])
		pos += 1
	} else {
		msg.Kind = 0
	}

	// Read Op if present
	if flags&hasOp != 0 {
		s, n, err := getString(data[pos:], "op")
		if err != nil {
			return err
		}
		msg.Op = s
		pos += n
	} else {
		msg.Op = ""
	}

	// Read Resource if present
	if flags&hasResource != 0 {
		s, n, err := getString(data[pos:], "resource")
		if err != nil {
			return err
		}
		msg.Resource = s
		pos += n
	} else {
		msg.Resource = ""
	}

	// Read Payload if present
	if flags&hasPayload != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for payload length")
		}
		payloadLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		if pos+int(payloadLen) > len(data) {
			return fmt.Errorf("data too short for payload data")
		}

		// Reuse the target's buffer when it is large enough
		if msg.Payload == nil || cap(msg.Payload) < int(payloadLen) {
			msg.Payload = make([]byte, payloadLen)
		} else {
			msg.Payload = msg.Payload[:payloadLen]
		}
		if payloadLen > 0 {
			copy(msg.Payload, data[pos:pos+int(payloadLen)])
		}
		pos += int(payloadLen)
	} else {
		msg.Payload = nil
	}

	// Read Args if present
	if flags&hasArgs != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for args count")
		}
		count := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		// every arg costs at least its 4 byte length prefix
		if int(count) > (len(data)-pos)/4 {
			return fmt.Errorf("data too short for %d args", count)
		}
		args := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			s, n, err := getString(data[pos:], "arg")
			if err != nil {
				return err
			}
			args = append(args, s)
			pos += n
		}
		msg.Args = args
	} else {
		msg.Args = nil
	}

	// Read Kwargs if present
	if flags&hasKwargs != 0 {
		if pos+4 > len(data) {
			return fmt.Errorf("data too short for kwargs count")
		}
		count := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4
		// every pair costs at least two 4 byte length prefixes
		if int(count) > (len(data)-pos)/8 {
			return fmt.Errorf("data too short for %d kwargs", count)
		}
		kwargs := make(map[string]string, count)
		for i := uint32(0); i < count; i++ {
			k, n, err := getString(data[pos:], "kwarg key")
			if err != nil {
				return err
			}
			pos += n
			v, n, err := getString(data[pos:], "kwarg value")
			if err != nil {
				return err
			}
			pos += n
			kwargs[k] = v
		}
		msg.Kwargs = kwargs
	} else {
		msg.Kwargs = nil
	}

	// Read Err if present
	if flags&hasErr != 0 {
		s, n, err := getString(data[pos:], "err")
		if err != nil {
			return err
		}
		msg.Err = s
		pos += n
	} else {
		msg.Err = ""
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// putString writes a length-prefixed string and returns the bytes written.
// The destination must be large enough (guaranteed by sizeBytes).
func putString(dst []byte, s string) int {
	binary.BigEndian.PutUint32(dst[:4], uint32(len(s)))
	copy(dst[4:], s)
	return 4 + len(s)
}

// getString reads a length-prefixed string and returns it with the bytes
// consumed.
func getString(data []byte, field string) (string, int, error) {
	if len(data) < 4 {
		return "", 0, fmt.Errorf("data too short for %s length", field)
	}
	strLen := binary.BigEndian.Uint32(data[:4])
	if 4+int(strLen) > len(data) {
		return "", 0, fmt.Errorf("data too short for %s data", field)
	}
	return string(data[4 : 4+strLen]), 4 + int(strLen), nil
}

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 1 byte for flags
	size := 2

	if msg.Kind != 0 {
		size += 1
	}
	if msg.Op != "" {
		size += 4 + len(msg.Op)
	}
	if msg.Resource != "" {
		size += 4 + len(msg.Resource)
	}
	if msg.Payload != nil {
		size += 4 + len(msg.Payload)
	}
	if len(msg.Args) > 0 {
		size += 4
		for _, arg := range msg.Args {
			size += 4 + len(arg)
		}
	}
	if len(msg.Kwargs) > 0 {
		size += 4
		for k, v := range msg.Kwargs {
			size += 4 + len(k) + 4 + len(v)
		}
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}

	return size
}
