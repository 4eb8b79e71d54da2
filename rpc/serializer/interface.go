package serializer

import (
	"fmt"
	"strings"

	"github.com/airlock-lab/airlock/rpc/common"
)

// IRPCSerializer is the interface for all Message serializers. The queue
// endpoint and the pipe wrapper are handed one at construction time; the wire
// never dictates the encoding.
type IRPCSerializer interface {
	// Serialize serializes a Message into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize deserializes a byte array into a Message
	// It takes a byte array and a pointer to a Message as parameters
	// It returns an error if any
	Deserialize(b []byte, msg *common.Message) error
}

// ForName returns the serializer registered under the given name.
// Valid names are json, gob and binary.
func ForName(name string) (IRPCSerializer, error) {
	switch strings.ToLower(name) {
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "binary":
		return NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q (want json, gob or binary)", name)
	}
}
