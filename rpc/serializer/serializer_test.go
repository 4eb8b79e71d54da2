package serializer

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/airlock-lab/airlock/lib/storage"
	"github.com/airlock-lab/airlock/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Bare control messages
		{MsgType: common.MsgTSpace},
		{MsgType: common.MsgTSpaceNotAvailable},
		{MsgType: common.MsgTStoring},
		{MsgType: common.MsgTClosed},

		// Data message with every request field filled
		{
			MsgType:  common.MsgTData,
			Kind:     storage.KindStore,
			Op:       "result",
			Resource: "run.results",
			Payload:  []byte("encoded trial payload"),
			Args:     []string{"trial-7", "final"},
			Kwargs:   map[string]string{"overwrite": "true", "äöü": "ünïcodé"},
		},

		// Data message carrying the done sentinel
		{
			MsgType: common.MsgTData,
			Kind:    storage.KindDone,
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Err:     "test error message",
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			// MsgTUnknown is excluded, it never goes over the wire
			for msgType := common.MsgTError; msgType <= common.MsgTClosed; msgType++ {
				msg := common.Message{MsgType: msgType}

				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestDataMessageToRequest verifies the Message <-> storage.Request mapping
func TestDataMessageToRequest(t *testing.T) {
	req := storage.NewStoreRequest("result", "run.results", []byte("payload"),
		[]string{"trial-1"}, map[string]string{"overwrite": "false"})

	msg := common.NewDataRequest(req)
	got := msg.ToRequest()

	if !reflect.DeepEqual(req, got) {
		t.Errorf("request mangled by message wrapping:\nOriginal: %+v\nResult: %+v", req, got)
	}
}

// TestBinarySerializerSpecific tests edge cases of the binary format
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Empty payload slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTData,
				Kind:    storage.KindStore,
				Op:      "result",
				Payload: []byte{},
			},
		},
		{
			name: "Nil payload",
			msg: common.Message{
				MsgType:  common.MsgTData,
				Kind:     storage.KindStore,
				Op:       "result",
				Resource: "run.results",
			},
		},
		{
			name: "Single arg, no kwargs",
			msg: common.Message{
				MsgType: common.MsgTData,
				Kind:    storage.KindStore,
				Op:      "result",
				Args:    []string{"only"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			var result common.Message
			err = serializer.Deserialize(data, &result)
			if err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			if tc.msg.MsgType != result.MsgType {
				t.Errorf("MsgType mismatch: expected %v, got %v", tc.msg.MsgType, result.MsgType)
			}
			if tc.msg.Kind != result.Kind {
				t.Errorf("Kind mismatch: expected %v, got %v", tc.msg.Kind, result.Kind)
			}
			if tc.msg.Op != result.Op {
				t.Errorf("Op mismatch: expected %q, got %q", tc.msg.Op, result.Op)
			}
			if tc.msg.Resource != result.Resource {
				t.Errorf("Resource mismatch: expected %q, got %q", tc.msg.Resource, result.Resource)
			}
			if (tc.msg.Payload == nil) != (result.Payload == nil) {
				t.Errorf("Payload nil/non-nil mismatch: expected %v, got %v", tc.msg.Payload, result.Payload)
			} else if !bytes.Equal(tc.msg.Payload, result.Payload) {
				t.Errorf("Payload mismatch: expected %v, got %v", tc.msg.Payload, result.Payload)
			}
			if !reflect.DeepEqual(tc.msg.Args, result.Args) {
				t.Errorf("Args mismatch: expected %v, got %v", tc.msg.Args, result.Args)
			}
		})
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1}, // Only message type, no flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Invalid length for op",
			data:        []byte{1, 2, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims op length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for payload",
			data:        []byte{1, 8, 0, 0, 0, 10}, // Claims payload length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Truncated args count",
			data:        []byte{1, 16, 0, 0}, // hasArgs set, count cut off
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}

// TestForName verifies the by-name factory
func TestForName(t *testing.T) {
	for _, name := range []string{"json", "GOB", "Binary"} {
		if _, err := ForName(name); err != nil {
			t.Errorf("ForName(%q) failed: %v", name, err)
		}
	}
	if _, err := ForName("proto"); err == nil {
		t.Error("ForName(proto) succeeded, want error")
	}
}
