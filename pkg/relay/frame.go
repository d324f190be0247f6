package relay

import (
	"encoding/json"
	"strings"

	"github.com/HMasataka/dzplugin/pkg/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Frame types
const (
	FrameChat  = "chat"
	FramePost  = "post"
	FrameError = "error"
	FramePing  = "ping"
	FramePong  = "pong"
)

// Frame is one WebSocket message between the relay and a subscriber.
//
// The relay writes "chat" frames for chat events and "error" frames for
// posts it could not deliver. Subscribers write "post" frames, and "ping"
// frames the relay answers with "pong"; a frame without a type is read as
// a post.
type Frame struct {
	Type  string `json:"type" cbor:"type"`
	Room  string `json:"room,omitempty" cbor:"room,omitempty"`
	From  string `json:"from,omitempty" cbor:"from,omitempty"`
	Text  string `json:"text,omitempty" cbor:"text,omitempty"`
	Error string `json:"error,omitempty" cbor:"error,omitempty"`
}

// Encoding selects how frames are serialized on a connection.
type Encoding int

const (
	// EncodingJSON sends JSON text frames
	EncodingJSON Encoding = iota
	// EncodingCBOR sends CBOR binary frames
	EncodingCBOR
)

func (e Encoding) String() string {
	if e == EncodingCBOR {
		return "cbor"
	}
	return "json"
}

// ParseEncoding parses the encoding query parameter of a subscription.
// The empty string selects JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return EncodingJSON, nil
	case "cbor":
		return EncodingCBOR, nil
	default:
		return 0, errors.New(errors.ErrorTypeValidation, "UNKNOWN_ENCODING", "unknown frame encoding").
			WithDetails(s)
	}
}

// Marshal encodes f.
func (e Encoding) Marshal(f Frame) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if e == EncodingCBOR {
		data, err = cbor.Marshal(f)
	} else {
		data, err = json.Marshal(f)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "MARSHAL_ERROR", "failed to encode frame")
	}
	return data, nil
}

// Unmarshal decodes data into f.
func (e Encoding) Unmarshal(data []byte, f *Frame) error {
	var err error
	if e == EncodingCBOR {
		err = cbor.Unmarshal(data, f)
	} else {
		err = json.Unmarshal(data, f)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_FRAME", "failed to decode frame")
	}
	return nil
}

func (e Encoding) messageType() int {
	if e == EncodingCBOR {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
