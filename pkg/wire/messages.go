package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frame is a message of the plugin service that knows its own protobuf
// encoding.
type Frame interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// ErrAmbiguousOneof is returned when a ListenerClientData carries both a
// listener and a response.
var ErrAmbiguousOneof = errors.New("wire: listener client data sets more than one field of oneof data")

// ErrInvalidUTF8 is returned when a string field does not hold valid UTF-8
var ErrInvalidUTF8 = errors.New("wire: string field contains invalid UTF-8")

// Message is a chat message sent by the plugin. From and EphemeralTo are
// optional: nil means the field is absent on the wire.
type Message struct {
	Room        string
	From        *string
	Msg         string
	EphemeralTo *string
}

// MessageRes acknowledges a SendMessage call.
type MessageRes struct{}

// Listener declares the semantics of a listener subscription.
type Listener struct {
	Middleware *bool
	Once       *bool
	Regex      *string
}

// MiddlewareResponse is written back on a middleware listener stream after
// an event has been handled.
type MiddlewareResponse struct {
	Msg *string
}

// ListenerClientData is a client frame of the RegisterListener stream.
// Exactly one of Listener and Response is set.
type ListenerClientData struct {
	Listener *Listener
	Response *MiddlewareResponse
}

// Event is a chat event delivered to a listener.
type Event struct {
	Room string
	From string
	Msg  string
}

// CmdDef registers a command with the host.
type CmdDef struct {
	Name     string
	ArgsInfo string
	Info     string
}

// CmdInvocation is one host request to run a registered command.
type CmdInvocation struct {
	Room string
	From string
	Args string
}

func (m *Listener) GetMiddleware() bool {
	return m != nil && m.Middleware != nil && *m.Middleware
}

func (m *Listener) GetOnce() bool {
	return m != nil && m.Once != nil && *m.Once
}

func (m *Listener) GetRegex() string {
	if m == nil || m.Regex == nil {
		return ""
	}
	return *m.Regex
}

func (m *Message) Marshal() ([]byte, error) {
	var e encoder
	e.str(1, m.Room)
	e.optStr(2, m.From)
	e.str(3, m.Msg)
	e.optStr(4, m.EphemeralTo)
	return e.result()
}

func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &m.Room)
		case num == 2 && typ == protowire.BytesType:
			return consumeOptString(b, &m.From)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &m.Msg)
		case num == 4 && typ == protowire.BytesType:
			return consumeOptString(b, &m.EphemeralTo)
		}
		return 0
	})
}

func (m *MessageRes) Marshal() ([]byte, error) {
	return nil, nil
}

func (m *MessageRes) Unmarshal(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) int { return 0 })
}

func (m *Listener) Marshal() ([]byte, error) {
	var e encoder
	e.optBool(1, m.Middleware)
	e.optBool(2, m.Once)
	e.optStr(3, m.Regex)
	return e.result()
}

func (m *Listener) Unmarshal(b []byte) error {
	*m = Listener{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeOptBool(b, &m.Middleware)
		case num == 2 && typ == protowire.VarintType:
			return consumeOptBool(b, &m.Once)
		case num == 3 && typ == protowire.BytesType:
			return consumeOptString(b, &m.Regex)
		}
		return 0
	})
}

func (m *MiddlewareResponse) Marshal() ([]byte, error) {
	var e encoder
	e.optStr(1, m.Msg)
	return e.result()
}

func (m *MiddlewareResponse) Unmarshal(b []byte) error {
	*m = MiddlewareResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.BytesType {
			return consumeOptString(b, &m.Msg)
		}
		return 0
	})
}

func (m *ListenerClientData) Marshal() ([]byte, error) {
	if m.Listener != nil && m.Response != nil {
		return nil, ErrAmbiguousOneof
	}

	switch {
	case m.Listener != nil:
		return appendMessage(nil, 1, m.Listener)
	case m.Response != nil:
		return appendMessage(nil, 2, m.Response)
	}
	return nil, nil
}

func (m *ListenerClientData) Unmarshal(b []byte) error {
	*m = ListenerClientData{}

	var inner error
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}

		// A later member of the oneof replaces an earlier one.
		switch num {
		case 1:
			l := new(Listener)
			inner = errors.Join(inner, l.Unmarshal(v))
			m.Listener, m.Response = l, nil
		case 2:
			r := new(MiddlewareResponse)
			inner = errors.Join(inner, r.Unmarshal(v))
			m.Listener, m.Response = nil, r
		default:
			return 0
		}
		return n
	})
	if err != nil {
		return err
	}
	return inner
}

func (m *Event) Marshal() ([]byte, error) {
	var e encoder
	e.str(1, m.Room)
	e.str(2, m.From)
	e.str(3, m.Msg)
	return e.result()
}

func (m *Event) Unmarshal(b []byte) error {
	*m = Event{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		switch num {
		case 1:
			return consumeString(b, &m.Room)
		case 2:
			return consumeString(b, &m.From)
		case 3:
			return consumeString(b, &m.Msg)
		}
		return 0
	})
}

func (m *CmdDef) Marshal() ([]byte, error) {
	var e encoder
	e.str(1, m.Name)
	e.str(2, m.ArgsInfo)
	e.str(3, m.Info)
	return e.result()
}

func (m *CmdDef) Unmarshal(b []byte) error {
	*m = CmdDef{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		switch num {
		case 1:
			return consumeString(b, &m.Name)
		case 2:
			return consumeString(b, &m.ArgsInfo)
		case 3:
			return consumeString(b, &m.Info)
		}
		return 0
	})
}

func (m *CmdInvocation) Marshal() ([]byte, error) {
	var e encoder
	e.str(1, m.Room)
	e.str(2, m.From)
	e.str(3, m.Args)
	return e.result()
}

func (m *CmdInvocation) Unmarshal(b []byte) error {
	*m = CmdInvocation{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		switch num {
		case 1:
			return consumeString(b, &m.Room)
		case 2:
			return consumeString(b, &m.From)
		case 3:
			return consumeString(b, &m.Args)
		}
		return 0
	})
}

// encoder appends fields to a message and keeps the first error.
type encoder struct {
	b   []byte
	err error
}

func (e *encoder) result() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.b, nil
}

// str encodes a proto3 implicit-presence string; the zero value is not
// written.
func (e *encoder) str(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.optStr(num, &v)
}

// optStr encodes an explicit-presence string. An empty but present value
// is written.
func (e *encoder) optStr(num protowire.Number, v *string) {
	if v == nil || e.err != nil {
		return
	}
	if !utf8.ValidString(*v) {
		e.err = fmt.Errorf("wire: field %d: %w", num, ErrInvalidUTF8)
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, *v)
}

func (e *encoder) optBool(num protowire.Number, v *bool) {
	if v == nil || e.err != nil {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, protowire.EncodeBool(*v))
}

func appendMessage(b []byte, num protowire.Number, m Frame) ([]byte, error) {
	v, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v), nil
}

// errCodeInvalidUTF8 is returned by visit functions for a string field
// that is not valid UTF-8. protowire's own error codes are all above it.
const errCodeInvalidUTF8 = -100

// consumeFields walks the fields of an encoded message. visit returns the
// number of bytes it consumed from the field value, 0 to skip the field as
// unknown, or a negative error code.
func consumeFields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: %w", protowire.ParseError(n))
		}
		b = b[n:]

		m := visit(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m == errCodeInvalidUTF8 {
			return fmt.Errorf("wire: field %d: %w", num, ErrInvalidUTF8)
		}
		if m < 0 {
			return fmt.Errorf("wire: field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n
	}
	if !utf8.ValidString(v) {
		return errCodeInvalidUTF8
	}
	*dst = v
	return n
}

func consumeOptString(b []byte, dst **string) int {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return n
	}
	if !utf8.ValidString(v) {
		return errCodeInvalidUTF8
	}
	*dst = &v
	return n
}

func consumeOptBool(b []byte, dst **bool) int {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return n
	}
	x := protowire.DecodeBool(v)
	*dst = &x
	return n
}
