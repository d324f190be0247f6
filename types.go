package dzplugin

import (
	"unicode/utf8"

	"github.com/HMasataka/dzplugin/pkg/errors"
	"github.com/HMasataka/dzplugin/pkg/wire"
)

// Message is a chat message sent by the plugin.
//
// A nil From sends the message as the plugin itself. A non-nil EphemeralTo
// makes the message visible to that single user only. Both are sent as
// absent fields when nil, never as empty strings.
type Message struct {
	Room        string
	From        *string
	Text        string
	EphemeralTo *string
}

// ListenerSpec declares what a listener subscription receives and whether
// it may rewrite messages.
type ListenerSpec struct {
	// Middleware lets the handler return a replacement for each event.
	Middleware bool
	// Once asks the host to end the subscription after the first delivery.
	Once bool
	// Pattern restricts delivered events to messages matching this regular
	// expression. Nil delivers everything.
	Pattern *string
}

// Event is an inbound chat event.
type Event struct {
	Room string
	From string
	Text string
}

// CommandDef describes a command registered with the host.
type CommandDef struct {
	Name        string
	Description string
	ArgsUsage   string
}

// Invocation is one request from the host to run a command.
type Invocation struct {
	Room string
	From string
	Args string
}

// String returns a pointer to s, for the optional fields of Message and
// ListenerSpec and for middleware replacements.
func String(s string) *string {
	return &s
}

// validate rejects text the host could not decode
func (m Message) validate() error {
	fields := []struct {
		name  string
		value *string
	}{
		{"room", &m.Room},
		{"from", m.From},
		{"text", &m.Text},
		{"ephemeral_to", m.EphemeralTo},
	}
	for _, f := range fields {
		if f.value != nil && !utf8.ValidString(*f.value) {
			return errors.New(errors.ErrorTypeValidation, "INVALID_UTF8", "message field is not valid UTF-8").
				WithDetails(f.name)
		}
	}
	return nil
}

func (m Message) toWire() *wire.Message {
	return &wire.Message{
		Room:        m.Room,
		From:        m.From,
		Msg:         m.Text,
		EphemeralTo: m.EphemeralTo,
	}
}

func (s ListenerSpec) toWire() *wire.Listener {
	middleware, once := s.Middleware, s.Once
	return &wire.Listener{
		Middleware: &middleware,
		Once:       &once,
		Regex:      s.Pattern,
	}
}

func (d CommandDef) toWire() *wire.CmdDef {
	return &wire.CmdDef{
		Name:     d.Name,
		ArgsInfo: d.ArgsUsage,
		Info:     d.Description,
	}
}

func eventFromWire(e *wire.Event) Event {
	return Event{Room: e.Room, From: e.From, Text: e.Msg}
}

func invocationFromWire(i *wire.CmdInvocation) Invocation {
	return Invocation{Room: i.Room, From: i.From, Args: i.Args}
}
