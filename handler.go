package dzplugin

import (
	"context"
	"fmt"

	"github.com/HMasataka/dzplugin/pkg/errors"
)

// ListenerHandler handles the events of a listener session. A non-nil
// replacement is only allowed on middleware listeners, where it replaces
// the message on the host.
type ListenerHandler interface {
	HandleEvent(ctx context.Context, event Event) (replacement *string, err error)
}

// ListenerFunc adapts a function to ListenerHandler
type ListenerFunc func(ctx context.Context, event Event) (*string, error)

func (f ListenerFunc) HandleEvent(ctx context.Context, event Event) (*string, error) {
	return f(ctx, event)
}

// CommandHandler runs a command invocation and returns the reply text the
// session sends back to the invoking room.
type CommandHandler interface {
	HandleCommand(ctx context.Context, invocation Invocation) (string, error)
}

// CommandFunc adapts a function to CommandHandler
type CommandFunc func(ctx context.Context, invocation Invocation) (string, error)

func (f CommandFunc) HandleCommand(ctx context.Context, invocation Invocation) (string, error) {
	return f(ctx, invocation)
}

// dispatchEvent calls h and turns a returned error or a panic into an
// application error.
func dispatchEvent(ctx context.Context, h ListenerHandler, event Event) (replacement *string, err *errors.Error) {
	defer func() {
		if r := recover(); r != nil {
			replacement = nil
			err = errors.New(errors.ErrorTypeApplication, "HANDLER_PANIC", "listener handler panicked").
				WithDetails(fmt.Sprint(r))
		}
	}()

	replacement, herr := h.HandleEvent(ctx, event)
	if herr != nil {
		return replacement, errors.Wrap(herr, errors.ErrorTypeApplication, "HANDLER_FAILED", "listener handler failed")
	}
	return replacement, nil
}

func dispatchCommand(ctx context.Context, h CommandHandler, invocation Invocation) (reply string, err *errors.Error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.ErrorTypeApplication, "HANDLER_PANIC", "command handler panicked").
				WithDetails(fmt.Sprint(r))
		}
	}()

	reply, herr := h.HandleCommand(ctx, invocation)
	if herr != nil {
		return "", errors.Wrap(herr, errors.ErrorTypeApplication, "HANDLER_FAILED", "command handler failed")
	}
	return reply, nil
}
