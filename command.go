package dzplugin

import (
	"context"
	"strings"

	"github.com/HMasataka/dzplugin/pkg/errors"
	"github.com/HMasataka/dzplugin/pkg/wire"
	"google.golang.org/grpc"
)

type commandStream = grpc.ServerStreamingClient[wire.CmdInvocation]

// RegisterCommand registers def with the host. Each invocation is handled
// on the session's goroutine in arrival order, and the handler's reply is
// sent to the invoking room as the plugin itself.
//
// Cancelling ctx or calling Close on the returned session ends it.
func (c *Client) RegisterCommand(ctx context.Context, def CommandDef, handler CommandHandler) (*Session, error) {
	if handler == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "NIL_HANDLER", "command handler is nil")
	}
	if def.Name == "" || strings.ContainsFunc(def.Name, isSpace) {
		return nil, errors.New(errors.ErrorTypeValidation, "INVALID_COMMAND_NAME", "command name must be a single non-empty word").
			WithDetails(def.Name)
	}

	if err := c.track(); err != nil {
		return nil, err
	}
	s := c.newSession(ctx, KindCommand, def.Name)

	stream, err := c.rpc.RegisterCmd(s.ctx, def.toWire())
	if err != nil {
		s.abort()
		return nil, callError(err, "REGISTER_FAILED", "failed to register command")
	}

	cmd := &commandSession{
		session: s,
		stream:  stream,
		handler: handler,
	}
	s.start(cmd.run)

	return s, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

type commandSession struct {
	session *Session
	stream  commandStream
	handler CommandHandler
}

func (c *commandSession) run(ctx context.Context) error {
	hctx := c.session.handlerContext()

	for {
		c.session.setState(StateStreaming)

		frame, err := c.stream.Recv()
		if err != nil {
			return streamError(ctx, err)
		}

		c.session.setState(StateDispatching)

		invocation := invocationFromWire(frame)
		var (
			reply string
			herr  *errors.Error
		)
		c.session.dispatch(func() {
			reply, herr = dispatchCommand(hctx, c.handler, invocation)
		})
		if herr != nil {
			c.session.report(hctx, herr)
			continue
		}

		c.session.setState(StateReplying)

		if err := c.session.client.SendMessage(hctx, Message{Room: invocation.Room, Text: reply}); err != nil {
			c.session.report(hctx, errors.Wrap(err, errors.ErrorTypeApplication, "REPLY_FAILED", "failed to send command reply").
				WithDetails("room "+invocation.Room))
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}
