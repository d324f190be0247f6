package dzplugin

import (
	"context"
	stderrors "errors"
	"io"
	"regexp"
	"unicode/utf8"

	"github.com/HMasataka/dzplugin/pkg/errors"
	"github.com/HMasataka/dzplugin/pkg/wire"
	"google.golang.org/grpc"
)

type listenerStream = grpc.BidiStreamingClient[wire.ListenerClientData, wire.Event]

// RegisterListener subscribes to chat events. The subscription is opened
// and spec is sent before RegisterListener returns; events are then handled
// one at a time, in arrival order, on the session's goroutine.
//
// Cancelling ctx or calling Close on the returned session ends it.
func (c *Client) RegisterListener(ctx context.Context, spec ListenerSpec, handler ListenerHandler) (*Session, error) {
	if handler == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "NIL_HANDLER", "listener handler is nil")
	}
	if spec.Pattern != nil {
		if _, err := regexp.Compile(*spec.Pattern); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_PATTERN", "listener pattern does not compile")
		}
	}

	if err := c.track(); err != nil {
		return nil, err
	}
	s := c.newSession(ctx, KindListener, "")

	stream, err := c.rpc.RegisterListener(s.ctx)
	if err != nil {
		s.abort()
		return nil, callError(err, "REGISTER_FAILED", "failed to open listener stream")
	}

	if err := stream.Send(&wire.ListenerClientData{Listener: spec.toWire()}); err != nil {
		s.abort()
		return nil, callError(sendError(stream, err), "REGISTER_FAILED", "failed to register listener")
	}

	l := &listenerSession{
		session: s,
		spec:    spec,
		stream:  stream,
		handler: handler,
	}
	s.start(l.run)

	s.logger.Debug("listener registered", "middleware", spec.Middleware, "once", spec.Once)

	return s, nil
}

type listenerSession struct {
	session *Session
	spec    ListenerSpec
	stream  listenerStream
	handler ListenerHandler
}

func (l *listenerSession) run(ctx context.Context) error {
	hctx := l.session.handlerContext()

	for {
		l.session.setState(StateStreaming)

		frame, err := l.stream.Recv()
		if err != nil {
			return streamError(ctx, err)
		}

		l.session.setState(StateDispatching)

		var (
			replacement *string
			herr        *errors.Error
		)
		l.session.dispatch(func() {
			replacement, herr = dispatchEvent(hctx, l.handler, eventFromWire(frame))
		})
		if replacement != nil && !l.spec.Middleware {
			return errors.New(errors.ErrorTypeProtocolMisuse, "REPLACEMENT_WITHOUT_MIDDLEWARE",
				"listener handler returned a replacement but the listener is not middleware")
		}
		if herr == nil && replacement != nil && !utf8.ValidString(*replacement) {
			herr = errors.New(errors.ErrorTypeApplication, "INVALID_UTF8", "middleware replacement is not valid UTF-8")
		}
		if herr != nil {
			l.session.report(hctx, herr)
			continue
		}

		if replacement != nil {
			response := &wire.ListenerClientData{Response: &wire.MiddlewareResponse{Msg: replacement}}
			if err := l.stream.Send(response); err != nil {
				return streamError(ctx, sendError(l.stream, err))
			}
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// sendError resolves the io.EOF a stream returns from Send when the host
// already ended it into the status the host ended it with.
func sendError(stream listenerStream, err error) error {
	if !stderrors.Is(err, io.EOF) {
		return err
	}
	if _, rerr := stream.Recv(); rerr != nil {
		return rerr
	}
	return err
}
