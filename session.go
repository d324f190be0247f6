package dzplugin

import (
	"context"
	"sync/atomic"

	"github.com/HMasataka/dzplugin/internal/eventbus"
	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/pkg/errors"
	"github.com/rs/xid"
)

// SessionKind tells listener and command sessions apart
type SessionKind string

const (
	KindListener SessionKind = "listener"
	KindCommand  SessionKind = "command"
)

// State is the position of a session in its receive loop
type State int32

const (
	StateRegistering State = iota
	StateStreaming
	StateDispatching
	StateReplying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateStreaming:
		return "streaming"
	case StateDispatching:
		return "dispatching"
	case StateReplying:
		return "replying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the handle of one running subscription. Its receive loop runs
// in its own goroutine and handles one frame at a time.
type Session struct {
	id     string
	kind   SessionKind
	name   string
	client *Client
	logger *logging.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	state    atomic.Int32
	handling atomic.Bool
	errs     chan error
	done     chan struct{}
	err      error
}

func (c *Client) newSession(ctx context.Context, kind SessionKind, name string) *Session {
	id := xid.New().String()

	fields := map[string]any{"session_id": id, "kind": string(kind)}
	if name != "" {
		fields["command"] = name
	}

	s := &Session{
		id:     id,
		kind:   kind,
		name:   name,
		client: c,
		logger: c.logger.WithFields(fields),
		errs:   make(chan error, errorBufferSize),
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateRegistering)

	return s
}

// ID returns the unique identifier of the session
func (s *Session) ID() string {
	return s.id
}

// Kind returns whether this is a listener or a command session
func (s *Session) Kind() SessionKind {
	return s.kind
}

// Name returns the command name of a command session
func (s *Session) Name() string {
	return s.name
}

// State returns the current state of the receive loop
func (s *Session) State() State {
	return State(s.state.Load())
}

// Errors delivers the application errors of individual events or
// invocations. It is closed when the session ends. Errors are dropped when
// the buffer is full; they still reach the client's error handler.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Done is closed when the session has ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error once the session has ended: nil for a
// stream the host closed or the owner cancelled, otherwise ErrTransport,
// ErrAuth or ErrProtocolMisuse.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the session ends and returns its terminal error
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Close stops the receive loop at its next suspension point and waits for
// it. A handler already running is allowed to finish: while one runs, Close
// only cancels and returns nil, so a handler may close its own session.
// Use Wait to block until such a session has ended.
func (s *Session) Close() error {
	s.cancel()
	if s.handling.Load() {
		return nil
	}
	return s.Wait()
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// handlerContext is passed to handlers. It keeps the values of the session
// context but is not cancelled with it, and carries the session and its
// logger.
func (s *Session) handlerContext() context.Context {
	ctx := logging.WithLogger(context.WithoutCancel(s.ctx), s.logger)
	return withSession(ctx, s)
}

// dispatch runs a handler invocation with the handling flag raised
func (s *Session) dispatch(fn func()) {
	s.handling.Store(true)
	defer s.handling.Store(false)
	fn()
}

// start runs the receive loop. The caller must have counted the session
// with Client.track.
func (s *Session) start(run func(ctx context.Context) error) {
	s.logger.Info("session started")
	s.client.publish(eventbus.NewEvent(eventbus.EventSessionStarted, eventSource, s.id).
		WithMetadata("kind", string(s.kind)))

	go func() {
		defer s.client.sessions.Done()
		s.finish(run(s.ctx))
	}()
}

// abort releases a session that failed to register
func (s *Session) abort() {
	s.cancel()
	s.client.sessions.Done()
}

func (s *Session) finish(err error) {
	s.err = err
	s.setState(StateClosed)
	s.cancel()
	close(s.errs)
	close(s.done)

	event := eventbus.NewEvent(eventbus.EventSessionClosed, eventSource, s.id).
		WithMetadata("kind", string(s.kind))
	if err != nil {
		event.WithMetadata("error", err.Error())
		s.logger.Error("session ended", "error", err)
	} else {
		s.logger.Info("session ended")
	}
	s.client.publish(event)
}

// report hands a non-fatal error to the client's error handler and the
// session's Errors channel. Only the session goroutine calls it.
func (s *Session) report(ctx context.Context, err *errors.Error) {
	s.client.errorHandler.HandleWithLogger(ctx, err, s.logger.Logger)
	s.client.publish(eventbus.NewEvent(eventbus.EventSessionError, eventSource, err.Error()).
		WithMetadata("session_id", s.id))

	select {
	case s.errs <- err:
	default:
		s.logger.Warn("error channel full, dropping error", "error", err)
	}
}
