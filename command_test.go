package dzplugin

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HMasataka/dzplugin/internal/eventbus"
	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/internal/testhost"
	"github.com/HMasataka/dzplugin/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var greet = CommandDef{
	Name:        "greet",
	Description: "Greets someone",
	ArgsUsage:   "<name>",
}

func greetHandler(_ context.Context, inv Invocation) (string, error) {
	return "Hello " + inv.Args + "!", nil
}

func TestGreetCommand(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(greetHandler))
	require.NoError(t, err)
	defer session.Close()

	conn := host.AcceptCommand(t)
	assert.Equal(t, "greet", conn.Def.Name)
	assert.Equal(t, "Greets someone", conn.Def.Info)
	assert.Equal(t, "<name>", conn.Def.ArgsInfo)
	assert.Equal(t, KindCommand, session.Kind())
	assert.Equal(t, "greet", session.Name())

	require.NoError(t, conn.Invoke("#main", "bob", "World"))

	messages := host.WaitMessages(t, 1)
	require.Len(t, messages, 1)
	assert.Equal(t, "#main", messages[0].Room)
	assert.Equal(t, "Hello World!", messages[0].Msg)
	assert.Nil(t, messages[0].From)
	assert.Nil(t, messages[0].EphemeralTo)

	calls := host.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, wire.RegisterCmdMethod, calls[0].Method)
	assert.Equal(t, wire.SendMessageMethod, calls[1].Method)
}

func TestCommandRepliesInOrder(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	var (
		mu       sync.Mutex
		inFlight int
		overlap  bool
	)

	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(func(ctx context.Context, inv Invocation) (string, error) {
		mu.Lock()
		inFlight++
		overlap = overlap || inFlight > 1
		mu.Unlock()

		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()

		time.Sleep(time.Millisecond)
		return greetHandler(ctx, inv)
	}))
	require.NoError(t, err)
	defer session.Close()

	conn := host.AcceptCommand(t)
	names := []string{"ann", "bob", "cid", "dee", "eve"}
	for _, name := range names {
		require.NoError(t, conn.Invoke("#main", "bob", name))
	}

	messages := host.WaitMessages(t, len(names))
	for i, name := range names {
		assert.Equal(t, "Hello "+name+"!", messages[i].Msg)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap)
}

func TestCommandHandlerErrorSkipsReply(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(func(ctx context.Context, inv Invocation) (string, error) {
		if inv.Args == "" {
			return "", stderrors.New("missing name")
		}
		return greetHandler(ctx, inv)
	}))
	require.NoError(t, err)

	conn := host.AcceptCommand(t)
	require.NoError(t, conn.Invoke("#main", "bob", ""))
	require.NoError(t, conn.Invoke("#main", "bob", "World"))

	messages := host.WaitMessages(t, 1)
	conn.Close(nil)
	require.NoError(t, session.Wait())

	assert.Len(t, host.Messages(), 1)
	assert.Equal(t, "Hello World!", messages[0].Msg)

	err = <-session.Errors()
	assert.ErrorIs(t, err, ErrApplication)
}

func TestCommandReplyFailureIsNotFatal(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	host.OnSendMessage(func(_ context.Context, m *wire.Message) error {
		if m.Msg == "Hello nobody!" {
			return status.Error(codes.NotFound, "no such room")
		}
		return nil
	})

	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(greetHandler))
	require.NoError(t, err)
	defer session.Close()

	conn := host.AcceptCommand(t)
	require.NoError(t, conn.Invoke("#gone", "bob", "nobody"))

	select {
	case err := <-session.Errors():
		assert.ErrorIs(t, err, ErrApplication)
		assert.ErrorIs(t, err, ErrTransport)
	case <-time.After(5 * time.Second):
		require.Fail(t, "reply failure was not reported")
	}

	require.NoError(t, conn.Invoke("#main", "bob", "World"))
	messages := host.WaitMessages(t, 2)
	assert.Equal(t, "Hello World!", messages[1].Msg)
	assert.Nil(t, session.Err())
}

func TestCommandHandlerSeesSession(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	type observed struct {
		session *Session
		state   State
		logger  *logging.Logger
	}

	seen := make(chan observed, 1)
	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(func(ctx context.Context, inv Invocation) (string, error) {
		if s, ok := SessionFromContext(ctx); ok {
			seen <- observed{session: s, state: s.State(), logger: logging.FromContext(ctx)}
		}
		return greetHandler(ctx, inv)
	}))
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, host.AcceptCommand(t).Invoke("#main", "bob", "World"))

	select {
	case o := <-seen:
		assert.Same(t, session, o.session)
		assert.Equal(t, StateDispatching, o.state)
		assert.Same(t, session.logger, o.logger)
	case <-time.After(5 * time.Second):
		require.Fail(t, "handler did not run")
	}
}

func TestRegisterCommandValidation(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)
	ctx := context.Background()

	_, err := client.RegisterCommand(ctx, greet, nil)
	assert.ErrorIs(t, err, ErrValidation)

	for _, name := range []string{"", "two words", "tab\tbed"} {
		_, err := client.RegisterCommand(ctx, CommandDef{Name: name}, CommandFunc(greetHandler))
		assert.ErrorIs(t, err, ErrValidation, "name %q", name)
	}

	assert.Empty(t, host.Calls())
}

func TestRegisterCommandRejectedCredential(t *testing.T) {
	host := testhost.New(t)
	host.RequireToken("another-token")
	client := newTestClient(t, host)

	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(greetHandler))
	require.NoError(t, err)

	err = session.Wait()
	assert.ErrorIs(t, err, ErrAuth)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestClientCloseEndsSessions(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)
	ctx := context.Background()

	closed, err := client.RegisterCommand(ctx, greet, CommandFunc(greetHandler))
	require.NoError(t, err)
	host.AcceptCommand(t)

	running, err := client.RegisterCommand(ctx, CommandDef{Name: "wave"}, CommandFunc(greetHandler))
	require.NoError(t, err)
	host.AcceptCommand(t)

	require.NoError(t, closed.Close())
	require.NoError(t, client.Close())

	select {
	case <-running.Done():
	default:
		require.Fail(t, "Close returned before the session ended")
	}
	assert.NoError(t, closed.Err())
	assert.ErrorIs(t, running.Err(), ErrTransport)
}

func TestSessionEventsPublished(t *testing.T) {
	bus := eventbus.NewInMemoryBus(64)
	bus.Start(context.Background())
	defer bus.Stop()

	var (
		mu    sync.Mutex
		types []eventbus.EventType
	)
	closed := make(chan struct{})
	bus.SubscribeAll(func(e *eventbus.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		if e.Type == eventbus.EventSessionClosed {
			close(closed)
		}
	})

	host := testhost.New(t)
	client := newTestClient(t, host, WithEventBus(bus))

	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(greetHandler))
	require.NoError(t, err)

	conn := host.AcceptCommand(t)
	require.NoError(t, conn.Invoke("#main", "bob", "World"))
	host.WaitMessages(t, 1)
	require.NoError(t, session.Close())

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		require.Fail(t, "session.closed was not published")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []eventbus.EventType{
		eventbus.EventSessionStarted,
		eventbus.EventMessageSent,
		eventbus.EventSessionClosed,
	}, types)
}

func TestCommandHandlerClosesOwnSession(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(func(ctx context.Context, inv Invocation) (string, error) {
		if s, ok := SessionFromContext(ctx); ok {
			if err := s.Close(); err != nil {
				return "", err
			}
		}
		return greetHandler(ctx, inv)
	}))
	require.NoError(t, err)

	require.NoError(t, host.AcceptCommand(t).Invoke("#main", "bob", "World"))

	messages := host.WaitMessages(t, 1)
	assert.Equal(t, "Hello World!", messages[0].Msg)

	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		require.Fail(t, "session did not end")
	}
	assert.Equal(t, StateClosed, session.State())
	assert.NoError(t, session.Err())

	clientClosed := make(chan error, 1)
	go func() { clientClosed <- client.Close() }()
	select {
	case <-clientClosed:
	case <-time.After(5 * time.Second):
		require.Fail(t, "client Close did not return")
	}
}

func TestCommandCloseLetsRunningHandlerReply(t *testing.T) {
	host := testhost.New(t)
	client := newTestClient(t, host)

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	session, err := client.RegisterCommand(context.Background(), greet, CommandFunc(func(ctx context.Context, inv Invocation) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return greetHandler(ctx, inv)
	}))
	require.NoError(t, err)

	conn := host.AcceptCommand(t)
	require.NoError(t, conn.Invoke("#main", "bob", "World"))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		require.Fail(t, "handler did not start")
	}

	closed := make(chan error, 1)
	go func() { closed <- session.Close() }()

	// The host may already see the stream cancelled.
	_ = conn.Invoke("#main", "bob", "again")
	close(release)

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "Close did not return")
	}
	require.NoError(t, session.Wait())

	messages := host.WaitMessages(t, 1)
	assert.Equal(t, "Hello World!", messages[0].Msg)
	assert.Len(t, host.Messages(), 1)
	assert.Equal(t, int32(1), calls.Load())
}
