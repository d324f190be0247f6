// Package testhost runs an in-memory chat host for tests. It serves the
// plugin service over bufconn, records every call and lets a test drive
// listener and command streams frame by frame.
package testhost

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/dzplugin/pkg/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	bufferSize = 1 << 20
	waitLimit  = 5 * time.Second

	// Address is the target clients dial; pair it with DialOption.
	Address = "passthrough:///bufnet"
)

// Call records one RPC the host received.
type Call struct {
	Method        string
	Authorization []string
}

// Host is an in-memory plugin host.
type Host struct {
	listener *bufconn.Listener
	server   *grpc.Server

	mu        sync.Mutex
	calls     []Call
	messages  []*wire.Message
	sendHook  func(ctx context.Context, m *wire.Message) error
	wantToken string

	listeners chan *ListenerConn
	commands  chan *CommandConn
}

// New starts a host and stops it when the test ends.
func New(t testing.TB) *Host {
	t.Helper()

	h := &Host{
		listener:  bufconn.Listen(bufferSize),
		listeners: make(chan *ListenerConn, 16),
		commands:  make(chan *CommandConn, 16),
	}
	h.server = grpc.NewServer(
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.ChainUnaryInterceptor(h.unaryInterceptor),
		grpc.ChainStreamInterceptor(h.streamInterceptor),
	)
	wire.RegisterPluginServer(h.server, &service{host: h})

	go h.server.Serve(h.listener)
	t.Cleanup(h.Stop)

	return h
}

// DialOption routes a client's connections to this host.
func (h *Host) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return h.listener.DialContext(ctx)
	})
}

// Stop closes every connection and stream of the host.
func (h *Host) Stop() {
	h.server.Stop()
}

// RequireToken makes the host reject calls whose authorization header is
// not "Bearer <token>".
func (h *Host) RequireToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wantToken = token
}

// OnSendMessage installs a hook run for every SendMessage call after the
// message is recorded. A non-nil error fails the call.
func (h *Host) OnSendMessage(hook func(ctx context.Context, m *wire.Message) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendHook = hook
}

// Calls returns the calls received so far.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// Messages returns the messages received so far.
func (h *Host) Messages() []*wire.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*wire.Message(nil), h.messages...)
}

// WaitMessages waits until at least n messages were received.
func (h *Host) WaitMessages(t testing.TB, n int) []*wire.Message {
	t.Helper()

	deadline := time.Now().Add(waitLimit)
	for time.Now().Before(deadline) {
		if messages := h.Messages(); len(messages) >= n {
			return messages
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, len(h.Messages()))
	return nil
}

// AcceptListener waits for the next registered listener stream.
func (h *Host) AcceptListener(t testing.TB) *ListenerConn {
	t.Helper()

	select {
	case l := <-h.listeners:
		return l
	case <-time.After(waitLimit):
		t.Fatal("timed out waiting for a listener registration")
		return nil
	}
}

// AcceptCommand waits for the next registered command stream.
func (h *Host) AcceptCommand(t testing.TB) *CommandConn {
	t.Helper()

	select {
	case c := <-h.commands:
		return c
	case <-time.After(waitLimit):
		t.Fatal("timed out waiting for a command registration")
		return nil
	}
}

func (h *Host) authorize(ctx context.Context, method string) error {
	md, _ := metadata.FromIncomingContext(ctx)
	auth := md.Get("authorization")

	h.mu.Lock()
	h.calls = append(h.calls, Call{Method: method, Authorization: auth})
	want := h.wantToken
	h.mu.Unlock()

	if want != "" && (len(auth) != 1 || auth[0] != "Bearer "+want) {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

func (h *Host) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := h.authorize(ctx, info.FullMethod); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// streamInterceptor rejects a client-streaming call only after reading its
// first frame, so the client's registration send always completes and the
// rejection reaches the session's receive loop.
func (h *Host) streamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := h.authorize(ss.Context(), info.FullMethod); err != nil {
		if info.IsClientStream {
			_ = ss.RecvMsg(new(wire.ListenerClientData))
		}
		return err
	}
	return handler(srv, ss)
}

// ListenerConn is the host end of one RegisterListener stream.
type ListenerConn struct {
	Spec *wire.Listener

	stream grpc.BidiStreamingServer[wire.ListenerClientData, wire.Event]
	frames chan *wire.ListenerClientData
	end    chan error
	once   sync.Once
}

// Send delivers an event to the plugin.
func (l *ListenerConn) Send(room, from, msg string) error {
	return l.stream.Send(&wire.Event{Room: room, From: from, Msg: msg})
}

// Next waits for the next frame the plugin writes after registration. It
// returns false when the plugin closed its side or nothing arrived in time.
func (l *ListenerConn) Next(timeout time.Duration) (*wire.ListenerClientData, bool) {
	select {
	case f, ok := <-l.frames:
		return f, ok
	case <-time.After(timeout):
		return nil, false
	}
}

// Close ends the stream with err; nil ends it normally.
func (l *ListenerConn) Close(err error) {
	l.once.Do(func() { l.end <- err })
}

// Done is closed when the plugin's side of the stream ends.
func (l *ListenerConn) Done() <-chan struct{} {
	return l.stream.Context().Done()
}

// CommandConn is the host end of one RegisterCmd stream.
type CommandConn struct {
	Def *wire.CmdDef

	stream grpc.ServerStreamingServer[wire.CmdInvocation]
	end    chan error
	once   sync.Once
}

// Invoke delivers an invocation to the plugin.
func (c *CommandConn) Invoke(room, from, args string) error {
	return c.stream.Send(&wire.CmdInvocation{Room: room, From: from, Args: args})
}

// Close ends the stream with err; nil ends it normally.
func (c *CommandConn) Close(err error) {
	c.once.Do(func() { c.end <- err })
}

// Done is closed when the plugin's side of the stream ends.
func (c *CommandConn) Done() <-chan struct{} {
	return c.stream.Context().Done()
}

type service struct {
	host *Host
}

func (s *service) SendMessage(ctx context.Context, m *wire.Message) (*wire.MessageRes, error) {
	s.host.mu.Lock()
	s.host.messages = append(s.host.messages, m)
	hook := s.host.sendHook
	s.host.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, m); err != nil {
			return nil, err
		}
	}
	return &wire.MessageRes{}, nil
}

func (s *service) RegisterListener(stream grpc.BidiStreamingServer[wire.ListenerClientData, wire.Event]) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Listener == nil {
		return status.Error(codes.InvalidArgument, "first frame must be a listener")
	}

	conn := &ListenerConn{
		Spec:   first.Listener,
		stream: stream,
		frames: make(chan *wire.ListenerClientData, 64),
		end:    make(chan error, 1),
	}

	go func() {
		defer close(conn.frames)
		for {
			f, err := stream.Recv()
			if err != nil {
				return
			}
			select {
			case conn.frames <- f:
			case <-stream.Context().Done():
				return
			}
		}
	}()

	s.host.listeners <- conn

	select {
	case err := <-conn.end:
		return err
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
}

func (s *service) RegisterCmd(def *wire.CmdDef, stream grpc.ServerStreamingServer[wire.CmdInvocation]) error {
	conn := &CommandConn{
		Def:    def,
		stream: stream,
		end:    make(chan error, 1),
	}

	s.host.commands <- conn

	select {
	case err := <-conn.end:
		return err
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
}
