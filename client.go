package dzplugin

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"

	"github.com/HMasataka/dzplugin/internal/eventbus"
	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/pkg/errors"
	"github.com/HMasataka/dzplugin/pkg/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const eventSource = "dzplugin"

// Client is a plugin's connection to a chat host. It is safe for concurrent
// use; every session registered through it shares its channel.
type Client struct {
	conn         *grpc.ClientConn
	rpc          wire.PluginClient
	credential   Credential
	logger       *logging.Logger
	errorHandler errors.Handler
	eventBus     eventbus.Bus

	mu        sync.Mutex
	closed    bool
	sessions  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Connect validates token, dials the host at address and waits until the
// channel is ready. The dial is attempted once.
//
// An address of the form https://host:port is dialed over TLS, http://host:port
// and plain host:port in plaintext. Other gRPC targets (dns:///, unix:,
// passthrough:///) are used as given.
func Connect(ctx context.Context, address, token string, opts ...Option) (*Client, error) {
	credential, err := NewCredential(token)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	target, useTLS, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	var transport credentials.TransportCredentials
	switch {
	case o.tlsConfig != nil:
		transport = credentials.NewTLS(o.tlsConfig)
	case useTLS && !o.insecure:
		transport = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	default:
		transport = insecure.NewCredentials()
	}

	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithChainUnaryInterceptor(credential.unaryInterceptor()),
		grpc.WithChainStreamInterceptor(credential.streamInterceptor()),
	}
	dialOptions = append(dialOptions, o.dialOptions...)

	logger := o.logger.WithFields(map[string]any{"host": target})
	logger.Info("connecting to host")

	conn, err := grpc.NewClient(target, dialOptions...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "DIAL_ERROR", "failed to create channel")
	}

	if err := waitReady(ctx, conn, o); err != nil {
		conn.Close()
		logger.Error("failed to connect to host", "error", err)
		return nil, err
	}

	errorHandler := o.errorHandler
	if errorHandler == nil {
		errorHandler = errors.NewDefaultHandler(logger.Logger)
	}

	logger.Info("connected to host")

	return &Client{
		conn:         conn,
		rpc:          wire.NewPluginClient(conn),
		credential:   credential,
		logger:       logger,
		errorHandler: errorHandler,
		eventBus:     o.eventBus,
	}, nil
}

// parseAddress turns a host address into a gRPC target and reports whether
// its scheme asks for TLS.
func parseAddress(address string) (string, bool, error) {
	if address == "" {
		return "", false, errors.New(errors.ErrorTypeConnection, "INVALID_ADDRESS", "host address is empty")
	}

	scheme, rest, ok := strings.Cut(address, "://")
	if !ok {
		return address, false, nil
	}

	switch strings.ToLower(scheme) {
	case "https", "http":
		host := strings.TrimSuffix(rest, "/")
		if host == "" || strings.Contains(host, "/") {
			return "", false, errors.New(errors.ErrorTypeConnection, "INVALID_ADDRESS", "host address must be scheme://host:port").
				WithDetails(address)
		}
		return host, strings.EqualFold(scheme, "https"), nil
	default:
		return address, false, nil
	}
}

// waitReady drives conn out of idle and returns once it is ready. The first
// transient failure is returned rather than waiting for a reconnect.
func waitReady(ctx context.Context, conn *grpc.ClientConn, o options) error {
	if o.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.dialTimeout)
		defer cancel()
	}

	conn.Connect()

	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return errors.New(errors.ErrorTypeConnection, "DIAL_FAILED", "failed to connect to host").
				WithDetails(state.String())
		}

		if !conn.WaitForStateChange(ctx, state) {
			return errors.Wrap(ctx.Err(), errors.ErrorTypeConnection, "DIAL_TIMEOUT", "host did not become ready")
		}
	}
}

// Credential returns the credential every call is authenticated with.
func (c *Client) Credential() Credential {
	return c.credential
}

// SendMessage sends msg to the host. A nil error means the host
// acknowledged the message, not that anyone received it.
func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if c.isClosed() {
		return errClientClosed()
	}

	if _, err := c.rpc.SendMessage(ctx, msg.toWire()); err != nil {
		return callError(err, "SEND_FAILED", "failed to send message")
	}

	c.logger.Debug("message sent", "room", msg.Room)
	c.publish(eventbus.NewEvent(eventbus.EventMessageSent, eventSource, msg).WithMetadata("room", msg.Room))

	return nil
}

// Close closes the channel and waits for every session to end. Sessions
// still running end with ErrTransport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.logger.Info("closing connection to host")
		c.closeErr = c.conn.Close()
		c.sessions.Wait()
	})
	return c.closeErr
}

// track counts a new session. It fails once Close has started, so no
// session is added while Close waits for the others.
func (c *Client) track() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed()
	}
	c.sessions.Add(1)
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func errClientClosed() *errors.Error {
	return errors.New(errors.ErrorTypeConnection, "CLIENT_CLOSED", "client is closed")
}

func (c *Client) publish(event *eventbus.Event) {
	if c.eventBus != nil {
		c.eventBus.PublishAsync(event)
	}
}
