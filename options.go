package dzplugin

import (
	"crypto/tls"
	"time"

	"github.com/HMasataka/dzplugin/internal/eventbus"
	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/pkg/errors"
	"google.golang.org/grpc"
)

// errorBufferSize is the capacity of a session's Errors channel.
const errorBufferSize = 16

type options struct {
	dialTimeout  time.Duration
	logger       *logging.Logger
	errorHandler errors.Handler
	eventBus     eventbus.Bus
	tlsConfig    *tls.Config
	insecure     bool
	dialOptions  []grpc.DialOption
}

// Option configures a Client
type Option func(*options)

func defaultOptions() options {
	return options{
		logger: logging.New(logging.Config{Level: "info", Format: "text"}),
	}
}

// WithDialTimeout bounds how long Connect waits for the channel to become
// ready. Zero means only the context passed to Connect bounds it.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithLogger sets the logger for the client and its sessions
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorHandler sets where per-event application errors are reported.
// The default logs them.
func WithErrorHandler(handler errors.Handler) Option {
	return func(o *options) {
		o.errorHandler = handler
	}
}

// WithEventBus publishes session lifecycle and message events on bus
func WithEventBus(bus eventbus.Bus) Option {
	return func(o *options) {
		o.eventBus = bus
	}
}

// WithTLSConfig dials the host over TLS with cfg, whatever the address
// scheme says.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
		o.insecure = false
	}
}

// WithInsecure dials the host in plaintext, whatever the address scheme says.
func WithInsecure() Option {
	return func(o *options) {
		o.insecure = true
		o.tlsConfig = nil
	}
}

// WithDialOptions appends raw gRPC dial options
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}
