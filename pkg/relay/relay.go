// Package relay bridges a chat host to WebSocket subscribers. It registers
// a listener on the host and fans every chat event out to the connected
// subscribers; subscribers post messages back into rooms.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/HMasataka/dzplugin"
	"github.com/HMasataka/dzplugin/internal/eventbus"
	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/pkg/errors"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

const eventSource = "relay"

// Plugin is the part of *dzplugin.Client the relay uses
type Plugin interface {
	SendMessage(ctx context.Context, msg dzplugin.Message) error
	RegisterListener(ctx context.Context, spec dzplugin.ListenerSpec, handler dzplugin.ListenerHandler) (*dzplugin.Session, error)
}

// Options represents relay configuration options
type Options struct {
	Logger      *logging.Logger
	EventBus    eventbus.Bus
	Pattern     *string
	PostTimeout time.Duration
	Conn        ConnOptions
	CheckOrigin func(r *http.Request) bool
}

// Option configures a Relay
type Option func(*Options)

// WithLogger sets the logger for the relay
func WithLogger(logger *logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithEventBus publishes subscriber and chat events on bus
func WithEventBus(bus eventbus.Bus) Option {
	return func(o *Options) {
		o.EventBus = bus
	}
}

// WithPattern only relays messages matching pattern
func WithPattern(pattern string) Option {
	return func(o *Options) {
		o.Pattern = dzplugin.String(pattern)
	}
}

// WithPostTimeout bounds how long a subscriber post may take to reach the
// host.
func WithPostTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.PostTimeout = d
	}
}

// WithConnOptions sets the options of subscriber connections
func WithConnOptions(opts ConnOptions) Option {
	return func(o *Options) {
		o.Conn = opts
	}
}

// WithCheckOrigin sets the origin check of the WebSocket upgrade
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) Option {
	return func(o *Options) {
		o.CheckOrigin = checkOrigin
	}
}

// Relay forwards chat events to WebSocket subscribers
type Relay struct {
	plugin   Plugin
	hub      *Hub
	router   *Router
	upgrader websocket.Upgrader
	logger   *logging.Logger
	eventBus eventbus.Bus
	options  Options
	session  *dzplugin.Session
}

// New creates a relay for plugin. Call Start before serving subscribers.
func New(plugin Plugin, opts ...Option) *Relay {
	options := Options{
		Logger:      logging.Discard(),
		PostTimeout: 10 * time.Second,
		Conn:        DefaultConnOptions(),
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	for _, opt := range opts {
		opt(&options)
	}

	r := &Relay{
		plugin: plugin,
		hub:    NewHub(options.Logger),
		router: NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     options.CheckOrigin,
		},
		logger:   options.Logger,
		eventBus: options.EventBus,
		options:  options,
	}
	r.router.Register(FramePost, r.handlePost)
	r.router.Register(FramePing, func(c *Conn, _ Frame) {
		c.Send(Frame{Type: FramePong})
	})

	return r
}

// Start starts the hub and registers the relay's listener with the host
func (r *Relay) Start(ctx context.Context) error {
	r.hub.Start(ctx)

	session, err := r.plugin.RegisterListener(ctx, dzplugin.ListenerSpec{Pattern: r.options.Pattern}, r)
	if err != nil {
		r.hub.Stop()
		return err
	}
	r.session = session

	r.logger.Info("relay started", "session_id", session.ID())
	return nil
}

// Stop closes the listener session and every subscriber
func (r *Relay) Stop() error {
	var err error
	if r.session != nil {
		err = r.session.Close()
	}
	r.hub.Stop()
	r.logger.Info("relay stopped")
	return err
}

// Session returns the listener session, nil before Start
func (r *Relay) Session() *dzplugin.Session {
	return r.session
}

// Stats returns the hub counters
func (r *Relay) Stats() Stats {
	return r.hub.Stats()
}

// HandleEvent broadcasts a chat event to every subscriber. The relay never
// rewrites messages.
func (r *Relay) HandleEvent(ctx context.Context, e dzplugin.Event) (*string, error) {
	r.publish(eventbus.NewEvent(eventbus.EventChatReceived, eventSource, e).WithMetadata("room", e.Room))

	if err := r.hub.Broadcast(Frame{Type: FrameChat, Room: e.Room, From: e.From, Text: e.Text}); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Debug("event relayed", "room", e.Room)
	return nil, nil
}

// Routes returns the HTTP surface of the relay: the WebSocket endpoint at
// /ws and hub counters at /stats.
func (r *Relay) Routes() chi.Router {
	router := chi.NewRouter()
	router.Get("/ws", r.ServeHTTP)
	router.Get("/stats", r.serveStats)
	return router
}

// ServeHTTP upgrades a subscriber connection. The encoding query parameter
// selects JSON text frames (default) or CBOR binary frames.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	encoding, err := ParseEncoding(req.URL.Query().Get("encoding"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", req.RemoteAddr,
		)
		return
	}

	id := xid.New().String()
	conn := NewConn(id, ws, encoding, r.router.Handle, r.logger, r.options.Conn)

	if err := r.hub.Register(conn); err != nil {
		r.logger.Error("failed to register client", "error", err, "client_id", id)
		ws.Close()
		return
	}

	r.publish(eventbus.NewEvent(eventbus.EventRelayClientConnected, eventSource, map[string]string{
		"client_id":   id,
		"remote_addr": req.RemoteAddr,
	}))

	conn.Start()
	r.logger.Info("client connected", "client_id", id, "remote_addr", req.RemoteAddr)

	<-conn.Context().Done()

	if err := r.hub.Unregister(id); err != nil {
		conn.Close()
	}

	r.publish(eventbus.NewEvent(eventbus.EventRelayClientDisconnected, eventSource, map[string]string{
		"client_id": id,
	}))
	r.logger.Info("client disconnected", "client_id", id)
}

// handlePost sends a subscriber's post to the host. Failures are reported
// back to that subscriber only.
func (r *Relay) handlePost(c *Conn, f Frame) {
	if strings.TrimSpace(f.Room) == "" || f.Text == "" {
		c.Send(Frame{Type: FrameError, Room: f.Room, Error: "post needs a room and a text"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Context(), r.options.PostTimeout)
	defer cancel()

	if err := r.plugin.SendMessage(ctx, dzplugin.Message{Room: f.Room, Text: f.Text}); err != nil {
		r.logger.Warn("failed to post message", "client_id", c.ID(), "room", f.Room, "error", err)
		c.Send(Frame{Type: FrameError, Room: f.Room, Error: err.Error()})
	}
}

func (r *Relay) serveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.hub.Stats()); err != nil {
		r.logger.Error("failed to write stats", "error", errors.Wrap(err, errors.ErrorTypeTransport, "WRITE_ERROR", "stats"))
	}
}

func (r *Relay) publish(event *eventbus.Event) {
	if r.eventBus != nil {
		r.eventBus.PublishAsync(event)
	}
}
