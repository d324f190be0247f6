package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/pkg/errors"
)

// ErrHubStopped is returned by a hub that is not running
var ErrHubStopped = errors.New(errors.ErrorTypeTransport, "HUB_STOPPED", "hub is stopped")

// Stats is a snapshot of hub counters
type Stats struct {
	ConnectedClients int     `json:"connected_clients"`
	FramesSent       int64   `json:"frames_sent"`
	FramesDropped    int64   `json:"frames_dropped"`
	EventsReceived   int64   `json:"events_received"`
	Uptime           float64 `json:"uptime_seconds"`
}

// Hub fans frames out to every registered subscriber. Registration and
// delivery run on a single goroutine, so every subscriber sees frames in
// the order they were broadcast.
type Hub struct {
	clients    sync.Map // map[string]*Conn
	register   chan *Conn
	unregister chan string
	broadcast  chan Frame
	logger     *logging.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	framesSent     atomic.Int64
	framesDropped  atomic.Int64
	eventsReceived atomic.Int64
	startTime      time.Time
}

// NewHub creates a new hub
func NewHub(logger *logging.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	return &Hub{
		register:   make(chan *Conn, 100),
		unregister: make(chan string, 100),
		broadcast:  make(chan Frame, 1000),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}
}

// Start runs the hub until ctx is cancelled or Stop is called
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.startTime = time.Now()
	h.wg.Add(1)
	go h.run()
	h.logger.Info("hub started")
}

// Stop stops the hub and closes every subscriber
func (h *Hub) Stop() {
	h.logger.Info("stopping hub")
	h.cancel()
	h.wg.Wait()

	h.clients.Range(func(key, value any) bool {
		value.(*Conn).Close()
		h.clients.Delete(key)
		return true
	})

	h.logger.Info("hub stopped")
}

// Register adds c to the subscribers
func (h *Hub) Register(c *Conn) error {
	select {
	case <-h.ctx.Done():
		return ErrHubStopped
	default:
	}

	select {
	case h.register <- c:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	default:
		return errors.New(errors.ErrorTypeTransport, "REGISTER_QUEUE_FULL", "register queue is full")
	}
}

// Unregister removes and closes the subscriber with the given ID
func (h *Hub) Unregister(id string) error {
	select {
	case h.unregister <- id:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	default:
		return errors.New(errors.ErrorTypeTransport, "UNREGISTER_QUEUE_FULL", "unregister queue is full")
	}
}

// Broadcast queues f for every subscriber
func (h *Hub) Broadcast(f Frame) error {
	select {
	case <-h.ctx.Done():
		return ErrHubStopped
	default:
	}

	select {
	case h.broadcast <- f:
		h.eventsReceived.Add(1)
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	default:
		return errors.New(errors.ErrorTypeTransport, "BROADCAST_QUEUE_FULL", "broadcast queue is full")
	}
}

// Stats returns the hub counters
func (h *Hub) Stats() Stats {
	return Stats{
		ConnectedClients: h.clientCount(),
		FramesSent:       h.framesSent.Load(),
		FramesDropped:    h.framesDropped.Load(),
		EventsReceived:   h.eventsReceived.Load(),
		Uptime:           time.Since(h.startTime).Seconds(),
	}
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case c := <-h.register:
			h.handleRegister(c)

		case id := <-h.unregister:
			h.handleUnregister(id)

		case f := <-h.broadcast:
			h.handleBroadcast(f)
		}
	}
}

func (h *Hub) handleRegister(c *Conn) {
	if _, exists := h.clients.LoadOrStore(c.ID(), c); exists {
		h.logger.Warn("client already registered", "client_id", c.ID())
		return
	}

	h.logger.Info("client registered",
		"client_id", c.ID(),
		"total_clients", h.clientCount(),
	)
}

func (h *Hub) handleUnregister(id string) {
	value, ok := h.clients.LoadAndDelete(id)
	if !ok {
		return
	}
	value.(*Conn).Close()

	h.logger.Info("client unregistered",
		"client_id", id,
		"total_clients", h.clientCount(),
	)
}

func (h *Hub) handleBroadcast(f Frame) {
	var sent, dropped int

	h.clients.Range(func(_, value any) bool {
		c := value.(*Conn)
		if err := c.Send(f); err != nil {
			dropped++
			h.framesDropped.Add(1)
			h.logger.Warn("failed to send to client",
				"client_id", c.ID(),
				"error", err,
			)
		} else {
			sent++
			h.framesSent.Add(1)
		}
		return true
	})

	h.logger.Debug("broadcast complete",
		"sent", sent,
		"dropped", dropped,
	)
}

func (h *Hub) clientCount() int {
	count := 0
	h.clients.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
