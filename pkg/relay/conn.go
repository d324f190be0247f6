package relay

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/dzplugin/internal/logging"
	"github.com/HMasataka/dzplugin/pkg/errors"
	"github.com/gorilla/websocket"
)

// ConnOptions represents subscriber connection options
type ConnOptions struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBufferSize int
}

// DefaultConnOptions returns default connection options
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 256,
	}
}

// ErrConnClosed is returned when sending to a closed connection
var ErrConnClosed = errors.New(errors.ErrorTypeTransport, "CONN_CLOSED", "subscriber connection closed")

// FrameHandler handles a frame read from a subscriber
type FrameHandler func(c *Conn, f Frame)

// Conn is one subscriber's WebSocket connection. A read pump decodes
// inbound frames and a write pump serializes outbound ones.
type Conn struct {
	id       string
	ws       *websocket.Conn
	encoding Encoding
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *logging.Logger
	options  ConnOptions
	sendChan chan []byte
	handler  FrameHandler
	once     sync.Once
	wg       sync.WaitGroup
}

// NewConn wraps ws. Call Start to run its pumps.
func NewConn(id string, ws *websocket.Conn, encoding Encoding, handler FrameHandler, logger *logging.Logger, options ConnOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		id:       id,
		ws:       ws,
		encoding: encoding,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.WithFields(map[string]any{"client_id": id, "encoding": encoding.String()}),
		options:  options,
		sendChan: make(chan []byte, options.SendBufferSize),
		handler:  handler,
	}
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// Encoding returns the frame encoding of the connection
func (c *Conn) Encoding() Encoding {
	return c.encoding
}

// Context is cancelled when the connection closes
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send queues f for the write pump. It never blocks: a full buffer drops
// the frame and returns an error.
func (c *Conn) Send(f Frame) error {
	data, err := c.encoding.Marshal(f)
	if err != nil {
		return err
	}

	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
	}

	select {
	case c.sendChan <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	default:
		return errors.New(errors.ErrorTypeTransport, "SEND_BUFFER_FULL", "send buffer is full")
	}
}

// Start starts the read and write pumps
func (c *Conn) Start() {
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// Close closes the connection and waits for its pumps
func (c *Conn) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		c.logger.Debug("closing subscriber connection")
		c.cancel()

		deadline := time.Now().Add(c.options.WriteTimeout)
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

		if err := c.ws.Close(); err != nil {
			c.logger.Error("error closing websocket connection", "error", err)
		}
	})
}

func (c *Conn) readPump() {
	defer c.wg.Done()
	defer c.shutdown()

	c.ws.SetReadLimit(c.options.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.options.ReadTimeout))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return
		}

		if messageType != c.encoding.messageType() {
			c.logger.Warn("ignoring frame with unexpected message type", "message_type", messageType)
			continue
		}

		var f Frame
		if err := c.encoding.Unmarshal(data, &f); err != nil {
			c.Send(Frame{Type: FrameError, Error: err.Error()})
			continue
		}

		if c.handler != nil {
			c.handler(c, f)
		}
	}
}

func (c *Conn) writePump() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case data := <-c.sendChan:
			c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.ws.WriteMessage(c.encoding.messageType(), data); err != nil {
				c.logger.Error("websocket write error", "error", err)
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("websocket ping error", "error", err)
				c.shutdown()
				return
			}
		}
	}
}
