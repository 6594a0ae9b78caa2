package server

import (
	"sync"
	"time"

	"github.com/benmeehan/pet-feeder/internal/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 16
)

// wsConn serializes writes to a websocket through one writer goroutine.
// gorilla/websocket allows a single concurrent writer only. Video frames and
// control events travel on separate queues; the writer drains control first
// and only frames are ever dropped for a slow reader.
type wsConn struct {
	id       string
	conn     *websocket.Conn
	frames   chan any
	control  chan any
	done     chan struct{}
	once     sync.Once
	sendWait time.Duration
	logger   zerolog.Logger
}

func newWSConn(id string, conn *websocket.Conn, logger zerolog.Logger) *wsConn {
	c := &wsConn{
		id:     id,
		conn:   conn,
		frames:   make(chan any, sendQueueSize),
		control:  make(chan any, sendQueueSize),
		done:     make(chan struct{}),
		sendWait: writeWait,
		logger:   logger,
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.writeLoop()
	return c
}

// ID returns the connection id.
func (c *wsConn) ID() string { return c.id }

// Send queues v for delivery without blocking. It returns false when the
// connection is closed or the queue for v's kind is full.
func (c *wsConn) Send(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queueFor(v) <- v:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Deliver queues v, waiting up to sendWait for room. Use it for events the
// viewer must not miss.
func (c *wsConn) Deliver(v any) bool {
	if c.Send(v) {
		return true
	}
	timer := time.NewTimer(c.sendWait)
	defer timer.Stop()
	select {
	case c.queueFor(v) <- v:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.logger.Warn().Str("conn", c.id).Msg("dropping event, viewer not reading")
		return false
	}
}

func (c *wsConn) queueFor(v any) chan any {
	if _, ok := v.(models.VideoFrameEvent); ok {
		return c.frames
	}
	return c.control
}

// Done is closed when the connection shuts down.
func (c *wsConn) Done() <-chan struct{} { return c.done }

// Close shuts the connection down. Safe to call more than once.
func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case v := <-c.control:
			if !c.write(v) {
				return
			}
			continue
		default:
		}
		select {
		case <-c.done:
			return
		case v := <-c.control:
			if !c.write(v) {
				return
			}
		case v := <-c.frames:
			if !c.write(v) {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsConn) write(v any) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug().Err(err).Str("conn", c.id).Msg("websocket write failed")
		c.Close()
		return false
	}
	return true
}
