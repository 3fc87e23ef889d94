package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	closeGrace     = time.Second
	sendBuffer     = 256
)

var errConnClosed = errors.New("client connection closed")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type frameHandler func(messageType int, data []byte)

// clientConn owns the downstream websocket. All outbound messages go through
// one write pump so they reach the client in enqueue order.
type clientConn struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	send    chan []byte
	quit    chan struct{}
	flushed chan struct{}

	closeOnce sync.Once
	pumping   atomic.Bool
}

func newClientConn(ws *websocket.Conn, logger *slog.Logger) *clientConn {
	return &clientConn{
		ws:      ws,
		logger:  logger,
		send:    make(chan []byte, sendBuffer),
		quit:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

// Send blocks until the message is queued or the connection is closed.
// Transcripts are never dropped to make room.
func (c *clientConn) Send(data []byte) error {
	select {
	case <-c.quit:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.quit:
		return errConnClosed
	}
}

// Close flushes whatever is already queued, sends a close frame and releases
// the socket. Safe to call more than once.
func (c *clientConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.quit)
		if c.pumping.Load() {
			select {
			case <-c.flushed:
			case <-time.After(closeGrace):
				c.logger.Warn("client flush timed out")
			}
		}
		err = c.ws.Close()
	})
	return err
}

func (c *clientConn) readPump(handle frameHandler) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.quit:
			return
		default:
		}

		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("client read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		handle(messageType, data)
	}
}

func (c *clientConn) startWriter() {
	c.pumping.Store(true)
	go c.writePump()
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.flushed)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("client write error", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.quit:
			c.drain()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *clientConn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *clientConn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
