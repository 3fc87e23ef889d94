package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type listenerEntry struct {
	id uint64
	fn Listener
}

// Client is one live recognition session. It is never shared between relay
// sessions and never reconnects on its own.
type Client struct {
	cfg   Config
	query url.Values
	log   *slog.Logger
	clock clock.Clock

	conn    *websocket.Conn
	writeMu sync.Mutex
	state   atomic.Int32

	mu        sync.Mutex
	listeners map[EventKind][]listenerEntry
	nextID    uint64

	kaMu     sync.Mutex
	kaTicker *clock.Ticker
	kaStop   chan struct{}

	started    atomic.Bool
	finishOnce sync.Once
	done       chan struct{}
}

type Subscription struct {
	client *Client
	kind   EventKind
	id     uint64
}

func (s Subscription) Unsubscribe() {
	if s.client == nil {
		return
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()

	entries := s.client.listeners[s.kind]
	for i, e := range entries {
		if e.id == s.id {
			s.client.listeners[s.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func New(cfg Config, query url.Values, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalize()
	return &Client{
		cfg:       cfg,
		query:     query,
		log:       log.With("component", "upstream"),
		clock:     cfg.Clock,
		listeners: make(map[EventKind][]listenerEntry),
		done:      make(chan struct{}),
	}
}

func (c *Client) On(kind EventKind, fn Listener) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.listeners[kind] = append(c.listeners[kind], listenerEntry{id: c.nextID, fn: fn})
	return Subscription{client: c, kind: kind, id: c.nextID}
}

func (c *Client) RemoveAllListeners() {
	c.mu.Lock()
	c.listeners = make(map[EventKind][]listenerEntry)
	c.mu.Unlock()
}

func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entries := range c.listeners {
		n += len(entries)
	}
	return n
}

func (c *Client) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connect dials the recognition service. Listeners registered before Connect
// observe the Open event.
func (c *Client) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: client already used", ErrConnection)
	}

	target := c.cfg.URL
	if encoded := c.query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+c.cfg.APIKey)
	}

	c.log.Info("upstream connecting", "url", c.cfg.URL, "model", c.query.Get("model"))
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, header)
	if err != nil {
		c.state.Store(int32(Closed))
		c.finishOnce.Do(func() { close(c.done) })
		if resp != nil {
			return fmt.Errorf("%w: %s: %v", ErrConnection, resp.Status, err)
		}
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	opened := c.state.CompareAndSwap(int32(Connecting), int32(Open))
	if !opened {
		c.conn = nil
	}
	c.writeMu.Unlock()
	if !opened {
		_ = conn.Close()
		return fmt.Errorf("%w: finished while connecting", ErrConnection)
	}
	c.log.Info("upstream connected")

	c.startKeepAlive()
	c.emit(Event{Kind: EventOpen})

	go c.readLoop()
	return nil
}

func (c *Client) Send(data []byte) error {
	if c.ReadyState() != Open {
		return ErrNotOpen
	}
	return c.write(websocket.BinaryMessage, data)
}

func (c *Client) KeepAlive() error {
	return c.sendControl("KeepAlive")
}

// RequestClose asks the service to flush pending results and close the
// stream from its side.
func (c *Client) RequestClose() error {
	return c.sendControl("CloseStream")
}

func (c *Client) sendControl(kind string) error {
	if c.ReadyState() != Open {
		return ErrNotOpen
	}
	data, err := json.Marshal(controlMessage{Type: kind})
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotOpen
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Finish releases the transport. Safe to call any number of times; Close is
// emitted once.
func (c *Client) Finish() error {
	var err error
	first := false
	c.finishOnce.Do(func() {
		first = true
		c.state.Store(int32(Closing))
		c.stopKeepAlive()

		c.writeMu.Lock()
		conn := c.conn
		if conn != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			if data, mErr := json.Marshal(controlMessage{Type: "CloseStream"}); mErr == nil {
				_ = conn.WriteMessage(websocket.TextMessage, data)
			}
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		c.writeMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}

		c.state.Store(int32(Closed))
		close(c.done)
		c.log.Info("upstream finished")
	})
	if first {
		c.emit(Event{Kind: EventClose})
	}
	return err
}

func (c *Client) KeepAliveActive() bool {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	return c.kaTicker != nil
}

func (c *Client) startKeepAlive() {
	c.stopKeepAlive()

	ticker := c.clock.Ticker(c.cfg.KeepAliveInterval)
	stop := make(chan struct{})

	c.kaMu.Lock()
	c.kaTicker = ticker
	c.kaStop = stop
	c.kaMu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.KeepAlive(); err != nil {
					c.log.Debug("keepalive failed", "error", err)
				}
			}
		}
	}()
}

func (c *Client) stopKeepAlive() {
	c.kaMu.Lock()
	defer c.kaMu.Unlock()
	if c.kaTicker == nil {
		return
	}
	c.kaTicker.Stop()
	close(c.kaStop)
	c.kaTicker = nil
	c.kaStop = nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ReadyState() == Open && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				c.log.Error("upstream read error", "error", err)
				c.emit(Event{Kind: EventError, Err: err})
			}
			c.stopKeepAlive()
			if fErr := c.Finish(); fErr != nil {
				c.log.Debug("upstream finish after close", "error", fErr)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("upstream sent undecodable message", "error", err)
		return
	}

	kind := EventKind(env.Type)
	switch kind {
	case EventTranscript, EventUtteranceEnd, EventMetadata, EventSpeechStarted:
		c.emit(Event{Kind: kind, Payload: json.RawMessage(data)})
	case EventWarning:
		c.log.Warn("upstream warning", "description", env.Description)
		c.emit(Event{Kind: kind, Payload: json.RawMessage(data)})
	case EventError:
		msg := env.Description
		if msg == "" {
			msg = env.Message
		}
		c.log.Error("upstream error", "description", msg)
		c.emit(Event{Kind: kind, Payload: json.RawMessage(data), Err: errors.New(msg)})
	default:
		c.log.Debug("upstream message ignored", "type", env.Type)
	}
}

func (c *Client) emit(evt Event) {
	c.mu.Lock()
	entries := append([]listenerEntry(nil), c.listeners[evt.Kind]...)
	c.mu.Unlock()

	for _, e := range entries {
		e.fn(evt)
	}
}
