package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

type received struct {
	messageType int
	data        []byte
}

type fakeUpstream struct {
	server   *httptest.Server
	received chan received
	conns    chan *websocket.Conn

	mu       sync.Mutex
	rawQuery string
	auth     string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		received: make(chan received, 64),
		conns:    make(chan *websocket.Conn, 1),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.rawQuery = r.URL.RawQuery
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()

		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- ws
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f.received <- received{mt, data}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeUpstream) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never accepted a connection")
		return nil
	}
}

func (f *fakeUpstream) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-f.received:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("upstream received nothing")
		return received{}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(f *fakeUpstream, clk clock.Clock) *Client {
	return New(Config{URL: f.url(), APIKey: "secret", Clock: clk}, url.Values{"model": {"nova-2-general"}}, testLogger())
}

func TestClient_ConnectEmitsOpen(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.New())
	defer c.Finish()

	opened := make(chan struct{}, 1)
	c.On(EventOpen, func(Event) { opened <- struct{}{} })

	if c.ReadyState() != Connecting {
		t.Fatalf("expected connecting, got %s", c.ReadyState())
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case <-opened:
	default:
		t.Fatal("Open event not emitted during Connect")
	}
	if c.ReadyState() != Open {
		t.Errorf("expected open, got %s", c.ReadyState())
	}
	if !c.KeepAliveActive() {
		t.Error("keepalive should run after open")
	}

	f.conn(t)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auth != "Token secret" {
		t.Errorf("authorization header = %q", f.auth)
	}
	if !strings.Contains(f.rawQuery, "model=nova-2-general") {
		t.Errorf("query %q missing model", f.rawQuery)
	}
}

func TestClient_ConnectTwice(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.New())
	defer c.Finish()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Errorf("second connect should fail with ErrConnection, got %v", err)
	}
}

func TestClient_ConnectRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad params", http.StatusBadRequest)
	}))
	defer server.Close()

	c := New(Config{URL: "ws" + strings.TrimPrefix(server.URL, "http")}, url.Values{}, testLogger())
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("expected status in error, got %v", err)
	}
	if c.ReadyState() != Closed {
		t.Errorf("expected closed, got %s", c.ReadyState())
	}
	if c.KeepAliveActive() {
		t.Error("keepalive must not start on failed connect")
	}
	if err := c.Finish(); err != nil {
		t.Errorf("finish after failed connect: %v", err)
	}
}

func TestClient_SendRequiresOpen(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, nil, testLogger())
	if err := c.Send([]byte{1, 2, 3}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if err := c.KeepAlive(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen for keepalive, got %v", err)
	}
}

func TestClient_SendForwardsBinary(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.New())
	defer c.Finish()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := byte(0); i < 3; i++ {
		if err := c.Send([]byte{i, i, i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := byte(0); i < 3; i++ {
		r := f.next(t)
		if r.messageType != websocket.BinaryMessage {
			t.Errorf("frame %d: expected binary, got %d", i, r.messageType)
		}
		if r.data[0] != i {
			t.Errorf("frame %d out of order: %v", i, r.data)
		}
	}
}

func TestClient_EventsInDeliveryOrder(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.New())
	defer c.Finish()

	var mu sync.Mutex
	var kinds []EventKind
	all := make(chan struct{}, 8)
	record := func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
		all <- struct{}{}
	}
	for _, k := range []EventKind{EventTranscript, EventUtteranceEnd, EventMetadata, EventWarning, EventSpeechStarted} {
		c.On(k, record)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := f.conn(t)

	messages := []string{
		`{"type":"Metadata","request_id":"r1"}`,
		`{"type":"SpeechStarted","timestamp":0.1}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hi"}]}}`,
		`{"type":"Unknown"}`,
		`{"type":"UtteranceEnd","last_word_end":1.2}`,
		`{"type":"Warning","description":"slow down"}`,
	}
	for _, m := range messages {
		if err := server.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		select {
		case <-all:
		case <-time.After(2 * time.Second):
			t.Fatalf("only received %d events", i)
		}
	}

	want := []EventKind{EventMetadata, EventSpeechStarted, EventTranscript, EventUtteranceEnd, EventWarning}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestClient_ErrorEventCarriesDescription(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.New())
	defer c.Finish()

	errs := make(chan Event, 1)
	c.On(EventError, func(e Event) { errs <- e })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := f.conn(t)
	_ = server.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","description":"bad audio"}`))

	select {
	case e := <-errs:
		if e.Err == nil || e.Err.Error() != "bad audio" {
			t.Errorf("unexpected error payload: %v", e.Err)
		}
		if c.ReadyState() != Open {
			t.Error("error events must not change state")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error event not delivered")
	}
}

func TestClient_Unsubscribe(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.New())
	defer c.Finish()

	var count int
	var mu sync.Mutex
	second := make(chan struct{}, 4)
	sub := c.On(EventMetadata, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	c.On(EventMetadata, func(Event) { second <- struct{}{} })

	if c.ListenerCount() != 2 {
		t.Fatalf("expected 2 listeners, got %d", c.ListenerCount())
	}
	sub.Unsubscribe()
	sub.Unsubscribe()
	if c.ListenerCount() != 1 {
		t.Fatalf("expected 1 listener after unsubscribe, got %d", c.ListenerCount())
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := f.conn(t)
	_ = server.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))

	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining listener not called")
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Error("unsubscribed listener was called")
	}
}

func TestClient_KeepAliveOnInterval(t *testing.T) {
	f := newFakeUpstream(t)
	mock := clock.NewMock()
	c := newTestClient(f, mock)
	defer c.Finish()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.conn(t)

	deadline := time.After(3 * time.Second)
	for {
		mock.Add(DefaultKeepAliveInterval)
		select {
		case r := <-f.received:
			var msg controlMessage
			if err := json.Unmarshal(r.data, &msg); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if r.messageType != websocket.TextMessage || msg.Type != "KeepAlive" {
				t.Fatalf("unexpected message %d %s", r.messageType, r.data)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no keepalive sent")
		}
	}
}

func TestClient_ServerCloseFinishes(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.New())

	closed := make(chan struct{}, 2)
	c.On(EventClose, func(Event) { closed <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	server := f.conn(t)
	_ = server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	server.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close event not emitted")
	}
	<-c.Done()
	if c.ReadyState() != Closed {
		t.Errorf("expected closed, got %s", c.ReadyState())
	}
	if c.KeepAliveActive() {
		t.Error("keepalive should stop when upstream closes")
	}

	_ = c.Finish()
	select {
	case <-closed:
		t.Error("close emitted twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_FinishIdempotent(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.New())

	var closes int
	var mu sync.Mutex
	c.On(EventClose, func(Event) {
		mu.Lock()
		closes++
		mu.Unlock()
		_ = c.Finish()
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.conn(t)

	_ = c.Finish()
	_ = c.Finish()

	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Errorf("expected one close event, got %d", closes)
	}
	if c.KeepAliveActive() {
		t.Error("keepalive should be stopped")
	}
	if err := c.Send([]byte{1}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("send after finish should fail, got %v", err)
	}
}

func TestClient_RemoveAllListeners(t *testing.T) {
	c := New(Config{}, nil, testLogger())
	c.On(EventOpen, func(Event) {})
	c.On(EventClose, func(Event) {})
	c.RemoveAllListeners()
	if c.ListenerCount() != 0 {
		t.Errorf("expected no listeners, got %d", c.ListenerCount())
	}
}

func TestParseTranscript(t *testing.T) {
	payload := []byte(`{"type":"Results","is_final":true,"speech_final":true,"start":1.5,"duration":0.8,
		"channel":{"alternatives":[{"transcript":"hello world","confidence":0.9,
		"words":[{"word":"hello","start":1.5,"end":1.8,"speaker":0},{"word":"world","start":1.9,"end":2.3,"speaker":1}]}]}}`)

	r, err := ParseTranscript(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !r.IsFinal || !r.SpeechFinal {
		t.Error("expected final flags")
	}
	if r.Text() != "hello world" {
		t.Errorf("Text() = %q", r.Text())
	}
	words := r.Channel.Alternatives[0].Words
	if words[1].Speaker == nil || *words[1].Speaker != 1 {
		t.Error("speaker tag not decoded")
	}
	if (&TranscriptResult{}).Text() != "" {
		t.Error("empty result should have empty text")
	}
}

func TestConfig_Normalize(t *testing.T) {
	cfg := Config{}.normalize()
	if cfg.URL != DefaultURL {
		t.Errorf("URL = %q", cfg.URL)
	}
	if cfg.KeepAliveInterval != DefaultKeepAliveInterval {
		t.Errorf("KeepAliveInterval = %v", cfg.KeepAliveInterval)
	}
	if cfg.Dialer == nil || cfg.Clock == nil {
		t.Error("dialer and clock should default")
	}
}

func TestReadyState_String(t *testing.T) {
	tests := map[ReadyState]string{
		Connecting: "connecting",
		Open:       "open",
		Closing:    "closing",
		Closed:     "closed",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestClient_RequestCloseSendsCloseStream(t *testing.T) {
	f := newFakeUpstream(t)
	c := newTestClient(f, clock.NewMock())
	defer c.Finish()

	if err := c.RequestClose(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen before connect, got %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.RequestClose(); err != nil {
		t.Fatalf("request close: %v", err)
	}

	got := f.next(t)
	if got.messageType != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", got.messageType)
	}
	var msg controlMessage
	if err := json.Unmarshal(got.data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "CloseStream" {
		t.Errorf("expected CloseStream, got %q", msg.Type)
	}
}
