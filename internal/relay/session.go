package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/voice-relay/internal/audio"
	"github.com/eleven-am/voice-relay/internal/params"
	"github.com/eleven-am/voice-relay/internal/replay"
	"github.com/eleven-am/voice-relay/internal/session"
	"github.com/eleven-am/voice-relay/internal/shared"
	"github.com/eleven-am/voice-relay/internal/transcription"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 200 * time.Millisecond

	msgInvalidParams   = "invalid params"
	msgUnknownFile     = "unknown fileId"
	msgFileInUse       = "fileId already in use"
	msgIngestionFailed = "file ingestion failed"

	recordTimeout = 2 * time.Second
)

type State int32

const (
	StateConnecting State = iota
	StateLive
	StateFileWait
	StateFileReplay
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateFileWait:
		return "file_wait"
	case StateFileReplay:
		return "file_replay"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Upstream is the recognition transport a relay session drives.
// *transcription.Client satisfies it.
type Upstream interface {
	Connect(ctx context.Context) error
	On(kind transcription.EventKind, fn transcription.Listener) transcription.Subscription
	Send(data []byte) error
	RequestClose() error
	ReadyState() transcription.ReadyState
	Finish() error
	RemoveAllListeners()
}

// UpstreamFactory builds a fresh upstream for every relay session.
type UpstreamFactory func(opts params.Options) Upstream

func NewUpstreamFactory(cfg transcription.Config, log *slog.Logger) UpstreamFactory {
	return func(opts params.Options) Upstream {
		return transcription.New(cfg, opts.Query(), log)
	}
}

type MetricsRecorder interface {
	RecordSession(ctx context.Context, sum session.Summary) error
}

type errorMessage struct {
	Error string `json:"error"`
}

type metadataMessage struct {
	Metadata json.RawMessage `json:"metadata"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type sessionDeps struct {
	registry      *replay.Registry
	prober        audio.Prober
	upstream      UpstreamFactory
	recorder      MetricsRecorder
	clock         clock.Clock
	pollInterval  time.Duration
	chunkDuration time.Duration
	onClose       func(id string)
}

// Session relays one client connection to one upstream. It is created per
// accepted websocket and never reused.
type Session struct {
	id        string
	opts      params.Options
	mode      string
	startedAt time.Time
	deps      sessionDeps

	conn     *clientConn
	upstream Upstream
	file     *replay.FileSession
	claimErr error

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Int32
	closing    atomic.Bool
	replayOnce sync.Once
	done       chan struct{}

	transcripts atomic.Int64
	errors      atomic.Int64
	dropped     atomic.Int64
	replayed    atomic.Int64
	dropLog     rate.Sometimes

	log *slog.Logger
}

func newSession(ws *websocket.Conn, rawQuery, defaultModel string, deps sessionDeps, log *slog.Logger) *Session {
	id := shared.NewID("relay_")
	opts := params.Resolve(params.Parse(rawQuery), defaultModel)

	mode := session.ModeLive
	if opts.FileMode() {
		mode = session.ModeFile
	}

	ctx, cancel := context.WithCancel(context.Background())
	log = log.With("session_id", id, "mode", mode, "model", opts.Model)

	s := &Session{
		id:        id,
		opts:      opts,
		mode:      mode,
		startedAt: deps.clock.Now(),
		deps:      deps,
		conn:      newClientConn(ws, log),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		dropLog:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
		log:       log,
	}

	if opts.FileMode() {
		s.file, s.claimErr = deps.registry.Claim(opts.FileID)
	}
	if s.claimErr == nil {
		s.upstream = deps.upstream(opts)
	}
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Mode() string {
	return s.mode
}

func (s *Session) Options() params.Options {
	return s.opts
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// run drives the session until the client disconnects or the upstream goes
// away. It returns once Close has completed.
func (s *Session) run() {
	s.conn.startWriter()
	s.log.Info("relay session started")

	if s.claimErr != nil {
		s.log.Warn("file session unavailable", "file_id", s.opts.FileID, "error", s.claimErr)
		if errors.Is(s.claimErr, replay.ErrAlreadyClaimed) {
			s.fail(msgFileInUse)
		} else {
			s.fail(msgUnknownFile)
		}
		return
	}

	s.subscribe()

	// Ingestion overlaps the upstream handshake; a failed connect cancels it.
	if s.file != nil {
		go s.ingest()
	}

	if err := s.upstream.Connect(s.ctx); err != nil {
		s.log.Error("upstream connect failed", "error", err)
		s.fail(msgInvalidParams)
		return
	}

	if s.file != nil {
		s.setState(StateFileWait)
		go s.waitForFile()
	} else {
		s.setState(StateLive)
	}

	s.conn.readPump(s.handleFrame)
	s.Close()
}

func (s *Session) subscribe() {
	forward := func(evt transcription.Event) {
		if evt.Kind == transcription.EventTranscript {
			s.countTranscript(evt.Payload)
		}
		s.enqueue(evt.Payload)
	}
	for _, kind := range []transcription.EventKind{
		transcription.EventTranscript,
		transcription.EventUtteranceEnd,
		transcription.EventSpeechStarted,
		transcription.EventWarning,
	} {
		s.upstream.On(kind, forward)
	}

	s.upstream.On(transcription.EventOpen, func(transcription.Event) {
		s.log.Info("upstream open")
	})
	s.upstream.On(transcription.EventMetadata, func(evt transcription.Event) {
		s.sendJSON(metadataMessage{Metadata: evt.Payload})
	})
	s.upstream.On(transcription.EventError, func(evt transcription.Event) {
		s.errors.Add(1)
		msg := "upstream error"
		if evt.Err != nil {
			msg = evt.Err.Error()
		}
		s.sendJSON(errorMessage{Error: msg})
	})
	s.upstream.On(transcription.EventClose, func(transcription.Event) {
		s.log.Info("upstream closed")
		go s.Close()
	})
}

// countTranscript tallies finalized results. Interim hypotheses are relayed
// but not counted.
func (s *Session) countTranscript(payload []byte) {
	r, err := transcription.ParseTranscript(payload)
	if err != nil {
		s.log.Debug("undecodable transcript", "error", err)
		return
	}
	if !r.IsFinal {
		return
	}
	s.transcripts.Add(1)
	s.log.Debug("final transcript", "chars", len(r.Text()), "speech_final", r.SpeechFinal)
}

func (s *Session) handleFrame(messageType int, data []byte) {
	switch messageType {
	case websocket.BinaryMessage:
		if s.file != nil {
			s.log.Debug("ignoring client audio in file mode", "bytes", len(data))
			return
		}
		s.forwardAudio(data)
	case websocket.TextMessage:
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("ignoring undecodable client message", "error", err)
			return
		}
		if msg.Type == "CloseStream" {
			if err := s.upstream.RequestClose(); err != nil {
				s.log.Warn("close stream request failed", "error", err)
			}
		}
	}
}

// forwardAudio passes a live frame through only while the upstream is open.
// Frames arriving at any other time are dropped; live audio is not buffered.
func (s *Session) forwardAudio(data []byte) {
	if state := s.upstream.ReadyState(); state != transcription.Open {
		s.dropped.Add(1)
		s.dropLog.Do(func() {
			s.log.Warn("dropping live frame", "upstream_state", state.String(), "dropped", s.dropped.Load())
		})
		return
	}
	if err := s.upstream.Send(data); err != nil {
		s.dropped.Add(1)
		s.dropLog.Do(func() {
			s.log.Warn("live frame not delivered", "error", err, "dropped", s.dropped.Load())
		})
	}
}

func (s *Session) ingest() {
	format, err := replay.Ingest(s.ctx, s.file, s.deps.prober, s.deps.chunkDuration)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Error("file ingestion failed", "file_id", s.file.Token, "error", err)
		}
		return
	}
	s.log.Info("file ingested", "file_id", s.file.Token,
		"sample_rate", format.SampleRate, "channels", format.Channels, "chunks", s.file.Len())
}

// waitForFile polls until ingestion has finished and the upstream is open,
// then hands over to the replay scheduler.
func (s *Session) waitForFile() {
	ticker := s.deps.clock.Ticker(s.deps.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if s.closing.Load() {
			return
		}
		if err := s.file.Err(); err != nil {
			s.fail(msgIngestionFailed)
			return
		}
		if s.file.Complete() && s.upstream.ReadyState() == transcription.Open {
			s.startReplay()
			return
		}
	}
}

func (s *Session) startReplay() {
	s.replayOnce.Do(func() {
		s.setState(StateFileReplay)
		chunks := s.file.Chunks()
		s.log.Info("replay started", "chunks", len(chunks))

		go func() {
			sched := &replay.Scheduler{
				Clock:    s.deps.clock,
				Interval: s.deps.chunkDuration,
				Send: func(chunk []byte) error {
					if err := s.upstream.Send(chunk); err != nil {
						return err
					}
					s.replayed.Add(1)
					return nil
				},
				Alive: func() bool {
					return !s.closing.Load() && !s.file.Removed()
				},
				Log: s.log,
			}
			res := sched.Run(s.ctx, chunks)
			s.log.Info("replay finished", "sent", res.Sent, "skipped", res.Skipped, "failed", res.Failed)
		}()
	})
}

func (s *Session) enqueue(data []byte) {
	if err := s.conn.Send(data); err != nil {
		s.log.Debug("client gone, event not delivered", "error", err)
	}
}

func (s *Session) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to marshal client message", "error", err)
		return
	}
	s.enqueue(data)
}

// fail reports a terminal error to the client and closes the session.
func (s *Session) fail(msg string) {
	s.errors.Add(1)
	s.sendJSON(errorMessage{Error: msg})
	s.Close()
}

// Close tears the session down. Every step runs regardless of whether an
// earlier one failed, and only the first call does any work.
func (s *Session) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.setState(StateClosing)
	s.cancel()

	if s.file != nil {
		s.step("remove file session", func() error {
			return s.deps.registry.Remove(s.file.Token)
		})
	}
	if s.upstream != nil {
		s.step("finish upstream", s.upstream.Finish)
		s.step("detach upstream listeners", func() error {
			s.upstream.RemoveAllListeners()
			return nil
		})
	}
	s.step("close client", s.conn.Close)

	s.setState(StateClosed)
	if s.deps.onClose != nil {
		s.deps.onClose(s.id)
	}
	s.record()
	close(s.done)
	s.log.Info("relay session closed")
}

func (s *Session) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("close step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("close step failed", "step", name, "error", err)
	}
}

func (s *Session) Summary() session.Summary {
	return session.Summary{
		SessionID:      s.id,
		Model:          s.opts.Model,
		Mode:           s.mode,
		Transcripts:    s.transcripts.Load(),
		Errors:         s.errors.Load(),
		DroppedFrames:  s.dropped.Load(),
		ReplayedChunks: s.replayed.Load(),
		Duration:       s.deps.clock.Since(s.startedAt),
	}
}

func (s *Session) record() {
	if s.deps.recorder == nil {
		return
	}
	sum := s.Summary()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.deps.recorder.RecordSession(ctx, sum); err != nil {
			s.log.Warn("failed to record relay metrics", "error", err)
		}
	}()
}
