package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eleven-am/voice-relay/internal/audio"
	"github.com/eleven-am/voice-relay/internal/params"
	"github.com/eleven-am/voice-relay/internal/replay"
	"github.com/gorilla/websocket"
)

type Manager struct {
	sessions     map[string]*Session
	mu           sync.RWMutex
	log          *slog.Logger
	defaultModel string
	deps         sessionDeps
}

type ManagerConfig struct {
	Registry      *replay.Registry
	Prober        audio.Prober
	Upstream      UpstreamFactory
	Recorder      MetricsRecorder
	Clock         clock.Clock
	DefaultModel  string
	PollInterval  time.Duration
	ChunkDuration time.Duration
	Log           *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = params.DefaultModel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = replay.ChunkDuration
	}
	if cfg.Prober == nil {
		cfg.Prober = audio.WAVProber{}
	}

	m := &Manager{
		sessions:     make(map[string]*Session),
		log:          cfg.Log.With("component", "relay_manager"),
		defaultModel: cfg.DefaultModel,
	}
	m.deps = sessionDeps{
		registry:      cfg.Registry,
		prober:        cfg.Prober,
		upstream:      cfg.Upstream,
		recorder:      cfg.Recorder,
		clock:         cfg.Clock,
		pollInterval:  cfg.PollInterval,
		chunkDuration: cfg.ChunkDuration,
		onClose:       m.remove,
	}
	return m
}

// Serve runs a relay session for an upgraded client connection and returns
// when the session has closed.
func (m *Manager) Serve(ws *websocket.Conn, rawQuery string) {
	s := newSession(ws, rawQuery, m.defaultModel, m.deps, m.log)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.log.Info("relay session created", "session_id", s.ID(), "mode", s.Mode(), "model", s.Options().Model)
	s.run()
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	Model     string    `json:"model"`
	FileID    string    `json:"file_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) ListSessions() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		opts := s.Options()
		sessions = append(sessions, SessionInfo{
			SessionID: s.ID(),
			Mode:      s.Mode(),
			State:     s.State().String(),
			Model:     opts.Model,
			FileID:    opts.FileID,
			StartedAt: s.StartedAt(),
		})
	}
	return sessions
}

func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}
