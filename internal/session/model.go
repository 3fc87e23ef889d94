package session

import (
	"strconv"
	"time"
)

const (
	ModeLive = "live"
	ModeFile = "file"
)

// Summary is what a relay session reports about itself when it closes.
type Summary struct {
	SessionID      string
	Model          string
	Mode           string
	Transcripts    int64
	Errors         int64
	DroppedFrames  int64
	ReplayedChunks int64
	Duration       time.Duration
}

type Metrics struct {
	Model          string `json:"model"`
	Date           string `json:"date"`
	Hour           int    `json:"hour"`
	Sessions       int64  `json:"sessions"`
	LiveSessions   int64  `json:"live_sessions"`
	FileSessions   int64  `json:"file_sessions"`
	Transcripts    int64  `json:"transcripts"`
	ErrorCount     int64  `json:"error_count"`
	DroppedFrames  int64  `json:"dropped_frames"`
	ReplayedChunks int64  `json:"replayed_chunks"`
	AvgDurationMs  int64  `json:"avg_duration_ms"`
}

type MetricsListResponse struct {
	Model   string     `json:"model"`
	Hours   int        `json:"hours"`
	Metrics []*Metrics `json:"metrics"`
}

func MetricsRedisKey(model, date string, hour int) string {
	return "relay:" + model + ":metrics:" + date + ":" + strconv.Itoa(hour)
}
