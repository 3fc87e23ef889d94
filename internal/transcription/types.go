package transcription

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

const (
	DefaultURL               = "wss://api.deepgram.com/v1/listen"
	DefaultKeepAliveInterval = 10 * time.Second
)

var (
	ErrConnection = errors.New("upstream connection failed")
	ErrNotOpen    = errors.New("upstream transport not open")
)

type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

type EventKind string

const (
	EventOpen          EventKind = "Open"
	EventTranscript    EventKind = "Results"
	EventUtteranceEnd  EventKind = "UtteranceEnd"
	EventMetadata      EventKind = "Metadata"
	EventSpeechStarted EventKind = "SpeechStarted"
	EventWarning       EventKind = "Warning"
	EventError         EventKind = "Error"
	EventClose         EventKind = "Close"
)

// Event carries the raw upstream JSON so it can be relayed without
// re-encoding. Err is set for EventError.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
	Err     error
}

type Listener func(Event)

type Config struct {
	URL               string
	APIKey            string
	KeepAliveInterval time.Duration
	Dialer            *websocket.Dialer
	Clock             clock.Clock
}

func (c Config) normalize() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

type controlMessage struct {
	Type string `json:"type"`
}

type envelope struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Word, Alternative and TranscriptResult decode a live Results message for
// accounting. The client always receives the untouched payload.
type Word struct {
	Word           string  `json:"word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
	Speaker        *int    `json:"speaker,omitempty"`
	PunctuatedWord string  `json:"punctuated_word,omitempty"`
}

type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
}

type TranscriptResult struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []Alternative `json:"alternatives"`
	} `json:"channel"`
}

func ParseTranscript(payload []byte) (*TranscriptResult, error) {
	var r TranscriptResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Text returns the first alternative's transcript.
func (r *TranscriptResult) Text() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return r.Channel.Alternatives[0].Transcript
}
