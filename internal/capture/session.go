package capture

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a capture session
type State int

const (
	StateIdle State = iota
	StateAwaitingPermission
	StateRecording
	StateFinalizing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPermission:
		return "awaiting_permission"
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON snapshots
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// next lists the states each state may move to
var next = map[State][]State{
	StateIdle:               {StateAwaitingPermission},
	StateAwaitingPermission: {StateRecording, StateFailed},
	StateRecording:          {StateFinalizing},
	StateFinalizing:         {StateComplete, StateFailed},
}

// Artifact is a finished recording
type Artifact struct {
	SessionID  string        `json:"session_id"`
	Encoding   string        `json:"encoding"`
	Data       []byte        `json:"-"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Channels   int           `json:"channels,omitempty"`
}

// Len returns the artifact size in bytes
func (a *Artifact) Len() int {
	return len(a.Data)
}

// Extension returns a file extension matching the encoding
func (a *Artifact) Extension() string {
	mime := strings.ToLower(a.Encoding)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	switch strings.TrimSpace(mime) {
	case "audio/webm":
		return "webm"
	case "audio/ogg":
		return "ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mp4":
		return "m4a"
	case "audio/mpeg":
		return "mp3"
	default:
		return "bin"
	}
}

// ContentType returns the MIME type to declare when uploading the artifact
func (a *Artifact) ContentType() string {
	if a.Encoding == "" {
		return "application/octet-stream"
	}
	return a.Encoding
}

// Session is one timed recording attempt. Sessions are created by
// Recorder.Begin and never reused.
type Session struct {
	id    string
	limit time.Duration

	mu       sync.RWMutex
	state    State
	encoding string
	started  time.Time
	elapsed  time.Duration
	artifact *Artifact
	failure  error
}

func newSession(limit time.Duration) *Session {
	return &Session{
		id:    uuid.NewString(),
		limit: limit,
		state: StateIdle,
	}
}

// ID returns the unique session handle
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// transition moves the session forward, refusing anything outside the
// Idle→AwaitingPermission→Recording→Finalizing→{Complete|Failed} order
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range next[s.state] {
		if allowed == to {
			s.state = to
			if to == StateRecording {
				s.started = time.Now()
			}
			return true
		}
	}
	return false
}

func (s *Session) setEncoding(encoding string) {
	s.mu.Lock()
	s.encoding = encoding
	s.mu.Unlock()
}

func (s *Session) tick() {
	s.mu.Lock()
	if !s.started.IsZero() {
		s.elapsed = time.Since(s.started)
	}
	s.mu.Unlock()
}

func (s *Session) complete(a *Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = a
	s.state = StateComplete
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
	s.state = StateFailed
}

// Snapshot is a point-in-time view of a session
type Snapshot struct {
	ID            string `json:"id"`
	State         State  `json:"state"`
	Encoding      string `json:"encoding,omitempty"`
	ElapsedMs     int64  `json:"elapsed_ms"`
	LimitMs       int64  `json:"limit_ms"`
	ArtifactBytes int    `json:"artifact_bytes,omitempty"`
	Failure       string `json:"failure,omitempty"`
}

// Snapshot returns the session's current view
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elapsed := s.elapsed
	if s.state == StateRecording && !s.started.IsZero() {
		elapsed = time.Since(s.started)
	}

	snap := Snapshot{
		ID:        s.id,
		State:     s.state,
		Encoding:  s.encoding,
		ElapsedMs: elapsed.Milliseconds(),
		LimitMs:   s.limit.Milliseconds(),
	}
	if s.artifact != nil {
		snap.ArtifactBytes = s.artifact.Len()
	}
	if s.failure != nil {
		snap.Failure = s.failure.Error()
	}
	return snap
}
