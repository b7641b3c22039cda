package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/metrics"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in the current state
	ErrInvalidTransition = errors.New("invalid flow transition")
	// ErrBusy is returned while a capture or backend step of the same flow is in progress
	ErrBusy = errors.New("flow step already in progress")
	// ErrNotAuthenticated is returned by operations that need a session identity
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrReset is returned by a step whose flow was reset while it was suspended
	ErrReset = errors.New("flow was reset while the step was in progress")
	// ErrInvalidInput wraps rejected caller input such as an incomplete profile
	ErrInvalidInput = errors.New("invalid input")
)

// Capturer runs one timed capture session. *capture.Recorder implements it.
type Capturer interface {
	Begin(ctx context.Context, duration time.Duration) (*capture.Artifact, error)
}

// Event describes a committed change of a flow. Seq is assigned when the
// change commits and increases by one per change of the same flow.
type Event struct {
	Flow     string    `json:"flow"`
	Seq      uint64    `json:"seq"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Snapshot any       `json:"snapshot"`
	At       time.Time `json:"at"`
}

// Observer receives committed flow events. Observers are called outside the
// flow lock and must not block. Changes committed from different goroutines,
// such as a timed dismissal and a Reset, can be delivered in either order;
// order them by Seq.
type Observer func(Event)

// Options contains the durations and counts used by the flows
type Options struct {
	EnrollmentSamples int
	SampleDuration    time.Duration
	LoginDuration     time.Duration
	CommandDuration   time.Duration
	ConfirmDuration   time.Duration
	SettledDisplay    time.Duration
	DefaultLanguage   string
}

// DefaultOptions returns the shipped product shape
func DefaultOptions() Options {
	return Options{
		EnrollmentSamples: 3,
		SampleDuration:    5 * time.Second,
		LoginDuration:     5 * time.Second,
		CommandDuration:   10 * time.Second,
		ConfirmDuration:   3 * time.Second,
		SettledDisplay:    3 * time.Second,
		DefaultLanguage:   "english",
	}
}

// emitter fans committed events out to observers and records them
type emitter struct {
	flow    string
	logger  *slog.Logger
	metrics *metrics.Metrics

	seq atomic.Uint64

	mu        sync.RWMutex
	observers []Observer
}

func newEmitter(flow string, logger *slog.Logger, m *metrics.Metrics) *emitter {
	return &emitter{flow: flow, logger: logger.With(slog.String("flow", flow)), metrics: m}
}

func (e *emitter) subscribe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// next numbers a change. Callers hold the flow lock so numbers follow the
// commit order.
func (e *emitter) next() uint64 {
	return e.seq.Add(1)
}

func (e *emitter) emit(seq uint64, from, to string, snapshot any) {
	e.metrics.RecordFlowTransition(e.flow, to)
	e.logger.Debug("Flow transition",
		slog.Uint64("seq", seq),
		slog.String("from", from),
		slog.String("to", to),
	)

	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()

	ev := Event{Flow: e.flow, Seq: seq, From: from, To: to, Snapshot: snapshot, At: time.Now()}
	for _, o := range observers {
		o(ev)
	}
}

func invalid(op string, state fmt.Stringer) error {
	return fmt.Errorf("%w: %s not allowed in state %s", ErrInvalidTransition, op, state)
}

// normalizeLanguage lowercases a spoken language name, falling back to def
func normalizeLanguage(lang, def string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		lang = def
	}
	return cases.Lower(language.Und).String(lang)
}

// errorText is the user-facing text of err, empty for nil. Unclassified
// errors are flow misuse and keep their own text.
func errorText(err error, fallback string) string {
	if err == nil {
		return ""
	}
	if failure.KindOf(err) == 0 {
		return err.Error()
	}
	return failure.UserMessage(err, fallback)
}
