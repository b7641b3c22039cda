package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/metrics"
	"github.com/aayush-48/MeshPe/internal/transport"
)

// EnrollmentState is a state of the enrollment flow
type EnrollmentState string

const (
	EnrollmentIdle              EnrollmentState = "idle"
	EnrollmentCollectingProfile EnrollmentState = "collecting_profile"
	EnrollmentCollectingSample  EnrollmentState = "collecting_sample"
	EnrollmentSubmitting        EnrollmentState = "submitting"
	EnrollmentEnrolled          EnrollmentState = "enrolled"
	EnrollmentFailed            EnrollmentState = "failed"
)

func (s EnrollmentState) String() string { return string(s) }

// ErrSamplesIncomplete is returned by Submit until every sample is recorded
var ErrSamplesIncomplete = errors.New("not all voice samples are recorded")

// SignupBackend submits an enrollment
type SignupBackend interface {
	Signup(ctx context.Context, profile domain.Profile, samples []*capture.Artifact) (*transport.SignupResult, error)
}

// SampleView describes one sample slot
type SampleView struct {
	Index    int    `json:"index"`
	Recorded bool   `json:"recorded"`
	Bytes    int    `json:"bytes,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

// EnrollmentSnapshot is the observable state of the enrollment flow
type EnrollmentSnapshot struct {
	State     EnrollmentState `json:"state"`
	Profile   domain.Profile  `json:"profile"`
	Samples   []SampleView    `json:"samples"`
	Recording int             `json:"recording,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Enrollment collects a profile and N voice samples and submits them in one
// request. Samples may be recorded in any order and re-recorded; a failed
// re-record keeps the previous sample.
type Enrollment struct {
	capturer Capturer
	backend  SignupBackend
	opts     Options
	logger   *slog.Logger
	events   *emitter

	mu        sync.Mutex
	state     EnrollmentState
	epoch     uint64
	profile   domain.Profile
	samples   []*capture.Artifact
	recording int
	message   string
	lastErr   error
}

// NewEnrollment creates an enrollment flow in Idle
func NewEnrollment(capturer Capturer, backend SignupBackend, opts Options, logger *slog.Logger, m *metrics.Metrics) *Enrollment {
	if opts.EnrollmentSamples <= 0 {
		opts.EnrollmentSamples = DefaultOptions().EnrollmentSamples
	}
	return &Enrollment{
		capturer: capturer,
		backend:  backend,
		opts:     opts,
		logger:   logger,
		events:   newEmitter("enrollment", logger, m),
		state:    EnrollmentIdle,
		samples:  make([]*capture.Artifact, opts.EnrollmentSamples),
	}
}

// Subscribe registers an observer of committed transitions
func (e *Enrollment) Subscribe(o Observer) {
	e.events.subscribe(o)
}

// Snapshot returns the current state
func (e *Enrollment) Snapshot() EnrollmentSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Enrollment) snapshotLocked() EnrollmentSnapshot {
	views := make([]SampleView, len(e.samples))
	for i, s := range e.samples {
		views[i] = SampleView{Index: i + 1}
		if s != nil {
			views[i].Recorded = true
			views[i].Bytes = s.Len()
			views[i].Encoding = s.Encoding
		}
	}
	return EnrollmentSnapshot{
		State:     e.state,
		Profile:   e.profile,
		Samples:   views,
		Recording: e.recording,
		Message:   e.message,
		Error:     errorText(e.lastErr, "Signup failed"),
	}
}

// commit moves to state and returns the event to emit once unlocked
func (e *Enrollment) commit(to EnrollmentState) func() {
	from := e.state
	e.state = to
	snap := e.snapshotLocked()
	seq := e.events.next()
	return func() { e.events.emit(seq, string(from), string(to), snap) }
}

func (e *Enrollment) busy() bool {
	return e.state == EnrollmentSubmitting || e.recording != 0
}

// Start opens profile collection
func (e *Enrollment) Start() error {
	e.mu.Lock()
	if e.state != EnrollmentIdle {
		defer e.mu.Unlock()
		return invalid("start", e.state)
	}
	emit := e.commit(EnrollmentCollectingProfile)
	e.mu.Unlock()

	emit()
	return nil
}

// SetProfile records the profile. Name, phone and language must be present
// before any sample can be recorded.
func (e *Enrollment) SetProfile(p domain.Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Phone = strings.TrimSpace(p.Phone)
	p.Language = normalizeLanguage(p.Language, "")

	e.mu.Lock()
	if e.busy() {
		e.mu.Unlock()
		return ErrBusy
	}

	var emits []func()
	switch e.state {
	case EnrollmentIdle:
		emits = append(emits, e.commit(EnrollmentCollectingProfile))
	case EnrollmentCollectingProfile, EnrollmentCollectingSample:
	default:
		defer e.mu.Unlock()
		return invalid("set profile", e.state)
	}

	if err := p.Validate(); err != nil {
		e.lastErr = err
		if e.state != EnrollmentCollectingProfile {
			emits = append(emits, e.commit(EnrollmentCollectingProfile))
		}
		e.mu.Unlock()
		for _, emit := range emits {
			emit()
		}
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	e.profile = p
	e.lastErr = nil
	emits = append(emits, e.commit(EnrollmentCollectingSample))
	e.mu.Unlock()

	for _, emit := range emits {
		emit()
	}
	return nil
}

// RecordSample captures sample index (1-based) for the configured duration
func (e *Enrollment) RecordSample(ctx context.Context, index int) error {
	e.mu.Lock()
	if e.busy() {
		e.mu.Unlock()
		return ErrBusy
	}
	if e.state != EnrollmentCollectingSample {
		defer e.mu.Unlock()
		return invalid("record sample", e.state)
	}
	if index < 1 || index > len(e.samples) {
		e.mu.Unlock()
		return fmt.Errorf("%w: sample index %d out of range 1..%d", ErrInvalidInput, index, len(e.samples))
	}
	e.recording = index
	e.lastErr = nil
	epoch := e.epoch
	emit := e.commit(EnrollmentCollectingSample)
	e.mu.Unlock()
	emit()

	artifact, err := e.capturer.Begin(ctx, e.opts.SampleDuration)

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return ErrReset
	}
	e.recording = 0
	if err != nil {
		e.lastErr = err
	} else {
		e.samples[index-1] = artifact
	}
	emit = e.commit(EnrollmentCollectingSample)
	e.mu.Unlock()
	emit()

	if err != nil {
		e.logger.Warn("Enrollment sample capture failed",
			slog.Int("sample", index),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Submit sends the profile and every sample in one request
func (e *Enrollment) Submit(ctx context.Context) error {
	e.mu.Lock()
	if e.busy() {
		e.mu.Unlock()
		return ErrBusy
	}
	if e.state != EnrollmentCollectingSample {
		defer e.mu.Unlock()
		return invalid("submit", e.state)
	}
	for _, s := range e.samples {
		if s == nil {
			e.mu.Unlock()
			return ErrSamplesIncomplete
		}
	}

	profile := e.profile
	samples := append([]*capture.Artifact(nil), e.samples...)
	epoch := e.epoch
	e.lastErr = nil
	emit := e.commit(EnrollmentSubmitting)
	e.mu.Unlock()
	emit()

	result, err := e.backend.Signup(ctx, profile, samples)

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		return ErrReset
	}

	if err != nil {
		// Failed is committed, then the flow returns to profile collection
		// with the samples kept.
		e.lastErr = err
		failed := e.commit(EnrollmentFailed)
		back := e.commit(EnrollmentCollectingProfile)
		e.mu.Unlock()
		failed()
		back()

		e.logger.Warn("Enrollment rejected", slog.String("error", err.Error()))
		return err
	}

	e.message = result.Message
	emit = e.commit(EnrollmentEnrolled)
	e.mu.Unlock()
	emit()

	e.logger.Info("Enrollment completed", slog.String("phone", profile.Phone))
	return nil
}

// Reset discards the flow instance and returns to Idle. A step in progress
// completes with ErrReset.
func (e *Enrollment) Reset() {
	e.mu.Lock()
	e.epoch++
	e.profile = domain.Profile{}
	e.samples = make([]*capture.Artifact, len(e.samples))
	e.recording = 0
	e.message = ""
	e.lastErr = nil
	emit := e.commit(EnrollmentIdle)
	e.mu.Unlock()
	emit()
}
