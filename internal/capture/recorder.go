package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aayush-48/MeshPe/internal/audio"
	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/metrics"
)

var (
	// ErrBusy is returned when Begin is called while another session is active
	ErrBusy = errors.New("a capture session is already active")

	// ErrPermissionDenied is returned by microphone adapters when access is
	// refused or the capability is missing
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrStreamEnded is reported by a Stream whose source stopped producing
	// audio before the capture window closed. The session finalizes with
	// what was flushed so far.
	ErrStreamEnded = errors.New("audio stream ended")
)

// Microphone acquires recording streams from an audio input device
type Microphone interface {
	// Open acquires the device. Adapters return an error wrapping
	// ErrPermissionDenied when access is refused or unavailable.
	Open(ctx context.Context) (Stream, error)
	// Supports reports whether the device can produce the given container.
	Supports(encoding string) bool
	// DefaultEncoding is the container used when no preferred one is supported.
	// It may be empty.
	DefaultEncoding() string
}

// Stream is an acquired device handle. Flush and Stop return the bytes
// captured since the previous call.
type Stream interface {
	Start(encoding string) error
	// Flush returns audio recorded since the last flush. An error wrapping
	// ErrStreamEnded ends the session early with the data returned so far.
	Flush() ([]byte, error)
	Stop() ([]byte, error)
	Close() error
}

// PCMFormatter is implemented by streams that know the PCM format they deliver
type PCMFormatter interface {
	PCMFormat() (sampleRate, channels int)
}

// Options control recording behaviour
type Options struct {
	FlushInterval      time.Duration
	FinalizeOverhead   time.Duration
	PreferredEncodings []string
	SampleRate         int
	Channels           int
}

// DefaultOptions returns the recording options of the shipped product
func DefaultOptions() Options {
	return Options{
		FlushInterval:      500 * time.Millisecond,
		FinalizeOverhead:   time.Second,
		PreferredEncodings: []string{"audio/webm;codecs=opus", "audio/webm"},
		SampleRate:         16000,
		Channels:           1,
	}
}

// Recorder runs capture sessions against one microphone, at most one at a time
type Recorder struct {
	mic     Microphone
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	active atomic.Pointer[Session]
}

// NewRecorder creates a recorder for mic
func NewRecorder(mic Microphone, opts Options, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	defaults := DefaultOptions()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaults.FlushInterval
	}
	if opts.FinalizeOverhead <= 0 {
		opts.FinalizeOverhead = defaults.FinalizeOverhead
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = defaults.SampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = defaults.Channels
	}

	return &Recorder{
		mic:     mic,
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
}

// FinalizeOverhead returns the finalization budget added to every duration
func (r *Recorder) FinalizeOverhead() time.Duration {
	return r.opts.FinalizeOverhead
}

// Active returns a snapshot of the in-progress session, if any
func (r *Recorder) Active() (Snapshot, bool) {
	s := r.active.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Begin records for duration and returns the finished artifact. Failures are
// *failure.Error values of kind PermissionDenied, EmptyRecording or
// DeviceError. A call made while another session is active returns ErrBusy
// without touching that session.
func (r *Recorder) Begin(ctx context.Context, duration time.Duration) (*Artifact, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("capture duration must be positive, got %v", duration)
	}

	s := newSession(duration)
	if !r.active.CompareAndSwap(nil, s) {
		return nil, ErrBusy
	}
	defer r.active.CompareAndSwap(s, nil)

	r.metrics.RecordCaptureStarted()
	begun := time.Now()

	artifact, err := r.run(ctx, s, duration)

	outcome := StateComplete.String()
	size := 0
	if err != nil {
		outcome = failure.KindOf(err).String()
		s.fail(err)
		r.logger.Warn("Capture session failed",
			slog.String("session_id", s.ID()),
			slog.String("error", err.Error()),
		)
	} else {
		size = artifact.Len()
		s.complete(artifact)
		r.logger.Info("Capture session complete",
			slog.String("session_id", s.ID()),
			slog.String("encoding", artifact.Encoding),
			slog.Int("bytes", size),
			slog.Duration("elapsed", artifact.Duration),
		)
	}
	r.metrics.RecordCaptureFinished(outcome, time.Since(begun).Seconds(), size)

	return artifact, err
}

// run drives one session to a terminal result. The device is released
// exactly once before run returns.
func (r *Recorder) run(ctx context.Context, s *Session, duration time.Duration) (*Artifact, error) {
	s.transition(StateAwaitingPermission)

	stream, err := r.mic.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, failure.New(failure.PermissionDenied, "microphone access denied", err)
		}
		return nil, failure.New(failure.DeviceError, "failed to open microphone", err)
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			if cerr := stream.Close(); cerr != nil {
				r.logger.Warn("Error releasing microphone",
					slog.String("session_id", s.ID()),
					slog.String("error", cerr.Error()),
				)
			}
		})
	}
	defer release()

	encoding := r.negotiate()
	s.setEncoding(encoding)

	if err := stream.Start(encoding); err != nil {
		return nil, failure.New(failure.DeviceError, "failed to start recording", err)
	}
	s.transition(StateRecording)

	r.logger.Debug("Recording started",
		slog.String("session_id", s.ID()),
		slog.String("encoding", encoding),
		slog.Duration("limit", duration),
	)

	var buf bytes.Buffer
	recordErr := r.record(ctx, s, stream, duration, &buf)

	s.transition(StateFinalizing)
	tail, stopErr := r.finalize(stream)
	buf.Write(tail)
	s.tick()
	elapsed := time.Since(startedAt(s))

	release()

	if recordErr != nil {
		return nil, recordErr
	}
	if stopErr != nil {
		return nil, stopErr
	}

	if buf.Len() == 0 {
		return nil, failure.New(failure.EmptyRecording, "", nil)
	}

	artifact := &Artifact{
		SessionID: s.ID(),
		Encoding:  encoding,
		Data:      buf.Bytes(),
		Duration:  elapsed,
	}

	if encoding == audio.MimeWAV {
		sampleRate, channels := r.opts.SampleRate, r.opts.Channels
		if f, ok := stream.(PCMFormatter); ok {
			sampleRate, channels = f.PCMFormat()
		}
		wrapped, err := audio.EncodeWAV(artifact.Data, sampleRate, channels)
		if err != nil {
			return nil, failure.New(failure.DeviceError, "failed to build WAV container", err)
		}
		artifact.Data = wrapped
		artifact.SampleRate = sampleRate
		artifact.Channels = channels
	}

	return artifact, nil
}

// record flushes the stream periodically until the duration elapses, the
// context ends, the stream ends or the device reports an error
func (r *Recorder) record(ctx context.Context, s *Session, stream Stream, duration time.Duration, buf *bytes.Buffer) error {
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			chunk, err := stream.Flush()
			buf.Write(chunk)
			s.tick()
			if errors.Is(err, ErrStreamEnded) {
				r.logger.Debug("Audio stream ended early",
					slog.String("session_id", s.ID()),
					slog.Int("bytes", buf.Len()),
				)
				return nil
			}
			if err != nil {
				return failure.New(failure.DeviceError, "recording interrupted", err)
			}

		case <-timer.C:
			return nil

		case <-ctx.Done():
			return failure.New(failure.DeviceError, "recording cancelled", ctx.Err())
		}
	}
}

// finalize stops the stream within the finalize overhead
func (r *Recorder) finalize(stream Stream) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := stream.Stop()
		done <- result{data, err}
	}()

	timer := time.NewTimer(r.opts.FinalizeOverhead)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil && !errors.Is(res.err, ErrStreamEnded) {
			return res.data, failure.New(failure.DeviceError, "failed to stop recording", res.err)
		}
		return res.data, nil
	case <-timer.C:
		return nil, failure.New(failure.DeviceError,
			fmt.Sprintf("device did not stop within %v", r.opts.FinalizeOverhead), nil)
	}
}

// negotiate picks the first preferred container the device supports, then
// the device default, then no explicit encoding
func (r *Recorder) negotiate() string {
	for _, enc := range r.opts.PreferredEncodings {
		if r.mic.Supports(enc) {
			return enc
		}
	}
	return r.mic.DefaultEncoding()
}

func startedAt(s *Session) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
