package microphone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/aayush-48/MeshPe/internal/audio"
	"github.com/aayush-48/MeshPe/internal/capture"
)

// CommandDevice records by running an external recorder that writes raw
// little-endian PCM-16 to stdout, e.g. arecord or ffmpeg.
type CommandDevice struct {
	command    []string
	sampleRate int
	channels   int
	logger     *slog.Logger
}

// NewCommandDevice creates a microphone backed by command
func NewCommandDevice(command []string, sampleRate, channels int, logger *slog.Logger) *CommandDevice {
	return &CommandDevice{
		command:    command,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger,
	}
}

// Open resolves the recorder binary. A missing or non-executable binary is
// reported as a denied capability.
func (d *CommandDevice) Open(ctx context.Context) (capture.Stream, error) {
	if len(d.command) == 0 {
		return nil, fmt.Errorf("%w: no recorder command configured", capture.ErrPermissionDenied)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(d.command[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	}

	return &commandStream{
		cmd:        exec.Command(path, d.command[1:]...),
		sampleRate: d.sampleRate,
		channels:   d.channels,
		logger:     d.logger,
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}, nil
}

// Supports reports false for compressed containers; the recorder emits PCM
func (d *CommandDevice) Supports(encoding string) bool {
	return false
}

// DefaultEncoding returns audio/wav; the capture layer wraps the PCM
func (d *CommandDevice) DefaultEncoding() string {
	return audio.MimeWAV
}

type commandStream struct {
	cmd        *exec.Cmd
	sampleRate int
	channels   int
	logger     *slog.Logger

	mu       sync.Mutex
	pending  []byte
	readErr  error
	stopping bool

	done      chan struct{}
	started   bool
	waitOnce  sync.Once
	exited    chan struct{}
	closeOnce sync.Once
}

func (s *commandStream) Start(encoding string) error {
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach recorder output: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
		}
		return fmt.Errorf("failed to start recorder: %w", err)
	}
	s.started = true

	s.logger.Debug("Recorder process started",
		slog.String("command", s.cmd.Path),
		slog.Int("pid", s.cmd.Process.Pid),
	)

	go s.readLoop(stdout)
	return nil
}

// readLoop accumulates recorder output until the pipe closes
func (s *commandStream) readLoop(r io.Reader) {
	defer close(s.done)

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.pending = append(s.pending, buf[:n]...)
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			if !s.stopping {
				if err == io.EOF {
					s.readErr = fmt.Errorf("%w: recorder process exited before the capture window ended", capture.ErrStreamEnded)
				} else {
					s.readErr = err
				}
			}
			s.mu.Unlock()
			return
		}
	}
}

func (s *commandStream) take() []byte {
	out := s.pending
	s.pending = nil
	return out
}

func (s *commandStream) Flush() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.take(), s.readErr
}

// Stop interrupts the recorder and collects whatever it wrote before exiting
func (s *commandStream) Stop() ([]byte, error) {
	if !s.started {
		return nil, nil
	}

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return nil, fmt.Errorf("failed to interrupt recorder: %w", err)
	}

	s.wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.take(), s.readErr
}

// wait reaps the recorder once its output pipe has closed
func (s *commandStream) wait() {
	s.waitOnce.Do(func() {
		<-s.done
		// Exit status after an interrupt is not meaningful
		_ = s.cmd.Wait()
		close(s.exited)
	})
}

func (s *commandStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.started {
			return
		}
		select {
		case <-s.exited:
			return
		default:
		}
		if kerr := s.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("failed to kill recorder: %w", kerr)
		}
		go s.wait()
	})
	return err
}

func (s *commandStream) PCMFormat() (int, int) {
	return s.sampleRate, s.channels
}
