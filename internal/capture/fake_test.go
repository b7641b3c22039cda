package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMic struct {
	supported map[string]bool
	fallback  string
	openErr   error
	stream    *fakeStream
	opens     atomic.Int32
}

func (m *fakeMic) Open(ctx context.Context) (Stream, error) {
	m.opens.Add(1)
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.stream, nil
}

func (m *fakeMic) Supports(encoding string) bool {
	return m.supported[encoding]
}

func (m *fakeMic) DefaultEncoding() string {
	return m.fallback
}

type fakeStream struct {
	chunk     []byte
	tail      []byte
	startErr  error
	flushErr  error
	stopErr   error
	stopDelay time.Duration
	// endAfter > 0 makes that flush and every later one report ErrStreamEnded
	endAfter int

	mu      sync.Mutex
	started string
	flushes int

	closes atomic.Int32
}

func (s *fakeStream) Start(encoding string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = encoding
	return s.startErr
}

func (s *fakeStream) Flush() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	if s.flushErr != nil {
		return nil, s.flushErr
	}
	if s.endAfter > 0 && s.flushes > s.endAfter {
		return nil, ErrStreamEnded
	}
	if s.endAfter > 0 && s.flushes == s.endAfter {
		return append([]byte(nil), s.chunk...), fmt.Errorf("%w: source closed", ErrStreamEnded)
	}
	return append([]byte(nil), s.chunk...), nil
}

func (s *fakeStream) Stop() ([]byte, error) {
	if s.stopDelay > 0 {
		time.Sleep(s.stopDelay)
	}
	return append([]byte(nil), s.tail...), s.stopErr
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeStream) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *fakeStream) startedWith() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func testOptions() Options {
	return Options{
		FlushInterval:      5 * time.Millisecond,
		FinalizeOverhead:   100 * time.Millisecond,
		PreferredEncodings: []string{"audio/webm;codecs=opus", "audio/webm"},
		SampleRate:         8000,
		Channels:           1,
	}
}
