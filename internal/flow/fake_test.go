package flow

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/identity"
	"github.com/aayush-48/MeshPe/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.SettledDisplay = 50 * time.Millisecond
	return opts
}

// fakeCapturer returns queued results in order, then a default artifact.
// When gate is set each Begin blocks until a value is received from it.
type fakeCapturer struct {
	mu        sync.Mutex
	results   []error
	durations []time.Duration
	gate      chan struct{}
	started   chan struct{}
}

func (f *fakeCapturer) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, errs...)
}

func (f *fakeCapturer) Begin(ctx context.Context, d time.Duration) (*capture.Artifact, error) {
	f.mu.Lock()
	f.durations = append(f.durations, d)
	var err error
	if len(f.results) > 0 {
		err = f.results[0]
		f.results = f.results[1:]
	}
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, failure.New(failure.DeviceError, "capture cancelled", ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return &capture.Artifact{SessionID: "s", Encoding: "audio/webm;codecs=opus", Data: []byte("voice"), Duration: d}, nil
}

func (f *fakeCapturer) calls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.durations...)
}

// fakeBackend is an httptest voice backend routed by path
type fakeBackend struct {
	t        *testing.T
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
	forms    map[string][]map[string]string
}

func newFakeBackend(t *testing.T) (*fakeBackend, *transport.API) {
	t.Helper()
	fb := &fakeBackend{
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
		forms:    make(map[string][]map[string]string),
	}

	srv := httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(srv.Close)

	d, err := transport.NewDispatcher(transport.Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, discardLogger(), nil)
	require.NoError(t, err)

	api, err := transport.NewAPI(d, transport.Endpoints{
		Signup:          "/auth/signup",
		LoginStart:      "/auth/login/start",
		LoginVerify:     "/auth/login/verify",
		PaymentInitiate: "/payment/initiate",
		PaymentConfirm:  "/payment/confirm",
		Logout:          "/auth/logout",
	}, "INR")
	require.NoError(t, err)

	return fb, api
}

func (fb *fakeBackend) handle(path string, status int, body any) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (fb *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	fields := map[string]string{}
	if err := r.ParseMultipartForm(1 << 20); err == nil {
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		for k, v := range r.MultipartForm.File {
			fields[k] = "file:" + v[0].Filename
		}
	}

	fb.mu.Lock()
	fb.hits[r.URL.Path]++
	fb.forms[r.URL.Path] = append(fb.forms[r.URL.Path], fields)
	h, ok := fb.handlers[r.URL.Path]
	fb.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (fb *fakeBackend) count(path string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.hits[path]
}

func (fb *fakeBackend) lastForm(path string) map[string]string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	forms := fb.forms[path]
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

// recorder collects committed events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if len(out) == 0 || out[len(out)-1] != ev.To {
			out = append(out, ev.To)
		}
	}
	return out
}

func newSession() (*Session, *identity.MemoryStore) {
	store := identity.NewMemoryStore()
	return NewSession(store, discardLogger()), store
}

func authenticatedSession(t *testing.T) *Session {
	t.Helper()
	s, _ := newSession()
	id := domain.Identity{ID: "u1", Name: "Asha", Phone: "+911234567890", Language: "Hindi"}
	s.persist(context.Background(), s.establish(id), id)
	return s
}
