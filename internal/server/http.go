package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/config"
	"github.com/aayush-48/MeshPe/internal/domain"
	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/flow"
	"github.com/aayush-48/MeshPe/internal/metrics"
	"github.com/aayush-48/MeshPe/internal/transport"
)

const maxBodyBytes = 1 << 20

// HTTPServer exposes the flow controller to the presentation layer
type HTTPServer struct {
	server     *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *config.Config
	controller *flow.Controller
	metrics    *metrics.Metrics

	startTime time.Time
}

// envelope is the response body of every route except /metrics
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewHTTPServer creates the control API server. Metrics are served from gatherer.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	controller *flow.Controller, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		controller: controller,
		metrics:    m,
		startTime:  time.Now(),
	}

	h.handler = h.routes(cfg, gatherer)
	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.GetWriteTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

func (h *HTTPServer) routes(cfg config.HTTPConfig, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.withMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	r.Get("/config", h.handleConfig)
	r.Get("/session", h.handleSession)
	r.Post("/logout", h.handleLogout)
	r.Get("/capture", h.handleCapture)

	r.Route("/enrollment", func(r chi.Router) {
		r.Get("/", h.handleEnrollment)
		r.Post("/start", h.handleEnrollmentStart)
		r.Post("/profile", h.handleEnrollmentProfile)
		r.Post("/samples/{index}", h.handleEnrollmentSample)
		r.Post("/submit", h.handleEnrollmentSubmit)
		r.Post("/reset", h.handleEnrollmentReset)
	})

	r.Route("/login", func(r chi.Router) {
		r.Get("/", h.handleLogin)
		r.Post("/challenge", h.handleLoginChallenge)
		r.Post("/verify", h.handleLoginVerify)
		r.Post("/back", h.handleLoginBack)
	})

	r.Route("/payment", func(r chi.Router) {
		r.Get("/", h.handlePayment)
		r.Post("/command", h.handlePaymentCommand)
		r.Post("/confirm", h.handlePaymentConfirm)
		r.Post("/cancel", h.handlePaymentCancel)
	})

	r.Get("/proximity", h.handleProximity)
	r.Post("/proximity/send", h.handleProximitySend)

	// Prometheus metrics endpoint
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Error: "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Error: "Method not allowed"})
	})

	return r
}

// withMetrics records request metrics labelled by route pattern
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		duration := time.Since(startTime).Seconds()

		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}

		h.logger.Debug("Control request",
			slog.String("method", r.Method),
			slog.String("endpoint", endpoint),
			slog.Int("status_code", ww.statusCode),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(startTime)),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting control API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping control API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, authenticated := h.controller.Identity()
	_, capturing := h.controller.ActiveCapture()

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "meshpe-client",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"session":   map[string]any{"authenticated": authenticated},
			"capture":   map[string]any{"active": capturing},
			"proximity": map[string]any{"supported": h.controller.ProximitySupported()},
		},
	}})
}

// handleConfig returns the configuration without credentials
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"backend": map[string]any{
			"base_url":  c.Backend.BaseURL,
			"timeout":   c.Backend.Timeout,
			"endpoints": c.Backend.Endpoints,
			// bearer_token is omitted
		},
		"capture": map[string]any{
			"device":              c.Capture.Device,
			"sample_rate":         c.Capture.SampleRate,
			"channels":            c.Capture.Channels,
			"flush_interval_ms":   c.Capture.FlushInterval,
			"preferred_encodings": c.Capture.PreferredEncodings,
		},
		"flows": c.Flows,
		"proximity": map[string]any{
			"enabled":      c.Proximity.Enabled,
			"service_uuid": c.Proximity.ServiceUUID,
			"scan_timeout": c.Proximity.ScanTimeout,
		},
		"identity": map[string]any{"driver": c.Identity.Driver},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
	}})
}

func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.controller.Identity()
	data := map[string]any{"authenticated": ok}
	if ok {
		data["user"] = id
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (h *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := h.controller.Logout(r.Context())
	if errors.Is(err, flow.ErrNotAuthenticated) {
		h.fail(w, r, err, nil)
		return
	}
	if err != nil {
		// The local session is already cleared; report the backend error only
		h.logger.Warn("Logout completed with errors", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"authenticated": false}})
}

func (h *HTTPServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.controller.ActiveCapture()
	data := map[string]any{"active": ok}
	if ok {
		data["session"] = snap
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (h *HTTPServer) handleEnrollment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: h.controller.Enrollment.Snapshot()})
}

func (h *HTTPServer) handleEnrollmentStart(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Enrollment.Start(), h.controller.Enrollment.Snapshot())
}

func (h *HTTPServer) handleEnrollmentProfile(w http.ResponseWriter, r *http.Request) {
	var profile domain.Profile
	if err := decodeJSON(w, r, &profile); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	h.respond(w, r, h.controller.Enrollment.SetProfile(profile), h.controller.Enrollment.Snapshot())
}

func (h *HTTPServer) handleEnrollmentSample(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: sample index must be an integer", flow.ErrInvalidInput), nil)
		return
	}
	h.respond(w, r, h.controller.Enrollment.RecordSample(r.Context(), index), h.controller.Enrollment.Snapshot())
}

func (h *HTTPServer) handleEnrollmentSubmit(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Enrollment.Submit(r.Context()), h.controller.Enrollment.Snapshot())
}

func (h *HTTPServer) handleEnrollmentReset(w http.ResponseWriter, r *http.Request) {
	h.controller.Enrollment.Reset()
	h.respond(w, r, nil, h.controller.Enrollment.Snapshot())
}

func (h *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: h.controller.Authentication.Snapshot()})
}

func (h *HTTPServer) handleLoginChallenge(w http.ResponseWriter, r *http.Request) {
	var claim flow.Claim
	if err := decodeJSON(w, r, &claim); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	h.respond(w, r, h.controller.Authentication.RequestChallenge(r.Context(), claim), h.controller.Authentication.Snapshot())
}

func (h *HTTPServer) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Authentication.CaptureAndVerify(r.Context()), h.controller.Authentication.Snapshot())
}

func (h *HTTPServer) handleLoginBack(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Authentication.Back(), h.controller.Authentication.Snapshot())
}

func (h *HTTPServer) handlePayment(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: h.controller.Transaction.Snapshot()})
}

func (h *HTTPServer) handlePaymentCommand(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Transaction.CaptureCommand(r.Context()), h.controller.Transaction.Snapshot())
}

func (h *HTTPServer) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Transaction.Confirm(r.Context()), h.controller.Transaction.Snapshot())
}

func (h *HTTPServer) handlePaymentCancel(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.controller.Transaction.Cancel(), h.controller.Transaction.Snapshot())
}

func (h *HTTPServer) handleProximity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"supported": h.controller.ProximitySupported(),
	}})
}

func (h *HTTPServer) handleProximitySend(w http.ResponseWriter, r *http.Request) {
	var payload transport.EncryptedPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	if len(payload) == 0 {
		h.fail(w, r, fmt.Errorf("%w: payload cannot be empty", flow.ErrInvalidInput), nil)
		return
	}
	if err := h.controller.SendProximity(r.Context(), payload); err != nil {
		h.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{"delivered": true}})
}

// respond writes the flow snapshot taken after the operation, as a failure
// when err is set
func (h *HTTPServer) respond(w http.ResponseWriter, r *http.Request, err error, snapshot any) {
	if err != nil {
		h.fail(w, r, err, snapshot)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: snapshot})
}

// fail maps err to a status code and writes it with the current snapshot
func (h *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error, data any) {
	status := statusFor(err)
	msg := err.Error()
	if failure.KindOf(err) != 0 {
		msg = failure.UserMessage(err, "")
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Control request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, envelope{Data: data, Error: msg})
}

// statusFor maps flow and capture errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, flow.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, flow.ErrInvalidTransition),
		errors.Is(err, flow.ErrBusy),
		errors.Is(err, flow.ErrReset),
		errors.Is(err, flow.ErrSamplesIncomplete),
		errors.Is(err, capture.ErrBusy):
		return http.StatusConflict
	case failure.KindOf(err) != 0:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v. Decode errors wrap flow.ErrInvalidInput.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", flow.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
