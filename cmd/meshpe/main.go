package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/config"
	"github.com/aayush-48/MeshPe/internal/flow"
	"github.com/aayush-48/MeshPe/internal/identity"
	"github.com/aayush-48/MeshPe/internal/metrics"
	"github.com/aayush-48/MeshPe/internal/microphone"
	"github.com/aayush-48/MeshPe/internal/server"
	"github.com/aayush-48/MeshPe/internal/transport"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "meshpe-client"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without credentials)
	logger.Info("Configuration loaded",
		slog.String("backend_url", cfg.Backend.BaseURL),
		slog.Int("backend_timeout", cfg.Backend.Timeout),
		slog.String("capture_device", cfg.Capture.Device),
		slog.Int("sample_rate", cfg.Capture.SampleRate),
		slog.Int("enrollment_samples", cfg.Flows.EnrollmentSamples),
		slog.Bool("proximity_enabled", cfg.Proximity.Enabled),
		slog.String("identity_driver", cfg.Identity.Driver),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	mic := newMicrophone(cfg, logger, appMetrics)
	recorder := capture.NewRecorder(mic, capture.Options{
		FlushInterval:      cfg.Capture.GetFlushInterval(),
		FinalizeOverhead:   cfg.Capture.GetFinalizeOverhead(),
		PreferredEncodings: cfg.Capture.PreferredEncodings,
		SampleRate:         cfg.Capture.SampleRate,
		Channels:           cfg.Capture.Channels,
	}, logger, appMetrics)
	logger.Info("Capture recorder initialized", slog.String("device", cfg.Capture.Device))

	dispatcher, err := transport.NewDispatcher(transport.Config{
		BaseURL:     cfg.Backend.BaseURL,
		Timeout:     cfg.Backend.GetTimeoutDuration(),
		BearerToken: cfg.Backend.BearerToken,
		UserAgent:   cfg.Backend.UserAgent,
	}, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create transport dispatcher", slog.String("error", err.Error()))
		os.Exit(1)
	}

	endpoints := cfg.Backend.Endpoints
	api, err := transport.NewAPI(dispatcher, transport.Endpoints{
		Signup:          endpoints.Signup,
		LoginStart:      endpoints.LoginStart,
		LoginVerify:     endpoints.LoginVerify,
		PaymentInitiate: endpoints.PaymentInitiate,
		PaymentConfirm:  endpoints.PaymentConfirm,
		Logout:          endpoints.Logout,
	}, cfg.Flows.Currency)
	if err != nil {
		logger.Error("Failed to create backend API", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var radio transport.Radio
	if cfg.Proximity.Enabled {
		radio = transport.NewBLERadio()
	}
	proximity := transport.NewProximity(radio, transport.ProximityConfig{
		ServiceUUID:        cfg.Proximity.ServiceUUID,
		CharacteristicUUID: cfg.Proximity.CharacteristicUUID,
		ScanTimeout:        cfg.Proximity.GetScanTimeoutDuration(),
	}, logger, appMetrics)

	store, err := openIdentityStore(ctx, cfg.Identity)
	if err != nil {
		logger.Error("Failed to open identity store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	session := flow.NewSession(store, logger)
	controller := flow.NewController(recorder, api, proximity, session, flow.Options{
		EnrollmentSamples: cfg.Flows.EnrollmentSamples,
		SampleDuration:    cfg.Flows.GetEnrollmentSampleDuration(),
		LoginDuration:     cfg.Flows.GetLoginCaptureDuration(),
		CommandDuration:   cfg.Flows.GetCommandCaptureDuration(),
		ConfirmDuration:   cfg.Flows.GetConfirmCaptureDuration(),
		SettledDisplay:    cfg.Flows.GetSettledDisplayDuration(),
		DefaultLanguage:   cfg.Flows.DefaultLanguage,
	}, logger, appMetrics)

	if id, ok, err := controller.Restore(ctx); err != nil {
		logger.Warn("Failed to restore session", slog.String("error", err.Error()))
	} else if ok {
		logger.Info("Restored authenticated user", slog.String("user_id", id.ID))
	}

	controller.Subscribe(func(ev flow.Event) {
		logger.Info("Flow state changed",
			slog.String("flow", ev.Flow),
			slog.Uint64("seq", ev.Seq),
			slog.String("from", ev.From),
			slog.String("to", ev.To),
		)
	})

	// Initialize control API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, controller, appMetrics, prometheus.DefaultGatherer)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.Bool("proximity_supported", controller.ProximitySupported()),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop accepting control requests first; in-flight captures finish or are cancelled
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	stats := dispatcher.GetStats()
	logger.Info("Final transport statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("rejected_requests", stats.RejectedRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Duration("avg_response_time", stats.AvgResponseTime),
	)

	logger.Info("Service stopped")
}

// newMicrophone selects the capture device named in the configuration
func newMicrophone(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) capture.Microphone {
	switch cfg.Capture.Device {
	case "udp":
		return microphone.NewUDPDevice(&cfg.Capture.UDP, cfg.Capture.SampleRate, cfg.Capture.Channels, logger, m)
	default:
		return microphone.NewCommandDevice(cfg.Capture.RecorderCommand, cfg.Capture.SampleRate, cfg.Capture.Channels, logger)
	}
}

// openIdentityStore opens the configured session identity store
func openIdentityStore(ctx context.Context, cfg config.IdentityConfig) (identity.Store, error) {
	if cfg.Driver != "sqlite" {
		return identity.NewMemoryStore(), nil
	}
	store, err := identity.OpenSQLite(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
