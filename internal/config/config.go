package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client engine configuration
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Capture   CaptureConfig   `yaml:"capture"`
	Flows     FlowsConfig     `yaml:"flows"`
	Proximity ProximityConfig `yaml:"proximity"`
	Identity  IdentityConfig  `yaml:"identity"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// BackendConfig contains the voice backend REST contract
type BackendConfig struct {
	BaseURL     string          `yaml:"base_url"`
	Timeout     int             `yaml:"timeout"` // seconds, per call
	BearerToken string          `yaml:"bearer_token"`
	UserAgent   string          `yaml:"user_agent"`
	Endpoints   EndpointsConfig `yaml:"endpoints"`
}

// EndpointsConfig maps each backend operation to its path
type EndpointsConfig struct {
	Signup          string `yaml:"signup" json:"signup"`
	LoginStart      string `yaml:"login_start" json:"login_start"`
	LoginVerify     string `yaml:"login_verify" json:"login_verify"`
	PaymentInitiate string `yaml:"payment_initiate" json:"payment_initiate"`
	PaymentConfirm  string `yaml:"payment_confirm" json:"payment_confirm"`
	Logout          string `yaml:"logout" json:"logout"`
}

// CaptureConfig contains microphone and capture session parameters
type CaptureConfig struct {
	Device             string    `yaml:"device"` // "command" or "udp"
	SampleRate         int       `yaml:"sample_rate"`
	Channels           int       `yaml:"channels"`
	FlushInterval      int       `yaml:"flush_interval_ms"`
	FinalizeOverhead   int       `yaml:"finalize_overhead_ms"`
	PreferredEncodings []string  `yaml:"preferred_encodings"`
	RecorderCommand    []string  `yaml:"recorder_command"`
	UDP                UDPConfig `yaml:"udp"`
}

// UDPConfig contains the networked handset listener configuration
type UDPConfig struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	BufferSize  int    `yaml:"buffer_size"`
}

// FlowsConfig contains the durations and counts used by the flow state machines
type FlowsConfig struct {
	EnrollmentSamples      int     `yaml:"enrollment_samples" json:"enrollment_samples"`
	EnrollmentSampleLength float64 `yaml:"enrollment_sample_seconds" json:"enrollment_sample_seconds"`
	LoginCaptureLength     float64 `yaml:"login_capture_seconds" json:"login_capture_seconds"`
	CommandCaptureLength   float64 `yaml:"command_capture_seconds" json:"command_capture_seconds"`
	ConfirmCaptureLength   float64 `yaml:"confirmation_capture_seconds" json:"confirmation_capture_seconds"`
	SettledDisplay         float64 `yaml:"settled_display_seconds" json:"settled_display_seconds"`
	DefaultLanguage        string  `yaml:"default_language" json:"default_language"`
	Currency               string  `yaml:"currency" json:"currency"`
}

// ProximityConfig contains the BLE proximity channel identifiers
type ProximityConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
	ScanTimeout        int    `yaml:"scan_timeout"` // seconds
}

// IdentityConfig selects where the session identity is persisted
type IdentityConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`
}

// HTTPConfig contains the local control API configuration
type HTTPConfig struct {
	Port           int      `yaml:"port"`
	Address        string   `yaml:"address"`
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	WriteTimeout   int      `yaml:"write_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration matching the shipped product shape
func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:   "http://localhost:8000",
			Timeout:   30,
			UserAgent: "MeshPe-Client/1.0",
			Endpoints: EndpointsConfig{
				Signup:          "/auth/signup",
				LoginStart:      "/auth/login/start",
				LoginVerify:     "/auth/login/verify",
				PaymentInitiate: "/payment/initiate",
				PaymentConfirm:  "/payment/confirm",
				Logout:          "/auth/logout",
			},
		},
		Capture: CaptureConfig{
			Device:             "command",
			SampleRate:         16000,
			Channels:           1,
			FlushInterval:      500,
			FinalizeOverhead:   1000,
			PreferredEncodings: []string{"audio/webm;codecs=opus", "audio/webm"},
			RecorderCommand:    []string{"arecord", "-q", "-f", "S16_LE", "-r", "16000", "-c", "1", "-t", "raw"},
			UDP: UDPConfig{
				BindAddress: "0.0.0.0",
				Port:        4444,
				BufferSize:  65536,
			},
		},
		Flows: FlowsConfig{
			EnrollmentSamples:      3,
			EnrollmentSampleLength: 5,
			LoginCaptureLength:     5,
			CommandCaptureLength:   10,
			ConfirmCaptureLength:   3,
			SettledDisplay:         3,
			DefaultLanguage:        "english",
			Currency:               "INR",
		},
		Proximity: ProximityConfig{
			ServiceUUID:        "12345678-1234-1234-1234-123456789abc",
			CharacteristicUUID: "87654321-4321-4321-4321-cba987654321",
			ScanTimeout:        15,
		},
		Identity: IdentityConfig{
			Driver: "memory",
		},
		HTTP: HTTPConfig{
			Port:           8090,
			Address:        "127.0.0.1",
			Enabled:        true,
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			WriteTimeout:   60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default, then
// applies .env and MESHPE_* environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// .env is optional
	_ = godotenv.Load()
	if err := config.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides selected fields from MESHPE_* variables
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("MESHPE_BACKEND_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := getenv("MESHPE_BEARER_TOKEN"); v != "" {
		c.Backend.BearerToken = v
	}
	if v := getenv("MESHPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := getenv("MESHPE_IDENTITY_PATH"); v != "" {
		c.Identity.Driver = "sqlite"
		c.Identity.Path = v
	}
	if v := getenv("MESHPE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESHPE_HTTP_PORT must be an integer, got %q", v)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Flows.Validate(); err != nil {
		return fmt.Errorf("flows config: %w", err)
	}

	if err := c.Proximity.Validate(); err != nil {
		return fmt.Errorf("proximity config: %w", err)
	}

	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	u, err := url.Parse(b.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got '%s'", b.BaseURL)
	}

	if b.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", b.Timeout)
	}

	endpoints := map[string]string{
		"signup":           b.Endpoints.Signup,
		"login_start":      b.Endpoints.LoginStart,
		"login_verify":     b.Endpoints.LoginVerify,
		"payment_initiate": b.Endpoints.PaymentInitiate,
		"payment_confirm":  b.Endpoints.PaymentConfirm,
		"logout":           b.Endpoints.Logout,
	}
	for name, path := range endpoints {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("endpoint %s must start with '/', got '%s'", name, path)
		}
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	switch c.Device {
	case "command":
		if len(c.RecorderCommand) == 0 {
			return fmt.Errorf("recorder_command cannot be empty for the command device")
		}
	case "udp":
		if c.UDP.Port < 1 || c.UDP.Port > 65535 {
			return fmt.Errorf("udp port must be between 1 and 65535, got %d", c.UDP.Port)
		}
		if c.UDP.BindAddress == "" {
			return fmt.Errorf("udp bind_address cannot be empty")
		}
		if c.UDP.BufferSize < 1024 {
			return fmt.Errorf("udp buffer_size must be at least 1024 bytes, got %d", c.UDP.BufferSize)
		}
	default:
		return fmt.Errorf("device must be 'command' or 'udp', got '%s'", c.Device)
	}

	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", c.SampleRate)
	}

	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}

	if c.FlushInterval < 10 {
		return fmt.Errorf("flush_interval_ms must be at least 10, got %d", c.FlushInterval)
	}

	if c.FinalizeOverhead < 1 {
		return fmt.Errorf("finalize_overhead_ms must be positive, got %d", c.FinalizeOverhead)
	}

	return nil
}

// Validate validates flow configuration
func (f *FlowsConfig) Validate() error {
	if f.EnrollmentSamples < 1 {
		return fmt.Errorf("enrollment_samples must be at least 1, got %d", f.EnrollmentSamples)
	}

	durations := map[string]float64{
		"enrollment_sample_seconds":    f.EnrollmentSampleLength,
		"login_capture_seconds":        f.LoginCaptureLength,
		"command_capture_seconds":      f.CommandCaptureLength,
		"confirmation_capture_seconds": f.ConfirmCaptureLength,
		"settled_display_seconds":      f.SettledDisplay,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, d)
		}
	}

	if f.DefaultLanguage == "" {
		return fmt.Errorf("default_language cannot be empty")
	}

	return nil
}

// Validate validates proximity configuration
func (p *ProximityConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if len(p.ServiceUUID) != 36 {
		return fmt.Errorf("service_uuid must be a 128-bit UUID string, got '%s'", p.ServiceUUID)
	}

	if len(p.CharacteristicUUID) != 36 {
		return fmt.Errorf("characteristic_uuid must be a 128-bit UUID string, got '%s'", p.CharacteristicUUID)
	}

	if p.ScanTimeout < 1 {
		return fmt.Errorf("scan_timeout must be at least 1 second, got %d", p.ScanTimeout)
	}

	return nil
}

// Validate validates identity store configuration
func (i *IdentityConfig) Validate() error {
	switch i.Driver {
	case "memory":
		return nil
	case "sqlite":
		if i.Path == "" {
			return fmt.Errorf("path cannot be empty for the sqlite driver")
		}
		return nil
	default:
		return fmt.Errorf("driver must be 'memory' or 'sqlite', got '%s'", i.Driver)
	}
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}

		if h.WriteTimeout < 1 {
			return fmt.Errorf("write_timeout must be at least 1 second, got %d", h.WriteTimeout)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the per-call backend timeout as a time.Duration
func (b *BackendConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// GetFlushInterval returns the capture flush period as a time.Duration
func (c *CaptureConfig) GetFlushInterval() time.Duration {
	return time.Duration(c.FlushInterval) * time.Millisecond
}

// GetFinalizeOverhead returns the finalization budget as a time.Duration
func (c *CaptureConfig) GetFinalizeOverhead() time.Duration {
	return time.Duration(c.FinalizeOverhead) * time.Millisecond
}

// GetEnrollmentSampleDuration returns the enrollment sample length as a time.Duration
func (f *FlowsConfig) GetEnrollmentSampleDuration() time.Duration {
	return seconds(f.EnrollmentSampleLength)
}

// GetLoginCaptureDuration returns the challenge capture length as a time.Duration
func (f *FlowsConfig) GetLoginCaptureDuration() time.Duration {
	return seconds(f.LoginCaptureLength)
}

// GetCommandCaptureDuration returns the payment command capture length as a time.Duration
func (f *FlowsConfig) GetCommandCaptureDuration() time.Duration {
	return seconds(f.CommandCaptureLength)
}

// GetConfirmCaptureDuration returns the confirmation capture length as a time.Duration
func (f *FlowsConfig) GetConfirmCaptureDuration() time.Duration {
	return seconds(f.ConfirmCaptureLength)
}

// GetSettledDisplayDuration returns how long a settled payment stays on screen
func (f *FlowsConfig) GetSettledDisplayDuration() time.Duration {
	return seconds(f.SettledDisplay)
}

// GetScanTimeoutDuration returns the BLE discovery budget as a time.Duration
func (p *ProximityConfig) GetScanTimeoutDuration() time.Duration {
	return time.Duration(p.ScanTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the control API write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
