package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/metrics"
)

// Config contains backend dispatcher configuration
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	BearerToken string
	UserAgent   string
}

// Field is a single text part of a multipart form. Fields are written in order.
type Field struct {
	Name  string
	Value string
}

// FormFile is a binary part of a multipart form
type FormFile struct {
	FieldName   string
	FileName    string
	ContentType string
	Data        []byte
}

// Form is an ordered multipart request body
type Form struct {
	Fields []Field
	Files  []FormFile
}

// Add appends a text field
func (f *Form) Add(name, value string) {
	f.Fields = append(f.Fields, Field{Name: name, Value: value})
}

// Attach appends a file part
func (f *Form) Attach(fieldName, fileName, contentType string, data []byte) {
	f.Files = append(f.Files, FormFile{
		FieldName:   fieldName,
		FileName:    fileName,
		ContentType: contentType,
		Data:        data,
	})
}

// Payload is the data of a successful backend response
type Payload struct {
	StatusCode int
	Data       json.RawMessage
	Message    string
}

// envelope is the backend response wrapper. Success is a pointer so bodies
// that are not enveloped are passed through as data.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

// DispatcherStats represents dispatcher statistics
type DispatcherStats struct {
	TotalRequests    uint64        `json:"total_requests"`
	SuccessRequests  uint64        `json:"success_requests"`
	RejectedRequests uint64        `json:"rejected_requests"`
	FailedRequests   uint64        `json:"failed_requests"`
	AvgResponseTime  time.Duration `json:"avg_response_time"`
}

// Dispatcher sends captured artifacts and control requests to the voice
// backend. Cookies set by the backend are kept in a jar and sent back on
// every later request. There are no retries.
type Dispatcher struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	totalRequests    uint64
	successRequests  uint64
	rejectedRequests uint64
	failedRequests   uint64
	avgResponseTime  time.Duration

	mu sync.RWMutex
}

// NewDispatcher creates a backend dispatcher
func NewDispatcher(config Config, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.UserAgent == "" {
		config.UserAgent = "MeshPe-Client/1.0"
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	d := &Dispatcher{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Jar:     jar,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  logger,
		metrics: m,
	}

	d.checkBearerExpiry()
	return d, nil
}

// checkBearerExpiry warns when the configured bearer credential is a JWT that
// has already expired. The token is not verified; the backend does that.
func (d *Dispatcher) checkBearerExpiry() {
	if d.config.BearerToken == "" {
		return
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(d.config.BearerToken, &claims); err != nil {
		d.logger.Debug("Bearer token is not a JWT", slog.String("error", err.Error()))
		return
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		d.logger.Warn("Bearer token has expired",
			slog.Time("expires_at", claims.ExpiresAt.Time),
		)
	}
}

// SubmitForm posts a multipart form to endpoint
func (d *Dispatcher) SubmitForm(ctx context.Context, endpoint string, form Form) (*Payload, error) {
	body, contentType, err := createMultipartBody(form)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}
	return d.do(ctx, endpoint, body, contentType)
}

// PostJSON posts v encoded as JSON to endpoint
func (d *Dispatcher) PostJSON(ctx context.Context, endpoint string, v any) (*Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return d.do(ctx, endpoint, bytes.NewReader(raw), "application/json")
}

// Post sends an empty POST to endpoint
func (d *Dispatcher) Post(ctx context.Context, endpoint string) (*Payload, error) {
	return d.do(ctx, endpoint, nil, "")
}

// do performs a single request and classifies the outcome
func (d *Dispatcher) do(ctx context.Context, endpoint string, body io.Reader, contentType string) (*Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	startTime := time.Now()
	requestID := uuid.NewString()

	payload, err := d.roundTrip(ctx, endpoint, body, contentType, requestID)
	elapsed := time.Since(startTime)

	result := "success"
	switch {
	case failure.IsKind(err, failure.ServerRejected):
		result = "rejected"
	case err != nil:
		result = "network_failure"
	}
	d.recordResult(result, elapsed)
	d.metrics.RecordBackendRequest(endpoint, result, elapsed.Seconds())

	if err != nil {
		d.logger.Warn("Backend request failed",
			slog.String("endpoint", endpoint),
			slog.String("request_id", requestID),
			slog.Int("status_code", failure.StatusCode(err)),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	d.logger.Debug("Backend request succeeded",
		slog.String("endpoint", endpoint),
		slog.String("request_id", requestID),
		slog.Int("status_code", payload.StatusCode),
		slog.Duration("elapsed", elapsed),
	)
	return payload, nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, endpoint string, body io.Reader, contentType, requestID string) (*Payload, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.BaseURL+endpoint, body)
	if err != nil {
		return nil, failure.New(failure.NetworkFailure, "failed to create HTTP request", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if d.config.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.config.BearerToken)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", d.config.UserAgent)
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, failure.New(failure.NetworkFailure, "HTTP request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.New(failure.NetworkFailure, "failed to read response body", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr != nil {
			return nil, failure.Rejected(resp.StatusCode, "")
		}
		return nil, failure.Rejected(resp.StatusCode, env.errorMessage())
	}

	if decodeErr != nil {
		if len(bytes.TrimSpace(respBody)) == 0 {
			return &Payload{StatusCode: resp.StatusCode}, nil
		}
		return nil, failure.Rejected(resp.StatusCode, fmt.Sprintf("malformed response body: %v", decodeErr))
	}

	if env.Success != nil && !*env.Success {
		return nil, failure.Rejected(resp.StatusCode, env.errorMessage())
	}

	data := env.Data
	if env.Success == nil {
		data = json.RawMessage(respBody)
	}

	return &Payload{
		StatusCode: resp.StatusCode,
		Data:       data,
		Message:    env.Message,
	}, nil
}

// errorMessage picks detail, then error, then message. A non-string detail
// (validation error lists) is kept as its JSON text.
func (e *envelope) errorMessage() string {
	if len(e.Detail) > 0 && string(e.Detail) != "null" {
		var s string
		if err := json.Unmarshal(e.Detail, &s); err == nil {
			if s != "" {
				return s
			}
		} else {
			return string(e.Detail)
		}
	}
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

// createMultipartBody writes the form fields in order, then the files
func createMultipartBody(form Form) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for _, field := range form.Fields {
		if err := writer.WriteField(field.Name, field.Value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field.Name, err)
		}
	}

	for _, file := range form.Files {
		part, err := writer.CreatePart(filePartHeader(file))
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file %s: %w", file.FieldName, err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write form file %s: %w", file.FieldName, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func filePartHeader(file FormFile) textproto.MIMEHeader {
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(file.FieldName), quoteEscaper.Replace(file.FileName)))
	h.Set("Content-Type", contentType)
	return h
}

func (d *Dispatcher) recordResult(result string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.totalRequests++
	switch result {
	case "success":
		d.successRequests++
	case "rejected":
		d.rejectedRequests++
	default:
		d.failedRequests++
	}

	// Simple moving average
	if d.avgResponseTime == 0 {
		d.avgResponseTime = elapsed
	} else {
		d.avgResponseTime = (d.avgResponseTime + elapsed) / 2
	}
}

// GetStats returns dispatcher statistics
func (d *Dispatcher) GetStats() DispatcherStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return DispatcherStats{
		TotalRequests:    d.totalRequests,
		SuccessRequests:  d.successRequests,
		RejectedRequests: d.rejectedRequests,
		FailedRequests:   d.failedRequests,
		AvgResponseTime:  d.avgResponseTime,
	}
}
