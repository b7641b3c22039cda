package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/metrics"
)

// Proximity send stages, reported on ProximityUnavailable failures
const (
	StageSupport   = "support"
	StageSerialize = "serialize"
	StageDiscover  = "discover"
	StageConnect   = "connect"
	StageLookup    = "lookup"
	StageWrite     = "write"
)

var (
	// ErrRadioUnsupported is returned by radios without a usable adapter
	ErrRadioUnsupported = errors.New("bluetooth radio is not available")

	// ErrPayloadTooLarge is returned when the serialized payload does not fit
	// in a single characteristic write
	ErrPayloadTooLarge = errors.New("payload exceeds characteristic write size")
)

// EncryptedPayload is an opaque encrypted payment packet. Its content is
// produced elsewhere and only serialized here.
type EncryptedPayload map[string]any

// Serialize returns the canonical JSON encoding of the payload
func (p EncryptedPayload) Serialize() ([]byte, error) {
	raw, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return canonical, nil
}

// Radio is a short-range radio able to find peers advertising a service
type Radio interface {
	// Enable checks for and powers the adapter. ErrRadioUnsupported means the
	// capability is absent.
	Enable() error
	Discover(ctx context.Context, serviceUUID string) (Peer, error)
}

// Peer is a discovered receiver
type Peer interface {
	Address() string
	Connect(ctx context.Context) (Link, error)
}

// Link is an open connection to a peer
type Link interface {
	Lookup(serviceUUID, characteristicUUID string) (Characteristic, error)
	Disconnect() error
}

// Characteristic is a writable GATT characteristic
type Characteristic interface {
	Write(data []byte) error
}

// WriteLimiter is implemented by characteristics that know the largest value
// a single write can carry
type WriteLimiter interface {
	MaxWrite() (int, error)
}

// ProximityConfig contains the proximity channel identifiers
type ProximityConfig struct {
	ServiceUUID        string
	CharacteristicUUID string
	ScanTimeout        time.Duration
}

// Proximity delivers an encrypted payload to a nearby receiver in a single
// characteristic write. A nil radio behaves as an unsupported one.
type Proximity struct {
	radio   Radio
	config  ProximityConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProximity creates a proximity channel over radio
func NewProximity(radio Radio, config ProximityConfig, logger *slog.Logger, m *metrics.Metrics) *Proximity {
	if config.ScanTimeout <= 0 {
		config.ScanTimeout = 15 * time.Second
	}
	return &Proximity{
		radio:   radio,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

// Supported reports whether a radio adapter is available
func (p *Proximity) Supported() bool {
	return p.radio != nil && p.radio.Enable() == nil
}

// Send writes payload to the first peer advertising the service. Every
// failure is ProximityUnavailable carrying the stage that failed.
func (p *Proximity) Send(ctx context.Context, payload EncryptedPayload) error {
	err := p.send(ctx, payload)

	result := "success"
	if err != nil {
		var fe *failure.Error
		if errors.As(err, &fe) {
			result = fe.Stage
		}
		p.logger.Warn("Proximity send failed", slog.String("error", err.Error()))
	}
	p.metrics.RecordProximitySend(result)
	return err
}

func (p *Proximity) send(ctx context.Context, payload EncryptedPayload) error {
	if p.radio == nil {
		return failure.Proximity(StageSupport, ErrRadioUnsupported)
	}
	if err := p.radio.Enable(); err != nil {
		return failure.Proximity(StageSupport, err)
	}

	data, err := payload.Serialize()
	if err != nil {
		return failure.Proximity(StageSerialize, err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, p.config.ScanTimeout)
	peer, err := p.radio.Discover(scanCtx, p.config.ServiceUUID)
	cancel()
	if err != nil {
		return failure.Proximity(StageDiscover, err)
	}

	p.logger.Debug("Proximity peer discovered", slog.String("address", peer.Address()))

	link, err := peer.Connect(ctx)
	if err != nil {
		return failure.Proximity(StageConnect, err)
	}
	defer func() {
		if derr := link.Disconnect(); derr != nil {
			p.logger.Debug("Failed to disconnect proximity link",
				slog.String("address", peer.Address()),
				slog.String("error", derr.Error()),
			)
		}
	}()

	char, err := link.Lookup(p.config.ServiceUUID, p.config.CharacteristicUUID)
	if err != nil {
		return failure.Proximity(StageLookup, err)
	}

	if limiter, ok := char.(WriteLimiter); ok {
		limit, err := limiter.MaxWrite()
		switch {
		case err != nil:
			p.logger.Debug("Characteristic write size unknown", slog.String("error", err.Error()))
		case len(data) > limit:
			return failure.Proximity(StageWrite,
				fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), limit))
		}
	}

	if err := char.Write(data); err != nil {
		return failure.Proximity(StageWrite, err)
	}

	p.logger.Info("Payload delivered over proximity channel",
		slog.String("address", peer.Address()),
		slog.Int("payload_bytes", len(data)),
	)
	return nil
}
