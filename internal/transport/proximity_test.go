package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aayush-48/MeshPe/internal/failure"
	"github.com/aayush-48/MeshPe/internal/metrics"
)

const (
	testService = "12345678-1234-1234-1234-123456789abc"
	testChar    = "87654321-4321-4321-4321-cba987654321"
)

type fakeRadio struct {
	enableErr   error
	discoverErr error
	connectErr  error
	lookupErr   error
	writeErr    error
	blockScan   bool
	maxWrite    int
	maxWriteErr error

	discovered   int
	disconnected int
	written      []byte
	lookedUp     [2]string
}

func (r *fakeRadio) Enable() error { return r.enableErr }

func (r *fakeRadio) Discover(ctx context.Context, serviceUUID string) (Peer, error) {
	r.discovered++
	if r.blockScan {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.discoverErr != nil {
		return nil, r.discoverErr
	}
	return &fakePeer{radio: r}, nil
}

type fakePeer struct{ radio *fakeRadio }

func (p *fakePeer) Address() string { return "AA:BB:CC:DD:EE:FF" }

func (p *fakePeer) Connect(ctx context.Context) (Link, error) {
	if p.radio.connectErr != nil {
		return nil, p.radio.connectErr
	}
	return &fakeLink{radio: p.radio}, nil
}

type fakeLink struct{ radio *fakeRadio }

func (l *fakeLink) Lookup(service, char string) (Characteristic, error) {
	l.radio.lookedUp = [2]string{service, char}
	if l.radio.lookupErr != nil {
		return nil, l.radio.lookupErr
	}
	write := characteristicFunc(func(data []byte) error {
		if l.radio.writeErr != nil {
			return l.radio.writeErr
		}
		l.radio.written = append([]byte(nil), data...)
		return nil
	})
	if l.radio.maxWrite > 0 || l.radio.maxWriteErr != nil {
		return limitedCharacteristic{write, l.radio.maxWrite, l.radio.maxWriteErr}, nil
	}
	return write, nil
}

type characteristicFunc func(data []byte) error

func (f characteristicFunc) Write(data []byte) error { return f(data) }

type limitedCharacteristic struct {
	characteristicFunc
	max int
	err error
}

func (c limitedCharacteristic) MaxWrite() (int, error) { return c.max, c.err }

func (l *fakeLink) Disconnect() error {
	l.radio.disconnected++
	return nil
}

func newTestProximity(radio Radio, m *metrics.Metrics) *Proximity {
	return NewProximity(radio, ProximityConfig{
		ServiceUUID:        testService,
		CharacteristicUUID: testChar,
		ScanTimeout:        50 * time.Millisecond,
	}, discardLogger(), m)
}

func TestSerializeIsCanonical(t *testing.T) {
	payload := EncryptedPayload{
		"nonce":      "n1",
		"ciphertext": "abc",
		"meta":       map[string]any{"z": 1, "a": 2.50},
	}

	data, err := payload.Serialize()
	require.NoError(t, err)
	assert.Equal(t, `{"ciphertext":"abc","meta":{"a":2.5,"z":1},"nonce":"n1"}`, string(data))
}

func TestProximitySendWritesOnce(t *testing.T) {
	radio := &fakeRadio{}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	err := newTestProximity(radio, m).Send(context.Background(), EncryptedPayload{"ciphertext": "abc"})
	require.NoError(t, err)

	assert.Equal(t, `{"ciphertext":"abc"}`, string(radio.written))
	assert.Equal(t, [2]string{testService, testChar}, radio.lookedUp)
	assert.Equal(t, 1, radio.disconnected)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProximitySends.WithLabelValues("success")))
}

func TestProximitySendStageFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name             string
		radio            *fakeRadio
		wantStage        string
		wantDiscover     int
		wantDisconnected int
	}{
		{"unsupported", &fakeRadio{enableErr: ErrRadioUnsupported}, StageSupport, 0, 0},
		{"discovery", &fakeRadio{discoverErr: boom}, StageDiscover, 1, 0},
		{"scan timeout", &fakeRadio{blockScan: true}, StageDiscover, 1, 0},
		{"connect", &fakeRadio{connectErr: boom}, StageConnect, 1, 0},
		{"lookup", &fakeRadio{lookupErr: boom}, StageLookup, 1, 1},
		{"write", &fakeRadio{writeErr: boom}, StageWrite, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := newTestProximity(tt.radio, nil).Send(context.Background(), EncryptedPayload{"c": "x"})
			require.Error(t, err)

			var fe *failure.Error
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, failure.ProximityUnavailable, fe.Kind)
			assert.Equal(t, tt.wantStage, fe.Stage)
			assert.Equal(t, tt.wantDiscover, tt.radio.discovered)
			assert.Equal(t, tt.wantDisconnected, tt.radio.disconnected)
			assert.Nil(t, tt.radio.written)
		})
	}
}

func TestProximitySendChecksWriteSize(t *testing.T) {
	payload := EncryptedPayload{"ciphertext": "0123456789abcdef0123456789abcdef"}
	data, err := payload.Serialize()
	require.NoError(t, err)

	t.Run("too large", func(t *testing.T) {
		radio := &fakeRadio{maxWrite: 20}
		err := newTestProximity(radio, nil).Send(context.Background(), payload)

		var fe *failure.Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, failure.ProximityUnavailable, fe.Kind)
		assert.Equal(t, StageWrite, fe.Stage)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
		assert.Nil(t, radio.written)
		assert.Equal(t, 1, radio.disconnected)
	})

	t.Run("fits exactly", func(t *testing.T) {
		radio := &fakeRadio{maxWrite: len(data)}
		require.NoError(t, newTestProximity(radio, nil).Send(context.Background(), payload))
		assert.Equal(t, data, radio.written)
	})

	t.Run("limit unknown", func(t *testing.T) {
		radio := &fakeRadio{maxWriteErr: errors.New("no MTU property")}
		require.NoError(t, newTestProximity(radio, nil).Send(context.Background(), payload))
		assert.Equal(t, data, radio.written)
	})
}

func TestProximityNilRadio(t *testing.T) {
	p := newTestProximity(nil, nil)

	assert.False(t, p.Supported())
	err := p.Send(context.Background(), EncryptedPayload{})
	assert.ErrorIs(t, err, ErrRadioUnsupported)
	assert.Equal(t, failure.ProximityUnavailable, failure.KindOf(err))
}

func TestProximitySupported(t *testing.T) {
	assert.True(t, newTestProximity(&fakeRadio{}, nil).Supported())
	assert.False(t, newTestProximity(&fakeRadio{enableErr: ErrRadioUnsupported}, nil).Supported())
}
