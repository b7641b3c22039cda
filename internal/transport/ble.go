package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BLERadio is a Radio backed by the host Bluetooth LE adapter
type BLERadio struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	enabled bool
}

// NewBLERadio wraps the default host adapter
func NewBLERadio() *BLERadio {
	return &BLERadio{adapter: bluetooth.DefaultAdapter}
}

// Enable powers the adapter once
func (r *BLERadio) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enabled {
		return nil
	}
	if r.adapter == nil {
		return ErrRadioUnsupported
	}
	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioUnsupported, err)
	}
	r.enabled = true
	return nil
}

// Discover scans until a peer advertising serviceUUID is seen or ctx ends
func (r *BLERadio) Discover(ctx context.Context, serviceUUID string) (Peer, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	go func() {
		scanErr <- r.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(uuid) {
				return
			}
			select {
			case found <- result:
				_ = adapter.StopScan()
			default:
			}
		})
	}()

	select {
	case result := <-found:
		<-scanErr
		return &blePeer{adapter: r.adapter, result: result}, nil
	case err := <-scanErr:
		if err == nil {
			err = errors.New("scan stopped without a matching peer")
		}
		return nil, err
	case <-ctx.Done():
		_ = r.adapter.StopScan()
		<-scanErr
		return nil, fmt.Errorf("no peer advertising %s: %w", serviceUUID, ctx.Err())
	}
}

type blePeer struct {
	adapter *bluetooth.Adapter
	result  bluetooth.ScanResult
}

func (p *blePeer) Address() string {
	return p.result.Address.String()
}

func (p *blePeer) Connect(ctx context.Context) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, err := p.adapter.Connect(p.result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}

	return &bleLink{
		discover: func(service, char bluetooth.UUID) (Characteristic, error) {
			services, err := device.DiscoverServices([]bluetooth.UUID{service})
			if err != nil {
				return nil, fmt.Errorf("service lookup failed: %w", err)
			}
			if len(services) == 0 {
				return nil, fmt.Errorf("service %s not found", service.String())
			}
			chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{char})
			if err != nil {
				return nil, fmt.Errorf("characteristic lookup failed: %w", err)
			}
			if len(chars) == 0 {
				return nil, fmt.Errorf("characteristic %s not found", char.String())
			}
			return bleCharacteristic{chars[0]}, nil
		},
		disconnect: func() error {
			return device.Disconnect()
		},
	}, nil
}

type bleLink struct {
	discover   func(service, char bluetooth.UUID) (Characteristic, error)
	disconnect func() error
}

func (l *bleLink) Lookup(serviceUUID, characteristicUUID string) (Characteristic, error) {
	service, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}
	char, err := bluetooth.ParseUUID(characteristicUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUUID, err)
	}
	return l.discover(service, char)
}

func (l *bleLink) Disconnect() error {
	return l.disconnect()
}

// attHeaderSize is the opcode and handle overhead of an ATT write
const attHeaderSize = 3

type bleCharacteristic struct {
	c bluetooth.DeviceCharacteristic
}

func (b bleCharacteristic) Write(data []byte) error {
	_, err := b.c.WriteWithoutResponse(data)
	return err
}

// MaxWrite is the negotiated ATT MTU less the write header
func (b bleCharacteristic) MaxWrite() (int, error) {
	mtu, err := b.c.GetMTU()
	if err != nil {
		return 0, err
	}
	if int(mtu) <= attHeaderSize {
		return 0, fmt.Errorf("invalid ATT MTU %d", mtu)
	}
	return int(mtu) - attHeaderSize, nil
}
