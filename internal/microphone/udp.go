package microphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/aayush-48/MeshPe/internal/audio"
	"github.com/aayush-48/MeshPe/internal/capture"
	"github.com/aayush-48/MeshPe/internal/config"
	"github.com/aayush-48/MeshPe/internal/metrics"
	"github.com/aayush-48/MeshPe/internal/protocol"
)

// UDPDevice receives audio from a networked handset speaking the handset
// packet protocol. The socket is bound when a session opens the device and
// closed when it is released.
type UDPDevice struct {
	config     *config.UDPConfig
	sampleRate int
	channels   int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUDPDevice creates a handset microphone. sampleRate and channels are used
// until the handset announces its own format in a hello packet.
func NewUDPDevice(cfg *config.UDPConfig, sampleRate, channels int, logger *slog.Logger, m *metrics.Metrics) *UDPDevice {
	return &UDPDevice{
		config:     cfg,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger,
		metrics:    m,
	}
}

// Open binds the listening socket
func (d *UDPDevice) Open(ctx context.Context) (capture.Stream, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", d.config.BindAddress, d.config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			return nil, fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}
	conn := pc.(*net.UDPConn)

	if err := conn.SetReadBuffer(d.config.BufferSize); err != nil {
		d.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", d.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Info("Handset microphone listening",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", d.config.BufferSize),
	)

	return &udpStream{
		conn:       conn,
		bufferSize: d.config.BufferSize,
		sampleRate: d.sampleRate,
		channels:   d.channels,
		buffer:     audio.NewBuffer(d.sampleRate, d.channels),
		logger:     d.logger,
		metrics:    d.metrics,
		quit:       make(chan struct{}),
	}, nil
}

// Supports reports false for compressed containers; handsets send PCM
func (d *UDPDevice) Supports(encoding string) bool {
	return false
}

// DefaultEncoding returns audio/wav; the capture layer wraps the PCM
func (d *UDPDevice) DefaultEncoding() string {
	return audio.MimeWAV
}

type udpStream struct {
	conn       *net.UDPConn
	bufferSize int
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	sampleRate int
	channels   int
	buffer     *audio.Buffer
	streamID   uint32
	announced  bool
	lostSeen   uint32
	ended      bool
	carry      []byte

	quit      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
}

func (s *udpStream) Start(encoding string) error {
	s.wg.Add(1)
	go s.receiveLoop()
	return nil
}

// receiveLoop reads packets until the stream is stopped
func (s *udpStream) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, s.bufferSize)

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		// Wake periodically to observe quit
		if err := s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.quit:
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			}
			return
		}

		s.metrics.RecordPacketReceived()
		s.handlePacket(buf[:n], remoteAddr)
	}
}

func (s *udpStream) handlePacket(data []byte, remoteAddr *net.UDPAddr) {
	packet, err := protocol.ParsePacket(data)
	if err != nil {
		s.metrics.RecordParseError()
		s.logger.Debug("Failed to parse handset packet",
			slog.String("remote_addr", remoteAddr.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch packet.Header.PacketType {
	case protocol.PacketTypeHello:
		s.streamID = packet.Header.StreamID
		s.announced = true
		if int(packet.Hello.SampleRate) != s.sampleRate || int(packet.Hello.Channels) != s.channels {
			// Audio already received under the old format is kept
			s.carry = append(s.carry, s.buffer.Finish()...)
			s.sampleRate = int(packet.Hello.SampleRate)
			s.channels = int(packet.Hello.Channels)
			s.buffer = audio.NewBuffer(s.sampleRate, s.channels)
			s.lostSeen = 0
		}
		s.logger.Info("Handset connected",
			slog.Uint64("stream_id", uint64(packet.Header.StreamID)),
			slog.String("device", packet.Hello.GetDeviceName()),
			slog.Int("sample_rate", s.sampleRate),
			slog.Int("channels", s.channels),
		)

	case protocol.PacketTypeAudio:
		if s.announced && packet.Header.StreamID != s.streamID {
			return
		}
		if err := s.buffer.AddAudioData(packet.Audio.Sequence, packet.Audio.AudioData); err != nil {
			s.logger.Debug("Dropped handset frame",
				slog.Uint64("sequence", uint64(packet.Audio.Sequence)),
				slog.String("error", err.Error()),
			)
			return
		}
		if lost := s.buffer.GetStats().LostPackets; lost > s.lostSeen {
			s.metrics.RecordPacketsLost(lost - s.lostSeen)
			s.lostSeen = lost
		}

	case protocol.PacketTypeBye:
		if s.announced && packet.Header.StreamID != s.streamID {
			return
		}
		s.ended = true
	}
}

// Flush drains ordered audio. Once the handset has said bye the remaining
// samples are returned with capture.ErrStreamEnded.
func (s *udpStream) Flush() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s.takeCarry(s.buffer.Finish()), capture.ErrStreamEnded
	}
	return s.takeCarry(s.buffer.Drain()), nil
}

// takeCarry prefixes data with audio set aside by a format change
func (s *udpStream) takeCarry(data []byte) []byte {
	if len(s.carry) == 0 {
		return data
	}
	out := append(s.carry, data...)
	s.carry = nil
	return out
}

func (s *udpStream) Stop() ([]byte, error) {
	s.stopOnce.Do(func() { close(s.quit) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.buffer.GetStats()
	s.logger.Debug("Handset stream stopped",
		slog.Uint64("packets", uint64(stats.TotalPackets)),
		slog.Uint64("lost", uint64(stats.LostPackets)),
		slog.Bool("bye_received", s.ended),
	)
	return s.takeCarry(s.buffer.Finish()), nil
}

func (s *udpStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopOnce.Do(func() { close(s.quit) })
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *udpStream) PCMFormat() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate, s.channels
}

// LocalAddr returns the bound socket address
func (s *udpStream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}
