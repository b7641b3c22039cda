package protocol

import (
	"encoding/binary"
	"fmt"
)

// Handset wire protocol constants
const (
	// Packet types
	PacketTypeHello = 0x01
	PacketTypeAudio = 0x02
	PacketTypeBye   = 0x03

	Version1 = 0x01

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	HelloPayloadSize       = 54 // 32 + 4 + 1 + 1 + 16 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)

	DeviceNameSize = 32
	CodecSize      = 16

	// MaxPacketSize is the largest value PacketLen can carry
	MaxPacketSize = 0xFFFF

	// Accepted handset formats. Audio is little-endian signed 16-bit PCM.
	MinSampleRate = 8000
	MaxSampleRate = 48000
	MaxChannels   = 2
	PCMBitDepth   = 16
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8  // 0x01=Hello, 0x02=Audio, 0x03=Bye
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Handset stream identifier
	Version    uint8
}

// HelloPayload announces a handset stream and its PCM format
// Layout: [DeviceName:32][SampleRate:4][Channels:1][BitDepth:1][Codec:16]
type HelloPayload struct {
	DeviceName [DeviceNameSize]byte
	SampleRate uint32
	Channels   uint8
	BitDepth   uint8
	Codec      [CodecSize]byte
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32
	AudioData []byte
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Hello  *HelloPayload // Only set for hello packets
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}, nil
}

// ParseHelloPayload parses the fixed-size hello payload
func ParseHelloPayload(data []byte) (*HelloPayload, error) {
	if len(data) < HelloPayloadSize {
		return nil, fmt.Errorf("hello payload too short: expected %d bytes, got %d",
			HelloPayloadSize, len(data))
	}

	payload := &HelloPayload{}
	off := 0
	copy(payload.DeviceName[:], data[off:off+DeviceNameSize])
	off += DeviceNameSize
	payload.SampleRate = binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	payload.Channels = data[off]
	payload.BitDepth = data[off+1]
	off += 2
	copy(payload.Codec[:], data[off:off+CodecSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeHello:
		payload, err := ParseHelloPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse hello payload: %w", err)
		}
		if err := ValidateHello(payload); err != nil {
			return nil, fmt.Errorf("invalid hello: %w", err)
		}
		packet.Hello = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeBye:
		// no payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Version != Version1 {
		return fmt.Errorf("unsupported protocol version: 0x%02x", header.Version)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeHello:
		if payloadSize != HelloPayloadSize {
			return fmt.Errorf("hello packet payload size mismatch: expected %d, got %d",
				HelloPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	case PacketTypeBye:
		if payloadSize != 0 {
			return fmt.Errorf("bye packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// ValidateHello rejects stream formats the capture layer cannot wrap
func ValidateHello(hello *HelloPayload) error {
	if hello.SampleRate < MinSampleRate || hello.SampleRate > MaxSampleRate {
		return fmt.Errorf("unsupported sample rate: %d (allowed %d-%d)",
			hello.SampleRate, MinSampleRate, MaxSampleRate)
	}
	if hello.Channels == 0 || hello.Channels > MaxChannels {
		return fmt.Errorf("unsupported channel count: %d (allowed 1-%d)", hello.Channels, MaxChannels)
	}
	if hello.BitDepth != PCMBitDepth {
		return fmt.Errorf("unsupported bit depth: %d (only %d)", hello.BitDepth, PCMBitDepth)
	}
	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeHello || ptype == PacketTypeAudio || ptype == PacketTypeBye
}

// BuildHello encodes a hello packet
func BuildHello(streamID uint32, hello *HelloPayload) []byte {
	buf := make([]byte, HeaderSize+HelloPayloadSize)
	putHeader(buf, PacketTypeHello, streamID)

	off := HeaderSize
	copy(buf[off:off+DeviceNameSize], hello.DeviceName[:])
	off += DeviceNameSize
	binary.BigEndian.PutUint32(buf[off:off+4], hello.SampleRate)
	off += 4
	buf[off] = hello.Channels
	buf[off+1] = hello.BitDepth
	off += 2
	copy(buf[off:off+CodecSize], hello.Codec[:])

	return buf
}

// BuildAudio encodes an audio packet
func BuildAudio(streamID, sequence uint32, pcm []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio frame too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+4], sequence)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)

	return buf, nil
}

// BuildBye encodes a bye packet
func BuildBye(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeBye, streamID)
	return buf
}

func putHeader(buf []byte, ptype uint8, streamID uint32) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = Version1
}

// NewHello builds a hello payload, truncating strings to their field sizes
func NewHello(deviceName string, sampleRate uint32, channels, bitDepth uint8, codec string) *HelloPayload {
	h := &HelloPayload{
		SampleRate: sampleRate,
		Channels:   channels,
		BitDepth:   bitDepth,
	}
	copy(h.DeviceName[:DeviceNameSize-1], deviceName)
	copy(h.Codec[:CodecSize-1], codec)
	return h
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetDeviceName extracts the device name as a string
func (h *HelloPayload) GetDeviceName() string {
	return ExtractString(h.DeviceName[:])
}

// GetCodec extracts the codec label as a string
func (h *HelloPayload) GetCodec() string {
	return ExtractString(h.Codec[:])
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string
	switch h.PacketType {
	case PacketTypeHello:
		packetType = "Hello"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeBye:
		packetType = "Bye"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Version:%d}",
		packetType, h.PacketLen, h.StreamID, h.Version)
}

// String returns a human-readable representation of the hello payload
func (h *HelloPayload) String() string {
	return fmt.Sprintf("HelloPayload{Device:%q, SampleRate:%d, Channels:%d, BitDepth:%d, Codec:%q}",
		h.GetDeviceName(), h.SampleRate, h.Channels, h.BitDepth, h.GetCodec())
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
