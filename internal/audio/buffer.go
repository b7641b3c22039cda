package audio

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Buffer reorders sequenced PCM frames from a networked handset and hands
// out the contiguous prefix on demand. Frames that arrive too far ahead of
// the expected sequence cause the gap to be declared lost.
type Buffer struct {
	sampleRate int
	channels   int

	ready []byte // contiguous PCM not yet drained

	lastSeq     uint32
	expectedSeq uint32
	started     bool
	pending     map[uint32][]byte

	maxGap uint32

	lastUpdate   time.Time
	totalPackets uint32
	lostCount    uint32
	drained      int

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	TotalPackets uint32  `json:"total_packets"`
	LostPackets  uint32  `json:"lost_packets"`
	LossRate     float64 `json:"loss_rate"`
	PendingSeqs  int     `json:"pending_sequences"`
	DrainedBytes int     `json:"drained_bytes"`
	LastSequence uint32  `json:"last_sequence"`
}

// NewBuffer creates a reordering buffer for 16-bit PCM at the given format
func NewBuffer(sampleRate, channels int) *Buffer {
	if channels < 1 {
		channels = 1
	}
	return &Buffer{
		sampleRate: sampleRate,
		channels:   channels,
		ready:      make([]byte, 0, sampleRate*channels*2),
		pending:    make(map[uint32][]byte),
		lastUpdate: time.Now(),
		maxGap:     20,
	}
}

// AddAudioData adds a PCM frame with its sequence number
func (b *Buffer) AddAudioData(sequence uint32, rawData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(rawData)%2 != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(rawData))
	}

	b.lastUpdate = time.Now()
	b.totalPackets++

	if !b.started {
		b.started = true
		b.expectedSeq = sequence
		b.lastSeq = sequence - 1
	}

	switch {
	case sequence == b.expectedSeq:
		b.ready = append(b.ready, rawData...)
		b.lastSeq = sequence
		b.expectedSeq = sequence + 1
		b.promotePending()

	case sequence > b.expectedSeq:
		b.pending[sequence] = append([]byte(nil), rawData...)
		if sequence-b.expectedSeq > b.maxGap {
			b.skipTo(sequence)
		}

	default:
		return fmt.Errorf("ignoring old/duplicate packet: seq=%d, lastSeq=%d", sequence, b.lastSeq)
	}

	return nil
}

// skipTo declares every missing frame before seq lost and resumes from seq
func (b *Buffer) skipTo(seq uint32) {
	for s := b.expectedSeq; s < seq; s++ {
		if _, buffered := b.pending[s]; !buffered {
			b.lostCount++
		}
	}
	b.expectedSeq = seq
	b.promotePending()
}

// promotePending moves consecutive buffered frames onto the ready prefix
func (b *Buffer) promotePending() {
	for {
		data, ok := b.pending[b.expectedSeq]
		if !ok {
			return
		}
		b.ready = append(b.ready, data...)
		delete(b.pending, b.expectedSeq)
		b.lastSeq = b.expectedSeq
		b.expectedSeq++
	}
}

// Drain returns and clears the contiguous PCM accumulated since the last call
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.ready
	b.ready = make([]byte, 0, cap(out))
	b.drained += len(out)
	return out
}

// Finish gives up on outstanding gaps, appends every buffered frame in
// sequence order and drains the result
func (b *Buffer) Finish() []byte {
	b.mu.Lock()
	seqs := make([]uint32, 0, len(b.pending))
	for s := range b.pending {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, s := range seqs {
		if _, ok := b.pending[s]; ok {
			b.skipTo(s)
		}
	}
	b.mu.Unlock()

	return b.Drain()
}

// Duration returns the playback length of everything drained so far
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	bytesPerSecond := b.sampleRate * b.channels * 2
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(float64(b.drained) / float64(bytesPerSecond) * float64(time.Second))
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	lossRate := float64(0)
	if b.totalPackets > 0 {
		lossRate = float64(b.lostCount) / float64(b.totalPackets+b.lostCount) * 100
	}

	return BufferStats{
		TotalPackets: b.totalPackets,
		LostPackets:  b.lostCount,
		LossRate:     lossRate,
		PendingSeqs:  len(b.pending),
		DrainedBytes: b.drained,
		LastSequence: b.lastSeq,
	}
}

// GetLastUpdate returns the time of the last buffer update
func (b *Buffer) GetLastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}
