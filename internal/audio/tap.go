package audio

import (
	"encoding/binary"
	"sync"
)

// DefaultTapSize is the number of time-domain samples a tap retains.
const DefaultTapSize = 2048

// Tap exposes the most recent time-domain samples of a live capture for
// visualization. Samples are unsigned 8-bit with 128 as the zero line, so a
// silent capture reads as a flat line at mid-scale.
type Tap struct {
	mu  sync.RWMutex
	buf []byte
}

// NewTap creates a tap holding the latest size samples, initialized to
// silence.
func NewTap(size int) *Tap {
	if size <= 0 {
		size = DefaultTapSize
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 128
	}
	return &Tap{buf: buf}
}

// Push folds a 16-bit little-endian PCM chunk into the tap window. Older
// samples shift out; the window always holds the newest samples.
func (t *Tap) Push(pcm []byte) {
	sampleCount := len(pcm) / bytesPerSample
	if sampleCount == 0 {
		return
	}

	converted := make([]byte, sampleCount)
	for i := 0; i < sampleCount; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
		converted[i] = byte(int32(s)>>8 + 128)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if sampleCount >= len(t.buf) {
		copy(t.buf, converted[sampleCount-len(t.buf):])
		return
	}
	keep := len(t.buf) - sampleCount
	copy(t.buf, t.buf[sampleCount:])
	copy(t.buf[keep:], converted)
}

// Frame returns a copy of the current sample window.
func (t *Tap) Frame() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	frame := make([]byte, len(t.buf))
	copy(frame, t.buf)
	return frame
}

// Size returns the window length in samples.
func (t *Tap) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buf)
}
