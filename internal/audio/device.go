package audio

import (
	"fmt"
	"strings"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeMiniaudio BackendType = "miniaudio"
	BackendTypeAuto      BackendType = "auto"
)

// StreamConfig describes the PCM format of a capture or playback stream.
// All streams carry 16-bit little-endian signed PCM.
type StreamConfig struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate for this format.
func (c StreamConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * bytesPerSample
}

// DeviceInfo describes an audio device known to the backend.
type DeviceInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// InputDevice grants access to an audio input. Open acquires the device;
// acquisition failure maps to ErrPermissionDenied at the session level.
type InputDevice interface {
	Open(cfg StreamConfig) (InputStream, error)
}

// InputStream is a live capture stream.
type InputStream interface {
	// Chunks delivers PCM chunks in capture order. The channel is closed
	// once the stream has ended and no more data will arrive.
	Chunks() <-chan []byte

	// Done reports the stream ending on its own (device failure). It is
	// closed without a value when the stream is closed by the caller.
	Done() <-chan error

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// OutputDevice grants access to an audio output.
type OutputDevice interface {
	Open(cfg StreamConfig) (OutputStream, error)
}

// OutputStream accepts PCM for playback.
type OutputStream interface {
	// Write hands a PCM chunk to the device, blocking while the device
	// buffer is full.
	Write(pcm []byte) error

	// Close stops playback and releases the device. Idempotent.
	Close() error
}

// Backend provides devices and device enumeration for one audio system.
type Backend interface {
	InputDevice(deviceID string) InputDevice
	OutputDevice(deviceID string) OutputDevice
	ListCaptureDevices() ([]DeviceInfo, error)
	ListPlaybackDevices() ([]DeviceInfo, error)
	GetType() BackendType
	Close() error
}

// NewBackend creates the audio backend selected by name.
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", string(BackendTypeAuto), string(BackendTypeMiniaudio):
		return newMiniaudioBackend()
	default:
		return nil, fmt.Errorf("unknown audio backend: %s", name)
	}
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeMiniaudio}
}
