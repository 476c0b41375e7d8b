package audio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// chunkQueueSize bounds buffered capture chunks between the device callback
// and the session monitor.
const chunkQueueSize = 256

// miniaudioBackend implements Backend on the malgo (miniaudio) bindings.
type miniaudioBackend struct {
	ctx *malgo.AllocatedContext
}

func newMiniaudioBackend() (Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio context: %w", err)
	}
	return &miniaudioBackend{ctx: ctx}, nil
}

func (b *miniaudioBackend) GetType() BackendType {
	return BackendTypeMiniaudio
}

// Close releases the miniaudio context. Devices must be closed first.
func (b *miniaudioBackend) Close() error {
	if b.ctx == nil {
		return nil
	}
	err := b.ctx.Uninit()
	b.ctx.Free()
	b.ctx = nil
	if err != nil {
		return fmt.Errorf("failed to uninit miniaudio context: %w", err)
	}
	return nil
}

func (b *miniaudioBackend) ListCaptureDevices() ([]DeviceInfo, error) {
	return b.listDevices(malgo.Capture)
}

func (b *miniaudioBackend) ListPlaybackDevices() ([]DeviceInfo, error) {
	return b.listDevices(malgo.Playback)
}

func (b *miniaudioBackend) listDevices(kind malgo.DeviceType) ([]DeviceInfo, error) {
	infos, err := b.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate audio devices: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, DeviceInfo{
			ID:        fmt.Sprintf("%x", info.ID[:8]),
			Name:      info.Name(),
			IsDefault: info.IsDefault != 0,
		})
	}
	return devices, nil
}

// InputDevice returns a capture device. An empty name selects the system
// default; otherwise the first device whose name contains the given string
// (case-insensitive) is used.
func (b *miniaudioBackend) InputDevice(name string) InputDevice {
	return &miniaudioInput{backend: b, name: name}
}

// OutputDevice returns a playback device, selected like InputDevice.
func (b *miniaudioBackend) OutputDevice(name string) OutputDevice {
	return &miniaudioOutput{backend: b, name: name}
}

// findDeviceID resolves a device name to a malgo device ID.
func (b *miniaudioBackend) findDeviceID(kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	infos, err := b.ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate audio devices: %w", err)
	}
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(name)) {
			id := info.ID
			return &id, nil
		}
	}
	return nil, fmt.Errorf("audio device not found: %s", name)
}

type miniaudioInput struct {
	backend *miniaudioBackend
	name    string
}

func (d *miniaudioInput) Open(cfg StreamConfig) (InputStream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if d.name != "" {
		id, err := d.backend.findDeviceID(malgo.Capture, d.name)
		if err != nil {
			return nil, err
		}
		deviceConfig.Capture.DeviceID = id.Pointer()
	}

	stream := &miniaudioInputStream{
		chunks: make(chan []byte, chunkQueueSize),
		done:   make(chan error, 1),
	}

	onData := func(outputSamples, inputSamples []byte, frameCount uint32) {
		chunk := make([]byte, len(inputSamples))
		copy(chunk, inputSamples)
		select {
		case stream.chunks <- chunk:
		default:
			slog.Warn("Capture chunk queue full, dropping chunk", "bytes", len(chunk))
		}
	}
	onStop := func() {
		stream.mu.Lock()
		closed := stream.closed
		stream.mu.Unlock()
		if closed {
			return
		}
		select {
		case stream.done <- fmt.Errorf("capture device stopped unexpectedly"):
		default:
		}
	}

	device, err := malgo.InitDevice(d.backend.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onData,
		Stop: onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}
	stream.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}

	slog.Debug("Capture device opened", "device", d.name, "sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	return stream, nil
}

type miniaudioInputStream struct {
	device *malgo.Device
	chunks chan []byte
	done   chan error

	mu     sync.Mutex
	closed bool
}

func (s *miniaudioInputStream) Chunks() <-chan []byte {
	return s.chunks
}

func (s *miniaudioInputStream) Done() <-chan error {
	return s.done
}

func (s *miniaudioInputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.device.Stop()
	s.device.Uninit()
	close(s.chunks)
	close(s.done)
	if err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

type miniaudioOutput struct {
	backend *miniaudioBackend
	name    string
}

func (d *miniaudioOutput) Open(cfg StreamConfig) (OutputStream, error) {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if d.name != "" {
		id, err := d.backend.findDeviceID(malgo.Playback, d.name)
		if err != nil {
			return nil, err
		}
		deviceConfig.Playback.DeviceID = id.Pointer()
	}

	stream := &miniaudioOutputStream{
		// Half a second of queued audio before Write blocks.
		highWater: cfg.BytesPerSecond() / 2,
	}
	stream.cond = sync.NewCond(&stream.mu)

	onData := func(outputSamples, inputSamples []byte, frameCount uint32) {
		stream.mu.Lock()
		n := copy(outputSamples, stream.buf)
		stream.buf = stream.buf[n:]
		for i := n; i < len(outputSamples); i++ {
			outputSamples[i] = 0
		}
		stream.mu.Unlock()
		stream.cond.Broadcast()
	}

	device, err := malgo.InitDevice(d.backend.ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onData,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open playback device: %w", err)
	}
	stream.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	slog.Debug("Playback device opened", "device", d.name, "sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	return stream, nil
}

type miniaudioOutputStream struct {
	device    *malgo.Device
	highWater int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func (s *miniaudioOutputStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) >= s.highWater && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return fmt.Errorf("playback stream is closed")
	}
	s.buf = append(s.buf, pcm...)
	return nil
}

func (s *miniaudioOutputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
	s.cond.Broadcast()

	err := s.device.Stop()
	s.device.Uninit()
	if err != nil {
		return fmt.Errorf("failed to stop playback device: %w", err)
	}
	return nil
}
