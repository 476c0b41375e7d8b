package play

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/voicenote/internal/audio"
)

// EventType identifies a playback notification.
type EventType string

const (
	EventLoaded   EventType = "loaded"
	EventPlay     EventType = "play"
	EventPause    EventType = "pause"
	EventSeek     EventType = "seek"
	EventProgress EventType = "progress"
	EventEnded    EventType = "ended"
)

// Event carries a playback notification with a position snapshot.
type Event struct {
	Type     EventType
	Fraction float64
	Position time.Duration
	Duration time.Duration
}

// Loader fetches the bytes behind an audio source reference.
type Loader func(ctx context.Context, src string) ([]byte, error)

// Option configures a Controller.
type Option func(*Controller)

// WithLoader overrides how source references are fetched.
func WithLoader(loader Loader) Option {
	return func(c *Controller) {
		c.loader = loader
	}
}

// Controller owns the single audio output unit. It binds one source at a
// time; loading a new source implicitly pauses any prior playback. Play,
// Pause and Seek drive the bound source; a terminal ended event fires when
// playback completes naturally.
type Controller struct {
	device audio.OutputDevice
	loader Loader

	mu       sync.Mutex
	pcm      []byte
	cfg      audio.StreamConfig
	offset   int
	playing  bool
	stream   audio.OutputStream
	stopChan chan struct{}
	doneChan chan struct{}

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObsID int
}

// NewController creates a stopped controller bound to nothing.
func NewController(device audio.OutputDevice, opts ...Option) *Controller {
	c := &Controller{
		device: device,
		loader: DefaultLoader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Notify registers a playback observer. The returned function unregisters it.
func (c *Controller) Notify(fn func(Event)) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	if c.observers == nil {
		c.observers = make(map[int]func(Event))
	}
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = fn

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller) notify(ev Event) {
	c.obsMu.Lock()
	fns := make([]func(Event), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// snapshot builds an event of the given type from the current position.
func (c *Controller) snapshot(t EventType) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(t)
}

func (c *Controller) snapshotLocked(t EventType) Event {
	ev := Event{
		Type:     t,
		Position: audio.PCMDuration(c.offset, c.cfg),
		Duration: audio.PCMDuration(len(c.pcm), c.cfg),
	}
	if len(c.pcm) > 0 {
		ev.Fraction = float64(c.offset) / float64(len(c.pcm))
	}
	return ev
}

// Load binds the controller to a source reference (http(s) URL or local
// path), pausing any prior playback first.
func (c *Controller) Load(ctx context.Context, src string) error {
	data, err := c.loader(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to fetch audio source: %w", err)
	}
	return c.bind(data)
}

// LoadArtifact binds the controller to an in-memory artifact, used for local
// preview before a recording is saved.
func (c *Controller) LoadArtifact(art *audio.Artifact) error {
	if art == nil {
		return fmt.Errorf("no artifact to load")
	}
	return c.bind(art.Bytes)
}

func (c *Controller) bind(wav []byte) error {
	pcm, cfg, err := audio.DecodeWAV(wav)
	if err != nil {
		return fmt.Errorf("failed to decode audio source: %w", err)
	}

	if err := c.Pause(); err != nil {
		return err
	}

	c.mu.Lock()
	c.pcm = pcm
	c.cfg = cfg
	c.offset = 0
	c.mu.Unlock()

	slog.Debug("Playback source bound", "bytes", len(pcm), "sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	c.notify(c.snapshot(EventLoaded))
	return nil
}

// Play starts or resumes playback of the bound source. Playing past the end
// restarts from the beginning.
func (c *Controller) Play() error {
	c.mu.Lock()
	if c.pcm == nil {
		c.mu.Unlock()
		return fmt.Errorf("no audio source loaded")
	}
	if c.playing {
		c.mu.Unlock()
		return nil
	}
	if c.offset >= len(c.pcm) {
		c.offset = 0
	}

	stream, err := c.device.Open(c.cfg)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to open playback device: %w", err)
	}
	c.stream = stream
	c.playing = true
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})
	stopChan, doneChan := c.stopChan, c.doneChan
	c.mu.Unlock()

	c.notify(c.snapshot(EventPlay))
	go c.pump(stream, stopChan, doneChan)
	return nil
}

// pump feeds the output stream in ~100ms slices until the source ends or the
// stream is torn down by pause, seek or rebind.
func (c *Controller) pump(stream audio.OutputStream, stopChan, doneChan chan struct{}) {
	defer close(doneChan)

	for {
		select {
		case <-stopChan:
			return
		default:
		}

		c.mu.Lock()
		if c.offset >= len(c.pcm) {
			c.playing = false
			c.stream = nil
			c.mu.Unlock()
			stream.Close()
			slog.Debug("Playback reached end of source")
			c.notify(c.snapshot(EventEnded))
			return
		}
		slice := c.sliceSizeLocked()
		end := c.offset + slice
		if end > len(c.pcm) {
			end = len(c.pcm)
		}
		chunk := c.pcm[c.offset:end]
		c.offset = end
		c.mu.Unlock()

		if err := stream.Write(chunk); err != nil {
			// Stream torn down mid-write; the chunk never played, so keep
			// the position on it for resume.
			c.mu.Lock()
			c.offset -= len(chunk)
			if c.offset < 0 {
				c.offset = 0
			}
			c.mu.Unlock()
			return
		}
		c.notify(c.snapshot(EventProgress))
	}
}

// sliceSizeLocked returns ~100ms of PCM aligned to whole frames.
func (c *Controller) sliceSizeLocked() int {
	block := c.cfg.BytesPerSecond() / c.cfg.SampleRate
	slice := c.cfg.BytesPerSecond() / 10
	if slice < block {
		slice = block
	}
	return slice - slice%block
}

// Pause halts playback, keeping the position for resume. Pausing a stopped
// controller is a no-op.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return nil
	}
	c.playing = false
	close(c.stopChan)
	stream := c.stream
	c.stream = nil
	doneChan := c.doneChan
	c.mu.Unlock()

	stream.Close()
	<-doneChan

	c.notify(c.snapshot(EventPause))
	return nil
}

// Seek repositions playback to a fraction of the source in [0, 1], clamped.
// A playing controller keeps playing from the new position.
func (c *Controller) Seek(fraction float64) error {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	c.mu.Lock()
	if c.pcm == nil {
		c.mu.Unlock()
		return fmt.Errorf("no audio source loaded")
	}
	wasPlaying := c.playing
	c.mu.Unlock()

	if wasPlaying {
		if err := c.Pause(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	block := c.cfg.BytesPerSecond() / c.cfg.SampleRate
	offset := int(fraction * float64(len(c.pcm)))
	c.offset = offset - offset%block
	c.mu.Unlock()

	c.notify(c.snapshot(EventSeek))

	if wasPlaying {
		return c.Play()
	}
	return nil
}

// Position returns the current position and the total source duration.
func (c *Controller) Position() (time.Duration, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return audio.PCMDuration(c.offset, c.cfg), audio.PCMDuration(len(c.pcm), c.cfg)
}

// IsPlaying reports whether the output unit is currently playing.
func (c *Controller) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Close releases the output unit. The controller may be reused afterwards.
func (c *Controller) Close() error {
	return c.Pause()
}

// DefaultLoader handles http(s) URLs and local file paths.
func DefaultLoader(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, src)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(strings.TrimPrefix(src, "file://"))
}
