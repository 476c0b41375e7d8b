package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the lifecycle state of a capture session
type State string

const (
	StateIdle       State = "IDLE"
	StateRequesting State = "REQUESTING"
	StateRecording  State = "RECORDING"
	StateStopped    State = "STOPPED"
	StateFailed     State = "FAILED"
)

var (
	// ErrPermissionDenied means the capture device could not be acquired.
	ErrPermissionDenied = errors.New("microphone unavailable or access denied")

	// ErrDeviceFailure means the capture stream ended unexpectedly while
	// recording.
	ErrDeviceFailure = errors.New("capture device failed")
)

// defaultTickInterval is how often elapsed-time events are delivered to
// observers. Display only; never used for duration accuracy.
const defaultTickInterval = 100 * time.Millisecond

// Event is a session state-change notification delivered to observers.
type Event struct {
	State    State
	Elapsed  time.Duration
	Artifact *Artifact // set only on the single stopped event
	Err      error     // set on failure events
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithTickInterval overrides the observer tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithTapSize overrides the analysis tap window length.
func WithTapSize(size int) Option {
	return func(s *Session) {
		s.tap = NewTap(size)
	}
}

// Session drives one microphone capture from device request to finished
// artifact. It owns the input stream, the chunk buffer, the analysis tap and
// the elapsed-time clock. A session stops exactly once and yields exactly one
// artifact; a failed session yields none.
type Session struct {
	device InputDevice
	cfg    StreamConfig
	tap    *Tap
	clock  func() time.Time
	tick   time.Duration

	mu      sync.RWMutex
	state   State
	gen     uint64
	start   time.Time
	final   time.Duration
	chunks  [][]byte
	stream  InputStream
	lastErr error

	stopChan chan struct{}
	doneChan chan struct{}

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObsID int
}

// NewSession creates an idle capture session for the given device and format.
func NewSession(device InputDevice, cfg StreamConfig, opts ...Option) *Session {
	s := &Session{
		device: device,
		cfg:    cfg,
		tap:    NewTap(DefaultTapSize),
		clock:  time.Now,
		tick:   defaultTickInterval,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify registers an observer for session events. The returned function
// unregisters it.
func (s *Session) Notify(fn func(Event)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	if s.observers == nil {
		s.observers = make(map[int]func(Event))
	}
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Session) notify(ev Event) {
	s.obsMu.Lock()
	fns := make([]func(Event), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Start begins a capture: IDLE -> REQUESTING, then RECORDING once the device
// is acquired. Acquisition happens in the background; observers are notified
// of the outcome. A failed session may be restarted.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateFailed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("can only start capture from idle or failed state, current: %s", state)
	}
	s.state = StateRequesting
	s.lastErr = nil
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	slog.Debug("Capture session requesting device", "sample_rate", s.cfg.SampleRate, "channels", s.cfg.Channels)
	s.notify(Event{State: StateRequesting})

	go s.acquire(gen)
	return nil
}

// acquire completes the device request of one Start generation. A stale
// generation means the request was abandoned, or abandoned and superseded by
// a restart, while Open was pending; either way the granted stream must be
// released the moment it arrives and nothing else may happen.
func (s *Session) acquire(gen uint64) {
	stream, err := s.device.Open(s.cfg)

	s.mu.Lock()
	if gen != s.gen || s.state != StateRequesting {
		s.mu.Unlock()
		if err == nil {
			stream.Close()
		}
		slog.Debug("Capture request abandoned, device released")
		return
	}

	if err != nil {
		s.state = StateFailed
		s.lastErr = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		lastErr := s.lastErr
		s.mu.Unlock()
		slog.Error("Capture device acquisition failed", "error", err)
		s.notify(Event{State: StateFailed, Err: lastErr})
		return
	}

	s.stream = stream
	s.start = s.clock()
	s.chunks = nil
	s.state = StateRecording
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	stopChan := s.stopChan
	doneChan := s.doneChan
	s.mu.Unlock()

	slog.Info("Capture session recording started")
	s.notify(Event{State: StateRecording})

	go s.monitor(stream, stopChan, doneChan)
}

// monitor runs while the session is recording: it collects chunks, feeds the
// analysis tap, delivers elapsed ticks and watches for device failure.
func (s *Session) monitor(stream InputStream, stopChan, doneChan chan struct{}) {
	defer close(doneChan)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	chunks := stream.Chunks()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			s.mu.Lock()
			s.chunks = append(s.chunks, chunk)
			s.mu.Unlock()
			s.tap.Push(chunk)

		case err, ok := <-stream.Done():
			if !ok {
				return
			}
			s.fail(err)
			return

		case <-ticker.C:
			s.notify(Event{State: StateRecording, Elapsed: s.Elapsed()})

		case <-stopChan:
			return
		}
	}
}

// fail handles a device failure mid-capture: RECORDING -> FAILED, no stopped
// event, no artifact.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.lastErr = fmt.Errorf("%w: %v", ErrDeviceFailure, cause)
	s.chunks = nil
	stream := s.stream
	s.stream = nil
	lastErr := s.lastErr
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	slog.Error("Capture device failed while recording", "error", cause)
	s.notify(Event{State: StateFailed, Err: lastErr})
}

// Stop ends the capture. While RECORDING it finalizes the encoder and returns
// the single artifact of this session; the authoritative duration is the wall
// clock elapsed at the moment Stop is invoked. While REQUESTING it abandons
// the pending device request and returns no artifact.
func (s *Session) Stop() (*Artifact, error) {
	s.mu.Lock()
	switch s.state {
	case StateRequesting:
		s.state = StateIdle
		s.mu.Unlock()
		slog.Debug("Capture stopped while requesting device")
		s.notify(Event{State: StateIdle})
		return nil, nil

	case StateRecording:
		// Continue below.

	default:
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("can only stop a recording session, current state: %s", state)
	}

	elapsed := s.clock().Sub(s.start)
	s.state = StateStopped
	s.final = elapsed
	close(s.stopChan)
	stream := s.stream
	doneChan := s.doneChan
	s.stream = nil
	s.mu.Unlock()

	// Wait for the monitor to finish, release the device, then drain any
	// chunks still buffered in the stream.
	<-doneChan
	stream.Close()
	var tail [][]byte
	for chunk := range stream.Chunks() {
		tail = append(tail, chunk)
	}

	s.mu.Lock()
	s.chunks = append(s.chunks, tail...)
	total := 0
	for _, chunk := range s.chunks {
		total += len(chunk)
	}
	pcm := make([]byte, 0, total)
	for _, chunk := range s.chunks {
		pcm = append(pcm, chunk...)
	}
	s.chunks = nil
	s.mu.Unlock()

	wav, err := EncodeWAV(pcm, s.cfg)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.lastErr = fmt.Errorf("failed to encode artifact: %w", err)
		lastErr := s.lastErr
		s.mu.Unlock()
		s.notify(Event{State: StateFailed, Err: lastErr})
		return nil, lastErr
	}

	artifact := &Artifact{
		Bytes:      wav,
		MIMEType:   MIMETypeWAV,
		Duration:   elapsed.Seconds(),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	}

	slog.Info("Capture session stopped",
		"duration_seconds", fmt.Sprintf("%.2f", artifact.Duration),
		"bytes", len(artifact.Bytes))
	s.notify(Event{State: StateStopped, Elapsed: elapsed, Artifact: artifact})
	return artifact, nil
}

// Reset returns a finished session to IDLE so a new capture can start.
func (s *Session) Reset() error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return nil
	case StateStopped, StateFailed:
		s.state = StateIdle
		s.chunks = nil
		s.final = 0
		s.lastErr = nil
		s.mu.Unlock()
		s.notify(Event{State: StateIdle})
		return nil
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot reset while capture is active, current state: %s", state)
	}
}

// Close releases any live capture resources regardless of state. Used on
// application shutdown.
func (s *Session) Close() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateRecording {
		if _, err := s.Stop(); err != nil {
			return err
		}
	}
	if state == StateRequesting {
		if _, err := s.Stop(); err != nil {
			return err
		}
	}
	return s.Reset()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Elapsed returns wall-clock recording time: clock() - start while recording,
// the final stop-time reading afterwards. Never derived from tick counts.
func (s *Session) Elapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.state {
	case StateRecording:
		return s.clock().Sub(s.start)
	case StateStopped:
		return s.final
	default:
		return 0
	}
}

// Err returns the error that put the session in FAILED state, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Tap returns the analysis tap fed while this session records.
func (s *Session) Tap() *Tap {
	return s.tap
}
