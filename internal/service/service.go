package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/audiolibrelab/voicenote/internal/audio"
	"github.com/audiolibrelab/voicenote/internal/config"
	"github.com/audiolibrelab/voicenote/internal/library"
	"github.com/audiolibrelab/voicenote/internal/play"
	"github.com/audiolibrelab/voicenote/internal/store"
	"github.com/audiolibrelab/voicenote/internal/waveform"
)

// Service represents the core VoiceNote service interface
type Service interface {
	// Capture operations
	StartCapture() error
	StopCapture() error
	DiscardCapture() error
	GetCaptureStatus() (CaptureStatus, *CaptureInfo)

	// Waveform operations
	WaveformFrame() waveform.Frame
	ResizeWaveform(width, height int) error
	ClickWaveform(x float64) error

	// Playback operations
	PlayRecording(ctx context.Context, owner, id string) error
	PlayPreview() error
	PausePlayback() error
	SeekPlayback(fraction float64) error
	GetPlaybackStatus() PlaybackStatus

	// Library operations
	SaveRecording(ctx context.Context, owner, title string) ([]store.Recording, error)
	ListRecordings(ctx context.Context, owner string) ([]store.Recording, error)
	GetRecording(ctx context.Context, owner, id string) (*store.Recording, error)
	FetchRecordingAudio(ctx context.Context, owner, id string) (*store.Recording, []byte, error)
	DeleteRecording(ctx context.Context, owner, id string) (*library.DeleteResult, error)

	// Information operations
	GetConfig() *config.Config
	ListCaptureDevices() ([]audio.DeviceInfo, error)
	ListPlaybackDevices() ([]audio.DeviceInfo, error)
	GetLastError() string

	Close() error
}

// CaptureStatus represents the current capture state
type CaptureStatus string

const (
	StatusIdle       CaptureStatus = "IDLE"
	StatusRequesting CaptureStatus = "REQUESTING"
	StatusRecording  CaptureStatus = "RECORDING"
	StatusStopped    CaptureStatus = "STOPPED"
	StatusFailed     CaptureStatus = "FAILED"
)

// PreviewID marks the pending take as the bound playback source in status
// reports, distinguishing it from saved recording IDs.
const PreviewID = "preview"

// CaptureInfo describes the live or finished capture alongside the status.
type CaptureInfo struct {
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
	PendingArtifact bool    `json:"pending_artifact"`
	PendingDuration float64 `json:"pending_duration,omitempty"`
}

// PlaybackStatus reports the controller binding and position.
type PlaybackStatus struct {
	Playing         bool    `json:"playing"`
	NowPlayingID    string  `json:"now_playing_id,omitempty"`
	PositionSeconds float64 `json:"position_seconds"`
	DurationSeconds float64 `json:"duration_seconds"`
	Fraction        float64 `json:"fraction"`
}

// Option adjusts service construction, mainly for tests.
type Option func(*options)

type options struct {
	sessionOpts []audio.Option
	loader      play.Loader
	sched       waveform.FrameScheduler
}

// WithSessionOptions forwards options to the capture session.
func WithSessionOptions(opts ...audio.Option) Option {
	return func(o *options) {
		o.sessionOpts = append(o.sessionOpts, opts...)
	}
}

// WithLoader overrides how audio objects are fetched, for playback and for
// server-side streaming alike.
func WithLoader(loader play.Loader) Option {
	return func(o *options) {
		o.loader = loader
	}
}

// WithFrameScheduler overrides the renderer's display-frame scheduler.
func WithFrameScheduler(sched waveform.FrameScheduler) Option {
	return func(o *options) {
		o.sched = sched
	}
}

// VoiceNoteService is the main service implementation
type VoiceNoteService struct {
	cfg      *config.Config
	backend  audio.Backend
	session  *audio.Session
	renderer *waveform.Renderer
	player   *play.Controller
	gateway  *library.Gateway
	loader   play.Loader

	// Pending take and playing marker
	mu           sync.Mutex
	pending      *audio.Artifact
	nowPlayingID string

	unsubSession func()
	unsubPlayer  func()

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a VoiceNote service: one capture session, one waveform renderer
// and one playback controller over the given audio backend, with the gateway
// persisting finished takes. The backend stays owned by the caller.
func New(cfg *config.Config, backend audio.Backend, gateway *library.Gateway, opts ...Option) Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	loader := o.loader
	if loader == nil {
		loader = play.DefaultLoader
	}

	streamCfg := audio.StreamConfig{
		SampleRate: cfg.Capture.SampleRate,
		Channels:   cfg.Capture.Channels,
	}
	sessionOpts := append([]audio.Option{audio.WithTapSize(cfg.Capture.TapSize)}, o.sessionOpts...)
	session := audio.NewSession(backend.InputDevice(cfg.Capture.Device), streamCfg, sessionOpts...)
	renderer := waveform.NewRenderer(cfg.Waveform.Width, cfg.Waveform.Height, o.sched)
	player := play.NewController(backend.OutputDevice(""), play.WithLoader(loader))

	s := &VoiceNoteService{
		cfg:      cfg,
		backend:  backend,
		session:  session,
		renderer: renderer,
		player:   player,
		gateway:  gateway,
		loader:   loader,
	}

	// The renderer follows the session: live while recording, detached on
	// every terminal state.
	s.unsubSession = session.Notify(func(ev audio.Event) {
		switch ev.State {
		case audio.StateRecording:
			renderer.AttachLive(session.Tap())
		case audio.StateStopped, audio.StateIdle:
			renderer.DetachLive()
		case audio.StateFailed:
			renderer.DetachLive()
			if ev.Err != nil {
				s.setLastError(fmt.Sprintf("Capture failed: %v", ev.Err))
			}
		}
	})

	// The cursor follows playback; a natural end clears the playing marker.
	s.unsubPlayer = player.Notify(func(ev play.Event) {
		renderer.SetCursor(ev.Fraction)
		if ev.Type == play.EventEnded {
			s.mu.Lock()
			s.nowPlayingID = ""
			s.mu.Unlock()
		}
	})

	// Clicking the decoded trace seeks playback.
	renderer.SetSeekHandler(player.Seek)

	return s
}

// StartCapture begins a new capture (IDLE -> REQUESTING). A finished take
// still pending is discarded, along with any preview bound to it.
func (s *VoiceNoteService) StartCapture() error {
	slog.Debug("Service.StartCapture called")

	if state := s.session.State(); state == audio.StateRequesting || state == audio.StateRecording {
		err := fmt.Errorf("capture already in progress, current state: %s", state)
		s.setLastError(fmt.Sprintf("Failed to start capture: %v", err))
		return err
	}

	s.clearLastError() // Clear any previous errors when starting a new capture
	s.stopPreviewPlayback()

	s.mu.Lock()
	discarded := s.pending != nil
	s.pending = nil
	s.mu.Unlock()
	if discarded {
		slog.Debug("Pending take discarded by new capture")
	}

	if s.session.State() == audio.StateStopped {
		if err := s.session.Reset(); err != nil {
			s.setLastError(fmt.Sprintf("Failed to start capture: %v", err))
			return err
		}
	}
	s.renderer.ClearArtifact()

	if err := s.session.Start(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start capture: %v", err))
		return err
	}
	return nil
}

// StopCapture ends the capture. The finished artifact is kept pending for
// preview and save; the waveform switches to its decoded trace.
func (s *VoiceNoteService) StopCapture() error {
	slog.Debug("Service.StopCapture called")

	art, err := s.session.Stop()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop capture: %v", err))
		return err
	}
	s.clearLastError() // Clear error on successful stop
	if art == nil {
		// Stopped while the device request was still pending; nothing was
		// captured and the session is back to idle.
		return nil
	}

	s.mu.Lock()
	s.pending = art
	s.mu.Unlock()

	if err := s.renderer.LoadArtifact(art); err != nil {
		slog.Warn("Failed to render finished take", "error", err)
	}
	return nil
}

// DiscardCapture throws away the pending take and returns the session to
// idle. Discarding while a capture is active is rejected.
func (s *VoiceNoteService) DiscardCapture() error {
	slog.Debug("Service.DiscardCapture called")

	if err := s.session.Reset(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to discard capture: %v", err))
		return err
	}

	s.stopPreviewPlayback()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.renderer.ClearArtifact()
	return nil
}

// GetCaptureStatus returns the current capture status and session info
func (s *VoiceNoteService) GetCaptureStatus() (CaptureStatus, *CaptureInfo) {
	state := s.session.State()

	// Convert from audio.State to service.CaptureStatus
	var status CaptureStatus
	switch state {
	case audio.StateIdle:
		status = StatusIdle
		// Stale errors clear once the session is back to rest
		s.clearLastError()
	case audio.StateRequesting:
		status = StatusRequesting
	case audio.StateRecording:
		status = StatusRecording
		// Stale errors clear once a capture is healthy
		s.clearLastError()
	case audio.StateStopped:
		status = StatusStopped
	case audio.StateFailed:
		status = StatusFailed
	}

	info := &CaptureInfo{
		ElapsedSeconds: s.session.Elapsed().Seconds(),
		SampleRate:     s.cfg.Capture.SampleRate,
		Channels:       s.cfg.Capture.Channels,
	}
	s.mu.Lock()
	if s.pending != nil {
		info.PendingArtifact = true
		info.PendingDuration = s.pending.Duration
	}
	s.mu.Unlock()

	return status, info
}

// WaveformFrame returns the current drawable trace.
func (s *VoiceNoteService) WaveformFrame() waveform.Frame {
	return s.renderer.Frame()
}

// ResizeWaveform updates the render viewport.
func (s *VoiceNoteService) ResizeWaveform(width, height int) error {
	if width < 16 || height < 16 {
		return fmt.Errorf("waveform viewport too small: %dx%d", width, height)
	}
	s.renderer.Resize(width, height)
	return nil
}

// ClickWaveform converts a click on the decoded trace into a playback seek.
func (s *VoiceNoteService) ClickWaveform(x float64) error {
	return s.renderer.ClickAt(x)
}

// PlayRecording binds a saved recording to the playback controller and starts
// it. Binding a new source pauses whatever was playing; selecting the
// recording already bound resumes it instead.
func (s *VoiceNoteService) PlayRecording(ctx context.Context, owner, id string) error {
	slog.Debug("Service.PlayRecording called", "recording_id", id)

	s.mu.Lock()
	resume := s.nowPlayingID == id
	s.mu.Unlock()

	if !resume {
		rec, err := s.gateway.Get(ctx, owner, id)
		if err != nil {
			s.setLastError(fmt.Sprintf("Failed to play recording: %v", err))
			return err
		}
		if err := s.player.Load(ctx, s.sourceFor(rec)); err != nil {
			s.setLastError(fmt.Sprintf("Failed to play recording: %v", err))
			return err
		}
		s.mu.Lock()
		s.nowPlayingID = id
		s.mu.Unlock()
	}

	if err := s.player.Play(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to play recording: %v", err))
		return err
	}
	return nil
}

// PlayPreview plays the pending take before it is saved.
func (s *VoiceNoteService) PlayPreview() error {
	slog.Debug("Service.PlayPreview called")

	s.mu.Lock()
	pending := s.pending
	resume := s.nowPlayingID == PreviewID
	s.mu.Unlock()

	if pending == nil {
		err := fmt.Errorf("no finished take to preview")
		s.setLastError(fmt.Sprintf("Failed to play preview: %v", err))
		return err
	}

	if !resume {
		if err := s.player.LoadArtifact(pending); err != nil {
			s.setLastError(fmt.Sprintf("Failed to play preview: %v", err))
			return err
		}
		s.mu.Lock()
		s.nowPlayingID = PreviewID
		s.mu.Unlock()
	}

	if err := s.player.Play(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to play preview: %v", err))
		return err
	}
	return nil
}

// PausePlayback halts playback, keeping the position for resume.
func (s *VoiceNoteService) PausePlayback() error {
	return s.player.Pause()
}

// SeekPlayback repositions playback to a fraction of the bound source.
func (s *VoiceNoteService) SeekPlayback(fraction float64) error {
	return s.player.Seek(fraction)
}

// GetPlaybackStatus returns the controller binding and position.
func (s *VoiceNoteService) GetPlaybackStatus() PlaybackStatus {
	pos, dur := s.player.Position()

	s.mu.Lock()
	nowPlaying := s.nowPlayingID
	s.mu.Unlock()

	status := PlaybackStatus{
		Playing:         s.player.IsPlaying(),
		NowPlayingID:    nowPlaying,
		PositionSeconds: pos.Seconds(),
		DurationSeconds: dur.Seconds(),
	}
	if dur > 0 {
		status.Fraction = pos.Seconds() / dur.Seconds()
	}
	return status
}

// SaveRecording persists the pending take under the given title and returns
// the owner's refreshed list, newest first. On success the session returns to
// idle and the waveform clears; on failure the take stays pending for retry.
func (s *VoiceNoteService) SaveRecording(ctx context.Context, owner, title string) ([]store.Recording, error) {
	slog.Debug("Service.SaveRecording called", "title", title)

	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		err := fmt.Errorf("no finished take to save")
		s.setLastError(fmt.Sprintf("Failed to save recording: %v", err))
		return nil, err
	}

	recs, err := s.gateway.Save(ctx, owner, title, pending)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to save recording: %v", err))
		return nil, err
	}

	s.stopPreviewPlayback()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	if err := s.session.Reset(); err != nil {
		slog.Warn("Session reset after save failed", "error", err)
	}
	s.renderer.ClearArtifact()
	s.clearLastError()
	return recs, nil
}

// ListRecordings returns the owner's recordings, newest first.
func (s *VoiceNoteService) ListRecordings(ctx context.Context, owner string) ([]store.Recording, error) {
	return s.gateway.List(ctx, owner)
}

// GetRecording returns one of the owner's recordings.
func (s *VoiceNoteService) GetRecording(ctx context.Context, owner, id string) (*store.Recording, error) {
	return s.gateway.Get(ctx, owner, id)
}

// FetchRecordingAudio resolves a recording's stored object and returns its
// WAV bytes, for streaming and server-side peak rendering.
func (s *VoiceNoteService) FetchRecordingAudio(ctx context.Context, owner, id string) (*store.Recording, []byte, error) {
	rec, err := s.gateway.Get(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.loader(ctx, s.sourceFor(rec))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch audio object: %w", err)
	}
	return rec, data, nil
}

// DeleteRecording removes a recording. If it is currently bound to playback
// the controller is paused and unbound first.
func (s *VoiceNoteService) DeleteRecording(ctx context.Context, owner, id string) (*library.DeleteResult, error) {
	slog.Debug("Service.DeleteRecording called", "recording_id", id)

	s.mu.Lock()
	bound := s.nowPlayingID == id
	if bound {
		s.nowPlayingID = ""
	}
	s.mu.Unlock()
	if bound {
		if err := s.player.Pause(); err != nil {
			slog.Warn("Failed to pause playback of deleted recording", "error", err)
		}
	}

	result, err := s.gateway.Delete(ctx, owner, id)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to delete recording: %v", err))
		return nil, err
	}
	return result, nil
}

// GetConfig returns the current configuration
func (s *VoiceNoteService) GetConfig() *config.Config {
	return s.cfg
}

// ListCaptureDevices enumerates microphones known to the audio backend.
func (s *VoiceNoteService) ListCaptureDevices() ([]audio.DeviceInfo, error) {
	return s.backend.ListCaptureDevices()
}

// ListPlaybackDevices enumerates outputs known to the audio backend.
func (s *VoiceNoteService) ListPlaybackDevices() ([]audio.DeviceInfo, error) {
	return s.backend.ListPlaybackDevices()
}

// Close releases capture and playback resources. The audio backend itself is
// owned by the caller and stays open.
func (s *VoiceNoteService) Close() error {
	s.unsubSession()
	s.unsubPlayer()
	s.renderer.DetachLive()

	if err := s.player.Close(); err != nil {
		slog.Warn("Playback close failed", "error", err)
	}
	return s.session.Close()
}

// sourceFor resolves where a recording's audio lives: filesystem-backed
// objects play from disk, anything else streams from its public URL.
func (s *VoiceNoteService) sourceFor(rec *store.Recording) string {
	if s.cfg.Storage.Backend == "filesystem" && rec.ObjectKey != "" {
		return filepath.Join(s.cfg.Storage.Root, filepath.FromSlash(rec.ObjectKey))
	}
	return rec.AudioURL
}

// stopPreviewPlayback pauses the controller when the preview is bound. Saved
// recordings keep playing through capture lifecycle changes.
func (s *VoiceNoteService) stopPreviewPlayback() {
	s.mu.Lock()
	preview := s.nowPlayingID == PreviewID
	if preview {
		s.nowPlayingID = ""
	}
	s.mu.Unlock()

	if preview {
		if err := s.player.Pause(); err != nil {
			slog.Warn("Failed to pause preview playback", "error", err)
		}
	}
}

// GetLastError returns the last error message (thread-safe)
func (s *VoiceNoteService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *VoiceNoteService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *VoiceNoteService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
