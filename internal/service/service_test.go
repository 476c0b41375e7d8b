package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/voicenote/internal/audio"
	"github.com/audiolibrelab/voicenote/internal/config"
	"github.com/audiolibrelab/voicenote/internal/library"
	"github.com/audiolibrelab/voicenote/internal/storage"
	"github.com/audiolibrelab/voicenote/internal/store"
	"github.com/audiolibrelab/voicenote/internal/waveform"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeInputStream struct {
	chunks chan []byte
	done   chan error

	mu     sync.Mutex
	closed bool
}

func newFakeInputStream() *fakeInputStream {
	return &fakeInputStream{
		chunks: make(chan []byte, 64),
		done:   make(chan error, 1),
	}
}

func (f *fakeInputStream) Chunks() <-chan []byte { return f.chunks }
func (f *fakeInputStream) Done() <-chan error    { return f.done }

func (f *fakeInputStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.chunks)
	close(f.done)
	return nil
}

func (f *fakeInputStream) push(pcm []byte) { f.chunks <- pcm }

type fakeInputDevice struct {
	mu      sync.Mutex
	stream  *fakeInputStream
	openErr error
}

func (d *fakeInputDevice) Open(cfg audio.StreamConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.stream = newFakeInputStream()
	return d.stream, nil
}

func (d *fakeInputDevice) setOpenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

func (d *fakeInputDevice) currentStream() *fakeInputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// fakeOutputStream counts written bytes. With gate set, Write blocks until
// the stream is closed, keeping playback mid-flight for as long as a test
// needs it.
type fakeOutputStream struct {
	gate    bool
	closeCh chan struct{}
	once    sync.Once

	mu    sync.Mutex
	bytes int
}

func (f *fakeOutputStream) Write(pcm []byte) error {
	if f.gate {
		<-f.closeCh
		return errors.New("output stream closed")
	}
	select {
	case <-f.closeCh:
		return errors.New("output stream closed")
	default:
	}
	f.mu.Lock()
	f.bytes += len(pcm)
	f.mu.Unlock()
	return nil
}

func (f *fakeOutputStream) Close() error {
	f.once.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakeOutputStream) isClosed() bool {
	select {
	case <-f.closeCh:
		return true
	default:
		return false
	}
}

type fakeOutputDevice struct {
	mu      sync.Mutex
	gate    bool
	streams []*fakeOutputStream
}

func (d *fakeOutputDevice) Open(cfg audio.StreamConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeOutputStream{gate: d.gate, closeCh: make(chan struct{})}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeOutputDevice) setGate(gate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = gate
}

func (d *fakeOutputDevice) stream(i int) *fakeOutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

type fakeBackend struct {
	input  *fakeInputDevice
	output *fakeOutputDevice
}

func (b *fakeBackend) InputDevice(deviceID string) audio.InputDevice   { return b.input }
func (b *fakeBackend) OutputDevice(deviceID string) audio.OutputDevice { return b.output }

func (b *fakeBackend) ListCaptureDevices() ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{ID: "mic-0", Name: "Test Microphone", IsDefault: true}}, nil
}

func (b *fakeBackend) ListPlaybackDevices() ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{ID: "out-0", Name: "Test Speakers", IsDefault: true}}, nil
}

func (b *fakeBackend) GetType() audio.BackendType { return audio.BackendTypeAuto }
func (b *fakeBackend) Close() error               { return nil }

// stubScheduler swallows display-frame requests; these tests assert renderer
// modes, not frame pacing.
type stubScheduler struct{}

func (stubScheduler) Schedule(fn func()) func() { return func() {} }

type testEnv struct {
	svc     Service
	cfg     *config.Config
	clock   *fakeClock
	backend *fakeBackend
	owner   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open("sqlite", filepath.Join(dir, "voicenote.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	user := &store.User{Username: "ada", Email: "ada@example.com", PasswordHash: "irrelevant"}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	root := filepath.Join(dir, "objects")
	objects, err := storage.NewFilesystem(root, "/api/objects")
	if err != nil {
		t.Fatalf("failed to create object store: %v", err)
	}

	cfg := &config.Config{
		Capture:  config.CaptureConfig{Backend: "auto", SampleRate: 8000, Channels: 1, TapSize: 256},
		Waveform: config.WaveformConfig{Width: 100, Height: 50},
		Storage:  config.StorageConfig{Backend: "filesystem", Root: root, PublicBaseURL: "/api/objects"},
	}

	clock := newFakeClock()
	backend := &fakeBackend{input: &fakeInputDevice{}, output: &fakeOutputDevice{}}

	svc := New(cfg, backend, library.NewGateway(st, objects),
		WithSessionOptions(audio.WithClock(clock.Now), audio.WithTickInterval(time.Hour)),
		WithFrameScheduler(stubScheduler{}),
	)
	t.Cleanup(func() { svc.Close() })

	return &testEnv{svc: svc, cfg: cfg, clock: clock, backend: backend, owner: user.ID}
}

func waitForStatus(t *testing.T, svc Service, want CaptureStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := svc.GetCaptureStatus(); got == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, _ := svc.GetCaptureStatus()
	t.Fatalf("capture never reached %s, current: %s", want, got)
}

func waitForMarker(t *testing.T, svc Service, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.GetPlaybackStatus().NowPlayingID == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("playback marker never became %q, current %q", want, svc.GetPlaybackStatus().NowPlayingID)
}

// recordTake runs one capture of the given duration: PCM pushed through the
// fake microphone, elapsed time driven by the fake clock.
func recordTake(t *testing.T, env *testEnv, d time.Duration) {
	t.Helper()
	if err := env.svc.StartCapture(); err != nil {
		t.Fatalf("failed to start capture: %v", err)
	}
	waitForStatus(t, env.svc, StatusRecording)

	size := int(float64(env.cfg.Capture.SampleRate*env.cfg.Capture.Channels*2) * d.Seconds())
	size -= size % 2
	env.backend.input.currentStream().push(make([]byte, size))
	env.clock.Advance(d)

	if err := env.svc.StopCapture(); err != nil {
		t.Fatalf("failed to stop capture: %v", err)
	}
}

// saveTake records a capture and persists it, returning the new recording ID.
func saveTake(t *testing.T, env *testEnv, title string, d time.Duration) string {
	t.Helper()
	recordTake(t, env, d)
	recs, err := env.svc.SaveRecording(context.Background(), env.owner, title)
	if err != nil {
		t.Fatalf("failed to save take: %v", err)
	}
	if len(recs) == 0 {
		t.Fatal("save returned an empty list")
	}
	return recs[0].ID
}

func TestServiceRecordSaveReloadScenario(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc
	ctx := context.Background()

	if err := svc.StartCapture(); err != nil {
		t.Fatalf("failed to start capture: %v", err)
	}
	waitForStatus(t, svc, StatusRecording)
	if mode := svc.WaveformFrame().Mode; mode != waveform.ModeLive {
		t.Errorf("expected live waveform while recording, got %s", mode)
	}

	env.backend.input.currentStream().push(make([]byte, 40000)) // 2.5s of 8kHz mono PCM16
	env.clock.Advance(2500 * time.Millisecond)

	if err := svc.StopCapture(); err != nil {
		t.Fatalf("failed to stop capture: %v", err)
	}

	status, info := svc.GetCaptureStatus()
	if status != StatusStopped {
		t.Fatalf("expected STOPPED after stop, got %s", status)
	}
	if !info.PendingArtifact {
		t.Fatal("expected a pending take after stop")
	}
	if info.PendingDuration < 2.3 || info.PendingDuration > 2.7 {
		t.Fatalf("pending duration %.2fs outside [2.3, 2.7]", info.PendingDuration)
	}
	if mode := svc.WaveformFrame().Mode; mode != waveform.ModeDecoded {
		t.Errorf("expected decoded waveform after stop, got %s", mode)
	}

	recs, err := svc.SaveRecording(ctx, env.owner, "Test")
	if err != nil {
		t.Fatalf("failed to save recording: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 recording after save, got %d", len(recs))
	}

	listed, err := svc.ListRecordings(ctx, env.owner)
	if err != nil {
		t.Fatalf("failed to list recordings: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 listed recording, got %d", len(listed))
	}
	first := listed[0]
	if first.Title != "Test" {
		t.Errorf("expected title %q, got %q", "Test", first.Title)
	}
	if first.Duration < 2.3 || first.Duration > 2.7 {
		t.Errorf("listed duration %.2fs outside [2.3, 2.7]", first.Duration)
	}
	if first.AudioURL == "" {
		t.Error("listed recording has no audio URL")
	}

	status, info = svc.GetCaptureStatus()
	if status != StatusIdle {
		t.Errorf("expected IDLE after save, got %s", status)
	}
	if info.PendingArtifact {
		t.Error("pending take should be cleared by save")
	}
	if mode := svc.WaveformFrame().Mode; mode != waveform.ModeIdle {
		t.Errorf("expected idle waveform after save, got %s", mode)
	}
}

func TestServiceSecondStartCaptureRejected(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	if err := svc.StartCapture(); err != nil {
		t.Fatalf("failed to start capture: %v", err)
	}
	waitForStatus(t, svc, StatusRecording)

	if err := svc.StartCapture(); err == nil {
		t.Fatal("expected second start to be rejected")
	}
	if msg := svc.GetLastError(); !strings.Contains(msg, "already in progress") {
		t.Errorf("last error %q missing rejection reason", msg)
	}

	// The original capture is intact and stoppable.
	env.clock.Advance(time.Second)
	if err := svc.StopCapture(); err != nil {
		t.Fatalf("failed to stop original capture: %v", err)
	}
	status, info := svc.GetCaptureStatus()
	if status != StatusStopped {
		t.Fatalf("expected STOPPED, got %s", status)
	}
	if !info.PendingArtifact {
		t.Fatal("expected the original capture's take to be pending")
	}
}

func TestServiceNewCaptureDiscardsPendingTake(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	recordTake(t, env, 500*time.Millisecond)
	if _, info := svc.GetCaptureStatus(); !info.PendingArtifact {
		t.Fatal("expected a pending take after stop")
	}

	if err := svc.StartCapture(); err != nil {
		t.Fatalf("failed to start second capture: %v", err)
	}
	waitForStatus(t, svc, StatusRecording)

	if _, info := svc.GetCaptureStatus(); info.PendingArtifact {
		t.Error("pending take should be discarded by a new capture")
	}
}

func TestServiceDiscardCapture(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	recordTake(t, env, 500*time.Millisecond)

	if err := svc.DiscardCapture(); err != nil {
		t.Fatalf("failed to discard capture: %v", err)
	}

	status, info := svc.GetCaptureStatus()
	if status != StatusIdle {
		t.Errorf("expected IDLE after discard, got %s", status)
	}
	if info.PendingArtifact {
		t.Error("pending take should be gone after discard")
	}
	if mode := svc.WaveformFrame().Mode; mode != waveform.ModeIdle {
		t.Errorf("expected idle waveform after discard, got %s", mode)
	}

	if _, err := svc.SaveRecording(context.Background(), env.owner, "Test"); err == nil {
		t.Fatal("expected save without a pending take to fail")
	}
}

func TestServiceCaptureFailureSurfaced(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	env.backend.input.setOpenErr(errors.New("device busy"))

	if err := svc.StartCapture(); err != nil {
		t.Fatalf("start queues acquisition, should not fail synchronously: %v", err)
	}
	waitForStatus(t, svc, StatusFailed)

	if msg := svc.GetLastError(); !strings.Contains(msg, "microphone unavailable") {
		t.Errorf("last error %q missing acquisition failure", msg)
	}

	// A failed session restarts once the device recovers.
	env.backend.input.setOpenErr(nil)
	if err := svc.StartCapture(); err != nil {
		t.Fatalf("failed to restart after failure: %v", err)
	}
	waitForStatus(t, svc, StatusRecording)
	if msg := svc.GetLastError(); msg != "" {
		t.Errorf("last error %q should clear on a healthy capture", msg)
	}
}

func TestServicePreviewPlayback(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	recordTake(t, env, 500*time.Millisecond)

	env.backend.output.setGate(true)
	if err := svc.PlayPreview(); err != nil {
		t.Fatalf("failed to play preview: %v", err)
	}
	if id := svc.GetPlaybackStatus().NowPlayingID; id != PreviewID {
		t.Errorf("expected playing marker %q, got %q", PreviewID, id)
	}

	// Pause keeps the marker; resuming plays on without rebinding.
	if err := svc.PausePlayback(); err != nil {
		t.Fatalf("failed to pause preview: %v", err)
	}
	st := svc.GetPlaybackStatus()
	if st.Playing {
		t.Error("still playing after pause")
	}
	if st.NowPlayingID != PreviewID {
		t.Errorf("pause cleared the playing marker: %q", st.NowPlayingID)
	}

	env.backend.output.setGate(false)
	if err := svc.PlayPreview(); err != nil {
		t.Fatalf("failed to resume preview: %v", err)
	}

	// The resumed preview runs to its natural end, which clears the marker.
	waitForMarker(t, svc, "")
	if svc.GetPlaybackStatus().Playing {
		t.Error("controller still playing after natural end")
	}
}

func TestServicePreviewWithoutTakeFails(t *testing.T) {
	env := newTestEnv(t)

	if err := env.svc.PlayPreview(); err == nil {
		t.Fatal("expected preview without a finished take to fail")
	}
	if msg := env.svc.GetLastError(); !strings.Contains(msg, "no finished take") {
		t.Errorf("last error %q missing preview failure", msg)
	}
}

func TestServicePlayRecordingPausesPrevious(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc
	ctx := context.Background()

	idA := saveTake(t, env, "first take", 300*time.Millisecond)
	idB := saveTake(t, env, "second take", 300*time.Millisecond)

	env.backend.output.setGate(true) // playback never finishes on its own

	if err := svc.PlayRecording(ctx, env.owner, idA); err != nil {
		t.Fatalf("failed to play first recording: %v", err)
	}
	if st := svc.GetPlaybackStatus(); st.NowPlayingID != idA || !st.Playing {
		t.Fatalf("expected %s playing, got marker %q playing=%v", idA, st.NowPlayingID, st.Playing)
	}

	if err := svc.PlayRecording(ctx, env.owner, idB); err != nil {
		t.Fatalf("failed to play second recording: %v", err)
	}
	st := svc.GetPlaybackStatus()
	if st.NowPlayingID != idB {
		t.Errorf("expected marker %q, got %q", idB, st.NowPlayingID)
	}
	if !st.Playing {
		t.Error("second recording should be playing")
	}

	// Binding the second source tore the first stream down.
	if first := env.backend.output.stream(0); first == nil || !first.isClosed() {
		t.Error("first playback stream still open")
	}
}

func TestServiceClickWaveformSeeksPlayback(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	recordTake(t, env, time.Second)

	env.backend.output.setGate(true)
	if err := svc.PlayPreview(); err != nil {
		t.Fatalf("failed to play preview: %v", err)
	}
	if err := svc.PausePlayback(); err != nil {
		t.Fatalf("failed to pause: %v", err)
	}

	// Width 100, click at 50: halfway through the take.
	if err := svc.ClickWaveform(50); err != nil {
		t.Fatalf("failed to click waveform: %v", err)
	}

	st := svc.GetPlaybackStatus()
	if st.Fraction < 0.45 || st.Fraction > 0.55 {
		t.Errorf("playback fraction %.2f not near 0.5", st.Fraction)
	}
	if cursor := svc.WaveformFrame().Cursor; cursor < 0.45 || cursor > 0.55 {
		t.Errorf("waveform cursor %.2f not following the seek", cursor)
	}
}

func TestServiceSeekPlaybackClamps(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	recordTake(t, env, time.Second)

	env.backend.output.setGate(true)
	if err := svc.PlayPreview(); err != nil {
		t.Fatalf("failed to play preview: %v", err)
	}
	if err := svc.PausePlayback(); err != nil {
		t.Fatalf("failed to pause: %v", err)
	}

	if err := svc.SeekPlayback(1.5); err != nil {
		t.Fatalf("failed to seek: %v", err)
	}
	if f := svc.GetPlaybackStatus().Fraction; f != 1 {
		t.Errorf("expected clamped fraction 1.0, got %.2f", f)
	}
}

func TestServiceDeleteRecordingUnbindsPlayback(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc
	ctx := context.Background()

	id := saveTake(t, env, "take to delete", 300*time.Millisecond)

	env.backend.output.setGate(true)
	if err := svc.PlayRecording(ctx, env.owner, id); err != nil {
		t.Fatalf("failed to play recording: %v", err)
	}

	result, err := svc.DeleteRecording(ctx, env.owner, id)
	if err != nil {
		t.Fatalf("failed to delete recording: %v", err)
	}
	if !result.ObjectRemoved {
		t.Error("expected the audio object to be removed")
	}

	st := svc.GetPlaybackStatus()
	if st.Playing {
		t.Error("deleted recording still playing")
	}
	if st.NowPlayingID != "" {
		t.Errorf("playing marker %q not cleared by delete", st.NowPlayingID)
	}

	if _, err := svc.GetRecording(ctx, env.owner, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestServiceFetchRecordingAudio(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := saveTake(t, env, "stream me", 300*time.Millisecond)

	rec, data, err := env.svc.FetchRecordingAudio(ctx, env.owner, id)
	if err != nil {
		t.Fatalf("failed to fetch recording audio: %v", err)
	}
	if rec.ID != id {
		t.Errorf("expected recording %s, got %s", id, rec.ID)
	}
	if len(data) <= 44 {
		t.Fatalf("fetched %d bytes, want a WAV payload", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		t.Error("fetched object is not a WAV")
	}
}

func TestServiceResizeWaveform(t *testing.T) {
	env := newTestEnv(t)
	svc := env.svc

	if err := svc.ResizeWaveform(8, 8); err == nil {
		t.Fatal("expected tiny viewport to be rejected")
	}
	if err := svc.ResizeWaveform(640, 120); err != nil {
		t.Fatalf("failed to resize: %v", err)
	}
	frame := svc.WaveformFrame()
	if frame.Width != 640 || frame.Height != 120 {
		t.Errorf("frame is %dx%d after resize to 640x120", frame.Width, frame.Height)
	}
}

func TestServiceListsDevices(t *testing.T) {
	env := newTestEnv(t)

	mics, err := env.svc.ListCaptureDevices()
	if err != nil || len(mics) != 1 || mics[0].Name != "Test Microphone" {
		t.Errorf("unexpected capture devices %v, err %v", mics, err)
	}
	outs, err := env.svc.ListPlaybackDevices()
	if err != nil || len(outs) != 1 || outs[0].Name != "Test Speakers" {
		t.Errorf("unexpected playback devices %v, err %v", outs, err)
	}
	if env.svc.GetConfig().Capture.SampleRate != 8000 {
		t.Error("config not exposed")
	}
}
