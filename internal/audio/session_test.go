package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
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

type fakeStream struct {
	chunks chan []byte
	done   chan error

	mu     sync.Mutex
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		chunks: make(chan []byte, 64),
		done:   make(chan error, 1),
	}
}

func (f *fakeStream) Chunks() <-chan []byte { return f.chunks }
func (f *fakeStream) Done() <-chan error    { return f.done }

func (f *fakeStream) Close() error {
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

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) push(pcm []byte)    { f.chunks <- pcm }
func (f *fakeStream) failWith(err error) { f.done <- err }

type fakeDevice struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
	gate    chan struct{} // when set, Open blocks until the gate closes
}

func (d *fakeDevice) Open(cfg StreamConfig) (InputStream, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	stream := newFakeStream()
	d.streams = append(d.streams, stream)
	return stream, nil
}

func (d *fakeDevice) currentStream() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

func (d *fakeDevice) grantedStreams() []*fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeStream(nil), d.streams...)
}

func testStreamConfig() StreamConfig {
	return StreamConfig{SampleRate: 44100, Channels: 1}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session never reached %s, current: %s", want, s.State())
}

// eventCounter tallies terminal session events.
type eventCounter struct {
	mu      sync.Mutex
	stopped int
	failed  int
	last    *Artifact
}

func (c *eventCounter) observe(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.State {
	case StateStopped:
		c.stopped++
		c.last = ev.Artifact
	case StateFailed:
		c.failed++
	}
}

func (c *eventCounter) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, c.failed
}

func TestSessionProducesExactlyOneArtifact(t *testing.T) {
	clk := newFakeClock()
	dev := &fakeDevice{}
	sess := NewSession(dev, testStreamConfig(), WithClock(clk.Now))

	var events eventCounter
	unsubscribe := sess.Notify(events.observe)
	defer unsubscribe()

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, sess, StateRecording)

	dev.currentStream().push(pcmBytes(100, 441))
	dev.currentStream().push(pcmBytes(-100, 441))

	clk.Advance(2500 * time.Millisecond)

	artifact, err := sess.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if artifact == nil {
		t.Fatal("Stop returned no artifact")
	}
	if artifact.Duration != 2.5 {
		t.Errorf("expected duration 2.5, got %v", artifact.Duration)
	}
	if len(artifact.Bytes) == 0 {
		t.Error("artifact has no bytes")
	}
	if artifact.MIMEType != MIMETypeWAV {
		t.Errorf("expected MIME %s, got %s", MIMETypeWAV, artifact.MIMEType)
	}
	if got := len(wavData(artifact.Bytes)); got != 882*bytesPerSample {
		t.Errorf("expected %d PCM bytes, got %d", 882*bytesPerSample, got)
	}
	if sess.State() != StateStopped {
		t.Errorf("expected STOPPED, got %s", sess.State())
	}
	if sess.Elapsed() != 2500*time.Millisecond {
		t.Errorf("expected final elapsed 2.5s, got %s", sess.Elapsed())
	}

	stopped, failed := events.counts()
	if stopped != 1 {
		t.Errorf("expected exactly one stopped event, got %d", stopped)
	}
	if failed != 0 {
		t.Errorf("expected no failed events, got %d", failed)
	}

	// A second stop must be rejected and must not fire another event.
	if _, err := sess.Stop(); err == nil {
		t.Error("expected error stopping a stopped session")
	}
	stopped, _ = events.counts()
	if stopped != 1 {
		t.Errorf("second stop produced another event, total %d", stopped)
	}
}

func TestSessionRejectsSecondStartWhileRecording(t *testing.T) {
	clk := newFakeClock()
	dev := &fakeDevice{}
	sess := NewSession(dev, testStreamConfig(), WithClock(clk.Now))

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, sess, StateRecording)

	dev.currentStream().push(pcmBytes(7, 100))

	if err := sess.Start(); err == nil {
		t.Fatal("expected error starting a recording session")
	}
	if sess.State() != StateRecording {
		t.Errorf("rejected start corrupted state: %s", sess.State())
	}

	clk.Advance(time.Second)
	artifact, err := sess.Stop()
	if err != nil {
		t.Fatalf("Stop failed after rejected start: %v", err)
	}
	if got := len(wavData(artifact.Bytes)); got != 100*bytesPerSample {
		t.Errorf("first session lost chunks: %d PCM bytes", got)
	}
}

func TestSessionPermissionDenied(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("device busy")}
	sess := NewSession(dev, testStreamConfig(), WithClock(newFakeClock().Now))

	var events eventCounter
	defer sess.Notify(events.observe)()

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, sess, StateFailed)

	if !errors.Is(sess.Err(), ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", sess.Err())
	}
	if _, err := sess.Stop(); err == nil {
		t.Error("expected error stopping a failed session")
	}

	// The caller may retry by starting again.
	dev.mu.Lock()
	dev.openErr = nil
	dev.mu.Unlock()

	if err := sess.Start(); err != nil {
		t.Fatalf("restart after failure rejected: %v", err)
	}
	waitForState(t, sess, StateRecording)

	stopped, _ := events.counts()
	if stopped != 0 {
		t.Errorf("failure path fired %d stopped events", stopped)
	}
}

func TestSessionDeviceFailureYieldsNoArtifact(t *testing.T) {
	clk := newFakeClock()
	dev := &fakeDevice{}
	sess := NewSession(dev, testStreamConfig(), WithClock(clk.Now))

	var events eventCounter
	defer sess.Notify(events.observe)()

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, sess, StateRecording)

	dev.currentStream().push(pcmBytes(5, 10))
	dev.currentStream().failWith(errors.New("stream ended unexpectedly"))
	waitForState(t, sess, StateFailed)

	if !errors.Is(sess.Err(), ErrDeviceFailure) {
		t.Errorf("expected ErrDeviceFailure, got %v", sess.Err())
	}

	deadline := time.Now().Add(2 * time.Second)
	for !dev.currentStream().isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("failed session did not release the stream")
		}
		time.Sleep(2 * time.Millisecond)
	}

	stopped, failed := events.counts()
	if stopped != 0 {
		t.Errorf("device failure fired %d stopped events", stopped)
	}
	if failed != 1 {
		t.Errorf("expected one failed event, got %d", failed)
	}
	if _, err := sess.Stop(); err == nil {
		t.Error("expected error stopping a failed session")
	}
}

func TestSessionStopWhileRequestingReleasesStream(t *testing.T) {
	gate := make(chan struct{})
	dev := &fakeDevice{gate: gate}
	sess := NewSession(dev, testStreamConfig(), WithClock(newFakeClock().Now))

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.State() != StateRequesting {
		t.Fatalf("expected REQUESTING, got %s", sess.State())
	}

	artifact, err := sess.Stop()
	if err != nil {
		t.Fatalf("Stop while requesting failed: %v", err)
	}
	if artifact != nil {
		t.Error("stop while requesting produced an artifact")
	}
	if sess.State() != StateIdle {
		t.Errorf("expected IDLE, got %s", sess.State())
	}

	// Let the pending device request complete; the granted stream must be
	// released immediately.
	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := dev.currentStream(); s != nil && s.isClosed() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("granted stream was not released after abandoned request")
}

func TestSessionRestartAfterAbandonedRequestReleasesStaleStream(t *testing.T) {
	clk := newFakeClock()
	gate := make(chan struct{})
	dev := &fakeDevice{gate: gate}
	sess := NewSession(dev, testStreamConfig(), WithClock(clk.Now))

	var events eventCounter
	defer sess.Notify(events.observe)()

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := sess.Stop(); err != nil {
		t.Fatalf("Stop while requesting failed: %v", err)
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("restart after abandoned request failed: %v", err)
	}

	// Both pending device requests resolve now. The first one was abandoned,
	// so its stream must be released; the second one records.
	close(gate)
	waitForState(t, sess, StateRecording)

	var live *fakeStream
	deadline := time.Now().Add(2 * time.Second)
	for live == nil {
		if time.Now().After(deadline) {
			t.Fatal("stale stream was not released after restart")
		}
		streams := dev.grantedStreams()
		open := make([]*fakeStream, 0, len(streams))
		for _, st := range streams {
			if !st.isClosed() {
				open = append(open, st)
			}
		}
		if len(streams) == 2 && len(open) < 2 {
			if len(open) == 0 {
				t.Fatal("restart left no live stream")
			}
			live = open[0]
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	live.push(pcmBytes(42, 441))
	clk.Advance(time.Second)

	artifact, err := sess.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := len(wavData(artifact.Bytes)); got != 441*bytesPerSample {
		t.Errorf("expected %d PCM bytes from the live stream, got %d", 441*bytesPerSample, got)
	}

	for i, st := range dev.grantedStreams() {
		if !st.isClosed() {
			t.Errorf("granted stream %d left open after stop", i)
		}
	}
	stopped, failed := events.counts()
	if stopped != 1 || failed != 0 {
		t.Errorf("expected one stopped and no failed events, got stopped=%d failed=%d", stopped, failed)
	}
}

func TestSessionElapsedUsesWallClockNotTicks(t *testing.T) {
	clk := newFakeClock()
	dev := &fakeDevice{}
	// A tick interval far longer than the test: elapsed must not depend on it.
	sess := NewSession(dev, testStreamConfig(), WithClock(clk.Now), WithTickInterval(time.Hour))

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, sess, StateRecording)

	clk.Advance(700 * time.Millisecond)
	if got := sess.Elapsed(); got != 700*time.Millisecond {
		t.Errorf("expected 700ms elapsed, got %s", got)
	}

	clk.Advance(300 * time.Millisecond)
	artifact, err := sess.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if artifact.Duration != 1.0 {
		t.Errorf("expected duration 1.0, got %v", artifact.Duration)
	}
}

func TestSessionResetReturnsToIdle(t *testing.T) {
	clk := newFakeClock()
	dev := &fakeDevice{}
	sess := NewSession(dev, testStreamConfig(), WithClock(clk.Now))

	if err := sess.Reset(); err != nil {
		t.Errorf("reset of idle session failed: %v", err)
	}

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, sess, StateRecording)

	if err := sess.Reset(); err == nil {
		t.Error("expected error resetting a recording session")
	}

	if _, err := sess.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := sess.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if sess.State() != StateIdle {
		t.Errorf("expected IDLE after reset, got %s", sess.State())
	}

	if err := sess.Start(); err != nil {
		t.Errorf("restart after reset failed: %v", err)
	}
	waitForState(t, sess, StateRecording)
}

func TestSessionNotifyUnsubscribe(t *testing.T) {
	dev := &fakeDevice{}
	sess := NewSession(dev, testStreamConfig(), WithClock(newFakeClock().Now))

	var events eventCounter
	unsubscribe := sess.Notify(events.observe)
	unsubscribe()

	if err := sess.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForState(t, sess, StateRecording)
	if _, err := sess.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stopped, failed := events.counts()
	if stopped != 0 || failed != 0 {
		t.Errorf("unsubscribed observer still received events: stopped=%d failed=%d", stopped, failed)
	}
}
