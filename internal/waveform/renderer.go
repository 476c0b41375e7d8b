package waveform

import (
	"fmt"
	"math"
	"sync"

	"github.com/audiolibrelab/voicenote/internal/audio"
)

// Mode identifies what the renderer is drawing.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeLive    Mode = "live"
	ModeDecoded Mode = "decoded"
)

// Point is one polyline vertex in surface coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Column is one pixel column of the decoded amplitude trace, in surface
// coordinates (top <= bottom).
type Column struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// Frame is a snapshot of what the renderer would draw.
type Frame struct {
	Mode     Mode     `json:"mode"`
	Width    int      `json:"width"`
	Height   int      `json:"height"`
	Polyline []Point  `json:"polyline,omitempty"` // live and idle modes
	Columns  []Column `json:"columns,omitempty"`  // decoded mode
	Cursor   float64  `json:"cursor"`             // playback fraction, decoded mode
	Duration float64  `json:"duration,omitempty"` // artifact seconds, decoded mode
}

// idlePoints is the vertex count of the idle placeholder curve.
const idlePoints = 64

// Renderer turns live tap frames, decoded artifacts or nothing at all into
// drawable traces. The mode follows the attached inputs: a live tap wins over
// a loaded artifact, a loaded artifact over the idle placeholder.
type Renderer struct {
	sched FrameScheduler

	mu          sync.Mutex
	width       int
	height      int
	live        bool
	liveGen     uint64
	tap         *audio.Tap
	polyline    []Point
	cancelFrame func()

	pcm      []byte
	peaks    []Peak
	duration float64
	cursor   float64

	idlePhase int
	onSeek    func(fraction float64) error
}

// NewRenderer creates a renderer for a width x height surface.
func NewRenderer(width, height int, sched FrameScheduler) *Renderer {
	if sched == nil {
		sched = TickerScheduler{}
	}
	return &Renderer{
		sched:  sched,
		width:  width,
		height: height,
	}
}

// AttachLive switches to live mode, drawing the tap on every display frame
// until DetachLive is called.
func (r *Renderer) AttachLive(tap *audio.Tap) {
	r.mu.Lock()
	if r.live && r.tap == tap {
		r.mu.Unlock()
		return
	}
	r.live = true
	r.tap = tap
	r.liveGen++
	gen := r.liveGen
	cancel := r.cancelFrame
	r.cancelFrame = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.renderLiveFrame(gen)
}

// DetachLive leaves live mode and cancels any scheduled redraw. The mode
// falls back to decoded if an artifact is loaded, idle otherwise.
func (r *Renderer) DetachLive() {
	r.mu.Lock()
	r.live = false
	r.liveGen++
	r.tap = nil
	r.polyline = nil
	cancel := r.cancelFrame
	r.cancelFrame = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// renderLiveFrame draws the current tap buffer and requests the next display
// frame. A stale generation means live mode was detached or restarted after
// this frame was scheduled; it must not draw or reschedule.
func (r *Renderer) renderLiveFrame(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.live || r.tap == nil || gen != r.liveGen {
		return
	}

	samples := r.tap.Frame()
	n := len(samples)
	w := float64(r.width)
	h := float64(r.height)

	polyline := make([]Point, n)
	for i, sample := range samples {
		v := float64(sample) / 128.0
		polyline[i] = Point{
			X: float64(i) * (w / float64(n)),
			Y: v * (h / 2),
		}
	}
	r.polyline = polyline

	r.cancelFrame = r.sched.Schedule(func() { r.renderLiveFrame(gen) })
}

// LoadArtifact decodes an artifact for the static amplitude trace. While live
// mode is active the trace becomes visible once the capture ends.
func (r *Renderer) LoadArtifact(art *audio.Artifact) error {
	if art == nil {
		return fmt.Errorf("no artifact to load")
	}
	pcm, _, err := audio.DecodeWAV(art.Bytes)
	if err != nil {
		return fmt.Errorf("failed to decode artifact: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcm = pcm
	r.peaks = BuildPeaks(pcm, r.width)
	r.duration = art.Duration
	r.cursor = 0
	return nil
}

// ClearArtifact drops the decoded trace, returning to the idle placeholder.
func (r *Renderer) ClearArtifact() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcm = nil
	r.peaks = nil
	r.duration = 0
	r.cursor = 0
}

// Resize recomputes surface dimensions. The decoded trace re-renders from the
// retained artifact samples; live mode picks the new dimensions up on the
// next frame.
func (r *Renderer) Resize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.width = width
	r.height = height
	if r.pcm != nil {
		r.peaks = BuildPeaks(r.pcm, width)
	}
}

// SetSeekHandler wires user-driven waveform seeks to the playback side.
func (r *Renderer) SetSeekHandler(fn func(fraction float64) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSeek = fn
}

// SetCursor moves the progress cursor to a playback fraction in [0, 1].
func (r *Renderer) SetCursor(fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = clampFraction(fraction)
}

// ClickAt maps a surface x coordinate to a playback fraction, moves the
// cursor and forwards the seek to the playback handler.
func (r *Renderer) ClickAt(x float64) error {
	r.mu.Lock()
	if r.modeLocked() != ModeDecoded {
		mode := r.modeLocked()
		r.mu.Unlock()
		return fmt.Errorf("waveform is not seekable in %s mode", mode)
	}
	fraction := clampFraction(x / float64(r.width))
	r.cursor = fraction
	onSeek := r.onSeek
	r.mu.Unlock()

	if onSeek != nil {
		return onSeek(fraction)
	}
	return nil
}

// Mode returns the active mode.
func (r *Renderer) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modeLocked()
}

func (r *Renderer) modeLocked() Mode {
	if r.live {
		return ModeLive
	}
	if r.peaks != nil {
		return ModeDecoded
	}
	return ModeIdle
}

// Frame snapshots the current drawable state. In idle mode each call advances
// the placeholder animation by one phase step.
func (r *Renderer) Frame() Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	frame := Frame{
		Mode:   r.modeLocked(),
		Width:  r.width,
		Height: r.height,
	}

	switch frame.Mode {
	case ModeLive:
		frame.Polyline = append([]Point(nil), r.polyline...)

	case ModeDecoded:
		h := float64(r.height)
		cols := make([]Column, len(r.peaks))
		for i, p := range r.peaks {
			cols[i] = Column{
				Top:    (1 - p.Max) * (h / 2),
				Bottom: (1 - p.Min) * (h / 2),
			}
		}
		frame.Columns = cols
		frame.Cursor = r.cursor
		frame.Duration = r.duration

	case ModeIdle:
		frame.Polyline = r.idlePolyline()
		r.idlePhase++
	}

	return frame
}

// idlePolyline draws the decorative placeholder: a faint ripple around the
// center line whose phase advances per observed frame.
func (r *Renderer) idlePolyline() []Point {
	w := float64(r.width)
	h := float64(r.height)
	phase := float64(r.idlePhase) * 0.2

	points := make([]Point, idlePoints)
	for i := range points {
		t := float64(i) / float64(idlePoints-1)
		points[i] = Point{
			X: t * w,
			Y: h/2 + math.Sin(2*math.Pi*t+phase)*(h*0.05),
		}
	}
	return points
}

func clampFraction(f float64) float64 {
	if f < 0 || math.IsNaN(f) {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
