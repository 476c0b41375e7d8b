package waveform

import (
	"time"
)

// defaultFrameInterval approximates a 60 Hz display refresh.
const defaultFrameInterval = time.Second / 60

// FrameScheduler schedules one redraw callback at a time, standing in for a
// display refresh tick. fn fires at most once per Schedule call; the returned
// cancel prevents a pending fn from firing.
type FrameScheduler interface {
	Schedule(fn func()) (cancel func())
}

// TickerScheduler fires callbacks after a fixed display-frame interval.
type TickerScheduler struct {
	Interval time.Duration
}

// Schedule arms a single-fire timer for the next display frame.
func (s TickerScheduler) Schedule(fn func()) func() {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	timer := time.AfterFunc(interval, fn)
	return func() { timer.Stop() }
}
