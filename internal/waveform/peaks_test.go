package waveform

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcmFromSamples(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBuildPeaksKnownValues(t *testing.T) {
	pcm := pcmFromSamples(16384, -16384, 32767, -32768)

	peaks := BuildPeaks(pcm, 2)
	if len(peaks) != 2 {
		t.Fatalf("expected 2 peaks, got %d", len(peaks))
	}
	if !almostEqual(peaks[0].Max, 0.5) || !almostEqual(peaks[0].Min, -0.5) {
		t.Errorf("column 0: expected [-0.5, 0.5], got [%v, %v]", peaks[0].Min, peaks[0].Max)
	}
	if !almostEqual(peaks[1].Max, 32767.0/32768.0) || !almostEqual(peaks[1].Min, -1.0) {
		t.Errorf("column 1: expected [-1, ~1], got [%v, %v]", peaks[1].Min, peaks[1].Max)
	}
}

func TestBuildPeaksLastColumnTakesRemainder(t *testing.T) {
	// 5 samples over 2 columns: the last column covers samples 2..4.
	pcm := pcmFromSamples(0, 0, 0, 0, 16384)

	peaks := BuildPeaks(pcm, 2)
	if len(peaks) != 2 {
		t.Fatalf("expected 2 peaks, got %d", len(peaks))
	}
	if !almostEqual(peaks[1].Max, 0.5) {
		t.Errorf("last column missed the trailing sample: %+v", peaks[1])
	}
}

func TestBuildPeaksEmptyPCM(t *testing.T) {
	peaks := BuildPeaks(nil, 4)
	if len(peaks) != 4 {
		t.Fatalf("expected 4 flat peaks, got %d", len(peaks))
	}
	for i, p := range peaks {
		if p.Min != 0 || p.Max != 0 {
			t.Errorf("column %d not flat: %+v", i, p)
		}
	}
}

func TestBuildPeaksMoreColumnsThanSamples(t *testing.T) {
	pcm := pcmFromSamples(16384, -16384)

	peaks := BuildPeaks(pcm, 6)
	if len(peaks) != 6 {
		t.Fatalf("expected 6 peaks, got %d", len(peaks))
	}
	if !almostEqual(peaks[0].Max, 0.5) {
		t.Errorf("column 0 wrong: %+v", peaks[0])
	}
	if !almostEqual(peaks[1].Min, -0.5) {
		t.Errorf("column 1 wrong: %+v", peaks[1])
	}
	for i := 2; i < 6; i++ {
		if peaks[i].Min != 0 || peaks[i].Max != 0 {
			t.Errorf("column %d beyond samples not flat: %+v", i, peaks[i])
		}
	}
}

func TestBuildPeaksZeroColumns(t *testing.T) {
	if peaks := BuildPeaks(pcmFromSamples(1, 2, 3), 0); peaks != nil {
		t.Errorf("expected nil for zero columns, got %v", peaks)
	}
}
