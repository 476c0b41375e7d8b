package waveform

import (
	"encoding/binary"
)

// Peak holds the normalized amplitude extremes of one trace column, in
// [-1, 1].
type Peak struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// BuildPeaks reduces 16-bit little-endian PCM to per-column amplitude
// extremes, one Peak per requested column. Columns beyond the available
// samples stay flat at zero.
func BuildPeaks(pcm []byte, columns int) []Peak {
	if columns <= 0 {
		return nil
	}

	peaks := make([]Peak, columns)
	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return peaks
	}

	perColumn := sampleCount / columns
	if perColumn < 1 {
		perColumn = 1
	}

	for col := 0; col < columns; col++ {
		start := col * perColumn
		if start >= sampleCount {
			break
		}
		end := start + perColumn
		if col == columns-1 || end > sampleCount {
			end = sampleCount
		}

		min, max := 1.0, -1.0
		for i := start; i < end; i++ {
			s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
			v := float64(s) / 32768.0
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		peaks[col] = Peak{Min: min, Max: max}
	}
	return peaks
}
