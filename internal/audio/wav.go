package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	bytesPerSample = 2
	bitsPerSample  = 16
	pcmFormat      = 1

	wavHeaderSize = 44

	// MIMETypeWAV is the MIME type of every artifact this package produces.
	MIMETypeWAV = "audio/wav"
)

// Artifact is the immutable result of one completed capture session.
type Artifact struct {
	Bytes      []byte
	MIMEType   string
	Duration   float64 // seconds
	SampleRate int
	Channels   int
}

// EncodeWAV wraps raw 16-bit little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, cfg StreamConfig) ([]byte, error) {
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, fmt.Errorf("invalid stream config: sample_rate=%d channels=%d", cfg.SampleRate, cfg.Channels)
	}

	var buf bytes.Buffer
	dataSize := uint32(len(pcm))
	byteRate := uint32(cfg.SampleRate * cfg.Channels * bytesPerSample)
	blockAlign := uint16(cfg.Channels * bytesPerSample)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(cfg.Channels))
	binary.Write(&buf, binary.LittleEndian, uint32(cfg.SampleRate))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, blockAlign)
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// DecodeWAV extracts the PCM payload and format from a WAV container. Only
// 16-bit PCM is supported; chunks other than fmt and data are skipped.
func DecodeWAV(wav []byte) ([]byte, StreamConfig, error) {
	var cfg StreamConfig

	if len(wav) < wavHeaderSize {
		return nil, cfg, fmt.Errorf("wav payload too short: %d bytes", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, cfg, fmt.Errorf("not a RIFF/WAVE payload")
	}

	var pcm []byte
	haveFmt := false
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(wav) {
			chunkSize = len(wav) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, cfg, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			if format != pcmFormat {
				return nil, cfg, fmt.Errorf("unsupported wav format: %d", format)
			}
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if bits != bitsPerSample {
				return nil, cfg, fmt.Errorf("unsupported sample depth: %d bits", bits)
			}
			cfg.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			cfg.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			haveFmt = true
		case "data":
			pcm = wav[body : body+chunkSize]
		}

		// Chunks are word-aligned.
		if chunkSize%2 == 1 {
			chunkSize++
		}
		offset = body + chunkSize
	}

	if !haveFmt {
		return nil, cfg, fmt.Errorf("wav payload has no fmt chunk")
	}
	if pcm == nil {
		return nil, cfg, fmt.Errorf("wav payload has no data chunk")
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, cfg, fmt.Errorf("invalid wav format: sample_rate=%d channels=%d", cfg.SampleRate, cfg.Channels)
	}
	return pcm, cfg, nil
}

// PCMDuration returns the play time of n bytes of PCM in the given format.
func PCMDuration(n int, cfg StreamConfig) time.Duration {
	rate := cfg.BytesPerSecond()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(rate) * float64(time.Second))
}
