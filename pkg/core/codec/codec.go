// Package codec holds the stateless audio conversions used by a call
// session: base64 payload decoding, WAV header stripping, PCM16 <-> float
// conversion and nearest-neighbour downsampling of capture audio.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// WAVHeaderSize is the fixed RIFF header length stripped from wav payloads.
// The header is skipped by offset, never parsed.
const WAVHeaderSize = 44

// DefaultTargetRate is the upstream sample rate expected by the call proxy.
const DefaultTargetRate = 8000

// ErrEmptyAudio is returned when a playback payload carries no audio.
var ErrEmptyAudio = errors.New("no audio data provided")

// DecodeBase64 decodes a standard base64 payload.
func DecodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, ErrEmptyAudio
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return b, nil
}

// StripWAVHeader drops the first WAVHeaderSize bytes.
func StripWAVHeader(b []byte) []byte {
	if len(b) <= WAVHeaderSize {
		return nil
	}
	return b[WAVHeaderSize:]
}

// BytesToPCM16 interprets b as little-endian signed 16-bit samples. A
// trailing odd byte is ignored.
func BytesToPCM16(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// PCM16ToBytes encodes samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// PCM16ToFloat32 normalises samples to [-1, 1).
func PCM16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// DecodePlayback runs the full playback decode: base64, optional WAV header
// strip, PCM16, float normalisation.
func DecodePlayback(payload, contentType string) ([]float32, error) {
	raw, err := DecodeBase64(payload)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(strings.TrimSpace(contentType), "wav") {
		raw = StripWAVHeader(raw)
	}
	samples := BytesToPCM16(raw)
	if len(samples) == 0 {
		return nil, ErrEmptyAudio
	}
	return PCM16ToFloat32(samples), nil
}

// DownsampledLength returns round(n / (sourceRate/targetRate)).
func DownsampledLength(n, sourceRate, targetRate int) int {
	if n <= 0 || sourceRate <= 0 || targetRate <= 0 {
		return 0
	}
	ratio := float64(sourceRate) / float64(targetRate)
	return int(roundHalfUp(float64(n) / ratio))
}

// Downsample converts float capture samples at sourceRate into PCM16 at
// targetRate by nearest-neighbour decimation. Output sample i is taken from
// input index floor(i*ratio), scaled by 32767 and clamped to the int16 range.
// No anti-alias filtering is applied.
func Downsample(in []float32, sourceRate, targetRate int) []int16 {
	n := DownsampledLength(len(in), sourceRate, targetRate)
	out := make([]int16, n)
	if n == 0 {
		return out
	}
	ratio := float64(sourceRate) / float64(targetRate)
	for i := 0; i < n; i++ {
		pos := int(math.Floor(float64(i) * ratio))
		if pos >= len(in) {
			pos = len(in) - 1
		}
		out[i] = clampPCM16(roundHalfUp(float64(in[pos]) * 32767))
	}
	return out
}

func clampPCM16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// roundHalfUp rounds .5 toward +Inf.
func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}

// DurationMS returns the playback length of n samples at sampleRate.
func DurationMS(n, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(n) * 1000 / int64(sampleRate)
}
