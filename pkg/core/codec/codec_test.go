package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"math"
	"testing"
)

func TestDownsample_OutputLengthIsRoundedRatio(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n, src, dst int
	}{
		{1024, 44100, 8000},
		{1024, 48000, 8000},
		{4096, 48000, 16000},
		{1, 44100, 8000},
		{7, 22050, 8000},
		{1000, 8000, 8000},
		{333, 16000, 8000},
	}
	for _, tc := range cases {
		in := make([]float32, tc.n)
		got := len(Downsample(in, tc.src, tc.dst))
		want := int(math.Floor(float64(tc.n)/(float64(tc.src)/float64(tc.dst)) + 0.5))
		if got != want {
			t.Fatalf("len(Downsample(%d, %d->%d))=%d, want %d", tc.n, tc.src, tc.dst, got, want)
		}
	}
}

func TestDownsample_PicksFloorIndexAndScales(t *testing.T) {
	t.Parallel()

	// ratio 3: output i reads input 3i.
	in := []float32{0.5, 9, 9, -0.5, 9, 9, 1, 9, 9}
	got := Downsample(in, 24000, 8000)
	want := []int16{16384, -16383, 32767}
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("out[%d]=%d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownsample_ClampsToPCM16Range(t *testing.T) {
	t.Parallel()

	in := make([]float32, 4410)
	for i := range in {
		switch i % 4 {
		case 0:
			in[i] = 5
		case 1:
			in[i] = -5
		case 2:
			in[i] = float32(math.NaN())
		default:
			in[i] = -1
		}
	}
	for _, s := range Downsample(in, 44100, 8000) {
		if s < math.MinInt16 || s > math.MaxInt16 {
			t.Fatalf("sample %d outside int16 range", s)
		}
	}

	got := Downsample([]float32{2, -2}, 8000, 8000)
	if got[0] != 32767 || got[1] != -32768 {
		t.Fatalf("clamp=%v, want [32767 -32768]", got)
	}
}

func TestDownsample_DegenerateInputs(t *testing.T) {
	t.Parallel()

	if got := Downsample(nil, 44100, 8000); len(got) != 0 {
		t.Fatalf("nil input produced %d samples", len(got))
	}
	if got := Downsample([]float32{1, 2}, 0, 8000); len(got) != 0 {
		t.Fatalf("zero source rate produced %d samples", len(got))
	}
}

func TestDecodePlayback_StripsWAVHeaderAndNormalises(t *testing.T) {
	t.Parallel()

	pcm := PCM16ToBytes([]int16{0, 16384, -32768})
	// The header is skipped by offset, not parsed.
	wav := append(bytes.Repeat([]byte{0xff}, WAVHeaderSize), pcm...)

	got, err := DecodePlayback(base64.StdEncoding.EncodeToString(wav), "wav")
	if err != nil {
		t.Fatalf("DecodePlayback error: %v", err)
	}
	want := []float32{0, 0.5, -1}
	if len(got) != len(want) {
		t.Fatalf("samples=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample[%d]=%v, want %v", i, got[i], want[i])
		}
	}

	raw, err := DecodePlayback(base64.StdEncoding.EncodeToString(pcm), "pcm")
	if err != nil {
		t.Fatalf("DecodePlayback raw error: %v", err)
	}
	if len(raw) != 3 {
		t.Fatalf("raw samples=%d, want 3", len(raw))
	}
}

func TestDecodePlayback_EmptyPayload(t *testing.T) {
	t.Parallel()

	if _, err := DecodePlayback("", "pcm"); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("err=%v, want ErrEmptyAudio", err)
	}
	header := base64.StdEncoding.EncodeToString(make([]byte, WAVHeaderSize))
	if _, err := DecodePlayback(header, "wav"); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("header-only wav err=%v, want ErrEmptyAudio", err)
	}
	if _, err := DecodePlayback("!!not base64!!", "pcm"); err == nil {
		t.Fatalf("expected base64 error")
	}
}

func TestBytesToPCM16_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()

	got := BytesToPCM16([]byte{0x01, 0x00, 0xff, 0xff, 0x7f})
	if len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Fatalf("samples=%v, want [1 -1]", got)
	}
}

func TestDurationMS(t *testing.T) {
	t.Parallel()

	if got := DurationMS(24000, 24000); got != 1000 {
		t.Fatalf("DurationMS=%d, want 1000", got)
	}
	if got := DurationMS(160, 8000); got != 20 {
		t.Fatalf("DurationMS=%d, want 20", got)
	}
	if got := DurationMS(10, 0); got != 0 {
		t.Fatalf("DurationMS with zero rate=%d", got)
	}
}
