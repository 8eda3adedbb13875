package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestMicArgs_PerPlatform(t *testing.T) {
	t.Parallel()

	args, err := micArgs("linux", "", "", 48000)
	if err != nil {
		t.Fatalf("linux: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-f pulse -i default") || !strings.Contains(joined, "-ar 48000") || !strings.HasSuffix(joined, "-f f32le -") {
		t.Fatalf("linux args=%q", joined)
	}

	args, err = micArgs("darwin", "", "", 16000)
	if err != nil {
		t.Fatalf("darwin: %v", err)
	}
	if joined := strings.Join(args, " "); !strings.Contains(joined, "-f avfoundation -i :0") {
		t.Fatalf("darwin args=%q", joined)
	}

	if _, err := micArgs("plan9", "", "", 16000); err == nil {
		t.Fatalf("expected unsupported platform error")
	}
	args, err = micArgs("plan9", "alsa", "hw:1", 16000)
	if err != nil {
		t.Fatalf("explicit device: %v", err)
	}
	if joined := strings.Join(args, " "); !strings.Contains(joined, "-f alsa -i hw:1") {
		t.Fatalf("explicit args=%q", joined)
	}
}

func TestSource_DecodesFloatBlocks(t *testing.T) {
	t.Parallel()

	want := []float32{0, 0.5, -1, 0.25, 0.75}
	src := newSource(bytes.NewReader(encodeF32(want)), 8000)

	buf := make([]float32, 3)
	n, err := src.ReadBlock(buf)
	if err != nil || n != 3 {
		t.Fatalf("first block n=%d err=%v", n, err)
	}
	for i := 0; i < 3; i++ {
		if buf[i] != want[i] {
			t.Fatalf("sample %d=%v, want %v", i, buf[i], want[i])
		}
	}

	n, err = src.ReadBlock(buf)
	if !errors.Is(err, io.EOF) || n != 2 || buf[0] != 0.25 || buf[1] != 0.75 {
		t.Fatalf("short block n=%d err=%v buf=%v", n, err, buf)
	}
	if src.SampleRate() != 8000 {
		t.Fatalf("rate=%d", src.SampleRate())
	}
}

func TestSource_CloseRunsKillOnce(t *testing.T) {
	t.Parallel()

	src := newSource(bytes.NewReader(nil), 8000)
	kills := 0
	src.kill = func() { kills++ }
	_ = src.Close()
	_ = src.Close()
	if kills != 1 {
		t.Fatalf("kills=%d, want 1", kills)
	}
}

func TestMicAndSpeaker_MissingBinary(t *testing.T) {
	t.Parallel()

	mic := &Mic{Path: "callstream-no-such-ffmpeg", Rate: 16000}
	if _, err := mic.Open(context.Background()); err == nil || !strings.Contains(err.Error(), "ffmpeg is required") {
		t.Fatalf("mic err=%v", err)
	}
	if _, err := (&Mic{Rate: 0}).Open(context.Background()); err == nil {
		t.Fatalf("expected rate error")
	}

	sp := &Speaker{Path: "callstream-no-such-ffplay"}
	if _, err := sp.Play(context.Background(), []float32{0}, 24000); err == nil || !strings.Contains(err.Error(), "ffplay is required") {
		t.Fatalf("speaker err=%v", err)
	}
}

func TestSpeaker_DoneClosesWhenProcessExits(t *testing.T) {
	t.Parallel()

	// Any binary that drains stdin and exits stands in for ffplay.
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}
	pb, err := (&Speaker{Path: path}).Play(context.Background(), []float32{0.1, 0.2}, 24000)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-pb.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("playback never finished")
	}
	pb.Stop()
}
