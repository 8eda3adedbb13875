// Package device provides the ffmpeg microphone and ffplay speaker used by
// the callstream CLI. Both exchange 32-bit float little-endian mono PCM with
// the child process.
package device

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"go.uber.org/zap"

	callstream "github.com/vango-go/callstream/sdk"
)

const bytesPerSample = 4

// Mic captures from the default input device through ffmpeg.
type Mic struct {
	Path string
	Rate int
	// InputFormat and InputDevice override the per-platform ffmpeg input
	// (avfoundation ":0" on darwin, pulse "default" on linux).
	InputFormat string
	InputDevice string
	Logger      *zap.Logger
}

func (m *Mic) path() string {
	if m.Path == "" {
		return "ffmpeg"
	}
	return m.Path
}

// Open starts ffmpeg. The returned source reads until Close kills it.
func (m *Mic) Open(ctx context.Context) (callstream.CaptureSource, error) {
	if m.Rate <= 0 {
		return nil, fmt.Errorf("mic sample rate must be > 0, got %d", m.Rate)
	}
	if _, err := exec.LookPath(m.path()); err != nil {
		return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micArgs(runtime.GOOS, m.InputFormat, m.InputDevice, m.Rate)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(m.path(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	if m.Logger != nil {
		m.Logger.Debug("mic capture started", zap.Strings("args", args))
	}
	src := newSource(stdout, m.Rate)
	src.kill = func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}
	return src, nil
}

func micArgs(goos, format, device string, rate int) ([]string, error) {
	if format == "" || device == "" {
		switch goos {
		case "darwin":
			format, device = defaultString(format, "avfoundation"), defaultString(device, ":0")
		case "linux":
			format, device = defaultString(format, "pulse"), defaultString(device, "default")
		default:
			return nil, fmt.Errorf("mic capture is not implemented for %s; set an explicit input format and device", goos)
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", device,
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "f32le", "-",
	}, nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// source decodes f32le samples from a byte stream.
type source struct {
	r     *bufio.Reader
	rate  int
	raw   []byte
	kill  func()
	close sync.Once
}

func newSource(r io.Reader, rate int) *source {
	return &source{r: bufio.NewReaderSize(r, 64<<10), rate: rate}
}

func (s *source) SampleRate() int { return s.rate }

func (s *source) ReadBlock(buf []float32) (int, error) {
	need := len(buf) * bytesPerSample
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]
	n, err := io.ReadFull(s.r, raw)
	samples := n / bytesPerSample
	for i := 0; i < samples; i++ {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*bytesPerSample:]))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return samples, err
}

func (s *source) Close() error {
	s.close.Do(func() {
		if s.kill != nil {
			s.kill()
		}
	})
	return nil
}

// Speaker plays each buffer with a fresh ffplay process.
type Speaker struct {
	Path   string
	Logger *zap.Logger
}

func (p *Speaker) path() string {
	if p.Path == "" {
		return "ffplay"
	}
	return p.Path
}

func (p *Speaker) Play(ctx context.Context, samples []float32, sampleRate int) (callstream.Playback, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("playback sample rate must be > 0, got %d", sampleRate)
	}
	if _, err := exec.LookPath(p.path()); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	cmd := exec.Command(p.path(),
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "f32le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffplay: %w", err)
	}

	pb := &playback{cmd: cmd, done: make(chan struct{})}
	go func() {
		_, werr := stdin.Write(encodeF32(samples))
		_ = stdin.Close()
		if werr != nil && p.Logger != nil {
			p.Logger.Debug("ffplay write failed", zap.Error(werr))
		}
	}()
	go func() {
		_ = cmd.Wait()
		close(pb.done)
	}()
	return pb, nil
}

type playback struct {
	cmd  *exec.Cmd
	done chan struct{}
	stop sync.Once
}

func (pb *playback) Done() <-chan struct{} { return pb.done }

func (pb *playback) Stop() {
	pb.stop.Do(func() {
		if pb.cmd.Process != nil {
			_ = pb.cmd.Process.Kill()
		}
		<-pb.done
	})
}

func encodeF32(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*bytesPerSample:], math.Float32bits(s))
	}
	return out
}
