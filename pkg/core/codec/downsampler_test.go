package codec

import (
	"sync"
	"testing"
	"time"
)

func TestDownsampler_PreservesSubmissionOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []int16
	d, err := NewDownsampler(16000, 8000, 256, func(frame []int16) {
		mu.Lock()
		got = append(got, frame[0])
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewDownsampler: %v", err)
	}

	const blocks = 100
	for i := 0; i < blocks; i++ {
		v := float32(i) / 32767
		if !d.Submit([]float32{v, v, v, v}) {
			t.Fatalf("submit %d rejected", i)
		}
	}
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != blocks {
		t.Fatalf("frames=%d, want %d", len(got), blocks)
	}
	for i, v := range got {
		if int(v) != i {
			t.Fatalf("frame %d carried %d; order not preserved", i, v)
		}
	}
	if d.Processed() != blocks {
		t.Fatalf("processed=%d, want %d", d.Processed(), blocks)
	}
}

func TestDownsampler_SubmitNeverBlocksWhenWorkerIsSlow(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	d, err := NewDownsampler(8000, 8000, 2, func([]int16) { <-release })
	if err != nil {
		t.Fatalf("NewDownsampler: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			d.Submit([]float32{0.1})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Submit blocked on a slow worker")
	}
	if d.Dropped() == 0 {
		t.Fatalf("expected dropped blocks with a full queue")
	}

	close(release)
	d.Close()
}

func TestDownsampler_CopiesSubmittedBlock(t *testing.T) {
	t.Parallel()

	out := make(chan []int16, 1)
	d, err := NewDownsampler(8000, 8000, 1, func(f []int16) { out <- f })
	if err != nil {
		t.Fatalf("NewDownsampler: %v", err)
	}
	block := []float32{0.5}
	d.Submit(block)
	block[0] = -0.5
	d.Close()

	frame := <-out
	if frame[0] != 16384 {
		t.Fatalf("frame=%v; worker observed caller mutation", frame)
	}
}

func TestDownsampler_SubmitAfterCloseIsRejected(t *testing.T) {
	t.Parallel()

	d, err := NewDownsampler(8000, 8000, 1, func([]int16) {})
	if err != nil {
		t.Fatalf("NewDownsampler: %v", err)
	}
	d.Close()
	d.Close()
	if d.Submit([]float32{0.1}) {
		t.Fatalf("submit after close accepted")
	}
}

func TestNewDownsampler_ValidatesArguments(t *testing.T) {
	t.Parallel()

	if _, err := NewDownsampler(0, 8000, 1, func([]int16) {}); err == nil {
		t.Fatalf("expected rate error")
	}
	if _, err := NewDownsampler(8000, 8000, 1, nil); err == nil {
		t.Fatalf("expected nil callback error")
	}
}
