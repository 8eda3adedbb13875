package codec

import (
	"errors"
	"sync"
	"sync/atomic"
)

const defaultQueueSize = 64

// Downsampler runs Downsample on its own goroutine so the capture loop never
// waits on conversion. Blocks are converted and handed to the output
// callback in submission order.
type Downsampler struct {
	sourceRate int
	targetRate int
	out        func([]int16)

	in   chan []float32
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	processed atomic.Int64
	dropped   atomic.Int64
}

// NewDownsampler starts a worker converting sourceRate blocks to targetRate.
// queueSize bounds the number of pending blocks; <= 0 selects a default.
func NewDownsampler(sourceRate, targetRate, queueSize int, out func([]int16)) (*Downsampler, error) {
	if sourceRate <= 0 || targetRate <= 0 {
		return nil, errors.New("downsampler: sample rates must be positive")
	}
	if out == nil {
		return nil, errors.New("downsampler: output callback must not be nil")
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	d := &Downsampler{
		sourceRate: sourceRate,
		targetRate: targetRate,
		out:        out,
		in:         make(chan []float32, queueSize),
		done:       make(chan struct{}),
	}
	go d.run()
	return d, nil
}

func (d *Downsampler) run() {
	defer close(d.done)
	for block := range d.in {
		frame := Downsample(block, d.sourceRate, d.targetRate)
		d.processed.Add(1)
		if len(frame) == 0 {
			continue
		}
		d.out(frame)
	}
}

// Submit queues a copy of block. It never blocks: when the queue is full
// or the worker is closed the block is dropped and false is returned.
func (d *Downsampler) Submit(block []float32) bool {
	if d == nil || len(block) == 0 {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	buf := make([]float32, len(block))
	copy(buf, block)
	select {
	case d.in <- buf:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Close stops accepting blocks, drains the queue and waits for the worker.
func (d *Downsampler) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.in)
	}
	d.mu.Unlock()
	<-d.done
}

// Dropped returns the number of blocks rejected because the queue was full.
func (d *Downsampler) Dropped() int64 { return d.dropped.Load() }

// Processed returns the number of blocks converted so far.
func (d *Downsampler) Processed() int64 { return d.processed.Load() }

func (d *Downsampler) SourceRate() int { return d.sourceRate }

func (d *Downsampler) TargetRate() int { return d.targetRate }
