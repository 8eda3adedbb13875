package callstream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vango-go/callstream/pkg/core/codec"
	"github.com/vango-go/callstream/pkg/metrics"
)

// capture pumps blocks from a CaptureSource into a Downsampler. The pump
// never waits on conversion: blocks that do not fit in the worker queue are
// dropped and counted.
type capture struct {
	src       CaptureSource
	ds        *codec.Downsampler
	blockSize int
	onError   func(*capture, error)

	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func startCapture(src CaptureSource, targetRate, blockSize, queueSize int, out func([]int16), onError func(*capture, error)) (*capture, error) {
	rate := src.SampleRate()
	if rate <= 0 {
		return nil, fmt.Errorf("capture source reported sample rate %d", rate)
	}
	ds, err := codec.NewDownsampler(rate, targetRate, queueSize, out)
	if err != nil {
		return nil, err
	}
	if blockSize <= 0 {
		blockSize = defaultBlockSize
	}
	c := &capture{
		src:       src,
		ds:        ds,
		blockSize: blockSize,
		onError:   onError,
		done:      make(chan struct{}),
	}
	go c.run()
	return c, nil
}

func (c *capture) run() {
	err := c.pump()
	close(c.done)
	if err != nil && !c.stopping.Load() && c.onError != nil {
		c.onError(c, err)
	}
}

func (c *capture) pump() error {
	buf := make([]float32, c.blockSize)
	for {
		n, err := c.src.ReadBlock(buf)
		if n > 0 && !c.stopping.Load() {
			if !c.ds.Submit(buf[:n]) {
				metrics.CaptureBlocksDroppedTotal.Inc()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// stop releases the device, waits for the pump and drains the worker.
func (c *capture) stop() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		_ = c.src.Close()
		<-c.done
		c.ds.Close()
	})
}
