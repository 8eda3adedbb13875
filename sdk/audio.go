package callstream

import (
	"context"
	"encoding/json"
)

// Bootstrapper resolves session tokens and call history. *bootstrap.Client
// implements it. History reports failures as an empty slice.
type Bootstrapper interface {
	FetchSession(ctx context.Context) (string, error)
	History(ctx context.Context, callSid string) []json.RawMessage
}

// Microphone acquires a capture device.
type Microphone interface {
	Open(ctx context.Context) (CaptureSource, error)
}

// CaptureSource yields mono float samples in [-1, 1] at SampleRate.
//
// ReadBlock fills buf and returns the number of samples written. It blocks
// until data is available and returns an error once the source is closed or
// the device fails. Close must unblock a pending ReadBlock.
type CaptureSource interface {
	SampleRate() int
	ReadBlock(buf []float32) (int, error)
	Close() error
}

// Player renders one mono buffer.
type Player interface {
	Play(ctx context.Context, samples []float32, sampleRate int) (Playback, error)
}

// Playback is a buffer being rendered. Done is closed when rendering ends,
// naturally or after Stop. Stop is idempotent.
type Playback interface {
	Done() <-chan struct{}
	Stop()
}
