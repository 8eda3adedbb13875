package callstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vango-go/callstream/pkg/core/codec"
	"github.com/vango-go/callstream/pkg/events"
	"github.com/vango-go/callstream/pkg/metrics"
	"github.com/vango-go/callstream/pkg/protocol"
)

// activePlayback is the single playback slot.
type activePlayback struct {
	pb      Playback
	started time.Time
}

// PlayAudio decodes a base64 payload (contentType "wav" strips the 44-byte
// header) and renders it at sampleRate, replacing any buffer still playing.
// On natural completion a playDone frame is sent and audioEnd carries the
// elapsed milliseconds. Errors are emitted and returned.
func (e *Engine) PlayAudio(ctx context.Context, content, contentType string, sampleRate int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if content == "" {
		return e.emitError(ErrNoAudio)
	}
	samples, err := codec.DecodePlayback(content, contentType)
	if err != nil {
		if errors.Is(err, codec.ErrEmptyAudio) {
			return e.emitError(ErrNoAudio)
		}
		return e.emitError(fmt.Errorf("decode audio: %w", err))
	}
	if sampleRate <= 0 {
		return e.emitError(fmt.Errorf("callstream: invalid playback sample rate %d", sampleRate))
	}
	if e.player == nil {
		return e.emitError(errors.New("callstream: no audio player configured"))
	}

	e.mu.Lock()
	started, gen := e.started, e.gen
	e.mu.Unlock()

	if prev := e.takePlayback(); prev != nil {
		prev.pb.Stop()
		e.emit(events.AudioEndEvent{Timestamp: e.clock.Now()})
	}

	pb, err := e.player.Play(ctx, samples, sampleRate)
	if err != nil {
		metrics.PlaybackActive.Set(0)
		return e.emitError(fmt.Errorf("play audio: %w", err))
	}
	a := &activePlayback{pb: pb, started: e.clock.Now()}

	e.mu.Lock()
	if e.started != started || e.gen != gen {
		// Stop or Start ran while the player was opening.
		e.mu.Unlock()
		pb.Stop()
		e.logger.Debug("dropping playback opened across a session change")
		return ErrNotStarted
	}
	prev := e.playing
	e.playing = a
	e.mu.Unlock()
	metrics.PlaybackActive.Set(1)

	if prev != nil {
		prev.pb.Stop()
		e.emit(events.AudioEndEvent{Timestamp: e.clock.Now()})
	}

	e.logger.Debug("playback started",
		zap.Int("samples", len(samples)),
		zap.Int("sample_rate", sampleRate),
		zap.Int64("duration_ms", codec.DurationMS(len(samples), sampleRate)),
	)
	e.emit(events.AudioPlayEvent{Timestamp: a.started})
	go e.watchPlayback(a)
	return nil
}

// StopPlayback stops the active buffer, if any, and emits audioEnd with a
// timestamp only.
func (e *Engine) StopPlayback() {
	if a := e.takePlayback(); a != nil {
		a.pb.Stop()
		metrics.PlaybackActive.Set(0)
	}
	e.emit(events.AudioEndEvent{Timestamp: e.clock.Now()})
}

func (e *Engine) takePlayback() *activePlayback {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.playing
	e.playing = nil
	return a
}

func (e *Engine) watchPlayback(a *activePlayback) {
	<-a.pb.Done()

	e.mu.Lock()
	if e.playing != a {
		// Stopped or replaced; the stopper already reported audioEnd.
		e.mu.Unlock()
		return
	}
	e.playing = nil
	t := e.conn
	e.mu.Unlock()
	metrics.PlaybackActive.Set(0)

	ms := e.clock.Since(a.started).Milliseconds()
	metrics.PlaybackDuration.Observe(float64(ms))
	if t != nil {
		if err := t.writeJSON(protocol.NewPlayDone(ms)); err != nil {
			e.logger.Debug("send playDone failed", zap.Error(err))
		}
	}
	e.emit(events.AudioEndEvent{Timestamp: e.clock.Now(), PlaybackMilliseconds: &ms})
}
