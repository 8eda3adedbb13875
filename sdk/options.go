package callstream

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vango-go/callstream/pkg/reconnect"
)

// Option configures an Engine.
type Option func(*Engine)

// WithServerURL sets the events API base URL (http or https). Required.
func WithServerURL(url string) Option {
	return func(e *Engine) {
		e.serverURL = url
	}
}

// WithAPIToken sets the bearer token used by the default bootstrapper.
func WithAPIToken(token string) Option {
	return func(e *Engine) {
		e.apiToken = token
	}
}

// WithMode selects stream or monitor mode. The default is ModeStream.
func WithMode(m Mode) Option {
	return func(e *Engine) {
		e.mode = m
	}
}

// WithReconnectPolicy replaces reconnect.DefaultPolicy.
func WithReconnectPolicy(p reconnect.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithLogger sets the logger for the engine and the components it builds.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the clock used for timers and event timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithBootstrapper replaces the HTTP bootstrap client.
func WithBootstrapper(b Bootstrapper) Option {
	return func(e *Engine) {
		e.boot = b
	}
}

// WithHTTPClient sets the HTTP client of the default bootstrapper.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = client
	}
}

// WithBootstrapRetries retries transient session and history failures.
func WithBootstrapRetries(n int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.bootRetries = n
		e.bootBackoff = backoff
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(e *Engine) {
		if d != nil {
			e.dialer = d
		}
	}
}

// WithMicrophone sets the capture device used in stream mode.
func WithMicrophone(m Microphone) Option {
	return func(e *Engine) {
		e.mic = m
	}
}

// WithPlayer sets the audio output used for playAudio frames.
func WithPlayer(p Player) Option {
	return func(e *Engine) {
		e.player = p
	}
}

// WithTargetSampleRate sets the upstream PCM16 rate. Default 8000.
func WithTargetSampleRate(hz int) Option {
	return func(e *Engine) {
		e.targetRate = hz
	}
}

// WithStartCallDelay sets the settle delay between open and startCall.
// Default 100ms.
func WithStartCallDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.startCallDelay = d
	}
}

// WithCapture sets the capture block size in samples and the number of
// blocks that may wait for the downsample worker.
func WithCapture(blockSize, queueSize int) Option {
	return func(e *Engine) {
		e.blockSize = blockSize
		e.captureQueue = queueSize
	}
}

// WithConnectTimeout bounds session fetch plus dial when the caller's context
// carries no deadline. Default 10s.
func WithConnectTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.connectTimeout = d
	}
}
