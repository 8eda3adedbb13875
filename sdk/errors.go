package callstream

import (
	"errors"

	"github.com/vango-go/callstream/pkg/bootstrap"
)

var (
	// ErrUnknownEvent is returned by Subscribe for a kind outside events.Kinds.
	ErrUnknownEvent = errors.New("callstream: unknown event")
	// ErrNoAudio is returned when a playAudio payload carries no samples.
	ErrNoAudio = errors.New("callstream: no audio data provided")
	// ErrNotStarted is returned by operations that need an active session.
	ErrNotStarted = errors.New("callstream: engine not started")
	// ErrNoSession wraps the bootstrap answer that carried no session id.
	ErrNoSession = bootstrap.ErrNoSession
)

// TransportError represents HTTP or WebSocket transport failures.
//
// Use errors.As(err, new(*TransportError)) to distinguish transport failures
// from API status errors.
type TransportError = bootstrap.TransportError

// StatusError is a non-2xx answer from the events API.
type StatusError = bootstrap.StatusError
