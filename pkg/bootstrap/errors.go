package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoSession is returned when the session endpoint answered but carried no
// session id.
var ErrNoSession = errors.New("bootstrap: response carried no session id")

// TransportError represents HTTP transport-level failures (DNS, timeouts,
// connection reset, TLS handshake) while talking to the events API.
//
// Use errors.As to distinguish it from *StatusError.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusError is a non-2xx answer from the events API.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Body)
	if len(msg) > 256 {
		msg = msg[:256] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("events api %s: status %d", redactURLUserInfo(e.URL), e.StatusCode)
	}
	return fmt.Sprintf("events api %s: status %d: %s", redactURLUserInfo(e.URL), e.StatusCode, msg)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == 429 || e.StatusCode >= 500
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
