package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx answer from the remote service.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether retrying the same request may succeed.
func (e *Error) Transient() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
var ErrMalformedResponse = errors.New("malformed response")

// IsTransient classifies err for the retry path.
//
// Server errors, 408, 429, timeouts and transport failures are transient.
// Other 4xx answers are permanent. Cancellation by the caller is neither
// and reports false.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsPermanent reports whether err is a definitive rejection by the server.
func IsPermanent(err error) bool {
	var rerr *Error
	return errors.As(err, &rerr) && !rerr.Transient()
}
