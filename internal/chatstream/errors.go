package chatstream

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout     = errors.New("chat request timed out")
	ErrUnavailable = errors.New("chat backend unavailable")
	ErrFailed      = errors.New("chat request failed")

	errNoReplyText = errors.New("reply contains no text")
)

// Error carries a user-facing message plus the classification sentinel.
// errors.Is matches both the kind and the underlying cause.
type Error struct {
	Kind    error
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindLabel names the classification for logs and metrics.
func KindLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "failed"
	}
}

func timeoutError(wait time.Duration, cause error) *Error {
	return &Error{
		Kind:    ErrTimeout,
		Message: fmt.Sprintf("Request timed out after %s. Please try again.", formatWait(wait)),
		Err:     cause,
	}
}

func unavailableError(cause error) *Error {
	return &Error{
		Kind:    ErrUnavailable,
		Message: "Unable to connect to GrowthScript Brain service. Please check your connection and try again.",
		Err:     cause,
	}
}

func failedError(status int, message string, cause error) *Error {
	return &Error{
		Kind:    ErrFailed,
		Status:  status,
		Message: message,
		Err:     cause,
	}
}

func formatWait(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	default:
		return d.String()
	}
}
