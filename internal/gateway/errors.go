package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrRateLimited     = errors.New("rate limited")
	ErrUnreachable     = errors.New("source unreachable")
	ErrMalformed       = errors.New("malformed payload")
	ErrNotFound        = errors.New("not found")
	ErrUnknownSource   = errors.New("unknown source")
	ErrUnknownResource = errors.New("unknown resource")
)

type RateLimitedError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Source)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

type UnreachableError struct {
	Source string
	Cause  error
}

func (e *UnreachableError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s unreachable", e.Source)
	}
	return fmt.Sprintf("%s unreachable: %v", e.Source, e.Cause)
}

func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable
}

func (e *UnreachableError) Unwrap() error {
	return e.Cause
}

type MalformedError struct {
	Source  string
	Payload string
	Reason  string
}

const maxMalformedPayloadEcho = 512

func newMalformedError(source string, payload []byte, reason string) *MalformedError {
	excerpt := string(payload)
	if len(excerpt) > maxMalformedPayloadEcho {
		excerpt = excerpt[:maxMalformedPayloadEcho] + "..."
	}
	return &MalformedError{Source: source, Payload: excerpt, Reason: reason}
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s returned malformed payload: %s", e.Source, e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// Retryable reports whether err is a transient gateway failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnreachable)
}

// RetryAfter returns the source-provided wait hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var limited *RateLimitedError
	if errors.As(err, &limited) {
		return limited.RetryAfter
	}
	return 0
}

func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := ts.Sub(now)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
