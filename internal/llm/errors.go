package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds returned by the client. Use errors.Is to classify.
var (
	ErrTransientBackend  = errors.New("transient backend error")
	ErrRateLimited       = errors.New("rate limited")
	ErrClientRequest     = errors.New("client request error")
	ErrResponseMalformed = errors.New("malformed response")
)

// Error describes a failed completion call.
type Error struct {
	Kind       error
	StatusCode int
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Retryable reports whether the client retries this kind of failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientBackend) || errors.Is(err, ErrRateLimited)
}

func malformed(format string, args ...any) *Error {
	return &Error{Kind: ErrResponseMalformed, Err: fmt.Errorf(format, args...)}
}

func truncateBody(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
