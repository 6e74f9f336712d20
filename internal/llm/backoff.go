package llm

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetryAfter = 2 * time.Minute

// schedule is a backoff.BackOff walking a fixed delay list. The last delay
// repeats once the list is exhausted, and a server supplied Retry-After hint
// replaces the next delay. NextBackOff returns Stop after maxAttempts
// failures.
type schedule struct {
	delays      []time.Duration
	maxAttempts int
	failures    int
	hint        time.Duration
}

var _ backoff.BackOff = (*schedule)(nil)

func newSchedule(delays []time.Duration, maxAttempts int) *schedule {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &schedule{delays: delays, maxAttempts: maxAttempts}
}

func (s *schedule) NextBackOff() time.Duration {
	s.failures++
	if s.failures >= s.maxAttempts {
		return backoff.Stop
	}
	if s.hint > 0 {
		d := s.hint
		s.hint = 0
		return d
	}
	if len(s.delays) == 0 {
		return 0
	}
	idx := s.failures - 1
	if idx >= len(s.delays) {
		idx = len(s.delays) - 1
	}
	return s.delays[idx]
}

func (s *schedule) Reset() {
	s.failures = 0
	s.hint = 0
}

// parseRetryAfter accepts delta-seconds (fractional allowed) or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if at, err := http.ParseTime(v); err == nil {
		d = at.Sub(now)
	}
	if d < 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
