package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/internal/research"
)

// ErrPersistence marks a store write that kept failing after every attempt.
var ErrPersistence = errors.New("persistence failed")

// persister bounds every store call: each attempt gets its own timeout and
// the call is retried a fixed number of times with a constant pause.
type persister struct {
	timeout  time.Duration
	attempts int
	pause    time.Duration
	logger   *zap.Logger
	onFail   func()
}

func (p persister) do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	try := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		err := fn(actx)
		if err != nil && (ctx.Err() != nil || settled(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.pause)
	if p.attempts > 1 {
		b = backoff.WithMaxRetries(b, uint64(p.attempts-1))
	} else {
		b = &backoff.StopBackOff{}
	}
	notify := func(err error, next time.Duration) {
		p.logger.Warn("store call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(try, backoff.WithContext(b, ctx), notify); err != nil {
		if p.onFail != nil {
			p.onFail()
		}
		return fmt.Errorf("%w: %s after %d attempt(s): %w", ErrPersistence, op, attempt, err)
	}
	return nil
}

// settled reports whether err is an answer from the store rather than a
// transient failure. Repeating the call cannot change it.
func settled(err error) bool {
	return errors.Is(err, research.ErrJobNotActive) ||
		errors.Is(err, research.ErrJobNotFound) ||
		errors.Is(err, research.ErrInvalidTransition) ||
		errors.Is(err, research.ErrDuplicateStep)
}

// jobGone reports whether err means the job row is missing or already
// terminal, so this loop no longer owns its lifecycle.
func jobGone(err error) bool {
	return errors.Is(err, research.ErrJobNotActive) || errors.Is(err, research.ErrJobNotFound)
}
