package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/internal/metrics"
	"github.com/agent-bletchley/bletchley/internal/orchestrator"
	"github.com/agent-bletchley/bletchley/internal/research"
)

const (
	janitorLockKey    = "research:janitor:lock"
	abandonedJobError = "job abandoned: no progress recorded before the stale deadline"
)

// Janitor fails jobs left pending or running by a process that died. Jobs
// whose loop runs in this process are never touched.
type Janitor struct {
	Store      Store
	Runner     Runner
	Events     orchestrator.Publisher
	Rdb        *redis.Client
	Schedule   *cronexpr.Expression
	StaleAfter time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

func NewJanitor(st Store, runner Runner, events orchestrator.Publisher, rdb *redis.Client, schedule string, staleAfter time.Duration, logger *zap.Logger) (*Janitor, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		Store:      st,
		Runner:     runner,
		Events:     events,
		Rdb:        rdb,
		Schedule:   expr,
		StaleAfter: staleAfter,
		Logger:     logger.Named("janitor"),
		Now:        time.Now,
	}, nil
}

// Run sweeps on every schedule tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		now := j.Now()
		next := j.Schedule.Next(now)
		if next.IsZero() {
			return errors.New("janitor schedule has no future activation")
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if n, err := j.Sweep(ctx); err != nil {
			j.Logger.Warn("sweep failed", zap.Error(err))
		} else if n > 0 {
			j.Logger.Info("failed abandoned jobs", zap.Int("count", n))
		}
	}
}

// Sweep fails stale jobs and returns how many it changed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.Rdb != nil {
		ok, err := j.Rdb.SetNX(ctx, janitorLockKey, "1", 2*time.Minute).Result()
		if err != nil {
			return 0, fmt.Errorf("janitor lock: %w", err)
		}
		if !ok {
			j.Logger.Debug("another replica holds the janitor lock")
			return 0, nil
		}
		defer j.Rdb.Del(context.WithoutCancel(ctx), janitorLockKey)
	}

	jobs, err := j.Store.ListStaleJobs(ctx, j.Now().Add(-j.StaleAfter))
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, job := range jobs {
		if j.Runner != nil && j.Runner.Active(job.ID) {
			continue
		}
		err := j.Store.FailJob(ctx, job.ID, abandonedJobError)
		if errors.Is(err, research.ErrJobNotActive) || errors.Is(err, research.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return failed, err
		}
		failed++
		j.Logger.Info("failed abandoned job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		if j.Events != nil {
			j.Events.Publish(job.ID, research.ErrorEvent(job.ID, abandonedJobError))
			j.Events.Publish(job.ID, research.StatusEvent(job.ID, research.StatusFailed, nil))
		}
		j.Metrics.JobFinished(string(research.StatusFailed))
	}
	return failed, nil
}
