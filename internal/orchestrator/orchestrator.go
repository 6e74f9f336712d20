// Package orchestrator drives research jobs from pending to a terminal state.
// Each job runs in its own goroutine: the model is asked for the next step,
// requested tools run sequentially, and every outcome is persisted and
// published before the next step starts.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agent-bletchley/bletchley/config"
	"github.com/agent-bletchley/bletchley/internal/llm"
	"github.com/agent-bletchley/bletchley/internal/metrics"
	"github.com/agent-bletchley/bletchley/internal/research"
	"github.com/agent-bletchley/bletchley/internal/tools"
)

const DefaultSystemPrompt = "You are a research assistant for investment due diligence. " +
	"Use available tools to gather comprehensive information."

var (
	ErrJobActive    = errors.New("job already running")
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Store captures the persistence calls made by the loop.
type Store interface {
	UpdateJobStatus(ctx context.Context, id string, status research.Status, progress *float64) error
	FailJob(ctx context.Context, id, message string) error
	UpdateJobReport(ctx context.Context, id, report string) error
	AddIteration(ctx context.Context, jobID string, step int, action string, result json.RawMessage) (string, error)
	UpsertSource(ctx context.Context, in research.SourceInput) (string, error)
}

type ModelClient interface {
	Complete(ctx context.Context, messages []llm.Message, defs []llm.ToolDefinition, opts ...llm.CallOption) (*llm.Completion, error)
}

type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any) (tools.Result, error)
	Definitions() []llm.ToolDefinition
}

// Publisher is satisfied by *broadcast.Manager.
type Publisher interface {
	Publish(jobID string, ev research.Event)
}

type Config struct {
	MaxIterations   int
	MaxConcurrent   int
	JobTimeout      time.Duration
	PersistTimeout  time.Duration
	PersistAttempts int
	PersistBackoff  time.Duration
	SystemPrompt    string
}

// ConfigFrom maps the research config section.
func ConfigFrom(rc config.ResearchConfig) Config {
	rc = rc.Normalize()
	return Config{
		MaxIterations:   rc.MaxIterations,
		MaxConcurrent:   rc.MaxConcurrentJobs,
		JobTimeout:      rc.JobTimeout,
		PersistTimeout:  rc.PersistTimeout,
		PersistAttempts: rc.PersistAttempts,
		PersistBackoff:  rc.PersistBackoff,
		SystemPrompt:    rc.SystemPrompt,
	}
}

func (c Config) normalize() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 500 * time.Millisecond
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	return c
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

func WithCanceller(c Canceller) Option { return func(o *Orchestrator) { o.canceller = c } }

// WithClock replaces time.Now for iteration and source timestamps.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

type activeJob struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

type Orchestrator struct {
	cfg       Config
	store     Store
	model     ModelClient
	tools     ToolExecutor
	events    Publisher
	canceller Canceller
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	sem       *semaphore.Weighted
	persist   persister

	base context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeJob
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, st Store, model ModelClient, executor ToolExecutor, events Publisher, opts ...Option) *Orchestrator {
	cfg = cfg.normalize()
	o := &Orchestrator{
		cfg:    cfg,
		store:  st,
		model:  model,
		tools:  executor,
		events: events,
		logger: zap.NewNop(),
		now:    time.Now,
		active: make(map[string]*activeJob),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.canceller == nil {
		o.canceller = NewMemoryCanceller()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/agent-bletchley/bletchley/internal/orchestrator")
	}
	if cfg.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	o.logger = o.logger.Named("orchestrator")
	o.persist = persister{
		timeout:  cfg.PersistTimeout,
		attempts: cfg.PersistAttempts,
		pause:    cfg.PersistBackoff,
		logger:   o.logger,
		onFail:   o.metrics.PersistenceFailed,
	}
	o.base, o.stop = context.WithCancel(context.Background())
	return o
}

// StartJob moves a pending job to running, persists progress 0, emits the
// first status event and starts the loop in the background. It returns once
// the transition is persisted; the loop is not bound to ctx.
func (o *Orchestrator) StartJob(ctx context.Context, jobID, query string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := o.active[jobID]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobActive, jobID)
	}
	jctx, cancel := context.WithCancel(o.base)
	if o.cfg.JobTimeout > 0 {
		jctx, cancel = withTimeout(jctx, cancel, o.cfg.JobTimeout)
	}
	aj := &activeJob{cancel: cancel}
	o.active[jobID] = aj
	o.wg.Add(1)
	o.mu.Unlock()

	run := o.newRun(jctx, jobID, query)
	zero := 0.0
	err := o.persist.do(ctx, "start job", func(c context.Context) error {
		return o.store.UpdateJobStatus(c, jobID, research.StatusRunning, &zero)
	})
	if err != nil {
		if !settled(err) {
			run.fail(err)
		}
		o.release(jobID, aj)
		return err
	}
	o.metrics.JobStarted()
	run.emit(research.StatusEvent(jobID, research.StatusRunning, &zero))
	run.logger.Info("job started", zap.String("query", query))

	go func() {
		defer o.release(jobID, aj)
		run.execute(aj)
	}()
	return nil
}

func withTimeout(parent context.Context, parentCancel context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		parentCancel()
	}
}

func (o *Orchestrator) release(jobID string, aj *activeJob) {
	aj.cancel()
	o.mu.Lock()
	if o.active[jobID] == aj {
		delete(o.active, jobID)
	}
	o.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.canceller.Clear(ctx, jobID); err != nil {
		o.logger.Debug("clear cancel flag", zap.String("job_id", jobID), zap.Error(err))
	}
	o.wg.Done()
}

// Cancel records a cancel request. A loop running in this process stops at
// once; loops on other instances notice the flag at their next step.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	if err := o.canceller.Request(ctx, jobID); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	o.mu.Lock()
	aj, ok := o.active[jobID]
	o.mu.Unlock()
	if ok {
		aj.cancelled.Store(true)
		aj.cancel()
	}
	return nil
}

// Active reports whether jobID's loop runs in this process.
func (o *Orchestrator) Active(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[jobID]
	return ok
}

// ActiveJobs returns the ids of loops running in this process.
func (o *Orchestrator) ActiveJobs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops accepting jobs, interrupts running loops and waits for them
// to record their terminal state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
