package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/internal/llm"
	"github.com/agent-bletchley/bletchley/internal/research"
	"github.com/agent-bletchley/bletchley/internal/tools"
)

const snippetRunes = 280

type sourceRef struct {
	URL   string
	Title string
}

// run is the state of one job loop. It is owned by a single goroutine.
type run struct {
	o        *Orchestrator
	ctx      context.Context
	jobID    string
	query    string
	logger   *zap.Logger
	progress float64
	seq      int
	messages []llm.Message
	sources  []sourceRef
	seen     map[string]int
	terminal bool
}

func (o *Orchestrator) newRun(ctx context.Context, jobID, query string) *run {
	return &run{
		o:      o,
		ctx:    ctx,
		jobID:  jobID,
		query:  query,
		logger: o.logger.With(zap.String("job_id", jobID)),
		seen:   make(map[string]int),
		messages: []llm.Message{
			llm.SystemMessage(o.cfg.SystemPrompt),
			llm.UserMessage(query),
		},
	}
}

// emit publishes ev unless the job already reached a terminal state.
func (r *run) emit(ev research.Event) {
	if r.terminal {
		r.logger.Warn("event after terminal status suppressed", zap.String("event", string(ev.Type)))
		return
	}
	if r.o.events != nil {
		r.o.events.Publish(r.jobID, ev)
	}
	if ev.Type == research.EventStatus {
		if d, ok := ev.Data.(research.StatusData); ok && d.Status.Terminal() {
			r.terminal = true
		}
	}
}

func (r *run) execute(aj *activeJob) {
	ctx, span := r.o.tracer.Start(r.ctx, "research.job",
		trace.WithAttributes(attribute.String("job.id", r.jobID)))
	defer span.End()
	r.ctx = ctx

	if r.o.sem != nil {
		if err := r.o.sem.Acquire(ctx, 1); err != nil {
			r.interrupted(aj, err)
			return
		}
		defer r.o.sem.Release(1)
	}

	answer, err := r.loop(aj)
	if err == nil {
		err = r.complete(aj, answer)
	}
	if err != nil {
		if r.stopRequested(aj) || errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
			r.interrupted(aj, err)
		} else {
			r.fail(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// loop runs model/tool steps until the model answers without tool calls or
// the iteration cap is reached. It returns the model's final answer, empty
// when the cap was hit.
func (r *run) loop(aj *activeJob) (string, error) {
	limit := r.o.cfg.MaxIterations
	defs := r.o.tools.Definitions()
	for step := 1; step <= limit; step++ {
		if r.stopRequested(aj) {
			return "", context.Canceled
		}
		started := time.Now()
		answer, done, err := r.step(step, defs)
		r.o.metrics.ObserveStep(time.Since(started))
		if err != nil {
			return "", err
		}
		if done {
			return answer, nil
		}

		progress := research.ClampProgress(float64(step) / float64(limit) * 100)
		if progress > r.progress {
			r.progress = progress
		}
		p := r.progress
		if err := r.o.persist.do(r.ctx, "update progress", func(c context.Context) error {
			return r.o.store.UpdateJobStatus(c, r.jobID, research.StatusRunning, &p)
		}); err != nil {
			return "", err
		}
		r.emit(research.StatusEvent(r.jobID, research.StatusRunning, &p))
	}
	r.logger.Info("iteration cap reached", zap.Int("cap", limit))
	return "", nil
}

func (r *run) step(step int, defs []llm.ToolDefinition) (string, bool, error) {
	ctx, span := r.o.tracer.Start(r.ctx, "research.step",
		trace.WithAttributes(attribute.Int("step", step)))
	defer span.End()

	completion, err := r.o.model.Complete(ctx, r.messages, defs)
	if err != nil {
		span.RecordError(err)
		return "", false, fmt.Errorf("model step %d: %w", step, err)
	}
	if len(completion.ToolCalls) == 0 {
		r.logger.Info("model returned final answer", zap.Int("step", step))
		return completion.Content, true, nil
	}

	r.messages = append(r.messages, llm.AssistantMessage(completion.Content, completion.ToolCalls))
	for _, call := range completion.ToolCalls {
		if err := r.callTool(ctx, call); err != nil {
			return "", false, err
		}
	}
	return "", false, nil
}

type iterationResult struct {
	Arguments map[string]any `json:"arguments"`
	tools.Result
}

func (r *run) callTool(ctx context.Context, call llm.ToolCall) error {
	res, execErr := r.o.tools.Execute(ctx, call.Name, call.Arguments)
	if execErr != nil && !errors.Is(execErr, tools.ErrUnknownTool) {
		return fmt.Errorf("tool %s: %w", call.Name, execErr)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if res.Tool == "" {
		res.Tool = call.Name
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(iterationResult{Arguments: args, Result: res})
	if err != nil {
		return fmt.Errorf("encode %s result: %w", call.Name, err)
	}

	r.seq++
	it := research.Iteration{
		JobID:     r.jobID,
		Step:      r.seq,
		Action:    call.Name,
		Result:    payload,
		CreatedAt: r.o.now().UTC(),
	}
	retried := false
	if err := r.o.persist.do(r.ctx, "add iteration", func(c context.Context) error {
		id, err := r.o.store.AddIteration(c, r.jobID, it.Step, it.Action, it.Result)
		if err != nil && retried && errors.Is(err, research.ErrDuplicateStep) {
			// an earlier attempt committed before its error came back
			r.logger.Warn("iteration already recorded by a failed attempt", zap.Int("step", it.Step))
			return nil
		}
		it.ID = id
		retried = err != nil
		return err
	}); err != nil {
		return err
	}
	r.emit(research.IterationEvent(r.jobID, it))

	if err := r.recordSources(res); err != nil {
		return err
	}

	content, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", call.Name, err)
	}
	r.messages = append(r.messages, llm.ToolMessage(call.ID, call.Name, string(content)))
	return nil
}

func (r *run) recordSources(res tools.Result) error {
	if !res.OK() {
		return nil
	}
	switch out := res.Output.(type) {
	case tools.SearchOutput:
		for _, hit := range out.Results {
			in := research.SourceInput{
				JobID:   r.jobID,
				URL:     hit.URL,
				Title:   research.Ptr(hit.Title),
				Snippet: research.Ptr(hit.Snippet),
			}
			if err := r.saveSource(in, hit.Title, hit.Snippet); err != nil {
				return err
			}
		}
	case tools.FetchOutput:
		if out.URL == "" {
			return nil
		}
		in := research.SourceInput{
			JobID:   r.jobID,
			URL:     out.URL,
			Title:   research.Ptr(out.Title),
			Content: research.Ptr(out.Content),
		}
		return r.saveSource(in, out.Title, research.Excerpt(out.Content, snippetRunes))
	}
	return nil
}

func (r *run) saveSource(in research.SourceInput, title, snippet string) error {
	if err := r.o.persist.do(r.ctx, "upsert source", func(c context.Context) error {
		_, err := r.o.store.UpsertSource(c, in)
		return err
	}); err != nil {
		return err
	}
	if i, ok := r.seen[in.URL]; ok {
		if title != "" {
			r.sources[i].Title = title
		}
	} else {
		r.seen[in.URL] = len(r.sources)
		r.sources = append(r.sources, sourceRef{URL: in.URL, Title: title})
	}
	r.emit(research.SourceEvent(r.jobID, research.SourceData{
		URL:       in.URL,
		Title:     title,
		Snippet:   snippet,
		FetchedAt: r.o.now().UTC(),
	}))
	return nil
}

func (r *run) stopRequested(aj *activeJob) bool {
	if aj.cancelled.Load() {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.o.cfg.PersistTimeout)
	defer cancel()
	ok, err := r.o.canceller.Requested(ctx, r.jobID)
	if err != nil {
		r.logger.Warn("cancel flag lookup failed", zap.Error(err))
		return false
	}
	if ok {
		aj.cancelled.Store(true)
	}
	return ok
}

// detached returns a context for terminal writes that survives cancellation
// of the job context.
func (r *run) detached() (context.Context, context.CancelFunc) {
	budget := r.o.cfg.PersistTimeout*time.Duration(r.o.cfg.PersistAttempts) + r.o.cfg.PersistBackoff*time.Duration(r.o.cfg.PersistAttempts)
	return context.WithTimeout(context.WithoutCancel(r.ctx), budget)
}

func (r *run) complete(aj *activeJob, answer string) error {
	if r.stopRequested(aj) {
		return context.Canceled
	}
	report, err := r.synthesize(answer)
	if err != nil {
		return err
	}
	if err := r.o.persist.do(r.ctx, "save report", func(c context.Context) error {
		return r.o.store.UpdateJobReport(c, r.jobID, report)
	}); err != nil {
		return err
	}
	full := 100.0
	if err := r.o.persist.do(r.ctx, "complete job", func(c context.Context) error {
		return r.o.store.UpdateJobStatus(c, r.jobID, research.StatusCompleted, &full)
	}); err != nil {
		return err
	}
	r.progress = full
	r.emit(research.ReportEvent(r.jobID, report))
	r.emit(research.StatusEvent(r.jobID, research.StatusCompleted, &full))
	r.o.metrics.JobFinished(string(research.StatusCompleted))
	r.logger.Info("job completed", zap.Int("iterations", r.seq), zap.Int("sources", len(r.sources)))
	return nil
}

// fail records the failed state. Writes use a context detached from the job
// so a cancelled or timed out loop still lands in a terminal state.
func (r *run) fail(cause error) {
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) && r.ctx.Err() != nil {
		msg = "job timed out: " + msg
	}
	r.logger.Error("job failed", zap.Error(cause))
	ctx, cancel := r.detached()
	defer cancel()
	if err := r.o.persist.do(ctx, "fail job", func(c context.Context) error {
		return r.o.store.FailJob(c, r.jobID, msg)
	}); err != nil {
		if r.settledElsewhere(err) {
			return
		}
		r.logger.Error("could not record job failure", zap.Error(err))
	}
	r.emit(research.ErrorEvent(r.jobID, msg))
	r.emit(research.StatusEvent(r.jobID, research.StatusFailed, nil))
	r.o.metrics.JobFinished(string(research.StatusFailed))
}

// interrupted handles a stopped loop: an explicit cancel becomes cancelled,
// a shutdown fails the job.
func (r *run) interrupted(aj *activeJob, cause error) {
	if !r.stopRequested(aj) {
		r.fail(fmt.Errorf("job interrupted: %w", cause))
		return
	}
	ctx, cancel := r.detached()
	defer cancel()
	progress := research.Ptr(r.progress)
	if err := r.o.persist.do(ctx, "cancel job", func(c context.Context) error {
		return r.o.store.UpdateJobStatus(c, r.jobID, research.StatusCancelled, progress)
	}); err != nil {
		if r.settledElsewhere(err) {
			return
		}
		r.logger.Error("could not record cancellation", zap.Error(err))
	}
	r.emit(research.StatusEvent(r.jobID, research.StatusCancelled, progress))
	r.o.metrics.JobFinished(string(research.StatusCancelled))
	r.logger.Info("job cancelled", zap.Int("iterations", r.seq))
}

// settledElsewhere reports whether a refused terminal write means another
// writer already finished the job. The row's state stands and this loop
// publishes nothing further.
func (r *run) settledElsewhere(err error) bool {
	if !jobGone(err) {
		return false
	}
	r.logger.Warn("job already terminal, suppressing events", zap.Error(err))
	r.terminal = true
	return true
}
