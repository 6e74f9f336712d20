// Package memory is an in-process research store. It backs tests and the
// storage.driver=memory mode; contents are lost on restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-bletchley/bletchley/internal/research"
)

type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	jobs       map[string]*research.Job
	iterations map[string][]research.Iteration
	sources    map[string][]research.Source
}

func New() *Store {
	return &Store{
		now:        time.Now,
		jobs:       make(map[string]*research.Job),
		iterations: make(map[string][]research.Iteration),
		sources:    make(map[string][]research.Source),
	}
}

// WithClock replaces the timestamp source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) CreateJob(_ context.Context, query string, jobContext map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobContext == nil {
		jobContext = map[string]any{}
	}
	now := s.now().UTC()
	id := uuid.NewString()
	s.jobs[id] = &research.Job{
		ID:        id,
		Query:     query,
		Status:    research.StatusPending,
		Context:   jobContext,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (s *Store) GetJob(_ context.Context, id string) (research.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return research.Job{}, false, nil
	}
	return copyJob(j), true, nil
}

func (s *Store) ListJobs(_ context.Context, skip, limit int) ([]research.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]research.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, copyJob(j))
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].ID > all[b].ID
		}
		return all[a].CreatedAt.After(all[b].CreatedAt)
	})
	if skip < 0 {
		skip = 0
	}
	if skip >= len(all) {
		return []research.Job{}, nil
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) active(id string) (*research.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", research.ErrJobNotFound, id)
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", research.ErrJobNotActive, id, j.Status)
	}
	return j, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id string, status research.Status, progress *float64) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.active(id)
	if err != nil {
		return err
	}
	if !j.Status.CanUpdateTo(status) {
		return fmt.Errorf("%w: %s %s -> %s", research.ErrInvalidTransition, id, j.Status, status)
	}
	now := s.now().UTC()
	j.Status = status
	if progress != nil {
		j.Progress = research.Ptr(research.ClampProgress(*progress))
	} else {
		j.Progress = nil
	}
	if status == research.StatusCompleted {
		j.CompletedAt = &now
	}
	j.UpdatedAt = now
	return nil
}

func (s *Store) FailJob(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.active(id)
	if err != nil {
		return err
	}
	j.Status = research.StatusFailed
	j.Progress = nil
	j.Error = research.Ptr(message)
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) UpdateJobReport(_ context.Context, id, report string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.active(id)
	if err != nil {
		return err
	}
	j.Report = research.Ptr(report)
	j.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) AddIteration(_ context.Context, jobID string, step int, action string, result json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return "", fmt.Errorf("%w: %s", research.ErrJobNotFound, jobID)
	}
	for _, it := range s.iterations[jobID] {
		if it.Step == step {
			return "", fmt.Errorf("%w: job %s step %d", research.ErrDuplicateStep, jobID, step)
		}
	}
	it := research.Iteration{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Step:      step,
		Action:    action,
		Result:    append(json.RawMessage(nil), result...),
		CreatedAt: s.now().UTC(),
	}
	s.iterations[jobID] = append(s.iterations[jobID], it)
	return it.ID, nil
}

func (s *Store) UpsertSource(_ context.Context, in research.SourceInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[in.JobID]; !ok {
		return "", fmt.Errorf("%w: %s", research.ErrJobNotFound, in.JobID)
	}
	now := s.now().UTC()
	list := s.sources[in.JobID]
	for i := range list {
		if list[i].URL != in.URL {
			continue
		}
		src := &list[i]
		if in.Title != nil {
			src.Title = research.Ptr(*in.Title)
		}
		if in.Snippet != nil {
			src.Snippet = research.Ptr(*in.Snippet)
		}
		if in.Content != nil {
			src.Content = research.Ptr(*in.Content)
		}
		src.FetchedAt = now
		return src.ID, nil
	}
	src := research.Source{
		ID:        uuid.NewString(),
		JobID:     in.JobID,
		URL:       in.URL,
		Title:     clonePtr(in.Title),
		Snippet:   clonePtr(in.Snippet),
		Content:   clonePtr(in.Content),
		FetchedAt: now,
	}
	s.sources[in.JobID] = append(list, src)
	return src.ID, nil
}

func (s *Store) ListIterations(_ context.Context, jobID string) ([]research.Iteration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]research.Iteration{}, s.iterations[jobID]...)
	sort.SliceStable(out, func(a, b int) bool { return out[a].Step < out[b].Step })
	return out, nil
}

func (s *Store) ListSources(_ context.Context, jobID string) ([]research.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]research.Source{}, s.sources[jobID]...)
	sort.SliceStable(out, func(a, b int) bool { return out[a].FetchedAt.Before(out[b].FetchedAt) })
	return out, nil
}

// DeleteJob removes the job with its iterations and sources. It reports
// whether the job existed.
func (s *Store) DeleteJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	delete(s.iterations, id)
	delete(s.sources, id)
	return true, nil
}

// ListStaleJobs returns pending or running jobs not updated since before.
func (s *Store) ListStaleJobs(_ context.Context, before time.Time) ([]research.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []research.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() && j.UpdatedAt.Before(before) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	return out, nil
}

func (s *Store) Close() error { return nil }

func copyJob(j *research.Job) research.Job {
	c := *j
	c.Progress = clonePtr(j.Progress)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.Report = clonePtr(j.Report)
	c.Error = clonePtr(j.Error)
	if j.Context != nil {
		c.Context = make(map[string]any, len(j.Context))
		for k, v := range j.Context {
			c.Context[k] = v
		}
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
