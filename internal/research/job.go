package research

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a research job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo encodes pending -> running -> {completed|failed|cancelled}.
// A pending job may also fail or be cancelled before its loop starts.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// CanUpdateTo is CanTransitionTo plus the running -> running progress update.
func (s Status) CanUpdateTo(next Status) bool {
	return s == StatusRunning && next == StatusRunning || s.CanTransitionTo(next)
}

// ParseStatus converts a stored value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

// Job is one research request and its lifecycle record. Optional fields are
// populated according to Status: Progress is nil while pending and after a
// failure, Report is set only when completed, Error only when failed.
type Job struct {
	ID          string         `json:"id"`
	Query       string         `json:"query"`
	Status      Status         `json:"status"`
	Progress    *float64       `json:"progress"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Report      *string        `json:"report,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Iterations  []Iteration    `json:"iterations,omitempty"`
	Sources     []Source       `json:"sources,omitempty"`
}

// Iteration is one recorded, append-only step of a job.
type Iteration struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Step      int             `json:"step"`
	Action    string          `json:"action"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// Source is a reference discovered or fetched during a job. (JobID, URL) is
// its identity.
type Source struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	Title     *string   `json:"title,omitempty"`
	Snippet   *string   `json:"snippet,omitempty"`
	Content   *string   `json:"content,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SourceInput is an upsert request. Nil fields keep the stored value.
type SourceInput struct {
	JobID   string
	URL     string
	Title   *string
	Snippet *string
	Content *string
}

// ClampProgress bounds progress to [0,100].
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

var (
	// ErrJobNotFound is returned by writes addressed to a missing job.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotActive is returned when a status write targets a job that
	// already reached a terminal state.
	ErrJobNotActive = errors.New("job is not active")
	// ErrInvalidTransition is returned when a status write would move an
	// active job backwards, e.g. running -> pending.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateStep is returned when an iteration step is recorded twice.
	ErrDuplicateStep = errors.New("iteration step already recorded")
)
