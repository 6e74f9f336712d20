// Package broadcast fans research events out to the live subscribers of each
// job.
package broadcast

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/internal/metrics"
	"github.com/agent-bletchley/bletchley/internal/research"
)

// ErrDelivery wraps a failure to hand an event to one subscriber.
var ErrDelivery = errors.New("subscriber delivery failed")

// Subscriber receives events for the job it is subscribed to. Send must not
// block; implementations queue the event and report a full or closed queue
// as an error. Subscribers are used as map keys, so use pointer types.
type Subscriber interface {
	Send(ev research.Event) error
}

// Sink observes every published event, whether or not anyone is subscribed.
type Sink interface {
	Forward(ev research.Event)
}

// Manager tracks job id -> subscriber set.
type Manager struct {
	mu    sync.RWMutex
	jobs  map[string]map[Subscriber]struct{}
	owner map[Subscriber]string

	sinks   []Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithSink(s Sink) Option { return func(m *Manager) { m.sinks = append(m.sinks, s) } }

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		jobs:   make(map[string]map[Subscriber]struct{}),
		owner:  make(map[Subscriber]string),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("broadcast")
	return m
}

// Subscribe adds sub to jobID's set. A subscriber belongs to at most one job,
// so subscribing again moves it.
func (m *Manager) Subscribe(sub Subscriber, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.owner[sub]; ok {
		if prev == jobID {
			return
		}
		m.removeLocked(sub, prev)
	} else {
		m.metrics.SubscriberAdded()
	}
	set, ok := m.jobs[jobID]
	if !ok {
		set = make(map[Subscriber]struct{})
		m.jobs[jobID] = set
	}
	set[sub] = struct{}{}
	m.owner[sub] = jobID
	m.logger.Debug("subscriber added", zap.String("job_id", jobID), zap.Int("subscribers", len(set)))
}

// Unsubscribe removes sub from jobID's set; unknown pairs are ignored.
func (m *Manager) Unsubscribe(sub Subscriber, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner[sub] != jobID {
		return
	}
	m.removeLocked(sub, jobID)
	delete(m.owner, sub)
	m.metrics.SubscriberRemoved(false)
}

func (m *Manager) removeLocked(sub Subscriber, jobID string) {
	set, ok := m.jobs[jobID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(m.jobs, jobID)
	}
}

// Publish forwards ev to the sinks and delivers it to every current
// subscriber of jobID. Failing subscribers are dropped; nothing is reported
// back to the caller.
func (m *Manager) Publish(jobID string, ev research.Event) {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	for _, s := range m.sinks {
		s.Forward(ev)
	}
	m.Deliver(jobID, ev)
}

// Deliver hands ev to local subscribers only. Relays use it to replay events
// published on other instances.
func (m *Manager) Deliver(jobID string, ev research.Event) {
	m.mu.RLock()
	set := m.jobs[jobID]
	snapshot := make([]Subscriber, 0, len(set))
	for sub := range set {
		snapshot = append(snapshot, sub)
	}
	m.mu.RUnlock()
	if len(snapshot) == 0 {
		return
	}

	delivered := 0
	var failed []Subscriber
	for _, sub := range snapshot {
		if err := deliver(sub, ev); err != nil {
			m.logger.Debug("dropping subscriber",
				zap.String("job_id", jobID),
				zap.String("event", string(ev.Type)),
				zap.Error(err))
			failed = append(failed, sub)
			continue
		}
		delivered++
	}
	m.metrics.Delivered(delivered)
	if len(failed) == 0 {
		return
	}

	m.mu.Lock()
	for _, sub := range failed {
		// it may have moved or left while we were delivering
		if m.owner[sub] != jobID {
			continue
		}
		m.removeLocked(sub, jobID)
		delete(m.owner, sub)
		m.metrics.SubscriberRemoved(true)
	}
	m.mu.Unlock()
}

func deliver(sub Subscriber, ev research.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDelivery, r)
		}
	}()
	if err := sub.Send(ev); err != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	return nil
}

// Subscribers returns the number of live subscribers for jobID.
func (m *Manager) Subscribers(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs[jobID])
}

// Jobs returns the number of jobs with at least one subscriber.
func (m *Manager) Jobs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}
