package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/agent-bletchley/bletchley/internal/research"
)

type recorder struct {
	mu     sync.Mutex
	events []research.Event
	fail   error
	panics bool
}

func (r *recorder) Send(ev research.Event) error {
	if r.panics {
		panic("connection gone")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []research.Event
}

func (s *sinkRecorder) Forward(ev research.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func TestPublishDropsFailingSubscriber(t *testing.T) {
	m := NewManager(WithLogger(zaptest.NewLogger(t)))
	a, b := &recorder{}, &recorder{}
	bad := &recorder{fail: errors.New("queue full")}
	for _, s := range []*recorder{a, bad, b} {
		m.Subscribe(s, "job-1")
	}

	m.Publish("job-1", research.StatusEvent("job-1", research.StatusRunning, research.Ptr(5.0)))

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("healthy subscribers should receive the event: a=%d b=%d", a.count(), b.count())
	}
	if got := m.Subscribers("job-1"); got != 2 {
		t.Fatalf("failing subscriber should be removed, have %d", got)
	}

	m.Publish("job-1", research.ReportEvent("job-1", "done"))
	if a.count() != 2 || b.count() != 2 || bad.count() != 0 {
		t.Fatalf("unexpected counts after second publish: a=%d b=%d bad=%d", a.count(), b.count(), bad.count())
	}
}

func TestPublishRecoversFromPanickingSubscriber(t *testing.T) {
	m := NewManager()
	ok := &recorder{}
	m.Subscribe(&recorder{panics: true}, "job")
	m.Subscribe(ok, "job")

	m.Publish("job", research.ErrorEvent("job", "boom"))

	if ok.count() != 1 {
		t.Fatalf("expected delivery to healthy subscriber")
	}
	if m.Subscribers("job") != 1 {
		t.Fatalf("panicking subscriber should be removed")
	}
}

func TestPublishWithoutSubscribersStillForwardsToSinks(t *testing.T) {
	sink := &sinkRecorder{}
	m := NewManager(WithSink(sink))

	m.Publish("nobody", research.Event{Type: research.EventReport, Data: research.ReportData{Text: "x"}})

	if len(sink.events) != 1 {
		t.Fatalf("sink should see the event, got %d", len(sink.events))
	}
	if sink.events[0].JobID != "nobody" {
		t.Fatalf("job id should be filled in, got %q", sink.events[0].JobID)
	}
	if m.Jobs() != 0 {
		t.Fatalf("publishing must not create job entries")
	}
}

func TestDeliverSkipsSinks(t *testing.T) {
	sink := &sinkRecorder{}
	m := NewManager(WithSink(sink))
	sub := &recorder{}
	m.Subscribe(sub, "job")

	m.Deliver("job", research.ReportEvent("job", "relayed"))

	if sub.count() != 1 || len(sink.events) != 0 {
		t.Fatalf("deliver should reach subscribers only: sub=%d sink=%d", sub.count(), len(sink.events))
	}
}

func TestUnsubscribeRemovesEmptyJob(t *testing.T) {
	m := NewManager()
	sub := &recorder{}
	m.Subscribe(sub, "job")
	m.Unsubscribe(sub, "other-job")
	if m.Subscribers("job") != 1 {
		t.Fatalf("unsubscribing from the wrong job must be a no-op")
	}
	m.Unsubscribe(sub, "job")
	m.Unsubscribe(sub, "job")
	if m.Jobs() != 0 {
		t.Fatalf("empty subscriber sets must be removed, have %d jobs", m.Jobs())
	}
}

func TestSubscribeMovesBetweenJobs(t *testing.T) {
	m := NewManager()
	sub := &recorder{}
	m.Subscribe(sub, "a")
	m.Subscribe(sub, "a")
	if m.Subscribers("a") != 1 {
		t.Fatalf("duplicate subscribe should not add twice")
	}
	m.Subscribe(sub, "b")
	if m.Subscribers("a") != 0 || m.Subscribers("b") != 1 || m.Jobs() != 1 {
		t.Fatalf("subscriber should have moved: a=%d b=%d jobs=%d", m.Subscribers("a"), m.Subscribers("b"), m.Jobs())
	}

	m.Publish("a", research.ReportEvent("a", "x"))
	if sub.count() != 0 {
		t.Fatalf("moved subscriber must not receive events of its old job")
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	defer goleak.VerifyNone(t)
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		job := fmt.Sprintf("job-%d", i%3)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sub := &recorder{}
				m.Subscribe(sub, job)
				m.Unsubscribe(sub, job)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Publish(job, research.StatusEvent(job, research.StatusRunning, nil))
			}
		}()
	}
	wg.Wait()
	if m.Jobs() != 0 {
		t.Fatalf("all subscribers left, yet %d jobs remain", m.Jobs())
	}
}
