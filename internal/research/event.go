package research

import (
	"encoding/json"
	"time"
)

// EventType names the realtime event kinds delivered to subscribers.
type EventType string

const (
	EventStatus    EventType = "status"
	EventIteration EventType = "iteration"
	EventSource    EventType = "source"
	EventReport    EventType = "report"
	EventError     EventType = "error"
	EventConnected EventType = "connected"
	EventPong      EventType = "pong"
)

// Event is the wire envelope: {type, job_id, data}.
type Event struct {
	Type  EventType `json:"type"`
	JobID string    `json:"job_id"`
	Data  any       `json:"data"`
}

type StatusData struct {
	Status   Status   `json:"status"`
	Progress *float64 `json:"progress"`
}

type IterationData struct {
	Sequence  int             `json:"sequence"`
	Action    string          `json:"action"`
	Timestamp time.Time       `json:"timestamp"`
	Result    json.RawMessage `json:"result"`
}

type SourceData struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet"`
	FetchedAt time.Time `json:"fetched_at"`
}

type ReportData struct {
	Text string `json:"text"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// InputErrorData answers malformed subscriber input.
type InputErrorData struct {
	Error string `json:"error"`
}

type ConnectedData struct {
	Message string `json:"message"`
}

func StatusEvent(jobID string, status Status, progress *float64) Event {
	return Event{Type: EventStatus, JobID: jobID, Data: StatusData{Status: status, Progress: progress}}
}

func IterationEvent(jobID string, it Iteration) Event {
	return Event{Type: EventIteration, JobID: jobID, Data: IterationData{
		Sequence:  it.Step,
		Action:    it.Action,
		Timestamp: it.CreatedAt,
		Result:    it.Result,
	}}
}

func SourceEvent(jobID string, s SourceData) Event {
	return Event{Type: EventSource, JobID: jobID, Data: s}
}

func ReportEvent(jobID, text string) Event {
	return Event{Type: EventReport, JobID: jobID, Data: ReportData{Text: text}}
}

func ErrorEvent(jobID, message string) Event {
	return Event{Type: EventError, JobID: jobID, Data: ErrorData{Message: message}}
}
