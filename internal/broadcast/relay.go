package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/internal/research"
)

const (
	DefaultStream  = "research.events"
	PayloadVersion = "v1"
)

// Envelope is the record appended to the Redis stream for each event.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	JobID          string          `json:"job_id"`
	Origin         string          `json:"origin"`
	OccurredAt     time.Time       `json:"occurred_at"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.JobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// UnmarshalEnvelope parses and validates a stream record.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// Event decodes the wrapped event. Data stays raw JSON.
func (e *Envelope) Event() (research.Event, error) {
	var wire struct {
		Type  research.EventType `json:"type"`
		JobID string             `json:"job_id"`
		Data  json.RawMessage    `json:"data"`
	}
	if err := json.Unmarshal(e.Data, &wire); err != nil {
		return research.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return research.Event{Type: wire.Type, JobID: wire.JobID, Data: wire.Data}, nil
}

func newEnvelope(origin string, ev research.Event, now time.Time) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event: %w", err)
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      string(ev.Type),
		JobID:          ev.JobID,
		Origin:         origin,
		OccurredAt:     now.UTC(),
		PayloadVersion: PayloadVersion,
		Data:           data,
	}
	return env, env.ValidateBasic()
}

// RedisRelay appends published events to a Redis stream so other API
// instances can serve subscribers for jobs running here. Forward only
// enqueues; Run drains the queue, so Redis latency never reaches the
// research loop.
type RedisRelay struct {
	client *redis.Client
	stream string
	origin string
	maxLen int64
	queue  chan research.Event
	logger *zap.Logger
}

type RelayOption func(*RedisRelay)

func WithStreamMaxLen(n int64) RelayOption { return func(r *RedisRelay) { r.maxLen = n } }

func WithQueueSize(n int) RelayOption {
	return func(r *RedisRelay) {
		if n > 0 {
			r.queue = make(chan research.Event, n)
		}
	}
}

func WithRelayLogger(l *zap.Logger) RelayOption { return func(r *RedisRelay) { r.logger = l } }

func NewRedisRelay(client *redis.Client, stream string, opts ...RelayOption) *RedisRelay {
	if stream == "" {
		stream = DefaultStream
	}
	r := &RedisRelay{
		client: client,
		stream: stream,
		origin: uuid.NewString(),
		maxLen: 10000,
		queue:  make(chan research.Event, 1024),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("relay")
	return r
}

// Origin identifies this process in relayed envelopes.
func (r *RedisRelay) Origin() string { return r.origin }

// Forward implements Sink. A full queue drops the event.
func (r *RedisRelay) Forward(ev research.Event) {
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("relay queue full, dropping event",
			zap.String("job_id", ev.JobID), zap.String("event", string(ev.Type)))
	}
}

// Run publishes queued events until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.queue:
			if _, err := r.Publish(ctx, ev); err != nil && ctx.Err() == nil {
				r.logger.Warn("relay publish failed", zap.String("job_id", ev.JobID), zap.Error(err))
			}
		}
	}
}

// Publish appends ev to the stream and returns the stream entry id.
func (r *RedisRelay) Publish(ctx context.Context, ev research.Event) (string, error) {
	env, err := newEnvelope(r.origin, ev, time.Now())
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Deliverer receives events relayed from other instances.
type Deliverer interface {
	Deliver(jobID string, ev research.Event)
}

// Follow tails the stream from its current end and delivers events that
// originated on other instances to target. It returns when ctx is done.
func (r *RedisRelay) Follow(ctx context.Context, target Deliverer) error {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, lastID},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("relay read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				r.handle(msg, target)
			}
		}
	}
}

func (r *RedisRelay) handle(msg redis.XMessage, target Deliverer) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		r.logger.Warn("relay message without envelope", zap.String("id", msg.ID))
		return
	}
	env, err := UnmarshalEnvelope([]byte(raw))
	if err != nil {
		r.logger.Warn("invalid relay envelope", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	ev, err := env.Event()
	if err != nil {
		r.logger.Warn("invalid relay event", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	target.Deliver(env.JobID, ev)
}
