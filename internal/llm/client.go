package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/internal/metrics"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "alibaba/tongyi-deepresearch-30b-a3b"

	maxResponseBytes = 8 << 20
)

var tracer = otel.Tracer("github.com/agent-bletchley/bletchley/internal/llm")

// Config configures the chat-completions backend.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Referer     string
	Title       string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelays []time.Duration
	Temperature float64
	MaxTokens   int
}

// Client talks to an OpenRouter-compatible chat-completions endpoint. It is
// safe for concurrent use; the only state shared between calls is the HTTP
// connection pool.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *zap.Logger
	metrics  *metrics.Metrics
	newTimer func() backoff.Timer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithTimer replaces the retry timer, letting tests observe delays without
// sleeping.
func WithTimer(f func() backoff.Timer) Option { return func(c *Client) { c.newTimer = f } }

func New(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("llm")
	return c
}

type callOptions struct {
	timeout time.Duration
}

type CallOption func(*callOptions)

// WithTimeout bounds each HTTP attempt of a single Complete call.
func WithTimeout(d time.Duration) CallOption { return func(o *callOptions) { o.timeout = d } }

// Complete sends the conversation and tool schema and returns the model's
// next step. Transient failures and 429s are retried on the configured
// schedule; client errors and malformed responses fail immediately.
func (c *Client) Complete(ctx context.Context, messages []Message, tools []ToolDefinition, opts ...CallOption) (*Completion, error) {
	co := callOptions{timeout: c.cfg.Timeout}
	for _, opt := range opts {
		opt(&co)
	}

	body, err := c.encodeRequest(messages, tools)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, span := tracer.Start(ctx, "llm.Complete", trace.WithAttributes(
		attribute.String("llm.model", c.cfg.Model),
		attribute.Int("llm.messages", len(messages)),
		attribute.Int("llm.tools", len(tools)),
	))
	defer span.End()

	sched := newSchedule(c.cfg.RetryDelays, c.cfg.MaxAttempts)
	var (
		result  *Completion
		attempt int
	)
	operation := func() error {
		attempt++
		start := time.Now()
		res, err := c.do(ctx, body, co.timeout)
		if err == nil {
			c.metrics.ModelRequest("ok", time.Since(start))
			result = res
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var apiErr *Error
		if errors.As(err, &apiErr) {
			c.metrics.ModelRequest(outcome(apiErr), time.Since(start))
			switch {
			case errors.Is(apiErr, ErrRateLimited):
				sched.hint = apiErr.RetryAfter
				return err
			case errors.Is(apiErr, ErrTransientBackend):
				return err
			}
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		reason := "transient"
		if errors.Is(err, ErrRateLimited) {
			reason = "rate_limited"
		}
		c.metrics.ModelRetry(reason)
		c.logger.Warn("model request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	if err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(sched, ctx), notify, timer); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Int("llm.attempts", attempt))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.attempts", attempt),
		attribute.Int("llm.tool_calls", len(result.ToolCalls)),
		attribute.Int("llm.total_tokens", result.Usage.TotalTokens),
	)
	return result, nil
}

func outcome(err *Error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTransientBackend):
		return "transient"
	case errors.Is(err, ErrClientRequest):
		return "client_error"
	default:
		return "malformed"
	}
}

func (c *Client) encodeRequest(messages []Message, tools []ToolDefinition) ([]byte, error) {
	req := chatRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	}
	if c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		req.Temperature = &t
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	return json.Marshal(req)
}

// do performs a single HTTP attempt and classifies its outcome.
func (c *Client) do(ctx context.Context, body []byte, timeout time.Duration) (*Completion, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrClientRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrTransientBackend, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Kind: ErrTransientBackend, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return nil, &Error{
			Kind:       ErrRateLimited,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Body:       truncateBody(raw),
		}
	case code >= 500:
		return nil, &Error{Kind: ErrTransientBackend, StatusCode: code, Body: truncateBody(raw)}
	case code < 200 || code >= 300:
		return nil, &Error{Kind: ErrClientRequest, StatusCode: code, Body: truncateBody(raw)}
	}
	return c.parse(raw)
}

type chatChoice struct {
	Message      json.RawMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type chatResponse struct {
	Choices *[]chatChoice   `json:"choices"`
	Usage   *Usage          `json:"usage"`
	Error   json.RawMessage `json:"error"`
}

type wireMessage struct {
	Role      string            `json:"role"`
	Content   json.RawMessage   `json:"content"`
	ToolCalls []json.RawMessage `json:"tool_calls"`
}

type wireInboundCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (c *Client) parse(raw []byte) (*Completion, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, malformed("invalid JSON: %w", err)
	}
	if isPresent(resp.Error) {
		return nil, malformed("backend error payload: %s", truncateBody(resp.Error))
	}
	if resp.Choices == nil {
		return nil, malformed("missing choices")
	}
	if len(*resp.Choices) == 0 {
		return nil, malformed("empty choices")
	}
	choice := (*resp.Choices)[0]
	if !isPresent(choice.Message) {
		return nil, malformed("missing message in first choice")
	}
	var msg wireMessage
	if err := json.Unmarshal(choice.Message, &msg); err != nil {
		return nil, malformed("invalid message: %w", err)
	}

	out := &Completion{
		Content: decodeContent(msg.Content),
		Message: choice.Message,
	}
	if resp.Usage != nil {
		out.Usage = *resp.Usage
	}
	for i, rawCall := range msg.ToolCalls {
		var call wireInboundCall
		if err := json.Unmarshal(rawCall, &call); err != nil {
			c.logger.Warn("skipping tool call that is not an object", zap.Int("index", i), zap.Error(err))
			continue
		}
		if call.Function == nil || strings.TrimSpace(call.Function.Name) == "" {
			c.logger.Warn("skipping tool call without function", zap.Int("index", i))
			continue
		}
		args, ok := normalizeArguments(call.Function.Arguments)
		if !ok {
			c.logger.Warn("tool call arguments could not be decoded, using empty arguments",
				zap.String("tool", call.Function.Name),
				zap.String("arguments", truncateBody(call.Function.Arguments)))
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
	}
	if len(out.ToolCalls) == 0 && describesToolCall(out.Content) {
		c.logger.Warn("model described a tool call in text instead of requesting it",
			zap.String("content", truncateBody([]byte(out.Content))))
	}
	return out, nil
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func decodeContent(raw json.RawMessage) string {
	if !isPresent(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// normalizeArguments accepts an object or a JSON string holding an object.
// Anything else degrades to an empty map; ok reports whether decoding worked.
func normalizeArguments(raw json.RawMessage) (map[string]any, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, true
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return map[string]any{}, false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return map[string]any{}, true
		}
		trimmed = []byte(s)
	}
	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil || args == nil {
		return map[string]any{}, false
	}
	return args, true
}

func describesToolCall(content string) bool {
	lc := strings.ToLower(content)
	if strings.Contains(lc, "<tool_call>") {
		return true
	}
	return strings.Contains(lc, `"arguments"`) && (strings.Contains(lc, "web_search") || strings.Contains(lc, "web_fetch"))
}
