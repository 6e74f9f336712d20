// Package tools executes the fixed set of tools the reasoning model may call
// and normalizes their outcomes into a uniform Result.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/agent-bletchley/bletchley/internal/llm"
	"github.com/agent-bletchley/bletchley/internal/metrics"
)

const (
	ToolWebSearch = "web_search"
	ToolWebFetch  = "web_fetch"
)

// ErrUnknownTool is returned for tool names outside the registry.
var ErrUnknownTool = errors.New("unknown tool")

// Tool error kinds reported inside a Result.
const (
	KindHTTP            = "http_error"
	KindNetwork         = "network_error"
	KindTimeout         = "timeout"
	KindInvalidArgument = "invalid_arguments"
	KindProvider        = "provider_error"
	KindUnknownTool     = "unknown_tool"
)

// ToolError is a tool failure converted into data so the research loop can
// feed it back to the model instead of aborting.
type ToolError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (e *ToolError) Error() string { return e.Kind + ": " + e.Message }

// Result is the outcome of one tool call.
type Result struct {
	Tool   string     `json:"tool"`
	Output any        `json:"result,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Error == nil }

// StatusError is returned by providers for non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// SearchProvider runs a web search.
type SearchProvider interface {
	Search(ctx context.Context, query string, count int) ([]SearchResult, error)
}

// FetchProvider retrieves the text of a page.
type FetchProvider interface {
	Fetch(ctx context.Context, url string, mode FetchMode) (string, error)
}

// Executor dispatches tool calls by name.
type Executor struct {
	search   SearchProvider
	fetch    FetchProvider
	logger   *zap.Logger
	metrics  *metrics.Metrics
	maxWords int
	timeout  time.Duration
}

type Option func(*Executor)

func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithMaxWords overrides the fetch truncation limit.
func WithMaxWords(n int) Option { return func(e *Executor) { e.maxWords = n } }

// WithCallTimeout bounds each provider call.
func WithCallTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

func NewExecutor(search SearchProvider, fetch FetchProvider, opts ...Option) *Executor {
	e := &Executor{
		search:   search,
		fetch:    fetch,
		logger:   zap.NewNop(),
		maxWords: MaxFetchWords,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("tools")
	return e
}

// Execute runs the named tool. Provider failures are reported in
// Result.Error; the returned error is non-nil only for unknown tools.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any) (Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var res Result
	switch name {
	case ToolWebSearch:
		res = e.webSearch(ctx, params)
	case ToolWebFetch:
		res = e.webFetch(ctx, params)
	default:
		e.metrics.ToolCall(name, "unknown")
		e.logger.Warn("model requested unknown tool", zap.String("tool", name))
		return Result{Tool: name, Error: &ToolError{Kind: KindUnknownTool, Message: "unknown tool: " + name}},
			fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	outcome := "ok"
	if !res.OK() {
		outcome = res.Error.Kind
		e.logger.Warn("tool call failed",
			zap.String("tool", name),
			zap.String("kind", res.Error.Kind),
			zap.String("message", res.Error.Message))
	}
	e.metrics.ToolCall(name, outcome)
	return res, nil
}

// Definitions returns the JSON-schema tool descriptions sent to the model.
func (e *Executor) Definitions() []llm.ToolDefinition {
	return Definitions()
}

func Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name: ToolWebSearch,
				Description: "Search the web with Brave Search. Call this function (do not describe it) to discover " +
					"sources; it returns result titles, URLs and snippets. Use it before web_fetch.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The search query string",
						},
						"count": map[string]any{
							"type":        "integer",
							"description": fmt.Sprintf("Number of results to return (default: %d, max: %d)", DefaultSearchCount, MaxSearchResults),
							"minimum":     1,
							"maximum":     MaxSearchResults,
							"default":     DefaultSearchCount,
						},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name: ToolWebFetch,
				Description: "Fetch a web page and return its readable text, title and word count. Call this " +
					"function (do not describe it) to read articles found with web_search.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{
							"type":        "string",
							"description": "The URL to fetch",
						},
						"mode": map[string]any{
							"type":        "string",
							"description": "'reader' for parsed content, 'raw' for the raw page",
							"enum":        []string{string(FetchReader), string(FetchRaw)},
							"default":     string(FetchReader),
						},
					},
					"required": []string{"url"},
				},
			},
		},
	}
}

func classify(err error) *ToolError {
	var se *StatusError
	if errors.As(err, &se) {
		return &ToolError{Kind: KindHTTP, Message: se.Error(), StatusCode: se.StatusCode}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ToolError{Kind: KindTimeout, Message: err.Error()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ToolError{Kind: KindTimeout, Message: err.Error()}
	}
	var ue *url.Error
	var oe *net.OpError
	if errors.As(err, &ue) || errors.As(err, &oe) {
		return &ToolError{Kind: KindNetwork, Message: err.Error()}
	}
	return &ToolError{Kind: KindProvider, Message: err.Error()}
}
