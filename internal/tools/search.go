package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	DefaultSearchCount = 5
	MaxSearchResults   = 10
)

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

func (e *Executor) webSearch(ctx context.Context, params map[string]any) Result {
	query, supplied := firstQuery(params["query"])
	if supplied > 1 {
		e.logger.Warn("web_search received multiple queries, using the first",
			zap.Int("supplied", supplied), zap.String("query", query))
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{Tool: ToolWebSearch, Output: SearchOutput{Results: []SearchResult{}}}
	}

	count := intParam(params["count"], DefaultSearchCount)
	if count <= 0 {
		count = DefaultSearchCount
	}
	if count > MaxSearchResults {
		count = MaxSearchResults
	}
	if e.search == nil {
		return Result{Tool: ToolWebSearch, Error: &ToolError{Kind: KindProvider, Message: "search provider not configured"}}
	}

	raw, err := e.search.Search(ctx, query, count)
	if err != nil {
		return Result{Tool: ToolWebSearch, Error: classify(err)}
	}
	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		r.Title = strings.TrimSpace(r.Title)
		r.URL = strings.TrimSpace(r.URL)
		if r.Title == "" || r.URL == "" {
			continue
		}
		r.Snippet = strings.TrimSpace(r.Snippet)
		results = append(results, r)
		if len(results) == count {
			break
		}
	}
	return Result{Tool: ToolWebSearch, Output: SearchOutput{Query: query, Results: results}}
}

// firstQuery accepts a string or a list of strings and reports how many
// queries were supplied.
func firstQuery(v any) (string, int) {
	switch q := v.(type) {
	case string:
		return q, 1
	case []string:
		if len(q) == 0 {
			return "", 0
		}
		return q[0], len(q)
	case []any:
		if len(q) == 0 {
			return "", 0
		}
		return fmt.Sprint(q[0]), len(q)
	case nil:
		return "", 0
	default:
		return fmt.Sprint(q), 1
	}
}

func intParam(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

func stringParam(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
