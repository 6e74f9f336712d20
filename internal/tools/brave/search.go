package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agent-bletchley/bletchley/internal/tools"
)

const DefaultEndpoint = "https://api.search.brave.com/res/v1"

// Search queries the Brave web search API. Requests are throttled by a token
// bucket because the API enforces a per-second quota per subscription.
type Search struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
	Limiter  *rate.Limiter
}

func New(apiKey, endpoint string, timeout time.Duration, perSecond float64, burst int) *Search {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Search{
		APIKey:   apiKey,
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
		Limiter:  rate.NewLimiter(limit, burst),
	}
}

func (s *Search) Search(ctx context.Context, query string, count int) ([]tools.SearchResult, error) {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	// https://api.search.brave.com/app/documentation/web-search
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint+"/web/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.APIKey)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &tools.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode brave response: %w", err)
	}
	out := make([]tools.SearchResult, 0, len(raw.Web.Results))
	for i, r := range raw.Web.Results {
		if i >= count {
			break
		}
		out = append(out, tools.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return out, nil
}
