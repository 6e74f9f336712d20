package server

import (
	"net/http"
	"strings"

	"github.com/blevesearch/bleve"
	"github.com/labstack/echo/v4"

	"github.com/agent-bletchley/bletchley/internal/research"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	hitSnippetRunes    = 240
)

type sourceDoc struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Content string `json:"content"`
}

type SourceHit struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Rank    int     `json:"rank"`
}

// SearchSources ranks a job's sources against q with a throwaway in-memory
// BM25 index.
func SearchSources(sources []research.Source, q string, k int) ([]SourceHit, error) {
	if len(sources) == 0 {
		return []SourceHit{}, nil
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	defer index.Close()

	docs := make(map[string]sourceDoc, len(sources))
	for _, s := range sources {
		doc := sourceDoc{URL: s.URL, Title: deref(s.Title), Snippet: deref(s.Snippet), Content: deref(s.Content)}
		docs[s.ID] = doc
		if err := index.Index(s.ID, doc); err != nil {
			return nil, err
		}
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(q), k, 0, false)
	res, err := index.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]SourceHit, 0, len(res.Hits))
	for i, hit := range res.Hits {
		doc := docs[hit.ID]
		snippet := doc.Snippet
		if snippet == "" {
			snippet = research.Excerpt(doc.Content, hitSnippetRunes)
		}
		out = append(out, SourceHit{URL: doc.URL, Title: doc.Title, Snippet: snippet, Score: hit.Score, Rank: i + 1})
	}
	return out, nil
}

func (h *JobsHandler) searchSources(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit, err := intQuery(c, "limit", defaultSearchLimit)
	if err != nil || limit < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	ctx := c.Request().Context()
	job, err := h.load(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	sources, err := h.store.ListSources(ctx, job.ID)
	if err != nil {
		return err
	}
	hits, err := SearchSources(sources, q, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"query": q, "hits": hits})
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
