package chromedp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agent-bletchley/bletchley/internal/tools"
)

const article = `<!doctype html>
<html><head><title>Overfunding Report</title></head>
<body>
<nav><a href="/">Home</a></nav>
<article>
<h1>Overfunding Report</h1>
<p>Regulators published a detailed paragraph about overfunding in public pension schemes this week, describing how surplus assets accumulated over a decade of strong returns.</p>
<p>A second paragraph explains that trustees are now weighing contribution holidays, benefit improvements and transfers of surplus back to sponsoring employers.</p>
<p>A third paragraph closes the article with commentary from analysts who expect further guidance before the end of the year.</p>
</article>
</body></html>`

func TestReaderModeExtractsArticle(t *testing.T) {
	f := &Fetch{render: func(ctx context.Context, url string) (string, error) { return article, nil }}
	text, err := f.Fetch(context.Background(), "https://news.example.com/a", tools.FetchReader)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.HasPrefix(text, "# ") {
		t.Fatalf("expected title heading, got %q", text)
	}
	if !strings.Contains(text, "contribution holidays") {
		t.Fatalf("expected article body, got %q", text)
	}
}

func TestRawModeReturnsHTML(t *testing.T) {
	f := &Fetch{render: func(ctx context.Context, url string) (string, error) { return article, nil }}
	text, err := f.Fetch(context.Background(), "https://news.example.com/a", tools.FetchRaw)
	if err != nil || text != article {
		t.Fatalf("raw mode should return html unchanged: %v", err)
	}
}

func TestRenderFailurePropagates(t *testing.T) {
	f := &Fetch{render: func(ctx context.Context, url string) (string, error) { return "", errors.New("chrome missing") }}
	if _, err := f.Fetch(context.Background(), "https://x", tools.FetchReader); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := f.Fetch(context.Background(), " ", tools.FetchReader); err == nil {
		t.Fatalf("expected invalid url error")
	}
}
