package chromedp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"

	"github.com/agent-bletchley/bletchley/internal/tools"
)

const defaultUserAgent = "AgentBletchley/1.0 (+https://github.com/agent-bletchley)"

// Fetch renders pages in headless Chrome. Reader mode runs the rendered DOM
// through readability; raw mode returns the outer HTML.
type Fetch struct {
	Timeout   time.Duration
	UserAgent string

	render func(ctx context.Context, url string) (string, error)
}

func New(timeout time.Duration) *Fetch {
	f := &Fetch{Timeout: timeout, UserAgent: defaultUserAgent}
	f.render = f.fetchHTML
	return f
}

func (f *Fetch) Fetch(ctx context.Context, pageURL string, mode tools.FetchMode) (string, error) {
	if strings.TrimSpace(pageURL) == "" {
		return "", errors.New("invalid url")
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	render := f.render
	if render == nil {
		render = f.fetchHTML
	}
	html, err := render(ctx, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("render %s: %w", pageURL, ctx.Err())
		}
		return "", fmt.Errorf("render %s: %w", pageURL, err)
	}
	if mode == tools.FetchRaw {
		return html, nil
	}
	return Readable(html, pageURL)
}

// Readable extracts the article text from html and prefixes its title as a
// markdown heading.
func Readable(html, pageURL string) (string, error) {
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(pageURL))
	if err != nil {
		return "", fmt.Errorf("extract article: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if title := strings.TrimSpace(article.Title); title != "" {
		return "# " + title + "\n\n" + text, nil
	}
	return text, nil
}

func (f *Fetch) fetchHTML(ctx context.Context, pageURL string) (string, error) {
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(ua),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
