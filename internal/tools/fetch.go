package tools

import (
	"context"
	"html"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// MaxFetchWords bounds the content returned and persisted for one fetch.
const MaxFetchWords = 10000

type FetchMode string

const (
	FetchReader FetchMode = "reader"
	FetchRaw    FetchMode = "raw"
)

type FetchOutput struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	WordCount int       `json:"word_count"`
	Mode      FetchMode `json:"mode"`
}

func (e *Executor) webFetch(ctx context.Context, params map[string]any) Result {
	raw := stringParam(params["url"])
	if raw == "" {
		return Result{Tool: ToolWebFetch, Error: &ToolError{Kind: KindInvalidArgument, Message: "url is required"}}
	}
	mode := FetchMode(strings.ToLower(stringParam(params["mode"])))
	switch mode {
	case "":
		mode = FetchReader
	case FetchReader, FetchRaw:
	default:
		return Result{Tool: ToolWebFetch, Error: &ToolError{Kind: KindInvalidArgument, Message: "mode must be reader or raw"}}
	}
	if e.fetch == nil {
		return Result{Tool: ToolWebFetch, Error: &ToolError{Kind: KindProvider, Message: "fetch provider not configured"}}
	}

	target := NormalizeURL(raw)
	text, err := e.fetch.Fetch(ctx, target, mode)
	if err != nil {
		return Result{Tool: ToolWebFetch, Error: classify(err)}
	}
	content, words := TruncateWords(text, e.maxWords)
	return Result{Tool: ToolWebFetch, Output: FetchOutput{
		URL:       target,
		Title:     ExtractTitle(text, target),
		Content:   content,
		WordCount: words,
		Mode:      mode,
	}}
}

// NormalizeURL prefixes https:// when the scheme is missing.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return raw
	case strings.HasPrefix(raw, "//"):
		return "https:" + raw
	case !strings.Contains(raw, "://"):
		return "https://" + raw
	}
	return raw
}

// TruncateWords keeps at most max whitespace-separated words, cutting at the
// end of the last kept word so the original spacing is preserved. It returns
// the kept text and its word count.
func TruncateWords(text string, max int) (string, int) {
	count := 0
	inWord := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				inWord = false
				if max > 0 && count == max {
					return text[:i], count
				}
			}
			continue
		}
		if !inWord {
			inWord = true
			count++
		}
	}
	return text, count
}

var (
	markdownHeading = regexp.MustCompile(`(?m)^ {0,3}#{1,6}[ \t]+(.+?)[ \t#]*$`)
	titleLine       = regexp.MustCompile(`(?m)^Title:[ \t]*(.+?)[ \t]*$`)
	htmlHeading     = regexp.MustCompile(`(?is)<(?:h[1-6]|title)\b[^>]*>(.*?)</(?:h[1-6]|title)>`)
	htmlTag         = regexp.MustCompile(`<[^>]+>`)
)

// ExtractTitle returns the first heading in text, falling back to the host of
// pageURL.
func ExtractTitle(text, pageURL string) string {
	best, bestAt := "", -1
	for _, re := range []*regexp.Regexp{titleLine, markdownHeading, htmlHeading} {
		loc := re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		candidate := text[loc[2]:loc[3]]
		candidate = strings.TrimSpace(html.UnescapeString(htmlTag.ReplaceAllString(candidate, "")))
		candidate = strings.Join(strings.Fields(candidate), " ")
		if candidate == "" {
			continue
		}
		if bestAt == -1 || loc[0] < bestAt {
			best, bestAt = candidate, loc[0]
		}
	}
	if best != "" {
		return best
	}
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return pageURL
}
