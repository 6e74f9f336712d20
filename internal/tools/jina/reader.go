package jina

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agent-bletchley/bletchley/internal/tools"
)

const (
	DefaultEndpoint = "https://r.jina.ai"
	maxBodyBytes    = 16 << 20
)

// Reader fetches pages through the Jina reader proxy, which returns
// readable markdown (reader mode) or the page HTML (raw mode).
type Reader struct {
	APIKey   string
	Endpoint string
	Client   *http.Client
}

func New(apiKey, endpoint string, timeout time.Duration) *Reader {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Reader{
		APIKey:   apiKey,
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: timeout},
	}
}

type readerResponse struct {
	Code int `json:"code"`
	Data struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"data"`
}

func (r *Reader) Fetch(ctx context.Context, url string, mode tools.FetchMode) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Endpoint+"/"+url, nil)
	if err != nil {
		return "", err
	}
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}
	if mode == tools.FetchRaw {
		req.Header.Set("X-Return-Format", "html")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return "", &tools.StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	if mode == tools.FetchRaw {
		return string(body), nil
	}

	var parsed readerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// some deployments ignore Accept and answer with plain markdown
		return string(body), nil
	}
	if parsed.Code != 0 && (parsed.Code < 200 || parsed.Code >= 300) {
		return "", &tools.StatusError{StatusCode: parsed.Code, Body: "reader reported failure"}
	}
	content := parsed.Data.Content
	if title := strings.TrimSpace(parsed.Data.Title); title != "" {
		content = fmt.Sprintf("# %s\n\n%s", title, content)
	}
	return content, nil
}
