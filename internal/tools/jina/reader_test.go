package jina

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agent-bletchley/bletchley/internal/tools"
)

func TestReaderModeParsesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/https://example.com/a" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer jina-key" {
			t.Errorf("missing bearer token")
		}
		_, _ = io.WriteString(w, `{"code":200,"data":{"title":"Overfunding","url":"https://example.com/a","content":"Body text"}}`)
	}))
	defer srv.Close()

	r := New("jina-key", srv.URL, time.Second)
	text, err := r.Fetch(context.Background(), "https://example.com/a", tools.FetchReader)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if text != "# Overfunding\n\nBody text" {
		t.Fatalf("unexpected text %q", text)
	}
	if tools.ExtractTitle(text, "https://example.com/a") != "Overfunding" {
		t.Fatalf("title should be recoverable from reader output")
	}
}

func TestRawModeReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Return-Format") != "html" {
			t.Errorf("raw mode should request html")
		}
		_, _ = io.WriteString(w, "<html><h1>Raw</h1></html>")
	}))
	defer srv.Close()

	text, err := New("", srv.URL, time.Second).Fetch(context.Background(), "https://example.com", tools.FetchRaw)
	if err != nil || !strings.Contains(text, "<h1>Raw</h1>") {
		t.Fatalf("unexpected raw fetch: %q %v", text, err)
	}
}

func TestFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New("", srv.URL, time.Second).Fetch(context.Background(), "https://example.com", tools.FetchReader)
	var se *tools.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
}
