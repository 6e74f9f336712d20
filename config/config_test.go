package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bletchley.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesFileEnvAndDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "llm": {"model": "test/model"},
  "research": {"max_iterations": 5},
  "storage": {"driver": "memory"}
}`)
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("BLETCHLEY_TOOLS_FETCH_PROVIDER", "chromedp")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("BLETCHLEY_STORAGE_REDIS_HOST", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "test/model" {
		t.Fatalf("expected model from file, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "or-key" {
		t.Fatalf("expected api key from OPENROUTER_API_KEY, got %q", cfg.LLM.APIKey)
	}
	if cfg.Tools.Fetch.Provider != "chromedp" {
		t.Fatalf("expected fetch provider override, got %q", cfg.Tools.Fetch.Provider)
	}
	if cfg.Research.MaxIterations != 5 {
		t.Fatalf("expected max_iterations 5, got %d", cfg.Research.MaxIterations)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(cfg.LLM.RetryDelays) != len(want) {
		t.Fatalf("unexpected retry delays: %v", cfg.LLM.RetryDelays)
	}
	for i := range want {
		if cfg.LLM.RetryDelays[i] != want[i] {
			t.Fatalf("retry delay %d: want %s got %s", i, want[i], cfg.LLM.RetryDelays[i])
		}
	}
	if cfg.LLM.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.LLM.MaxAttempts)
	}
	if cfg.Server.Address != "0.0.0.0:8000" {
		t.Fatalf("unexpected default address %q", cfg.Server.Address)
	}
	if cfg.Storage.Redis.Enabled() {
		t.Fatalf("redis should be disabled without a host")
	}
}

func TestLoadRejectsUnknownStorageDriver(t *testing.T) {
	path := writeConfig(t, `{"storage": {"driver": "sqlite"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unsupported storage driver")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "research"}
	if got, want := p.DSN(), "postgres://u:p@db:5432/research?sslmode=disable"; got != want {
		t.Fatalf("dsn: want %q got %q", want, got)
	}
	p.URL = "postgres://override"
	if p.DSN() != "postgres://override" {
		t.Fatalf("expected explicit url to win")
	}
	if err := (PostgresConfig{}).Validate(); err == nil {
		t.Fatalf("expected validation error without host")
	}
}

func TestResearchNormalizeDefaults(t *testing.T) {
	r := ResearchConfig{}.Normalize()
	if r.MaxIterations != 20 || r.PersistAttempts != 3 || r.PersistTimeout != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v", r)
	}
}

func TestToolsNormalizeAndValidate(t *testing.T) {
	tc := ToolsConfig{Fetch: FetchConfig{Provider: " ChromeDP "}}.Normalize()
	if tc.Search.Provider != "brave" || tc.Fetch.Provider != "chromedp" || tc.Search.Burst != 1 {
		t.Fatalf("unexpected normalized tools config: %+v", tc)
	}
	if err := tc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	tc.Fetch.Provider = "curl"
	if err := tc.Validate(); err == nil {
		t.Fatalf("expected unsupported fetch provider error")
	}
}
