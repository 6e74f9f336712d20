package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json or console
}

func (g GeneralConfig) Normalize() GeneralConfig {
	g.LogLevel = strings.ToLower(strings.TrimSpace(g.LogLevel))
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	g.LogFormat = strings.ToLower(strings.TrimSpace(g.LogFormat))
	if g.LogFormat == "" {
		g.LogFormat = "json"
	}
	return g
}

func (g GeneralConfig) Validate() error {
	switch g.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("general.log_format must be json or console, got %q", g.LogFormat)
	}
	return nil
}

// ServerConfig contains HTTP server, CORS and auth settings
type ServerConfig struct {
	Address         string          `mapstructure:"address"`
	FrontendURL     string          `mapstructure:"frontend_url"`
	JWTSecret       string          `mapstructure:"jwt_secret"` // empty disables auth
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	WebSocket       WebSocketConfig `mapstructure:"websocket"`
}

// WebSocketConfig tunes the per-connection writer of the realtime endpoint.
type WebSocketConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

func (s ServerConfig) Normalize() ServerConfig {
	s.Address = strings.TrimSpace(s.Address)
	if s.Address == "" {
		s.Address = "0.0.0.0:8000"
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 15 * time.Second
	}
	if s.WebSocket.SendBuffer <= 0 {
		s.WebSocket.SendBuffer = 64
	}
	if s.WebSocket.WriteTimeout <= 0 {
		s.WebSocket.WriteTimeout = 10 * time.Second
	}
	if s.WebSocket.PingInterval <= 0 {
		s.WebSocket.PingInterval = 30 * time.Second
	}
	if s.WebSocket.ReadLimit <= 0 {
		s.WebSocket.ReadLimit = 64 << 10
	}
	return s
}

// LLMConfig describes the OpenRouter-compatible reasoning backend.
type LLMConfig struct {
	BaseURL     string          `mapstructure:"base_url"`
	APIKey      string          `mapstructure:"api_key"`
	Model       string          `mapstructure:"model"`
	Referer     string          `mapstructure:"referer"`
	Title       string          `mapstructure:"title"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	MaxAttempts int             `mapstructure:"max_attempts"`
	RetryDelays []time.Duration `mapstructure:"retry_delays"`
	Temperature float64         `mapstructure:"temperature"`
	MaxTokens   int             `mapstructure:"max_tokens"`
}

func (l LLMConfig) Normalize() LLMConfig {
	l.BaseURL = strings.TrimRight(strings.TrimSpace(l.BaseURL), "/")
	if l.BaseURL == "" {
		l.BaseURL = "https://openrouter.ai/api/v1"
	}
	if strings.TrimSpace(l.Model) == "" {
		l.Model = "alibaba/tongyi-deepresearch-30b-a3b"
	}
	if l.Timeout <= 0 {
		l.Timeout = 120 * time.Second
	}
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = 3
	}
	if len(l.RetryDelays) == 0 {
		l.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	return l
}

func (l LLMConfig) Validate() error {
	for _, d := range l.RetryDelays {
		if d < 0 {
			return fmt.Errorf("llm.retry_delays cannot contain negative durations")
		}
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0,2]")
	}
	return nil
}

// ResearchConfig bounds the job loop.
type ResearchConfig struct {
	MaxIterations     int           `mapstructure:"max_iterations"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"` // 0 = unlimited
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
	PersistAttempts   int           `mapstructure:"persist_attempts"`
	PersistBackoff    time.Duration `mapstructure:"persist_backoff"`
	CancelTTL         time.Duration `mapstructure:"cancel_ttl"`
	SystemPrompt      string        `mapstructure:"system_prompt"`
}

func (r ResearchConfig) Normalize() ResearchConfig {
	if r.MaxIterations <= 0 {
		r.MaxIterations = 20
	}
	if r.JobTimeout <= 0 {
		r.JobTimeout = 30 * time.Minute
	}
	if r.PersistTimeout <= 0 {
		r.PersistTimeout = 10 * time.Second
	}
	if r.PersistAttempts <= 0 {
		r.PersistAttempts = 3
	}
	if r.PersistBackoff <= 0 {
		r.PersistBackoff = 500 * time.Millisecond
	}
	if r.CancelTTL <= 0 {
		r.CancelTTL = 24 * time.Hour
	}
	return r
}

func (r ResearchConfig) Validate() error {
	if r.MaxConcurrentJobs < 0 {
		return fmt.Errorf("research.max_concurrent_jobs cannot be negative")
	}
	return nil
}

// ToolsConfig configures the external search/fetch providers.
type ToolsConfig struct {
	Search SearchConfig `mapstructure:"search"`
	Fetch  FetchConfig  `mapstructure:"fetch"`
}

// SearchConfig contains web search settings
type SearchConfig struct {
	Provider      string        `mapstructure:"provider"`
	APIKey        string        `mapstructure:"api_key"`
	Endpoint      string        `mapstructure:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

// FetchConfig contains content fetch settings
type FetchConfig struct {
	Provider string        `mapstructure:"provider"` // jina or chromedp
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (t ToolsConfig) Normalize() ToolsConfig {
	t.Search.Provider = strings.ToLower(strings.TrimSpace(t.Search.Provider))
	if t.Search.Provider == "" {
		t.Search.Provider = "brave"
	}
	if t.Search.Endpoint == "" {
		t.Search.Endpoint = "https://api.search.brave.com/res/v1"
	}
	if t.Search.Timeout <= 0 {
		t.Search.Timeout = 30 * time.Second
	}
	if t.Search.RatePerSecond <= 0 {
		t.Search.RatePerSecond = 1
	}
	if t.Search.Burst <= 0 {
		t.Search.Burst = 1
	}
	t.Fetch.Provider = strings.ToLower(strings.TrimSpace(t.Fetch.Provider))
	if t.Fetch.Provider == "" {
		t.Fetch.Provider = "jina"
	}
	if t.Fetch.Endpoint == "" {
		t.Fetch.Endpoint = "https://r.jina.ai"
	}
	if t.Fetch.Timeout <= 0 {
		t.Fetch.Timeout = 60 * time.Second
	}
	return t
}

func (t ToolsConfig) Validate() error {
	if t.Search.Provider != "brave" {
		return fmt.Errorf("tools.search.provider %q is not supported", t.Search.Provider)
	}
	switch t.Fetch.Provider {
	case "jina", "chromedp":
	default:
		return fmt.Errorf("tools.fetch.provider %q is not supported", t.Fetch.Provider)
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Driver        string         `mapstructure:"driver"` // postgres or memory
	MigrationsDir string         `mapstructure:"migrations_dir"`
	AutoMigrate   bool           `mapstructure:"auto_migrate"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
}

func (s StorageConfig) Normalize() StorageConfig {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = "postgres"
	}
	if s.MigrationsDir == "" {
		s.MigrationsDir = "file://migrations"
	}
	return s
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "memory":
	case "postgres":
		if err := s.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", s.Driver)
	}
	return s.Redis.Validate()
}

// RedisConfig contains Redis connection settings. Redis is optional: an empty
// host disables the cancel flags, janitor lock and event relay.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Stream   string        `mapstructure:"stream"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if r.DB < 0 {
		return fmt.Errorf("storage.redis.db cannot be negative")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection string, preferring the explicit url.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// JanitorConfig schedules the sweep that fails abandoned jobs.
type JanitorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

func (j JanitorConfig) Normalize() JanitorConfig {
	if strings.TrimSpace(j.Schedule) == "" {
		j.Schedule = "* * * * *"
	}
	if j.StaleAfter <= 0 {
		j.StaleAfter = 45 * time.Minute
	}
	return j
}

// TelemetryConfig contains tracing settings. Prometheus metrics are always
// served on /metrics.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

func (t TelemetryConfig) Validate() error {
	if t.TracingEnabled && strings.TrimSpace(t.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when tracing is enabled")
	}
	return nil
}

// conventional provider variables accepted alongside BLETCHLEY_* names
var legacyEnv = map[string][]string{
	"llm.api_key":                {"BLETCHLEY_LLM_API_KEY", "OPENROUTER_API_KEY"},
	"tools.search.api_key":       {"BLETCHLEY_TOOLS_SEARCH_API_KEY", "BRAVE_SEARCH_API_KEY"},
	"tools.fetch.api_key":        {"BLETCHLEY_TOOLS_FETCH_API_KEY", "JINA_READER_API_KEY"},
	"storage.postgres.url":       {"BLETCHLEY_STORAGE_POSTGRES_URL", "DATABASE_URL"},
	"server.frontend_url":        {"BLETCHLEY_SERVER_FRONTEND_URL", "FRONTEND_URL"},
	"general.log_level":          {"BLETCHLEY_GENERAL_LOG_LEVEL", "LOG_LEVEL"},
	"storage.redis.host":         {"BLETCHLEY_STORAGE_REDIS_HOST", "REDIS_HOST"},
	"storage.redis.port":         {"BLETCHLEY_STORAGE_REDIS_PORT", "REDIS_PORT"},
	"server.jwt_secret":          {"BLETCHLEY_SERVER_JWT_SECRET", "JWT_SECRET"},
	"research.max_iterations":    {"BLETCHLEY_RESEARCH_MAX_ITERATIONS", "MAX_ITERATIONS"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "json")
	v.SetDefault("server.address", "0.0.0.0:8000")
	v.SetDefault("server.frontend_url", "http://localhost:3000")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.websocket.send_buffer", 64)
	v.SetDefault("server.websocket.write_timeout", "10s")
	v.SetDefault("server.websocket.ping_interval", "30s")
	v.SetDefault("server.websocket.read_limit", 64<<10)
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "alibaba/tongyi-deepresearch-30b-a3b")
	v.SetDefault("llm.referer", "https://github.com/agent-bletchley")
	v.SetDefault("llm.title", "Agent Bletchley")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.retry_delays", []string{"1s", "2s", "4s"})
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("research.max_iterations", 20)
	v.SetDefault("research.max_concurrent_jobs", 0)
	v.SetDefault("research.job_timeout", "30m")
	v.SetDefault("research.persist_timeout", "10s")
	v.SetDefault("research.persist_attempts", 3)
	v.SetDefault("research.persist_backoff", "500ms")
	v.SetDefault("research.cancel_ttl", "24h")
	v.SetDefault("research.system_prompt", "")
	v.SetDefault("tools.search.provider", "brave")
	v.SetDefault("tools.search.api_key", "")
	v.SetDefault("tools.search.endpoint", "https://api.search.brave.com/res/v1")
	v.SetDefault("tools.search.timeout", "30s")
	v.SetDefault("tools.search.rate_per_second", 1.0)
	v.SetDefault("tools.search.burst", 1)
	v.SetDefault("tools.fetch.provider", "jina")
	v.SetDefault("tools.fetch.api_key", "")
	v.SetDefault("tools.fetch.endpoint", "https://r.jina.ai")
	v.SetDefault("tools.fetch.timeout", "60s")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.migrations_dir", "file://migrations")
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "bletchley")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", "5s")
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.redis.stream", "research.events")
	v.SetDefault("janitor.enabled", true)
	v.SetDefault("janitor.schedule", "* * * * *")
	v.SetDefault("janitor.stale_after", "45m")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "bletchley")
}

// Load reads config from the given file (or the default search paths when
// empty), a local .env file and BLETCHLEY_* environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("BLETCHLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.General = cfg.General.Normalize()
	cfg.Server = cfg.Server.Normalize()
	cfg.LLM = cfg.LLM.Normalize()
	cfg.Research = cfg.Research.Normalize()
	cfg.Tools = cfg.Tools.Normalize()
	cfg.Storage = cfg.Storage.Normalize()
	cfg.Janitor = cfg.Janitor.Normalize()

	if err := cfg.General.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Research.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Tools.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
