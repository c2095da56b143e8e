package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configuration for the assistant.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	FPL       FPLConfig       `mapstructure:"fpl"`
	News      NewsConfig      `mapstructure:"news"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"` // text or json
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
}

func (g GeneralConfig) Validate() error {
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return fmt.Errorf("general.log_level: %w", err)
	}
	switch g.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("general.log_format must be text or json, got %q", g.LogFormat)
	}
	return nil
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	BodyLimit string `mapstructure:"body_limit"`
}

// LLMConfig selects the OpenAI-compatible endpoint and the model used by each stage.
type LLMConfig struct {
	Provider   string        `mapstructure:"provider"` // openai or groq
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Analysis   LLMModel      `mapstructure:"analysis"`
	Generation LLMModel      `mapstructure:"generation"`
	Validation LLMModel      `mapstructure:"validation"`
	// HistoryWindow caps the conversation messages sent with each prompt.
	HistoryWindow int `mapstructure:"history_window"`
	// MaxReplyRunes truncates generated replies; 0 disables.
	MaxReplyRunes int `mapstructure:"max_reply_runes"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

const groqBaseURL = "https://api.groq.com/openai/v1"

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return errors.New("llm.api_key required (or OPENAI_API_KEY / GROQ_API_KEY)")
	}
	switch l.Provider {
	case "openai", "groq":
	default:
		return fmt.Errorf("llm.provider must be openai or groq, got %q", l.Provider)
	}
	for stage, m := range map[string]LLMModel{"analysis": l.Analysis, "generation": l.Generation, "validation": l.Validation} {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("llm.%s.name required", stage)
		}
	}
	return nil
}

// AgentConfig tunes the turn loop and tool dispatch.
type AgentConfig struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	MaxConcurrentTools int           `mapstructure:"max_concurrent_tools"`
	ToolTimeout        time.Duration `mapstructure:"tool_timeout"`
	HistoryLimit       int           `mapstructure:"history_limit"`
}

func (a AgentConfig) Validate() error {
	if a.MaxRetries < 0 {
		return errors.New("agent.max_retries must be >= 0")
	}
	if a.MaxConcurrentTools <= 0 {
		return errors.New("agent.max_concurrent_tools must be > 0")
	}
	return nil
}

// FPLConfig points at the Fantasy Premier League API.
type FPLConfig struct {
	BaseURL          string         `mapstructure:"base_url"`
	DefaultManagerID int            `mapstructure:"default_manager_id"`
	Managers         map[string]int `mapstructure:"managers"` // session id -> manager id
	BootstrapTTL     time.Duration  `mapstructure:"bootstrap_ttl"`
	Timeout          time.Duration  `mapstructure:"timeout"`
	Retries          int            `mapstructure:"retries"`
	PositionLimit    int            `mapstructure:"position_limit"`
}

// NewsConfig selects the news search provider. An empty provider disables the news tool.
type NewsConfig struct {
	Provider    string   `mapstructure:"provider"` // tavily, brave or serper
	APIKey      string   `mapstructure:"api_key"`
	BaseURL     string   `mapstructure:"base_url"`
	MaxResults  int      `mapstructure:"max_results"`
	RecencyDays int      `mapstructure:"recency_days"`
	SearchDepth string   `mapstructure:"search_depth"`
	Sites       []string `mapstructure:"sites"`
}

func (n NewsConfig) Validate() error {
	switch n.Provider {
	case "":
		return nil
	case "tavily", "brave", "serper":
	default:
		return fmt.Errorf("news.provider must be tavily, brave or serper, got %q", n.Provider)
	}
	if strings.TrimSpace(n.APIKey) == "" {
		return fmt.Errorf("news.api_key required for provider %s", n.Provider)
	}
	return nil
}

// SessionConfig chooses the session store.
type SessionConfig struct {
	Store       string        `mapstructure:"store"` // inmemory or redis
	TTL         time.Duration `mapstructure:"ttl"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	Prefix      string        `mapstructure:"prefix"`
}

// StorageConfig contains database settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

// PostgresConfig contains Postgres connection settings. The request log is
// enabled when a url or host is set.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Migrate  bool          `mapstructure:"migrate"` // apply migrations on serve
}

func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection string.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl), nil
}

// TelemetryConfig contains tracing and metrics settings
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"` // traces are exported only when set
}

// WhatsAppConfig configures the Cloud API webhook and sender.
type WhatsAppConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	VerifyToken   string        `mapstructure:"verify_token"`
	AppSecret     string        `mapstructure:"app_secret"`
	AccessToken   string        `mapstructure:"access_token"`
	PhoneNumberID string        `mapstructure:"phone_number_id"`
	APIBaseURL    string        `mapstructure:"api_base_url"`
	TurnTimeout   time.Duration `mapstructure:"turn_timeout"`
}

func (w WhatsAppConfig) Validate() error {
	if !w.Enabled {
		return nil
	}
	if w.VerifyToken == "" || w.AccessToken == "" || w.PhoneNumberID == "" {
		return errors.New("whatsapp.verify_token, access_token and phone_number_id required when whatsapp is enabled")
	}
	return nil
}

// Validate checks every section the process will use.
func (c *Config) Validate() error {
	checks := []func() error{c.General.Validate, c.LLM.Validate, c.Agent.Validate, c.News.Validate, c.WhatsApp.Validate}
	switch c.Session.Store {
	case "inmemory":
	case "redis":
		checks = append(checks, c.Storage.Redis.Validate)
	default:
		return fmt.Errorf("session.store must be inmemory or redis, got %q", c.Session.Store)
	}
	if c.Storage.Postgres.Enabled() {
		checks = append(checks, c.Storage.Postgres.Validate)
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "text")
	v.SetDefault("general.turn_timeout", 2*time.Minute)

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.body_limit", "256K")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.analysis.name", "gpt-4o-mini")
	v.SetDefault("llm.analysis.temperature", 0.0)
	v.SetDefault("llm.analysis.max_tokens", 600)
	v.SetDefault("llm.generation.name", "gpt-4o-mini")
	v.SetDefault("llm.generation.temperature", 0.6)
	v.SetDefault("llm.generation.max_tokens", 900)
	v.SetDefault("llm.validation.name", "gpt-4o-mini")
	v.SetDefault("llm.validation.temperature", 0.0)
	v.SetDefault("llm.validation.max_tokens", 500)
	v.SetDefault("llm.history_window", 12)
	v.SetDefault("llm.max_reply_runes", 3500)

	v.SetDefault("agent.max_retries", 2)
	v.SetDefault("agent.max_concurrent_tools", 8)
	v.SetDefault("agent.tool_timeout", 20*time.Second)
	v.SetDefault("agent.history_limit", 40)

	v.SetDefault("fpl.base_url", "https://fantasy.premierleague.com/api")
	v.SetDefault("fpl.default_manager_id", 2723529)
	v.SetDefault("fpl.bootstrap_ttl", 10*time.Minute)
	v.SetDefault("fpl.timeout", 15*time.Second)
	v.SetDefault("fpl.retries", 2)
	v.SetDefault("fpl.position_limit", 20)

	v.SetDefault("news.provider", "")
	v.SetDefault("news.api_key", "")
	v.SetDefault("news.base_url", "")
	v.SetDefault("news.max_results", 3)
	v.SetDefault("news.recency_days", 7)
	v.SetDefault("news.search_depth", "advanced")

	v.SetDefault("session.store", "inmemory")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.lock_timeout", 30*time.Second)
	v.SetDefault("session.lock_ttl", 3*time.Minute)
	v.SetDefault("session.prefix", "gaffer:session")

	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.migrate", true)

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "gaffer")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.otlp_endpoint", "")

	v.SetDefault("whatsapp.enabled", false)
	v.SetDefault("whatsapp.verify_token", "")
	v.SetDefault("whatsapp.app_secret", "")
	v.SetDefault("whatsapp.access_token", "")
	v.SetDefault("whatsapp.phone_number_id", "")
	v.SetDefault("whatsapp.api_base_url", "https://graph.facebook.com/v21.0")
	v.SetDefault("whatsapp.turn_timeout", 2*time.Minute)
}

// bindWellKnownEnv maps conventional variable names onto config keys. The
// GAFFER_ prefixed name always wins.
func bindWellKnownEnv(v *viper.Viper) error {
	binds := map[string][]string{
		"llm.api_key":              {"GAFFER_LLM_API_KEY", "OPENAI_API_KEY", "GROQ_API_KEY"},
		"storage.redis.host":       {"GAFFER_STORAGE_REDIS_HOST", "REDIS_HOST"},
		"storage.redis.port":       {"GAFFER_STORAGE_REDIS_PORT", "REDIS_PORT"},
		"storage.redis.password":   {"GAFFER_STORAGE_REDIS_PASSWORD", "REDIS_PASSWORD"},
		"storage.postgres.url":     {"GAFFER_STORAGE_POSTGRES_URL", "DATABASE_URL"},
		"whatsapp.access_token":    {"GAFFER_WHATSAPP_ACCESS_TOKEN", "WHATSAPP_TOKEN"},
		"whatsapp.phone_number_id": {"GAFFER_WHATSAPP_PHONE_NUMBER_ID", "WHATSAPP_PHONE_NUMBER_ID"},
		"whatsapp.verify_token":    {"GAFFER_WHATSAPP_VERIFY_TOKEN", "WHATSAPP_VERIFY_TOKEN"},
		"telemetry.otlp_endpoint":  {"GAFFER_TELEMETRY_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
		"fpl.default_manager_id":   {"GAFFER_FPL_DEFAULT_MANAGER_ID", "FPL_MANAGER_ID"},
	}
	for key, envs := range binds {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}
	return nil
}

var newsKeyEnv = map[string]string{
	"tavily": "TAVILY_API_KEY",
	"brave":  "BRAVE_SEARCH_KEY",
	"serper": "SERPER_API_KEY",
}

// LoadConfig reads config.json from path, or from the usual search locations
// when path is empty, then applies GAFFER_* and well-known environment
// overrides. A missing file is only an error when path is given.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
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

	v.SetEnvPrefix("GAFFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindWellKnownEnv(v); err != nil {
		return nil, err
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
	if cfg.LLM.Provider == "groq" && cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = groqBaseURL
	}
	if cfg.News.APIKey == "" {
		if env, ok := newsKeyEnv[cfg.News.Provider]; ok {
			cfg.News.APIKey = os.Getenv(env)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
