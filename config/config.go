package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Search    SearchConfig    `mapstructure:"search"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address        string   `mapstructure:"address"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AuthEnabled    bool     `mapstructure:"auth_enabled"`
	JWTSecret      string   `mapstructure:"jwt_secret"`
	// Bcrypt hash of the API password checked by the token endpoint.
	APIPasswordHash  string        `mapstructure:"api_password_hash"`
	TokenExpiry      time.Duration `mapstructure:"token_expiry"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	RunStreamEnabled bool          `mapstructure:"run_stream_enabled"`
}

// LLMConfig contains provider credentials, routing and rate limit policy
type LLMConfig struct {
	Providers  map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing    LLMRoutingConfig             `mapstructure:"routing"`
	RateLimits RateLimitConfig              `mapstructure:"rate_limits"`
}

// LLMProviderConfig represents a single LLM provider configuration
type LLMProviderConfig struct {
	Type    string        `mapstructure:"type"` // openai, anthropic
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig defines which model to use for each pipeline role.
// Models are addressed as "provider:model", e.g. "openai:gpt-4o".
type LLMRoutingConfig struct {
	Lead     string `mapstructure:"lead"`
	Subagent string `mapstructure:"subagent"`
	Citation string `mapstructure:"citation"`
}

// RateLimitConfig holds requests-per-minute quotas per provider family.
// Zero values fall back to conservative built-in defaults.
type RateLimitConfig struct {
	ProviderRPM map[string]int `mapstructure:"provider_rpm"`
	DefaultRPM  int            `mapstructure:"default_rpm"`
}

// ResearchConfig tunes the lead/subagent pipeline
type ResearchConfig struct {
	MaxRounds           int           `mapstructure:"max_rounds"`
	MaxSubagents        int           `mapstructure:"max_subagents"`
	SubagentConcurrency int           `mapstructure:"subagent_concurrency"`
	SubagentTimeout     time.Duration `mapstructure:"subagent_timeout"`
	MaxToolRounds       int           `mapstructure:"max_tool_rounds"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
}

// SearchConfig contains web discovery settings
type SearchConfig struct {
	BraveAPIKey      string        `mapstructure:"brave_api_key"`
	BraveSearchURL   string        `mapstructure:"brave_search_url"`
	MaxResults       int           `mapstructure:"max_results"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	// When true, pages are rendered in a headless browser before extraction.
	UseBrowser bool `mapstructure:"use_browser"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig contains Redis connection settings for the run-status cache
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	RunTTL   time.Duration `mapstructure:"run_ttl"`
}

// TelemetryConfig contains metrics and tracing settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// DSN builds a postgres connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

func (s ServerConfig) Validate() error {
	if s.AuthEnabled && s.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret must be set when server.auth_enabled is true")
	}
	return nil
}

func (r ResearchConfig) Validate() error {
	if r.MaxRounds <= 0 {
		return fmt.Errorf("research.max_rounds must be > 0")
	}
	if r.MaxSubagents <= 0 {
		return fmt.Errorf("research.max_subagents must be > 0")
	}
	if r.SubagentConcurrency <= 0 {
		return fmt.Errorf("research.subagent_concurrency must be > 0")
	}
	return nil
}

func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return fmt.Errorf("llm.providers must contain at least one provider")
	}
	for _, role := range []struct{ name, model string }{
		{"llm.routing.lead", l.Routing.Lead},
		{"llm.routing.subagent", l.Routing.Subagent},
		{"llm.routing.citation", l.Routing.Citation},
	} {
		if role.model == "" {
			return fmt.Errorf("%s must be set", role.name)
		}
	}
	return nil
}

// LoadConfig reads the configuration from file and environment.
// When path is empty the usual lookup locations are searched.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", 30*time.Second)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.token_expiry", 168*time.Hour)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.run_stream_enabled", true)
	v.SetDefault("llm.rate_limits.default_rpm", 10)
	v.SetDefault("llm.rate_limits.provider_rpm", map[string]int{
		"openai":    50,
		"anthropic": 50,
		"google":    5,
		"ollama":    30,
	})
	v.SetDefault("research.max_rounds", 8)
	v.SetDefault("research.max_subagents", 10)
	v.SetDefault("research.subagent_concurrency", 3)
	v.SetDefault("research.subagent_timeout", 6*time.Minute)
	v.SetDefault("research.max_tool_rounds", 20)
	v.SetDefault("research.max_attempts", 3)
	v.SetDefault("search.brave_search_url", "https://api.search.brave.com/res/v1/web/search")
	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.fetch_concurrency", 8)
	v.SetDefault("search.fetch_timeout", 20*time.Second)
	v.SetDefault("storage.redis.run_ttl", 24*time.Hour)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults may be enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Research.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
