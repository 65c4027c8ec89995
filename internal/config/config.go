package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"apigen/internal/apierr"
)

type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	FallbackAttempts int    `yaml:"fallbackAttempts"`
}

type LLMConfig struct {
	APIKey           string  `yaml:"apiKey"`
	BaseURL          string  `yaml:"baseURL"`
	Model            string  `yaml:"model"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokensPlan    int     `yaml:"maxTokensPlan"`
	MaxTokensShape   int     `yaml:"maxTokensShape"`
	RequestTimeoutMs int     `yaml:"requestTimeoutMs"`
	MaxAttempts      int     `yaml:"maxAttempts"`
}

type ScraperConfig struct {
	UserAgent string `yaml:"userAgent"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type SandboxConfig struct {
	ExecutionTimeoutMs int `yaml:"executionTimeoutMs"`
	MaxPagesPerSource  int `yaml:"maxPagesPerSource"`
}

type ShapingConfig struct {
	MaxTextLength int `yaml:"maxTextLength"`
}

type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Scraper  ScraperConfig  `yaml:"scraper"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Shaping  ShapingConfig  `yaml:"shaping"`
	Robots   RobotsConfig   `yaml:"robots"`
	Database DatabaseConfig `yaml:"database"`
}

// Default returns the built-in configuration used when no config file is
// provided. The server binds to loopback only.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8080,
			FallbackAttempts: 10,
		},
		LLM: LLMConfig{
			BaseURL:          "https://api.deepseek.com",
			Model:            "deepseek-chat",
			Temperature:      0.3,
			MaxTokensPlan:    4000,
			MaxTokensShape:   8000,
			RequestTimeoutMs: 60000,
			MaxAttempts:      3,
		},
		Scraper: ScraperConfig{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			TimeoutMs: 30000,
		},
		Sandbox: SandboxConfig{
			ExecutionTimeoutMs: 60000,
			MaxPagesPerSource:  5,
		},
		Shaping: ShapingConfig{
			MaxTextLength: 50000,
		},
		Database: DatabaseConfig{
			Path: "apigen.db",
		},
	}
}

// Load reads the YAML config at path on top of the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays process environment variables onto the configuration.
// Malformed numeric values are configuration errors, not silently ignored.
func (cfg *Config) ApplyEnv() error {
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("DEEPSEEK_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("DEEPSEEK_TEMPERATURE"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return apierr.Wrap(apierr.KindConfiguration, err, "invalid DEEPSEEK_TEMPERATURE %q", v)
		}
		cfg.LLM.Temperature = t
	}
	if v := os.Getenv("DEEPSEEK_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apierr.Wrap(apierr.KindConfiguration, err, "invalid DEEPSEEK_MAX_TOKENS %q", v)
		}
		cfg.LLM.MaxTokensShape = n
	}
	if v := os.Getenv("SCRAPING_REQUEST_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return apierr.Wrap(apierr.KindConfiguration, err, "invalid SCRAPING_REQUEST_TIMEOUT %q", v)
		}
		cfg.Scraper.TimeoutMs = secs * 1000
	}
	if v := os.Getenv("SCRAPING_USER_AGENT"); v != "" {
		cfg.Scraper.UserAgent = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return apierr.Wrap(apierr.KindConfiguration, err, "invalid SERVER_PORT %q", v)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	return nil
}

// Validate performs sanity checks so misconfiguration fails at startup
// rather than during the first request.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.LLM.APIKey) == "" {
		return apierr.New(apierr.KindConfiguration, "llm api key is not set (DEEPSEEK_API_KEY)").
			WithHint("export DEEPSEEK_API_KEY or set llm.apiKey in the config file")
	}
	if cfg.LLM.Model == "" {
		return apierr.New(apierr.KindConfiguration, "llm.model must be set")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return apierr.New(apierr.KindConfiguration, "server.port %d out of range", cfg.Server.Port)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return apierr.New(apierr.KindConfiguration, "llm.temperature %v out of range", cfg.LLM.Temperature)
	}
	return nil
}

// RequestTimeout returns the per-request LLM timeout as a duration.
func (cfg *Config) RequestTimeout() time.Duration {
	return time.Duration(cfg.LLM.RequestTimeoutMs) * time.Millisecond
}

// ScrapeTimeout returns the per-fetch timeout inside the sandbox.
func (cfg *Config) ScrapeTimeout() time.Duration {
	return time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond
}

// ExecutionTimeout returns the wall-clock limit for one plan execution.
func (cfg *Config) ExecutionTimeout() time.Duration {
	return time.Duration(cfg.Sandbox.ExecutionTimeoutMs) * time.Millisecond
}
