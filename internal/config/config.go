package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "config.json"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig    `json:"basic_config" yaml:"basic_config"`
	Database    DatabaseConfig `json:"database" yaml:"database"`
	Redis       RedisConfig    `json:"redis" yaml:"redis"`
	Analyzer    AnalyzerConfig `json:"analyzer" yaml:"analyzer"`
	Log         LogConfig      `json:"log" yaml:"log"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address" env:"AIRELAY_ADDR"`
	UploadDir         string `json:"upload_dir" yaml:"upload_dir" env:"AIRELAY_UPLOAD_DIR"`
	UploadMaxAge      int    `json:"upload_max_age_minutes" yaml:"upload_max_age_minutes"`
	MaxQuestionLength int    `json:"max_question_length" yaml:"max_question_length"`
}

// DatabaseConfig selects the record store. An empty DSN means the embedded
// sqlite file at Path.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver" env:"AIRELAY_DB_DRIVER"`
	DSN    string `json:"dsn" yaml:"dsn" env:"DATABASE_URL"`
	Path   string `json:"path" yaml:"path" env:"AIRELAY_DB_PATH"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host" env:"AIRELAY_REDIS_HOST"`
	Port     int    `json:"port" yaml:"port" env:"AIRELAY_REDIS_PORT"`
	Username string `json:"username" yaml:"username" env:"AIRELAY_REDIS_USERNAME"`
	Password string `json:"password" yaml:"password" env:"AIRELAY_REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"AIRELAY_REDIS_DB"`
	// ModelCacheTTL is in minutes.
	ModelCacheTTL int `json:"model_cache_ttl" yaml:"model_cache_ttl"`
}

// Enabled reports whether a redis server was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

type AnalyzerConfig struct {
	Provider        string   `json:"provider" yaml:"provider" env:"AIRELAY_PROVIDER"`
	APIKey          string   `json:"api_key" yaml:"api_key" env:"AIRELAY_API_KEY"`
	BaseURL         string   `json:"base_url" yaml:"base_url" env:"AIRELAY_BASE_URL"`
	Model           string   `json:"model" yaml:"model" env:"AIRELAY_MODEL"`
	PreferredModels []string `json:"preferred_models" yaml:"preferred_models" env:"AIRELAY_PREFERRED_MODELS" envSeparator:","`
	MaxTokens       int      `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds  int      `json:"timeout_seconds" yaml:"timeout_seconds" env:"AIRELAY_ANALYZER_TIMEOUT"`

	VisionModel  string `json:"vision_model" yaml:"vision_model" env:"AIRELAY_VISION_MODEL"`
	VisionAPIKey string `json:"vision_api_key" yaml:"vision_api_key" env:"AIRELAY_VISION_API_KEY"`

	WebSearch            bool   `json:"web_search" yaml:"web_search" env:"AIRELAY_WEB_SEARCH"`
	GoogleAPIKey         string `json:"google_api_key" yaml:"google_api_key" env:"GOOGLE_API_KEY"`
	GoogleSearchEngineID string `json:"google_search_engine_id" yaml:"google_search_engine_id" env:"GOOGLE_SEARCH_ENGINE_ID"`
}

type LogConfig struct {
	Level       string `json:"level" yaml:"level" env:"AIRELAY_LOG_LEVEL"`
	Development bool   `json:"development" yaml:"development" env:"AIRELAY_LOG_DEV"`
}

// providerKeyEnv maps a provider to the variable its SDK conventionally reads.
var providerKeyEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
	"claude": "ANTHROPIC_API_KEY",
}

// Load reads configuration from the provided path (defaults to config.json),
// then overlays environment variables. A missing default config file is not an
// error: the service can run from the environment alone.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	explicit := path != ""
	if path == "" {
		path = defaultConfigFile
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	baseDir := filepath.Dir(absPath)
	if err := decodeFile(absPath, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if baseDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.UploadDir == "" {
		c.BasicConfig.UploadDir = "./data/uploads"
	}
	if c.BasicConfig.UploadMaxAge <= 0 {
		c.BasicConfig.UploadMaxAge = 60
	}
	if c.BasicConfig.MaxQuestionLength <= 0 {
		c.BasicConfig.MaxQuestionLength = 2000
	}
	c.BasicConfig.UploadDir = resolvePath(baseDir, c.BasicConfig.UploadDir)

	if c.Database.Path == "" {
		c.Database.Path = "./data/interactions.db"
	}
	if c.Database.Path != ":memory:" {
		c.Database.Path = resolvePath(baseDir, c.Database.Path)
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.ModelCacheTTL <= 0 {
		c.Redis.ModelCacheTTL = 360
	}

	a := &c.Analyzer
	a.Provider = strings.ToLower(strings.TrimSpace(a.Provider))
	if a.Provider == "" {
		a.Provider = "gemini"
	}
	if a.APIKey == "" {
		if name, ok := providerKeyEnv[a.Provider]; ok {
			a.APIKey = strings.TrimSpace(os.Getenv(name))
		}
	}
	if a.VisionAPIKey == "" {
		if a.Provider == "gemini" {
			a.VisionAPIKey = a.APIKey
		} else {
			a.VisionAPIKey = strings.TrimSpace(os.Getenv(providerKeyEnv["gemini"]))
		}
	}
	if a.VisionModel == "" {
		a.VisionModel = "gemini-2.5-flash"
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = 3000
	}
	if a.TimeoutSeconds <= 0 {
		a.TimeoutSeconds = 60
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports configuration errors that must stop the process at startup.
func (c *Config) Validate() error {
	switch c.Analyzer.Provider {
	case "gemini", "openai", "claude":
	default:
		return fmt.Errorf("invalid provider: %s", c.Analyzer.Provider)
	}
	if strings.TrimSpace(c.Analyzer.APIKey) == "" {
		name := providerKeyEnv[c.Analyzer.Provider]
		return fmt.Errorf("analyzer api key not configured: set AIRELAY_API_KEY or %s", name)
	}
	return nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
