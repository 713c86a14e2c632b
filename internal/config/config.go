package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Gate       GateConfig       `yaml:"gate"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Fast       FastConfig       `yaml:"fast"`
	Durable    DurableConfig    `yaml:"durable"`
}

type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	AutoDispatch bool     `yaml:"auto_dispatch"`
	AllowOrigins []string `yaml:"allow_origins"` // empty allows any origin
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | memory
	Path   string `yaml:"path"`
}

type ClassifierConfig struct {
	Provider     string        `yaml:"provider"` // rules | openai | anthropic | gemini
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	ContextLimit int           `yaml:"context_limit"`
}

type GateConfig struct {
	// AutoConfirmThreshold is the routing threshold; MediumTier only affects
	// presentation.
	AutoConfirmThreshold float64 `yaml:"auto_confirm_threshold"`
	MediumTier           float64 `yaml:"medium_tier"`
}

type DispatchConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	AutoRetry   bool          `yaml:"auto_retry"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

type FastConfig struct {
	Provider      string        `yaml:"provider"` // mock | openai
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
}

type DurableConfig struct {
	Provider      string        `yaml:"provider"` // memory | http
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
}

func Default() *Config {
	return &Config{
		Server:     ServerConfig{Addr: ":8080", AutoDispatch: true},
		Log:        LogConfig{Level: "info", JSON: true},
		Store:      StoreConfig{Driver: "sqlite", Path: "./data/conversations.db"},
		Classifier: ClassifierConfig{Provider: "rules", Timeout: 15 * time.Second, ContextLimit: 20},
		Gate:       GateConfig{AutoConfirmThreshold: 0.9, MediumTier: 0.7},
		Dispatch:   DispatchConfig{MaxRetries: 3, AutoRetry: false, BackoffBase: 500 * time.Millisecond},
		Fast:       FastConfig{Provider: "mock", Model: "dall-e-3", Timeout: 30 * time.Second, MaxConcurrent: 8},
		Durable:    DurableConfig{Provider: "memory", Timeout: 120 * time.Second, PollInterval: 2 * time.Second, MaxConcurrent: 4},
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path, then .env, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	if p := os.Getenv("PORT"); p != "" {
		c.Server.Addr = ":" + p
	}
	c.Server.AutoDispatch = getEnvBool("AUTO_DISPATCH", c.Server.AutoDispatch)
	if v := os.Getenv("ALLOW_ORIGINS"); v != "" {
		c.Server.AllowOrigins = strings.Split(v, ",")
	}

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.JSON = getEnvBool("LOG_JSON", c.Log.JSON)

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("STORE_PATH", c.Store.Path)

	c.Classifier.Provider = getEnv("CLASSIFIER_PROVIDER", c.Classifier.Provider)
	c.Classifier.Model = getEnv("CLASSIFIER_MODEL", c.Classifier.Model)
	c.Classifier.APIKey = getEnv("CLASSIFIER_API_KEY", c.Classifier.APIKey)
	c.Classifier.BaseURL = getEnv("CLASSIFIER_BASE_URL", c.Classifier.BaseURL)
	c.Classifier.Timeout = getEnvDuration("CLASSIFIER_TIMEOUT", c.Classifier.Timeout)
	c.Classifier.ContextLimit = getEnvInt("CLASSIFIER_CONTEXT_LIMIT", c.Classifier.ContextLimit)

	c.Gate.AutoConfirmThreshold = getEnvFloat("GATE_AUTO_CONFIRM_THRESHOLD", c.Gate.AutoConfirmThreshold)
	c.Gate.MediumTier = getEnvFloat("GATE_MEDIUM_TIER", c.Gate.MediumTier)

	c.Dispatch.MaxRetries = getEnvInt("DISPATCH_MAX_RETRIES", c.Dispatch.MaxRetries)
	c.Dispatch.AutoRetry = getEnvBool("DISPATCH_AUTO_RETRY", c.Dispatch.AutoRetry)
	c.Dispatch.BackoffBase = getEnvDuration("DISPATCH_BACKOFF_BASE", c.Dispatch.BackoffBase)

	c.Fast.Provider = getEnv("FAST_PROVIDER", c.Fast.Provider)
	c.Fast.Model = getEnv("FAST_MODEL", c.Fast.Model)
	c.Fast.APIKey = getEnv("FAST_API_KEY", getEnv("OPENAI_API_KEY", c.Fast.APIKey))
	c.Fast.BaseURL = getEnv("FAST_BASE_URL", c.Fast.BaseURL)
	c.Fast.Timeout = getEnvDuration("FAST_TIMEOUT", c.Fast.Timeout)
	c.Fast.MaxConcurrent = getEnvInt64("FAST_MAX_CONCURRENT", c.Fast.MaxConcurrent)

	c.Durable.Provider = getEnv("DURABLE_PROVIDER", c.Durable.Provider)
	c.Durable.BaseURL = getEnv("DURABLE_BASE_URL", c.Durable.BaseURL)
	c.Durable.APIKey = getEnv("DURABLE_API_KEY", c.Durable.APIKey)
	c.Durable.Timeout = getEnvDuration("DURABLE_TIMEOUT", c.Durable.Timeout)
	c.Durable.PollInterval = getEnvDuration("DURABLE_POLL_INTERVAL", c.Durable.PollInterval)
	c.Durable.MaxConcurrent = getEnvInt64("DURABLE_MAX_CONCURRENT", c.Durable.MaxConcurrent)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Gate.AutoConfirmThreshold <= 0 || c.Gate.AutoConfirmThreshold > 1 {
		errs = append(errs, fmt.Errorf("gate.auto_confirm_threshold must be in (0,1], got %v", c.Gate.AutoConfirmThreshold))
	}
	if c.Gate.MediumTier < 0 || c.Gate.MediumTier > c.Gate.AutoConfirmThreshold {
		errs = append(errs, fmt.Errorf("gate.medium_tier must be in [0,auto_confirm_threshold], got %v", c.Gate.MediumTier))
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_retries must be >= 0"))
	}
	if c.Fast.Timeout <= 0 || c.Durable.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("backend timeouts must be positive"))
	}
	if c.Durable.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("durable.poll_interval must be positive"))
	}
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch strings.ToLower(c.Classifier.Provider) {
	case "rules", "openai", "anthropic", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unknown classifier provider %q", c.Classifier.Provider))
	}
	switch strings.ToLower(c.Fast.Provider) {
	case "mock", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown fast provider %q", c.Fast.Provider))
	}
	switch strings.ToLower(c.Durable.Provider) {
	case "memory", "http":
	default:
		errs = append(errs, fmt.Errorf("unknown durable provider %q", c.Durable.Provider))
	}
	if strings.EqualFold(c.Durable.Provider, "http") && c.Durable.BaseURL == "" {
		errs = append(errs, fmt.Errorf("durable.base_url is required for the http provider"))
	}
	return errors.Join(errs...)
}

// Helper functions for getting environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
