// Package config provides configuration management for the teams-cdr application
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

// GraphConfig holds Microsoft Graph authentication and connection settings
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" json:"tenant_id"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
	APIVersion   string `yaml:"api_version" json:"api_version"`
	AuthorityURL string `yaml:"authority_url" json:"authority_url"`
	PageSize     int    `yaml:"page_size" json:"page_size"`
}

// APIURL returns the versioned Graph endpoint, e.g. https://graph.microsoft.com/v1.0
func (g GraphConfig) APIURL() string {
	return strings.TrimSuffix(g.BaseURL, "/") + "/" + strings.Trim(g.APIVersion, "/")
}

// OpenAIConfig holds chat-completion provider settings
type OpenAIConfig struct {
	APIKey          string  `yaml:"api_key" json:"api_key"`
	BaseURL         string  `yaml:"base_url" json:"base_url"`
	Model           string  `yaml:"model" json:"model"`
	Temperature     float64 `yaml:"temperature" json:"temperature"`
	MaxTokens       int     `yaml:"max_tokens" json:"max_tokens"`
	UseAzure        bool    `yaml:"use_azure" json:"use_azure"`
	AzureAPIKey     string  `yaml:"azure_api_key" json:"azure_api_key"`
	AzureEndpoint   string  `yaml:"azure_endpoint" json:"azure_endpoint"`
	AzureAPIVersion string  `yaml:"azure_api_version" json:"azure_api_version"`
}

// HTTPConfig holds retry and timeout settings shared by the API clients
type HTTPConfig struct {
	RetryAttempts  int `yaml:"retry_attempts" json:"retry_attempts"`
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// TimeoutDuration returns the timeout as a time.Duration
func (h HTTPConfig) TimeoutDuration() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	Console    bool   `yaml:"console" json:"console"`
	JSONFormat bool   `yaml:"json_format" json:"json_format"`
}

// WatchlistConfig holds the watched users list settings
type WatchlistConfig struct {
	File  string `yaml:"file" json:"file"`
	Watch bool   `yaml:"watch" json:"watch"`
}

// StoreConfig holds local SQLite store settings
type StoreConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ContextConfig controls how call records are rendered for the LLM
type ContextConfig struct {
	MaxRecords   int `yaml:"max_records" json:"max_records"`
	LookbackDays int `yaml:"lookback_days" json:"lookback_days"`
	FetchLimit   int `yaml:"fetch_limit" json:"fetch_limit"`
}

// Config represents the complete application configuration
type Config struct {
	Graph     GraphConfig     `yaml:"graph" json:"graph"`
	OpenAI    OpenAIConfig    `yaml:"openai" json:"openai"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Watchlist WatchlistConfig `yaml:"watchlist" json:"watchlist"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Context   ContextConfig   `yaml:"context" json:"context"`
}

// LoadConfig loads configuration from .env, an optional YAML file, defaults
// and environment variable overrides, in that order. A missing file at
// configPath is not an error; credentials may come from the environment.
func LoadConfig(configPath string) (*Config, error) {
	// existing environment variables take precedence over .env
	_ = godotenv.Load()

	config := &Config{}
	config.Logging.Console = true

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
		}
	}

	config.setDefaults()
	config.loadFromEnvironment()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) loadFromFile(configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Graph.BaseURL == "" {
		c.Graph.BaseURL = "https://graph.microsoft.com"
	}
	if c.Graph.APIVersion == "" {
		c.Graph.APIVersion = "v1.0"
	}
	if c.Graph.AuthorityURL == "" {
		c.Graph.AuthorityURL = "https://login.microsoftonline.com"
	}
	if c.Graph.PageSize == 0 {
		c.Graph.PageSize = 50
	}

	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4"
	}
	if c.OpenAI.Temperature == 0 {
		c.OpenAI.Temperature = 0.7
	}
	if c.OpenAI.MaxTokens == 0 {
		c.OpenAI.MaxTokens = 4096
	}
	if c.OpenAI.AzureAPIVersion == "" {
		c.OpenAI.AzureAPIVersion = "2024-02-15-preview"
	}

	if c.HTTP.RetryAttempts == 0 {
		c.HTTP.RetryAttempts = 3
	}
	if c.HTTP.TimeoutSeconds == 0 {
		c.HTTP.TimeoutSeconds = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Store.Path == "" {
		c.Store.Path = "./teams-cdr.db"
	}

	if c.Context.MaxRecords == 0 {
		c.Context.MaxRecords = 20
	}
	if c.Context.LookbackDays == 0 {
		c.Context.LookbackDays = 7
	}
	if c.Context.FetchLimit == 0 {
		c.Context.FetchLimit = 100
	}
}

func (c *Config) loadFromEnvironment() {
	setString(&c.Graph.TenantID, "AZURE_TENANT_ID")
	setString(&c.Graph.ClientID, "AZURE_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "AZURE_CLIENT_SECRET")
	setString(&c.Graph.BaseURL, "GRAPH_BASE_URL")
	setString(&c.Graph.APIVersion, "GRAPH_API_VERSION")
	setInt(&c.Graph.PageSize, "CALL_RECORDS_PAGE_SIZE")

	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAI.Model, "DEFAULT_MODEL")
	setFloat(&c.OpenAI.Temperature, "TEMPERATURE")
	setInt(&c.OpenAI.MaxTokens, "MAX_TOKENS")
	setString(&c.OpenAI.AzureAPIKey, "AZURE_OPENAI_API_KEY")
	setString(&c.OpenAI.AzureEndpoint, "AZURE_OPENAI_ENDPOINT")
	setString(&c.OpenAI.AzureAPIVersion, "AZURE_OPENAI_API_VERSION")
	if val := os.Getenv("USE_AZURE_OPENAI"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.OpenAI.UseAzure = b
		}
	}

	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Watchlist.File, "WATCHLIST_FILE")
	setString(&c.Store.Path, "CDR_STORE_PATH")
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks value ranges. Missing credentials are not an error here;
// see GraphConfigured and LLMConfigured.
func (c *Config) Validate() error {
	if c.Graph.PageSize < 1 || c.Graph.PageSize > 999 {
		return fmt.Errorf("graph.page_size must be between 1 and 999")
	}

	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		return fmt.Errorf("openai.temperature must be between 0 and 2")
	}
	if c.OpenAI.MaxTokens < 0 {
		return fmt.Errorf("openai.max_tokens must be >= 0")
	}

	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be greater than 0")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	if c.Context.MaxRecords < 0 || c.Context.LookbackDays < 0 || c.Context.FetchLimit < 0 {
		return fmt.Errorf("context values must be >= 0")
	}

	return nil
}

// GraphConfigured reports whether Graph client credentials are present
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" && c.Graph.ClientID != "" && c.Graph.ClientSecret != ""
}

// AzureOpenAIConfigured reports whether Azure OpenAI should be used
func (c *Config) AzureOpenAIConfigured() bool {
	return c.OpenAI.UseAzure || (c.OpenAI.AzureAPIKey != "" && c.OpenAI.AzureEndpoint != "")
}

// LLMConfigured reports whether a chat-completion provider is usable
func (c *Config) LLMConfigured() bool {
	if c.AzureOpenAIConfigured() {
		return c.OpenAI.AzureAPIKey != "" && c.OpenAI.AzureEndpoint != ""
	}
	return c.OpenAI.APIKey != ""
}

// Lookback returns the default query window
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.Context.LookbackDays) * 24 * time.Hour
}
