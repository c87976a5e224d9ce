// Package config handles volc configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers accepted by [StoreConfig.Driver].
const (
	StoreDriverSupabase = "supabase"
	StoreDriverSQLite   = "sqlite"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/volc/config.yaml, /etc/volc/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "volc", "config.yaml"))
	}

	paths = append(paths, "/etc/volc/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all volc configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Models      ModelsConfig      `yaml:"models"`
	Anthropic   AnthropicConfig   `yaml:"anthropic"`
	Vertex      VertexConfig      `yaml:"vertex"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Connections ConnectionsConfig `yaml:"connections"`
	Retry       RetryConfig       `yaml:"retry"`
	RateLimits  RateLimitsConfig  `yaml:"rate_limits"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Selector    SelectorConfig    `yaml:"selector"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig names the model used for each role and maps model
// names to providers.
type ModelsConfig struct {
	Main       string        `yaml:"main"`       // streaming coach replies
	Selector   string        `yaml:"selector"`   // fast tool classifier
	Extraction string        `yaml:"extraction"` // post-session memory extraction
	Available  []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // anthropic, vertex
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether the Anthropic provider can be used.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// VertexConfig defines Google model settings. When Project is set the
// Vertex AI backend is used; otherwise APIKey selects the Gemini API.
type VertexConfig struct {
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
	APIKey   string `yaml:"api_key"`
}

// Configured reports whether the Google provider can be used.
func (c VertexConfig) Configured() bool {
	return c.Project != "" || c.APIKey != ""
}

// StoreConfig selects and configures the backing data store.
type StoreConfig struct {
	Driver     string `yaml:"driver"` // supabase (default) or sqlite
	URL        string `yaml:"url"`
	AnonKey    string `yaml:"anon_key"`
	ServiceKey string `yaml:"service_key"`
	SQLitePath string `yaml:"sqlite_path"`
}

// CacheConfig controls the process-wide caches.
type CacheConfig struct {
	ContextTTL               time.Duration `yaml:"context_ttl"`
	CatalogueMaxAge          time.Duration `yaml:"catalogue_max_age"`
	CatalogueRefreshInterval time.Duration `yaml:"catalogue_refresh_interval"`
}

// ConnectionsConfig controls socket liveness monitoring.
type ConnectionsConfig struct {
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// RetryConfig controls backoff for provider rate-limit errors.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxRetries   int           `yaml:"max_retries"`
}

// RateLimitsConfig defines per-action request budgets. The effective
// limit for a user is Actions[action] * RoleMultipliers[role].
type RateLimitsConfig struct {
	WindowHours     int                `yaml:"window_hours"`
	Actions         map[string]int     `yaml:"actions"`
	RoleMultipliers map[string]float64 `yaml:"role_multipliers"`
}

// ExtractionConfig controls post-session memory extraction.
type ExtractionConfig struct {
	Disabled bool          `yaml:"disabled"` // extraction runs unless set
	Timeout  time.Duration `yaml:"timeout"`
	MaxNotes int           `yaml:"max_notes"`
}

// SelectorConfig controls the tool selector.
type SelectorConfig struct {
	HistoryWindow int `yaml:"history_window"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied. It is
// not valid on its own: store credentials must still be provided.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.Main == "" {
		c.Models.Main = "claude-sonnet-4-20250514"
	}
	if c.Models.Selector == "" {
		c.Models.Selector = c.Models.Main
	}
	if c.Models.Extraction == "" {
		c.Models.Extraction = c.Models.Selector
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "anthropic"
		}
	}
	if c.Vertex.Location == "" {
		c.Vertex.Location = "us-central1"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverSupabase
	}
	if c.Store.Driver == StoreDriverSQLite && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "volc.db"
	}
	if c.Cache.ContextTTL == 0 {
		c.Cache.ContextTTL = 5 * time.Minute
	}
	if c.Cache.CatalogueMaxAge == 0 {
		c.Cache.CatalogueMaxAge = time.Hour
	}
	if c.Cache.CatalogueRefreshInterval == 0 {
		c.Cache.CatalogueRefreshInterval = c.Cache.CatalogueMaxAge
	}
	if c.Connections.MonitorInterval == 0 {
		c.Connections.MonitorInterval = 5 * time.Second
	}
	if c.Connections.HeartbeatTimeout == 0 {
		c.Connections.HeartbeatTimeout = 30 * time.Second
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = 2 * time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 1.7
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	if c.RateLimits.WindowHours == 0 {
		c.RateLimits.WindowHours = 24
	}
	if c.RateLimits.Actions == nil {
		c.RateLimits.Actions = map[string]int{
			"message_send":   100,
			"workout_create": 20,
		}
	}
	if c.Extraction.Timeout == 0 {
		c.Extraction.Timeout = 60 * time.Second
	}
	if c.Extraction.MaxNotes == 0 {
		c.Extraction.MaxNotes = 10
	}
	if c.Selector.HistoryWindow == 0 {
		c.Selector.HistoryWindow = 6
	}
}

// Validate reports configuration errors that would prevent startup.
// All problems are joined into a single error.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	switch c.Store.Driver {
	case StoreDriverSupabase:
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for the supabase driver"))
		}
		if c.Store.AnonKey == "" {
			errs = append(errs, errors.New("store.anon_key is required for the supabase driver"))
		}
	case StoreDriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q (valid: supabase, sqlite)", c.Store.Driver))
	}

	if !c.Anthropic.Configured() && !c.Vertex.Configured() {
		errs = append(errs, errors.New("no model provider configured (set anthropic.api_key or vertex.project/api_key)"))
	}
	for _, m := range c.Models.Available {
		if m.Provider != "anthropic" && m.Provider != "vertex" {
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	for name, d := range map[string]time.Duration{
		"cache.context_ttl":                c.Cache.ContextTTL,
		"cache.catalogue_max_age":          c.Cache.CatalogueMaxAge,
		"cache.catalogue_refresh_interval": c.Cache.CatalogueRefreshInterval,
		"connections.monitor_interval":     c.Connections.MonitorInterval,
		"connections.heartbeat_timeout":    c.Connections.HeartbeatTimeout,
		"extraction.timeout":               c.Extraction.Timeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier))
	}
	for action, limit := range c.RateLimits.Actions {
		if limit <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.actions.%s must be positive", action))
		}
	}
	for role, m := range c.RateLimits.RoleMultipliers {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.role_multipliers.%s must be positive", role))
		}
	}

	return errors.Join(errs...)
}

// ProviderFor returns the configured provider for a model name, or ""
// when the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return ""
}

// ModelFor returns a model served by provider, preferring the role
// models (main, selector, extraction) over the rest of the available
// list. It returns "" when nothing routes to provider.
func (c *Config) ModelFor(provider string) string {
	for _, name := range []string{c.Models.Main, c.Models.Selector, c.Models.Extraction} {
		if name != "" && c.ProviderFor(name) == provider {
			return name
		}
	}
	for _, m := range c.Models.Available {
		if m.Provider == provider {
			return m.Name
		}
	}
	return ""
}
