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
	"gopkg.in/yaml.v3"
)

// Environment variables read at startup.
const (
	EnvConfigPath      = "EZCAL_CONFIG"
	EnvFirecrawlAPIKey = "EZCAL_FC_API_KEY"
	EnvMistralAPIKey   = "EZCAL_MISTRAL_API_KEY"
)

const (
	DefaultPath     = "ezcal.yaml"
	defaultListen   = "127.0.0.1:8080"
	defaultDBPath   = "ezcal.db"
	defaultLogLevel = "info"
	defaultHorizon  = 30

	defaultFirecrawlURL     = "https://api.firecrawl.dev"
	defaultFirecrawlTimeout = 20
	defaultMistralURL       = "https://api.mistral.ai/v1/chat/completions"
	defaultMistralModel     = "mistral-small-2503"
	defaultMistralTimeout   = 35
	defaultMistralMaxTokens = 1000
	defaultBrowserTimeout   = 30
)

// FirecrawlConfig configures the content-fetch service.
type FirecrawlConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns the request timeout as a duration.
func (c FirecrawlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MistralConfig configures the model-extraction service.
type MistralConfig struct {
	// BaseURL is the full chat completions endpoint.
	BaseURL        string `yaml:"base_url" json:"base_url"`
	Model          string `yaml:"model" json:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	MaxTokens      int    `yaml:"max_tokens" json:"max_tokens"`
}

// Timeout returns the request timeout as a duration.
func (c MistralConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BrowserConfig describes how open tabs are reached.
type BrowserConfig struct {
	// RemoteURL is the DevTools endpoint of a running browser
	// (e.g. "ws://127.0.0.1:9222"). Empty disables tab access.
	RemoteURL      string `yaml:"remote_url" json:"remote_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// Timeout returns the per-operation timeout as a duration.
func (c BrowserConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WatchConfig is a page re-extracted on a schedule.
type WatchConfig struct {
	URL  string `yaml:"url" json:"url"`
	Name string `yaml:"name" json:"name"`
	// Cron is a standard 5-field cron expression, e.g. "0 */6 * * *".
	Cron string `yaml:"cron" json:"cron"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used to read wall-clock event times
	// (e.g. "Europe/Paris"). Empty means the system zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// DBPath is the SQLite file holding credentials, events and state.
	DBPath string `yaml:"db_path" json:"db_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// HorizonDays bounds calendar imports to today ± this many days.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	Firecrawl FirecrawlConfig `yaml:"firecrawl" json:"firecrawl"`
	Mistral   MistralConfig   `yaml:"mistral" json:"mistral"`
	Browser   BrowserConfig   `yaml:"browser" json:"browser"`

	// WebmailHosts are treated as webmail in addition to the built-in list.
	WebmailHosts []string `yaml:"webmail_hosts" json:"webmail_hosts"`

	// Watch lists pages re-extracted on a schedule while serving.
	Watch []WatchConfig `yaml:"watch" json:"watch"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      defaultListen,
		DBPath:      defaultDBPath,
		LogLevel:    defaultLogLevel,
		HorizonDays: defaultHorizon,
		Firecrawl: FirecrawlConfig{
			BaseURL:        defaultFirecrawlURL,
			TimeoutSeconds: defaultFirecrawlTimeout,
		},
		Mistral: MistralConfig{
			BaseURL:        defaultMistralURL,
			Model:          defaultMistralModel,
			TimeoutSeconds: defaultMistralTimeout,
			MaxTokens:      defaultMistralMaxTokens,
		},
		Browser:      BrowserConfig{TimeoutSeconds: defaultBrowserTimeout},
		WebmailHosts: []string{},
		Watch:        []WatchConfig{},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizon
	}

	if c.Firecrawl.BaseURL == "" {
		c.Firecrawl.BaseURL = defaultFirecrawlURL
	}
	if c.Firecrawl.TimeoutSeconds <= 0 {
		c.Firecrawl.TimeoutSeconds = defaultFirecrawlTimeout
	}
	if c.Mistral.BaseURL == "" {
		c.Mistral.BaseURL = defaultMistralURL
	}
	if c.Mistral.Model == "" {
		c.Mistral.Model = defaultMistralModel
	}
	if c.Mistral.TimeoutSeconds <= 0 {
		c.Mistral.TimeoutSeconds = defaultMistralTimeout
	}
	if c.Mistral.MaxTokens <= 0 {
		c.Mistral.MaxTokens = defaultMistralMaxTokens
	}
	if c.Browser.TimeoutSeconds <= 0 {
		c.Browser.TimeoutSeconds = defaultBrowserTimeout
	}

	if c.WebmailHosts == nil {
		c.WebmailHosts = []string{}
	}
	if c.Watch == nil {
		c.Watch = []WatchConfig{}
	}
	// An auth block without a username would lock everyone out.
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		c.BasicAuth = nil
	}
}

// Location resolves Timezone. An empty zone is the system zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// LoadEnv reads a .env file from the working directory when present.
// Variables already set in the environment win.
func LoadEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

// Path returns the config path: explicit when set, else EZCAL_CONFIG, else
// DefaultPath.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// EnvCredentials returns the API keys set in the environment, keyed by
// their env var name. Blank values are omitted.
func EnvCredentials() map[string]string {
	out := make(map[string]string)
	for _, name := range []string{EnvFirecrawlAPIKey, EnvMistralAPIKey} {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			out[name] = v
		}
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and returned.
//   - Otherwise the YAML is read and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config: path is empty")
	}
	if cfg == nil {
		return errors.New("config: config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ezcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience wrapper around the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
