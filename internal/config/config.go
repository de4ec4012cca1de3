package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server           ServerConfig     `mapstructure:"server"`
	Log              LogConfig        `mapstructure:"log"`
	Storage          StorageConfig    `mapstructure:"storage"`
	State            StateConfig      `mapstructure:"state"`
	Admission        AdmissionConfig  `mapstructure:"admission"`
	Cache            CacheConfig      `mapstructure:"cache"`
	Context          ContextConfig    `mapstructure:"context"`
	Vault            VaultConfig      `mapstructure:"vault"`
	Providers        []ProviderConfig `mapstructure:"providers"`
	DefaultProvider  string           `mapstructure:"default_provider"`
	OutputMode       string           `mapstructure:"output_mode"`
	RetryUnavailable bool             `mapstructure:"retry_unavailable"`
	Timeouts         TimeoutsConfig   `mapstructure:"timeouts"`
	Telegram         TelegramConfig   `mapstructure:"telegram"`
	MCP              MCPConfig        `mapstructure:"mcp"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           string   `mapstructure:"port"`
	IdentityHeader string   `mapstructure:"identity_header"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects the conversation and credential store.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"` // sqlite | mongo
	Driver        string `mapstructure:"driver"`  // sqlite (pure Go) | sqlite3 (cgo)
	Path          string `mapstructure:"path"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// StateConfig selects where rate-limit counters and cache entries live.
type StateConfig struct {
	Backend  string `mapstructure:"backend"` // memory | sqlite | bolt | mongo (uses storage.mongo_uri)
	BoltPath string `mapstructure:"bolt_path"`
}

type AdmissionConfig struct {
	Quota        int64         `mapstructure:"quota"`
	Window       time.Duration `mapstructure:"window"`
	KeyBy        string        `mapstructure:"key_by"`         // user | ip
	OnStoreError string        `mapstructure:"on_store_error"` // open | closed
}

type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Scope         string        `mapstructure:"scope"` // text | provider | conversation
}

type ContextConfig struct {
	MaxHistory      int    `mapstructure:"max_history"`
	SystemPrompt    string `mapstructure:"system_prompt"`
	MaxMessageChars int    `mapstructure:"max_message_chars"`
}

type VaultConfig struct {
	// EncryptionKey is base64 encoded 32 bytes.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// ProviderConfig registers one named provider.
type ProviderConfig struct {
	Name          string  `mapstructure:"name"`
	Kind          string  `mapstructure:"kind"` // openai | gemini | anthropic
	BaseURL       string  `mapstructure:"base_url"`
	Model         string  `mapstructure:"model"`
	APIKeyEnv     string  `mapstructure:"api_key_env"`
	DefaultAPIKey string  `mapstructure:"default_api_key"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	Temperature   float32 `mapstructure:"temperature"`
}

type TimeoutsConfig struct {
	Store    time.Duration `mapstructure:"store"`
	Counter  time.Duration `mapstructure:"counter"`
	Provider time.Duration `mapstructure:"provider"`
}

type TelegramConfig struct {
	Token           string `mapstructure:"token"`
	DefaultProvider string `mapstructure:"default_provider"`
}

type MCPConfig struct {
	Owner           string `mapstructure:"owner"`
	DefaultProvider string `mapstructure:"default_provider"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.identity_header", "X-User-ID")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "mira.db")
	v.SetDefault("storage.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo_database", "mira_chat")
	v.SetDefault("state.backend", "memory")
	v.SetDefault("state.bolt_path", "mira-state.bolt")
	v.SetDefault("admission.quota", 1500)
	v.SetDefault("admission.window", 24*time.Hour)
	v.SetDefault("admission.key_by", "user")
	v.SetDefault("admission.on_store_error", "open")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.sweep_interval", time.Duration(0))
	v.SetDefault("cache.scope", "text")
	v.SetDefault("context.max_history", 8)
	v.SetDefault("context.system_prompt", "")
	v.SetDefault("context.max_message_chars", 8000)
	v.SetDefault("vault.encryption_key", "")
	v.SetDefault("default_provider", "")
	v.SetDefault("output_mode", "markdown")
	v.SetDefault("retry_unavailable", false)
	v.SetDefault("timeouts.store", 5*time.Second)
	v.SetDefault("timeouts.counter", 2*time.Second)
	v.SetDefault("timeouts.provider", 60*time.Second)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.default_provider", "")
	v.SetDefault("mcp.owner", "")
	v.SetDefault("mcp.default_provider", "")
}

// Load loads the configuration from config.yaml (or CONFIG_PATH), an optional .env
// file and MIRA_* environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MIRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range config.Providers {
		p := &config.Providers[i]
		if p.DefaultAPIKey == "" && p.APIKeyEnv != "" {
			p.DefaultAPIKey = os.Getenv(p.APIKeyEnv)
		}
	}
	if config.Cache.SweepInterval == 0 {
		config.Cache.SweepInterval = config.Cache.TTL / 2
	}
	if config.DefaultProvider == "" && len(config.Providers) > 0 {
		config.DefaultProvider = config.Providers[0].Name
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the cross-field constraints of the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Admission.Quota <= 0 {
		errs = append(errs, errors.New("admission.quota must be positive"))
	}
	if c.Admission.Window <= 0 {
		errs = append(errs, errors.New("admission.window must be positive"))
	}
	if !oneOf(c.Admission.KeyBy, "user", "ip") {
		errs = append(errs, fmt.Errorf("admission.key_by %q must be user or ip", c.Admission.KeyBy))
	}
	if !oneOf(c.Admission.OnStoreError, "open", "closed") {
		errs = append(errs, fmt.Errorf("admission.on_store_error %q must be open or closed", c.Admission.OnStoreError))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.SweepInterval <= 0 || c.Cache.SweepInterval >= c.Cache.TTL {
		errs = append(errs, fmt.Errorf("cache.sweep_interval %s must be positive and shorter than cache.ttl %s", c.Cache.SweepInterval, c.Cache.TTL))
	}
	if !oneOf(c.Cache.Scope, "text", "provider", "conversation") {
		errs = append(errs, fmt.Errorf("cache.scope %q must be text, provider or conversation", c.Cache.Scope))
	}
	if c.Context.MaxHistory < 1 || c.Context.MaxHistory > 50 {
		errs = append(errs, fmt.Errorf("context.max_history %d must be between 1 and 50", c.Context.MaxHistory))
	}
	if c.Context.MaxMessageChars <= 0 {
		errs = append(errs, errors.New("context.max_message_chars must be positive"))
	}
	if !oneOf(c.Storage.Backend, "sqlite", "mongo") {
		errs = append(errs, fmt.Errorf("storage.backend %q must be sqlite or mongo", c.Storage.Backend))
	}
	if !oneOf(c.Storage.Driver, "sqlite", "sqlite3") {
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite or sqlite3", c.Storage.Driver))
	}
	if !oneOf(c.State.Backend, "memory", "sqlite", "bolt", "mongo") {
		errs = append(errs, fmt.Errorf("state.backend %q must be memory, sqlite, bolt or mongo", c.State.Backend))
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: %q is not a CIDR or address", p))
		}
	}
	if !oneOf(c.OutputMode, "markdown", "plain") {
		errs = append(errs, fmt.Errorf("output_mode %q must be markdown or plain", c.OutputMode))
	}
	if _, err := c.EncryptionKey(); err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, errors.New("providers: name is required"))
			continue
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("providers: duplicate name %q", p.Name))
		}
		names[p.Name] = true
		if !oneOf(p.Kind, "openai", "gemini", "anthropic") {
			errs = append(errs, fmt.Errorf("providers.%s: kind %q must be openai, gemini or anthropic", p.Name, p.Kind))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("providers.%s: model is required", p.Name))
		}
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider is required"))
	} else if !names[c.DefaultProvider] {
		errs = append(errs, fmt.Errorf("default_provider %q is not a registered provider", c.DefaultProvider))
	}
	return errors.Join(errs...)
}

// EncryptionKey decodes the vault key.
func (c *Config) EncryptionKey() ([]byte, error) {
	if c.Vault.EncryptionKey == "" {
		return nil, errors.New("vault.encryption_key is required (base64 of 32 random bytes)")
	}
	key, err := base64.StdEncoding.DecodeString(c.Vault.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("vault.encryption_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("vault.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// DefaultKeys maps provider name to its operator-supplied key, when configured.
func (c *Config) DefaultKeys() map[string]string {
	out := make(map[string]string, len(c.Providers))
	for _, p := range c.Providers {
		if p.DefaultAPIKey != "" {
			out[p.Name] = p.DefaultAPIKey
		}
	}
	return out
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
