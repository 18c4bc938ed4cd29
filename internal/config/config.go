package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Client   ClientConfig   `mapstructure:"client" json:"client"`
	Request  RequestConfig  `mapstructure:"request" json:"request"`
	Store    StoreConfig    `mapstructure:"store" json:"store"`
	Notifier NotifierConfig `mapstructure:"notifier" json:"notifier"`
	Risk     RiskConfig     `mapstructure:"risk" json:"risk"`
	Expiry   ExpiryConfig   `mapstructure:"expiry" json:"expiry"`
	Audit    AuditConfig    `mapstructure:"audit" json:"audit"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

// ServerConfig relay HTTP settings
type ServerConfig struct {
	Host  string `mapstructure:"host" json:"host"`
	Port  int    `mapstructure:"port" json:"port"`
	Token string `mapstructure:"token" json:"token"`
}

// ClientConfig settings used by the agent-side commands (hook, notify).
type ClientConfig struct {
	URL            string `mapstructure:"url" json:"url"`
	Token          string `mapstructure:"token" json:"token"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	TimeoutMs      int    `mapstructure:"timeout_ms" json:"timeout_ms"`
}

// RequestConfig request lifetime settings
type RequestConfig struct {
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms" json:"default_timeout_ms"`
	MaxTimeoutMs     int `mapstructure:"max_timeout_ms" json:"max_timeout_ms"`
}

// StoreConfig request store settings
type StoreConfig struct {
	Backend      string `mapstructure:"backend" json:"backend"` // memory, sqlite, file
	Path         string `mapstructure:"path" json:"path"`
	GraceSeconds int    `mapstructure:"grace_seconds" json:"grace_seconds"`
}

// NotifierConfig chat gateway settings
type NotifierConfig struct {
	Provider string         `mapstructure:"provider" json:"provider"` // feishu, telegram, slack, none
	Feishu   FeishuConfig   `mapstructure:"feishu" json:"feishu"`
	Telegram TelegramConfig `mapstructure:"telegram" json:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack" json:"slack"`
}

// FeishuConfig Feishu / Lark bot settings
type FeishuConfig struct {
	AppID             string `mapstructure:"app_id" json:"app_id"`
	AppSecret         string `mapstructure:"app_secret" json:"app_secret"`
	Domain            string `mapstructure:"domain" json:"domain"` // feishu or lark
	ReceiveIDType     string `mapstructure:"receive_id_type" json:"receive_id_type"`
	ReceiveID         string `mapstructure:"receive_id" json:"receive_id"`
	EncryptKey        string `mapstructure:"encrypt_key" json:"encrypt_key"`
	VerificationToken string   `mapstructure:"verification_token" json:"verification_token"`
	AllowFrom         []string `mapstructure:"allow_from" json:"allow_from"`
}

// TelegramConfig telegram bot settings
type TelegramConfig struct {
	Token     string   `mapstructure:"token" json:"token"`
	ChatID    int64    `mapstructure:"chat_id" json:"chat_id"`
	AllowFrom []string `mapstructure:"allow_from" json:"allow_from"`
}

// SlackConfig Slack bot settings
type SlackConfig struct {
	BotToken      string   `mapstructure:"bot_token" json:"bot_token"`
	ChannelID     string   `mapstructure:"channel_id" json:"channel_id"`
	SigningSecret string   `mapstructure:"signing_secret" json:"signing_secret"`
	AllowFrom     []string `mapstructure:"allow_from" json:"allow_from"`
}

// RiskConfig extra classifier rules, appended after the built-in ones.
type RiskConfig struct {
	Critical   []string `mapstructure:"critical" json:"critical"`
	High       []string `mapstructure:"high" json:"high"`
	Medium     []string `mapstructure:"medium" json:"medium"`
	ShellTools []string `mapstructure:"shell_tools" json:"shell_tools"`
	RulesFile  string   `mapstructure:"rules_file" json:"rules_file"`
}

// ExpiryConfig background sweep settings.
type ExpiryConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Schedule string `mapstructure:"schedule" json:"schedule"` // cron spec
}

// AuditConfig lifecycle audit log settings
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

const (
	DefaultRequestTimeoutMs = 300_000
	DefaultMaxTimeoutMs     = 3_600_000
	DefaultGraceSeconds     = 60
	MinGraceSeconds         = 60
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 18791
	DefaultExpirySchedule   = "@every 30s"
)

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Client: ClientConfig{
			URL:            fmt.Sprintf("http://%s:%d", DefaultHost, DefaultPort),
			PollIntervalMs: 2000,
		},
		Request: RequestConfig{
			DefaultTimeoutMs: DefaultRequestTimeoutMs,
			MaxTimeoutMs:     DefaultMaxTimeoutMs,
		},
		Store: StoreConfig{
			Backend:      "sqlite",
			Path:         filepath.Join(ConfigDir(), "permit.db"),
			GraceSeconds: DefaultGraceSeconds,
		},
		Notifier: NotifierConfig{
			Provider: "none",
			Feishu: FeishuConfig{
				Domain:        "feishu",
				ReceiveIDType: "chat_id",
				AllowFrom:     []string{},
			},
			Telegram: TelegramConfig{AllowFrom: []string{}},
			Slack:    SlackConfig{AllowFrom: []string{}},
		},
		Risk: RiskConfig{
			Critical:   []string{},
			High:       []string{},
			Medium:     []string{},
			ShellTools: []string{},
		},
		Expiry: ExpiryConfig{
			Enabled:  true,
			Schedule: DefaultExpirySchedule,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(ConfigDir(), "audit", "requests.jsonl"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigDir returns the permit config directory
func ConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".permit")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from the default path, writing defaults when it is missing.
func Load() (*Config, error) {
	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveTo(configPath, cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}
	return LoadFrom(configPath)
}

// LoadFrom reads and validates the config file at path. PERMIT_* environment
// variables override file values, with nested keys joined by "_".
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("PERMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to the default path
func Save(cfg *Config) error {
	return SaveTo(ConfigPath(), cfg)
}

// SaveTo writes cfg as indented JSON.
func SaveTo(configPath string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	r := &c.Request
	if r.DefaultTimeoutMs < 0 || r.MaxTimeoutMs < 0 {
		return fmt.Errorf("request timeouts must not be negative")
	}
	if r.DefaultTimeoutMs == 0 {
		r.DefaultTimeoutMs = DefaultRequestTimeoutMs
	}
	if r.MaxTimeoutMs == 0 {
		r.MaxTimeoutMs = DefaultMaxTimeoutMs
	}
	if r.DefaultTimeoutMs > r.MaxTimeoutMs {
		return fmt.Errorf("request.default_timeout_ms (%d) exceeds request.max_timeout_ms (%d)", r.DefaultTimeoutMs, r.MaxTimeoutMs)
	}

	backend := strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch backend {
	case "":
		backend = "memory"
	case "memory", "sqlite", "file":
	default:
		return fmt.Errorf("store.backend must be one of memory, sqlite, file; got %q", c.Store.Backend)
	}
	c.Store.Backend = backend
	if backend != "memory" && strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required for the %s backend", backend)
	}
	if c.Store.GraceSeconds < 0 {
		return fmt.Errorf("store.grace_seconds must not be negative, got %d", c.Store.GraceSeconds)
	}
	if c.Store.GraceSeconds < MinGraceSeconds {
		c.Store.GraceSeconds = MinGraceSeconds
	}

	provider := strings.ToLower(strings.TrimSpace(c.Notifier.Provider))
	switch provider {
	case "", "none":
		provider = "none"
	case "feishu":
		f := c.Notifier.Feishu
		if f.AppID == "" || f.AppSecret == "" || f.ReceiveID == "" {
			return fmt.Errorf("notifier.feishu requires app_id, app_secret and receive_id")
		}
	case "telegram":
		if c.Notifier.Telegram.Token == "" || c.Notifier.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.telegram requires token and chat_id")
		}
	case "slack":
		if c.Notifier.Slack.BotToken == "" || c.Notifier.Slack.ChannelID == "" {
			return fmt.Errorf("notifier.slack requires bot_token and channel_id")
		}
	default:
		return fmt.Errorf("notifier.provider must be one of feishu, telegram, slack, none; got %q", c.Notifier.Provider)
	}
	c.Notifier.Provider = provider

	for tier, patterns := range map[string][]string{
		"critical": c.Risk.Critical,
		"high":     c.Risk.High,
		"medium":   c.Risk.Medium,
	} {
		for _, p := range patterns {
			if _, err := regexp.Compile("(?i)" + p); err != nil {
				return fmt.Errorf("risk.%s pattern %q: %w", tier, p, err)
			}
		}
	}

	if c.Expiry.Enabled {
		if strings.TrimSpace(c.Expiry.Schedule) == "" {
			c.Expiry.Schedule = DefaultExpirySchedule
		}
		if _, err := cron.ParseStandard(c.Expiry.Schedule); err != nil {
			return fmt.Errorf("expiry.schedule %q: %w", c.Expiry.Schedule, err)
		}
	}

	if c.Client.PollIntervalMs <= 0 {
		c.Client.PollIntervalMs = 2000
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	return nil
}

// Grace returns the retention window kept after a request turns terminal.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Store.GraceSeconds) * time.Second
}

// DefaultTimeout returns the request lifetime used when the agent gives none.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Request.DefaultTimeoutMs) * time.Millisecond
}

// MaxTimeout caps agent-supplied request lifetimes.
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.Request.MaxTimeoutMs) * time.Millisecond
}

// ListenAddr returns host:port for the relay server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
