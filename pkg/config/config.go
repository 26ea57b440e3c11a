// Package config loads and saves the bridge's TOML configuration: the two
// platform connections, the bridge-route table, and the retry/media policy
// knobs.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Duration is a time.Duration with TOML text (un)marshaling, so config files
// can write "10s" / "5m" instead of raw nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ProxyConfig describes an optional HTTP/HTTPS/SOCKS5 proxy for a connection
// or for media downloads.
type ProxyConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Type     string `toml:"type"` // "http", "https", or "socks5"
	User     string `toml:"user,omitempty"`
	Password string `toml:"password,omitempty"`
}

// URL renders the proxy as a dial-able URL string, or "" if unconfigured.
func (p *ProxyConfig) URL() string {
	if p == nil || p.Host == "" {
		return ""
	}
	scheme := p.Type
	if scheme == "" {
		scheme = "http"
	}
	auth := ""
	if p.User != "" {
		auth = p.User
		if p.Password != "" {
			auth += ":" + p.Password
		}
		auth += "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", scheme, auth, p.Host, p.Port)
}

// QQConfig configures the Variant W (WebSocket duplex) connection to the
// self-hosted OneBot11-style endpoint.
type QQConfig struct {
	Host               string       `toml:"host"`
	Port               int          `toml:"port"`
	AccessToken        string       `toml:"access_token"`
	Proxy              *ProxyConfig `toml:"proxy,omitempty"`
	InsecureSkipVerify bool         `toml:"insecure_skip_verify"`
}

func (c *QQConfig) WebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d", c.Host, c.Port)
}

// TelegramConfig configures the Variant P (long-poll HTTPS) connection.
type TelegramConfig struct {
	Token              string       `toml:"token"`
	APIHost            string       `toml:"api_host"` // defaults to api.telegram.org
	Proxy              *ProxyConfig `toml:"proxy,omitempty"`
	InsecureSkipVerify bool         `toml:"insecure_skip_verify"`
}

func (c *TelegramConfig) BaseURL() string {
	host := c.APIHost
	if host == "" {
		host = "api.telegram.org"
	}
	return fmt.Sprintf("https://%s/bot%s", host, c.Token)
}

// BridgeRouteConfig is the TOML shape of a coremsg.BridgeRoute.
type BridgeRouteConfig struct {
	QQConversation       string `toml:"qq_conversation"`
	TelegramConversation string `toml:"telegram_conversation"`
	TelegramTopicID      string `toml:"telegram_topic_id,omitempty"`
	Mode                 string `toml:"mode"` // "group" or "topic"
	ShowSenderQQToTG     bool   `toml:"show_sender_qq_to_tg"`
	ShowSenderTGToQQ     bool   `toml:"show_sender_tg_to_qq"`
}

// Config is the full bridge configuration file.
type Config struct {
	DatabaseFile        string              `toml:"database_file"`
	EnableRetryQueue     bool                `toml:"enable_retry_queue"`
	BridgeRoutes         []BridgeRouteConfig `toml:"bridge_routes"`
	QQ                   QQConfig            `toml:"qq"`
	Telegram             TelegramConfig      `toml:"telegram"`
	EnableMiniappParsing bool                `toml:"enable_miniapp_parsing"`
	ShowRawJSONOnParseFail bool              `toml:"show_raw_json_on_parse_fail"`
	MaxJSONDisplayLength int                 `toml:"max_json_display_length"`
	MaxSendAttempts      int                 `toml:"max_send_attempts"`
	MaxDownloadAttempts  int                 `toml:"max_download_attempts"`
	RetryTickSeconds     int                 `toml:"retry_tick_seconds"`
	MaxBackoffSeconds    int                 `toml:"max_backoff_seconds"`
}

// GetDefaultConfig returns a Config populated with the documented defaults:
// max_send_attempts=5, max_download_attempts=3, retry_tick_seconds=10,
// max_backoff_seconds=300.
func GetDefaultConfig() *Config {
	return &Config{
		DatabaseFile:           GetDefaultDBPath(),
		EnableRetryQueue:       true,
		BridgeRoutes:           nil,
		EnableMiniappParsing:   true,
		ShowRawJSONOnParseFail: false,
		MaxJSONDisplayLength:   500,
		MaxSendAttempts:        5,
		MaxDownloadAttempts:    3,
		RetryTickSeconds:       10,
		MaxBackoffSeconds:      300,
	}
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := GetDefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if config.DatabaseFile == "" {
		config.DatabaseFile = GetDefaultDBPath()
	}
	if config.MaxSendAttempts == 0 {
		config.MaxSendAttempts = 5
	}
	if config.MaxDownloadAttempts == 0 {
		config.MaxDownloadAttempts = 3
	}
	if config.RetryTickSeconds == 0 {
		config.RetryTickSeconds = 10
	}
	if config.MaxBackoffSeconds == 0 {
		config.MaxBackoffSeconds = 300
	}

	return config, nil
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(configPath, []byte(c.generateConfigTemplate()), 0644)
}

func (c *Config) generateConfigTemplate() string {
	dbFile := c.DatabaseFile
	if dbFile == "" {
		dbFile = GetDefaultDBPath()
	}
	return strings.Replace(configTemplate, "/home/user/.local/share/chatbridge/bridge.db", dbFile, 1)
}

// GetDefaultStorageDir returns the default directory for the bridge's durable
// store, creating it if missing, following XDG_DATA_HOME.
func GetDefaultStorageDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "./data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "chatbridge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "./data"
	}
	return dir
}

// GetDefaultDBPath returns the default path of the single durable store file.
func GetDefaultDBPath() string {
	return filepath.Join(GetDefaultStorageDir(), "bridge.db")
}

// GetConfigDir returns the bridge's configuration directory, following
// XDG_CONFIG_HOME.
func GetConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "chatbridge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "."
	}
	return dir
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.toml")
}
