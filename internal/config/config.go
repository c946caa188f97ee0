package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/statusd/internal/connection"
	"github.com/loykin/statusd/internal/env"
	"github.com/loykin/statusd/internal/logger"
)

// Defaults applied before the file and the environment are read.
const (
	DefaultListen          = ":8000"
	DefaultBasePath        = "/api"
	DefaultCollection      = "status_checks"
	DefaultProbeTimeout    = 2 * time.Second
	DefaultOpTimeout       = 5 * time.Second
	DefaultConnectTimeout  = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultListLimit       = 1000
)

// Config is the top-level TOML structure.
type Config struct {
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
}

type StoreConfig struct {
	URL              string        `toml:"url" mapstructure:"url"`
	Database         string        `toml:"database" mapstructure:"database"`
	Collection       string        `toml:"collection" mapstructure:"collection"`
	ProbeTimeout     time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	OpTimeout        time.Duration `toml:"op_timeout" mapstructure:"op_timeout"`
	ConnectTimeout   time.Duration `toml:"connect_timeout" mapstructure:"connect_timeout"`
	ListLimit        int           `toml:"list_limit" mapstructure:"list_limit"`
	UniqueClientName bool          `toml:"unique_client_name" mapstructure:"unique_client_name"`
}

type ServerConfig struct {
	Listen          string        `toml:"listen" mapstructure:"listen"`
	BasePath        string        `toml:"base_path" mapstructure:"base_path"`
	CORSOrigins     []string      `toml:"cors_origins" mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `toml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	TLS             *TLSConfig    `toml:"tls" mapstructure:"tls"`
	TLSMinVersion   string        `toml:"tls_min_version" mapstructure:"tls_min_version"`
	TLSMaxVersion   string        `toml:"tls_max_version" mapstructure:"tls_max_version"`
}

// TLSConfig selects the server certificate. CertFile/KeyFile win over Dir.
type TLSConfig struct {
	Enabled      bool        `toml:"enabled" mapstructure:"enabled"`
	CertFile     string      `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string      `toml:"key_file" mapstructure:"key_file"`
	Dir          string      `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool        `toml:"auto_generate" mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS describes the self-signed certificate written when
// TLSConfig.AutoGenerate is set and Dir holds no certificate.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`

	// Listen serves /metrics on its own address; empty means the API listener.
	Listen string `toml:"listen" mapstructure:"listen"`

	// SelfInterval is the sampling period of the process usage gauges; zero disables them.
	SelfInterval time.Duration `toml:"self_interval" mapstructure:"self_interval"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// envBindings maps config keys to the environment variables that set them.
// Earlier names win.
var envBindings = map[string][]string{
	"store.url":           {"STATUSD_STORE_URL", "MONGO_URL"},
	"store.database":      {"STATUSD_STORE_DATABASE", "DB_NAME"},
	"server.cors_origins": {"STATUSD_SERVER_CORS_ORIGINS", "CORS_ORIGINS"},
	"history.dsns":        {"STATUSD_HISTORY_DSNS"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.url", "")
	v.SetDefault("store.database", "")
	v.SetDefault("store.collection", DefaultCollection)
	v.SetDefault("store.probe_timeout", DefaultProbeTimeout)
	v.SetDefault("store.op_timeout", DefaultOpTimeout)
	v.SetDefault("store.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("store.list_limit", DefaultListLimit)
	v.SetDefault("store.unique_client_name", true)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.timestamps", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.self_interval", 15*time.Second)

	v.SetDefault("history.dsns", []string{})
}

// Load reads the optional TOML file at path, applies the dotenv file and the
// environment, and validates the result. envFile names an explicit dotenv
// file that must exist; when empty a .env next to the config file (or in the
// working directory) is loaded if present. Variables already set in the
// process environment are never overridden by a dotenv file.
func Load(path, envFile string) (*Config, error) {
	if err := loadDotEnv(path, envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("statusd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envBindings {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Listen = ":" + port
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path, envFile string) error {
	if envFile != "" {
		vars, err := env.ParseFile(envFile)
		if err != nil {
			return fmt.Errorf("env file: %w", err)
		}
		_, err = vars.Apply()
		return err
	}
	candidate := ".env"
	if path != "" {
		candidate = filepath.Join(filepath.Dir(path), ".env")
	}
	vars, err := env.ParseFile(candidate)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	_, err = vars.Apply()
	return err
}

func (c *Config) normalize() {
	c.Store.URL = strings.TrimSpace(c.Store.URL)
	c.Store.Database = strings.TrimSpace(c.Store.Database)
	c.Store.Collection = strings.TrimSpace(c.Store.Collection)
	if c.Store.Collection == "" {
		c.Store.Collection = DefaultCollection
	}
	c.Server.CORSOrigins = splitList(c.Server.CORSOrigins)
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	c.History.DSNs = splitList(c.History.DSNs)
	if bp := strings.TrimSpace(c.Server.BasePath); bp != "" && bp != "/" {
		c.Server.BasePath = "/" + strings.Trim(bp, "/")
	}
}

// splitList trims entries and splits ones that still carry commas, which
// happens when a list arrives as a single environment string.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks settings the server cannot start without. Missing store
// settings are left to the connection manager, which reports them as
// configuration errors.
func (c *Config) Validate() error {
	if c.Store.ListLimit <= 0 || c.Store.ListLimit > DefaultListLimit {
		return fmt.Errorf("store.list_limit must be between 1 and %d", DefaultListLimit)
	}
	if c.Store.ProbeTimeout <= 0 || c.Store.OpTimeout <= 0 {
		return errors.New("store timeouts must be positive")
	}
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path %q must start with /", c.Server.BasePath)
	}
	if t := c.Server.TLS; t != nil && t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			return errors.New("server.tls needs both cert_file and key_file")
		}
		if t.CertFile == "" && t.Dir == "" {
			return errors.New("server.tls enabled without cert_file/key_file or dir")
		}
	}
	if c.Metrics.Listen != "" && c.Metrics.Listen == c.Server.Listen {
		return errors.New("metrics.listen must differ from server.listen")
	}
	return nil
}

// Connection returns the settings handed to connection.Manager.Initialize.
func (c *Config) Connection() connection.Config {
	return connection.Config{
		URL:              c.Store.URL,
		Database:         c.Store.Database,
		Collection:       c.Store.Collection,
		UniqueClientName: c.Store.UniqueClientName,
		ConnectTimeout:   c.Store.ConnectTimeout,
		ProbeTimeout:     c.Store.ProbeTimeout,
	}
}

// Logger converts the log section to a logger.Config.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
			Source:     c.Log.Source,
		},
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}
