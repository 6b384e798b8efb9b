package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/examsentry/server/internal/detector"
)

// Settings gates which detection subsystems are active. It is injected into
// the monitor and may be hot-reloaded from the config file while a session
// is running.
type Settings struct {
	TabSwitch       bool `mapstructure:"tab_switch"`
	DOMManipulation bool `mapstructure:"dom_manipulation"`
	CopyPaste       bool `mapstructure:"copy_paste"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ReportingConfig struct {
	TypeCooldownMS   int    `mapstructure:"type_cooldown_ms"`
	GlobalCooldownMS int    `mapstructure:"global_cooldown_ms"`
	MaxStored        int    `mapstructure:"max_stored"`
	PruneIntervalMin int    `mapstructure:"prune_interval_minutes"`
	RetentionHours   int    `mapstructure:"retention_hours"`
	BackendURL       string `mapstructure:"backend_url"`
}

func (r ReportingConfig) TypeCooldown() time.Duration {
	return time.Duration(r.TypeCooldownMS) * time.Millisecond
}

func (r ReportingConfig) GlobalCooldown() time.Duration {
	return time.Duration(r.GlobalCooldownMS) * time.Millisecond
}

func (r ReportingConfig) PruneInterval() time.Duration {
	return time.Duration(r.PruneIntervalMin) * time.Minute
}

func (r ReportingConfig) Retention() time.Duration {
	return time.Duration(r.RetentionHours) * time.Hour
}

// Config is the root configuration, loaded once at startup. Only the
// Settings section participates in hot reload.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Reporting ReportingConfig `mapstructure:"reporting"`
	Detection detector.Config `mapstructure:"detection"`

	mu       sync.RWMutex
	settings Settings

	v *viper.Viper
}

// Load reads config.yaml from configPath (falling back to ./config and .)
// with EXAMSENTRY_* environment overrides. A missing file is not an error;
// defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EXAMSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	var s Settings
	if err := v.UnmarshalKey("settings", &s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	cfg.settings = s
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("reporting.type_cooldown_ms", 5000)
	v.SetDefault("reporting.global_cooldown_ms", 2000)
	v.SetDefault("reporting.max_stored", 100)
	v.SetDefault("reporting.prune_interval_minutes", 30)
	v.SetDefault("reporting.retention_hours", 24)

	v.SetDefault("settings.tab_switch", true)
	v.SetDefault("settings.dom_manipulation", true)
	v.SetDefault("settings.copy_paste", true)
}

// Settings returns the current detection gates.
func (c *Config) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Watch re-reads the settings gates whenever the config file changes on
// disk, so a proctor can relax or tighten detection mid-interview without a
// restart.
func (c *Config) Watch(logger *logrus.Logger) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		var s Settings
		if err := c.v.UnmarshalKey("settings", &s); err != nil {
			logger.WithError(err).Warn("ignoring malformed settings on reload")
			return
		}
		c.mu.Lock()
		c.settings = s
		c.mu.Unlock()
		logger.WithFields(logrus.Fields{
			"tab_switch":       s.TabSwitch,
			"dom_manipulation": s.DOMManipulation,
			"copy_paste":       s.CopyPaste,
		}).Info("detection settings reloaded")
	})
	c.v.WatchConfig()
}
