// Package config loads tidelog settings from a YAML file with TIDELOG_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPath = "./tidelog.yaml"
	EnvPrefix   = "TIDELOG"
)

type Config struct {
	API          APIConfig          `mapstructure:"api"`
	Store        StoreConfig        `mapstructure:"store"`
	Location     LocationConfig     `mapstructure:"location"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Flush        FlushConfig        `mapstructure:"flush"`
	Log          LogConfig          `mapstructure:"log"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Token is used as-is; TokenFile is re-read whenever it changes.
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	DSN           string `mapstructure:"dsn"`
	Namespace     string `mapstructure:"namespace"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

type LocationConfig struct {
	Source  string        `mapstructure:"source"`
	Timeout time.Duration `mapstructure:"timeout"`
	MaxAge  time.Duration `mapstructure:"max_age"`
	Serial  SerialConfig  `mapstructure:"serial"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Static  StaticConfig  `mapstructure:"static"`
}

type SerialConfig struct {
	Port string `mapstructure:"port"`
	Baud uint   `mapstructure:"baud"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

type StaticConfig struct {
	Latitude       float64 `mapstructure:"latitude"`
	Longitude      float64 `mapstructure:"longitude"`
	AccuracyMeters float64 `mapstructure:"accuracy_meters"`
}

type ConnectivityConfig struct {
	Probe    string        `mapstructure:"probe"`
	URL      string        `mapstructure:"url"`
	Target   string        `mapstructure:"target"`
	Service  string        `mapstructure:"service"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type FlushConfig struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	Path   string `mapstructure:"path"`
}

type TracingConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	Collector string            `mapstructure:"collector"`
	Insecure  bool              `mapstructure:"insecure"`
	Headers   map[string]string `mapstructure:"headers"`
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("api.token", "")
	v.SetDefault("api.token_file", "")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "./.data/tidelog.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.namespace", "default")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "tidelog:")

	v.SetDefault("location.source", "none")
	v.SetDefault("location.timeout", 10*time.Second)
	v.SetDefault("location.max_age", 10*time.Second)
	v.SetDefault("location.serial.port", "")
	v.SetDefault("location.serial.baud", 9600)
	v.SetDefault("location.mqtt.broker", "")
	v.SetDefault("location.mqtt.client_id", "tidelog")
	v.SetDefault("location.mqtt.topic", "inertial/gps")
	v.SetDefault("location.static.latitude", 0.0)
	v.SetDefault("location.static.longitude", 0.0)
	v.SetDefault("location.static.accuracy_meters", 0.0)

	v.SetDefault("connectivity.probe", "http")
	v.SetDefault("connectivity.url", "")
	v.SetDefault("connectivity.target", "")
	v.SetDefault("connectivity.service", "")
	v.SetDefault("connectivity.interval", 15*time.Second)
	v.SetDefault("connectivity.timeout", 5*time.Second)

	v.SetDefault("queue.max_attempts", 10)
	v.SetDefault("queue.attempt_timeout", 15*time.Second)

	v.SetDefault("flush.initial_backoff", 5*time.Second)
	v.SetDefault("flush.max_backoff", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.path", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.collector", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("metrics.listen", "")
}

// Load reads path, or DefaultPath when path is empty. A missing file is only
// an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %q: %w", path, err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Location.Source = strings.ToLower(strings.TrimSpace(c.Location.Source))
	c.Connectivity.Probe = strings.ToLower(strings.TrimSpace(c.Connectivity.Probe))
	if c.Connectivity.Probe == "http" && c.Connectivity.URL == "" {
		c.Connectivity.URL = c.API.BaseURL
	}
}
