package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Addr     string `mapstructure:"addr"`
	LogLevel string `mapstructure:"log_level"`
	Liveness struct {
		Interval  time.Duration `mapstructure:"interval"`
		TTL       time.Duration `mapstructure:"ttl"`
		RedisAddr string        `mapstructure:"redis_addr"`
		RedisKey  string        `mapstructure:"redis_key"`
	} `mapstructure:"liveness"`
	Archive struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"archive"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Render struct {
		Dump   bool `mapstructure:"dump"`
		Width  int  `mapstructure:"width"`
		Height int  `mapstructure:"height"`
	} `mapstructure:"render"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "127.0.0.1:8432")
	v.SetDefault("log_level", "info")
	v.SetDefault("liveness.interval", 10*time.Second)
	v.SetDefault("liveness.ttl", 30*time.Second)
	v.SetDefault("liveness.redis_addr", "")
	v.SetDefault("liveness.redis_key", "linesync:liveness")
	v.SetDefault("archive.path", ":memory:")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "linesync.changes")
	v.SetDefault("render.dump", true)
	v.SetDefault("render.width", 1024)
	v.SetDefault("render.height", 768)
}

// Flags registers the command line flags understood by Load.
func Flags(fs *pflag.FlagSet) {
	fs.String("addr", "127.0.0.1:8432", "the address to listen on")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("config", "", "path to a config file (default: linesync.yaml in . or ./config)")
	fs.String("archive-path", ":memory:", "sqlite database holding cleared canvases")
	fs.String("redis-addr", "", "share the connection count through redis at this address")
	fs.StringSlice("kafka-brokers", nil, "publish change events to these kafka brokers")
}

// Load resolves configuration from defaults, an optional config file, LINESYNC_* environment variables (a
// .env file in the working directory is loaded first) and flags, in increasing priority.
func Load(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("linesync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		binds := map[string]string{
			"addr":                "addr",
			"log_level":           "log-level",
			"archive.path":        "archive-path",
			"liveness.redis_addr": "redis-addr",
			"kafka.brokers":       "kafka-brokers",
		}
		for key, flagName := range binds {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	configPath := ""
	if fs != nil {
		configPath, _ = fs.GetString("config")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("linesync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Level maps the configured log level onto slog, defaulting to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}
