// Package config loads server and client settings from defaults, an optional
// YAML file, SMA_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "SMA"

	StoreMemory = "memory"
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
)

type (
	LogConfig struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
		File        string `mapstructure:"file"`
	}

	MongoConfig struct {
		URI      string        `mapstructure:"uri"`
		Database string        `mapstructure:"database"`
		Timeout  time.Duration `mapstructure:"timeout"`
	}

	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	ServerConfig struct {
		Addr         string      `mapstructure:"addr"`
		Host         string      `mapstructure:"host"`
		TLSCert      string      `mapstructure:"tls_cert"`
		TLSKey       string      `mapstructure:"tls_key"`
		SelfSigned   bool        `mapstructure:"self_signed"`
		Store        string      `mapstructure:"store"`
		SendBuffer   int         `mapstructure:"send_buffer"`
		MaxFrameSize int64       `mapstructure:"max_frame_size"`
		Mongo        MongoConfig `mapstructure:"mongo"`
		Redis        RedisConfig `mapstructure:"redis"`
		Log          LogConfig   `mapstructure:"log"`
	}

	ClientConfig struct {
		Server           string        `mapstructure:"server"`
		CACert           string        `mapstructure:"ca_cert"`
		Insecure         bool          `mapstructure:"insecure"`
		DataDir          string        `mapstructure:"data_dir"`
		Password         string        `mapstructure:"password"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
		QueueSize        int           `mapstructure:"queue_size"`
		Log              LogConfig     `mapstructure:"log"`
	}
)

// New returns a viper instance reading <name>.yaml from the working
// directory or ~/.sma, with SMA_ environment overrides.
func New(name, file string) *viper.Viper {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sma")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps config keys to command-line flags. A flag only overrides
// the file and environment when it is set explicitly.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("no flag %q for config key %q", name, key)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func readFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func setLogDefaults(v *viper.Viper, level string) {
	v.SetDefault("log.level", level)
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
}

func SetServerDefaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:9000")
	v.SetDefault("host", "localhost")
	v.SetDefault("tls_cert", "")
	v.SetDefault("tls_key", "")
	v.SetDefault("self_signed", false)
	v.SetDefault("store", StoreMemory)
	v.SetDefault("send_buffer", 256)
	v.SetDefault("max_frame_size", 16<<20)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "sma")
	v.SetDefault("mongo.timeout", "10s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	setLogDefaults(v, "info")
}

func SetClientDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	v.SetDefault("server", "wss://localhost:9000/ws")
	v.SetDefault("ca_cert", "")
	v.SetDefault("insecure", false)
	v.SetDefault("data_dir", filepath.Join(home, ".sma"))
	v.SetDefault("password", "")
	v.SetDefault("handshake_timeout", "30s")
	v.SetDefault("queue_size", 16)

	setLogDefaults(v, "warn")
}

func LoadServer(v *viper.Viper) (*ServerConfig, error) {
	SetServerDefaults(v)
	if err := readFile(v); err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	return &cfg, cfg.Validate()
}

func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	SetClientDefaults(v)
	if err := readFile(v); err != nil {
		return nil, err
	}
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	return &cfg, cfg.Validate()
}

func (c *ServerConfig) Validate() error {
	switch c.Store {
	case StoreMemory, StoreMongo, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q (want %s, %s or %s)", c.Store, StoreMemory, StoreMongo, StoreRedis)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if c.SelfSigned && c.TLSCert == "" {
		return errors.New("self_signed needs tls_cert and tls_key paths to write to")
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	if !strings.HasPrefix(c.Server, "wss://") && !strings.HasPrefix(c.Server, "ws://") {
		return fmt.Errorf("server must be a ws:// or wss:// URL, got %q", c.Server)
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake_timeout must be positive")
	}
	return nil
}
