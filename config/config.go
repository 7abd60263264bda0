package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "IPAMD"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	IPAM     IPAMConfig     `mapstructure:"ipam"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Lock     LockConfig     `mapstructure:"lock"`
}

type ServerConfig struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres | mysql | sqlite
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
	File   string `mapstructure:"file"`
}

type IPAMConfig struct {
	QuarantineDays   int    `mapstructure:"quarantine_days"`
	BulkLimit        int    `mapstructure:"bulk_limit"`
	MaterializeBatch int    `mapstructure:"materialize_batch"`
	MaterializeLimit int    `mapstructure:"materialize_limit"`
	PrivateScope     string `mapstructure:"private_scope"`
	NearbyLimit      int    `mapstructure:"nearby_limit"`
}

type SweeperConfig struct {
	// 0 отключает фоновую очистку, остаётся ленивая проверка и CLI.
	Interval time.Duration `mapstructure:"interval"`
}

type LockConfig struct {
	Backend   string        `mapstructure:"backend"` // local | redis
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// SetDefaults registers every default on v so that env overrides work for
// keys that never appear in a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "ipamd.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("ipam.quarantine_days", 90)
	v.SetDefault("ipam.bulk_limit", 1024)
	v.SetDefault("ipam.materialize_batch", 100)
	v.SetDefault("ipam.materialize_limit", 65536)
	v.SetDefault("ipam.private_scope", "10.0.0.0/8")
	v.SetDefault("ipam.nearby_limit", 20)

	v.SetDefault("sweeper.interval", time.Hour)

	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_addr", "127.0.0.1:6379")
	v.SetDefault("lock.ttl", 30*time.Second)
}

// Load reads the optional config file and the environment into a Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("ipamd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ipamd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.IPAM.QuarantineDays < 0 {
		return fmt.Errorf("ipam.quarantine_days must be >= 0, got %d", c.IPAM.QuarantineDays)
	}
	if c.IPAM.BulkLimit <= 0 {
		return fmt.Errorf("ipam.bulk_limit must be positive, got %d", c.IPAM.BulkLimit)
	}
	if c.IPAM.MaterializeBatch <= 0 {
		return fmt.Errorf("ipam.materialize_batch must be positive, got %d", c.IPAM.MaterializeBatch)
	}
	switch c.Lock.Backend {
	case "", "local", "redis":
	default:
		return fmt.Errorf("unsupported lock backend: %s", c.Lock.Backend)
	}
	return nil
}
