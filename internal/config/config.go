// Package config loads server configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Storage struct {
		Driver      string `yaml:"driver"` // sqlite, postgres or memory
		SQLitePath  string `yaml:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Bridge struct {
		Driver        string `yaml:"driver"` // memory, redis or nats
		ChannelPrefix string `yaml:"channel_prefix"`
		Redis         struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			URL      string `yaml:"url"`
		} `yaml:"redis"`
		NATS struct {
			URL string `yaml:"url"`
		} `yaml:"nats"`
	} `yaml:"bridge"`

	Collab CollabConfig `yaml:"collab"`

	Compaction struct {
		Enabled          bool          `yaml:"enabled"`
		Interval         time.Duration `yaml:"interval"`
		JournalThreshold int           `yaml:"journal_threshold"`
		KeepAutoVersions int           `yaml:"keep_auto_versions"`
	} `yaml:"compaction"`

	Auth struct {
		Tokens map[string]TokenIdentity `yaml:"tokens"`
	} `yaml:"auth"`
}

// CollabConfig tunes the per-room engine and per-connection sessions.
type CollabConfig struct {
	BatchInterval         time.Duration `yaml:"batch_interval"`
	PingInterval          time.Duration `yaml:"ping_interval"`
	PingTimeout           time.Duration `yaml:"ping_timeout"`
	PresenceTTL           time.Duration `yaml:"presence_ttl"`
	PresenceSweepInterval time.Duration `yaml:"presence_sweep_interval"`
	AutosaveInterval      time.Duration `yaml:"autosave_interval"`
	MaxOpSize             int           `yaml:"max_op_size"`
	SendBuffer            int           `yaml:"send_buffer"`
	MessagesPerSecond     float64       `yaml:"messages_per_second"`
	MessageBurst          int           `yaml:"message_burst"`
}

type TokenIdentity struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
}

// DefaultCollab returns the engine timings used when nothing is configured.
func DefaultCollab() CollabConfig {
	return CollabConfig{
		BatchInterval:         50 * time.Millisecond,
		PingInterval:          20 * time.Second,
		PingTimeout:           10 * time.Second,
		PresenceTTL:           30 * time.Second,
		PresenceSweepInterval: 5 * time.Second,
		AutosaveInterval:      30 * time.Second,
		MaxOpSize:             10_000,
		SendBuffer:            256,
		MessagesPerSecond:     100,
		MessageBurst:          200,
	}
}

func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = "./data/planroom.db"
	cfg.Storage.MaxConns = 10
	cfg.Storage.MinConns = 2

	cfg.Bridge.Driver = "memory"
	cfg.Bridge.ChannelPrefix = "project:"
	cfg.Bridge.Redis.Addr = "localhost:6379"
	cfg.Bridge.NATS.URL = "nats://localhost:4222"

	cfg.Collab = DefaultCollab()

	cfg.Compaction.Enabled = true
	cfg.Compaction.Interval = 5 * time.Minute
	cfg.Compaction.JournalThreshold = 500
	cfg.Compaction.KeepAutoVersions = 20

	cfg.Auth.Tokens = map[string]TokenIdentity{}
	return cfg
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if path := os.Getenv("LATTICE_DB_PATH"); path != "" {
		c.Storage.SQLitePath = path
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Storage.PostgresDSN = dsn
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Bridge.Redis.URL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.Bridge.NATS.URL = url
	}
	if driver := os.Getenv("BRIDGE_DRIVER"); driver != "" {
		c.Bridge.Driver = driver
	}
	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if size := os.Getenv("MAX_OP_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			c.Collab.MaxOpSize = n
		}
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn (or DATABASE_URL) is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Bridge.Driver {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("unknown bridge driver %q", c.Bridge.Driver)
	}

	col := c.Collab
	if col.BatchInterval <= 0 || col.PingInterval <= 0 || col.PingTimeout <= 0 {
		return errors.New("collab intervals must be positive")
	}
	if col.PresenceTTL <= 0 || col.PresenceSweepInterval <= 0 || col.AutosaveInterval <= 0 {
		return errors.New("collab presence and autosave intervals must be positive")
	}
	if col.MaxOpSize <= 0 {
		return errors.New("collab.max_op_size must be positive")
	}
	if col.SendBuffer <= 0 {
		return errors.New("collab.send_buffer must be positive")
	}
	if c.Compaction.Enabled && c.Compaction.Interval <= 0 {
		return errors.New("compaction.interval must be positive")
	}
	return nil
}
