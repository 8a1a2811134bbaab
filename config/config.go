// Package config loads engine configuration from defaults, an optional
// YAML file, and CHUNKFLOW_-prefixed environment variables, in that
// order of precedence (env wins).
//
//	CHUNKFLOW_QUEUE_MAX_CONCURRENT=8  -> queue.max_concurrent
//	CHUNKFLOW_STORE_DRIVER=postgres   -> store.driver
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CHUNKFLOW_"

type Config struct {
	Server ServerConfig `koanf:"server"`
	Queue  QueueConfig  `koanf:"queue"`
	Pool   PoolConfig   `koanf:"pool"`
	Store  StoreConfig  `koanf:"store"`
	Log    LogConfig    `koanf:"log"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type QueueConfig struct {
	MaxConcurrent     int           `koanf:"max_concurrent"`
	MaxAttempts       int           `koanf:"max_attempts"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	DisableDeadLetter bool          `koanf:"disable_dead_letter"`
}

type PoolConfig struct {
	MaxConnections int           `koanf:"max_connections"`
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
}

type StoreConfig struct {
	Driver      string `koanf:"driver"` // "file" or "postgres"
	DataDir     string `koanf:"data_dir"`
	DatabaseURL string `koanf:"database_url"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "console" or "json"
}

// Default returns the baseline configuration used when no file or
// environment overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Queue: QueueConfig{
			MaxConcurrent: 4,
			MaxAttempts:   3,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
		},
		Pool: PoolConfig{
			MaxConnections: 4,
			AcquireTimeout: 5 * time.Second,
			IdleTimeout:    60 * time.Second,
		},
		Store: StoreConfig{
			Driver:  "file",
			DataDir: "jobs_data",
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

func defaultsAsMap() map[string]any {
	def := Default()
	return map[string]any{
		"server.addr": def.Server.Addr,

		"queue.max_concurrent":      def.Queue.MaxConcurrent,
		"queue.max_attempts":        def.Queue.MaxAttempts,
		"queue.base_delay":          def.Queue.BaseDelay.String(),
		"queue.max_delay":           def.Queue.MaxDelay.String(),
		"queue.disable_dead_letter": def.Queue.DisableDeadLetter,

		"pool.max_connections": def.Pool.MaxConnections,
		"pool.acquire_timeout": def.Pool.AcquireTimeout.String(),
		"pool.idle_timeout":    def.Pool.IdleTimeout.String(),

		"store.driver":       def.Store.Driver,
		"store.data_dir":     def.Store.DataDir,
		"store.database_url": def.Store.DatabaseURL,

		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,
	}
}

// Load merges defaults, the YAML file at path (skipped when path is
// empty or missing), and CHUNKFLOW_ environment variables.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsAsMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.TrimPrefix(s, envPrefix)
		key = strings.ToLower(key)
		// The first segment is the section; the rest keeps its
		// underscores (queue.max_concurrent, store.database_url).
		return strings.Replace(key, "_", ".", 1)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
