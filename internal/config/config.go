package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries all daemon settings. Every field can be set through a
// FEEDSYNC_* environment variable; flags in cmd/feedsyncd override a subset.
type Config struct {
	Home            string        `env:"FEEDSYNC_HOME"`
	ListenAddr      string        `env:"FEEDSYNC_LISTEN_ADDR" envDefault:"0.0.0.0:8744"`
	AdminAddr       string        `env:"FEEDSYNC_ADMIN_ADDR" envDefault:"127.0.0.1:8745"`
	Peers           []string      `env:"FEEDSYNC_PEERS" envSeparator:","`
	EBTWaitTimeout  time.Duration `env:"FEEDSYNC_EBT_WAIT_TIMEOUT" envDefault:"5s"`
	StreamQueueSize int           `env:"FEEDSYNC_STREAM_QUEUE" envDefault:"32"`
	SendBatchSize   int           `env:"FEEDSYNC_SEND_BATCH" envDefault:"8"`
	InvalidLimit    int           `env:"FEEDSYNC_INVALID_LIMIT" envDefault:"0"`
	Debug           bool          `env:"FEEDSYNC_DEBUG"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Home == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home: %w", err)
		}
		cfg.Home = filepath.Join(home, ".feedsync")
	}
	if cfg.StreamQueueSize <= 0 {
		cfg.StreamQueueSize = 32
	}
	if cfg.SendBatchSize <= 0 {
		cfg.SendBatchSize = 8
	}
	return cfg, nil
}
