package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FEEDSYNC_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8744" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.AdminAddr != "127.0.0.1:8745" {
		t.Fatalf("admin addr = %q", cfg.AdminAddr)
	}
	if cfg.EBTWaitTimeout != 5*time.Second {
		t.Fatalf("ebt wait timeout = %v", cfg.EBTWaitTimeout)
	}
	if cfg.StreamQueueSize != 32 || cfg.SendBatchSize != 8 {
		t.Fatalf("queue=%d batch=%d", cfg.StreamQueueSize, cfg.SendBatchSize)
	}
	if cfg.InvalidLimit != 0 || cfg.Debug {
		t.Fatalf("invalid=%d debug=%v", cfg.InvalidLimit, cfg.Debug)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FEEDSYNC_HOME", "/tmp/feedsync-test")
	t.Setenv("FEEDSYNC_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("FEEDSYNC_PEERS", "10.0.0.1:8744,10.0.0.2:8744")
	t.Setenv("FEEDSYNC_EBT_WAIT_TIMEOUT", "250ms")
	t.Setenv("FEEDSYNC_INVALID_LIMIT", "5")
	t.Setenv("FEEDSYNC_DEBUG", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Home != "/tmp/feedsync-test" {
		t.Fatalf("home = %q", cfg.Home)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != "10.0.0.2:8744" {
		t.Fatalf("peers = %v", cfg.Peers)
	}
	if cfg.EBTWaitTimeout != 250*time.Millisecond {
		t.Fatalf("ebt wait timeout = %v", cfg.EBTWaitTimeout)
	}
	if cfg.InvalidLimit != 5 || !cfg.Debug {
		t.Fatalf("invalid=%d debug=%v", cfg.InvalidLimit, cfg.Debug)
	}
}

func TestLoadClampsBadSizes(t *testing.T) {
	t.Setenv("FEEDSYNC_HOME", t.TempDir())
	t.Setenv("FEEDSYNC_STREAM_QUEUE", "-1")
	t.Setenv("FEEDSYNC_SEND_BATCH", "0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StreamQueueSize != 32 || cfg.SendBatchSize != 8 {
		t.Fatalf("queue=%d batch=%d", cfg.StreamQueueSize, cfg.SendBatchSize)
	}
}
