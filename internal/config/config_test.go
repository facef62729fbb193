package config

import (
	"os"
	"testing"
)

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	prev, had := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("Unsetenv(%s): %v", key, err)
	}
	t.Cleanup(func() {
		if had {
			_ = os.Setenv(key, prev)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"BITCASK_LOG_DIR", "BITCASK_MAX_LOG_FILE_SIZE", "BITCASK_HOST", "BITCASK_PORT"} {
		unsetEnv(t, k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != DefaultHost || cfg.Port != DefaultPort {
		t.Fatalf("Load() host/port = %s/%s, want defaults %s/%s", cfg.Host, cfg.Port, DefaultHost, DefaultPort)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("BITCASK_LOG_DIR", "/tmp/custom-dir/")
	t.Setenv("BITCASK_MAX_LOG_FILE_SIZE", "12345")
	t.Setenv("BITCASK_HOST", "0.0.0.0")
	t.Setenv("BITCASK_PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogDir != "/tmp/custom-dir/" {
		t.Fatalf("LogDir = %q", cfg.LogDir)
	}
	if cfg.MaxSegmentSize != 12345 {
		t.Fatalf("MaxSegmentSize = %d", cfg.MaxSegmentSize)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != "9999" {
		t.Fatalf("Host/Port = %s/%s", cfg.Host, cfg.Port)
	}
	if cfg.Addr() != "0.0.0.0:9999" {
		t.Fatalf("Addr() = %q", cfg.Addr())
	}
}

func TestLoadRejectsMalformedSize(t *testing.T) {
	t.Setenv("BITCASK_MAX_LOG_FILE_SIZE", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatalf("expected Load to reject a non-numeric BITCASK_MAX_LOG_FILE_SIZE")
	}
}

