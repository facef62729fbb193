// Package config builds a server configuration from defaults overridden by
// the environment — the "configuration loading from the environment"
// collaborator spec.md §1 explicitly keeps outside the core package.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/epokhe/caskdb/core"
)

// Server is everything cmd/server needs to start: the store's Config plus
// the listen address.
type Server struct {
	core.Config
	Host string
	Port string
}

const (
	DefaultHost = "localhost"
	DefaultPort = "1729"
)

// Load builds a Server config from core.DefaultConfig and DefaultHost/Port,
// overridden in order by BITCASK_LOG_DIR, BITCASK_MAX_LOG_FILE_SIZE,
// BITCASK_HOST, BITCASK_PORT. A malformed BITCASK_MAX_LOG_FILE_SIZE is
// reported, not silently ignored.
func Load() (Server, error) {
	cfg := Server{
		Config: core.DefaultConfig(),
		Host:   DefaultHost,
		Port:   DefaultPort,
	}

	if v, ok := os.LookupEnv("BITCASK_LOG_DIR"); ok {
		cfg.LogDir = v
	}

	if v, ok := os.LookupEnv("BITCASK_MAX_LOG_FILE_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Server{}, fmt.Errorf("BITCASK_MAX_LOG_FILE_SIZE=%q: %w", v, err)
		}
		cfg.MaxSegmentSize = n
	}

	if v, ok := os.LookupEnv("BITCASK_HOST"); ok {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv("BITCASK_PORT"); ok {
		cfg.Port = v
	}

	return cfg, nil
}

// Addr returns the host:port pair net.Listen/net.Dial expect.
func (s Server) Addr() string {
	return s.Host + ":" + s.Port
}
