// Package config loads the node's TOML configuration file (spec §3's operational parameters),
// grounded on the pack's BurntSushi/toml convention for node daemons.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nmxmxh/morphis-overlay/internal/connmgr"
	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
	"github.com/nmxmxh/morphis-overlay/internal/overlaynode"
)

// File is the on-disk TOML shape. Durations are given in seconds for readability in the file.
type File struct {
	DataDir      string   `toml:"data_dir"`
	Instance     string   `toml:"instance"`
	ListenAddrs  []string `toml:"listen_addrs"`
	Bootstrap    []string `toml:"bootstrap"`
	HTTPAddr     string   `toml:"http_addr"`
	MaxDataBytes int64    `toml:"max_datastore_bytes"`
	// MaxDataBlockSize is the spec's MAX_DATA_BLOCK_SIZE: the farther-held-bytes threshold that
	// gates admission-with-pruning, distinct from MaxDataBytes (the total datastore cap).
	MaxDataBlockSize int64 `toml:"max_data_block_size"`

	StabilizePeriodSeconds int `toml:"stabilize_period_seconds"`
	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`

	MinConnections     int `toml:"min_connections"`
	MaxConnections     int `toml:"max_connections"`
	MaxInFlightDial    int `toml:"max_in_flight_dial"`
	AttemptBackoffSecs int `toml:"attempt_backoff_seconds"`
}

// Load parses path and fills in SPEC_FULL.md's defaults for any field left zero.
func Load(path string) (overlaynode.Config, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return overlaynode.Config{}, overlayerr.Wrap(err, "config: parse toml file")
	}
	return f.toNodeConfig(), nil
}

func (f File) toNodeConfig() overlaynode.Config {
	cfg := overlaynode.DefaultConfig()

	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Instance != "" {
		cfg.Instance = f.Instance
	}
	if len(f.ListenAddrs) > 0 {
		cfg.ListenAddrs = f.ListenAddrs
	}
	cfg.Bootstrap = f.Bootstrap
	if f.HTTPAddr != "" {
		cfg.HTTPAddr = f.HTTPAddr
	}
	if f.MaxDataBytes > 0 {
		cfg.MaxDataBytes = f.MaxDataBytes
	}
	if f.MaxDataBlockSize > 0 {
		cfg.MaxDataBlockSize = f.MaxDataBlockSize
	}
	if f.StabilizePeriodSeconds > 0 {
		cfg.StabilizePeriod = time.Duration(f.StabilizePeriodSeconds) * time.Second
	}
	if f.ShutdownTimeoutSeconds > 0 {
		cfg.ShutdownTimeout = time.Duration(f.ShutdownTimeoutSeconds) * time.Second
	}

	connCfg := connmgr.DefaultConfig()
	if f.MinConnections > 0 {
		connCfg.MinConnections = f.MinConnections
	}
	if f.MaxConnections > 0 {
		connCfg.MaxConnections = f.MaxConnections
	}
	if f.MaxInFlightDial > 0 {
		connCfg.MaxInFlightDial = f.MaxInFlightDial
	}
	if f.AttemptBackoffSecs > 0 {
		connCfg.AttemptBackoff = time.Duration(f.AttemptBackoffSecs) * time.Second
	}
	cfg.ConnMgr = connCfg

	return cfg
}
