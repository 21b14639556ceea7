// Package config holds the shuffle worker's startup configuration,
// grounded on daemon/config/config.go's Config/DefaultConfig/LoadConfig
// shape, with byte-size fields (the resource limiter capacities) parsed
// through go-humanize instead of plain integers so operators can write
// "100MiB" on the command line.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/quantarax/p2pshuffle/internal/validation"
)

// Config holds a shuffle worker's configuration.
type Config struct {
	WorkerAddress    string // QUIC address peers dial for shuffle_receive/shuffle_inputs_done
	AdminGRPCAddress string
	AdminRESTAddress string
	ObservAddress    string
	BaseDir          string // scratch directory root (spec section 3's "directory")
	SchedulerDBPath  string // bolt-backed scheduler store
	CommsLimitBytes  uint64 // comms resource limiter capacity, spec section 4.1 default 100 MiB
	DiskLimitBytes   uint64 // disk resource limiter capacity, spec section 4.1 default 1 GiB
	OffloadPoolSize  int    // 0 defaults to runtime.NumCPU()
}

// DefaultConfig returns the worker's default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "p2pshuffle")

	return &Config{
		WorkerAddress:    "127.0.0.1:4433",
		AdminGRPCAddress: "127.0.0.1:9090",
		AdminRESTAddress: "127.0.0.1:8080",
		ObservAddress:    "127.0.0.1:8081",
		BaseDir:          filepath.Join(dataDir, "scratch"),
		SchedulerDBPath:  filepath.Join(dataDir, "scheduler.db"),
		CommsLimitBytes:  100 << 20, // 100 MiB
		DiskLimitBytes:   1 << 30,   // 1 GiB
		OffloadPoolSize:  0,
	}
}

// LoadConfig loads configuration from file (simplified - just returns
// default; flag overrides are applied by the caller, same as the teacher's
// LoadConfig).
func LoadConfig(configPath string) (*Config, error) {
	return DefaultConfig(), nil
}

// Validate checks the fields an operator can get wrong from the command
// line: the two listen addresses, the scratch directory, and the offload
// pool size.
func (c *Config) Validate() error {
	if err := validation.ValidateAddr(c.WorkerAddress); err != nil {
		return fmt.Errorf("worker-addr: %w", err)
	}
	if err := validation.ValidateAddr(c.AdminRESTAddress); err != nil {
		return fmt.Errorf("admin-rest-addr: %w", err)
	}
	if err := validation.ValidateStringNonEmpty(c.BaseDir); err != nil {
		return fmt.Errorf("base-dir: %w", err)
	}
	if err := validation.ValidateRangeInt(c.OffloadPoolSize, 0, 4096); err != nil {
		return fmt.Errorf("offload-pool-size: %w", err)
	}
	return nil
}

// ParseByteSize parses a human-readable byte size ("100MiB", "1GiB", "512KB")
// via go-humanize, falling back to a plain decimal byte count.
func ParseByteSize(s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid byte size %q: %w", s, err)
	}
	return n, nil
}
