// Package config holds the tunables of the kernel core: pool sizes, the
// physical memory layout and logging. Values come from built-in defaults, an
// optional TOML file and MINIX_* environment variables, in that order.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "MINIX"

type Config struct {
	NrBuffers int `toml:"nr_buffers" envconfig:"NR_BUFFERS"` // size of the buffer pool
	NrHash    int `toml:"nr_hash" envconfig:"NR_HASH"`       // buffer hash chains
	NrInodes  int `toml:"nr_inodes" envconfig:"NR_INODES"`   // in-memory inode table
	NrSuper   int `toml:"nr_super" envconfig:"NR_SUPER"`     // mounted filesystems
	NrFile    int `toml:"nr_file" envconfig:"NR_FILE"`       // open file table

	// Physical memory, in bytes. Frames below LowMem belong to the kernel and
	// are never handed out; frames between LowMem and StartMem are reserved
	// (buffer memory, ramdisk).
	LowMem   uint32 `toml:"low_mem" envconfig:"LOW_MEM"`
	StartMem uint32 `toml:"start_mem" envconfig:"START_MEM"`
	HighMem  uint32 `toml:"high_mem" envconfig:"HIGH_MEM"`

	LogLevel  string `toml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" envconfig:"LOG_FORMAT"` // "text" or "json"
}

func Default() Config {
	return Config{
		NrBuffers: 200,
		NrHash:    307,
		NrInodes:  32,
		NrSuper:   8,
		NrFile:    64,
		LowMem:    0x100000,
		StartMem:  0x100000,
		HighMem:   0x1000000,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads the TOML file at path on top of the defaults (an empty path
// skips the file) and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, cfg.Validate()
}

const pageMask = 4096 - 1

func (c Config) Validate() error {
	switch {
	case c.NrBuffers < 1:
		return fmt.Errorf("config: nr_buffers must be positive, got %d", c.NrBuffers)
	case c.NrHash < 1:
		return fmt.Errorf("config: nr_hash must be positive, got %d", c.NrHash)
	case c.NrInodes < 1:
		return fmt.Errorf("config: nr_inodes must be positive, got %d", c.NrInodes)
	case c.NrSuper < 1:
		return fmt.Errorf("config: nr_super must be positive, got %d", c.NrSuper)
	case c.NrFile < 1:
		return fmt.Errorf("config: nr_file must be positive, got %d", c.NrFile)
	}
	if c.LowMem&pageMask != 0 || c.StartMem&pageMask != 0 || c.HighMem&pageMask != 0 {
		return fmt.Errorf("config: memory bounds must be page aligned")
	}
	if !(c.LowMem <= c.StartMem && c.StartMem < c.HighMem) {
		return fmt.Errorf("config: need low_mem <= start_mem < high_mem, got %#x %#x %#x",
			c.LowMem, c.StartMem, c.HighMem)
	}
	return nil
}
