// Package config loads the kernel's boot switches through Viper,
// mirroring how deploymenttheory-go-apfs's internal/disk and
// internal/device packages load mount-time DMG options: defaults set
// in code, overridden by a YAML file and then by environment
// variables. Spec.md §6 calls USE_TLB/VMEM/FILESYS "runtime options,
// not compile-time" for a target-language rewrite; this package is
// where that decision lives.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/nachosgo/nachos/internal/common"
)

// Config collects every boot-time switch, the disk image path, and the
// physical page count the kernel needs before it can mount a file system or build its
// first address space.
type Config struct {
	UseTLB   bool `mapstructure:"use_tlb"`
	VMem     bool `mapstructure:"vmem"`
	Filesys  bool `mapstructure:"filesys"`

	DiskPath     string `mapstructure:"disk_path"`
	NumPhysPages int    `mapstructure:"num_phys_pages"`

	Format bool `mapstructure:"format"`
}

// Load reads nachos.yaml (searched in the given directories, then the
// current directory) plus NACHOS_-prefixed environment variables,
// falling back to defaults when neither is present. A missing config
// file is not an error; an unreadable or malformed one is.
func Load(searchPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("nachos")
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")

	v.SetDefault("use_tlb", true)
	v.SetDefault("vmem", true)
	v.SetDefault("filesys", true)
	v.SetDefault("disk_path", "nachos.disk")
	v.SetDefault("num_phys_pages", 32)
	v.SetDefault("format", false)

	v.SetEnvPrefix("NACHOS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: reading nachos.yaml: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	if cfg.NumPhysPages <= 0 {
		return nil, fmt.Errorf("config: num_phys_pages must be positive, got %d", cfg.NumPhysPages)
	}
	return &cfg, nil
}

// StackPages reports the fixed per-process stack reservation,
// common.StackPages; it is not configurable.
func (c *Config) StackPages() int { return common.StackPages }
