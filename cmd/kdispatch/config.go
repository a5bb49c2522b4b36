package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// runConfig is the launch description of the run command. It is read from
// an optional YAML file, then overridden by flags set on the command line.
type runConfig struct {
	Driver   string        `yaml:"driver"`
	Device   string        `yaml:"device"`
	Source   string        `yaml:"source"`
	Kernel   string        `yaml:"kernel"`
	Elements int           `yaml:"elements"`
	Local    int           `yaml:"local"`
	Timeout  time.Duration `yaml:"timeout"`
}

func defaultRunConfig() runConfig {
	return runConfig{
		Driver:   "host",
		Device:   "any",
		Kernel:   "helloworld",
		Elements: 512000,
		Timeout:  time.Minute,
	}
}

// loadRunConfig reads path over the defaults. Keys absent from the file
// keep their default.
func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// override copies every flag the user set into cfg
func (cfg *runConfig) override(cmd *cobra.Command, flags runConfig) {
	set := cmd.Flags().Changed
	if set("driver") {
		cfg.Driver = flags.Driver
	}
	if set("device") {
		cfg.Device = flags.Device
	}
	if set("source") {
		cfg.Source = flags.Source
	}
	if set("kernel") {
		cfg.Kernel = flags.Kernel
	}
	if set("elements") {
		cfg.Elements = flags.Elements
	}
	if set("local") {
		cfg.Local = flags.Local
	}
	if set("timeout") {
		cfg.Timeout = flags.Timeout
	}
}

func (cfg runConfig) validate() error {
	if cfg.Elements <= 0 {
		return fmt.Errorf("elements must be positive, got %d", cfg.Elements)
	}
	if cfg.Local < 0 {
		return fmt.Errorf("local size must not be negative, got %d", cfg.Local)
	}
	if cfg.Kernel == "" {
		return fmt.Errorf("no kernel name")
	}
	return nil
}
