// Package config loads the analysis runner's YAML configuration file,
// mirroring the teacher's internal/cli.Config: a single struct with one
// nested section per subsystem, loaded with gopkg.in/yaml.v3 and filled
// with sane defaults for anything the file omits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runner configuration (spec.md §6's configuration
// file section).
type Config struct {
	Worker struct {
		Count         int           `yaml:"count"`
		SpawnTimeout  time.Duration `yaml:"spawn_timeout"`
		ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	} `yaml:"worker"`

	Boundary struct {
		BindAddress string `yaml:"bind_address"`
	} `yaml:"boundary"`

	Announcer struct {
		BindAddress string `yaml:"bind_address"`
	} `yaml:"announcer"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	EventLog struct {
		Dir           string        `yaml:"dir"`
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"eventlog"`

	StatusExport struct {
		Dir      string        `yaml:"dir"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"statusexport"`
}

// Default returns the configuration the distributed default.yaml encodes.
// Load starts from it, so a field the loaded file does not set keeps its
// value from here; a field the file sets, even to a zero value, wins.
func Default() Config {
	var c Config
	c.Worker.Count = 0
	c.Worker.SpawnTimeout = 10 * time.Second
	c.Worker.ShutdownGrace = 5 * time.Second
	c.Boundary.BindAddress = "127.0.0.1:0"
	c.Announcer.BindAddress = "127.0.0.1:0"
	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	c.EventLog.Dir = "./data/eventlog"
	c.EventLog.BufferSize = 100
	c.EventLog.FlushInterval = 10 * time.Millisecond
	c.StatusExport.Dir = "./data/status"
	c.StatusExport.Interval = 2 * time.Second
	return c
}

// Load reads and parses the YAML file at path, layering it over Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
