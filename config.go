package taskmesh

import (
	"context"
	"fmt"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/service/dispatch"
	"github.com/taskmesh/taskmesh/service/graph"
	"github.com/taskmesh/taskmesh/service/registry"
	"github.com/taskmesh/taskmesh/service/scheduler"
	"github.com/taskmesh/taskmesh/service/supervisor"
	"github.com/taskmesh/taskmesh/service/workflow"
)

// Config is a serialisable representation of the engine configuration. The
// zero value is useful, all nested sections inherit their package defaults.
type Config struct {
	Registry   registry.Config   `json:"registry" yaml:"registry"`
	Graph      graph.Config      `json:"graph" yaml:"graph"`
	Scheduler  scheduler.Config  `json:"scheduler" yaml:"scheduler"`
	Workflow   workflow.Config   `json:"workflow" yaml:"workflow"`
	Dispatch   dispatch.Config   `json:"dispatch" yaml:"dispatch"`
	Supervisor supervisor.Config `json:"supervisor" yaml:"supervisor"`
}

// DefaultConfig returns a Config populated with every package's defaults.
func DefaultConfig() *Config {
	return &Config{
		Registry:   registry.DefaultConfig(),
		Graph:      graph.DefaultConfig(),
		Scheduler:  scheduler.DefaultConfig(),
		Workflow:   workflow.DefaultConfig(),
		Dispatch:   dispatch.DefaultConfig(),
		Supervisor: supervisor.DefaultConfig(),
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Dispatch.WorkerCount < 0 {
		return fmt.Errorf("dispatch.workerCount must not be negative")
	}
	if c.Scheduler.MinInterval > 0 && c.Scheduler.MaxInterval > 0 && c.Scheduler.MinInterval > c.Scheduler.MaxInterval {
		return fmt.Errorf("scheduler.minInterval exceeds scheduler.maxInterval")
	}
	if err := c.Supervisor.Validate(); err != nil {
		return err
	}
	return nil
}

// ParseConfig decodes YAML over the defaults, so a partial document only
// overrides what it names.
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig reads a YAML config from an afs-compatible URL (local path,
// mem://, s3://, ...).
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	data, err := afs.New().DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", URL, err)
	}
	return ParseConfig(data)
}
