// Package config decodes the control plane's YAML configuration file into
// a typed Config, applying defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the decoded contents of conf/sandboxd.yaml.
type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	Machinery  MachineryConfig  `yaml:"machinery"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Processing ProcessingConfig `yaml:"processing"`
	TaskRunner TaskRunnerConfig `yaml:"task_runner"`
	Platforms  PlatformConfig   `yaml:"platforms"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// QueueConfig controls the durable task queue.
type QueueConfig struct {
	DBPath string `yaml:"db_path"`
}

// MachineryConfig controls the machinery manager worker pool.
type MachineryConfig struct {
	Workers        int           `yaml:"workers"`
	ActionTimeout  time.Duration `yaml:"action_timeout"`
	DumpInterval   time.Duration `yaml:"dump_interval"`
}

// SchedulerConfig holds the scheduling loop's settings as loaded from the
// config file. pkg/scheduler does not read them: its fallback tick is a
// fixed 60 seconds and its starter pool size is NumTaskStarters.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	TaskStarters int           `yaml:"task_starters"`
}

// ProcessingConfig controls the processing worker pool (C4).
type ProcessingConfig struct {
	Workers int `yaml:"workers"`
}

// TaskRunnerConfig controls how a started task's machine lifecycle is
// driven: the guest agent port and readiness timeout, the interval loop's
// poll period, and the default run timeout used when an analysis doesn't
// override it.
type TaskRunnerConfig struct {
	AgentPort        int           `yaml:"agent_port"`
	AgentWaitTimeout time.Duration `yaml:"agent_wait_timeout"`
	CallInterval     time.Duration `yaml:"call_interval"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
}

// PlatformConfig controls platform resolution defaults.
type PlatformConfig struct {
	DefaultPlatform string   `yaml:"default_platform"`
	MultiPlatform   []string `yaml:"multi_platform"`
	Autotag         bool     `yaml:"autotag"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Default returns a Config populated with the values the core ships with
// when conf/sandboxd.yaml omits a section entirely.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			DBPath: "storage/queue.db",
		},
		Machinery: MachineryConfig{
			Workers:       4,
			ActionTimeout: 120 * time.Second,
			DumpInterval:  10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 60 * time.Second,
			TaskStarters: 1,
		},
		Processing: ProcessingConfig{
			Workers: 4,
		},
		TaskRunner: TaskRunnerConfig{
			AgentPort:        8000,
			AgentWaitTimeout: 120 * time.Second,
			CallInterval:     time.Second,
			DefaultTimeout:   120 * time.Second,
		},
		Platforms: PlatformConfig{
			DefaultPlatform: "linux",
			Autotag:         true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONOutput: true,
		},
	}
}

// Load reads and decodes the YAML file at path, starting from Default and
// overlaying whatever the file specifies. A missing file is not an error:
// the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
