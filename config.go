package stripjpeg

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Agent modes accepted in Config.
const (
	AgentModeInProcess = "inprocess"
	AgentModeProcess   = "process"
)

// Config is the file form of Options. Restart markers are on unless
// restart_markers is false.
//
//	quality: 90
//	workers: 4
//	strip_timeout: 5s
//	retries: 1
//	restart_markers: true
//	agent:
//	  mode: process
//	  command: /usr/local/bin/stripjpeg
//	  args: [agent]
type Config struct {
	Quality        int           `yaml:"quality"`
	Workers        int           `yaml:"workers"`
	StripTimeout   time.Duration `yaml:"strip_timeout"`
	Retries        int           `yaml:"retries"`
	RestartMarkers *bool         `yaml:"restart_markers"`
	Agent          AgentConfig   `yaml:"agent"`
}

// AgentConfig selects where strips are compressed.
type AgentConfig struct {
	// Mode is "inprocess" (the default) or "process".
	Mode string `yaml:"mode"`
	// Command, Args and Env start an agent process in process mode. An empty
	// Command runs "agent" on the current executable.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes YAML configuration. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parsing config")
	}
	if _, err := cfg.Options(nil); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Options converts c to encoding options logging to logger. The options are
// validated but no agent is started.
func (c *Config) Options(logger *zap.Logger) (*Options, error) {
	o := &Options{
		Quality:      c.Quality,
		Workers:      c.Workers,
		StripTimeout: c.StripTimeout,
		Retries:      c.Retries,
		Logger:       logger,
	}
	if c.RestartMarkers != nil {
		o.DisableRestartMarkers = !*c.RestartMarkers
	}
	switch c.Agent.Mode {
	case "", AgentModeInProcess:
	case AgentModeProcess:
		pc := ProcessConfig{Path: c.Agent.Command, Args: c.Agent.Args, Env: c.Agent.Env}
		if pc.Path == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, resourceError(err, "locating agent executable")
			}
			pc.Path, pc.Args = self, []string{"agent"}
		}
		o.Agents = ProcessAgents(pc)
	default:
		return nil, validationErrorf("unknown agent mode %q", c.Agent.Mode)
	}
	if _, err := o.withDefaults(); err != nil {
		return nil, err
	}
	return o, nil
}
