package training_agent

import (
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/configutils"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/publish"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
)

type Config struct {
	AnotherLogger logging.Interface
	Fs            afero.Fs             `validate:"required"`
	Registry      *prometheus.Registry `validate:"required"`

	// Training is decoded from the "training" section by runconfig.
	Training *runconfig.Config `mapstructure:"-" validate:"required"`

	RunID           string         `mapstructure:"run_id"`
	StatusAddress   string         `mapstructure:"status_address" validate:"omitempty,hostname_port"`
	WatchControl    bool           `mapstructure:"watch_control"`
	MetricsTextfile string         `mapstructure:"metrics_textfile"`
	ResultFile      string         `mapstructure:"result_file"`
	NumProcesses    int            `mapstructure:"num_processes" validate:"gte=0"`
	ProcessIndex    int            `mapstructure:"process_index" validate:"gte=0"`
	Publish         publish.Config `mapstructure:"publish"`
}

// Option represents a training agent configuration option.
type Option func(*Config) error

// Apply applies the given options to the configuration.
func (c *Config) Apply(opts ...Option) error {
	for _, o := range opts {
		if o == nil {
			continue
		}

		if err := o(c); err != nil {
			return err
		}
	}
	return nil
}

// NewTrainingAgentConfig builds and returns a new configuration from the given options.
func NewTrainingAgentConfig(opts ...Option) (*Config, error) {
	c := &Config{}
	if err := c.Apply(opts...); err != nil {
		return nil, err
	}

	return c, nil
}

// WithAppParams takes the filesystem and registry from the fx graph.
func WithAppParams(params trainingAgentParams) Option {
	return func(c *Config) error {
		c.Fs = params.Fs
		c.Registry = params.Registry
		return nil
	}
}

// WithAnotherLog sets the logger for the configuration.
func WithAnotherLog(logger logging.Interface) Option {
	return func(c *Config) error {
		c.AnotherLogger = logger
		return nil
	}
}

// WithFs sets the filesystem runs read and write through.
func WithFs(fs afero.Fs) Option {
	return func(c *Config) error {
		c.Fs = fs
		return nil
	}
}

// WithViper reads the agent keys and the training section. The filesystem
// must already be set, the persisted run config is read through it.
func WithViper(v *viper.Viper) Option {
	return func(c *Config) error {
		if c.Fs == nil {
			return fmt.Errorf("filesystem must be set before reading the viper config")
		}
		if err := configutils.BindEnvsRecursive(v, c, ""); err != nil {
			return fmt.Errorf("error occurred when binding environment variables: %+v", err)
		}
		if err := configutils.BindEnvsRecursive(v, &runconfig.Config{}, runconfig.ConfigKey); err != nil {
			return fmt.Errorf("error occurred when binding environment variables: %+v", err)
		}

		// Unmarshal the viper configuration into Config struct
		if err := v.Unmarshal(c); err != nil {
			return fmt.Errorf("error occurred when unmarshalling config: %+v", err)
		}

		training, err := runconfig.FromViper(c.Fs, v)
		if err != nil {
			return err
		}
		c.Training = training

		setDefaultPaths(c)
		return nil
	}
}

func setDefaultPaths(c *Config) {
	if c.Training == nil {
		return
	}
	if c.MetricsTextfile == "" {
		c.MetricsTextfile = filepath.Join(c.Training.ModelDir, constants.LoggingDir, constants.MetricsFileName)
	}
	if c.ResultFile == "" {
		c.ResultFile = filepath.Join(c.Training.ModelDir, constants.ResultFileName)
	}
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	// Zero processes means a single local process.
	if procs := max(c.NumProcesses, 1); c.ProcessIndex >= procs {
		return fmt.Errorf("process_index %d out of range for %d process(es)", c.ProcessIndex, procs)
	}
	return nil
}
