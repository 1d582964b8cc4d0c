package logging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ConfigKey is the root viper key of the logging section.
var ConfigKey = "logging"

// Level is a logging level name.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel parses a case-insensitive level name. Empty means INFO.
func ParseLevel(level string) (Level, error) {
	l := Level(strings.ToUpper(level))
	if l == "" {
		return LevelInfo, nil
	}
	if err := l.Validate(); err != nil {
		return "", err
	}
	return l, nil
}

// Validate reports whether the level is known.
func (l Level) Validate() error {
	switch Level(strings.ToUpper(string(l))) {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
		return nil
	default:
		return fmt.Errorf("unknown log level: %s", l)
	}
}

func (l Level) String() string { return strings.ToUpper(string(l)) }

func (l Level) zapLevel() (zapcore.Level, error) {
	switch Level(strings.ToUpper(string(l))) {
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case "", LevelInfo:
		return zapcore.InfoLevel, nil
	case LevelWarn:
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("can't convert log level to zapcore.Level: %s", l)
	}
}

// Config holds the configuration for logging.
type Config struct {
	// Debug forces the debug level and the console encoder.
	Debug bool `mapstructure:"debug"`

	// Level defaults to INFO.
	Level Level `mapstructure:"level"`

	EncodeTimeAsRFC3339Nano bool `mapstructure:"encodeTimeAsRFC3339Nano"`

	// DisableConsoleOutput keeps logs in the rotated file only.
	DisableConsoleOutput bool `mapstructure:"disableConsoleOutput"`

	// Logger holds the lumberjack rotation knobs. An empty Filename makes
	// lumberjack pick a file in the temp directory.
	lumberjack.Logger `mapstructure:",squash"`
}

// Option is a configuration option for logging.
type Option func(*Config) error

// Validate ensures the logging Config is valid.
func (c *Config) Validate() error {
	if c.MaxSize < 0 {
		return fmt.Errorf("maxsize must be >= 0, not %d", c.MaxSize)
	}
	if c.MaxBackups < 0 {
		return fmt.Errorf("maxbackups must be >= 0, not %d", c.MaxBackups)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("maxage days must be >= 0, not %d", c.MaxAge)
	}
	if err := c.Level.Validate(); err != nil {
		return fmt.Errorf("invalid level: %w", err)
	}
	return nil
}

func (c *Config) zapLevel() (zapcore.Level, error) {
	if c.Debug {
		return zapcore.DebugLevel, nil
	}
	return c.Level.zapLevel()
}

// WithViper reads the "logging" section.
func WithViper(v *viper.Viper) Option {
	return WithViperKey(v, ConfigKey)
}

// WithViperKey reads the section stored under configKey.
func WithViperKey(v *viper.Viper, configKey string) Option {
	return func(c *Config) error {
		if v == nil {
			return errors.New("nil Viper")
		}
		return v.UnmarshalKey(configKey, c)
	}
}

// WithDebug overrides the debug flag, usually from the --debug CLI flag.
func WithDebug(debug bool) Option {
	return func(c *Config) error {
		c.Debug = c.Debug || debug
		return nil
	}
}

// Apply takes the supplied options and applies them to the configuration.
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

// NewConfig creates a new logging config with the given options.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{}
	if err := c.Apply(opts...); err != nil {
		return nil, err
	}
	return c, nil
}
