package configutils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// ProvideViperFromFile provides a *viper.Viper reading configFilePath, with
// environment overrides under envPrefix and the persistent --debug flag bound.
func ProvideViperFromFile(envPrefix string, pflags *pflag.FlagSet, configFilePath string) fx.Option {
	return fx.Provide(func() (*viper.Viper, error) {
		if configFilePath == "" {
			return nil, errors.New("no config file provided")
		}

		v := viper.New()
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()

		if pflags != nil {
			if flag := pflags.Lookup("debug"); flag != nil {
				if err := v.BindPFlag("debug", flag); err != nil {
					return nil, fmt.Errorf("can't bind debug flag: %w", err)
				}
			}
		}

		if err := ResolveAndMergeFile(v, configFilePath); err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		return v, nil
	})
}
