package afero

import (
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// Module provides the afero.Fs selected by the "filesystem" viper key.
var Module fx.Option = fx.Provide(
	func(v *viper.Viper) (afero.Fs, error) {
		c, err := FromViper(v)
		if err != nil {
			return nil, err
		}
		return New(c), nil
	},
)
