package training_agent

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
)

type trainingAgentParams struct {
	fx.In

	AnotherLogger logging.Interface `name:"another_log"`
	Fs            afero.Fs
	Registry      *prometheus.Registry
}

// RegistryModule provides the registry the training metrics live in.
var RegistryModule = fx.Provide(prometheus.NewRegistry)

var Module = fx.Provide(
	func(v *viper.Viper, params trainingAgentParams) (*TrainingAgent, error) {
		config, err := NewTrainingAgentConfig(
			WithAppParams(params),
			WithAnotherLog(params.AnotherLogger),
			WithViper(v),
		)
		if err != nil {
			return nil, fmt.Errorf("error creating training agent config: %+v", err)
		}
		return NewTrainingAgent(config)
	})
