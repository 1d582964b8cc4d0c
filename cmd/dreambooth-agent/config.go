package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/configutils"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
)

func configProvider(cli *cobra.Command, _ AgentModule) fx.Option {
	return configutils.ProvideViperFromFile(constants.AgentAppName, cli.Flags(), configFilePath)
}
