package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var configFilePath string
var debug bool

// AgentModule represents a module that can be run by the agent framework
type AgentModule interface {
	Name() string
	ShortDescription() string
	LongDescription() string
	FxModules() []fx.Option

	// ConfigureCommand lets agents add subcommands and flags.
	ConfigureCommand(*cobra.Command)

	// Start is the default action when no subcommand is specified
	Start() error
}

// CreateAgentCommand creates a cobra command for an agent module
func CreateAgentCommand(module AgentModule) *cobra.Command {
	cmd := &cobra.Command{
		Use:   module.Name(),
		Short: module.ShortDescription(),
		Long:  module.LongDescription(),
	}

	cmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug mode")

	module.ConfigureCommand(cmd)

	return cmd
}

// Interrupter is implemented by modules whose action can be asked to wind
// down early, for example to run a cancel save before the process exits.
type Interrupter interface {
	Interrupt()
}

// agentStopTimeout bounds how long shutdown waits for the action to return.
// It has to cover a full cancel save and artifact publishing.
const agentStopTimeout = 30 * time.Minute

// runAgentCommand runs action inside an fx app built from the module.
func runAgentCommand(cmd *cobra.Command, module AgentModule, action func() error) {
	options := []fx.Option{
		configProvider(cmd, module),
	}
	options = append(options, module.FxModules()...)
	options = append(options, actionLifecycle(module, action))

	app := fx.New(fx.Options(options...))
	app.Run()
}

// actionLifecycle starts action with the app and shuts the app down once it
// returns. On stop, including a signal caught by fx, the module is
// interrupted and stop blocks until action has returned.
func actionLifecycle(module AgentModule, action func() error) fx.Option {
	return fx.Options(
		fx.StopTimeout(agentStopTimeout),
		fx.Invoke(func(lc fx.Lifecycle, l *zap.Logger, sh fx.Shutdowner) {
			done := make(chan struct{})
			lc.Append(
				fx.Hook{
					OnStart: func(context.Context) error {
						go func() {
							defer close(done)
							if err := action(); err != nil {
								l.Error(module.Name()+" encountered an error during execution", zap.Error(err))
								_ = l.Sync()
								os.Exit(1)
							}
							if err := sh.Shutdown(); err != nil {
								l.Error("Failed to shutdown "+module.Name(), zap.Error(err))
							}
						}()
						return nil
					},
					OnStop: func(ctx context.Context) error {
						if i, ok := module.(Interrupter); ok {
							i.Interrupt()
						}
						select {
						case <-done:
							return nil
						case <-ctx.Done():
							return fmt.Errorf("%s did not stop in time: %w", module.Name(), ctx.Err())
						}
					},
				})
		}),
	)
}
