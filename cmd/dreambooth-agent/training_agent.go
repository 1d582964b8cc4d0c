package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	trainingAgent "github.com/atzemis13/sd-dreambooth-extension/internal/dreambooth-agent/training-agent"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/afero"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
)

// TrainingAgent implements the AgentModule interface for the training agent
type TrainingAgent struct {
	agent *trainingAgent.TrainingAgent
}

func (t *TrainingAgent) Name() string {
	return "training-agent"
}

func (t *TrainingAgent) ShortDescription() string {
	return "Run DreamBooth Training Agent"
}

func (t *TrainingAgent) LongDescription() string {
	return "DreamBooth Training Agent runs one fine-tuning run, serves its live status and control API, " +
		"and publishes the resulting samples and checkpoints"
}

func (t *TrainingAgent) ConfigureCommand(cmd *cobra.Command) {
	cmd.Run = func(cmd *cobra.Command, args []string) {
		runAgentCommand(cmd, t, t.Start)
	}
}

func (t *TrainingAgent) FxModules() []fx.Option {
	return []fx.Option{
		afero.Module,
		logging.Module,
		logging.ModuleNamed("another_log"),
		logging.UseLoggingInterface,
		trainingAgent.RegistryModule,
		trainingAgent.Module,
		fx.Populate(&t.agent),
	}
}

// Start runs training. Setup failures are returned; an interrupted run is
// not an error.
func (t *TrainingAgent) Start() error {
	_, err := t.agent.Start(context.Background())
	return err
}

// Interrupt asks a running training to stop after its cancel save.
func (t *TrainingAgent) Interrupt() {
	if t.agent != nil {
		t.agent.Status().Interrupt()
	}
}

func NewTrainingAgent() *TrainingAgent {
	return &TrainingAgent{}
}
