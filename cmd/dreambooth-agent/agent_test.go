package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// MockAgentModule is a mock implementation of the AgentModule interface for testing
type MockAgentModule struct {
	mock.Mock
}

func (m *MockAgentModule) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockAgentModule) ShortDescription() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockAgentModule) LongDescription() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockAgentModule) FxModules() []fx.Option {
	args := m.Called()
	return args.Get(0).([]fx.Option)
}

func (m *MockAgentModule) ConfigureCommand(cmd *cobra.Command) {
	m.Called(cmd)
}

func (m *MockAgentModule) Start() error {
	args := m.Called()
	return args.Error(0)
}

func TestCreateAgentCommand(t *testing.T) {
	mockModule := new(MockAgentModule)
	mockModule.On("Name").Return("mock-agent")
	mockModule.On("ShortDescription").Return("Mock Agent Short Description")
	mockModule.On("LongDescription").Return("Mock Agent Long Description")
	mockModule.On("ConfigureCommand", mock.AnythingOfType("*cobra.Command")).Run(func(args mock.Arguments) {
		cmd := args.Get(0).(*cobra.Command)
		cmd.Run = func(cmd *cobra.Command, args []string) {}
	})

	cmd := CreateAgentCommand(mockModule)

	assert.Equal(t, "mock-agent", cmd.Use)
	assert.Equal(t, "Mock Agent Short Description", cmd.Short)
	assert.Equal(t, "Mock Agent Long Description", cmd.Long)

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	debugFlag := cmd.PersistentFlags().Lookup("debug")
	assert.NotNil(t, debugFlag)
	assert.Equal(t, "d", debugFlag.Shorthand)

	mockModule.AssertCalled(t, "ConfigureCommand", mock.AnythingOfType("*cobra.Command"))
}

// interruptibleModule blocks its action until it is interrupted.
type interruptibleModule struct {
	MockAgentModule
	interrupted chan struct{}
	once        sync.Once
}

func (m *interruptibleModule) Interrupt() {
	m.once.Do(func() { close(m.interrupted) })
}

func newInterruptibleModule() *interruptibleModule {
	m := &interruptibleModule{interrupted: make(chan struct{})}
	m.On("Name").Return("mock-agent").Maybe()
	return m
}

func TestAgentModuleInterface(t *testing.T) {
	var _ AgentModule = (*MockAgentModule)(nil)
	var _ AgentModule = (*TrainingAgent)(nil)
	var _ Interrupter = (*TrainingAgent)(nil)
}

func TestActionLifecycleStopWaitsForAction(t *testing.T) {
	module := newInterruptibleModule()
	var finished atomic.Bool
	action := func() error {
		<-module.interrupted
		// Stands in for the cancel save and the result file.
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}

	app := fxtest.New(t, fx.Provide(zap.NewNop), actionLifecycle(module, action))
	app.RequireStart()
	app.RequireStop()

	assert.True(t, finished.Load(), "stop returned before the action finished")
}

func TestActionLifecycleShutsDownWhenActionReturns(t *testing.T) {
	module := newInterruptibleModule()
	app := fxtest.New(t, fx.Provide(zap.NewNop), actionLifecycle(module, func() error { return nil }))
	app.RequireStart()

	select {
	case <-app.Wait():
	case <-time.After(5 * time.Second):
		t.Fatal("app did not shut down after the action returned")
	}
	app.RequireStop()
}

func TestActionLifecycleStopTimesOut(t *testing.T) {
	module := newInterruptibleModule()
	release := make(chan struct{})
	defer close(release)
	action := func() error {
		<-release
		return nil
	}

	app := fxtest.New(t, fx.Provide(zap.NewNop), actionLifecycle(module, action))
	app.RequireStart()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := app.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTrainingAgentInterruptWithoutAgent(t *testing.T) {
	assert.NotPanics(t, func() { NewTrainingAgent().Interrupt() })
}

func TestAgentStartError(t *testing.T) {
	mockModule := new(MockAgentModule)
	mockModule.On("Start").Return(errors.New("start error"))

	err := mockModule.Start()
	assert.EqualError(t, err, "start error")
}

func TestTrainingAgentCommand(t *testing.T) {
	agent := NewTrainingAgent()
	cmd := CreateAgentCommand(agent)

	assert.Equal(t, "training-agent", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotNil(t, cmd.Run)
}

func TestTrainingAgentGraph(t *testing.T) {
	agent := NewTrainingAgent()
	cmd := CreateAgentCommand(agent)

	options := append([]fx.Option{configProvider(cmd, agent)}, agent.FxModules()...)
	assert.NoError(t, fx.ValidateApp(options...))
}

func TestRootCommandRegistersAgents(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "training-agent")
}
