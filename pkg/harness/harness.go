// Package harness abstracts the accumulation, precision and distributed
// synchronization layer the training controller runs on top of.
package harness

import (
	"context"
	"errors"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// ErrPrecisionMismatch is returned by a Factory when the requested precision
// differs from the one the process was started with. The process has to be
// restarted before training can continue.
var ErrPrecisionMismatch = errors.New("precision mismatch")

// PrecisionMismatchMessage is the user-facing text for ErrPrecisionMismatch.
const PrecisionMismatchMessage = "An exception occurred initializing the training harness. " +
	"This is usually caused by changing the mixed precision mode; restart the host application and try again."

// Options configure a harness.
type Options struct {
	GradientAccumulationSteps int
	MixedPrecision            string
	LoggingDir                string
	Seed                      int64
	// NumProcesses and ProcessIndex describe the data-parallel group. Zero
	// means a single process.
	NumProcesses int
	ProcessIndex int
}

// Factory builds a Harness for one run.
type Factory interface {
	New(ctx context.Context, opts Options) (Harness, error)
}

// Component is anything the harness wraps for device placement and
// precision handling: models, the optimizer, the scheduler.
type Component interface{}

// MemoryStats is the allocated and total device memory in GB.
type MemoryStats struct {
	AllocatedGB float64
	TotalGB     float64
}

// Harness is the narrow contract of the acceleration layer.
type Harness interface {
	// Prepare wraps components and returns them in the same order.
	Prepare(ctx context.Context, components ...Component) ([]Component, error)
	// Accumulate runs fn inside a gradient accumulation scope for models.
	Accumulate(ctx context.Context, fn func(ctx context.Context) error, models ...Component) error
	Backward(ctx context.Context, loss tensor.Loss) error
	// SyncGradients reports whether the last backward ended an
	// accumulation cycle.
	SyncGradients() bool
	ClipGradNorm(params Component, maxNorm float64) error
	WaitForEveryone(ctx context.Context) error
	SaveState(ctx context.Context, dir string) error
	LoadState(ctx context.Context, dir string) error
	IsMainProcess() bool
	NumProcesses() int
	MemoryStats() MemoryStats
	Log(values map[string]float64, step int)
	EndTraining(ctx context.Context) error
}

// Stateful components are captured by SaveState and restored by LoadState.
type Stateful interface {
	StateDict() ([]byte, error)
	LoadStateDict(data []byte) error
}

// Clippable components support gradient norm clipping.
type Clippable interface {
	ClipGradNorm(maxNorm float64) float64
}
