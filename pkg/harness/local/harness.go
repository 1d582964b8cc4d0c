// Package local is a single-process harness that keeps gradients implicit
// and snapshots stateful components as JSON. It backs dry runs and tests.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// StateFileName is the snapshot file inside a snapshot directory.
const StateFileName = "harness_state.json"

// LogFileName receives one JSON record per Log call.
const LogFileName = "tracker.jsonl"

// Factory hands out local harnesses. The first harness pins the precision
// for the life of the factory, mirroring frameworks that cannot switch
// precision without a restart.
type Factory struct {
	Fs     afero.Fs
	Logger logging.Interface

	mu        sync.Mutex
	precision string
}

var _ harness.Factory = (*Factory)(nil)

// New builds a harness for opts.
func (f *Factory) New(ctx context.Context, opts harness.Options) (harness.Harness, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.precision == "" {
		f.precision = opts.MixedPrecision
	} else if f.precision != opts.MixedPrecision {
		return nil, fmt.Errorf("%w: harness already running in %q, requested %q",
			harness.ErrPrecisionMismatch, f.precision, opts.MixedPrecision)
	}

	accum := opts.GradientAccumulationSteps
	if accum < 1 {
		accum = 1
	}
	procs := opts.NumProcesses
	if procs < 1 {
		procs = 1
	}
	return &Harness{
		fs:        f.Fs,
		log:       f.Logger,
		accum:     accum,
		procs:     procs,
		index:     opts.ProcessIndex,
		loggingTo: opts.LoggingDir,
	}, nil
}

// Harness implements harness.Harness in-process.
type Harness struct {
	fs        afero.Fs
	log       logging.Interface
	accum     int
	procs     int
	index     int
	loggingTo string

	mu         sync.Mutex
	components []harness.Component
	backwards  int
	clips      int
	lastLoss   float64
}

var _ harness.Harness = (*Harness)(nil)

// snapshot is the on-disk shape of SaveState.
type snapshot struct {
	Backwards  int               `json:"backwards"`
	Components map[int]stateBlob `json:"components"`
	SavedAt    time.Time         `json:"saved_at"`
}

type stateBlob struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *Harness) Prepare(ctx context.Context, components ...harness.Component) ([]harness.Component, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components = append(h.components, components...)
	return components, nil
}

func (h *Harness) Accumulate(ctx context.Context, fn func(ctx context.Context) error, _ ...harness.Component) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (h *Harness) Backward(_ context.Context, loss tensor.Loss) error {
	if loss.Prediction == nil {
		return errors.New("backward: loss carries no prediction")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backwards++
	h.lastLoss = loss.Value
	return nil
}

func (h *Harness) SyncGradients() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backwards > 0 && h.backwards%h.accum == 0
}

func (h *Harness) ClipGradNorm(params harness.Component, maxNorm float64) error {
	h.mu.Lock()
	h.clips++
	h.mu.Unlock()
	if c, ok := params.(harness.Clippable); ok {
		c.ClipGradNorm(maxNorm)
	}
	return nil
}

// Clips is the number of ClipGradNorm calls so far.
func (h *Harness) Clips() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clips
}

func (h *Harness) WaitForEveryone(ctx context.Context) error {
	return ctx.Err()
}

func (h *Harness) SaveState(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	snap := snapshot{Backwards: h.backwards, Components: map[int]stateBlob{}, SavedAt: time.Now().UTC()}
	components := append([]harness.Component(nil), h.components...)
	h.mu.Unlock()

	for i, c := range components {
		s, ok := c.(harness.Stateful)
		if !ok {
			continue
		}
		data, err := s.StateDict()
		if err != nil {
			return errors.Wrapf(err, "capturing state of component %d", i)
		}
		snap.Components[i] = stateBlob{Type: fmt.Sprintf("%T", c), Data: data}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err := h.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating snapshot dir %s", dir)
	}
	return errors.Wrap(afero.WriteFile(h.fs, filepath.Join(dir, StateFileName), data, 0o644), "writing snapshot")
}

func (h *Harness) LoadState(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := afero.ReadFile(h.fs, filepath.Join(dir, StateFileName))
	if err != nil {
		return errors.Wrapf(err, "reading snapshot %s", dir)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrapf(err, "decoding snapshot %s", dir)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, blob := range snap.Components {
		if i >= len(h.components) {
			return fmt.Errorf("snapshot has state for component %d but only %d are prepared", i, len(h.components))
		}
		s, ok := h.components[i].(harness.Stateful)
		if !ok || fmt.Sprintf("%T", h.components[i]) != blob.Type {
			return fmt.Errorf("snapshot component %d is %s, prepared %T", i, blob.Type, h.components[i])
		}
		if err := s.LoadStateDict(blob.Data); err != nil {
			return errors.Wrapf(err, "restoring component %d", i)
		}
	}
	h.backwards = snap.Backwards
	return nil
}

func (h *Harness) IsMainProcess() bool { return h.index == 0 }

func (h *Harness) NumProcesses() int { return h.procs }

func (h *Harness) MemoryStats() harness.MemoryStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	const gb = 1 << 30
	return harness.MemoryStats{AllocatedGB: float64(m.HeapAlloc) / gb, TotalGB: float64(m.Sys) / gb}
}

// Log appends values to the tracker file under the logging dir. Failures are
// logged and dropped; tracking never interrupts training.
func (h *Harness) Log(values map[string]float64, step int) {
	if h.loggingTo == "" || !h.IsMainProcess() {
		return
	}
	record, err := json.Marshal(struct {
		Step   int                `json:"step"`
		Values map[string]float64 `json:"values"`
	}{step, values})
	if err == nil {
		err = h.appendLog(append(record, '\n'))
	}
	if err != nil && h.log != nil {
		h.log.WithError(err).Warn("Failed to write tracker record")
	}
}

func (h *Harness) appendLog(line []byte) error {
	if err := h.fs.MkdirAll(h.loggingTo, 0o755); err != nil {
		return err
	}
	f, err := h.fs.OpenFile(filepath.Join(h.loggingTo, LogFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(line)
	return err
}

func (h *Harness) EndTraining(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components = nil
	return nil
}
