package local

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

type counter struct {
	Steps int `json:"steps"`
}

func (c *counter) StateDict() ([]byte, error) { return json.Marshal(c) }

func (c *counter) LoadStateDict(data []byte) error { return json.Unmarshal(data, c) }

func (c *counter) ClipGradNorm(float64) float64 { return 0 }

func newHarness(t *testing.T, fs afero.Fs, opts harness.Options) *Harness {
	t.Helper()
	f := &Factory{Fs: fs, Logger: logging.Discard()}
	h, err := f.New(context.Background(), opts)
	require.NoError(t, err)
	return h.(*Harness)
}

func TestFactoryPinsPrecision(t *testing.T) {
	f := &Factory{Fs: afero.NewMemMapFs(), Logger: logging.Discard()}
	ctx := context.Background()

	_, err := f.New(ctx, harness.Options{MixedPrecision: "fp16"})
	require.NoError(t, err)
	_, err = f.New(ctx, harness.Options{MixedPrecision: "fp16"})
	require.NoError(t, err)

	_, err = f.New(ctx, harness.Options{MixedPrecision: "bf16"})
	assert.ErrorIs(t, err, harness.ErrPrecisionMismatch)
}

func TestSyncGradientsFollowsAccumulation(t *testing.T) {
	h := newHarness(t, afero.NewMemMapFs(), harness.Options{GradientAccumulationSteps: 2})
	ctx := context.Background()
	loss := tensor.Loss{Value: 1, Prediction: tensor.New(1)}

	assert.False(t, h.SyncGradients(), "no backward yet")
	require.NoError(t, h.Backward(ctx, loss))
	assert.False(t, h.SyncGradients())
	require.NoError(t, h.Backward(ctx, loss))
	assert.True(t, h.SyncGradients())

	assert.Error(t, h.Backward(ctx, tensor.Loss{Value: 1}))
}

func TestSaveLoadState(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	dir := "/models/person/checkpoints/checkpoint-40"

	h := newHarness(t, fs, harness.Options{})
	opt := &counter{Steps: 40}
	_, err := h.Prepare(ctx, "unet", opt)
	require.NoError(t, err)
	require.NoError(t, h.Backward(ctx, tensor.Loss{Value: 0.2, Prediction: tensor.New(1)}))
	require.NoError(t, h.SaveState(ctx, dir))

	restored := &counter{}
	h2 := newHarness(t, fs, harness.Options{})
	_, err = h2.Prepare(ctx, "unet", restored)
	require.NoError(t, err)
	require.NoError(t, h2.LoadState(ctx, dir))
	assert.Equal(t, 40, restored.Steps)
	assert.True(t, h2.SyncGradients(), "backward count restored")

	h3 := newHarness(t, fs, harness.Options{})
	_, err = h3.Prepare(ctx, &counter{}, "unet")
	require.NoError(t, err)
	assert.Error(t, h3.LoadState(ctx, dir), "component order must match")

	assert.Error(t, h2.LoadState(ctx, "/models/person/checkpoints/checkpoint-80"))
}

func TestLogWritesTrackerRecords(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := newHarness(t, fs, harness.Options{LoggingDir: "/models/person/logging"})

	h.Log(map[string]float64{"loss": 0.5}, 1)
	h.Log(map[string]float64{"loss": 0.25}, 2)

	data, err := afero.ReadFile(fs, filepath.Join("/models/person/logging", LogFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"step":2,"values":{"loss":0.25}}`, lines[1])

	worker := newHarness(t, afero.NewMemMapFs(), harness.Options{NumProcesses: 2, ProcessIndex: 1})
	assert.False(t, worker.IsMainProcess())
	assert.Equal(t, 2, worker.NumProcesses())
}

func TestClipGradNormCounts(t *testing.T) {
	h := newHarness(t, afero.NewMemMapFs(), harness.Options{})
	require.NoError(t, h.ClipGradNorm(&counter{}, 1.0))
	require.NoError(t, h.ClipGradNorm("params", 1.0))
	assert.Equal(t, 2, h.Clips())
	assert.Greater(t, h.MemoryStats().TotalGB, 0.0)
}
