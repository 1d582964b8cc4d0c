// Package diffusion defines the model collaborators the training controller
// drives. Implementations own all numeric work; the controller only
// sequences calls and releases handles.
package diffusion

import (
	"context"
	"image"

	"github.com/hashicorp/go-multierror"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// Prediction types of a noise schedule.
const (
	PredictionEpsilon  = "epsilon"
	PredictionVelocity = "v_prediction"
)

// Tokenizer turns prompts into token ids.
type Tokenizer interface {
	Encode(prompt string, maxLength int) []int
	ModelMaxLength() int
}

// TextEncoder produces the conditioning hidden states of a batch.
type TextEncoder interface {
	EncodeHiddenState(ids [][]int, pad bool, maxTokenLength, modelMaxLength int) (*tensor.Tensor, error)
	Parameters() harness.Component
	SetTrain(train bool)
}

// Autoencoder maps pixels to latents.
type Autoencoder interface {
	Encode(images *tensor.Tensor) (*tensor.Tensor, error)
	Release() error
}

// DenoisingNetwork predicts noise or velocity for noisy latents.
type DenoisingNetwork interface {
	Predict(noisy *tensor.Tensor, timesteps []int, hidden *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() harness.Component
	SetTrain(train bool)
}

// NoiseSchedule is the forward noising process.
type NoiseSchedule interface {
	NumTrainTimesteps() int
	PredictionType() string
	AddNoise(latents, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error)
	Velocity(latents, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error)
}

// EMA keeps an exponential moving average of the denoiser weights.
type EMA interface {
	Step(params harness.Component)
	// Swap exchanges the live weights with the averaged ones. Calling it
	// twice restores the original weights.
	Swap(params harness.Component)
}

// Releaser is implemented by handles that hold memory worth freeing early.
type Releaser interface {
	Release() error
}

// Models bundles the loaded sub-models of one run.
type Models struct {
	Tokenizer     Tokenizer
	TextEncoder   TextEncoder
	Autoencoder   Autoencoder
	Denoiser      DenoisingNetwork
	NoiseSchedule NoiseSchedule
	EMA           EMA
}

// Release frees every handle that supports it. All handles are attempted;
// failures are aggregated.
func (m *Models) Release() error {
	if m == nil {
		return nil
	}
	var result *multierror.Error
	for _, h := range []interface{}{m.Autoencoder, m.TextEncoder, m.Denoiser, m.EMA, m.Tokenizer, m.NoiseSchedule} {
		r, ok := h.(Releaser)
		if !ok || r == nil {
			continue
		}
		if err := r.Release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.Autoencoder = nil
	m.TextEncoder = nil
	m.Denoiser = nil
	m.EMA = nil
	return result.ErrorOrNil()
}

// LoRARequest asks the loader to inject low-rank adapters.
type LoRARequest struct {
	Enabled bool
	Rank    int
	// Previous weights to continue from; empty for fresh adapters.
	DenoiserWeights    string
	TextEncoderWeights string
	TrainTextEncoder   bool
}

// ModelRequest addresses the pretrained weights to load.
type ModelRequest struct {
	ModelDir              string
	PretrainedPath        string
	VAEPath               string
	Revision              int
	Precision             string
	V2                    bool
	Attention             string
	GradientCheckpointing bool
	Resolution            int
	UseEMA                bool
	LoRA                  LoRARequest
}

// ModelLoader loads pretrained sub-models.
type ModelLoader interface {
	Load(ctx context.Context, req ModelRequest) (*Models, error)
	// LoadAutoencoder re-loads the autoencoder after it was released for
	// latent caching.
	LoadAutoencoder(ctx context.Context, req ModelRequest) (Autoencoder, error)
}

// ParamGroup is one optimizer parameter group.
type ParamGroup struct {
	Name         string
	Params       harness.Component
	LearningRate float64
}

// OptimizerRequest configures the optimizer.
type OptimizerRequest struct {
	Groups      []ParamGroup
	WeightDecay float64
	Use8Bit     bool
}

// Optimizer applies accumulated gradients.
type Optimizer interface {
	Step(ctx context.Context) error
	ZeroGrad(setToNone bool)
	// SetLearningRate applies the scheduled rate to every group, scaled
	// by the group's base rate relative to the first group.
	SetLearningRate(lr float64)
}

// OptimizerFactory builds the optimizer.
type OptimizerFactory interface {
	NewOptimizer(ctx context.Context, req OptimizerRequest) (Optimizer, error)
}

// SamplePrompt is one preview image to render.
type SamplePrompt struct {
	Prompt         string
	NegativePrompt string
	Seed           int64
	Steps          int
	GuidanceScale  float64
	Width          int
	Height         int
}

// PipelineRequest assembles an inference pipeline from the live models.
type PipelineRequest struct {
	Models      *Models
	Autoencoder Autoencoder
	ModelDir    string
	Revision    int
	Precision   string
	UseLoRA     bool
}

// Pipeline saves and samples the model being trained.
type Pipeline interface {
	SavePretrained(ctx context.Context, dir string) error
	RenderSample(ctx context.Context, prompt SamplePrompt) (image.Image, error)
	ExportAdapter(ctx context.Context, path string, textEncoder bool) error
	Close() error
}

// PipelineFactory builds pipelines for save points.
type PipelineFactory interface {
	NewPipeline(ctx context.Context, req PipelineRequest) (Pipeline, error)
}

// CompileRequest describes a distributable checkpoint to build.
type CompileRequest struct {
	ModelName    string
	ModelDir     string
	OutputDir    string
	Revision     int
	Precision    string
	LoRAPath     string
	LoRATextPath string
	// SnapshotRevision is set when the compile accompanies a snapshot.
	SnapshotRevision string
}

// CheckpointCompiler packages the working model into a single artifact and
// returns its path.
type CheckpointCompiler interface {
	Compile(ctx context.Context, req CompileRequest) (string, error)
}
