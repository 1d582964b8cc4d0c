// Package trainer runs one DreamBooth fine-tuning run: it loads the models,
// assembles the dataset, drives the epoch/step loop, decides when to save
// and sample, resumes from snapshots and tears everything down.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/dataset"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/lrschedule"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/metrics"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/status"
)

// User-facing messages.
const (
	MessageInterrupted  = "Training interrupted."
	MessageEmptyDataset = "Please provide a directory with actual images in it."
	MessageAccumulation = "Gradient accumulation is not supported when training the text encoder in distributed training. " +
		"Please set gradient_accumulation_steps to 1. Text encoder training will be disabled."
)

// ErrEmptyDataset is returned when the concepts hold no usable images.
var ErrEmptyDataset = errors.New("empty dataset")

// Profiler is an optional step profiler.
type Profiler interface {
	Step()
	Stop() error
}

// Deps are the collaborators of a run. Compiler, Metrics, Profiler and
// Progress are optional.
type Deps struct {
	Fs         afero.Fs
	Harnesses  harness.Factory
	Loader     diffusion.ModelLoader
	Optimizers diffusion.OptimizerFactory
	Pipelines  diffusion.PipelineFactory
	Compiler   diffusion.CheckpointCompiler
	Resolver   dataset.PromptResolver
	Datasets   dataset.Generator
	Status     *status.Status
	Metrics    *metrics.Metrics
	Logger     logging.Interface
	Profiler   Profiler
	// Progress receives the step bar when it is a terminal.
	Progress io.Writer
}

// State is the transient bookkeeping of a run.
type State struct {
	GlobalStep    int
	GlobalEpoch   int
	SessionEpoch  int
	FirstEpoch    int
	ResumeStep    int
	Resumed       bool
	LastModelSave int
	LastImageSave int
	LossTotal     float64
	LifetimeStep  int
	MaxTrainSteps int
	// EpochLimit is the number of epochs this session trains for.
	EpochLimit        int
	TextEncoderEpochs int
	TrainTextEncoder  bool
	FinalSaved        bool
	LastSamples       []string
	LastPrompts       []string
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(c *Controller) { c.runID = id }
}

// WithProcess places the controller in a data-parallel group.
func WithProcess(numProcesses, index int) Option {
	return func(c *Controller) { c.procs, c.procIndex = numProcesses, index }
}

// WithClock replaces the timer used by the epoch pause.
func WithClock(after func(time.Duration) <-chan time.Time) Option {
	return func(c *Controller) { c.after = after }
}

// Controller runs one training run. It is not safe for concurrent use and
// Run may be called once.
type Controller struct {
	cfg    *runconfig.Config
	deps   Deps
	log    logging.Interface
	policy SavePolicy

	runID     string
	procs     int
	procIndex int
	after     func(time.Duration) <-chan time.Time

	h           harness.Harness
	models      *diffusion.Models
	autoencoder diffusion.Autoencoder
	optimizer   diffusion.Optimizer
	lr          *lrschedule.Scheduler
	data        dataset.Dataset
	sampler     dataset.BatchSampler
	rng         *rand.Rand
	bar         *progressBar

	state  State
	result *Result
}

// New builds a controller for cfg.
func New(cfg *runconfig.Config, deps Deps, opts ...Option) *Controller {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Status == nil {
		deps.Status = status.New()
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		policy: PolicyFor(cfg),
		runID:  uuid.NewString(),
		procs:  1,
		after:  time.After,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.WithFields(deps.Logger, map[string]interface{}{
		"run_id": c.runID,
		"model":  cfg.ModelName,
	})
	return c
}

// State returns a copy of the run bookkeeping.
func (c *Controller) State() State {
	return c.state
}

// Run trains until the configured epochs are done or the run is
// interrupted. Cancelling ctx interrupts the run the same way the UI does:
// the current step finishes and the cancel save runs. The Result is never
// nil; the error is set for setup failures only.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	stop := context.AfterFunc(ctx, c.deps.Status.Interrupt)
	defer stop()
	work := context.WithoutCancel(ctx)

	c.result = &Result{RunID: c.runID, Config: c.cfg}
	c.deps.Status.Begin(c.runID)

	err := c.run(work)

	if terr := c.teardown(work); terr != nil {
		c.log.WithError(terr).Warn("Teardown finished with errors")
	}
	c.result.Samples = append([]string(nil), c.state.LastSamples...)
	c.result.Prompts = append([]string(nil), c.state.LastPrompts...)
	c.result.GlobalStep = c.state.GlobalStep
	c.result.Interrupted = c.deps.Status.Interrupted()
	c.deps.Status.End()
	return c.result, err
}

func (c *Controller) interrupted() bool {
	return c.deps.Status.Interrupted()
}

// abort ends a run before or during training with msg.
func (c *Controller) abort(msg string, err error) error {
	c.log.WithError(err).Error(msg)
	c.result.Message = msg
	return err
}

// stopped ends a run early without an error.
func (c *Controller) stopped(msg string) error {
	c.log.Info(msg)
	c.result.Message = msg
	return nil
}

func (c *Controller) run(ctx context.Context) error {
	cfg := c.cfg
	c.state.TextEncoderEpochs = cfg.TextEncoderEpochs()
	if !cfg.PadTokens && cfg.MaxTokenLength > constants.DefaultMaxTokenLength {
		c.log.Warnf("Cannot raise token length limit above %d when pad_tokens=false", constants.DefaultMaxTokenLength)
	}
	precision := cfg.EffectivePrecision()

	h, err := c.deps.Harnesses.New(ctx, harness.Options{
		GradientAccumulationSteps: cfg.GradientAccumulationSteps,
		MixedPrecision:            precision,
		LoggingDir:                filepath.Join(cfg.ModelDir, constants.LoggingDir),
		Seed:                      cfg.Seed,
		NumProcesses:              c.procs,
		ProcessIndex:              c.procIndex,
	})
	if err != nil {
		if errors.Is(err, harness.ErrPrecisionMismatch) {
			return c.abort(harness.PrecisionMismatchMessage, err)
		}
		return c.abort(fmt.Sprintf("Exception initializing harness: %v", err), err)
	}
	c.h = h
	c.bar = newProgressBar(c.deps.Progress, h.IsMainProcess())

	if cfg.TrainsTextEncoder() && cfg.GradientAccumulationSteps > 1 && h.NumProcesses() > 1 {
		c.log.Warn(MessageAccumulation)
		c.deps.Status.SetText(MessageAccumulation, "")
		c.state.TextEncoderEpochs = 0
	}

	resolution, err := c.deps.Resolver.Resolve(ctx, cfg)
	if err != nil {
		return c.abort(fmt.Sprintf("Exception generating class images: %v", err), err)
	}
	if resolution.Generated > 0 {
		c.log.Infof("Generated %d class images", resolution.Generated)
	}
	if c.interrupted() {
		return c.stopped(MessageInterrupted)
	}

	c.models, err = c.deps.Loader.Load(ctx, c.modelRequest(precision))
	if err != nil {
		return c.abort(fmt.Sprintf("Exception loading models: %v", err), err)
	}
	if err := c.buildOptimizer(ctx); err != nil {
		return c.abort(fmt.Sprintf("Exception creating optimizer: %v", err), err)
	}
	if c.interrupted() {
		return c.stopped(MessageInterrupted)
	}

	c.log.Info("Loading dataset...")
	if err := c.loadDataset(ctx, resolution.Prompts); err != nil {
		if errors.Is(err, dataset.ErrEmpty) || errors.Is(err, ErrEmptyDataset) {
			c.deps.Status.SetText(MessageEmptyDataset, "")
			return c.abort(MessageEmptyDataset, ErrEmptyDataset)
		}
		return c.abort(fmt.Sprintf("Exception loading dataset: %v", err), err)
	}
	c.log.Info("Dataset loaded.")
	if c.interrupted() {
		return c.stopped(MessageInterrupted)
	}

	c.sampler.SetPriorLoss(CurrentPriorLoss(cfg, cfg.Epoch, c.log))
	c.state.MaxTrainSteps = cfg.NumTrainEpochs * c.data.Len()
	schedSteps := cfg.NumTrainEpochs * c.data.NumTrainImages()

	unetLR, _ := cfg.LearningRates()
	c.lr, err = lrschedule.New(cfg.LRScheduler, unetLR, lrschedule.Options{
		WarmupSteps: cfg.LRWarmupSteps,
		TotalSteps:  schedSteps,
		TotalEpochs: cfg.NumTrainEpochs,
		Cycles:      cfg.LRCycles,
		Power:       cfg.LRPower,
		Factor:      cfg.LRFactor,
		ScalePos:    cfg.LRScalePos,
		MinLR:       cfg.LearningRateMin,
	}, c.optimizer)
	if err != nil {
		return c.abort(fmt.Sprintf("Exception creating scheduler: %v", err), err)
	}

	if err := c.prepare(ctx); err != nil {
		return c.abort(fmt.Sprintf("Exception preparing models: %v", err), err)
	}

	c.resume(ctx)
	c.logBanner(schedSteps, precision)
	return c.loop(ctx)
}

func (c *Controller) modelRequest(precision string) diffusion.ModelRequest {
	cfg := c.cfg
	req := diffusion.ModelRequest{
		ModelDir:              cfg.ModelDir,
		PretrainedPath:        cfg.PretrainedModelNameOrPath,
		VAEPath:               cfg.PretrainedVAENameOrPath,
		Revision:              cfg.Revision,
		Precision:             precision,
		V2:                    cfg.V2,
		Attention:             cfg.Attention,
		GradientCheckpointing: cfg.GradientCheckpointing,
		Resolution:            cfg.Resolution,
		UseEMA:                cfg.UseEMA,
		LoRA: diffusion.LoRARequest{
			Enabled:          cfg.UseLoRA,
			Rank:             cfg.LoRARank,
			TrainTextEncoder: c.trainsTextEncoder(),
		},
	}
	if !cfg.UseLoRA || cfg.LoRAModelName == "" {
		return req
	}

	weights := filepath.Join(cfg.LoRAOutputDir(), cfg.LoRAModelName)
	if ok, _ := afero.Exists(c.deps.Fs, weights); !ok {
		c.log.Warnf("LoRA weights %s not found, training fresh adapters", weights)
		return req
	}
	req.LoRA.DenoiserWeights = weights
	text := strings.TrimSuffix(weights, constants.LoRAExtension) + constants.LoRATextSuffix + constants.LoRAExtension
	if ok, _ := afero.Exists(c.deps.Fs, text); ok {
		req.LoRA.TextEncoderWeights = text
	}
	return req
}

func (c *Controller) buildOptimizer(ctx context.Context) error {
	cfg := c.cfg
	unetLR, textLR := cfg.LearningRates()
	unet := diffusion.ParamGroup{Name: "unet", Params: c.models.Denoiser.Parameters(), LearningRate: unetLR}
	text := diffusion.ParamGroup{Name: "text_encoder", Params: c.models.TextEncoder.Parameters(), LearningRate: unetLR}
	trainText := c.trainsTextEncoder()

	var groups []diffusion.ParamGroup
	switch {
	case cfg.UseLoRA:
		groups = append(groups, unet)
		if trainText {
			text.LearningRate = textLR
			groups = append(groups, text)
		}
	case trainText && !cfg.TrainUNet:
		groups = append(groups, text)
	case trainText:
		groups = append(groups, unet, text)
	default:
		groups = append(groups, unet)
	}

	use8Bit := cfg.Use8BitAdam && !cfg.ForceCPU
	opt, err := c.deps.Optimizers.NewOptimizer(ctx, diffusion.OptimizerRequest{
		Groups:      groups,
		WeightDecay: cfg.AdamWWeightDecay,
		Use8Bit:     use8Bit,
	})
	if err != nil {
		return err
	}
	c.optimizer = opt
	return nil
}

func (c *Controller) loadDataset(ctx context.Context, prompts []dataset.PromptData) error {
	req := dataset.Request{
		Config:    c.cfg,
		Prompts:   prompts,
		Tokenizer: c.models.Tokenizer,
	}
	if c.cfg.CacheLatents {
		req.Autoencoder = c.models.Autoencoder
	}

	data, sampler, err := c.deps.Datasets.Generate(ctx, req)
	if c.cfg.CacheLatents && c.models.Autoencoder != nil {
		c.log.Debug("Unloading autoencoder")
		if rerr := c.models.Autoencoder.Release(); rerr != nil {
			c.log.WithError(rerr).Warn("Failed to release autoencoder")
		}
		c.models.Autoencoder = nil
	}
	if err != nil {
		return err
	}
	if data == nil || data.Len() == 0 || sampler == nil || sampler.Len() == 0 {
		return ErrEmptyDataset
	}
	c.data, c.sampler = data, sampler
	return nil
}

// prepare hands every stateful component to the harness in a fixed order,
// so snapshots line up across runs.
func (c *Controller) prepare(ctx context.Context) error {
	components := []harness.Component{
		c.models.Denoiser.Parameters(),
		c.models.TextEncoder.Parameters(),
		c.optimizer,
		c.lr,
	}
	if c.models.EMA != nil {
		components = append(components, c.models.EMA)
	}
	prepared, err := c.h.Prepare(ctx, components...)
	if err != nil {
		return err
	}
	if len(prepared) > 2 {
		if opt, ok := prepared[2].(diffusion.Optimizer); ok {
			c.optimizer = opt
		}
	}
	return nil
}

// resume restores a snapshot when one was requested and exists. A snapshot
// that fails to load is logged and training starts fresh.
func (c *Controller) resume(ctx context.Context) {
	rev, ok, err := c.cfg.ResumeRevision()
	if err != nil {
		c.log.WithError(err).Warn("Ignoring snapshot setting")
		return
	}
	if !ok {
		return
	}

	dir := constants.SnapshotDir(c.cfg.ModelDir, rev)
	if exists, _ := afero.DirExists(c.deps.Fs, dir); !exists {
		if c.cfg.Snapshot != constants.SnapshotLatest {
			c.log.Infof("No snapshot at %s, starting fresh", dir)
			return
		}
		// Saves without a snapshot still advance the stored revision.
		found, ok := newestSnapshot(c.deps.Fs, c.cfg.ModelDir, rev)
		if !ok {
			c.log.Infof("No snapshot at or before %s, starting fresh", dir)
			return
		}
		c.log.Infof("No snapshot at %s, using %s", dir, found)
		dir = found
	}

	c.log.Infof("Resuming from checkpoint %s", dir)
	if err := c.h.LoadState(ctx, dir); err != nil {
		c.log.WithError(err).Error("Exception loading checkpoint")
		return
	}
	c.state.GlobalStep = c.cfg.Revision
	c.state.ResumeStep = c.cfg.Revision
	c.state.Resumed = true
	c.state.FirstEpoch = c.cfg.Epoch
	c.state.GlobalEpoch = c.cfg.Epoch
}

// newestSnapshot is the snapshot directory with the highest revision not
// above maxRev.
func newestSnapshot(fs afero.Fs, modelDir string, maxRev int) (string, bool) {
	root := filepath.Join(modelDir, constants.CheckpointsDir)
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return "", false
	}
	best := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rev, err := constants.ParseSnapshotDir(e.Name())
		if err != nil || rev > maxRev {
			continue
		}
		best = max(best, rev)
	}
	if best < 0 {
		return "", false
	}
	return constants.SnapshotDir(modelDir, best), true
}

func (c *Controller) trainsTextEncoder() bool {
	return c.state.TextEncoderEpochs > 0
}

// skipBatches is the number of batches of the first resumed epoch that
// were already trained.
func (c *Controller) skipBatches() int {
	n := c.sampler.Len()
	if !c.state.Resumed || n == 0 {
		return 0
	}
	return (c.state.ResumeStep / c.cfg.TrainBatchSize) % n
}

func (c *Controller) logBanner(schedSteps int, precision string) {
	cfg := c.cfg
	total := cfg.TrainBatchSize * c.h.NumProcesses() * cfg.GradientAccumulationSteps
	lines := []string{
		"***** Running training *****",
		fmt.Sprintf("Num batches each epoch = %d", c.sampler.Len()),
		fmt.Sprintf("Num Epochs = %d", cfg.NumTrainEpochs),
		fmt.Sprintf("Batch Size Per Device = %d", cfg.TrainBatchSize),
		fmt.Sprintf("Gradient Accumulation steps = %d", cfg.GradientAccumulationSteps),
		fmt.Sprintf("Total train batch size (w. parallel, distributed & accumulation) = %d", total),
		fmt.Sprintf("Text Encoder Epochs: %d", c.state.TextEncoderEpochs),
		fmt.Sprintf("Total optimization steps = %d", schedSteps),
		fmt.Sprintf("Total training steps = %d", c.state.MaxTrainSteps),
		fmt.Sprintf("Resuming from checkpoint: %t", c.state.Resumed),
		fmt.Sprintf("First resume epoch: %d", c.state.FirstEpoch),
		fmt.Sprintf("First resume step: %d", c.state.ResumeStep),
		fmt.Sprintf("Lora: %t, 8bit Adam: %t, Prec: %s", cfg.UseLoRA, cfg.Use8BitAdam && !cfg.ForceCPU, precision),
		fmt.Sprintf("Gradient Checkpointing: %t", cfg.GradientCheckpointing),
		fmt.Sprintf("EMA: %t", cfg.UseEMA),
		fmt.Sprintf("UNET: %t", cfg.TrainUNet),
		fmt.Sprintf("Freeze CLIP Normalization Layers: %t", cfg.FreezeCLIPNormalization),
		fmt.Sprintf("LR: %g", cfg.LearningRate),
	}
	if cfg.ForceCPU {
		lines = append(lines, "TRAINING WITH CPU ONLY")
	}
	if cfg.UseLoRA && c.trainsTextEncoder() {
		lines = append(lines, fmt.Sprintf("LoRA Text Encoder LR: %g", cfg.LoRATxtLearningRate))
	}
	lines = append(lines, fmt.Sprintf("V2: %t", cfg.V2))
	for _, l := range lines {
		c.log.Info(l)
	}
}

func (c *Controller) teardown(ctx context.Context) error {
	var result *multierror.Error

	if c.models != nil {
		if err := c.models.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("releasing models: %w", err))
		}
	}
	if c.autoencoder != nil {
		if err := c.autoencoder.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("releasing autoencoder: %w", err))
		}
		c.autoencoder = nil
	}
	if c.h != nil {
		if err := c.h.EndTraining(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("ending training: %w", err))
		}
	}
	if c.bar != nil {
		c.bar.Finish()
	}
	if c.deps.Profiler != nil {
		c.log.Debug("Stopping profiler.")
		if err := c.deps.Profiler.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping profiler: %w", err))
		}
	}
	return result.ErrorOrNil()
}
