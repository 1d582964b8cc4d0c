package trainer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/imageio"
)

// checkSave evaluates the save policy and performs the resulting save.
// Epoch checks look at intervals and terminal states; checks between steps
// only serve on-demand requests from the UI.
func (c *Controller) checkSave(ctx context.Context, epochCheck bool) bool {
	st := &c.state
	in := PolicyInput{
		SessionEpoch:  st.SessionEpoch,
		EpochLimit:    st.EpochLimit,
		LastModelSave: st.LastModelSave,
		LastImageSave: st.LastImageSave,
		GlobalStep:    st.GlobalStep,
		Interrupted:   c.interrupted(),
		EpochCheck:    epochCheck,
		FinalSaved:    st.FinalSaved,
	}
	if epochCheck || !in.Interrupted {
		in.SaveModelRequested, in.SaveSamplesRequested = c.deps.Status.TakeSaveRequests()
	}

	d := c.policy.Evaluate(in)
	st.LastModelSave = d.LastModelSave
	st.LastImageSave = d.LastImageSave
	if d.Final {
		st.FinalSaved = true
		c.log.Infof("Save %s.", strings.ToLower(strings.TrimPrefix(d.State.String(), "SAVE_")))
	}
	if !d.Any() {
		return false
	}

	c.log.WithField("state", d.State.String()).Info("Saving weights.")
	report := c.saveWeights(ctx, d)
	c.result.SaveReports = append(c.result.SaveReports, report)
	if !report.OK() {
		c.log.WithError(report.Err()).Warnf("Save at revision %d failed for %v", report.Revision, report.FailedKinds())
	}

	c.bar.Reset("Steps", st.MaxTrainSteps)
	c.bar.Set(st.GlobalStep)
	return d.SaveModel
}

// saveWeights writes the artifacts of d on the primary worker. No failure
// stops the run; each one lands in the report.
func (c *Controller) saveWeights(ctx context.Context, d SaveDecision) *SaveReport {
	cfg := c.cfg
	report := newSaveReport(d.State, cfg.Revision)
	defer func() {
		if c.deps.Metrics == nil {
			return
		}
		for _, kind := range report.Attempted {
			c.deps.Metrics.RecordSave(string(kind), report.errs[kind])
		}
	}()

	if !c.h.IsMainProcess() {
		return report
	}

	ae, err := c.saveAutoencoder(ctx)
	if err != nil {
		report.record(KindPipeline, err)
		return report
	}
	defer c.releaseSaveAutoencoder()

	emaSwapped := false
	if d.SaveModel && c.models.EMA != nil {
		c.models.EMA.Swap(c.models.Denoiser.Parameters())
		emaSwapped = true
	}
	restoreEMA := func() {
		if emaSwapped {
			c.models.EMA.Swap(c.models.Denoiser.Parameters())
			emaSwapped = false
		}
	}
	defer restoreEMA()

	pipeline, err := c.deps.Pipelines.NewPipeline(ctx, diffusion.PipelineRequest{
		Models:      c.models,
		Autoencoder: ae,
		ModelDir:    cfg.ModelDir,
		Revision:    cfg.Revision,
		Precision:   cfg.EffectivePrecision(),
		UseLoRA:     cfg.UseLoRA,
	})
	if err != nil {
		report.record(KindPipeline, err)
		return report
	}
	defer func() {
		if err := pipeline.Close(); err != nil {
			c.log.WithError(err).Warn("Failed to close pipeline")
		}
	}()

	if d.SaveModel {
		c.saveModel(ctx, pipeline, d.Artifacts, report)
		restoreEMA()
	}
	if d.SaveImages {
		c.deps.Status.SetText(fmt.Sprintf("Saving preview image(s) at step %d...", cfg.Revision), "")
		images, prompts, err := c.renderSamples(ctx, pipeline)
		report.record(KindSamples, err, images...)
		c.state.LastSamples = images
		c.state.LastPrompts = prompts
		c.deps.Status.SetSamples(images, prompts)
		if c.deps.Metrics != nil {
			c.deps.Metrics.AddSamples(len(images))
		}
	}
	return report
}

func (c *Controller) saveModel(ctx context.Context, pipeline diffusion.Pipeline, flags ArtifactFlags, report *SaveReport) {
	cfg := c.cfg
	fs := c.deps.Fs

	// Counters first, so a crash after this point resumes at this revision.
	report.record(KindConfig, cfg.Save(fs), filepath.Join(cfg.ModelDir, constants.ConfigFileName))

	var loraPath, loraTextPath string
	if !cfg.UseLoRA {
		if flags.Snapshot {
			dir := constants.SnapshotDir(cfg.ModelDir, cfg.Revision)
			c.deps.Status.SetText(fmt.Sprintf("Saving snapshot at step %d...", cfg.Revision), "")
			report.record(KindSnapshot, c.h.SaveState(ctx, dir))
		}
		// Always written: it is the fallback when no snapshot exists.
		working := filepath.Join(cfg.ModelDir, constants.WorkingDir)
		c.deps.Status.SetText(fmt.Sprintf("Saving diffusion model at step %d...", cfg.Revision), "")
		report.record(KindModel, pipeline.SavePretrained(ctx, working))
	} else if flags.LoRA {
		loraPath = constants.LoRAPath(cfg.LoRAOutputDir(), cfg.ExportName(), cfg.Revision, false)
		err := pipeline.ExportAdapter(ctx, loraPath, false)
		if err == nil && c.trainsTextEncoder() {
			loraTextPath = constants.LoRAPath(cfg.LoRAOutputDir(), cfg.ExportName(), cfg.Revision, true)
			if terr := pipeline.ExportAdapter(ctx, loraTextPath, true); terr != nil {
				err = terr
				loraTextPath = ""
			}
		}
		if err != nil {
			loraPath = ""
		}
		report.record(KindLoRA, err, loraPath, loraTextPath)
	}

	if flags.Checkpoint && c.deps.Compiler != nil {
		snapRev := ""
		if flags.Snapshot {
			snapRev = fmt.Sprint(cfg.Revision)
		}
		out, err := c.deps.Compiler.Compile(ctx, diffusion.CompileRequest{
			ModelName:        cfg.ExportName(),
			ModelDir:         cfg.ModelDir,
			Revision:         cfg.Revision,
			Precision:        cfg.EffectivePrecision(),
			LoRAPath:         loraPath,
			LoRATextPath:     loraTextPath,
			SnapshotRevision: snapRev,
		})
		report.record(KindCheckpoint, err, out)
	}
}

// saveAutoencoder returns the autoencoder for a save pipeline, loading it
// again when it was released after latent caching.
func (c *Controller) saveAutoencoder(ctx context.Context) (diffusion.Autoencoder, error) {
	if c.models.Autoencoder != nil {
		return c.models.Autoencoder, nil
	}
	if c.autoencoder == nil {
		c.log.Debug("Loading autoencoder")
		ae, err := c.deps.Loader.LoadAutoencoder(ctx, c.modelRequest(c.cfg.EffectivePrecision()))
		if err != nil {
			return nil, fmt.Errorf("loading autoencoder: %w", err)
		}
		c.autoencoder = ae
	}
	return c.autoencoder, nil
}

func (c *Controller) releaseSaveAutoencoder() {
	if !c.cfg.CacheLatents || c.autoencoder == nil {
		return
	}
	c.log.Debug("Unloading autoencoder")
	if err := c.autoencoder.Release(); err != nil {
		c.log.WithError(err).Warn("Failed to release autoencoder")
	}
	c.autoencoder = nil
}

// samplePrompts lists the preview prompts: n copies per concept plus the
// sanity prompt. Seed -1 draws a random seed per image.
func (c *Controller) samplePrompts() []diffusion.SamplePrompt {
	cfg := c.cfg
	var prompts []diffusion.SamplePrompt
	seed := func(s int64, i int) int64 {
		if s == -1 {
			return c.rng.Int63n(constants.MaxRandomSeed)
		}
		return s + int64(i)
	}

	concepts := cfg.Concepts()
	for _, concept := range concepts {
		prompt := concept.SaveSamplePrompt
		if prompt == "" {
			prompt = strings.TrimSpace(strings.ReplaceAll(concept.InstancePrompt, "[filewords]", ""))
		}
		if prompt == "" {
			continue
		}
		for i := 0; i < concept.NSaveSample; i++ {
			prompts = append(prompts, diffusion.SamplePrompt{
				Prompt:         prompt,
				NegativePrompt: concept.SaveSampleNegative,
				Seed:           seed(concept.SampleSeed, i),
				Steps:          concept.SaveInferSteps,
				GuidanceScale:  concept.SaveGuidanceScale,
				Width:          cfg.Resolution,
				Height:         cfg.Resolution,
			})
		}
	}

	if cfg.SanityPrompt != "" {
		p := diffusion.SamplePrompt{
			Prompt: cfg.SanityPrompt,
			Seed:   seed(cfg.SanitySeed, 0),
			Width:  cfg.Resolution,
			Height: cfg.Resolution,
		}
		if len(concepts) > 0 {
			p.NegativePrompt = concepts[0].SaveSampleNegative
			p.Steps = concepts[0].SaveInferSteps
			p.GuidanceScale = concepts[0].SaveGuidanceScale
		}
		prompts = append(prompts, p)
	}
	return prompts
}

// renderSamples writes <model_dir>/samples/sample_<revision>-<i>.png for
// every preview prompt. A failed image does not stop the others.
func (c *Controller) renderSamples(ctx context.Context, pipeline diffusion.Pipeline) ([]string, []string, error) {
	var (
		images  []string
		prompts []string
		result  *multierror.Error
	)
	for i, p := range c.samplePrompts() {
		path := constants.SamplePath(c.cfg.ModelDir, c.cfg.Revision, i)
		img, err := pipeline.RenderSample(ctx, p)
		if err == nil {
			err = imageio.WritePNG(c.deps.Fs, path, img)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("sample %d: %w", i, err))
			continue
		}
		images = append(images, path)
		prompts = append(prompts, p.Prompt)
	}
	return images, prompts, result.ErrorOrNil()
}
