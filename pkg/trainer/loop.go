package trainer

import (
	"context"
	"fmt"
	"time"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/metrics"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/status"
)

func (c *Controller) loop(ctx context.Context) error {
	cfg := c.cfg
	st := &c.state
	st.LifetimeStep = cfg.Revision
	st.EpochLimit = max(cfg.NumTrainEpochs-st.FirstEpoch, 0)
	skip := c.skipBatches()

	c.publishProgress()
	c.bar.Reset("Steps", st.MaxTrainSteps)
	c.bar.Set(st.GlobalStep)

	for epoch := st.FirstEpoch; epoch < cfg.NumTrainEpochs; epoch++ {
		c.models.Denoiser.SetTrain(cfg.TrainUNet)
		st.TrainTextEncoder = epoch < st.TextEncoderEpochs
		c.models.TextEncoder.SetTrain(st.TrainTextEncoder && !cfg.FreezeCLIPNormalization)
		st.LossTotal = 0

		prior := CurrentPriorLoss(cfg, cfg.Epoch, c.log)
		c.sampler.SetPriorLoss(prior)
		if c.deps.Metrics != nil {
			c.deps.Metrics.SetPriorLoss(prior)
		}

		epochSkip := 0
		if epoch == st.FirstEpoch {
			epochSkip = skip
		}
		if err := c.runEpoch(ctx, epoch, epochSkip); err != nil {
			return err
		}

		if err := c.h.WaitForEveryone(ctx); err != nil {
			return c.abort(fmt.Sprintf("Exception waiting for workers: %v", err), err)
		}
		cfg.Epoch++
		st.GlobalEpoch++
		st.SessionEpoch++
		c.lr.StepEpoch()
		c.publishProgress()

		c.checkSave(ctx, true)

		complete := st.SessionEpoch >= st.EpochLimit
		if complete || c.interrupted() {
			c.finish()
			return nil
		}

		if c.pause() {
			c.log.Info("Training complete, interrupted.")
			c.checkSave(ctx, true)
			c.finish()
			return nil
		}
	}

	c.finish()
	return nil
}

func (c *Controller) runEpoch(ctx context.Context, epoch, skip int) error {
	cfg := c.cfg
	it := c.sampler.Batches(epoch)
	trained := 0
	for step := 0; ; step++ {
		batch, ok, err := it.Next(ctx)
		if err != nil {
			return c.abort(fmt.Sprintf("Exception reading batch: %v", err), err)
		}
		if !ok {
			return nil
		}

		if step < skip {
			batch.Release()
			c.bar.Add(cfg.TrainBatchSize)
			continue
		}

		start := time.Now()
		loss, err := c.trainStep(ctx, batch)
		batch.Release()
		if err != nil {
			return c.abort(fmt.Sprintf("Exception during training step: %v", err), err)
		}
		trained++
		c.afterStep(loss, trained, time.Since(start))

		if c.deps.Status.SaveRequested() {
			c.checkSave(ctx, false)
		}
		if c.interrupted() {
			c.log.Info("Training interrupted (step check).")
			c.finish()
			return nil
		}
	}
}

// afterStep advances the counters by the batch size and reports the step.
func (c *Controller) afterStep(loss float64, trained int, took time.Duration) {
	cfg := c.cfg
	st := &c.state
	st.LossTotal += loss
	avg := st.LossTotal / float64(trained)

	mem := c.h.MemoryStats()
	lastLR := c.lr.LastLR()
	st.GlobalStep += cfg.TrainBatchSize
	cfg.Revision += cfg.TrainBatchSize

	if c.h.IsMainProcess() {
		c.h.Log(map[string]float64{
			"loss":       loss,
			"loss_avg":   avg,
			"lr":         lastLR,
			"vram_usage": mem.TotalGB,
		}, cfg.Revision)
		c.h.Log(map[string]float64{"epoch_loss": st.LossTotal / float64(c.sampler.Len())}, st.GlobalStep)

		if m := c.deps.Metrics; m != nil {
			m.ObserveStep(metrics.StepObservation{Loss: loss, AverageLoss: avg, LearningRate: lastLR, Duration: took})
			m.SetMemory(mem.AllocatedGB, mem.TotalGB)
		}
	}

	c.log.WithField("step", st.GlobalStep).Debugf("loss=%.4f loss_avg=%.4f lr=%.3e", loss, avg, lastLR)
	c.deps.Status.SetText(c.stepsText(), fmt.Sprintf("Loss: %.2f, LR: %.2E, VRAM: %.1f/%.1f GB",
		loss, lastLR, mem.AllocatedGB, mem.TotalGB))
	c.publishProgress()
	c.bar.Add(cfg.TrainBatchSize)
	c.bar.SetPostfix("loss=%.3f lr=%.2e", loss, lastLR)
}

func (c *Controller) stepsText() string {
	st := c.state
	return fmt.Sprintf("Steps: %d/%d (Current), %d/%d (Lifetime), Epoch: %d",
		st.GlobalStep, st.MaxTrainSteps, c.cfg.Revision, st.LifetimeStep+st.MaxTrainSteps, st.GlobalEpoch)
}

func (c *Controller) publishProgress() {
	st := c.state
	c.deps.Status.SetProgress(status.Progress{
		Step:     st.GlobalStep,
		MaxSteps: st.MaxTrainSteps,
		Revision: c.cfg.Revision,
		Epoch:    c.cfg.Epoch,
	})
	if c.deps.Metrics != nil && c.h != nil && c.h.IsMainProcess() {
		c.deps.Metrics.SetProgress(st.GlobalStep, c.cfg.Revision, c.cfg.Epoch)
	}
}

// finish writes the closing status line and fills the result.
func (c *Controller) finish() {
	outcome := "complete"
	if c.interrupted() {
		outcome = "cancelled"
		c.result.Message = MessageInterrupted
	} else {
		c.result.Completed = true
		c.result.Message = "Training complete."
	}
	c.deps.Status.SetText(fmt.Sprintf("Training %s %d/%d, %d total.",
		outcome, c.state.GlobalStep, c.state.MaxTrainSteps, c.cfg.Revision), "")
}

// pause gives the device a break every EpochPauseFrequency session epochs.
// It wakes every second to poll the interrupt flag and reports whether the
// pause was interrupted.
func (c *Controller) pause() bool {
	cfg := c.cfg
	if cfg.EpochPauseFrequency <= 0 || cfg.EpochPauseTime <= 0 {
		return false
	}
	if c.state.SessionEpoch%cfg.EpochPauseFrequency != 0 {
		return false
	}

	c.log.Infof("Giving the GPU a break for %d seconds.", cfg.EpochPauseTime)
	for i := 0; i < cfg.EpochPauseTime; i++ {
		if c.interrupted() {
			return true
		}
		<-c.after(time.Second)
	}
	return c.interrupted()
}
