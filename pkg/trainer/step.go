package trainer

import (
	"context"
	"errors"
	"fmt"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/dataset"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

const maxGradNorm = 1.0

// trainStep runs one forward/backward/optimizer cycle on batch and returns
// the scalar loss. Every tensor it allocates is released before it returns.
func (c *Controller) trainStep(ctx context.Context, batch *dataset.Batch) (float64, error) {
	m := c.models
	var value float64

	err := c.h.Accumulate(ctx, func(ctx context.Context) error {
		var latents, scaled, noise, noisy, hidden, prediction, target *tensor.Tensor
		defer func() {
			tensor.Release(scaled, noise, noisy, hidden, prediction, target)
			if latents != batch.Latents {
				tensor.Release(latents)
			}
		}()

		var err error
		switch {
		case batch.Latents != nil:
			latents = batch.Latents
		case m.Autoencoder != nil:
			if latents, err = m.Autoencoder.Encode(batch.Images); err != nil {
				return fmt.Errorf("encoding images: %w", err)
			}
		default:
			return errors.New("batch has no cached latents and no autoencoder is loaded")
		}
		scaled = tensor.Scale(latents, constants.LatentScaleFactor)

		noise = tensor.RandnLike(scaled, c.rng)
		timesteps := make([]int, scaled.Batch())
		for i := range timesteps {
			timesteps[i] = c.rng.Intn(m.NoiseSchedule.NumTrainTimesteps())
		}

		if noisy, err = m.NoiseSchedule.AddNoise(scaled, noise, timesteps); err != nil {
			return fmt.Errorf("adding noise: %w", err)
		}

		pad := c.cfg.PadTokens && c.state.TrainTextEncoder
		hidden, err = m.TextEncoder.EncodeHiddenState(batch.InputIDs, pad, c.cfg.MaxTokenLength, m.Tokenizer.ModelMaxLength())
		if err != nil {
			return fmt.Errorf("encoding prompts: %w", err)
		}

		if prediction, err = m.Denoiser.Predict(noisy, timesteps, hidden); err != nil {
			return fmt.Errorf("predicting: %w", err)
		}

		if m.NoiseSchedule.PredictionType() == diffusion.PredictionVelocity {
			if target, err = m.NoiseSchedule.Velocity(scaled, noise, timesteps); err != nil {
				return fmt.Errorf("computing velocity: %w", err)
			}
		} else {
			target = noise
		}

		loss, err := tensor.WeightedMSE(prediction, target, batch.LossWeight)
		if err != nil {
			return err
		}
		value = loss.Value

		if err := c.h.Backward(ctx, loss); err != nil {
			return fmt.Errorf("backward: %w", err)
		}
		if c.h.SyncGradients() && !c.cfg.UseLoRA {
			if err := c.h.ClipGradNorm(m.Denoiser.Parameters(), maxGradNorm); err != nil {
				return fmt.Errorf("clipping gradients: %w", err)
			}
			if c.state.TrainTextEncoder {
				if err := c.h.ClipGradNorm(m.TextEncoder.Parameters(), maxGradNorm); err != nil {
					return fmt.Errorf("clipping gradients: %w", err)
				}
			}
		}

		if err := c.optimizer.Step(ctx); err != nil {
			return fmt.Errorf("optimizer step: %w", err)
		}
		c.lr.Step(c.cfg.TrainBatchSize)
		if m.EMA != nil {
			m.EMA.Step(m.Denoiser.Parameters())
		}
		if c.deps.Profiler != nil {
			c.deps.Profiler.Step()
		}
		c.optimizer.ZeroGrad(c.cfg.GradientSetToNone)
		return nil
	}, m.Denoiser.Parameters(), m.TextEncoder.Parameters())

	return value, err
}
