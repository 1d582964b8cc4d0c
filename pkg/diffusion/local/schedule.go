package local

import (
	"fmt"
	"math"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// DDPM beta range of the Stable Diffusion training schedule.
const (
	BetaStart           = 0.00085
	BetaEnd             = 0.012
	NumTrainTimesteps   = 1000
	defaultPrediction   = diffusion.PredictionEpsilon
	v2DefaultPrediction = diffusion.PredictionVelocity
)

// Schedule is a DDPM schedule with scaled-linear betas.
type Schedule struct {
	prediction string
	sqrtAlpha  []float64
	sqrtSigma  []float64
}

var _ diffusion.NoiseSchedule = (*Schedule)(nil)

// NewSchedule builds the schedule for the given prediction type.
func NewSchedule(prediction string) *Schedule {
	s := &Schedule{
		prediction: prediction,
		sqrtAlpha:  make([]float64, NumTrainTimesteps),
		sqrtSigma:  make([]float64, NumTrainTimesteps),
	}
	lo, hi := math.Sqrt(BetaStart), math.Sqrt(BetaEnd)
	cumprod := 1.0
	for t := 0; t < NumTrainTimesteps; t++ {
		b := lo + (hi-lo)*float64(t)/float64(NumTrainTimesteps-1)
		cumprod *= 1 - b*b
		s.sqrtAlpha[t] = math.Sqrt(cumprod)
		s.sqrtSigma[t] = math.Sqrt(1 - cumprod)
	}
	return s
}

func (s *Schedule) NumTrainTimesteps() int { return NumTrainTimesteps }

func (s *Schedule) PredictionType() string { return s.prediction }

// AlphaCumprod is the cumulative signal fraction at t.
func (s *Schedule) AlphaCumprod(t int) float64 {
	return s.sqrtAlpha[t] * s.sqrtAlpha[t]
}

// AddNoise computes sqrt(acp)*x + sqrt(1-acp)*noise per example.
func (s *Schedule) AddNoise(latents, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	return s.mix(latents, noise, timesteps, func(a, sigma float64, x, n float32) float32 {
		return float32(a)*x + float32(sigma)*n
	})
}

// Velocity computes sqrt(acp)*noise - sqrt(1-acp)*x per example.
func (s *Schedule) Velocity(latents, noise *tensor.Tensor, timesteps []int) (*tensor.Tensor, error) {
	return s.mix(latents, noise, timesteps, func(a, sigma float64, x, n float32) float32 {
		return float32(a)*n - float32(sigma)*x
	})
}

func (s *Schedule) mix(latents, noise *tensor.Tensor, timesteps []int, f func(a, sigma float64, x, n float32) float32) (*tensor.Tensor, error) {
	if !tensor.SameShape(latents, noise) {
		return nil, fmt.Errorf("%w: latents %v, noise %v", tensor.ErrShapeMismatch, latents.Shape, noise.Shape)
	}
	batch := latents.Batch()
	if batch == 0 || len(timesteps) != batch {
		return nil, fmt.Errorf("%d timesteps for a batch of %d", len(timesteps), batch)
	}

	out := tensor.New(latents.Shape...)
	per := latents.Len() / batch
	for b, t := range timesteps {
		if t < 0 || t >= NumTrainTimesteps {
			return nil, fmt.Errorf("timestep %d out of range", t)
		}
		for i := b * per; i < (b+1)*per; i++ {
			out.Data[i] = f(s.sqrtAlpha[t], s.sqrtSigma[t], latents.Data[i], noise.Data[i])
		}
	}
	return out, nil
}
