package lrschedule

import (
	"fmt"
	"math"
)

// Curve maps training progress to a learning rate. Curves are pure: the
// same step and epoch always produce the same rate.
type Curve interface {
	LR(step, epoch int, baseLR float64) float64
	Name() string
}

// Options are the knobs shared by every curve.
type Options struct {
	WarmupSteps int
	TotalSteps  int
	TotalEpochs int
	Cycles      int
	Power       float64
	// Factor and ScalePos shape the linear curve: the rate falls to
	// Factor*base over the first ScalePos fraction of training.
	Factor   float64
	ScalePos float64
	MinLR    float64
}

// NewCurve returns the curve registered under name.
func NewCurve(name string, opts Options) (Curve, error) {
	switch name {
	case "constant":
		return constantCurve{}, nil
	case "constant_with_warmup":
		return &warmupCurve{opts: opts}, nil
	case "linear":
		return &linearCurve{opts: opts}, nil
	case "cosine":
		return &cosineCurve{opts: opts}, nil
	case "cosine_with_restarts":
		return &restartCurve{opts: opts}, nil
	case "polynomial":
		return &polynomialCurve{opts: opts}, nil
	case "cosine_annealing":
		return &annealingCurve{opts: opts}, nil
	}
	return nil, fmt.Errorf("unknown lr scheduler %q", name)
}

type constantCurve struct{}

func (constantCurve) LR(_, _ int, base float64) float64 { return base }

func (constantCurve) Name() string { return "constant" }

// warmup returns the linear warmup factor and whether warmup is over.
func warmup(step int, opts Options) (float64, bool) {
	if step < opts.WarmupSteps {
		return float64(step) / float64(max(1, opts.WarmupSteps)), false
	}
	return 1, true
}

// progress is the post-warmup fraction of training in [0, 1].
func progress(step int, opts Options) float64 {
	span := opts.TotalSteps - opts.WarmupSteps
	if span <= 0 {
		return 1
	}
	return math.Min(1, float64(step-opts.WarmupSteps)/float64(span))
}

type warmupCurve struct{ opts Options }

func (c *warmupCurve) LR(step, _ int, base float64) float64 {
	f, _ := warmup(step, c.opts)
	return base * f
}

func (c *warmupCurve) Name() string { return "constant_with_warmup" }

type linearCurve struct{ opts Options }

func (c *linearCurve) LR(step, _ int, base float64) float64 {
	if f, done := warmup(step, c.opts); !done {
		return base * f
	}
	end := c.opts.Factor
	pos := c.opts.ScalePos
	if pos <= 0 {
		pos = 1
	}
	p := math.Min(1, progress(step, c.opts)/pos)
	return base * (1 + (end-1)*p)
}

func (c *linearCurve) Name() string { return "linear" }

type cosineCurve struct{ opts Options }

func (c *cosineCurve) LR(step, _ int, base float64) float64 {
	if f, done := warmup(step, c.opts); !done {
		return base * f
	}
	return base * 0.5 * (1 + math.Cos(math.Pi*progress(step, c.opts)))
}

func (c *cosineCurve) Name() string { return "cosine" }

type restartCurve struct{ opts Options }

func (c *restartCurve) LR(step, _ int, base float64) float64 {
	if f, done := warmup(step, c.opts); !done {
		return base * f
	}
	p := progress(step, c.opts)
	if p >= 1 {
		return 0
	}
	cycles := float64(max(1, c.opts.Cycles))
	return base * 0.5 * (1 + math.Cos(math.Pi*math.Mod(cycles*p, 1)))
}

func (c *restartCurve) Name() string { return "cosine_with_restarts" }

type polynomialCurve struct{ opts Options }

func (c *polynomialCurve) LR(step, _ int, base float64) float64 {
	if f, done := warmup(step, c.opts); !done {
		return base * f
	}
	end := c.opts.MinLR
	if base <= end {
		return base
	}
	power := c.opts.Power
	if power <= 0 {
		power = 1
	}
	return (base-end)*math.Pow(1-progress(step, c.opts), power) + end
}

func (c *polynomialCurve) Name() string { return "polynomial" }

// annealingCurve follows the epoch counter instead of the step counter.
type annealingCurve struct{ opts Options }

func (c *annealingCurve) LR(_, epoch int, base float64) float64 {
	total := max(1, c.opts.TotalEpochs)
	e := math.Min(float64(epoch), float64(total))
	return c.opts.MinLR + (base-c.opts.MinLR)*(1+math.Cos(math.Pi*e/float64(total)))/2
}

func (c *annealingCurve) Name() string { return "cosine_annealing" }
