package local

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
)

// OptimizerFactory builds counting optimizers.
type OptimizerFactory struct{}

var _ diffusion.OptimizerFactory = OptimizerFactory{}

func (OptimizerFactory) NewOptimizer(ctx context.Context, req diffusion.OptimizerRequest) (diffusion.Optimizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Groups) == 0 {
		return nil, errors.New("optimizer needs at least one parameter group")
	}
	o := &Optimizer{WeightDecay: req.WeightDecay, EightBit: req.Use8Bit}
	for _, g := range req.Groups {
		o.Groups = append(o.Groups, Group{Name: g.Name, BaseLR: g.LearningRate, LR: g.LearningRate})
	}
	return o, nil
}

// Group is the persisted state of one parameter group.
type Group struct {
	Name   string  `json:"name"`
	BaseLR float64 `json:"base_lr"`
	LR     float64 `json:"lr"`
}

// Optimizer counts steps and tracks learning rates without touching
// weights.
type Optimizer struct {
	mu          sync.Mutex
	Steps       int     `json:"steps"`
	ZeroGrads   int     `json:"zero_grads"`
	Groups      []Group `json:"groups"`
	WeightDecay float64 `json:"weight_decay"`
	EightBit    bool    `json:"eight_bit"`
}

var (
	_ diffusion.Optimizer = (*Optimizer)(nil)
	_ harness.Stateful    = (*Optimizer)(nil)
)

func (o *Optimizer) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Steps++
	return nil
}

func (o *Optimizer) ZeroGrad(bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ZeroGrads++
}

func (o *Optimizer) SetLearningRate(lr float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Groups) == 0 || o.Groups[0].BaseLR == 0 {
		return
	}
	ratio := lr / o.Groups[0].BaseLR
	for i := range o.Groups {
		o.Groups[i].LR = o.Groups[i].BaseLR * ratio
	}
}

// StepCount is the number of optimizer steps taken.
func (o *Optimizer) StepCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Steps
}

type optimizerState struct {
	Steps  int     `json:"steps"`
	Groups []Group `json:"groups"`
}

func (o *Optimizer) StateDict() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return json.Marshal(optimizerState{Steps: o.Steps, Groups: o.Groups})
}

func (o *Optimizer) LoadStateDict(data []byte) error {
	var s optimizerState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Steps = s.Steps
	if len(s.Groups) == len(o.Groups) {
		o.Groups = s.Groups
	}
	return nil
}
