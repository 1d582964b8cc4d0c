// Package lrschedule drives the learning rate of a run from step and
// epoch counters.
package lrschedule

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
)

// Target receives every new learning rate.
type Target interface {
	SetLearningRate(lr float64)
}

// Scheduler is the stateful side of a Curve. Step counts examples, not
// optimizer steps, matching the revision counter.
type Scheduler struct {
	mu     sync.Mutex
	curve  Curve
	opts   Options
	base   float64
	target Target
	step   int
	epoch  int
	last   float64
}

var _ harness.Stateful = (*Scheduler)(nil)

// New builds a scheduler for the named curve and pushes the initial rate
// to target, which may be nil.
func New(name string, baseLR float64, opts Options, target Target) (*Scheduler, error) {
	curve, err := NewCurve(name, opts)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{curve: curve, opts: opts, base: baseLR, target: target}
	s.apply()
	return s, nil
}

// Step advances by n examples.
func (s *Scheduler) Step(n int) {
	s.mu.Lock()
	s.step += n
	s.mu.Unlock()
	s.apply()
}

// StepEpoch advances the epoch counter.
func (s *Scheduler) StepEpoch() {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.apply()
}

// LastLR is the rate most recently pushed to the target.
func (s *Scheduler) LastLR() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Name is the curve name.
func (s *Scheduler) Name() string { return s.curve.Name() }

func (s *Scheduler) apply() {
	s.mu.Lock()
	lr := s.curve.LR(s.step, s.epoch, s.base)
	// Warmup starts from zero; the floor only applies afterwards.
	if s.step >= s.opts.WarmupSteps {
		lr = math.Max(lr, s.opts.MinLR)
	}
	s.last = lr
	target := s.target
	s.mu.Unlock()

	if target != nil {
		target.SetLearningRate(lr)
	}
}

type schedulerState struct {
	Step  int `json:"step"`
	Epoch int `json:"epoch"`
}

func (s *Scheduler) StateDict() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(schedulerState{Step: s.step, Epoch: s.epoch})
}

func (s *Scheduler) LoadStateDict(data []byte) error {
	var st schedulerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.mu.Lock()
	s.step, s.epoch = st.Step, st.Epoch
	s.mu.Unlock()
	s.apply()
	return nil
}
