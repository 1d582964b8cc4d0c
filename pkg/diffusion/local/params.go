package local

import (
	"encoding/json"
	"math"
	"sync"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
)

// Params is a named parameter vector. It is the unit the harness prepares,
// the optimizer updates and the pipeline exports.
type Params struct {
	mu     sync.Mutex
	Name   string    `json:"name"`
	Values []float32 `json:"values"`
	Train  bool      `json:"-"`
}

var (
	_ harness.Stateful  = (*Params)(nil)
	_ harness.Clippable = (*Params)(nil)
)

func newParams(name string, n int) *Params {
	return &Params{Name: name, Values: make([]float32, n), Train: true}
}

// Snapshot copies the current values.
func (p *Params) Snapshot() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float32(nil), p.Values...)
}

func (p *Params) StateDict() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(p.Values)
}

func (p *Params) LoadStateDict(data []byte) error {
	var values []float32
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Values = values
	return nil
}

// ClipGradNorm rescales the vector to at most maxNorm and returns the
// norm before clipping. Gradients are implicit here, so the weights stand
// in for them.
func (p *Params) ClipGradNorm(maxNorm float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sum float64
	for _, v := range p.Values {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm > maxNorm && norm > 0 {
		f := float32(maxNorm / norm)
		for i := range p.Values {
			p.Values[i] *= f
		}
	}
	return norm
}

func (p *Params) MarshalJSON() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(struct {
		Name   string    `json:"name"`
		Values []float32 `json:"values"`
	}{p.Name, p.Values})
}
