// Package tensor is a minimal dense float32 tensor used to carry values
// between the training controller and its numeric collaborators. Real
// backends are free to wrap device memory behind the same type.
package tensor

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrShapeMismatch is returned when two tensors that must line up do not.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a row-major dense tensor. The first dimension is the batch.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Batch returns the size of the leading dimension.
func (t *Tensor) Batch() int {
	if t == nil || len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Data)
}

// Released reports whether Release has been called on t.
func (t *Tensor) Released() bool {
	return t == nil || t.Data == nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Scale returns a new tensor with every element multiplied by f.
func Scale(t *Tensor, f float32) *Tensor {
	out := New(t.Shape...)
	for i, v := range t.Data {
		out.Data[i] = v * f
	}
	return out
}

// RandnLike draws a standard normal tensor of t's shape.
func RandnLike(t *Tensor, rng *rand.Rand) *Tensor {
	out := New(t.Shape...)
	for i := range out.Data {
		out.Data[i] = float32(rng.NormFloat64())
	}
	return out
}

// Loss is the scalar objective of one step plus the value it was derived
// from, so a harness can backpropagate through it.
type Loss struct {
	Value      float64
	Prediction *Tensor
	Target     *Tensor
}

// WeightedMSE computes the squared error of prediction against target,
// averages it over every dimension but the batch, multiplies each example by
// weight and averages the result to a scalar.
func WeightedMSE(prediction, target *Tensor, weight float64) (Loss, error) {
	if !SameShape(prediction, target) {
		return Loss{}, fmt.Errorf("%w: prediction %v, target %v", ErrShapeMismatch, prediction.Shape, target.Shape)
	}
	batch := prediction.Batch()
	if batch == 0 {
		return Loss{}, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}

	per := len(prediction.Data) / batch
	var total float64
	for b := 0; b < batch; b++ {
		var sum float64
		for i := b * per; i < (b+1)*per; i++ {
			d := float64(prediction.Data[i] - target.Data[i])
			sum += d * d
		}
		total += sum / float64(per) * weight
	}
	return Loss{Value: total / float64(batch), Prediction: prediction, Target: target}, nil
}

// Release drops the backing storage of every tensor so memory is returned
// as soon as a step finishes. Nil tensors are ignored.
func Release(ts ...*Tensor) {
	for _, t := range ts {
		if t != nil {
			t.Data = nil
		}
	}
}
