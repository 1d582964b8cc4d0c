// Package dataset defines the training data collaborators: prompt
// resolution (including class image generation), dataset assembly and
// batch sampling.
package dataset

import (
	"context"
	"errors"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// ErrEmpty is returned when no training images were found.
var ErrEmpty = errors.New("dataset has no images")

// Batch is one step worth of examples. Exactly one of Images and Latents
// is set; Latents when the dataset caches encoded images.
type Batch struct {
	Images     *tensor.Tensor
	Latents    *tensor.Tensor
	InputIDs   [][]int
	Prompts    []string
	LossWeight float64
}

// Release drops the batch tensors.
func (b *Batch) Release() {
	tensor.Release(b.Images, b.Latents)
}

// Size is the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.InputIDs)
}

// PromptData is one resolved training prompt.
type PromptData struct {
	Prompt    string
	ImagePath string
	IsClass   bool
	Concept   int
}

// Resolution is the outcome of prompt resolution.
type Resolution struct {
	// Generated is the number of class images created.
	Generated int
	Prompts   []PromptData
}

// PromptResolver resolves instance and class prompts, generating missing
// class images when needed.
type PromptResolver interface {
	Resolve(ctx context.Context, cfg *runconfig.Config) (*Resolution, error)
}

// Request asks for a dataset.
type Request struct {
	Config    *runconfig.Config
	Prompts   []PromptData
	Tokenizer diffusion.Tokenizer
	// Autoencoder is set when latents should be cached up front.
	Autoencoder diffusion.Autoencoder
}

// Dataset is the assembled training set.
type Dataset interface {
	// Len is the number of examples seen per epoch.
	Len() int
	// NumTrainImages is the number of instance images.
	NumTrainImages() int
}

// Iterator yields the batches of one epoch. Next returns false when the
// epoch is exhausted.
type Iterator interface {
	Next(ctx context.Context) (*Batch, bool, error)
}

// BatchSampler groups examples into equally sized batches.
type BatchSampler interface {
	SetPriorLoss(weight float64)
	Batches(epoch int) Iterator
	// Len is the number of batches per epoch.
	Len() int
}

// Generator assembles the dataset and its sampler.
type Generator interface {
	Generate(ctx context.Context, req Request) (Dataset, BatchSampler, error)
}

// TokenLength is the id row width for a prompt. Padded prompts longer than
// the model window span several windows.
func TokenLength(pad bool, maxTokenLength, modelMaxLength int) int {
	if !pad || maxTokenLength <= modelMaxLength-2 {
		return modelMaxLength
	}
	chunks := (maxTokenLength + modelMaxLength - 3) / (modelMaxLength - 2)
	return chunks * modelMaxLength
}
