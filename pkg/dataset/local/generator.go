package local

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/dataset"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/imageio"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// Bucket is a training resolution. Examples only share a batch with
// examples of the same bucket.
type Bucket struct {
	Width  int
	Height int
}

// BucketFor picks the bucket closest to the aspect of a w x h image.
func BucketFor(w, h, resolution int) Bucket {
	short := resolution * 3 / 4 / 8 * 8
	aspect := float64(w) / float64(h)
	switch {
	case aspect > 1.2:
		return Bucket{Width: resolution, Height: short}
	case aspect < 1/1.2:
		return Bucket{Width: short, Height: resolution}
	default:
		return Bucket{Width: resolution, Height: resolution}
	}
}

type example struct {
	prompt  string
	path    string
	isClass bool
	bucket  Bucket
	ids     []int
	latents *tensor.Tensor
}

// Set is the assembled dataset.
type Set struct {
	examples  []example
	instances int
}

var _ dataset.Dataset = (*Set)(nil)

func (s *Set) Len() int { return len(s.examples) }

func (s *Set) NumTrainImages() int { return s.instances }

// Generator decodes images from Fs.
type Generator struct {
	Fs afero.Fs
}

var _ dataset.Generator = (*Generator)(nil)

func (g *Generator) Generate(ctx context.Context, req dataset.Request) (dataset.Dataset, dataset.BatchSampler, error) {
	cfg := req.Config
	if req.Tokenizer == nil {
		return nil, nil, fmt.Errorf("dataset needs a tokenizer")
	}
	tokenLen := dataset.TokenLength(cfg.PadTokens, cfg.MaxTokenLength, req.Tokenizer.ModelMaxLength())

	set := &Set{}
	for _, p := range req.Prompts {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		img, err := imageio.Decode(g.Fs, p.ImagePath)
		if err != nil {
			return nil, nil, err
		}
		b := img.Bounds()
		ex := example{
			prompt:  p.Prompt,
			path:    p.ImagePath,
			isClass: p.IsClass,
			bucket:  BucketFor(b.Dx(), b.Dy(), cfg.Resolution),
			ids:     req.Tokenizer.Encode(p.Prompt, tokenLen),
		}
		if req.Autoencoder != nil {
			pixels := tensor.New(1, 3, ex.bucket.Height, ex.bucket.Width)
			imageio.ToTensor(img, pixels, 0, ex.bucket.Width, ex.bucket.Height)
			ex.latents, err = req.Autoencoder.Encode(pixels)
			tensor.Release(pixels)
			if err != nil {
				return nil, nil, fmt.Errorf("caching latents of %s: %w", p.ImagePath, err)
			}
		}
		if !p.IsClass {
			set.instances++
		}
		set.examples = append(set.examples, ex)
	}

	if len(set.examples) == 0 {
		return nil, nil, dataset.ErrEmpty
	}
	return set, NewSampler(g.Fs, set, cfg.TrainBatchSize, cfg.Seed), nil
}
