package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math/rand"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
)

// PipelineFactory builds pipelines over the live local models.
type PipelineFactory struct {
	Fs afero.Fs
}

var _ diffusion.PipelineFactory = (*PipelineFactory)(nil)

func (f *PipelineFactory) NewPipeline(ctx context.Context, req diffusion.PipelineRequest) (diffusion.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Models == nil || req.Models.Denoiser == nil || req.Models.TextEncoder == nil {
		return nil, errors.New("pipeline needs a denoiser and a text encoder")
	}
	if req.Autoencoder == nil {
		return nil, errors.New("pipeline needs an autoencoder")
	}
	return &Pipeline{fs: f.Fs, req: req}, nil
}

// Pipeline writes JSON weights and renders deterministic preview images.
type Pipeline struct {
	fs     afero.Fs
	req    diffusion.PipelineRequest
	closed bool
}

// ModelIndex is written at the root of a saved model.
type ModelIndex struct {
	Revision  int    `json:"revision"`
	Precision string `json:"precision"`
	LoRA      bool   `json:"lora"`
}

func (p *Pipeline) SavePretrained(ctx context.Context, dir string) error {
	if p.closed {
		return ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	files := map[string]interface{}{
		"model_index.json":          ModelIndex{Revision: p.req.Revision, Precision: p.req.Precision, LoRA: p.req.UseLoRA},
		"unet/weights.json":         p.req.Models.Denoiser.Parameters(),
		"text_encoder/weights.json": p.req.Models.TextEncoder.Parameters(),
	}
	for name, v := range files {
		if err := writeJSON(p.fs, filepath.Join(dir, name), v); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) ExportAdapter(ctx context.Context, path string, textEncoder bool) error {
	if p.closed {
		return ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := p.req.Models.Denoiser.Parameters()
	if textEncoder {
		params = p.req.Models.TextEncoder.Parameters()
	}
	return writeJSON(p.fs, path, params)
}

// RenderSample paints a gradient whose colours depend on the seed and
// prompt, so identical requests produce identical images.
func (p *Pipeline) RenderSample(ctx context.Context, prompt diffusion.SamplePrompt) (image.Image, error) {
	if p.closed {
		return nil, ErrReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if prompt.Width <= 0 || prompt.Height <= 0 {
		return nil, fmt.Errorf("invalid sample size %dx%d", prompt.Width, prompt.Height)
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt.Prompt))
	rng := rand.New(rand.NewSource(prompt.Seed ^ int64(h.Sum64())))
	base := [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}

	img := image.NewRGBA(image.Rect(0, 0, prompt.Width, prompt.Height))
	for y := 0; y < prompt.Height; y++ {
		for x := 0; x < prompt.Width; x++ {
			fx := float64(x) / float64(prompt.Width)
			fy := float64(y) / float64(prompt.Height)
			img.Set(x, y, color.RGBA{
				R: uint8(255 * base[0] * (1 - fx)),
				G: uint8(255 * base[1] * (1 - fy)),
				B: uint8(255 * base[2] * (fx + fy) / 2),
				A: 255,
			})
		}
	}
	return img, nil
}

func (p *Pipeline) Close() error {
	p.closed = true
	return nil
}

func writeJSON(fs afero.Fs, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}
