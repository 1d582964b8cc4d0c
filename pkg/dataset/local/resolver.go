// Package local builds datasets from image directories on an afero
// filesystem.
package local

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/dataset"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/imageio"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
)

// FileWordsToken in a prompt is replaced by the caption of the image.
const FileWordsToken = "[filewords]"

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

// Resolver lists concept images and renders missing class images through
// a pipeline built from Loader and Pipelines. Generation is skipped when
// either is nil.
type Resolver struct {
	Fs        afero.Fs
	Loader    diffusion.ModelLoader
	Pipelines diffusion.PipelineFactory
	Logger    logging.Interface
}

var _ dataset.PromptResolver = (*Resolver)(nil)

func (r *Resolver) Resolve(ctx context.Context, cfg *runconfig.Config) (*dataset.Resolution, error) {
	res := &dataset.Resolution{}
	var missing []classRequest

	for i, c := range cfg.Concepts() {
		instances, err := r.listImages(c.InstanceDataDir)
		if err != nil {
			return nil, err
		}
		for _, img := range instances {
			res.Prompts = append(res.Prompts, dataset.PromptData{
				Prompt:    r.prompt(c.InstancePrompt, img),
				ImagePath: img,
				Concept:   i,
			})
		}

		if c.ClassDataDir == "" || c.NumClassImagesPerImage == 0 {
			continue
		}
		classes, err := r.listImages(c.ClassDataDir)
		if err != nil {
			return nil, err
		}
		want := c.NumClassImagesPerImage * len(instances)
		for _, img := range classes[:min(want, len(classes))] {
			res.Prompts = append(res.Prompts, dataset.PromptData{
				Prompt:    r.prompt(c.ClassPrompt, img),
				ImagePath: img,
				IsClass:   true,
				Concept:   i,
			})
		}
		if len(classes) < want {
			missing = append(missing, classRequest{concept: i, count: want - len(classes), offset: len(classes)})
		}
	}

	if len(missing) > 0 {
		generated, err := r.generate(ctx, cfg, missing)
		res.Prompts = append(res.Prompts, generated...)
		res.Generated = len(generated)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

type classRequest struct {
	concept int
	count   int
	offset  int
}

func (r *Resolver) generate(ctx context.Context, cfg *runconfig.Config, missing []classRequest) (out []dataset.PromptData, err error) {
	if r.Loader == nil || r.Pipelines == nil {
		if r.Logger != nil {
			r.Logger.Warn("Class images are missing and no generator is configured; training with what is there")
		}
		return nil, nil
	}

	req := diffusion.ModelRequest{
		ModelDir:       cfg.ModelDir,
		PretrainedPath: cfg.PretrainedModelNameOrPath,
		VAEPath:        cfg.PretrainedVAENameOrPath,
		Precision:      cfg.EffectivePrecision(),
		V2:             cfg.V2,
		Resolution:     cfg.Resolution,
	}
	models, err := r.Loader.Load(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("loading models for class images: %w", err)
	}
	pipeline, err := r.Pipelines.NewPipeline(ctx, diffusion.PipelineRequest{
		Models: models, Autoencoder: models.Autoencoder, ModelDir: cfg.ModelDir, Precision: req.Precision,
	})
	if err != nil {
		return nil, multierror.Append(fmt.Errorf("building class image pipeline: %w", err), models.Release()).ErrorOrNil()
	}
	defer func() {
		var result *multierror.Error
		result = multierror.Append(result, err, pipeline.Close(), models.Release())
		err = result.ErrorOrNil()
	}()

	concepts := cfg.Concepts()
	for _, m := range missing {
		c := concepts[m.concept]
		if err := r.Fs.MkdirAll(c.ClassDataDir, 0o755); err != nil {
			return out, err
		}
		for i := 0; i < m.count; i++ {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			prompt := strings.ReplaceAll(c.ClassPrompt, FileWordsToken, "")
			img, err := pipeline.RenderSample(ctx, diffusion.SamplePrompt{
				Prompt:         prompt,
				NegativePrompt: c.SaveSampleNegative,
				Seed:           cfg.Seed + int64(m.offset+i),
				Steps:          c.SaveInferSteps,
				GuidanceScale:  c.SaveGuidanceScale,
				Width:          cfg.Resolution,
				Height:         cfg.Resolution,
			})
			if err != nil {
				return out, fmt.Errorf("rendering class image: %w", err)
			}
			path := filepath.Join(c.ClassDataDir, fmt.Sprintf("class_%d.png", m.offset+i))
			if err := imageio.WritePNG(r.Fs, path, img); err != nil {
				return out, err
			}
			out = append(out, dataset.PromptData{Prompt: prompt, ImagePath: path, IsClass: true, Concept: m.concept})
		}
	}
	return out, nil
}

func (r *Resolver) listImages(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if ok, _ := afero.DirExists(r.Fs, dir); !ok {
		return nil, nil
	}
	entries, err := afero.ReadDir(r.Fs, dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// prompt substitutes the caption stored next to img, if any.
func (r *Resolver) prompt(template, img string) string {
	if !strings.Contains(template, FileWordsToken) {
		return template
	}
	caption := ""
	if data, err := afero.ReadFile(r.Fs, strings.TrimSuffix(img, filepath.Ext(img))+".txt"); err == nil {
		caption = strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(strings.ReplaceAll(template, FileWordsToken, caption))
}
