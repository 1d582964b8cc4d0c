package local

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/zipper"
)

// Compiler packs the working model and any adapter files into one zip.
type Compiler struct {
	Fs afero.Fs
}

var _ diffusion.CheckpointCompiler = (*Compiler)(nil)

// Compile writes <output_dir>/<model_name>_<revision>.zip and returns its
// path. The output dir defaults to the model dir.
func (c *Compiler) Compile(ctx context.Context, req diffusion.CompileRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var entries []zipper.Entry
	working := filepath.Join(req.ModelDir, constants.WorkingDir)
	if ok, _ := afero.DirExists(c.Fs, working); ok {
		entries = append(entries, zipper.Entry{Name: "model", Path: working})
	}
	for _, lora := range []string{req.LoRAPath, req.LoRATextPath} {
		if lora == "" {
			continue
		}
		entries = append(entries, zipper.Entry{Name: "lora/" + filepath.Base(lora), Path: lora})
	}
	if len(entries) == 0 {
		return "", errors.New("nothing to compile: no working model and no adapter")
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = req.ModelDir
	}
	if err := c.Fs.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(outputDir, fmt.Sprintf("%s_%d%s", req.ModelName, req.Revision, constants.CompiledExt))
	if err := zipper.ZipEntries(c.Fs, out, entries); err != nil {
		return "", fmt.Errorf("compiling checkpoint: %w", err)
	}
	return out, nil
}
