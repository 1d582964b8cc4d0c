// Package imageio reads training images and writes preview images on an
// afero filesystem.
package imageio

import (
	"bufio"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// WritePNG encodes img to path, creating parent directories.
func WritePNG(fs afero.Fs, path string, img image.Image) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := png.Encode(w, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Decode reads any registered image format.
func Decode(fs afero.Fs, path string) (image.Image, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// ToTensor resizes img to width x height with nearest-neighbour sampling
// and writes normalised [-1, 1] RGB into dst at example index n of a
// [B,3,height,width] tensor.
func ToTensor(img image.Image, dst *tensor.Tensor, n, width, height int) {
	b := img.Bounds()
	for y := 0; y < height; y++ {
		sy := b.Min.Y + y*b.Dy()/height
		for x := 0; x < width; x++ {
			sx := b.Min.X + x*b.Dx()/width
			r, g, bl, _ := img.At(sx, sy).RGBA()
			for c, v := range [3]uint32{r, g, bl} {
				dst.Data[((n*3+c)*height+y)*width+x] = float32(v)/32767.5 - 1
			}
		}
	}
}
