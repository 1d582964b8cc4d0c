package local

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/dataset"
	dlocal "github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion/local"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/imageio"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
)

func writeImage(t *testing.T, fs afero.Fs, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	require.NoError(t, imageio.WritePNG(fs, path, img))
}

func testConfig() *runconfig.Config {
	cfg := runconfig.Default()
	cfg.ModelName = "person"
	cfg.ModelDir = "/models/person"
	cfg.PretrainedModelNameOrPath = "base"
	cfg.Resolution = 16
	cfg.TrainBatchSize = 2
	cfg.ConceptsList = []runconfig.Concept{{
		InstanceDataDir:        "/data/person",
		InstancePrompt:         "photo of sks person, [filewords]",
		ClassDataDir:           "/data/class",
		ClassPrompt:            "photo of a person",
		NumClassImagesPerImage: 1,
	}}
	return &cfg
}

func seed(t *testing.T, fs afero.Fs, instances, classes int) {
	for i := 0; i < instances; i++ {
		writeImage(t, fs, fmt.Sprintf("/data/person/%02d.png", i), 16, 16)
	}
	for i := 0; i < classes; i++ {
		writeImage(t, fs, fmt.Sprintf("/data/class/%02d.png", i), 16, 16)
	}
}

func TestResolverPrompts(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, 2, 2)
	require.NoError(t, afero.WriteFile(fs, "/data/person/00.txt", []byte("smiling\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/person/notes.md", []byte("ignored"), 0o644))

	r := &Resolver{Fs: fs, Logger: logging.Discard()}
	res, err := r.Resolve(context.Background(), testConfig())
	require.NoError(t, err)

	require.Len(t, res.Prompts, 4)
	assert.Equal(t, "photo of sks person, smiling", res.Prompts[0].Prompt)
	assert.Equal(t, "photo of sks person,", res.Prompts[1].Prompt)
	assert.True(t, res.Prompts[3].IsClass)
	assert.Zero(t, res.Generated)
}

func TestResolverGeneratesMissingClassImages(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, 3, 1)

	r := &Resolver{
		Fs:        fs,
		Loader:    &dlocal.Loader{Fs: fs},
		Pipelines: &dlocal.PipelineFactory{Fs: fs},
		Logger:    logging.Discard(),
	}
	res, err := r.Resolve(context.Background(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Generated)

	for _, name := range []string{"/data/class/class_1.png", "/data/class/class_2.png"} {
		ok, err := afero.Exists(fs, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
	assert.Len(t, res.Prompts, 6)
}

func TestGeneratorEmpty(t *testing.T) {
	g := &Generator{Fs: afero.NewMemMapFs()}
	_, _, err := g.Generate(context.Background(), dataset.Request{Config: testConfig(), Tokenizer: dlocal.Tokenizer{}})
	assert.ErrorIs(t, err, dataset.ErrEmpty)
}

func TestSamplerBatches(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, 3, 0)
	writeImage(t, fs, "/data/person/wide.png", 32, 16)
	cfg := testConfig()

	res, err := (&Resolver{Fs: fs}).Resolve(context.Background(), cfg)
	require.NoError(t, err)

	ds, sampler, err := (&Generator{Fs: fs}).Generate(context.Background(), dataset.Request{
		Config: cfg, Prompts: res.Prompts, Tokenizer: dlocal.Tokenizer{},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, 4, ds.NumTrainImages())
	// three square images -> 2 batches, one wide image -> 1 batch
	assert.Equal(t, 3, sampler.Len())

	sampler.SetPriorLoss(0.7)
	it := sampler.Batches(0)
	ctx := context.Background()
	count := 0
	for {
		b, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
		assert.Equal(t, 0.7, b.LossWeight)
		assert.Equal(t, 2, b.Size(), "batches are always full")
		require.NotNil(t, b.Images)
		assert.Equal(t, 2, b.Images.Batch())
		assert.Len(t, b.InputIDs[0], 77)
		b.Release()
	}
	assert.Equal(t, 3, count)
}

func TestSamplerCachedLatentsAndDeterminism(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, 4, 0)
	cfg := testConfig()
	res, err := (&Resolver{Fs: fs}).Resolve(context.Background(), cfg)
	require.NoError(t, err)

	_, sampler, err := (&Generator{Fs: fs}).Generate(context.Background(), dataset.Request{
		Config: cfg, Prompts: res.Prompts, Tokenizer: dlocal.Tokenizer{}, Autoencoder: &dlocal.Autoencoder{},
	})
	require.NoError(t, err)

	order := func(epoch int) []string {
		var prompts []string
		it := sampler.Batches(epoch)
		for {
			b, ok, err := it.Next(context.Background())
			require.NoError(t, err)
			if !ok {
				return prompts
			}
			require.NotNil(t, b.Latents)
			assert.Nil(t, b.Images)
			assert.Equal(t, []int{2, 4, 2, 2}, b.Latents.Shape)
			prompts = append(prompts, b.Prompts...)
		}
	}
	assert.Equal(t, order(3), order(3), "same epoch replays the same order")
}

func TestBucketFor(t *testing.T) {
	assert.Equal(t, Bucket{512, 512}, BucketFor(100, 100, 512))
	assert.Equal(t, Bucket{512, 384}, BucketFor(300, 200, 512))
	assert.Equal(t, Bucket{384, 512}, BucketFor(200, 300, 512))
}
