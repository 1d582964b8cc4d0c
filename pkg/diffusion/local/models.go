package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// CLIP vocabulary markers.
const (
	BOS       = 49406
	EOS       = 49407
	VocabSize = 49408

	HiddenSize     = 8
	LatentChannels = 4
	// DownscaleFactor is the pixel to latent ratio of the autoencoder.
	DownscaleFactor = 8
)

// ErrReleased is returned when a released handle is used.
var ErrReleased = errors.New("model handle already released")

// Tokenizer hashes whitespace separated words into the CLIP vocabulary.
type Tokenizer struct{}

var _ diffusion.Tokenizer = Tokenizer{}

// Encode returns BOS, up to maxLength-2 word ids and EOS, padded with EOS
// to maxLength.
func (Tokenizer) Encode(prompt string, maxLength int) []int {
	if maxLength < 2 {
		maxLength = 2
	}
	ids := make([]int, 0, maxLength)
	ids = append(ids, BOS)
	for _, word := range strings.Fields(strings.ToLower(prompt)) {
		if len(ids) == maxLength-1 {
			break
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		ids = append(ids, int(h.Sum32()%(BOS-1))+1)
	}
	for len(ids) < maxLength {
		ids = append(ids, EOS)
	}
	return ids
}

func (Tokenizer) ModelMaxLength() int { return constants.ModelMaxTokenLength }

// TextEncoder embeds token ids with a fixed sinusoidal table scaled by a
// single trainable gain.
type TextEncoder struct {
	params   *Params
	released bool
}

var _ diffusion.TextEncoder = (*TextEncoder)(nil)

// EncodeHiddenState returns [batch, chunks*modelMaxLength, HiddenSize].
// With pad set, ids are split into chunks of modelMaxLength-2 tokens so
// prompts longer than the model window still condition the denoiser.
func (e *TextEncoder) EncodeHiddenState(ids [][]int, pad bool, maxTokenLength, modelMaxLength int) (*tensor.Tensor, error) {
	if e.released {
		return nil, ErrReleased
	}
	chunks := 1
	if pad && maxTokenLength > modelMaxLength-2 {
		chunks = (maxTokenLength + modelMaxLength - 3) / (modelMaxLength - 2)
	}
	width := chunks * modelMaxLength

	out := tensor.New(len(ids), width, HiddenSize)
	gain := float32(1)
	if v := e.params.Snapshot(); len(v) > 0 {
		gain += v[0]
	}
	for b, row := range ids {
		for pos := 0; pos < width; pos++ {
			id := EOS
			if pos < len(row) {
				id = row[pos]
			}
			for d := 0; d < HiddenSize; d++ {
				angle := float64(id) / math.Pow(10000, float64(2*(d/2))/HiddenSize)
				v := math.Sin(angle)
				if d%2 == 1 {
					v = math.Cos(angle)
				}
				out.Data[(b*width+pos)*HiddenSize+d] = gain * float32(v)
			}
		}
	}
	return out, nil
}

func (e *TextEncoder) Parameters() harness.Component { return e.params }

func (e *TextEncoder) SetTrain(train bool) { e.params.Train = train }

func (e *TextEncoder) Release() error {
	e.released = true
	return nil
}

// Autoencoder average-pools pixels into latents.
type Autoencoder struct {
	released bool
}

var _ diffusion.Autoencoder = (*Autoencoder)(nil)

// Encode maps [B,3,H,W] pixels to [B,4,ceil(H/8),ceil(W/8)] latents. The
// fourth channel carries luminance.
func (a *Autoencoder) Encode(images *tensor.Tensor) (*tensor.Tensor, error) {
	if a.released {
		return nil, ErrReleased
	}
	if len(images.Shape) != 4 || images.Shape[1] != 3 {
		return nil, fmt.Errorf("%w: want [B,3,H,W], got %v", tensor.ErrShapeMismatch, images.Shape)
	}
	b, h, w := images.Shape[0], images.Shape[2], images.Shape[3]
	lh, lw := (h+DownscaleFactor-1)/DownscaleFactor, (w+DownscaleFactor-1)/DownscaleFactor
	out := tensor.New(b, LatentChannels, lh, lw)

	for n := 0; n < b; n++ {
		for y := 0; y < lh; y++ {
			for x := 0; x < lw; x++ {
				var sums [3]float32
				var count float32
				for py := y * DownscaleFactor; py < min((y+1)*DownscaleFactor, h); py++ {
					for px := x * DownscaleFactor; px < min((x+1)*DownscaleFactor, w); px++ {
						for c := 0; c < 3; c++ {
							sums[c] += images.Data[((n*3+c)*h+py)*w+px]
						}
						count++
					}
				}
				var lum float32
				for c := 0; c < 3; c++ {
					v := sums[c] / count
					out.Data[((n*LatentChannels+c)*lh+y)*lw+x] = v
					lum += v / 3
				}
				out.Data[((n*LatentChannels+3)*lh+y)*lw+x] = lum
			}
		}
	}
	return out, nil
}

func (a *Autoencoder) Release() error {
	if a.released {
		return ErrReleased
	}
	a.released = true
	return nil
}

// Denoiser predicts bias*noisy; the bias starts at zero so the initial
// prediction is all zeros.
type Denoiser struct {
	params   *Params
	released bool
}

var _ diffusion.DenoisingNetwork = (*Denoiser)(nil)

func (d *Denoiser) Predict(noisy *tensor.Tensor, timesteps []int, hidden *tensor.Tensor) (*tensor.Tensor, error) {
	if d.released {
		return nil, ErrReleased
	}
	if len(timesteps) != noisy.Batch() || hidden.Batch() != noisy.Batch() {
		return nil, fmt.Errorf("%w: noisy %v, %d timesteps, hidden %v",
			tensor.ErrShapeMismatch, noisy.Shape, len(timesteps), hidden.Shape)
	}
	var bias float32
	if v := d.params.Snapshot(); len(v) > 0 {
		bias = v[0]
	}
	return tensor.Scale(noisy, bias), nil
}

func (d *Denoiser) Parameters() harness.Component { return d.params }

func (d *Denoiser) SetTrain(train bool) { d.params.Train = train }

func (d *Denoiser) Release() error {
	d.released = true
	return nil
}

// EMA keeps shadow weights of the denoiser.
type EMA struct {
	Decay  float64
	Steps  int
	shadow []float32
}

var _ diffusion.EMA = (*EMA)(nil)

func (e *EMA) Step(params harness.Component) {
	p, ok := params.(*Params)
	if !ok {
		return
	}
	cur := p.Snapshot()
	if e.shadow == nil {
		e.shadow = cur
	}
	decay := float32(min(e.Decay, (1+float64(e.Steps))/(10+float64(e.Steps))))
	for i := range e.shadow {
		e.shadow[i] = decay*e.shadow[i] + (1-decay)*cur[i]
	}
	e.Steps++
}

func (e *EMA) Swap(params harness.Component) {
	p, ok := params.(*Params)
	if !ok || e.shadow == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Values, e.shadow = e.shadow, p.Values
}

// Loader builds the local models. Previous adapter weights are read from Fs.
type Loader struct {
	Fs afero.Fs
}

var _ diffusion.ModelLoader = (*Loader)(nil)

func (l *Loader) Load(ctx context.Context, req diffusion.ModelRequest) (*diffusion.Models, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.PretrainedPath == "" {
		return nil, errors.New("no pretrained model to load")
	}

	prediction := defaultPrediction
	if req.V2 {
		prediction = v2DefaultPrediction
	}
	unet := &Denoiser{params: newParams("unet", 1)}
	text := &TextEncoder{params: newParams("text_encoder", 1)}

	if req.LoRA.Enabled {
		if err := l.loadAdapter(req.LoRA.DenoiserWeights, unet.params); err != nil {
			return nil, err
		}
		if req.LoRA.TrainTextEncoder {
			if err := l.loadAdapter(req.LoRA.TextEncoderWeights, text.params); err != nil {
				return nil, err
			}
		}
	}

	models := &diffusion.Models{
		Tokenizer:     Tokenizer{},
		TextEncoder:   text,
		Autoencoder:   &Autoencoder{},
		Denoiser:      unet,
		NoiseSchedule: NewSchedule(prediction),
	}
	if req.UseEMA {
		models.EMA = &EMA{Decay: 0.9999}
	}
	return models, nil
}

func (l *Loader) loadAdapter(path string, into *Params) error {
	if path == "" {
		return nil
	}
	data, err := afero.ReadFile(l.Fs, path)
	if err != nil {
		return fmt.Errorf("loading adapter weights: %w", err)
	}
	var exported Params
	if err := json.Unmarshal(data, &exported); err != nil {
		return fmt.Errorf("decoding adapter weights %s: %w", path, err)
	}
	into.Values = exported.Values
	return nil
}

func (l *Loader) LoadAutoencoder(ctx context.Context, _ diffusion.ModelRequest) (diffusion.Autoencoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Autoencoder{}, nil
}
