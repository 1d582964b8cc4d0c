package local

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/dataset"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/imageio"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/tensor"
)

// Sampler emits batches from a single bucket. Buckets that do not divide
// evenly are topped up by wrapping around, so every batch is full.
type Sampler struct {
	fs        afero.Fs
	set       *Set
	batchSize int
	seed      int64
	buckets   map[Bucket][]int

	mu        sync.Mutex
	priorLoss float64
}

var _ dataset.BatchSampler = (*Sampler)(nil)

// NewSampler groups the examples of set by bucket.
func NewSampler(fs afero.Fs, set *Set, batchSize int, seed int64) *Sampler {
	if batchSize < 1 {
		batchSize = 1
	}
	s := &Sampler{fs: fs, set: set, batchSize: batchSize, seed: seed, buckets: map[Bucket][]int{}, priorLoss: 1}
	for i, ex := range set.examples {
		s.buckets[ex.bucket] = append(s.buckets[ex.bucket], i)
	}
	return s
}

func (s *Sampler) SetPriorLoss(weight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priorLoss = weight
}

// PriorLoss is the weight the next epoch's batches carry.
func (s *Sampler) PriorLoss() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priorLoss
}

func (s *Sampler) Len() int {
	n := 0
	for _, idx := range s.buckets {
		n += (len(idx) + s.batchSize - 1) / s.batchSize
	}
	return n
}

// Batches plans the epoch's batches. The order depends only on the seed and
// the epoch, so a resumed run sees the same sequence.
func (s *Sampler) Batches(epoch int) dataset.Iterator {
	rng := rand.New(rand.NewSource(s.seed + int64(epoch)))

	keys := make([]Bucket, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Width != keys[j].Width {
			return keys[i].Width < keys[j].Width
		}
		return keys[i].Height < keys[j].Height
	})

	var plan [][]int
	for _, k := range keys {
		idx := append([]int(nil), s.buckets[k]...)
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for start := 0; start < len(idx); start += s.batchSize {
			batch := make([]int, s.batchSize)
			for i := range batch {
				batch[i] = idx[(start+i)%len(idx)]
			}
			plan = append(plan, batch)
		}
	}
	rng.Shuffle(len(plan), func(i, j int) { plan[i], plan[j] = plan[j], plan[i] })

	return &iterator{sampler: s, plan: plan, weight: s.PriorLoss()}
}

type iterator struct {
	sampler *Sampler
	plan    [][]int
	next    int
	weight  float64
}

func (it *iterator) Next(ctx context.Context) (*dataset.Batch, bool, error) {
	if it.next >= len(it.plan) {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	idx := it.plan[it.next]
	it.next++

	examples := it.sampler.set.examples
	batch := &dataset.Batch{LossWeight: it.weight}
	for _, i := range idx {
		batch.InputIDs = append(batch.InputIDs, examples[i].ids)
		batch.Prompts = append(batch.Prompts, examples[i].prompt)
	}

	first := examples[idx[0]]
	if first.latents != nil {
		per := first.latents.Len()
		shape := append([]int{len(idx)}, first.latents.Shape[1:]...)
		batch.Latents = tensor.New(shape...)
		for n, i := range idx {
			copy(batch.Latents.Data[n*per:(n+1)*per], examples[i].latents.Data)
		}
		return batch, true, nil
	}

	w, h := first.bucket.Width, first.bucket.Height
	batch.Images = tensor.New(len(idx), 3, h, w)
	for n, i := range idx {
		img, err := imageio.Decode(it.sampler.fs, examples[i].path)
		if err != nil {
			return nil, false, err
		}
		imageio.ToTensor(img, batch.Images, n, w, h)
	}
	return batch, true, nil
}
