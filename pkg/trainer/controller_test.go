package trainer_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/constants"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/dataset"
	dslocal "github.com/atzemis13/sd-dreambooth-extension/pkg/dataset/local"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion"
	dlocal "github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion/local"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/harness"
	hlocal "github.com/atzemis13/sd-dreambooth-extension/pkg/harness/local"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/imageio"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/metrics"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/status"
	testutils "github.com/atzemis13/sd-dreambooth-extension/pkg/testing"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/trainer"
)

// recordingFactory remembers the step of every loss log line. afterStep,
// when set, runs after each of them.
type recordingFactory struct {
	harness.Factory
	afterStep func(step int)

	mu        sync.Mutex
	steps     []int
	harnesses []harness.Harness
}

func (f *recordingFactory) New(ctx context.Context, opts harness.Options) (harness.Harness, error) {
	h, err := f.Factory.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.harnesses = append(f.harnesses, h)
	f.mu.Unlock()
	return &recordingHarness{Harness: h, f: f}, nil
}

// Clips sums the gradient clipping calls of every local harness handed out.
func (f *recordingFactory) Clips() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, h := range f.harnesses {
		if l, ok := h.(*hlocal.Harness); ok {
			total += l.Clips()
		}
	}
	return total
}

func (f *recordingFactory) Steps() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.steps...)
}

type recordingHarness struct {
	harness.Harness
	f *recordingFactory
}

func (h *recordingHarness) Log(values map[string]float64, step int) {
	if _, ok := values["loss"]; ok {
		h.f.mu.Lock()
		h.f.steps = append(h.f.steps, step)
		h.f.mu.Unlock()
	}
	h.Harness.Log(values, step)
	if _, ok := values["loss"]; ok && h.f.afterStep != nil {
		h.f.afterStep(step)
	}
}

// recordingGenerator remembers the loss weight of every batch handed out.
type recordingGenerator struct {
	dataset.Generator
	weights []float64
}

func (g *recordingGenerator) Generate(ctx context.Context, req dataset.Request) (dataset.Dataset, dataset.BatchSampler, error) {
	data, sampler, err := g.Generator.Generate(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return data, &recordingSampler{BatchSampler: sampler, g: g}, nil
}

type recordingSampler struct {
	dataset.BatchSampler
	g *recordingGenerator
}

func (s *recordingSampler) Batches(epoch int) dataset.Iterator {
	return &recordingIterator{Iterator: s.BatchSampler.Batches(epoch), g: s.g}
}

type recordingIterator struct {
	dataset.Iterator
	g *recordingGenerator
}

func (it *recordingIterator) Next(ctx context.Context) (*dataset.Batch, bool, error) {
	b, ok, err := it.Iterator.Next(ctx)
	if ok {
		it.g.weights = append(it.g.weights, b.LossWeight)
	}
	return b, ok, err
}

type failingPipelines struct{}

func (failingPipelines) NewPipeline(context.Context, diffusion.PipelineRequest) (diffusion.Pipeline, error) {
	return nil, errors.New("out of memory")
}

func writeImage(fs afero.Fs, path string) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), A: 255})
		}
	}
	Expect(imageio.WritePNG(fs, path, img)).To(Succeed())
}

func testConfig() *runconfig.Config {
	cfg := runconfig.Default()
	cfg.ModelName = "person"
	cfg.ModelDir = "/models/person"
	cfg.PretrainedModelNameOrPath = "base"
	cfg.Resolution = 16
	cfg.TrainBatchSize = 2
	cfg.NumTrainEpochs = 2
	cfg.LRScheduler = "constant"
	cfg.SaveEmbeddingEvery = 0
	cfg.SavePreviewEvery = 0
	cfg.ConceptsList = []runconfig.Concept{{
		InstanceDataDir:   "/data/person",
		InstancePrompt:    "photo of sks person",
		NSaveSample:       1,
		SampleSeed:        7,
		SaveGuidanceScale: 7.5,
		SaveInferSteps:    20,
	}}
	return &cfg
}

func gathered(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

var _ = Describe("Controller", func() {
	var (
		fs        afero.Fs
		cfg       *runconfig.Config
		factory   *recordingFactory
		generator *recordingGenerator
		st        *status.Status
		registry  *prometheus.Registry
		deps      func() trainer.Deps
	)

	BeforeEach(func() {
		fs = afero.NewMemMapFs()
		for i := 0; i < 4; i++ {
			writeImage(fs, fmt.Sprintf("/data/person/%02d.png", i))
		}
		cfg = testConfig()
		st = status.New()
		registry = prometheus.NewRegistry()
		factory = &recordingFactory{Factory: &hlocal.Factory{Fs: fs, Logger: logging.Discard()}}
		generator = &recordingGenerator{Generator: &dslocal.Generator{Fs: fs}}
		m := metrics.NewMetrics(registry)
		deps = func() trainer.Deps {
			return trainer.Deps{
				Fs:         fs,
				Harnesses:  factory,
				Loader:     &dlocal.Loader{Fs: fs},
				Optimizers: dlocal.OptimizerFactory{},
				Pipelines:  &dlocal.PipelineFactory{Fs: fs},
				Compiler:   &dlocal.Compiler{Fs: fs},
				Resolver:   &dslocal.Resolver{Fs: fs, Logger: logging.Discard()},
				Datasets:   generator,
				Status:     st,
				Metrics:    m,
				Logger:     logging.Discard(),
			}
		}
	})

	run := func(c *runconfig.Config, d trainer.Deps, opts ...trainer.Option) (*trainer.Result, error) {
		return trainer.New(c, d, append([]trainer.Option{trainer.WithRunID("test-run")}, opts...)...).Run(context.Background())
	}

	Context("when the run completes", func() {
		It("trains every epoch and writes the final artifacts", func() {
			res, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())

			Expect(res.RunID).To(Equal("test-run"))
			Expect(res.Completed).To(BeTrue())
			Expect(res.Interrupted).To(BeFalse())
			Expect(res.Message).To(Equal("Training complete."))
			Expect(res.GlobalStep).To(Equal(8))
			Expect(cfg.Revision).To(Equal(8))
			Expect(cfg.Epoch).To(Equal(2))

			Expect(res.SaveReports).To(HaveLen(1))
			report := res.SaveReports[0]
			Expect(report.State).To(Equal(trainer.StateSaveCompleted))
			Expect(report.OK()).To(BeTrue())

			sample := constants.SamplePath(cfg.ModelDir, 8, 0)
			Expect(res.Samples).To(Equal([]string{sample}))
			Expect(res.Prompts).To(Equal([]string{"photo of sks person"}))
			Expect(afero.Exists(fs, sample)).To(BeTrue())
			Expect(afero.DirExists(fs, filepath.Join(cfg.ModelDir, constants.WorkingDir))).To(BeTrue())
			Expect(afero.Exists(fs, filepath.Join(cfg.ModelDir, "person_8.zip"))).To(BeTrue())

			saved, err := runconfig.Load(fs, cfg.ModelDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Revision).To(Equal(8))
			Expect(saved.Epoch).To(Equal(2))

			view := st.Snapshot()
			Expect(view.Active).To(BeFalse())
			Expect(gathered(registry, "dreambooth_steps_total")).To(Equal(4.0))
			Expect(gathered(registry, "dreambooth_global_step")).To(Equal(8.0))
		})

		It("advances the step counter by the batch size", func() {
			_, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())
			Expect(factory.Steps()).To(Equal([]int{2, 4, 6, 8}))
		})

		It("keeps the prior loss weight fixed when scaling is off", func() {
			cfg.PriorLossScale = false
			cfg.PriorLossWeight = 0.7
			_, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())

			Expect(generator.weights).To(HaveLen(4))
			for _, w := range generator.weights {
				Expect(w).To(Equal(0.7))
			}
		})
	})

	Context("when resuming", func() {
		It("continues the lifetime counters of the previous run", func() {
			cfg.NumTrainEpochs = 1
			cfg.SaveStateAfter = true
			_, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())
			Expect(afero.Exists(fs, filepath.Join(constants.SnapshotDir(cfg.ModelDir, 4), hlocal.StateFileName))).To(BeTrue())

			next, err := runconfig.Load(fs, cfg.ModelDir)
			Expect(err).NotTo(HaveOccurred())
			next.Snapshot = "latest"
			next.NumTrainEpochs = 2

			c := trainer.New(next, deps())
			res, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Completed).To(BeTrue())

			state := c.State()
			Expect(state.Resumed).To(BeTrue())
			Expect(state.FirstEpoch).To(Equal(1))
			Expect(state.SessionEpoch).To(Equal(1))
			Expect(factory.Steps()).To(Equal([]int{2, 4, 6, 8}))
			Expect(next.Revision).To(Equal(8))
		})

		It("skips the batches already trained in an interrupted epoch", func() {
			cfg.SaveStateCancel = true
			factory.afterStep = func(step int) {
				if step == 2 {
					st.Interrupt()
				}
			}
			res, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.GlobalStep).To(Equal(2))
			Expect(res.SaveReports).To(HaveLen(1))
			Expect(res.SaveReports[0].State).To(Equal(trainer.StateSaveCanceled))
			Expect(afero.Exists(fs, filepath.Join(constants.SnapshotDir(cfg.ModelDir, 2), hlocal.StateFileName))).To(BeTrue())

			next, err := runconfig.Load(fs, cfg.ModelDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(next.Revision).To(Equal(2))
			next.Snapshot = "latest"

			factory.afterStep = nil
			st = status.New()
			c := trainer.New(next, deps())
			res, err = c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Completed).To(BeTrue())

			state := c.State()
			Expect(state.Resumed).To(BeTrue())
			Expect(state.ResumeStep).To(Equal(2))
			// One of the two batches of the resumed epoch was already trained.
			Expect(factory.Steps()).To(Equal([]int{2, 4}))
			Expect(next.Revision).To(Equal(4))
		})

		It("falls back to the newest snapshot on disk for latest", func() {
			cfg.NumTrainEpochs = 1
			cfg.SaveStateAfter = true
			_, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())

			// A second session saves without a snapshot.
			second, err := runconfig.Load(fs, cfg.ModelDir)
			Expect(err).NotTo(HaveOccurred())
			second.SaveStateAfter = false
			_, err = run(second, deps())
			Expect(err).NotTo(HaveOccurred())
			Expect(afero.DirExists(fs, constants.SnapshotDir(cfg.ModelDir, 8))).To(BeFalse())

			next, err := runconfig.Load(fs, cfg.ModelDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(next.Revision).To(Equal(8))
			next.Snapshot = "latest"
			next.NumTrainEpochs = next.Epoch + 1

			c := trainer.New(next, deps())
			res, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Completed).To(BeTrue())
			Expect(c.State().Resumed).To(BeTrue())
			Expect(factory.Steps()).To(Equal([]int{2, 4, 6, 8, 10, 12}))
		})

		It("starts fresh when the snapshot does not exist", func() {
			cfg.Snapshot = "12"
			c := trainer.New(cfg, deps())
			res, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Completed).To(BeTrue())
			Expect(c.State().Resumed).To(BeFalse())
		})
	})

	Context("when accumulating gradients", func() {
		It("disables text encoder training across processes", func() {
			cfg.StopTextEncoder = 1
			cfg.GradientAccumulationSteps = 2
			logger := testutils.SetupMockLogger()
			d := deps()
			d.Logger = logger

			c := trainer.New(cfg, d, trainer.WithProcess(2, 0))
			res, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Completed).To(BeTrue())
			Expect(c.State().TextEncoderEpochs).To(BeZero())
			logger.AssertCalled(GinkgoT(), "Warn", trainer.MessageAccumulation)
		})

		It("keeps text encoder training in a single process", func() {
			cfg.StopTextEncoder = 1
			cfg.GradientAccumulationSteps = 2
			c := trainer.New(cfg, deps())
			_, err := c.Run(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(c.State().TextEncoderEpochs).To(Equal(2))
		})
	})

	Context("when clipping gradients", func() {
		BeforeEach(func() {
			cfg.StopTextEncoder = 0
		})

		It("clips the denoiser after every synced step", func() {
			_, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())
			Expect(factory.Clips()).To(Equal(4))
		})

		It("clips only on accumulation boundaries", func() {
			cfg.GradientAccumulationSteps = 2
			_, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())
			Expect(factory.Clips()).To(Equal(2))
		})

		It("clips the text encoder too while it trains", func() {
			cfg.StopTextEncoder = 1
			_, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())
			Expect(factory.Clips()).To(Equal(8))
		})

		It("never clips LoRA adapters", func() {
			cfg.UseLoRA = true
			res, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Completed).To(BeTrue())
			Expect(factory.Clips()).To(BeZero())
		})
	})

	Context("when interrupted", func() {
		It("stops before the first step without writing anything", func() {
			st.Interrupt()
			res, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())

			Expect(res.Message).To(Equal(trainer.MessageInterrupted))
			Expect(res.Interrupted).To(BeTrue())
			Expect(res.Completed).To(BeFalse())
			Expect(res.GlobalStep).To(BeZero())
			Expect(res.SaveReports).To(BeEmpty())
			Expect(factory.Steps()).To(BeEmpty())
			Expect(afero.Exists(fs, runconfig.Path(cfg.ModelDir))).To(BeFalse())
			Expect(afero.DirExists(fs, filepath.Join(cfg.ModelDir, constants.SamplesDir))).To(BeFalse())
		})

		It("runs the cancel save when the pause is interrupted", func() {
			cfg.NumTrainEpochs = 3
			cfg.EpochPauseFrequency = 1
			cfg.EpochPauseTime = 5
			ticks := 0
			clock := func(time.Duration) <-chan time.Time {
				ticks++
				st.Interrupt()
				ch := make(chan time.Time, 1)
				ch <- time.Now()
				return ch
			}

			res, err := run(cfg, deps(), trainer.WithClock(clock))
			Expect(err).NotTo(HaveOccurred())

			Expect(ticks).To(Equal(1))
			Expect(res.Message).To(Equal(trainer.MessageInterrupted))
			Expect(res.GlobalStep).To(Equal(4))
			Expect(res.SaveReports).To(HaveLen(1))
			Expect(res.SaveReports[0].State).To(Equal(trainer.StateSaveCanceled))
			Expect(res.SaveReports[0].Attempted).To(ContainElement(trainer.KindCheckpoint))
		})

		It("treats a cancelled context like an interrupt", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			res, err := trainer.New(cfg, deps()).Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Eventually(st.Interrupted).Should(BeTrue())
			Expect(res.Completed).To(BeFalse())
		})
	})

	Context("when the UI asks for a save", func() {
		It("renders samples between steps", func() {
			st.RequestSaveSamples()
			res, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())

			Expect(len(res.SaveReports)).To(BeNumerically(">=", 2))
			during := res.SaveReports[0]
			Expect(during.State).To(Equal(trainer.StateSaveDuring))
			Expect(during.Revision).To(Equal(2))
			Expect(during.Attempted).To(Equal([]trainer.ArtifactKind{trainer.KindSamples}))
			Expect(afero.Exists(fs, constants.SamplePath(cfg.ModelDir, 2, 0))).To(BeTrue())
		})
	})

	Context("when a collaborator fails", func() {
		It("records save failures and still completes", func() {
			d := deps()
			d.Pipelines = failingPipelines{}
			res, err := run(cfg, d)
			Expect(err).NotTo(HaveOccurred())

			Expect(res.Completed).To(BeTrue())
			Expect(res.SaveReports).To(HaveLen(1))
			Expect(res.SaveReports[0].FailedKinds()).To(Equal([]trainer.ArtifactKind{trainer.KindPipeline}))
			Expect(res.Samples).To(BeEmpty())
		})

		It("reports an empty dataset", func() {
			Expect(fs.RemoveAll("/data/person")).To(Succeed())
			res, err := run(cfg, deps())
			Expect(errors.Is(err, trainer.ErrEmptyDataset)).To(BeTrue())
			Expect(res.Message).To(Equal(trainer.MessageEmptyDataset))
		})

		It("asks for a restart when the precision changes", func() {
			_, err := run(cfg, deps())
			Expect(err).NotTo(HaveOccurred())

			again := testConfig()
			again.MixedPrecision = "bf16"
			res, err := run(again, deps())
			Expect(errors.Is(err, harness.ErrPrecisionMismatch)).To(BeTrue())
			Expect(res.Message).To(Equal(harness.PrecisionMismatchMessage))
			Expect(res.GlobalStep).To(BeZero())
		})

		It("fails without a base model", func() {
			cfg.PretrainedModelNameOrPath = ""
			res, err := run(cfg, deps())
			Expect(err).To(HaveOccurred())
			Expect(res.Message).To(HavePrefix("Exception loading models"))
		})
	})
})
