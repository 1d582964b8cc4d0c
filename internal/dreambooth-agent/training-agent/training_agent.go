package training_agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/afero"

	fsutil "github.com/atzemis13/sd-dreambooth-extension/pkg/afero"
	dslocal "github.com/atzemis13/sd-dreambooth-extension/pkg/dataset/local"
	dlocal "github.com/atzemis13/sd-dreambooth-extension/pkg/diffusion/local"
	hlocal "github.com/atzemis13/sd-dreambooth-extension/pkg/harness/local"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/logging"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/metrics"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/publish"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/status"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/trainer"
	"github.com/atzemis13/sd-dreambooth-extension/pkg/version"
)

// TrainingAgent runs one DreamBooth training run with its status API,
// control-file watcher, metrics dump and artifact publishing around it.
type TrainingAgent struct {
	logger    logging.Interface
	Config    Config
	status    *status.Status
	metrics   *metrics.Metrics
	publisher publish.Publisher
}

// Report is what the agent writes to the result file.
type Report struct {
	*trainer.Result
	Published    []string `json:"published,omitempty"`
	PublishError string   `json:"publish_error,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// NewTrainingAgent constructs a new training agent from the given configuration.
func NewTrainingAgent(config *Config) (*TrainingAgent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("training agent config invalid: %v", err)
	}
	if config.AnotherLogger == nil {
		config.AnotherLogger = logging.Discard()
	}

	publisher, err := publish.New(context.Background(), config.Publish, config.Fs, config.AnotherLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	return &TrainingAgent{
		logger:    config.AnotherLogger,
		Config:    *config,
		status:    status.New(),
		metrics:   metrics.NewMetrics(config.Registry),
		publisher: publisher,
	}, nil
}

// Status is the live status of the run.
func (d *TrainingAgent) Status() *status.Status {
	return d.status
}

// Start runs training until it completes, is interrupted or ctx is done,
// then dumps metrics, publishes artifacts and writes the result file.
// SIGINT and SIGTERM interrupt the run the same way the UI does.
func (d *TrainingAgent) Start(ctx context.Context) (*Report, error) {
	cfg := d.Config.Training
	d.logger.Infof("Starting DreamBooth Training Agent %s for %s", version.String(), cfg.ModelName)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sidecars, cancelSidecars := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelSidecars()
		wg.Wait()
	}()
	d.startStatusServer(sidecars, &wg)
	d.startControlWatcher(sidecars, &wg)

	opts := []trainer.Option{trainer.WithProcess(d.Config.NumProcesses, d.Config.ProcessIndex)}
	if d.Config.RunID != "" {
		opts = append(opts, trainer.WithRunID(d.Config.RunID))
	}
	result, runErr := trainer.New(cfg, d.deps(), opts...).Run(runCtx)
	d.logger.WithField("run_id", result.RunID).Info(result.Message)

	report := &Report{Result: result}
	if runErr != nil {
		report.Error = runErr.Error()
	}

	if err := metrics.WriteTextfile(d.Config.Fs, d.Config.MetricsTextfile, d.Config.Registry); err != nil {
		d.logger.WithError(err).Warn("Failed to write metrics textfile")
	}

	// Publishing and the result file run even after a signal.
	tail := context.WithoutCancel(ctx)
	d.publishArtifacts(tail, report)
	if err := d.writeReport(report); err != nil {
		d.logger.WithError(err).Error("Failed to write result file")
	}
	return report, runErr
}

func (d *TrainingAgent) deps() trainer.Deps {
	fs := d.Config.Fs
	loader := &dlocal.Loader{Fs: fs}
	pipelines := &dlocal.PipelineFactory{Fs: fs}
	return trainer.Deps{
		Fs:         fs,
		Harnesses:  &hlocal.Factory{Fs: fs, Logger: d.logger},
		Loader:     loader,
		Optimizers: dlocal.OptimizerFactory{},
		Pipelines:  pipelines,
		Compiler:   &dlocal.Compiler{Fs: fs},
		Resolver:   &dslocal.Resolver{Fs: fs, Loader: loader, Pipelines: pipelines, Logger: d.logger},
		Datasets:   &dslocal.Generator{Fs: fs},
		Status:     d.status,
		Metrics:    d.metrics,
		Logger:     d.logger,
		Progress:   os.Stderr,
	}
}

func (d *TrainingAgent) startStatusServer(ctx context.Context, wg *sync.WaitGroup) {
	if d.Config.StatusAddress == "" {
		return
	}
	server := status.NewServer(d.status, d.Config.Registry, d.logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(ctx, d.Config.StatusAddress); err != nil {
			d.logger.WithError(err).Error("Status API stopped")
		}
	}()
}

func (d *TrainingAgent) startControlWatcher(ctx context.Context, wg *sync.WaitGroup) {
	if !d.Config.WatchControl {
		return
	}
	modelDir, ok := hostPath(d.Config.Fs, d.Config.Training.ModelDir)
	if !ok {
		d.logger.Warn("Control files need a host filesystem, not watching")
		return
	}
	watcher, err := status.NewControlWatcher(modelDir, d.status, d.logger)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to watch control files")
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			d.logger.WithError(err).Warn("Control watcher stopped")
		}
	}()
}

func (d *TrainingAgent) publishArtifacts(ctx context.Context, report *Report) {
	if d.publisher == nil {
		return
	}
	paths := report.Artifacts()
	if len(paths) == 0 {
		d.logger.Info("Nothing to publish")
		return
	}

	if d.Config.Publish.Type == publish.TypeDir {
		for i, p := range paths {
			host, ok := hostPath(d.Config.Fs, p)
			if !ok {
				report.PublishError = "directory publishing needs a host filesystem"
				d.logger.Warn(report.PublishError)
				return
			}
			paths[i] = host
		}
	}

	base := d.Config.Training.ModelDir
	if host, ok := hostPath(d.Config.Fs, base); ok && d.Config.Publish.Type == publish.TypeDir {
		base = host
	}
	locations, err := d.publisher.Publish(ctx, publish.ArtifactsFor(base, paths...))
	report.Published = locations
	if err != nil {
		report.PublishError = err.Error()
		d.logger.WithError(err).Error("Failed to publish artifacts")
		return
	}
	d.logger.Infof("Published %d artifact(s)", len(locations))
}

func (d *TrainingAgent) writeReport(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	return fsutil.WriteFileAtomic(d.Config.Fs, d.Config.ResultFile, data, 0o644)
}

// hostPath maps a path of fs to the host filesystem. It fails for
// filesystems that do not live on the host.
func hostPath(fs afero.Fs, path string) (string, bool) {
	switch f := fs.(type) {
	case *afero.OsFs:
		return path, true
	case *afero.BasePathFs:
		p, err := f.RealPath(path)
		return p, err == nil
	default:
		return "", false
	}
}
