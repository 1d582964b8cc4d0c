package constants

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Agent Constants
var (
	AgentName    = "dreambooth-agent"
	AgentAppName = "DREAMBOOTH_AGENT"
)

// Model directory layout
const (
	ConfigFileName  = "db_config.json"
	CheckpointsDir  = "checkpoints"
	SnapshotPrefix  = "checkpoint-"
	WorkingDir      = "working"
	SamplesDir      = "samples"
	SamplePrefix    = "sample_"
	LoggingDir      = "logging"
	ControlDir      = "control"
	ResultFileName  = "result.json"
	MetricsFileName = "metrics.prom"
	LoRAExtension   = ".pt"
	LoRATextSuffix  = "_txt"
	CompiledExt     = ".zip"
)

// Control file names under <model_dir>/control. Creating one of them raises
// the matching live-status flag.
const (
	ControlInterrupt   = "interrupt"
	ControlSaveModel   = "save_model"
	ControlSaveSamples = "save_samples"
)

// Training constants
const (
	// LatentScaleFactor matches the latent statistics of the SD autoencoder.
	LatentScaleFactor = 0.18215

	DefaultPriorLossTarget    = 150
	DefaultPriorLossWeightMin = 0.1

	// MaxRandomSeed bounds seeds drawn for samples configured with seed -1.
	MaxRandomSeed int64 = 21474836147

	DefaultMaxTokenLength = 75
	ModelMaxTokenLength   = 77

	// SnapshotLatest resumes from the revision stored in the run config.
	SnapshotLatest = "latest"
)

// SnapshotDir is the harness snapshot directory for revision.
func SnapshotDir(modelDir string, revision int) string {
	return filepath.Join(modelDir, CheckpointsDir, SnapshotPrefix+strconv.Itoa(revision))
}

// ParseSnapshotDir returns the revision encoded in a snapshot directory name.
func ParseSnapshotDir(name string) (int, error) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, SnapshotPrefix) {
		return 0, fmt.Errorf("%q is not a snapshot directory", base)
	}
	rev, err := strconv.Atoi(strings.TrimPrefix(base, SnapshotPrefix))
	if err != nil || rev < 0 {
		return 0, fmt.Errorf("%q does not encode a revision", base)
	}
	return rev, nil
}

// SamplePath is the preview image path for the index-th prompt at revision.
func SamplePath(modelDir string, revision, index int) string {
	return filepath.Join(modelDir, SamplesDir, fmt.Sprintf("%s%d-%d.png", SamplePrefix, revision, index))
}

// LoRAPath is the adapter export path for the denoiser or, when text is set,
// the text encoder.
func LoRAPath(loraDir, modelName string, revision int, text bool) string {
	name := fmt.Sprintf("%s_%d", modelName, revision)
	if text {
		name += LoRATextSuffix
	}
	return filepath.Join(loraDir, name+LoRAExtension)
}

// ControlFile is the path of a control flag file.
func ControlFile(modelDir, name string) string {
	return filepath.Join(modelDir, ControlDir, name)
}
