package trainer

import (
	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
)

// SaveState is the outcome of a save check.
type SaveState int

const (
	StateRunning SaveState = iota
	StateSaveDuring
	StateSaveCompleted
	StateSaveCanceled
)

func (s SaveState) String() string {
	switch s {
	case StateSaveDuring:
		return "SAVE_DURING"
	case StateSaveCompleted:
		return "SAVE_COMPLETED"
	case StateSaveCanceled:
		return "SAVE_CANCELED"
	default:
		return "RUNNING"
	}
}

// ArtifactFlags select the model artifacts written at a save point.
type ArtifactFlags struct {
	Snapshot   bool
	Checkpoint bool
	LoRA       bool
}

// SavePolicy holds the save settings of a run.
type SavePolicy struct {
	// Intervals in epochs; zero or negative disables the kind.
	ModelInterval int
	ImageInterval int

	During ArtifactFlags
	After  ArtifactFlags
	Cancel ArtifactFlags
}

// PolicyFor extracts the save settings of cfg.
func PolicyFor(cfg *runconfig.Config) SavePolicy {
	return SavePolicy{
		ModelInterval: cfg.SaveEmbeddingEvery,
		ImageInterval: cfg.SavePreviewEvery,
		During:        ArtifactFlags{Snapshot: cfg.SaveStateDuring, Checkpoint: cfg.SaveCkptDuring, LoRA: cfg.SaveLoRADuring},
		After:         ArtifactFlags{Snapshot: cfg.SaveStateAfter, Checkpoint: cfg.SaveCkptAfter, LoRA: cfg.SaveLoRAAfter},
		Cancel:        ArtifactFlags{Snapshot: cfg.SaveStateCancel, Checkpoint: cfg.SaveCkptCancel, LoRA: cfg.SaveLoRACancel},
	}
}

// PolicyInput is everything a save check looks at.
type PolicyInput struct {
	SessionEpoch  int
	EpochLimit    int
	LastModelSave int
	LastImageSave int
	GlobalStep    int
	Interrupted   bool
	// EpochCheck is false for checks between steps, which only honor
	// on-demand requests.
	EpochCheck bool
	// FinalSaved is set once the completion or cancel save has run.
	FinalSaved bool

	SaveModelRequested   bool
	SaveSamplesRequested bool
}

// SaveDecision says what to write and carries the updated markers.
type SaveDecision struct {
	State         SaveState
	SaveModel     bool
	SaveImages    bool
	Artifacts     ArtifactFlags
	LastModelSave int
	LastImageSave int
	// Final is set on the decision that performs the run's terminal save.
	Final bool
}

// Any reports whether the decision writes anything.
func (d SaveDecision) Any() bool {
	return d.SaveModel || d.SaveImages || d.Artifacts != ArtifactFlags{}
}

// Evaluate decides the save of one check. It has no side effects; the
// caller stores the returned markers.
func (p SavePolicy) Evaluate(in PolicyInput) SaveDecision {
	d := SaveDecision{
		State:         StateRunning,
		LastModelSave: in.LastModelSave,
		LastImageSave: in.LastImageSave,
	}

	if !in.EpochCheck {
		if in.Interrupted {
			return d
		}
		d.SaveModel = in.SaveModelRequested
		d.SaveImages = in.SaveSamplesRequested
		if d.SaveModel {
			d.Artifacts = p.During
		}
		if d.Any() {
			d.State = StateSaveDuring
		}
		return d
	}

	canceled := in.Interrupted
	completed := in.SessionEpoch >= in.EpochLimit

	switch {
	case canceled || completed:
		d.State = StateSaveCompleted
		if canceled {
			d.State = StateSaveCanceled
		}
		if in.FinalSaved {
			return d
		}
		d.Final = true
		if in.GlobalStep > 0 {
			d.SaveModel = true
			d.SaveImages = true
		}
	default:
		if 0 < p.ModelInterval && p.ModelInterval <= in.SessionEpoch-in.LastModelSave {
			d.SaveModel = true
			d.LastModelSave = in.SessionEpoch
		}
		if 0 < p.ImageInterval && p.ImageInterval <= in.SessionEpoch-in.LastImageSave {
			d.SaveImages = true
			d.LastImageSave = in.SessionEpoch
		}
	}

	if in.SaveSamplesRequested {
		d.SaveImages = true
	}
	if in.SaveModelRequested {
		d.SaveModel = true
	}

	if d.SaveModel {
		switch d.State {
		case StateSaveCanceled:
			if in.GlobalStep > 0 {
				d.Artifacts = p.Cancel
			}
		case StateSaveCompleted:
			if in.GlobalStep > 0 {
				d.Artifacts = p.After
			}
		default:
			d.Artifacts = p.During
		}
	}

	if d.State == StateRunning && d.Any() {
		d.State = StateSaveDuring
	}
	return d
}
