package trainer

import (
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/atzemis13/sd-dreambooth-extension/pkg/runconfig"
)

// ArtifactKind names one thing a save point writes.
type ArtifactKind string

const (
	KindConfig     ArtifactKind = "config"
	KindPipeline   ArtifactKind = "pipeline"
	KindSnapshot   ArtifactKind = "snapshot"
	KindModel      ArtifactKind = "model"
	KindLoRA       ArtifactKind = "lora"
	KindCheckpoint ArtifactKind = "checkpoint"
	KindSamples    ArtifactKind = "samples"
)

// SaveReport is the outcome of one save point. Failures never stop the
// run; they are listed here per artifact kind.
type SaveReport struct {
	State     SaveState               `json:"-"`
	StateName string                  `json:"state"`
	Revision  int                     `json:"revision"`
	Attempted []ArtifactKind          `json:"attempted"`
	Failures  map[ArtifactKind]string `json:"failures,omitempty"`
	Artifacts []string                `json:"artifacts,omitempty"`
	errs      map[ArtifactKind]error
}

func newSaveReport(state SaveState, revision int) *SaveReport {
	return &SaveReport{State: state, StateName: state.String(), Revision: revision}
}

// record notes an attempt of kind. Artifacts of a failed attempt are
// dropped, except for samples where the rendered images still count.
func (r *SaveReport) record(kind ArtifactKind, err error, artifacts ...string) {
	r.Attempted = append(r.Attempted, kind)
	if err != nil {
		if r.errs == nil {
			r.errs = map[ArtifactKind]error{}
			r.Failures = map[ArtifactKind]string{}
		}
		if prev, ok := r.errs[kind]; ok {
			err = multierror.Append(prev, err)
		}
		r.errs[kind] = err
		r.Failures[kind] = err.Error()
		if kind != KindSamples {
			return
		}
	}
	for _, a := range artifacts {
		if a != "" {
			r.Artifacts = append(r.Artifacts, a)
		}
	}
}

// OK reports whether every attempted artifact was written.
func (r *SaveReport) OK() bool {
	return len(r.Failures) == 0
}

// FailedKinds lists the failed kinds in name order.
func (r *SaveReport) FailedKinds() []ArtifactKind {
	kinds := make([]ArtifactKind, 0, len(r.Failures))
	for k := range r.Failures {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Err aggregates the failures, or nil.
func (r *SaveReport) Err() error {
	var result *multierror.Error
	for _, k := range r.FailedKinds() {
		if err := r.errs[k]; err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Result is the single outcome of a run, filled in on every exit path.
type Result struct {
	RunID       string            `json:"run_id"`
	Config      *runconfig.Config `json:"config"`
	Message     string            `json:"message"`
	Samples     []string          `json:"samples"`
	Prompts     []string          `json:"prompts"`
	SaveReports []*SaveReport     `json:"save_reports"`
	GlobalStep  int               `json:"global_step"`
	Completed   bool              `json:"completed"`
	Interrupted bool              `json:"interrupted"`
}

// Artifacts lists every file written by the run's save points.
func (r *Result) Artifacts() []string {
	var out []string
	for _, rep := range r.SaveReports {
		out = append(out, rep.Artifacts...)
	}
	return out
}
