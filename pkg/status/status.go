// Package status holds the live training status shared with the host UI,
// and the two ways the UI talks back: an HTTP API and control files.
package status

import (
	"sync"
	"time"
)

// Status is the live status of the current run. The controller writes
// progress; the HTTP server and the control watcher raise flags. All
// methods are safe for concurrent use.
type Status struct {
	mu   sync.RWMutex
	view View

	interrupted   bool
	doSaveModel   bool
	doSaveSamples bool
}

// View is a point-in-time copy of Status, shaped for JSON.
type View struct {
	Active        bool      `json:"active"`
	RunID         string    `json:"run_id,omitempty"`
	Step          int       `json:"step"`
	MaxSteps      int       `json:"max_steps"`
	Revision      int       `json:"revision"`
	Epoch         int       `json:"epoch"`
	TextInfo      string    `json:"textinfo"`
	TextInfo2     string    `json:"textinfo2"`
	SampleImages  []string  `json:"sample_images"`
	SamplePrompts []string  `json:"sample_prompts"`
	Interrupted   bool      `json:"interrupted"`
	DoSaveModel   bool      `json:"do_save_model"`
	DoSaveSamples bool      `json:"do_save_samples"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// New returns an idle status.
func New() *Status {
	return &Status{}
}

// Begin resets the status for a new run. Flags raised before the run
// started are kept so an early interrupt is not lost.
func (s *Status) Begin(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = View{Active: true, RunID: runID, UpdatedAt: time.Now()}
}

// End marks the run finished.
func (s *Status) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.Active = false
	s.view.UpdatedAt = time.Now()
}

// Interrupt asks the run to stop at the next check.
func (s *Status) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = true
}

// Interrupted reports whether an interrupt was requested.
func (s *Status) Interrupted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interrupted
}

// RequestSaveModel raises the on-demand model save flag.
func (s *Status) RequestSaveModel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doSaveModel = true
}

// RequestSaveSamples raises the on-demand preview flag.
func (s *Status) RequestSaveSamples() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doSaveSamples = true
}

// SaveRequested peeks at the on-demand flags without consuming them.
func (s *Status) SaveRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doSaveModel || s.doSaveSamples
}

// TakeSaveRequests returns and clears the on-demand flags.
func (s *Status) TakeSaveRequests() (model, samples bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	model, samples = s.doSaveModel, s.doSaveSamples
	s.doSaveModel, s.doSaveSamples = false, false
	return model, samples
}

// Progress is one progress update.
type Progress struct {
	Step     int
	MaxSteps int
	Revision int
	Epoch    int
}

// SetProgress records the counters of the run.
func (s *Status) SetProgress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.Step = p.Step
	s.view.MaxSteps = p.MaxSteps
	s.view.Revision = p.Revision
	s.view.Epoch = p.Epoch
	s.view.UpdatedAt = time.Now()
}

// SetText updates the two status lines.
func (s *Status) SetText(info, info2 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info != "" {
		s.view.TextInfo = info
	}
	if info2 != "" {
		s.view.TextInfo2 = info2
	}
	s.view.UpdatedAt = time.Now()
}

// SetSamples replaces the last rendered samples.
func (s *Status) SetSamples(images, prompts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.SampleImages = append([]string(nil), images...)
	s.view.SamplePrompts = append([]string(nil), prompts...)
	s.view.UpdatedAt = time.Now()
}

// Snapshot copies the current status.
func (s *Status) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.view
	v.SampleImages = append([]string(nil), s.view.SampleImages...)
	v.SamplePrompts = append([]string(nil), s.view.SamplePrompts...)
	v.Interrupted = s.interrupted
	v.DoSaveModel = s.doSaveModel
	v.DoSaveSamples = s.doSaveSamples
	return v
}
