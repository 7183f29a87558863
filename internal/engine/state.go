package engine

import (
	"fmt"
	"strings"
	"sync"
)

// PredistorterKind discriminates the two predistorter representations.
type PredistorterKind string

const (
	PredistorterPoly PredistorterKind = "poly"
	PredistorterLUT  PredistorterKind = "lut"
)

// PredistorterData is the correction function pushed to the modulator:
// either AM/AM and AM/PM polynomial coefficients, or a scaled lookup
// table. Kind decides which fields are meaningful; the two variants are
// never mixed.
type PredistorterData struct {
	Kind PredistorterKind `yaml:"kind"`

	CoefsAM []float64 `yaml:"coefs_am,omitempty"`
	CoefsPM []float64 `yaml:"coefs_pm,omitempty"`

	ScaleFactor float64   `yaml:"scalefactor,omitempty"`
	Table       []float64 `yaml:"table,omitempty"`
}

// Clone returns a deep copy.
func (p PredistorterData) Clone() PredistorterData {
	out := p
	out.CoefsAM = append([]float64(nil), p.CoefsAM...)
	out.CoefsPM = append([]float64(nil), p.CoefsPM...)
	out.Table = append([]float64(nil), p.Table...)
	return out
}

// Describe renders a short human-readable summary for logs and status
// output.
func (p PredistorterData) Describe() string {
	switch p.Kind {
	case PredistorterPoly:
		return fmt.Sprintf("Poly: AM/AM %v, AM/PM %v", p.CoefsAM, p.CoefsPM)
	case PredistorterLUT:
		return fmt.Sprintf("LUT: scale %v, %d entries", p.ScaleFactor, len(p.Table))
	default:
		return "Unknown predistorter"
	}
}

// Settings is the transmitter configuration as last known to the engine.
type Settings struct {
	RxGain       float64          `yaml:"rx_gain"`
	TxGain       float64          `yaml:"tx_gain"`
	DigitalGain  float64          `yaml:"digital_gain"`
	Predistorter PredistorterData `yaml:"dpddata"`
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.Predistorter = s.Predistorter.Clone()
	return out
}

// StateLabel names what the worker is currently doing.
type StateLabel string

const (
	StateIdle        StateLabel = "Idle"
	StateCalibration StateLabel = "RX Gain Calibration"
	StateMeasure     StateLabel = "Measure"
	StateModel       StateLabel = "Model"
	StateAdapt       StateLabel = "Adapt"
	StateReport      StateLabel = "Report"
	StateReset       StateLabel = "Reset"
	StateTerminated  StateLabel = "Terminated"
)

// Results is the observability snapshot of the last or current run.
type Results struct {
	TxMedian      float64    `yaml:"tx_median"`
	RxMedian      float64    `yaml:"rx_median"`
	State         StateLabel `yaml:"state"`
	StateProgress int        `yaml:"stateprogress"`
	Summary       []string   `yaml:"summary"`
}

// Clone returns a deep copy.
func (r Results) Clone() Results {
	out := r
	out.Summary = append([]string(nil), r.Summary...)
	return out
}

// SharedState holds the settings and results shared between the control
// channel and the worker, guarded by one mutex. Critical sections are
// short field copies; hardware calls never happen under the lock.
type SharedState struct {
	mu       sync.Mutex
	settings Settings
	results  Results
}

// NewSharedState builds shared state primed with the bootstrap settings.
func NewSharedState(initial Settings) *SharedState {
	return &SharedState{
		settings: initial.Clone(),
		results: Results{
			State:   StateIdle,
			Summary: []string{"DPD has not been calibrated yet"},
		},
	}
}

// Settings returns a snapshot copy.
func (s *SharedState) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

// Results returns a snapshot copy.
func (s *SharedState) Results() Results {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results.Clone()
}

// UpdateSettings runs fn on the settings under the lock. fn must not
// block.
func (s *SharedState) UpdateSettings(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}

// UpdateResults runs fn on the results under the lock. fn must not
// block. Progress is clamped to [0,100] afterwards.
func (s *SharedState) UpdateResults(fn func(*Results)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.results)
	s.results.StateProgress = clampProgress(s.results.StateProgress)
}

// BeginRun switches to a new run state with progress reset to zero.
func (s *SharedState) BeginRun(label StateLabel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results.State = label
	s.results.StateProgress = 0
}

// SetRunState relabels the current run without touching progress, for
// multi-stage runs where progress spans the stages.
func (s *SharedState) SetRunState(label StateLabel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results.State = label
}

// SetProgress advances the progress of the current run. Within one run
// progress never goes backwards, so lower values are ignored.
func (s *SharedState) SetProgress(progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress = clampProgress(progress)
	if progress > s.results.StateProgress {
		s.results.StateProgress = progress
	}
}

// SetSummary replaces the whole summary. Calibration replaces rather
// than appends, so a mid-run reader sees only the latest round.
func (s *SharedState) SetSummary(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results.Summary = append([]string(nil), lines...)
}

// Terminate marks the worker as gone. Called from the worker's
// finalizer regardless of how its loop ended.
func (s *SharedState) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results.State = StateTerminated
	s.results.StateProgress = 0
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// SummaryFromText splits collaborator summary text into summary lines,
// prefixed with a heading.
func SummaryFromText(heading, text string) []string {
	return append([]string{heading}, strings.Split(text, "\n")...)
}
