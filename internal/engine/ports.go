package engine

import "context"

// Measurement is one aligned TX/RX capture. Ephemeral: produced by the
// capture collaborator, consumed within a single step, never stored.
type Measurement struct {
	TxFrame     []complex128
	RxFrame     []complex128
	TxTimestamp float64
	RxTimestamp float64
	TxMedian    float64
	RxMedian    float64
}

// Capture acquires one aligned TX/RX sample burst from the modulator.
type Capture interface {
	GetSamples(ctx context.Context) (Measurement, error)
}

// BinnedStats is the amplitude-binned view of accumulated captures used
// to fit the correction model.
type BinnedStats struct {
	Tx        []float64
	Rx        []float64
	PhaseDiff []float64
	PerBin    []int
}

// Accumulator grows a cross-capture sample set and reduces it to binned
// statistics. Count reports how many captures have been accumulated
// since the last Reset.
type Accumulator interface {
	Extract(tx, rx []complex128) (BinnedStats, error)
	Count() int
	Reset()
}

// Fitter owns the correction model. Train updates the model from binned
// statistics with the given learning rate; Coefficients returns the
// current predistorter data; Default returns the identity predistorter.
type Fitter interface {
	Train(stats BinnedStats, learningRate float64) error
	Coefficients() PredistorterData
	Default() PredistorterData
}

// HardwareAdapter is the remote-control link to the modulator: startup
// truth reads, coefficient and gain pushes, and durable persistence.
type HardwareAdapter interface {
	TxGain() (float64, error)
	RxGain() (float64, error)
	DigitalGain() (float64, error)
	Predistorter() (PredistorterData, error)

	SetRxGain(gain float64) error
	SetDigitalGain(gain float64) error
	SetPredistorter(data PredistorterData) error

	// Dump persists the current coefficients and gains.
	Dump() error
}

// AGC runs one automatic gain control round for the RX gain. ok reports
// whether the round converged; summary is human-readable multi-line
// text. err is reserved for hardware faults, not for a non-converged
// round.
type AGC interface {
	Run(ctx context.Context) (ok bool, summary string, err error)
}

// Heuristics supplies the per-iteration adaptation schedule.
type Heuristics interface {
	RequiredSamples(iteration int) int
	LearningRate(iteration int) float64
}

// Diagnostics computes the per-iteration report metrics.
type Diagnostics interface {
	// SymbolOffset locates the start of an OFDM symbol in frame.
	SymbolOffset(frame []complex128) (int, error)
	// MER computes the modulation error ratio in dB for the symbol at
	// offset.
	MER(frame []complex128, offset int) (float64, error)
	// ShoulderLevel measures the mean spectral shoulder power in dB.
	ShoulderLevel(frame []complex128) (float64, error)
}
