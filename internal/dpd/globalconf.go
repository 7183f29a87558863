// Package dpd implements the signal-processing and hardware-facing
// collaborators the computation engine drives: sample capture from the
// modulator's DPD tap, statistic accumulation, the polynomial
// predistortion model, the remote-control adapter, RX gain AGC, and the
// quality diagnostics (symbol alignment, MER, shoulder levels).
package dpd

import "fmt"

// baseSampleRate is the native DAB sample rate all transmission frame
// constants are defined at.
const baseSampleRate = 2048000

// GlobalConfig carries the DAB transmission mode I timing constants,
// scaled to the configured sample rate.
type GlobalConfig struct {
	SampleRate int

	// TF is the transmission frame length in samples.
	TF int
	// TNL is the null symbol length.
	TNL int
	// TS is the full symbol length (useful part plus guard).
	TS int
	// TU is the useful symbol length, also the FFT size.
	TU int
	// TC is the guard interval length.
	TC int
	// Carriers is the number of occupied OFDM carriers.
	Carriers int

	// TargetMedian is the RX amplitude median the AGC steers toward.
	TargetMedian float64
	// MedianMax and MedianMin bound the acceptable RX median window.
	MedianMax float64
	MedianMin float64
}

// NewGlobalConfig derives the timing constants for the given sample
// rate. Only integer multiples of the native 2048000 S/s rate are
// representable without fractional sample counts.
func NewGlobalConfig(sampleRate int) (*GlobalConfig, error) {
	if sampleRate <= 0 || sampleRate%baseSampleRate != 0 {
		return nil, fmt.Errorf("samplerate %d is not a multiple of %d", sampleRate, baseSampleRate)
	}
	oversample := sampleRate / baseSampleRate

	target := 0.05
	return &GlobalConfig{
		SampleRate:   sampleRate,
		TF:           oversample * 196608,
		TNL:          oversample * 2656,
		TS:           oversample * 2552,
		TU:           oversample * 2048,
		TC:           oversample * 504,
		Carriers:     1536,
		TargetMedian: target,
		MedianMax:    target * 1.4,
		MedianMin:    target / 1.4,
	}, nil
}
