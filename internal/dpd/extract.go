package dpd

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/Tubbz-alt/ODR-DabMod/internal/engine"
)

const (
	// extractBins is the number of TX amplitude bins statistics are
	// accumulated into.
	extractBins = 64
	// extractMaxAmplitude is the upper edge of the binned amplitude
	// range; TX samples are normalized digital amplitudes.
	extractMaxAmplitude = 1.1
	// minPerBin is how many samples a bin needs before it contributes
	// to the fit.
	minPerBin = 5
)

// ExtractStatistic accumulates TX/RX sample pairs across captures,
// binned by TX amplitude, and reduces them to per-bin means the model
// fit consumes. One instance represents one accumulation window; the
// cycle resets it after every fit.
type ExtractStatistic struct {
	sumTx    []float64
	sumRx    []float64
	sumPhase []float64
	perBin   []int
	captures int
}

// NewExtractStatistic builds an empty accumulation window.
func NewExtractStatistic() *ExtractStatistic {
	e := &ExtractStatistic{}
	e.Reset()
	return e
}

// Reset discards all accumulated samples.
func (e *ExtractStatistic) Reset() {
	e.sumTx = make([]float64, extractBins)
	e.sumRx = make([]float64, extractBins)
	e.sumPhase = make([]float64, extractBins)
	e.perBin = make([]int, extractBins)
	e.captures = 0
}

// Count reports how many captures were accumulated since the last
// Reset.
func (e *ExtractStatistic) Count() int { return e.captures }

// Extract folds one aligned TX/RX capture into the accumulation and
// returns the current per-bin means. Bins with fewer than minPerBin
// samples are left out.
func (e *ExtractStatistic) Extract(tx, rx []complex128) (engine.BinnedStats, error) {
	n := len(tx)
	if len(rx) < n {
		n = len(rx)
	}
	if n == 0 {
		return engine.BinnedStats{}, fmt.Errorf("empty capture")
	}

	binWidth := extractMaxAmplitude / extractBins
	for i := 0; i < n; i++ {
		txAbs := cmplx.Abs(tx[i])
		bin := int(txAbs / binWidth)
		if bin < 0 || bin >= extractBins {
			continue
		}
		phase := cmplx.Phase(rx[i]) - cmplx.Phase(tx[i])
		// Wrap into (-pi, pi] so bin means stay meaningful.
		for phase > math.Pi {
			phase -= 2 * math.Pi
		}
		for phase <= -math.Pi {
			phase += 2 * math.Pi
		}
		e.sumTx[bin] += txAbs
		e.sumRx[bin] += cmplx.Abs(rx[i])
		e.sumPhase[bin] += phase
		e.perBin[bin]++
	}
	e.captures++

	var stats engine.BinnedStats
	for bin := 0; bin < extractBins; bin++ {
		if e.perBin[bin] < minPerBin {
			continue
		}
		count := float64(e.perBin[bin])
		stats.Tx = append(stats.Tx, e.sumTx[bin]/count)
		stats.Rx = append(stats.Rx, e.sumRx[bin]/count)
		stats.PhaseDiff = append(stats.PhaseDiff, e.sumPhase[bin]/count)
		stats.PerBin = append(stats.PerBin, e.perBin[bin])
	}
	return stats, nil
}
