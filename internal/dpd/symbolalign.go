package dpd

import (
	"fmt"
	"math/cmplx"

	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
)

// Diagnostics computes the per-iteration quality metrics: OFDM symbol
// alignment, modulation error ratio, and spectral shoulder levels.
type Diagnostics struct {
	conf   *GlobalConfig
	logger logging.Logger
}

// NewDiagnostics builds the metric calculators for one DAB mode.
func NewDiagnostics(conf *GlobalConfig, logger logging.Logger) *Diagnostics {
	if logger == nil {
		logger = logging.Default()
	}
	return &Diagnostics{
		conf:   conf,
		logger: logger.With(logging.F("subsystem", "diagnostics")),
	}
}

// SymbolOffset locates the first full OFDM symbol in frame. The DAB
// null symbol carries almost no energy, so the minimum-energy window of
// null-symbol length marks the frame start; the symbol follows the null
// and its guard interval.
func (d *Diagnostics) SymbolOffset(frame []complex128) (int, error) {
	span := d.conf.TNL
	if len(frame) < span+d.conf.TS {
		return 0, fmt.Errorf("frame of %d samples too short for alignment", len(frame))
	}
	search := len(frame) - span - d.conf.TS

	// Prefix sums make every window energy O(1).
	prefix := make([]float64, len(frame)+1)
	for i, v := range frame {
		m := cmplx.Abs(v)
		prefix[i+1] = prefix[i] + m*m
	}

	bestStart := 0
	bestEnergy := prefix[span] - prefix[0]
	for start := 1; start <= search; start++ {
		energy := prefix[start+span] - prefix[start]
		if energy < bestEnergy {
			bestEnergy = energy
			bestStart = start
		}
	}

	offset := bestStart + span + d.conf.TC
	if offset+d.conf.TU > len(frame) {
		return 0, fmt.Errorf("aligned symbol at %d does not fit the frame", offset)
	}
	return offset, nil
}
