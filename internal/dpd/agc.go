package dpd

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/Tubbz-alt/ODR-DabMod/internal/engine"
	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
)

// RX gain limits of the feedback path hardware.
const (
	rxGainMin = 0.0
	rxGainMax = 70.0
)

// Agc steers the feedback RX gain so the received amplitude median
// lands inside the configured window. One Run is one round: measure,
// compute the dB correction, push the new gain. The caller repeats
// rounds until the median converges or the round reports failure.
type Agc struct {
	capture engine.Capture
	adapter engine.HardwareAdapter
	conf    *GlobalConfig
	logger  logging.Logger
}

// NewAgc wires the AGC to the capture source and the gain adapter.
func NewAgc(capture engine.Capture, adapter engine.HardwareAdapter, conf *GlobalConfig, logger logging.Logger) *Agc {
	if logger == nil {
		logger = logging.Default()
	}
	return &Agc{
		capture: capture,
		adapter: adapter,
		conf:    conf,
		logger:  logger.With(logging.F("subsystem", "agc")),
	}
}

// Run executes one AGC round. ok reports whether the RX median already
// sits inside the target window, so the calibration loop can stop
// early when a round cannot improve any further.
func (a *Agc) Run(ctx context.Context) (bool, string, error) {
	m, err := a.capture.GetSamples(ctx)
	if err != nil {
		return false, "", fmt.Errorf("agc measurement: %w", err)
	}
	if m.RxMedian <= 0 {
		return false, "RX median is zero, feedback path is dead", nil
	}

	current, err := a.adapter.RxGain()
	if err != nil {
		return false, "", fmt.Errorf("read rx gain: %w", err)
	}

	correction := 20 * math.Log10(a.conf.TargetMedian/m.RxMedian)
	target := clampGain(current + correction)

	var lines []string
	lines = append(lines, fmt.Sprintf("RX median %.4g, target %.4g", m.RxMedian, a.conf.TargetMedian))
	lines = append(lines, fmt.Sprintf("RX gain %.1f dB, correction %+.1f dB", current, correction))

	inWindow := m.RxMedian >= a.conf.MedianMin && m.RxMedian <= a.conf.MedianMax
	ok := true
	if inWindow {
		lines = append(lines, "RX median inside target window, gain unchanged")
	} else {
		if err := a.adapter.SetRxGain(target); err != nil {
			return false, "", fmt.Errorf("set rx gain: %w", err)
		}
		lines = append(lines, fmt.Sprintf("RX gain set to %.1f dB", target))
		if target == current {
			// Pinned at a range limit; further rounds cannot help.
			lines = append(lines, "RX gain pinned at range limit")
			ok = false
		}
	}

	a.logger.Debug("agc round",
		logging.F("rx_median", m.RxMedian),
		logging.F("rx_gain", target),
		logging.F("in_window", inWindow),
		logging.F("ok", ok))
	return ok, strings.Join(lines, "\n"), nil
}

func clampGain(gain float64) float64 {
	if gain < rxGainMin {
		return rxGainMin
	}
	if gain > rxGainMax {
		return rxGainMax
	}
	return gain
}
