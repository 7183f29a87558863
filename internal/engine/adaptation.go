package engine

import (
	"context"
	"fmt"

	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
)

type cycleState int

const (
	cycleMeasure cycleState = iota
	cycleModel
	cycleAdapt
	cycleReport
)

func (s cycleState) label() StateLabel {
	switch s {
	case cycleModel:
		return StateModel
	case cycleAdapt:
		return StateAdapt
	case cycleReport:
		return StateReport
	default:
		return StateMeasure
	}
}

// AdaptationCycle is the measure/model/adapt/report state machine. It
// accumulates captures until the heuristic sample budget for the current
// iteration is met, fits the correction model, pushes the new
// coefficients to the modulator, and reports quality metrics. Faults are
// contained per iteration: whatever goes wrong, the iteration counter
// advances and the next state is Measure.
type AdaptationCycle struct {
	capture    Capture
	stats      Accumulator
	fitter     Fitter
	adapter    HardwareAdapter
	heuristics Heuristics
	diag       Diagnostics
	shared     *SharedState
	logger     logging.Logger

	// budget is how many iterations one trigger_run command drives.
	budget int

	state        cycleState
	iteration    int
	pending      BinnedStats
	hasPending   bool
	coefficients PredistorterData
}

// NewAdaptationCycle wires the cycle to its collaborators. budget is the
// number of iterations per Run call; values below one mean one.
func NewAdaptationCycle(capture Capture, stats Accumulator, fitter Fitter,
	adapter HardwareAdapter, heuristics Heuristics, diag Diagnostics,
	shared *SharedState, budget int, logger logging.Logger) *AdaptationCycle {
	if logger == nil {
		logger = logging.Default()
	}
	if budget < 1 {
		budget = 1
	}
	return &AdaptationCycle{
		capture:    capture,
		stats:      stats,
		fitter:     fitter,
		adapter:    adapter,
		heuristics: heuristics,
		diag:       diag,
		shared:     shared,
		budget:     budget,
		logger:     logger.With(logging.F("subsystem", "adaptation")),
	}
}

// Iteration returns the number of completed (or skipped) iterations.
func (c *AdaptationCycle) Iteration() int { return c.iteration }

// Run drives the cycle for the configured iteration budget, or until ctx
// is cancelled.
func (c *AdaptationCycle) Run(ctx context.Context) {
	for n := 0; n < c.budget; n++ {
		if ctx.Err() != nil {
			return
		}
		c.RunIteration(ctx)
	}
	c.shared.BeginRun(StateIdle)
}

// RunIteration executes states until exactly one iteration completes,
// successfully or not.
func (c *AdaptationCycle) RunIteration(ctx context.Context) {
	start := c.iteration
	c.shared.BeginRun(StateMeasure)
	for c.iteration == start {
		if ctx.Err() != nil {
			return
		}
		if err := c.step(ctx); err != nil {
			// Iteration poisoned: count it so a persistent fault
			// cannot spin the cycle in place, then re-measure.
			c.logger.Error("iteration failed",
				logging.F("iteration", c.iteration),
				logging.F("state", c.state.label()),
				logging.F("kind", KindOf(err)),
				logging.F("error", err))
			c.iteration++
			c.state = cycleMeasure
		}
	}
}

// step runs one state transition. Collaborator panics are contained
// here so a bad capture or fit cannot kill the worker.
func (c *AdaptationCycle) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Faultf(KindCapture, "panic in %s: %v", c.state.label(), r)
		}
	}()

	switch c.state {
	case cycleMeasure:
		return c.measure(ctx)
	case cycleModel:
		return c.model()
	case cycleAdapt:
		return c.adapt()
	case cycleReport:
		c.report(ctx)
		return nil
	default:
		return Faultf(KindWorkerFatal, "unknown cycle state %d", c.state)
	}
}

// measure acquires one capture, feeds the accumulator, and advances to
// Model once the heuristic sample budget for this iteration is met.
func (c *AdaptationCycle) measure(ctx context.Context) error {
	m, err := c.capture.GetSamples(ctx)
	if err != nil {
		return WrapFault(KindCapture, fmt.Errorf("get samples: %w", err))
	}
	stats, err := c.stats.Extract(m.TxFrame, m.RxFrame)
	if err != nil {
		return WrapFault(KindCapture, fmt.Errorf("extract statistics: %w", err))
	}
	c.pending = stats
	c.hasPending = true

	required := c.heuristics.RequiredSamples(c.iteration)
	count := c.stats.Count()
	if required > 0 {
		c.shared.SetProgress(40 * count / required)
	}
	c.logger.Debug("capture accumulated",
		logging.F("iteration", c.iteration),
		logging.F("accumulated", count),
		logging.F("required", required))
	if count >= required {
		c.state = cycleModel
	}
	return nil
}

// model fits the predistortion model from the accumulated statistics and
// starts a fresh accumulation window.
func (c *AdaptationCycle) model() error {
	if !c.hasPending || c.stats.Count() == 0 {
		// Soft retry: nothing accumulated, go back to measuring.
		c.logger.Error("no data to calculate model",
			logging.F("iteration", c.iteration),
			logging.F("kind", KindModel))
		c.state = cycleMeasure
		return nil
	}
	c.shared.SetRunState(StateModel)
	c.shared.SetProgress(50)

	lr := c.heuristics.LearningRate(c.iteration)
	if err := c.fitter.Train(c.pending, lr); err != nil {
		return WrapFault(KindModel, fmt.Errorf("train model: %w", err))
	}
	c.coefficients = c.fitter.Coefficients()
	c.stats.Reset()
	c.hasPending = false
	c.state = cycleAdapt
	return nil
}

// adapt pushes the freshly fitted coefficients to the modulator.
func (c *AdaptationCycle) adapt() error {
	c.shared.SetRunState(StateAdapt)
	c.shared.SetProgress(75)
	if err := c.adapter.SetPredistorter(c.coefficients); err != nil {
		return WrapFault(KindCapture, fmt.Errorf("push predistorter: %w", err))
	}
	c.state = cycleReport
	return nil
}

// report measures once more, persists the run, and logs one structured
// record with every quality metric. A failure here is logged and the
// iteration still counts as completed.
func (c *AdaptationCycle) report(ctx context.Context) {
	c.shared.SetRunState(StateReport)
	c.shared.SetProgress(90)

	if err := c.collectReport(ctx); err != nil {
		c.logger.Error("report failed",
			logging.F("iteration", c.iteration),
			logging.F("kind", KindReport),
			logging.F("error", err))
	}

	c.iteration++
	c.state = cycleMeasure
	c.shared.SetProgress(100)
}

func (c *AdaptationCycle) collectReport(ctx context.Context) error {
	m, err := c.capture.GetSamples(ctx)
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("report measurement: %w", err))
	}
	if err := c.adapter.Dump(); err != nil {
		return WrapFault(KindReport, fmt.Errorf("persist coefficients: %w", err))
	}

	off, err := c.diag.SymbolOffset(m.TxFrame)
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("symbol offset: %w", err))
	}
	txMER, err := c.diag.MER(m.TxFrame, off)
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("tx mer: %w", err))
	}
	rxMER, err := c.diag.MER(m.RxFrame, off)
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("rx mer: %w", err))
	}
	txShoulder, err := c.diag.ShoulderLevel(m.TxFrame)
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("tx shoulders: %w", err))
	}
	rxShoulder, err := c.diag.ShoulderLevel(m.RxFrame)
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("rx shoulders: %w", err))
	}
	txGain, err := c.adapter.TxGain()
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("read tx gain: %w", err))
	}
	rxGain, err := c.adapter.RxGain()
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("read rx gain: %w", err))
	}
	digitalGain, err := c.adapter.DigitalGain()
	if err != nil {
		return WrapFault(KindReport, fmt.Errorf("read digital gain: %w", err))
	}

	mse := meanSquaredError(m.TxFrame, m.RxFrame)
	lr := c.heuristics.LearningRate(c.iteration)

	c.shared.UpdateResults(func(r *Results) {
		r.TxMedian = m.TxMedian
		r.RxMedian = m.RxMedian
		r.Summary = []string{
			fmt.Sprintf("Adaptation iteration %d:", c.iteration),
			fmt.Sprintf("TX MER %.2f dB, RX MER %.2f dB", txMER, rxMER),
			fmt.Sprintf("TX shoulder %.2f dB, RX shoulder %.2f dB", txShoulder, rxShoulder),
			fmt.Sprintf("MSE %.3g", mse),
		}
	})

	c.logger.Info("adaptation report",
		logging.F("iteration", c.iteration),
		logging.F("tx_mer", txMER),
		logging.F("rx_mer", rxMER),
		logging.F("tx_shoulder", txShoulder),
		logging.F("rx_shoulder", rxShoulder),
		logging.F("mse", mse),
		logging.F("tx_gain", txGain),
		logging.F("rx_gain", rxGain),
		logging.F("digital_gain", digitalGain),
		logging.F("tx_median", m.TxMedian),
		logging.F("rx_median", m.RxMedian),
		logging.F("symbol_offset", off),
		logging.F("learning_rate", lr))

	switch c.coefficients.Kind {
	case PredistorterPoly:
		c.logger.Info("model coefficients",
			logging.F("iteration", c.iteration),
			logging.F("coefs_am", c.coefficients.CoefsAM),
			logging.F("coefs_pm", c.coefficients.CoefsPM))
	case PredistorterLUT:
		c.logger.Info("model coefficients",
			logging.F("iteration", c.iteration),
			logging.F("scalefactor", c.coefficients.ScaleFactor),
			logging.F("lut_entries", len(c.coefficients.Table)))
	}
	return nil
}

func meanSquaredError(tx, rx []complex128) float64 {
	n := len(tx)
	if len(rx) < n {
		n = len(rx)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := tx[i] - rx[i]
		sum += real(d)*real(d) + imag(d)*imag(d)
	}
	return sum / float64(n)
}
