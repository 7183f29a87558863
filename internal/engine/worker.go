package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
)

// calibrationRounds is how many AGC rounds one calibrate command runs at
// most. Calibration stops early on the first round that fails to
// converge; partial success is still a completed calibration.
const calibrationRounds = 5

// resetDigitalGain is the safe digital gain applied by a reset. Low
// enough that an uncorrected amplifier stays in its linear region.
const resetDigitalGain = 0.01

// Worker is the single background goroutine executing calibration and
// adaptation. It is the only writer of SharedState after bootstrap.
type Worker struct {
	shared  *SharedState
	queue   *CommandQueue
	capture Capture
	adapter HardwareAdapter
	agc     AGC
	fitter  Fitter
	cycle   *AdaptationCycle
	logger  logging.Logger

	done chan struct{}
}

// NewWorker wires the worker to its collaborators.
func NewWorker(shared *SharedState, queue *CommandQueue, capture Capture,
	adapter HardwareAdapter, agc AGC, fitter Fitter, cycle *AdaptationCycle,
	logger logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		shared:  shared,
		queue:   queue,
		capture: capture,
		adapter: adapter,
		agc:     agc,
		fitter:  fitter,
		cycle:   cycle,
		logger:  logger.With(logging.F("subsystem", "worker")),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Join blocks until the worker goroutine has exited.
func (w *Worker) Join() {
	<-w.done
}

// Stopped is closed once the worker goroutine has exited.
func (w *Worker) Stopped() <-chan struct{} {
	return w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	// Whatever way the loop ends, readers must see the worker as gone.
	defer w.shared.Terminate()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic",
				logging.F("kind", KindWorkerFatal),
				logging.F("panic", r))
		}
	}()

	for {
		cmd := w.queue.Receive()
		w.logger.Debug("command dequeued", logging.F("command", cmd))

		var err error
		switch cmd {
		case CommandQuit:
			return
		case CommandCalibrate:
			err = w.calibrate(ctx)
		case CommandReset:
			err = w.reset()
		case CommandTriggerRun:
			w.cycle.Run(ctx)
		}
		if err != nil {
			// A fault escaping dispatch kills the worker; the
			// finalizer publishes Terminated.
			w.logger.Error("worker fatal",
				logging.F("command", cmd),
				logging.F("kind", KindOf(err)),
				logging.F("error", err))
			return
		}
	}
}

// calibrate runs the RX gain calibration state machine: up to
// calibrationRounds AGC rounds, then one final measurement, then a
// refresh of the gain settings from hardware truth.
func (w *Worker) calibrate(ctx context.Context) error {
	w.shared.BeginRun(StateCalibration)

	var summary []string
	for i := 0; i < calibrationRounds; i++ {
		ok, text, err := w.agc.Run(ctx)
		if err != nil {
			return WrapFault(KindWorkerFatal, fmt.Errorf("agc round %d: %w", i, err))
		}
		summary = SummaryFromText(fmt.Sprintf("calibration run %d:", i), text)
		w.shared.SetSummary(summary)
		w.shared.SetProgress(int(math.Round(float64(i+1) * 100 / calibrationRounds)))
		if !ok {
			w.logger.Info("calibration stopped early", logging.F("round", i))
			break
		}
	}

	m, err := w.capture.GetSamples(ctx)
	if err != nil {
		return WrapFault(KindWorkerFatal, fmt.Errorf("final calibration measurement: %w", err))
	}
	rxGain, err := w.adapter.RxGain()
	if err != nil {
		return WrapFault(KindWorkerFatal, fmt.Errorf("read rx gain: %w", err))
	}
	digitalGain, err := w.adapter.DigitalGain()
	if err != nil {
		return WrapFault(KindWorkerFatal, fmt.Errorf("read digital gain: %w", err))
	}

	w.shared.UpdateSettings(func(s *Settings) {
		s.RxGain = rxGain
		s.DigitalGain = digitalGain
	})
	w.shared.UpdateResults(func(r *Results) {
		r.TxMedian = m.TxMedian
		r.RxMedian = m.RxMedian
		r.State = StateIdle
		r.StateProgress = 0
		r.Summary = append([]string{"Calibration was done:"}, summary...)
	})
	w.logger.Info("calibration finished",
		logging.F("rx_gain", rxGain),
		logging.F("digital_gain", digitalGain),
		logging.F("tx_median", m.TxMedian),
		logging.F("rx_median", m.RxMedian))
	return nil
}

// reset restores the safe defaults on the live modulator: minimal
// digital gain, zero RX gain, identity predistorter.
func (w *Worker) reset() error {
	w.shared.BeginRun(StateReset)

	if err := w.adapter.SetDigitalGain(resetDigitalGain); err != nil {
		return WrapFault(KindWorkerFatal, fmt.Errorf("reset digital gain: %w", err))
	}
	if err := w.adapter.SetRxGain(0); err != nil {
		return WrapFault(KindWorkerFatal, fmt.Errorf("reset rx gain: %w", err))
	}
	identity := w.fitter.Default()
	if err := w.adapter.SetPredistorter(identity); err != nil {
		return WrapFault(KindWorkerFatal, fmt.Errorf("reset predistorter: %w", err))
	}

	w.shared.UpdateSettings(func(s *Settings) {
		s.DigitalGain = resetDigitalGain
		s.RxGain = 0
		s.Predistorter = identity.Clone()
	})
	w.shared.UpdateResults(func(r *Results) {
		r.State = StateIdle
		r.StateProgress = 0
		r.Summary = []string{"DPD settings were reset to default values"}
	})
	w.logger.Info("settings reset to defaults")
	return nil
}
