// Package engine implements the DPD computation engine's concurrent
// core: a control channel serving datagram RPC requests, a single
// worker goroutine executing calibration and adaptation, a single-slot
// command queue between them, and the lock-guarded settings/results
// record both sides share.
package engine

import (
	"context"
	"fmt"

	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
	"github.com/Tubbz-alt/ODR-DabMod/internal/yamlrpc"
)

// Collaborators bundles the external algorithm and hardware interfaces
// the engine drives.
type Collaborators struct {
	Capture    Capture
	Stats      Accumulator
	Fitter     Fitter
	Adapter    HardwareAdapter
	AGC        AGC
	Heuristics Heuristics
	Diag       Diagnostics
}

// Engine owns the whole control plane: shared state, queue, worker and
// control channel, with an explicit run/teardown lifecycle.
type Engine struct {
	Shared  *SharedState
	Queue   *CommandQueue
	Worker  *Worker
	Control *ControlChannel

	sock   *yamlrpc.Socket
	logger logging.Logger
}

// New assembles an engine around a bound control socket and bootstrap
// settings. adaptBudget is the number of adaptation iterations one
// trigger_run command drives.
func New(sock *yamlrpc.Socket, initial Settings, collab Collaborators,
	adaptBudget int, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	shared := NewSharedState(initial)
	queue := NewCommandQueue()
	cycle := NewAdaptationCycle(collab.Capture, collab.Stats, collab.Fitter,
		collab.Adapter, collab.Heuristics, collab.Diag, shared, adaptBudget, logger)
	worker := NewWorker(shared, queue, collab.Capture, collab.Adapter,
		collab.AGC, collab.Fitter, cycle, logger)
	control := NewControlChannel(sock, queue, shared, logger)
	return &Engine{
		Shared:  shared,
		Queue:   queue,
		Worker:  worker,
		Control: control,
		sock:    sock,
		logger:  logger,
	}
}

// Run starts the worker, serves the control channel until ctx is
// cancelled or the channel dies, then shuts down: enqueue Quit, join the
// worker. No in-flight hardware write is abandoned; an in-progress run
// finishes before the worker observes Quit.
func (e *Engine) Run(ctx context.Context) error {
	e.Worker.Start(ctx)

	serveErr := e.Control.Serve(ctx)

	e.logger.Info("waiting for worker to stop")
	// A worker that already died fatally never drains the queue, so the
	// quit submission must not block on a full slot.
	select {
	case e.Queue.ch <- CommandQuit:
	case <-e.Worker.Stopped():
	}
	e.Worker.Join()

	if serveErr != nil {
		return fmt.Errorf("control channel: %w", serveErr)
	}
	return nil
}

// Bootstrap reads the modulator's current truth into a Settings record.
// Called once at startup; the engine does not touch any setting it has
// not been asked to change.
func Bootstrap(adapter HardwareAdapter) (Settings, error) {
	txGain, err := adapter.TxGain()
	if err != nil {
		return Settings{}, fmt.Errorf("read tx gain: %w", err)
	}
	rxGain, err := adapter.RxGain()
	if err != nil {
		return Settings{}, fmt.Errorf("read rx gain: %w", err)
	}
	digitalGain, err := adapter.DigitalGain()
	if err != nil {
		return Settings{}, fmt.Errorf("read digital gain: %w", err)
	}
	predistorter, err := adapter.Predistorter()
	if err != nil {
		return Settings{}, fmt.Errorf("read predistorter: %w", err)
	}
	return Settings{
		TxGain:       txGain,
		RxGain:       rxGain,
		DigitalGain:  digitalGain,
		Predistorter: predistorter,
	}, nil
}
