package engine

import (
	"context"
	"fmt"
	"sync"
)

// Stub collaborators used across the engine tests.

type stubCapture struct {
	mu    sync.Mutex
	m     Measurement
	err   error
	calls int
}

func (c *stubCapture) GetSamples(ctx context.Context) (Measurement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return Measurement{}, c.err
	}
	return c.m, nil
}

func (c *stubCapture) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type stubAccumulator struct {
	count      int
	extractErr error
	resets     int
}

func (a *stubAccumulator) Extract(tx, rx []complex128) (BinnedStats, error) {
	if a.extractErr != nil {
		return BinnedStats{}, a.extractErr
	}
	a.count++
	return BinnedStats{
		Tx:        []float64{0.1, 0.2, 0.3},
		Rx:        []float64{0.1, 0.19, 0.27},
		PhaseDiff: []float64{0, 0.01, 0.02},
		PerBin:    []int{10, 10, 10},
	}, nil
}

func (a *stubAccumulator) Count() int { return a.count }

func (a *stubAccumulator) Reset() {
	a.count = 0
	a.resets++
}

type stubFitter struct {
	trainCalls []float64
	trainErr   error
}

func (f *stubFitter) Train(stats BinnedStats, lr float64) error {
	if f.trainErr != nil {
		return f.trainErr
	}
	f.trainCalls = append(f.trainCalls, lr)
	return nil
}

func (f *stubFitter) Coefficients() PredistorterData {
	return PredistorterData{
		Kind:    PredistorterPoly,
		CoefsAM: []float64{1.01, 0.002, 0, 0, 0},
		CoefsPM: []float64{0.001, 0, 0, 0, 0},
	}
}

func (f *stubFitter) Default() PredistorterData {
	return PredistorterData{
		Kind:    PredistorterPoly,
		CoefsAM: []float64{1, 0, 0, 0, 0},
		CoefsPM: []float64{0, 0, 0, 0, 0},
	}
}

type stubAdapter struct {
	mu          sync.Mutex
	txGain      float64
	rxGain      float64
	digitalGain float64
	pred        PredistorterData

	pushedPred  []PredistorterData
	dumps       int
	dumpErr     error
	setRxErr    error
	readGainErr error
}

func (a *stubAdapter) TxGain() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.txGain, a.readGainErr
}

func (a *stubAdapter) RxGain() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rxGain, a.readGainErr
}

func (a *stubAdapter) DigitalGain() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.digitalGain, a.readGainErr
}

func (a *stubAdapter) Predistorter() (PredistorterData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pred.Clone(), nil
}

func (a *stubAdapter) SetRxGain(gain float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.setRxErr != nil {
		return a.setRxErr
	}
	a.rxGain = gain
	return nil
}

func (a *stubAdapter) SetDigitalGain(gain float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.digitalGain = gain
	return nil
}

func (a *stubAdapter) SetPredistorter(data PredistorterData) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pred = data.Clone()
	a.pushedPred = append(a.pushedPred, data.Clone())
	return nil
}

func (a *stubAdapter) Dump() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dumpErr != nil {
		return a.dumpErr
	}
	a.dumps++
	return nil
}

// stubAGC succeeds every round except failAt (negative: never fails).
// Each successful round nudges the adapter's RX gain, mimicking the
// real AGC.
type stubAGC struct {
	mu      sync.Mutex
	failAt  int
	err     error
	panicAt int // round index that panics, negative for never
	calls   int
	adapter *stubAdapter
}

func newStubAGC(adapter *stubAdapter) *stubAGC {
	return &stubAGC{failAt: -1, panicAt: -1, adapter: adapter}
}

func (a *stubAGC) Run(ctx context.Context) (bool, string, error) {
	a.mu.Lock()
	round := a.calls
	a.calls++
	a.mu.Unlock()

	if round == a.panicAt {
		panic("injected agc panic")
	}
	if a.err != nil {
		return false, "", a.err
	}
	if a.adapter != nil {
		gain, _ := a.adapter.RxGain()
		_ = a.adapter.SetRxGain(gain + 1)
	}
	summary := fmt.Sprintf("round %d adjusted gain\nmedian inside window", round)
	return round != a.failAt, summary, nil
}

func (a *stubAGC) rounds() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type stubHeuristics struct {
	required int
	lr       float64
}

func (h stubHeuristics) RequiredSamples(int) int  { return h.required }
func (h stubHeuristics) LearningRate(int) float64 { return h.lr }

type stubDiag struct {
	offset      int
	mer         float64
	shoulder    float64
	merErr      error
	shoulderErr error
}

func (d stubDiag) SymbolOffset([]complex128) (int, error) { return d.offset, nil }

func (d stubDiag) MER([]complex128, int) (float64, error) {
	return d.mer, d.merErr
}

func (d stubDiag) ShoulderLevel([]complex128) (float64, error) {
	return d.shoulder, d.shoulderErr
}

// testMeasurement is a small but plausible capture.
func testMeasurement() Measurement {
	tx := make([]complex128, 64)
	rx := make([]complex128, 64)
	for i := range tx {
		tx[i] = complex(float64(i)/64, 0)
		rx[i] = complex(float64(i)/70, 0.001)
	}
	return Measurement{
		TxFrame:  tx,
		RxFrame:  rx,
		TxMedian: 0.35,
		RxMedian: 0.048,
	}
}

type testRig struct {
	shared  *SharedState
	queue   *CommandQueue
	capture *stubCapture
	stats   *stubAccumulator
	fitter  *stubFitter
	adapter *stubAdapter
	agc     *stubAGC
	cycle   *AdaptationCycle
	worker  *Worker
}

func newTestRig(initial Settings) *testRig {
	capture := &stubCapture{m: testMeasurement()}
	stats := &stubAccumulator{}
	fitter := &stubFitter{}
	adapter := &stubAdapter{txGain: 60, rxGain: 20, digitalGain: 0.5, pred: initial.Predistorter}
	agc := newStubAGC(adapter)
	shared := NewSharedState(initial)
	queue := NewCommandQueue()
	cycle := NewAdaptationCycle(capture, stats, fitter, adapter,
		stubHeuristics{required: 3, lr: 0.2}, stubDiag{offset: 4, mer: 30, shoulder: -35},
		shared, 1, nil)
	worker := NewWorker(shared, queue, capture, adapter, agc, fitter, cycle, nil)
	return &testRig{
		shared:  shared,
		queue:   queue,
		capture: capture,
		stats:   stats,
		fitter:  fitter,
		adapter: adapter,
		agc:     agc,
		cycle:   cycle,
		worker:  worker,
	}
}
