package dpd

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/Tubbz-alt/ODR-DabMod/internal/engine"
)

// polyOrder is the number of polynomial coefficients for each of the
// AM/AM and AM/PM corrections (powers x^1 .. x^polyOrder).
const polyOrder = 5

// Poly is the memoryless polynomial predistortion model. The AM/AM
// polynomial maps observed output amplitude back to the digital input
// amplitude; the AM/PM polynomial predicts the phase rotation to undo.
// Training blends a fresh least-squares fit into the running
// coefficients with the cycle's learning rate.
type Poly struct {
	mu      sync.Mutex
	coefsAM []float64
	coefsPM []float64
}

// NewPoly starts from the identity predistorter.
func NewPoly() *Poly {
	p := &Poly{}
	d := p.Default()
	p.coefsAM = d.CoefsAM
	p.coefsPM = d.CoefsPM
	return p
}

// Default returns the identity predistorter: unity gain, no phase
// correction.
func (p *Poly) Default() engine.PredistorterData {
	am := make([]float64, polyOrder)
	am[0] = 1
	return engine.PredistorterData{
		Kind:    engine.PredistorterPoly,
		CoefsAM: am,
		CoefsPM: make([]float64, polyOrder),
	}
}

// Coefficients returns the current predistorter data.
func (p *Poly) Coefficients() engine.PredistorterData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return engine.PredistorterData{
		Kind:    engine.PredistorterPoly,
		CoefsAM: append([]float64(nil), p.coefsAM...),
		CoefsPM: append([]float64(nil), p.coefsPM...),
	}
}

// SetCoefficients replaces the model state, used when bootstrap finds
// coefficients already running on the modulator.
func (p *Poly) SetCoefficients(data engine.PredistorterData) error {
	if data.Kind != engine.PredistorterPoly {
		return fmt.Errorf("poly model cannot hold %q data", data.Kind)
	}
	if len(data.CoefsAM) != polyOrder || len(data.CoefsPM) != polyOrder {
		return fmt.Errorf("expected %d+%d coefficients, got %d+%d",
			polyOrder, polyOrder, len(data.CoefsAM), len(data.CoefsPM))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coefsAM = append([]float64(nil), data.CoefsAM...)
	p.coefsPM = append([]float64(nil), data.CoefsPM...)
	return nil
}

// Train fits the correction polynomials to the binned statistics and
// blends them into the running coefficients with the given learning
// rate.
func (p *Poly) Train(stats engine.BinnedStats, learningRate float64) error {
	n := len(stats.Tx)
	if n < polyOrder {
		return fmt.Errorf("need at least %d populated bins, got %d", polyOrder, n)
	}
	if len(stats.Rx) != n || len(stats.PhaseDiff) != n {
		return fmt.Errorf("inconsistent statistics lengths")
	}

	// Bring the observed amplitudes onto the digital amplitude scale
	// so the fit captures shape, not gain.
	var sumTx, sumRx float64
	for i := 0; i < n; i++ {
		sumTx += stats.Tx[i]
		sumRx += stats.Rx[i]
	}
	if sumRx == 0 {
		return fmt.Errorf("observed amplitudes are all zero")
	}
	scale := sumTx / sumRx
	rxNorm := make([]float64, n)
	for i, v := range stats.Rx {
		rxNorm[i] = v * scale
	}

	weights := make([]float64, n)
	for i := range weights {
		w := 1.0
		if i < len(stats.PerBin) && stats.PerBin[i] > 0 {
			w = math.Sqrt(float64(stats.PerBin[i]))
		}
		weights[i] = w
	}

	fitAM, err := fitPolynomial(rxNorm, stats.Tx, weights)
	if err != nil {
		return fmt.Errorf("AM/AM fit: %w", err)
	}
	fitPM, err := fitPolynomial(stats.Tx, stats.PhaseDiff, weights)
	if err != nil {
		return fmt.Errorf("AM/PM fit: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < polyOrder; i++ {
		p.coefsAM[i] += learningRate * (fitAM[i] - p.coefsAM[i])
		p.coefsPM[i] += learningRate * (fitPM[i] - p.coefsPM[i])
	}
	return nil
}

// fitPolynomial solves the weighted least-squares fit
// y ≈ c1·x + c2·x² + … + c5·x⁵. No constant term: a predistorter maps
// zero to zero.
func fitPolynomial(x, y, weights []float64) ([]float64, error) {
	n := len(x)
	a := mat.NewDense(n, polyOrder, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		pow := x[i]
		for j := 0; j < polyOrder; j++ {
			a.Set(i, j, weights[i]*pow)
			pow *= x[i]
		}
		b.SetVec(i, weights[i]*y[i])
	}

	var coefs mat.VecDense
	if err := coefs.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("least squares: %w", err)
	}
	out := make([]float64, polyOrder)
	for j := 0; j < polyOrder; j++ {
		out[j] = coefs.AtVec(j)
	}
	return out, nil
}
