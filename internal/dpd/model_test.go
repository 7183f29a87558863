package dpd

import (
	"math"
	"testing"

	"github.com/Tubbz-alt/ODR-DabMod/internal/engine"
)

func TestPolyDefaultIsIdentity(t *testing.T) {
	p := NewPoly()
	d := p.Default()
	if d.Kind != engine.PredistorterPoly {
		t.Fatalf("kind = %q", d.Kind)
	}
	if len(d.CoefsAM) != polyOrder || len(d.CoefsPM) != polyOrder {
		t.Fatalf("coefficient lengths %d/%d", len(d.CoefsAM), len(d.CoefsPM))
	}
	if d.CoefsAM[0] != 1 {
		t.Errorf("identity AM/AM should start with 1, got %v", d.CoefsAM[0])
	}
	for i := 1; i < polyOrder; i++ {
		if d.CoefsAM[i] != 0 || d.CoefsPM[i] != 0 {
			t.Errorf("coefficient %d not zero: am=%v pm=%v", i, d.CoefsAM[i], d.CoefsPM[i])
		}
	}
}

func TestSetCoefficientsValidates(t *testing.T) {
	p := NewPoly()
	if err := p.SetCoefficients(engine.PredistorterData{Kind: engine.PredistorterLUT}); err == nil {
		t.Error("LUT data accepted by poly model")
	}
	if err := p.SetCoefficients(engine.PredistorterData{
		Kind:    engine.PredistorterPoly,
		CoefsAM: []float64{1, 2},
		CoefsPM: []float64{0, 0},
	}); err == nil {
		t.Error("short coefficient vectors accepted")
	}
	want := engine.PredistorterData{
		Kind:    engine.PredistorterPoly,
		CoefsAM: []float64{1, 0.1, 0.02, 0, 0},
		CoefsPM: []float64{0, 0.05, 0, 0, 0},
	}
	if err := p.SetCoefficients(want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got := p.Coefficients()
	for i := 0; i < polyOrder; i++ {
		if got.CoefsAM[i] != want.CoefsAM[i] || got.CoefsPM[i] != want.CoefsPM[i] {
			t.Fatalf("coefficient %d differs: %+v", i, got)
		}
	}
}

// synthStats evaluates am(x) and pm(x) at enough amplitudes for a fit.
func synthStats(am, pm func(float64) float64) engine.BinnedStats {
	var stats engine.BinnedStats
	for i := 0; i < 24; i++ {
		x := 0.05 + 0.9*float64(i)/23
		stats.Tx = append(stats.Tx, x)
		stats.Rx = append(stats.Rx, am(x))
		stats.PhaseDiff = append(stats.PhaseDiff, pm(x))
		stats.PerBin = append(stats.PerBin, 50)
	}
	return stats
}

func TestTrainRecoversLinearChannel(t *testing.T) {
	p := NewPoly()
	// A perfectly linear amplifier: after gain normalization the
	// AM/AM fit is the identity, so training with any learning rate
	// must keep the identity coefficients.
	stats := synthStats(func(x float64) float64 { return 2.5 * x }, func(float64) float64 { return 0 })
	if err := p.Train(stats, 1.0); err != nil {
		t.Fatalf("train: %v", err)
	}
	got := p.Coefficients()
	if math.Abs(got.CoefsAM[0]-1) > 1e-6 {
		t.Errorf("linear coefficient %v, want 1", got.CoefsAM[0])
	}
	for i := 1; i < polyOrder; i++ {
		if math.Abs(got.CoefsAM[i]) > 1e-6 {
			t.Errorf("AM coefficient %d = %v, want 0", i, got.CoefsAM[i])
		}
	}
	for i, c := range got.CoefsPM {
		if math.Abs(c) > 1e-6 {
			t.Errorf("PM coefficient %d = %v, want 0", i, c)
		}
	}
}

func TestTrainRecoversPhasePolynomial(t *testing.T) {
	p := NewPoly()
	// AM/PM rotation 0.2·x − 0.1·x³ must fall straight out of the
	// least-squares fit.
	stats := synthStats(
		func(x float64) float64 { return x },
		func(x float64) float64 { return 0.2*x - 0.1*x*x*x },
	)
	if err := p.Train(stats, 1.0); err != nil {
		t.Fatalf("train: %v", err)
	}
	got := p.Coefficients()
	want := []float64{0.2, 0, -0.1, 0, 0}
	for i := range want {
		if math.Abs(got.CoefsPM[i]-want[i]) > 1e-6 {
			t.Errorf("PM coefficient %d = %v, want %v", i, got.CoefsPM[i], want[i])
		}
	}
}

func TestTrainBlendsWithLearningRate(t *testing.T) {
	p := NewPoly()
	stats := synthStats(
		func(x float64) float64 { return x },
		func(x float64) float64 { return 0.4 * x },
	)
	if err := p.Train(stats, 0.5); err != nil {
		t.Fatalf("train: %v", err)
	}
	got := p.Coefficients()
	// Fresh fit says 0.4, running coefficient was 0: half-way is 0.2.
	if math.Abs(got.CoefsPM[0]-0.2) > 1e-6 {
		t.Errorf("blended PM coefficient %v, want 0.2", got.CoefsPM[0])
	}
}

func TestTrainRejectsDegenerateStats(t *testing.T) {
	p := NewPoly()
	if err := p.Train(engine.BinnedStats{}, 0.5); err == nil {
		t.Error("empty statistics accepted")
	}
	few := engine.BinnedStats{
		Tx:        []float64{0.1, 0.2},
		Rx:        []float64{0.1, 0.2},
		PhaseDiff: []float64{0, 0},
		PerBin:    []int{10, 10},
	}
	if err := p.Train(few, 0.5); err == nil {
		t.Error("underdetermined statistics accepted")
	}
	zero := synthStats(func(float64) float64 { return 0 }, func(float64) float64 { return 0 })
	if err := p.Train(zero, 0.5); err == nil {
		t.Error("all-zero observations accepted")
	}
}
