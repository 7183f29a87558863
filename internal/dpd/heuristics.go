package dpd

// Schedule supplies the adaptation cycle's per-iteration parameters.
// Early iterations learn fast from few captures; later iterations
// average over more captures and nudge the model gently.
type Schedule struct{}

const (
	scheduleRampIterations = 10

	samplesMin = 10
	samplesMax = 70

	learningRateMax = 0.4
	learningRateMin = 0.05
)

// RequiredSamples returns how many captures must be accumulated before
// the model step of iteration i. Grows linearly from samplesMin to
// samplesMax over the ramp.
func (Schedule) RequiredSamples(iteration int) int {
	f := rampFraction(iteration)
	return samplesMin + int(f*float64(samplesMax-samplesMin))
}

// LearningRate returns the model blending factor for iteration i.
// Decays linearly from learningRateMax to learningRateMin over the ramp.
func (Schedule) LearningRate(iteration int) float64 {
	f := rampFraction(iteration)
	return learningRateMax - f*(learningRateMax-learningRateMin)
}

func rampFraction(iteration int) float64 {
	if iteration < 0 {
		iteration = 0
	}
	if iteration > scheduleRampIterations {
		iteration = scheduleRampIterations
	}
	return float64(iteration) / float64(scheduleRampIterations)
}
