package dpd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Shoulder measurement bands, in Hz from the channel center. The DAB
// signal occupies ±768 kHz; the shoulders are the out-of-band skirts
// right next to it where intermodulation products land.
const (
	inbandEdgeHz    = 768e3
	shoulderBeginHz = 850e3
	shoulderEndHz   = 1000e3
)

const (
	psdSegment  = 4096
	psdOverlap  = psdSegment / 2
	minSegments = 4
)

// ShoulderLevel measures the mean shoulder power relative to the mean
// in-band power, in dB. More negative is better; a linearized amplifier
// pushes the shoulders down.
func (d *Diagnostics) ShoulderLevel(frame []complex128) (float64, error) {
	if len(frame) < psdSegment*minSegments {
		return 0, fmt.Errorf("frame of %d samples too short for PSD", len(frame))
	}

	psd := welchPSD(frame)

	binHz := float64(d.conf.SampleRate) / psdSegment
	var inband, shoulder []float64
	for i, p := range psd {
		// PSD index i maps to frequency, negative half at the back.
		f := float64(i) * binHz
		if i >= psdSegment/2 {
			f = float64(i-psdSegment) * binHz
		}
		absF := math.Abs(f)
		switch {
		case absF < inbandEdgeHz:
			inband = append(inband, p)
		case absF >= shoulderBeginHz && absF <= shoulderEndHz:
			shoulder = append(shoulder, p)
		}
	}
	if len(shoulder) == 0 {
		return 0, fmt.Errorf("samplerate %d leaves no shoulder bins", d.conf.SampleRate)
	}

	inbandMean := mean(inband)
	shoulderMean := mean(shoulder)
	if inbandMean == 0 || shoulderMean == 0 {
		return 0, fmt.Errorf("degenerate spectrum")
	}
	return 10 * math.Log10(shoulderMean/inbandMean), nil
}

// welchPSD averages windowed periodograms over half-overlapping
// segments.
func welchPSD(frame []complex128) []float64 {
	win := hamming(psdSegment)
	fft := fourier.NewCmplxFFT(psdSegment)

	psd := make([]float64, psdSegment)
	segments := 0
	buf := make([]complex128, psdSegment)
	for start := 0; start+psdSegment <= len(frame); start += psdOverlap {
		for i := 0; i < psdSegment; i++ {
			buf[i] = frame[start+i] * complex(win[i], 0)
		}
		spectrum := fft.Coefficients(nil, buf)
		for i, v := range spectrum {
			psd[i] += real(v)*real(v) + imag(v)*imag(v)
		}
		segments++
	}
	for i := range psd {
		psd[i] /= float64(segments)
	}
	return psd
}

func hamming(n int) []float64 {
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
