package dpd

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// MER computes the modulation error ratio in dB for the OFDM symbol at
// offset. The symbol is demodulated with an FFT; each occupied carrier
// is compared against the nearest ideal DQPSK constellation point at
// the carrier's own magnitude scale. MER is the ratio of total signal
// power to total error power.
func (d *Diagnostics) MER(frame []complex128, offset int) (float64, error) {
	tu := d.conf.TU
	if offset < 0 || offset+tu > len(frame) {
		return 0, fmt.Errorf("symbol at %d does not fit a frame of %d samples", offset, len(frame))
	}

	spectrum := fourier.NewCmplxFFT(tu).Coefficients(nil, frame[offset:offset+tu])

	carriers := occupiedCarriers(spectrum, d.conf.Carriers)
	if len(carriers) == 0 {
		return 0, fmt.Errorf("no occupied carriers found")
	}

	// Scale reference: mean carrier magnitude.
	var magSum float64
	for _, c := range carriers {
		magSum += cmplx.Abs(c)
	}
	ref := magSum / float64(len(carriers))
	if ref == 0 {
		return 0, fmt.Errorf("carriers carry no energy")
	}

	var signalPower, errorPower float64
	for _, c := range carriers {
		ideal := nearestQPSK(c, ref)
		e := c - ideal
		signalPower += real(ideal)*real(ideal) + imag(ideal)*imag(ideal)
		errorPower += real(e)*real(e) + imag(e)*imag(e)
	}
	if errorPower == 0 {
		return math.Inf(1), nil
	}
	return 10 * math.Log10(signalPower/errorPower), nil
}

// occupiedCarriers picks the count carriers around DC, skipping DC
// itself, out of an unshifted FFT spectrum.
func occupiedCarriers(spectrum []complex128, count int) []complex128 {
	n := len(spectrum)
	half := count / 2
	if half >= n/2 {
		return nil
	}
	out := make([]complex128, 0, count)
	// Positive frequencies live at the front, negative at the back.
	for k := 1; k <= half; k++ {
		out = append(out, spectrum[k])
	}
	for k := n - half; k < n; k++ {
		out = append(out, spectrum[k])
	}
	return out
}

// nearestQPSK maps a received carrier to the closest ideal DQPSK point
// with magnitude ref.
func nearestQPSK(c complex128, ref float64) complex128 {
	phase := cmplx.Phase(c)
	// Constellation points sit at odd multiples of pi/4.
	quadrant := math.Round((phase - math.Pi/4) / (math.Pi / 2))
	ideal := quadrant*(math.Pi/2) + math.Pi/4
	return cmplx.Rect(ref, ideal)
}
