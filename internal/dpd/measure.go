package dpd

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/cmplx"
	"net"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"gonum.org/v1/gonum/stat"

	"github.com/Tubbz-alt/ODR-DabMod/internal/engine"
	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
)

// tapVersion is the wire version of the modulator's DPD sample tap.
const tapVersion = 1

// Measure captures TX/RX sample bursts from the modulator's DPD tap.
// One request on the tap socket yields the digital TX frame and the
// feedback RX frame covering the same air time, which Measure aligns
// and summarizes.
//
// Tap wire format, all little-endian: the client sends a uint32 sample
// count; the server answers with uint32 version, uint32 count, two
// float64 timestamps (TX, RX), then count TX samples and count RX
// samples as interleaved complex64 I/Q.
type Measure struct {
	addr    string
	samps   int
	timeout time.Duration
	logger  logging.Logger
}

// NewMeasure builds a capture client for the tap at addr requesting
// samps sample pairs per capture.
func NewMeasure(addr string, samps int, logger logging.Logger) *Measure {
	if logger == nil {
		logger = logging.Default()
	}
	return &Measure{
		addr:    addr,
		samps:   samps,
		timeout: 10 * time.Second,
		logger:  logger.With(logging.F("subsystem", "measure")),
	}
}

// GetSamples acquires one aligned TX/RX capture.
func (m *Measure) GetSamples(ctx context.Context) (engine.Measurement, error) {
	conn, err := dialWithRetry(ctx, m.addr, m.timeout)
	if err != nil {
		return engine.Measurement{}, fmt.Errorf("connect DPD tap: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(m.timeout)); err != nil {
		return engine.Measurement{}, err
	}
	if err := binary.Write(conn, binary.LittleEndian, uint32(m.samps)); err != nil {
		return engine.Measurement{}, fmt.Errorf("request burst: %w", err)
	}

	r := bufio.NewReaderSize(conn, 1<<16)
	var header struct {
		Version uint32
		Count   uint32
		TxTs    float64
		RxTs    float64
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return engine.Measurement{}, fmt.Errorf("read burst header: %w", err)
	}
	if header.Version != tapVersion {
		return engine.Measurement{}, fmt.Errorf("unsupported tap version %d", header.Version)
	}
	if header.Count == 0 || int(header.Count) > m.samps {
		return engine.Measurement{}, fmt.Errorf("tap returned %d samples for a %d request", header.Count, m.samps)
	}

	tx, err := readFrame(r, int(header.Count))
	if err != nil {
		return engine.Measurement{}, fmt.Errorf("read tx frame: %w", err)
	}
	rx, err := readFrame(r, int(header.Count))
	if err != nil {
		return engine.Measurement{}, fmt.Errorf("read rx frame: %w", err)
	}

	lag := alignLag(tx, rx)
	tx, rx = applyLag(tx, rx, lag)
	txMedian := magnitudeMedian(tx)
	rxMedian := magnitudeMedian(rx)

	m.logger.Debug("capture complete",
		logging.F("samples", len(tx)),
		logging.F("lag", lag),
		logging.F("tx_median", txMedian),
		logging.F("rx_median", rxMedian))

	return engine.Measurement{
		TxFrame:     tx,
		RxFrame:     rx,
		TxTimestamp: header.TxTs,
		RxTimestamp: header.RxTs,
		TxMedian:    txMedian,
		RxMedian:    rxMedian,
	}, nil
}

func dialWithRetry(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	var conn net.Conn
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = timeout
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		d := net.Dialer{Timeout: 2 * time.Second}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

func readFrame(r io.Reader, count int) ([]complex128, error) {
	raw := make([]float32, 2*count)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, err
	}
	out := make([]complex128, count)
	for i := 0; i < count; i++ {
		out[i] = complex(float64(raw[2*i]), float64(raw[2*i+1]))
	}
	return out, nil
}

const (
	alignMaxLag = 512
	alignWindow = 8192
	alignStride = 4
)

// alignLag finds the RX delay, in samples, that best matches the TX
// envelope by maximizing the envelope cross-correlation over a bounded
// lag range. The envelopes are strided to keep this cheap.
func alignLag(tx, rx []complex128) int {
	n := len(tx)
	if len(rx) < n {
		n = len(rx)
	}
	if n <= 2*alignMaxLag {
		return 0
	}
	window := n - alignMaxLag
	if window > alignWindow {
		window = alignWindow
	}

	best, bestLag := -1.0, 0
	for lag := 0; lag <= alignMaxLag; lag++ {
		var sum float64
		for i := 0; i < window; i += alignStride {
			sum += cmplx.Abs(tx[i]) * cmplx.Abs(rx[i+lag])
		}
		if sum > best {
			best = sum
			bestLag = lag
		}
	}
	return bestLag
}

func applyLag(tx, rx []complex128, lag int) ([]complex128, []complex128) {
	rx = rx[lag:]
	n := len(tx)
	if len(rx) < n {
		n = len(rx)
	}
	return tx[:n], rx[:n]
}

func magnitudeMedian(frame []complex128) float64 {
	if len(frame) == 0 {
		return 0
	}
	mags := make([]float64, len(frame))
	for i, v := range frame {
		mags[i] = cmplx.Abs(v)
	}
	sort.Float64s(mags)
	return stat.Quantile(0.5, stat.Empirical, mags, nil)
}
