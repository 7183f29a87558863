package dpd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tubbz-alt/ODR-DabMod/internal/engine"
	"github.com/Tubbz-alt/ODR-DabMod/internal/logging"
)

// Adapt is the remote-control link to the modulator. Gains are read and
// written over the line-based remote-control protocol on rc_port;
// predistorter coefficients travel through the coefficient file: Adapt
// writes the file, then tells the modulator to reload it.
//
// Remote-control protocol: one command per line, "get <module> <param>"
// or "set <module> <param> <value>"; the reply line is "ok[: <value>]"
// or "fail: <reason>".
type Adapt struct {
	addr      string
	coefFile  string
	logFolder string
	timeout   time.Duration
	logger    logging.Logger

	conn   net.Conn
	reader *bufio.Reader
}

// NewAdapt builds the adapter for the modulator remote control at addr.
func NewAdapt(addr, coefFile, logFolder string, logger logging.Logger) *Adapt {
	if logger == nil {
		logger = logging.Default()
	}
	return &Adapt{
		addr:      addr,
		coefFile:  coefFile,
		logFolder: logFolder,
		timeout:   5 * time.Second,
		logger:    logger.With(logging.F("subsystem", "adapt")),
	}
}

// Close releases the remote-control connection.
func (a *Adapt) Close() error {
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		a.reader = nil
		return err
	}
	return nil
}

func (a *Adapt) ensureConnected() error {
	if a.conn != nil {
		return nil
	}
	conn, err := dialWithRetry(context.Background(), a.addr, a.timeout)
	if err != nil {
		return fmt.Errorf("connect remote control: %w", err)
	}
	a.conn = conn
	a.reader = bufio.NewReader(conn)
	return nil
}

// command sends one line and returns the value part of an ok reply. A
// broken connection is dropped so the next command reconnects.
func (a *Adapt) command(line string) (string, error) {
	if err := a.ensureConnected(); err != nil {
		return "", err
	}
	if err := a.conn.SetDeadline(time.Now().Add(a.timeout)); err != nil {
		a.Close()
		return "", fmt.Errorf("deadline for %q: %w", line, err)
	}
	if _, err := fmt.Fprintf(a.conn, "%s\n", line); err != nil {
		a.Close()
		return "", fmt.Errorf("send %q: %w", line, err)
	}
	reply, err := a.reader.ReadString('\n')
	if err != nil {
		a.Close()
		return "", fmt.Errorf("reply to %q: %w", line, err)
	}
	reply = strings.TrimSpace(reply)
	switch {
	case reply == "ok":
		return "", nil
	case strings.HasPrefix(reply, "ok: "):
		return strings.TrimPrefix(reply, "ok: "), nil
	case strings.HasPrefix(reply, "fail"):
		return "", fmt.Errorf("%q rejected: %s", line, reply)
	default:
		return "", fmt.Errorf("unexpected reply %q to %q", reply, line)
	}
}

func (a *Adapt) getFloat(module, param string) (float64, error) {
	value, err := a.command(fmt.Sprintf("get %s %s", module, param))
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %s value %q: %w", module, param, value, err)
	}
	return f, nil
}

func (a *Adapt) setFloat(module, param string, value float64) error {
	_, err := a.command(fmt.Sprintf("set %s %s %v", module, param, value))
	return err
}

// TxGain reads the transmit gain in dB.
func (a *Adapt) TxGain() (float64, error) { return a.getFloat("sdr", "txgain") }

// RxGain reads the feedback receive gain in dB.
func (a *Adapt) RxGain() (float64, error) { return a.getFloat("sdr", "rxgain") }

// DigitalGain reads the digital gain factor.
func (a *Adapt) DigitalGain() (float64, error) { return a.getFloat("gain", "digital") }

// SetRxGain pushes the feedback receive gain.
func (a *Adapt) SetRxGain(gain float64) error { return a.setFloat("sdr", "rxgain", gain) }

// SetDigitalGain pushes the digital gain factor.
func (a *Adapt) SetDigitalGain(gain float64) error { return a.setFloat("gain", "digital", gain) }

// Predistorter reads the currently active coefficients from the
// coefficient file. A missing file means nothing was applied yet and
// yields the identity polynomial.
func (a *Adapt) Predistorter() (engine.PredistorterData, error) {
	data, err := os.ReadFile(a.coefFile)
	if os.IsNotExist(err) {
		return NewPoly().Default(), nil
	}
	if err != nil {
		return engine.PredistorterData{}, fmt.Errorf("read coef file: %w", err)
	}
	return parseCoefFile(data)
}

// SetPredistorter writes the coefficient file atomically, then tells
// the modulator to reload it.
func (a *Adapt) SetPredistorter(data engine.PredistorterData) error {
	content, err := formatCoefFile(data)
	if err != nil {
		return err
	}
	tmp := a.coefFile + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write coef file: %w", err)
	}
	if err := os.Rename(tmp, a.coefFile); err != nil {
		return fmt.Errorf("replace coef file: %w", err)
	}
	if _, err := a.command(fmt.Sprintf("set memlesspoly coeffile %s", a.coefFile)); err != nil {
		return err
	}
	a.logger.Debug("predistorter pushed", logging.F("data", data.Describe()))
	return nil
}

// dumpRecord is the persisted per-run snapshot.
type dumpRecord struct {
	Timestamp    string                  `yaml:"timestamp"`
	TxGain       float64                 `yaml:"tx_gain"`
	RxGain       float64                 `yaml:"rx_gain"`
	DigitalGain  float64                 `yaml:"digital_gain"`
	Predistorter engine.PredistorterData `yaml:"predistorter"`
}

// Dump persists the current coefficients and gains: a timestamped YAML
// snapshot in log_folder. No-op without a log folder.
func (a *Adapt) Dump() error {
	if a.logFolder == "" {
		return nil
	}
	txGain, err := a.TxGain()
	if err != nil {
		return err
	}
	rxGain, err := a.RxGain()
	if err != nil {
		return err
	}
	digitalGain, err := a.DigitalGain()
	if err != nil {
		return err
	}
	predistorter, err := a.Predistorter()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record := dumpRecord{
		Timestamp:    now.Format(time.RFC3339),
		TxGain:       txGain,
		RxGain:       rxGain,
		DigitalGain:  digitalGain,
		Predistorter: predistorter,
	}
	out, err := yaml.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal dump: %w", err)
	}
	if err := os.MkdirAll(a.logFolder, 0o755); err != nil {
		return fmt.Errorf("create log folder: %w", err)
	}
	name := filepath.Join(a.logFolder, fmt.Sprintf("dpd_%s.yaml", now.Format("20060102T150405")))
	if err := os.WriteFile(name, out, 0o644); err != nil {
		return fmt.Errorf("write dump: %w", err)
	}
	a.logger.Debug("state dumped", logging.F("file", name))
	return nil
}

// Coefficient file layout: first line is the kind, then for poly one
// AM coefficient per line followed by one PM coefficient per line; for
// lut the scale factor then the table entries.
func formatCoefFile(data engine.PredistorterData) ([]byte, error) {
	var b strings.Builder
	switch data.Kind {
	case engine.PredistorterPoly:
		fmt.Fprintf(&b, "poly %d\n", len(data.CoefsAM))
		for _, c := range data.CoefsAM {
			fmt.Fprintf(&b, "%.12g\n", c)
		}
		for _, c := range data.CoefsPM {
			fmt.Fprintf(&b, "%.12g\n", c)
		}
	case engine.PredistorterLUT:
		fmt.Fprintf(&b, "lut %d\n", len(data.Table))
		fmt.Fprintf(&b, "%.12g\n", data.ScaleFactor)
		for _, c := range data.Table {
			fmt.Fprintf(&b, "%.12g\n", c)
		}
	default:
		return nil, fmt.Errorf("cannot serialize predistorter kind %q", data.Kind)
	}
	return []byte(b.String()), nil
}

func parseCoefFile(raw []byte) (engine.PredistorterData, error) {
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return engine.PredistorterData{}, fmt.Errorf("coef file too short")
	}
	kind := fields[0]
	count, err := strconv.Atoi(fields[1])
	if err != nil || count <= 0 {
		return engine.PredistorterData{}, fmt.Errorf("bad coefficient count %q", fields[1])
	}
	values := make([]float64, 0, len(fields)-2)
	for _, f := range fields[2:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return engine.PredistorterData{}, fmt.Errorf("bad coefficient %q: %w", f, err)
		}
		values = append(values, v)
	}

	switch kind {
	case "poly":
		if len(values) != 2*count {
			return engine.PredistorterData{}, fmt.Errorf("poly file needs %d values, has %d", 2*count, len(values))
		}
		return engine.PredistorterData{
			Kind:    engine.PredistorterPoly,
			CoefsAM: values[:count],
			CoefsPM: values[count:],
		}, nil
	case "lut":
		if len(values) != count+1 {
			return engine.PredistorterData{}, fmt.Errorf("lut file needs %d values, has %d", count+1, len(values))
		}
		return engine.PredistorterData{
			Kind:        engine.PredistorterLUT,
			ScaleFactor: values[0],
			Table:       values[1:],
		}, nil
	default:
		return engine.PredistorterData{}, fmt.Errorf("unknown predistorter kind %q", kind)
	}
}
