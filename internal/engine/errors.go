package engine

import (
	"errors"
	"fmt"
)

// FaultKind classifies engine failures. Every failure path in the
// engine carries exactly one of these kinds, so handlers discriminate
// on kind instead of string matching or blanket catch-alls.
type FaultKind int

const (
	// KindProtocol is a malformed control request: logged, dropped,
	// the channel keeps serving.
	KindProtocol FaultKind = iota
	// KindChannelFatal is a decode or transport fault on the control
	// socket: the receive loop ends and shutdown begins.
	KindChannelFatal
	// KindCapture is a hardware sampling failure: the iteration is
	// skipped, the cycle continues.
	KindCapture
	// KindModel is insufficient accumulated data for a model fit: the
	// cycle falls back to measuring.
	KindModel
	// KindReport is a metric or persistence failure during the report
	// step: logged, the iteration still counts.
	KindReport
	// KindWorkerFatal is an unhandled fault escaping the worker's
	// dispatch: the worker exits and the engine needs a restart.
	KindWorkerFatal
)

func (k FaultKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindChannelFatal:
		return "channel-fatal"
	case KindCapture:
		return "capture"
	case KindModel:
		return "model"
	case KindReport:
		return "report"
	case KindWorkerFatal:
		return "worker-fatal"
	default:
		return "unknown"
	}
}

// Fault wraps an error with its FaultKind.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Faultf builds a Fault from a format string.
func Faultf(kind FaultKind, format string, args ...any) error {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapFault attaches a kind to err. A nil err stays nil; an err that
// already carries a kind keeps it.
func WrapFault(kind FaultKind, err error) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return &Fault{Kind: kind, Err: err}
}

// KindOf extracts the FaultKind of err. Unclassified errors report
// KindWorkerFatal, the most conservative interpretation.
func KindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindWorkerFatal
}
