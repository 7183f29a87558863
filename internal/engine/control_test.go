package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Tubbz-alt/ODR-DabMod/internal/yamlrpc"
)

type liveEngine struct {
	eng     *Engine
	rig     *testRig
	client  *yamlrpc.Client
	cancel  context.CancelFunc
	runDone chan error
}

// startLiveEngine runs a full engine over a loopback UDP socket with
// stubbed collaborators.
func startLiveEngine(t *testing.T) *liveEngine {
	t.Helper()
	rig := newTestRig(Settings{})

	initial, err := Bootstrap(rig.adapter)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	sock, err := yamlrpc.Bind(0, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	eng := New(sock, initial, Collaborators{
		Capture:    rig.capture,
		Stats:      rig.stats,
		Fitter:     rig.fitter,
		Adapter:    rig.adapter,
		AGC:        rig.agc,
		Heuristics: stubHeuristics{required: 2, lr: 0.2},
		Diag:       stubDiag{offset: 4, mer: 30, shoulder: -35},
	}, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	client, err := yamlrpc.Dial(sock.LocalAddr().String(), time.Second)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}

	le := &liveEngine{eng: eng, rig: rig, client: client, cancel: cancel, runDone: runDone}
	t.Cleanup(func() {
		le.client.Close()
		le.cancel()
		select {
		case <-le.runDone:
		case <-time.After(5 * time.Second):
			t.Errorf("engine did not shut down")
		}
		sock.Close()
	})
	return le
}

func (le *liveEngine) awaitResults(t *testing.T, cond func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		reply, err := le.client.Call("get_results", nil)
		if err != nil {
			t.Fatalf("get_results: %v", err)
		}
		m, ok := reply.(map[string]any)
		if !ok {
			t.Fatalf("get_results reply type %T", reply)
		}
		if cond(m) {
			return m
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met")
	return nil
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func TestEndToEndCalibration(t *testing.T) {
	le := startLiveEngine(t)

	// Before any command the settings are exactly the bootstrap reads.
	reply, err := le.client.Call("get_settings", nil)
	if err != nil {
		t.Fatalf("get_settings: %v", err)
	}
	settings := reply.(map[string]any)
	if got := asFloat(settings["tx_gain"]); got != 60 {
		t.Errorf("bootstrap tx_gain: got %v", got)
	}
	if got := asFloat(settings["rx_gain"]); got != 20 {
		t.Errorf("bootstrap rx_gain: got %v", got)
	}
	if got := asFloat(settings["digital_gain"]); got != 0.5 {
		t.Errorf("bootstrap digital_gain: got %v", got)
	}

	if err := le.client.Notify("calibrate"); err != nil {
		t.Fatalf("calibrate: %v", err)
	}

	results := le.awaitResults(t, func(m map[string]any) bool {
		summary, _ := m["summary"].([]any)
		return m["state"] == "Idle" && len(summary) > 0 && summary[0] == "Calibration was done:"
	})
	if got := asFloat(results["stateprogress"]); got != 0 {
		t.Errorf("progress after calibration: got %v", got)
	}
	if got := asFloat(results["tx_median"]); got != 0.35 {
		t.Errorf("tx_median: got %v", got)
	}
	if got := asFloat(results["rx_median"]); got != 0.048 {
		t.Errorf("rx_median: got %v", got)
	}

	// Settings must now match the adapter's post-calibration truth.
	reply, err = le.client.Call("get_settings", nil)
	if err != nil {
		t.Fatalf("get_settings: %v", err)
	}
	settings = reply.(map[string]any)
	rxGain, _ := le.rig.adapter.RxGain()
	digitalGain, _ := le.rig.adapter.DigitalGain()
	if got := asFloat(settings["rx_gain"]); got != rxGain {
		t.Errorf("post-calibration rx_gain: got %v want %v", got, rxGain)
	}
	if got := asFloat(settings["digital_gain"]); got != digitalGain {
		t.Errorf("post-calibration digital_gain: got %v want %v", got, digitalGain)
	}
}

func TestEndToEndTriggerRun(t *testing.T) {
	le := startLiveEngine(t)

	if err := le.client.Notify("trigger_run"); err != nil {
		t.Fatalf("trigger_run: %v", err)
	}

	le.awaitResults(t, func(m map[string]any) bool {
		summary, _ := m["summary"].([]any)
		if len(summary) == 0 {
			return false
		}
		first, _ := summary[0].(string)
		return strings.HasPrefix(first, "Adaptation iteration")
	})

	if len(le.rig.adapter.pushedPred) == 0 {
		t.Errorf("no coefficients pushed after trigger_run")
	}
}

func TestUnknownMethodYieldsError(t *testing.T) {
	le := startLiveEngine(t)

	_, err := le.client.Call("frobnicate", nil)
	if err == nil {
		t.Fatalf("expected error response")
	}
	if !yamlrpc.IsRemoteError(err) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if !strings.Contains(err.Error(), "not understood") {
		t.Errorf("diagnostic: %v", err)
	}
}

func TestSetSettingIsRejected(t *testing.T) {
	le := startLiveEngine(t)

	_, err := le.client.Call("set_setting", map[string]any{"setting": "rx_gain", "value": 10})
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if !strings.Contains(err.Error(), "not implemented") {
		t.Errorf("diagnostic: %v", err)
	}
}

func TestKnownQueriesNeverError(t *testing.T) {
	le := startLiveEngine(t)

	for _, method := range []string{"get_settings", "get_results"} {
		if _, err := le.client.Call(method, nil); err != nil {
			t.Errorf("%s: %v", method, err)
		}
	}
	for _, method := range []string{"calibrate", "trigger_run", "reset"} {
		if err := le.client.Notify(method); err != nil {
			t.Errorf("%s: %v", method, err)
		}
		// Give the worker time to drain the queue between commands so
		// the test never depends on queue backpressure.
		le.awaitResults(t, func(m map[string]any) bool {
			return m["state"] == "Idle"
		})
	}
}

func TestChannelFatalTriggersShutdown(t *testing.T) {
	rig := newTestRig(Settings{})
	sock, err := yamlrpc.Bind(0, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	eng := New(sock, Settings{}, Collaborators{
		Capture:    rig.capture,
		Stats:      rig.stats,
		Fitter:     rig.fitter,
		Adapter:    rig.adapter,
		AGC:        rig.agc,
		Heuristics: stubHeuristics{required: 1, lr: 0.2},
		Diag:       stubDiag{},
	}, 1, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(context.Background()) }()

	// Killing the socket under the receive loop is a transport fault:
	// the engine must shut down orderly and report the fault.
	time.Sleep(100 * time.Millisecond)
	sock.Close()

	select {
	case err := <-runDone:
		if err == nil {
			t.Fatalf("expected channel-fatal error")
		}
		if KindOf(err) != KindChannelFatal {
			t.Errorf("kind: got %v", KindOf(err))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not shut down after socket failure")
	}

	if got := eng.Shared.Results().State; got != StateTerminated {
		t.Errorf("state after shutdown: got %q", got)
	}
}
