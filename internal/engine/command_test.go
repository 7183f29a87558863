package engine

import (
	"testing"
	"time"
)

func TestQueueHoldsExactlyOneCommand(t *testing.T) {
	q := NewCommandQueue()
	q.Submit(CommandCalibrate)

	second := make(chan struct{})
	go func() {
		q.Submit(CommandTriggerRun)
		close(second)
	}()

	select {
	case <-second:
		t.Fatalf("second submit did not block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	// Dequeuing the first command frees the slot; the blocked submit
	// completes without waiting for any execution.
	if got := q.Receive(); got != CommandCalibrate {
		t.Fatalf("first receive: got %v", got)
	}
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatalf("second submit still blocked after dequeue")
	}
	if got := q.Receive(); got != CommandTriggerRun {
		t.Fatalf("second receive: got %v", got)
	}
}

func TestCommandStrings(t *testing.T) {
	cases := map[Command]string{
		CommandTriggerRun: "trigger_run",
		CommandReset:      "reset",
		CommandCalibrate:  "calibrate",
		CommandQuit:       "quit",
	}
	for cmd, want := range cases {
		if got := cmd.String(); got != want {
			t.Errorf("%d: got %q want %q", cmd, got, want)
		}
	}
}
