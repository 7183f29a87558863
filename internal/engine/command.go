package engine

// Command is a work item for the worker. Produced by the control
// channel, consumed exactly once by the worker.
type Command int

const (
	CommandTriggerRun Command = iota
	CommandReset
	CommandCalibrate
	CommandQuit
)

func (c Command) String() string {
	switch c {
	case CommandTriggerRun:
		return "trigger_run"
	case CommandReset:
		return "reset"
	case CommandCalibrate:
		return "calibrate"
	case CommandQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// CommandQueue is the single-slot channel between the control surface
// and the worker. Its only contract is "accept one, then block": a
// second Submit blocks until the worker has dequeued the pending
// command, which may be well before that command finishes executing.
type CommandQueue struct {
	ch chan Command
}

// NewCommandQueue builds the capacity-one queue.
func NewCommandQueue() *CommandQueue {
	return &CommandQueue{ch: make(chan Command, 1)}
}

// Submit enqueues cmd, blocking while another command is pending.
// Backpressure here is expected, not an error.
func (q *CommandQueue) Submit(cmd Command) {
	q.ch <- cmd
}

// Receive blocks for the next command.
func (q *CommandQueue) Receive() Command {
	return <-q.ch
}
