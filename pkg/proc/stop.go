package proc

import "fmt"

// ProcessState is the execution state a target was last observed in.
type ProcessState uint8

const (
	// StateRunning means the target was resumed. Until the next wait this is
	// a prediction, not an observation.
	StateRunning ProcessState = iota
	// StateStopped means the target is stopped by a signal.
	StateStopped
	// StateExited means the target exited normally.
	StateExited
	// StateTerminated means the target was killed by a signal.
	StateTerminated
	// StateContinued means a stopped target was resumed by SIGCONT.
	StateContinued
	// StateUnknown is reported for a wait status that is none of the above.
	StateUnknown
)

func (s ProcessState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	case StateTerminated:
		return "terminated"
	case StateContinued:
		return "continued"
	case StateUnknown:
		return "unknown"
	}
	return fmt.Sprintf("ProcessState(%d)", uint8(s))
}

// Terminal returns true if no further control of the target is possible.
func (s ProcessState) Terminal() bool {
	return s == StateExited || s == StateTerminated
}

// StopReason describes why the state of a target changed.
//
// Info is the exit code for StateExited, the terminating signal for
// StateTerminated, the stopping signal for StateStopped and SIGCONT for
// StateContinued.
type StopReason struct {
	State ProcessState
	Info  uint8
}

func (r StopReason) String() string {
	return fmt.Sprintf("%s(%d)", r.State, r.Info)
}
