//go:build linux || darwin || freebsd

package proc

import (
	sys "golang.org/x/sys/unix"
)

// DecodeWaitStatus translates a wait status into a StopReason. Exit is
// checked first, then termination by a signal, then a stop.
func DecodeWaitStatus(ws sys.WaitStatus) StopReason {
	switch {
	case ws.Exited():
		return StopReason{State: StateExited, Info: uint8(ws.ExitStatus())}
	case ws.Signaled():
		return StopReason{State: StateTerminated, Info: uint8(ws.Signal())}
	case ws.Stopped():
		return StopReason{State: StateStopped, Info: uint8(ws.StopSignal())}
	case ws.Continued():
		return StopReason{State: StateContinued, Info: uint8(sys.SIGCONT)}
	}
	return StopReason{State: StateUnknown}
}
