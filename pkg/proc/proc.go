package proc

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LaunchFlags specifies options that can be passed to Launch.
type LaunchFlags uint8

const (
	// LaunchTrace requests that the new process is put under trace control
	// before it executes the target program.
	LaunchTrace LaunchFlags = 1 << iota
	// LaunchDisableASLR disables address space randomization for the target.
	LaunchDisableASLR
)

// ErrInvalidArgument is returned when an operation is called with an
// argument it can never accept, before any system call is made.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrProcessDetached indicates that we detached from the target process.
var ErrProcessDetached = errors.New("detached from the process")

// SystemCallError is returned when an operating system call failed. Step
// describes what was being attempted.
type SystemCallError struct {
	Step string
	Err  error
}

// NewSystemCallError wraps err, the result of a failed system call.
func NewSystemCallError(step string, err error) *SystemCallError {
	return &SystemCallError{Step: step, Err: err}
}

// ParseSystemCallError rebuilds a SystemCallError from the "<step>: <text>"
// message produced by its Error method, such as one relayed by a child
// process over a diagnostic channel.
func ParseSystemCallError(msg string) *SystemCallError {
	step, text, found := strings.Cut(msg, ": ")
	if !found {
		return &SystemCallError{Step: msg}
	}
	return &SystemCallError{Step: step, Err: errors.New(text)}
}

func (e *SystemCallError) Error() string {
	if e.Err == nil {
		return e.Step
	}
	return e.Step + ": " + e.Err.Error()
}

func (e *SystemCallError) Unwrap() error {
	return e.Err
}

// ProcessExitedError indicates that the process has already exited or
// was terminated and can no longer be controlled.
type ProcessExitedError struct {
	Pid   int
	State ProcessState
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("process %d has %s", pe.Pid, pe.State)
}

// WaitFor describes a process to wait for before attaching to it.
type WaitFor struct {
	// Name is a prefix of the command line of the process.
	Name string
	// Interval is the time between two scans of the process list.
	Interval time.Duration
	// Duration is how long to wait in total, zero means forever.
	Duration time.Duration
}

// Valid returns true if the WaitFor names a process.
func (wf *WaitFor) Valid() bool {
	return wf != nil && wf.Name != ""
}
