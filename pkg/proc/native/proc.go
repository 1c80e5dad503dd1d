//go:build linux

package native

import (
	"runtime"

	sys "golang.org/x/sys/unix"

	"github.com/adoerr/sulfur/pkg/logflags"
	"github.com/adoerr/sulfur/pkg/proc"
)

// Process represents all of the information the debugger
// is holding onto regarding the process we are debugging.
//
// A Process is the only owner of the trace relationship with its target.
// It is not safe for concurrent use: every method must be called by the
// goroutine that created it, or with external synchronization.
type Process struct {
	pid int

	// childProcess is true if the process was launched, not attached to,
	// and must not outlive the debugger.
	childProcess bool
	// attached is true while the debugger is the tracer of the process.
	attached bool
	state    proc.ProcessState
	closed   bool

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
}

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		state:          proc.StateRunning,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process ID.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// State returns the state observed by the last call to WaitOnSignal, or
// StateRunning after a successful Resume.
func (dbp *Process) State() proc.ProcessState {
	return dbp.state
}

// Attached returns true if the process is traced by this debugger.
func (dbp *Process) Attached() bool {
	return dbp.attached
}

// ChildProcess returns true if the process was launched by this debugger
// and will be killed when it is closed.
func (dbp *Process) ChildProcess() bool {
	return dbp.childProcess
}

// Resume continues a stopped process. The new state is only a prediction
// until the next call to WaitOnSignal.
func (dbp *Process) Resume() error {
	if dbp.closed {
		return proc.ErrProcessDetached
	}
	if dbp.state.Terminal() {
		return proc.ProcessExitedError{Pid: dbp.pid, State: dbp.state}
	}
	var err error
	dbp.execPtraceFunc(func() { err = ptraceCont(dbp.pid, 0) })
	if err != nil {
		return proc.NewSystemCallError("ptrace continue failed", err)
	}
	logflags.NativeLogger().WithField("pid", dbp.pid).Debug("continued")
	dbp.state = proc.StateRunning
	return nil
}

// WaitOnSignal blocks until the state of the process changes, records the
// new state and returns the reason for the change.
func (dbp *Process) WaitOnSignal() (proc.StopReason, error) {
	if dbp.closed {
		return proc.StopReason{}, proc.ErrProcessDetached
	}
	options := sys.WALL
	if !dbp.attached {
		// Without ptrace job control stops are only reported on request.
		options |= sys.WUNTRACED | sys.WCONTINUED
	}
	var (
		ws  sys.WaitStatus
		err error
	)
	dbp.execPtraceFunc(func() { _, ws, err = dbp.wait(dbp.pid, options) })
	if err != nil {
		return proc.StopReason{}, proc.NewSystemCallError("waitpid failed", err)
	}
	reason := proc.DecodeWaitStatus(ws)
	logflags.NativeLogger().WithField("pid", dbp.pid).Debugf("wait status %#x: %v", uint32(ws), reason)
	dbp.state = reason.State
	return reason, nil
}

// Close relinquishes control of the process. An attached process is left
// running and untraced, a launched process is killed and reaped. Failures
// are logged, never returned. Calling Close more than once has no effect.
func (dbp *Process) Close() {
	if dbp.closed {
		return
	}
	dbp.closed = true
	defer dbp.stopPtraceFuncs()

	log := logflags.NativeLogger().WithField("pid", dbp.pid)
	if dbp.state.Terminal() {
		// Already reaped, the pid may belong to somebody else by now.
		log.Debugf("process already %s, nothing to release", dbp.state)
		return
	}
	dbp.execPtraceFunc(func() { dbp.teardown(log) })
}

func (dbp *Process) teardown(log logflags.Logger) {
	if dbp.attached && (dbp.state == proc.StateRunning || dbp.state == proc.StateContinued) {
		// PTRACE_DETACH is only accepted while the tracee is stopped.
		if err := sys.Kill(dbp.pid, sys.SIGSTOP); err != nil {
			log.Warnf("could not stop process: %v", err)
		} else if _, ws, err := dbp.wait(dbp.pid, sys.WALL); err != nil {
			log.Warnf("could not wait for stop: %v", err)
		} else {
			dbp.state = proc.DecodeWaitStatus(ws).State
		}
		if dbp.state.Terminal() {
			log.Debugf("process %s while stopping it", dbp.state)
			return
		}
	}

	if dbp.attached {
		if err := ptraceDetach(dbp.pid, 0); err != nil {
			log.Warnf("could not detach: %v", err)
		}
		if err := sys.Kill(dbp.pid, sys.SIGCONT); err != nil {
			log.Warnf("could not continue process: %v", err)
		}
		dbp.attached = false
		log.Debug("detached")
	}

	if dbp.childProcess {
		if err := sys.Kill(dbp.pid, sys.SIGKILL); err != nil {
			log.Warnf("could not kill process: %v", err)
		}
		if err := dbp.reap(); err != nil {
			log.Warnf("could not reap process: %v", err)
		}
		log.Debug("killed")
	}
}

// reap waits until the process has exited, discarding any stop
// notification still queued for it.
func (dbp *Process) reap() error {
	for {
		_, ws, err := dbp.wait(dbp.pid, sys.WALL)
		if err != nil {
			return err
		}
		if state := proc.DecodeWaitStatus(ws).State; state.Terminal() {
			dbp.state = state
			return nil
		}
	}
}

// wait calls wait4, retrying when it is interrupted by a signal.
func (dbp *Process) wait(pid, options int) (int, sys.WaitStatus, error) {
	var s sys.WaitStatus
	for {
		wpid, err := sys.Wait4(pid, &s, options, nil)
		if err == sys.EINTR {
			continue
		}
		return wpid, s, err
	}
}

// handlePtraceFuncs runs every ptrace related call for this process.
// We must ensure here that we are running on the same thread during
// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
// all commands after PTRACE_ATTACH to come from the same thread.
// The same holds for PTRACE_TRACEME: the tracer is the thread that forked
// the tracee, so launching happens on this thread too.
func (dbp *Process) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- struct{}{}
	}
	// Returning without UnlockOSThread terminates the thread, which
	// also makes the kernel drop any trace relationship it still holds.
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *Process) stopPtraceFuncs() {
	close(dbp.ptraceChan)
}
