//go:build linux

package native

import (
	"syscall"

	sys "golang.org/x/sys/unix"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceTraceme executes ptrace PTRACE_TRACEME, making the parent of the
// calling thread its tracer.
func ptraceTraceme() error {
	_, _, err := sys.RawSyscall(sys.SYS_PTRACE, sys.PTRACE_TRACEME, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// disableASLR turns off address space randomization for the calling
// process and every program it executes.
func disableASLR() error {
	oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
	_, _, err = syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}
