//go:build linux

package native

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/moby/sys/reexec"
	sys "golang.org/x/sys/unix"

	"github.com/adoerr/sulfur/pkg/logflags"
	"github.com/adoerr/sulfur/pkg/proc"
	"github.com/adoerr/sulfur/pkg/proc/diagpipe"
)

// Process statuses
const (
	statusTraceStop = 't'
	statusStopped   = 'T'
	statusZombie    = 'Z'
)

// Launch creates a new process running cmd. The first entry in cmd is the
// program to run, resolved through PATH, the rest are its arguments. wd is
// the working directory of the program, tty an optional terminal to use as
// its standard input and output.
//
// If flags contains proc.LaunchTrace the process is traced from its first
// instruction: Launch returns once it has stopped after exec. Otherwise it
// returns with the process running.
//
// A failure in the new process before the program starts is reported back
// over a diagnostic pipe and returned as a *proc.SystemCallError.
func Launch(cmd []string, wd string, flags proc.LaunchFlags, tty string) (*Process, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command line", proc.ErrInvalidArgument)
	}
	trace := flags&proc.LaunchTrace != 0

	diag, err := diagpipe.New(true)
	if err != nil {
		return nil, err
	}
	defer diag.Close()
	// The child gets the write half as its fd 3, our copy is closed as
	// soon as the child has been started.
	childEnd := os.NewFile(uintptr(diag.ReleaseWrite()), "diagpipe")

	log := logflags.NativeLogger()
	dbp := newProcess(0)
	var ctty *os.File
	step := "fork failed"
	dbp.execPtraceFunc(func() {
		defer childEnd.Close()

		process := reexec.Command(launchHelperArgs(cmd, flags)...)
		process.Stdin = os.Stdin
		process.Stdout = os.Stdout
		process.Stderr = os.Stderr
		process.ExtraFiles = []*os.File{childEnd}
		process.SysProcAttr = &syscall.SysProcAttr{
			Pdeathsig: syscall.SIGKILL,
		}
		if tty != "" {
			ctty, err = attachProcessToTTY(process, tty)
			if err != nil {
				step = "open tty failed"
				return
			}
		}
		if wd != "" {
			process.Dir = wd
		}
		err = process.Start()
		if err == nil {
			dbp.pid = process.Process.Pid
			// The process is waited for with wait4 from now on.
			process.Process.Release()
		}
	})
	if ctty != nil {
		ctty.Close()
	}
	if err != nil {
		dbp.stopPtraceFuncs()
		return nil, proc.NewSystemCallError(step, err)
	}
	dbp.childProcess = true
	log = log.WithField("pid", dbp.pid)
	log.Debugf("started %q (trace=%v)", cmd, trace)

	msg, err := diag.ReadMessage()
	if err == nil && len(msg) > 0 {
		err = proc.ParseSystemCallError(string(msg))
	}
	if err != nil {
		log.Debugf("launch failed: %v", err)
		dbp.execPtraceFunc(func() {
			sys.Kill(dbp.pid, sys.SIGKILL)
			if err := dbp.reap(); err != nil {
				log.Warnf("could not reap process: %v", err)
			}
		})
		dbp.stopPtraceFuncs()
		return nil, err
	}

	dbp.attached = trace
	if trace {
		if _, err := dbp.WaitOnSignal(); err != nil {
			dbp.Close()
			return nil, fmt.Errorf("waiting for target execve failed: %w", err)
		}
	}
	return dbp, nil
}

// Attach to an existing process with the given PID. The process is
// stopped when Attach returns.
func Attach(pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: pid %d", proc.ErrInvalidArgument, pid)
	}

	dbp := newProcess(pid)

	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(dbp.pid) })
	if err != nil {
		dbp.stopPtraceFuncs()
		return nil, proc.NewSystemCallError("ptrace attach failed", err)
	}
	dbp.attached = true
	logflags.NativeLogger().WithField("pid", pid).Debug("attached")

	if _, err := dbp.WaitOnSignal(); err != nil {
		dbp.Close()
		return nil, err
	}
	return dbp, nil
}

// WaitFor polls the process list until a process whose command line starts
// with waitFor.Name appears and returns its pid.
func WaitFor(waitFor *proc.WaitFor) (int, error) {
	if !waitFor.Valid() {
		return 0, fmt.Errorf("%w: empty process name", proc.ErrInvalidArgument)
	}
	t0 := time.Now()
	seen := map[int]struct{}{os.Getpid(): {}}
	for (waitFor.Duration == 0) || (time.Since(t0) < waitFor.Duration) {
		pid, err := waitForSearchProcess(waitFor.Name, seen)
		if err != nil {
			return 0, err
		}
		if pid != 0 {
			return pid, nil
		}
		time.Sleep(waitFor.Interval)
	}
	return 0, errors.New("waitfor duration expired")
}

func isProcDir(name string) bool {
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

func waitForSearchProcess(pfx string, seen map[int]struct{}) (int, error) {
	log := logflags.NativeLogger()
	des, err := os.ReadDir("/proc")
	if err != nil {
		log.Errorf("error reading proc: %v", err)
		return 0, nil
	}
	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		if !isProcDir(name) {
			continue
		}
		pid, _ := strconv.Atoi(name)
		if _, isseen := seen[pid]; isseen {
			continue
		}
		seen[pid] = struct{}{}
		if status(pid) == statusZombie {
			continue
		}
		buf, err := os.ReadFile(filepath.Join("/proc", name, "cmdline"))
		if err != nil {
			// probably we just don't have permissions
			continue
		}
		for i := range buf {
			if buf[i] == 0 {
				buf[i] = ' '
			}
		}
		log.Debugf("waitfor: new process %q", string(buf))
		if strings.HasPrefix(string(buf), pfx) {
			return pid, nil
		}
	}
	return 0, nil
}

// status returns the state letter of pid from /proc/pid/stat, 0 if it
// cannot be read.
func status(pid int) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return '\000'
	}
	// The second field is the command name in parentheses, it can contain
	// both spaces and parentheses so the state follows the last ')'.
	i := strings.LastIndexByte(line, ')')
	if i < 0 || i+2 >= len(line) {
		return '\000'
	}
	return rune(line[i+2])
}
