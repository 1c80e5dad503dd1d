//go:build linux

package native

import (
	"errors"
	"os"
	"os/exec"
	"runtime"

	"github.com/moby/sys/reexec"
	"github.com/spf13/pflag"
	sys "golang.org/x/sys/unix"

	"github.com/adoerr/sulfur/pkg/proc"
	"github.com/adoerr/sulfur/pkg/proc/diagpipe"
)

// launchHelperName is argv[0] of the helper process Launch starts. Binaries
// that use this package must call reexec.Init first thing in main (or in
// TestMain) so that the helper runs launchHelper instead of the program.
const launchHelperName = "sulfur-launch"

// diagFd is the descriptor the write half of the diagnostic pipe is
// inherited on, the first entry of exec.Cmd.ExtraFiles.
const diagFd = 3

func init() {
	reexec.Register(launchHelperName, launchHelper)
	if len(os.Args) > 0 && os.Args[0] == launchHelperName {
		// PTRACE_TRACEME and execve must be issued by the same thread,
		// locking during init keeps main on the main thread.
		runtime.LockOSThread()
	}
}

func launchHelperArgs(cmd []string, flags proc.LaunchFlags) []string {
	args := []string{launchHelperName}
	if flags&proc.LaunchTrace != 0 {
		args = append(args, "--trace")
	}
	if flags&proc.LaunchDisableASLR != 0 {
		args = append(args, "--disable-aslr")
	}
	args = append(args, "--")
	return append(args, cmd...)
}

// launchHelper runs in the process created by Launch. It either replaces
// itself with the target program or reports why it could not and exits.
func launchHelper() {
	diag := diagpipe.FromWriteFD(diagFd)
	diag.SetCloseOnExec()

	fs := pflag.NewFlagSet(launchHelperName, pflag.ContinueOnError)
	fs.SetInterspersed(false)
	trace := fs.Bool("trace", false, "request tracing before exec")
	noASLR := fs.Bool("disable-aslr", false, "disable address space randomization")
	if err := fs.Parse(os.Args[1:]); err != nil {
		exitWithError(diag, "parse launch arguments failed", err)
	}
	argv := fs.Args()
	if len(argv) == 0 {
		exitWithError(diag, "parse launch arguments failed", errors.New("no program"))
	}

	if *noASLR {
		if err := disableASLR(); err != nil {
			exitWithError(diag, "personality failed", err)
		}
	}
	if *trace {
		if err := ptraceTraceme(); err != nil {
			exitWithError(diag, "ptrace traceme failed", err)
		}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil && !errors.Is(err, exec.ErrDot) {
		exitWithError(diag, "exec failed", err)
	}
	err = sys.Exec(path, argv, os.Environ())
	exitWithError(diag, "exec failed", err)
}

func exitWithError(diag *diagpipe.Pipe, step string, err error) {
	diag.WriteMessage([]byte(proc.NewSystemCallError(step, err).Error()))
	os.Exit(1)
}
