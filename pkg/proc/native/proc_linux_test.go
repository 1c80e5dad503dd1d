package native

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/moby/sys/reexec"
	sys "golang.org/x/sys/unix"

	"github.com/adoerr/sulfur/pkg/proc"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion %s: %s\n", s, err)
	}
}

func processExists(pid int) bool {
	err := sys.Kill(pid, 0)
	return err == nil || err != sys.ESRCH
}

// skipIfPtraceDenied skips the test when the environment does not allow
// this process to use ptrace, as in unprivileged containers.
func skipIfPtraceDenied(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		return
	}
	if errors.Is(err, sys.EPERM) || strings.Contains(err.Error(), sys.EPERM.Error()) {
		t.Skipf("ptrace not permitted: %v", err)
	}
}

func launch(t *testing.T, cmd []string, flags proc.LaunchFlags, tty string) *Process {
	t.Helper()
	p, err := Launch(cmd, "", flags, tty)
	skipIfPtraceDenied(t, err)
	assertNoError(err, t, "Launch()")
	t.Cleanup(p.Close)
	return p
}

func attach(t *testing.T, pid int) *Process {
	t.Helper()
	p, err := Attach(pid)
	skipIfPtraceDenied(t, err)
	assertNoError(err, t, "Attach()")
	t.Cleanup(p.Close)
	return p
}

// startSleeper starts a process that is a child of the test, not of the
// debugger, to attach to.
func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	assertNoError(cmd.Start(), t, "Start()")
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd
}

// openPTY returns the name of a terminal for targets that write to their
// standard output, so that they do not flood the test output.
func openPTY(t *testing.T) string {
	t.Helper()
	ptmx, tty, err := pty.Open()
	assertNoError(err, t, "pty.Open()")
	t.Cleanup(func() {
		tty.Close()
		ptmx.Close()
	})
	return tty.Name()
}

func tracerPid(pid int) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "TracerPid:"); ok {
			return strconv.Atoi(strings.TrimSpace(v))
		}
	}
	return 0, fmt.Errorf("no TracerPid in /proc/%d/status", pid)
}

// waitRunningUntraced polls until pid is neither stopped nor traced.
func waitRunningUntraced(t *testing.T, pid int) {
	t.Helper()
	var (
		st     rune
		tracer int
		err    error
	)
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(20 * time.Millisecond) {
		st = status(pid)
		tracer, err = tracerPid(pid)
		if err == nil && tracer == 0 && st != statusStopped && st != statusTraceStop {
			return
		}
	}
	t.Fatalf("process %d not released: state %q tracer %d (%v)", pid, st, tracer, err)
}

func TestLaunch(t *testing.T) {
	p := launch(t, []string{"yes"}, proc.LaunchTrace, openPTY(t))
	if !processExists(p.Pid()) {
		t.Fatalf("process %d does not exist", p.Pid())
	}
	if p.State() != proc.StateStopped {
		t.Fatalf("expected the process to be stopped after exec, got %v", p.State())
	}
	if !p.Attached() || !p.ChildProcess() {
		t.Fatalf("unexpected ownership attached=%v child=%v", p.Attached(), p.ChildProcess())
	}
	if st := status(p.Pid()); st != statusTraceStop && st != statusStopped {
		t.Fatalf("expected trace stop, got %q", st)
	}
}

func TestLaunchNonexistent(t *testing.T) {
	_, err := Launch([]string{"/nonexistent/path/to/executable"}, "", proc.LaunchTrace, "")
	skipIfPtraceDenied(t, err)
	if err == nil {
		t.Fatal("expected error launching a nonexistent program")
	}
	var scerr *proc.SystemCallError
	if !errors.As(err, &scerr) || scerr.Step != "exec failed" {
		t.Fatalf("unexpected error %#v", err)
	}
	if !strings.Contains(err.Error(), "/nonexistent/path/to/executable") {
		t.Fatalf("error does not name the program: %v", err)
	}

	var ws sys.WaitStatus
	wpid, _ := sys.Wait4(-1, &ws, sys.WNOHANG|sys.WALL, nil)
	if wpid > 0 {
		t.Fatalf("found unreaped child %d (status %#x)", wpid, uint32(ws))
	}
}

func TestLaunchEmptyCommand(t *testing.T) {
	_, err := Launch(nil, "", proc.LaunchTrace, "")
	if !errors.Is(err, proc.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestLaunchBadTTY(t *testing.T) {
	_, err := Launch([]string{"true"}, "", 0, "/dev/null")
	var scerr *proc.SystemCallError
	if !errors.As(err, &scerr) || scerr.Step != "open tty failed" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCloseKillsLaunchedProcess(t *testing.T) {
	p, err := Launch([]string{"yes"}, "", proc.LaunchTrace, openPTY(t))
	skipIfPtraceDenied(t, err)
	assertNoError(err, t, "Launch()")
	pid := p.Pid()
	p.Close()
	if processExists(pid) {
		t.Fatalf("process %d still exists after Close", pid)
	}
	// a second Close is a no-op
	p.Close()
}

func TestStopSignal(t *testing.T) {
	p := launch(t, []string{"yes"}, 0, openPTY(t))
	if !processExists(p.Pid()) {
		t.Fatalf("process %d does not exist", p.Pid())
	}
	if p.State() != proc.StateRunning {
		t.Fatalf("expected running, got %v", p.State())
	}

	assertNoError(sys.Kill(p.Pid(), sys.SIGSTOP), t, "Kill(SIGSTOP)")
	reason, err := p.WaitOnSignal()
	assertNoError(err, t, "WaitOnSignal()")
	want := proc.StopReason{State: proc.StateStopped, Info: uint8(sys.SIGSTOP)}
	if reason != want {
		t.Fatalf("got %v, want %v", reason, want)
	}
	if p.State() != proc.StateStopped {
		t.Fatalf("state not recorded: %v", p.State())
	}
}

func TestResumeUntilExit(t *testing.T) {
	p := launch(t, []string{"true"}, proc.LaunchTrace, "")
	assertNoError(p.Resume(), t, "Resume()")
	if p.State() != proc.StateRunning {
		t.Fatalf("expected running after resume, got %v", p.State())
	}
	reason, err := p.WaitOnSignal()
	assertNoError(err, t, "WaitOnSignal()")
	if want := (proc.StopReason{State: proc.StateExited, Info: 0}); reason != want {
		t.Fatalf("got %v, want %v", reason, want)
	}

	err = p.Resume()
	var exited proc.ProcessExitedError
	if !errors.As(err, &exited) || exited.Pid != p.Pid() {
		t.Fatalf("expected ProcessExitedError, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	p := launch(t, []string{"sh", "-c", "exit 7"}, proc.LaunchTrace, "")
	assertNoError(p.Resume(), t, "Resume()")
	reason, err := p.WaitOnSignal()
	assertNoError(err, t, "WaitOnSignal()")
	if want := (proc.StopReason{State: proc.StateExited, Info: 7}); reason != want {
		t.Fatalf("got %v, want %v", reason, want)
	}
}

func TestTerminatedBySignal(t *testing.T) {
	p := launch(t, []string{"sleep", "30"}, 0, "")
	assertNoError(sys.Kill(p.Pid(), sys.SIGTERM), t, "Kill(SIGTERM)")
	reason, err := p.WaitOnSignal()
	assertNoError(err, t, "WaitOnSignal()")
	if want := (proc.StopReason{State: proc.StateTerminated, Info: uint8(sys.SIGTERM)}); reason != want {
		t.Fatalf("got %v, want %v", reason, want)
	}
}

func TestSignalDeliveryStop(t *testing.T) {
	p := launch(t, []string{"sleep", "30"}, proc.LaunchTrace, "")
	assertNoError(p.Resume(), t, "Resume()")
	assertNoError(sys.Kill(p.Pid(), sys.SIGUSR1), t, "Kill(SIGUSR1)")
	reason, err := p.WaitOnSignal()
	assertNoError(err, t, "WaitOnSignal()")
	if want := (proc.StopReason{State: proc.StateStopped, Info: uint8(sys.SIGUSR1)}); reason != want {
		t.Fatalf("got %v, want %v", reason, want)
	}
}

func TestDisableASLR(t *testing.T) {
	p := launch(t, []string{"sleep", "30"}, proc.LaunchTrace|proc.LaunchDisableASLR, "")
	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/personality", p.Pid()))
	assertNoError(err, t, "ReadFile(personality)")
	persona, err := strconv.ParseUint(strings.TrimSpace(string(buf)), 16, 32)
	assertNoError(err, t, "ParseUint()")
	if persona&_ADDR_NO_RANDOMIZE == 0 {
		t.Fatalf("ADDR_NO_RANDOMIZE not set in personality %#x", persona)
	}
}

func TestAttachInvalidPid(t *testing.T) {
	for _, pid := range []int{-5, 0} {
		_, err := Attach(pid)
		if !errors.Is(err, proc.ErrInvalidArgument) {
			t.Fatalf("Attach(%d): expected invalid argument, got %v", pid, err)
		}
	}
}

func TestAttachNonexistent(t *testing.T) {
	_, err := Attach(1<<31 - 1)
	skipIfPtraceDenied(t, err)
	if !errors.Is(err, sys.ESRCH) {
		t.Fatalf("expected ESRCH, got %v", err)
	}
}

func TestAttachDetachStopped(t *testing.T) {
	cmd := startSleeper(t)
	p := attach(t, cmd.Process.Pid)
	if p.State() != proc.StateStopped {
		t.Fatalf("expected stopped after attach, got %v", p.State())
	}
	if p.ChildProcess() {
		t.Fatal("attached process must not be owned")
	}
	p.Close()
	waitRunningUntraced(t, cmd.Process.Pid)

	if err := p.Resume(); err != proc.ErrProcessDetached {
		t.Fatalf("expected %v after Close, got %v", proc.ErrProcessDetached, err)
	}
	if _, err := p.WaitOnSignal(); err != proc.ErrProcessDetached {
		t.Fatalf("expected %v after Close, got %v", proc.ErrProcessDetached, err)
	}
}

func TestAttachDetachRunning(t *testing.T) {
	cmd := startSleeper(t)
	p := attach(t, cmd.Process.Pid)
	assertNoError(p.Resume(), t, "Resume()")
	p.Close()
	waitRunningUntraced(t, cmd.Process.Pid)
}

func TestWaitFor(t *testing.T) {
	cmd := exec.Command("sleep", "29.5")
	assertNoError(cmd.Start(), t, "Start()")
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	pid, err := WaitFor(&proc.WaitFor{Name: "sleep 29.5", Interval: 10 * time.Millisecond, Duration: 5 * time.Second})
	assertNoError(err, t, "WaitFor()")
	if pid != cmd.Process.Pid {
		t.Fatalf("expected pid %d, got %d", cmd.Process.Pid, pid)
	}

	_, err = WaitFor(&proc.WaitFor{Name: "no such process 8f3a", Interval: 10 * time.Millisecond, Duration: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected WaitFor to time out")
	}
}
