package terminal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/adoerr/sulfur/pkg/proc"
)

type fakeTarget struct {
	pid       int
	resumes   int
	reasons   []proc.StopReason
	resumeErr error
}

func (ft *fakeTarget) Pid() int { return ft.pid }

func (ft *fakeTarget) Resume() error {
	if ft.resumeErr != nil {
		return ft.resumeErr
	}
	ft.resumes++
	return nil
}

func (ft *fakeTarget) WaitOnSignal() (proc.StopReason, error) {
	if len(ft.reasons) == 0 {
		return proc.StopReason{}, errors.New("no more stops")
	}
	r := ft.reasons[0]
	ft.reasons = ft.reasons[1:]
	return r, nil
}

func newTestTerm(target Target) (*Term, *bytes.Buffer) {
	out := new(bytes.Buffer)
	return &Term{
		target: target,
		prompt: "sulfur> ",
		cmds:   DebugCommands(),
		dumb:   true,
		stdout: out,
	}, out
}

func TestFindExactAndPrefix(t *testing.T) {
	cmds := DebugCommands()
	for _, name := range []string{"continue", "c", "co", "cont", "exit", "e", "q", "quit", "help", "h", "he"} {
		_, err := cmds.Find(name)
		assert.NoError(t, err, name)
	}
}

func TestFindUnknown(t *testing.T) {
	_, err := DebugCommands().Find("frobnicate")
	require.Error(t, err)
	assert.Equal(t, "Unknown command: frobnicate", err.Error())
	assert.IsType(t, UnknownCommandError{}, err)
}

func TestFindAmbiguousAfterMerge(t *testing.T) {
	cmds := DebugCommands()
	cmds.Merge(map[string][]string{"exit": {"cont"}})

	_, err := cmds.Find("con")
	require.Error(t, err)
	var amb AmbiguousCommandError
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, []string{"continue", "exit"}, amb.Candidates)

	// exact alias wins over the longer name sharing it as prefix
	fn, err := cmds.Find("cont")
	require.NoError(t, err)
	assert.Equal(t, ExitRequestError{}, fn(nil, nil))
}

func TestMergeIsRepeatable(t *testing.T) {
	cmds := DebugCommands()
	cmds.Merge(map[string][]string{"continue": {"go"}})
	cmds.Merge(map[string][]string{"continue": {"run"}})

	_, err := cmds.Find("go")
	assert.Error(t, err)
	_, err = cmds.Find("run")
	assert.NoError(t, err)
}

func TestContinueRendersStop(t *testing.T) {
	target := &fakeTarget{pid: 42, reasons: []proc.StopReason{
		{State: proc.StateStopped, Info: uint8(sys.SIGTRAP)},
		{State: proc.StateExited, Info: 3},
	}}
	term, out := newTestTerm(target)

	require.NoError(t, term.cmds.Call("continue", term))
	assert.Equal(t, "Process 42 stopped with signal TRAP\n", out.String())

	out.Reset()
	require.NoError(t, term.cmds.Call("", term))
	assert.Equal(t, "Process 42 exited with code 3\n", out.String())
	assert.Equal(t, 2, target.resumes)
}

func TestContinueRejectsArguments(t *testing.T) {
	term, _ := newTestTerm(&fakeTarget{pid: 1})
	assert.Error(t, term.cmds.Call("continue now", term))
}

func TestContinueAfterExit(t *testing.T) {
	target := &fakeTarget{pid: 7, resumeErr: proc.ProcessExitedError{Pid: 7, State: proc.StateExited}}
	term, _ := newTestTerm(target)

	err := term.cmds.Call("c", term)
	var exited proc.ProcessExitedError
	require.True(t, errors.As(err, &exited))
	assert.Equal(t, 7, exited.Pid)
}

func TestEmptyLineWithoutPreviousCommand(t *testing.T) {
	term, out := newTestTerm(&fakeTarget{pid: 1})
	assert.NoError(t, term.cmds.Call("", term))
	assert.NoError(t, term.cmds.Call("   ", term))
	assert.Empty(t, out.String())
}

func TestExitCommand(t *testing.T) {
	term, _ := newTestTerm(&fakeTarget{pid: 1})
	err := term.cmds.Call("quit", term)
	assert.IsType(t, ExitRequestError{}, err)
}

func TestHelp(t *testing.T) {
	term, out := newTestTerm(&fakeTarget{pid: 1})

	require.NoError(t, term.cmds.Call("help", term))
	assert.Contains(t, out.String(), "continue (alias: c)")
	assert.Contains(t, out.String(), "exit (alias: quit | q)")

	out.Reset()
	require.NoError(t, term.cmds.Call(`help "continue"`, term))
	assert.Contains(t, out.String(), "Run until the process stops")

	assert.IsType(t, UnknownCommandError{}, term.cmds.Call("help nothing", term))
}

func TestSplitArgs(t *testing.T) {
	args, err := splitArgs(`help   "a b" c`)
	require.NoError(t, err)
	assert.Equal(t, []string{"help", "a b", "c"}, args)

	_, err = splitArgs("continue | tee")
	assert.Error(t, err)
}

func TestFormatStopReason(t *testing.T) {
	tests := []struct {
		reason proc.StopReason
		want   string
	}{
		{proc.StopReason{State: proc.StateExited, Info: 0}, "Process 9 exited with code 0"},
		{proc.StopReason{State: proc.StateExited, Info: 255}, "Process 9 exited with code 255"},
		{proc.StopReason{State: proc.StateStopped, Info: uint8(sys.SIGSTOP)}, "Process 9 stopped with signal STOP"},
		{proc.StopReason{State: proc.StateTerminated, Info: uint8(sys.SIGKILL)}, "Process 9 terminated with signal KILL"},
		{proc.StopReason{State: proc.StateContinued, Info: uint8(sys.SIGCONT)}, "Process 9 continued"},
		{proc.StopReason{State: proc.StateUnknown}, "Process 9 in unknown state"},
		{proc.StopReason{State: proc.StateStopped, Info: 200}, "Process 9 stopped with signal 200"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, FormatStopReason(9, tc.reason))
	}
}

func TestExecuteFile(t *testing.T) {
	target := &fakeTarget{pid: 3, reasons: []proc.StopReason{{State: proc.StateExited, Info: 1}}}
	term, out := newTestTerm(target)

	name := filepath.Join(t.TempDir(), "init")
	require.NoError(t, os.WriteFile(name, []byte("# comment\n\ncontinue\nbogus\nexit\nhelp\n"), 0o600))

	err := term.cmds.executeFile(term, name)
	assert.IsType(t, ExitRequestError{}, err)
	assert.Equal(t, 1, target.resumes)
	assert.Contains(t, out.String(), "Process 3 exited with code 1")
	assert.Contains(t, out.String(), name+":4: Unknown command: bogus")
	assert.NotContains(t, out.String(), "The following commands are available")
}
