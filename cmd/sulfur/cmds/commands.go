//go:build linux

package cmds

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/adoerr/sulfur/pkg/config"
	"github.com/adoerr/sulfur/pkg/logflags"
	"github.com/adoerr/sulfur/pkg/proc"
	"github.com/adoerr/sulfur/pkg/proc/native"
	"github.com/adoerr/sulfur/pkg/terminal"
	"github.com/adoerr/sulfur/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// attachPid is the pid of the process to attach to.
	attachPid int
	// noTrace launches the program without tracing it.
	noTrace bool
	// disableASLR launches the program with address space randomization off.
	disableASLR bool

	waitFor         string
	waitForInterval float64
	waitForDuration float64

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const sulfurCommandLongDesc = `Sulfur is a native debugger for POSIX processes.

Sulfur launches a program under its control, or attaches to a running process,
and lets you resume it and observe why it stopped, exited or was terminated.

Everything after the program name is passed to the program unchanged:

` + "`sulfur ls -l /tmp`"

var errArgumentsMissing = errors.New("Arguments missing")

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config: %v\n", err)
		conf = &config.Config{}
	}

	// Main sulfur root command.
	rootCommand = &cobra.Command{
		Use:           "sulfur [flags] <program> [args...]",
		Short:         "Sulfur is a native debugger for POSIX processes.",
		Long:          sulfurCommandLongDesc,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run:           rootCmd,
	}
	// Flags after the program name belong to the program.
	rootCommand.Flags().SetInterspersed(false)

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'sulfur help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'sulfur help log').")

	rootCommand.Flags().IntVarP(&attachPid, "pid", "p", 0, "Attach to the running process with this pid.")
	rootCommand.Flags().StringVar(&waitFor, "waitfor", "", "Wait for a process with a name beginning with this prefix, then attach to it.")
	rootCommand.Flags().Float64Var(&waitForInterval, "waitfor-interval", 1, "Interval in milliseconds between checks of the process list.")
	rootCommand.Flags().Float64Var(&waitForDuration, "waitfor-duration", 0, "Total time in seconds to wait for a process.")
	rootCommand.Flags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	rootCommand.Flags().StringVar(&tty, "tty", "", "TTY to use for the target program.")
	rootCommand.Flags().BoolVar(&noTrace, "no-trace", false, "Launch the program without tracing it.")
	rootCommand.Flags().BoolVar(&disableASLR, "disable-aslr", false, "Disable address space randomization for the launched program.")
	rootCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sulfur Debugger\n%s\n", version.SulfurVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	native		Log launch, attach, wait and teardown of the target
	pipe		Log traffic on the launch diagnostic pipe
	terminal	Log command loop events

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

type targetKind int

const (
	launchTarget = targetKind(iota)
	attachTarget
	waitForTarget
)

// targetSpec says how the debugger acquires its target.
type targetSpec struct {
	kind    targetKind
	pid     int
	args    []string
	waitFor *proc.WaitFor
}

func parseTarget(cmd *cobra.Command, args []string) (*targetSpec, error) {
	pidSet := cmd.Flags().Changed("pid")
	given := 0
	for _, b := range []bool{pidSet, waitFor != "", len(args) > 0} {
		if b {
			given++
		}
	}
	switch {
	case given == 0:
		return nil, errArgumentsMissing
	case given > 1:
		return nil, errors.New("only one of <program>, --pid and --waitfor can be used")
	case pidSet:
		return &targetSpec{kind: attachTarget, pid: attachPid}, nil
	case waitFor != "":
		wf := &proc.WaitFor{
			Name:     waitFor,
			Interval: time.Duration(waitForInterval * float64(time.Millisecond)),
			Duration: time.Duration(waitForDuration * float64(time.Second)),
		}
		return &targetSpec{kind: waitForTarget, waitFor: wf}, nil
	}
	return &targetSpec{kind: launchTarget, args: args}, nil
}

// launchFlags merges the command line with the configuration file.
func launchFlags(conf *config.Config) proc.LaunchFlags {
	var flags proc.LaunchFlags
	if conf.Trace() && !noTrace {
		flags |= proc.LaunchTrace
	}
	if disableASLR || conf.DisableASLR {
		flags |= proc.LaunchDisableASLR
	}
	return flags
}

func rootCmd(cmd *cobra.Command, args []string) {
	spec, err := parseTarget(cmd, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errArgumentsMissing) {
			cmd.Usage()
		}
		os.Exit(1)
	}
	os.Exit(execute(spec, conf))
}

func acquire(spec *targetSpec, conf *config.Config) (*native.Process, error) {
	switch spec.kind {
	case attachTarget:
		return native.Attach(spec.pid)
	case waitForTarget:
		pid, err := native.WaitFor(spec.waitFor)
		if err != nil {
			return nil, err
		}
		return native.Attach(pid)
	}
	return native.Launch(spec.args, workingDir, launchFlags(conf), tty)
}

func execute(spec *targetSpec, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	p, err := acquire(spec, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not acquire target: %v\n", err)
		return 1
	}
	defer p.Close()

	if p.Attached() {
		fmt.Printf("Process %d stopped\n", p.Pid())
	} else {
		fmt.Printf("Process %d launched without tracing\n", p.Pid())
	}

	term := terminal.New(p, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
