// Package terminal implements functions for responding to user
// input and dispatching to the process controller.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	sys "golang.org/x/sys/unix"

	"github.com/adoerr/sulfur/pkg/proc"
)

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Commands represents the commands for the sulfur terminal.
type Commands struct {
	cmds []command
	// names maps every alias of every command to its index in cmds.
	names *trie.Trie
	// last is the most recent command line, repeated on an empty line.
	last string
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, cmdFn: cont, helpMsg: `Run until the process stops, exits or is terminated.

	continue

Prints why the process stopped once it does.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit

A launched process is killed, an attached process is detached from and
left running.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.index()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) index() {
	c.names = trie.New()
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			c.names.Add(alias, i)
		}
	}
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

// UnknownCommandError is returned for a name that is not a prefix of any
// command.
type UnknownCommandError struct {
	Name string
}

func (e UnknownCommandError) Error() string {
	return "Unknown command: " + e.Name
}

// AmbiguousCommandError is returned for a prefix shared by more than one
// command.
type AmbiguousCommandError struct {
	Name       string
	Candidates []string
}

func (e AmbiguousCommandError) Error() string {
	return fmt.Sprintf("Ambiguous command %q: could be %s", e.Name, strings.Join(e.Candidates, ", "))
}

// Find returns the command whose name or alias is cmdstr or, failing
// that, the only command with a name or alias starting with cmdstr.
func (c *Commands) Find(cmdstr string) (cmdfunc, error) {
	if node, ok := c.names.Find(cmdstr); ok {
		return c.cmds[node.Meta().(int)].cmdFn, nil
	}

	found := map[int]bool{}
	var candidates []string
	for _, name := range c.names.PrefixSearch(cmdstr) {
		node, _ := c.names.Find(name)
		i := node.Meta().(int)
		if !found[i] {
			found[i] = true
			candidates = append(candidates, c.cmds[i].aliases[0])
		}
	}
	switch len(candidates) {
	case 0:
		return nil, UnknownCommandError{Name: cmdstr}
	case 1:
		for i := range found {
			return c.cmds[i].cmdFn, nil
		}
	}
	sort.Strings(candidates)
	return nil, AmbiguousCommandError{Name: cmdstr, Candidates: candidates}
}

// Call executes the command line cmdstr. An empty line repeats the
// previous command.
func (c *Commands) Call(cmdstr string, t *Term) error {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" {
		cmdstr = c.last
		if cmdstr == "" {
			return nil
		}
	}
	c.last = cmdstr

	args, err := splitArgs(cmdstr)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmdFn, err := c.Find(args[0])
	if err != nil {
		return err
	}
	return cmdFn(t, args[1:])
}

// splitArgs splits a command line into words, honoring quotes.
func splitArgs(cmdstr string) ([]string, error) {
	sections, err := argv.Argv(cmdstr,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, nil
	}
	if len(sections) > 1 {
		return nil, errors.New("pipes are not supported")
	}
	return sections[0], nil
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args[0] {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return UnknownCommandError{Name: args[0]}
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func cont(t *Term, args []string) error {
	if len(args) > 0 {
		return errors.New("continue takes no arguments")
	}
	if err := t.target.Resume(); err != nil {
		return err
	}
	reason, err := t.target.WaitOnSignal()
	if err != nil {
		return err
	}
	t.printStopReason(reason)
	return nil
}

// ExitRequestError is returned when the user
// exits sulfur.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}

// FormatStopReason renders reason as a line of text about process pid.
func FormatStopReason(pid int, reason proc.StopReason) string {
	switch reason.State {
	case proc.StateExited:
		return fmt.Sprintf("Process %d exited with code %d", pid, reason.Info)
	case proc.StateStopped:
		return fmt.Sprintf("Process %d stopped with signal %s", pid, signalName(reason.Info))
	case proc.StateTerminated:
		return fmt.Sprintf("Process %d terminated with signal %s", pid, signalName(reason.Info))
	case proc.StateContinued:
		return fmt.Sprintf("Process %d continued", pid)
	}
	return fmt.Sprintf("Process %d in unknown state", pid)
}

func signalName(sig uint8) string {
	name := sys.SignalName(sys.Signal(sig))
	if name == "" {
		return fmt.Sprintf("%d", sig)
	}
	return strings.TrimPrefix(name, "SIG")
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
