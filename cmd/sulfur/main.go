//go:build linux

package main

import (
	"os"

	"github.com/moby/sys/reexec"

	"github.com/adoerr/sulfur/cmd/sulfur/cmds"
	"github.com/adoerr/sulfur/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	// The launch helper re-executes this binary before it execs the target.
	if reexec.Init() {
		return
	}
	if Build != "" {
		version.SulfurVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
