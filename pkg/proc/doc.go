// Package proc holds the backend-independent part of the process control
// core: the process states a target can be observed in, the decoded stop
// reason returned by every synchronization, launch flags and the errors
// returned by the backends.
//
// The native backend, which owns the ptrace relationship with a target,
// lives in pkg/proc/native. The diagnostic channel used while creating a
// target lives in pkg/proc/diagpipe.
package proc
