//go:build linux

// Package diagpipe implements the single-shot channel a freshly created
// process uses to report a setup failure to its creator.
//
// The creator makes the pipe close-on-exec and hands the write half to the
// child. If the child manages to exec the target program the kernel closes
// the write half and the creator's read returns zero bytes. If setup fails
// the child writes an error message and exits, and the read returns it.
package diagpipe

import (
	sys "golang.org/x/sys/unix"

	"github.com/adoerr/sulfur/pkg/logflags"
	"github.com/adoerr/sulfur/pkg/proc"
)

const (
	readFd  = 0
	writeFd = 1

	// maxMessage is the largest message returned by a single ReadMessage.
	maxMessage = 1024
)

// Pipe is a unidirectional byte channel made of two descriptors that can
// be closed or released independently.
type Pipe struct {
	fds [2]int
}

// New creates a pipe. If closeOnExec is true both halves are closed
// automatically when the owning process executes another program.
func New(closeOnExec bool) (*Pipe, error) {
	p := &Pipe{fds: [2]int{-1, -1}}
	flags := 0
	if closeOnExec {
		flags = sys.O_CLOEXEC
	}
	fds := make([]int, 2)
	if err := sys.Pipe2(fds, flags); err != nil {
		return nil, proc.NewSystemCallError("create pipe failed", err)
	}
	p.fds[readFd], p.fds[writeFd] = fds[0], fds[1]
	logflags.PipeLogger().Debugf("created pipe read=%d write=%d cloexec=%v", fds[0], fds[1], closeOnExec)
	return p, nil
}

// FromWriteFD returns a pipe owning only the write half fd, typically a
// descriptor inherited from the creating process.
func FromWriteFD(fd int) *Pipe {
	return &Pipe{fds: [2]int{-1, fd}}
}

// Read returns the read half, -1 if it was closed or released.
func (p *Pipe) Read() int { return p.fds[readFd] }

// Write returns the write half, -1 if it was closed or released.
func (p *Pipe) Write() int { return p.fds[writeFd] }

// ReleaseRead gives up ownership of the read half and returns it. The pipe
// will not close it.
func (p *Pipe) ReleaseRead() int {
	return p.release(readFd)
}

// ReleaseWrite gives up ownership of the write half and returns it. The
// pipe will not close it.
func (p *Pipe) ReleaseWrite() int {
	return p.release(writeFd)
}

func (p *Pipe) release(i int) int {
	fd := p.fds[i]
	p.fds[i] = -1
	return fd
}

// CloseRead closes the read half. It is a no-op if the half was already
// closed or released.
func (p *Pipe) CloseRead() {
	p.close(readFd)
}

// CloseWrite closes the write half. It is a no-op if the half was already
// closed or released.
func (p *Pipe) CloseWrite() {
	p.close(writeFd)
}

// Close closes both halves.
func (p *Pipe) Close() {
	p.CloseRead()
	p.CloseWrite()
}

func (p *Pipe) close(i int) {
	if p.fds[i] == -1 {
		return
	}
	if err := sys.Close(p.fds[i]); err != nil {
		logflags.PipeLogger().Warnf("closing fd %d: %v", p.fds[i], err)
	}
	p.fds[i] = -1
}

// SetCloseOnExec marks the write half close-on-exec. Descriptors lose the
// flag when they are inherited through exec, so a child that received the
// write half must set it again.
func (p *Pipe) SetCloseOnExec() {
	if p.fds[writeFd] != -1 {
		sys.CloseOnExec(p.fds[writeFd])
	}
}

// ReadMessage performs a single blocking read and returns the bytes
// obtained. An empty result means the write half was closed without a
// message being written.
func (p *Pipe) ReadMessage() ([]byte, error) {
	buf := make([]byte, maxMessage)
	for {
		n, err := sys.Read(p.fds[readFd], buf)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return nil, proc.NewSystemCallError("pipe read failed", err)
		}
		logflags.PipeLogger().Debugf("read %d bytes from fd %d", n, p.fds[readFd])
		return buf[:n], nil
	}
}

// WriteMessage writes all of b to the write half, blocking as needed.
func (p *Pipe) WriteMessage(b []byte) error {
	for len(b) > 0 {
		n, err := sys.Write(p.fds[writeFd], b)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return proc.NewSystemCallError("pipe write failed", err)
		}
		b = b[n:]
	}
	return nil
}
