// Package proc supervises one worker child process: it owns the pid and the
// two pipe ends, and guarantees the child is reaped on release.
//
// Children are started by re-executing the current binary with an internal
// subprogram flag, since a process cannot fork itself in Go. The protocol
// pipes are the child's stdin and stdout; stderr is passed through.
package proc

import (
	"bufio"
	"io"
	"os"
	"os/exec"

	pkgerrors "github.com/pkg/errors"

	"github.com/jsoo1/nix-eval-jobs/pkg/errutil"
	"github.com/jsoo1/nix-eval-jobs/pkg/logutil"
	"github.com/jsoo1/nix-eval-jobs/pkg/msg"
)

var logger = logutil.GetLogger("[proc] ")

// Proc is a started worker child. It is owned by exactly one coordinator
// thread at a time.
type Proc struct {
	cmd  *exec.Cmd
	to   io.WriteCloser
	from io.ReadCloser
	r    *bufio.Reader
}

// Start re-executes the current binary with the given arguments and wires
// up its protocol pipes.
func Start(args []string, stderr *os.File) (*Proc, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "cannot find own binary")
	}
	cmd := exec.Command(bin, args...)
	cmd.Stderr = stderr
	setSysProcAttr(cmd)
	to, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	from, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, pkgerrors.Wrap(err, "cannot start worker process")
	}
	logger.Printf("created worker process %d", cmd.Process.Pid)
	return &Proc{cmd: cmd, to: to, from: from, r: bufio.NewReader(from)}, nil
}

// Pid returns the child's process id.
func (p *Proc) Pid() int { return p.cmd.Process.Pid }

// Read reads and parses the child's next message.
func (p *Proc) Read() (msg.WorkMsg, error) {
	line, err := msg.ReadLine(p.r)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "worker %d hung up", p.Pid())
	}
	return msg.ParseWorkMsg(line)
}

// Send sends one coordinator message to the child.
func (p *Proc) Send(m msg.CollectMsg) error {
	return m.Send(p.to)
}

// Close releases the child. Closing the write pipe first gives the child a
// chance to exit voluntarily on EOF; the wait then reaps it. Output the
// child produces while going down is drained so it cannot block on a full
// pipe.
func (p *Proc) Close() error {
	closeErr := p.to.Close()
	go io.Copy(io.Discard, p.from)
	waitErr := p.cmd.Wait()
	if waitErr != nil {
		waitErr = pkgerrors.Wrapf(waitErr, "worker %d", p.cmd.Process.Pid)
	}
	return errutil.Multi(closeErr, waitErr)
}
