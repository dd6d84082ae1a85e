// Package collect implements the parallel evaluation coordinator: the
// shared work queue, the per-slot coordinator threads driving one worker
// process each, worker recycling, and the bootstrap collector that seeds
// the queue.
package collect

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/jsoo1/nix-eval-jobs/pkg/logutil"
	"github.com/jsoo1/nix-eval-jobs/pkg/msg"
	"github.com/jsoo1/nix-eval-jobs/pkg/proc"
	"github.com/jsoo1/nix-eval-jobs/pkg/prog"
	"github.com/jsoo1/nix-eval-jobs/pkg/store"
)

var logger = logutil.GetLogger("[collect] ")

// ErrInterrupted is stored as the run's error when an interrupt signal
// arrives.
var ErrInterrupted = errors.New("interrupted")

// conn is a live worker as the coordinator sees it. *proc.Proc implements
// it; tests substitute in-process workers.
type conn interface {
	Read() (msg.WorkMsg, error)
	Send(m msg.CollectMsg) error
	Close() error
}

// spawnFunc starts a fresh worker.
type spawnFunc func() (conn, error)

// Program is the coordinator subprogram, the default one.
type Program struct {
	opts *prog.EvalOpts
}

func (p *Program) RegisterFlags(fs *prog.FlagSet) {
	p.opts = fs.EvalOpts()
}

func (p *Program) Run(fds [3]*os.File, args []string) error {
	switch {
	case len(args) == 0:
		return prog.BadUsage("no expression specified")
	case len(args) > 1:
		return prog.BadUsage("only one expression is allowed")
	}
	if p.opts.Workers < 1 {
		return prog.BadUsage("workers must be at least 1")
	}
	expr := args[0]

	// Prevent undeclared dependencies in the evaluation via $NIX_PATH, and
	// keep the interpreter from garbage collecting in-process; dying workers
	// return memory to the operating system instead.
	os.Unsetenv("NIX_PATH")
	os.Setenv("GC_DONT_GC", "1")

	var roots *store.Store
	if p.opts.GCRootsDir != "" {
		var err error
		roots, err = store.Open(p.opts.GCRootsDir)
		if err != nil {
			return err
		}
		defer roots.Close()
	}

	c := newCoordinator(fds[1], roots, showProgress(fds[2]), fds[2])
	c.spawn = func() (conn, error) {
		return proc.Start(p.opts.WorkerArgs("-worker", expr), fds[2])
	}
	bootstrap := func() (conn, error) {
		return proc.Start(p.opts.WorkerArgs("-collect-init", expr), fds[2])
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-interrupts:
			c.interrupt()
		case <-stopped:
		}
	}()

	return c.run(bootstrap, p.opts.Workers)
}

// showProgress reports whether human progress lines belong on f: only when
// it is a terminal, so that redirected stderr stays machine-readable.
func showProgress(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// InitProgram is the internal -collect-init subprogram: the one-shot child
// that enumerates the root so that no network or evaluation state is
// inherited by the parent.
type InitProgram struct {
	run  bool
	opts *prog.EvalOpts
}

func (p *InitProgram) RegisterFlags(fs *prog.FlagSet) {
	fs.BoolVar(&p.run, "collect-init", false,
		"[internal flag] Run the bootstrap collector")
	p.opts = fs.EvalOpts()
}

func (p *InitProgram) Run(fds [3]*os.File, args []string) error {
	if !p.run {
		return prog.NextProgram()
	}
	if len(args) != 1 {
		return prog.BadUsage("-collect-init takes exactly one expression argument")
	}
	return initOnce(fds[1], p.opts, args[0])
}
