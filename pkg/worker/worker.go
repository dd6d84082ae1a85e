// Package worker implements the evaluation loop run by each child process.
//
// A worker owns a private interpreter state and serves do requests from the
// coordinator on its stdin, streaming results on its stdout, until it is
// told to exit or its resident set grows past the configured ceiling, at
// which point it asks to be recycled.
package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/jsoo1/nix-eval-jobs/pkg/accessor"
	"github.com/jsoo1/nix-eval-jobs/pkg/eval"
	"github.com/jsoo1/nix-eval-jobs/pkg/job"
	"github.com/jsoo1/nix-eval-jobs/pkg/logutil"
	"github.com/jsoo1/nix-eval-jobs/pkg/msg"
	"github.com/jsoo1/nix-eval-jobs/pkg/prog"
)

var logger = logutil.GetLogger("[worker] ")

// Program is the internal -worker subprogram.
type Program struct {
	run  bool
	opts *prog.EvalOpts
}

func (p *Program) RegisterFlags(fs *prog.FlagSet) {
	fs.BoolVar(&p.run, "worker", false,
		"[internal flag] Run an evaluation worker")
	p.opts = fs.EvalOpts()
}

func (p *Program) Run(fds [3]*os.File, args []string) error {
	if !p.run {
		return prog.NextProgram()
	}
	if len(args) != 1 {
		return prog.BadUsage("-worker takes exactly one expression argument")
	}

	// Give the interpreter a cache of its own so workers do not share
	// download state with the parent or each other.
	cache, err := os.MkdirTemp("", "nix-eval-jobs")
	if err == nil {
		os.Setenv("XDG_CACHE_HOME", cache)
		defer os.RemoveAll(cache)
	}

	out := bufio.NewWriter(fds[1])
	defer out.Flush()
	return Serve(bufio.NewReader(fds[0]), out, p.opts, args[0])
}

// Serve runs the worker loop: announce readiness, evaluate one path per do
// request, self-terminate when over the memory ceiling. Errors thrown while
// evaluating a path become per-path results; anything outside that boundary
// is fatal to the worker, reported as an error object followed by restart.
func Serve(in *bufio.Reader, out *bufio.Writer, opts *prog.EvalOpts, expr string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fatal(out, fmt.Errorf("worker panic: %v", r))
		}
	}()

	st, root, err := open(opts, expr)
	if err != nil {
		return fatal(out, err)
	}
	jobOpts := job.Options{Meta: opts.Meta}

	for {
		if err := send(out, msg.WorkNext{}); err != nil {
			return err
		}
		line, err := msg.ReadLine(in)
		if err != nil {
			if err == io.EOF {
				// The coordinator hung up; equivalent to exit.
				return nil
			}
			return err
		}
		m, err := msg.ParseCollectMsg(line)
		if err != nil {
			return fatal(out, err)
		}
		do, ok := m.(msg.CollectDo)
		if !ok {
			return nil
		}
		logger.Printf("worker %d at '%s'", os.Getpid(), do.Path.Key())
		if err := evalPath(st, do.Path, root, jobOpts, out); err != nil {
			return err
		}

		// If our RSS exceeds the maximum, ask to be replaced. The operating
		// system reclaims the memory; the interpreter cannot.
		if rss := maxRSSKiB(); rss > int64(opts.MaxMemorySize)*1024 {
			logger.Printf("worker %d used %d KiB, restarting", os.Getpid(), rss)
			return send(out, msg.WorkRestart{})
		}
	}
}

// Once evaluates the root path and emits its results followed by done. It
// is the body of the bootstrap collector child.
func Once(out *bufio.Writer, opts *prog.EvalOpts, expr string) error {
	st, root, err := open(opts, expr)
	if err != nil {
		return fatal(out, err)
	}
	return evalPath(st, nil, root, job.Options{Meta: opts.Meta}, out)
}

func open(opts *prog.EvalOpts, expr string) (*eval.State, any, error) {
	autoArgs, err := eval.LoadArgsFile(opts.ArgsFile)
	if err != nil {
		return nil, nil, err
	}
	st := eval.NewState(eval.Config{
		Impure:    opts.Impure,
		ShowTrace: opts.ShowTrace,
		AutoArgs:  autoArgs,
	})
	var root any
	if opts.Flake {
		root, err = st.EvalFlake(expr)
	} else {
		root, err = st.EvalFile(expr)
	}
	if err != nil {
		return nil, nil, err
	}
	return st, root, nil
}

// evalPath walks one path and streams its results, ending with done.
// Evaluation errors are caught here and reported as per-path results.
func evalPath(st *eval.State, path accessor.Path, root any, opts job.Options, out *bufio.Writer) error {
	j, walkErr := job.Walk(st, path, root, opts)
	if walkErr != nil {
		// Report the error in the output stream and keep serving. Also
		// write it to the debug log.
		logger.Printf("evaluation of '%s' failed: %v", path, walkErr)
		if err := send(out, msg.WorkError{Detail: walkErr.Error(), Path: path}); err != nil {
			return err
		}
		return send(out, msg.WorkDone{})
	}
	for _, result := range job.Results(j) {
		var m msg.WorkMsg
		switch result := result.(type) {
		case *job.Drv:
			m = msg.WorkDrv{Path: path, Drv: result}
		case job.Children:
			m = msg.WorkChildren{Path: path, Children: accessor.Path(result.Accessors)}
		}
		if err := send(out, m); err != nil {
			return err
		}
	}
	return send(out, msg.WorkDone{})
}

// fatal reports an error outside any path boundary and asks to be replaced.
func fatal(out *bufio.Writer, fatalErr error) error {
	logger.Printf("worker %d fatal: %v", os.Getpid(), fatalErr)
	if err := send(out, msg.WorkError{Detail: fatalErr.Error()}); err != nil {
		return err
	}
	return send(out, msg.WorkRestart{})
}

func send(out *bufio.Writer, m msg.WorkMsg) error {
	if err := m.Send(out); err != nil {
		return err
	}
	return out.Flush()
}
