package prog

import (
	"flag"
	"strconv"
)

// FlagSet wraps the shared flag.FlagSet, with lazily registered flag groups
// used by more than one subprogram.
type FlagSet struct {
	*flag.FlagSet
	evalOpts *EvalOpts
}

// EvalOpts keeps the evaluation options shared by the coordinator, the
// bootstrap collector and the workers. The coordinator forwards them
// verbatim on the command lines of the children it spawns.
type EvalOpts struct {
	Impure    bool
	Flake     bool
	Meta      bool
	ShowTrace bool
	// Workers is the number of coordinator threads; only the coordinator
	// reads it.
	Workers int
	// MaxMemorySize is the per-worker RSS ceiling in MiB.
	MaxMemorySize int
	GCRootsDir    string
	ArgsFile      string
}

// EvalOpts returns the shared evaluation options, registering their flags on
// the first call.
func (fs *FlagSet) EvalOpts() *EvalOpts {
	if fs.evalOpts == nil {
		var opts EvalOpts
		fs.BoolVar(&opts.Impure, "impure", false,
			"Force impure evaluation mode")
		fs.BoolVar(&opts.Flake, "flake", false,
			"Interpret the expression as a flake reference")
		fs.BoolVar(&opts.Meta, "meta", false,
			"Include derivation meta field in output")
		fs.BoolVar(&opts.ShowTrace, "show-trace", false,
			"Print out a stack trace in case of evaluation errors")
		fs.IntVar(&opts.Workers, "workers", 1,
			"Number of evaluation workers")
		fs.IntVar(&opts.MaxMemorySize, "max-memory-size", 4096,
			"Maximum evaluation memory size per worker, in MiB")
		fs.StringVar(&opts.GCRootsDir, "gc-roots-dir", "",
			"Garbage collector roots directory")
		fs.StringVar(&opts.ArgsFile, "args-file", "",
			"YAML file with arguments for auto-called functions")
		fs.evalOpts = &opts
	}
	return fs.evalOpts
}

// WorkerArgs renders the options back into command-line arguments for
// spawning a child subprogram, with the internal selector flag first and the
// expression last.
func (opts *EvalOpts) WorkerArgs(selector, expr string) []string {
	args := []string{selector}
	if opts.Impure {
		args = append(args, "-impure")
	}
	if opts.Flake {
		args = append(args, "-flake")
	}
	if opts.Meta {
		args = append(args, "-meta")
	}
	if opts.ShowTrace {
		args = append(args, "-show-trace")
	}
	args = append(args, "-max-memory-size", strconv.Itoa(opts.MaxMemorySize))
	if opts.GCRootsDir != "" {
		args = append(args, "-gc-roots-dir", opts.GCRootsDir)
	}
	if opts.ArgsFile != "" {
		args = append(args, "-args-file", opts.ArgsFile)
	}
	return append(args, expr)
}
