// Package prog provides the entry point to nix-eval-jobs. The binary is made
// up of subprograms sharing one flag surface: the evaluation coordinator
// (the default), and the internal worker and bootstrap collector programs
// that the coordinator re-executes itself as.
package prog

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/jsoo1/nix-eval-jobs/pkg/logutil"
)

// Flags handled in this package, common to all subprograms.
type commonFlags struct {
	help bool
	log  string
}

func registerCommonFlags(fs *flag.FlagSet, f *commonFlags) {
	fs.BoolVar(&f.help, "help", false, "Show usage help and quit")
	fs.StringVar(&f.log, "log", "", "A file to write debug logs to")
}

func usage(out io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(out, "Usage: nix-eval-jobs [flags] expr")
	fmt.Fprintln(out, "Supported flags:")
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// Run parses command-line flags and runs the first applicable program. It
// returns the exit status of the process.
func Run(fds [3]*os.File, args []string, programs ...Program) int {
	fs := flag.NewFlagSet("nix-eval-jobs", flag.ContinueOnError)
	// Error and usage will be printed explicitly.
	fs.SetOutput(io.Discard)

	var common commonFlags
	registerCommonFlags(fs, &common)

	wrapped := &FlagSet{FlagSet: fs}
	for _, program := range programs {
		program.RegisterFlags(wrapped)
	}

	err := fs.Parse(args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			// (*flag.FlagSet).Parse returns ErrHelp when -h was requested
			// but not defined. We define -help, but not -h.
			fmt.Fprintln(fds[2], "flag provided but not defined: -h")
		} else {
			fmt.Fprintln(fds[2], err)
		}
		usage(fds[2], fs)
		return 2
	}

	if common.log != "" {
		if err = logutil.SetOutputFile(common.log); err != nil {
			fmt.Fprintln(fds[2], err)
		}
	}

	if common.help {
		usage(fds[1], fs)
		return 0
	}

	for _, program := range programs {
		err := program.Run(fds, fs.Args())
		if err == errNextProgram {
			continue
		}
		if err == nil {
			return 0
		}
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(fds[2], "nix-eval-jobs: "+msg)
		}
		switch err := err.(type) {
		case badUsageError:
			usage(fds[2], fs)
			return 2
		case exitError:
			return err.exit
		default:
			return 1
		}
	}
	// Every program has returned NextProgram; this is a bug in the caller of
	// Run.
	fmt.Fprintln(fds[2], "nix-eval-jobs: no suitable subprogram")
	return 2
}

// Program represents a subprogram.
type Program interface {
	// RegisterFlags registers the subprogram's flags on the shared flag set.
	RegisterFlags(fs *FlagSet)
	// Run runs the subprogram with the remaining positional arguments.
	Run(fds [3]*os.File, args []string) error
}

// NextProgram is a special error that may be returned by Program.Run,
// signifying that the next program should be tried instead.
func NextProgram() error { return errNextProgram }

var errNextProgram = errors.New("internal error: no suitable subprogram")

// BadUsage returns a special error that may be returned by Program.Run. It
// causes the main function to print out a message, the usage information and
// exit with 2.
func BadUsage(msg string) error { return badUsageError{msg} }

type badUsageError struct{ msg string }

func (e badUsageError) Error() string { return e.msg }

// Exit returns a special error that may be returned by Program.Run. It
// causes the main function to exit with the given code without printing any
// error messages. Exit(0) returns nil.
func Exit(exit int) error {
	if exit == 0 {
		return nil
	}
	return exitError{exit}
}

type exitError struct{ exit int }

func (e exitError) Error() string { return "" }
