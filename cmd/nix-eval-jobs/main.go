// Nix-eval-jobs evaluates a tree of build recipes and emits one JSON record
// per leaf derivation. Evaluation happens in short-lived worker processes
// that are recycled when their resident set grows past a ceiling, so the
// operating system, not the interpreter, reclaims memory.
package main

import (
	"os"

	"github.com/jsoo1/nix-eval-jobs/pkg/collect"
	"github.com/jsoo1/nix-eval-jobs/pkg/prog"
	"github.com/jsoo1/nix-eval-jobs/pkg/worker"
)

func main() {
	os.Exit(prog.Run(
		[3]*os.File{os.Stdin, os.Stdout, os.Stderr}, os.Args,
		&worker.Program{}, &collect.InitProgram{}, &collect.Program{}))
}
