// Package progtest provides a fixture for testing subprograms.
package progtest

import (
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jsoo1/nix-eval-jobs/pkg/must"
	"github.com/jsoo1/nix-eval-jobs/pkg/prog"
)

// Result keeps the observable outcome of a program run.
type Result struct {
	Exit   int
	Stdout string
	Stderr string
}

// Run runs the given programs under prog.Run with piped stdout and stderr
// and an empty stdin, and captures the outcome. The first element of args is
// the usual argv[0] placeholder.
func Run(t *testing.T, args []string, programs ...prog.Program) Result {
	t.Helper()

	devNull := must.OK1(os.Open(os.DevNull))
	defer devNull.Close()

	outRead, outWrite := must.Pipe()
	errRead, errWrite := must.Pipe()

	var wg sync.WaitGroup
	var stdout, stderr string
	capture := func(dst *string, src *os.File) {
		defer wg.Done()
		var sb strings.Builder
		io.Copy(&sb, src)
		src.Close()
		*dst = sb.String()
	}
	wg.Add(2)
	go capture(&stdout, outRead)
	go capture(&stderr, errRead)

	exit := prog.Run([3]*os.File{devNull, outWrite, errWrite}, args, programs...)
	outWrite.Close()
	errWrite.Close()
	wg.Wait()

	return Result{Exit: exit, Stdout: stdout, Stderr: stderr}
}

// Lines splits s into lines, dropping a trailing empty line.
func Lines(s string) []string {
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
