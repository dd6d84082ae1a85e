package collect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsoo1/nix-eval-jobs/pkg/must"
	"github.com/jsoo1/nix-eval-jobs/pkg/prog"
	"github.com/jsoo1/nix-eval-jobs/pkg/prog/progtest"
	"github.com/jsoo1/nix-eval-jobs/pkg/worker"
)

// The coordinator spawns children by re-executing the current binary; in
// tests that is the test binary. With the marker variable set, dispatch to
// the real program composition instead of running tests, so spawned workers
// behave like the installed binary.
func TestMain(m *testing.M) {
	if os.Getenv("NIX_EVAL_JOBS_TEST_BIN") == "1" {
		os.Exit(prog.Run(
			[3]*os.File{os.Stdin, os.Stdout, os.Stderr}, os.Args,
			&worker.Program{}, &InitProgram{}, &Program{}))
	}
	os.Exit(m.Run())
}

func programs() []prog.Program {
	return []prog.Program{&worker.Program{}, &InitProgram{}, &Program{}}
}

func writeE2EExpr(t *testing.T) string {
	fname := filepath.Join(t.TempDir(), "release.json")
	must.WriteFile(fname, `{
		"hello": `+drvSrc("hello")+`,
		"nested": {"inner": `+drvSrc("inner")+`},
		"skip": null
	}`)
	return fname
}

func TestEndToEnd(t *testing.T) {
	t.Setenv("NIX_EVAL_JOBS_TEST_BIN", "1")
	fname := writeE2EExpr(t)

	res := progtest.Run(t,
		[]string{"nix-eval-jobs", "--workers", "2", fname}, programs()...)
	require.Equal(t, 0, res.Exit, "stderr: %s", res.Stderr)

	lines := parseLines(t, res.Stdout)
	assert.Equal(t, []string{"hello", "inner"}, names(lines))
}

func TestEndToEndMemoryRecycling(t *testing.T) {
	t.Setenv("NIX_EVAL_JOBS_TEST_BIN", "1")
	fname := writeE2EExpr(t)

	// A ceiling of 1 MiB is below any real worker's resident set, so every
	// path costs one worker process. The run must still terminate with
	// every leaf exactly once.
	res := progtest.Run(t,
		[]string{"nix-eval-jobs", "--workers", "2", "--max-memory-size", "1", fname},
		programs()...)
	require.Equal(t, 0, res.Exit, "stderr: %s", res.Stderr)

	lines := parseLines(t, res.Stdout)
	assert.Equal(t, []string{"hello", "inner"}, names(lines))
}

func TestEndToEndPerPathError(t *testing.T) {
	t.Setenv("NIX_EVAL_JOBS_TEST_BIN", "1")
	fname := filepath.Join(t.TempDir(), "release.json")
	must.WriteFile(fname, `{"bad": {"__throw": "boom"}, "good": `+drvSrc("good")+`}`)

	res := progtest.Run(t, []string{"nix-eval-jobs", fname}, programs()...)
	require.Equal(t, 0, res.Exit, "stderr: %s", res.Stderr)

	lines := parseLines(t, res.Stdout)
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"good"}, names(lines))
}

func TestEndToEndMeta(t *testing.T) {
	t.Setenv("NIX_EVAL_JOBS_TEST_BIN", "1")
	fname := filepath.Join(t.TempDir(), "release.json")
	must.WriteFile(fname, `{"m": {
		"type": "derivation", "name": "m", "system": "s",
		"drvPath": "/nix/store/abc-m.drv", "outputs": {"out": "/nix/store/abc-m"},
		"meta": {"description": "with meta"}}}`)

	res := progtest.Run(t, []string{"nix-eval-jobs", fname}, programs()...)
	require.Equal(t, 0, res.Exit, "stderr: %s", res.Stderr)
	lines := parseLines(t, res.Stdout)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "meta")

	res = progtest.Run(t, []string{"nix-eval-jobs", "--meta", fname}, programs()...)
	require.Equal(t, 0, res.Exit, "stderr: %s", res.Stderr)
	lines = parseLines(t, res.Stdout)
	require.Len(t, lines, 1)
	assert.Equal(t, map[string]any{"description": "with meta"}, lines[0]["meta"])
}

func TestEndToEndUsageErrors(t *testing.T) {
	res := progtest.Run(t, []string{"nix-eval-jobs"}, programs()...)
	assert.Equal(t, 2, res.Exit)
	assert.Contains(t, res.Stderr, "no expression specified")

	res = progtest.Run(t, []string{"nix-eval-jobs", "--workers", "0", "x"}, programs()...)
	assert.Equal(t, 2, res.Exit)

	res = progtest.Run(t, []string{"nix-eval-jobs", "--no-such-flag", "x"}, programs()...)
	assert.Equal(t, 2, res.Exit)
}

func TestEndToEndHelp(t *testing.T) {
	res := progtest.Run(t, []string{"nix-eval-jobs", "--help"}, programs()...)
	assert.Equal(t, 0, res.Exit)
	assert.Contains(t, res.Stdout, "Usage: nix-eval-jobs")
	assert.Contains(t, res.Stdout, "-max-memory-size")
}
