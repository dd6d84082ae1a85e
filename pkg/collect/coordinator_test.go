package collect

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsoo1/nix-eval-jobs/pkg/msg"
	"github.com/jsoo1/nix-eval-jobs/pkg/must"
	"github.com/jsoo1/nix-eval-jobs/pkg/prog"
	"github.com/jsoo1/nix-eval-jobs/pkg/store"
	"github.com/jsoo1/nix-eval-jobs/pkg/worker"
)

func drvSrc(name string) string {
	return `{
		"type": "derivation",
		"name": "` + name + `",
		"system": "x86_64-linux",
		"drvPath": "/nix/store/abc-` + name + `.drv",
		"outputs": {"out": "/nix/store/abc-` + name + `"}
	}`
}

// pipeConn runs a real worker loop in-process and exposes it to the
// coordinator through the conn interface.
type pipeConn struct {
	r    *bufio.Reader
	raw  *io.PipeReader
	w    *io.PipeWriter
	done chan struct{}
}

func (c *pipeConn) Read() (msg.WorkMsg, error) {
	line, err := msg.ReadLine(c.r)
	if err != nil {
		return nil, err
	}
	return msg.ParseWorkMsg(line)
}

func (c *pipeConn) Send(m msg.CollectMsg) error { return m.Send(c.w) }

func (c *pipeConn) Close() error {
	c.w.Close()
	go io.Copy(io.Discard, c.raw)
	<-c.done
	return nil
}

func inProc(opts *prog.EvalOpts, expr string, once bool) spawnFunc {
	return func() (conn, error) {
		toR, toW := io.Pipe()
		fromR, fromW := io.Pipe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			out := bufio.NewWriter(fromW)
			if once {
				worker.Once(out, opts, expr)
			} else {
				worker.Serve(bufio.NewReader(toR), out, opts, expr)
			}
			out.Flush()
			fromW.Close()
		}()
		return &pipeConn{r: bufio.NewReader(fromR), raw: fromR, w: toW, done: done}, nil
	}
}

type runOpts struct {
	workers    int
	memoryMiB  int
	roots      *store.Store
	flake      bool
	wrapSpawn  func(spawnFunc) spawnFunc
	exprInline string // written to a file unless exprPath is set
	exprPath   string
}

func runCoordinator(t *testing.T, o runOpts) ([]map[string]any, error) {
	t.Helper()
	expr := o.exprPath
	if expr == "" {
		expr = filepath.Join(t.TempDir(), "release.json")
		must.WriteFile(expr, o.exprInline)
	}
	if o.workers == 0 {
		o.workers = 1
	}
	if o.memoryMiB == 0 {
		o.memoryMiB = 1 << 20
	}
	opts := &prog.EvalOpts{MaxMemorySize: o.memoryMiB, Flake: o.flake}

	var buf bytes.Buffer
	c := newCoordinator(&buf, o.roots, false, io.Discard)
	c.spawn = inProc(opts, expr, false)
	if o.wrapSpawn != nil {
		c.spawn = o.wrapSpawn(c.spawn)
	}
	err := c.run(inProc(opts, expr, true), o.workers)
	return parseLines(t, buf.String()), err
}

func parseLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, line := range bytes.Split([]byte(out), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		require.NoError(t, json.Unmarshal(line, &record), "line %s", line)
		lines = append(lines, record)
	}
	return lines
}

func names(lines []map[string]any) []string {
	var out []string
	for _, line := range lines {
		if name, ok := line["name"].(string); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func TestSingleLeaf(t *testing.T) {
	lines, err := runCoordinator(t, runOpts{exprInline: drvSrc("x")})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "x", lines[0]["name"])
	assert.Equal(t, "x86_64-linux", lines[0]["system"])
	assert.Equal(t, "/nix/store/abc-x.drv", lines[0]["drvPath"])
	assert.Equal(t, map[string]any{"out": "/nix/store/abc-x"}, lines[0]["outputs"])
}

func TestFlatAttrSet(t *testing.T) {
	src := `{"a": ` + drvSrc("a") + `, "b": ` + drvSrc("b") + `}`
	lines, err := runCoordinator(t, runOpts{exprInline: src, workers: 2})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"a", "b"}, names(lines))
}

func TestNested(t *testing.T) {
	src := `{"g": {"h": ` + drvSrc("c") + `}}`
	lines, err := runCoordinator(t, runOpts{exprInline: src})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "c", lines[0]["name"])
	assert.Equal(t, []any{"g", "h"}, lines[0]["path"])
	assert.Equal(t, "g.h", lines[0]["attr"])
}

func TestListOfDerivations(t *testing.T) {
	src := `[` + drvSrc("d0") + `, ` + drvSrc("d1") + `]`
	lines, err := runCoordinator(t, runOpts{exprInline: src, workers: 2})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	var paths []string
	for _, line := range lines {
		data, err := json.Marshal(line["path"])
		require.NoError(t, err)
		paths = append(paths, string(data))
	}
	sort.Strings(paths)
	assert.Equal(t, []string{"[0]", "[1]"}, paths)
}

func TestNullPruning(t *testing.T) {
	src := `{"a": null, "b": ` + drvSrc("b") + `}`
	lines, err := runCoordinator(t, runOpts{exprInline: src})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "b", lines[0]["name"])
}

// A per-path evaluation error is reported on its own line and does not
// abort the run.
func TestPerPathError(t *testing.T) {
	src := `{"bad": {"__throw": "boom"}, "good": ` + drvSrc("good") + `}`
	lines, err := runCoordinator(t, runOpts{exprInline: src, workers: 1})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	var leaf, failure map[string]any
	for _, line := range lines {
		if _, ok := line["error"]; ok {
			failure = line
		} else {
			leaf = line
		}
	}
	require.NotNil(t, leaf, "missing leaf line")
	require.NotNil(t, failure, "missing error line")
	assert.Equal(t, "good", leaf["name"])
	assert.Equal(t, "boom", failure["error"])
	assert.Equal(t, "bad", failure["attr"])
}

func TestUnknownSystemIsPerPathError(t *testing.T) {
	src := `{"u": {
		"type": "derivation", "name": "u", "system": "unknown",
		"drvPath": "/nix/store/abc-u.drv", "outputs": {"out": "/x"}}}`
	lines, err := runCoordinator(t, runOpts{exprInline: src})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "error")
	assert.NotContains(t, lines[0], "name")
}

// With a ceiling below steady-state RSS every worker restarts after every
// path, and the run still terminates with each leaf printed exactly once.
func TestMemoryTriggeredRecycling(t *testing.T) {
	src := `{"a": ` + drvSrc("a") + `, "b": ` + drvSrc("b") + `, "c": ` + drvSrc("c") + `}`
	lines, err := runCoordinator(t, runOpts{exprInline: src, workers: 2, memoryMiB: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(lines))
}

func TestDeepTreeManyWorkers(t *testing.T) {
	src := `{
		"l1": {"l2": {"l3": ` + drvSrc("deep") + `}},
		"list": [` + drvSrc("e0") + `, {"inner": ` + drvSrc("e1") + `}],
		"plain": ` + drvSrc("top") + `
	}`
	lines, err := runCoordinator(t, runOpts{exprInline: src, workers: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"deep", "e0", "e1", "top"}, names(lines))
}

func TestBootstrapErrorAborts(t *testing.T) {
	_, err := runCoordinator(t, runOpts{
		exprPath: filepath.Join(t.TempDir(), "missing.json"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap")
}

func TestFlakeRun(t *testing.T) {
	dir := t.TempDir()
	must.WriteFile(filepath.Join(dir, "flake.json"),
		`{"outputs": {"packages": {"hello": `+drvSrc("hello")+`}}}`)
	lines, err := runCoordinator(t, runOpts{
		exprPath: dir + "#packages",
		flake:    true,
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0]["name"])
	assert.Equal(t, []any{"hello"}, lines[0]["path"])
}

func TestGCRootsRegistered(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gcroots")
	roots, err := store.Open(dir)
	require.NoError(t, err)
	defer roots.Close()

	_, err = runCoordinator(t, runOpts{exprInline: drvSrc("rooted"), roots: roots})
	require.NoError(t, err)

	registered, err := roots.Roots()
	require.NoError(t, err)
	require.Len(t, registered, 1)
	for _, storePath := range registered {
		assert.Equal(t, "/nix/store/abc-rooted.drv", storePath)
	}
}

// restartConn simulates a worker that dies mid-path: it accepts one do and
// answers with restart instead of results.
type restartConn struct {
	sawDo bool
}

func (c *restartConn) Read() (msg.WorkMsg, error) {
	if !c.sawDo {
		return msg.WorkNext{}, nil
	}
	return msg.WorkRestart{}, nil
}

func (c *restartConn) Send(m msg.CollectMsg) error {
	if _, ok := m.(msg.CollectDo); ok {
		c.sawDo = true
	}
	return nil
}

func (c *restartConn) Close() error { return nil }

// A path in flight when its worker restarts reappears in todo and is
// eventually completed by a replacement worker.
func TestRestartResubmitsCurrentPath(t *testing.T) {
	src := `{"a": ` + drvSrc("a") + `, "b": ` + drvSrc("b") + `}`
	first := true
	wrap := func(real spawnFunc) spawnFunc {
		return func() (conn, error) {
			if first {
				first = false
				return &restartConn{}, nil
			}
			return real()
		}
	}
	lines, err := runCoordinator(t, runOpts{exprInline: src, wrapSpawn: wrap})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names(lines))
}

// fatalConn reports a worker error outside any path, which must abort the
// whole run.
type fatalConn struct{}

func (fatalConn) Read() (msg.WorkMsg, error) { return msg.WorkError{Detail: "toast"}, nil }
func (fatalConn) Send(m msg.CollectMsg) error { return nil }
func (fatalConn) Close() error                { return nil }

func TestWorkerFatalAbortsRun(t *testing.T) {
	src := `{"a": ` + drvSrc("a") + `}`
	wrap := func(spawnFunc) spawnFunc {
		return func() (conn, error) { return fatalConn{}, nil }
	}
	_, err := runCoordinator(t, runOpts{exprInline: src, wrapSpawn: wrap, workers: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toast")
}
