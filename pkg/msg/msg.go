// Package msg implements the line-oriented protocol spoken between the
// coordinator and its worker processes.
//
// Messages travel over two unidirectional pipes, one UTF-8 line each. The
// coordinator opens the session; the worker's first message is next. For
// each do the worker emits zero or more result objects followed by done,
// then sends next again for a new path (or restart to be recycled).
//
//	coordinator -> worker:  exit | do <json-path>
//	worker -> coordinator:  next | restart | done
//	                        | {"path": ..., "name": ..., ...}   derivation leaf
//	                        | {"path": ..., "children": [...]}  expansion
//	                        | {"error": ..., "path"?: ...}      failure
//
// A failure object with a path is a per-path result; without one it is
// fatal to the whole run.
package msg

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jsoo1/nix-eval-jobs/pkg/accessor"
	"github.com/jsoo1/nix-eval-jobs/pkg/job"
)

// CollectMsg is a message sent by the coordinator: CollectExit | CollectDo.
type CollectMsg interface {
	// Send writes the message as one line.
	Send(w io.Writer) error
	collectMsg()
}

// CollectExit tells a worker to shut down cleanly.
type CollectExit struct{}

// CollectDo tells a worker to evaluate an accessor path.
type CollectDo struct{ Path accessor.Path }

func (CollectExit) collectMsg() {}
func (CollectDo) collectMsg()   {}

func (CollectExit) Send(w io.Writer) error { return writeLine(w, "exit") }

func (m CollectDo) Send(w io.Writer) error {
	data, err := json.Marshal(m.Path)
	if err != nil {
		return err
	}
	return writeLine(w, "do "+string(data))
}

// ParseCollectMsg parses one line read by a worker.
func ParseCollectMsg(s string) (CollectMsg, error) {
	if s == "exit" {
		return CollectExit{}, nil
	}
	if rest, ok := strings.CutPrefix(s, "do "); ok {
		path, err := accessor.ParsePath(rest)
		if err != nil {
			return nil, err
		}
		return CollectDo{path}, nil
	}
	return nil, fmt.Errorf(`expecting "exit" or "do" followed by a path, got: %s`, s)
}

// WorkMsg is a message sent by a worker:
// WorkNext | WorkRestart | WorkDone | WorkDrv | WorkChildren | WorkError.
type WorkMsg interface {
	Send(w io.Writer) error
	workMsg()
}

// WorkNext means the worker is ready for a new path.
type WorkNext struct{}

// WorkRestart means the worker is terminating voluntarily and should be
// replaced; the path last sent to it, if any, must be resubmitted.
type WorkRestart struct{}

// WorkDone terminates the stream of results for the current do.
type WorkDone struct{}

// WorkDrv is one derivation leaf, tagged with the path that produced it.
type WorkDrv struct {
	Path accessor.Path
	Drv  *job.Drv
}

// WorkChildren gives the accessors to descend into from a path.
type WorkChildren struct {
	Path     accessor.Path
	Children accessor.Path
}

// WorkError reports a failure. With a path it is a per-path evaluation
// error; without one the worker is lost and the run aborts.
type WorkError struct {
	Detail string
	Path   accessor.Path
}

func (WorkNext) workMsg()     {}
func (WorkRestart) workMsg()  {}
func (WorkDone) workMsg()     {}
func (WorkDrv) workMsg()      {}
func (WorkChildren) workMsg() {}
func (WorkError) workMsg()    {}

func (WorkNext) Send(w io.Writer) error    { return writeLine(w, "next") }
func (WorkRestart) Send(w io.Writer) error { return writeLine(w, "restart") }
func (WorkDone) Send(w io.Writer) error    { return writeLine(w, "done") }

type workDrvJSON struct {
	Path accessor.Path `json:"path"`
	*job.Drv
}

func (m WorkDrv) Send(w io.Writer) error {
	return writeJSONLine(w, workDrvJSON{m.Path, m.Drv})
}

type workChildrenJSON struct {
	Path     accessor.Path `json:"path"`
	Children accessor.Path `json:"children"`
}

func (m WorkChildren) Send(w io.Writer) error {
	return writeJSONLine(w, workChildrenJSON{m.Path, m.Children})
}

type workErrorJSON struct {
	Error string        `json:"error"`
	Path  accessor.Path `json:"path,omitempty"`
}

func (m WorkError) Send(w io.Writer) error {
	return writeJSONLine(w, workErrorJSON{m.Detail, m.Path})
}

// ParseWorkMsg parses one line read by the coordinator.
func ParseWorkMsg(s string) (WorkMsg, error) {
	switch s {
	case "next":
		return WorkNext{}, nil
	case "restart":
		return WorkRestart{}, nil
	case "done":
		return WorkDone{}, nil
	}
	var probe struct {
		Error    *string        `json:"error"`
		Children *accessor.Path `json:"children"`
		Path     accessor.Path  `json:"path"`
	}
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil, fmt.Errorf("could not parse work message: %s", s)
	}
	if probe.Error != nil {
		return WorkError{Detail: *probe.Error, Path: probe.Path}, nil
	}
	if probe.Children != nil {
		return WorkChildren{Path: probe.Path, Children: *probe.Children}, nil
	}
	var result workDrvJSON
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return nil, fmt.Errorf("could not parse work message: %s", s)
	}
	if result.Drv == nil || result.Drv.Name == "" || result.Drv.DrvPath == "" {
		return nil, fmt.Errorf("work message is missing derivation fields: %s", s)
	}
	return WorkDrv{Path: result.Path, Drv: result.Drv}, nil
}

// ReadLine reads one protocol line, without its terminator. A read that
// fails mid-line discards the partial line.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func writeLine(w io.Writer, s string) error {
	_, err := io.WriteString(w, s+"\n")
	return err
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeLine(w, string(data))
}
