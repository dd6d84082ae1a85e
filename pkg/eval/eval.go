// Package eval implements the expression interpreter that workers evaluate
// build recipes with.
//
// Expressions are JSON documents with a few interpreted forms:
//
//	{"__throw": "msg"}                          a value that fails when forced
//	{"__env": "VAR"}                            an environment lookup (impure only)
//	{"__function": {"args": {...}, "body": v}}  a function with defaulted args
//	{"__arg": "name"}                           a formal reference in a body
//
// A set whose "type" attribute is "derivation" is a derivation; a set with
// recurseForDerivations set to true is searched for derivations one
// attribute at a time. Forcing is shallow: a throw deep inside a tree only
// fails the evaluations that reach it.
package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jsoo1/nix-eval-jobs/pkg/logutil"
)

var logger = logutil.GetLogger("[eval] ")

// Config keeps the process-wide evaluation configuration. It is set once at
// startup and passed explicitly.
type Config struct {
	// Impure permits environment lookups via the __env form.
	Impure bool
	// ShowTrace includes the evaluated attribute path in error messages.
	ShowTrace bool
	// AutoArgs overrides the defaults of auto-called functions.
	AutoArgs map[string]any
}

// State is a single-threaded interpreter state. Each worker process owns
// exactly one.
type State struct {
	cfg Config
}

// NewState creates an interpreter state.
func NewState(cfg Config) *State {
	return &State{cfg}
}

// Config returns the configuration the state was created with.
func (st *State) Config() Config { return st.cfg }

// Value forms produced by translation. Sets and lists use the native Go
// types so that callers can type-switch exhaustively over Attrs, List,
// Throw, EnvRef, Arg, *Func, string, bool, json.Number and nil.
type (
	// Attrs is an attribute set. Enumeration is always in lexicographic
	// name order via Names.
	Attrs = map[string]any

	// List is a list of values.
	List = []any

	// Throw fails with its message when forced.
	Throw struct{ Msg string }

	// EnvRef reads an environment variable when forced in impure mode.
	EnvRef struct{ Name string }

	// Arg is a reference to a function formal inside its body.
	Arg struct{ Name string }

	// Func is a function whose formals all carry defaults. It is only ever
	// auto-called.
	Func struct {
		Formals Attrs
		Body    any
	}
)

// EvalFile evaluates the expression file at path and returns the root
// value, auto-calling it if it is a function.
func (st *State) EvalFile(path string) (any, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read expression file: %v", err)
	}
	v, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	logger.Printf("evaluated file %s", path)
	return st.ForceCall(v)
}

// EvalFlake evaluates a flake reference of the form DIR[#fragment]. The
// root is the outputs value of DIR/flake.json, with the optional fragment
// selected attribute by attribute.
func (st *State) EvalFlake(ref string) (any, error) {
	dir, fragment, _ := strings.Cut(ref, "#")
	src, err := os.ReadFile(dir + "/flake.json")
	if err != nil {
		return nil, fmt.Errorf("cannot read flake: %v", err)
	}
	flake, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", ref, err)
	}
	attrs, ok := flake.(Attrs)
	if ok {
		flake, ok = attrs["outputs"]
	}
	if !ok {
		return nil, fmt.Errorf("flake %s has no outputs", ref)
	}
	v, err := st.ForceCall(flake)
	if err != nil {
		return nil, err
	}
	if fragment == "" {
		return v, nil
	}
	for _, name := range strings.Split(fragment, ".") {
		attrs, ok := v.(Attrs)
		if !ok {
			return nil, fmt.Errorf(
				"cannot select %s from %s in flake fragment", name, Kind(v))
		}
		child, ok := attrs[name]
		if !ok {
			return nil, fmt.Errorf("flake has no output attribute %s", name)
		}
		v, err = st.ForceCall(child)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Force resolves deferred values one level: throws fail, environment
// references are read (impure mode only). All other values pass through.
func (st *State) Force(v any) (any, error) {
	switch v := v.(type) {
	case Throw:
		return nil, fmt.Errorf("%s", v.Msg)
	case EnvRef:
		if !st.cfg.Impure {
			return nil, fmt.Errorf(
				"access to environment variable %q in pure evaluation mode", v.Name)
		}
		return os.Getenv(v.Name), nil
	}
	return v, nil
}

// ForceCall forces v and auto-calls it as long as it is a function. The
// function's defaults are overridden by the configured auto-arguments.
func (st *State) ForceCall(v any) (any, error) {
	for {
		v0, err := st.Force(v)
		if err != nil {
			return nil, err
		}
		fn, ok := v0.(*Func)
		if !ok {
			return v0, nil
		}
		bindings := make(Attrs, len(fn.Formals))
		for name, dflt := range fn.Formals {
			bindings[name] = dflt
		}
		for name, arg := range st.cfg.AutoArgs {
			if _, ok := fn.Formals[name]; ok {
				bindings[name] = arg
			}
		}
		v = substitute(fn.Body, bindings)
	}
}

// substitute replaces Arg references in a function body with their
// bindings. Unbound references are left in place so that nested functions
// keep their own formals.
func substitute(v any, bindings Attrs) any {
	switch v := v.(type) {
	case Arg:
		if bound, ok := bindings[v.Name]; ok {
			return bound
		}
		return v
	case Attrs:
		out := make(Attrs, len(v))
		for name, child := range v {
			out[name] = substitute(child, bindings)
		}
		return out
	case List:
		out := make(List, len(v))
		for i, child := range v {
			out[i] = substitute(child, bindings)
		}
		return out
	case *Func:
		inner := make(Attrs, len(bindings))
		for name, bound := range bindings {
			if _, shadowed := v.Formals[name]; !shadowed {
				inner[name] = bound
			}
		}
		return &Func{Formals: v.Formals, Body: substitute(v.Body, inner)}
	}
	return v
}

// parse decodes a JSON document and translates the interpreted forms.
func parse(src []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(src)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse error: %v", err)
	}
	return translate(raw)
}

func translate(raw any) (any, error) {
	switch raw := raw.(type) {
	case map[string]any:
		if msg, ok := raw["__throw"]; ok {
			s, ok := msg.(string)
			if !ok || len(raw) != 1 {
				return nil, fmt.Errorf("malformed __throw form")
			}
			return Throw{s}, nil
		}
		if name, ok := raw["__env"]; ok {
			s, ok := name.(string)
			if !ok || len(raw) != 1 {
				return nil, fmt.Errorf("malformed __env form")
			}
			return EnvRef{s}, nil
		}
		if name, ok := raw["__arg"]; ok {
			s, ok := name.(string)
			if !ok || len(raw) != 1 {
				return nil, fmt.Errorf("malformed __arg form")
			}
			return Arg{s}, nil
		}
		if fn, ok := raw["__function"]; ok {
			if len(raw) != 1 {
				return nil, fmt.Errorf("malformed __function form")
			}
			return translateFunc(fn)
		}
		attrs := make(Attrs, len(raw))
		for name, child := range raw {
			v, err := translate(child)
			if err != nil {
				return nil, err
			}
			attrs[name] = v
		}
		return attrs, nil
	case []any:
		list := make(List, len(raw))
		for i, child := range raw {
			v, err := translate(child)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return list, nil
	}
	return raw, nil
}

func translateFunc(raw any) (any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed __function form")
	}
	fn := &Func{Formals: Attrs{}}
	if args, ok := m["args"]; ok {
		argsMap, ok := args.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("function args must be a set")
		}
		for name, dflt := range argsMap {
			v, err := translate(dflt)
			if err != nil {
				return nil, err
			}
			fn.Formals[name] = v
		}
	}
	body, ok := m["body"]
	if !ok {
		return nil, fmt.Errorf("function has no body")
	}
	translated, err := translate(body)
	if err != nil {
		return nil, err
	}
	fn.Body = translated
	return fn, nil
}
