// Package job classifies the value reached by an accessor path and models
// what evaluating it yields: leaf derivation records or child accessors.
//
//	Job := Drvs | Attrs | List | Nothing
//
// There may be multiple Drv leaves for one path because of the
// recurseForDerivations convention.
package job

import (
	"fmt"

	"github.com/jsoo1/nix-eval-jobs/pkg/accessor"
	"github.com/jsoo1/nix-eval-jobs/pkg/eval"
)

// Options keeps the per-run switches that affect leaf construction.
type Options struct {
	// Meta includes the meta field in leaf records.
	Meta bool
}

// Job is what an accessor path resolves to.
type Job interface{ job() }

// Drvs is a set of derivation leaves.
type Drvs struct{ Drvs []*Drv }

// Attrs is an attribute set of jobs; evaluating it yields its children in
// lexicographic name order.
type Attrs struct{ Children []accessor.Accessor }

// List is a list of jobs; evaluating it yields Index(0) … Index(n-1).
type List struct{ Children []accessor.Accessor }

// Nothing is the null sentinel; evaluating it yields no results.
type Nothing struct{}

func (*Drvs) job()  {}
func (*Attrs) job() {}
func (*List) job()  {}
func (Nothing) job() {}

// Drv is one leaf derivation record. Outputs is never empty after
// construction.
type Drv struct {
	Name    string            `json:"name"`
	System  string            `json:"system"`
	DrvPath string            `json:"drvPath"`
	Outputs map[string]string `json:"outputs"`
	Meta    map[string]any    `json:"meta,omitempty"`
}

// Result is one message-level outcome of evaluating a job: a *Drv leaf or a
// Children expansion.
type Result interface{ result() }

// Children gives the next step set from the current node.
type Children struct{ Accessors []accessor.Accessor }

func (*Drv) result()     {}
func (Children) result() {}

// Get classifies a value as a Job. The constructors are tried in order:
// derivation set, attribute set, list; null yields Nothing; anything else is
// a type error.
func Get(st *eval.State, v any, opts Options) (Job, error) {
	v, err := st.ForceCall(v)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return Nothing{}, nil
	}
	if eval.IsDerivation(v) || eval.Recurses(v) {
		infos, err := st.GetDerivations(v)
		if err != nil {
			return nil, err
		}
		if len(infos) == 0 {
			return Nothing{}, nil
		}
		drvs := make([]*Drv, len(infos))
		for i, info := range infos {
			drv, err := NewDrv(info, opts)
			if err != nil {
				return nil, err
			}
			drvs[i] = drv
		}
		return &Drvs{drvs}, nil
	}
	switch v := v.(type) {
	case eval.Attrs:
		names := eval.Names(v)
		children := make([]accessor.Accessor, len(names))
		for i, name := range names {
			children[i] = accessor.Name{Val: name}
		}
		return &Attrs{children}, nil
	case eval.List:
		children := make([]accessor.Accessor, len(v))
		for i := range v {
			children[i] = accessor.Index{Val: uint64(i)}
		}
		return &List{children}, nil
	}
	return nil, fmt.Errorf(
		"error creating job, expecting one of a derivation, an attrset or a list, got: %s",
		eval.Kind(v))
}

// NewDrv builds a leaf record from a derivation view. A derivation whose
// system is the sentinel "unknown" is rejected.
func NewDrv(info *eval.DrvInfo, opts Options) (*Drv, error) {
	system := info.System()
	if system == "unknown" {
		return nil, fmt.Errorf("derivation must have a 'system' attribute")
	}
	name, err := info.Name()
	if err != nil {
		return nil, err
	}
	drvPath, err := info.DrvPath()
	if err != nil {
		return nil, err
	}
	outputs, err := info.Outputs()
	if err != nil {
		return nil, err
	}
	drv := &Drv{Name: name, System: system, DrvPath: drvPath, Outputs: outputs}
	if opts.Meta {
		meta, err := info.Meta()
		if err != nil {
			return nil, err
		}
		drv.Meta = meta
	}
	return drv, nil
}

// Results evaluates a job into its message-level results.
func Results(j Job) []Result {
	switch j := j.(type) {
	case *Drvs:
		results := make([]Result, len(j.Drvs))
		for i, drv := range j.Drvs {
			results[i] = drv
		}
		return results
	case *Attrs:
		return []Result{Children{j.Children}}
	case *List:
		return []Result{Children{j.Children}}
	}
	return nil
}
