package job

import (
	"fmt"

	"github.com/jsoo1/nix-eval-jobs/pkg/accessor"
	"github.com/jsoo1/nix-eval-jobs/pkg/eval"
)

// Walk advances through the root value one accessor at a time and
// classifies the value it reaches. Functions are auto-called at every step
// before the step is applied. An invariant of the work queue is that every
// prefix of a path handed to Walk resolves to a defined sub-value; a step
// that does not resolve is an evaluation error for the path.
func Walk(st *eval.State, path accessor.Path, root any, opts Options) (Job, error) {
	v := root
	for i, a := range path {
		stepped, err := step(st, a, v)
		if err != nil {
			if st.Config().ShowTrace {
				err = fmt.Errorf("%v, while evaluating the path %s", err, path[:i+1])
			}
			return nil, err
		}
		v = stepped
	}
	j, err := Get(st, v, opts)
	if err != nil && st.Config().ShowTrace && len(path) > 0 {
		err = fmt.Errorf("%v, while evaluating the path %s", err, path)
	}
	return j, err
}

func step(st *eval.State, a accessor.Accessor, v any) (any, error) {
	v, err := st.ForceCall(v)
	if err != nil {
		return nil, err
	}
	switch a := a.(type) {
	case accessor.Index:
		list, ok := v.(eval.List)
		if !ok {
			return nil, stepTypeError(a, v)
		}
		if a.Val >= uint64(len(list)) {
			return nil, fmt.Errorf("list index %d out of range", a.Val)
		}
		return list[a.Val], nil
	case accessor.Name:
		attrs, ok := v.(eval.Attrs)
		if !ok {
			return nil, stepTypeError(a, v)
		}
		child, ok := attrs[a.Val]
		if !ok {
			return nil, fmt.Errorf("attribute '%s' not found", a.Val)
		}
		return child, nil
	}
	return nil, fmt.Errorf("unknown accessor %s", a)
}

func stepTypeError(a accessor.Accessor, v any) error {
	dump, err := a.MarshalJSON()
	if err != nil {
		dump = []byte(a.String())
	}
	return fmt.Errorf("cannot apply accessor %s to %s", dump, eval.Kind(v))
}
