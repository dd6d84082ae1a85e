package eval

import (
	"encoding/json"
	"fmt"
)

// The attributes that give a set its derivation and searchability status.
const (
	attrType    = "type"
	attrRecurse = "recurseForDerivations"
)

// IsDerivation reports whether a value is a derivation, that is, a set whose
// type attribute is the string "derivation".
func IsDerivation(v any) bool {
	attrs, ok := v.(Attrs)
	if !ok {
		return false
	}
	t, _ := attrs[attrType].(string)
	return t == "derivation"
}

// DrvInfo is a queryable view on a derivation value.
type DrvInfo struct {
	st    *State
	attrs Attrs
	// attrPath is where the derivation was found when searching a
	// recurseForDerivations set; empty for a derivation reached directly.
	attrPath string
}

// NewDrvInfo wraps a derivation value. It is the caller's responsibility to
// have checked IsDerivation.
func NewDrvInfo(st *State, attrs Attrs) *DrvInfo {
	return &DrvInfo{st: st, attrs: attrs}
}

// AttrPath is the dotted sub-path the derivation was found at during a
// recurseForDerivations search, or empty.
func (d *DrvInfo) AttrPath() string { return d.attrPath }

// Name queries the derivation name.
func (d *DrvInfo) Name() (string, error) {
	name, err := d.stringAttr("name")
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("derivation has an empty name")
	}
	return name, nil
}

// System queries the system tag, or the sentinel "unknown" when the
// derivation does not carry one.
func (d *DrvInfo) System() string {
	v, err := d.st.Force(d.attrs["system"])
	if err != nil {
		return "unknown"
	}
	system, ok := v.(string)
	if !ok || system == "" {
		return "unknown"
	}
	return system
}

// DrvPath queries the derivation path.
func (d *DrvInfo) DrvPath() (string, error) {
	return d.stringAttr("drvPath")
}

// Outputs queries the mapping from output name to output path. It is an
// error for a derivation to have no outputs.
func (d *DrvInfo) Outputs() (map[string]string, error) {
	v, err := d.st.Force(d.attrs["outputs"])
	if err != nil {
		return nil, err
	}
	attrs, ok := v.(Attrs)
	if !ok || len(attrs) == 0 {
		return nil, fmt.Errorf("derivation has no outputs")
	}
	outputs := make(map[string]string, len(attrs))
	for _, name := range Names(attrs) {
		out, err := d.st.Force(attrs[name])
		if err != nil {
			return nil, err
		}
		path, ok := out.(string)
		if !ok {
			return nil, fmt.Errorf("output %s is %s, expected a string", name, Kind(out))
		}
		outputs[name] = path
	}
	return outputs, nil
}

// Meta queries the meta attribute as a JSON-serialisable map. Values that
// cannot be serialised (functions) are skipped.
func (d *DrvInfo) Meta() (map[string]any, error) {
	v, err := d.st.Force(d.attrs["meta"])
	if err != nil {
		return nil, err
	}
	attrs, ok := v.(Attrs)
	if !ok {
		return nil, nil
	}
	meta := make(map[string]any, len(attrs))
	for _, name := range Names(attrs) {
		value, serialisable, err := d.st.jsonValue(attrs[name])
		if err != nil {
			return nil, err
		}
		if !serialisable {
			continue
		}
		meta[name] = value
	}
	return meta, nil
}

func (d *DrvInfo) stringAttr(name string) (string, error) {
	v, err := d.st.Force(d.attrs[name])
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("derivation attribute %s is %s, expected a string",
			name, Kind(v))
	}
	return s, nil
}

// GetDerivations searches a value for derivation leaves. A derivation
// yields itself; a set marked with recurseForDerivations yields the
// derivations of its attributes, with nested names joined by dots. Any
// other value yields nothing.
func (st *State) GetDerivations(v any) ([]*DrvInfo, error) {
	v, err := st.ForceCall(v)
	if err != nil {
		return nil, err
	}
	if IsDerivation(v) {
		return []*DrvInfo{NewDrvInfo(st, v.(Attrs))}, nil
	}
	attrs, ok := v.(Attrs)
	if !ok || !recurses(attrs) {
		return nil, nil
	}
	var drvs []*DrvInfo
	err = st.getDerivations(attrs, "", &drvs)
	return drvs, err
}

func (st *State) getDerivations(attrs Attrs, prefix string, drvs *[]*DrvInfo) error {
	for _, name := range Names(attrs) {
		if name == attrRecurse {
			continue
		}
		child, err := st.ForceCall(attrs[name])
		if err != nil {
			return err
		}
		attrPath := name
		if prefix != "" {
			attrPath = prefix + "." + name
		}
		if IsDerivation(child) {
			*drvs = append(*drvs, &DrvInfo{st: st, attrs: child.(Attrs), attrPath: attrPath})
			continue
		}
		if childAttrs, ok := child.(Attrs); ok && recurses(childAttrs) {
			if err := st.getDerivations(childAttrs, attrPath, drvs); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recurses reports whether a value is a set marked with
// recurseForDerivations.
func Recurses(v any) bool {
	attrs, ok := v.(Attrs)
	if !ok {
		return false
	}
	return recurses(attrs)
}

func recurses(attrs Attrs) bool {
	flag, _ := attrs[attrRecurse].(bool)
	return flag
}

// jsonValue converts a value to its plain JSON form. The second return is
// false for values with no JSON form, which callers skip.
func (st *State) jsonValue(v any) (any, bool, error) {
	v, err := st.Force(v)
	if err != nil {
		return nil, false, err
	}
	switch v := v.(type) {
	case *Func, Arg:
		return nil, false, nil
	case Attrs:
		out := make(map[string]any, len(v))
		for _, name := range Names(v) {
			child, serialisable, err := st.jsonValue(v[name])
			if err != nil {
				return nil, false, err
			}
			if serialisable {
				out[name] = child
			}
		}
		return out, true, nil
	case List:
		out := make([]any, 0, len(v))
		for _, elem := range v {
			child, serialisable, err := st.jsonValue(elem)
			if err != nil {
				return nil, false, err
			}
			if serialisable {
				out = append(out, child)
			}
		}
		return out, true, nil
	case nil, string, bool, json.Number:
		return v, true, nil
	}
	return nil, false, nil
}
