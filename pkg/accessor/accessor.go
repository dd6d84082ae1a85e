// Package accessor implements the steps the coordinator and workers use to
// locate a sub-value inside the root value.
//
// An Accessor is one step, either an index into a list or an attribute name
// in a set. An accessor's JSON form is the bare integer or the bare string;
// a Path's JSON form is the array of its steps.
package accessor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Accessor is one way to look into a value: Index or Name. Accessors are
// immutable after construction.
type Accessor interface {
	json.Marshaler
	// String renders the step for the dotted diagnostic form.
	String() string
	step() // seals the union
}

// Index is an index into a list.
type Index struct{ Val uint64 }

// Name is an attribute name in a set. The name is never empty.
type Name struct{ Val string }

func (Index) step() {}
func (Name) step()  {}

// MarshalJSON writes the bare integer.
func (i Index) MarshalJSON() ([]byte, error) { return json.Marshal(i.Val) }

// MarshalJSON writes the bare string.
func (n Name) MarshalJSON() ([]byte, error) { return json.Marshal(n.Val) }

func (i Index) String() string { return fmt.Sprintf("%d", i.Val) }
func (n Name) String() string  { return n.Val }

// FromJSON parses one accessor from its decoded JSON form: a non-negative
// integer is an Index, a non-empty string is a Name, anything else is an
// error naming the offending JSON.
func FromJSON(j any) (Accessor, error) {
	switch j := j.(type) {
	case json.Number:
		i, err := parseIndex(j)
		if err != nil {
			return nil, err
		}
		return Index{i}, nil
	case float64:
		// Decoders not configured with UseNumber hand over float64.
		if j < 0 || j != float64(uint64(j)) {
			return nil, badAccessor(j)
		}
		return Index{uint64(j)}, nil
	case string:
		if j == "" {
			return nil, fmt.Errorf("empty attribute name")
		}
		return Name{j}, nil
	}
	return nil, badAccessor(j)
}

func parseIndex(n json.Number) (uint64, error) {
	i, err := n.Int64()
	if err != nil || i < 0 {
		return 0, badAccessor(n)
	}
	return uint64(i), nil
}

func badAccessor(j any) error {
	dump, err := json.Marshal(j)
	if err != nil {
		dump = []byte(fmt.Sprint(j))
	}
	return fmt.Errorf("could not make an accessor out of json: %s", dump)
}

// Path is an ordered sequence of accessors resolving root to sub-value. The
// empty path denotes the root.
type Path []Accessor

// ParsePath parses a path from the JSON encoding of an array of accessors.
func ParsePath(s string) (Path, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf(
			"could not make an accessor path out of json, expected a list of accessors: %s", s)
	}
	path := make(Path, 0, len(raw))
	for _, j := range raw {
		a, err := FromJSON(j)
		if err != nil {
			return nil, err
		}
		path = append(path, a)
	}
	return path, nil
}

// MarshalJSON writes the array of accessor JSON forms. The empty path
// marshals as [].
func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal([]Accessor(ensure(p)))
}

// UnmarshalJSON parses the array form.
func (p *Path) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePath(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Key is the canonical JSON form of the path, used as its identity in the
// coordinator's queue sets.
func (p Path) Key() string {
	data, err := p.MarshalJSON()
	if err != nil {
		// Marshaling accessors cannot fail; they are numbers and strings.
		panic(err)
	}
	return string(data)
}

// String renders the dotted human form used in diagnostics and the cosmetic
// attr field of output records.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, a := range p {
		parts[i] = a.String()
	}
	return strings.Join(parts, ".")
}

// Extend returns a copy of the path with one more step.
func (p Path) Extend(a Accessor) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = a
	return out
}

func ensure(p Path) Path {
	if p == nil {
		return Path{}
	}
	return p
}
