package eval

import (
	"encoding/json"
	"sort"
)

// Kind returns the kind of a value, for use in type error messages.
func Kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case json.Number:
		return "a number"
	case Attrs:
		return "a set"
	case List:
		return "a list"
	case *Func:
		return "a function"
	case Throw:
		return "a throw"
	case EnvRef:
		return "an environment reference"
	case Arg:
		return "an argument reference"
	}
	return "an unknown value"
}

// Names enumerates the attribute names of a set in lexicographic order.
func Names(attrs Attrs) []string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
