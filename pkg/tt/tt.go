// Package tt supports table-driven tests with little boilerplate.
package tt

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Table represents a test table.
type Table []*Case

// Case represents a test case. It is created by the Args function, and
// offers setters that augment and return itself, so that calls can be
// chained like Args(...).Rets(...).
type Case struct {
	args         []any
	retsMatchers [][]any
}

// Args returns a new Case with the given arguments.
func Args(args ...any) *Case {
	return &Case{args: args}
}

// Rets modifies the test case so that it requires the return values to match
// the given values. It returns the receiver. The arguments may implement the
// Matcher interface, in which case its Match method is called with the actual
// return value. Otherwise, go-cmp is used to determine matches, with errors
// compared by message.
func (c *Case) Rets(matchers ...any) *Case {
	c.retsMatchers = append(c.retsMatchers, matchers)
	return c
}

// T is the interface for accessing testing.T.
type T interface {
	Helper()
	Errorf(format string, args ...any)
}

// Test tests fn against the given Table, using name in error messages.
func Test(t T, name string, fn any, tests Table) {
	t.Helper()
	for _, test := range tests {
		rets := call(fn, test.args)
		for _, retsMatcher := range test.retsMatchers {
			if !match(retsMatcher, rets) {
				t.Errorf("%s(%s) -> %s, want %s", name,
					sprintVals(test.args), sprintVals(rets), sprintVals(retsMatcher))
			}
		}
	}
}

// RetValue is an empty interface used in the Matcher interface.
type RetValue any

// Matcher wraps the Match method.
type Matcher interface {
	// Match reports whether a return value is considered a match. The
	// argument is of type RetValue so that it cannot be implemented
	// accidentally.
	Match(RetValue) bool
}

// Any is a Matcher that matches any value.
var Any Matcher = anyMatcher{}

type anyMatcher struct{}

func (anyMatcher) Match(RetValue) bool { return true }

// ErrorWithMsg returns a Matcher that matches a non-nil error with the given
// message.
func ErrorWithMsg(msg string) Matcher { return errorMatcher{msg} }

type errorMatcher struct{ msg string }

func (em errorMatcher) Match(ret RetValue) bool {
	err, _ := ret.(error)
	return err != nil && err.Error() == em.msg
}

var cmpOpt = cmpopts.EquateErrors()

func match(matchers, actual []any) bool {
	for i, matcher := range matchers {
		if !matchOne(matcher, actual[i]) {
			return false
		}
	}
	return true
}

func matchOne(matcher, actual any) bool {
	if m, ok := matcher.(Matcher); ok {
		return m.Match(actual)
	}
	if wantErr, ok := matcher.(error); ok {
		gotErr, _ := actual.(error)
		return gotErr != nil && wantErr.Error() == gotErr.Error()
	}
	return cmp.Equal(matcher, actual, cmpOpt)
}

func call(fn any, args []any) []any {
	argsReflect := make([]reflect.Value, len(args))
	for i, arg := range args {
		if arg == nil {
			// reflect.ValueOf(nil) is an invalid value. Use the zero value of
			// the parameter type instead.
			argsReflect[i] = reflect.Zero(reflect.TypeOf(fn).In(i))
		} else {
			argsReflect[i] = reflect.ValueOf(arg)
		}
	}
	retsReflect := reflect.ValueOf(fn).Call(argsReflect)
	rets := make([]any, len(retsReflect))
	for i, ret := range retsReflect {
		rets[i] = ret.Interface()
	}
	return rets
}

func sprintVals(vals []any) string {
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%v", v)
	}
	return sb.String()
}
