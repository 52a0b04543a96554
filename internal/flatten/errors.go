package flatten

import "fmt"

// CyclicCompositionError reports a composition that transitively uses itself.
type CyclicCompositionError struct {
	Ref  string
	Path string
}

func (e *CyclicCompositionError) Error() string {
	return fmt.Sprintf("cyclic composition: %s used again at %s", e.Ref, e.Path)
}

// UndeclaredPortError reports a binding or reference naming a port the
// target action does not declare.
type UndeclaredPortError struct {
	Step string
	Port string
}

func (e *UndeclaredPortError) Error() string {
	return fmt.Sprintf("step %q has no declared port %q", e.Step, e.Port)
}

// ArityMismatchError reports positional bindings whose length disagrees with
// the callee's declared input arity.
type ArityMismatchError struct {
	Step     string
	Declared int
	Given    int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("step %q binds %d positional inputs, callee declares %d", e.Step, e.Given, e.Declared)
}
