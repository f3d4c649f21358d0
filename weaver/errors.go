package weaver

import (
	"errors"
	"fmt"
	"strings"
)

// Configuration faults. They are returned wrapped in a *ConfigError.
var (
	ErrNoMatchingConstructor     = errors.New("no matching constructor")
	ErrParameterTypeNotSupported = errors.New("parameter type not supported")
	ErrMemberNotFound            = errors.New("member not found")
	ErrByRefEarlyReturn          = errors.New("early return from a method with a byref return type is not supported")
	ErrAsyncEarlyReturn          = errors.New("early return from an async method not returning Task or Task<T> is not supported")
)

// Synthesis faults raised when a caller asks for an impossible sequence.
var (
	ErrVoidVariable     = errors.New("variable of type System.Void is not possible")
	ErrNoReturnValue    = errors.New("method has no return value")
	ErrUnsupportedCast  = errors.New("only casting from System.Object is supported")
	ErrNotAStateMachine = errors.New("not a state machine method")
)

// ConfigError reports an aspect configuration that cannot be woven.
type ConfigError struct {
	Method string
	Aspect string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Aspect != "" {
		return fmt.Sprintf("weaving %s with %s: %v", e.Method, e.Aspect, e.Err)
	}
	return fmt.Sprintf("weaving %s: %v", e.Method, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StructuralError reports a method whose shape does not match what its
// classification promised, typically a misclassified state machine.
type StructuralError struct {
	Method       string
	Reason       string
	StateMachine string
	Variables    []string
	NestedTypes  []string
	Leading      []string
}

func (e *StructuralError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Method, e.Reason)
	if e.StateMachine != "" {
		fmt.Fprintf(&sb, "; state machine type: %s", e.StateMachine)
	}
	fmt.Fprintf(&sb, "; variables: [%s]", strings.Join(e.Variables, ", "))
	fmt.Fprintf(&sb, "; nested types: [%s]", strings.Join(e.NestedTypes, ", "))
	fmt.Fprintf(&sb, "; first instructions: %s", strings.Join(e.Leading, " -> "))
	return sb.String()
}
