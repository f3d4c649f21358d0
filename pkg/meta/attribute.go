package meta

// Well-known attribute type names the weaver and discovery look for.
const (
	CompilerGeneratedAttribute    = "System.Runtime.CompilerServices.CompilerGeneratedAttribute"
	AsyncStateMachineAttribute    = "System.Runtime.CompilerServices.AsyncStateMachineAttribute"
	IteratorStateMachineAttribute = "System.Runtime.CompilerServices.IteratorStateMachineAttribute"
	DebuggerStepThroughAttribute  = "System.Diagnostics.DebuggerStepThroughAttribute"
)

// AttributeArgument is a typed constant in an attribute blob.
//
// Value holds bool, int8..uint64, float32, float64, string or nil for
// primitives and strings, *TypeRef for type arguments,
// []AttributeArgument for arrays and AttributeArgument for a value boxed
// into an object-typed slot.
type AttributeArgument struct {
	Type  *TypeRef
	Value any
}

// NamedArgument is a property or field initializer.
type NamedArgument struct {
	Name     string
	Argument AttributeArgument
}

// CustomAttribute is an applied attribute: a constructor call plus named
// property and field initializers.
type CustomAttribute struct {
	Constructor *MethodRef
	Args        []AttributeArgument
	Properties  []NamedArgument
	Fields      []NamedArgument
}

// NewCustomAttribute applies ctor with the given constructor arguments.
func NewCustomAttribute(ctor *MethodRef, args ...AttributeArgument) *CustomAttribute {
	return &CustomAttribute{Constructor: ctor, Args: args}
}

// AttributeType returns the type declaring the constructor.
func (a *CustomAttribute) AttributeType() *TypeRef {
	return a.Constructor.DeclaringType
}

// Property returns the named property initializer.
func (a *CustomAttribute) Property(name string) (AttributeArgument, bool) {
	for _, p := range a.Properties {
		if p.Name == name {
			return p.Argument, true
		}
	}
	return AttributeArgument{}, false
}

// Clone returns a copy whose argument lists can be edited independently.
func (a *CustomAttribute) Clone() *CustomAttribute {
	return &CustomAttribute{
		Constructor: a.Constructor,
		Args:        append([]AttributeArgument(nil), a.Args...),
		Properties:  append([]NamedArgument(nil), a.Properties...),
		Fields:      append([]NamedArgument(nil), a.Fields...),
	}
}

// FindAttribute returns the first attribute of the given type.
func FindAttribute(attrs []*CustomAttribute, fullName string) *CustomAttribute {
	for _, a := range attrs {
		if a.AttributeType().FullName() == fullName {
			return a
		}
	}
	return nil
}
