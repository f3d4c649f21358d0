package interp

import (
	"fmt"

	"github.com/chazu/boundary/pkg/meta"
)

// Value is anything that can sit on the evaluation stack:
//
//	nil                 null reference
//	int32               bool, char and 8..32 bit integers
//	int64               64 bit integers
//	float64             floating point
//	string              System.String
//	*Object             class instances (including exceptions and tasks)
//	*Array              single dimension arrays
//	*Boxed              value types boxed into an object slot
//	*Ref                managed pointers (ldarga, ldloca, ldflda)
//	TypeHandle          result of ldtoken on a type
//	MethodHandle        result of ldtoken on a method
type Value = any

// Object is an instance of a class.
type Object struct {
	Class  *meta.TypeDef
	Type   *meta.TypeRef // instantiated type when known
	Fields map[string]Value
	Native any // runtime payload for library types
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%p", o.Class.FullName(), o)
}

// Field returns a field value by name.
func (o *Object) Field(name string) Value { return o.Fields[name] }

// Array is a single dimension array.
type Array struct {
	Elem  *meta.TypeRef
	Items []Value
}

// Boxed is a value type stored in an object slot.
type Boxed struct {
	Type  *meta.TypeRef
	Value Value
}

// Ref is a managed pointer to a storage location.
type Ref struct {
	Get func() Value
	Set func(Value)
}

// TypeHandle is a runtime type token.
type TypeHandle struct{ Type *meta.TypeRef }

// MethodHandle is a runtime method token.
type MethodHandle struct{ Method *meta.MethodRef }

// FieldHandle is a runtime field token.
type FieldHandle struct{ Field *meta.FieldRef }

// Thrown carries a managed exception through Go call frames. Rethrow
// propagates the same *Thrown, so Exception and Origin are preserved.
type Thrown struct {
	Exception *Object
	Origin    string // method that first threw
}

func (t *Thrown) Error() string {
	msg, _ := t.Exception.Fields[messageField].(string)
	return fmt.Sprintf("%s: %s (thrown in %s)", t.Exception.Class.FullName(), msg, t.Origin)
}

// TaskState is the payload of Task and builder objects.
type TaskState struct {
	Done      bool
	Faulted   bool
	Result    Value
	Exception *Object

	continuations []func() error
}

const messageField = "_message"

// Bool converts an int32 stack value to a Go bool.
func Bool(v Value) bool {
	return truthy(v)
}

// Unbox strips a Boxed wrapper.
func Unbox(v Value) Value {
	if b, ok := v.(*Boxed); ok {
		return b.Value
	}
	return v
}

func truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case int32:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case bool:
		return x
	}
	return true
}

func zeroValue(t *meta.TypeRef) Value {
	if t == nil {
		return nil
	}
	if u, ok := t.Enum(); ok {
		return zeroValue(u)
	}
	switch t.Kind {
	case meta.KindBoolean, meta.KindChar, meta.KindSByte, meta.KindByte,
		meta.KindInt16, meta.KindUInt16, meta.KindInt32, meta.KindUInt32:
		return int32(0)
	case meta.KindInt64, meta.KindUInt64, meta.KindIntPtr, meta.KindUIntPtr:
		return int64(0)
	case meta.KindSingle, meta.KindDouble:
		return float64(0)
	}
	return nil
}

func equalValues(a, b Value) bool {
	switch x := a.(type) {
	case int32:
		y, ok := b.(int32)
		return ok && x == y
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case string:
		y, ok := b.(string)
		return ok && x == y
	}
	return a == b
}
