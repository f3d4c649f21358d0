package weaver

import (
	"fmt"
	"strings"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// MethodKind is how a method has to be woven.
type MethodKind uint8

const (
	PlainMethod MethodKind = iota
	AsyncMethod
	IteratorMethod
)

func (k MethodKind) String() string {
	switch k {
	case AsyncMethod:
		return "async"
	case IteratorMethod:
		return "iterator"
	}
	return "plain"
}

// Classification is the result of Classify. StateMachine and MoveNext are
// set for async and iterator methods.
type Classification struct {
	Kind         MethodKind
	StateMachine *meta.TypeDef
	MoveNext     *meta.MethodDef
}

const uniTaskNamespace = "Cysharp.Threading.Tasks"

// Classify decides whether method is a plain method, an async stub or an
// iterator stub. Async and iterator stubs are recognised by their state
// machine attribute; async methods returning UniTask are recognised by
// their shape, since that builder does not always leave the attribute.
func Classify(method *meta.MethodDef) (Classification, error) {
	if a := meta.FindAttribute(method.CustomAttributes, meta.AsyncStateMachineAttribute); a != nil {
		return linked(method, a, AsyncMethod)
	}
	if a := meta.FindAttribute(method.CustomAttributes, meta.IteratorStateMachineAttribute); a != nil {
		return linked(method, a, IteratorMethod)
	}
	if sm := uniTaskStateMachine(method); sm != nil {
		return Classification{Kind: AsyncMethod, StateMachine: sm, MoveNext: sm.Method("MoveNext")}, nil
	}
	return Classification{Kind: PlainMethod}, nil
}

func linked(method *meta.MethodDef, attr *meta.CustomAttribute, kind MethodKind) (Classification, error) {
	if len(attr.Args) != 1 {
		return Classification{}, fmt.Errorf("%s: malformed %s: %w", method.FullName(), attr.AttributeType(), ErrNotAStateMachine)
	}
	ref, ok := attr.Args[0].Value.(*meta.TypeRef)
	if !ok || ref.Resolve() == nil {
		return Classification{}, fmt.Errorf("%s: state machine type is not resolvable: %w", method.FullName(), ErrNotAStateMachine)
	}
	sm := ref.Resolve()
	mn := sm.Method("MoveNext")
	if mn == nil || !mn.HasBody() {
		return Classification{}, fmt.Errorf("%s: %s has no MoveNext body: %w", method.FullName(), sm.FullName(), ErrNotAStateMachine)
	}
	return Classification{Kind: kind, StateMachine: sm, MoveNext: mn}, nil
}

// uniTaskStateMachine returns the state machine of a UniTask async method,
// or nil when method does not have that shape. All of these must hold:
// the return type is from the UniTask family, the method is not a plain
// wrapper around another method of the same type, a compiler generated
// nested type named after the method holds a UniTask builder, and the
// method both declares a local of that type and constructs it.
func uniTaskStateMachine(method *meta.MethodDef) *meta.TypeDef {
	rt := method.ReturnType.FullName()
	if !strings.HasPrefix(rt, uniTaskNamespace+".UniTask") {
		return nil
	}
	if isSimpleWrapper(method) {
		return nil
	}
	var sm *meta.TypeDef
	for _, n := range method.DeclaringType.NestedTypes {
		if strings.Contains(n.Name, "<"+method.Name+">") && n.IsCompilerGenerated() && hasUniTaskBuilder(n) {
			sm = n
			break
		}
	}
	if sm == nil || sm.Method("MoveNext") == nil {
		return nil
	}
	if !constructsStateMachine(method, sm) {
		return nil
	}
	return sm
}

// isSimpleWrapper reports a body whose first call is immediately returned
// and targets a method of the same type with the same return type.
func isSimpleWrapper(method *meta.MethodDef) bool {
	b := method.Body
	if b == nil || b.Len() < 3 {
		return false
	}
	code := b.Instructions()
	for i, h := range code {
		ins := b.At(h)
		if !ins.Op.IsCall() || ins.Op == il.Newobj {
			continue
		}
		if i+1 >= len(code) || b.Op(code[i+1]) != il.Ret {
			return false
		}
		ref, ok := ins.Operand.(*meta.MethodRef)
		return ok &&
			ref.DeclaringType.FullName() == method.DeclaringType.FullName() &&
			ref.ReturnType.FullName() == method.ReturnType.FullName()
	}
	return false
}

func hasUniTaskBuilder(t *meta.TypeDef) bool {
	for _, f := range t.Fields {
		name := f.FieldType.FullName()
		if strings.Contains(name, "AsyncUniTaskMethodBuilder") ||
			strings.Contains(name, "AsyncUniTaskVoidMethodBuilder") ||
			strings.Contains(name, uniTaskNamespace) {
			return true
		}
	}
	return false
}

func constructsStateMachine(method *meta.MethodDef, sm *meta.TypeDef) bool {
	if stateMachineLocal(method, sm) == nil {
		return false
	}
	b := method.Body
	for _, h := range b.Instructions() {
		ins := b.At(h)
		if ins.Op != il.Newobj {
			continue
		}
		if ref, ok := ins.Operand.(*meta.MethodRef); ok && ref.DeclaringType.Resolve() == sm {
			return true
		}
	}
	return false
}

// stateMachineLocal returns the first local of the stub whose type is sm.
func stateMachineLocal(method *meta.MethodDef, sm *meta.TypeDef) *il.Variable {
	if method.Body == nil {
		return nil
	}
	for _, v := range method.Body.Variables {
		if t, ok := v.Type.(*meta.TypeRef); ok && t.Resolve() == sm {
			return v
		}
	}
	return nil
}

// IsStateMachineStep reports whether m is the MoveNext of a compiler
// generated state machine. Such methods are woven through their stub.
func IsStateMachineStep(m *meta.MethodDef) bool {
	if m.Name != "MoveNext" || m.DeclaringType == nil || !m.DeclaringType.IsNested() {
		return false
	}
	t := m.DeclaringType
	if !t.IsCompilerGenerated() {
		return false
	}
	for _, i := range t.Interfaces {
		switch i.FullName() {
		case corlib.IAsyncStateMachine, corlib.IEnumerator:
			return true
		}
	}
	return hasUniTaskBuilder(t)
}

// structuralError describes a stub whose state machine local is missing.
func structuralError(method *meta.MethodDef, sm *meta.TypeDef, reason string) *StructuralError {
	e := &StructuralError{Method: method.FullName(), Reason: reason}
	if sm != nil {
		e.StateMachine = sm.FullName()
	}
	if method.Body != nil {
		for i, v := range method.Body.Variables {
			e.Variables = append(e.Variables, fmt.Sprintf("var%d:%s", i, v.Type.FullName()))
		}
		for i, h := range method.Body.Instructions() {
			if i == 10 {
				break
			}
			e.Leading = append(e.Leading, method.Body.Op(h).String())
		}
	}
	for _, n := range method.DeclaringType.NestedTypes {
		e.NestedTypes = append(e.NestedTypes, n.Name)
	}
	return e
}
