package weaver

import (
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// Loadable is a value source that can be pushed onto the evaluation stack.
// With asReceiver set, value types are pushed by address so the result can
// be the receiver of an instance call.
type Loadable interface {
	Load(b *il.Body, asReceiver bool) (*InstructionBlock, error)
	PersistedType() *meta.TypeRef
}

// Persistable is a Loadable storage location that can also be written.
// Store emits value (which must push one item of valueType) followed by
// the store.
type Persistable interface {
	Loadable
	Store(b *il.Body, value []il.Handle, valueType *meta.TypeRef) (*InstructionBlock, error)
}

// VariablePersistable is a local variable.
type VariablePersistable struct {
	Var  *il.Variable
	Type *meta.TypeRef
}

func NewVariablePersistable(v *il.Variable) *VariablePersistable {
	t, _ := v.Type.(*meta.TypeRef)
	return &VariablePersistable{Var: v, Type: t}
}

func (p *VariablePersistable) PersistedType() *meta.TypeRef { return p.Type }

func (p *VariablePersistable) Load(b *il.Body, asReceiver bool) (*InstructionBlock, error) {
	if asReceiver && p.Type.IsValueType() {
		return NewBlock("Load address of "+p.Var.String(), b.New(il.Ldloca, p.Var)), nil
	}
	return NewBlock("Load "+p.Var.String(), b.New(il.Ldloc, p.Var)), nil
}

func (p *VariablePersistable) Store(b *il.Body, value []il.Handle, _ *meta.TypeRef) (*InstructionBlock, error) {
	hs := append(append([]il.Handle(nil), value...), b.New(il.Stloc, p.Var))
	return NewBlock("Store "+p.Var.String(), hs...), nil
}

// FieldPersistable is an instance field reached through another loadable.
type FieldPersistable struct {
	Instance Loadable
	Field    *meta.FieldRef
}

func (p *FieldPersistable) PersistedType() *meta.TypeRef { return p.Field.FieldType }

func (p *FieldPersistable) Load(b *il.Body, asReceiver bool) (*InstructionBlock, error) {
	inst, err := p.Instance.Load(b, true)
	if err != nil {
		return nil, err
	}
	op := il.Ldfld
	if asReceiver && p.Field.FieldType.IsValueType() {
		op = il.Ldflda
	}
	hs := append(inst.Instructions(), b.New(op, p.Field))
	return NewBlock("Load field "+p.Field.Name, hs...), nil
}

func (p *FieldPersistable) Store(b *il.Body, value []il.Handle, _ *meta.TypeRef) (*InstructionBlock, error) {
	inst, err := p.Instance.Load(b, true)
	if err != nil {
		return nil, err
	}
	hs := append(inst.Instructions(), value...)
	hs = append(hs, b.New(il.Stfld, p.Field))
	return NewBlock("Store field "+p.Field.Name, hs...), nil
}

// ThisLoadable is the receiver of the method being emitted into. For value
// types the receiver slot already holds an address.
type ThisLoadable struct {
	Type *meta.TypeRef
}

func (p *ThisLoadable) PersistedType() *meta.TypeRef { return p.Type }

func (p *ThisLoadable) Load(b *il.Body, _ bool) (*InstructionBlock, error) {
	return NewBlock("Load this", b.New(il.Ldarg, 0)), nil
}

// ArgLoadable is a declared parameter of the method being emitted into.
type ArgLoadable struct {
	Slot int
	Type *meta.TypeRef
}

func (p *ArgLoadable) PersistedType() *meta.TypeRef { return p.Type }

func (p *ArgLoadable) Load(b *il.Body, _ bool) (*InstructionBlock, error) {
	return NewBlock("Load argument", b.New(il.Ldarg, p.Slot)), nil
}

// ArrayElementLoadable reads one slot of the boxed argument array, cast to
// the parameter's type. For byref parameters the value goes through a
// temporary local whose address is pushed; LoadValue reads the temporary
// back after the call.
type ArrayElementLoadable struct {
	Array *il.Variable
	Index int
	Param *meta.Parameter

	creator *InstructionBlockCreator
	temp    *il.Variable
}

func (p *ArrayElementLoadable) elementType() *meta.TypeRef {
	if p.Param.Type.IsByRef() {
		return p.Param.Type.ElementType()
	}
	return p.Param.Type
}

func (p *ArrayElementLoadable) PersistedType() *meta.TypeRef { return p.Param.Type }

func (p *ArrayElementLoadable) Load(b *il.Body, _ bool) (*InstructionBlock, error) {
	et := p.elementType()
	hs := []il.Handle{
		b.New(il.Ldloc, p.Array),
		b.New(il.LdcI4, int32(p.Index)),
		b.New(il.LdelemRef, nil),
	}
	cast, err := p.creator.CastValueCurrentlyOnStack(p.creator.objectType(), et)
	if err != nil {
		return nil, err
	}
	hs = append(hs, cast...)
	if p.Param.Type.IsByRef() {
		if p.temp == nil {
			p.temp = b.AddVariable(et)
		}
		hs = append(hs, b.New(il.Stloc, p.temp), b.New(il.Ldloca, p.temp))
	}
	return NewBlock("Load argument "+p.Param.Name+" from array", hs...), nil
}

// LoadValue pushes the value written through the byref temporary.
func (p *ArrayElementLoadable) LoadValue(b *il.Body) *InstructionBlock {
	return NewBlock("Load written back "+p.Param.Name, b.New(il.Ldloc, p.temp))
}
