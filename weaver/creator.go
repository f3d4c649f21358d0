package weaver

import (
	"fmt"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// InstructionBlockCreator synthesizes the primitive instruction blocks the
// weavers are assembled from. Every block leaves the evaluation stack in
// the state its method documents.
type InstructionBlockCreator struct {
	method *meta.MethodDef
	body   *il.Body
	module *meta.Module
	refs   *ReferenceFinder

	safeCast          *meta.MethodRef
	object            *meta.TypeRef
	systemType        *meta.TypeRef
	getTypeFromHandle *meta.MethodRef
}

// NewInstructionBlockCreator binds a creator to method's body. safeCast
// is the module's cast helper.
func NewInstructionBlockCreator(method *meta.MethodDef, module *meta.Module, refs *ReferenceFinder, safeCast *meta.MethodRef) (*InstructionBlockCreator, error) {
	c := &InstructionBlockCreator{method: method, body: method.Body, module: module, refs: refs, safeCast: safeCast}
	var err error
	if c.object, err = refs.Type(corlib.Object); err != nil {
		return nil, err
	}
	if c.systemType, err = refs.Type(corlib.Type); err != nil {
		return nil, err
	}
	if c.getTypeFromHandle, err = refs.MethodNamed(c.systemType, "GetTypeFromHandle", 1); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *InstructionBlockCreator) objectType() *meta.TypeRef { return c.object }

// CreateVariable declares a local of type t.
func (c *InstructionBlockCreator) CreateVariable(t *meta.TypeRef) (*il.Variable, error) {
	if t.IsVoid() {
		return nil, ErrVoidVariable
	}
	return c.body.AddVariable(t), nil
}

// CreateThisVariable copies the receiver into a local. Static methods get
// a nop block without a variable.
func (c *InstructionBlockCreator) CreateThisVariable(decl *meta.TypeDef) (*InstructionBlock, error) {
	if c.method.IsStatic() {
		return NewBlock("Static method call: "+c.method.Name, c.body.New(il.Nop, nil)), nil
	}
	t := decl.SelfInstance()
	if decl.IsValueType {
		t = meta.MakeByRef(t)
	}
	v, err := c.CreateVariable(t)
	if err != nil {
		return nil, err
	}
	blk := NewBlock("Store instance for: "+c.method.Name,
		c.body.New(il.Ldarg, 0),
		c.body.New(il.Stloc, v))
	blk.Variable = v
	return blk, nil
}

// CreateObjectArrayWithMethodArguments fills arr with the boxed
// arguments of the method. Pointer-like parameters keep a null slot.
func (c *InstructionBlockCreator) CreateObjectArrayWithMethodArguments(arr *il.Variable, elem *meta.TypeRef) *InstructionBlock {
	hs := []il.Handle{
		c.body.New(il.LdcI4, int32(len(c.method.Params))),
		c.body.New(il.Newarr, elem),
		c.body.New(il.Stloc, arr),
	}
	for _, p := range c.method.Params {
		hs = append(hs, c.boxArgument(p, arr)...)
	}
	return NewBlock("CreateObjectArrayWithMethodArguments", hs...)
}

func (c *InstructionBlockCreator) boxArgument(p *meta.Parameter, arr *il.Variable) []il.Handle {
	pt := p.Type
	if pt.IsPointerLike() {
		return nil
	}
	b := c.body
	hs := []il.Handle{
		b.New(il.Ldloc, arr),
		b.New(il.LdcI4, int32(p.Index)),
		b.New(il.Ldarg, c.method.ArgSlot(p)),
	}
	if pt.IsByRef() {
		elem := pt.ElementType()
		op, isValue := ldindFor(elem)
		if op == il.Ldobj {
			hs = append(hs, b.New(il.Ldobj, elem))
		} else {
			hs = append(hs, b.New(op, nil))
		}
		if isValue {
			hs = append(hs, b.New(il.Box, elem))
		}
	} else if pt.IsValueType() || pt.IsGenericParameter() {
		hs = append(hs, b.New(il.Box, pt))
	}
	return append(hs, b.New(il.StelemRef, nil))
}

// ldindFor picks the indirect load for a byref element type and reports
// whether the loaded value needs boxing.
func ldindFor(t *meta.TypeRef) (il.Opcode, bool) {
	switch t.Kind {
	case meta.KindBoolean, meta.KindSByte:
		return il.LdindI1, true
	case meta.KindInt16:
		return il.LdindI2, true
	case meta.KindInt32:
		return il.LdindI4, true
	case meta.KindInt64, meta.KindUInt64:
		return il.LdindI8, true
	case meta.KindByte:
		return il.LdindU1, true
	case meta.KindUInt16, meta.KindChar:
		return il.LdindU2, true
	case meta.KindUInt32:
		return il.LdindU4, true
	case meta.KindSingle:
		return il.LdindR4, true
	case meta.KindDouble:
		return il.LdindR8, true
	case meta.KindIntPtr, meta.KindUIntPtr:
		return il.LdindI, true
	}
	if t.IsValueType() || t.IsGenericParameter() {
		return il.Ldobj, true
	}
	return il.LdindRef, false
}

// stindFor picks the indirect store matching ldindFor.
func stindFor(t *meta.TypeRef) il.Opcode {
	switch t.Kind {
	case meta.KindBoolean, meta.KindSByte, meta.KindByte:
		return il.StindI1
	case meta.KindInt16, meta.KindUInt16, meta.KindChar:
		return il.StindI2
	case meta.KindInt32, meta.KindUInt32:
		return il.StindI4
	case meta.KindInt64, meta.KindUInt64:
		return il.StindI8
	case meta.KindSingle:
		return il.StindR4
	case meta.KindDouble:
		return il.StindR8
	case meta.KindIntPtr, meta.KindUIntPtr:
		return il.StindI
	}
	if t.IsValueType() || t.IsGenericParameter() {
		return il.Stobj
	}
	return il.StindRef
}

func stelemFor(t *meta.TypeRef) (il.Opcode, error) {
	switch t.Kind {
	case meta.KindBoolean, meta.KindSByte, meta.KindByte:
		return il.StelemI1, nil
	case meta.KindInt16, meta.KindUInt16, meta.KindChar:
		return il.StelemI2, nil
	case meta.KindInt32, meta.KindUInt32:
		return il.StelemI4, nil
	case meta.KindInt64, meta.KindUInt64:
		return il.StelemI8, nil
	case meta.KindSingle:
		return il.StelemR4, nil
	case meta.KindDouble:
		return il.StelemR8, nil
	case meta.KindIntPtr, meta.KindUIntPtr:
		return il.StelemI, nil
	}
	if !t.IsValueType() {
		return il.StelemRef, nil
	}
	return 0, fmt.Errorf("array of %s: %w", t, ErrParameterTypeNotSupported)
}

// NewObject constructs t into v. With attr set, the constructor is the
// unique one whose parameter types match attr's arguments, and the named
// properties and fields are assigned afterwards.
func (c *InstructionBlockCreator) NewObject(v *il.Variable, t *meta.TypeRef, attr *meta.CustomAttribute) (*InstructionBlock, error) {
	def := t.Resolve()
	if def == nil {
		return nil, fmt.Errorf("type %s: %w", t, ErrMemberNotFound)
	}
	var argTypes []string
	if attr != nil {
		for _, a := range attr.Args {
			argTypes = append(argTypes, a.Type.FullName())
		}
	}
	var ctor *meta.MethodDef
	matches := 0
	for _, m := range def.Constructors() {
		if paramsMatch(m, argTypes) {
			ctor = m
			matches++
		}
	}
	if matches != 1 {
		return nil, fmt.Errorf("%s (%d candidates): %w", def.FullName(), matches, ErrNoMatchingConstructor)
	}
	ctorRef := c.module.ImportMethod(ctor.Ref(), nil)
	if t.IsGenericInstance() {
		ctorRef = ctorRef.WithDeclaringType(t)
	}

	var hs []il.Handle
	if attr != nil {
		for i, a := range attr.Args {
			load, err := c.loadValue(ctor.Params[i].Type, a.Value)
			if err != nil {
				return nil, err
			}
			hs = append(hs, load...)
		}
	}
	hs = append(hs, c.body.New(il.Newobj, ctorRef), c.body.New(il.Stloc, v))

	if attr != nil {
		for _, p := range attr.Properties {
			pt := c.module.ImportType(p.Argument.Type, nil)
			load, err := c.loadValue(pt, p.Argument.Value)
			if err != nil {
				return nil, err
			}
			tmp, err := c.CreateVariable(pt)
			if err != nil {
				return nil, err
			}
			setter, err := c.refs.MethodRef(t, func(m *meta.MethodDef) bool { return m.Name == "set_"+p.Name }, nil)
			if err != nil {
				return nil, err
			}
			set, err := c.CallVoidInstanceMethod(setter, &VariablePersistable{Var: v, Type: t}, &VariablePersistable{Var: tmp, Type: pt})
			if err != nil {
				return nil, err
			}
			hs = append(hs, load...)
			hs = append(hs, c.body.New(il.Stloc, tmp))
			hs = append(hs, set.Instructions()...)
		}
		for _, f := range attr.Fields {
			fr, err := c.refs.FieldRef(t, f.Name, nil)
			if err != nil {
				return nil, err
			}
			load, err := c.loadValue(f.Argument.Type, f.Argument.Value)
			if err != nil {
				return nil, err
			}
			hs = append(hs, c.body.New(il.Ldloc, v))
			hs = append(hs, load...)
			hs = append(hs, c.body.New(il.Stfld, fr))
		}
	}
	blk := NewBlock("NewObject: "+t.Name, hs...)
	blk.Variable = v
	return blk, nil
}

func paramsMatch(m *meta.MethodDef, types []string) bool {
	if len(m.Params) != len(types) {
		return false
	}
	for i, p := range m.Params {
		if p.Type.FullName() != types[i] {
			return false
		}
	}
	return true
}

// cleanEnum replaces an enum type by its underlying type and does the
// same for array elements.
func cleanEnum(t *meta.TypeRef) *meta.TypeRef {
	if t.IsArray() {
		return meta.MakeArray(cleanEnum(t.ElementType()))
	}
	if u, ok := t.Enum(); ok {
		return u
	}
	return t
}

// loadValue pushes an attribute constant of type t.
func (c *InstructionBlockCreator) loadValue(t *meta.TypeRef, value any) ([]il.Handle, error) {
	b := c.body
	if elems, ok := value.([]meta.AttributeArgument); ok && t.IsArray() {
		elem := cleanEnum(t.ElementType())
		arr, err := c.CreateVariable(meta.MakeArray(elem))
		if err != nil {
			return nil, err
		}
		stelem, err := stelemFor(elem)
		if err != nil {
			return nil, err
		}
		hs := []il.Handle{
			b.New(il.LdcI4, int32(len(elems))),
			b.New(il.Newarr, elem),
			b.New(il.Stloc, arr),
		}
		for i, e := range elems {
			load, err := c.loadValue(elem, e.Value)
			if err != nil {
				return nil, err
			}
			hs = append(hs, b.New(il.Ldloc, arr), b.New(il.LdcI4, int32(i)))
			hs = append(hs, load...)
			hs = append(hs, b.New(stelem, nil))
		}
		return append(hs, b.New(il.Ldloc, arr)), nil
	}

	if u, ok := t.Enum(); ok {
		return c.loadPrimitiveConst(cleanEnum(u).Kind, value)
	}
	if t.IsPrimitive() || t.Kind == meta.KindString {
		return c.loadPrimitiveConst(t.Kind, value)
	}
	if t.Is(corlib.Type) {
		tr, ok := value.(*meta.TypeRef)
		if !ok {
			return nil, fmt.Errorf("type argument holds %T: %w", value, ErrParameterTypeNotSupported)
		}
		return []il.Handle{
			b.New(il.Ldtoken, c.module.ImportType(cleanEnum(tr), nil)),
			b.New(il.Call, c.getTypeFromHandle),
		}, nil
	}
	if t.Is(corlib.Object) {
		if arg, ok := value.(meta.AttributeArgument); ok {
			vt := arg.Type
			if _, isType := arg.Value.(*meta.TypeRef); isType {
				vt = c.systemType
			}
			_, isEnum := vt.Enum()
			vt = cleanEnum(vt)
			hs, err := c.loadValue(vt, arg.Value)
			if err != nil {
				return nil, err
			}
			if vt.IsValueType() || (!vt.IsArray() && isEnum) {
				hs = append(hs, b.New(il.Box, vt))
			}
			return hs, nil
		}
	}
	return nil, fmt.Errorf("parameter type %s: %w", t, ErrParameterTypeNotSupported)
}

// loadPrimitiveConst pushes a constant of a primitive kind.
func (c *InstructionBlockCreator) loadPrimitiveConst(k meta.Kind, value any) ([]il.Handle, error) {
	b := c.body
	switch k {
	case meta.KindString:
		if value == nil {
			return []il.Handle{b.New(il.Ldnull, nil)}, nil
		}
		s, ok := value.(string)
		if !ok {
			break
		}
		return []il.Handle{b.New(il.Ldstr, s)}, nil
	case meta.KindBoolean:
		v, ok := value.(bool)
		if !ok {
			break
		}
		n := int32(0)
		if v {
			n = 1
		}
		return []il.Handle{b.New(il.LdcI4, n)}, nil
	case meta.KindByte, meta.KindSByte, meta.KindInt16, meta.KindUInt16, meta.KindInt32, meta.KindUInt32:
		n, ok := toInt64(value)
		if !ok {
			break
		}
		return []il.Handle{b.New(il.LdcI4, int32(n))}, nil
	case meta.KindInt64, meta.KindUInt64:
		n, ok := toInt64(value)
		if !ok {
			break
		}
		if u, isU := value.(uint64); isU && u > 1<<31-1 {
			return []il.Handle{b.New(il.LdcI8, int64(u))}, nil
		}
		if n >= -1<<31 && n <= 1<<31-1 {
			return []il.Handle{b.New(il.LdcI4, int32(n)), b.New(il.ConvI8, nil)}, nil
		}
		return []il.Handle{b.New(il.LdcI8, n)}, nil
	}
	return nil, fmt.Errorf("primitive %T for kind %d: %w", value, k, ErrParameterTypeNotSupported)
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int8:
		return int64(x), true
	case uint8:
		return int64(x), true
	case int16:
		return int64(x), true
	case uint16:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint32:
		return int64(x), true
	case int64:
		return x, true
	case uint64:
		return int64(x), true
	case int:
		return int64(x), true
	}
	return 0, false
}

// CastValueCurrentlyOnStack converts the object on the stack to to. Value
// types and generic parameters go through the safe-cast helper so a
// mismatched value yields null or default instead of an invalid cast.
func (c *InstructionBlockCreator) CastValueCurrentlyOnStack(from, to *meta.TypeRef) ([]il.Handle, error) {
	if from.FullName() == to.FullName() {
		return nil, nil
	}
	if !from.Is(corlib.Object) {
		return nil, fmt.Errorf("cast %s to %s: %w", from, to, ErrUnsupportedCast)
	}
	if !to.IsValueType() && !to.IsGenericParameter() {
		return []il.Handle{c.body.New(il.Castclass, to)}, nil
	}
	return []il.Handle{
		c.body.New(il.Ldtoken, to),
		c.body.New(il.Call, c.getTypeFromHandle),
		c.body.New(il.Call, c.safeCast),
		c.body.New(il.UnboxAny, to),
	}, nil
}

// callInstructions emits a call of ref on instance with args. The result
// is stored into ret, or popped when ret is nil.
func (c *InstructionBlockCreator) callInstructions(ref *meta.MethodRef, instance Loadable, ret Persistable, args ...Loadable) ([]il.Handle, error) {
	b := c.body
	def := ref.Resolve()
	if def == nil {
		return nil, fmt.Errorf("method %s: %w", ref.Name, ErrMemberNotFound)
	}
	if len(args) != len(ref.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", ref.Name, len(ref.Params), len(args))
	}

	var hs []il.Handle
	if instance != nil {
		blk, err := instance.Load(b, true)
		if err != nil {
			return nil, err
		}
		hs = append(hs, blk.Instructions()...)
	}
	for i, a := range args {
		pt := ref.Params[i]
		blk, err := a.Load(b, false)
		if err != nil {
			return nil, err
		}
		hs = append(hs, blk.Instructions()...)
		vt := a.PersistedType()
		if vt.IsByRef() && !pt.IsByRef() {
			vt = vt.ElementType()
			hs = append(hs, b.New(il.Ldobj, vt))
		}
		if pt.FullName() != vt.FullName() && (vt.IsValueType() || vt.IsGenericParameter()) {
			hs = append(hs, b.New(il.Box, vt))
		}
	}

	op := il.Call
	if def.IsVirtual() {
		op = il.Callvirt
	}
	hs = append(hs, b.New(op, ref))

	returnsVoid := def.ReturnType.IsVoid()
	switch {
	case returnsVoid && ret != nil:
		return nil, fmt.Errorf("%s: %w", ref.Name, ErrNoReturnValue)
	case returnsVoid:
		return hs, nil
	case ret == nil:
		return append(hs, b.New(il.Pop, nil)), nil
	}

	to, from := ret.PersistedType(), def.ReturnType
	if to.FullName() != from.FullName() {
		if to.IsByRef() {
			to = to.ElementType()
		}
		if from.IsByRef() {
			from = from.ElementType()
		}
		cast, err := c.CastValueCurrentlyOnStack(from, to)
		if err != nil {
			return nil, err
		}
		hs = append(hs, cast...)
	}
	blk, err := ret.Store(b, hs, to)
	if err != nil {
		return nil, err
	}
	return blk.Instructions(), nil
}

// CallVoidInstanceMethod calls ref on instance and discards any result.
func (c *InstructionBlockCreator) CallVoidInstanceMethod(ref *meta.MethodRef, instance Loadable, args ...Loadable) (*InstructionBlock, error) {
	hs, err := c.callInstructions(ref, instance, nil, args...)
	if err != nil {
		return nil, err
	}
	return NewBlock("CallVoidInstanceMethod: "+ref.Name, hs...), nil
}

// CallStaticMethod calls a static method, storing its result into ret.
func (c *InstructionBlockCreator) CallStaticMethod(ref *meta.MethodRef, ret Persistable, args ...Loadable) (*InstructionBlock, error) {
	hs, err := c.callInstructions(ref, nil, ret, args...)
	if err != nil {
		return nil, err
	}
	return NewBlock("CallStaticMethod: "+ref.Name, hs...), nil
}

// CallInstanceMethod calls ref on instance, storing its result into ret.
func (c *InstructionBlockCreator) CallInstanceMethod(ref *meta.MethodRef, instance Loadable, ret Persistable, args ...Loadable) (*InstructionBlock, error) {
	hs, err := c.callInstructions(ref, instance, ret, args...)
	if err != nil {
		return nil, err
	}
	return NewBlock("CallInstanceMethod: "+ref.Name, hs...), nil
}

// AssignValueFromStack pops into v.
func (c *InstructionBlockCreator) AssignValueFromStack(v *il.Variable) *InstructionBlock {
	return NewBlock("AssignValueFromStack", c.body.New(il.Stloc, v))
}

// PushValueOnStack pushes v.
func (c *InstructionBlockCreator) PushValueOnStack(v *il.Variable) *InstructionBlock {
	return NewBlock("PushValueOnStack", c.body.New(il.Ldloc, v))
}

// CreateReturn emits ret.
func (c *InstructionBlockCreator) CreateReturn() *InstructionBlock {
	return NewBlock("Return", c.body.New(il.Ret, nil))
}
