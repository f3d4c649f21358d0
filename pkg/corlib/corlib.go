// Package corlib builds the runtime library modules that woven code links
// against: the System types (object model, reflection handles, exceptions,
// tasks and async builders) and the aspect runtime (OnMethodBoundaryAspect,
// MethodExecutionArgs, FlowBehavior and the marker attributes).
//
// Members without an IL body are native; pkg/interp binds them by
// meta.MethodDef.Key.
package corlib

import (
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// InternalCall marks methods implemented by the runtime.
const InternalCall meta.MethodImplAttributes = 0x1000

// Library holds the two runtime modules and shortcuts to the types the
// weaver and interpreter use most.
type Library struct {
	System  *meta.Module
	Aspects *meta.Module

	prims map[meta.Kind]*meta.TypeDef

	ObjectType    *meta.TypeDef
	TypeType      *meta.TypeDef
	ExceptionType *meta.TypeDef
	AttributeType *meta.TypeDef
	TaskType      *meta.TypeDef
	TaskOfTType   *meta.TypeDef

	AspectBase *meta.TypeDef
	ArgsType   *meta.TypeDef
	FlowType   *meta.TypeDef
}

// Build creates both runtime modules and registers them with r.
func Build(r *meta.Resolver) *Library {
	lib := &Library{prims: make(map[meta.Kind]*meta.TypeDef)}
	lib.System = meta.NewModule(SystemModule, r)
	lib.buildSystem()
	lib.Aspects = meta.NewModule(AspectModule, r)
	lib.Aspects.References = []string{SystemModule}
	lib.buildAspects()
	return lib
}

// Prim returns the library's reference for a primitive kind, bound to its
// definition.
func (l *Library) Prim(k meta.Kind) *meta.TypeRef {
	if d, ok := l.prims[k]; ok {
		return d.Ref()
	}
	return meta.Prim(k)
}

// Type looks up a type in either runtime module.
func (l *Library) Type(fullName string) *meta.TypeDef {
	if t := l.System.Type(fullName); t != nil {
		return t
	}
	return l.Aspects.Type(fullName)
}

// ----------------------------------------------------------------------------
// Construction helpers
// ----------------------------------------------------------------------------

const (
	pub        = meta.PublicMethod | meta.HideBySig
	pubStatic  = pub | meta.Static
	pubVirtual = pub | meta.Virtual
	ctorAttrs  = pub | meta.SpecialName | meta.RTSpecialName
	getAttrs   = pub | meta.SpecialName
)

func native(t *meta.TypeDef, name string, attrs meta.MethodAttributes, ret *meta.TypeRef, params ...*meta.TypeRef) *meta.MethodDef {
	m := meta.NewMethodDef(name, attrs, ret)
	m.Body = nil
	m.ImplAttributes |= InternalCall
	for i, p := range params {
		m.AddParam(paramName(i), p)
	}
	return t.AddMethod(m)
}

func paramName(i int) string {
	return string(rune('a' + i))
}

// baseCtor adds a public .ctor that chains to the base constructor.
func baseCtor(t *meta.TypeDef, base *meta.TypeDef) *meta.MethodDef {
	m := t.AddMethod(meta.NewMethodDef(".ctor", ctorAttrs, meta.Prim(meta.KindVoid)))
	m.Body.Emit(il.Ldarg, 0)
	m.Body.Emit(il.Call, base.Method(".ctor").Ref())
	m.Body.Emit(il.Ret, nil)
	return m
}

// autoProperty adds a backing field plus IL getter and setter.
func autoProperty(t *meta.TypeDef, name string, pt *meta.TypeRef) *meta.PropertyDef {
	f := t.AddField(&meta.FieldDef{Name: "<" + name + ">k__BackingField", FieldType: pt, Attributes: meta.FieldPrivate})
	fr := f.Ref()

	get := t.AddMethod(meta.NewMethodDef("get_"+name, getAttrs, pt))
	get.Body.Emit(il.Ldarg, 0)
	get.Body.Emit(il.Ldfld, fr)
	get.Body.Emit(il.Ret, nil)

	set := t.AddMethod(meta.NewMethodDef("set_"+name, getAttrs, meta.Prim(meta.KindVoid)))
	set.AddParam("value", pt)
	set.Body.Emit(il.Ldarg, 0)
	set.Body.Emit(il.Ldarg, 1)
	set.Body.Emit(il.Stfld, fr)
	set.Body.Emit(il.Ret, nil)

	return t.AddProperty(&meta.PropertyDef{Name: name, PropertyType: pt, Getter: get, Setter: set})
}

// emptyVirtual adds a virtual method whose body only returns.
func emptyVirtual(t *meta.TypeDef, name string, params ...*meta.TypeRef) *meta.MethodDef {
	m := t.AddMethod(meta.NewMethodDef(name, pubVirtual|meta.NewSlot, meta.Prim(meta.KindVoid)))
	for i, p := range params {
		m.AddParam(paramName(i), p)
	}
	m.Body.Emit(il.Ret, nil)
	return m
}

// ----------------------------------------------------------------------------
// System module
// ----------------------------------------------------------------------------

func (l *Library) class(ns, name string, base *meta.TypeDef, attrs meta.TypeAttributes) *meta.TypeDef {
	var b *meta.TypeRef
	if base != nil {
		b = base.Ref()
	}
	return l.System.AddType(meta.NewTypeDef(ns, name, meta.Public|attrs, b))
}

func (l *Library) buildSystem() {
	obj := l.class("System", "Object", nil, 0)
	l.ObjectType = obj
	ctor := obj.AddMethod(meta.NewMethodDef(".ctor", ctorAttrs, meta.Prim(meta.KindVoid)))
	ctor.Body.Emit(il.Ret, nil)

	valueType := l.class("System", "ValueType", obj, meta.AbstractType)
	enum := l.class("System", "Enum", valueType, meta.AbstractType)
	_ = enum

	for k := meta.KindVoid; k <= meta.KindUIntPtr; k++ {
		ref := meta.Prim(k)
		t := l.class("System", ref.Name, valueType, meta.SealedType)
		t.IsValueType = true
		l.prims[k] = t
	}
	str := l.class("System", "String", obj, meta.SealedType)
	l.prims[meta.KindString] = str
	l.prims[meta.KindObject] = obj

	objRef := obj.Ref()
	boolRef := l.Prim(meta.KindBoolean)
	strRef := str.Ref()
	void := l.Prim(meta.KindVoid)

	native(obj, "ToString", pubVirtual, strRef)
	native(obj, "GetType", pub, nil) // return type patched below

	typeHandle := l.class("System", "RuntimeTypeHandle", valueType, meta.SealedType)
	typeHandle.IsValueType = true
	methodHandle := l.class("System", "RuntimeMethodHandle", valueType, meta.SealedType)
	methodHandle.IsValueType = true

	typ := l.class("System", "Type", obj, meta.AbstractType)
	l.TypeType = typ
	obj.Method("GetType").ReturnType = typ.Ref()
	native(typ, "GetTypeFromHandle", pubStatic, typ.Ref(), typeHandle.Ref())
	native(typ, "IsInstanceOfType", pubVirtual, boolRef, objRef)
	native(typ, "get_IsValueType", getAttrs, boolRef)
	native(typ, "get_FullName", getAttrs, strRef)

	mb := l.class("System.Reflection", "MethodBase", obj, meta.AbstractType)
	native(mb, "GetMethodFromHandle", pubStatic, mb.Ref(), methodHandle.Ref())
	native(mb, "get_Name", getAttrs, strRef)

	act := l.class("System", "Activator", obj, meta.StaticClass)
	native(act, "CreateInstance", pubStatic, objRef, typ.Ref())

	exc := l.class("System", "Exception", obj, 0)
	l.ExceptionType = exc
	native(exc, ".ctor", ctorAttrs, void)
	native(exc, ".ctor", ctorAttrs, void, strRef)
	native(exc, "get_Message", getAttrs|meta.Virtual, strRef)
	for _, name := range []string{"NotSupportedException", "InvalidCastException", "NullReferenceException", "InvalidOperationException"} {
		e := l.class("System", name, exc, 0)
		native(e, ".ctor", ctorAttrs, void)
		native(e, ".ctor", ctorAttrs, void, strRef)
	}

	attr := l.class("System", "Attribute", obj, meta.AbstractType)
	l.AttributeType = attr
	baseCtor(attr, obj)

	dst := l.class("System.Diagnostics", "DebuggerStepThroughAttribute", attr, meta.SealedType)
	baseCtor(dst, attr)
	cg := l.class("System.Runtime.CompilerServices", "CompilerGeneratedAttribute", attr, meta.SealedType)
	baseCtor(cg, attr)
	for _, name := range []string{"AsyncStateMachineAttribute", "IteratorStateMachineAttribute"} {
		a := l.class("System.Runtime.CompilerServices", name, attr, meta.SealedType)
		c := a.AddMethod(meta.NewMethodDef(".ctor", ctorAttrs, void))
		c.AddParam("stateMachineType", typ.Ref())
		c.Body.Emit(il.Ret, nil)
	}

	iasm := l.class("System.Runtime.CompilerServices", "IAsyncStateMachine", nil, meta.Interface|meta.AbstractType)
	iasm.AddMethod(meta.NewMethodDef("MoveNext", pubVirtual|meta.Abstract|meta.NewSlot, void))
	ienum := l.class("System.Collections", "IEnumerator", nil, meta.Interface|meta.AbstractType)
	ienum.AddMethod(meta.NewMethodDef("MoveNext", pubVirtual|meta.Abstract|meta.NewSlot, boolRef))
	ienum.AddMethod(meta.NewMethodDef("get_Current", getAttrs|meta.Virtual|meta.Abstract|meta.NewSlot, objRef))

	l.buildTasks(obj, exc, iasm)
}

func (l *Library) buildTasks(obj, exc, iasm *meta.TypeDef) {
	boolRef := l.Prim(meta.KindBoolean)
	void := l.Prim(meta.KindVoid)

	task := l.class("System.Threading.Tasks", "Task", obj, 0)
	l.TaskType = task
	native(task, "get_IsCompleted", getAttrs, boolRef)
	native(task, "get_IsFaulted", getAttrs, boolRef)
	native(task, "get_Exception", getAttrs, exc.Ref())
	native(task, "get_CompletedTask", getAttrs|meta.Static, task.Ref())

	taskT := l.class("System.Threading.Tasks", "Task`1", task, 0)
	l.TaskOfTType = taskT
	tResult := &meta.GenericParam{Name: "TResult", Owner: meta.OwnerType}
	taskT.GenericParams = []*meta.GenericParam{tResult}
	native(taskT, "get_Result", getAttrs, tResult.Ref())

	fromResult := native(task, "FromResult", pubStatic, nil)
	tr := fromResult.AddGenericParam("TResult")
	fromResult.AddParam("result", tr.Ref())
	fromResult.ReturnType = meta.MakeGenericInstance(taskT.Ref(), tr.Ref())

	b := l.class("System.Runtime.CompilerServices", "AsyncTaskMethodBuilder", obj, meta.SealedType)
	native(b, "Create", pubStatic, b.Ref())
	native(b, "Start", pub, void, iasm.Ref())
	native(b, "get_Task", getAttrs, task.Ref())
	native(b, "SetResult", pub, void)
	native(b, "SetException", pub, void, exc.Ref())
	native(b, "AwaitOnCompleted", pub, void, task.Ref(), iasm.Ref())

	bt := l.class("System.Runtime.CompilerServices", "AsyncTaskMethodBuilder`1", obj, meta.SealedType)
	bp := &meta.GenericParam{Name: "TResult", Owner: meta.OwnerType}
	bt.GenericParams = []*meta.GenericParam{bp}
	self := bt.SelfInstance()
	native(bt, "Create", pubStatic, self)
	native(bt, "Start", pub, void, iasm.Ref())
	native(bt, "get_Task", getAttrs, meta.MakeGenericInstance(taskT.Ref(), bp.Ref()))
	native(bt, "SetResult", pub, void, bp.Ref())
	native(bt, "SetException", pub, void, exc.Ref())
	native(bt, "AwaitOnCompleted", pub, void, task.Ref(), iasm.Ref())
}

// ----------------------------------------------------------------------------
// Aspect runtime module
// ----------------------------------------------------------------------------

func (l *Library) buildAspects() {
	const ns = "MethodBoundaryAspect.Attributes"
	obj := l.ObjectType
	attr := l.AttributeType
	i4 := l.Prim(meta.KindInt32)
	boolRef := l.Prim(meta.KindBoolean)
	strRef := l.Prim(meta.KindString)
	add := func(name string, base *meta.TypeDef, attrs meta.TypeAttributes) *meta.TypeDef {
		return l.Aspects.AddType(meta.NewTypeDef(ns, name, meta.Public|attrs, base.Ref()))
	}
	enum := l.System.Type(Enum)

	flow := add("FlowBehavior", enum, meta.SealedType)
	flow.IsValueType = true
	flow.EnumUnderlying = i4
	for _, f := range []struct {
		name  string
		value int32
	}{{"Default", FlowDefault}, {"Continue", FlowContinue}, {"RethrowException", FlowRethrowException}, {"Return", FlowReturn}} {
		flow.AddField(&meta.FieldDef{Name: f.name, FieldType: flow.Ref(), Attributes: meta.FieldPublic | meta.FieldStatic | meta.FieldLiteral, Constant: f.value})
	}
	l.FlowType = flow

	mc := add("MulticastAttributes", enum, meta.SealedType)
	mc.IsValueType = true
	mc.EnumUnderlying = i4

	args := add("MethodExecutionArgs", obj, 0)
	l.ArgsType = args
	baseCtor(args, obj)
	autoProperty(args, "Instance", obj.Ref())
	autoProperty(args, "Method", l.System.Type(MethodBase).Ref())
	autoProperty(args, "Arguments", meta.MakeArray(obj.Ref()))
	autoProperty(args, "ReturnValue", obj.Ref())
	autoProperty(args, "Exception", l.ExceptionType.Ref())
	autoProperty(args, "FlowBehavior", flow.Ref())
	autoProperty(args, "MethodExecutionTag", obj.Ref())

	aspect := add("OnMethodBoundaryAspect", attr, meta.AbstractType)
	l.AspectBase = aspect
	baseCtor(aspect, attr)
	emptyVirtual(aspect, OnEntry, args.Ref())
	emptyVirtual(aspect, OnExit, args.Ref())
	emptyVirtual(aspect, OnException, args.Ref())
	autoProperty(aspect, PropTargetMembers, mc.Ref())
	autoProperty(aspect, PropNamespaceFilter, strRef)
	autoProperty(aspect, PropTypeNameFilter, strRef)
	autoProperty(aspect, PropMethodNameFilter, strRef)
	autoProperty(aspect, PropSkipProperties, boolRef)
	autoProperty(aspect, PropAllowChangingArgs, boolRef)
	autoProperty(aspect, PropOrder, i4)

	disable := add("DisableWeavingAttribute", attr, meta.SealedType)
	baseCtor(disable, attr)
	woven := add("WovenAttribute", attr, meta.SealedType)
	baseCtor(woven, attr)
}
