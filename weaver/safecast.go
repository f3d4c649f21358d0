package weaver

import (
	"fmt"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

const (
	safeCastTypeName   = "MethodBoundaryAspectSafeCast"
	safeCastMethodName = "SafeCast"
)

// ensureSafeCast returns the module's SafeCast(object, Type) helper,
// adding the helper type on first use. A helper left by an earlier pass is
// reused.
//
//	SafeCast(value, targetType):
//	  value == null                      -> null
//	  targetType.IsInstanceOfType(value) -> value
//	  targetType.IsValueType             -> Activator.CreateInstance(targetType)
//	  otherwise                          -> null
func ensureSafeCast(module *meta.Module, refs *ReferenceFinder) (*meta.MethodRef, error) {
	if t := module.Type(safeCastTypeName); t != nil {
		if m := t.Method(safeCastMethodName); m != nil && m.IsStatic() && len(m.Params) == 2 {
			return m.Ref(), nil
		}
		return nil, fmt.Errorf("%s exists without a %s(object, Type) method: %w", safeCastTypeName, safeCastMethodName, ErrMemberNotFound)
	}

	object, err := refs.Type(corlib.Object)
	if err != nil {
		return nil, err
	}
	systemType, err := refs.Type(corlib.Type)
	if err != nil {
		return nil, err
	}
	isInstance, err := refs.MethodNamed(systemType, "IsInstanceOfType", 1)
	if err != nil {
		return nil, err
	}
	isValueType, err := refs.MethodNamed(systemType, "get_IsValueType", 0)
	if err != nil {
		return nil, err
	}
	activator, err := refs.Type(corlib.Activator)
	if err != nil {
		return nil, err
	}
	createInstance, err := refs.MethodNamed(activator, "CreateInstance", 1)
	if err != nil {
		return nil, err
	}

	t := module.AddType(meta.NewTypeDef("", safeCastTypeName, meta.Public|meta.StaticClass|meta.BeforeFieldInit, object))
	m := t.AddMethod(meta.NewMethodDef(safeCastMethodName, meta.PublicMethod|meta.HideBySig|meta.Static, object))
	m.AddParam("value", object)
	m.AddParam("targetType", systemType)

	b := m.Body
	notNull := b.New(il.Ldarg, 1)
	cast := b.New(il.Ldarg, 0)
	deflt := b.New(il.Ldnull, nil)
	end := b.New(il.Ret, nil)
	err = b.Append(
		b.New(il.Ldarg, 0),
		b.New(il.Brtrue, notNull),
		b.New(il.Ldnull, nil),
		b.New(il.Ret, nil),
		notNull,
		b.New(il.Ldarg, 0),
		b.New(il.Callvirt, isInstance),
		b.New(il.Brtrue, cast),
		b.New(il.Ldarg, 1),
		b.New(il.Callvirt, isValueType),
		b.New(il.Brfalse, deflt),
		b.New(il.Ldarg, 1),
		b.New(il.Call, createInstance),
		b.New(il.Br, end),
		deflt,
		b.New(il.Br, end),
		cast,
		end,
	)
	if err != nil {
		return nil, err
	}
	b.Optimize()
	return m.Ref(), nil
}
