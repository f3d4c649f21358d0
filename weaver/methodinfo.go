package weaver

import (
	"fmt"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

const methodInfosTypeName = "<>MethodInfos"

// methodInfoClass caches the MethodBase of every woven method in static
// fields of one per-module class, filled by its static constructor, so
// woven code does not resolve the descriptor on each call.
type methodInfoClass struct {
	module     *meta.Module
	typ        *meta.TypeDef
	cctor      *meta.MethodDef
	methodBase *meta.TypeRef
	getMethod  *meta.MethodRef
	fields     map[*meta.MethodDef]*meta.FieldRef
}

func newMethodInfoClass(module *meta.Module, refs *ReferenceFinder) (*methodInfoClass, error) {
	mb, err := refs.Type(corlib.MethodBase)
	if err != nil {
		return nil, err
	}
	get, err := refs.MethodNamed(mb, "GetMethodFromHandle", 1)
	if err != nil {
		return nil, err
	}
	c := &methodInfoClass{module: module, methodBase: mb, getMethod: get, fields: make(map[*meta.MethodDef]*meta.FieldRef)}

	if t := module.Type(methodInfosTypeName); t != nil {
		c.typ = t
		c.cctor = t.Method(".cctor")
		if c.cctor == nil || c.cctor.Body.Last() == il.NoHandle {
			return nil, fmt.Errorf("%s has no static constructor: %w", methodInfosTypeName, ErrMemberNotFound)
		}
		return c, nil
	}

	object, err := refs.Type(corlib.Object)
	if err != nil {
		return nil, err
	}
	c.typ = module.AddType(meta.NewTypeDef("", methodInfosTypeName, meta.NotPublic|meta.StaticClass, object))
	if cg := compilerGenerated(refs); cg != nil {
		c.typ.CustomAttributes = append(c.typ.CustomAttributes, cg)
	}
	c.cctor = c.typ.AddMethod(meta.NewMethodDef(".cctor",
		meta.Private|meta.HideBySig|meta.Static|meta.SpecialName|meta.RTSpecialName, meta.Prim(meta.KindVoid)))
	c.cctor.Body.Emit(il.Ret, nil)
	return c, nil
}

// fieldFor returns the static field holding m's descriptor, adding the
// field and its initializer on first request.
func (c *methodInfoClass) fieldFor(m *meta.MethodDef) (*meta.FieldRef, error) {
	if f, ok := c.fields[m]; ok {
		return f, nil
	}
	fd := c.typ.AddField(&meta.FieldDef{
		Name:       c.uniqueName(m),
		FieldType:  c.methodBase,
		Attributes: meta.FieldAssembly | meta.FieldStatic | meta.FieldInitOnly,
	})
	f := fd.Ref()

	b := c.cctor.Body
	err := b.InsertBefore(b.Last(),
		b.New(il.Ldtoken, c.module.ImportMethod(m.Ref(), nil)),
		b.New(il.Call, c.getMethod),
		b.New(il.Stsfld, f))
	if err != nil {
		return nil, err
	}
	c.fields[m] = f
	return f, nil
}

func (c *methodInfoClass) uniqueName(m *meta.MethodDef) string {
	base := m.DeclaringType.FullName() + "::" + m.Name
	name := base
	for i := 1; c.typ.Field(name) != nil; i++ {
		name = fmt.Sprintf("%s`%d", base, i)
	}
	return name
}

func compilerGenerated(refs *ReferenceFinder) *meta.CustomAttribute {
	t, err := refs.Type(meta.CompilerGeneratedAttribute)
	if err != nil {
		return nil
	}
	ctor, err := refs.ConstructorRef(t, func(m *meta.MethodDef) bool { return len(m.Params) == 0 })
	if err != nil {
		return nil
	}
	return meta.NewCustomAttribute(ctor)
}
