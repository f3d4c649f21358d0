package meta

import (
	"fmt"
)

// TypeAttributes follow the ECMA-335 TypeAttributes flag values.
type TypeAttributes uint32

const (
	VisibilityMask     TypeAttributes = 0x07
	NotPublic          TypeAttributes = 0x00
	Public             TypeAttributes = 0x01
	NestedPublic       TypeAttributes = 0x02
	NestedPrivate      TypeAttributes = 0x03
	NestedFamily       TypeAttributes = 0x04
	NestedAssembly     TypeAttributes = 0x05
	Interface          TypeAttributes = 0x20
	AbstractType       TypeAttributes = 0x80
	SealedType         TypeAttributes = 0x100
	SpecialNameType    TypeAttributes = 0x400
	BeforeFieldInit    TypeAttributes = 0x100000
	StaticClass                       = AbstractType | SealedType
)

// TypeDef is a type defined in a module.
type TypeDef struct {
	Module        *Module
	Namespace     string
	Name          string
	Attributes    TypeAttributes
	BaseType      *TypeRef
	DeclaringType *TypeDef

	Interfaces       []*TypeRef
	NestedTypes      []*TypeDef
	Fields           []*FieldDef
	Methods          []*MethodDef
	Properties       []*PropertyDef
	GenericParams    []*GenericParam
	CustomAttributes []*CustomAttribute

	IsValueType    bool
	EnumUnderlying *TypeRef // set for enums

	ref *TypeRef
}

// NewTypeDef creates a type. It is not attached to a module until
// Module.AddType or TypeDef.AddNestedType.
func NewTypeDef(namespace, name string, attrs TypeAttributes, base *TypeRef) *TypeDef {
	return &TypeDef{Namespace: namespace, Name: name, Attributes: attrs, BaseType: base}
}

// FullName returns Namespace.Name, with nested types joined by '/'.
func (t *TypeDef) FullName() string {
	if t.DeclaringType != nil {
		return t.DeclaringType.FullName() + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

func (t *TypeDef) String() string { return t.FullName() }

// Ref returns the canonical reference to this (open) type.
func (t *TypeDef) Ref() *TypeRef {
	if t.ref != nil {
		return t.ref
	}
	k := KindClass
	if pk, ok := primitiveKinds[t.FullName()]; ok {
		k = pk
	} else if t.IsValueType {
		k = KindValueType
	}
	t.ref = &TypeRef{Kind: k, Namespace: t.Namespace, Name: t.Name, def: t}
	return t.ref
}

// SelfInstance returns the type instantiated over its own generic
// parameters, or the plain reference for non-generic types. Member
// references used from inside the type's own code go through it.
func (t *TypeDef) SelfInstance() *TypeRef {
	if len(t.GenericParams) == 0 {
		return t.Ref()
	}
	return MakeGenericInstance(t.Ref(), paramRefs(t.GenericParams)...)
}

// TypeGenericParams implements GenericContext.
func (t *TypeDef) TypeGenericParams() []*GenericParam { return t.GenericParams }

// MethodGenericParams implements GenericContext.
func (t *TypeDef) MethodGenericParams() []*GenericParam { return nil }

func (t *TypeDef) IsPublic() bool {
	v := t.Attributes & VisibilityMask
	return v == Public || v == NestedPublic
}

func (t *TypeDef) IsInterface() bool { return t.Attributes&Interface != 0 }
func (t *TypeDef) IsAbstract() bool  { return t.Attributes&AbstractType != 0 }
func (t *TypeDef) IsEnum() bool      { return t.EnumUnderlying != nil }
func (t *TypeDef) IsNested() bool    { return t.DeclaringType != nil }

// BaseDef resolves the base type, or returns nil at the root.
func (t *TypeDef) BaseDef() *TypeDef {
	if t.BaseType == nil {
		return nil
	}
	return t.BaseType.Resolve()
}

// DerivesFrom reports whether fullName names t or one of its base types.
func (t *TypeDef) DerivesFrom(fullName string) bool {
	for cur := t; cur != nil; cur = cur.BaseDef() {
		if cur.FullName() == fullName {
			return true
		}
		if cur.BaseType != nil && cur.BaseType.FullName() == fullName {
			return true
		}
	}
	return false
}

// Method returns the first method called name.
func (t *TypeDef) Method(name string) *MethodDef {
	for _, m := range t.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// MethodsNamed returns every overload called name.
func (t *TypeDef) MethodsNamed(name string) []*MethodDef {
	var out []*MethodDef
	for _, m := range t.Methods {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Constructors returns the instance constructors.
func (t *TypeDef) Constructors() []*MethodDef {
	var out []*MethodDef
	for _, m := range t.Methods {
		if m.IsConstructor() && !m.IsStatic() {
			out = append(out, m)
		}
	}
	return out
}

// Field returns the field called name.
func (t *TypeDef) Field(name string) *FieldDef {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Property returns the property called name.
func (t *TypeDef) Property(name string) *PropertyDef {
	for _, p := range t.Properties {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// NestedType returns the nested type called name.
func (t *TypeDef) NestedType(name string) *TypeDef {
	for _, n := range t.NestedTypes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// AddMethod attaches m to t.
func (t *TypeDef) AddMethod(m *MethodDef) *MethodDef {
	m.DeclaringType = t
	t.Methods = append(t.Methods, m)
	return m
}

// AddField attaches f to t.
func (t *TypeDef) AddField(f *FieldDef) *FieldDef {
	f.DeclaringType = t
	t.Fields = append(t.Fields, f)
	return f
}

// AddProperty attaches p to t.
func (t *TypeDef) AddProperty(p *PropertyDef) *PropertyDef {
	p.DeclaringType = t
	t.Properties = append(t.Properties, p)
	return p
}

// AddNestedType attaches n as a nested type of t.
func (t *TypeDef) AddNestedType(n *TypeDef) *TypeDef {
	n.DeclaringType = t
	n.Module = t.Module
	for _, nn := range n.NestedTypes {
		nn.setModule(t.Module)
	}
	t.NestedTypes = append(t.NestedTypes, n)
	return n
}

func (t *TypeDef) setModule(m *Module) {
	t.Module = m
	for _, n := range t.NestedTypes {
		n.setModule(m)
	}
}

// AddPublicInstanceField adds a uniquely named public instance field of
// the given type, using prefix as the name stem.
func (t *TypeDef) AddPublicInstanceField(prefix string, ft *TypeRef) *FieldDef {
	name := prefix
	for i := 0; t.Field(name) != nil; i++ {
		name = fmt.Sprintf("%s%d", prefix, i)
	}
	return t.AddField(&FieldDef{Name: name, FieldType: ft, Attributes: FieldPublic})
}

// HasAttribute reports whether t carries an attribute of the given type.
func (t *TypeDef) HasAttribute(fullName string) bool {
	return FindAttribute(t.CustomAttributes, fullName) != nil
}

// IsCompilerGenerated reports whether t carries CompilerGeneratedAttribute.
func (t *TypeDef) IsCompilerGenerated() bool {
	return t.HasAttribute(CompilerGeneratedAttribute)
}

// PropertyDef is a property with optional accessors.
type PropertyDef struct {
	Name             string
	PropertyType     *TypeRef
	DeclaringType    *TypeDef
	Getter           *MethodDef
	Setter           *MethodDef
	CustomAttributes []*CustomAttribute
}

// FullName returns Type::Name.
func (p *PropertyDef) FullName() string {
	return fmt.Sprintf("%s %s::%s", p.PropertyType.FullName(), p.DeclaringType.FullName(), p.Name)
}
