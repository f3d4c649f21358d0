package meta

import (
	"strconv"
	"strings"

	"github.com/chazu/boundary/pkg/il"
)

// MethodAttributes follow the ECMA-335 MethodAttributes flag values.
type MethodAttributes uint16

const (
	MemberAccessMask   MethodAttributes = 0x0007
	CompilerControlled MethodAttributes = 0x0000
	Private            MethodAttributes = 0x0001
	FamANDAssem        MethodAttributes = 0x0002
	Assembly           MethodAttributes = 0x0003
	Family             MethodAttributes = 0x0004
	FamORAssem         MethodAttributes = 0x0005
	PublicMethod       MethodAttributes = 0x0006
	Static             MethodAttributes = 0x0010
	Final              MethodAttributes = 0x0020
	Virtual            MethodAttributes = 0x0040
	HideBySig          MethodAttributes = 0x0080
	NewSlot            MethodAttributes = 0x0100
	Abstract           MethodAttributes = 0x0400
	SpecialName        MethodAttributes = 0x0800
	RTSpecialName      MethodAttributes = 0x1000
	PInvokeImpl        MethodAttributes = 0x2000
)

// MethodImplAttributes follow the ECMA-335 MethodImplAttributes values.
type MethodImplAttributes uint16

const (
	NoInlining         MethodImplAttributes = 0x0008
	AggressiveInlining MethodImplAttributes = 0x0100
)

// Parameter is a declared method parameter. Index excludes the receiver.
type Parameter struct {
	Name  string
	Type  *TypeRef
	Index int
}

// MethodDef is a method defined in a type.
type MethodDef struct {
	Name             string
	DeclaringType    *TypeDef
	Attributes       MethodAttributes
	ImplAttributes   MethodImplAttributes
	ReturnType       *TypeRef
	Params           []*Parameter
	GenericParams    []*GenericParam
	Body             *il.Body
	CustomAttributes []*CustomAttribute
}

// NewMethodDef creates a method with an empty body unless it is abstract.
func NewMethodDef(name string, attrs MethodAttributes, ret *TypeRef) *MethodDef {
	m := &MethodDef{Name: name, Attributes: attrs, ReturnType: ret}
	if attrs&Abstract == 0 {
		m.Body = il.NewBody()
	}
	return m
}

// AddParam appends a parameter.
func (m *MethodDef) AddParam(name string, t *TypeRef) *Parameter {
	p := &Parameter{Name: name, Type: t, Index: len(m.Params)}
	m.Params = append(m.Params, p)
	return p
}

// AddGenericParam declares a method generic parameter.
func (m *MethodDef) AddGenericParam(name string) *GenericParam {
	p := &GenericParam{Name: name, Position: len(m.GenericParams), Owner: OwnerMethod}
	m.GenericParams = append(m.GenericParams, p)
	return p
}

func (m *MethodDef) IsStatic() bool   { return m.Attributes&Static != 0 }
func (m *MethodDef) IsVirtual() bool  { return m.Attributes&Virtual != 0 }
func (m *MethodDef) IsAbstract() bool { return m.Attributes&Abstract != 0 }
func (m *MethodDef) HasThis() bool    { return !m.IsStatic() }
func (m *MethodDef) HasBody() bool    { return m.Body != nil && !m.IsAbstract() }

// Access returns the member access bits.
func (m *MethodDef) Access() MethodAttributes { return m.Attributes & MemberAccessMask }

func (m *MethodDef) IsPublic() bool { return m.Access() == PublicMethod }

// IsConstructor reports .ctor and .cctor.
func (m *MethodDef) IsConstructor() bool {
	return m.Attributes&RTSpecialName != 0 && (m.Name == ".ctor" || m.Name == ".cctor")
}

// IsGetter reports a property getter.
func (m *MethodDef) IsGetter() bool {
	return m.Attributes&SpecialName != 0 && strings.HasPrefix(m.Name, "get_")
}

// IsSetter reports a property setter.
func (m *MethodDef) IsSetter() bool {
	return m.Attributes&SpecialName != 0 && strings.HasPrefix(m.Name, "set_")
}

// IsGeneric reports whether the method declares generic parameters.
func (m *MethodDef) IsGeneric() bool { return len(m.GenericParams) > 0 }

// ArgSlot returns the argument slot of p for ldarg/starg.
func (m *MethodDef) ArgSlot(p *Parameter) int {
	if m.HasThis() {
		return p.Index + 1
	}
	return p.Index
}

// Signature describes the method to the IL verifier.
func (m *MethodDef) Signature() il.Signature {
	n := len(m.Params)
	if m.HasThis() {
		n++
	}
	return il.Signature{ArgCount: n, Returns: !m.ReturnType.IsVoid()}
}

// TypeGenericParams implements GenericContext.
func (m *MethodDef) TypeGenericParams() []*GenericParam {
	if m.DeclaringType == nil {
		return nil
	}
	return m.DeclaringType.GenericParams
}

// MethodGenericParams implements GenericContext.
func (m *MethodDef) MethodGenericParams() []*GenericParam { return m.GenericParams }

// FullName renders "Ret Type::Name(Params)".
func (m *MethodDef) FullName() string {
	decl := ""
	if m.DeclaringType != nil {
		decl = m.DeclaringType.FullName()
	}
	return signatureString(m.ReturnType, decl, m.Name, nil, m.paramTypes())
}

func (m *MethodDef) String() string { return m.FullName() }

// Key identifies the method by declaring type, name and arity. Runtimes use
// it to bind native implementations.
func (m *MethodDef) Key() string {
	decl := ""
	if m.DeclaringType != nil {
		decl = m.DeclaringType.FullName()
	}
	return MethodKey(decl, m.Name, len(m.Params))
}

// MethodKey builds the key returned by MethodDef.Key.
func MethodKey(declaringType, name string, arity int) string {
	var sb strings.Builder
	sb.WriteString(declaringType)
	sb.WriteString("::")
	sb.WriteString(name)
	sb.WriteByte('/')
	sb.WriteString(strconv.Itoa(arity))
	return sb.String()
}

func (m *MethodDef) paramTypes() []*TypeRef {
	out := make([]*TypeRef, len(m.Params))
	for i, p := range m.Params {
		out[i] = p.Type
	}
	return out
}

// Ref returns a reference to m declared on its (self-instantiated) type.
func (m *MethodDef) Ref() *MethodRef {
	return &MethodRef{
		Name:              m.Name,
		DeclaringType:     m.DeclaringType.SelfInstance(),
		ReturnType:        m.ReturnType,
		Params:            m.paramTypes(),
		HasThis:           m.HasThis(),
		GenericParamCount: len(m.GenericParams),
		def:               m,
	}
}

// HasAttribute reports whether m carries an attribute of the given type.
func (m *MethodDef) HasAttribute(fullName string) bool {
	return FindAttribute(m.CustomAttributes, fullName) != nil
}

// MethodRef is a reference to a method, possibly on a generic instance
// type or itself a generic instance.
type MethodRef struct {
	Name              string
	DeclaringType     *TypeRef
	ReturnType        *TypeRef
	Params            []*TypeRef
	HasThis           bool
	GenericParamCount int
	GenericArgs       []*TypeRef

	def *MethodDef
}

// NewMethodRef builds an unresolved reference.
func NewMethodRef(decl *TypeRef, name string, ret *TypeRef, hasThis bool, params ...*TypeRef) *MethodRef {
	return &MethodRef{Name: name, DeclaringType: decl, ReturnType: ret, HasThis: hasThis, Params: params}
}

// Resolve returns the definition, or nil.
func (r *MethodRef) Resolve() *MethodDef { return r.def }

// Bind attaches a definition.
func (r *MethodRef) Bind(def *MethodDef) { r.def = def }

// ArgCount implements il.CallSite.
func (r *MethodRef) ArgCount() int {
	n := len(r.Params)
	if r.HasThis {
		n++
	}
	return n
}

// Returns implements il.CallSite.
func (r *MethodRef) Returns() bool { return !r.ReturnType.IsVoid() }

// FullName renders "Ret Type::Name<Args>(Params)".
func (r *MethodRef) FullName() string {
	return signatureString(r.ReturnType, r.DeclaringType.FullName(), r.Name, r.GenericArgs, r.Params)
}

func (r *MethodRef) String() string { return r.FullName() }

// WithDeclaringType returns a copy of r owned by decl.
func (r *MethodRef) WithDeclaringType(decl *TypeRef) *MethodRef {
	c := *r
	c.DeclaringType = decl
	c.Params = append([]*TypeRef(nil), r.Params...)
	return &c
}

// MakeGenericMethod instantiates a generic method reference.
func MakeGenericMethod(r *MethodRef, args ...*TypeRef) *MethodRef {
	c := *r
	c.GenericArgs = args
	return &c
}

// FieldAttributes follow the ECMA-335 FieldAttributes values.
type FieldAttributes uint16

const (
	FieldAccessMask FieldAttributes = 0x0007
	FieldPrivate    FieldAttributes = 0x0001
	FieldAssembly   FieldAttributes = 0x0003
	FieldPublic     FieldAttributes = 0x0006
	FieldStatic     FieldAttributes = 0x0010
	FieldInitOnly   FieldAttributes = 0x0020
	FieldLiteral    FieldAttributes = 0x0040
)

// FieldDef is a field defined in a type.
type FieldDef struct {
	Name             string
	FieldType        *TypeRef
	DeclaringType    *TypeDef
	Attributes       FieldAttributes
	Constant         any // literal value for enum members
	CustomAttributes []*CustomAttribute
}

func (f *FieldDef) IsStatic() bool { return f.Attributes&FieldStatic != 0 }

// FullName renders "Type Decl::Name".
func (f *FieldDef) FullName() string {
	return f.FieldType.FullName() + " " + f.DeclaringType.FullName() + "::" + f.Name
}

// Ref returns a reference to f on its self-instantiated declaring type.
func (f *FieldDef) Ref() *FieldRef {
	return &FieldRef{Name: f.Name, DeclaringType: f.DeclaringType.SelfInstance(), FieldType: f.FieldType, def: f}
}

// FieldRef is a reference to a field.
type FieldRef struct {
	Name          string
	DeclaringType *TypeRef
	FieldType     *TypeRef

	def *FieldDef
}

// Resolve returns the definition, or nil.
func (r *FieldRef) Resolve() *FieldDef { return r.def }

// Bind attaches a definition.
func (r *FieldRef) Bind(def *FieldDef) { r.def = def }

// FullName renders "Type Decl::Name".
func (r *FieldRef) FullName() string {
	return r.FieldType.FullName() + " " + r.DeclaringType.FullName() + "::" + r.Name
}

func (r *FieldRef) String() string { return r.FullName() }

// OnType returns a copy of r declared on decl, e.g. a generic instance of
// its definition's type.
func (r *FieldRef) OnType(decl *TypeRef) *FieldRef {
	c := *r
	c.DeclaringType = decl
	return &c
}

func signatureString(ret *TypeRef, decl, name string, genericArgs, params []*TypeRef) string {
	var sb strings.Builder
	if ret == nil {
		sb.WriteString("System.Void")
	} else {
		sb.WriteString(ret.FullName())
	}
	sb.WriteByte(' ')
	if decl != "" {
		sb.WriteString(decl)
		sb.WriteString("::")
	}
	sb.WriteString(name)
	if len(genericArgs) > 0 {
		sb.WriteByte('<')
		for i, a := range genericArgs {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(a.FullName())
		}
		sb.WriteByte('>')
	}
	sb.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.FullName())
	}
	sb.WriteByte(')')
	return sb.String()
}
