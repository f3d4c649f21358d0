package meta

import (
	"strings"
)

// Kind classifies a type reference.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBoolean
	KindChar
	KindSByte
	KindByte
	KindInt16
	KindUInt16
	KindInt32
	KindUInt32
	KindInt64
	KindUInt64
	KindSingle
	KindDouble
	KindIntPtr
	KindUIntPtr
	KindString
	KindObject
	KindClass
	KindValueType
	KindByRef
	KindPointer
	KindFunctionPointer
	KindArray
	KindGenericParam
	KindGenericInst
)

// primitiveNames maps primitive kinds to their System type names.
var primitiveNames = map[Kind]string{
	KindVoid:    "Void",
	KindBoolean: "Boolean",
	KindChar:    "Char",
	KindSByte:   "SByte",
	KindByte:    "Byte",
	KindInt16:   "Int16",
	KindUInt16:  "UInt16",
	KindInt32:   "Int32",
	KindUInt32:  "UInt32",
	KindInt64:   "Int64",
	KindUInt64:  "UInt64",
	KindSingle:  "Single",
	KindDouble:  "Double",
	KindIntPtr:  "IntPtr",
	KindUIntPtr: "UIntPtr",
	KindString:  "String",
	KindObject:  "Object",
}

// primitiveKinds is the reverse of primitiveNames keyed by full name.
var primitiveKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(primitiveNames))
	for k, n := range primitiveNames {
		m["System."+n] = k
	}
	return m
}()

// TypeRef is a reference to a type. TypeRefs are treated as immutable
// once built; derive new ones with the Make* helpers.
type TypeRef struct {
	Kind      Kind
	Namespace string
	Name      string

	// Element is the referenced type of a byref, pointer or array, or the
	// open generic type of a generic instance.
	Element *TypeRef
	// Args are the type arguments of a generic instance.
	Args []*TypeRef
	// Param is set for generic parameter references.
	Param *GenericParam

	def   *TypeDef
	scope string
}

// Prim returns a reference to a primitive, string, object or void type.
func Prim(k Kind) *TypeRef {
	name, ok := primitiveNames[k]
	if !ok {
		panic("meta: not a primitive kind")
	}
	return &TypeRef{Kind: k, Namespace: "System", Name: name, scope: CoreLibrary}
}

// Named returns an unresolved class reference. Prefer TypeDef.Ref when the
// definition is at hand.
func Named(scope, namespace, name string, valueType bool) *TypeRef {
	k := KindClass
	if valueType {
		k = KindValueType
	}
	return &TypeRef{Kind: k, Namespace: namespace, Name: name, scope: scope}
}

// MakeByRef returns a managed pointer to t.
func MakeByRef(t *TypeRef) *TypeRef {
	return &TypeRef{Kind: KindByRef, Element: t}
}

// MakePointer returns an unmanaged pointer to t.
func MakePointer(t *TypeRef) *TypeRef {
	return &TypeRef{Kind: KindPointer, Element: t}
}

// FunctionPointer returns an opaque function pointer type.
func FunctionPointer() *TypeRef {
	return &TypeRef{Kind: KindFunctionPointer, Name: "method"}
}

// MakeArray returns a single-dimension array of t.
func MakeArray(t *TypeRef) *TypeRef {
	return &TypeRef{Kind: KindArray, Element: t}
}

// MakeGenericInstance closes the open generic type with args.
func MakeGenericInstance(open *TypeRef, args ...*TypeRef) *TypeRef {
	return &TypeRef{Kind: KindGenericInst, Element: open, Args: args}
}

// FullName returns the fully qualified name used for identity comparisons.
func (t *TypeRef) FullName() string {
	if t == nil {
		return ""
	}
	switch t.Kind {
	case KindByRef:
		return t.Element.FullName() + "&"
	case KindPointer:
		return t.Element.FullName() + "*"
	case KindArray:
		return t.Element.FullName() + "[]"
	case KindFunctionPointer:
		return "method*"
	case KindGenericParam:
		return t.Name
	case KindGenericInst:
		var sb strings.Builder
		sb.WriteString(t.Element.FullName())
		sb.WriteByte('<')
		for i, a := range t.Args {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(a.FullName())
		}
		sb.WriteByte('>')
		return sb.String()
	}
	if t.def != nil {
		return t.def.FullName()
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

func (t *TypeRef) String() string { return t.FullName() }

// Scope names the module that defines the type.
func (t *TypeRef) Scope() string {
	switch {
	case t.def != nil && t.def.Module != nil:
		return t.def.Module.Name
	case t.Kind == KindGenericInst || t.Kind == KindByRef || t.Kind == KindArray || t.Kind == KindPointer:
		return t.Element.Scope()
	}
	return t.scope
}

// Resolve returns the definition behind the reference, or nil.
func (t *TypeRef) Resolve() *TypeDef {
	if t == nil {
		return nil
	}
	if t.Kind == KindGenericInst {
		return t.Element.Resolve()
	}
	return t.def
}

// Bind attaches a definition to an unresolved reference.
func (t *TypeRef) Bind(def *TypeDef) { t.def = def }

// Is reports whether t has the given full name.
func (t *TypeRef) Is(fullName string) bool {
	return t != nil && t.FullName() == fullName
}

// Equal compares two references by identity of the named type.
func (t *TypeRef) Equal(o *TypeRef) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.FullName() == o.FullName()
}

func (t *TypeRef) IsVoid() bool { return t == nil || t.Kind == KindVoid }

// IsPrimitive reports bool, char, the integer and floating kinds and the
// native integers.
func (t *TypeRef) IsPrimitive() bool {
	return t.Kind >= KindBoolean && t.Kind <= KindUIntPtr
}

func (t *TypeRef) IsByRef() bool            { return t.Kind == KindByRef }
func (t *TypeRef) IsArray() bool            { return t.Kind == KindArray }
func (t *TypeRef) IsGenericParameter() bool { return t.Kind == KindGenericParam }
func (t *TypeRef) IsGenericInstance() bool  { return t.Kind == KindGenericInst }

// IsPointerLike reports the unmanaged pointer kinds that cannot be boxed
// into an object: pointers, function pointers and native integers.
func (t *TypeRef) IsPointerLike() bool {
	switch t.Kind {
	case KindPointer, KindFunctionPointer, KindIntPtr, KindUIntPtr:
		return true
	}
	return false
}

// IsValueType reports whether values of t are stored inline.
func (t *TypeRef) IsValueType() bool {
	switch {
	case t.IsPrimitive(), t.Kind == KindValueType:
		return true
	case t.Kind == KindGenericInst:
		if d := t.Resolve(); d != nil {
			return d.IsValueType
		}
	}
	return false
}

// ElementType returns the element of a byref, pointer or array.
func (t *TypeRef) ElementType() *TypeRef {
	return t.Element
}

// Enum returns the underlying type when t is an enum.
func (t *TypeRef) Enum() (*TypeRef, bool) {
	if d := t.Resolve(); d != nil && d.EnumUnderlying != nil {
		return d.EnumUnderlying, true
	}
	return nil, false
}

// ContainsGenericParameter reports whether any component of t is a generic
// parameter.
func (t *TypeRef) ContainsGenericParameter() bool {
	switch t.Kind {
	case KindGenericParam:
		return true
	case KindByRef, KindPointer, KindArray:
		return t.Element.ContainsGenericParameter()
	case KindGenericInst:
		for _, a := range t.Args {
			if a.ContainsGenericParameter() {
				return true
			}
		}
	}
	return false
}

// GenericParamAttributes mirror the constraint flags of a generic parameter.
type GenericParamAttributes uint16

const (
	ReferenceTypeConstraint        GenericParamAttributes = 0x04
	NotNullableValueTypeConstraint GenericParamAttributes = 0x08
	DefaultConstructorConstraint   GenericParamAttributes = 0x10
)

// GenericOwner tells whether a generic parameter belongs to a type or a
// method.
type GenericOwner uint8

const (
	OwnerType GenericOwner = iota
	OwnerMethod
)

// GenericParam is a generic parameter declaration.
type GenericParam struct {
	Name        string
	Position    int
	Owner       GenericOwner
	Attributes  GenericParamAttributes
	Constraints []*TypeRef
}

// Ref returns a reference to the parameter.
func (p *GenericParam) Ref() *TypeRef {
	return &TypeRef{Kind: KindGenericParam, Name: p.Name, Param: p}
}

// Clone copies the parameter with its constraints and flags.
func (p *GenericParam) Clone(owner GenericOwner) *GenericParam {
	c := *p
	c.Owner = owner
	c.Constraints = append([]*TypeRef(nil), p.Constraints...)
	return &c
}

// GenericContext supplies the generic parameters in scope for imports.
type GenericContext interface {
	TypeGenericParams() []*GenericParam
	MethodGenericParams() []*GenericParam
}

// Substitute replaces generic parameter references in t with the
// corresponding entries of typeArgs and methodArgs. Parameters without a
// replacement are kept.
func Substitute(t *TypeRef, typeArgs, methodArgs []*TypeRef) *TypeRef {
	if t == nil || !t.ContainsGenericParameter() {
		return t
	}
	switch t.Kind {
	case KindGenericParam:
		args := typeArgs
		if t.Param != nil && t.Param.Owner == OwnerMethod {
			args = methodArgs
		}
		if t.Param != nil && t.Param.Position < len(args) && args[t.Param.Position] != nil {
			return args[t.Param.Position]
		}
		return t
	case KindByRef, KindPointer, KindArray:
		c := *t
		c.Element = Substitute(t.Element, typeArgs, methodArgs)
		return &c
	case KindGenericInst:
		c := *t
		c.Args = make([]*TypeRef, len(t.Args))
		for i, a := range t.Args {
			c.Args[i] = Substitute(a, typeArgs, methodArgs)
		}
		return &c
	}
	return t
}

func paramRefs(ps []*GenericParam) []*TypeRef {
	if len(ps) == 0 {
		return nil
	}
	out := make([]*TypeRef, len(ps))
	for i, p := range ps {
		out[i] = p.Ref()
	}
	return out
}
