package image

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// ErrVersion is returned for images written by a different format revision.
var ErrVersion = errors.New("image: unsupported format version")

// Decoder loads images into a resolver. Add declares the types of each
// image; Link then builds members, bodies and attributes and binds every
// reference, so images may refer to one another regardless of the order
// in which they were added.
type Decoder struct {
	resolver *meta.Resolver
	pending  []*pendingModule
	types    map[string]*meta.TypeDef
}

type pendingModule struct {
	mod *meta.Module
	rec *moduleRecord
	// pairs walks types and their records in declaration order.
	pairs []typePair
}

type typePair struct {
	def *meta.TypeDef
	rec *typeRecord
}

// NewDecoder creates a decoder that registers modules with r.
func NewDecoder(r *meta.Resolver) *Decoder {
	return &Decoder{resolver: r, types: make(map[string]*meta.TypeDef)}
}

// Decode loads a single image that only refers to modules already known
// to r.
func Decode(data []byte, r *meta.Resolver) (*meta.Module, error) {
	d := NewDecoder(r)
	m, err := d.Add(data)
	if err != nil {
		return nil, err
	}
	if err := d.Link(); err != nil {
		return nil, err
	}
	return m, nil
}

// Add parses data and registers the module's types. The module is not
// usable until Link returns.
func (d *Decoder) Add(data []byte) (*meta.Module, error) {
	var rec moduleRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("image: unmarshal module: %w", err)
	}
	if rec.Version != Version {
		return nil, fmt.Errorf("%w %d", ErrVersion, rec.Version)
	}
	mod := meta.NewModule(rec.Name, d.resolver)
	mod.Mvid = uuid.UUID(rec.Mvid)
	mod.References = rec.References

	p := &pendingModule{mod: mod, rec: &rec}
	var declare func(outer *meta.TypeDef, rs []typeRecord)
	declare = func(outer *meta.TypeDef, rs []typeRecord) {
		for i := range rs {
			r := &rs[i]
			t := meta.NewTypeDef(r.Namespace, r.Name, meta.TypeAttributes(r.Attributes), nil)
			t.IsValueType = r.ValueType
			for _, gp := range r.GenericParams {
				t.GenericParams = append(t.GenericParams, declareGenericParam(gp))
			}
			if outer == nil {
				mod.AddType(t)
			} else {
				outer.AddNestedType(t)
			}
			p.pairs = append(p.pairs, typePair{def: t, rec: r})
			declare(t, r.Nested)
		}
	}
	declare(nil, rec.Types)
	d.pending = append(d.pending, p)
	return mod, nil
}

func declareGenericParam(r genericParamRecord) *meta.GenericParam {
	return &meta.GenericParam{
		Name:       r.Name,
		Position:   r.Position,
		Owner:      meta.GenericOwner(r.Owner),
		Attributes: meta.GenericParamAttributes(r.Attributes),
	}
}

// Link completes every module added since the last Link.
func (d *Decoder) Link() error {
	pending := d.pending
	d.pending = nil
	for _, p := range pending {
		for _, tp := range p.pairs {
			d.members(tp.def, tp.rec)
		}
	}
	for _, p := range pending {
		if err := d.code(p); err != nil {
			return fmt.Errorf("image: %s: %w", p.mod.Name, err)
		}
	}
	return nil
}

// scope carries the generic parameters visible to the references being
// decoded.
type scope struct {
	typ, method []*meta.GenericParam
}

func typeScope(t *meta.TypeDef) scope { return scope{typ: t.GenericParams} }

func methodScope(m *meta.MethodDef) scope {
	return scope{typ: m.DeclaringType.GenericParams, method: m.GenericParams}
}

// members builds the signature level parts of t: base type, interfaces,
// fields, methods and properties.
func (d *Decoder) members(t *meta.TypeDef, r *typeRecord) {
	sc := typeScope(t)
	t.BaseType = d.typeRefPtr(r.Base, sc)
	t.EnumUnderlying = d.typeRefPtr(r.EnumUnderlying, sc)
	for _, i := range r.Interfaces {
		t.Interfaces = append(t.Interfaces, d.typeRef(&i, sc))
	}
	for i, gp := range r.GenericParams {
		t.GenericParams[i].Constraints = d.typeRefs(gp.Constraints, sc)
	}
	for _, fr := range r.Fields {
		f := t.AddField(&meta.FieldDef{
			Name:       fr.Name,
			FieldType:  d.typeRef(&fr.Type, sc),
			Attributes: meta.FieldAttributes(fr.Attributes),
		})
		if fr.Constant != nil {
			// Constants are primitives or strings; they never need binding.
			f.Constant, _ = d.value(fr.Constant, sc)
		}
	}
	for _, mr := range r.Methods {
		m := &meta.MethodDef{
			Name:           mr.Name,
			Attributes:     meta.MethodAttributes(mr.Attributes),
			ImplAttributes: meta.MethodImplAttributes(mr.Impl),
		}
		for _, gp := range mr.GenericParams {
			m.GenericParams = append(m.GenericParams, declareGenericParam(gp))
		}
		t.AddMethod(m)
		msc := methodScope(m)
		m.ReturnType = d.typeRefPtr(mr.Return, msc)
		for _, pr := range mr.Params {
			m.AddParam(pr.Name, d.typeRef(&pr.Type, msc))
		}
		for i, gp := range mr.GenericParams {
			m.GenericParams[i].Constraints = d.typeRefs(gp.Constraints, msc)
		}
	}
	for _, pr := range r.Properties {
		p := &meta.PropertyDef{Name: pr.Name, PropertyType: d.typeRefPtr(pr.Type, sc)}
		if pr.Getter > 0 && pr.Getter <= len(t.Methods) {
			p.Getter = t.Methods[pr.Getter-1]
		}
		if pr.Setter > 0 && pr.Setter <= len(t.Methods) {
			p.Setter = t.Methods[pr.Setter-1]
		}
		t.AddProperty(p)
	}
}

// code decodes the bodies and attributes of p, binding member references.
func (d *Decoder) code(p *pendingModule) error {
	var err error
	if p.mod.CustomAttributes, err = d.attrs(p.rec.Attributes, scope{}); err != nil {
		return err
	}
	if p.mod.AssemblyAttributes, err = d.attrs(p.rec.AssemblyAttributes, scope{}); err != nil {
		return err
	}
	for _, tp := range p.pairs {
		t, r := tp.def, tp.rec
		if t.CustomAttributes, err = d.attrs(r.Attrs, typeScope(t)); err != nil {
			return fmt.Errorf("%s: %w", t.FullName(), err)
		}
		for i, fr := range r.Fields {
			if t.Fields[i].CustomAttributes, err = d.attrs(fr.Attrs, typeScope(t)); err != nil {
				return fmt.Errorf("%s: %w", t.Fields[i].FullName(), err)
			}
		}
		for i, pr := range r.Properties {
			if t.Properties[i].CustomAttributes, err = d.attrs(pr.Attrs, typeScope(t)); err != nil {
				return fmt.Errorf("%s: %w", t.Properties[i].FullName(), err)
			}
		}
		for i := range r.Methods {
			m, mr := t.Methods[i], &r.Methods[i]
			if m.CustomAttributes, err = d.attrs(mr.Attrs, methodScope(m)); err != nil {
				return fmt.Errorf("%s: %w", m.FullName(), err)
			}
			if mr.Body != nil {
				if m.Body, err = d.body(mr.Body, methodScope(m)); err != nil {
					return fmt.Errorf("%s: %w", m.FullName(), err)
				}
			}
		}
	}
	return nil
}

func (d *Decoder) lookup(scopeName, fullName string) *meta.TypeDef {
	key := scopeName + "\x00" + fullName
	if t, ok := d.types[key]; ok {
		return t
	}
	t := d.resolver.FindTypeIn(scopeName, fullName)
	if t != nil {
		d.types[key] = t
	}
	return t
}

func (d *Decoder) typeRef(r *typeRefRecord, sc scope) *meta.TypeRef {
	k := meta.Kind(r.Kind)
	switch k {
	case meta.KindByRef:
		return meta.MakeByRef(d.typeRefPtr(r.Element, sc))
	case meta.KindPointer:
		return meta.MakePointer(d.typeRefPtr(r.Element, sc))
	case meta.KindArray:
		return meta.MakeArray(d.typeRefPtr(r.Element, sc))
	case meta.KindGenericInst:
		return meta.MakeGenericInstance(d.typeRefPtr(r.Element, sc), d.typeRefs(r.Args, sc)...)
	case meta.KindFunctionPointer:
		return meta.FunctionPointer()
	case meta.KindGenericParam:
		return genericParamRef(r, sc)
	}
	if t := d.lookup(r.Scope, r.FullName); t != nil {
		return t.Ref()
	}
	if k <= meta.KindObject {
		return meta.Prim(k)
	}
	ns, name := r.Namespace, r.Name
	if strings.Contains(r.FullName, "/") {
		ns, name = "", r.FullName
	}
	return meta.Named(r.Scope, ns, name, k == meta.KindValueType)
}

// genericParamRef reuses the parameter in scope when its name and position
// agree with the record.
func genericParamRef(r *typeRefRecord, sc scope) *meta.TypeRef {
	if r.Param == nil {
		return (&meta.GenericParam{Name: r.Name}).Ref()
	}
	params := sc.typ
	if meta.GenericOwner(r.Param.Owner) == meta.OwnerMethod {
		params = sc.method
	}
	if pos := r.Param.Position; pos < len(params) && params[pos].Name == r.Param.Name {
		return params[pos].Ref()
	}
	return declareGenericParam(*r.Param).Ref()
}

func (d *Decoder) typeRefPtr(r *typeRefRecord, sc scope) *meta.TypeRef {
	if r == nil {
		return nil
	}
	return d.typeRef(r, sc)
}

func (d *Decoder) typeRefs(rs []typeRefRecord, sc scope) []*meta.TypeRef {
	if len(rs) == 0 {
		return nil
	}
	out := make([]*meta.TypeRef, len(rs))
	for i := range rs {
		out[i] = d.typeRef(&rs[i], sc)
	}
	return out
}

func (d *Decoder) methodRef(r *methodRefRecord, sc scope) *meta.MethodRef {
	ref := &meta.MethodRef{
		Name:              r.Name,
		DeclaringType:     d.typeRef(&r.Declaring, sc),
		ReturnType:        d.typeRefPtr(r.Return, sc),
		Params:            d.typeRefs(r.Params, sc),
		HasThis:           r.HasThis,
		GenericParamCount: r.GenericParamCount,
		GenericArgs:       d.typeRefs(r.GenericArgs, sc),
	}
	if def := ref.DeclaringType.Resolve(); def != nil {
		if m := matchMethod(def, ref); m != nil {
			ref.Bind(m)
		}
	}
	return ref
}

// matchMethod finds the overload of ref on t by arity, receiver and
// parameter type names.
func matchMethod(t *meta.TypeDef, ref *meta.MethodRef) *meta.MethodDef {
next:
	for _, m := range t.MethodsNamed(ref.Name) {
		if len(m.Params) != len(ref.Params) || m.HasThis() != ref.HasThis ||
			len(m.GenericParams) != ref.GenericParamCount {
			continue
		}
		for i, p := range m.Params {
			if p.Type.FullName() != ref.Params[i].FullName() {
				continue next
			}
		}
		return m
	}
	return nil
}

func (d *Decoder) fieldRef(r *fieldRefRecord, sc scope) *meta.FieldRef {
	ref := &meta.FieldRef{
		Name:          r.Name,
		DeclaringType: d.typeRef(&r.Declaring, sc),
		FieldType:     d.typeRef(&r.Type, sc),
	}
	if def := ref.DeclaringType.Resolve(); def != nil {
		if f := def.Field(r.Name); f != nil {
			ref.Bind(f)
		}
	}
	return ref
}

func (d *Decoder) attrs(rs []attrRecord, sc scope) ([]*meta.CustomAttribute, error) {
	var out []*meta.CustomAttribute
	for i := range rs {
		r := &rs[i]
		a := meta.NewCustomAttribute(d.methodRef(&r.Ctor, sc))
		for _, ar := range r.Args {
			arg, err := d.arg(&ar, sc)
			if err != nil {
				return nil, err
			}
			a.Args = append(a.Args, arg)
		}
		var err error
		if a.Properties, err = d.namedArgs(r.Properties, sc); err != nil {
			return nil, err
		}
		if a.Fields, err = d.namedArgs(r.Fields, sc); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (d *Decoder) namedArgs(rs []namedArgRecord, sc scope) ([]meta.NamedArgument, error) {
	var out []meta.NamedArgument
	for i := range rs {
		arg, err := d.arg(&rs[i].Arg, sc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rs[i].Name, err)
		}
		out = append(out, meta.NamedArgument{Name: rs[i].Name, Argument: arg})
	}
	return out, nil
}

func (d *Decoder) arg(r *argRecord, sc scope) (meta.AttributeArgument, error) {
	v, err := d.value(&r.Value, sc)
	return meta.AttributeArgument{Type: d.typeRefPtr(r.Type, sc), Value: v}, err
}

func (d *Decoder) value(r *valueRecord, sc scope) (any, error) {
	switch r.Kind {
	case valueNil:
		return nil, nil
	case valueBool:
		return r.Int != 0, nil
	case valueInt8:
		return int8(r.Int), nil
	case valueInt16:
		return int16(r.Int), nil
	case valueInt32:
		return int32(r.Int), nil
	case valueInt64:
		return r.Int, nil
	case valueUint8:
		return uint8(r.Uint), nil
	case valueUint16:
		return uint16(r.Uint), nil
	case valueUint32:
		return uint32(r.Uint), nil
	case valueUint64:
		return r.Uint, nil
	case valueFloat32:
		return float32(r.Float), nil
	case valueFloat64:
		return r.Float, nil
	case valueString:
		return r.Str, nil
	case valueType:
		return d.typeRefPtr(r.Type, sc), nil
	case valueArray:
		elems := make([]meta.AttributeArgument, len(r.Elems))
		for i := range r.Elems {
			e, err := d.arg(&r.Elems[i], sc)
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return elems, nil
	case valueBoxed:
		if r.Boxed == nil {
			return nil, errors.New("boxed constant without value")
		}
		return d.arg(r.Boxed, sc)
	}
	return nil, fmt.Errorf("unknown constant kind %d", r.Kind)
}

func (d *Decoder) body(r *bodyRecord, sc scope) (*il.Body, error) {
	b := il.NewBody()
	b.InitLocals = r.InitLocals
	b.MaxStack = r.MaxStack
	for _, vr := range r.Variables {
		v := b.AddVariable(d.typeRef(&vr.Type, sc))
		v.Name = vr.Name
	}

	hs := make([]il.Handle, len(r.Code))
	for i, ir := range r.Code {
		hs[i] = b.Emit(il.Opcode(ir.Op), nil)
	}
	handle := func(i int) (il.Handle, error) {
		switch {
		case i == -1:
			return il.NoHandle, nil
		case i < 0 || i >= len(hs):
			return il.NoHandle, fmt.Errorf("instruction index %d out of range", i)
		}
		return hs[i], nil
	}
	variable := func(i int64) (*il.Variable, error) {
		if i < 0 || int(i) >= len(b.Variables) {
			return nil, fmt.Errorf("variable %d out of range", i)
		}
		return b.Variables[i], nil
	}

	for i := range r.Code {
		ir := &r.Code[i]
		ins := b.At(hs[i])
		info := il.GetOpcodeInfo(ins.Op)
		switch info.Operand {
		case il.OperandNone:
		case il.OperandInt32, il.OperandInt8:
			ins.Operand = int32(ir.Int)
		case il.OperandInt64:
			ins.Operand = ir.Int
		case il.OperandFloat64:
			ins.Operand = ir.Float
		case il.OperandString:
			ins.Operand = ir.Str
		case il.OperandArg:
			ins.Operand = int(ir.Int)
		case il.OperandVariable:
			v, err := variable(ir.Int)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", info.Name, err)
			}
			ins.Operand = v
		case il.OperandBranch, il.OperandShortBranch:
			if len(ir.Targets) != 1 {
				return nil, fmt.Errorf("%s: want one target, have %d", info.Name, len(ir.Targets))
			}
			h, err := handle(ir.Targets[0])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", info.Name, err)
			}
			ins.Operand = h
		case il.OperandSwitch:
			targets := make([]il.Handle, len(ir.Targets))
			for j, t := range ir.Targets {
				h, err := handle(t)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", info.Name, err)
				}
				targets[j] = h
			}
			ins.Operand = targets
		default:
			switch {
			case ir.Method != nil:
				ins.Operand = d.methodRef(ir.Method, sc)
			case ir.Field != nil:
				ins.Operand = d.fieldRef(ir.Field, sc)
			case ir.Type != nil:
				ins.Operand = d.typeRef(ir.Type, sc)
			default:
				return nil, fmt.Errorf("%s: missing operand", info.Name)
			}
		}
	}

	for _, hr := range r.Handlers {
		eh := &il.ExceptionHandler{Type: il.HandlerType(hr.Type)}
		if hr.Catch != nil {
			eh.CatchType = d.typeRef(hr.Catch, sc)
		}
		var err error
		for _, p := range []struct {
			dst *il.Handle
			i   int
		}{
			{&eh.TryStart, hr.TryStart}, {&eh.TryEnd, hr.TryEnd},
			{&eh.HandlerStart, hr.HandlerStart}, {&eh.HandlerEnd, hr.HandlerEnd},
		} {
			if *p.dst, err = handle(p.i); err != nil {
				return nil, fmt.Errorf("handler: %w", err)
			}
		}
		b.Handlers = append(b.Handlers, eh)
	}

	for _, sr := range r.SequencePoints {
		h, err := handle(sr.Instruction)
		if err != nil {
			return nil, fmt.Errorf("sequence point: %w", err)
		}
		b.SequencePoints = append(b.SequencePoints, il.SequencePoint{
			Instruction: h,
			Document:    sr.Document,
			StartLine:   sr.StartLine,
			StartColumn: sr.StartColumn,
			EndLine:     sr.EndLine,
			EndColumn:   sr.EndColumn,
		})
	}

	if sr := r.Scope; sr != nil {
		s := &il.Scope{}
		var err error
		if s.Start, err = handle(sr.Start); err != nil {
			return nil, fmt.Errorf("scope: %w", err)
		}
		if s.End, err = handle(sr.End); err != nil {
			return nil, fmt.Errorf("scope: %w", err)
		}
		for _, i := range sr.Variables {
			v, err := variable(int64(i))
			if err != nil {
				return nil, fmt.Errorf("scope: %w", err)
			}
			s.Variables = append(s.Variables, v)
		}
		b.Scope = s
	}
	return b, nil
}
