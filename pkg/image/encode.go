package image

import (
	"fmt"

	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// Encode serializes m to canonical CBOR.
func Encode(m *meta.Module) ([]byte, error) {
	rec := moduleRecord{
		Version:    Version,
		Name:       m.Name,
		Mvid:       [16]byte(m.Mvid),
		References: m.References,
	}
	var err error
	for _, t := range m.Types {
		tr, err := encodeType(t)
		if err != nil {
			return nil, err
		}
		rec.Types = append(rec.Types, tr)
	}
	if rec.Attributes, err = encodeAttrs(m.CustomAttributes); err != nil {
		return nil, fmt.Errorf("image: module attributes: %w", err)
	}
	if rec.AssemblyAttributes, err = encodeAttrs(m.AssemblyAttributes); err != nil {
		return nil, fmt.Errorf("image: assembly attributes: %w", err)
	}
	return encMode.Marshal(&rec)
}

func encodeType(t *meta.TypeDef) (typeRecord, error) {
	rec := typeRecord{
		Namespace:      t.Namespace,
		Name:           t.Name,
		Attributes:     uint32(t.Attributes),
		Base:           encodeTypeRefPtr(t.BaseType),
		Interfaces:     encodeTypeRefs(t.Interfaces),
		GenericParams:  encodeGenericParams(t.GenericParams),
		ValueType:      t.IsValueType,
		EnumUnderlying: encodeTypeRefPtr(t.EnumUnderlying),
	}
	var err error
	if rec.Attrs, err = encodeAttrs(t.CustomAttributes); err != nil {
		return rec, fmt.Errorf("image: %s: %w", t.FullName(), err)
	}
	for _, f := range t.Fields {
		fr := fieldRecord{Name: f.Name, Type: encodeTypeRef(f.FieldType), Attributes: uint16(f.Attributes)}
		if f.Constant != nil {
			v, err := encodeValue(f.Constant)
			if err != nil {
				return rec, fmt.Errorf("image: field %s: %w", f.FullName(), err)
			}
			fr.Constant = &v
		}
		if fr.Attrs, err = encodeAttrs(f.CustomAttributes); err != nil {
			return rec, fmt.Errorf("image: field %s: %w", f.FullName(), err)
		}
		rec.Fields = append(rec.Fields, fr)
	}

	index := make(map[*meta.MethodDef]int, len(t.Methods))
	for i, m := range t.Methods {
		index[m] = i + 1
		mr, err := encodeMethod(m)
		if err != nil {
			return rec, fmt.Errorf("image: %s: %w", m.FullName(), err)
		}
		rec.Methods = append(rec.Methods, mr)
	}
	for _, p := range t.Properties {
		pr := propertyRecord{
			Name:   p.Name,
			Type:   encodeTypeRefPtr(p.PropertyType),
			Getter: index[p.Getter],
			Setter: index[p.Setter],
		}
		if pr.Attrs, err = encodeAttrs(p.CustomAttributes); err != nil {
			return rec, fmt.Errorf("image: property %s: %w", p.FullName(), err)
		}
		rec.Properties = append(rec.Properties, pr)
	}
	for _, n := range t.NestedTypes {
		nr, err := encodeType(n)
		if err != nil {
			return rec, err
		}
		rec.Nested = append(rec.Nested, nr)
	}
	return rec, nil
}

func encodeMethod(m *meta.MethodDef) (methodRecord, error) {
	rec := methodRecord{
		Name:          m.Name,
		Attributes:    uint16(m.Attributes),
		Impl:          uint16(m.ImplAttributes),
		Return:        encodeTypeRefPtr(m.ReturnType),
		GenericParams: encodeGenericParams(m.GenericParams),
	}
	for _, p := range m.Params {
		rec.Params = append(rec.Params, paramRecord{Name: p.Name, Type: encodeTypeRef(p.Type)})
	}
	var err error
	if rec.Attrs, err = encodeAttrs(m.CustomAttributes); err != nil {
		return rec, err
	}
	if m.Body != nil {
		b, err := encodeBody(m.Body)
		if err != nil {
			return rec, err
		}
		rec.Body = &b
	}
	return rec, nil
}

func encodeGenericParams(ps []*meta.GenericParam) []genericParamRecord {
	var out []genericParamRecord
	for _, p := range ps {
		out = append(out, genericParamRecord{
			Name:        p.Name,
			Position:    p.Position,
			Owner:       uint8(p.Owner),
			Attributes:  uint16(p.Attributes),
			Constraints: encodeTypeRefs(p.Constraints),
		})
	}
	return out
}

func encodeTypeRef(t *meta.TypeRef) typeRefRecord {
	rec := typeRefRecord{Kind: uint8(t.Kind)}
	switch t.Kind {
	case meta.KindByRef, meta.KindPointer, meta.KindArray:
		rec.Element = encodeTypeRefPtr(t.Element)
	case meta.KindGenericInst:
		rec.Element = encodeTypeRefPtr(t.Element)
		rec.Args = encodeTypeRefs(t.Args)
	case meta.KindGenericParam:
		rec.Name = t.Name
		if t.Param != nil {
			rec.Param = &genericParamRecord{Name: t.Param.Name, Position: t.Param.Position, Owner: uint8(t.Param.Owner)}
		}
	case meta.KindFunctionPointer:
	default:
		rec.Scope = t.Scope()
		rec.Namespace = t.Namespace
		rec.Name = t.Name
		rec.FullName = t.FullName()
	}
	return rec
}

func encodeTypeRefPtr(t *meta.TypeRef) *typeRefRecord {
	if t == nil {
		return nil
	}
	r := encodeTypeRef(t)
	return &r
}

func encodeTypeRefs(ts []*meta.TypeRef) []typeRefRecord {
	var out []typeRefRecord
	for _, t := range ts {
		out = append(out, encodeTypeRef(t))
	}
	return out
}

func encodeMethodRef(r *meta.MethodRef) methodRefRecord {
	return methodRefRecord{
		Name:              r.Name,
		Declaring:         encodeTypeRef(r.DeclaringType),
		Return:            encodeTypeRefPtr(r.ReturnType),
		Params:            encodeTypeRefs(r.Params),
		HasThis:           r.HasThis,
		GenericParamCount: r.GenericParamCount,
		GenericArgs:       encodeTypeRefs(r.GenericArgs),
	}
}

func encodeFieldRef(r *meta.FieldRef) fieldRefRecord {
	return fieldRefRecord{Name: r.Name, Declaring: encodeTypeRef(r.DeclaringType), Type: encodeTypeRef(r.FieldType)}
}

func encodeAttrs(attrs []*meta.CustomAttribute) ([]attrRecord, error) {
	var out []attrRecord
	for _, a := range attrs {
		rec := attrRecord{Ctor: encodeMethodRef(a.Constructor)}
		for _, arg := range a.Args {
			ar, err := encodeArg(arg)
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", a.AttributeType().FullName(), err)
			}
			rec.Args = append(rec.Args, ar)
		}
		var err error
		if rec.Properties, err = encodeNamedArgs(a.Properties); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", a.AttributeType().FullName(), err)
		}
		if rec.Fields, err = encodeNamedArgs(a.Fields); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", a.AttributeType().FullName(), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func encodeNamedArgs(args []meta.NamedArgument) ([]namedArgRecord, error) {
	var out []namedArgRecord
	for _, n := range args {
		ar, err := encodeArg(n.Argument)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Name, err)
		}
		out = append(out, namedArgRecord{Name: n.Name, Arg: ar})
	}
	return out, nil
}

func encodeArg(a meta.AttributeArgument) (argRecord, error) {
	v, err := encodeValue(a.Value)
	return argRecord{Type: encodeTypeRefPtr(a.Type), Value: v}, err
}

func encodeValue(v any) (valueRecord, error) {
	switch x := v.(type) {
	case nil:
		return valueRecord{Kind: valueNil}, nil
	case bool:
		r := valueRecord{Kind: valueBool}
		if x {
			r.Int = 1
		}
		return r, nil
	case int8:
		return valueRecord{Kind: valueInt8, Int: int64(x)}, nil
	case int16:
		return valueRecord{Kind: valueInt16, Int: int64(x)}, nil
	case int32:
		return valueRecord{Kind: valueInt32, Int: int64(x)}, nil
	case int64:
		return valueRecord{Kind: valueInt64, Int: x}, nil
	case uint8:
		return valueRecord{Kind: valueUint8, Uint: uint64(x)}, nil
	case uint16:
		return valueRecord{Kind: valueUint16, Uint: uint64(x)}, nil
	case uint32:
		return valueRecord{Kind: valueUint32, Uint: uint64(x)}, nil
	case uint64:
		return valueRecord{Kind: valueUint64, Uint: x}, nil
	case float32:
		return valueRecord{Kind: valueFloat32, Float: float64(x)}, nil
	case float64:
		return valueRecord{Kind: valueFloat64, Float: x}, nil
	case string:
		return valueRecord{Kind: valueString, Str: x}, nil
	case *meta.TypeRef:
		return valueRecord{Kind: valueType, Type: encodeTypeRefPtr(x)}, nil
	case []meta.AttributeArgument:
		r := valueRecord{Kind: valueArray}
		for _, e := range x {
			er, err := encodeArg(e)
			if err != nil {
				return r, err
			}
			r.Elems = append(r.Elems, er)
		}
		return r, nil
	case meta.AttributeArgument:
		inner, err := encodeArg(x)
		return valueRecord{Kind: valueBoxed, Boxed: &inner}, err
	}
	return valueRecord{}, fmt.Errorf("unsupported constant %T", v)
}

func encodeBody(b *il.Body) (bodyRecord, error) {
	rec := bodyRecord{InitLocals: b.InitLocals, MaxStack: b.MaxStack}
	order := b.Instructions()
	index := func(h il.Handle) (int, error) {
		if h == il.NoHandle {
			return -1, nil
		}
		i := b.IndexOf(h)
		if i < 0 {
			return 0, fmt.Errorf("reference to unplaced instruction %d", h)
		}
		return i, nil
	}

	for _, v := range b.Variables {
		t, ok := v.Type.(*meta.TypeRef)
		if !ok {
			return rec, fmt.Errorf("variable %s has type %T", v, v.Type)
		}
		rec.Variables = append(rec.Variables, variableRecord{Type: encodeTypeRef(t), Name: v.Name})
	}

	for _, h := range order {
		ins := b.At(h)
		ir := instrRecord{Op: uint8(ins.Op)}
		switch info := il.GetOpcodeInfo(ins.Op); info.Operand {
		case il.OperandNone:
		case il.OperandInt32, il.OperandInt8:
			ir.Int = int64(ins.Operand.(int32))
		case il.OperandInt64:
			ir.Int = ins.Operand.(int64)
		case il.OperandFloat64:
			ir.Float = ins.Operand.(float64)
		case il.OperandString:
			ir.Str = ins.Operand.(string)
		case il.OperandArg:
			ir.Int = int64(ins.Operand.(int))
		case il.OperandVariable:
			ir.Int = int64(ins.Operand.(*il.Variable).Index)
		case il.OperandBranch, il.OperandShortBranch:
			i, err := index(ins.Operand.(il.Handle))
			if err != nil {
				return rec, fmt.Errorf("%s: %w", info.Name, err)
			}
			ir.Targets = []int{i}
		case il.OperandSwitch:
			for _, t := range ins.Operand.([]il.Handle) {
				i, err := index(t)
				if err != nil {
					return rec, fmt.Errorf("%s: %w", info.Name, err)
				}
				ir.Targets = append(ir.Targets, i)
			}
		case il.OperandMethod, il.OperandField, il.OperandType, il.OperandToken:
			switch x := ins.Operand.(type) {
			case *meta.MethodRef:
				r := encodeMethodRef(x)
				ir.Method = &r
			case *meta.FieldRef:
				r := encodeFieldRef(x)
				ir.Field = &r
			case *meta.TypeRef:
				ir.Type = encodeTypeRefPtr(x)
			default:
				return rec, fmt.Errorf("%s: unsupported operand %T", info.Name, ins.Operand)
			}
		}
		rec.Code = append(rec.Code, ir)
	}

	for _, eh := range b.Handlers {
		hr := handlerRecord{Type: uint8(eh.Type)}
		if eh.CatchType != nil {
			t, ok := eh.CatchType.(*meta.TypeRef)
			if !ok {
				return rec, fmt.Errorf("catch type %T", eh.CatchType)
			}
			hr.Catch = encodeTypeRefPtr(t)
		}
		var err error
		for _, p := range []struct {
			dst *int
			h   il.Handle
		}{
			{&hr.TryStart, eh.TryStart}, {&hr.TryEnd, eh.TryEnd},
			{&hr.HandlerStart, eh.HandlerStart}, {&hr.HandlerEnd, eh.HandlerEnd},
		} {
			if *p.dst, err = index(p.h); err != nil {
				return rec, fmt.Errorf("handler: %w", err)
			}
		}
		rec.Handlers = append(rec.Handlers, hr)
	}

	for _, sp := range b.SequencePoints {
		i, err := index(sp.Instruction)
		if err != nil {
			return rec, fmt.Errorf("sequence point: %w", err)
		}
		rec.SequencePoints = append(rec.SequencePoints, seqPointRecord{
			Instruction: i,
			Document:    sp.Document,
			StartLine:   sp.StartLine,
			StartColumn: sp.StartColumn,
			EndLine:     sp.EndLine,
			EndColumn:   sp.EndColumn,
		})
	}

	if s := b.Scope; s != nil {
		sr := &scopeRecord{}
		var err error
		if sr.Start, err = index(s.Start); err != nil {
			return rec, fmt.Errorf("scope: %w", err)
		}
		if sr.End, err = index(s.End); err != nil {
			return rec, fmt.Errorf("scope: %w", err)
		}
		for _, v := range s.Variables {
			sr.Variables = append(sr.Variables, v.Index)
		}
		rec.Scope = sr
	}
	return rec, nil
}
