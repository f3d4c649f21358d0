package interp

import (
	"fmt"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// step executes one instruction. It returns the next program index, or
// done with the return value when the method returns.
func (f *frame) step(pc int, ins *il.Instruction) (next int, ret Value, done bool, err error) {
	next = pc + 1
	vm := f.vm

	switch ins.Op {
	// ============ Stack Operations ============
	case il.Nop:
	case il.Dup:
		v := f.pop()
		f.push(v)
		f.push(v)
	case il.Pop:
		f.pop()

	// ============ Arguments and Locals ============
	case il.Ldarg:
		f.push(f.args[ins.Operand.(int)])
	case il.Starg:
		f.args[ins.Operand.(int)] = f.pop()
	case il.Ldarga:
		slot := ins.Operand.(int)
		f.push(&Ref{Get: func() Value { return f.args[slot] }, Set: func(v Value) { f.args[slot] = v }})
	case il.Ldloc:
		f.push(f.locals[ins.Operand.(*il.Variable)])
	case il.Stloc:
		f.locals[ins.Operand.(*il.Variable)] = f.pop()
	case il.Ldloca:
		v := ins.Operand.(*il.Variable)
		f.push(&Ref{Get: func() Value { return f.locals[v] }, Set: func(x Value) { f.locals[v] = x }})

	// ============ Constants ============
	case il.Ldnull:
		f.push(nil)
	case il.LdcI4, il.LdcI4S:
		f.push(ins.Operand.(int32))
	case il.LdcI8:
		f.push(ins.Operand.(int64))
	case il.LdcR8:
		f.push(ins.Operand.(float64))
	case il.Ldstr:
		f.push(ins.Operand.(string))
	case il.Ldtoken:
		switch tok := ins.Operand.(type) {
		case *meta.TypeRef:
			f.push(TypeHandle{Type: tok})
		case *meta.MethodRef:
			f.push(MethodHandle{Method: tok})
		case *meta.FieldRef:
			f.push(FieldHandle{Field: tok})
		default:
			return 0, nil, false, fmt.Errorf("interp: ldtoken operand %T", ins.Operand)
		}

	// ============ Calls ============
	case il.Call, il.Callvirt:
		ref := ins.Operand.(*meta.MethodRef)
		args := f.popN(ref.ArgCount())
		v, cerr := vm.call(ref, args, ins.Op == il.Callvirt)
		if cerr != nil {
			return 0, nil, false, cerr
		}
		if ref.Returns() {
			f.push(v)
		}
	case il.Newobj:
		ref := ins.Operand.(*meta.MethodRef)
		def := ref.Resolve()
		if def == nil {
			return 0, nil, false, fmt.Errorf("interp: unresolved constructor %s", ref.FullName())
		}
		obj := vm.alloc(def.DeclaringType, ref.DeclaringType)
		args := append([]Value{obj}, f.popN(len(ref.Params))...)
		if _, cerr := vm.invoke(def, args); cerr != nil {
			return 0, nil, false, cerr
		}
		f.push(obj)
	case il.Ret:
		if f.method.Signature().Returns {
			return 0, f.pop(), true, nil
		}
		return 0, nil, true, nil

	// ============ Control Flow ============
	case il.Br, il.BrS:
		next = f.index(ins.Operand.(il.Handle))
	case il.Brtrue, il.BrtrueS:
		if truthy(f.pop()) {
			next = f.index(ins.Operand.(il.Handle))
		}
	case il.Brfalse, il.BrfalseS:
		if !truthy(f.pop()) {
			next = f.index(ins.Operand.(il.Handle))
		}
	case il.Beq, il.BeqS:
		b, a := f.pop(), f.pop()
		if equalValues(a, b) {
			next = f.index(ins.Operand.(il.Handle))
		}
	case il.Switch:
		i, _ := f.pop().(int32)
		targets := ins.Operand.([]il.Handle)
		if i >= 0 && int(i) < len(targets) {
			next = f.index(targets[i])
		}
	case il.Leave, il.LeaveS:
		target := f.index(ins.Operand.(il.Handle))
		f.stack = f.stack[:0]
		if lerr := f.leave(pc, target); lerr != nil {
			return 0, nil, false, lerr
		}
		next = target

	// ============ Arithmetic ============
	case il.Add, il.Sub, il.Mul, il.Clt, il.Cgt:
		b, a := f.pop(), f.pop()
		v, aerr := arith(ins.Op, a, b)
		if aerr != nil {
			return 0, nil, false, aerr
		}
		f.push(v)
	case il.Ceq:
		b, a := f.pop(), f.pop()
		f.push(boolValue(equalValues(a, b)))
	case il.ConvI8:
		switch x := f.pop().(type) {
		case int32:
			f.push(int64(x))
		case int64:
			f.push(x)
		case float64:
			f.push(int64(x))
		}
	case il.ConvI4:
		switch x := f.pop().(type) {
		case int32:
			f.push(x)
		case int64:
			f.push(int32(x))
		case float64:
			f.push(int32(x))
		}

	// ============ Arrays ============
	case il.Newarr:
		n, _ := f.pop().(int32)
		elem := ins.Operand.(*meta.TypeRef)
		arr := &Array{Elem: elem, Items: make([]Value, n)}
		for i := range arr.Items {
			arr.Items[i] = zeroValue(elem)
		}
		f.push(arr)
	case il.Ldlen:
		arr, aerr := f.array(f.pop())
		if aerr != nil {
			return 0, nil, false, aerr
		}
		f.push(int32(len(arr.Items)))
	case il.LdelemRef:
		idx := f.pop()
		arr, aerr := f.array(f.pop())
		if aerr != nil {
			return 0, nil, false, aerr
		}
		i, ierr := f.arrayIndex(arr, idx)
		if ierr != nil {
			return 0, nil, false, ierr
		}
		f.push(arr.Items[i])
	case il.StelemRef, il.StelemI1, il.StelemI2, il.StelemI4, il.StelemI8, il.StelemI, il.StelemR4, il.StelemR8:
		v := f.pop()
		idx := f.pop()
		arr, aerr := f.array(f.pop())
		if aerr != nil {
			return 0, nil, false, aerr
		}
		i, ierr := f.arrayIndex(arr, idx)
		if ierr != nil {
			return 0, nil, false, ierr
		}
		arr.Items[i] = v

	// ============ Fields ============
	case il.Ldfld, il.Ldflda, il.Stfld:
		fr := ins.Operand.(*meta.FieldRef)
		var v Value
		if ins.Op == il.Stfld {
			v = f.pop()
		}
		obj, oerr := f.object(f.pop())
		if oerr != nil {
			return 0, nil, false, oerr
		}
		switch ins.Op {
		case il.Ldfld:
			val, ok := obj.Fields[fr.Name]
			if !ok {
				val = zeroValue(fr.FieldType)
			}
			f.push(val)
		case il.Ldflda:
			name := fr.Name
			f.push(&Ref{Get: func() Value { return obj.Fields[name] }, Set: func(x Value) { obj.Fields[name] = x }})
		default:
			obj.Fields[fr.Name] = v
		}
	case il.Ldsfld, il.Stsfld:
		fr := ins.Operand.(*meta.FieldRef)
		def := fr.Resolve()
		if def == nil {
			return 0, nil, false, fmt.Errorf("interp: unresolved field %s", fr.FullName())
		}
		if ierr := vm.ensureInit(def.DeclaringType); ierr != nil {
			return 0, nil, false, ierr
		}
		if ins.Op == il.Ldsfld {
			f.push(vm.statics[def])
		} else {
			vm.statics[def] = f.pop()
		}

	// ============ Object Model ============
	case il.Box:
		t := ins.Operand.(*meta.TypeRef)
		v := f.pop()
		switch {
		case t.IsValueType():
			f.push(&Boxed{Type: t, Value: v})
		case t.IsGenericParameter():
			switch v.(type) {
			case int32, int64, float64:
				f.push(&Boxed{Type: t, Value: v})
			default:
				f.push(v)
			}
		default:
			f.push(v)
		}
	case il.UnboxAny:
		t := ins.Operand.(*meta.TypeRef)
		v := f.pop()
		switch {
		case t.IsValueType():
			if v == nil {
				return 0, nil, false, vm.throwNew(corlib.NullReferenceException, "unbox of null", f.origin())
			}
			b, ok := v.(*Boxed)
			if !ok {
				return 0, nil, false, vm.throwNew(corlib.InvalidCastException, fmt.Sprintf("cannot unbox %T to %s", v, t), f.origin())
			}
			f.push(b.Value)
		case t.IsGenericParameter():
			f.push(Unbox(v))
		default:
			if v != nil && !vm.isInstance(v, t) {
				return 0, nil, false, vm.throwNew(corlib.InvalidCastException, "cannot cast to "+t.FullName(), f.origin())
			}
			f.push(v)
		}
	case il.Castclass:
		t := ins.Operand.(*meta.TypeRef)
		v := f.pop()
		if v != nil && !vm.isInstance(v, t) {
			return 0, nil, false, vm.throwNew(corlib.InvalidCastException, "cannot cast to "+t.FullName(), f.origin())
		}
		f.push(v)
	case il.Isinst:
		t := ins.Operand.(*meta.TypeRef)
		v := f.pop()
		if v != nil && vm.isInstance(v, t) {
			f.push(v)
		} else {
			f.push(nil)
		}

	// ============ Indirect Access ============
	case il.LdindI1, il.LdindU1, il.LdindI2, il.LdindU2, il.LdindI4, il.LdindU4,
		il.LdindI8, il.LdindI, il.LdindR4, il.LdindR8, il.LdindRef, il.Ldobj:
		r, rerr := f.ref(f.pop())
		if rerr != nil {
			return 0, nil, false, rerr
		}
		f.push(r.Get())
	case il.StindI1, il.StindI2, il.StindI4, il.StindI8, il.StindI,
		il.StindR4, il.StindR8, il.StindRef, il.Stobj:
		v := f.pop()
		r, rerr := f.ref(f.pop())
		if rerr != nil {
			return 0, nil, false, rerr
		}
		r.Set(v)

	// ============ Exceptions ============
	case il.Throw:
		v := f.pop()
		exc, ok := v.(*Object)
		if !ok {
			return 0, nil, false, vm.throwNew(corlib.NullReferenceException, "throw of null", f.origin())
		}
		return 0, nil, false, &Thrown{Exception: exc, Origin: f.origin()}
	case il.Rethrow:
		if len(f.handling) == 0 {
			return 0, nil, false, fmt.Errorf("interp: rethrow outside catch in %s", f.origin())
		}
		return 0, nil, false, f.handling[len(f.handling)-1]
	case il.Endfinally:
		next = endfinallyPC

	default:
		return 0, nil, false, fmt.Errorf("interp: unsupported opcode %s", ins.Op)
	}
	return next, nil, false, nil
}

func (f *frame) array(v Value) (*Array, error) {
	switch a := v.(type) {
	case *Array:
		return a, nil
	case nil:
		return nil, f.vm.throwNew(corlib.NullReferenceException, "array is null", f.origin())
	}
	return nil, fmt.Errorf("interp: %T is not an array", v)
}

func (f *frame) arrayIndex(arr *Array, idx Value) (int, error) {
	i, ok := idx.(int32)
	if !ok || i < 0 || int(i) >= len(arr.Items) {
		return 0, fmt.Errorf("interp: array index %v out of range [0,%d)", idx, len(arr.Items))
	}
	return int(i), nil
}

func (f *frame) object(v Value) (*Object, error) {
	switch o := v.(type) {
	case *Object:
		return o, nil
	case *Ref:
		return f.object(o.Get())
	case nil:
		return nil, f.vm.throwNew(corlib.NullReferenceException, "field access on null", f.origin())
	}
	return nil, fmt.Errorf("interp: field access on %T", v)
}

func (f *frame) ref(v Value) (*Ref, error) {
	if r, ok := v.(*Ref); ok {
		return r, nil
	}
	return nil, fmt.Errorf("interp: %T is not a managed pointer", v)
}

func boolValue(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func arith(op il.Opcode, a, b Value) (Value, error) {
	switch x := a.(type) {
	case int32:
		y, ok := b.(int32)
		if !ok {
			break
		}
		switch op {
		case il.Add:
			return x + y, nil
		case il.Sub:
			return x - y, nil
		case il.Mul:
			return x * y, nil
		case il.Clt:
			return boolValue(x < y), nil
		case il.Cgt:
			return boolValue(x > y), nil
		}
	case int64:
		y, ok := b.(int64)
		if !ok {
			break
		}
		switch op {
		case il.Add:
			return x + y, nil
		case il.Sub:
			return x - y, nil
		case il.Mul:
			return x * y, nil
		case il.Clt:
			return boolValue(x < y), nil
		case il.Cgt:
			return boolValue(x > y), nil
		}
	case float64:
		y, ok := b.(float64)
		if !ok {
			break
		}
		switch op {
		case il.Add:
			return x + y, nil
		case il.Sub:
			return x - y, nil
		case il.Mul:
			return x * y, nil
		case il.Clt:
			return boolValue(x < y), nil
		case il.Cgt:
			return boolValue(x > y), nil
		}
	}
	return nil, fmt.Errorf("interp: %s on %T and %T", op, a, b)
}
