package meta

import (
	"errors"
	"fmt"

	"github.com/chazu/boundary/pkg/il"
)

// VerifyMethod checks a method body: stack discipline via il.Verify plus
// the metadata rules the IL layer cannot see. Every member reference must
// resolve, static and instance field access must match, fields of generic
// types must be accessed through an instantiated owner, and members from
// other modules must be covered by the module's references.
func VerifyMethod(m *MethodDef) error {
	if !m.HasBody() {
		return nil
	}
	if err := il.Verify(m.Body, m.Signature()); err != nil {
		return fmt.Errorf("%s: %w", m.FullName(), err)
	}
	mod := m.DeclaringType.Module
	for _, h := range m.Body.Instructions() {
		ins := m.Body.At(h)
		if err := verifyOperand(mod, ins); err != nil {
			return fmt.Errorf("%s: IL_%04X %s: %w", m.FullName(), ins.Offset, ins.Op, err)
		}
	}
	return nil
}

func verifyOperand(mod *Module, ins *il.Instruction) error {
	switch ins.Op {
	case il.Ldfld, il.Ldflda, il.Stfld, il.Ldsfld, il.Stsfld:
		fr, ok := ins.Operand.(*FieldRef)
		if !ok {
			return fmt.Errorf("operand %T is not a field reference", ins.Operand)
		}
		def := fr.Resolve()
		if def == nil {
			return fmt.Errorf("unresolved field %s", fr.FullName())
		}
		static := ins.Op == il.Ldsfld || ins.Op == il.Stsfld
		if def.IsStatic() != static {
			return fmt.Errorf("%s used with the wrong static-ness", fr.FullName())
		}
		if len(def.DeclaringType.GenericParams) > 0 && !fr.DeclaringType.IsGenericInstance() {
			return fmt.Errorf("field %s of generic type accessed without instantiation", fr.Name)
		}
		return checkScope(mod, def.DeclaringType)
	case il.Call, il.Callvirt, il.Newobj:
		mr, ok := ins.Operand.(*MethodRef)
		if !ok {
			return fmt.Errorf("operand %T is not a method reference", ins.Operand)
		}
		def := mr.Resolve()
		if def == nil {
			return fmt.Errorf("unresolved method %s", mr.FullName())
		}
		if def.IsGeneric() && len(mr.GenericArgs) != len(def.GenericParams) {
			return fmt.Errorf("generic method %s called without instantiation", mr.Name)
		}
		if ins.Op == il.Newobj && !def.IsConstructor() {
			return fmt.Errorf("newobj on non-constructor %s", mr.Name)
		}
		return checkScope(mod, def.DeclaringType)
	case il.Newarr, il.Box, il.UnboxAny, il.Castclass, il.Isinst, il.Ldobj, il.Stobj:
		if _, ok := ins.Operand.(*TypeRef); !ok {
			return fmt.Errorf("operand %T is not a type reference", ins.Operand)
		}
	}
	return nil
}

func checkScope(mod *Module, owner *TypeDef) error {
	if mod == nil || owner == nil || owner.Module == nil || owner.Module == mod {
		return nil
	}
	if !mod.HasReference(owner.Module.Name) {
		return fmt.Errorf("%s is defined in %s which is not imported", owner.FullName(), owner.Module.Name)
	}
	return nil
}

// VerifyModule verifies every method body in the module and joins the
// errors.
func VerifyModule(m *Module) error {
	var errs []error
	for _, t := range m.AllTypes() {
		for _, md := range t.Methods {
			if err := VerifyMethod(md); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
