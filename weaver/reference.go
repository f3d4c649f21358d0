package weaver

import (
	"fmt"

	"github.com/chazu/boundary/pkg/meta"
)

// ReferenceFinder resolves runtime types and members and imports them into
// the module being woven.
type ReferenceFinder struct {
	module *meta.Module
}

// NewReferenceFinder returns a finder importing into module.
func NewReferenceFinder(module *meta.Module) *ReferenceFinder {
	return &ReferenceFinder{module: module}
}

// TypeRef finds ns.name in any loaded module.
func (r *ReferenceFinder) TypeRef(ns, name string) (*meta.TypeRef, error) {
	full := name
	if ns != "" {
		full = ns + "." + name
	}
	return r.Type(full)
}

// Type finds a type by full name in any loaded module.
func (r *ReferenceFinder) Type(fullName string) (*meta.TypeRef, error) {
	res := r.module.Resolver()
	if res == nil {
		return nil, fmt.Errorf("type %s: %w", fullName, ErrMemberNotFound)
	}
	def := res.FindType(fullName)
	if def == nil {
		return nil, fmt.Errorf("type %s: %w", fullName, ErrMemberNotFound)
	}
	return r.module.ImportType(def.Ref(), nil), nil
}

// MethodRef finds the first method matching pred on t or its base types.
// When the method is inherited, the returned reference is owned by t
// rather than by the declaring base type.
func (r *ReferenceFinder) MethodRef(t *meta.TypeRef, pred func(*meta.MethodDef) bool, ctx meta.GenericContext) (*meta.MethodRef, error) {
	start := t.Resolve()
	if start == nil {
		return nil, fmt.Errorf("method on unresolved type %s: %w", t, ErrMemberNotFound)
	}
	var found *meta.MethodDef
	for cur := start; cur != nil && found == nil; cur = cur.BaseDef() {
		for _, m := range cur.Methods {
			if pred(m) {
				found = m
				break
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no matching method on %s or its base types: %w", t, ErrMemberNotFound)
	}

	imported := r.module.ImportMethod(found.Ref(), ctx)
	if found.DeclaringType == start && !t.IsGenericInstance() {
		return imported, nil
	}
	return imported.WithDeclaringType(r.module.ImportType(t, ctx)), nil
}

// MethodNamed is MethodRef matching on name and parameter count.
func (r *ReferenceFinder) MethodNamed(t *meta.TypeRef, name string, arity int) (*meta.MethodRef, error) {
	return r.MethodRef(t, func(m *meta.MethodDef) bool {
		return m.Name == name && len(m.Params) == arity
	}, nil)
}

// ConstructorRef finds an instance constructor of t matching pred.
func (r *ReferenceFinder) ConstructorRef(t *meta.TypeRef, pred func(*meta.MethodDef) bool) (*meta.MethodRef, error) {
	def := t.Resolve()
	if def == nil {
		return nil, fmt.Errorf("constructor on unresolved type %s: %w", t, ErrMemberNotFound)
	}
	for _, c := range def.Constructors() {
		if pred(c) {
			ref := r.module.ImportMethod(c.Ref(), nil)
			if t.IsGenericInstance() {
				ref = ref.WithDeclaringType(r.module.ImportType(t, nil))
			}
			return ref, nil
		}
	}
	return nil, fmt.Errorf("no matching constructor on %s: %w", t, ErrMemberNotFound)
}

// FieldRef finds the field called name on t or its base types.
func (r *ReferenceFinder) FieldRef(t *meta.TypeRef, name string, ctx meta.GenericContext) (*meta.FieldRef, error) {
	for cur := t.Resolve(); cur != nil; cur = cur.BaseDef() {
		if f := cur.Field(name); f != nil {
			ref := r.module.ImportField(f.Ref(), ctx)
			if cur == t.Resolve() && t.IsGenericInstance() {
				ref = ref.OnType(r.module.ImportType(t, ctx))
			}
			return ref, nil
		}
	}
	return nil, fmt.Errorf("field %s on %s: %w", name, t, ErrMemberNotFound)
}
