package meta

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CoreLibrary is the name of the module defining the System types.
const CoreLibrary = "System.Runtime"

// Module is a unit of compiled code: a set of types plus the module and
// assembly level attributes.
type Module struct {
	Name               string
	Mvid               uuid.UUID
	Types              []*TypeDef
	CustomAttributes   []*CustomAttribute
	AssemblyAttributes []*CustomAttribute

	// References lists the modules this module imports members from.
	References []string

	resolver *Resolver
}

// NewModule creates an empty module with a fresh Mvid and registers it with
// resolver when one is given.
func NewModule(name string, resolver *Resolver) *Module {
	m := &Module{Name: name, Mvid: uuid.New(), resolver: resolver}
	if resolver != nil {
		resolver.Register(m)
	}
	return m
}

// Resolver returns the resolver the module was registered with.
func (m *Module) Resolver() *Resolver { return m.resolver }

// AddType attaches a top-level type.
func (m *Module) AddType(t *TypeDef) *TypeDef {
	t.setModule(m)
	m.Types = append(m.Types, t)
	return t
}

// Type finds a type by full name, including nested "Outer/Inner" names.
func (m *Module) Type(fullName string) *TypeDef {
	parts := strings.Split(fullName, "/")
	var cur *TypeDef
	for _, t := range m.Types {
		if t.FullName() == parts[0] {
			cur = t
			break
		}
	}
	for _, p := range parts[1:] {
		if cur == nil {
			return nil
		}
		cur = cur.NestedType(p)
	}
	return cur
}

// AllTypes returns every type including nested ones, outer types first.
func (m *Module) AllTypes() []*TypeDef {
	var out []*TypeDef
	var walk func(ts []*TypeDef)
	walk = func(ts []*TypeDef) {
		for _, t := range ts {
			out = append(out, t)
			walk(t.NestedTypes)
		}
	}
	walk(m.Types)
	return out
}

// HasReference reports whether the module imports from name.
func (m *Module) HasReference(name string) bool {
	for _, r := range m.References {
		if r == name {
			return true
		}
	}
	return false
}

func (m *Module) addReference(scope string) {
	if scope == "" || scope == m.Name || m.HasReference(scope) {
		return
	}
	m.References = append(m.References, scope)
}

func (m *Module) recordType(t *TypeRef) {
	if t == nil {
		return
	}
	switch t.Kind {
	case KindGenericInst:
		m.recordType(t.Element)
		for _, a := range t.Args {
			m.recordType(a)
		}
	case KindByRef, KindPointer, KindArray:
		m.recordType(t.Element)
	case KindGenericParam, KindFunctionPointer:
	default:
		m.addReference(t.Scope())
	}
}

func contextArgs(ctx GenericContext) (typeArgs, methodArgs []*TypeRef) {
	if ctx == nil {
		return nil, nil
	}
	return paramRefs(ctx.TypeGenericParams()), paramRefs(ctx.MethodGenericParams())
}

// ImportType makes t usable from this module. Generic parameters in t are
// mapped onto the parameters of ctx by position.
func (m *Module) ImportType(t *TypeRef, ctx GenericContext) *TypeRef {
	m.recordType(t)
	if ctx == nil {
		return t
	}
	ta, ma := contextArgs(ctx)
	return Substitute(t, ta, ma)
}

// ImportMethod makes r usable from this module.
func (m *Module) ImportMethod(r *MethodRef, ctx GenericContext) *MethodRef {
	c := *r
	c.DeclaringType = m.ImportType(r.DeclaringType, ctx)
	// Signature types stay open: they describe the callee's declaration.
	m.recordType(r.ReturnType)
	for _, p := range r.Params {
		m.recordType(p)
	}
	if len(r.GenericArgs) > 0 {
		c.GenericArgs = make([]*TypeRef, len(r.GenericArgs))
		for i, a := range r.GenericArgs {
			c.GenericArgs[i] = m.ImportType(a, ctx)
		}
	}
	return &c
}

// ImportField makes r usable from this module.
func (m *Module) ImportField(r *FieldRef, ctx GenericContext) *FieldRef {
	c := *r
	c.DeclaringType = m.ImportType(r.DeclaringType, ctx)
	m.recordType(r.FieldType)
	return &c
}

// Resolver finds types across the modules loaded in one weaving run.
type Resolver struct {
	mu      sync.RWMutex
	modules []*Module
	byName  map[string]*Module
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{byName: make(map[string]*Module)}
}

// Register adds m. A module with the same name replaces the earlier one.
func (r *Resolver) Register(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.resolver = r
	if old, ok := r.byName[m.Name]; ok {
		for i, mm := range r.modules {
			if mm == old {
				r.modules[i] = m
			}
		}
	} else {
		r.modules = append(r.modules, m)
	}
	r.byName[m.Name] = m
}

// Module returns the module called name, or nil.
func (r *Resolver) Module(name string) *Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Modules returns the registered modules in registration order.
func (r *Resolver) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Module(nil), r.modules...)
}

// FindType searches every module for fullName.
func (r *Resolver) FindType(fullName string) *TypeDef {
	for _, m := range r.Modules() {
		if t := m.Type(fullName); t != nil {
			return t
		}
	}
	return nil
}

// FindTypeIn searches one module, falling back to every module when the
// scope is unknown.
func (r *Resolver) FindTypeIn(scope, fullName string) *TypeDef {
	if m := r.Module(scope); m != nil {
		if t := m.Type(fullName); t != nil {
			return t
		}
	}
	return r.FindType(fullName)
}
