// Package discovery walks a module, collects the aspects that apply to
// each method and hands them to the weaver.
//
// Aspects are gathered from three levels: the assembly, the declaring type
// (nested types also see the aspects of every enclosing type) and the
// method. For property accessors the property's attributes take the place
// of the method's. When one aspect type is declared on several levels the
// innermost declaration wins.
package discovery

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/meta"
	"github.com/chazu/boundary/weaver"
)

var log = commonlog.GetLogger("boundary.discovery")

// Options configure a module pass.
type Options struct {
	Weaver weaver.Options

	// TypeFilters, MethodFilters and PropertyFilters restrict weaving to
	// the listed full names ("Ns.Type" for types, "Ns.Type.Method" for
	// methods and accessors). Empty lists do not filter.
	TypeFilters     []string
	MethodFilters   []string
	PropertyFilters []string
}

// Report summarises a module pass.
type Report struct {
	Types      int
	Methods    int
	Properties int

	// Unsupported lists methods whose early return was replaced by a
	// NotSupportedException.
	Unsupported []string
}

// Woven reports whether the pass changed the module.
func (r Report) Woven() bool { return r.Methods+r.Properties > 0 }

// ModuleWeaver weaves every method of a module that has aspects applied.
type ModuleWeaver struct {
	opts Options
}

// New creates a module weaver.
func New(opts Options) *ModuleWeaver {
	return &ModuleWeaver{opts: opts}
}

// pass is the state of one Weave call.
type pass struct {
	*ModuleWeaver
	module  *meta.Module
	session *weaver.Session
	filters filters
	skip    map[*meta.MethodDef]bool
	report  Report
}

// Weave weaves module in place. The first error aborts the pass; the
// module must then be discarded. After a pass that changed anything the
// module gets a fresh Mvid.
func (w *ModuleWeaver) Weave(module *meta.Module) (Report, error) {
	p := &pass{
		ModuleWeaver: w,
		module:       module,
		session:      weaver.NewSession(w.opts.Weaver),
		filters:      make(filters),
		skip:         make(map[*meta.MethodDef]bool),
	}
	// Helper types added while weaving are not visited.
	for _, t := range slices.Clone(module.Types) {
		if err := p.weaveTypeAndNested(t, module.AssemblyAttributes); err != nil {
			return Report{}, err
		}
	}
	p.report.Unsupported = p.session.Stats().Unsupported
	if p.report.Woven() {
		module.Mvid = uuid.New()
	}
	log.Infof("%s: wove %d methods and %d properties in %d types",
		module.Name, p.report.Methods, p.report.Properties, p.report.Types)
	return p.report, nil
}

// weaveTypeAndNested weaves t with the aspects of its enclosing scopes in
// outer, then recurses into nested types with t's own aspects appended.
func (p *pass) weaveTypeAndNested(t *meta.TypeDef, outer []*meta.CustomAttribute) error {
	inheritIntoAnonymousMethods(t, p.module)
	if err := p.weaveType(t, outer); err != nil {
		return err
	}
	if len(t.NestedTypes) == 0 {
		return nil
	}
	inner := append(slices.Clone(outer), t.CustomAttributes...)
	for _, n := range slices.Clone(t.NestedTypes) {
		if err := p.weaveTypeAndNested(n, inner); err != nil {
			return err
		}
	}
	return nil
}

func (p *pass) weaveType(t *meta.TypeDef, outer []*meta.CustomAttribute) error {
	accessors := make(map[*meta.MethodDef]*meta.PropertyDef)
	for _, prop := range t.Properties {
		if prop.Getter != nil {
			accessors[prop.Getter] = prop
		}
		if prop.Setter != nil {
			accessors[prop.Setter] = prop
		}
	}

	wove := false
	for _, m := range slices.Clone(t.Methods) {
		p.skipStateMachineSteps(m)
		if p.skip[m] || !p.weavable(m) {
			continue
		}

		own := m.CustomAttributes
		accessor := m.IsGetter() || m.IsSetter()
		if prop, ok := accessors[m]; ok && accessor {
			own = prop.CustomAttributes
		}
		aspects, err := p.aspectsFor(t, m, levels{assembly: outer, typ: t.CustomAttributes, method: own})
		if err != nil {
			return fmt.Errorf("%s: %w", m.FullName(), err)
		}
		if len(aspects) == 0 {
			continue
		}

		w, err := p.session.MakeWeaver(p.module, m, aspects)
		if err != nil {
			return err
		}
		if err := w.Weave(); err != nil {
			return err
		}
		if w.WeaveCount() == 0 {
			continue
		}
		log.Debugf("wove %s with %d aspects", m.FullName(), len(aspects))
		wove = true
		if accessor {
			p.report.Properties++
		} else {
			p.report.Methods++
		}
	}
	if wove {
		p.report.Types++
	}
	return nil
}

// skipStateMachineSteps handles state machine stubs. An iterator's
// aspects move to its MoveNext, which is woven like any other method,
// and the stub is skipped. An async method is woven through its stub, so
// its MoveNext is skipped.
func (p *pass) skipStateMachineSteps(m *meta.MethodDef) {
	if meta.FindAttribute(m.CustomAttributes, meta.IteratorStateMachineAttribute) != nil {
		cls, err := weaver.Classify(m)
		if err == nil && cls.MoveNext != nil {
			InheritAttributes(cls.MoveNext, m, p.module)
			p.skip[m] = true
		}
		return
	}
	cls, err := weaver.Classify(m)
	if err == nil && cls.Kind == weaver.AsyncMethod {
		p.skip[cls.MoveNext] = true
	}
}

// aspectsFor returns the ordered aspects that apply to m.
func (p *pass) aspectsFor(t *meta.TypeDef, m *meta.MethodDef, l levels) ([]*weaver.AspectInfo, error) {
	var kept []*candidate
	accessor := m.IsGetter() || m.IsSetter()
	for _, c := range l.collect() {
		if !c.appliesTo(m.Access()) {
			continue
		}
		ok, err := p.filters.selects(c, t, m)
		if err != nil {
			return nil, fmt.Errorf("aspect %s: %w", c.info, err)
		}
		if !ok {
			continue
		}
		// An aspect never weaves its own methods.
		if c.info.Type().FullName() == t.FullName() {
			continue
		}
		if c.skipProperties && accessor {
			continue
		}
		kept = append(kept, c)
	}
	return orderAspects(kept), nil
}

// weavable reports whether m may be woven at all, independent of aspects.
func (p *pass) weavable(m *meta.MethodDef) bool {
	switch {
	case disabled(m), p.userFiltered(m):
		return false
	case !m.HasBody(), m.IsAbstract(), m.IsConstructor(), m.Attributes&meta.PInvokeImpl != 0:
		return false
	case m.HasAttribute(corlib.WovenAttribute), strings.HasPrefix(m.Name, weaver.ExecutorPrefix):
		return false
	}
	// Of the compiler's helpers only iterator steps and user written
	// lambdas and local functions are woven.
	if m.DeclaringType.IsCompilerGenerated() {
		return IsIteratorStep(m) || IsAnonymousMethod(m)
	}
	return true
}

// disabled reports a DisableWeaving attribute on m, an enclosing type, the
// module or the assembly.
func disabled(m *meta.MethodDef) bool {
	if m.HasAttribute(corlib.DisableWeavingAttribute) {
		return true
	}
	for t := m.DeclaringType; t != nil; t = t.DeclaringType {
		if t.HasAttribute(corlib.DisableWeavingAttribute) {
			return true
		}
	}
	mod := m.DeclaringType.Module
	if mod == nil {
		return false
	}
	return meta.FindAttribute(mod.CustomAttributes, corlib.DisableWeavingAttribute) != nil ||
		meta.FindAttribute(mod.AssemblyAttributes, corlib.DisableWeavingAttribute) != nil
}

func (p *pass) userFiltered(m *meta.MethodDef) bool {
	typeName := m.DeclaringType.FullName()
	memberName := typeName + "." + m.Name
	if len(p.opts.TypeFilters) > 0 && !slices.Contains(p.opts.TypeFilters, typeName) {
		return true
	}
	if len(p.opts.MethodFilters) > 0 && !slices.Contains(p.opts.MethodFilters, memberName) {
		return true
	}
	if len(p.opts.PropertyFilters) > 0 && !slices.Contains(p.opts.PropertyFilters, memberName) {
		return true
	}
	return false
}
