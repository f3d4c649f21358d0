package discovery

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/meta"
	"github.com/chazu/boundary/weaver"
)

// Level is where an aspect attribute was declared. Outer levels wrap inner
// ones when no explicit order is given.
type Level uint8

const (
	AssemblyLevel Level = iota
	TypeLevel
	MethodLevel
)

// IsAspectAttribute reports whether a's type derives from
// OnMethodBoundaryAspect.
func IsAspectAttribute(a *meta.CustomAttribute) bool {
	def := a.AttributeType().Resolve()
	if def == nil || def.FullName() == corlib.OnMethodBoundaryAspect {
		return false
	}
	return def.DerivesFrom(corlib.OnMethodBoundaryAspect)
}

// candidate is an aspect attribute found for one method with the
// declaration data ordering needs.
type candidate struct {
	info     *weaver.AspectInfo
	level    Level
	position int

	targets          int32
	hasTargets       bool
	namespaceFilter  string
	typeNameFilter   string
	methodNameFilter string
	skipProperties   bool
}

func newCandidate(a *meta.CustomAttribute) *candidate {
	c := &candidate{info: weaver.NewAspectInfo(a)}
	if arg, ok := a.Property(corlib.PropTargetMembers); ok {
		if n, ok := arg.Value.(int32); ok {
			c.targets, c.hasTargets = n, true
		}
	}
	c.namespaceFilter = stringProperty(a, corlib.PropNamespaceFilter)
	c.typeNameFilter = stringProperty(a, corlib.PropTypeNameFilter)
	c.methodNameFilter = stringProperty(a, corlib.PropMethodNameFilter)
	if arg, ok := a.Property(corlib.PropSkipProperties); ok {
		c.skipProperties, _ = arg.Value.(bool)
	}
	return c
}

func stringProperty(a *meta.CustomAttribute, name string) string {
	if arg, ok := a.Property(name); ok {
		s, _ := arg.Value.(string)
		return s
	}
	return ""
}

// visibilityBits maps method access to the matching MulticastAttributes bit.
var visibilityBits = map[meta.MethodAttributes]int32{
	meta.CompilerControlled: corlib.MulticastPrivate,
	meta.Private:            corlib.MulticastPrivate,
	meta.FamANDAssem:        corlib.MulticastInternalAndProtected,
	meta.Assembly:           corlib.MulticastInternal,
	meta.Family:             corlib.MulticastProtected,
	meta.FamORAssem:         corlib.MulticastInternalOrProtected,
	meta.PublicMethod:       corlib.MulticastPublic,
}

// appliesTo reports whether the aspect applies to members with access.
func (c *candidate) appliesTo(access meta.MethodAttributes) bool {
	if !c.hasTargets || c.targets&corlib.MulticastVisibilityMask == 0 {
		return true
	}
	return c.targets&visibilityBits[access] != 0
}

// levels holds the attribute lists a method's aspects are drawn from,
// outermost first.
type levels struct {
	assembly []*meta.CustomAttribute
	typ      []*meta.CustomAttribute
	method   []*meta.CustomAttribute
}

// collect merges the three levels into one candidate per aspect type. The
// most specific declaration of a type wins; the result keeps the order in
// which each type was first seen.
func (l levels) collect() []*candidate {
	var order []string
	byType := make(map[string]*candidate)
	add := func(attrs []*meta.CustomAttribute, level Level) {
		for i, a := range attrs {
			if !IsAspectAttribute(a) {
				continue
			}
			name := a.AttributeType().FullName()
			if _, seen := byType[name]; !seen {
				order = append(order, name)
			}
			c := newCandidate(a)
			c.level, c.position = level, i
			byType[name] = c
		}
	}
	add(l.assembly, AssemblyLevel)
	add(l.typ, TypeLevel)
	add(l.method, MethodLevel)

	out := make([]*candidate, len(order))
	for i, name := range order {
		out[i] = byType[name]
	}
	return out
}

// orderAspects sorts by explicit Order, then declaration level from the
// outside in, then declaration position.
func orderAspects(cs []*candidate) []*weaver.AspectInfo {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.info.Order != b.info.Order {
			return a.info.Order < b.info.Order
		}
		if a.level != b.level {
			return a.level < b.level
		}
		return a.position < b.position
	})
	out := make([]*weaver.AspectInfo, len(cs))
	for i, c := range cs {
		out[i] = c.info
	}
	return out
}

// filters caches compiled name filters across a module.
type filters map[string]*regexp.Regexp

func (f filters) match(pattern, s string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	re, ok := f[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid filter %q: %w", pattern, err)
		}
		f[pattern] = re
	}
	return re.MatchString(s), nil
}

// selects reports whether c's name filters accept method m of type t.
func (f filters) selects(c *candidate, t *meta.TypeDef, m *meta.MethodDef) (bool, error) {
	for _, check := range []struct{ pattern, value string }{
		{c.namespaceFilter, t.Namespace},
		{c.typeNameFilter, t.Name},
		{c.methodNameFilter, m.Name},
	} {
		ok, err := f.match(check.pattern, check.value)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
