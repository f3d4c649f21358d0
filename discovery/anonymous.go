package discovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/meta"
)

// Compiler naming schemes for lambdas, local functions and anonymous
// delegates. The first group is the enclosing method.
var anonymousNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^<(.+?)>b__\d+(_\d+)?$`),
	regexp.MustCompile(`^<(.+?)>g__[^|]+\|\d+_\d+$`),
	regexp.MustCompile(`^<(.+?)>m__\w+$`),
}

// IsAnonymousMethod reports a compiler named method such as <Run>b__0_1.
func IsAnonymousMethod(m *meta.MethodDef) bool {
	return strings.HasPrefix(m.Name, "<") && strings.Contains(m.Name, ">")
}

// IsDisplayClass reports a closure class generated for captured variables.
func IsDisplayClass(t *meta.TypeDef) bool {
	return strings.Contains(t.Name, "DisplayClass") || strings.HasPrefix(t.Name, "<>c")
}

// IsIteratorStep reports the MoveNext of an enumerator.
func IsIteratorStep(m *meta.MethodDef) bool {
	if m.Name != "MoveNext" || m.DeclaringType == nil {
		return false
	}
	for _, i := range m.DeclaringType.Interfaces {
		if i.FullName() == corlib.IEnumerator {
			return true
		}
	}
	return false
}

// ParentMethodName extracts the enclosing method name from an anonymous
// method name, or returns "" when name follows none of the known schemes.
func ParentMethodName(name string) string {
	if !strings.HasPrefix(name, "<") {
		return ""
	}
	for _, re := range anonymousNamePatterns {
		if m := re.FindStringSubmatch(name); m != nil {
			return m[1]
		}
	}
	return ""
}

// FindParentMethod looks for name on t and then on each enclosing type.
func FindParentMethod(t *meta.TypeDef, name string) *meta.MethodDef {
	if name == "" {
		return nil
	}
	for cur := t; cur != nil; cur = cur.DeclaringType {
		if m := cur.Method(name); m != nil {
			return m
		}
	}
	return nil
}

// ParentMethod returns the method an anonymous method was declared in.
func ParentMethod(anon *meta.MethodDef) *meta.MethodDef {
	if !IsAnonymousMethod(anon) {
		return nil
	}
	return FindParentMethod(anon.DeclaringType, ParentMethodName(anon.Name))
}

// InheritAttributes copies the aspect attributes of parent onto target.
// Aspect types target already carries are left alone. An attribute that
// cannot be cloned is logged and skipped. It returns the number copied.
func InheritAttributes(target, parent *meta.MethodDef, module *meta.Module) int {
	if parent == nil {
		return 0
	}
	have := make(map[string]bool, len(target.CustomAttributes))
	for _, a := range target.CustomAttributes {
		have[a.AttributeType().FullName()] = true
	}
	n := 0
	for _, a := range parent.CustomAttributes {
		name := a.AttributeType().FullName()
		if have[name] || !IsAspectAttribute(a) {
			continue
		}
		clone, err := cloneAttribute(a, module)
		if err != nil {
			log.Warningf("not inheriting %s onto %s: %s", name, target.FullName(), err)
			continue
		}
		target.CustomAttributes = append(target.CustomAttributes, clone)
		have[name] = true
		n++
	}
	return n
}

func cloneAttribute(a *meta.CustomAttribute, module *meta.Module) (*meta.CustomAttribute, error) {
	if a.Constructor.Resolve() == nil {
		return nil, fmt.Errorf("constructor %s does not resolve", a.Constructor.FullName())
	}
	for _, arg := range a.Args {
		if tr, ok := arg.Value.(*meta.TypeRef); ok && tr.Resolve() == nil {
			return nil, fmt.Errorf("type argument %s does not resolve", tr.FullName())
		}
	}
	c := a.Clone()
	c.Constructor = module.ImportMethod(a.Constructor, nil)
	return c, nil
}

// inheritIntoAnonymousMethods walks the compiler generated classes nested
// in t and gives each anonymous method the aspects of its parent.
func inheritIntoAnonymousMethods(t *meta.TypeDef, module *meta.Module) {
	for _, n := range t.NestedTypes {
		if n.IsCompilerGenerated() {
			for _, m := range n.Methods {
				InheritAttributes(m, ParentMethod(m), module)
			}
		}
		inheritIntoAnonymousMethods(n, module)
	}
}
