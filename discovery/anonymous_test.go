package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/meta"
)

func TestParentMethodName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"<Run>b__1_0", "Run"},
		{"<Run>b__0", "Run"},
		{"<Load>g__Fetch|0_0", "Load"},
		{"<Main>m__0", "Main"},
		{"<Run>d__3", ""},
		{"Run", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParentMethodName(tt.name), tt.name)
	}
}

func (fx *fixture) displayClass(outer *meta.TypeDef, name string) *meta.TypeDef {
	dc := outer.AddNestedType(meta.NewTypeDef("", name, meta.NestedPrivate, fx.lib.ObjectType.Ref()))
	dc.CustomAttributes = append(dc.CustomAttributes, use(fx.lib.Type(meta.CompilerGeneratedAttribute)))
	return dc
}

func TestLambdaInheritsParentAspects(t *testing.T) {
	fx := newFixture(t)
	log := fx.aspect("Log")
	run := fx.method(fx.cls, "Run", meta.PublicMethod)
	run.CustomAttributes = append(run.CustomAttributes, use(log))

	dc := fx.displayClass(fx.cls, "<>c__DisplayClass0_0")
	lambda := fx.method(dc, "<Run>b__0", meta.Assembly)
	helper := fx.method(dc, "Capture", meta.Assembly)
	assert.True(t, IsDisplayClass(dc))

	report, err := New(Options{}).Weave(fx.mod)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Methods)
	assert.NotNil(t, meta.FindAttribute(lambda.CustomAttributes, log.FullName()))
	assert.True(t, lambda.HasAttribute(corlib.WovenAttribute))
	assert.False(t, helper.HasAttribute(corlib.WovenAttribute))
}

func TestLocalFunctionInNestedClassFindsOuterParent(t *testing.T) {
	fx := newFixture(t)
	log := fx.aspect("Log")
	load := fx.method(fx.cls, "Load", meta.PublicMethod)
	load.CustomAttributes = append(load.CustomAttributes, use(log))

	inner := fx.displayClass(fx.cls, "<>c")
	local := fx.method(inner, "<Load>g__Fetch|0_0", meta.Assembly)

	assert.Same(t, load, ParentMethod(local))
	assert.Equal(t, 1, InheritAttributes(local, load, fx.mod))
	assert.Equal(t, 0, InheritAttributes(local, load, fx.mod), "already inherited")
}

func TestInheritSkipsUnclonableAttributes(t *testing.T) {
	fx := newFixture(t)
	log := fx.aspect("Log")
	parent := fx.method(fx.cls, "Run", meta.PublicMethod)
	parent.CustomAttributes = append(parent.CustomAttributes, use(log))
	anon := fx.method(fx.cls, "<Run>b__0", meta.Private)

	// An unbound constructor reference does not resolve.
	parent.CustomAttributes[0] = meta.NewCustomAttribute(meta.NewMethodRef(log.Ref(), ".ctor", fx.void(), true))

	assert.Equal(t, 0, InheritAttributes(anon, parent, fx.mod))
	assert.Empty(t, anon.CustomAttributes)
}
