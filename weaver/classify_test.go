package weaver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

func TestCapabilities(t *testing.T) {
	fx := newFixture(t)
	entry := fx.aspect("Entry", map[string]hook{corlib.OnEntry: nil})

	derived := fx.mod.AddType(meta.NewTypeDef("Demo", "Derived", meta.Public, entry.Ref()))
	m := derived.AddMethod(meta.NewMethodDef(corlib.OnException, meta.PublicMethod|meta.Virtual|meta.HideBySig, fx.void()))
	m.AddParam("args", fx.lib.ArgsType.Ref())
	m.Body.Emit(il.Ret, nil)

	// Wrong parameter type: not a callback.
	odd := fx.aspect("Odd", nil)
	bad := odd.AddMethod(meta.NewMethodDef(corlib.OnExit, meta.PublicMethod|meta.Virtual, fx.void()))
	bad.AddParam("value", fx.i4())
	bad.Body.Emit(il.Ret, nil)

	plainAttr := fx.mod.AddType(meta.NewTypeDef("Demo", "Marker", meta.Public, fx.lib.AttributeType.Ref()))

	idx := NewCapabilityIndex()
	tests := []struct {
		typ      *meta.TypeDef
		caps     Capabilities
		isAspect bool
	}{
		{entry, OnEntry, true},
		{derived, OnEntry | OnException, true},
		{odd, None, true},
		{fx.lib.AspectBase, None, true},
		{plainAttr, None, false},
	}
	for _, tt := range tests {
		t.Run(tt.typ.Name, func(t *testing.T) {
			caps, ok := idx.Of(tt.typ.Ref())
			assert.Equal(t, tt.isAspect, ok)
			assert.Equal(t, tt.caps, caps)
		})
	}
	assert.Equal(t, "OnEntry|OnException", (OnEntry | OnException).String())
	assert.Equal(t, "None", None.String())
}

func TestClassifyStateMachines(t *testing.T) {
	fx := newFixture(t)
	am := fx.asyncAddOne()

	cls, err := Classify(am.stub)
	require.NoError(t, err)
	assert.Equal(t, AsyncMethod, cls.Kind)
	assert.Same(t, am.sm, cls.StateMachine)
	assert.Same(t, am.moveNext, cls.MoveNext)
	assert.True(t, IsStateMachineStep(am.moveNext))
	assert.False(t, IsStateMachineStep(am.stub))

	cls, err = Classify(fx.add())
	require.NoError(t, err)
	assert.Equal(t, PlainMethod, cls.Kind)

	broken := fx.static("Broken", fx.void())
	asm := fx.lib.Type(meta.AsyncStateMachineAttribute).Constructors()[0]
	broken.CustomAttributes = append(broken.CustomAttributes, meta.NewCustomAttribute(asm.Ref(),
		meta.AttributeArgument{Type: fx.lib.TypeType.Ref(), Value: meta.Named("Gone", "Gone", "Missing", false)}))
	_, err = Classify(broken)
	assert.ErrorIs(t, err, ErrNotAStateMachine)
}

// uniTaskMethod declares a UniTask-returning stub and its attribute-less
// state machine.
func (fx *fixture) uniTaskMethod(name string) (*meta.MethodDef, *meta.TypeDef) {
	uniTask := meta.Named("UniTask", uniTaskNamespace, "UniTask", true)
	builder := meta.Named("UniTask", uniTaskNamespace+".CompilerServices", "AsyncUniTaskMethodBuilder", true)

	sm := fx.cls.AddNestedType(meta.NewTypeDef("", "<"+name+">d__3", meta.NestedPrivate, fx.lib.ObjectType.Ref()))
	cg := fx.lib.Type(meta.CompilerGeneratedAttribute).Constructors()[0]
	sm.CustomAttributes = append(sm.CustomAttributes, meta.NewCustomAttribute(cg.Ref()))
	sm.AddField(&meta.FieldDef{Name: "<>t__builder", FieldType: builder, Attributes: meta.FieldPublic})
	ctor := sm.AddMethod(meta.NewMethodDef(".ctor", meta.PublicMethod|meta.SpecialName|meta.RTSpecialName, fx.void()))
	ctor.Body.Emit(il.Ret, nil)
	mn := sm.AddMethod(meta.NewMethodDef("MoveNext", meta.PublicMethod|meta.Virtual, fx.void()))
	mn.Body.Emit(il.Ret, nil)

	stub := fx.static(name, uniTask)
	v := stub.Body.AddVariable(sm.Ref())
	stub.Body.Emit(il.Newobj, ctor.Ref())
	stub.Body.Emit(il.Stloc, v)
	stub.Body.Emit(il.Ldnull, nil)
	stub.Body.Emit(il.Ret, nil)
	return stub, sm
}

func TestClassifyUniTask(t *testing.T) {
	fx := newFixture(t)
	stub, sm := fx.uniTaskMethod("LoadAsync")

	cls, err := Classify(stub)
	require.NoError(t, err)
	assert.Equal(t, AsyncMethod, cls.Kind)
	assert.Same(t, sm, cls.StateMachine)
	assert.True(t, IsStateMachineStep(sm.Method("MoveNext")))

	// A wrapper forwarding to another UniTask method of the same type.
	wrapper := fx.static("Load", stub.ReturnType)
	wrapper.Body.Emit(il.Call, stub.Ref())
	wrapper.Body.Emit(il.Ret, nil)
	wrapper.Body.Emit(il.Nop, nil)
	cls, err = Classify(wrapper)
	require.NoError(t, err)
	assert.Equal(t, PlainMethod, cls.Kind)

	// The right shape without constructing the state machine.
	lazy, _ := fx.uniTaskMethod("Lazy")
	lazy.Body.Variables = nil
	cls, err = Classify(lazy)
	require.NoError(t, err)
	assert.Equal(t, PlainMethod, cls.Kind)
}
