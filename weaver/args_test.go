package weaver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/interp"
	"github.com/chazu/boundary/pkg/meta"
)

func (fx *fixture) allowChanging() meta.NamedArgument {
	return meta.NamedArgument{
		Name:     corlib.PropAllowChangingArgs,
		Argument: meta.AttributeArgument{Type: fx.lib.Prim(meta.KindBoolean), Value: true},
	}
}

// bump declares static void Bump(ref int a) { a = a + 1; }.
func (fx *fixture) bump() *meta.MethodDef {
	m := fx.static("Bump", fx.void(), meta.MakeByRef(fx.i4()))
	m.Body.Emit(il.Ldarg, 0)
	m.Body.Emit(il.Ldarg, 0)
	m.Body.Emit(il.LdindI4, nil)
	m.Body.Emit(il.LdcI4, int32(1))
	m.Body.Emit(il.Add, nil)
	m.Body.Emit(il.StindI4, nil)
	m.Body.Emit(il.Ret, nil)
	return m
}

func int32Ref(x *int32) *interp.Ref {
	return &interp.Ref{
		Get: func() interp.Value { return *x },
		Set: func(v interp.Value) { *x = v.(int32) },
	}
}

func TestByRefArgument(t *testing.T) {
	t.Run("copied", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.bump()
		var seen interp.Value
		a := fx.aspect("Rewrite", map[string]hook{
			corlib.OnEntry: func(args *interp.Object) {
				items := prop(args, "Arguments").(*interp.Array).Items
				seen = interp.Unbox(items[0])
				items[0] = fx.boxed(10)
			},
		})
		fx.weave(t, m, applied(a))

		x := int32(1)
		_, err := fx.vm.Invoke(m, int32Ref(&x))
		require.NoError(t, err)
		assert.Equal(t, int32(1), seen)
		assert.Equal(t, int32(2), x)
	})

	t.Run("changed", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.bump()
		a := fx.aspect("Rewrite", map[string]hook{
			corlib.OnEntry: func(args *interp.Object) {
				prop(args, "Arguments").(*interp.Array).Items[0] = fx.boxed(10)
			},
		})
		fx.weave(t, m, applied(a, fx.allowChanging()))

		x := int32(1)
		_, err := fx.vm.Invoke(m, int32Ref(&x))
		require.NoError(t, err)
		assert.Equal(t, int32(11), x)
	})
}

func TestPointerArgumentKeepsNullSlot(t *testing.T) {
	fx := newFixture(t)
	m := fx.static("Mix", fx.i4(), fx.i4(), meta.MakePointer(fx.i4()), fx.i4())
	m.Body.Emit(il.Ldarg, 0)
	m.Body.Emit(il.Ldarg, 2)
	m.Body.Emit(il.Add, nil)
	m.Body.Emit(il.Ret, nil)

	var arguments []interp.Value
	a := fx.aspect("Log", map[string]hook{
		corlib.OnEntry: func(args *interp.Object) {
			arguments = prop(args, "Arguments").(*interp.Array).Items
		},
	})
	fx.weave(t, m, applied(a))

	v, err := fx.vm.Invoke(m, int32(1), nil, int32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(3), v)
	require.Len(t, arguments, 3)
	assert.Equal(t, int32(1), interp.Unbox(arguments[0]))
	assert.Nil(t, arguments[1])
	assert.Equal(t, int32(2), interp.Unbox(arguments[2]))
}

func TestValueTypeInstanceMethod(t *testing.T) {
	fx := newFixture(t)
	point := meta.NewTypeDef("Demo", "Point", meta.Public|meta.SealedType, fx.lib.Type(corlib.ValueType).Ref())
	point.IsValueType = true
	fx.mod.AddType(point)
	x := point.AddField(&meta.FieldDef{Name: "X", FieldType: fx.i4(), Attributes: meta.FieldPublic})
	m := point.AddMethod(meta.NewMethodDef("GetX", meta.PublicMethod|meta.HideBySig, fx.i4()))
	m.Body.Emit(il.Ldarg, 0)
	m.Body.Emit(il.Ldfld, x.Ref())
	m.Body.Emit(il.Ret, nil)

	var instance interp.Value
	a := fx.aspect("Inst", map[string]hook{
		corlib.OnEntry: func(args *interp.Object) { instance = prop(args, "Instance") },
	})
	fx.weave(t, m, applied(a))

	obj := &interp.Object{Class: point, Fields: map[string]interp.Value{"X": int32(7)}}
	self := &interp.Ref{
		Get: func() interp.Value { return obj },
		Set: func(v interp.Value) { obj = v.(*interp.Object) },
	}
	v, err := fx.vm.Invoke(m, self)
	require.NoError(t, err)
	assert.Equal(t, int32(7), v)

	boxed, ok := instance.(*interp.Boxed)
	require.True(t, ok, "Instance is %T", instance)
	assert.Equal(t, "Demo.Point", boxed.Type.FullName())
	assert.Same(t, obj, boxed.Value)
}

func TestCallbackTakesExecutionArgsSubclass(t *testing.T) {
	fx := newFixture(t)
	myArgs := fx.mod.AddType(meta.NewTypeDef("Demo", "MyArgs", meta.Public, fx.lib.ArgsType.Ref()))
	ctor := myArgs.AddMethod(meta.NewMethodDef(".ctor", meta.PublicMethod|meta.SpecialName|meta.RTSpecialName, fx.void()))
	ctor.Body.Emit(il.Ldarg, 0)
	ctor.Body.Emit(il.Call, fx.lib.ArgsType.Method(".ctor").Ref())
	ctor.Body.Emit(il.Ret, nil)

	aspect := fx.mod.AddType(meta.NewTypeDef("Demo", "Typed", meta.Public, fx.lib.AspectBase.Ref()))
	actor := aspect.AddMethod(meta.NewMethodDef(".ctor", meta.PublicMethod|meta.SpecialName|meta.RTSpecialName, fx.void()))
	actor.Body.Emit(il.Ldarg, 0)
	actor.Body.Emit(il.Call, fx.lib.AspectBase.Method(".ctor").Ref())
	actor.Body.Emit(il.Ret, nil)
	onEntry := aspect.AddMethod(meta.NewMethodDef(corlib.OnEntry, meta.PublicMethod|meta.Virtual|meta.HideBySig, fx.void()))
	onEntry.AddParam("args", myArgs.Ref())
	onEntry.Body.Emit(il.Ret, nil)

	var class *meta.TypeDef
	var arguments []interp.Value
	fx.vm.Register(onEntry.Key(), func(vm *interp.VM, args []interp.Value) (interp.Value, error) {
		o := args[1].(*interp.Object)
		class = o.Class
		arguments = prop(o, "Arguments").(*interp.Array).Items
		return nil, nil
	})

	caps, ok := NewCapabilityIndex().Of(aspect.Ref())
	require.True(t, ok)
	assert.True(t, caps.Has(OnEntry))
	assert.False(t, caps.Has(OnExit))

	m := fx.add()
	w := fx.weave(t, m, applied(aspect))
	assert.Equal(t, 1, w.WeaveCount())

	v, err := fx.vm.Invoke(m, int32(2), int32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
	require.NotNil(t, class)
	assert.Equal(t, "Demo.MyArgs", class.FullName())
	require.Len(t, arguments, 2)
	assert.Equal(t, int32(2), interp.Unbox(arguments[0]))
}
