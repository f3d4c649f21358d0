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

type hook func(args *interp.Object)

type fixture struct {
	lib     *corlib.Library
	mod     *meta.Module
	vm      *interp.VM
	cls     *meta.TypeDef
	session *Session
	events  []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r := meta.NewResolver()
	lib := corlib.Build(r)
	mod := meta.NewModule("Test", r)
	mod.References = []string{corlib.SystemModule, corlib.AspectModule}
	cls := mod.AddType(meta.NewTypeDef("Demo", "Calc", meta.Public, lib.ObjectType.Ref()))
	ctor := cls.AddMethod(meta.NewMethodDef(".ctor", meta.PublicMethod|meta.SpecialName|meta.RTSpecialName, lib.Prim(meta.KindVoid)))
	ctor.Body.Emit(il.Ldarg, 0)
	ctor.Body.Emit(il.Call, lib.ObjectType.Method(".ctor").Ref())
	ctor.Body.Emit(il.Ret, nil)
	return &fixture{
		lib:     lib,
		mod:     mod,
		vm:      interp.New(lib),
		cls:     cls,
		session: NewSession(Options{Verify: true}),
	}
}

func (fx *fixture) i4() *meta.TypeRef   { return fx.lib.Prim(meta.KindInt32) }
func (fx *fixture) void() *meta.TypeRef { return fx.lib.Prim(meta.KindVoid) }

func (fx *fixture) static(name string, ret *meta.TypeRef, params ...*meta.TypeRef) *meta.MethodDef {
	m := fx.cls.AddMethod(meta.NewMethodDef(name, meta.PublicMethod|meta.Static, ret))
	for i, p := range params {
		m.AddParam(string(rune('a'+i)), p)
	}
	return m
}

// add declares static int Add(int a, int b) { Touch(); return a + b; }.
func (fx *fixture) add() *meta.MethodDef {
	touch := fx.static("Touch", fx.void())
	touch.Body.Emit(il.Ret, nil)
	fx.vm.Register(touch.Key(), func(vm *interp.VM, args []interp.Value) (interp.Value, error) {
		fx.events = append(fx.events, "body")
		return nil, nil
	})

	m := fx.static("Add", fx.i4(), fx.i4(), fx.i4())
	m.Body.Emit(il.Call, touch.Ref())
	m.Body.Emit(il.Ldarg, 0)
	m.Body.Emit(il.Ldarg, 1)
	m.Body.Emit(il.Add, nil)
	m.Body.Emit(il.Ret, nil)
	return m
}

// fail declares static int Fail() { throw new InvalidOperationException("boom"); }.
func (fx *fixture) fail() *meta.MethodDef {
	m := fx.static("Fail", fx.i4())
	m.Body.Emit(il.Ldstr, "boom")
	m.Body.Emit(il.Newobj, fx.lib.Type(corlib.InvalidOperationException).Constructors()[1].Ref())
	m.Body.Emit(il.Throw, nil)
	return m
}

// aspect declares an aspect type overriding the callbacks named in hooks.
// Each override records "Name.Callback" and then runs its hook.
func (fx *fixture) aspect(name string, hooks map[string]hook) *meta.TypeDef {
	t := fx.mod.AddType(meta.NewTypeDef("Demo", name, meta.Public, fx.lib.AspectBase.Ref()))
	ctor := t.AddMethod(meta.NewMethodDef(".ctor", meta.PublicMethod|meta.SpecialName|meta.RTSpecialName, fx.void()))
	ctor.Body.Emit(il.Ldarg, 0)
	ctor.Body.Emit(il.Call, fx.lib.AspectBase.Method(".ctor").Ref())
	ctor.Body.Emit(il.Ret, nil)

	for _, cb := range []string{corlib.OnEntry, corlib.OnExit, corlib.OnException} {
		h, ok := hooks[cb]
		if !ok {
			continue
		}
		m := t.AddMethod(meta.NewMethodDef(cb, meta.PublicMethod|meta.Virtual|meta.HideBySig, fx.void()))
		m.AddParam("args", fx.lib.ArgsType.Ref())
		m.Body.Emit(il.Ret, nil)
		event := name + "." + cb
		fx.vm.Register(m.Key(), func(vm *interp.VM, args []interp.Value) (interp.Value, error) {
			fx.events = append(fx.events, event)
			if h != nil {
				h(args[1].(*interp.Object))
			}
			return nil, nil
		})
	}
	return t
}

func applied(t *meta.TypeDef, props ...meta.NamedArgument) *AspectInfo {
	attr := meta.NewCustomAttribute(t.Constructors()[0].Ref())
	attr.Properties = props
	return NewAspectInfo(attr)
}

func (fx *fixture) weave(t *testing.T, m *meta.MethodDef, aspects ...*AspectInfo) Weaver {
	t.Helper()
	w, err := fx.session.MakeWeaver(fx.mod, m, aspects)
	require.NoError(t, err)
	require.NoError(t, w.Weave())
	return w
}

func (fx *fixture) boxed(n int32) *interp.Boxed {
	return &interp.Boxed{Type: fx.i4(), Value: n}
}

func prop(o *interp.Object, name string) interp.Value {
	return o.Fields["<"+name+">k__BackingField"]
}

func setProp(o *interp.Object, name string, v interp.Value) {
	o.Fields["<"+name+">k__BackingField"] = v
}

func TestAspectWithoutCallbacksLeavesMethodAlone(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	a := fx.aspect("Quiet", nil)

	w := fx.weave(t, m, applied(a))
	assert.Equal(t, 0, w.WeaveCount())
	assert.Nil(t, fx.cls.Method(ExecutorPrefix+"Add"))
	assert.False(t, m.HasAttribute(corlib.WovenAttribute))
}

func TestCallbacksSeeArgumentsAndResult(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	var (
		arguments []interp.Value
		method    string
		result    interp.Value
	)
	a := fx.aspect("Log", map[string]hook{
		corlib.OnEntry: func(args *interp.Object) {
			arguments = prop(args, "Arguments").(*interp.Array).Items
			method = prop(args, "Method").(*interp.Object).Native.(*meta.MethodRef).Name
		},
		corlib.OnExit: func(args *interp.Object) {
			result = prop(args, "ReturnValue")
		},
	})

	w := fx.weave(t, m, applied(a))
	assert.Equal(t, 1, w.WeaveCount())
	require.NotNil(t, fx.cls.Method(ExecutorPrefix+"Add"))

	v, err := fx.vm.Invoke(m, int32(2), int32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
	assert.Equal(t, []string{"Log.OnEntry", "body", "Log.OnExit"}, fx.events)

	require.Len(t, arguments, 2)
	assert.Equal(t, int32(2), interp.Unbox(arguments[0]))
	assert.Equal(t, int32(3), interp.Unbox(arguments[1]))
	assert.Equal(t, "Add", method)
	assert.Equal(t, int32(5), interp.Unbox(result))

	assert.True(t, m.HasAttribute(corlib.WovenAttribute))
	assert.True(t, m.HasAttribute(meta.DebuggerStepThroughAttribute))
	assert.Equal(t, 1, fx.session.Stats().WovenMethods)
}

func TestOnExitReplacesReturnValue(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	a := fx.aspect("Override", map[string]hook{
		corlib.OnExit: func(args *interp.Object) { setProp(args, "ReturnValue", fx.boxed(100)) },
	})
	fx.weave(t, m, applied(a))

	v, err := fx.vm.Invoke(m, int32(2), int32(3))
	require.NoError(t, err)
	assert.Equal(t, int32(100), v)
}

func TestAspectsNest(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	var infos []*AspectInfo
	for _, name := range []string{"A", "B", "C"} {
		infos = append(infos, applied(fx.aspect(name, map[string]hook{corlib.OnEntry: nil, corlib.OnExit: nil})))
	}
	fx.weave(t, m, infos...)

	_, err := fx.vm.Invoke(m, int32(1), int32(1))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"A.OnEntry", "B.OnEntry", "C.OnEntry",
		"body",
		"C.OnExit", "B.OnExit", "A.OnExit",
	}, fx.events)
}

func TestEachAspectKeepsItsOwnTag(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	seen := map[string]interp.Value{}
	tagging := func(name string) *AspectInfo {
		return applied(fx.aspect(name, map[string]hook{
			corlib.OnEntry: func(args *interp.Object) { setProp(args, "MethodExecutionTag", "tag-"+name) },
			corlib.OnExit:  func(args *interp.Object) { seen[name] = prop(args, "MethodExecutionTag") },
		}))
	}
	fx.weave(t, m, tagging("A"), tagging("B"))

	_, err := fx.vm.Invoke(m, int32(1), int32(1))
	require.NoError(t, err)
	assert.Equal(t, "tag-A", seen["A"])
	assert.Equal(t, "tag-B", seen["B"])
}

func TestOnEntryReturnSkipsBody(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	plain := map[string]hook{corlib.OnEntry: nil, corlib.OnExit: nil}
	a := fx.aspect("A", plain)
	b := fx.aspect("B", map[string]hook{
		corlib.OnEntry: func(args *interp.Object) {
			setProp(args, "FlowBehavior", corlib.FlowReturn)
			setProp(args, "ReturnValue", fx.boxed(99))
		},
		corlib.OnExit: nil,
	})
	c := fx.aspect("C", plain)
	fx.weave(t, m, applied(a), applied(b), applied(c))

	v, err := fx.vm.Invoke(m, int32(1), int32(1))
	require.NoError(t, err)
	assert.Equal(t, int32(99), v)
	assert.Equal(t, []string{"A.OnEntry", "B.OnEntry", "B.OnExit", "A.OnExit"}, fx.events)
}

func TestOnExceptionRunsInReverseAndRethrows(t *testing.T) {
	fx := newFixture(t)
	m := fx.fail()
	var seen []interp.Value
	watch := func(name string) *AspectInfo {
		return applied(fx.aspect(name, map[string]hook{
			corlib.OnException: func(args *interp.Object) { seen = append(seen, prop(args, "Exception")) },
			corlib.OnExit:      nil,
		}))
	}
	fx.weave(t, m, watch("A"), watch("B"))

	_, err := fx.vm.Invoke(m)
	var thrown *interp.Thrown
	require.ErrorAs(t, err, &thrown)
	assert.Equal(t, "boom", interp.Message(thrown.Exception))
	assert.Equal(t, []string{"B.OnException", "A.OnException"}, fx.events)
	require.Len(t, seen, 2)
	assert.Same(t, thrown.Exception, seen[0])
	assert.Same(t, thrown.Exception, seen[1])
}

func TestOnExceptionContinueReturnsValue(t *testing.T) {
	fx := newFixture(t)
	m := fx.fail()
	a := fx.aspect("Swallow", map[string]hook{
		corlib.OnException: func(args *interp.Object) {
			setProp(args, "FlowBehavior", corlib.FlowContinue)
			setProp(args, "ReturnValue", fx.boxed(5))
		},
		corlib.OnExit: nil,
	})
	fx.weave(t, m, applied(a))

	v, err := fx.vm.Invoke(m)
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
	assert.Equal(t, []string{"Swallow.OnException", "Swallow.OnExit"}, fx.events)
}

func TestInstanceMethod(t *testing.T) {
	fx := newFixture(t)
	m := fx.cls.AddMethod(meta.NewMethodDef("Twice", meta.PublicMethod|meta.HideBySig, fx.i4()))
	m.AddParam("x", fx.i4())
	m.Body.Emit(il.Ldarg, 1)
	m.Body.Emit(il.LdcI4, int32(2))
	m.Body.Emit(il.Mul, nil)
	m.Body.Emit(il.Ret, nil)

	var instance interp.Value
	a := fx.aspect("Inst", map[string]hook{
		corlib.OnEntry: func(args *interp.Object) { instance = prop(args, "Instance") },
	})
	fx.weave(t, m, applied(a))

	obj, err := fx.vm.NewObject(fx.cls)
	require.NoError(t, err)
	v, err := fx.vm.Invoke(m, obj, int32(21))
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	assert.Same(t, obj, instance)
}

func TestChangedArgumentsReachBody(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	a := fx.aspect("Rewrite", map[string]hook{
		corlib.OnEntry: func(args *interp.Object) {
			prop(args, "Arguments").(*interp.Array).Items[0] = fx.boxed(10)
		},
	})
	allow := meta.NamedArgument{
		Name:     corlib.PropAllowChangingArgs,
		Argument: meta.AttributeArgument{Type: fx.lib.Prim(meta.KindBoolean), Value: true},
	}
	fx.weave(t, m, applied(a, allow))

	v, err := fx.vm.Invoke(m, int32(1), int32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(12), v)
}

func TestArgumentsAreCopiedWithoutOptIn(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	a := fx.aspect("Rewrite", map[string]hook{
		corlib.OnEntry: func(args *interp.Object) {
			prop(args, "Arguments").(*interp.Array).Items[0] = fx.boxed(10)
		},
	})
	fx.weave(t, m, applied(a))

	v, err := fx.vm.Invoke(m, int32(1), int32(2))
	require.NoError(t, err)
	assert.Equal(t, int32(3), v)
}

func TestWeavingTwiceIsNoop(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	info := applied(fx.aspect("Log", map[string]hook{corlib.OnEntry: nil}))
	fx.weave(t, m, info)

	second := NewSession(Options{Verify: true})
	w, err := second.MakeWeaver(fx.mod, m, []*AspectInfo{info})
	require.NoError(t, err)
	require.NoError(t, w.Weave())
	assert.Equal(t, 0, w.WeaveCount())
	assert.Len(t, fx.cls.MethodsNamed(ExecutorPrefix+"Add"), 1)

	other := fx.static("Other", fx.void())
	other.Body.Emit(il.Ret, nil)
	w, err = second.MakeWeaver(fx.mod, other, []*AspectInfo{info})
	require.NoError(t, err)
	require.NoError(t, w.Weave())
	assert.Equal(t, 1, w.WeaveCount())

	helpers := 0
	for _, typ := range fx.mod.Types {
		if typ.FullName() == safeCastTypeName {
			helpers++
		}
	}
	assert.Equal(t, 1, helpers)
}

func TestRuntimeMethodLookup(t *testing.T) {
	fx := newFixture(t)
	fx.session = NewSession(Options{Verify: true, DisableCompileTimeMethodInfos: true})
	m := fx.add()
	var method string
	a := fx.aspect("Log", map[string]hook{
		corlib.OnEntry: func(args *interp.Object) {
			method = prop(args, "Method").(*interp.Object).Native.(*meta.MethodRef).Name
		},
	})
	fx.weave(t, m, applied(a))

	_, err := fx.vm.Invoke(m, int32(1), int32(1))
	require.NoError(t, err)
	assert.Equal(t, "Add", method)
	assert.Nil(t, fx.mod.Type(methodInfosTypeName))
}

func TestUnmatchedConstructorIsConfigError(t *testing.T) {
	fx := newFixture(t)
	m := fx.add()
	a := fx.aspect("Log", map[string]hook{corlib.OnEntry: nil})
	attr := meta.NewCustomAttribute(a.Constructors()[0].Ref(),
		meta.AttributeArgument{Type: fx.i4(), Value: int32(5)})

	w, err := fx.session.MakeWeaver(fx.mod, m, []*AspectInfo{NewAspectInfo(attr)})
	require.NoError(t, err)
	err = w.Weave()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Demo.Log", ce.Aspect)
	assert.ErrorIs(t, err, ErrNoMatchingConstructor)
	assert.Equal(t, 0, w.WeaveCount())
}

func TestByRefEarlyReturn(t *testing.T) {
	byRefMethod := func(fx *fixture) *meta.MethodDef {
		ref := meta.MakeByRef(fx.i4())
		m := fx.static("Pick", ref, ref)
		m.Body.Emit(il.Ldarg, 0)
		m.Body.Emit(il.Ret, nil)
		return m
	}

	t.Run("strict", func(t *testing.T) {
		fx := newFixture(t)
		fx.session = NewSession(Options{StrictEarlyReturn: true})
		m := byRefMethod(fx)
		a := fx.aspect("Log", map[string]hook{corlib.OnEntry: nil})
		w, err := fx.session.MakeWeaver(fx.mod, m, []*AspectInfo{applied(a)})
		require.NoError(t, err)
		assert.ErrorIs(t, w.Weave(), ErrByRefEarlyReturn)
	})

	t.Run("lenient", func(t *testing.T) {
		fx := newFixture(t)
		fx.session = NewSession(Options{})
		m := byRefMethod(fx)
		a := fx.aspect("Log", map[string]hook{corlib.OnEntry: nil})
		fx.weave(t, m, applied(a))
		assert.Equal(t, []string{m.FullName()}, fx.session.Stats().Unsupported)
	})
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "OnEntryEmitted", PhaseOnEntryEmitted.String())
	assert.Equal(t, "Phase(42)", Phase(42).String())
}

func TestIteratorWeavesStepMethod(t *testing.T) {
	fx := newFixture(t)
	sm := fx.cls.AddNestedType(meta.NewTypeDef("", "<Numbers>d__1", meta.NestedPrivate, fx.lib.ObjectType.Ref()))
	sm.Interfaces = append(sm.Interfaces, fx.lib.Type(corlib.IEnumerator).Ref())
	ctor := sm.AddMethod(meta.NewMethodDef(".ctor", meta.PublicMethod|meta.SpecialName|meta.RTSpecialName, fx.void()))
	ctor.Body.Emit(il.Ldarg, 0)
	ctor.Body.Emit(il.Call, fx.lib.ObjectType.Method(".ctor").Ref())
	ctor.Body.Emit(il.Ret, nil)
	step := sm.AddMethod(meta.NewMethodDef("MoveNext", meta.PublicMethod|meta.Virtual|meta.HideBySig, fx.lib.Prim(meta.KindBoolean)))
	step.Body.Emit(il.LdcI4, int32(0))
	step.Body.Emit(il.Ret, nil)

	stub := fx.static("Numbers", fx.lib.Type(corlib.IEnumerator).Ref())
	ism := fx.lib.Type(meta.IteratorStateMachineAttribute).Constructors()[0]
	stub.CustomAttributes = append(stub.CustomAttributes, meta.NewCustomAttribute(ism.Ref(),
		meta.AttributeArgument{Type: fx.lib.TypeType.Ref(), Value: sm.Ref()}))
	stub.Body.Emit(il.Newobj, ctor.Ref())
	stub.Body.Emit(il.Ret, nil)

	a := fx.aspect("Log", map[string]hook{corlib.OnEntry: nil, corlib.OnExit: nil})
	w := fx.weave(t, stub, applied(a))
	assert.Equal(t, 1, w.WeaveCount())
	assert.True(t, stub.HasAttribute(corlib.WovenAttribute))
	assert.True(t, step.HasAttribute(corlib.WovenAttribute))
	assert.NotNil(t, sm.Method(ExecutorPrefix+"MoveNext"))
	assert.Equal(t, 1, fx.session.Stats().IteratorMethods)

	it, err := fx.vm.NewObject(sm)
	require.NoError(t, err)
	_, err = fx.vm.Invoke(step, it)
	require.NoError(t, err)
	assert.Equal(t, []string{"Log.OnEntry", "Log.OnExit"}, fx.events)

	w, err = fx.session.MakeWeaver(fx.mod, stub, []*AspectInfo{applied(a)})
	require.NoError(t, err)
	require.NoError(t, w.Weave())
	assert.Equal(t, 0, w.WeaveCount())
}
