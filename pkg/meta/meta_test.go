package meta

import (
	"strings"
	"testing"

	"github.com/chazu/boundary/pkg/il"
)

func newTestModule(t *testing.T) (*Resolver, *Module, *Module) {
	t.Helper()
	r := NewResolver()
	core := NewModule(CoreLibrary, r)
	obj := core.AddType(NewTypeDef("System", "Object", Public, nil))
	ctor := NewMethodDef(".ctor", PublicMethod|SpecialName|RTSpecialName, Prim(KindVoid))
	obj.AddMethod(ctor)
	user := NewModule("App", r)
	return r, core, user
}

func TestTypeNames(t *testing.T) {
	_, core, user := newTestModule(t)
	objRef := core.Type("System.Object").Ref()
	outer := user.AddType(NewTypeDef("App", "Outer", Public, objRef))
	inner := outer.AddNestedType(NewTypeDef("", "<Run>d__1", NestedPrivate, objRef))

	if got := inner.FullName(); got != "App.Outer/<Run>d__1" {
		t.Errorf("FullName() = %q", got)
	}
	if user.Type("App.Outer/<Run>d__1") != inner {
		t.Error("Type() did not find nested type")
	}
	if inner.Module != user {
		t.Error("nested type module not set")
	}

	list := MakeGenericInstance(Named("Lib", "Lib", "List`1", false), Prim(KindInt32))
	if got := list.FullName(); got != "Lib.List`1<System.Int32>" {
		t.Errorf("generic FullName() = %q", got)
	}
	if got := MakeByRef(MakeArray(Prim(KindString))).FullName(); got != "System.String[]&" {
		t.Errorf("byref array FullName() = %q", got)
	}
}

func TestPrimitiveClassification(t *testing.T) {
	tests := []struct {
		kind      Kind
		valueType bool
		pointer   bool
	}{
		{KindInt32, true, false},
		{KindBoolean, true, false},
		{KindIntPtr, true, true},
		{KindString, false, false},
		{KindObject, false, false},
	}
	for _, tt := range tests {
		r := Prim(tt.kind)
		if r.IsValueType() != tt.valueType {
			t.Errorf("%s IsValueType() = %v, want %v", r, r.IsValueType(), tt.valueType)
		}
		if r.IsPointerLike() != tt.pointer {
			t.Errorf("%s IsPointerLike() = %v, want %v", r, r.IsPointerLike(), tt.pointer)
		}
	}
	if !Prim(KindVoid).IsVoid() {
		t.Error("void is not void")
	}
}

func TestDefRefKinds(t *testing.T) {
	_, core, _ := newTestModule(t)
	i4 := core.AddType(NewTypeDef("System", "Int32", Public, nil))
	i4.IsValueType = true
	if i4.Ref().Kind != KindInt32 {
		t.Errorf("Int32 def ref kind = %d, want KindInt32", i4.Ref().Kind)
	}
	if core.Type("System.Object").Ref().Kind != KindObject {
		t.Error("Object def ref is not KindObject")
	}
}

func TestSubstitute(t *testing.T) {
	m := NewMethodDef("Get", PublicMethod, nil)
	tp := m.AddGenericParam("T")
	open := MakeArray(tp.Ref())

	got := Substitute(open, nil, []*TypeRef{Prim(KindInt32)})
	if got.FullName() != "System.Int32[]" {
		t.Errorf("Substitute = %s, want System.Int32[]", got)
	}
	if open.FullName() != "T[]" {
		t.Errorf("Substitute mutated its input: %s", open)
	}
	if !open.ContainsGenericParameter() || got.ContainsGenericParameter() {
		t.Error("ContainsGenericParameter wrong")
	}
}

func TestArgSlotAndSignature(t *testing.T) {
	inst := NewMethodDef("M", PublicMethod, Prim(KindInt32))
	p := inst.AddParam("x", Prim(KindInt32))
	static := NewMethodDef("S", PublicMethod|Static, Prim(KindVoid))
	q := static.AddParam("y", Prim(KindInt32))

	if inst.ArgSlot(p) != 1 {
		t.Errorf("instance ArgSlot = %d, want 1", inst.ArgSlot(p))
	}
	if static.ArgSlot(q) != 0 {
		t.Errorf("static ArgSlot = %d, want 0", static.ArgSlot(q))
	}
	if sig := inst.Signature(); sig.ArgCount != 2 || !sig.Returns {
		t.Errorf("Signature() = %+v", sig)
	}
}

func TestImportRecordsReferences(t *testing.T) {
	_, core, user := newTestModule(t)
	ctor := core.Type("System.Object").Method(".ctor").Ref()

	user.ImportMethod(ctor, nil)
	if !user.HasReference(CoreLibrary) {
		t.Errorf("References = %v, want %s", user.References, CoreLibrary)
	}
	user.ImportMethod(ctor, nil)
	if len(user.References) != 1 {
		t.Errorf("duplicate reference recorded: %v", user.References)
	}
}

func TestAddPublicInstanceFieldUnique(t *testing.T) {
	td := NewTypeDef("App", "SM", Public, nil)
	a := td.AddPublicInstanceField("aspect", Prim(KindObject))
	b := td.AddPublicInstanceField("aspect", Prim(KindObject))
	if a.Name == b.Name {
		t.Errorf("field names collide: %s", a.Name)
	}
	if a.Attributes&FieldPublic == 0 || a.IsStatic() {
		t.Error("field is not public instance")
	}
}

func TestVerifyMethodRejectsOpenGenericField(t *testing.T) {
	_, core, user := newTestModule(t)
	objRef := core.Type("System.Object").Ref()
	sm := user.AddType(NewTypeDef("App", "SM`1", Public, objRef))
	sm.GenericParams = []*GenericParam{{Name: "T", Owner: OwnerType}}
	f := sm.AddField(&FieldDef{Name: "state", FieldType: Prim(KindInt32), Attributes: FieldPublic})
	m := sm.AddMethod(NewMethodDef("MoveNext", PublicMethod, Prim(KindVoid)))

	open := &FieldRef{Name: f.Name, DeclaringType: sm.Ref(), FieldType: f.FieldType}
	open.Bind(f)
	m.Body.Emit(il.Ldarg, 0)
	m.Body.Emit(il.Ldfld, open)
	m.Body.Emit(il.Pop, nil)
	m.Body.Emit(il.Ret, nil)

	err := VerifyMethod(m)
	if err == nil || !strings.Contains(err.Error(), "without instantiation") {
		t.Fatalf("VerifyMethod = %v, want instantiation error", err)
	}

	m.Body.At(m.Body.Instructions()[1]).Operand = f.Ref()
	if err := VerifyMethod(m); err != nil {
		t.Errorf("VerifyMethod with instantiated owner: %v", err)
	}
}

func TestVerifyMethodRequiresImport(t *testing.T) {
	_, core, user := newTestModule(t)
	objRef := core.Type("System.Object").Ref()
	app := user.AddType(NewTypeDef("App", "Program", Public, objRef))
	m := app.AddMethod(NewMethodDef(".ctor", PublicMethod|SpecialName|RTSpecialName, Prim(KindVoid)))
	m.Body.Emit(il.Ldarg, 0)
	m.Body.Emit(il.Call, core.Type("System.Object").Method(".ctor").Ref())
	m.Body.Emit(il.Ret, nil)

	if err := VerifyMethod(m); err == nil {
		t.Fatal("expected missing import error")
	}
	user.References = append(user.References, CoreLibrary)
	if err := VerifyModule(user); err != nil {
		t.Errorf("VerifyModule: %v", err)
	}
}
