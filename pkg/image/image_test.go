package image

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/boundary/discovery"
	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// buildApp returns a module exercising every operand shape, attribute
// constants, properties, nested and generic types.
func buildApp(r *meta.Resolver, lib *corlib.Library) *meta.Module {
	mod := meta.NewModule("App", r)
	mod.References = []string{corlib.SystemModule}
	void := lib.Prim(meta.KindVoid)
	i32 := lib.Prim(meta.KindInt32)
	str := lib.Prim(meta.KindString)

	tag := mod.AddType(meta.NewTypeDef("Demo", "TagAttribute", meta.Public, lib.AttributeType.Ref()))
	tagCtor := tag.AddMethod(meta.NewMethodDef(".ctor", meta.PublicMethod|meta.SpecialName|meta.RTSpecialName, void))
	tagCtor.AddParam("name", str)
	tagCtor.Body.Emit(il.Ret, nil)

	box := mod.AddType(meta.NewTypeDef("Demo", "Box`1", meta.Public, lib.ObjectType.Ref()))
	box.GenericParams = []*meta.GenericParam{{Name: "T", Owner: meta.OwnerType}}
	box.AddField(&meta.FieldDef{Name: "Value", FieldType: box.GenericParams[0].Ref(), Attributes: meta.FieldPublic})

	svc := mod.AddType(meta.NewTypeDef("Demo", "Service", meta.Public, lib.ObjectType.Ref()))
	count := svc.AddField(&meta.FieldDef{Name: "count", FieldType: i32, Attributes: meta.FieldStatic | meta.FieldPrivate})
	svc.AddNestedType(meta.NewTypeDef("", "<>c", meta.NestedPrivate, lib.ObjectType.Ref()))

	helper := svc.AddMethod(meta.NewMethodDef("Helper", meta.PublicMethod|meta.Static, i32))
	helper.Body.Emit(il.Ldsfld, count.Ref())
	helper.Body.Emit(il.Ret, nil)

	getter := svc.AddMethod(meta.NewMethodDef("get_Count", meta.PublicMethod|meta.Static|meta.SpecialName, i32))
	getter.Body.Emit(il.Call, helper.Ref())
	getter.Body.Emit(il.Ret, nil)
	svc.AddProperty(&meta.PropertyDef{Name: "Count", PropertyType: i32, Getter: getter})

	pick := svc.AddMethod(meta.NewMethodDef("Pick", meta.PublicMethod|meta.Static, i32))
	pick.AddParam("x", i32)
	attr := meta.NewCustomAttribute(tagCtor.Ref(), meta.AttributeArgument{Type: str, Value: "pick"})
	attr.Properties = []meta.NamedArgument{
		{Name: "Order", Argument: meta.AttributeArgument{Type: i32, Value: int32(3)}},
		{Name: "Enabled", Argument: meta.AttributeArgument{Type: lib.Prim(meta.KindBoolean), Value: true}},
		{Name: "Target", Argument: meta.AttributeArgument{Type: lib.Type("System.Type").Ref(), Value: box.Ref()}},
		{Name: "Names", Argument: meta.AttributeArgument{Type: meta.MakeArray(str), Value: []meta.AttributeArgument{
			{Type: str, Value: "a"}, {Type: str, Value: "b"},
		}}},
	}
	pick.CustomAttributes = append(pick.CustomAttributes, attr)

	b := pick.Body
	result := b.AddVariable(i32)
	result.Name = "result"
	end := b.New(il.Ldloc, result)
	tryStart := b.Emit(il.Ldarg, 0)
	caseA := b.New(il.LdcI4, int32(7))
	caseB := b.New(il.Call, helper.Ref())
	b.Emit(il.Switch, []il.Handle{caseA, caseB})
	b.Emit(il.Ldtoken, box.Ref())
	b.Emit(il.Pop, nil)
	b.Emit(il.Ldstr, "no case")
	b.Emit(il.Pop, nil)
	b.Emit(il.Ldnull, nil)
	b.Emit(il.Throw, nil)
	b.Append(caseA)
	b.Emit(il.Stloc, result)
	b.Emit(il.Leave, end)
	b.Append(caseB)
	b.Emit(il.Stloc, result)
	b.Emit(il.Leave, end)
	catch := b.Emit(il.Pop, nil)
	b.Emit(il.LdcI4, int32(-1))
	b.Emit(il.Stloc, result)
	b.Emit(il.Leave, end)
	b.Append(end)
	b.Emit(il.Ret, nil)
	b.Handlers = append(b.Handlers, &il.ExceptionHandler{
		Type:         il.HandlerCatch,
		CatchType:    lib.ExceptionType.Ref(),
		TryStart:     tryStart,
		TryEnd:       catch,
		HandlerStart: catch,
		HandlerEnd:   end,
	})
	b.InitLocals = true
	return mod
}

func newLibrary() (*meta.Resolver, *corlib.Library) {
	r := meta.NewResolver()
	return r, corlib.Build(r)
}

func TestEncodeIsDeterministic(t *testing.T) {
	r, lib := newLibrary()
	mod := buildApp(r, lib)
	a, err := Encode(mod)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(mod)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same module differ")
	}
}

func TestRoundTrip(t *testing.T) {
	r, lib := newLibrary()
	orig := buildApp(r, lib)
	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r2, _ := newLibrary()
	mod, err := Decode(data, r2)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if mod.Name != "App" || mod.Mvid != orig.Mvid {
		t.Errorf("module identity = %s %s", mod.Name, mod.Mvid)
	}
	if r2.Module("App") != mod {
		t.Error("module not registered with resolver")
	}

	svc := mod.Type("Demo.Service")
	if svc == nil || mod.Type("Demo.Service/<>c") == nil {
		t.Fatal("types not decoded")
	}
	if base := svc.BaseDef(); base == nil || base.FullName() != "System.Object" {
		t.Errorf("base type = %v", svc.BaseType)
	}

	pick := svc.Method("Pick")
	want := orig.Type("Demo.Service").Method("Pick").Body.Disassemble()
	if got := pick.Body.Disassemble(); got != want {
		t.Errorf("Pick body differs:\n%s\nwant:\n%s", got, want)
	}
	for _, h := range pick.Body.Instructions() {
		ins := pick.Body.At(h)
		if ref, ok := ins.Operand.(*meta.MethodRef); ok && ref.Resolve() != svc.Method("Helper") {
			t.Errorf("%s not bound to Helper", ref)
		}
	}

	if p := svc.Property("Count"); p == nil || p.Getter != svc.Method("get_Count") {
		t.Error("property getter not linked")
	}
	if f := mod.Type("Demo.Box`1").Field("Value"); f.FieldType.Param != mod.Type("Demo.Box`1").GenericParams[0] {
		t.Error("field type does not use the declaring type's generic parameter")
	}

	attr := meta.FindAttribute(pick.CustomAttributes, "Demo.TagAttribute")
	if attr == nil {
		t.Fatal("attribute lost")
	}
	if attr.Constructor.Resolve() == nil {
		t.Error("attribute constructor not bound")
	}
	if v := attr.Args[0].Value; v != "pick" {
		t.Errorf("ctor arg = %#v", v)
	}
	if arg, _ := attr.Property("Order"); arg.Value != int32(3) {
		t.Errorf("Order = %#v", arg.Value)
	}
	if arg, _ := attr.Property("Enabled"); arg.Value != true {
		t.Errorf("Enabled = %#v", arg.Value)
	}
	if arg, _ := attr.Property("Target"); arg.Value.(*meta.TypeRef).Resolve() != mod.Type("Demo.Box`1") {
		t.Errorf("Target = %v", arg.Value)
	}
	if arg, _ := attr.Property("Names"); len(arg.Value.([]meta.AttributeArgument)) != 2 {
		t.Errorf("Names = %#v", arg.Value)
	}

	again, err := Encode(mod)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(again, data) {
		t.Error("re-encoding a decoded image changed its bytes")
	}
}

func TestNoOpWeaveKeepsBytes(t *testing.T) {
	r, lib := newLibrary()
	mod := buildApp(r, lib)
	before, err := Encode(mod)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	report, err := discovery.New(discovery.Options{}).Weave(mod)
	if err != nil {
		t.Fatalf("Weave: %v", err)
	}
	if report.Woven() {
		t.Fatalf("module without aspects was woven: %+v", report)
	}
	after, err := Encode(mod)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("weaving a module without aspects changed its image")
	}
}

func TestLinkAcrossImages(t *testing.T) {
	r, lib := newLibrary()
	util := meta.NewModule("Util", r)
	u := util.AddType(meta.NewTypeDef("Util", "Math", meta.Public, lib.ObjectType.Ref()))
	one := u.AddMethod(meta.NewMethodDef("One", meta.PublicMethod|meta.Static, lib.Prim(meta.KindInt32)))
	one.Body.Emit(il.LdcI4, int32(1))
	one.Body.Emit(il.Ret, nil)

	app := meta.NewModule("App", r)
	app.References = []string{"Util"}
	c := app.AddType(meta.NewTypeDef("App", "Main", meta.Public, lib.ObjectType.Ref()))
	run := c.AddMethod(meta.NewMethodDef("Run", meta.PublicMethod|meta.Static, lib.Prim(meta.KindInt32)))
	run.Body.Emit(il.Call, app.ImportMethod(one.Ref(), nil))
	run.Body.Emit(il.Ret, nil)

	appData, err := Encode(app)
	if err != nil {
		t.Fatal(err)
	}
	utilData, err := Encode(util)
	if err != nil {
		t.Fatal(err)
	}

	r2, _ := newLibrary()
	d := NewDecoder(r2)
	app2, err := d.Add(appData)
	if err != nil {
		t.Fatal(err)
	}
	util2, err := d.Add(utilData)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Link(); err != nil {
		t.Fatalf("Link: %v", err)
	}
	body := app2.Type("App.Main").Method("Run").Body
	ref := body.At(body.First()).Operand.(*meta.MethodRef)
	if ref.Resolve() != util2.Type("Util.Math").Method("One") {
		t.Error("call into the later image was not bound")
	}
}

func TestDecodeRejectsOtherVersions(t *testing.T) {
	data, err := encMode.Marshal(&moduleRecord{Version: Version + 1, Name: "App"})
	if err != nil {
		t.Fatal(err)
	}
	r, _ := newLibrary()
	if _, err := Decode(data, r); !errors.Is(err, ErrVersion) {
		t.Errorf("err = %v, want ErrVersion", err)
	}
}

func TestDecodeRejectsDanglingBranch(t *testing.T) {
	rec := moduleRecord{Version: Version, Name: "Bad", Types: []typeRecord{{
		Name: "C",
		Methods: []methodRecord{{
			Name: "M",
			Body: &bodyRecord{Code: []instrRecord{{Op: uint8(il.Br), Targets: []int{5}}}},
		}},
	}}}
	data, err := encMode.Marshal(&rec)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := newLibrary()
	if _, err := Decode(data, r); err == nil {
		t.Error("expected an error for a branch past the end of the body")
	}
}

func TestWriteFile(t *testing.T) {
	r, lib := newLibrary()
	mod := buildApp(r, lib)
	dir := t.TempDir()
	path := filepath.Join(dir, "app.img")
	if err := os.WriteFile(path, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, mod); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the image", len(entries))
	}

	r2, _ := newLibrary()
	got, err := ReadFile(path, r2)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got.Type("Demo.Service") == nil {
		t.Error("written image is missing Demo.Service")
	}
}

func TestShadowPath(t *testing.T) {
	tests := []struct {
		path, prefix, want string
	}{
		{"/out/app.img", "42", "/out/_42_app_Weaved_.img"},
		{"/out/App.IMG", "7", "/out/_7_App_Weaved_.img"},
		{"lib", "1", "_1_lib_Weaved_"},
	}
	for _, tt := range tests {
		if got := ShadowPath(tt.path, tt.prefix); got != tt.want {
			t.Errorf("ShadowPath(%q, %q) = %q, want %q", tt.path, tt.prefix, got, tt.want)
		}
	}
}
