package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/boundary/manifest"
	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/image"
	"github.com/chazu/boundary/pkg/meta"
)

// writeApp writes an image with one aspect applied to Service.Run.
func writeApp(t *testing.T, path string, applied bool) {
	t.Helper()
	r := meta.NewResolver()
	lib := corlib.Build(r)
	mod := meta.NewModule("App", r)
	mod.References = []string{corlib.SystemModule, corlib.AspectModule}
	void := lib.Prim(meta.KindVoid)

	log := mod.AddType(meta.NewTypeDef("Aspects", "Log", meta.Public, lib.AspectBase.Ref()))
	ctor := log.AddMethod(meta.NewMethodDef(".ctor", meta.PublicMethod|meta.SpecialName|meta.RTSpecialName, void))
	ctor.Body.Emit(il.Ldarg, 0)
	ctor.Body.Emit(il.Call, lib.AspectBase.Method(".ctor").Ref())
	ctor.Body.Emit(il.Ret, nil)
	entry := log.AddMethod(meta.NewMethodDef(corlib.OnEntry, meta.PublicMethod|meta.Virtual|meta.HideBySig, void))
	entry.AddParam("args", lib.ArgsType.Ref())
	entry.Body.Emit(il.Ret, nil)

	svc := mod.AddType(meta.NewTypeDef("Demo", "Service", meta.Public, lib.ObjectType.Ref()))
	run := svc.AddMethod(meta.NewMethodDef("Run", meta.PublicMethod|meta.HideBySig, void))
	run.Body.Emit(il.Ret, nil)
	if applied {
		run.CustomAttributes = append(run.CustomAttributes, meta.NewCustomAttribute(ctor.Ref()))
	}
	require.NoError(t, image.WriteFile(path, mod))
}

func testWorkspace(t *testing.T, dir string) *workspace {
	t.Helper()
	ws := &workspace{manifest: manifest.Default(dir)}
	return ws
}

func TestWeaveOneWritesSuffixedOutput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "app.img")
	writeApp(t, in, true)
	ws := testWorkspace(t, dir)

	require.NoError(t, ws.weaveOne(in, []string{in}))

	out := filepath.Join(dir, "app.woven.img")
	mods, err := ws.load([]string{out})
	require.NoError(t, err)
	svc := mods[out].Type("Demo.Service")
	require.NotNil(t, svc)
	assert.True(t, svc.Method("Run").HasAttribute(corlib.WovenAttribute))

	// The input is left alone.
	mods, err = ws.load([]string{in})
	require.NoError(t, err)
	assert.False(t, mods[in].Type("Demo.Service").Method("Run").HasAttribute(corlib.WovenAttribute))
}

func TestWeaveOneInPlaceSkipsUnchangedImages(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "app.img")
	writeApp(t, in, false)
	before, err := os.ReadFile(in)
	require.NoError(t, err)

	ws := testWorkspace(t, dir)
	ws.manifest.Output.InPlace = true
	require.NoError(t, ws.weaveOne(in, []string{in}))

	after, err := os.ReadFile(in)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = os.Stat(filepath.Join(dir, "app.woven.img"))
	assert.True(t, os.IsNotExist(err))
}

func TestWeaveOneShadow(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "app.img")
	writeApp(t, in, true)

	ws := testWorkspace(t, dir)
	ws.manifest.Output.Shadow = true
	require.NoError(t, ws.weaveOne(in, []string{in}))

	images, err := ws.manifest.Images()
	require.NoError(t, err)
	assert.Equal(t, []string{in}, images, "shadow copies are not inputs")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var shadow string
	for _, e := range entries {
		if p := filepath.Join(dir, e.Name()); p != in {
			shadow = p
		}
	}
	assert.Contains(t, filepath.Base(shadow), "_app_Weaved_.img")
	mods, err := ws.load([]string{shadow})
	require.NoError(t, err)
	assert.True(t, mods[shadow].Type("Demo.Service").Method("Run").HasAttribute(corlib.WovenAttribute))
}

func TestWeaveAllReportsFailures(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.img")
	bad := filepath.Join(dir, "bad.img")
	writeApp(t, good, true)
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0644))

	ws := testWorkspace(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	err := ws.weaveAll(ctx, []string{bad}, []string{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.img")

	require.NoError(t, ws.weaveAll(ctx, []string{good}, []string{good}))
}

func TestDumpModule(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "app.img")
	writeApp(t, in, true)
	mods, err := testWorkspace(t, dir).load([]string{in})
	require.NoError(t, err)

	var sb strings.Builder
	dumpModule(&sb, mods[in])
	assert.Contains(t, sb.String(), "type Demo.Service")
	assert.Contains(t, sb.String(), "Run()")
}
