package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[weaver]
disable-compile-time-method-infos = true
type-filters = ["Demo.Service"]
method-filters = ["Demo.Service.Run"]
property-filters = ["Demo.Service.get_Name"]
strict-early-return = true
verify = true

[output]
suffix = ".aop"
shadow = true

[watch]
pattern = "*.mod"

[references]
util = { path = "../util" }
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !m.Weaver.DisableCompileTimeMethodInfos {
		t.Error("disable-compile-time-method-infos = false, want true")
	}
	if len(m.Weaver.TypeFilters) != 1 || m.Weaver.TypeFilters[0] != "Demo.Service" {
		t.Errorf("type filters = %v", m.Weaver.TypeFilters)
	}
	if m.Output.Suffix != ".aop" {
		t.Errorf("output suffix = %q, want .aop", m.Output.Suffix)
	}
	if !m.Output.Shadow || m.Output.InPlace {
		t.Errorf("output = %+v", m.Output)
	}
	if m.Watch.Pattern != "*.mod" {
		t.Errorf("watch pattern = %q, want *.mod", m.Watch.Pattern)
	}
	if ref, ok := m.References["util"]; !ok || ref.Path != "../util" {
		t.Errorf("util reference = %v, want path ../util", m.References["util"])
	}

	opts := m.DiscoveryOptions()
	if !opts.Weaver.DisableCompileTimeMethodInfos || !opts.Weaver.StrictEarlyReturn || !opts.Weaver.Verify {
		t.Errorf("weaver options = %+v", opts.Weaver)
	}
	if len(opts.MethodFilters) != 1 || len(opts.PropertyFilters) != 1 {
		t.Errorf("filters = %v %v", opts.MethodFilters, opts.PropertyFilters)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[weaver]\n")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Output.Suffix != ".woven" {
		t.Errorf("default suffix = %q, want .woven", m.Output.Suffix)
	}
	if m.Watch.Pattern != "*.img" {
		t.Errorf("default pattern = %q, want *.img", m.Watch.Pattern)
	}
	if m.Output.InPlace {
		t.Error("in-place should default to false")
	}
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Error("expected error for missing file")
	}

	writeManifest(t, dir, "[weaver\n")
	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}

	writeManifest(t, dir, "[watch]\npattern = \"[\"\n")
	if _, err := Load(dir); err == nil {
		t.Error("expected error for a malformed watch pattern")
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[output]\nsuffix = \".found\"\n")

	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Output.Suffix != ".found" {
		t.Errorf("suffix = %q, want .found", m.Output.Suffix)
	}
	if abs, _ := filepath.Abs(dir); m.Dir != abs {
		t.Errorf("Dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no boundary.toml exists")
	}
}

func TestOutputPath(t *testing.T) {
	tests := []struct {
		name   string
		output OutputConfig
		input  string
		want   string
	}{
		{"suffix before extension", OutputConfig{Suffix: ".woven"}, "/b/app.img", "/b/app.woven.img"},
		{"no extension", OutputConfig{Suffix: ".woven"}, "/b/app", "/b/app.woven"},
		{"in place", OutputConfig{Suffix: ".woven", InPlace: true}, "/b/app.img", "/b/app.img"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Output: tt.output}
			got := m.OutputPath(tt.input)
			if got != tt.want {
				t.Errorf("OutputPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if m.IsOutput(tt.input) {
				t.Errorf("IsOutput(%q) = true for an input", tt.input)
			}
			if !tt.output.InPlace && !m.IsOutput(got) {
				t.Errorf("IsOutput(%q) = false for its own output", got)
			}
		})
	}
}

func TestImagesSkipsOutputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"app.img", "app.woven.img", "_1_app_Weaved_.img", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.img"), 0755); err != nil {
		t.Fatal(err)
	}

	images, err := Default(dir).Images()
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 || filepath.Base(images[0]) != "app.img" {
		t.Errorf("Images() = %v, want [app.img]", images)
	}
}
