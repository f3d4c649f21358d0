// Package manifest handles boundary.toml weaving configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/boundary/discovery"
	"github.com/chazu/boundary/weaver"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "boundary.toml"

// Manifest represents a boundary.toml configuration.
type Manifest struct {
	Weaver     WeaverConfig         `toml:"weaver"`
	Output     OutputConfig         `toml:"output"`
	Watch      WatchConfig          `toml:"watch"`
	References map[string]Reference `toml:"references"`

	// Dir is the directory containing the boundary.toml file (set at load time).
	Dir string `toml:"-"`
}

// WeaverConfig mirrors the weaving options.
type WeaverConfig struct {
	DisableCompileTimeMethodInfos bool     `toml:"disable-compile-time-method-infos"`
	TypeFilters                   []string `toml:"type-filters"`
	MethodFilters                 []string `toml:"method-filters"`
	PropertyFilters               []string `toml:"property-filters"`
	StrictEarlyReturn             bool     `toml:"strict-early-return"`
	Verify                        bool     `toml:"verify"`
}

// OutputConfig says where woven images go.
type OutputConfig struct {
	Suffix  string `toml:"suffix"`
	InPlace bool   `toml:"in-place"`
	Shadow  bool   `toml:"shadow"`
}

// WatchConfig configures `boundary watch`.
type WatchConfig struct {
	Pattern string `toml:"pattern"`
}

// Reference names an image, or a directory of images, that the woven
// images refer to.
type Reference struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no boundary.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Output.Suffix == "" {
		m.Output.Suffix = ".woven"
	}
	if m.Watch.Pattern == "" {
		m.Watch.Pattern = "*.img"
	}
}

// Load parses a boundary.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if _, err := filepath.Match(m.Watch.Pattern, ""); err != nil {
		return nil, fmt.Errorf("%s: watch pattern %q: %w", path, m.Watch.Pattern, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find a boundary.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// DiscoveryOptions converts the [weaver] section into module pass options.
func (m *Manifest) DiscoveryOptions() discovery.Options {
	return discovery.Options{
		Weaver: weaver.Options{
			DisableCompileTimeMethodInfos: m.Weaver.DisableCompileTimeMethodInfos,
			StrictEarlyReturn:             m.Weaver.StrictEarlyReturn,
			Verify:                        m.Weaver.Verify,
		},
		TypeFilters:     m.Weaver.TypeFilters,
		MethodFilters:   m.Weaver.MethodFilters,
		PropertyFilters: m.Weaver.PropertyFilters,
	}
}

// OutputPath returns where the woven form of input is written. The suffix
// is inserted before the extension: app.img becomes app.woven.img.
func (m *Manifest) OutputPath(input string) string {
	if m.Output.InPlace {
		return input
	}
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + m.Output.Suffix + ext
}

// IsOutput reports whether path is a file this configuration writes, so
// watchers can ignore their own output.
func (m *Manifest) IsOutput(path string) bool {
	if strings.Contains(filepath.Base(path), "_Weaved_") {
		return true
	}
	if m.Output.InPlace {
		return false
	}
	ext := filepath.Ext(path)
	return strings.HasSuffix(path, m.Output.Suffix) ||
		strings.HasSuffix(strings.TrimSuffix(path, ext), m.Output.Suffix)
}

// Matches reports whether path is an input image under the watch pattern.
func (m *Manifest) Matches(path string) bool {
	ok, _ := filepath.Match(m.Watch.Pattern, filepath.Base(path))
	return ok && !m.IsOutput(path)
}

// Images lists the input images in the manifest directory.
func (m *Manifest) Images() ([]string, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		p := filepath.Join(m.Dir, e.Name())
		if !e.IsDir() && m.Matches(p) {
			out = append(out, p)
		}
	}
	return out, nil
}
