package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/boundary/manifest"
	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/image"
	"github.com/chazu/boundary/pkg/meta"
)

// workspace is a configuration plus the reference images it names.
type workspace struct {
	manifest *manifest.Manifest
	refs     []string
}

// openWorkspace loads boundary.toml from --config, or from the nearest
// directory above start, falling back to defaults.
func openWorkspace(start string) (*workspace, error) {
	var (
		m   *manifest.Manifest
		err error
	)
	if globalFlags.ConfigDir != "" {
		m, err = manifest.Load(globalFlags.ConfigDir)
	} else {
		m, err = manifest.FindAndLoad(start)
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		abs, err := filepath.Abs(start)
		if err != nil {
			return nil, err
		}
		m = manifest.Default(abs)
		log.Debugf("no %s found, using defaults", manifest.FileName)
	} else {
		log.Debugf("using %s", filepath.Join(m.Dir, manifest.FileName))
	}

	refs, err := manifest.NewResolver(m).ImagePaths()
	if err != nil {
		return nil, err
	}
	return &workspace{manifest: m, refs: refs}, nil
}

// load decodes the reference images and the given images into a fresh
// resolver with the runtime library. Every call builds its own resolver,
// so concurrent callers share no metadata.
func (w *workspace) load(paths []string) (map[string]*meta.Module, error) {
	r := meta.NewResolver()
	corlib.Build(r)
	d := image.NewDecoder(r)

	mods := make(map[string]*meta.Module, len(paths))
	add := func(p string) error {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		m, err := d.Add(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		mods[p] = m
		return nil
	}
	for _, p := range w.refs {
		if err := add(p); err != nil {
			return nil, err
		}
	}
	for _, p := range paths {
		if _, done := mods[p]; done {
			continue
		}
		if err := add(p); err != nil {
			return nil, err
		}
	}
	if err := d.Link(); err != nil {
		return nil, err
	}
	return mods, nil
}
