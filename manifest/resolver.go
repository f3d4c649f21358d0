package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ResolvedRef is a reference resolved to the images it contributes.
type ResolvedRef struct {
	Name     string    // reference name
	Path     string    // absolute file or directory path
	Images   []string  // images to load, in order
	Manifest *Manifest // the directory's own manifest (may be nil)
}

// Resolver resolves [references] into the images that must be loaded
// before the manifest's own images are woven.
type Resolver struct {
	manifest *Manifest
	visiting map[string]bool
	done     map[string]bool
}

// NewResolver creates a reference resolver for m.
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{
		manifest: m,
		visiting: make(map[string]bool),
		done:     make(map[string]bool),
	}
}

// Resolve returns the references in load order: a directory's own
// references come before the directory itself. Each path appears once.
func (r *Resolver) Resolve() ([]ResolvedRef, error) {
	if root, err := filepath.Abs(r.manifest.Dir); err == nil {
		r.visiting[root] = true
		defer delete(r.visiting, root)
	}
	return r.resolveAll(r.manifest)
}

// ImagePaths flattens Resolve into the list of image files to load.
func (r *Resolver) ImagePaths() ([]string, error) {
	refs, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range refs {
		out = append(out, rr.Images...)
	}
	return out, nil
}

func (r *Resolver) resolveAll(m *Manifest) ([]ResolvedRef, error) {
	names := make([]string, 0, len(m.References))
	for name := range m.References {
		names = append(names, name)
	}
	sort.Strings(names)

	var order []ResolvedRef
	for _, name := range names {
		rr, err := r.resolveOne(m, name, m.References[name])
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		if rr == nil {
			continue
		}
		if rr.Manifest != nil && len(rr.Manifest.References) > 0 {
			r.visiting[rr.Path] = true
			transitive, err := r.resolveAll(rr.Manifest)
			delete(r.visiting, rr.Path)
			if err != nil {
				return nil, err
			}
			order = append(order, transitive...)
		}
		r.done[rr.Path] = true
		order = append(order, *rr)
	}
	return order, nil
}

// resolveOne resolves a single reference relative to m. It returns nil for
// a path that was already resolved.
func (r *Resolver) resolveOne(m *Manifest, name string, ref Reference) (*ResolvedRef, error) {
	if ref.Path == "" {
		return nil, fmt.Errorf("reference %q has no path", name)
	}
	p := ref.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(m.Dir, p)
	}
	p, err := filepath.Abs(p)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", ref.Path, err)
	}
	if r.visiting[p] {
		return nil, fmt.Errorf("reference cycle through %s", p)
	}
	if r.done[p] {
		return nil, nil
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("reference %q not found at %s: %w", name, p, err)
	}
	if !info.IsDir() {
		return &ResolvedRef{Name: name, Path: p, Images: []string{p}}, nil
	}

	dm := Default(p)
	if _, err := os.Stat(filepath.Join(p, FileName)); err == nil {
		if dm, err = Load(p); err != nil {
			return nil, err
		}
	}
	images, err := dm.Images()
	if err != nil {
		return nil, err
	}
	rr := &ResolvedRef{Name: name, Path: p, Images: images}
	if len(dm.References) > 0 {
		rr.Manifest = dm
	}
	return rr, nil
}
