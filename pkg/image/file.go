package image

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/boundary/pkg/meta"
)

// ReadFile loads the image at path into r.
func ReadFile(path string, r *meta.Resolver) (*meta.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteFile encodes m and replaces path with the result. The data is
// written to a temporary file in the same directory and renamed over path,
// so readers never observe a partial image.
func WriteFile(path string, m *meta.Module) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// ShadowPath returns the sibling path a shadow weave writes to:
// "_<prefix>_<name>_Weaved_<ext>" in the directory of path, with the
// extension lower-cased.
func ShadowPath(path, prefix string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(filepath.Dir(path), "_"+prefix+"_"+name+"_Weaved_"+strings.ToLower(ext))
}
