package weaver

import (
	"strings"
	"sync"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/meta"
)

// Capabilities is the set of boundary callbacks an aspect type overrides.
type Capabilities uint8

const (
	OnEntry Capabilities = 1 << iota
	OnExit
	OnException

	None Capabilities = 0
)

func (c Capabilities) Has(o Capabilities) bool { return c&o != 0 }

func (c Capabilities) String() string {
	if c == None {
		return "None"
	}
	var parts []string
	if c.Has(OnEntry) {
		parts = append(parts, corlib.OnEntry)
	}
	if c.Has(OnExit) {
		parts = append(parts, corlib.OnExit)
	}
	if c.Has(OnException) {
		parts = append(parts, corlib.OnException)
	}
	return strings.Join(parts, "|")
}

type capabilityEntry struct {
	caps     Capabilities
	isAspect bool
}

// CapabilityIndex memoizes the capabilities of each aspect type by
// definition identity.
type CapabilityIndex struct {
	mu    sync.Mutex
	cache map[*meta.TypeDef]capabilityEntry
}

// NewCapabilityIndex creates an empty index.
func NewCapabilityIndex() *CapabilityIndex {
	return &CapabilityIndex{cache: make(map[*meta.TypeDef]capabilityEntry)}
}

// Of returns the callbacks t overrides below OnMethodBoundaryAspect. The
// second result is false when t does not derive from the aspect root.
func (x *CapabilityIndex) Of(t *meta.TypeRef) (Capabilities, bool) {
	def := t.Resolve()
	if def == nil {
		return None, false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.cache[def]; ok {
		return e.caps, e.isAspect
	}
	e := classifyAspect(def)
	x.cache[def] = e
	return e.caps, e.isAspect
}

func classifyAspect(def *meta.TypeDef) capabilityEntry {
	var e capabilityEntry
	for cur := def; cur != nil; cur = cur.BaseDef() {
		if cur.FullName() == corlib.OnMethodBoundaryAspect {
			e.isAspect = true
			return e
		}
		for _, m := range cur.Methods {
			if !isCallback(m) {
				continue
			}
			switch m.Name {
			case corlib.OnEntry:
				e.caps |= OnEntry
			case corlib.OnExit:
				e.caps |= OnExit
			case corlib.OnException:
				e.caps |= OnException
			}
		}
	}
	return capabilityEntry{}
}

func isCallback(m *meta.MethodDef) bool {
	if m.IsStatic() || m.IsAbstract() || len(m.Params) != 1 {
		return false
	}
	switch m.Name {
	case corlib.OnEntry, corlib.OnExit, corlib.OnException:
		return isExecutionArgs(m.Params[0].Type)
	}
	return false
}

// isExecutionArgs reports whether t is MethodExecutionArgs or derives
// from it.
func isExecutionArgs(t *meta.TypeRef) bool {
	if t.Is(corlib.MethodExecutionArgs) {
		return true
	}
	def := t.Resolve()
	return def != nil && def.DerivesFrom(corlib.MethodExecutionArgs)
}
