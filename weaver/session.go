package weaver

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/meta"
)

var log = commonlog.GetLogger("boundary.weaver")

// Options tune a weaving session.
type Options struct {
	// DisableCompileTimeMethodInfos makes woven code look up its
	// MethodBase at run time instead of reading a cached static field.
	DisableCompileTimeMethodInfos bool
	// StrictEarlyReturn fails the weave where an early return cannot be
	// expressed, instead of emitting a NotSupportedException throw.
	StrictEarlyReturn bool
	// Verify checks every rewritten body before it is accepted.
	Verify bool
}

// Stats counts what a session has woven.
type Stats struct {
	WovenMethods    int
	AsyncMethods    int
	IteratorMethods int

	// Unsupported lists methods woven with a NotSupportedException tail.
	Unsupported []string
}

type moduleHelpers struct {
	safeCast *meta.MethodRef
	infos    *methodInfoClass
}

// Session holds the state shared by all weaves of a run: the capability
// index and the per-module helper types.
type Session struct {
	opts Options
	caps *CapabilityIndex

	mu      sync.Mutex
	modules map[uuid.UUID]*moduleHelpers
	stats   Stats
}

// NewSession creates a session.
func NewSession(opts Options) *Session {
	return &Session{
		opts:    opts,
		caps:    NewCapabilityIndex(),
		modules: make(map[uuid.UUID]*moduleHelpers),
	}
}

// Capabilities exposes the session's capability index.
func (s *Session) Capabilities() *CapabilityIndex { return s.caps }

// Stats returns a copy of the counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Unsupported = append([]string(nil), s.stats.Unsupported...)
	return st
}

func (s *Session) helpers(module *meta.Module) *moduleHelpers {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.modules[module.Mvid]
	if !ok {
		h = &moduleHelpers{}
		s.modules[module.Mvid] = h
	}
	return h
}

// safeCast returns the module's SafeCast helper, creating it once.
func (s *Session) safeCast(module *meta.Module, refs *ReferenceFinder) (*meta.MethodRef, error) {
	h := s.helpers(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.safeCast == nil {
		m, err := ensureSafeCast(module, refs)
		if err != nil {
			return nil, err
		}
		h.safeCast = m
	}
	return h.safeCast, nil
}

// methodInfos returns the module's method descriptor cache, or nil when
// compile-time method infos are disabled.
func (s *Session) methodInfos(module *meta.Module, refs *ReferenceFinder) (*methodInfoClass, error) {
	if s.opts.DisableCompileTimeMethodInfos {
		return nil, nil
	}
	h := s.helpers(module)
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.infos == nil {
		c, err := newMethodInfoClass(module, refs)
		if err != nil {
			return nil, err
		}
		h.infos = c
	}
	return h.infos, nil
}

func (s *Session) addUnsupported(method string) {
	s.mu.Lock()
	s.stats.Unsupported = append(s.stats.Unsupported, method)
	s.mu.Unlock()
}

func (s *Session) count(kind MethodKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.WovenMethods++
	switch kind {
	case AsyncMethod:
		s.stats.AsyncMethods++
	case IteratorMethod:
		s.stats.IteratorMethods++
	}
}

// MakeWeaver builds the weaver for method. aspects must already be in
// OnEntry order. Aspects that are not aspect types or override no callback
// are dropped; with none left the returned weaver does nothing. Methods
// already carrying the woven marker are left alone.
func (s *Session) MakeWeaver(module *meta.Module, method *meta.MethodDef, aspects []*AspectInfo) (Weaver, error) {
	type used struct {
		info *AspectInfo
		caps Capabilities
	}
	var kept []used
	for _, a := range aspects {
		caps, ok := s.caps.Of(a.Type())
		if !ok || caps == None {
			continue
		}
		kept = append(kept, used{a, caps})
	}
	if len(kept) == 0 || method.HasAttribute(corlib.WovenAttribute) || !method.HasBody() {
		return noopWeaver{}, nil
	}
	cls, err := Classify(method)
	if err != nil {
		return nil, &ConfigError{Method: method.FullName(), Err: err}
	}

	switch cls.Kind {
	case AsyncMethod:
		local := stateMachineLocal(method, cls.StateMachine)
		if local == nil {
			return nil, structuralError(method, cls.StateMachine, "could not find state machine variable")
		}
		localType, _ := local.Type.(*meta.TypeRef)
		link := &stateMachineLink{def: cls.StateMachine, local: local, localType: localType, moveNext: cls.MoveNext}
		data := make([]*aspectData, len(kept))
		for i, u := range kept {
			data[i] = newAspectData(u.info, u.caps, module, link)
		}
		w, err := newAsyncMethodWeaver(s, module, method, link, data)
		if err != nil {
			return nil, err
		}
		return &countingWeaver{Weaver: w, session: s, kind: AsyncMethod}, nil

	case IteratorMethod:
		if cls.MoveNext.HasAttribute(corlib.WovenAttribute) {
			return noopWeaver{}, nil
		}
		data := make([]*aspectData, len(kept))
		for i, u := range kept {
			data[i] = newAspectData(u.info, u.caps, module, nil)
		}
		w, err := newMethodWeaver(s, module, cls.MoveNext, data)
		if err != nil {
			return nil, err
		}
		w.stub = method
		return &countingWeaver{Weaver: w, session: s, kind: IteratorMethod}, nil
	}

	data := make([]*aspectData, len(kept))
	for i, u := range kept {
		data[i] = newAspectData(u.info, u.caps, module, nil)
	}
	w, err := newMethodWeaver(s, module, method, data)
	if err != nil {
		return nil, err
	}
	return &countingWeaver{Weaver: w, session: s, kind: PlainMethod}, nil
}

type noopWeaver struct{}

func (noopWeaver) Weave() error    { return nil }
func (noopWeaver) WeaveCount() int { return 0 }

// countingWeaver records successful weaves in the session stats.
type countingWeaver struct {
	Weaver
	session *Session
	kind    MethodKind
}

func (w *countingWeaver) Weave() error {
	before := w.WeaveCount()
	if err := w.Weaver.Weave(); err != nil {
		return err
	}
	if w.WeaveCount() > before {
		w.session.count(w.kind)
	}
	return nil
}
