package weaver

import (
	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// AspectInfo is one aspect applied to a method, as produced by discovery.
// Slices of AspectInfo are already ordered; index 0 runs OnEntry first.
type AspectInfo struct {
	Attribute *meta.CustomAttribute
	Order     int

	AllowChangingInputArguments bool
}

// NewAspectInfo reads the weaving options carried by attr.
func NewAspectInfo(attr *meta.CustomAttribute) *AspectInfo {
	info := &AspectInfo{Attribute: attr}
	if a, ok := attr.Property(corlib.PropAllowChangingArgs); ok {
		info.AllowChangingInputArguments, _ = a.Value.(bool)
	}
	if a, ok := attr.Property(corlib.PropOrder); ok {
		if n, ok := toInt64(a.Value); ok {
			info.Order = int(n)
		}
	}
	return info
}

// Type returns the aspect attribute type.
func (a *AspectInfo) Type() *meta.TypeRef {
	return a.Attribute.AttributeType()
}

func (a *AspectInfo) String() string {
	return a.Type().FullName()
}

// stateMachineLink ties a stub method to its state machine: the local the
// stub constructs it into and the step method.
type stateMachineLink struct {
	def       *meta.TypeDef
	local     *il.Variable
	localType *meta.TypeRef
	moveNext  *meta.MethodDef
}

func (sm *stateMachineLink) stubInstance() *VariablePersistable {
	return &VariablePersistable{Var: sm.local, Type: sm.localType}
}

// fieldOnStub returns a reference to fd usable from the stub, declared on
// the instantiated type of the state machine local.
func (sm *stateMachineLink) fieldOnStub(module *meta.Module, fd *meta.FieldDef) *meta.FieldRef {
	ref := module.ImportField(fd.Ref(), nil)
	if sm.localType.IsGenericInstance() {
		ref = ref.OnType(sm.localType)
	}
	return ref
}

// inMoveNext rebases a stub-side field persistable onto the receiver of
// the step method.
func (sm *stateMachineLink) inMoveNext(f *meta.FieldRef) *FieldPersistable {
	def := f.Resolve()
	return &FieldPersistable{Instance: &ThisLoadable{Type: sm.def.SelfInstance()}, Field: def.Ref()}
}

// aspectData is an aspect bound to the method being woven: its callback
// set and where its instance and tag live.
type aspectData struct {
	info *AspectInfo
	caps Capabilities
	typ  *meta.TypeRef

	instance Persistable
	tag      Persistable

	sm          *stateMachineLink
	aspectField *meta.FieldRef
	tagField    *meta.FieldRef
}

func newAspectData(info *AspectInfo, caps Capabilities, module *meta.Module, sm *stateMachineLink) *aspectData {
	return &aspectData{
		info: info,
		caps: caps,
		typ:  module.ImportType(info.Type(), nil),
		sm:   sm,
	}
}

// createInstance constructs the aspect from its attribute. For state
// machine methods the instance is stored into a field of the state
// machine so the step method can reach it.
func (a *aspectData) createInstance(cc *InstructionBlockChainCreator) (*InstructionBlockChain, error) {
	blk, err := cc.CreateAndNewUpAspect(a.info, a.typ)
	if err != nil {
		return nil, err
	}
	if a.sm == nil {
		a.instance = &VariablePersistable{Var: blk.Variable, Type: a.typ}
		return chainOf(blk), nil
	}

	fd := a.sm.def.AddPublicInstanceField("<>aspect", a.typ)
	a.aspectField = a.sm.fieldOnStub(cc.module, fd)
	field := &FieldPersistable{Instance: a.sm.stubInstance(), Field: a.aspectField}
	store, err := field.Store(cc.body, []il.Handle{cc.body.New(il.Ldloc, blk.Variable)}, a.typ)
	if err != nil {
		return nil, err
	}
	a.instance = field
	return chainOf(blk, store), nil
}

// ensureTagStorage allocates the slot that keeps this aspect's
// MethodExecutionTag while other aspects run.
func (a *aspectData) ensureTagStorage(cc *InstructionBlockChainCreator) error {
	obj := cc.creator.objectType()
	if a.sm == nil {
		v, err := cc.creator.CreateVariable(obj)
		if err != nil {
			return err
		}
		a.tag = &VariablePersistable{Var: v, Type: obj}
		return nil
	}
	fd := a.sm.def.AddPublicInstanceField("<>tag", obj)
	a.tagField = a.sm.fieldOnStub(cc.module, fd)
	a.tag = &FieldPersistable{Instance: a.sm.stubInstance(), Field: a.tagField}
	return nil
}

// moveNextInstance and moveNextTag are the aspect's storage as seen from
// the step method.
func (a *aspectData) moveNextInstance() *FieldPersistable { return a.sm.inMoveNext(a.aspectField) }

func (a *aspectData) moveNextTag() Persistable {
	if a.tagField == nil {
		return nil
	}
	return a.sm.inMoveNext(a.tagField)
}

func withCapability(aspects []*aspectData, c Capabilities) []*aspectData {
	var out []*aspectData
	for _, a := range aspects {
		if a.caps.Has(c) {
			out = append(out, a)
		}
	}
	return out
}

func reversed(aspects []*aspectData) []*aspectData {
	out := make([]*aspectData, len(aspects))
	for i, a := range aspects {
		out[len(aspects)-1-i] = a
	}
	return out
}
