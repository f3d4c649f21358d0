package weaver

import (
	"fmt"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// InstructionBlockChainCreator assembles the aspect-level operations
// (execution arguments, callbacks, flow tests) out of the primitive blocks
// of an InstructionBlockCreator bound to the same body.
type InstructionBlockChainCreator struct {
	method  *meta.MethodDef
	body    *il.Body
	module  *meta.Module
	refs    *ReferenceFinder
	creator *InstructionBlockCreator

	// methodInfos is nil when compile-time method descriptors are off.
	methodInfos *methodInfoClass
}

// NewInstructionBlockChainCreator binds a chain creator to method's body.
func NewInstructionBlockChainCreator(method *meta.MethodDef, module *meta.Module, refs *ReferenceFinder, safeCast *meta.MethodRef, infos *methodInfoClass) (*InstructionBlockChainCreator, error) {
	c, err := NewInstructionBlockCreator(method, module, refs, safeCast)
	if err != nil {
		return nil, err
	}
	return &InstructionBlockChainCreator{
		method:      method,
		body:        method.Body,
		module:      module,
		refs:        refs,
		creator:     c,
		methodInfos: infos,
	}, nil
}

// Creator exposes the primitive block creator.
func (cc *InstructionBlockChainCreator) Creator() *InstructionBlockCreator { return cc.creator }

// CreateMethodArgumentsArray boxes the method's arguments into a fresh
// object[] local.
func (cc *InstructionBlockChainCreator) CreateMethodArgumentsArray() (*NamedInstructionBlockChain, error) {
	obj := cc.creator.objectType()
	arrType := meta.MakeArray(obj)
	v, err := cc.creator.CreateVariable(arrType)
	if err != nil {
		return nil, err
	}
	chain := newNamedChain(v, arrType)
	chain.Add(cc.creator.CreateObjectArrayWithMethodArguments(v, obj))
	return chain, nil
}

// executionArgsType is the parameter type of the aspect's callbacks:
// the first subclass of MethodExecutionArgs a callback declares, or
// MethodExecutionArgs itself.
func (cc *InstructionBlockChainCreator) executionArgsType(aspectType *meta.TypeRef) (*meta.TypeRef, error) {
	ref, err := cc.refs.MethodRef(aspectType, func(m *meta.MethodDef) bool {
		return isCallback(m) && !m.Params[0].Type.Is(corlib.MethodExecutionArgs)
	}, nil)
	if err != nil {
		return cc.refs.Type(corlib.MethodExecutionArgs)
	}
	return cc.module.ImportType(ref.Params[0], nil), nil
}

// CreateMethodExecutionArgsInstance builds the MethodExecutionArgs for one
// invocation: receiver, argument array and method descriptor.
func (cc *InstructionBlockChainCreator) CreateMethodExecutionArgsInstance(args *NamedInstructionBlockChain, aspectType *meta.TypeRef) (*NamedInstructionBlockChain, error) {
	argsType, err := cc.executionArgsType(aspectType)
	if err != nil {
		return nil, err
	}
	v, err := cc.creator.CreateVariable(argsType)
	if err != nil {
		return nil, err
	}
	chain := newNamedChain(v, argsType)
	newObj, err := cc.creator.NewObject(v, argsType, nil)
	if err != nil {
		return nil, err
	}
	chain.Add(newObj)
	target := chain.Persistable()

	if !cc.method.IsStatic() {
		set, err := cc.refs.MethodNamed(argsType, "set_Instance", 1)
		if err != nil {
			return nil, err
		}
		self := cc.method.DeclaringType.SelfInstance()
		if cc.method.DeclaringType.IsValueType {
			self = meta.MakeByRef(self)
		}
		blk, err := cc.creator.CallVoidInstanceMethod(set, target, &ThisLoadable{Type: self})
		if err != nil {
			return nil, err
		}
		chain.Add(blk)
	}

	setArgs, err := cc.refs.MethodNamed(argsType, "set_Arguments", 1)
	if err != nil {
		return nil, err
	}
	blk, err := cc.creator.CallVoidInstanceMethod(setArgs, target, args.Persistable())
	if err != nil {
		return nil, err
	}
	chain.Add(blk)

	desc, err := cc.methodDescriptor()
	if err != nil {
		return nil, err
	}
	chain.Add(desc)
	setMethod, err := cc.refs.MethodNamed(argsType, "set_Method", 1)
	if err != nil {
		return nil, err
	}
	blk, err = cc.creator.CallVoidInstanceMethod(setMethod, target, &VariablePersistable{Var: desc.Variable, Type: desc.Variable.Type.(*meta.TypeRef)})
	if err != nil {
		return nil, err
	}
	chain.Add(blk)
	return chain, nil
}

// selfRef is a reference to the method being woven, instantiated over its
// own generic parameters.
func (cc *InstructionBlockChainCreator) selfRef() *meta.MethodRef {
	ref := cc.module.ImportMethod(cc.method.Ref(), nil)
	if cc.method.IsGeneric() {
		args := make([]*meta.TypeRef, len(cc.method.GenericParams))
		for i, p := range cc.method.GenericParams {
			args[i] = p.Ref()
		}
		ref = meta.MakeGenericMethod(ref, args...)
	}
	return ref
}

// methodDescriptor loads the MethodBase of the woven method into a local,
// from the compile-time cache when one is available and the method is not
// generic.
func (cc *InstructionBlockChainCreator) methodDescriptor() (*InstructionBlock, error) {
	mbType, err := cc.refs.Type(corlib.MethodBase)
	if err != nil {
		return nil, err
	}
	v, err := cc.creator.CreateVariable(mbType)
	if err != nil {
		return nil, err
	}
	b := cc.body
	if cc.methodInfos != nil && !cc.method.IsGeneric() && len(cc.method.DeclaringType.GenericParams) == 0 {
		f, err := cc.methodInfos.fieldFor(cc.method)
		if err != nil {
			return nil, err
		}
		blk := NewBlock("Load cached method info", b.New(il.Ldsfld, f), b.New(il.Stloc, v))
		blk.Variable = v
		return blk, nil
	}
	getMethod, err := cc.refs.MethodNamed(mbType, "GetMethodFromHandle", 1)
	if err != nil {
		return nil, err
	}
	blk := NewBlock("Load method info",
		b.New(il.Ldtoken, cc.selfRef()),
		b.New(il.Call, getMethod),
		b.New(il.Stloc, v))
	blk.Variable = v
	return blk, nil
}

// CreateAndNewUpAspect constructs the aspect attribute into a new local.
func (cc *InstructionBlockChainCreator) CreateAndNewUpAspect(info *AspectInfo, t *meta.TypeRef) (*InstructionBlock, error) {
	v, err := cc.creator.CreateVariable(t)
	if err != nil {
		return nil, err
	}
	return cc.creator.NewObject(v, t, info.Attribute)
}

func (cc *InstructionBlockChainCreator) callback(aspectType *meta.TypeRef, name string) (*meta.MethodRef, error) {
	return cc.refs.MethodRef(aspectType, func(m *meta.MethodDef) bool {
		return m.Name == name && isCallback(m)
	}, nil)
}

func (cc *InstructionBlockChainCreator) callAspect(name string, aspectType *meta.TypeRef, aspect, args Loadable) (*InstructionBlockChain, error) {
	ref, err := cc.callback(aspectType, name)
	if err != nil {
		return nil, err
	}
	blk, err := cc.creator.CallVoidInstanceMethod(ref, aspect, args)
	if err != nil {
		return nil, err
	}
	blk.Name = "Call " + name + " on " + aspectType.Name
	return chainOf(blk), nil
}

// CallAspectOnEntry calls OnEntry on the aspect's instance.
func (cc *InstructionBlockChainCreator) CallAspectOnEntry(a *aspectData, args Loadable) (*InstructionBlockChain, error) {
	return cc.callAspect(corlib.OnEntry, a.typ, a.instance, args)
}

// CallAspectOnExit calls OnExit on the aspect's instance.
func (cc *InstructionBlockChainCreator) CallAspectOnExit(a *aspectData, args Loadable) (*InstructionBlockChain, error) {
	return cc.callAspect(corlib.OnExit, a.typ, a.instance, args)
}

// CallAspectOnException calls OnException on the aspect's instance.
func (cc *InstructionBlockChainCreator) CallAspectOnException(a *aspectData, args Loadable) (*InstructionBlockChain, error) {
	return cc.callAspect(corlib.OnException, a.typ, a.instance, args)
}

func (cc *InstructionBlockChainCreator) argsMethod(args Loadable, name string, arity int) (*meta.MethodRef, error) {
	return cc.refs.MethodNamed(args.PersistedType(), name, arity)
}

// SaveMethodExecutionArgsTag copies args.MethodExecutionTag into tag.
func (cc *InstructionBlockChainCreator) SaveMethodExecutionArgsTag(args Loadable, tag Persistable) (*InstructionBlockChain, error) {
	get, err := cc.argsMethod(args, "get_MethodExecutionTag", 0)
	if err != nil {
		return nil, err
	}
	blk, err := cc.creator.CallInstanceMethod(get, args, tag)
	if err != nil {
		return nil, err
	}
	return chainOf(blk), nil
}

// LoadMethodExecutionArgsTag restores args.MethodExecutionTag from tag.
func (cc *InstructionBlockChainCreator) LoadMethodExecutionArgsTag(args Loadable, tag Loadable) (*InstructionBlockChain, error) {
	set, err := cc.argsMethod(args, "set_MethodExecutionTag", 1)
	if err != nil {
		return nil, err
	}
	blk, err := cc.creator.CallVoidInstanceMethod(set, args, tag)
	if err != nil {
		return nil, err
	}
	return chainOf(blk), nil
}

// IfFlowBehaviorIsAnyOf runs then when args.FlowBehavior equals one of
// behaviors and jumps to next otherwise.
func (cc *InstructionBlockChainCreator) IfFlowBehaviorIsAnyOf(args Loadable, next il.Handle, then *InstructionBlockChain, behaviors ...int32) (*InstructionBlockChain, error) {
	get, err := cc.argsMethod(args, "get_FlowBehavior", 0)
	if err != nil {
		return nil, err
	}
	thenFirst := then.First()
	if thenFirst == il.NoHandle {
		return nil, fmt.Errorf("flow behavior test with an empty branch")
	}
	chain := &InstructionBlockChain{}
	b := cc.body
	for _, fb := range behaviors {
		load, err := args.Load(b, true)
		if err != nil {
			return nil, err
		}
		hs := load.Instructions()
		hs = append(hs, b.New(il.Call, get), b.New(il.LdcI4, fb), b.New(il.Beq, thenFirst))
		chain.Add(NewBlock(fmt.Sprintf("If FlowBehavior == %d", fb), hs...))
	}
	chain.Add(NewBlock("Else", b.New(il.Br, next)))
	chain.AddChain(then)
	return chain, nil
}

// ReadReturnValue stores args.ReturnValue into ret, cast to ret's type.
func (cc *InstructionBlockChainCreator) ReadReturnValue(args Loadable, ret Persistable) (*InstructionBlockChain, error) {
	get, err := cc.argsMethod(args, "get_ReturnValue", 0)
	if err != nil {
		return nil, err
	}
	blk, err := cc.creator.CallInstanceMethod(get, args, ret)
	if err != nil {
		return nil, err
	}
	return chainOf(blk), nil
}

// SetMethodExecutionArgsReturnValue stores value into args.ReturnValue,
// boxing value types.
func (cc *InstructionBlockChainCreator) SetMethodExecutionArgsReturnValue(args Loadable, value Loadable) (*InstructionBlockChain, error) {
	set, err := cc.argsMethod(args, "set_ReturnValue", 1)
	if err != nil {
		return nil, err
	}
	blk, err := cc.creator.CallVoidInstanceMethod(set, args, value)
	if err != nil {
		return nil, err
	}
	return chainOf(blk), nil
}

// SaveThrownException pops the caught exception into a new local.
func (cc *InstructionBlockChainCreator) SaveThrownException() (*NamedInstructionBlockChain, error) {
	excType, err := cc.refs.Type(corlib.Exception)
	if err != nil {
		return nil, err
	}
	v, err := cc.creator.CreateVariable(excType)
	if err != nil {
		return nil, err
	}
	chain := newNamedChain(v, excType)
	chain.Add(NewBlock("Save thrown exception", cc.body.New(il.Stloc, v)))
	return chain, nil
}

// SetMethodExecutionArgsException stores exc into args.Exception.
func (cc *InstructionBlockChainCreator) SetMethodExecutionArgsException(args Loadable, exc Loadable) (*InstructionBlockChain, error) {
	set, err := cc.argsMethod(args, "set_Exception", 1)
	if err != nil {
		return nil, err
	}
	blk, err := cc.creator.CallVoidInstanceMethod(set, args, exc)
	if err != nil {
		return nil, err
	}
	return chainOf(blk), nil
}

// executorRef references the executor, instantiated over the wrapper's
// generic parameters.
func (cc *InstructionBlockChainCreator) executorRef(executor *meta.MethodDef) *meta.MethodRef {
	ref := cc.module.ImportMethod(executor.Ref(), nil)
	if executor.IsGeneric() {
		args := make([]*meta.TypeRef, len(cc.method.GenericParams))
		for i, p := range cc.method.GenericParams {
			args[i] = p.Ref()
		}
		ref = meta.MakeGenericMethod(ref, args...)
	}
	return ref
}

// CallMethodWithLocalParameters calls the executor forwarding the wrapper's
// own arguments unchanged.
func (cc *InstructionBlockChainCreator) CallMethodWithLocalParameters(executor *meta.MethodDef, this Loadable, ret Persistable) (*InstructionBlockChain, error) {
	args := make([]Loadable, len(cc.method.Params))
	for i, p := range cc.method.Params {
		args[i] = &ArgLoadable{Slot: cc.method.ArgSlot(p), Type: p.Type}
	}
	return cc.CallMethodWithReturn(executor, this, ret, args...)
}

// CallMethodWithReturn calls the executor with args, storing its result
// into ret when ret is set.
func (cc *InstructionBlockChainCreator) CallMethodWithReturn(executor *meta.MethodDef, this Loadable, ret Persistable, args ...Loadable) (*InstructionBlockChain, error) {
	ref := cc.executorRef(executor)
	var (
		blk *InstructionBlock
		err error
	)
	if this == nil {
		blk, err = cc.creator.CallStaticMethod(ref, ret, args...)
	} else {
		blk, err = cc.creator.CallInstanceMethod(ref, this, ret, args...)
	}
	if err != nil {
		return nil, err
	}
	blk.Name = "Call " + executor.Name
	return chainOf(blk), nil
}
