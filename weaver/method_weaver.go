package weaver

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// ExecutorPrefix names the private method that receives the original body.
const ExecutorPrefix = "$_executor_"

const byRefEarlyReturnMessage = "Weaving early return from a method with a byref return type is not supported."

// Phase is the progress of one method weave.
type Phase uint8

const (
	PhaseSetup Phase = iota
	PhaseArgsBuilt
	PhaseAspectsInstantiated
	PhaseOnEntryEmitted
	PhaseBodyCalled
	PhaseExceptionRegionWired
	PhaseOnExitEmitted
	PhaseFinalized
)

var phaseNames = [...]string{
	PhaseSetup:                "Setup",
	PhaseArgsBuilt:            "ArgsBuilt",
	PhaseAspectsInstantiated:  "AspectsInstantiated",
	PhaseOnEntryEmitted:       "OnEntryEmitted",
	PhaseBodyCalled:           "BodyCalled",
	PhaseExceptionRegionWired: "ExceptionRegionWired",
	PhaseOnExitEmitted:        "OnExitEmitted",
	PhaseFinalized:            "Finalized",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", p)
}

// Weaver rewrites one method so its aspects run around the original body.
type Weaver interface {
	Weave() error
	WeaveCount() int
}

// aspectView picks where an aspect's instance and tag are read from in
// the body being emitted into.
type aspectView func(a *aspectData) (instance Loadable, tag Loadable)

func stubView(a *aspectData) (Loadable, Loadable) { return a.instance, a.tag }

// MethodWeaver weaves a synchronous method. The original body moves into
// a private executor; the method itself becomes the wrapper that creates
// the execution context and aspects, calls the callbacks and invokes the
// executor inside a catch region.
type MethodWeaver struct {
	session *Session
	module  *meta.Module
	method  *meta.MethodDef
	body    *il.Body
	aspects []*aspectData
	refs    *ReferenceFinder
	cc      *InstructionBlockChainCreator
	log     commonlog.Logger

	safeCastRef *meta.MethodRef
	infos       *methodInfoClass

	// stub is the iterator method whose MoveNext is woven here. It is
	// marked together with the step method.
	stub *meta.MethodDef

	executor *meta.MethodDef
	execArgs Persistable
	phase    Phase
	count    int

	// addToSetup places a setup chain; earlyReturn builds the tail run when
	// an OnEntry callback requests FlowBehavior.Return. The async weaver
	// replaces both.
	addToSetup  func(*InstructionBlockChain) error
	earlyReturn func(idx int, ret *VariablePersistable) (*InstructionBlockChain, error)
}

func newMethodWeaver(s *Session, module *meta.Module, method *meta.MethodDef, aspects []*aspectData) (*MethodWeaver, error) {
	refs := NewReferenceFinder(module)
	safeCast, err := s.safeCast(module, refs)
	if err != nil {
		return nil, err
	}
	infos, err := s.methodInfos(module, refs)
	if err != nil {
		return nil, err
	}
	cc, err := NewInstructionBlockChainCreator(method, module, refs, safeCast, infos)
	if err != nil {
		return nil, err
	}
	w := &MethodWeaver{
		session: s,
		module:  module,
		method:  method,
		body:    method.Body,
		aspects: aspects,
		refs:    refs,
		cc:      cc,
		log:     log,

		safeCastRef: safeCast,
		infos:       infos,
	}
	w.addToSetup = w.appendChain
	w.earlyReturn = w.returnEarly
	return w, nil
}

// WeaveCount is 1 after a successful weave.
func (w *MethodWeaver) WeaveCount() int { return w.count }

// Phase reports how far the last weave got.
func (w *MethodWeaver) Phase() Phase { return w.phase }

func (w *MethodWeaver) multiple() bool { return len(w.aspects) > 1 }

func (w *MethodWeaver) setPhase(p Phase) {
	w.phase = p
	w.log.Debugf("%s: %s", w.method.FullName(), p)
}

// Weave rewrites the method. With no aspects it leaves the method alone.
func (w *MethodWeaver) Weave() error {
	if len(w.aspects) == 0 {
		return nil
	}
	if err := w.weave(); err != nil {
		return w.wrap(err)
	}
	w.count++
	return nil
}

func (w *MethodWeaver) wrap(err error) error {
	var se *StructuralError
	var ce *ConfigError
	if errors.As(err, &se) || errors.As(err, &ce) {
		return err
	}
	return &ConfigError{Method: w.method.FullName(), Err: err}
}

func (w *MethodWeaver) weave() error {
	w.setPhase(PhaseSetup)
	w.cloneToExecutor()

	args, err := w.cc.CreateMethodArgumentsArray()
	if err != nil {
		return err
	}
	if err := w.addToSetup(&args.InstructionBlockChain); err != nil {
		return err
	}
	w.setPhase(PhaseArgsBuilt)

	execArgs, err := w.cc.CreateMethodExecutionArgsInstance(args, w.aspects[0].typ)
	if err != nil {
		return err
	}
	if err := w.addToSetup(&execArgs.InstructionBlockChain); err != nil {
		return err
	}
	w.execArgs = execArgs.Persistable()

	if err := w.setupAspects(); err != nil {
		return err
	}
	w.setPhase(PhaseAspectsInstantiated)

	var ret *VariablePersistable
	if !w.method.ReturnType.IsVoid() {
		v, err := w.cc.creator.CreateVariable(w.method.ReturnType)
		if err != nil {
			return err
		}
		ret = &VariablePersistable{Var: v, Type: w.method.ReturnType}
	}

	if err := w.weaveOnEntry(ret); err != nil {
		return err
	}
	w.setPhase(PhaseOnEntryEmitted)

	callStart, callEnd, err := w.handleBody(args, ret)
	if err != nil {
		return err
	}
	w.setPhase(PhaseBodyCalled)

	continuation := w.body.New(il.Nop, nil)
	if len(withCapability(w.aspects, OnException)) > 0 {
		if err := w.weaveOnException(callStart, callEnd, continuation, ret); err != nil {
			return err
		}
	}
	if err := w.body.Append(continuation); err != nil {
		return err
	}
	w.setPhase(PhaseExceptionRegionWired)

	if err := w.weaveOnExit(ret); err != nil {
		return err
	}
	w.setPhase(PhaseOnExitEmitted)

	if err := w.handleReturnValue(ret); err != nil {
		return err
	}
	if err := w.finish(); err != nil {
		return err
	}
	w.setPhase(PhaseFinalized)
	return nil
}

// cloneToExecutor moves the body, parameters and generic parameters of
// the method into a new private executor method on the same type.
func (w *MethodWeaver) cloneToExecutor() {
	m := w.method
	attrs := meta.Private | meta.HideBySig
	if m.IsStatic() {
		attrs |= meta.Static
	}
	exec := meta.NewMethodDef(ExecutorPrefix+m.Name, attrs, m.ReturnType)
	exec.ImplAttributes = m.ImplAttributes | meta.AggressiveInlining
	exec.Params = append(exec.Params, m.Params...)
	for _, gp := range m.GenericParams {
		exec.GenericParams = append(exec.GenericParams, gp.Clone(meta.OwnerMethod))
	}

	exec.Body = m.Body.Transfer()
	m.DeclaringType.AddMethod(exec)
	w.executor = exec
}

func (w *MethodWeaver) appendChain(c *InstructionBlockChain) error {
	return c.Append(w.body)
}

func (w *MethodWeaver) setupAspects() error {
	for _, a := range w.aspects {
		chain, err := a.createInstance(w.cc)
		if err != nil {
			return &ConfigError{Method: w.method.FullName(), Aspect: a.info.String(), Err: err}
		}
		if err := w.addToSetup(chain); err != nil {
			return err
		}
		if w.multiple() {
			if err := a.ensureTagStorage(w.cc); err != nil {
				return err
			}
		}
	}
	return nil
}

// callbackSequence calls name on each aspect in order, restoring the
// aspect's tag first when several aspects share the execution args.
func callbackSequence(cc *InstructionBlockChainCreator, name string, aspects []*aspectData, args Loadable, view aspectView, multiple bool) (*InstructionBlockChain, error) {
	chain := &InstructionBlockChain{}
	for _, a := range aspects {
		inst, tag := view(a)
		if multiple {
			load, err := cc.LoadMethodExecutionArgsTag(args, tag)
			if err != nil {
				return nil, err
			}
			chain.AddChain(load)
		}
		call, err := cc.callAspect(name, a.typ, inst, args)
		if err != nil {
			return nil, err
		}
		chain.AddChain(call)
	}
	return chain, nil
}

func (w *MethodWeaver) weaveOnEntry(ret *VariablePersistable) error {
	for idx, a := range w.aspects {
		if !a.caps.Has(OnEntry) {
			continue
		}
		call, err := w.cc.CallAspectOnEntry(a, w.execArgs)
		if err != nil {
			return err
		}
		if err := w.addToSetup(call); err != nil {
			return err
		}
		if w.multiple() {
			save, err := w.cc.SaveMethodExecutionArgsTag(w.execArgs, a.tag)
			if err != nil {
				return err
			}
			if err := w.addToSetup(save); err != nil {
				return err
			}
		}

		tail, err := w.earlyReturn(idx, ret)
		if err != nil {
			return err
		}
		cont := NewBlock("Continue after OnEntry", w.body.New(il.Nop, nil))
		flow, err := w.cc.IfFlowBehaviorIsAnyOf(w.execArgs, cont.First(), tail, corlib.FlowReturn)
		if err != nil {
			return err
		}
		flow.Add(cont)
		if err := w.addToSetup(flow); err != nil {
			return err
		}
	}
	return nil
}

// returnEarly runs OnExit for the aspects up to idx in reverse order and
// returns ReturnValue. Byref returns cannot be read back from the
// execution args, so the tail throws instead.
func (w *MethodWeaver) returnEarly(idx int, ret *VariablePersistable) (*InstructionBlockChain, error) {
	if w.method.ReturnType.IsByRef() {
		return w.unsupportedEarlyReturn(byRefEarlyReturnMessage, ErrByRefEarlyReturn)
	}
	chain, err := callbackSequence(w.cc, corlib.OnExit, reversed(withCapability(w.aspects[:idx+1], OnExit)), w.execArgs, stubView, w.multiple())
	if err != nil {
		return nil, err
	}
	if ret != nil {
		read, err := w.cc.ReadReturnValue(w.execArgs, ret)
		if err != nil {
			return nil, err
		}
		chain.AddChain(read)
		chain.Add(w.cc.creator.PushValueOnStack(ret.Var))
	}
	chain.Add(w.cc.creator.CreateReturn())
	return chain, nil
}

// unsupportedEarlyReturn emits a NotSupportedException throw for an early
// return the weaver cannot express, or fails when the session is strict.
func (w *MethodWeaver) unsupportedEarlyReturn(msg string, sentinel error) (*InstructionBlockChain, error) {
	if w.session.opts.StrictEarlyReturn {
		return nil, sentinel
	}
	w.log.Warningf("%s: %s", w.method.FullName(), msg)
	w.session.addUnsupported(w.method.FullName())
	blk, err := throwNotSupported(w.cc, msg)
	if err != nil {
		return nil, err
	}
	return chainOf(blk), nil
}

func throwNotSupported(cc *InstructionBlockChainCreator, msg string) (*InstructionBlock, error) {
	t, err := cc.refs.Type(corlib.NotSupportedException)
	if err != nil {
		return nil, err
	}
	ctor, err := cc.refs.ConstructorRef(t, func(m *meta.MethodDef) bool {
		return len(m.Params) == 1 && m.Params[0].Type.Is(corlib.String)
	})
	if err != nil {
		return nil, err
	}
	b := cc.body
	return NewBlock("Throw NotSupported",
		b.New(il.Ldstr, msg),
		b.New(il.Newobj, ctor),
		b.New(il.Throw, nil)), nil
}

func (w *MethodWeaver) allowChangingInputArguments() bool {
	for _, a := range w.aspects {
		if a.info.AllowChangingInputArguments {
			return true
		}
	}
	return false
}

// handleBody emits the executor call and returns its first and last
// instruction, which bound the protected region.
func (w *MethodWeaver) handleBody(args *NamedInstructionBlockChain, ret *VariablePersistable) (il.Handle, il.Handle, error) {
	var this Loadable
	if !w.method.IsStatic() {
		blk, err := w.cc.creator.CreateThisVariable(w.method.DeclaringType)
		if err != nil {
			return il.NoHandle, il.NoHandle, err
		}
		if err := w.body.Append(blk.Instructions()...); err != nil {
			return il.NoHandle, il.NoHandle, err
		}
		this = NewVariablePersistable(blk.Variable)
	}
	var retP Persistable
	if ret != nil {
		retP = ret
	}

	var (
		call *InstructionBlockChain
		err  error
	)
	if w.allowChangingInputArguments() {
		loads := make([]*ArrayElementLoadable, len(w.method.Params))
		ls := make([]Loadable, len(w.method.Params))
		for i, p := range w.method.Params {
			loads[i] = &ArrayElementLoadable{Array: args.Variable, Index: i, Param: p, creator: w.cc.creator}
			ls[i] = loads[i]
		}
		call, err = w.cc.CallMethodWithReturn(w.executor, this, retP, ls...)
		if err != nil {
			return il.NoHandle, il.NoHandle, err
		}
		var copyBack []il.Handle
		for _, p := range w.method.Params {
			if !p.Type.IsByRef() {
				continue
			}
			copyBack = append(copyBack, w.body.New(il.Ldarg, w.method.ArgSlot(p)))
			copyBack = append(copyBack, loads[p.Index].LoadValue(w.body).Instructions()...)
			op := stindFor(p.Type.ElementType())
			var operand any
			if op == il.Stobj {
				operand = p.Type.ElementType()
			}
			copyBack = append(copyBack, w.body.New(op, operand))
		}
		if len(copyBack) > 0 {
			call.Add(NewBlock("Copy back ref values", copyBack...))
		}
	} else {
		call, err = w.cc.CallMethodWithLocalParameters(w.executor, this, retP)
		if err != nil {
			return il.NoHandle, il.NoHandle, err
		}
	}
	if err := call.Append(w.body); err != nil {
		return il.NoHandle, il.NoHandle, err
	}
	return call.First(), call.Last(), nil
}

// weaveOnException wraps [callStart, callEnd] in a catch region. The
// handler stores the exception on the execution args and calls OnException
// in reverse order. An aspect that sets Continue or Return ends the chain
// and the method returns ReturnValue; otherwise the next aspect runs and
// the exception is rethrown after the last one.
func (w *MethodWeaver) weaveOnException(callStart, callEnd, continuation il.Handle, ret *VariablePersistable) error {
	cc, b := w.cc, w.body
	save, err := cc.SaveThrownException()
	if err != nil {
		return err
	}
	setExc, err := cc.SetMethodExecutionArgsException(w.execArgs, save.Persistable())
	if err != nil {
		return err
	}

	rethrow := b.New(il.Rethrow, nil)
	continueFlow := b.New(il.Nop, nil)

	aspects := reversed(withCapability(w.aspects, OnException))
	segments := make([]*InstructionBlockChain, len(aspects))
	for i, a := range aspects {
		seg, err := callbackSequence(cc, corlib.OnException, []*aspectData{a}, w.execArgs, stubView, w.multiple())
		if err != nil {
			return err
		}
		segments[i] = seg
	}

	handler := &InstructionBlockChain{}
	handler.AddChain(&save.InstructionBlockChain)
	handler.AddChain(setExc)
	for i, seg := range segments {
		next := rethrow
		if i+1 < len(segments) {
			next = segments[i+1].First()
		}
		then := chainOf(NewBlock("Branch to continue", b.New(il.Br, continueFlow)))
		flow, err := cc.IfFlowBehaviorIsAnyOf(w.execArgs, next, then, corlib.FlowContinue, corlib.FlowReturn)
		if err != nil {
			return err
		}
		handler.AddChain(seg)
		handler.AddChain(flow)
	}
	handler.Add(NewBlock("Rethrow", rethrow))
	handler.Add(NewBlock("Continue", continueFlow))
	// ReturnValue is an object and cannot hold a reference, so Continue on a
	// by-reference method returns whatever the return local holds: the
	// executor's result if it got that far, otherwise a null reference.
	if ret != nil && !ret.Type.IsByRef() {
		read, err := cc.ReadReturnValue(w.execArgs, ret)
		if err != nil {
			return err
		}
		handler.AddChain(read)
	}
	handler.Add(NewBlock("Leave handler", b.New(il.Leave, continuation)))

	tryLeave := b.New(il.Leave, continuation)
	if err := b.InsertAfter(callEnd, tryLeave); err != nil {
		return err
	}
	if _, err := handler.InsertAfter(b, tryLeave); err != nil {
		return err
	}

	b.Handlers = append(b.Handlers, &il.ExceptionHandler{
		Type:         il.HandlerCatch,
		CatchType:    save.Type,
		TryStart:     callStart,
		TryEnd:       handler.First(),
		HandlerStart: handler.First(),
		HandlerEnd:   continuation,
	})
	return nil
}

// weaveOnExit publishes the return value, calls OnExit in reverse order
// and reads the possibly replaced return value back.
func (w *MethodWeaver) weaveOnExit(ret *VariablePersistable) error {
	exits := reversed(withCapability(w.aspects, OnExit))
	if len(exits) == 0 {
		return nil
	}
	withValue := ret != nil && !ret.Type.IsByRef()
	if withValue {
		set, err := w.cc.SetMethodExecutionArgsReturnValue(w.execArgs, ret)
		if err != nil {
			return err
		}
		if err := set.Append(w.body); err != nil {
			return err
		}
	}
	calls, err := callbackSequence(w.cc, corlib.OnExit, exits, w.execArgs, stubView, w.multiple())
	if err != nil {
		return err
	}
	if err := calls.Append(w.body); err != nil {
		return err
	}
	if withValue {
		read, err := w.cc.ReadReturnValue(w.execArgs, ret)
		if err != nil {
			return err
		}
		return read.Append(w.body)
	}
	return nil
}

func (w *MethodWeaver) handleReturnValue(ret *VariablePersistable) error {
	tail := &InstructionBlockChain{}
	if ret != nil {
		tail.Add(w.cc.creator.PushValueOnStack(ret.Var))
	}
	tail.Add(w.cc.creator.CreateReturn())
	return tail.Append(w.body)
}

func (w *MethodWeaver) finish() error {
	if err := markWoven(w.method, w.refs); err != nil {
		return err
	}
	if w.stub != nil {
		if err := markWoven(w.stub, w.refs); err != nil {
			return err
		}
	}
	finalizeBody(w.body)
	finalizeBody(w.executor.Body)
	if w.session.opts.Verify {
		if err := meta.VerifyMethod(w.method); err != nil {
			return err
		}
		return meta.VerifyMethod(w.executor)
	}
	return nil
}

func finalizeBody(b *il.Body) {
	b.InitLocals = true
	b.Optimize()
	b.UpdateDebugInfo()
}

// markWoven adds the DebuggerStepThrough and Woven markers to m unless
// they are already present.
func markWoven(m *meta.MethodDef, refs *ReferenceFinder) error {
	for _, name := range []string{meta.DebuggerStepThroughAttribute, corlib.WovenAttribute} {
		if m.HasAttribute(name) {
			continue
		}
		t, err := refs.Type(name)
		if err != nil {
			return err
		}
		ctor, err := refs.ConstructorRef(t, func(c *meta.MethodDef) bool { return len(c.Params) == 0 })
		if err != nil {
			return err
		}
		m.CustomAttributes = append(m.CustomAttributes, meta.NewCustomAttribute(ctor))
	}
	return nil
}
