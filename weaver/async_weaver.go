package weaver

import (
	"fmt"

	"github.com/chazu/boundary/pkg/corlib"
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

const executionArgsField = "<>executionArgs"

// AsyncMethodWeaver weaves an async stub and its state machine. The stub
// keeps its body: the execution args and aspects are created right after
// the state machine is stored into its local, and are parked in fields of
// the state machine. OnExit runs in MoveNext before the builder completes
// the task; OnException runs before the builder faults it.
type AsyncMethodWeaver struct {
	*MethodWeaver

	sm        *stateMachineLink
	cursor    il.Handle
	execField *meta.FieldRef
}

func newAsyncMethodWeaver(s *Session, module *meta.Module, stub *meta.MethodDef, sm *stateMachineLink, aspects []*aspectData) (*AsyncMethodWeaver, error) {
	mw, err := newMethodWeaver(s, module, stub, aspects)
	if err != nil {
		return nil, err
	}
	w := &AsyncMethodWeaver{MethodWeaver: mw, sm: sm}
	mw.addToSetup = w.insertAtCursor
	mw.earlyReturn = w.returnEarly
	return w, nil
}

// Weave rewrites the stub and MoveNext.
func (w *AsyncMethodWeaver) Weave() error {
	if len(w.aspects) == 0 {
		return nil
	}
	if err := w.weave(); err != nil {
		return w.wrap(err)
	}
	w.count++
	return nil
}

func (w *AsyncMethodWeaver) weave() error {
	w.setPhase(PhaseSetup)
	if err := w.findCursor(); err != nil {
		return err
	}

	args, err := w.cc.CreateMethodArgumentsArray()
	if err != nil {
		return err
	}
	if err := w.insertAtCursor(&args.InstructionBlockChain); err != nil {
		return err
	}
	w.setPhase(PhaseArgsBuilt)

	execArgs, err := w.cc.CreateMethodExecutionArgsInstance(args, w.aspects[0].typ)
	if err != nil {
		return err
	}
	if err := w.insertAtCursor(&execArgs.InstructionBlockChain); err != nil {
		return err
	}
	fd := w.sm.def.AddPublicInstanceField(executionArgsField, execArgs.Type)
	w.execField = w.sm.fieldOnStub(w.module, fd)
	field := &FieldPersistable{Instance: w.sm.stubInstance(), Field: w.execField}
	store, err := field.Store(w.body, []il.Handle{w.body.New(il.Ldloc, execArgs.Variable)}, execArgs.Type)
	if err != nil {
		return err
	}
	if err := w.insertAtCursor(chainOf(store)); err != nil {
		return err
	}
	w.execArgs = field

	if err := w.setupAspects(); err != nil {
		return err
	}
	w.setPhase(PhaseAspectsInstantiated)

	if err := w.weaveOnEntry(nil); err != nil {
		return err
	}
	w.setPhase(PhaseOnEntryEmitted)

	if err := w.weaveMoveNext(); err != nil {
		return err
	}
	w.setPhase(PhaseOnExitEmitted)

	if err := markWoven(w.method, w.refs); err != nil {
		return err
	}
	finalizeBody(w.body)
	finalizeBody(w.sm.moveNext.Body)
	if w.session.opts.Verify {
		if err := meta.VerifyMethod(w.method); err != nil {
			return err
		}
		if err := meta.VerifyMethod(w.sm.moveNext); err != nil {
			return err
		}
	}
	w.setPhase(PhaseFinalized)
	return nil
}

// findCursor positions the setup cursor on the first store into the state
// machine local. A stub without one gets a leading nop instead.
func (w *AsyncMethodWeaver) findCursor() error {
	for _, h := range w.body.Instructions() {
		ins := w.body.At(h)
		if ins.Op == il.Stloc && ins.Operand == w.sm.local {
			w.cursor = h
			return nil
		}
	}
	nop := w.body.New(il.Nop, nil)
	if err := w.body.Prepend(nop); err != nil {
		return err
	}
	w.cursor = nop
	return nil
}

func (w *AsyncMethodWeaver) insertAtCursor(c *InstructionBlockChain) error {
	last, err := c.InsertAfter(w.body, w.cursor)
	if err != nil {
		return err
	}
	w.cursor = last
	return nil
}

// returnEarly completes the stub without starting the state machine. The
// task returned carries ReturnValue for Task<T>, and is already completed
// for Task.
func (w *AsyncMethodWeaver) returnEarly(idx int, _ *VariablePersistable) (*InstructionBlockChain, error) {
	chain, err := callbackSequence(w.cc, corlib.OnExit, reversed(withCapability(w.aspects[:idx+1], OnExit)), w.execArgs, stubView, w.multiple())
	if err != nil {
		return nil, err
	}
	b := w.body
	rt := w.method.ReturnType
	switch {
	case rt.IsGenericInstance() && rt.Element.Is(corlib.TaskOfT) && len(rt.Args) == 1:
		task, err := w.refs.Type(corlib.Task)
		if err != nil {
			return nil, err
		}
		fromResult, err := w.refs.MethodNamed(task, "FromResult", 1)
		if err != nil {
			return nil, err
		}
		result := rt.Args[0]
		v, err := w.cc.creator.CreateVariable(result)
		if err != nil {
			return nil, err
		}
		tmp := &VariablePersistable{Var: v, Type: result}
		read, err := w.cc.ReadReturnValue(w.execArgs, tmp)
		if err != nil {
			return nil, err
		}
		chain.AddChain(read)
		chain.Add(NewBlock("Return Task.FromResult",
			b.New(il.Ldloc, v),
			b.New(il.Call, meta.MakeGenericMethod(fromResult, result)),
			b.New(il.Ret, nil)))
	case rt.Is(corlib.Task):
		task, err := w.refs.Type(corlib.Task)
		if err != nil {
			return nil, err
		}
		completed, err := w.refs.MethodNamed(task, "get_CompletedTask", 0)
		if err != nil {
			return nil, err
		}
		chain.Add(NewBlock("Return Task.CompletedTask",
			b.New(il.Call, completed),
			b.New(il.Ret, nil)))
	default:
		msg := fmt.Sprintf("Weaving early return from an async method returning %s is not supported.", rt)
		return w.unsupportedEarlyReturn(msg, ErrAsyncEarlyReturn)
	}
	return chain, nil
}

func moveNextView(a *aspectData) (Loadable, Loadable) {
	return a.moveNextInstance(), a.moveNextTag()
}

// builderCalls returns the SetResult and SetException calls on the async
// method builder in body.
func builderCalls(b *il.Body) (results, faults []il.Handle) {
	for _, h := range b.Instructions() {
		ins := b.At(h)
		if !ins.Op.IsCall() || ins.Op == il.Newobj {
			continue
		}
		ref, ok := ins.Operand.(*meta.MethodRef)
		if !ok || !isAsyncBuilder(ref.DeclaringType) {
			continue
		}
		switch ref.Name {
		case "SetResult":
			results = append(results, h)
		case "SetException":
			faults = append(faults, h)
		}
	}
	return results, faults
}

var asyncBuilders = map[string]bool{
	corlib.AsyncTaskMethodBuilder:         true,
	corlib.AsyncTaskMethodBuilderOfT:      true,
	corlib.AsyncVoidMethodBuilder:         true,
	corlib.AsyncValueTaskMethodBuilder:    true,
	corlib.AsyncValueTaskMethodBuilderOfT: true,
	corlib.AsyncUniTaskMethodBuilder:      true,
	corlib.AsyncUniTaskMethodBuilderOfT:   true,
	corlib.AsyncUniTaskVoidMethodBuilder:  true,
}

// isAsyncBuilder matches t, or the generic type it instantiates, against
// the known builder names.
func isAsyncBuilder(t *meta.TypeRef) bool {
	if t == nil {
		return false
	}
	if t.Kind == meta.KindGenericInst {
		t = t.Element
	}
	return asyncBuilders[t.FullName()]
}

func (w *AsyncMethodWeaver) weaveMoveNext() error {
	mn := w.sm.moveNext
	cc, err := NewInstructionBlockChainCreator(mn, w.module, w.refs, w.safeCastRef, w.infos)
	if err != nil {
		return err
	}
	execArgs := w.sm.inMoveNext(w.execField)
	results, faults := builderCalls(mn.Body)

	if exits := reversed(withCapability(w.aspects, OnExit)); len(exits) > 0 {
		for _, call := range results {
			if err := w.weaveSetResult(cc, call, execArgs, exits); err != nil {
				return err
			}
		}
	}
	if handlers := reversed(withCapability(w.aspects, OnException)); len(handlers) > 0 {
		for _, call := range faults {
			if err := w.weaveSetException(cc, call, execArgs, handlers); err != nil {
				return err
			}
		}
	}
	w.setPhase(PhaseExceptionRegionWired)
	return nil
}

// resultType is the T of a SetResult(T) call.
func resultType(ref *meta.MethodRef) *meta.TypeRef {
	if d := ref.DeclaringType; d.IsGenericInstance() && len(d.Args) == 1 {
		return d.Args[0]
	}
	return ref.Params[0]
}

// weaveSetResult runs OnExit ahead of builder.SetResult. With a result on
// the stack it is published as ReturnValue first and the possibly
// replaced value is handed to the builder.
func (w *AsyncMethodWeaver) weaveSetResult(cc *InstructionBlockChainCreator, call il.Handle, execArgs Persistable, exits []*aspectData) error {
	b := cc.body
	ref := b.At(call).Operand.(*meta.MethodRef)
	chain := &InstructionBlockChain{}

	var tmp *VariablePersistable
	if len(ref.Params) == 1 {
		t := resultType(ref)
		v, err := cc.creator.CreateVariable(t)
		if err != nil {
			return err
		}
		tmp = &VariablePersistable{Var: v, Type: t}
		chain.Add(NewBlock("Save result", b.New(il.Stloc, v)))
		set, err := cc.SetMethodExecutionArgsReturnValue(execArgs, tmp)
		if err != nil {
			return err
		}
		chain.AddChain(set)
	}
	calls, err := callbackSequence(cc, corlib.OnExit, exits, execArgs, moveNextView, w.multiple())
	if err != nil {
		return err
	}
	chain.AddChain(calls)
	if tmp != nil {
		read, err := cc.ReadReturnValue(execArgs, tmp)
		if err != nil {
			return err
		}
		chain.AddChain(read)
		chain.Add(NewBlock("Load result", b.New(il.Ldloc, tmp.Var)))
	}

	if err := chain.InsertBefore(b, call); err != nil {
		return err
	}
	retargetAll(b, call, chain.First())
	return nil
}

// weaveSetException runs OnException ahead of builder.SetException. An
// aspect answering Continue or Return completes the task with ReturnValue
// instead; otherwise the next aspect runs and the builder faults the task
// with the original exception.
func (w *AsyncMethodWeaver) weaveSetException(cc *InstructionBlockChainCreator, call il.Handle, execArgs Persistable, handlers []*aspectData) error {
	b := cc.body
	ref := b.At(call).Operand.(*meta.MethodRef)
	after := b.Next(call)
	if after == il.NoHandle {
		return fmt.Errorf("%s: SetException is the last instruction of MoveNext", w.method.FullName())
	}
	generic := ref.DeclaringType.IsGenericInstance()
	arity := 0
	if generic {
		arity = 1
	}
	setResult, err := w.refs.MethodNamed(ref.DeclaringType, "SetResult", arity)
	if err != nil {
		return err
	}

	excType, err := w.refs.Type(corlib.Exception)
	if err != nil {
		return err
	}
	exVar, err := cc.creator.CreateVariable(excType)
	if err != nil {
		return err
	}
	exc := &VariablePersistable{Var: exVar, Type: excType}

	chain := &InstructionBlockChain{}
	chain.Add(NewBlock("Save exception", b.New(il.Stloc, exVar)))
	setExc, err := cc.SetMethodExecutionArgsException(execArgs, exc)
	if err != nil {
		return err
	}
	chain.AddChain(setExc)

	segments := make([]*InstructionBlockChain, len(handlers))
	for i, a := range handlers {
		seg, err := callbackSequence(cc, corlib.OnException, []*aspectData{a}, execArgs, moveNextView, w.multiple())
		if err != nil {
			return err
		}
		segments[i] = seg
	}
	resume := b.New(il.Ldloc, exVar)

	for i, seg := range segments {
		next := resume
		if i+1 < len(segments) {
			next = segments[i+1].First()
		}
		var hs []il.Handle
		if generic {
			get, err := cc.argsMethod(execArgs, "get_ReturnValue", 0)
			if err != nil {
				return err
			}
			load, err := execArgs.Load(b, true)
			if err != nil {
				return err
			}
			cast, err := cc.creator.CastValueCurrentlyOnStack(cc.creator.objectType(), resultType(setResult))
			if err != nil {
				return err
			}
			hs = append(hs, load.Instructions()...)
			hs = append(hs, b.New(il.Call, get))
			hs = append(hs, cast...)
		}
		hs = append(hs, b.New(il.Call, setResult), b.New(il.Br, after))
		then := chainOf(NewBlock("Complete with ReturnValue", hs...))
		flow, err := cc.IfFlowBehaviorIsAnyOf(execArgs, next, then, corlib.FlowContinue, corlib.FlowReturn)
		if err != nil {
			return err
		}
		chain.AddChain(seg)
		chain.AddChain(flow)
	}
	chain.Add(NewBlock("Resume SetException", resume))

	if err := chain.InsertBefore(b, call); err != nil {
		return err
	}
	retargetAll(b, call, chain.First())
	return nil
}

// retargetAll moves every branch and handler boundary pointing at from onto
// to.
func retargetAll(b *il.Body, from, to il.Handle) {
	b.Retarget(from, to)
	for _, eh := range b.Handlers {
		for _, p := range []*il.Handle{&eh.TryStart, &eh.TryEnd, &eh.HandlerStart, &eh.HandlerEnd} {
			if *p == from {
				*p = to
			}
		}
	}
}
