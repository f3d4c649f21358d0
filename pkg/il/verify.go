package il

import (
	"fmt"
)

// Signature is what Verify needs to know about the enclosing method.
type Signature struct {
	ArgCount int  // including the receiver for instance methods
	Returns  bool // non-void return
}

// VerifyError reports the first inconsistency found in a body.
type VerifyError struct {
	Index  int
	Offset int
	Op     Opcode
	Reason string
}

func (e *VerifyError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("il verify: %s", e.Reason)
	}
	return fmt.Sprintf("il verify: IL_%04X %s: %s", e.Offset, e.Op, e.Reason)
}

type verifier struct {
	b     *Body
	sig   Signature
	depth []int
	work  []int
	vars  map[*Variable]bool
	max   int
}

// StackEffect returns how many values ins pops and pushes.
func StackEffect(ins *Instruction, sig Signature) (pop, push int, err error) {
	info := GetOpcodeInfo(ins.Op)
	pop, push = info.Pop, info.Push
	switch ins.Op {
	case Ret:
		pop = 0
		if sig.Returns {
			pop = 1
		}
	case Call, Callvirt, Newobj:
		cs, ok := ins.Operand.(CallSite)
		if !ok {
			return 0, 0, fmt.Errorf("call operand %T is not a method", ins.Operand)
		}
		pop = cs.ArgCount()
		if ins.Op == Newobj {
			pop--
			push = 1
		} else if cs.Returns() {
			push = 1
		} else {
			push = 0
		}
	}
	return pop, push, nil
}

// Verify checks that every reachable instruction has a single consistent
// stack depth, branch targets are in the body, handler regions are well
// formed and the body cannot fall off its end. On success it records
// MaxStack.
func Verify(b *Body, sig Signature) error {
	v := &verifier{
		b:     b,
		sig:   sig,
		depth: make([]int, len(b.order)),
		vars:  make(map[*Variable]bool, len(b.Variables)),
	}
	for i := range v.depth {
		v.depth[i] = -1
	}
	for _, vr := range b.Variables {
		v.vars[vr] = true
	}
	if len(b.order) == 0 {
		return &VerifyError{Index: -1, Reason: "empty body"}
	}
	b.ComputeOffsets()

	if err := v.checkHandlers(); err != nil {
		return err
	}

	if err := v.enter(0, 0, -1); err != nil {
		return err
	}
	for _, eh := range b.Handlers {
		entry := 0
		if eh.Type == HandlerCatch {
			entry = 1
		}
		if err := v.enter(b.IndexOf(eh.HandlerStart), entry, -1); err != nil {
			return err
		}
	}

	for len(v.work) > 0 {
		i := v.work[len(v.work)-1]
		v.work = v.work[:len(v.work)-1]
		if err := v.step(i); err != nil {
			return err
		}
	}
	b.MaxStack = v.max
	return nil
}

func (v *verifier) fail(i int, format string, args ...any) error {
	e := &VerifyError{Index: i, Reason: fmt.Sprintf(format, args...)}
	if i >= 0 && i < len(v.b.order) {
		ins := v.b.At(v.b.order[i])
		e.Offset = ins.Offset
		e.Op = ins.Op
	}
	return e
}

func (v *verifier) enter(i, depth, from int) error {
	if i < 0 || i >= len(v.depth) {
		return v.fail(from, "control falls off the end of the body")
	}
	switch {
	case v.depth[i] == -1:
		v.depth[i] = depth
		v.work = append(v.work, i)
	case v.depth[i] != depth:
		return v.fail(i, "stack depth mismatch: %d vs %d", v.depth[i], depth)
	}
	if depth > v.max {
		v.max = depth
	}
	return nil
}

func (v *verifier) target(i int, h Handle) (int, error) {
	if !v.b.Owns(h) {
		return 0, v.fail(i, "branch target %d outside the arena", h)
	}
	t := v.b.IndexOf(h)
	if t < 0 {
		return 0, v.fail(i, "branch target %d is not in the body", h)
	}
	return t, nil
}

func (v *verifier) step(i int) error {
	ins := v.b.At(v.b.order[i])
	if !ins.Op.Valid() {
		return v.fail(i, "invalid opcode")
	}
	depth := v.depth[i]

	if err := v.checkOperand(i, ins); err != nil {
		return err
	}

	pop, push, err := StackEffect(ins, v.sig)
	if err != nil {
		return v.fail(i, "%v", err)
	}
	if depth < pop {
		return v.fail(i, "stack underflow: need %d, have %d", pop, depth)
	}
	after := depth - pop + push

	info := GetOpcodeInfo(ins.Op)
	switch info.Flow {
	case FlowReturn:
		if ins.Op == Ret && after != 0 {
			return v.fail(i, "ret leaves %d values on the stack", after)
		}
		return nil
	case FlowThrow:
		return nil
	case FlowBranch:
		t, err := v.target(i, ins.Operand.(Handle))
		if err != nil {
			return err
		}
		if ins.Op.IsLeave() {
			after = 0
		}
		return v.enter(t, after, i)
	case FlowCondBranch:
		var targets []Handle
		if ins.Op == Switch {
			targets = ins.Operand.([]Handle)
		} else {
			targets = []Handle{ins.Operand.(Handle)}
		}
		for _, h := range targets {
			t, err := v.target(i, h)
			if err != nil {
				return err
			}
			if err := v.enter(t, after, i); err != nil {
				return err
			}
		}
		return v.enter(i+1, after, i)
	default:
		return v.enter(i+1, after, i)
	}
}

func (v *verifier) checkOperand(i int, ins *Instruction) error {
	info := GetOpcodeInfo(ins.Op)
	switch info.Operand {
	case OperandVariable:
		vr, ok := ins.Operand.(*Variable)
		if !ok || !v.vars[vr] {
			return v.fail(i, "local is not declared by this body")
		}
	case OperandArg:
		n, ok := ins.Operand.(int)
		if !ok || n < 0 || n >= v.sig.ArgCount {
			return v.fail(i, "argument slot %v out of range", ins.Operand)
		}
	case OperandBranch, OperandShortBranch:
		if _, ok := ins.Operand.(Handle); !ok {
			return v.fail(i, "branch operand %T is not a handle", ins.Operand)
		}
	case OperandSwitch:
		if _, ok := ins.Operand.([]Handle); !ok {
			return v.fail(i, "switch operand %T is not a jump table", ins.Operand)
		}
	case OperandInt32, OperandInt8:
		if _, ok := ins.Operand.(int32); !ok {
			return v.fail(i, "operand %T is not int32", ins.Operand)
		}
	case OperandInt64:
		if _, ok := ins.Operand.(int64); !ok {
			return v.fail(i, "operand %T is not int64", ins.Operand)
		}
	case OperandFloat64:
		if _, ok := ins.Operand.(float64); !ok {
			return v.fail(i, "operand %T is not float64", ins.Operand)
		}
	case OperandString:
		if _, ok := ins.Operand.(string); !ok {
			return v.fail(i, "operand %T is not a string", ins.Operand)
		}
	case OperandMethod, OperandField, OperandType, OperandToken:
		if ins.Operand == nil {
			return v.fail(i, "missing %s operand", info.Name)
		}
	}
	return nil
}

// boundary resolves a handler boundary to a program index; NoHandle is the
// end of the body.
func (v *verifier) boundary(h Handle) (int, bool) {
	if h == NoHandle {
		return len(v.b.order), true
	}
	i := v.b.IndexOf(h)
	return i, i >= 0
}

func (v *verifier) checkHandlers() error {
	for n, eh := range v.b.Handlers {
		ts, ok1 := v.boundary(eh.TryStart)
		te, ok2 := v.boundary(eh.TryEnd)
		hs, ok3 := v.boundary(eh.HandlerStart)
		he, ok4 := v.boundary(eh.HandlerEnd)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return &VerifyError{Index: -1, Reason: fmt.Sprintf("handler %d references an instruction not in the body", n)}
		}
		if eh.HandlerStart == NoHandle || eh.TryStart == NoHandle {
			return &VerifyError{Index: -1, Reason: fmt.Sprintf("handler %d has no start", n)}
		}
		if !(ts < te && te <= hs && hs < he) {
			return &VerifyError{Index: -1, Reason: fmt.Sprintf("handler %d regions are not ordered: try [%d,%d) handler [%d,%d)", n, ts, te, hs, he)}
		}
		if eh.Type == HandlerCatch && eh.CatchType == nil {
			return &VerifyError{Index: -1, Reason: fmt.Sprintf("catch handler %d has no catch type", n)}
		}
	}
	return nil
}
