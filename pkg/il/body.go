package il

import (
	"errors"
	"fmt"
)

// Handle is a stable reference to an instruction in a Body's arena.
// Handles survive insertion and removal of other instructions, so branch
// operands and handler boundaries can point at them directly.
type Handle int32

// NoHandle marks an absent instruction. As a handler boundary it means
// "end of body".
const NoHandle Handle = -1

// Valid reports whether h refers to an arena slot.
func (h Handle) Valid() bool { return h >= 0 }

// TypeSig is the minimal view of a type the IL layer needs. Metadata types
// implement it.
type TypeSig interface {
	FullName() string
}

// CallSite is implemented by method references used as call operands.
// ArgCount includes the implicit receiver for instance methods.
type CallSite interface {
	ArgCount() int
	Returns() bool
	FullName() string
}

// Instruction is one IL instruction. Offset is only meaningful after
// ComputeOffsets or Optimize.
type Instruction struct {
	Op      Opcode
	Operand any
	Offset  int
}

// Size returns the encoded size of the instruction in bytes.
func (ins *Instruction) Size() int {
	n := ins.Op.Size()
	if ins.Op == Switch {
		if targets, ok := ins.Operand.([]Handle); ok {
			n += 4 * len(targets)
		}
	}
	return n
}

// Variable is a local variable slot.
type Variable struct {
	Index int
	Type  TypeSig
	Name  string // debug name, may be empty
}

func (v *Variable) String() string {
	if v.Name != "" {
		return fmt.Sprintf("V_%d(%s)", v.Index, v.Name)
	}
	return fmt.Sprintf("V_%d", v.Index)
}

// HandlerType distinguishes catch from finally regions.
type HandlerType uint8

const (
	HandlerCatch HandlerType = iota
	HandlerFinally
)

func (t HandlerType) String() string {
	if t == HandlerFinally {
		return "finally"
	}
	return "catch"
}

// ExceptionHandler describes a protected region and its handler.
// End boundaries are exclusive; NoHandle means end of body.
type ExceptionHandler struct {
	Type         HandlerType
	CatchType    TypeSig
	TryStart     Handle
	TryEnd       Handle
	HandlerStart Handle
	HandlerEnd   Handle
}

// SequencePoint maps an instruction to a source location.
type SequencePoint struct {
	Instruction Handle
	Document    string
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// Scope is the debug scope of a body.
type Scope struct {
	Start     Handle
	End       Handle
	Variables []*Variable
}

var (
	ErrUnknownHandle = errors.New("il: handle not in body")
	ErrAlreadyPlaced = errors.New("il: instruction already placed")
)

// Body is a method body: an arena of instructions plus the program order.
type Body struct {
	arena []Instruction
	order []Handle

	// pos maps a handle to its index in order, or -1 when not placed.
	pos   []int
	dirty bool

	Variables      []*Variable
	Handlers       []*ExceptionHandler
	SequencePoints []SequencePoint
	Scope          *Scope
	InitLocals     bool
	MaxStack       int
}

// NewBody creates an empty body.
func NewBody() *Body {
	return &Body{}
}

// New allocates an instruction in the arena without placing it.
func (b *Body) New(op Opcode, operand any) Handle {
	b.arena = append(b.arena, Instruction{Op: op, Operand: operand})
	b.pos = append(b.pos, -1)
	return Handle(len(b.arena) - 1)
}

// At returns the instruction for h. The pointer stays valid until the next
// call to New.
func (b *Body) At(h Handle) *Instruction {
	return &b.arena[h]
}

// Op is shorthand for At(h).Op.
func (b *Body) Op(h Handle) Opcode {
	return b.arena[h].Op
}

// Owns reports whether h was allocated by this body.
func (b *Body) Owns(h Handle) bool {
	return h >= 0 && int(h) < len(b.arena)
}

// Len returns the number of placed instructions.
func (b *Body) Len() int { return len(b.order) }

// Instructions returns the placed handles in program order. The returned
// slice is a copy.
func (b *Body) Instructions() []Handle {
	out := make([]Handle, len(b.order))
	copy(out, b.order)
	return out
}

// Emit allocates and appends an instruction in one step.
func (b *Body) Emit(op Opcode, operand any) Handle {
	h := b.New(op, operand)
	b.order = append(b.order, h)
	b.pos[h] = len(b.order) - 1
	return h
}

func (b *Body) reindex() {
	if !b.dirty {
		return
	}
	for i := range b.pos {
		b.pos[i] = -1
	}
	for i, h := range b.order {
		b.pos[h] = i
	}
	b.dirty = false
}

// IndexOf returns the program position of h, or -1 if h is not placed.
func (b *Body) IndexOf(h Handle) int {
	if !b.Owns(h) {
		return -1
	}
	b.reindex()
	return b.pos[h]
}

// Placed reports whether h is part of the program order.
func (b *Body) Placed(h Handle) bool {
	return b.IndexOf(h) >= 0
}

// First returns the first instruction or NoHandle.
func (b *Body) First() Handle {
	if len(b.order) == 0 {
		return NoHandle
	}
	return b.order[0]
}

// Last returns the last instruction or NoHandle.
func (b *Body) Last() Handle {
	if len(b.order) == 0 {
		return NoHandle
	}
	return b.order[len(b.order)-1]
}

// Next returns the instruction following h, or NoHandle.
func (b *Body) Next(h Handle) Handle {
	i := b.IndexOf(h)
	if i < 0 || i+1 >= len(b.order) {
		return NoHandle
	}
	return b.order[i+1]
}

// Prev returns the instruction preceding h, or NoHandle.
func (b *Body) Prev(h Handle) Handle {
	i := b.IndexOf(h)
	if i <= 0 {
		return NoHandle
	}
	return b.order[i-1]
}

func (b *Body) checkUnplaced(hs []Handle) error {
	seen := make(map[Handle]bool, len(hs))
	for _, h := range hs {
		if !b.Owns(h) {
			return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
		}
		if seen[h] || b.IndexOf(h) >= 0 {
			return fmt.Errorf("%w: %d", ErrAlreadyPlaced, h)
		}
		seen[h] = true
	}
	return nil
}

// splice inserts hs at program index i.
func (b *Body) splice(i int, hs []Handle) {
	if len(hs) == 0 {
		return
	}
	order := make([]Handle, 0, len(b.order)+len(hs))
	order = append(order, b.order[:i]...)
	order = append(order, hs...)
	order = append(order, b.order[i:]...)
	b.order = order
	b.dirty = true
}

// Append places hs at the end of the body.
func (b *Body) Append(hs ...Handle) error {
	if err := b.checkUnplaced(hs); err != nil {
		return err
	}
	b.splice(len(b.order), hs)
	return nil
}

// Prepend places hs at the start of the body.
func (b *Body) Prepend(hs ...Handle) error {
	if err := b.checkUnplaced(hs); err != nil {
		return err
	}
	b.splice(0, hs)
	return nil
}

// InsertAfter places hs immediately after the placed instruction at.
func (b *Body) InsertAfter(at Handle, hs ...Handle) error {
	i := b.IndexOf(at)
	if i < 0 {
		return fmt.Errorf("%w: insert after %d", ErrUnknownHandle, at)
	}
	if err := b.checkUnplaced(hs); err != nil {
		return err
	}
	b.splice(i+1, hs)
	return nil
}

// InsertBefore places hs immediately before the placed instruction at.
func (b *Body) InsertBefore(at Handle, hs ...Handle) error {
	i := b.IndexOf(at)
	if i < 0 {
		return fmt.Errorf("%w: insert before %d", ErrUnknownHandle, at)
	}
	if err := b.checkUnplaced(hs); err != nil {
		return err
	}
	b.splice(i, hs)
	return nil
}

// InsertRangeAfter moves the program-order range [from, to) so it follows
// at. at must lie outside the range.
func (b *Body) InsertRangeAfter(at Handle, from, to int) error {
	if from < 0 || to > len(b.order) || from > to {
		return fmt.Errorf("il: range [%d,%d) out of bounds", from, to)
	}
	moved := make([]Handle, to-from)
	copy(moved, b.order[from:to])
	b.order = append(b.order[:from], b.order[to:]...)
	b.dirty = true
	i := b.IndexOf(at)
	if i < 0 {
		return fmt.Errorf("%w: insert after %d", ErrUnknownHandle, at)
	}
	b.splice(i+1, moved)
	return nil
}

// Remove takes h out of the program order. The arena slot remains so
// stale references can be detected by Verify.
func (b *Body) Remove(h Handle) error {
	i := b.IndexOf(h)
	if i < 0 {
		return fmt.Errorf("%w: remove %d", ErrUnknownHandle, h)
	}
	b.order = append(b.order[:i], b.order[i+1:]...)
	b.dirty = true
	return nil
}

// Clear removes every instruction, variable, handler and debug record.
func (b *Body) Clear() {
	*b = Body{}
}

// AddVariable appends a local of the given type.
func (b *Body) AddVariable(t TypeSig) *Variable {
	v := &Variable{Index: len(b.Variables), Type: t}
	b.Variables = append(b.Variables, v)
	return v
}

// Transfer moves the whole contents of b into a new body and leaves b
// empty. Handles, variables and handlers keep their identity in the
// returned body.
func (b *Body) Transfer() *Body {
	moved := *b
	*b = Body{InitLocals: moved.InitLocals}
	return &moved
}

// Retarget rewrites every branch operand pointing at from so it points at
// to. Handler boundaries are left alone.
func (b *Body) Retarget(from, to Handle) {
	for _, h := range b.order {
		ins := &b.arena[h]
		switch op := ins.Operand.(type) {
		case Handle:
			if ins.Op.IsBranch() && op == from {
				ins.Operand = to
			}
		case []Handle:
			for i, t := range op {
				if t == from {
					op[i] = to
				}
			}
		}
	}
}

// ComputeOffsets assigns byte offsets to every placed instruction and
// returns the total code size.
func (b *Body) ComputeOffsets() int {
	off := 0
	for _, h := range b.order {
		ins := &b.arena[h]
		ins.Offset = off
		off += ins.Size()
	}
	return off
}

// OffsetOf returns the offset of h, or the code size for NoHandle.
func (b *Body) OffsetOf(h Handle) int {
	if h == NoHandle {
		if len(b.order) == 0 {
			return 0
		}
		last := &b.arena[b.order[len(b.order)-1]]
		return last.Offset + last.Size()
	}
	return b.arena[h].Offset
}
