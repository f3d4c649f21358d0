package il

import (
	"errors"
	"strings"
	"testing"
)

type testType string

func (t testType) FullName() string { return string(t) }

type testCall struct {
	name    string
	args    int
	returns bool
}

func (c testCall) ArgCount() int    { return c.args }
func (c testCall) Returns() bool    { return c.returns }
func (c testCall) FullName() string { return c.name }

func ops(b *Body) []Opcode {
	var out []Opcode
	for _, h := range b.Instructions() {
		out = append(out, b.Op(h))
	}
	return out
}

func equalOps(a, b []Opcode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBodyEmitAndOrder(t *testing.T) {
	b := NewBody()
	first := b.Emit(Nop, nil)
	last := b.Emit(Ret, nil)

	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	if b.First() != first || b.Last() != last {
		t.Errorf("First/Last = %d/%d, want %d/%d", b.First(), b.Last(), first, last)
	}
	if b.Next(first) != last {
		t.Errorf("Next(first) = %d, want %d", b.Next(first), last)
	}
	if b.Prev(first) != NoHandle {
		t.Errorf("Prev(first) = %d, want NoHandle", b.Prev(first))
	}
}

func TestBodyInsertKeepsHandles(t *testing.T) {
	b := NewBody()
	a := b.Emit(LdcI4, int32(1))
	r := b.Emit(Ret, nil)

	d := b.New(Dup, nil)
	p := b.New(Pop, nil)
	if err := b.InsertAfter(a, d, p); err != nil {
		t.Fatalf("InsertAfter: %v", err)
	}
	n := b.New(Nop, nil)
	if err := b.InsertBefore(a, n); err != nil {
		t.Fatalf("InsertBefore: %v", err)
	}

	want := []Opcode{Nop, LdcI4, Dup, Pop, Ret}
	if got := ops(b); !equalOps(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if b.IndexOf(r) != 4 {
		t.Errorf("IndexOf(ret) = %d, want 4", b.IndexOf(r))
	}
	if b.At(a).Operand.(int32) != 1 {
		t.Errorf("handle a no longer points at ldc.i4 1")
	}
}

func TestBodyRejectsDoublePlacement(t *testing.T) {
	b := NewBody()
	h := b.Emit(Nop, nil)
	if err := b.Append(h); !errors.Is(err, ErrAlreadyPlaced) {
		t.Errorf("Append(placed) error = %v, want ErrAlreadyPlaced", err)
	}
	if err := b.InsertAfter(Handle(99), b.New(Nop, nil)); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("InsertAfter(unknown) error = %v, want ErrUnknownHandle", err)
	}
}

func TestBodyRemove(t *testing.T) {
	b := NewBody()
	b.Emit(Nop, nil)
	mid := b.Emit(Dup, nil)
	b.Emit(Ret, nil)

	if err := b.Remove(mid); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if b.Placed(mid) {
		t.Error("removed instruction still placed")
	}
	if got := ops(b); !equalOps(got, []Opcode{Nop, Ret}) {
		t.Errorf("order = %v", got)
	}
}

func TestBodyInsertRangeAfter(t *testing.T) {
	b := NewBody()
	b.Emit(LdcI4, int32(1))
	b.Emit(LdcI4, int32(2))
	b.Emit(Pop, nil)
	tail := b.Emit(Nop, nil)

	if err := b.InsertRangeAfter(tail, 0, 2); err != nil {
		t.Fatalf("InsertRangeAfter: %v", err)
	}
	if got := ops(b); !equalOps(got, []Opcode{Pop, Nop, LdcI4, LdcI4}) {
		t.Errorf("order = %v", got)
	}
}

func TestBodyTransfer(t *testing.T) {
	b := NewBody()
	v := b.AddVariable(testType("System.Int32"))
	h := b.Emit(Ldloc, v)
	b.Emit(Ret, nil)
	b.SequencePoints = []SequencePoint{{Instruction: h, Document: "a.cs", StartLine: 3}}
	b.InitLocals = true

	moved := b.Transfer()

	if b.Len() != 0 || len(b.Variables) != 0 || len(b.SequencePoints) != 0 {
		t.Errorf("source not emptied: len=%d vars=%d seq=%d", b.Len(), len(b.Variables), len(b.SequencePoints))
	}
	if moved.Len() != 2 {
		t.Fatalf("moved Len() = %d, want 2", moved.Len())
	}
	if moved.At(h).Operand != v {
		t.Error("moved body lost variable identity")
	}
	if moved.Variables[0] != v {
		t.Error("moved body lost variable list")
	}
}

func TestRetarget(t *testing.T) {
	b := NewBody()
	target := b.New(Ret, nil)
	br := b.Emit(Br, target)
	repl := b.Emit(Nop, nil)
	if err := b.Append(target); err != nil {
		t.Fatal(err)
	}
	b.Retarget(target, repl)
	if b.At(br).Operand.(Handle) != repl {
		t.Errorf("branch operand = %v, want %v", b.At(br).Operand, repl)
	}
}

func TestOptimizeShortensNearBranches(t *testing.T) {
	b := NewBody()
	target := b.New(Ret, nil)
	br := b.Emit(Br, target)
	c := b.Emit(LdcI4, int32(5))
	b.Emit(Pop, nil)
	if err := b.Append(target); err != nil {
		t.Fatal(err)
	}

	b.Optimize()

	if b.Op(br) != BrS {
		t.Errorf("near branch = %s, want br.s", b.Op(br))
	}
	if b.Op(c) != LdcI4S {
		t.Errorf("small constant = %s, want ldc.i4.s", b.Op(c))
	}
	// br.s(2) + ldc.i4.s(2) + pop(1)
	if off := b.At(target).Offset; off != 5 {
		t.Errorf("target offset = %d, want 5", off)
	}
}

func TestOptimizeKeepsFarBranchesLong(t *testing.T) {
	b := NewBody()
	target := b.New(Ret, nil)
	br := b.Emit(Br, target)
	for i := 0; i < 40; i++ {
		b.Emit(Ldstr, "padding")
		b.Emit(Pop, nil)
	}
	if err := b.Append(target); err != nil {
		t.Fatal(err)
	}

	b.Optimize()

	if b.Op(br) != Br {
		t.Errorf("far branch = %s, want br", b.Op(br))
	}
}

func TestOptimizeRenumbersVariables(t *testing.T) {
	b := NewBody()
	a := b.AddVariable(testType("A"))
	c := b.AddVariable(testType("C"))
	b.Variables = []*Variable{c, a}
	b.Optimize()
	if c.Index != 0 || a.Index != 1 {
		t.Errorf("indices = %d,%d, want 0,1", c.Index, a.Index)
	}
}

func TestUpdateDebugInfo(t *testing.T) {
	b := NewBody()
	h1 := b.Emit(Nop, nil)
	h2 := b.Emit(Nop, nil)
	h3 := b.Emit(Ret, nil)
	b.SequencePoints = []SequencePoint{{Instruction: h1}, {Instruction: h2}}
	if err := b.Remove(h2); err != nil {
		t.Fatal(err)
	}

	b.UpdateDebugInfo()

	if len(b.SequencePoints) != 1 || b.SequencePoints[0].Instruction != h1 {
		t.Errorf("SequencePoints = %+v, want only h1", b.SequencePoints)
	}
	if b.Scope == nil || b.Scope.Start != h1 || b.Scope.End != h3 {
		t.Errorf("Scope = %+v, want [%d,%d]", b.Scope, h1, h3)
	}
}

func TestDisassemble(t *testing.T) {
	b := NewBody()
	v := b.AddVariable(testType("System.Object"))
	target := b.New(Ret, nil)
	b.Emit(Ldnull, nil)
	b.Emit(Stloc, v)
	b.Emit(Br, target)
	if err := b.Append(target); err != nil {
		t.Fatal(err)
	}
	b.Optimize()

	out := b.DisassembleWithName("M")
	for _, want := range []string{"; === M ===", "System.Object", "IL_0000  ldnull", "br.s IL_0006", "IL_0006  ret"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestOpcodeForms(t *testing.T) {
	tests := []struct {
		long, short Opcode
	}{
		{Br, BrS},
		{Brtrue, BrtrueS},
		{Brfalse, BrfalseS},
		{Beq, BeqS},
		{Leave, LeaveS},
		{LdcI4, LdcI4S},
	}
	for _, tt := range tests {
		if got := tt.long.ShortForm(); got != tt.short {
			t.Errorf("%s.ShortForm() = %s, want %s", tt.long, got, tt.short)
		}
		if got := tt.short.LongForm(); got != tt.long {
			t.Errorf("%s.LongForm() = %s, want %s", tt.short, got, tt.long)
		}
	}
	for _, op := range AllOpcodes() {
		if GetOpcodeInfo(op).Name == "" {
			t.Errorf("opcode %d has no table entry", op)
		}
	}
}
