package il

import (
	"errors"
	"strings"
	"testing"
)

func verifyReason(t *testing.T, err error) string {
	t.Helper()
	var ve *VerifyError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *VerifyError", err)
	}
	return ve.Reason
}

func TestVerifyStraightLine(t *testing.T) {
	b := NewBody()
	b.Emit(Ldarg, 0)
	b.Emit(LdcI4, int32(2))
	b.Emit(Add, nil)
	b.Emit(Ret, nil)

	if err := Verify(b, Signature{ArgCount: 1, Returns: true}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if b.MaxStack != 2 {
		t.Errorf("MaxStack = %d, want 2", b.MaxStack)
	}
}

func TestVerifyCallStackEffect(t *testing.T) {
	b := NewBody()
	b.Emit(Ldnull, nil)
	b.Emit(LdcI4, int32(1))
	b.Emit(Call, testCall{name: "T::M", args: 2, returns: true})
	b.Emit(Pop, nil)
	b.Emit(Newobj, testCall{name: "T::.ctor", args: 1})
	b.Emit(Pop, nil)
	b.Emit(Ret, nil)

	if err := Verify(b, Signature{}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyUnderflow(t *testing.T) {
	b := NewBody()
	b.Emit(Pop, nil)
	b.Emit(Ret, nil)

	err := Verify(b, Signature{})
	if r := verifyReason(t, err); !strings.Contains(r, "underflow") {
		t.Errorf("reason = %q, want underflow", r)
	}
}

func TestVerifyDepthMismatch(t *testing.T) {
	b := NewBody()
	join := b.New(Ret, nil)
	b.Emit(Ldarg, 0)
	b.Emit(Brtrue, join)
	b.Emit(LdcI4, int32(1))
	if err := b.Append(join); err != nil {
		t.Fatal(err)
	}

	err := Verify(b, Signature{ArgCount: 1})
	if r := verifyReason(t, err); !strings.Contains(r, "mismatch") {
		t.Errorf("reason = %q, want mismatch", r)
	}
}

func TestVerifyDanglingBranch(t *testing.T) {
	b := NewBody()
	loose := b.New(Nop, nil)
	b.Emit(Br, loose)

	err := Verify(b, Signature{})
	if r := verifyReason(t, err); !strings.Contains(r, "not in the body") {
		t.Errorf("reason = %q", r)
	}
}

func TestVerifyFallsOffEnd(t *testing.T) {
	b := NewBody()
	b.Emit(Nop, nil)

	err := Verify(b, Signature{})
	if r := verifyReason(t, err); !strings.Contains(r, "falls off") {
		t.Errorf("reason = %q", r)
	}
}

func TestVerifyRetLeavesValues(t *testing.T) {
	b := NewBody()
	b.Emit(LdcI4, int32(1))
	b.Emit(Ret, nil)

	err := Verify(b, Signature{Returns: false})
	if r := verifyReason(t, err); !strings.Contains(r, "leaves 1") {
		t.Errorf("reason = %q", r)
	}
}

func TestVerifyArgumentRange(t *testing.T) {
	b := NewBody()
	b.Emit(Ldarg, 2)
	b.Emit(Ret, nil)

	if err := Verify(b, Signature{ArgCount: 2, Returns: true}); err == nil {
		t.Error("expected out-of-range argument error")
	}
}

func TestVerifyForeignVariable(t *testing.T) {
	other := NewBody()
	v := other.AddVariable(testType("System.Int32"))

	b := NewBody()
	b.Emit(Ldloc, v)
	b.Emit(Ret, nil)

	if err := Verify(b, Signature{Returns: true}); err == nil {
		t.Error("expected undeclared local error")
	}
}

// try { call } catch (Exception) { stloc; rethrow } cont: ret
func TestVerifyCatchRegion(t *testing.T) {
	b := NewBody()
	ex := b.AddVariable(testType("System.Exception"))
	cont := b.New(Ret, nil)

	tryStart := b.Emit(Call, testCall{name: "T::Work"})
	b.Emit(Leave, cont)
	handler := b.Emit(Stloc, ex)
	b.Emit(Rethrow, nil)
	if err := b.Append(cont); err != nil {
		t.Fatal(err)
	}
	b.Handlers = append(b.Handlers, &ExceptionHandler{
		Type:         HandlerCatch,
		CatchType:    testType("System.Exception"),
		TryStart:     tryStart,
		TryEnd:       handler,
		HandlerStart: handler,
		HandlerEnd:   cont,
	})

	if err := Verify(b, Signature{}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyLeaveEmptiesStack(t *testing.T) {
	b := NewBody()
	cont := b.New(Ret, nil)
	b.Emit(LdcI4, int32(7))
	b.Emit(Leave, cont)
	if err := b.Append(cont); err != nil {
		t.Fatal(err)
	}
	if err := Verify(b, Signature{}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyMisorderedHandler(t *testing.T) {
	b := NewBody()
	a := b.Emit(Nop, nil)
	c := b.Emit(Nop, nil)
	b.Emit(Ret, nil)
	b.Handlers = append(b.Handlers, &ExceptionHandler{
		Type:         HandlerFinally,
		TryStart:     c,
		TryEnd:       a,
		HandlerStart: a,
		HandlerEnd:   c,
	})

	err := Verify(b, Signature{})
	if r := verifyReason(t, err); !strings.Contains(r, "not ordered") {
		t.Errorf("reason = %q", r)
	}
}

func TestVerifySwitch(t *testing.T) {
	b := NewBody()
	one := b.New(Ret, nil)
	two := b.New(Ret, nil)
	b.Emit(Ldarg, 0)
	b.Emit(Switch, []Handle{one, two})
	b.Emit(Ret, nil)
	if err := b.Append(one, two); err != nil {
		t.Fatal(err)
	}
	if err := Verify(b, Signature{ArgCount: 1}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
