package il

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the body.
func (b *Body) Disassemble() string {
	return b.DisassembleWithName("")
}

// DisassembleWithName returns a listing with a name header.
func (b *Body) DisassembleWithName(name string) string {
	var sb strings.Builder
	b.ComputeOffsets()

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	if b.InitLocals {
		sb.WriteString("; .locals init\n")
	}
	if len(b.Variables) > 0 {
		sb.WriteString(fmt.Sprintf("; Locals (%d):\n", len(b.Variables)))
		for _, v := range b.Variables {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", v.Index, typeName(v.Type)))
		}
	}
	if len(b.Handlers) > 0 {
		sb.WriteString("; Handlers:\n")
		for _, eh := range b.Handlers {
			catch := ""
			if eh.CatchType != nil {
				catch = " " + eh.CatchType.FullName()
			}
			sb.WriteString(fmt.Sprintf(";   %s%s try IL_%04X..IL_%04X handler IL_%04X..IL_%04X\n",
				eh.Type, catch,
				b.OffsetOf(eh.TryStart), b.OffsetOf(eh.TryEnd),
				b.OffsetOf(eh.HandlerStart), b.OffsetOf(eh.HandlerEnd)))
		}
	}

	sb.WriteString("; Code:\n")
	for _, line := range b.DisassembleToLines() {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// DisassembleToLines returns one line per placed instruction.
func (b *Body) DisassembleToLines() []string {
	b.ComputeOffsets()
	lines := make([]string, 0, len(b.order))
	for _, h := range b.order {
		lines = append(lines, fmt.Sprintf("IL_%04X  %s", b.arena[h].Offset, b.DisassembleInstruction(h)))
	}
	return lines
}

// DisassembleInstruction formats a single instruction.
func (b *Body) DisassembleInstruction(h Handle) string {
	ins := &b.arena[h]
	info := GetOpcodeInfo(ins.Op)
	switch info.Operand {
	case OperandNone:
		return info.Name
	case OperandBranch, OperandShortBranch:
		t, _ := ins.Operand.(Handle)
		if !b.Placed(t) {
			return fmt.Sprintf("%s <dangling %d>", info.Name, t)
		}
		return fmt.Sprintf("%s IL_%04X", info.Name, b.arena[t].Offset)
	case OperandSwitch:
		ts, _ := ins.Operand.([]Handle)
		parts := make([]string, len(ts))
		for i, t := range ts {
			parts[i] = fmt.Sprintf("IL_%04X", b.OffsetOf(t))
		}
		return fmt.Sprintf("%s (%s)", info.Name, strings.Join(parts, ", "))
	case OperandString:
		s, _ := ins.Operand.(string)
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return fmt.Sprintf("%s %q", info.Name, s)
	case OperandVariable:
		return fmt.Sprintf("%s %v", info.Name, ins.Operand)
	case OperandMethod:
		if cs, ok := ins.Operand.(CallSite); ok {
			return fmt.Sprintf("%s %s", info.Name, cs.FullName())
		}
	case OperandField, OperandType, OperandToken:
		if ts, ok := ins.Operand.(TypeSig); ok {
			return fmt.Sprintf("%s %s", info.Name, ts.FullName())
		}
	}
	return fmt.Sprintf("%s %v", info.Name, ins.Operand)
}

func typeName(t TypeSig) string {
	if t == nil {
		return "<untyped>"
	}
	return t.FullName()
}
