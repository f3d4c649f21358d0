package il

import "fmt"

// Opcode represents a single IL instruction.
// Opcodes are grouped by category; short branch forms sit next to their
// long counterparts so Optimize can flip between them.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation
	// ========================================================================

	Nop Opcode = iota // No operation
	Dup               // Duplicate top of stack
	Pop               // Pop top of stack

	// ========================================================================
	// Arguments and locals
	// ========================================================================

	Ldarg  // Push argument: Ldarg <slot:int>
	Ldarga // Push address of argument
	Starg  // Pop into argument
	Ldloc  // Push local: Ldloc <*Variable>
	Ldloca // Push address of local
	Stloc  // Pop into local

	// ========================================================================
	// Constants
	// ========================================================================

	Ldnull  // Push null reference
	LdcI4   // Push int32: LdcI4 <int32>
	LdcI4S  // Short form of LdcI4 (value fits in int8)
	LdcI8   // Push int64
	LdcR8   // Push float64
	Ldstr   // Push string literal
	Ldtoken // Push runtime handle for a type, method or field

	// ========================================================================
	// Calls and returns
	// ========================================================================

	Call     // Call method: pops arguments, pushes result if non-void
	Callvirt // Virtual call
	Newobj   // Allocate and run constructor, pushes instance
	Ret      // Return (pops return value if non-void)

	// ========================================================================
	// Control flow
	// ========================================================================

	Br       // Unconditional branch: Br <Handle>
	BrS      // Short form of Br
	Brtrue   // Pop, branch if non-zero / non-null
	BrtrueS  // Short form of Brtrue
	Brfalse  // Pop, branch if zero / null
	BrfalseS // Short form of Brfalse
	Beq      // Pop two, branch if equal
	BeqS     // Short form of Beq
	Leave    // Exit protected region, empties the stack
	LeaveS   // Short form of Leave
	Switch   // Pop index, jump table: Switch <[]Handle>

	// ========================================================================
	// Arithmetic and comparison
	// ========================================================================

	Add
	Sub
	Mul
	Ceq
	Clt
	Cgt
	ConvI4
	ConvI8

	// ========================================================================
	// Arrays
	// ========================================================================

	Newarr   // Pop length, push new array of <TypeRef>
	Ldlen    // Pop array, push length
	LdelemRef
	StelemRef
	StelemI1
	StelemI2
	StelemI4
	StelemI8
	StelemI
	StelemR4
	StelemR8

	// ========================================================================
	// Fields
	// ========================================================================

	Ldfld
	Ldflda
	Stfld
	Ldsfld
	Stsfld

	// ========================================================================
	// Object model
	// ========================================================================

	Box
	UnboxAny
	Castclass
	Isinst

	// ========================================================================
	// Indirect access through managed pointers
	// ========================================================================

	LdindI1
	LdindU1
	LdindI2
	LdindU2
	LdindI4
	LdindU4
	LdindI8
	LdindI
	LdindR4
	LdindR8
	LdindRef
	StindI1
	StindI2
	StindI4
	StindI8
	StindI
	StindR4
	StindR8
	StindRef
	Ldobj
	Stobj

	// ========================================================================
	// Exceptions
	// ========================================================================

	Throw
	Rethrow
	Endfinally

	opcodeCount
)

// OperandKind describes what an instruction's Operand holds.
type OperandKind uint8

const (
	OperandNone        OperandKind = iota
	OperandInt32                   // int32
	OperandInt8                    // int32 restricted to int8 range
	OperandInt64                   // int64
	OperandFloat64                 // float64
	OperandString                  // string
	OperandArg                     // int argument slot
	OperandVariable                // *Variable
	OperandBranch                  // Handle
	OperandShortBranch             // Handle, int8 displacement
	OperandSwitch                  // []Handle
	OperandMethod                  // CallSite
	OperandField                   // field reference
	OperandType                    // type reference
	OperandToken                   // type, method or field reference
)

// FlowControl classifies how an instruction transfers control.
type FlowControl uint8

const (
	FlowNext FlowControl = iota
	FlowBranch
	FlowCondBranch
	FlowReturn
	FlowThrow
	FlowCall
)

// Variable stack effects. Call-like instructions derive their effect from
// the CallSite operand; Ret from the enclosing method signature.
const (
	VarPop  = -1
	VarPush = -1
)

// OpcodeInfo provides metadata about each opcode for encoding, verification
// and disassembly.
type OpcodeInfo struct {
	Name    string      // Mnemonic
	Pop     int         // Values popped (VarPop = operand dependent)
	Push    int         // Values pushed (VarPush = operand dependent)
	Operand OperandKind // Operand shape
	Flow    FlowControl // Control transfer
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = [opcodeCount]OpcodeInfo{
	Nop: {"nop", 0, 0, OperandNone, FlowNext},
	Dup: {"dup", 1, 2, OperandNone, FlowNext},
	Pop: {"pop", 1, 0, OperandNone, FlowNext},

	Ldarg:  {"ldarg", 0, 1, OperandArg, FlowNext},
	Ldarga: {"ldarga", 0, 1, OperandArg, FlowNext},
	Starg:  {"starg", 1, 0, OperandArg, FlowNext},
	Ldloc:  {"ldloc", 0, 1, OperandVariable, FlowNext},
	Ldloca: {"ldloca", 0, 1, OperandVariable, FlowNext},
	Stloc:  {"stloc", 1, 0, OperandVariable, FlowNext},

	Ldnull:  {"ldnull", 0, 1, OperandNone, FlowNext},
	LdcI4:   {"ldc.i4", 0, 1, OperandInt32, FlowNext},
	LdcI4S:  {"ldc.i4.s", 0, 1, OperandInt8, FlowNext},
	LdcI8:   {"ldc.i8", 0, 1, OperandInt64, FlowNext},
	LdcR8:   {"ldc.r8", 0, 1, OperandFloat64, FlowNext},
	Ldstr:   {"ldstr", 0, 1, OperandString, FlowNext},
	Ldtoken: {"ldtoken", 0, 1, OperandToken, FlowNext},

	Call:     {"call", VarPop, VarPush, OperandMethod, FlowCall},
	Callvirt: {"callvirt", VarPop, VarPush, OperandMethod, FlowCall},
	Newobj:   {"newobj", VarPop, 1, OperandMethod, FlowCall},
	Ret:      {"ret", VarPop, 0, OperandNone, FlowReturn},

	Br:       {"br", 0, 0, OperandBranch, FlowBranch},
	BrS:      {"br.s", 0, 0, OperandShortBranch, FlowBranch},
	Brtrue:   {"brtrue", 1, 0, OperandBranch, FlowCondBranch},
	BrtrueS:  {"brtrue.s", 1, 0, OperandShortBranch, FlowCondBranch},
	Brfalse:  {"brfalse", 1, 0, OperandBranch, FlowCondBranch},
	BrfalseS: {"brfalse.s", 1, 0, OperandShortBranch, FlowCondBranch},
	Beq:      {"beq", 2, 0, OperandBranch, FlowCondBranch},
	BeqS:     {"beq.s", 2, 0, OperandShortBranch, FlowCondBranch},
	Leave:    {"leave", 0, 0, OperandBranch, FlowBranch},
	LeaveS:   {"leave.s", 0, 0, OperandShortBranch, FlowBranch},
	Switch:   {"switch", 1, 0, OperandSwitch, FlowCondBranch},

	Add:    {"add", 2, 1, OperandNone, FlowNext},
	Sub:    {"sub", 2, 1, OperandNone, FlowNext},
	Mul:    {"mul", 2, 1, OperandNone, FlowNext},
	Ceq:    {"ceq", 2, 1, OperandNone, FlowNext},
	Clt:    {"clt", 2, 1, OperandNone, FlowNext},
	Cgt:    {"cgt", 2, 1, OperandNone, FlowNext},
	ConvI4: {"conv.i4", 1, 1, OperandNone, FlowNext},
	ConvI8: {"conv.i8", 1, 1, OperandNone, FlowNext},

	Newarr:    {"newarr", 1, 1, OperandType, FlowNext},
	Ldlen:     {"ldlen", 1, 1, OperandNone, FlowNext},
	LdelemRef: {"ldelem.ref", 2, 1, OperandNone, FlowNext},
	StelemRef: {"stelem.ref", 3, 0, OperandNone, FlowNext},
	StelemI1:  {"stelem.i1", 3, 0, OperandNone, FlowNext},
	StelemI2:  {"stelem.i2", 3, 0, OperandNone, FlowNext},
	StelemI4:  {"stelem.i4", 3, 0, OperandNone, FlowNext},
	StelemI8:  {"stelem.i8", 3, 0, OperandNone, FlowNext},
	StelemI:   {"stelem.i", 3, 0, OperandNone, FlowNext},
	StelemR4:  {"stelem.r4", 3, 0, OperandNone, FlowNext},
	StelemR8:  {"stelem.r8", 3, 0, OperandNone, FlowNext},

	Ldfld:  {"ldfld", 1, 1, OperandField, FlowNext},
	Ldflda: {"ldflda", 1, 1, OperandField, FlowNext},
	Stfld:  {"stfld", 2, 0, OperandField, FlowNext},
	Ldsfld: {"ldsfld", 0, 1, OperandField, FlowNext},
	Stsfld: {"stsfld", 1, 0, OperandField, FlowNext},

	Box:       {"box", 1, 1, OperandType, FlowNext},
	UnboxAny:  {"unbox.any", 1, 1, OperandType, FlowNext},
	Castclass: {"castclass", 1, 1, OperandType, FlowNext},
	Isinst:    {"isinst", 1, 1, OperandType, FlowNext},

	LdindI1:  {"ldind.i1", 1, 1, OperandNone, FlowNext},
	LdindU1:  {"ldind.u1", 1, 1, OperandNone, FlowNext},
	LdindI2:  {"ldind.i2", 1, 1, OperandNone, FlowNext},
	LdindU2:  {"ldind.u2", 1, 1, OperandNone, FlowNext},
	LdindI4:  {"ldind.i4", 1, 1, OperandNone, FlowNext},
	LdindU4:  {"ldind.u4", 1, 1, OperandNone, FlowNext},
	LdindI8:  {"ldind.i8", 1, 1, OperandNone, FlowNext},
	LdindI:   {"ldind.i", 1, 1, OperandNone, FlowNext},
	LdindR4:  {"ldind.r4", 1, 1, OperandNone, FlowNext},
	LdindR8:  {"ldind.r8", 1, 1, OperandNone, FlowNext},
	LdindRef: {"ldind.ref", 1, 1, OperandNone, FlowNext},
	StindI1:  {"stind.i1", 2, 0, OperandNone, FlowNext},
	StindI2:  {"stind.i2", 2, 0, OperandNone, FlowNext},
	StindI4:  {"stind.i4", 2, 0, OperandNone, FlowNext},
	StindI8:  {"stind.i8", 2, 0, OperandNone, FlowNext},
	StindI:   {"stind.i", 2, 0, OperandNone, FlowNext},
	StindR4:  {"stind.r4", 2, 0, OperandNone, FlowNext},
	StindR8:  {"stind.r8", 2, 0, OperandNone, FlowNext},
	StindRef: {"stind.ref", 2, 0, OperandNone, FlowNext},
	Ldobj:    {"ldobj", 1, 1, OperandType, FlowNext},
	Stobj:    {"stobj", 2, 0, OperandType, FlowNext},

	Throw:      {"throw", 1, 0, OperandNone, FlowThrow},
	Rethrow:    {"rethrow", 0, 0, OperandNone, FlowThrow},
	Endfinally: {"endfinally", 0, 0, OperandNone, FlowReturn},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an OpcodeInfo named "UNKNOWN(..)" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if op < opcodeCount {
		return opcodeInfoTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	return op < opcodeCount
}

// IsBranch returns true for any instruction whose operand is a branch target.
func (op Opcode) IsBranch() bool {
	k := GetOpcodeInfo(op).Operand
	return k == OperandBranch || k == OperandShortBranch
}

// IsCall returns true for call, callvirt and newobj.
func (op Opcode) IsCall() bool {
	return op == Call || op == Callvirt || op == Newobj
}

// IsLeave returns true for leave and leave.s.
func (op Opcode) IsLeave() bool {
	return op == Leave || op == LeaveS
}

// ShortForm returns the short branch form of op, or op itself.
func (op Opcode) ShortForm() Opcode {
	switch op {
	case Br:
		return BrS
	case Brtrue:
		return BrtrueS
	case Brfalse:
		return BrfalseS
	case Beq:
		return BeqS
	case Leave:
		return LeaveS
	case LdcI4:
		return LdcI4S
	}
	return op
}

// LongForm returns the long form of a short instruction, or op itself.
func (op Opcode) LongForm() Opcode {
	switch op {
	case BrS:
		return Br
	case BrtrueS:
		return Brtrue
	case BrfalseS:
		return Brfalse
	case BeqS:
		return Beq
	case LeaveS:
		return Leave
	case LdcI4S:
		return LdcI4
	}
	return op
}

// Size returns the encoded size of an instruction with this opcode:
// one opcode byte plus the operand width. Switch tables add four bytes per
// target on top of the returned size.
func (op Opcode) Size() int {
	switch GetOpcodeInfo(op).Operand {
	case OperandNone:
		return 1
	case OperandInt8, OperandShortBranch:
		return 2
	case OperandArg, OperandVariable:
		return 3
	case OperandInt64, OperandFloat64:
		return 9
	default:
		return 5
	}
}

// AllOpcodes returns every defined opcode in numeric order.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, opcodeCount)
	for op := Opcode(0); op < opcodeCount; op++ {
		ops = append(ops, op)
	}
	return ops
}
