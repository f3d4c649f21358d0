package il

import "math"

// SimplifyMacros expands every short form to its long form so the body can
// be edited without displacement limits.
func (b *Body) SimplifyMacros() {
	for _, h := range b.order {
		ins := &b.arena[h]
		ins.Op = ins.Op.LongForm()
	}
}

// OptimizeMacros picks the shortest encoding for branches and small
// integer constants. Branch shortening is iterated to a fixed point because
// shrinking one branch can bring another target into range.
func (b *Body) OptimizeMacros() {
	for _, h := range b.order {
		ins := &b.arena[h]
		if ins.Op == LdcI4 {
			if v, ok := ins.Operand.(int32); ok && v >= math.MinInt8 && v <= math.MaxInt8 {
				ins.Op = LdcI4S
			}
		}
	}

	for {
		b.ComputeOffsets()
		changed := false
		for _, h := range b.order {
			ins := &b.arena[h]
			if GetOpcodeInfo(ins.Op).Operand != OperandBranch {
				continue
			}
			short := ins.Op.ShortForm()
			if short == ins.Op {
				continue
			}
			target, ok := ins.Operand.(Handle)
			if !ok || !b.Placed(target) {
				continue
			}
			// Displacement is measured from the end of the short form; a
			// forward target moves back by the bytes this shrink saves.
			delta := b.arena[target].Offset - (ins.Offset + short.Size())
			if b.arena[target].Offset > ins.Offset {
				delta -= ins.Size() - short.Size()
			}
			if delta >= math.MinInt8 && delta <= math.MaxInt8 {
				ins.Op = short
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	b.ComputeOffsets()
}

// Optimize recomputes offsets, chooses the shortest encodings and
// renumbers variables.
func (b *Body) Optimize() {
	b.SimplifyMacros()
	b.OptimizeMacros()
	for i, v := range b.Variables {
		v.Index = i
	}
}

// UpdateDebugInfo drops sequence points whose instruction is no longer in
// the body and resets the scope to span the first and last instruction.
func (b *Body) UpdateDebugInfo() {
	kept := b.SequencePoints[:0]
	for _, sp := range b.SequencePoints {
		if b.Placed(sp.Instruction) {
			kept = append(kept, sp)
		}
	}
	b.SequencePoints = kept

	if len(b.order) == 0 {
		b.Scope = nil
		return
	}
	if b.Scope == nil {
		b.Scope = &Scope{}
	}
	b.Scope.Start = b.First()
	b.Scope.End = b.Last()
	vars := b.Scope.Variables[:0]
	for _, v := range b.Scope.Variables {
		for _, bv := range b.Variables {
			if bv == v {
				vars = append(vars, v)
				break
			}
		}
	}
	b.Scope.Variables = vars
}
