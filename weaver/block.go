package weaver

import (
	"github.com/chazu/boundary/pkg/il"
)

// InstructionBlock is a named, ordered run of instructions that performs
// one primitive operation. Blocks are immutable once built.
type InstructionBlock struct {
	Name         string
	instructions []il.Handle

	// Variable is the local the block produces, if any.
	Variable *il.Variable
}

// NewBlock wraps hs into a block.
func NewBlock(name string, hs ...il.Handle) *InstructionBlock {
	return &InstructionBlock{Name: name, instructions: append([]il.Handle(nil), hs...)}
}

// Instructions returns a copy of the block's handles.
func (b *InstructionBlock) Instructions() []il.Handle {
	return append([]il.Handle(nil), b.instructions...)
}

func (b *InstructionBlock) Len() int { return len(b.instructions) }

// First returns the first handle, or il.NoHandle for an empty block.
func (b *InstructionBlock) First() il.Handle {
	if len(b.instructions) == 0 {
		return il.NoHandle
	}
	return b.instructions[0]
}

// Last returns the last handle, or il.NoHandle for an empty block.
func (b *InstructionBlock) Last() il.Handle {
	if len(b.instructions) == 0 {
		return il.NoHandle
	}
	return b.instructions[len(b.instructions)-1]
}

func (b *InstructionBlock) String() string {
	return b.Name
}
