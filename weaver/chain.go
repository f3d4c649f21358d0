package weaver

import (
	"github.com/chazu/boundary/pkg/il"
	"github.com/chazu/boundary/pkg/meta"
)

// InstructionBlockChain is an ordered list of blocks forming one logical
// operation, such as "call OnEntry on aspect 2".
type InstructionBlockChain struct {
	Blocks []*InstructionBlock
}

// Add appends blocks to the chain.
func (c *InstructionBlockChain) Add(blocks ...*InstructionBlock) {
	c.Blocks = append(c.Blocks, blocks...)
}

// AddChain appends every block of other.
func (c *InstructionBlockChain) AddChain(other *InstructionBlockChain) {
	if other == nil {
		return
	}
	c.Blocks = append(c.Blocks, other.Blocks...)
}

// Handles flattens the chain.
func (c *InstructionBlockChain) Handles() []il.Handle {
	var out []il.Handle
	for _, b := range c.Blocks {
		out = append(out, b.instructions...)
	}
	return out
}

// First returns the first instruction of the first non-empty block.
func (c *InstructionBlockChain) First() il.Handle {
	for _, b := range c.Blocks {
		if h := b.First(); h != il.NoHandle {
			return h
		}
	}
	return il.NoHandle
}

// Last returns the last instruction of the last non-empty block.
func (c *InstructionBlockChain) Last() il.Handle {
	for i := len(c.Blocks) - 1; i >= 0; i-- {
		if h := c.Blocks[i].Last(); h != il.NoHandle {
			return h
		}
	}
	return il.NoHandle
}

// Append places the chain at the end of body.
func (c *InstructionBlockChain) Append(body *il.Body) error {
	return body.Append(c.Handles()...)
}

// InsertAfter places the chain directly after at and returns the new last
// instruction, which is at itself when the chain is empty.
func (c *InstructionBlockChain) InsertAfter(body *il.Body, at il.Handle) (il.Handle, error) {
	hs := c.Handles()
	if len(hs) == 0 {
		return at, nil
	}
	if err := body.InsertAfter(at, hs...); err != nil {
		return il.NoHandle, err
	}
	return hs[len(hs)-1], nil
}

// InsertBefore places the chain directly before at.
func (c *InstructionBlockChain) InsertBefore(body *il.Body, at il.Handle) error {
	hs := c.Handles()
	if len(hs) == 0 {
		return nil
	}
	return body.InsertBefore(at, hs...)
}

// NamedInstructionBlockChain is a chain that leaves its result in a local
// variable.
type NamedInstructionBlockChain struct {
	InstructionBlockChain
	Variable *il.Variable
	Type     *meta.TypeRef
}

func newNamedChain(v *il.Variable, t *meta.TypeRef) *NamedInstructionBlockChain {
	return &NamedInstructionBlockChain{Variable: v, Type: t}
}

// Persistable returns the chain's result variable as a storage location.
func (c *NamedInstructionBlockChain) Persistable() *VariablePersistable {
	return &VariablePersistable{Var: c.Variable, Type: c.Type}
}

func chainOf(blocks ...*InstructionBlock) *InstructionBlockChain {
	c := &InstructionBlockChain{}
	c.Add(blocks...)
	return c
}
