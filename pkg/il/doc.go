// Package il provides the stack-based intermediate language that method
// bodies are written in, and the editing primitives the weaver builds on.
//
// # Architecture Overview
//
//   - Opcodes: a CIL-shaped instruction set with a metadata table giving
//     each opcode's mnemonic, stack effect, operand shape and flow kind.
//
//   - Body: an arena of instructions addressed by stable Handles plus a
//     program order. Inserting a block is an index-range splice; branch
//     operands and exception handler boundaries hold Handles, so they stay
//     correct while code is inserted around them.
//
//   - Optimize: recomputes offsets and chooses short or long encodings for
//     branches and small constants.
//
//   - Verify: abstract interpretation of the evaluation stack. Every
//     reachable instruction must have one consistent depth, branch targets
//     must be placed, handler regions must be ordered.
//
// # Handler regions
//
// Region ends are exclusive. A catch handler is entered with the exception
// on the stack; leave empties the stack before branching.
package il
