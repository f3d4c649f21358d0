// Package image persists modules as CBOR documents.
//
// An image holds one module: its types with their members, IL bodies and
// custom attributes. References to types, methods and fields are stored by
// name and bound again when the image is loaded, so images that reference
// each other can be loaded into one resolver in any order.
//
// Encoding uses CBOR's canonical mode. Encoding the same module twice
// yields the same bytes, which is how callers tell that a weave pass left
// a module unchanged.
package image

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is the image format revision written by Encode.
const Version = 1

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

type moduleRecord struct {
	Version            uint8        `cbor:"1,keyasint"`
	Name               string       `cbor:"2,keyasint"`
	Mvid               [16]byte     `cbor:"3,keyasint"`
	References         []string     `cbor:"4,keyasint,omitempty"`
	Types              []typeRecord `cbor:"5,keyasint,omitempty"`
	Attributes         []attrRecord `cbor:"6,keyasint,omitempty"`
	AssemblyAttributes []attrRecord `cbor:"7,keyasint,omitempty"`
}

type typeRecord struct {
	Namespace      string               `cbor:"1,keyasint,omitempty"`
	Name           string               `cbor:"2,keyasint"`
	Attributes     uint32               `cbor:"3,keyasint,omitempty"`
	Base           *typeRefRecord       `cbor:"4,keyasint,omitempty"`
	Interfaces     []typeRefRecord      `cbor:"5,keyasint,omitempty"`
	Nested         []typeRecord         `cbor:"6,keyasint,omitempty"`
	Fields         []fieldRecord        `cbor:"7,keyasint,omitempty"`
	Methods        []methodRecord       `cbor:"8,keyasint,omitempty"`
	Properties     []propertyRecord     `cbor:"9,keyasint,omitempty"`
	GenericParams  []genericParamRecord `cbor:"10,keyasint,omitempty"`
	Attrs          []attrRecord         `cbor:"11,keyasint,omitempty"`
	ValueType      bool                 `cbor:"12,keyasint,omitempty"`
	EnumUnderlying *typeRefRecord       `cbor:"13,keyasint,omitempty"`
}

type genericParamRecord struct {
	Name        string          `cbor:"1,keyasint"`
	Position    int             `cbor:"2,keyasint,omitempty"`
	Owner       uint8           `cbor:"3,keyasint,omitempty"`
	Attributes  uint16          `cbor:"4,keyasint,omitempty"`
	Constraints []typeRefRecord `cbor:"5,keyasint,omitempty"`
}

type fieldRecord struct {
	Name       string        `cbor:"1,keyasint"`
	Type       typeRefRecord `cbor:"2,keyasint"`
	Attributes uint16        `cbor:"3,keyasint,omitempty"`
	Constant   *valueRecord  `cbor:"4,keyasint,omitempty"`
	Attrs      []attrRecord  `cbor:"5,keyasint,omitempty"`
}

type paramRecord struct {
	Name string        `cbor:"1,keyasint,omitempty"`
	Type typeRefRecord `cbor:"2,keyasint"`
}

type methodRecord struct {
	Name          string               `cbor:"1,keyasint"`
	Attributes    uint16               `cbor:"2,keyasint,omitempty"`
	Impl          uint16               `cbor:"3,keyasint,omitempty"`
	Return        *typeRefRecord       `cbor:"4,keyasint,omitempty"`
	Params        []paramRecord        `cbor:"5,keyasint,omitempty"`
	GenericParams []genericParamRecord `cbor:"6,keyasint,omitempty"`
	Body          *bodyRecord          `cbor:"7,keyasint,omitempty"`
	Attrs         []attrRecord         `cbor:"8,keyasint,omitempty"`
}

// propertyRecord refers to its accessors by method index plus one, so zero
// means "no accessor".
type propertyRecord struct {
	Name   string         `cbor:"1,keyasint"`
	Type   *typeRefRecord `cbor:"2,keyasint,omitempty"`
	Getter int            `cbor:"3,keyasint,omitempty"`
	Setter int            `cbor:"4,keyasint,omitempty"`
	Attrs  []attrRecord   `cbor:"5,keyasint,omitempty"`
}

// typeRefRecord stores a type reference by name. Named kinds carry the
// defining module in Scope and the nested-aware full name in FullName.
type typeRefRecord struct {
	Kind      uint8               `cbor:"1,keyasint"`
	Scope     string              `cbor:"2,keyasint,omitempty"`
	Namespace string              `cbor:"3,keyasint,omitempty"`
	Name      string              `cbor:"4,keyasint,omitempty"`
	FullName  string              `cbor:"5,keyasint,omitempty"`
	Element   *typeRefRecord      `cbor:"6,keyasint,omitempty"`
	Args      []typeRefRecord     `cbor:"7,keyasint,omitempty"`
	Param     *genericParamRecord `cbor:"8,keyasint,omitempty"`
}

type methodRefRecord struct {
	Name              string          `cbor:"1,keyasint"`
	Declaring         typeRefRecord   `cbor:"2,keyasint"`
	Return            *typeRefRecord  `cbor:"3,keyasint,omitempty"`
	Params            []typeRefRecord `cbor:"4,keyasint,omitempty"`
	HasThis           bool            `cbor:"5,keyasint,omitempty"`
	GenericParamCount int             `cbor:"6,keyasint,omitempty"`
	GenericArgs       []typeRefRecord `cbor:"7,keyasint,omitempty"`
}

type fieldRefRecord struct {
	Name      string        `cbor:"1,keyasint"`
	Declaring typeRefRecord `cbor:"2,keyasint"`
	Type      typeRefRecord `cbor:"3,keyasint"`
}

type attrRecord struct {
	Ctor       methodRefRecord  `cbor:"1,keyasint"`
	Args       []argRecord      `cbor:"2,keyasint,omitempty"`
	Properties []namedArgRecord `cbor:"3,keyasint,omitempty"`
	Fields     []namedArgRecord `cbor:"4,keyasint,omitempty"`
}

type argRecord struct {
	Type  *typeRefRecord `cbor:"1,keyasint,omitempty"`
	Value valueRecord    `cbor:"2,keyasint"`
}

type namedArgRecord struct {
	Name string    `cbor:"1,keyasint"`
	Arg  argRecord `cbor:"2,keyasint"`
}

// valueKind records the Go type of a constant so it survives the trip
// through CBOR's integer and float encodings.
type valueKind uint8

const (
	valueNil valueKind = iota
	valueBool
	valueInt8
	valueInt16
	valueInt32
	valueInt64
	valueUint8
	valueUint16
	valueUint32
	valueUint64
	valueFloat32
	valueFloat64
	valueString
	valueType
	valueArray
	valueBoxed
)

type valueRecord struct {
	Kind  valueKind      `cbor:"1,keyasint,omitempty"`
	Int   int64          `cbor:"2,keyasint,omitempty"`
	Uint  uint64         `cbor:"3,keyasint,omitempty"`
	Float float64        `cbor:"4,keyasint,omitempty"`
	Str   string         `cbor:"5,keyasint,omitempty"`
	Type  *typeRefRecord `cbor:"6,keyasint,omitempty"`
	Elems []argRecord    `cbor:"7,keyasint,omitempty"`
	Boxed *argRecord     `cbor:"8,keyasint,omitempty"`
}

type bodyRecord struct {
	Code           []instrRecord    `cbor:"1,keyasint,omitempty"`
	Variables      []variableRecord `cbor:"2,keyasint,omitempty"`
	Handlers       []handlerRecord  `cbor:"3,keyasint,omitempty"`
	SequencePoints []seqPointRecord `cbor:"4,keyasint,omitempty"`
	Scope          *scopeRecord     `cbor:"5,keyasint,omitempty"`
	InitLocals     bool             `cbor:"6,keyasint,omitempty"`
	MaxStack       int              `cbor:"7,keyasint,omitempty"`
}

// instrRecord holds one instruction. Which operand field is used follows
// from the opcode's operand kind; branch targets and variables are
// program-order and slot indexes.
type instrRecord struct {
	Op      uint8            `cbor:"1,keyasint"`
	Int     int64            `cbor:"2,keyasint,omitempty"`
	Float   float64          `cbor:"3,keyasint,omitempty"`
	Str     string           `cbor:"4,keyasint,omitempty"`
	Targets []int            `cbor:"5,keyasint,omitempty"`
	Method  *methodRefRecord `cbor:"6,keyasint,omitempty"`
	Field   *fieldRefRecord  `cbor:"7,keyasint,omitempty"`
	Type    *typeRefRecord   `cbor:"8,keyasint,omitempty"`
}

type variableRecord struct {
	Type typeRefRecord `cbor:"1,keyasint"`
	Name string        `cbor:"2,keyasint,omitempty"`
}

// handlerRecord boundaries are program-order indexes; -1 is end of body.
type handlerRecord struct {
	Type         uint8          `cbor:"1,keyasint,omitempty"`
	Catch        *typeRefRecord `cbor:"2,keyasint,omitempty"`
	TryStart     int            `cbor:"3,keyasint"`
	TryEnd       int            `cbor:"4,keyasint"`
	HandlerStart int            `cbor:"5,keyasint"`
	HandlerEnd   int            `cbor:"6,keyasint"`
}

type seqPointRecord struct {
	Instruction int    `cbor:"1,keyasint"`
	Document    string `cbor:"2,keyasint,omitempty"`
	StartLine   int    `cbor:"3,keyasint,omitempty"`
	StartColumn int    `cbor:"4,keyasint,omitempty"`
	EndLine     int    `cbor:"5,keyasint,omitempty"`
	EndColumn   int    `cbor:"6,keyasint,omitempty"`
}

type scopeRecord struct {
	Start     int   `cbor:"1,keyasint"`
	End       int   `cbor:"2,keyasint"`
	Variables []int `cbor:"3,keyasint,omitempty"`
}
