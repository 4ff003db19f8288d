// Package kir defines the typed SSA intermediate representation consumed by
// the kestrel engine.
//
// A Module carries a data layout, globals, and functions. Functions hold
// numbered SSA registers and basic blocks; instructions reference operands by
// precomputed register index so the interpreter never performs name lookups.
package kir

import (
	"fmt"
)

// DataLayout describes the target memory model of a module.
type DataLayout struct {
	PointerWidth uint // pointer width, in bits
	LittleEndian bool
}

// WordBytes returns the machine word size in bytes.
func (l DataLayout) WordBytes() uint {
	return l.PointerWidth / 8
}

// Module is a linked, instrumented IR module.
type Module struct {
	Layout    DataLayout
	Entry     string // name of the entry function
	Functions []*Function
	Globals   []*Global

	byName map[string]*Function
}

// Function returns the function with the given name, or nil.
func (m *Module) Function(name string) *Function {
	if m.byName == nil {
		m.byName = make(map[string]*Function, len(m.Functions))
		for _, fn := range m.Functions {
			m.byName[fn.Name] = fn
		}
	}
	return m.byName[name]
}

// Global returns the global with the given name, or nil.
func (m *Module) Global(name string) *Global {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Global is a module-scope byte region.
type Global struct {
	Name     string
	Size     uint // bytes
	Align    uint // bytes; zero means default
	ReadOnly bool
	Init     []byte // initial contents; nil or short means zero-filled
}

// Param describes one formal parameter of a function.
type Param struct {
	Name  string
	Width uint // bits
}

// Function is one IR function: parameters occupy registers [0, len(Params)).
type Function struct {
	Name     string
	Params   []Param
	Variadic bool
	RetWidth uint // bits; zero for void
	NumRegs  int  // total SSA registers, parameters included
	Blocks   []*Block

	// External marks a declaration with no body; calls are routed to the
	// external dispatcher.
	External bool
}

// Block is a basic block; Index is its position in Function.Blocks.
type Block struct {
	Index  int
	Instrs []*Instr
}

// OperandKind discriminates Operand.
type OperandKind int

const (
	OperandInvalid OperandKind = iota
	OperandReg                 // SSA register
	OperandConst               // integer literal
	OperandGlobal              // address of a named global
	OperandFunc                // address of a named function
	OperandBlock               // block index (indirectbr targets)
)

// Operand is one precomputed instruction operand.
type Operand struct {
	Kind  OperandKind
	Reg   int    // OperandReg
	Value uint64 // OperandConst, OperandBlock
	Width uint   // OperandConst; bits
	Sym   string // OperandGlobal, OperandFunc
}

// Reg returns a register operand.
func Reg(r int) Operand { return Operand{Kind: OperandReg, Reg: r} }

// Const returns an integer literal operand of the given width.
func Const(v uint64, width uint) Operand {
	return Operand{Kind: OperandConst, Value: v, Width: width}
}

// GlobalRef returns an operand naming the address of a global.
func GlobalRef(name string) Operand { return Operand{Kind: OperandGlobal, Sym: name} }

// FuncRef returns an operand naming the address of a function.
func FuncRef(name string) Operand { return Operand{Kind: OperandFunc, Sym: name} }

// BlockRef returns an operand naming a basic block by index.
func BlockRef(index int) Operand {
	return Operand{Kind: OperandBlock, Value: uint64(index)}
}

// GEPIndex is one variable index of a GetElementPtr instruction with its
// precomputed element size in bytes.
type GEPIndex struct {
	Operand  Operand
	ElemSize uint64 // bytes
}

// Instr is one IR instruction. The meaning of the generic fields depends on
// the opcode; see the Builder methods for the exact operand shapes.
type Instr struct {
	Op    Opcode
	Dst   int   // destination register; -1 if none
	Width uint  // result width in bits (Load: loaded width; Alloca: unused)
	Args  []Operand

	// Control flow.
	Succs []int    // successor block indexes
	Cases []uint64 // Switch case values, parallel to Succs[1:]

	// Phi incoming block indexes, parallel to Args.
	PhiBlocks []int

	// Calls.
	Callee string // direct callee name; empty for indirect (Args[0] is callee)

	// GetElementPtr: precomputed constant offset plus variable indexes.
	// ExtractValue/InsertValue reuse BaseOffset as the aggregate byte offset.
	BaseOffset uint64
	Indices    []GEPIndex

	// Alloca element size in bytes; Args[0] is the element count.
	// ExtractElement/InsertElement reuse ElemSize as the element width in bits.
	ElemSize uint64

	// ICmp predicate.
	Pred ICmpPred

	// Signed taints SExt/Trunc-style conversions and FP-to-int rounding.
	Signed bool

	// Source position carried through from the frontend, for diagnostics.
	Pos string
}

// String renders a short mnemonic form for diagnostics.
func (in *Instr) String() string {
	if in.Dst >= 0 {
		return fmt.Sprintf("r%d = %s/%d", in.Dst, in.Op, len(in.Args))
	}
	return fmt.Sprintf("%s/%d", in.Op, len(in.Args))
}

// ICmpPred is an integer comparison predicate.
type ICmpPred int

const (
	PredEQ ICmpPred = iota
	PredNE
	PredULT
	PredULE
	PredUGT
	PredUGE
	PredSLT
	PredSLE
	PredSGT
	PredSGE
)

var icmpPreds = [...]string{
	PredEQ:  "eq",
	PredNE:  "ne",
	PredULT: "ult",
	PredULE: "ule",
	PredUGT: "ugt",
	PredUGE: "uge",
	PredSLT: "slt",
	PredSLE: "sle",
	PredSGT: "sgt",
	PredSGE: "sge",
}

func (p ICmpPred) String() string {
	if p >= 0 && int(p) < len(icmpPreds) {
		return icmpPreds[p]
	}
	return fmt.Sprintf("ICmpPred<%d>", int(p))
}
