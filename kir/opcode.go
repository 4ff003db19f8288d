package kir

import "fmt"

// Opcode identifies an IR instruction.
type Opcode int

const (
	OpInvalid Opcode = iota

	// Terminators.
	OpRet      // ret [value]
	OpBr       // unconditional branch
	OpCondBr   // conditional branch: Args[0] cond, Succs {then, else}
	OpSwitch   // switch: Args[0] value, Succs[0] default, Cases/Succs[1:]
	OpIndirect // indirectbr: Args[0] block address, Succs possible targets
	OpUnreach  // unreachable

	// Binary integer arithmetic: Args {lhs, rhs}.
	OpAdd
	OpSub
	OpMul
	OpUDiv
	OpSDiv
	OpURem
	OpSRem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpLShr
	OpAShr

	// Comparison and selection.
	OpICmp   // Args {lhs, rhs}, Pred
	OpSelect // Args {cond, then, else}

	// Conversions: Args {value}; Width is the result width.
	OpTrunc
	OpZExt
	OpSExt
	OpBitcast // width-preserving reinterpret, including pointer casts
	OpPtrToInt
	OpIntToPtr

	// Memory.
	OpAlloca // Args {count}; ElemSize bytes per element
	OpLoad   // Args {addr}; Width bits loaded
	OpStore  // Args {value, addr}
	OpGEP    // Args {base}; BaseOffset + Indices

	// Aggregates, lowered to byte offsets.
	OpExtractValue // Args {agg}; BaseOffset, Width
	OpInsertValue  // Args {agg, elem}; BaseOffset
	OpExtractElem  // Args {vec, index}; ElemSize bits per lane
	OpInsertElem   // Args {vec, elem, index}; ElemSize bits per lane

	// Phi: Args parallel to PhiBlocks.
	OpPhi

	// Calls: direct via Callee, indirect via Args[0]; remaining Args are
	// the actual arguments.
	OpCall

	// Floating point, interpreted over concretized operands.
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFRem
	OpFCmp    // Args {lhs, rhs}, Pred reused as FCmp ordering via Signed+Pred
	OpFPInt   // fptoui/fptosi: Signed selects
	OpIntFP   // uitofp/sitofp: Signed selects
	OpFPTrunc
	OpFPExt

	// Freeze passes its operand through; poison is out of model.
	OpFreeze
)

var opcodeNames = [...]string{
	OpInvalid:      "invalid",
	OpRet:          "ret",
	OpBr:           "br",
	OpCondBr:       "condbr",
	OpSwitch:       "switch",
	OpIndirect:     "indirectbr",
	OpUnreach:      "unreachable",
	OpAdd:          "add",
	OpSub:          "sub",
	OpMul:          "mul",
	OpUDiv:         "udiv",
	OpSDiv:         "sdiv",
	OpURem:         "urem",
	OpSRem:         "srem",
	OpAnd:          "and",
	OpOr:           "or",
	OpXor:          "xor",
	OpShl:          "shl",
	OpLShr:         "lshr",
	OpAShr:         "ashr",
	OpICmp:         "icmp",
	OpSelect:       "select",
	OpTrunc:        "trunc",
	OpZExt:         "zext",
	OpSExt:         "sext",
	OpBitcast:      "bitcast",
	OpPtrToInt:     "ptrtoint",
	OpIntToPtr:     "inttoptr",
	OpAlloca:       "alloca",
	OpLoad:         "load",
	OpStore:        "store",
	OpGEP:          "gep",
	OpExtractValue: "extractvalue",
	OpInsertValue:  "insertvalue",
	OpExtractElem:  "extractelement",
	OpInsertElem:   "insertelement",
	OpPhi:          "phi",
	OpCall:         "call",
	OpFAdd:         "fadd",
	OpFSub:         "fsub",
	OpFMul:         "fmul",
	OpFDiv:         "fdiv",
	OpFRem:         "frem",
	OpFCmp:         "fcmp",
	OpFPInt:        "fptoint",
	OpIntFP:        "inttofp",
	OpFPTrunc:      "fptrunc",
	OpFPExt:        "fpext",
	OpFreeze:       "freeze",
}

func (op Opcode) String() string {
	if op >= 0 && int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Opcode<%d>", int(op))
}

// IsTerminator reports whether the opcode ends a basic block.
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpRet, OpBr, OpCondBr, OpSwitch, OpIndirect, OpUnreach:
		return true
	}
	return false
}
