package kir

// Builder assembles modules programmatically. Frontends and tests use it to
// produce well-formed functions without hand-numbering registers.
type Builder struct {
	mod *Module
}

// NewBuilder returns a builder for a module with the given layout.
func NewBuilder(layout DataLayout) *Builder {
	return &Builder{mod: &Module{Layout: layout}}
}

// Module finalizes and returns the module under construction.
func (b *Builder) Module() *Module {
	return b.mod
}

// AddGlobal appends a global region to the module.
func (b *Builder) AddGlobal(g *Global) *Global {
	b.mod.Globals = append(b.mod.Globals, g)
	return g
}

// NewFunction appends a function; parameters are assigned registers 0..n-1.
func (b *Builder) NewFunction(name string, retWidth uint, params ...Param) *FuncBuilder {
	fn := &Function{
		Name:     name,
		Params:   params,
		RetWidth: retWidth,
		NumRegs:  len(params),
	}
	b.mod.Functions = append(b.mod.Functions, fn)
	b.mod.byName = nil
	return &FuncBuilder{fn: fn}
}

// DeclareExternal appends a bodyless declaration.
func (b *Builder) DeclareExternal(name string, retWidth uint, params ...Param) *Function {
	fn := &Function{
		Name:     name,
		Params:   params,
		RetWidth: retWidth,
		NumRegs:  len(params),
		External: true,
	}
	b.mod.Functions = append(b.mod.Functions, fn)
	b.mod.byName = nil
	return fn
}

// FuncBuilder assembles one function.
type FuncBuilder struct {
	fn *Function
}

// Func returns the function under construction.
func (fb *FuncBuilder) Func() *Function { return fb.fn }

// Param returns the register operand for the i'th parameter.
func (fb *FuncBuilder) Param(i int) Operand { return Reg(i) }

// NewBlock appends an empty basic block.
func (fb *FuncBuilder) NewBlock() *BlockBuilder {
	blk := &Block{Index: len(fb.fn.Blocks)}
	fb.fn.Blocks = append(fb.fn.Blocks, blk)
	return &BlockBuilder{fb: fb, blk: blk}
}

// Reserve allocates a register ahead of its defining instruction, for
// forward references such as phi back edges. Pair with BlockBuilder.Define.
func (fb *FuncBuilder) Reserve() Operand {
	return Reg(fb.newReg())
}

func (fb *FuncBuilder) newReg() int {
	r := fb.fn.NumRegs
	fb.fn.NumRegs++
	return r
}

// BlockBuilder appends instructions to one basic block.
type BlockBuilder struct {
	fb  *FuncBuilder
	blk *Block
}

// Index returns the block's index within its function.
func (bb *BlockBuilder) Index() int { return bb.blk.Index }

func (bb *BlockBuilder) emit(in *Instr) Operand {
	bb.blk.Instrs = append(bb.blk.Instrs, in)
	if in.Dst >= 0 {
		return Reg(in.Dst)
	}
	return Operand{}
}

func (bb *BlockBuilder) emitValue(op Opcode, width uint, args ...Operand) Operand {
	return bb.emit(&Instr{Op: op, Dst: bb.fb.newReg(), Width: width, Args: args})
}

// Binary emits a two-operand integer instruction of the given width.
func (bb *BlockBuilder) Binary(op Opcode, width uint, lhs, rhs Operand) Operand {
	return bb.emitValue(op, width, lhs, rhs)
}

// ICmp emits an integer comparison producing an i1.
func (bb *BlockBuilder) ICmp(pred ICmpPred, lhs, rhs Operand) Operand {
	return bb.emit(&Instr{Op: OpICmp, Dst: bb.fb.newReg(), Width: 1, Pred: pred, Args: []Operand{lhs, rhs}})
}

// Select emits cond ? then : else.
func (bb *BlockBuilder) Select(width uint, cond, then, els Operand) Operand {
	return bb.emitValue(OpSelect, width, cond, then, els)
}

// Convert emits a width conversion (OpTrunc, OpZExt, OpSExt, OpBitcast,
// OpPtrToInt, OpIntToPtr).
func (bb *BlockBuilder) Convert(op Opcode, width uint, v Operand) Operand {
	return bb.emitValue(op, width, v)
}

// Alloca emits a stack allocation of count elements of elemSize bytes,
// yielding the base address.
func (bb *BlockBuilder) Alloca(ptrWidth uint, elemSize uint64, count Operand) Operand {
	return bb.emit(&Instr{Op: OpAlloca, Dst: bb.fb.newReg(), Width: ptrWidth, ElemSize: elemSize, Args: []Operand{count}})
}

// Load emits a load of width bits from addr.
func (bb *BlockBuilder) Load(width uint, addr Operand) Operand {
	return bb.emitValue(OpLoad, width, addr)
}

// Store emits a store of value to addr.
func (bb *BlockBuilder) Store(value, addr Operand) {
	bb.emit(&Instr{Op: OpStore, Dst: -1, Args: []Operand{value, addr}})
}

// GEP emits base + baseOffset + sum(idx_i * elemSize_i), pointer width.
func (bb *BlockBuilder) GEP(ptrWidth uint, base Operand, baseOffset uint64, indices ...GEPIndex) Operand {
	return bb.emit(&Instr{
		Op: OpGEP, Dst: bb.fb.newReg(), Width: ptrWidth,
		BaseOffset: baseOffset, Indices: indices, Args: []Operand{base},
	})
}

// Phi emits a phi node; incoming values are parallel to block indexes.
func (bb *BlockBuilder) Phi(width uint, values []Operand, blocks []int) Operand {
	return bb.emit(&Instr{Op: OpPhi, Dst: bb.fb.newReg(), Width: width, Args: values, PhiBlocks: blocks})
}

// Call emits a direct call. A zero retWidth yields no destination register.
func (bb *BlockBuilder) Call(retWidth uint, callee string, args ...Operand) Operand {
	dst := -1
	if retWidth != 0 {
		dst = bb.fb.newReg()
	}
	return bb.emit(&Instr{Op: OpCall, Dst: dst, Width: retWidth, Callee: callee, Args: args})
}

// CallIndirect emits a call through a function pointer operand.
func (bb *BlockBuilder) CallIndirect(retWidth uint, fnptr Operand, args ...Operand) Operand {
	dst := -1
	if retWidth != 0 {
		dst = bb.fb.newReg()
	}
	all := append([]Operand{fnptr}, args...)
	return bb.emit(&Instr{Op: OpCall, Dst: dst, Width: retWidth, Args: all})
}

// Ret emits a return, with or without a value.
func (bb *BlockBuilder) Ret(values ...Operand) {
	bb.emit(&Instr{Op: OpRet, Dst: -1, Args: values})
}

// Br emits an unconditional branch to the target block.
func (bb *BlockBuilder) Br(target int) {
	bb.emit(&Instr{Op: OpBr, Dst: -1, Succs: []int{target}})
}

// CondBr emits a conditional branch on an i1 operand.
func (bb *BlockBuilder) CondBr(cond Operand, then, els int) {
	bb.emit(&Instr{Op: OpCondBr, Dst: -1, Args: []Operand{cond}, Succs: []int{then, els}})
}

// Switch emits a multiway branch; Succs[0] is the default target.
func (bb *BlockBuilder) Switch(value Operand, deflt int, cases []uint64, targets []int) {
	succs := append([]int{deflt}, targets...)
	bb.emit(&Instr{Op: OpSwitch, Dst: -1, Args: []Operand{value}, Succs: succs, Cases: cases})
}

// Unreachable emits an unreachable terminator.
func (bb *BlockBuilder) Unreachable() {
	bb.emit(&Instr{Op: OpUnreach, Dst: -1})
}

// Define appends a prebuilt instruction writing to a previously reserved
// register.
func (bb *BlockBuilder) Define(dst Operand, in *Instr) Operand {
	in.Dst = dst.Reg
	return bb.emit(in)
}

// Raw appends a prebuilt instruction, assigning a fresh destination register
// when dst is true. It exists for opcodes without a dedicated helper.
func (bb *BlockBuilder) Raw(in *Instr, dst bool) Operand {
	if dst {
		in.Dst = bb.fb.newReg()
	} else {
		in.Dst = -1
	}
	return bb.emit(in)
}
