// Package loader builds kir modules from Go source via the golang.org/x/tools
// SSA form. It supports the integer, pointer, and struct subset of the
// language; unsupported constructs fail loudly at lowering time rather than
// silently at execution time.
package loader

import (
	"fmt"
	"go/token"
	"go/types"
	"log"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/kestrel-sym/kestrel/kir"
)

// DefaultSymbolicPrefix marks functions to be explored symbolically.
const DefaultSymbolicPrefix = "SymbolicTest"

const ptrWidth = 64

// Program wraps a built SSA program.
type Program struct {
	prog *ssa.Program
	pkgs []*ssa.Package
}

// Load loads and builds the packages matching patterns.
func Load(patterns ...string) (*Program, error) {
	initial, err := packages.Load(&packages.Config{
		Mode:  packages.LoadAllSyntax,
		Tests: true,
	}, patterns...)
	if err != nil {
		return nil, err
	} else if packages.PrintErrors(initial) > 0 {
		return nil, fmt.Errorf("packages contain errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			return nil, fmt.Errorf("cannot build SSA for package %s", initial[i])
		}
	}
	prog.Build()

	return &Program{prog: prog, pkgs: pkgs}, nil
}

// SymbolicFunctions returns package-level functions whose name begins with
// prefix, sorted by name.
func (p *Program) SymbolicFunctions(prefix string) []*ssa.Function {
	if prefix == "" {
		prefix = DefaultSymbolicPrefix
	}

	var fns []*ssa.Function
	for _, pkg := range p.pkgs {
		for _, m := range pkg.Members {
			if fn, ok := m.(*ssa.Function); ok && strings.HasPrefix(fn.Name(), prefix) {
				fns = append(fns, fn)
			}
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name() < fns[j].Name() })
	return fns
}

// Lower translates fn and everything it statically reaches into a module
// with fn as the entry.
func (p *Program) Lower(fn *ssa.Function) (*kir.Module, error) {
	l := newLowerer()
	if err := l.addFunction(fn); err != nil {
		return nil, err
	}
	mod := l.b.Module()
	mod.Entry = functionName(fn)
	return mod, nil
}

// lowerer tracks translation state across functions.
type lowerer struct {
	b       *kir.Builder
	sizes   types.Sizes
	done    map[*ssa.Function]bool
	globals map[string]bool
	queue   []*ssa.Function
}

func newLowerer() *lowerer {
	return &lowerer{
		b:       kir.NewBuilder(kir.DataLayout{PointerWidth: ptrWidth, LittleEndian: true}),
		sizes:   types.SizesFor("gc", "amd64"),
		done:    make(map[*ssa.Function]bool),
		globals: make(map[string]bool),
	}
}

// addFunction lowers fn and, transitively, every static callee.
func (l *lowerer) addFunction(fn *ssa.Function) error {
	l.enqueue(fn)
	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		if err := l.lowerFunction(next); err != nil {
			return fmt.Errorf("%s: %w", functionName(next), err)
		}
	}
	return nil
}

func (l *lowerer) enqueue(fn *ssa.Function) {
	if !l.done[fn] {
		l.done[fn] = true
		l.queue = append(l.queue, fn)
	}
}

func (l *lowerer) lowerFunction(fn *ssa.Function) error {
	params, err := l.paramsOf(fn)
	if err != nil {
		return err
	}
	ret, err := l.returnWidth(fn)
	if err != nil {
		return err
	}

	if len(fn.Blocks) == 0 {
		// Declaration only; calls route through the external dispatcher.
		decl := l.b.DeclareExternal(functionName(fn), ret, params...)
		decl.Variadic = fn.Signature.Variadic()
		return nil
	}

	fl := &fnLowerer{
		parent: l,
		fn:     fn,
		fb:     l.b.NewFunction(functionName(fn), ret, params...),
		regs:   make(map[ssa.Value]kir.Operand),
	}
	fl.fb.Func().Variadic = fn.Signature.Variadic()
	for i, p := range fn.Params {
		fl.regs[p] = fl.fb.Param(i)
	}

	// Blocks are appended up front so forward branches can reference their
	// go/ssa indexes directly.
	fl.blocks = make([]*kir.BlockBuilder, len(fn.Blocks))
	for i := range fn.Blocks {
		fl.blocks[i] = fl.fb.NewBlock()
	}

	for i, block := range fn.Blocks {
		if err := fl.lowerBlock(fl.blocks[i], block); err != nil {
			return err
		}
	}
	return nil
}

func (l *lowerer) paramsOf(fn *ssa.Function) ([]kir.Param, error) {
	sig := fn.Signature.Params()
	n := sig.Len()
	if len(fn.Params) > n {
		n = len(fn.Params) // methods carry the receiver as a param
	}

	params := make([]kir.Param, 0, n)
	if len(fn.Params) > 0 {
		for _, p := range fn.Params {
			w, err := l.widthOf(p.Type())
			if err != nil {
				return nil, err
			}
			params = append(params, kir.Param{Name: p.Name(), Width: w})
		}
		return params, nil
	}
	for i := 0; i < sig.Len(); i++ {
		w, err := l.widthOf(sig.At(i).Type())
		if err != nil {
			return nil, err
		}
		params = append(params, kir.Param{Name: sig.At(i).Name(), Width: w})
	}
	return params, nil
}

func (l *lowerer) returnWidth(fn *ssa.Function) (uint, error) {
	results := fn.Signature.Results()
	var total uint
	for i := 0; i < results.Len(); i++ {
		w, err := l.widthOf(results.At(i).Type())
		if err != nil {
			return 0, err
		}
		total += w
	}
	return total, nil
}

// widthOf returns the width of t in bits.
func (l *lowerer) widthOf(t types.Type) (uint, error) {
	switch t := t.Underlying().(type) {
	case *types.Basic:
		switch t.Kind() {
		case types.Bool, types.UntypedBool:
			return 1, nil
		default:
			if t.Info()&(types.IsInteger|types.IsFloat) == 0 && t.Kind() != types.UnsafePointer {
				return 0, fmt.Errorf("unsupported basic type: %s", t)
			}
			return uint(l.sizes.Sizeof(t)) * 8, nil
		}
	case *types.Pointer:
		return ptrWidth, nil
	case *types.Struct, *types.Array:
		return uint(l.sizes.Sizeof(t)) * 8, nil
	default:
		return 0, fmt.Errorf("unsupported type: %s", t)
	}
}

// byteSizeOf returns the size of t in bytes.
func (l *lowerer) byteSizeOf(t types.Type) (uint64, error) {
	w, err := l.widthOf(t)
	if err != nil {
		return 0, err
	}
	return uint64((w + 7) / 8), nil
}

func isSigned(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsInteger != 0 && b.Info()&types.IsUnsigned == 0
}

func isFloat(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsFloat != 0
}

func functionName(fn *ssa.Function) string {
	return fn.RelString(nil)
}

// lowerGlobal registers a module global for v if not already present.
func (l *lowerer) lowerGlobal(v *ssa.Global) {
	name := v.RelString(nil)
	if l.globals[name] {
		return
	}
	l.globals[name] = true

	elem := v.Type().Underlying().(*types.Pointer).Elem()
	size, err := l.byteSizeOf(elem)
	if err != nil {
		// Unsupported globals become zero-size; any access faults as Ptr.
		log.Printf("[loader] global %s has unsupported type, lowered empty", name)
		size = 0
	}
	l.b.AddGlobal(&kir.Global{Name: name, Size: uint(size)})
}

// fnLowerer tracks translation state within one function. Every SSA value
// gets its register on first touch, so phi back edges may reference values
// before their definition.
type fnLowerer struct {
	parent *lowerer
	fn     *ssa.Function
	fb     *kir.FuncBuilder
	regs   map[ssa.Value]kir.Operand
	blocks []*kir.BlockBuilder
}

// operand returns the kir operand for an SSA value.
func (fl *fnLowerer) operand(v ssa.Value) (kir.Operand, error) {
	switch v := v.(type) {
	case *ssa.Const:
		return fl.constOperand(v)
	case *ssa.Global:
		fl.parent.lowerGlobal(v)
		return kir.GlobalRef(v.RelString(nil)), nil
	case *ssa.Function:
		fl.parent.enqueue(v)
		return kir.FuncRef(functionName(v)), nil
	default:
		return fl.valueReg(v), nil
	}
}

// valueReg returns the register for an instruction-produced value, reserving
// one on first reference.
func (fl *fnLowerer) valueReg(v ssa.Value) kir.Operand {
	if op, ok := fl.regs[v]; ok {
		return op
	}
	op := fl.fb.Reserve()
	fl.regs[v] = op
	return op
}

// define emits in as the definition of v.
func (fl *fnLowerer) define(bb *kir.BlockBuilder, v ssa.Value, in *kir.Instr) {
	bb.Define(fl.valueReg(v), in)
}

func (fl *fnLowerer) constOperand(c *ssa.Const) (kir.Operand, error) {
	w, err := fl.parent.widthOf(c.Type())
	if err != nil {
		return kir.Operand{}, err
	}
	if c.Value == nil {
		return kir.Const(0, w), nil // nil pointer
	}
	if isFloat(c.Type()) {
		return kir.Operand{}, fmt.Errorf("float constants not supported")
	}
	if isSigned(c.Type()) {
		return kir.Const(uint64(c.Int64()), w), nil
	}
	return kir.Const(c.Uint64(), w), nil
}

func (fl *fnLowerer) lowerBlock(bb *kir.BlockBuilder, block *ssa.BasicBlock) error {
	for _, instr := range block.Instrs {
		if err := fl.lowerInstr(bb, block, instr); err != nil {
			return fmt.Errorf("block %d: %s: %w", block.Index, instr, err)
		}
	}
	return nil
}

func (fl *fnLowerer) lowerInstr(bb *kir.BlockBuilder, block *ssa.BasicBlock, instr ssa.Instruction) error {
	switch instr := instr.(type) {
	case *ssa.Phi:
		w, err := fl.parent.widthOf(instr.Type())
		if err != nil {
			return err
		}
		args := make([]kir.Operand, len(instr.Edges))
		blocks := make([]int, len(instr.Edges))
		for i, edge := range instr.Edges {
			op, err := fl.operand(edge)
			if err != nil {
				return err
			}
			args[i] = op
			blocks[i] = block.Preds[i].Index
		}
		fl.define(bb, instr, &kir.Instr{Op: kir.OpPhi, Width: w, Args: args, PhiBlocks: blocks})
		return nil

	case *ssa.BinOp:
		return fl.lowerBinOp(bb, instr)

	case *ssa.UnOp:
		return fl.lowerUnOp(bb, instr)

	case *ssa.Alloc:
		elem := instr.Type().Underlying().(*types.Pointer).Elem()
		size, err := fl.parent.byteSizeOf(elem)
		if err != nil {
			return err
		}
		fl.define(bb, instr, &kir.Instr{
			Op: kir.OpAlloca, Width: ptrWidth, ElemSize: size,
			Args: []kir.Operand{kir.Const(1, ptrWidth)},
		})
		return nil

	case *ssa.Store:
		value, err := fl.operand(instr.Val)
		if err != nil {
			return err
		}
		addr, err := fl.operand(instr.Addr)
		if err != nil {
			return err
		}
		bb.Store(value, addr)
		return nil

	case *ssa.FieldAddr:
		base, err := fl.operand(instr.X)
		if err != nil {
			return err
		}
		st := instr.X.Type().Underlying().(*types.Pointer).Elem().Underlying().(*types.Struct)
		fl.define(bb, instr, &kir.Instr{
			Op: kir.OpGEP, Width: ptrWidth,
			BaseOffset: uint64(fl.fieldOffset(st, instr.Field)),
			Args:       []kir.Operand{base},
		})
		return nil

	case *ssa.IndexAddr:
		return fl.lowerIndexAddr(bb, instr)

	case *ssa.Field:
		x, err := fl.operand(instr.X)
		if err != nil {
			return err
		}
		st := instr.X.Type().Underlying().(*types.Struct)
		w, err := fl.parent.widthOf(instr.Type())
		if err != nil {
			return err
		}
		fl.define(bb, instr, &kir.Instr{
			Op: kir.OpExtractValue, Width: w,
			BaseOffset: uint64(fl.fieldOffset(st, instr.Field)),
			Args:       []kir.Operand{x},
		})
		return nil

	case *ssa.Convert:
		return fl.lowerConvert(bb, instr)

	case *ssa.ChangeType:
		x, err := fl.operand(instr.X)
		if err != nil {
			return err
		}
		w, err := fl.parent.widthOf(instr.Type())
		if err != nil {
			return err
		}
		fl.define(bb, instr, &kir.Instr{Op: kir.OpBitcast, Width: w, Args: []kir.Operand{x}})
		return nil

	case *ssa.Extract:
		return fl.lowerExtract(bb, instr)

	case *ssa.Call:
		return fl.lowerCall(bb, instr)

	case *ssa.Return:
		args := make([]kir.Operand, len(instr.Results))
		for i, r := range instr.Results {
			op, err := fl.operand(r)
			if err != nil {
				return err
			}
			args[i] = op
		}
		bb.Ret(args...)
		return nil

	case *ssa.If:
		cond, err := fl.operand(instr.Cond)
		if err != nil {
			return err
		}
		bb.CondBr(cond, block.Succs[0].Index, block.Succs[1].Index)
		return nil

	case *ssa.Jump:
		bb.Br(block.Succs[0].Index)
		return nil

	case *ssa.Panic:
		bb.Unreachable()
		return nil

	default:
		return fmt.Errorf("unsupported instruction: %T", instr)
	}
}

func (fl *fnLowerer) lowerBinOp(bb *kir.BlockBuilder, instr *ssa.BinOp) error {
	x, err := fl.operand(instr.X)
	if err != nil {
		return err
	}
	y, err := fl.operand(instr.Y)
	if err != nil {
		return err
	}

	signed := isSigned(instr.X.Type())
	float := isFloat(instr.X.Type())
	w, err := fl.parent.widthOf(instr.Type())
	if err != nil {
		return err
	}

	// Comparisons.
	if pred, ok := icmpPred(instr.Op, signed); ok {
		op := kir.OpICmp
		if float {
			op = kir.OpFCmp
		}
		fl.define(bb, instr, &kir.Instr{Op: op, Width: 1, Pred: pred, Args: []kir.Operand{x, y}})
		return nil
	}

	if float {
		var op kir.Opcode
		switch instr.Op {
		case token.ADD:
			op = kir.OpFAdd
		case token.SUB:
			op = kir.OpFSub
		case token.MUL:
			op = kir.OpFMul
		case token.QUO:
			op = kir.OpFDiv
		case token.REM:
			op = kir.OpFRem
		default:
			return fmt.Errorf("unsupported float operation: %s", instr.Op)
		}
		fl.define(bb, instr, &kir.Instr{Op: op, Width: w, Args: []kir.Operand{x, y}})
		return nil
	}

	var op kir.Opcode
	switch instr.Op {
	case token.ADD:
		op = kir.OpAdd
	case token.SUB:
		op = kir.OpSub
	case token.MUL:
		op = kir.OpMul
	case token.QUO:
		if signed {
			op = kir.OpSDiv
		} else {
			op = kir.OpUDiv
		}
	case token.REM:
		if signed {
			op = kir.OpSRem
		} else {
			op = kir.OpURem
		}
	case token.AND:
		op = kir.OpAnd
	case token.OR:
		op = kir.OpOr
	case token.XOR:
		op = kir.OpXor
	case token.SHL:
		op = kir.OpShl
		y, err = fl.coerceShift(bb, instr.Y, y, w)
		if err != nil {
			return err
		}
	case token.SHR:
		if signed {
			op = kir.OpAShr
		} else {
			op = kir.OpLShr
		}
		y, err = fl.coerceShift(bb, instr.Y, y, w)
		if err != nil {
			return err
		}
	case token.AND_NOT:
		// x &^ y lowers to x & ^y.
		not := bb.Binary(kir.OpXor, w, y, kir.Const(^uint64(0), w))
		fl.define(bb, instr, &kir.Instr{Op: kir.OpAnd, Width: w, Args: []kir.Operand{x, not}})
		return nil
	default:
		return fmt.Errorf("unsupported operation: %s", instr.Op)
	}
	fl.define(bb, instr, &kir.Instr{Op: op, Width: w, Args: []kir.Operand{x, y}})
	return nil
}

// coerceShift widens or narrows a shift amount to the operand width.
func (fl *fnLowerer) coerceShift(bb *kir.BlockBuilder, v ssa.Value, y kir.Operand, w uint) (kir.Operand, error) {
	yw, err := fl.parent.widthOf(v.Type())
	if err != nil {
		return kir.Operand{}, err
	}
	if yw == w {
		return y, nil
	}
	op := kir.OpZExt
	if yw > w {
		op = kir.OpTrunc
	}
	return bb.Convert(op, w, y), nil
}

func icmpPred(op token.Token, signed bool) (kir.ICmpPred, bool) {
	switch op {
	case token.EQL:
		return kir.PredEQ, true
	case token.NEQ:
		return kir.PredNE, true
	case token.LSS:
		if signed {
			return kir.PredSLT, true
		}
		return kir.PredULT, true
	case token.LEQ:
		if signed {
			return kir.PredSLE, true
		}
		return kir.PredULE, true
	case token.GTR:
		if signed {
			return kir.PredSGT, true
		}
		return kir.PredUGT, true
	case token.GEQ:
		if signed {
			return kir.PredSGE, true
		}
		return kir.PredUGE, true
	default:
		return 0, false
	}
}

func (fl *fnLowerer) lowerUnOp(bb *kir.BlockBuilder, instr *ssa.UnOp) error {
	x, err := fl.operand(instr.X)
	if err != nil {
		return err
	}
	w, err := fl.parent.widthOf(instr.Type())
	if err != nil {
		return err
	}

	switch instr.Op {
	case token.MUL: // pointer load
		fl.define(bb, instr, &kir.Instr{Op: kir.OpLoad, Width: w, Args: []kir.Operand{x}})
		return nil
	case token.SUB:
		fl.define(bb, instr, &kir.Instr{Op: kir.OpSub, Width: w, Args: []kir.Operand{kir.Const(0, w), x}})
		return nil
	case token.XOR:
		fl.define(bb, instr, &kir.Instr{Op: kir.OpXor, Width: w, Args: []kir.Operand{x, kir.Const(^uint64(0), w)}})
		return nil
	case token.NOT:
		fl.define(bb, instr, &kir.Instr{Op: kir.OpXor, Width: 1, Args: []kir.Operand{x, kir.Const(1, 1)}})
		return nil
	default:
		return fmt.Errorf("unsupported unary operation: %s", instr.Op)
	}
}

func (fl *fnLowerer) lowerIndexAddr(bb *kir.BlockBuilder, instr *ssa.IndexAddr) error {
	base, err := fl.operand(instr.X)
	if err != nil {
		return err
	}
	index, err := fl.operand(instr.Index)
	if err != nil {
		return err
	}

	ptr, ok := instr.X.Type().Underlying().(*types.Pointer)
	if !ok {
		return fmt.Errorf("unsupported index base: %s", instr.X.Type())
	}
	arr, ok := ptr.Elem().Underlying().(*types.Array)
	if !ok {
		return fmt.Errorf("unsupported index base: %s", instr.X.Type())
	}
	elemSize, err := fl.parent.byteSizeOf(arr.Elem())
	if err != nil {
		return err
	}
	fl.define(bb, instr, &kir.Instr{
		Op: kir.OpGEP, Width: ptrWidth,
		Indices: []kir.GEPIndex{{Operand: index, ElemSize: elemSize}},
		Args:    []kir.Operand{base},
	})
	return nil
}

func (fl *fnLowerer) fieldOffset(st *types.Struct, field int) int64 {
	fields := make([]*types.Var, st.NumFields())
	for i := 0; i < st.NumFields(); i++ {
		fields[i] = st.Field(i)
	}
	return fl.parent.sizes.Offsetsof(fields)[field]
}

func (fl *fnLowerer) lowerConvert(bb *kir.BlockBuilder, instr *ssa.Convert) error {
	x, err := fl.operand(instr.X)
	if err != nil {
		return err
	}
	srcW, err := fl.parent.widthOf(instr.X.Type())
	if err != nil {
		return err
	}
	dstW, err := fl.parent.widthOf(instr.Type())
	if err != nil {
		return err
	}

	srcFloat, dstFloat := isFloat(instr.X.Type()), isFloat(instr.Type())
	var in *kir.Instr
	switch {
	case srcFloat && dstFloat:
		op := kir.OpFPExt
		if dstW < srcW {
			op = kir.OpFPTrunc
		}
		in = &kir.Instr{Op: op, Width: dstW, Args: []kir.Operand{x}}
	case srcFloat:
		in = &kir.Instr{Op: kir.OpFPInt, Width: dstW, Args: []kir.Operand{x}, Signed: isSigned(instr.Type())}
	case dstFloat:
		in = &kir.Instr{Op: kir.OpIntFP, Width: dstW, Args: []kir.Operand{x}, Signed: isSigned(instr.X.Type())}
	case dstW < srcW:
		in = &kir.Instr{Op: kir.OpTrunc, Width: dstW, Args: []kir.Operand{x}}
	case isSigned(instr.X.Type()):
		in = &kir.Instr{Op: kir.OpSExt, Width: dstW, Args: []kir.Operand{x}, Signed: true}
	default:
		in = &kir.Instr{Op: kir.OpZExt, Width: dstW, Args: []kir.Operand{x}}
	}
	fl.define(bb, instr, in)
	return nil
}

// lowerExtract pulls one result out of a tuple-valued call; tuple elements
// are packed in declaration order.
func (fl *fnLowerer) lowerExtract(bb *kir.BlockBuilder, instr *ssa.Extract) error {
	x, err := fl.operand(instr.Tuple)
	if err != nil {
		return err
	}
	tuple := instr.Tuple.Type().(*types.Tuple)

	var offset uint64
	for i := 0; i < instr.Index; i++ {
		size, err := fl.parent.byteSizeOf(tuple.At(i).Type())
		if err != nil {
			return err
		}
		offset += size
	}
	w, err := fl.parent.widthOf(instr.Type())
	if err != nil {
		return err
	}
	fl.define(bb, instr, &kir.Instr{
		Op: kir.OpExtractValue, Width: w, BaseOffset: offset,
		Args: []kir.Operand{x},
	})
	return nil
}

func (fl *fnLowerer) lowerCall(bb *kir.BlockBuilder, instr *ssa.Call) error {
	common := instr.Common()
	if common.IsInvoke() {
		return fmt.Errorf("interface method calls not supported")
	}

	args := make([]kir.Operand, len(common.Args))
	for i, a := range common.Args {
		op, err := fl.operand(a)
		if err != nil {
			return err
		}
		args[i] = op
	}

	w, err := fl.callResultWidth(instr.Type())
	if err != nil {
		return err
	}

	var in *kir.Instr
	if callee := common.StaticCallee(); callee != nil {
		fl.parent.enqueue(callee)
		in = &kir.Instr{Op: kir.OpCall, Width: w, Callee: functionName(callee), Args: args}
	} else {
		fnOp, err := fl.operand(common.Value)
		if err != nil {
			return err
		}
		in = &kir.Instr{Op: kir.OpCall, Width: w, Args: append([]kir.Operand{fnOp}, args...)}
	}

	if w == 0 {
		bb.Raw(in, false)
		return nil
	}
	fl.define(bb, instr, in)
	return nil
}

// callResultWidth returns the packed width of a call result: zero for void,
// the summed element widths for tuples.
func (fl *fnLowerer) callResultWidth(t types.Type) (uint, error) {
	if tuple, ok := t.(*types.Tuple); ok {
		var total uint
		for i := 0; i < tuple.Len(); i++ {
			w, err := fl.parent.widthOf(tuple.At(i).Type())
			if err != nil {
				return 0, err
			}
			total += w
		}
		return total, nil
	}
	return fl.parent.widthOf(t)
}
