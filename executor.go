package kestrel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/kestrel-sym/kestrel/kir"
)

var (
	ErrNoStateAvailable       = errors.New("kestrel: no state available")
	ErrNoInstructionAvailable = errors.New("kestrel: no instruction available")
)

// TestObject is the concrete content of one symbolic object in a test case.
type TestObject struct {
	Name  string
	Bytes []byte
}

// TestCase is the artifact emitted when a path completes: one concrete input
// per symbolic object, satisfying the path condition.
type TestCase struct {
	StateID  int
	Objects  []TestObject
	Errored  bool
	Reason   TerminateReason
	Message  string
	Location string
	Steps    int
}

// Executor interprets an IR module symbolically, forking states at feasible
// branches and emitting a test case per completed path.
type Executor struct {
	module *kir.Module
	entry  *kir.Function
	config Config

	mm     *MemoryManager
	solver *Solver
	rng    *rand.Rand
	ctx    context.Context

	root       *ExecutionState
	states     map[*ExecutionState]struct{}
	ptree      *PTree
	searcher   Searcher
	visitedPCs map[ProgramCounter]struct{}

	addedStates   []*ExecutionState
	removedStates []*ExecutionState
	stateIDSeq    int

	// Function address plumbing for indirect calls.
	fnAddrs   map[string]uint64
	fnsByAddr map[uint64]*kir.Function
	fnOrder   []*kir.Function // deterministic iteration for fork fanout

	globals map[string]*MemoryObject

	specialFns map[string]SpecialHandler

	// Externals is the dispatcher for calls leaving the module. Defaults to
	// a small libc emulation; replace before Run to change behavior.
	Externals Dispatcher

	// TestHandler receives each emitted test case. Nil disables emission.
	TestHandler func(*TestCase)

	emittedErrors map[errorKey]struct{}

	haltExecution bool
	startTime     time.Time

	// Stats.
	numForks       int
	completedPaths int
	numInstrs      int
}

type errorKey struct {
	location string
	reason   TerminateReason
}

// NewExecutor returns an executor for the given module, positioned at entry.
// Entry parameters are made symbolic so the engine explores all inputs.
func NewExecutor(mod *kir.Module, entry *kir.Function, raw RawSolver, config Config) *Executor {
	assert(entry != nil && !entry.External, "entry function must have a body")

	e := &Executor{
		module: mod,
		entry:  entry,
		config: config,

		mm:     NewMemoryManager(mod.Layout.PointerWidth, mod.Layout.LittleEndian),
		solver: NewSolver(raw, config.MaxSolverTime),
		rng:    rand.New(rand.NewSource(config.Seed)),
		ctx:    context.Background(),

		states:     make(map[*ExecutionState]struct{}),
		visitedPCs: make(map[ProgramCounter]struct{}),
		fnAddrs:    make(map[string]uint64),
		fnsByAddr:  make(map[uint64]*kir.Function),
		globals:    make(map[string]*MemoryObject),

		specialFns:    make(map[string]SpecialHandler),
		emittedErrors: make(map[errorKey]struct{}),
	}
	e.Externals = NewLibcDispatcher()
	registerSpecialFunctions(e)

	if config.CachePath != "" {
		if err := e.solver.OpenCache(config.CachePath); err != nil {
			log.Printf("[solver] cache disabled: %v", err)
		}
	}

	// Assign every function a distinct address for pointer comparisons and
	// indirect calls.
	for _, fn := range mod.Functions {
		mo := e.mm.Allocate(uint64(e.mm.PointerWidth()/8), false, true, "fn:"+fn.Name)
		e.fnAddrs[fn.Name] = mo.Address
		e.fnsByAddr[mo.Address] = fn
		e.fnOrder = append(e.fnOrder, fn)
	}

	// Initialize entry state and globals.
	e.root = NewExecutionState(e, entry)
	e.root.id = e.nextStateID()
	e.initGlobals(e.root)
	e.makeEntryArgsSymbolic(e.root)

	e.states[e.root] = struct{}{}
	e.ptree = NewPTree(e.root)
	e.searcher = NewSearcher(config.Search, e.ptree, e.rng)
	e.searcher.Update(nil, []*ExecutionState{e.root}, nil)

	return e
}

// RootState returns the initial state for the entry function.
func (e *Executor) RootState() *ExecutionState { return e.root }

// Solver returns the solver façade used by this executor.
func (e *Executor) Solver() *Solver { return e.solver }

// Stats returns fork, path, and instruction counts.
func (e *Executor) Stats() (forks, completedPaths, instructions int) {
	return e.numForks, e.completedPaths, e.numInstrs
}

// nextStateID returns the next autoincrementing state ID.
func (e *Executor) nextStateID() int {
	e.stateIDSeq++
	return e.stateIDSeq
}

// RegisterSpecial installs a handler invoked in place of calls to name.
func (e *Executor) RegisterSpecial(name string, h SpecialHandler) {
	e.specialFns[name] = h
}

// initGlobals allocates and initializes every module global in the root
// address space.
func (e *Executor) initGlobals(state *ExecutionState) {
	for _, g := range e.module.Globals {
		mo := e.mm.Allocate(uint64(g.Size), false, true, g.Name)
		os := NewObjectState(mo, state.addressSpace.cowKey)
		if len(g.Init) > 0 {
			os.SetBytes(g.Init)
		}
		os.ReadOnly = g.ReadOnly
		state.addressSpace.Bind(os)
		e.globals[g.Name] = mo
	}
}

// makeEntryArgsSymbolic binds each entry parameter to an unconstrained value
// backed by its own symbolic object.
func (e *Executor) makeEntryArgsSymbolic(state *ExecutionState) {
	for i, p := range e.entry.Params {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		mo, _ := state.Allocate(uint64(minBytes(p.Width)), false, name)
		e.makeSymbolic(state, mo, name)
		os := state.addressSpace.FindObject(mo.Address)
		state.SetReg(i, os.Read(NewConstantExpr64(0), p.Width, e.mm.IsLittleEndian()))
	}
}

// makeSymbolic replaces the object's contents with a fresh unconstrained
// array and applies any remaining seed.
func (e *Executor) makeSymbolic(state *ExecutionState, mo *MemoryObject, name string) {
	array := state.MakeSymbolic(mo, name)

	// Seeds constrain the contents of the n-th symbolic object on each path.
	if idx := len(state.symbolics) - 1; idx < len(e.config.Seeds) {
		seed := e.config.Seeds[idx]
		ul := NewUpdateList(array)
		for i := 0; i < len(seed) && uint(i) < array.Size; i++ {
			state.AddConstraint(NewBinaryExpr(EQ,
				ul.Read(NewConstantExpr64(uint64(i))),
				NewConstantExpr8(uint64(seed[i]))))
		}
	}
}

// Run explores states until none remain, a budget is exhausted, or ctx is
// canceled. Remaining states at a halt are terminated early.
func (e *Executor) Run(ctx context.Context) error {
	e.ctx = ctx
	e.startTime = time.Now()

	for !e.searcher.Empty() && !e.haltExecution {
		if ctx.Err() != nil {
			break
		}
		if e.config.MaxTime > 0 && time.Since(e.startTime) > e.config.MaxTime {
			log.Printf("[run] time budget exhausted after %d instructions", e.numInstrs)
			break
		}
		if e.config.MaxInstructions > 0 && e.numInstrs >= e.config.MaxInstructions {
			log.Printf("[run] instruction budget exhausted")
			break
		}

		state := e.searcher.SelectState()
		e.stepInstruction(state)
		e.updateStates(state)
	}

	// Drain whatever is left.
	for st := range e.states {
		if !st.Terminated() {
			e.terminateStateEarly(st, "halted")
		}
	}
	e.updateStates(nil)

	return ctx.Err()
}

// StepState executes a single instruction of the given state and applies the
// resulting state set changes.
func (e *Executor) StepState(state *ExecutionState) {
	e.stepInstruction(state)
	e.updateStates(state)
}

// SelectState returns the searcher's next state, or nil if none remain.
func (e *Executor) SelectState() *ExecutionState {
	if e.searcher.Empty() {
		return nil
	}
	return e.searcher.SelectState()
}

func (e *Executor) addState(state *ExecutionState) {
	e.states[state] = struct{}{}
	e.addedStates = append(e.addedStates, state)
}

func (e *Executor) updateStates(current *ExecutionState) {
	e.searcher.Update(current, e.addedStates, e.removedStates)
	for _, st := range e.removedStates {
		delete(e.states, st)
		if st.ptreeNode != nil && st.ptreeNode.state == st {
			e.ptree.Remove(st.ptreeNode)
		}
	}
	e.addedStates = e.addedStates[:0]
	e.removedStates = e.removedStates[:0]
}

func (e *Executor) stepInstruction(state *ExecutionState) {
	instr := state.pc.Instr()
	if instr == nil {
		e.terminateStateOnError(state, TerminateExec, fmt.Sprintf("no instruction at %s", state.pc))
		return
	}

	if e.config.TraceInstrs {
		log.Printf("[exec] %s: %s", state.pc, instr)
	}

	if _, ok := e.visitedPCs[state.pc]; !ok {
		e.visitedPCs[state.pc] = struct{}{}
		state.coveredNew = true
		state.sinceCovNew = 0
	} else {
		state.sinceCovNew++
	}

	state.prevPC = state.pc
	state.pc.Index++
	state.instructions++
	e.numInstrs++

	if err := e.executeInstr(state, instr); err != nil {
		e.terminateStateOnError(state, TerminateExec, err.Error())
	}
}

func (e *Executor) executeInstr(state *ExecutionState, instr *kir.Instr) error {
	switch instr.Op {
	case kir.OpRet:
		return e.executeRetInstr(state, instr)
	case kir.OpBr:
		e.jump(state, instr.Succs[0])
		return nil
	case kir.OpCondBr:
		return e.executeCondBrInstr(state, instr)
	case kir.OpSwitch:
		return e.executeSwitchInstr(state, instr)
	case kir.OpIndirect:
		return e.executeIndirectBrInstr(state, instr)
	case kir.OpUnreach:
		e.terminateStateOnError(state, TerminateExec, "reached unreachable instruction")
		return nil

	case kir.OpAdd, kir.OpSub, kir.OpMul, kir.OpUDiv, kir.OpSDiv, kir.OpURem,
		kir.OpSRem, kir.OpAnd, kir.OpOr, kir.OpXor, kir.OpShl, kir.OpLShr, kir.OpAShr:
		return e.executeBinaryInstr(state, instr)
	case kir.OpICmp:
		return e.executeICmpInstr(state, instr)
	case kir.OpSelect:
		return e.executeSelectInstr(state, instr)

	case kir.OpTrunc, kir.OpZExt, kir.OpSExt, kir.OpBitcast, kir.OpPtrToInt, kir.OpIntToPtr:
		return e.executeConvertInstr(state, instr)

	case kir.OpAlloca:
		return e.executeAllocaInstr(state, instr)
	case kir.OpLoad:
		addr := e.mustExpr(state, instr.Args[0])
		return e.executeMemoryOperation(state, false, addr, nil, instr.Width, instr.Dst)
	case kir.OpStore:
		value := e.mustExpr(state, instr.Args[0])
		addr := e.mustExpr(state, instr.Args[1])
		return e.executeMemoryOperation(state, true, addr, value, ExprWidth(value), -1)
	case kir.OpGEP:
		return e.executeGEPInstr(state, instr)

	case kir.OpExtractValue:
		return e.executeExtractValueInstr(state, instr)
	case kir.OpInsertValue:
		return e.executeInsertValueInstr(state, instr)
	case kir.OpExtractElem:
		return e.executeExtractElemInstr(state, instr)
	case kir.OpInsertElem:
		return e.executeInsertElemInstr(state, instr)

	case kir.OpPhi:
		return e.executePhiRun(state)

	case kir.OpCall:
		return e.executeCallInstr(state, instr)

	case kir.OpFAdd, kir.OpFSub, kir.OpFMul, kir.OpFDiv, kir.OpFRem:
		return e.executeFloatBinInstr(state, instr)
	case kir.OpFCmp:
		return e.executeFCmpInstr(state, instr)
	case kir.OpFPInt, kir.OpIntFP, kir.OpFPTrunc, kir.OpFPExt:
		return e.executeFloatConvertInstr(state, instr)

	case kir.OpFreeze:
		state.SetReg(instr.Dst, e.mustExpr(state, instr.Args[0]))
		return nil

	default:
		return fmt.Errorf("illegal instruction: %s", instr.Op)
	}
}

// eval resolves an operand to its binding in the current frame.
func (e *Executor) eval(state *ExecutionState, op kir.Operand) Binding {
	switch op.Kind {
	case kir.OperandReg:
		b := state.Reg(op.Reg)
		assert(b != nil, "use of unbound register r%d in %s", op.Reg, state.pc.Fn.Name)
		return b
	case kir.OperandConst:
		return NewConstantExpr(op.Value, op.Width)
	case kir.OperandGlobal:
		mo := e.globals[op.Sym]
		assert(mo != nil, "unknown global: %s", op.Sym)
		return mo.BaseExpr(e.mm.PointerWidth())
	case kir.OperandFunc:
		addr, ok := e.fnAddrs[op.Sym]
		assert(ok, "unknown function: %s", op.Sym)
		return NewConstantExpr(addr, e.mm.PointerWidth())
	case kir.OperandBlock:
		return NewConstantExpr(op.Value, e.mm.PointerWidth())
	default:
		panic(fmt.Sprintf("invalid operand kind: %d", op.Kind))
	}
}

// mustExpr resolves an operand that must be a single expression.
func (e *Executor) mustExpr(state *ExecutionState, op kir.Operand) Expr {
	b := e.eval(state, op)
	expr, ok := b.(Expr)
	assert(ok, "binding must be an Expr: %T", b)
	return expr
}

// jump moves the state to the start of a block in the current function.
func (e *Executor) jump(state *ExecutionState, block int) {
	state.Frame().prevBlock = state.pc.Block
	state.pc = ProgramCounter{Fn: state.pc.Fn, Block: block}
}

// fork splits a state on a condition. Returns the states following the true
// and false outcomes; either may be nil when that side is infeasible or when
// forking is suppressed. A nil, nil return means the state was terminated.
func (e *Executor) fork(state *ExecutionState, cond Expr) (trueState, falseState *ExecutionState) {
	// Forced branches replay a recorded path.
	if rp := e.config.ReplayPath; len(state.pathTrace) < len(rp) {
		forced := rp[len(state.pathTrace)]
		state.pathTrace = append(state.pathTrace, forced)
		state.depth++
		if forced {
			state.AddConstraint(cond)
			return state, nil
		}
		state.AddConstraint(NewIsZeroExpr(cond))
		return nil, state
	}

	v, err := e.solver.Evaluate(e.ctx, state.Constraints(), cond)
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil, nil
	}

	switch v {
	case ValidityTrue:
		state.pathTrace = append(state.pathTrace, true)
		return state, nil
	case ValidityFalse:
		state.pathTrace = append(state.pathTrace, false)
		return nil, state
	}

	// Both sides feasible.
	canFork := !state.forkDisabled &&
		(e.config.MaxForks == 0 || e.numForks < e.config.MaxForks) &&
		(e.config.MaxMemoryStates == 0 || len(e.states) < e.config.MaxMemoryStates)

	if !canFork {
		// Keep one side, chosen by the deterministic rng.
		state.depth++
		if e.rng.Intn(2) == 0 {
			state.AddConstraint(cond)
			state.pathTrace = append(state.pathTrace, true)
			return state, nil
		}
		state.AddConstraint(NewIsZeroExpr(cond))
		state.pathTrace = append(state.pathTrace, false)
		return nil, state
	}

	e.numForks++

	other := state.Branch()
	other.id = e.nextStateID()

	node := state.ptreeNode
	e.ptree.Attach(node, other, state)
	e.addState(other)

	state.AddConstraint(cond)
	state.pathTrace = append(state.pathTrace, true)
	state.depth++

	other.AddConstraint(NewIsZeroExpr(cond))
	other.pathTrace = append(other.pathTrace, false)
	other.depth++

	log.Printf("[fork] state=%d -> %d at %s", state.id, other.id, state.prevPC)
	return state, other
}

func (e *Executor) executeCondBrInstr(state *ExecutionState, instr *kir.Instr) error {
	cond := e.mustExpr(state, instr.Args[0])
	assert(ExprWidth(cond) == WidthBool, "condbr condition must be boolean")

	trueState, falseState := e.fork(state, cond)
	if trueState != nil {
		e.jump(trueState, instr.Succs[0])
		e.checkDepth(trueState)
	}
	if falseState != nil {
		e.jump(falseState, instr.Succs[1])
		e.checkDepth(falseState)
	}
	return nil
}

// checkDepth terminates states that exceed the branch depth budget.
func (e *Executor) checkDepth(state *ExecutionState) {
	if e.config.MaxDepth > 0 && state.depth > e.config.MaxDepth {
		e.terminateStateEarly(state, "max branch depth exceeded")
	}
}

func (e *Executor) executeSwitchInstr(state *ExecutionState, instr *kir.Instr) error {
	value := e.mustExpr(state, instr.Args[0])
	width := ExprWidth(value)

	// Concrete scrutinee jumps directly.
	if cv, ok := value.(*ConstantExpr); ok {
		for i, caseVal := range instr.Cases {
			if NewConstantExpr(caseVal, width).Value == cv.Value {
				e.jump(state, instr.Succs[i+1])
				return nil
			}
		}
		e.jump(state, instr.Succs[0])
		return nil
	}

	// Fork one state per feasible case; the leftover takes the default arm
	// carrying the accumulated disequalities.
	remaining := state
	for i, caseVal := range instr.Cases {
		cond := NewBinaryExpr(EQ, value, NewConstantExpr(caseVal, width))
		caseState, rest := e.fork(remaining, cond)
		if caseState != nil {
			e.jump(caseState, instr.Succs[i+1])
			e.checkDepth(caseState)
		}
		if rest == nil {
			return nil
		}
		remaining = rest
	}
	e.jump(remaining, instr.Succs[0])
	e.checkDepth(remaining)
	return nil
}

func (e *Executor) executeIndirectBrInstr(state *ExecutionState, instr *kir.Instr) error {
	target := e.mustExpr(state, instr.Args[0])

	tv, err := e.toConstant(state, target, "indirectbr target")
	if err != nil {
		return err
	}
	for _, succ := range instr.Succs {
		if uint64(succ) == tv.Value {
			e.jump(state, succ)
			return nil
		}
	}
	e.terminateStateOnError(state, TerminateExec, fmt.Sprintf("indirectbr to illegal block %d", tv.Value))
	return nil
}

func (e *Executor) executeRetInstr(state *ExecutionState, instr *kir.Instr) error {
	var result Binding
	switch len(instr.Args) {
	case 0:
	case 1:
		result = e.eval(state, instr.Args[0])
	default:
		tuple := make(Tuple, len(instr.Args))
		for i, arg := range instr.Args {
			tuple[i] = e.eval(state, arg)
		}
		result = tuple
	}

	frame := state.Frame()
	state.PopFrame()

	if state.StackDepth() == 0 {
		e.terminateStateOnExit(state)
		return nil
	}

	state.pc = frame.caller
	if frame.retDst >= 0 {
		assert(result != nil, "void return into register r%d", frame.retDst)
		state.SetReg(frame.retDst, result)
	}
	return nil
}

var binaryOpByOpcode = map[kir.Opcode]BinaryOp{
	kir.OpAdd:  ADD,
	kir.OpSub:  SUB,
	kir.OpMul:  MUL,
	kir.OpUDiv: UDIV,
	kir.OpSDiv: SDIV,
	kir.OpURem: UREM,
	kir.OpSRem: SREM,
	kir.OpAnd:  AND,
	kir.OpOr:   OR,
	kir.OpXor:  XOR,
	kir.OpShl:  SHL,
	kir.OpLShr: LSHR,
	kir.OpAShr: ASHR,
}

func (e *Executor) executeBinaryInstr(state *ExecutionState, instr *kir.Instr) error {
	op, ok := binaryOpByOpcode[instr.Op]
	assert(ok, "not a binary opcode: %s", instr.Op)

	lhs := e.mustExpr(state, instr.Args[0])
	rhs := e.mustExpr(state, instr.Args[1])

	// Division and remainder by a possibly-zero divisor fault.
	switch instr.Op {
	case kir.OpUDiv, kir.OpSDiv, kir.OpURem, kir.OpSRem:
		okState, failState := e.fork(state, NewNotExpr(NewIsZeroExpr(rhs)))
		if failState != nil {
			e.terminateStateOnError(failState, TerminateExec, "division by zero")
		}
		if okState == nil {
			return nil
		}
		state = okState
	}

	state.SetReg(instr.Dst, NewBinaryExpr(op, lhs, rhs))
	return nil
}

var binaryOpByPred = map[kir.ICmpPred]BinaryOp{
	kir.PredEQ:  EQ,
	kir.PredNE:  NE,
	kir.PredULT: ULT,
	kir.PredULE: ULE,
	kir.PredUGT: UGT,
	kir.PredUGE: UGE,
	kir.PredSLT: SLT,
	kir.PredSLE: SLE,
	kir.PredSGT: SGT,
	kir.PredSGE: SGE,
}

func (e *Executor) executeICmpInstr(state *ExecutionState, instr *kir.Instr) error {
	op, ok := binaryOpByPred[instr.Pred]
	assert(ok, "invalid icmp predicate: %s", instr.Pred)

	lhs := e.mustExpr(state, instr.Args[0])
	rhs := e.mustExpr(state, instr.Args[1])
	state.SetReg(instr.Dst, NewBinaryExpr(op, lhs, rhs))
	return nil
}

func (e *Executor) executeSelectInstr(state *ExecutionState, instr *kir.Instr) error {
	cond := e.mustExpr(state, instr.Args[0])
	then := e.mustExpr(state, instr.Args[1])
	els := e.mustExpr(state, instr.Args[2])
	state.SetReg(instr.Dst, NewSelectExpr(cond, then, els))
	return nil
}

func (e *Executor) executeConvertInstr(state *ExecutionState, instr *kir.Instr) error {
	value := e.mustExpr(state, instr.Args[0])
	switch instr.Op {
	case kir.OpTrunc:
		state.SetReg(instr.Dst, NewExtractExpr(value, 0, instr.Width))
	case kir.OpZExt, kir.OpBitcast, kir.OpPtrToInt, kir.OpIntToPtr:
		state.SetReg(instr.Dst, NewCastExpr(value, instr.Width, false))
	case kir.OpSExt:
		state.SetReg(instr.Dst, NewCastExpr(value, instr.Width, true))
	default:
		panic("unreachable")
	}
	return nil
}

func (e *Executor) executeAllocaInstr(state *ExecutionState, instr *kir.Instr) error {
	count := e.mustExpr(state, instr.Args[0])

	// Symbolic sizes are pinned to one feasible value.
	cv, err := e.toConstant(state, count, "alloca size")
	if err != nil {
		return err
	}

	size := cv.Value * instr.ElemSize
	mo, _ := state.Allocate(size, true, fmt.Sprintf("%s:alloca", state.pc.Fn.Name))
	state.SetReg(instr.Dst, mo.BaseExpr(e.mm.PointerWidth()))

	log.Printf("[alloc] fn=%s addr=0x%x size=%d", state.pc.Fn.Name, mo.Address, size)
	return nil
}

func (e *Executor) executeGEPInstr(state *ExecutionState, instr *kir.Instr) error {
	ptrWidth := e.mm.PointerWidth()
	result := NewCastExpr(e.mustExpr(state, instr.Args[0]), ptrWidth, false)

	if instr.BaseOffset != 0 {
		result = NewBinaryExpr(ADD, result, NewConstantExpr(instr.BaseOffset, ptrWidth))
	}
	for _, idx := range instr.Indices {
		iv := NewCastExpr(e.mustExpr(state, idx.Operand), ptrWidth, true)
		result = NewBinaryExpr(ADD, result,
			NewBinaryExpr(MUL, iv, NewConstantExpr(idx.ElemSize, ptrWidth)))
	}
	state.SetReg(instr.Dst, result)
	return nil
}

func (e *Executor) executeExtractValueInstr(state *ExecutionState, instr *kir.Instr) error {
	agg := e.mustExpr(state, instr.Args[0])
	state.SetReg(instr.Dst, NewExtractExpr(agg, uint(instr.BaseOffset)*8, instr.Width))
	return nil
}

func (e *Executor) executeInsertValueInstr(state *ExecutionState, instr *kir.Instr) error {
	agg := e.mustExpr(state, instr.Args[0])
	elem := e.mustExpr(state, instr.Args[1])

	state.SetReg(instr.Dst, spliceExpr(agg, elem, uint(instr.BaseOffset)*8))
	return nil
}

// spliceExpr replaces ExprWidth(elem) bits of agg starting at bit offset.
func spliceExpr(agg, elem Expr, offset uint) Expr {
	aggWidth, elemWidth := ExprWidth(agg), ExprWidth(elem)
	assert(offset+elemWidth <= aggWidth, "splice out of bounds: %d+%d > %d", offset, elemWidth, aggWidth)

	result := elem
	if offset > 0 {
		result = NewConcatExpr(result, NewExtractExpr(agg, 0, offset))
	}
	if end := offset + elemWidth; end < aggWidth {
		result = NewConcatExpr(NewExtractExpr(agg, end, aggWidth-end), result)
	}
	return result
}

func (e *Executor) executeExtractElemInstr(state *ExecutionState, instr *kir.Instr) error {
	vec := e.mustExpr(state, instr.Args[0])
	index := e.mustExpr(state, instr.Args[1])
	laneWidth := uint(instr.ElemSize)
	lanes := ExprWidth(vec) / laneWidth

	if iv, ok := index.(*ConstantExpr); ok {
		if iv.Value >= uint64(lanes) {
			e.terminateStateOnError(state, TerminateExec, "extractelement index out of range")
			return nil
		}
		state.SetReg(instr.Dst, NewExtractExpr(vec, uint(iv.Value)*laneWidth, laneWidth))
		return nil
	}

	// Symbolic lane: select chain over every lane.
	result := NewExtractExpr(vec, 0, laneWidth)
	for i := uint(1); i < lanes; i++ {
		cond := NewBinaryExpr(EQ, index, NewConstantExpr(uint64(i), ExprWidth(index)))
		result = NewSelectExpr(cond, NewExtractExpr(vec, i*laneWidth, laneWidth), result)
	}
	state.SetReg(instr.Dst, result)
	return nil
}

func (e *Executor) executeInsertElemInstr(state *ExecutionState, instr *kir.Instr) error {
	vec := e.mustExpr(state, instr.Args[0])
	elem := e.mustExpr(state, instr.Args[1])
	index := e.mustExpr(state, instr.Args[2])
	laneWidth := uint(instr.ElemSize)
	lanes := ExprWidth(vec) / laneWidth

	iv, err := e.toConstant(state, index, "insertelement index")
	if err != nil {
		return err
	}
	if iv.Value >= uint64(lanes) {
		e.terminateStateOnError(state, TerminateExec, "insertelement index out of range")
		return nil
	}
	state.SetReg(instr.Dst, spliceExpr(vec, elem, uint(iv.Value)*laneWidth))
	return nil
}

// executePhiRun evaluates the whole run of phi nodes at the head of the
// current block atomically, reading only predecessor values.
func (e *Executor) executePhiRun(state *ExecutionState) error {
	frame := state.Frame()
	assert(frame.prevBlock >= 0, "phi in entry block")

	blk := state.pc.Fn.Blocks[state.pc.Block]
	start := state.prevPC.Index
	assert(start == 0, "phi not at block head")

	var dsts []int
	var values []Binding
	i := start
	for ; i < len(blk.Instrs); i++ {
		in := blk.Instrs[i]
		if in.Op != kir.OpPhi {
			break
		}
		idx := -1
		for j, b := range in.PhiBlocks {
			if b == frame.prevBlock {
				idx = j
				break
			}
		}
		assert(idx >= 0, "phi has no edge from block %d", frame.prevBlock)
		dsts = append(dsts, in.Dst)
		values = append(values, e.eval(state, in.Args[idx]))
	}

	for j, dst := range dsts {
		state.SetReg(dst, values[j])
	}
	state.pc.Index = i
	return nil
}

func (e *Executor) executeCallInstr(state *ExecutionState, instr *kir.Instr) error {
	// Direct call.
	if instr.Callee != "" {
		args := make([]Binding, len(instr.Args))
		for i, arg := range instr.Args {
			args[i] = e.eval(state, arg)
		}
		return e.callFunction(state, instr.Callee, e.module.Function(instr.Callee), args, instr.Dst)
	}

	// Indirect call through a pointer.
	ptr := e.mustExpr(state, instr.Args[0])
	args := make([]Binding, len(instr.Args)-1)
	for i, arg := range instr.Args[1:] {
		args[i] = e.eval(state, arg)
	}

	if cp, ok := ptr.(*ConstantExpr); ok {
		fn := e.fnsByAddr[cp.Value]
		if fn == nil {
			e.terminateStateOnError(state, TerminateExec, fmt.Sprintf("call to invalid function pointer 0x%x", cp.Value))
			return nil
		}
		return e.callFunction(state, fn.Name, fn, args, instr.Dst)
	}

	// Symbolic callee: fork one state per feasible target.
	remaining := state
	for _, fn := range e.fnOrder {
		cond := NewBinaryExpr(EQ, ptr, NewConstantExpr(e.fnAddrs[fn.Name], e.mm.PointerWidth()))
		target, rest := e.fork(remaining, cond)
		if target != nil {
			if err := e.callFunction(target, fn.Name, fn, args, instr.Dst); err != nil {
				e.terminateStateOnError(target, TerminateExec, err.Error())
			}
		}
		if rest == nil {
			return nil
		}
		remaining = rest
	}
	e.terminateStateOnError(remaining, TerminateExec, "call to invalid function pointer")
	return nil
}

// callFunction routes a call to a special handler, an IR body, or the
// external dispatcher.
func (e *Executor) callFunction(state *ExecutionState, name string, fn *kir.Function, args []Binding, retDst int) error {
	if h, ok := e.specialFns[name]; ok {
		return h(e, state, args, retDst)
	}

	if fn != nil && !fn.External {
		callerPC := state.pc
		state.PushFrame(fn, callerPC, retDst)

		n := len(fn.Params)
		if len(args) < n || (!fn.Variadic && len(args) > n) {
			e.terminateStateOnError(state, TerminateUser, fmt.Sprintf("calling %s with wrong number of arguments (%d for %d)", name, len(args), n))
			return nil
		}
		for i := 0; i < n; i++ {
			state.SetReg(i, args[i])
		}
		if fn.Variadic {
			e.packVarargs(state, args[n:])
		}
		return nil
	}

	return e.callExternalFunction(state, name, fn, args, retDst)
}

// packVarargs copies the variadic tail into a fresh object; each argument
// occupies one word-aligned slot.
func (e *Executor) packVarargs(state *ExecutionState, tail []Binding) {
	word := uint64(e.mm.PointerWidth() / 8)
	size := uint64(len(tail)) * word
	mo, os := state.Allocate(size, true, "varargs")
	for i, b := range tail {
		expr, ok := b.(Expr)
		if !ok {
			continue
		}
		os.Write(NewConstantExpr64(uint64(i)*word), NewCastExpr(expr, e.mm.PointerWidth(), false), e.mm.IsLittleEndian())
	}
	state.Frame().varargs = mo
}

// toConstant pins an expression to one concrete value consistent with the
// path condition and constrains the path to that value.
func (e *Executor) toConstant(state *ExecutionState, expr Expr, reason string) (*ConstantExpr, error) {
	if cv, ok := expr.(*ConstantExpr); ok {
		return cv, nil
	}

	cv, err := e.solver.GetValue(e.ctx, state.Constraints(), expr)
	if err != nil {
		return nil, err
	}
	log.Printf("[concretize] %s: %s -> %d", reason, expr, cv.Value)
	state.AddConstraint(NewBinaryExpr(EQ, cv, expr))
	return cv, nil
}

// toUnique returns the value expr takes when the path condition permits
// exactly one; unique is false when several values remain feasible.
func (e *Executor) toUnique(state *ExecutionState, expr Expr) (cv *ConstantExpr, unique bool, err error) {
	if cv, ok := expr.(*ConstantExpr); ok {
		return cv, true, nil
	}
	cv, err = e.solver.GetValue(e.ctx, state.Constraints(), expr)
	if err != nil {
		return nil, false, err
	}
	unique, err = e.solver.MustBeTrue(e.ctx, state.Constraints(), NewBinaryExpr(EQ, cv, expr))
	if err != nil {
		return nil, false, err
	}
	return cv, unique, nil
}

// executeMemoryOperation performs a symbolic load or store at address. For a
// write, value carries the data; for a read, the result lands in dst.
func (e *Executor) executeMemoryOperation(state *ExecutionState, isWrite bool, address Expr, value Expr, width uint, dst int) error {
	n := minBytes(width)
	address = NewCastExpr(address, e.mm.PointerWidth(), false)

	if e.config.SimplifySymIndices && !IsConstantExpr(address) {
		address = state.constraints.Simplify(address)
	}

	// Optionally treat any symbolic address as evidence of attacker-controlled
	// memory access and stop the path immediately.
	if e.config.SymbolicAddressFatal && !IsConstantExpr(address) {
		e.terminateStateOnError(state, TerminatePtr, "memory operation with symbolic address")
		return nil
	}

	// Fast path: concrete address resolves to at most one object.
	if caddr, ok := address.(*ConstantExpr); ok {
		os := state.addressSpace.FindContaining(caddr.Value)
		if os != nil {
			offset := caddr.Value - os.Object.Address
			if offset+uint64(n) <= uint64(os.Object.Size) {
				e.doMemoryAccess(state, os, NewConstantExpr64(offset), isWrite, value, width, dst)
				return nil
			}
		}
		e.terminateStateOnError(state, TerminatePtr, fmt.Sprintf("memory error: out of bound pointer 0x%x", caddr.Value))
		return nil
	}

	// Large objects would blow up the update chains; pin the address instead.
	if e.config.MaxSymArraySize > 0 {
		if os := e.addressHint(state, address); os != nil && int(os.Object.Size) > e.config.MaxSymArraySize {
			cv, err := e.toConstant(state, address, "symbolic index into large object")
			if err != nil {
				e.terminateStateOnSolverError(state, err)
				return nil
			}
			address = cv
			return e.executeMemoryOperation(state, isWrite, address, value, width, dst)
		}
	}

	// Symbolic address: fork one state per object the address may fall into.
	resolved, incomplete, err := e.resolve(state, address)
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}

	unbound := state
	for _, os := range resolved {
		inBounds := os.Object.BoundsCheckPointer(address, n)
		bound, rest := e.fork(unbound, inBounds)
		if bound != nil {
			e.doMemoryAccess(bound, os, os.Object.OffsetExpr(address), isWrite, value, width, dst)
		}
		if rest == nil {
			return nil
		}
		unbound = rest
	}

	if incomplete {
		e.terminateStateEarly(unbound, "resolution fanout exceeded")
	} else {
		e.terminateStateOnError(unbound, TerminatePtr, "memory error: out of bound pointer")
	}
	return nil
}

// addressHint returns the object containing one feasible value of address.
func (e *Executor) addressHint(state *ExecutionState, address Expr) *ObjectState {
	cv, err := e.solver.GetValue(e.ctx, state.Constraints(), address)
	if err != nil {
		return nil
	}
	return state.addressSpace.FindContaining(cv.Value)
}

// resolve returns every object the address may point into, in address order.
// incomplete is true when the MaxResolutions cap cut the scan short.
func (e *Executor) resolve(state *ExecutionState, address Expr) (resolved []*ObjectState, incomplete bool, err error) {
	for _, os := range state.addressSpace.Objects() {
		if e.config.MaxResolutions > 0 && len(resolved) >= e.config.MaxResolutions {
			return resolved, true, nil
		}
		if os.Object.Size == 0 {
			continue
		}
		inBounds := os.Object.BoundsCheckPointer(address, 1)
		may, err := e.solver.MayBeTrue(e.ctx, state.Constraints(), inBounds)
		if err != nil {
			return nil, false, err
		}
		if may {
			resolved = append(resolved, os)
		}
	}
	return resolved, false, nil
}

// doMemoryAccess performs the access against a resolved object.
func (e *Executor) doMemoryAccess(state *ExecutionState, os *ObjectState, offset Expr, isWrite bool, value Expr, width uint, dst int) {
	if isWrite {
		if os.ReadOnly {
			e.terminateStateOnError(state, TerminateReadOnly, "memory error: object read only")
			return
		}
		w := state.addressSpace.GetWriteable(os)
		w.Write(offset, value, e.mm.IsLittleEndian())
		return
	}
	result := os.Read(offset, width, e.mm.IsLittleEndian())
	state.SetReg(dst, result)
}

// executeFree releases a heap object. Freeing a null pointer is a no-op;
// freeing stack or global memory, or a non-base pointer, is an error.
func (e *Executor) executeFree(state *ExecutionState, address Expr, retDst int) error {
	address = NewCastExpr(address, e.mm.PointerWidth(), false)

	// Peel off the legal free(NULL) case.
	isNull := NewIsZeroExpr(address)
	nullState, liveState := e.fork(state, isNull)
	if nullState != nil && retDst >= 0 {
		nullState.SetReg(retDst, NewConstantExpr(0, WidthBool))
	}
	if liveState == nil {
		return nil
	}

	resolved, incomplete, err := e.resolve(liveState, address)
	if err != nil {
		e.terminateStateOnSolverError(liveState, err)
		return nil
	}

	unbound := liveState
	for _, os := range resolved {
		atBase := NewBinaryExpr(EQ, address, os.Object.BaseExpr(e.mm.PointerWidth()))
		bound, rest := e.fork(unbound, atBase)
		if bound != nil {
			switch {
			case os.Object.IsLocal:
				e.terminateStateOnError(bound, TerminateFree, "free of alloca")
			case os.Object.IsGlobal:
				e.terminateStateOnError(bound, TerminateFree, "free of global")
			default:
				bound.addressSpace.Unbind(os.Object)
				if retDst >= 0 {
					bound.SetReg(retDst, NewConstantExpr(0, WidthBool))
				}
			}
		}
		if rest == nil {
			return nil
		}
		unbound = rest
	}

	if incomplete {
		e.terminateStateEarly(unbound, "resolution fanout exceeded")
	} else {
		e.terminateStateOnError(unbound, TerminateFree, "free of invalid pointer")
	}
	return nil
}

// Floating point is interpreted over concretized operands: symbolic float
// inputs are pinned to one feasible value.

func (e *Executor) executeFloatBinInstr(state *ExecutionState, instr *kir.Instr) error {
	lhs, err := e.toConstant(state, e.mustExpr(state, instr.Args[0]), "float operand")
	if err != nil {
		return err
	}
	rhs, err := e.toConstant(state, e.mustExpr(state, instr.Args[1]), "float operand")
	if err != nil {
		return err
	}

	width := instr.Width
	x, y := floatValue(lhs, width), floatValue(rhs, width)

	var r float64
	switch instr.Op {
	case kir.OpFAdd:
		r = x + y
	case kir.OpFSub:
		r = x - y
	case kir.OpFMul:
		r = x * y
	case kir.OpFDiv:
		r = x / y
	case kir.OpFRem:
		r = math.Mod(x, y)
	default:
		panic("unreachable")
	}
	state.SetReg(instr.Dst, floatConstant(r, width))
	return nil
}

func (e *Executor) executeFCmpInstr(state *ExecutionState, instr *kir.Instr) error {
	lhs, err := e.toConstant(state, e.mustExpr(state, instr.Args[0]), "float operand")
	if err != nil {
		return err
	}
	rhs, err := e.toConstant(state, e.mustExpr(state, instr.Args[1]), "float operand")
	if err != nil {
		return err
	}

	x, y := floatValue(lhs, lhs.Width), floatValue(rhs, rhs.Width)

	var r bool
	switch instr.Pred {
	case kir.PredEQ:
		r = x == y
	case kir.PredNE:
		r = x != y
	case kir.PredULT, kir.PredSLT:
		r = x < y
	case kir.PredULE, kir.PredSLE:
		r = x <= y
	case kir.PredUGT, kir.PredSGT:
		r = x > y
	case kir.PredUGE, kir.PredSGE:
		r = x >= y
	default:
		panic("unreachable")
	}
	state.SetReg(instr.Dst, NewBoolConstantExpr(r))
	return nil
}

func (e *Executor) executeFloatConvertInstr(state *ExecutionState, instr *kir.Instr) error {
	src, err := e.toConstant(state, e.mustExpr(state, instr.Args[0]), "float operand")
	if err != nil {
		return err
	}

	switch instr.Op {
	case kir.OpFPTrunc, kir.OpFPExt:
		state.SetReg(instr.Dst, floatConstant(floatValue(src, src.Width), instr.Width))
	case kir.OpFPInt:
		f := floatValue(src, src.Width)
		if instr.Signed {
			state.SetReg(instr.Dst, NewConstantExpr(uint64(int64(f)), instr.Width))
		} else {
			state.SetReg(instr.Dst, NewConstantExpr(uint64(f), instr.Width))
		}
	case kir.OpIntFP:
		var f float64
		if instr.Signed {
			f = float64(int64(src.SExt(Width64).Value))
		} else {
			f = float64(src.ZExt(Width64).Value)
		}
		state.SetReg(instr.Dst, floatConstant(f, instr.Width))
	default:
		panic("unreachable")
	}
	return nil
}

func floatValue(c *ConstantExpr, width uint) float64 {
	switch width {
	case Width32:
		return float64(math.Float32frombits(uint32(c.Value)))
	case Width64:
		return math.Float64frombits(c.Value)
	default:
		panic(fmt.Sprintf("invalid float width: %d", width))
	}
}

func floatConstant(f float64, width uint) *ConstantExpr {
	switch width {
	case Width32:
		return NewConstantExpr(uint64(math.Float32bits(float32(f))), width)
	case Width64:
		return NewConstantExpr(math.Float64bits(f), width)
	default:
		panic(fmt.Sprintf("invalid float width: %d", width))
	}
}

// Termination.

func (e *Executor) terminateState(state *ExecutionState, reason TerminateReason, message string) {
	if state.Terminated() {
		return
	}
	state.status = ExecutionStatusTerminated
	state.reason = reason
	state.message = message
	e.removedStates = append(e.removedStates, state)
	log.Printf("[terminate] state=%d reason=%s msg=%q at %s", state.id, reason, message, state.prevPC)
}

// terminateStateEarly stops a state for policy reasons, emitting a test case.
func (e *Executor) terminateStateEarly(state *ExecutionState, message string) {
	if state.Terminated() {
		return
	}
	e.processTestCase(state, TerminateEarly, message)
	e.terminateState(state, TerminateEarly, message)
}

// terminateStateOnExit stops a state that returned from the entry function.
func (e *Executor) terminateStateOnExit(state *ExecutionState) {
	if state.Terminated() {
		return
	}
	e.completedPaths++
	e.processTestCase(state, TerminateExit, "")
	e.terminateState(state, TerminateExit, "")
}

// terminateStateOnError stops a state at a fault. One test case is emitted
// per (location, reason) pair unless EmitAllErrors is set.
func (e *Executor) terminateStateOnError(state *ExecutionState, reason TerminateReason, message string) {
	if state.Terminated() {
		return
	}
	e.completedPaths++

	key := errorKey{location: state.prevPC.String(), reason: reason}
	if _, seen := e.emittedErrors[key]; !seen || e.config.EmitAllErrors {
		e.emittedErrors[key] = struct{}{}
		e.processTestCase(state, reason, message)
	}
	e.terminateState(state, reason, message)

	if e.config.shouldExitOn(reason) {
		e.haltExecution = true
	}
}

func (e *Executor) terminateStateOnSolverError(state *ExecutionState, err error) {
	reason := TerminateQueryTimeout
	if !errors.Is(err, ErrSolverTimeout) && !errors.Is(err, ErrSolverCanceled) {
		reason = TerminateExec
	}
	e.terminateState(state, reason, err.Error())
}

// processTestCase solves the path condition and hands the concrete inputs to
// the test handler.
func (e *Executor) processTestCase(state *ExecutionState, reason TerminateReason, message string) {
	if e.TestHandler == nil {
		return
	}
	if e.config.OnlyCoverNew && !reason.IsError() && !state.coveredNew {
		return
	}

	arrays, values, err := state.Values()
	if err != nil {
		log.Printf("[testgen] state=%d failed: %v", state.id, err)
		return
	}

	tc := &TestCase{
		StateID:  state.id,
		Errored:  reason.IsError(),
		Reason:   reason,
		Message:  message,
		Location: state.prevPC.String(),
		Steps:    state.instructions,
	}
	for i, array := range arrays {
		tc.Objects = append(tc.Objects, TestObject{Name: array.Name, Bytes: values[i]})
	}
	e.TestHandler(tc)
}
