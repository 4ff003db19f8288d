package kestrel

import (
	"bytes"
	"fmt"

	"github.com/kestrel-sym/kestrel/kir"
)

// ProgramCounter addresses one instruction in a function.
type ProgramCounter struct {
	Fn    *kir.Function
	Block int
	Index int
}

// Instr returns the instruction under the counter, or nil if out of range.
func (pc ProgramCounter) Instr() *kir.Instr {
	if pc.Fn == nil || pc.Block >= len(pc.Fn.Blocks) {
		return nil
	}
	blk := pc.Fn.Blocks[pc.Block]
	if pc.Index >= len(blk.Instrs) {
		return nil
	}
	return blk.Instrs[pc.Index]
}

// String returns fn:block:index for diagnostics.
func (pc ProgramCounter) String() string {
	if pc.Fn == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s:%d:%d", pc.Fn.Name, pc.Block, pc.Index)
}

// StackFrame represents one call into a function.
type StackFrame struct {
	fn     *kir.Function
	regs   []Binding // SSA register file; parameters at [0, len(Params))
	caller ProgramCounter
	retDst int // caller register receiving the return value; -1 if none

	prevBlock int // for phi resolution; -1 in the entry block

	allocas []*MemoryObject // stack allocations, unbound on pop
	varargs *MemoryObject   // packed variadic tail, if any
}

// NewStackFrame returns a frame for a call to fn returning into retDst at
// caller.
func NewStackFrame(fn *kir.Function, caller ProgramCounter, retDst int) *StackFrame {
	return &StackFrame{
		fn:        fn,
		regs:      make([]Binding, fn.NumRegs),
		caller:    caller,
		retDst:    retDst,
		prevBlock: -1,
	}
}

// Fn returns the function this frame executes.
func (f *StackFrame) Fn() *kir.Function { return f.fn }

// Reg returns the binding of a register.
func (f *StackFrame) Reg(i int) Binding { return f.regs[i] }

// SetReg binds a register.
func (f *StackFrame) SetReg(i int, b Binding) { f.regs[i] = b }

// Clone returns a copy of the stack frame.
func (f *StackFrame) Clone() *StackFrame {
	other := *f
	other.regs = make([]Binding, len(f.regs))
	copy(other.regs, f.regs)
	other.allocas = make([]*MemoryObject, len(f.allocas))
	copy(other.allocas, f.allocas)
	return &other
}

// Dump returns the contents of the frame as a string.
func (f *StackFrame) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "fn=%s\n", f.fn.Name)
	for i, b := range f.regs {
		if b == nil {
			continue
		}
		fmt.Fprintf(&buf, "r%d = %s\n", i, b)
	}
	return buf.String()
}

// ExecutionStatus represents the current status of the execution state.
type ExecutionStatus string

const (
	ExecutionStatusRunning    = ExecutionStatus("running")
	ExecutionStatusTerminated = ExecutionStatus("terminated")
)

// SymbolicObject records one object made symbolic along a path, in creation
// order, paired with the unconstrained array that names its bytes.
type SymbolicObject struct {
	Object *MemoryObject
	Array  *Array
}

// ExecutionState represents a path under exploration.
type ExecutionState struct {
	id int

	// Executor this is executed within.
	executor *Executor

	// Instruction positions: pc is next to execute, prevPC last executed.
	pc     ProgramCounter
	prevPC ProgramCounter

	// Call stack.
	stack []*StackFrame

	// Path condition collected so far.
	constraints *ConstraintSet

	// Memory.
	addressSpace *AddressSpace

	// Objects made symbolic along this path, oldest first.
	symbolics []SymbolicObject

	// Process tree position.
	ptreeNode *PTreeNode

	// Termination.
	status  ExecutionStatus
	reason  TerminateReason
	message string

	// Search bookkeeping.
	depth        int    // branch decisions taken
	instructions int    // instructions stepped
	pathTrace    []bool // branch outcomes, for replay
	forkDisabled bool
	coveredNew   bool
	sinceCovNew  int
}

// NewExecutionState returns a state positioned at the entry of fn.
func NewExecutionState(executor *Executor, fn *kir.Function) *ExecutionState {
	s := &ExecutionState{
		executor:     executor,
		constraints:  NewConstraintSet(),
		addressSpace: NewAddressSpace(executor.mm),
		status:       ExecutionStatusRunning,
	}
	s.stack = append(s.stack, NewStackFrame(fn, ProgramCounter{}, -1))
	s.pc = ProgramCounter{Fn: fn}
	return s
}

// ID returns an autoincrementing ID assigned by the executor.
func (s *ExecutionState) ID() int { return s.id }

// Executor returns the parent executor of this state.
func (s *ExecutionState) Executor() *Executor { return s.executor }

// PC returns the counter of the next instruction.
func (s *ExecutionState) PC() ProgramCounter { return s.pc }

// PrevPC returns the counter of the last executed instruction.
func (s *ExecutionState) PrevPC() ProgramCounter { return s.prevPC }

// Constraints returns the path condition as a slice.
func (s *ExecutionState) Constraints() []Expr { return s.constraints.All() }

// AddressSpace returns the state's memory map.
func (s *ExecutionState) AddressSpace() *AddressSpace { return s.addressSpace }

// Symbolics returns the objects made symbolic along this path.
func (s *ExecutionState) Symbolics() []SymbolicObject { return s.symbolics }

// Depth returns the number of branch decisions taken.
func (s *ExecutionState) Depth() int { return s.depth }

// Status returns the current status of the state.
func (s *ExecutionState) Status() ExecutionStatus { return s.status }

// Reason returns the termination reason; meaningful once terminated.
func (s *ExecutionState) Reason() TerminateReason { return s.reason }

// Message returns additional detail about the termination.
func (s *ExecutionState) Message() string { return s.message }

// Terminated returns true if the state has stopped executing.
func (s *ExecutionState) Terminated() bool {
	return s.status != ExecutionStatusRunning
}

// Frame returns the current stack frame.
func (s *ExecutionState) Frame() *StackFrame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// CallerFrame returns the parent of the current stack frame.
func (s *ExecutionState) CallerFrame() *StackFrame {
	if len(s.stack) <= 1 {
		return nil
	}
	return s.stack[len(s.stack)-2]
}

// StackDepth returns the number of frames.
func (s *ExecutionState) StackDepth() int { return len(s.stack) }

// Reg returns the binding of a register in the current frame.
func (s *ExecutionState) Reg(i int) Binding { return s.Frame().Reg(i) }

// SetReg binds a register in the current frame.
func (s *ExecutionState) SetReg(i int, b Binding) { s.Frame().SetReg(i, b) }

// Branch returns a copy of the state sharing memory copy-on-write. The copy
// carries the same pc and constraints; the caller adds the diverging
// constraint to each side.
func (s *ExecutionState) Branch() *ExecutionState {
	other := &ExecutionState{
		executor:     s.executor,
		pc:           s.pc,
		prevPC:       s.prevPC,
		constraints:  s.constraints.Clone(),
		addressSpace: s.addressSpace.Fork(s.executor.mm),
		status:       s.status,
		depth:        s.depth,
		instructions: s.instructions,
		forkDisabled: s.forkDisabled,
		sinceCovNew:  s.sinceCovNew,
		// coveredNew restarts false: the copy must earn fresh coverage of
		// its own before the covering-new filter emits for it.
	}

	other.stack = make([]*StackFrame, len(s.stack))
	for i := range s.stack {
		other.stack[i] = s.stack[i].Clone()
	}

	other.symbolics = make([]SymbolicObject, len(s.symbolics))
	copy(other.symbolics, s.symbolics)

	other.pathTrace = make([]bool, len(s.pathTrace))
	copy(other.pathTrace, s.pathTrace)

	return other
}

// AddConstraint conjoins expr to the path condition.
func (s *ExecutionState) AddConstraint(expr Expr) {
	s.constraints.Add(expr)
}

// PushFrame adds a frame for a call to fn, recording the return site.
func (s *ExecutionState) PushFrame(fn *kir.Function, caller ProgramCounter, retDst int) {
	s.stack = append(s.stack, NewStackFrame(fn, caller, retDst))
	s.pc = ProgramCounter{Fn: fn}
}

// PopFrame removes the current frame and unbinds its stack allocations.
func (s *ExecutionState) PopFrame() {
	f := s.Frame()
	for _, mo := range f.allocas {
		s.addressSpace.Unbind(mo)
	}
	if f.varargs != nil {
		s.addressSpace.Unbind(f.varargs)
	}
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]
}

// Allocate binds a new zero-filled object of the given size and returns it.
func (s *ExecutionState) Allocate(size uint64, isLocal bool, name string) (*MemoryObject, *ObjectState) {
	mo := s.executor.mm.Allocate(size, isLocal, false, name)
	os := NewObjectState(mo, s.addressSpace.cowKey)
	s.addressSpace.Bind(os)
	if isLocal {
		if f := s.Frame(); f != nil {
			f.allocas = append(f.allocas, mo)
		}
	}
	return mo, os
}

// MakeSymbolic rebinds the object's contents to a fresh unconstrained array
// of the given name and records it for test generation.
func (s *ExecutionState) MakeSymbolic(mo *MemoryObject, name string) *Array {
	array := NewArray(s.executor.mm.NewArrayID(), name, mo.Size)
	os := NewSymbolicObjectState(mo, array, s.addressSpace.cowKey)
	s.addressSpace.Bind(os)
	s.symbolics = append(s.symbolics, SymbolicObject{Object: mo, Array: array})
	return array
}

// Values computes concrete contents for all symbolic objects on this path.
func (s *ExecutionState) Values() ([]*Array, [][]byte, error) {
	arrays := make([]*Array, len(s.symbolics))
	for i := range s.symbolics {
		arrays[i] = s.symbolics[i].Array
	}

	sat, values, err := s.executor.solver.GetInitialValues(s.executor.ctx, s.Constraints(), arrays)
	if err != nil {
		return nil, nil, err
	} else if !sat {
		return nil, nil, errUnsat
	}
	return arrays, values, nil
}

// Dump returns the contents of the state and frames as a string.
func (s *ExecutionState) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "EXECUTION STATE")
	fmt.Fprintln(&buf, "===============")
	fmt.Fprintf(&buf, "status=%s\n", s.status)
	if s.Terminated() {
		fmt.Fprintf(&buf, "reason=%s message=%s\n", s.reason, s.message)
	}
	fmt.Fprintf(&buf, "pc=%s\n", s.pc)
	fmt.Fprintln(&buf, "")
	for i := len(s.stack) - 1; i >= 0; i-- {
		fmt.Fprintf(&buf, "== FRAME #%d\n", i)
		fmt.Fprintln(&buf, s.stack[i].Dump())
	}
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== MEMORY")
	fmt.Fprintln(&buf, s.addressSpace.Dump())
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== CONSTRAINTS")
	for i, expr := range s.Constraints() {
		fmt.Fprintf(&buf, "%d. %s\n", i, expr)
	}
	return buf.String()
}

// Binding represents an object that can be bound to an SSA register.
// This can be either an Expr or a Tuple.
type Binding interface {
	binding()
	String() string
}

func (*BinaryExpr) binding()       {}
func (*CastExpr) binding()         {}
func (*ConcatExpr) binding()       {}
func (*ConstantExpr) binding()     {}
func (*ExtractExpr) binding()      {}
func (*NotExpr) binding()          {}
func (*NotOptimizedExpr) binding() {}
func (*ReadExpr) binding()         {}
func (*SelectExpr) binding()       {}
func (Tuple) binding()             {}
