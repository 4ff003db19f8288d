package kestrel

import (
	"fmt"
	"log"
)

// SpecialHandler models a function inside the engine instead of interpreting
// or dispatching it. Handlers run with the caller's frame still on top; args
// are already evaluated and retDst names the caller's result register (-1 for
// none).
type SpecialHandler func(e *Executor, state *ExecutionState, args []Binding, retDst int) error

// registerSpecialFunctions installs the built-in models: the engine's own
// intrinsics plus the slice of libc that reasonable target programs hit.
func registerSpecialFunctions(e *Executor) {
	e.RegisterSpecial("kestrel_make_symbolic", execMakeSymbolic)
	e.RegisterSpecial("kestrel_assume", execAssume)
	e.RegisterSpecial("kestrel_report_error", execReportError)

	e.RegisterSpecial("malloc", execMalloc)
	e.RegisterSpecial("calloc", execCalloc)
	e.RegisterSpecial("realloc", execRealloc)
	e.RegisterSpecial("free", execFree)

	e.RegisterSpecial("abort", execAbort)
	e.RegisterSpecial("exit", execExit)
	e.RegisterSpecial("__assert_fail", execAssertFail)

	e.RegisterSpecial("memset", execMemset)
	e.RegisterSpecial("memcpy", execMemcpy)
	e.RegisterSpecial("memmove", execMemcpy) // copies go through expressions, overlap is safe

	e.RegisterSpecial("__ubsan_handle_add_overflow", execOverflow("addition"))
	e.RegisterSpecial("__ubsan_handle_sub_overflow", execOverflow("subtraction"))
	e.RegisterSpecial("__ubsan_handle_mul_overflow", execOverflow("multiplication"))
	e.RegisterSpecial("__ubsan_handle_divrem_overflow", execOverflow("division"))
}

// execOverflow builds the handler for one sanitizer arithmetic trap.
func execOverflow(op string) SpecialHandler {
	return func(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
		e.terminateStateOnError(state, TerminateOverflow, "overflow on "+op)
		return nil
	}
}

// specialArg returns the i-th argument as an expression or terminates the
// state as user misuse.
func specialArg(e *Executor, state *ExecutionState, name string, args []Binding, i int) (Expr, bool) {
	if i >= len(args) {
		e.terminateStateOnError(state, TerminateUser, fmt.Sprintf("%s: missing argument %d", name, i))
		return nil, false
	}
	expr, ok := args[i].(Expr)
	if !ok {
		e.terminateStateOnError(state, TerminateUser, fmt.Sprintf("%s: argument %d is not a value", name, i))
		return nil, false
	}
	return expr, true
}

// resolveBase resolves a pointer argument that must name the base of exactly
// one object.
func resolveBase(e *Executor, state *ExecutionState, name string, ptr Expr) (*ObjectState, bool) {
	cv, err := e.toConstant(state, ptr, name+" pointer")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil, false
	}
	os := state.addressSpace.FindObject(cv.Value)
	if os == nil {
		e.terminateStateOnError(state, TerminateUser, fmt.Sprintf("%s: pointer 0x%x is not an object base", name, cv.Value))
		return nil, false
	}
	return os, true
}

// readCString reads a NUL-terminated string at ptr, concretizing any
// symbolic bytes along the way.
func readCString(e *Executor, state *ExecutionState, ptr Expr) (string, error) {
	cv, err := e.toConstant(state, ptr, "string pointer")
	if err != nil {
		return "", err
	}
	os := state.addressSpace.FindContaining(cv.Value)
	if os == nil {
		return "", fmt.Errorf("string pointer 0x%x out of bounds", cv.Value)
	}

	var buf []byte
	offset := cv.Value - os.Object.Address
	for ; offset < uint64(os.Object.Size); offset++ {
		b, err := e.toConstant(state, os.Read(NewConstantExpr64(offset), Width8, e.mm.IsLittleEndian()), "string byte")
		if err != nil {
			return "", err
		}
		if b.Value == 0 {
			return string(buf), nil
		}
		buf = append(buf, byte(b.Value))
	}
	return "", fmt.Errorf("unterminated string at 0x%x", cv.Value)
}

// execMakeSymbolic implements kestrel_make_symbolic(ptr, size, name).
func execMakeSymbolic(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	ptr, ok := specialArg(e, state, "kestrel_make_symbolic", args, 0)
	if !ok {
		return nil
	}
	size, ok := specialArg(e, state, "kestrel_make_symbolic", args, 1)
	if !ok {
		return nil
	}

	name := fmt.Sprintf("unnamed%d", len(state.symbolics))
	if len(args) > 2 {
		namePtr, ok := specialArg(e, state, "kestrel_make_symbolic", args, 2)
		if !ok {
			return nil
		}
		s, err := readCString(e, state, namePtr)
		if err != nil {
			e.terminateStateOnError(state, TerminateUser, fmt.Sprintf("kestrel_make_symbolic: %v", err))
			return nil
		}
		name = s
	}

	os, ok := resolveBase(e, state, "kestrel_make_symbolic", ptr)
	if !ok {
		return nil
	}
	sz, err := e.toConstant(state, size, "kestrel_make_symbolic size")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}
	if uint(sz.Value) != os.Object.Size {
		e.terminateStateOnError(state, TerminateUser,
			fmt.Sprintf("kestrel_make_symbolic: size %d does not cover object of %d bytes", sz.Value, os.Object.Size))
		return nil
	}

	e.makeSymbolic(state, os.Object, name)
	log.Printf("[symbolic] state=%d name=%q size=%d", state.id, name, sz.Value)
	return nil
}

// execAssume implements kestrel_assume(cond): constrain the path, killing it
// if the assumption is provably false.
func execAssume(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	cond, ok := specialArg(e, state, "kestrel_assume", args, 0)
	if !ok {
		return nil
	}
	if ExprWidth(cond) != WidthBool {
		cond = NewNotExpr(NewIsZeroExpr(cond))
	}

	provablyFalse, err := e.solver.MustBeFalse(e.ctx, state.Constraints(), cond)
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}
	if provablyFalse {
		e.terminateStateOnError(state, TerminateUser, "invalid kestrel_assume call (provably false)")
		return nil
	}
	state.AddConstraint(cond)
	return nil
}

// execReportError implements kestrel_report_error(msg).
func execReportError(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	message := "error reported"
	if len(args) > 0 {
		if ptr, ok := args[0].(Expr); ok {
			if s, err := readCString(e, state, ptr); err == nil {
				message = s
			}
		}
	}
	e.terminateStateOnError(state, TerminateReportError, message)
	return nil
}

func execMalloc(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	size, ok := specialArg(e, state, "malloc", args, 0)
	if !ok {
		return nil
	}
	sz, err := e.toConstant(state, size, "malloc size")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}

	mo, _ := state.Allocate(sz.Value, false, "malloc")
	if retDst >= 0 {
		state.SetReg(retDst, mo.BaseExpr(e.mm.PointerWidth()))
	}
	log.Printf("[alloc] malloc addr=0x%x size=%d", mo.Address, sz.Value)
	return nil
}

func execCalloc(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	n, ok := specialArg(e, state, "calloc", args, 0)
	if !ok {
		return nil
	}
	size, ok := specialArg(e, state, "calloc", args, 1)
	if !ok {
		return nil
	}
	nv, err := e.toConstant(state, n, "calloc count")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}
	sv, err := e.toConstant(state, size, "calloc size")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}

	// New objects are zero-filled already.
	mo, _ := state.Allocate(nv.Value*sv.Value, false, "calloc")
	if retDst >= 0 {
		state.SetReg(retDst, mo.BaseExpr(e.mm.PointerWidth()))
	}
	return nil
}

func execRealloc(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	ptr, ok := specialArg(e, state, "realloc", args, 0)
	if !ok {
		return nil
	}
	size, ok := specialArg(e, state, "realloc", args, 1)
	if !ok {
		return nil
	}
	sz, err := e.toConstant(state, size, "realloc size")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}

	// realloc(NULL, n) is malloc(n).
	if cv, isConst := ptr.(*ConstantExpr); isConst && cv.Value == 0 {
		return execMalloc(e, state, args[1:], retDst)
	}

	old, ok := resolveBase(e, state, "realloc", ptr)
	if !ok {
		return nil
	}
	if old.Object.IsLocal || old.Object.IsGlobal {
		e.terminateStateOnError(state, TerminateFree, "realloc of non-heap object")
		return nil
	}

	mo, next := state.Allocate(sz.Value, false, "realloc")
	n := old.Object.Size
	if uint(sz.Value) < n {
		n = uint(sz.Value)
	}
	for i := uint(0); i < n; i++ {
		next.Write(NewConstantExpr64(uint64(i)),
			old.Read(NewConstantExpr64(uint64(i)), Width8, e.mm.IsLittleEndian()),
			e.mm.IsLittleEndian())
	}
	state.addressSpace.Unbind(old.Object)

	if retDst >= 0 {
		state.SetReg(retDst, mo.BaseExpr(e.mm.PointerWidth()))
	}
	return nil
}

func execFree(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	ptr, ok := specialArg(e, state, "free", args, 0)
	if !ok {
		return nil
	}
	return e.executeFree(state, ptr, retDst)
}

func execAbort(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	e.terminateStateOnError(state, TerminateAbort, "abort")
	return nil
}

// execExit ends the path normally regardless of remaining frames.
func execExit(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	e.terminateStateOnExit(state)
	return nil
}

func execAssertFail(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	message := "assertion failed"
	if len(args) > 0 {
		if ptr, ok := args[0].(Expr); ok {
			if s, err := readCString(e, state, ptr); err == nil {
				message = "ASSERTION FAIL: " + s
			}
		}
	}
	e.terminateStateOnError(state, TerminateAssert, message)
	return nil
}

func execMemset(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	dst, ok := specialArg(e, state, "memset", args, 0)
	if !ok {
		return nil
	}
	value, ok := specialArg(e, state, "memset", args, 1)
	if !ok {
		return nil
	}
	count, ok := specialArg(e, state, "memset", args, 2)
	if !ok {
		return nil
	}
	n, err := e.toConstant(state, count, "memset count")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}

	dstOS, dstOff, ok := resolveRange(e, state, "memset", dst, n.Value)
	if !ok {
		return nil
	}
	if dstOS.ReadOnly {
		e.terminateStateOnError(state, TerminateReadOnly, "memory error: object read only")
		return nil
	}

	b := NewExtractExpr(value, 0, Width8)
	w := state.addressSpace.GetWriteable(dstOS)
	for i := uint64(0); i < n.Value; i++ {
		w.Write(NewConstantExpr64(dstOff+i), b, e.mm.IsLittleEndian())
	}
	if retDst >= 0 {
		state.SetReg(retDst, NewCastExpr(dst, e.mm.PointerWidth(), false))
	}
	return nil
}

// resolveRange pins ptr to a concrete address and checks that n bytes from it
// stay inside one object. Returns the object and starting offset.
func resolveRange(e *Executor, state *ExecutionState, name string, ptr Expr, n uint64) (*ObjectState, uint64, bool) {
	cv, err := e.toConstant(state, ptr, name+" pointer")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil, 0, false
	}
	os := state.addressSpace.FindContaining(cv.Value)
	if os == nil {
		e.terminateStateOnError(state, TerminatePtr, fmt.Sprintf("memory error: out of bound pointer 0x%x", cv.Value))
		return nil, 0, false
	}
	offset := cv.Value - os.Object.Address
	if offset+n > uint64(os.Object.Size) {
		e.terminateStateOnError(state, TerminatePtr, fmt.Sprintf("%s: %d bytes at 0x%x overruns %s", name, n, cv.Value, os.Object))
		return nil, 0, false
	}
	return os, offset, true
}

// execMemcpy copies byte by byte through expressions, so it also serves
// memmove.
func execMemcpy(e *Executor, state *ExecutionState, args []Binding, retDst int) error {
	dst, ok := specialArg(e, state, "memcpy", args, 0)
	if !ok {
		return nil
	}
	src, ok := specialArg(e, state, "memcpy", args, 1)
	if !ok {
		return nil
	}
	count, ok := specialArg(e, state, "memcpy", args, 2)
	if !ok {
		return nil
	}
	n, err := e.toConstant(state, count, "memcpy count")
	if err != nil {
		e.terminateStateOnSolverError(state, err)
		return nil
	}

	srcOS, srcOff, ok := resolveRange(e, state, "memcpy", src, n.Value)
	if !ok {
		return nil
	}
	dstOS, dstOff, ok := resolveRange(e, state, "memcpy", dst, n.Value)
	if !ok {
		return nil
	}
	if dstOS.ReadOnly {
		e.terminateStateOnError(state, TerminateReadOnly, "memory error: object read only")
		return nil
	}

	// Read the whole source first so overlapping ranges copy correctly.
	bytes := make([]Expr, n.Value)
	for i := range bytes {
		bytes[i] = srcOS.Read(NewConstantExpr64(srcOff+uint64(i)), Width8, e.mm.IsLittleEndian())
	}
	w := state.addressSpace.GetWriteable(dstOS)
	for i, b := range bytes {
		w.Write(NewConstantExpr64(dstOff+uint64(i)), b, e.mm.IsLittleEndian())
	}
	if retDst >= 0 {
		state.SetReg(retDst, NewCastExpr(dst, e.mm.PointerWidth(), false))
	}
	return nil
}
