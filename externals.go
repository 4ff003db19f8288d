package kestrel

import (
	"fmt"
	"log"
	"os"

	"github.com/kestrel-sym/kestrel/kir"
)

// Dispatcher executes calls that leave the interpreted module. Arguments are
// fully concrete by the time a dispatcher sees them.
type Dispatcher interface {
	// Call runs the external function and returns its result, or nil for
	// void. A non-nil error terminates the calling state.
	Call(e *Executor, state *ExecutionState, name string, args []*ConstantExpr) (Expr, error)
}

// okExternals lists io-style externals that only observe their inputs. They
// survive the "none" policy, and under the default policy their symbolic
// arguments are silently concretized instead of failing the call.
var okExternals = map[string]bool{
	"printf":  true,
	"fprintf": true,
	"puts":    true,
	"getpid":  true,
}

// callExternalFunction applies the external-call policy and routes the call
// to the dispatcher.
func (e *Executor) callExternalFunction(state *ExecutionState, name string, fn *kir.Function, args []Binding, retDst int) error {
	switch e.config.Externals {
	case ExternalCallsNone:
		if !okExternals[name] {
			e.terminateStateOnError(state, TerminateUser, fmt.Sprintf("external calls disallowed (call to %s)", name))
			return nil
		}
	case ExternalCallsConcrete:
		for _, b := range args {
			expr, ok := b.(Expr)
			if !ok || IsConstantExpr(expr) || okExternals[name] {
				continue
			}
			// The path condition may pin a syntactically symbolic argument
			// to a single value; only truly free arguments fail the call.
			_, unique, err := e.toUnique(state, expr)
			if err != nil {
				e.terminateStateOnSolverError(state, err)
				return nil
			}
			if !unique {
				e.terminateStateOnError(state, TerminateExternal,
					fmt.Sprintf("external call to %s with symbolic argument", name))
				return nil
			}
		}
	case ExternalCallsAll:
		// Concretized below.
	}

	concrete := make([]*ConstantExpr, len(args))
	for i, b := range args {
		expr, ok := b.(Expr)
		if !ok {
			e.terminateStateOnError(state, TerminateUser, fmt.Sprintf("external call to %s with non-value argument", name))
			return nil
		}
		cv, err := e.toConstant(state, expr, "external call argument")
		if err != nil {
			e.terminateStateOnSolverError(state, err)
			return nil
		}
		concrete[i] = cv
	}

	log.Printf("[external] state=%d call=%s args=%d", state.id, name, len(concrete))

	result, err := e.Externals.Call(e, state, name, concrete)
	if err != nil {
		e.terminateStateOnError(state, TerminateExternal, fmt.Sprintf("external call to %s failed: %v", name, err))
		return nil
	}
	if state.Terminated() {
		return nil
	}
	if retDst >= 0 {
		width := uint(0)
		if fn != nil {
			width = fn.RetWidth
		}
		if result == nil {
			// Unknown result; model as zero of the declared width.
			if width == 0 {
				width = e.mm.PointerWidth()
			}
			result = NewConstantExpr(0, width)
		} else if width != 0 {
			result = NewCastExpr(result, width, false)
		}
		state.SetReg(retDst, result)
	}
	return nil
}

// LibcDispatcher emulates the handful of externals that side-effect-free
// target programs commonly reach. Unknown functions fail the call.
type LibcDispatcher struct {
	// Stdout receives output of the emulated print functions.
	Stdout *os.File
}

// NewLibcDispatcher returns a dispatcher writing to the process stdout.
func NewLibcDispatcher() *LibcDispatcher {
	return &LibcDispatcher{Stdout: os.Stdout}
}

// Call implements Dispatcher.
func (d *LibcDispatcher) Call(e *Executor, state *ExecutionState, name string, args []*ConstantExpr) (Expr, error) {
	switch name {
	case "puts":
		s, err := d.stringArg(e, state, args, 0)
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(d.Stdout, s)
		return NewConstantExpr(uint64(len(s)+1), Width32), nil

	case "printf":
		s, err := d.stringArg(e, state, args, 0)
		if err != nil {
			return nil, err
		}
		// Format arguments are already concretized; emit the raw format to
		// keep the model simple.
		fmt.Fprint(d.Stdout, s)
		return NewConstantExpr(uint64(len(s)), Width32), nil

	case "fprintf":
		s, err := d.stringArg(e, state, args, 1)
		if err != nil {
			return nil, err
		}
		fmt.Fprint(d.Stdout, s)
		return NewConstantExpr(uint64(len(s)), Width32), nil

	case "getpid":
		return NewConstantExpr(uint64(os.Getpid()), Width32), nil

	case "strlen":
		s, err := d.stringArg(e, state, args, 0)
		if err != nil {
			return nil, err
		}
		return NewConstantExpr(uint64(len(s)), e.mm.PointerWidth()), nil

	default:
		return nil, fmt.Errorf("unmodelled external function")
	}
}

func (d *LibcDispatcher) stringArg(e *Executor, state *ExecutionState, args []*ConstantExpr, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	return readCString(e, state, args[i])
}
