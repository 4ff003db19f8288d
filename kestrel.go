package kestrel

import (
	"errors"
	"fmt"
)

// Standard widths.
const (
	WidthBool = 1
	Width8    = 8
	Width16   = 16
	Width32   = 32
	Width64   = 64
)

var (
	errUnsat = errors.New("unsatisfiable")

	ErrSolverTimeout       = errors.New("Solver timeout")
	ErrSolverCanceled      = errors.New("Solver canceled")
	ErrSolverResourceLimit = errors.New("Solver resource limit")
	ErrSolverUnknown       = errors.New("Solver unknown error")
)

// TerminateReason classifies why a state stopped executing.
type TerminateReason int

const (
	TerminateExit TerminateReason = iota // normal return from entry
	TerminateEarly                       // halted by policy (depth, fork budget, searcher)

	// Error terminations.
	TerminateAbort
	TerminateAssert
	TerminateExec // interpreter fault: bad instruction, unreachable, missing callee
	TerminateExternal
	TerminateFree
	TerminateModel // environment limitation, not a target program bug
	TerminateOverflow
	TerminatePtr
	TerminateReadOnly
	TerminateReportError
	TerminateUser // malformed intrinsic usage
	TerminateQueryTimeout
)

var terminateReasonNames = [...]string{
	TerminateExit:         "exit",
	TerminateEarly:        "early",
	TerminateAbort:        "abort",
	TerminateAssert:       "assert",
	TerminateExec:         "exec",
	TerminateExternal:     "external",
	TerminateFree:         "free",
	TerminateModel:        "model",
	TerminateOverflow:     "overflow",
	TerminatePtr:          "ptr",
	TerminateReadOnly:     "readonly",
	TerminateReportError:  "reporterror",
	TerminateUser:         "user",
	TerminateQueryTimeout: "querytimeout",
}

func (r TerminateReason) String() string {
	if r >= 0 && int(r) < len(terminateReasonNames) {
		return terminateReasonNames[r]
	}
	return fmt.Sprintf("TerminateReason<%d>", int(r))
}

// IsError reports whether the reason denotes an error termination that should
// produce a test case under error-emitting policies.
func (r TerminateReason) IsError() bool {
	return r != TerminateExit && r != TerminateEarly
}

// Suffix returns the file suffix used for error artifacts of this reason.
func (r TerminateReason) Suffix() string {
	return r.String() + ".err"
}

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
