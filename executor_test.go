package kestrel_test

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"testing"

	"github.com/kestrel-sym/kestrel"
	"github.com/kestrel-sym/kestrel/kir"
)

func TestMain(m *testing.M) {
	flag.Parse()
	if !testing.Verbose() {
		log.SetOutput(io.Discard)
	}
	os.Exit(m.Run())
}

// testLayout is a 64-bit little-endian target, matching the loader's output.
func testLayout() kir.DataLayout {
	return kir.DataLayout{PointerWidth: 64, LittleEndian: true}
}

// MustRunModule executes the module's entry to exhaustion and returns the
// executor alongside every emitted test case. Fatal on error.
func MustRunModule(tb testing.TB, mod *kir.Module, config kestrel.Config) (*kestrel.Executor, []*kestrel.TestCase) {
	tb.Helper()

	e := kestrel.NewExecutor(mod, mod.Function(mod.Entry), enumSolver{}, config)
	var cases []*kestrel.TestCase
	e.TestHandler = func(tc *kestrel.TestCase) {
		cases = append(cases, tc)
	}
	if err := e.Run(context.Background()); err != nil {
		tb.Fatal(err)
	}
	return e, cases
}

// CasesByReason filters test cases by termination reason.
func CasesByReason(cases []*kestrel.TestCase, reason kestrel.TerminateReason) []*kestrel.TestCase {
	var out []*kestrel.TestCase
	for _, tc := range cases {
		if tc.Reason == reason {
			out = append(out, tc)
		}
	}
	return out
}

// ObjectBytes returns the contents of the named object in a test case.
func ObjectBytes(tb testing.TB, tc *kestrel.TestCase, name string) []byte {
	tb.Helper()
	for _, obj := range tc.Objects {
		if obj.Name == name {
			return obj.Bytes
		}
	}
	tb.Fatalf("object %q not found in test case for state %d", name, tc.StateID)
	return nil
}

// enumSolver is an exhaustive RawSolver: it enumerates every byte assignment
// of the symbolic arrays in a query and checks the constraints with the
// expression evaluator. Exact, hermetic, and only viable for the few symbolic
// bytes these tests use.
type enumSolver struct{}

const enumSolverMaxCombos = 1 << 24

func (enumSolver) Solve(ctx context.Context, constraints []kestrel.Expr, arrays []*kestrel.Array) (bool, [][]byte, error) {
	all := kestrel.FindArrays(constraints...)
	seen := make(map[uint64]bool, len(all))
	for _, a := range all {
		seen[a.ID] = true
	}
	for _, a := range arrays {
		if a.IsSymbolic() && !seen[a.ID] {
			all = append(all, a)
			seen[a.ID] = true
		}
	}

	combos := 1
	for _, a := range all {
		for i := uint(0); i < a.Size; i++ {
			combos *= 256
			if combos > enumSolverMaxCombos {
				return false, nil, fmt.Errorf("enum solver: too many symbolic bytes")
			}
		}
	}

	values := make([][]byte, len(all))
	for i, a := range all {
		values[i] = make([]byte, a.Size)
	}

	satisfies := func() bool {
		ev := kestrel.NewExprEvaluator(all, values)
		for _, c := range constraints {
			v, err := ev.Evaluate(c)
			if err != nil || !v.IsTrue() {
				return false
			}
		}
		return true
	}

	var search func(ai, bi int) bool
	search = func(ai, bi int) bool {
		if ai == len(all) {
			return satisfies()
		}
		if bi == int(all[ai].Size) {
			return search(ai+1, 0)
		}
		for v := 0; v < 256; v++ {
			values[ai][bi] = byte(v)
			if search(ai, bi+1) {
				return true
			}
		}
		return false
	}
	if !search(0, 0) {
		return false, nil, nil
	}

	out := make([][]byte, len(arrays))
	for i, a := range arrays {
		if a.IsConcrete() {
			out[i] = append([]byte(nil), a.Init...)
			continue
		}
		for j, b := range all {
			if b.ID == a.ID {
				out[i] = append([]byte(nil), values[j]...)
				break
			}
		}
	}
	return true, out, nil
}

func TestExecutor_New(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	blk := fb.NewBlock()
	blk.Ret(fb.Param(0))
	mod := b.Module()
	mod.Entry = "main"

	e := kestrel.NewExecutor(mod, mod.Function("main"), enumSolver{}, kestrel.Config{})

	// The root state starts at the entry with one symbolic object per param.
	root := e.RootState()
	if got, exp := root.Status(), kestrel.ExecutionStatusRunning; got != exp {
		t.Fatalf("Status()=%s, expected %s", got, exp)
	} else if got, exp := root.StackDepth(), 1; got != exp {
		t.Fatalf("StackDepth()=%d, expected %d", got, exp)
	} else if got, exp := len(root.Symbolics()), 1; got != exp {
		t.Fatalf("len(Symbolics())=%d, expected %d", got, exp)
	} else if got, exp := root.Symbolics()[0].Array.Name, "x"; got != exp {
		t.Fatalf("Symbolics()[0].Array.Name=%q, expected %q", got, exp)
	}
	if root.Reg(0) == nil {
		t.Fatal("entry parameter register not bound")
	}
}

func TestExecutor_Run_Trivial(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	blk := fb.NewBlock()
	blk.Ret(fb.Param(0))
	mod := b.Module()
	mod.Entry = "main"

	e, cases := MustRunModule(t, mod, kestrel.Config{})

	if got, exp := len(cases), 1; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	} else if got, exp := cases[0].Reason, kestrel.TerminateExit; got != exp {
		t.Fatalf("Reason=%s, expected %s", got, exp)
	} else if cases[0].Errored {
		t.Fatal("expected non-errored case")
	}

	forks, paths, instrs := e.Stats()
	if forks != 0 {
		t.Fatalf("forks=%d, expected 0", forks)
	} else if paths != 1 {
		t.Fatalf("completed paths=%d, expected 1", paths)
	} else if instrs == 0 {
		t.Fatal("expected instructions > 0")
	}
}

func TestExecutor_StepState(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	entry := fb.NewBlock()
	then := fb.NewBlock()
	els := fb.NewBlock()
	cond := entry.ICmp(kir.PredEQ, fb.Param(0), kir.Const(100, 8))
	entry.CondBr(cond, then.Index(), els.Index())
	then.Ret(kir.Const(1, 8))
	els.Ret(kir.Const(0, 8))
	mod := b.Module()
	mod.Entry = "main"

	e := kestrel.NewExecutor(mod, mod.Function("main"), enumSolver{}, kestrel.Config{})
	root := e.RootState()

	// Step through the icmp and the condbr; the branch forks the state.
	e.StepState(root)
	e.StepState(root)

	if got, exp := len(root.Constraints()), 1; got != exp {
		t.Fatalf("len(Constraints())=%d, expected %d", got, exp)
	}
	constraint, ok := root.Constraints()[0].(*kestrel.BinaryExpr)
	if !ok || constraint.Op != kestrel.EQ {
		t.Fatalf("expected EQ constraint, got %s", root.Constraints()[0])
	}

	// Solving the true side yields exactly 100.
	if _, values, err := root.Values(); err != nil {
		t.Fatal(err)
	} else if got, exp := values[0][0], byte(100); got != exp {
		t.Fatalf("values[0][0]=%d, expected %d", got, exp)
	}

	// The forked sibling carries the negated condition.
	other := e.SelectState()
	if other == root {
		t.Fatal("expected forked state to be selected")
	} else if got, exp := len(other.Constraints()), 1; got != exp {
		t.Fatalf("len(other.Constraints())=%d, expected %d", got, exp)
	}
	if _, values, err := other.Values(); err != nil {
		t.Fatal(err)
	} else if values[0][0] == 100 {
		t.Fatalf("values[0][0]=100, expected any other value")
	}
}
