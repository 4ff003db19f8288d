package kestrel_test

import (
	"testing"

	"github.com/kestrel-sym/kestrel"
	"github.com/kestrel-sym/kestrel/kir"
)

// Branching on a symbolic byte forks once and emits a test case per side.
func TestExecutor_CondBr_Fork(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	entry := fb.NewBlock()
	then := fb.NewBlock()
	els := fb.NewBlock()
	cond := entry.ICmp(kir.PredEQ, fb.Param(0), kir.Const(42, 8))
	entry.CondBr(cond, then.Index(), els.Index())
	then.Ret(kir.Const(1, 8))
	els.Ret(kir.Const(0, 8))
	mod := b.Module()
	mod.Entry = "main"

	e, cases := MustRunModule(t, mod, kestrel.Config{})

	if got, exp := len(cases), 2; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	}
	forks, paths, _ := e.Stats()
	if got, exp := forks, 1; got != exp {
		t.Fatalf("forks=%d, expected %d", got, exp)
	} else if got, exp := paths, 2; got != exp {
		t.Fatalf("completed paths=%d, expected %d", got, exp)
	}

	var saw42, sawOther bool
	for _, tc := range cases {
		if got, exp := tc.Reason, kestrel.TerminateExit; got != exp {
			t.Fatalf("Reason=%s, expected %s", got, exp)
		}
		if ObjectBytes(t, tc, "x")[0] == 42 {
			saw42 = true
		} else {
			sawOther = true
		}
	}
	if !saw42 || !sawOther {
		t.Fatalf("expected one case per branch side; saw42=%v sawOther=%v", saw42, sawOther)
	}
}

// A nested branch whose condition is provably decided by the path condition
// does not fork again.
func TestExecutor_CondBr_InfeasiblePruned(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	entry := fb.NewBlock()
	high := fb.NewBlock()
	low := fb.NewBlock()
	impossible := fb.NewBlock()
	possible := fb.NewBlock()

	gt := entry.ICmp(kir.PredUGT, fb.Param(0), kir.Const(10, 8))
	entry.CondBr(gt, high.Index(), low.Index())

	// x > 10 makes x == 5 infeasible, so this branch is decided.
	eq5 := high.ICmp(kir.PredEQ, fb.Param(0), kir.Const(5, 8))
	high.CondBr(eq5, impossible.Index(), possible.Index())

	impossible.Unreachable()
	possible.Ret(kir.Const(1, 8))
	low.Ret(kir.Const(0, 8))
	mod := b.Module()
	mod.Entry = "main"

	e, cases := MustRunModule(t, mod, kestrel.Config{})

	if got, exp := len(cases), 2; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	}
	forks, _, _ := e.Stats()
	if got, exp := forks, 1; got != exp {
		t.Fatalf("forks=%d, expected %d", got, exp)
	}
	for _, tc := range cases {
		if got, exp := tc.Reason, kestrel.TerminateExit; got != exp {
			t.Fatalf("Reason=%s, expected %s", got, exp)
		}
	}
}
