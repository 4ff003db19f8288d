package kestrel_test

import (
	"testing"

	"github.com/kestrel-sym/kestrel"
	"github.com/kestrel-sym/kestrel/kir"
)

// A symbolic switch explores the default and every feasible case.
func TestExecutor_Switch(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	entry := fb.NewBlock()
	one := fb.NewBlock()
	two := fb.NewBlock()
	deflt := fb.NewBlock()
	entry.Switch(fb.Param(0), deflt.Index(), []uint64{1, 2}, []int{one.Index(), two.Index()})
	one.Ret(kir.Const(10, 8))
	two.Ret(kir.Const(20, 8))
	deflt.Ret(kir.Const(0, 8))
	mod := b.Module()
	mod.Entry = "main"

	e, cases := MustRunModule(t, mod, kestrel.Config{})

	if got, exp := len(cases), 3; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	}
	forks, _, _ := e.Stats()
	if got, exp := forks, 2; got != exp {
		t.Fatalf("forks=%d, expected %d", got, exp)
	}

	saw := map[byte]bool{}
	for _, tc := range cases {
		if got, exp := tc.Reason, kestrel.TerminateExit; got != exp {
			t.Fatalf("Reason=%s, expected %s", got, exp)
		}
		saw[ObjectBytes(t, tc, "x")[0]] = true
	}
	if !saw[1] || !saw[2] {
		t.Fatalf("expected cases for x=1 and x=2, got %v", saw)
	} else if len(saw) != 3 {
		t.Fatalf("expected a third, non-case value, got %v", saw)
	}
}

// A loop over a concrete induction variable runs to completion as a single
// path: the phi and the backedge never touch the solver.
func TestExecutor_Phi_Loop(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8)
	entry := fb.NewBlock()
	loop := fb.NewBlock()
	body := fb.NewBlock()
	exit := fb.NewBlock()

	inc := fb.Reserve()
	entry.Br(loop.Index())
	i := loop.Phi(8, []kir.Operand{kir.Const(0, 8), inc}, []int{entry.Index(), body.Index()})
	done := loop.ICmp(kir.PredULT, i, kir.Const(3, 8))
	loop.CondBr(done, body.Index(), exit.Index())
	body.Define(inc, &kir.Instr{Op: kir.OpAdd, Width: 8, Args: []kir.Operand{i, kir.Const(1, 8)}})
	body.Br(loop.Index())
	exit.Ret(i)
	mod := b.Module()
	mod.Entry = "main"

	e, cases := MustRunModule(t, mod, kestrel.Config{})

	if got, exp := len(cases), 1; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	} else if got, exp := cases[0].Reason, kestrel.TerminateExit; got != exp {
		t.Fatalf("Reason=%s, expected %s", got, exp)
	} else if got, exp := len(cases[0].Objects), 0; got != exp {
		t.Fatalf("len(Objects)=%d, expected %d", got, exp)
	}
	forks, _, _ := e.Stats()
	if forks != 0 {
		t.Fatalf("forks=%d, expected 0", forks)
	}
}
