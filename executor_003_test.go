package kestrel_test

import (
	"context"
	"strings"
	"testing"

	"github.com/kestrel-sym/kestrel"
	"github.com/kestrel-sym/kestrel/kir"
)

func TestExecutor_Call_Direct(t *testing.T) {
	b := kir.NewBuilder(testLayout())

	dfb := b.NewFunction("double", 8, kir.Param{Name: "v", Width: 8})
	dblk := dfb.NewBlock()
	dblk.Ret(dblk.Binary(kir.OpAdd, 8, dfb.Param(0), dfb.Param(0)))

	fb := b.NewFunction("main", 8)
	entry := fb.NewBlock()
	ok := fb.NewBlock()
	bad := fb.NewBlock()
	result := entry.Call(8, "double", kir.Const(21, 8))
	same := entry.ICmp(kir.PredEQ, result, kir.Const(42, 8))
	entry.CondBr(same, ok.Index(), bad.Index())
	ok.Ret(kir.Const(0, 8))
	bad.Unreachable()
	mod := b.Module()
	mod.Entry = "main"

	e, cases := MustRunModule(t, mod, kestrel.Config{})

	if got, exp := len(cases), 1; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	} else if got, exp := cases[0].Reason, kestrel.TerminateExit; got != exp {
		t.Fatalf("Reason=%s, expected %s", got, exp)
	}
	forks, _, _ := e.Stats()
	if forks != 0 {
		t.Fatalf("forks=%d, expected 0", forks)
	}
}

func TestExecutor_Call_Indirect(t *testing.T) {
	b := kir.NewBuilder(testLayout())

	dfb := b.NewFunction("double", 8, kir.Param{Name: "v", Width: 8})
	dblk := dfb.NewBlock()
	dblk.Ret(dblk.Binary(kir.OpAdd, 8, dfb.Param(0), dfb.Param(0)))

	fb := b.NewFunction("main", 8)
	entry := fb.NewBlock()
	ok := fb.NewBlock()
	bad := fb.NewBlock()
	result := entry.CallIndirect(8, kir.FuncRef("double"), kir.Const(21, 8))
	same := entry.ICmp(kir.PredEQ, result, kir.Const(42, 8))
	entry.CondBr(same, ok.Index(), bad.Index())
	ok.Ret(kir.Const(0, 8))
	bad.Unreachable()
	mod := b.Module()
	mod.Entry = "main"

	_, cases := MustRunModule(t, mod, kestrel.Config{})

	if got, exp := len(cases), 1; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	} else if got, exp := cases[0].Reason, kestrel.TerminateExit; got != exp {
		t.Fatalf("Reason=%s, expected %s", got, exp)
	}
}

// A symbolic function pointer forks one state per feasible callee.
func TestExecutor_Call_IndirectSymbolic(t *testing.T) {
	b := kir.NewBuilder(testLayout())

	b.NewFunction("one", 8).NewBlock().Ret(kir.Const(1, 8))
	b.NewFunction("two", 8).NewBlock().Ret(kir.Const(2, 8))

	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	entry := fb.NewBlock()
	cond := entry.ICmp(kir.PredEQ, fb.Param(0), kir.Const(0, 8))
	fp := entry.Select(64, cond, kir.FuncRef("one"), kir.FuncRef("two"))
	r := entry.CallIndirect(8, fp)
	entry.Ret(r)
	mod := b.Module()
	mod.Entry = "main"

	e, cases := MustRunModule(t, mod, kestrel.Config{})

	exits := CasesByReason(cases, kestrel.TerminateExit)
	if got, exp := len(exits), 2; got != exp {
		t.Fatalf("len(exits)=%d, expected %d", got, exp)
	}
	if got, exp := len(CasesByReason(cases, kestrel.TerminateExec)), 0; got != exp {
		t.Fatalf("len(errs)=%d, expected %d", got, exp)
	}

	// One path takes "one" with x == 0, the other takes "two".
	a := ObjectBytes(t, exits[0], "x")[0]
	c := ObjectBytes(t, exits[1], "x")[0]
	if (a == 0) == (c == 0) {
		t.Fatalf("x values %d and %d must split on zero", a, c)
	}

	forks, _, _ := e.Stats()
	if got, exp := forks, 1; got != exp {
		t.Fatalf("forks=%d, expected %d", got, exp)
	}
}

// recordingDispatcher captures the externals the engine dispatches.
type recordingDispatcher struct {
	name string
	args []uint64
}

func (d *recordingDispatcher) Call(_ *kestrel.Executor, _ *kestrel.ExecutionState, name string, args []*kestrel.ConstantExpr) (kestrel.Expr, error) {
	d.name = name
	d.args = d.args[:0]
	for _, a := range args {
		d.args = append(d.args, a.Value)
	}
	return kestrel.NewConstantExpr(0, kestrel.Width32), nil
}

// Under the "all" policy a variadic external sees fully concretized
// arguments, and the state continues past the call.
func TestExecutor_Call_VariadicExternal(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	b.AddGlobal(&kir.Global{Name: "format", Size: 3, ReadOnly: true, Init: []byte("%d\x00")})
	pf := b.DeclareExternal("printf", 32, kir.Param{Name: "format", Width: 64})
	pf.Variadic = true

	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	entry := fb.NewBlock()
	entry.Call(32, "printf", kir.GlobalRef("format"), fb.Param(0))
	entry.Ret(kir.Const(0, 8))
	mod := b.Module()
	mod.Entry = "main"

	e := kestrel.NewExecutor(mod, mod.Function(mod.Entry), enumSolver{}, kestrel.Config{
		Externals: kestrel.ExternalCallsAll,
	})
	d := &recordingDispatcher{}
	e.Externals = d
	var cases []*kestrel.TestCase
	e.TestHandler = func(tc *kestrel.TestCase) {
		cases = append(cases, tc)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got, exp := len(cases), 1; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	} else if got, exp := cases[0].Reason, kestrel.TerminateExit; got != exp {
		t.Fatalf("Reason=%s, expected %s", got, exp)
	}
	if got, exp := d.name, "printf"; got != exp {
		t.Fatalf("name=%q, expected %q", got, exp)
	}
	if got, exp := len(d.args), 2; got != exp {
		t.Fatalf("len(args)=%d, expected %d", got, exp)
	}
	if d.args[0] == 0 {
		t.Fatal("format pointer must be non-null")
	}
	// Concretizing the symbolic argument pins it in the emitted test case.
	if got, exp := ObjectBytes(t, cases[0], "x")[0], byte(d.args[1]); got != exp {
		t.Fatalf("x=%d, expected %d", got, exp)
	}
}

// The "none" policy still dispatches the known side-effect-free IO externals
// but rejects everything else.
func TestExecutor_Call_ExternalsNone(t *testing.T) {
	t.Run("Allowlisted", func(t *testing.T) {
		b := kir.NewBuilder(testLayout())
		b.AddGlobal(&kir.Global{Name: "msg", Size: 3, ReadOnly: true, Init: []byte("hi\x00")})
		b.DeclareExternal("puts", 32, kir.Param{Name: "s", Width: 64})

		fb := b.NewFunction("main", 8)
		entry := fb.NewBlock()
		entry.Call(32, "puts", kir.GlobalRef("msg"))
		entry.Ret(kir.Const(0, 8))
		mod := b.Module()
		mod.Entry = "main"

		e := kestrel.NewExecutor(mod, mod.Function(mod.Entry), enumSolver{}, kestrel.Config{
			Externals: kestrel.ExternalCallsNone,
		})
		d := &recordingDispatcher{}
		e.Externals = d
		var cases []*kestrel.TestCase
		e.TestHandler = func(tc *kestrel.TestCase) {
			cases = append(cases, tc)
		}
		if err := e.Run(context.Background()); err != nil {
			t.Fatal(err)
		}

		if got, exp := len(cases), 1; got != exp {
			t.Fatalf("len(cases)=%d, expected %d", got, exp)
		} else if got, exp := cases[0].Reason, kestrel.TerminateExit; got != exp {
			t.Fatalf("Reason=%s, expected %s", got, exp)
		}
		if got, exp := d.name, "puts"; got != exp {
			t.Fatalf("name=%q, expected %q", got, exp)
		}
	})

	t.Run("Disallowed", func(t *testing.T) {
		b := kir.NewBuilder(testLayout())
		b.DeclareExternal("getenv", 64, kir.Param{Name: "name", Width: 64})

		fb := b.NewFunction("main", 8)
		entry := fb.NewBlock()
		entry.Call(64, "getenv", kir.Const(0, 64))
		entry.Ret(kir.Const(0, 8))
		mod := b.Module()
		mod.Entry = "main"

		_, cases := MustRunModule(t, mod, kestrel.Config{Externals: kestrel.ExternalCallsNone})

		if got, exp := len(cases), 1; got != exp {
			t.Fatalf("len(cases)=%d, expected %d", got, exp)
		} else if got, exp := cases[0].Reason, kestrel.TerminateUser; got != exp {
			t.Fatalf("Reason=%s, expected %s", got, exp)
		} else if got, exp := cases[0].Message, "external calls disallowed (call to getenv)"; got != exp {
			t.Fatalf("Message=%q, expected %q", got, exp)
		}
	})
}

// Under the "concrete" policy an argument that the path condition pins to a
// single value is as good as a constant. Only a genuinely free argument
// fails the call.
func TestExecutor_Call_ExternalConcretePinned(t *testing.T) {
	build := func(assume bool) *kir.Module {
		b := kir.NewBuilder(testLayout())
		b.DeclareExternal("putchar", 32, kir.Param{Name: "c", Width: 8})

		fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
		entry := fb.NewBlock()
		if assume {
			cond := entry.ICmp(kir.PredEQ, fb.Param(0), kir.Const(5, 8))
			entry.Call(0, "kestrel_assume", cond)
		}
		entry.Call(32, "putchar", fb.Param(0))
		entry.Ret(kir.Const(0, 8))
		mod := b.Module()
		mod.Entry = "main"
		return mod
	}

	t.Run("Pinned", func(t *testing.T) {
		mod := build(true)
		e := kestrel.NewExecutor(mod, mod.Function(mod.Entry), enumSolver{}, kestrel.Config{
			Externals: kestrel.ExternalCallsConcrete,
		})
		d := &recordingDispatcher{}
		e.Externals = d
		var cases []*kestrel.TestCase
		e.TestHandler = func(tc *kestrel.TestCase) {
			cases = append(cases, tc)
		}
		if err := e.Run(context.Background()); err != nil {
			t.Fatal(err)
		}

		if got, exp := len(cases), 1; got != exp {
			t.Fatalf("len(cases)=%d, expected %d", got, exp)
		} else if got, exp := cases[0].Reason, kestrel.TerminateExit; got != exp {
			t.Fatalf("Reason=%s, expected %s", got, exp)
		}
		if got, exp := d.name, "putchar"; got != exp {
			t.Fatalf("name=%q, expected %q", got, exp)
		}
		if got, exp := d.args[0], uint64(5); got != exp {
			t.Fatalf("arg=%d, expected %d", got, exp)
		}
	})

	t.Run("Free", func(t *testing.T) {
		_, cases := MustRunModule(t, build(false), kestrel.Config{
			Externals: kestrel.ExternalCallsConcrete,
		})

		if got, exp := len(cases), 1; got != exp {
			t.Fatalf("len(cases)=%d, expected %d", got, exp)
		} else if got, exp := cases[0].Reason, kestrel.TerminateExternal; got != exp {
			t.Fatalf("Reason=%s, expected %s", got, exp)
		} else if got, exp := cases[0].Message, "external call to putchar with symbolic argument"; got != exp {
			t.Fatalf("Message=%q, expected %q", got, exp)
		}
	})
}

// Division by a possibly-zero symbolic divisor forks off an error path.
func TestExecutor_UDiv_ByZero(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8, kir.Param{Name: "x", Width: 8})
	entry := fb.NewBlock()
	q := entry.Binary(kir.OpUDiv, 8, kir.Const(10, 8), fb.Param(0))
	entry.Ret(q)
	mod := b.Module()
	mod.Entry = "main"

	e, cases := MustRunModule(t, mod, kestrel.Config{})

	exits := CasesByReason(cases, kestrel.TerminateExit)
	errs := CasesByReason(cases, kestrel.TerminateExec)
	if got, exp := len(exits), 1; got != exp {
		t.Fatalf("len(exits)=%d, expected %d", got, exp)
	} else if got, exp := len(errs), 1; got != exp {
		t.Fatalf("len(errs)=%d, expected %d", got, exp)
	}

	if got, exp := errs[0].Message, "division by zero"; got != exp {
		t.Fatalf("Message=%q, expected %q", got, exp)
	} else if got, exp := ObjectBytes(t, errs[0], "x")[0], byte(0); got != exp {
		t.Fatalf("divisor=%d, expected %d", got, exp)
	}
	if ObjectBytes(t, exits[0], "x")[0] == 0 {
		t.Fatal("clean path must have nonzero divisor")
	}

	forks, _, _ := e.Stats()
	if got, exp := forks, 1; got != exp {
		t.Fatalf("forks=%d, expected %d", got, exp)
	}
}

func TestExecutor_Unreachable(t *testing.T) {
	b := kir.NewBuilder(testLayout())
	fb := b.NewFunction("main", 8)
	entry := fb.NewBlock()
	entry.Unreachable()
	mod := b.Module()
	mod.Entry = "main"

	_, cases := MustRunModule(t, mod, kestrel.Config{})

	if got, exp := len(cases), 1; got != exp {
		t.Fatalf("len(cases)=%d, expected %d", got, exp)
	} else if got, exp := cases[0].Reason, kestrel.TerminateExec; got != exp {
		t.Fatalf("Reason=%s, expected %s", got, exp)
	} else if !strings.Contains(cases[0].Message, "unreachable") {
		t.Fatalf("Message=%q, expected mention of unreachable", cases[0].Message)
	}
}
