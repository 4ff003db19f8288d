package kestrel_test

import (
	"testing"

	"github.com/kestrel-sym/kestrel"
)

// symByte returns a read of byte 0 of a fresh symbolic array.
func symByte(id uint64, name string) kestrel.Expr {
	return kestrel.NewUpdateList(kestrel.NewArray(id, name, 1)).Read(kestrel.NewConstantExpr64(0))
}

func TestNewBinaryExpr_ConstantFold(t *testing.T) {
	for _, tt := range []struct {
		op       kestrel.BinaryOp
		lhs, rhs uint64
		exp      uint64
	}{
		{kestrel.ADD, 250, 10, 4}, // wraps at 8 bits
		{kestrel.SUB, 5, 10, 251},
		{kestrel.MUL, 16, 16, 0},
		{kestrel.UDIV, 100, 7, 14},
		{kestrel.UREM, 100, 7, 2},
		{kestrel.AND, 0xF0, 0x3C, 0x30},
		{kestrel.OR, 0xF0, 0x0C, 0xFC},
		{kestrel.XOR, 0xFF, 0x0F, 0xF0},
		{kestrel.SHL, 1, 7, 0x80},
		{kestrel.LSHR, 0x80, 7, 1},
		{kestrel.ASHR, 0x80, 7, 0xFF},
	} {
		result := kestrel.NewBinaryExpr(tt.op, kestrel.NewConstantExpr8(tt.lhs), kestrel.NewConstantExpr8(tt.rhs))
		cv, ok := result.(*kestrel.ConstantExpr)
		if !ok {
			t.Fatalf("%s: expected constant, got %s", tt.op, result)
		} else if got, exp := cv.Value, tt.exp; got != exp {
			t.Fatalf("%s(%d,%d)=%d, expected %d", tt.op, tt.lhs, tt.rhs, got, exp)
		}
	}
}

// Ordered comparisons other than ULT/ULE/SLT/SLE are rewritten in terms of
// their duals, and NE in terms of EQ.
func TestNewBinaryExpr_Normalize(t *testing.T) {
	x := symByte(1, "x")
	ten := kestrel.NewConstantExpr8(10)

	t.Run("NE", func(t *testing.T) {
		e, ok := kestrel.NewBinaryExpr(kestrel.NE, x, ten).(*kestrel.BinaryExpr)
		if !ok || e.Op != kestrel.EQ {
			t.Fatalf("expected outer EQ, got %s", e)
		}
		lhs, ok := e.LHS.(*kestrel.ConstantExpr)
		if !ok || !lhs.IsFalse() {
			t.Fatalf("expected false constant on lhs, got %s", e.LHS)
		}
		inner, ok := e.RHS.(*kestrel.BinaryExpr)
		if !ok || inner.Op != kestrel.EQ {
			t.Fatalf("expected inner EQ, got %s", e.RHS)
		}
	})

	t.Run("UGT", func(t *testing.T) {
		e, ok := kestrel.NewBinaryExpr(kestrel.UGT, x, ten).(*kestrel.BinaryExpr)
		if !ok || e.Op != kestrel.ULT {
			t.Fatalf("expected ULT, got %v", e)
		}
		if kestrel.CompareExpr(e.RHS, x) != 0 {
			t.Fatalf("expected operands reversed, got %s", e)
		}
	})

	t.Run("SGE", func(t *testing.T) {
		e, ok := kestrel.NewBinaryExpr(kestrel.SGE, x, ten).(*kestrel.BinaryExpr)
		if !ok || e.Op != kestrel.SLE {
			t.Fatalf("expected SLE, got %v", e)
		}
	})

	t.Run("ConstantToLHS", func(t *testing.T) {
		e, ok := kestrel.NewBinaryExpr(kestrel.ADD, x, ten).(*kestrel.BinaryExpr)
		if !ok {
			t.Fatal("expected binary expr")
		}
		if !kestrel.IsConstantExpr(e.LHS) {
			t.Fatalf("expected constant moved to lhs, got %s", e)
		}
	})
}

// Structurally identical expressions are interned to the same pointer.
func TestExpr_Interning(t *testing.T) {
	x := symByte(1, "x")
	a := kestrel.NewBinaryExpr(kestrel.ADD, x, kestrel.NewConstantExpr8(1))
	b := kestrel.NewBinaryExpr(kestrel.ADD, x, kestrel.NewConstantExpr8(1))
	if a != b {
		t.Fatal("expected interned expressions to be pointer-identical")
	}
	c := kestrel.NewBinaryExpr(kestrel.ADD, x, kestrel.NewConstantExpr8(2))
	if a == c {
		t.Fatal("expected distinct expressions")
	}
}

func TestNewConcatExpr(t *testing.T) {
	t.Run("ConstantFold", func(t *testing.T) {
		e := kestrel.NewConcatExpr(kestrel.NewConstantExpr8(0x12), kestrel.NewConstantExpr8(0x34))
		cv, ok := e.(*kestrel.ConstantExpr)
		if !ok {
			t.Fatalf("expected constant, got %s", e)
		} else if got, exp := cv.Value, uint64(0x1234); got != exp {
			t.Fatalf("Value=0x%x, expected 0x%x", got, exp)
		} else if got, exp := kestrel.ExprWidth(cv), uint(16); got != exp {
			t.Fatalf("width=%d, expected %d", got, exp)
		}
	})

	t.Run("WideStaysSymbolic", func(t *testing.T) {
		// 64+8 bits cannot fold into a single constant.
		e := kestrel.NewConcatExpr(kestrel.NewConstantExpr64(1), kestrel.NewConstantExpr8(2))
		if kestrel.IsConstantExpr(e) {
			t.Fatalf("expected unfolded concat, got %s", e)
		}
		if got, exp := kestrel.ExprWidth(e), uint(72); got != exp {
			t.Fatalf("width=%d, expected %d", got, exp)
		}
	})
}

func TestNewExtractExpr(t *testing.T) {
	e := kestrel.NewExtractExpr(kestrel.NewConstantExpr16(0xABCD), 8, 8)
	cv, ok := e.(*kestrel.ConstantExpr)
	if !ok {
		t.Fatalf("expected constant, got %s", e)
	} else if got, exp := cv.Value, uint64(0xAB); got != exp {
		t.Fatalf("Value=0x%x, expected 0x%x", got, exp)
	}
}

func TestNewCastExpr(t *testing.T) {
	t.Run("ZExt", func(t *testing.T) {
		cv := kestrel.NewCastExpr(kestrel.NewConstantExpr8(0x80), 16, false).(*kestrel.ConstantExpr)
		if got, exp := cv.Value, uint64(0x0080); got != exp {
			t.Fatalf("Value=0x%x, expected 0x%x", got, exp)
		}
	})
	t.Run("SExt", func(t *testing.T) {
		cv := kestrel.NewCastExpr(kestrel.NewConstantExpr8(0x80), 16, true).(*kestrel.ConstantExpr)
		if got, exp := cv.Value, uint64(0xFF80); got != exp {
			t.Fatalf("Value=0x%x, expected 0x%x", got, exp)
		}
	})
	t.Run("NoopSameWidth", func(t *testing.T) {
		x := symByte(1, "x")
		if got := kestrel.NewCastExpr(x, 8, false); got != x {
			t.Fatalf("expected identity cast, got %s", got)
		}
	})
}

func TestNewIsZeroExpr(t *testing.T) {
	t.Run("Constant", func(t *testing.T) {
		if !kestrel.IsConstantTrue(kestrel.NewIsZeroExpr(kestrel.NewConstantExpr8(0))) {
			t.Fatal("expected true")
		}
		if !kestrel.IsConstantFalse(kestrel.NewIsZeroExpr(kestrel.NewConstantExpr8(3))) {
			t.Fatal("expected false")
		}
	})
	t.Run("Symbolic", func(t *testing.T) {
		e, ok := kestrel.NewIsZeroExpr(symByte(1, "x")).(*kestrel.BinaryExpr)
		if !ok || e.Op != kestrel.EQ {
			t.Fatalf("expected EQ against zero, got %v", e)
		}
		lhs, ok := e.LHS.(*kestrel.ConstantExpr)
		if !ok || lhs.Value != 0 {
			t.Fatalf("expected zero constant on lhs, got %s", e.LHS)
		}
	})
}

func TestExprWidth(t *testing.T) {
	x := symByte(1, "x")
	if got, exp := kestrel.ExprWidth(x), uint(8); got != exp {
		t.Fatalf("width=%d, expected %d", got, exp)
	}
	cmp := kestrel.NewBinaryExpr(kestrel.ULT, x, kestrel.NewConstantExpr8(10))
	if got, exp := kestrel.ExprWidth(cmp), uint(kestrel.WidthBool); got != exp {
		t.Fatalf("width=%d, expected %d", got, exp)
	}
}

func TestExprEvaluator(t *testing.T) {
	array := kestrel.NewArray(1, "x", 2)
	ev := kestrel.NewExprEvaluator([]*kestrel.Array{array}, [][]byte{{0x34, 0x12}})

	ul := kestrel.NewUpdateList(array)
	lo := ul.Read(kestrel.NewConstantExpr64(0))
	hi := ul.Read(kestrel.NewConstantExpr64(1))
	word := kestrel.NewConcatExpr(hi, lo)

	v, err := ev.Evaluate(word)
	if err != nil {
		t.Fatal(err)
	} else if got, exp := v.Value, uint64(0x1234); got != exp {
		t.Fatalf("Value=0x%x, expected 0x%x", got, exp)
	}

	cond := kestrel.NewBinaryExpr(kestrel.ULT, word, kestrel.NewConstantExpr16(0x2000))
	v, err = ev.Evaluate(cond)
	if err != nil {
		t.Fatal(err)
	} else if !v.IsTrue() {
		t.Fatalf("expected true, got %s", v)
	}

	// Unbound arrays are an error, not a zero value.
	other := kestrel.NewUpdateList(kestrel.NewArray(2, "y", 1)).Read(kestrel.NewConstantExpr64(0))
	if _, err := ev.Evaluate(other); err == nil {
		t.Fatal("expected error for unbound array")
	}
}

func TestFindArrays(t *testing.T) {
	x := symByte(1, "x")
	y := symByte(2, "y")
	sum := kestrel.NewBinaryExpr(kestrel.ADD, x, y)

	arrays := kestrel.FindArrays(sum)
	if got, exp := len(arrays), 2; got != exp {
		t.Fatalf("len(arrays)=%d, expected %d", got, exp)
	}

	// Concrete arrays are excluded.
	concrete := kestrel.NewUpdateList(kestrel.NewConcreteArray(3, "c", []byte{1})).Read(symByte(1, "x"))
	arrays = kestrel.FindArrays(concrete)
	for _, a := range arrays {
		if a.IsConcrete() {
			t.Fatalf("expected symbolic arrays only, got %q", a.Name)
		}
	}
}

func TestCompareExpr(t *testing.T) {
	x := symByte(1, "x")
	if got, exp := kestrel.CompareExpr(x, x), 0; got != exp {
		t.Fatalf("CompareExpr=%d, expected %d", got, exp)
	}
	a := kestrel.NewConstantExpr8(1)
	b := kestrel.NewConstantExpr8(2)
	if kestrel.CompareExpr(a, b) == 0 {
		t.Fatal("expected distinct constants to compare nonzero")
	}
	if kestrel.CompareExpr(a, b) != -kestrel.CompareExpr(b, a) {
		t.Fatal("expected antisymmetric comparison")
	}
}

func TestConstantExpr_Ops(t *testing.T) {
	a := kestrel.NewConstantExpr8(200)
	b := kestrel.NewConstantExpr8(100)

	if got, exp := a.Add(b).Value, uint64(44); got != exp {
		t.Fatalf("Add=%d, expected %d", got, exp)
	} else if got, exp := a.Sub(b).Value, uint64(100); got != exp {
		t.Fatalf("Sub=%d, expected %d", got, exp)
	} else if got, exp := a.Ult(b).IsFalse(), true; got != exp {
		t.Fatalf("Ult=%v, expected %v", got, exp)
	} else if got, exp := a.Slt(b).IsTrue(), true; got != exp { // 200 is -56 signed
		t.Fatalf("Slt=%v, expected %v", got, exp)
	} else if got, exp := a.ZExt(16).Value, uint64(200); got != exp {
		t.Fatalf("ZExt=%d, expected %d", got, exp)
	} else if got, exp := a.SExt(16).Value, uint64(0xFFC8); got != exp {
		t.Fatalf("SExt=0x%x, expected 0x%x", got, exp)
	} else if got, exp := a.Not().Value, uint64(0x37); got != exp {
		t.Fatalf("Not=0x%x, expected 0x%x", got, exp)
	}
}
