package kestrel_test

import (
	"testing"

	"github.com/kestrel-sym/kestrel"
)

func TestUpdateList_Read(t *testing.T) {
	array := kestrel.NewArray(1, "x", 4)
	ul := kestrel.NewUpdateList(array)

	t.Run("ConstantHit", func(t *testing.T) {
		// A read at a constant index returns the matching stored value.
		v := kestrel.NewConstantExpr8(0x7F)
		stored := ul.Store(kestrel.NewConstantExpr64(2), v)
		if got := stored.Read(kestrel.NewConstantExpr64(2)); got != kestrel.Expr(v) {
			t.Fatalf("Read=%s, expected stored constant", got)
		}
	})

	t.Run("ConstantMiss", func(t *testing.T) {
		// A constant-index read skips non-matching constant updates and
		// lands on the underlying symbolic array.
		stored := ul.Store(kestrel.NewConstantExpr64(2), kestrel.NewConstantExpr8(0x7F))
		got, ok := stored.Read(kestrel.NewConstantExpr64(0)).(*kestrel.ReadExpr)
		if !ok {
			t.Fatalf("expected read expr, got %s", stored.Read(kestrel.NewConstantExpr64(0)))
		} else if got.Updates.Head != nil {
			t.Fatalf("expected update chain to be skipped, got %s", got)
		}
	})

	t.Run("SymbolicUpdateStops", func(t *testing.T) {
		// A symbolic-index update may alias anything; reads past it cannot
		// be resolved structurally.
		symIdx := kestrel.NewUpdateList(kestrel.NewArray(2, "i", 1)).Read(kestrel.NewConstantExpr64(0))
		stored := ul.Store(symIdx, kestrel.NewConstantExpr8(1))
		got, ok := stored.Read(kestrel.NewConstantExpr64(0)).(*kestrel.ReadExpr)
		if !ok {
			t.Fatal("expected read expr")
		} else if got.Updates.Len() != 1 {
			t.Fatalf("Len=%d, expected 1", got.Updates.Len())
		}
	})

	t.Run("ConcreteFallthrough", func(t *testing.T) {
		// Reads through an empty chain over a concrete array fold to the
		// initializer byte.
		concrete := kestrel.NewUpdateList(kestrel.NewConcreteArray(3, "", []byte{10, 20, 30}))
		cv, ok := concrete.Read(kestrel.NewConstantExpr64(1)).(*kestrel.ConstantExpr)
		if !ok {
			t.Fatal("expected constant")
		} else if got, exp := cv.Value, uint64(20); got != exp {
			t.Fatalf("Value=%d, expected %d", got, exp)
		}
	})
}

func TestUpdateList_Store(t *testing.T) {
	array := kestrel.NewArray(1, "x", 4)
	ul := kestrel.NewUpdateList(array)

	a := ul.Store(kestrel.NewConstantExpr64(0), kestrel.NewConstantExpr8(1))
	b := a.Store(kestrel.NewConstantExpr64(1), kestrel.NewConstantExpr8(2))

	// Store prepends; earlier lists are unaffected.
	if got, exp := ul.Len(), 0; got != exp {
		t.Fatalf("ul.Len()=%d, expected %d", got, exp)
	} else if got, exp := a.Len(), 1; got != exp {
		t.Fatalf("a.Len()=%d, expected %d", got, exp)
	} else if got, exp := b.Len(), 2; got != exp {
		t.Fatalf("b.Len()=%d, expected %d", got, exp)
	}
	if b.Head.Next != a.Head {
		t.Fatal("expected chains to share tails")
	}
}

// NewArrayUpdate widens its operands to the canonical index and byte widths.
func TestNewArrayUpdate_Widths(t *testing.T) {
	upd := kestrel.NewArrayUpdate(kestrel.NewConstantExpr8(3), kestrel.NewConstantExpr8(9), nil)
	if got, exp := kestrel.ExprWidth(upd.Index), uint(kestrel.Width64); got != exp {
		t.Fatalf("index width=%d, expected %d", got, exp)
	} else if got, exp := kestrel.ExprWidth(upd.Value), uint(kestrel.Width8); got != exp {
		t.Fatalf("value width=%d, expected %d", got, exp)
	}
}

func TestCompareUpdateList(t *testing.T) {
	array := kestrel.NewArray(1, "x", 4)
	a := kestrel.NewUpdateList(array).Store(kestrel.NewConstantExpr64(0), kestrel.NewConstantExpr8(1))
	b := kestrel.NewUpdateList(array).Store(kestrel.NewConstantExpr64(0), kestrel.NewConstantExpr8(1))
	c := kestrel.NewUpdateList(array).Store(kestrel.NewConstantExpr64(0), kestrel.NewConstantExpr8(2))

	if got, exp := kestrel.CompareUpdateList(a, b), 0; got != exp {
		t.Fatalf("CompareUpdateList(a,b)=%d, expected %d", got, exp)
	}
	if kestrel.CompareUpdateList(a, c) == 0 {
		t.Fatal("expected lists with different values to compare nonzero")
	}
	if kestrel.CompareUpdateList(a, kestrel.NewUpdateList(array)) == 0 {
		t.Fatal("expected lists of different length to compare nonzero")
	}
}
