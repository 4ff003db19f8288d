package z3_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kestrel-sym/kestrel"
	"github.com/kestrel-sym/kestrel/z3"
)

func TestSolver_Solve(t *testing.T) {
	ctx := context.Background()

	t.Run("Constant", func(t *testing.T) {
		t.Run("True", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{kestrel.NewBoolConstantExpr(true)}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("False", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{kestrel.NewBoolConstantExpr(false)}, nil); err != nil {
				t.Fatal(err)
			} else if satisfiable {
				t.Fatal("expected unsatisfiable")
			}
		})
	})

	t.Run("Array", func(t *testing.T) {
		t.Run("Width8", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			array := kestrel.NewArray(100, "x", 1)
			ul := kestrel.NewUpdateList(array)

			if satisfiable, values, err := s.Solve(ctx,
				[]kestrel.Expr{
					kestrel.NewBinaryExpr(kestrel.EQ,
						ul.Read(kestrel.NewConstantExpr64(0)),
						kestrel.NewConstantExpr(10, 8),
					),
				},
				[]*kestrel.Array{array},
			); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			} else if diff := cmp.Diff(values, [][]byte{{10}}); diff != "" {
				t.Fatal(diff)
			}
		})
		t.Run("Width16", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			array := kestrel.NewArray(100, "x", 2)
			ul := kestrel.NewUpdateList(array)

			// Big-endian: byte 0 is the most significant.
			value := kestrel.NewConcatExpr(
				ul.Read(kestrel.NewConstantExpr64(0)),
				ul.Read(kestrel.NewConstantExpr64(1)),
			)
			if satisfiable, values, err := s.Solve(ctx,
				[]kestrel.Expr{
					kestrel.NewBinaryExpr(kestrel.EQ, value, kestrel.NewConstantExpr(0xAABB, 16)),
				},
				[]*kestrel.Array{array},
			); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			} else if diff := cmp.Diff(values, [][]byte{{0xAA, 0xBB}}); diff != "" {
				t.Fatal(diff)
			}
		})
		t.Run("Concrete", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			array := kestrel.NewConcreteArray(100, "", []byte{0x00, 0x2A})
			ul := kestrel.UpdateList{Array: array, Head: kestrel.NewArrayUpdate(
				kestrel.NewConstantExpr64(1),
				kestrel.NewConstantExpr(0x2B, 8),
				nil,
			)}

			// Force the read through the backend with a symbolic index.
			idx := kestrel.NewArray(101, "i", 8)
			idxExpr := kestrel.NewUpdateList(idx).Read(kestrel.NewConstantExpr64(0))

			if satisfiable, _, err := s.Solve(ctx,
				[]kestrel.Expr{
					kestrel.NewBinaryExpr(kestrel.EQ,
						kestrel.NewReadExpr(ul, idxExpr),
						kestrel.NewConstantExpr(0x2B, 8),
					),
				},
				[]*kestrel.Array{idx},
			); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
	})

	t.Run("Select", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		array := kestrel.NewArray(100, "x", 1)
		b := kestrel.NewUpdateList(array).Read(kestrel.NewConstantExpr64(0))

		// (b == 1 ? 10 : 20) == 20 forces b != 1.
		sel := &kestrel.SelectExpr{
			Cond: kestrel.NewBinaryExpr(kestrel.EQ, b, kestrel.NewConstantExpr(1, 8)),
			Then: kestrel.NewConstantExpr(10, 8),
			Else: kestrel.NewConstantExpr(20, 8),
		}
		if satisfiable, values, err := s.Solve(ctx,
			[]kestrel.Expr{
				kestrel.NewBinaryExpr(kestrel.EQ, sel, kestrel.NewConstantExpr(20, 8)),
			},
			[]*kestrel.Array{array},
		); err != nil {
			t.Fatal(err)
		} else if !satisfiable {
			t.Fatal("expected satisfiable")
		} else if values[0][0] == 1 {
			t.Fatalf("values[0]=%v, expected anything but 1", values[0])
		}
	})

	t.Run("NotOptimized", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)
		if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{kestrel.NewNotOptimizedExpr(kestrel.NewBoolConstantExpr(true))}, nil); err != nil {
			t.Fatal(err)
		} else if !satisfiable {
			t.Fatal("expected satisfiable")
		}
	})

	t.Run("Extract", func(t *testing.T) {
		t.Run("Bool", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			// Extract 1 bit.
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{
				&kestrel.ExtractExpr{
					Expr:   kestrel.NewConstantExpr(0x04, 64),
					Offset: 2,
					Width:  1,
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}

			// Extract 0 bit.
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{
				&kestrel.ExtractExpr{
					Expr:   kestrel.NewConstantExpr(0x04, 64),
					Offset: 6,
					Width:  1,
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if satisfiable {
				t.Fatal("expected unsatisfiable")
			}
		})
		t.Run("Int", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{
				&kestrel.BinaryExpr{
					Op: kestrel.EQ,
					LHS: &kestrel.ExtractExpr{
						Expr:   kestrel.NewConstantExpr(0xAABB, 16),
						Offset: 8,
						Width:  8,
					},
					RHS: kestrel.NewConstantExpr(0xAA, 8),
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
	})

	t.Run("Cast", func(t *testing.T) {
		t.Run("Signed", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)

			value := -200
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{
				&kestrel.BinaryExpr{
					Op: kestrel.EQ,
					LHS: &kestrel.CastExpr{
						Src:    kestrel.NewConstantExpr(uint64(uint16(int16(value))), 16),
						Width:  32,
						Signed: true,
					},
					RHS: kestrel.NewConstantExpr(uint64(uint32(int32(value))), 32),
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("SignedBool", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			value := -1
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{
				&kestrel.BinaryExpr{
					Op: kestrel.EQ,
					LHS: &kestrel.CastExpr{
						Src:    kestrel.NewBoolConstantExpr(true),
						Width:  16,
						Signed: true,
					},
					RHS: kestrel.NewConstantExpr(uint64(uint16(int16(value))), 16),
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("Unsigned", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{
				&kestrel.BinaryExpr{
					Op: kestrel.EQ,
					LHS: &kestrel.CastExpr{
						Src:   kestrel.NewConstantExpr(200, 16),
						Width: 32,
					},
					RHS: kestrel.NewConstantExpr(200, 32),
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
	})

	t.Run("Not", func(t *testing.T) {
		t.Run("Bool", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{
				&kestrel.BinaryExpr{
					Op: kestrel.EQ,
					LHS: &kestrel.NotExpr{
						Expr: kestrel.NewBoolConstantExpr(true),
					},
					RHS: kestrel.NewBoolConstantExpr(false),
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("Int", func(t *testing.T) {
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			if satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{
				&kestrel.BinaryExpr{
					Op: kestrel.EQ,
					LHS: &kestrel.NotExpr{
						Expr: kestrel.NewConstantExpr(0xFF00FF00, 16),
					},
					RHS: kestrel.NewConstantExpr(0x00FF00FF, 16),
				},
			}, nil); err != nil {
				t.Fatal(err)
			} else if !satisfiable {
				t.Fatal("expected satisfiable")
			}
		})
	})

	t.Run("BinaryExpr", func(t *testing.T) {
		// Exercises the backend, so expressions are built as literals; the
		// constructors would fold constant operands before the solver sees them.
		solveOne := func(t *testing.T, expr kestrel.Expr) bool {
			t.Helper()
			s := z3.NewSolver()
			defer MustCloseSolver(s)
			satisfiable, _, err := s.Solve(ctx, []kestrel.Expr{expr}, nil)
			if err != nil {
				t.Fatal(err)
			}
			return satisfiable
		}

		for _, tt := range []struct {
			name string
			op   kestrel.BinaryOp
			lhs  uint64
			rhs  uint64
			exp  uint64
		}{
			{"ADD", kestrel.ADD, 1000, 200, 1200},
			{"SUB", kestrel.SUB, 1000, 200, 800},
			{"MUL", kestrel.MUL, 30, 200, 6000},
			{"UDIV", kestrel.UDIV, 5000, 30, 166},
			{"SDIV", kestrel.SDIV, 5000, 0xFFE2 /* int16(-30) */, 0xFF5A /* int16(-166) */},
			{"UREM", kestrel.UREM, 5000, 30, 20},
			{"SREM", kestrel.SREM, 5000, 0xFFE2 /* int16(-30) */, 20},
			{"AND", kestrel.AND, 0x0FF0, 0xFF00, 0x0F00},
			{"OR", kestrel.OR, 0x0FF0, 0xFF00, 0xFFF0},
			{"XOR", kestrel.XOR, 0x0FF0, 0xFF00, 0xF0F0},
			{"SHL", kestrel.SHL, 0x0FF0, 4, 0xFF00},
			{"LSHR", kestrel.LSHR, 0x0FF0, 4, 0x00FF},
			{"ASHR", kestrel.ASHR, 0xFF00, 4, 0xFFF0},
		} {
			t.Run(tt.name, func(t *testing.T) {
				expr := &kestrel.BinaryExpr{
					Op: kestrel.EQ,
					LHS: &kestrel.BinaryExpr{
						Op:  tt.op,
						LHS: kestrel.NewConstantExpr(tt.lhs, 16),
						RHS: kestrel.NewConstantExpr(tt.rhs, 16),
					},
					RHS: kestrel.NewConstantExpr(tt.exp, 16),
				}
				if !solveOne(t, expr) {
					t.Fatal("expected satisfiable")
				}
			})
		}

		t.Run("BoolLogic", func(t *testing.T) {
			expr := &kestrel.BinaryExpr{
				Op: kestrel.EQ,
				LHS: &kestrel.BinaryExpr{
					Op:  kestrel.AND,
					LHS: kestrel.NewBoolConstantExpr(true),
					RHS: kestrel.NewBoolConstantExpr(true),
				},
				RHS: kestrel.NewBoolConstantExpr(true),
			}
			if !solveOne(t, expr) {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("ULT", func(t *testing.T) {
			if !solveOne(t, &kestrel.BinaryExpr{
				Op:  kestrel.ULT,
				LHS: kestrel.NewConstantExpr(9, 32),
				RHS: kestrel.NewConstantExpr(10, 32),
			}) {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("SLT", func(t *testing.T) {
			if !solveOne(t, &kestrel.BinaryExpr{
				Op:  kestrel.SLT,
				LHS: kestrel.NewConstantExpr(0xF0, 8),
				RHS: kestrel.NewConstantExpr(0x00, 8),
			}) {
				t.Fatal("expected satisfiable")
			}
		})
		t.Run("SLE", func(t *testing.T) {
			if !solveOne(t, &kestrel.BinaryExpr{
				Op:  kestrel.SLE,
				LHS: kestrel.NewConstantExpr(0xF0, 8),
				RHS: kestrel.NewConstantExpr(0xF0, 8),
			}) {
				t.Fatal("expected satisfiable")
			}
		})
	})

	t.Run("SymbolicShift", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		array := kestrel.NewArray(100, "x", 2)
		ul := kestrel.NewUpdateList(array)
		shift := kestrel.NewConcatExpr(
			ul.Read(kestrel.NewConstantExpr64(0)),
			ul.Read(kestrel.NewConstantExpr64(1)),
		)
		if satisfiable, values, err := s.Solve(ctx,
			[]kestrel.Expr{
				kestrel.NewBinaryExpr(kestrel.EQ,
					kestrel.NewBinaryExpr(kestrel.SHL, kestrel.NewConstantExpr(0x0FF0, 16), shift),
					kestrel.NewConstantExpr(0xFF00, 16),
				),
			},
			[]*kestrel.Array{array},
		); err != nil {
			t.Fatal(err)
		} else if !satisfiable {
			t.Fatal("expected satisfiable")
		} else if diff := cmp.Diff(values, [][]byte{{0x00, 0x04}}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		if _, _, err := s.Solve(canceled, []kestrel.Expr{kestrel.NewBoolConstantExpr(true)}, nil); err != kestrel.ErrSolverCanceled {
			t.Fatalf("err=%v, expected ErrSolverCanceled", err)
		}
	})

	t.Run("Deadline", func(t *testing.T) {
		s := z3.NewSolver()
		defer MustCloseSolver(s)

		// A generous deadline must not affect a trivial query.
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if satisfiable, _, err := s.Solve(dctx, []kestrel.Expr{kestrel.NewBoolConstantExpr(true)}, nil); err != nil {
			t.Fatal(err)
		} else if !satisfiable {
			t.Fatal("expected satisfiable")
		}
	})
}

func MustCloseSolver(s *z3.Solver) {
	if err := s.Close(); err != nil {
		panic(err)
	}
}
