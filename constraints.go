package kestrel

import (
	"bytes"
)

// ConstraintSet holds the path condition of one execution state: an ordered,
// duplicate-free conjunction of boolean expressions. Adding an equality with
// a constant rewrites the existing constraints through substitution, the same
// rewriting applied to incoming expressions.
type ConstraintSet struct {
	exprs      []Expr
	equalities map[Expr]Expr // canonical node -> constant replacement
}

// NewConstraintSet returns an empty constraint set.
func NewConstraintSet() *ConstraintSet {
	return &ConstraintSet{equalities: make(map[Expr]Expr)}
}

// Clone returns an independent copy of the set.
func (cs *ConstraintSet) Clone() *ConstraintSet {
	other := &ConstraintSet{
		exprs:      make([]Expr, len(cs.exprs)),
		equalities: make(map[Expr]Expr, len(cs.equalities)),
	}
	copy(other.exprs, cs.exprs)
	for k, v := range cs.equalities {
		other.equalities[k] = v
	}
	return other
}

// Len returns the number of constraints.
func (cs *ConstraintSet) Len() int { return len(cs.exprs) }

// All returns the constraints in insertion order. The caller must not modify
// the returned slice.
func (cs *ConstraintSet) All() []Expr { return cs.exprs }

// Add conjoins expr to the set. Conjunctions are split into independent
// constraints. Panic if expr simplifies to constant false.
func (cs *ConstraintSet) Add(expr Expr) {
	cs.add(cs.Simplify(expr))
}

func (cs *ConstraintSet) add(expr Expr) {
	if expr, ok := expr.(*ConstantExpr); ok {
		assert(expr.IsTrue(), "invalid false constraint")
		return // tautology
	}

	// Split logical conjunctions into two separate constraints.
	if e, ok := expr.(*BinaryExpr); ok && e.Op == AND {
		cs.add(e.LHS)
		cs.add(e.RHS)
		return
	}

	// Learn X == c and substitute it into prior constraints.
	if e, ok := expr.(*BinaryExpr); ok && e.Op == EQ {
		if c, ok := e.LHS.(*ConstantExpr); ok && !IsConstantExpr(e.RHS) {
			cs.equalities[e.RHS] = c
			cs.rewrite()
		}
	}

	// Canonical nodes make duplicate detection a pointer scan.
	for _, other := range cs.exprs {
		if other == expr {
			return
		}
	}
	cs.exprs = append(cs.exprs, expr)
}

// Simplify rewrites expr using the equalities known to the set.
func (cs *ConstraintSet) Simplify(expr Expr) Expr {
	if len(cs.equalities) == 0 {
		return expr
	}
	return WalkExpr(&substVisitor{m: cs.equalities}, expr)
}

// rewrite re-simplifies all constraints after a new equality is learned.
func (cs *ConstraintSet) rewrite() {
	old := cs.exprs
	cs.exprs = nil
	for _, expr := range old {
		expr = cs.Simplify(expr)
		if expr, ok := expr.(*ConstantExpr); ok {
			assert(expr.IsTrue(), "equality contradicts prior constraint")
			continue
		}
		dup := false
		for _, other := range cs.exprs {
			if other == expr {
				dup = true
				break
			}
		}
		if !dup {
			cs.exprs = append(cs.exprs, expr)
		}
	}
}

// String renders the set, one constraint per line.
func (cs *ConstraintSet) String() string {
	var buf bytes.Buffer
	for _, expr := range cs.exprs {
		buf.WriteString(expr.String())
		buf.WriteByte('\n')
	}
	return buf.String()
}

// substVisitor replaces expressions by their known constant values.
type substVisitor struct {
	m map[Expr]Expr
}

func (v *substVisitor) Visit(expr Expr) (Expr, ExprVisitor) {
	if other, ok := v.m[expr]; ok {
		return other, nil
	}
	return expr, v
}

// AddConstraint adds expr to a plain constraint slice, splitting conjunctions
// into independent constraints.
func AddConstraint(a []Expr, expr Expr) []Expr {
	if expr, ok := expr.(*BinaryExpr); ok && expr.Op == AND {
		a = AddConstraint(a, expr.LHS)
		a = AddConstraint(a, expr.RHS)
		return a
	}
	return append(a, expr)
}
