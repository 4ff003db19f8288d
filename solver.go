package kestrel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// Validity is the outcome of evaluating a boolean expression under a set of
// constraints.
type Validity int

const (
	ValidityUnknown Validity = iota // satisfiable both ways
	ValidityTrue                    // provably true
	ValidityFalse                   // provably false
)

func (v Validity) String() string {
	switch v {
	case ValidityTrue:
		return "true"
	case ValidityFalse:
		return "false"
	default:
		return "unknown"
	}
}

// RawSolver is the minimal satisfiability interface a backend must provide.
// Solve reports whether the conjunction of constraints is satisfiable and, if
// so, returns a concrete value for each requested array.
type RawSolver interface {
	Solve(ctx context.Context, constraints []Expr, arrays []*Array) (sat bool, values [][]byte, err error)
}

// Solver wraps a RawSolver with derived queries, per-query timeouts, and a
// two-level result cache (in-memory map backed by an optional on-disk store).
type Solver struct {
	raw     RawSolver
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]*solverResult
	disk  *leveldb.DB

	// Stats.
	queries   int
	cacheHits int
}

type solverResult struct {
	sat    bool
	values [][]byte
}

// NewSolver returns a solver façade over raw. A zero timeout disables
// per-query deadlines.
func NewSolver(raw RawSolver, timeout time.Duration) *Solver {
	return &Solver{
		raw:     raw,
		timeout: timeout,
		cache:   make(map[string]*solverResult),
	}
}

// OpenCache attaches an on-disk query cache at path.
func (s *Solver) OpenCache(path string) error {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return fmt.Errorf("open solver cache: %w", err)
	}
	s.mu.Lock()
	s.disk = db
	s.mu.Unlock()
	return nil
}

// Close releases the on-disk cache, if any.
func (s *Solver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disk == nil {
		return nil
	}
	err := s.disk.Close()
	s.disk = nil
	return err
}

// Stats returns the number of queries issued and how many hit the cache.
func (s *Solver) Stats() (queries, cacheHits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries, s.cacheHits
}

// Solve reports satisfiability of the constraint conjunction, producing a
// value for each array on success. Results are cached by canonical query
// text.
func (s *Solver) Solve(ctx context.Context, constraints []Expr, arrays []*Array) (bool, [][]byte, error) {
	key := queryKey(constraints, arrays)

	s.mu.Lock()
	s.queries++
	if r, ok := s.cache[key]; ok {
		s.cacheHits++
		s.mu.Unlock()
		return r.sat, r.values, nil
	}
	disk := s.disk
	s.mu.Unlock()

	if disk != nil {
		if data, err := disk.Get([]byte(key), nil); err == nil {
			if r, err := decodeSolverResult(data, len(arrays)); err == nil {
				s.mu.Lock()
				s.cacheHits++
				s.cache[key] = r
				s.mu.Unlock()
				return r.sat, r.values, nil
			}
		} else if !errors.Is(err, leveldb.ErrNotFound) {
			log.Printf("[solver] disk cache read failed: %v", err)
		}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sat, values, err := s.raw.Solve(ctx, constraints, arrays)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil, ErrSolverTimeout
		} else if errors.Is(err, context.Canceled) {
			return false, nil, ErrSolverCanceled
		}
		return false, nil, err
	}

	r := &solverResult{sat: sat, values: values}
	s.mu.Lock()
	s.cache[key] = r
	disk = s.disk
	s.mu.Unlock()
	if disk != nil {
		if err := disk.Put([]byte(key), encodeSolverResult(r), nil); err != nil {
			log.Printf("[solver] disk cache write failed: %v", err)
		}
	}
	return sat, values, nil
}

// MayBeTrue reports whether cond can be true under the constraints.
func (s *Solver) MayBeTrue(ctx context.Context, constraints []Expr, cond Expr) (bool, error) {
	if cond, ok := cond.(*ConstantExpr); ok {
		return cond.IsTrue(), nil
	}
	sat, _, err := s.Solve(ctx, AddConstraint(cloneExprs(constraints), cond), nil)
	return sat, err
}

// MayBeFalse reports whether cond can be false under the constraints.
func (s *Solver) MayBeFalse(ctx context.Context, constraints []Expr, cond Expr) (bool, error) {
	return s.MayBeTrue(ctx, constraints, NewIsZeroExpr(cond))
}

// MustBeTrue reports whether cond holds on every solution of the constraints.
func (s *Solver) MustBeTrue(ctx context.Context, constraints []Expr, cond Expr) (bool, error) {
	mayBeFalse, err := s.MayBeFalse(ctx, constraints, cond)
	if err != nil {
		return false, err
	}
	return !mayBeFalse, nil
}

// MustBeFalse reports whether cond fails on every solution of the constraints.
func (s *Solver) MustBeFalse(ctx context.Context, constraints []Expr, cond Expr) (bool, error) {
	return s.MustBeTrue(ctx, constraints, NewIsZeroExpr(cond))
}

// Evaluate classifies cond as provably true, provably false, or neither.
func (s *Solver) Evaluate(ctx context.Context, constraints []Expr, cond Expr) (Validity, error) {
	if cond, ok := cond.(*ConstantExpr); ok {
		if cond.IsTrue() {
			return ValidityTrue, nil
		}
		return ValidityFalse, nil
	}

	mayBeFalse, err := s.MayBeFalse(ctx, constraints, cond)
	if err != nil {
		return ValidityUnknown, err
	} else if !mayBeFalse {
		return ValidityTrue, nil
	}

	mayBeTrue, err := s.MayBeTrue(ctx, constraints, cond)
	if err != nil {
		return ValidityUnknown, err
	} else if !mayBeTrue {
		return ValidityFalse, nil
	}
	return ValidityUnknown, nil
}

// GetValue returns one concrete value expr can take under the constraints.
func (s *Solver) GetValue(ctx context.Context, constraints []Expr, expr Expr) (*ConstantExpr, error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, nil
	}

	arrays := FindArrays(append(cloneExprs(constraints), expr)...)
	sat, values, err := s.Solve(ctx, constraints, arrays)
	if err != nil {
		return nil, err
	} else if !sat {
		return nil, errors.New("unsatisfiable")
	}
	return NewExprEvaluator(arrays, values).Evaluate(expr)
}

// GetInitialValues returns concrete contents for the given arrays satisfying
// the constraints.
func (s *Solver) GetInitialValues(ctx context.Context, constraints []Expr, arrays []*Array) (bool, [][]byte, error) {
	return s.Solve(ctx, constraints, arrays)
}

// GetRange returns the inclusive [min, max] of values expr can take under the
// constraints, found by binary search.
func (s *Solver) GetRange(ctx context.Context, constraints []Expr, expr Expr) (min, max *ConstantExpr, err error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, expr, nil
	}
	width := ExprWidth(expr)

	// Lowest value: smallest m with (expr <= m) satisfiable everywhere probed.
	lo, hi := uint64(0), bitmask(width)
	for lo < hi {
		mid := lo + (hi-lo)/2
		may, err := s.MayBeTrue(ctx, constraints, NewBinaryExpr(ULE, expr, NewConstantExpr(mid, width)))
		if err != nil {
			return nil, nil, err
		}
		if may {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	min = NewConstantExpr(lo, width)

	// Highest value: largest m with (expr >= m) satisfiable.
	lo, hi = min.Value, bitmask(width)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		may, err := s.MayBeTrue(ctx, constraints, NewBinaryExpr(UGE, expr, NewConstantExpr(mid, width)))
		if err != nil {
			return nil, nil, err
		}
		if may {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	max = NewConstantExpr(lo, width)
	return min, max, nil
}

// queryKey renders a canonical text form of a query for cache lookup.
func queryKey(constraints []Expr, arrays []*Array) string {
	var buf bytes.Buffer
	for _, expr := range constraints {
		buf.WriteString(expr.String())
		buf.WriteByte('\n')
	}
	buf.WriteByte('|')
	for _, array := range arrays {
		fmt.Fprintf(&buf, "%s;", array)
	}
	return buf.String()
}

func encodeSolverResult(r *solverResult) []byte {
	var buf bytes.Buffer
	if r.sat {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	var tmp [binary.MaxVarintLen64]byte
	for _, v := range r.values {
		n := binary.PutUvarint(tmp[:], uint64(len(v)))
		buf.Write(tmp[:n])
		buf.Write(v)
	}
	return buf.Bytes()
}

func decodeSolverResult(data []byte, narrays int) (*solverResult, error) {
	if len(data) < 1 {
		return nil, errors.New("short solver cache entry")
	}
	r := &solverResult{sat: data[0] == 1}
	data = data[1:]
	for i := 0; i < narrays; i++ {
		if !r.sat {
			break
		}
		n, sz := binary.Uvarint(data)
		if sz <= 0 || uint64(len(data)-sz) < n {
			return nil, errors.New("corrupt solver cache entry")
		}
		r.values = append(r.values, data[sz:sz+int(n)])
		data = data[sz+int(n):]
	}
	if r.sat && len(r.values) != narrays {
		return nil, errors.New("solver cache entry array count mismatch")
	}
	return r, nil
}

func cloneExprs(a []Expr) []Expr {
	other := make([]Expr, len(a))
	copy(other, a)
	return other
}
