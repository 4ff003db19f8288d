package kestrel

import (
	"math/rand"
)

// PTreeNode is one node of the process tree. Leaves carry live states;
// internal nodes record past forks.
type PTreeNode struct {
	parent      *PTreeNode
	left, right *PTreeNode
	state       *ExecutionState // nil for internal nodes
}

// State returns the state at a leaf, or nil.
func (n *PTreeNode) State() *ExecutionState { return n.state }

// PTree tracks the fork history of all live states. Every live state sits at
// exactly one leaf.
type PTree struct {
	root *PTreeNode
}

// NewPTree returns a tree whose single leaf holds the initial state.
func NewPTree(initial *ExecutionState) *PTree {
	root := &PTreeNode{state: initial}
	initial.ptreeNode = root
	return &PTree{root: root}
}

// Root returns the tree root.
func (t *PTree) Root() *PTreeNode { return t.root }

// Attach turns the leaf holding left into an internal node with two fresh
// leaves for left and right.
func (t *PTree) Attach(node *PTreeNode, left, right *ExecutionState) {
	assert(node.state != nil, "ptree: attach to internal node")
	assert(node.left == nil && node.right == nil, "ptree: attach to forked node")

	node.state = nil
	node.left = &PTreeNode{parent: node, state: left}
	node.right = &PTreeNode{parent: node, state: right}
	left.ptreeNode = node.left
	right.ptreeNode = node.right
}

// Remove prunes the leaf for a terminated state and collapses any internal
// nodes left without children.
func (t *PTree) Remove(node *PTreeNode) {
	assert(node.state != nil, "ptree: remove internal node")
	node.state = nil

	for node != nil && node.left == nil && node.right == nil && node.state == nil {
		parent := node.parent
		if parent == nil {
			break
		}
		if parent.left == node {
			parent.left = nil
		} else {
			parent.right = nil
		}
		node = parent
	}
}

// Searcher selects which live state to step next.
type Searcher interface {
	// SelectState returns the next state to step. Only called when nonempty.
	SelectState() *ExecutionState

	// Update reflects stepping results: current is the last stepped state
	// (nil on the initial call), added are new states, removed are states
	// that terminated.
	Update(current *ExecutionState, added, removed []*ExecutionState)

	// Empty returns true if no states remain.
	Empty() bool
}

// NewSearcher returns the searcher for a mode. RandomPath and Interleaved
// need the process tree.
func NewSearcher(mode SearchMode, tree *PTree, rng *rand.Rand) Searcher {
	switch mode {
	case SearchDFS:
		return NewDFSSearcher()
	case SearchBFS:
		return NewBFSSearcher()
	case SearchRandom:
		return NewRandomSearcher(rng)
	case SearchRandomPath:
		return NewRandomPathSearcher(tree, rng)
	case SearchCoverage:
		return NewCoverageSearcher(rng)
	case SearchInterleaved:
		return NewInterleavedSearcher(
			NewRandomPathSearcher(tree, rng),
			NewCoverageSearcher(rng),
		)
	default:
		panic("unreachable")
	}
}

// DFSSearcher explores the most recently added state first.
type DFSSearcher struct {
	states []*ExecutionState
}

// NewDFSSearcher returns a new depth-first searcher.
func NewDFSSearcher() *DFSSearcher { return &DFSSearcher{} }

// SelectState returns the newest state.
func (s *DFSSearcher) SelectState() *ExecutionState {
	return s.states[len(s.states)-1]
}

// Update applies stepping results.
func (s *DFSSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, st := range removed {
		s.states = removeState(s.states, st)
	}
}

// Empty returns true if no states remain.
func (s *DFSSearcher) Empty() bool { return len(s.states) == 0 }

// BFSSearcher explores the oldest state first.
type BFSSearcher struct {
	states []*ExecutionState
}

// NewBFSSearcher returns a new breadth-first searcher.
func NewBFSSearcher() *BFSSearcher { return &BFSSearcher{} }

// SelectState returns the oldest state.
func (s *BFSSearcher) SelectState() *ExecutionState {
	return s.states[0]
}

// Update applies stepping results.
func (s *BFSSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, st := range removed {
		s.states = removeState(s.states, st)
	}
}

// Empty returns true if no states remain.
func (s *BFSSearcher) Empty() bool { return len(s.states) == 0 }

// RandomSearcher picks uniformly among live states.
type RandomSearcher struct {
	states []*ExecutionState
	rng    *rand.Rand
}

// NewRandomSearcher returns a searcher drawing from rng.
func NewRandomSearcher(rng *rand.Rand) *RandomSearcher {
	return &RandomSearcher{rng: rng}
}

// SelectState returns a uniformly random state.
func (s *RandomSearcher) SelectState() *ExecutionState {
	return s.states[s.rng.Intn(len(s.states))]
}

// Update applies stepping results.
func (s *RandomSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, st := range removed {
		s.states = removeState(s.states, st)
	}
}

// Empty returns true if no states remain.
func (s *RandomSearcher) Empty() bool { return len(s.states) == 0 }

// RandomPathSearcher walks the process tree from the root, taking uniform
// turns at each fork. States reached by few forks are favored, which biases
// toward shallow, distinct paths.
type RandomPathSearcher struct {
	tree *PTree
	rng  *rand.Rand
	n    int
}

// NewRandomPathSearcher returns a searcher over the given tree.
func NewRandomPathSearcher(tree *PTree, rng *rand.Rand) *RandomPathSearcher {
	return &RandomPathSearcher{tree: tree, rng: rng}
}

// SelectState walks from the root to a random leaf.
func (s *RandomPathSearcher) SelectState() *ExecutionState {
	node := s.tree.Root()
	for node.state == nil {
		left, right := node.left, node.right
		switch {
		case left == nil:
			node = right
		case right == nil:
			node = left
		case s.rng.Intn(2) == 0:
			node = left
		default:
			node = right
		}
		assert(node != nil, "ptree: walk fell off the tree")
	}
	return node.state
}

// Update tracks the live count; membership lives in the tree itself.
func (s *RandomPathSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.n += len(added) - len(removed)
}

// Empty returns true if no states remain.
func (s *RandomPathSearcher) Empty() bool { return s.n == 0 }

// CoverageSearcher draws states with weights favoring those that recently
// covered new instructions and penalizing deep paths.
type CoverageSearcher struct {
	states []*ExecutionState
	rng    *rand.Rand
}

// NewCoverageSearcher returns a new coverage-weighted searcher.
func NewCoverageSearcher(rng *rand.Rand) *CoverageSearcher {
	return &CoverageSearcher{rng: rng}
}

func stateWeight(st *ExecutionState) float64 {
	w := 1.0 / float64(st.depth+1)
	if st.coveredNew {
		w *= 4
	}
	w /= float64(st.sinceCovNew/1000 + 1)
	return w
}

// SelectState draws one state by weight.
func (s *CoverageSearcher) SelectState() *ExecutionState {
	var total float64
	for _, st := range s.states {
		total += stateWeight(st)
	}

	target := s.rng.Float64() * total
	for _, st := range s.states {
		target -= stateWeight(st)
		if target <= 0 {
			return st
		}
	}
	return s.states[len(s.states)-1]
}

// Update applies stepping results.
func (s *CoverageSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, st := range removed {
		s.states = removeState(s.states, st)
	}
}

// Empty returns true if no states remain.
func (s *CoverageSearcher) Empty() bool { return len(s.states) == 0 }

// InterleavedSearcher cycles through a set of searchers, one selection each.
type InterleavedSearcher struct {
	searchers []Searcher
	index     int
}

// NewInterleavedSearcher returns a searcher alternating among the given ones.
func NewInterleavedSearcher(searchers ...Searcher) *InterleavedSearcher {
	assert(len(searchers) > 0, "interleaved searcher needs at least one searcher")
	return &InterleavedSearcher{searchers: searchers}
}

// SelectState delegates to the next searcher in rotation.
func (s *InterleavedSearcher) SelectState() *ExecutionState {
	st := s.searchers[s.index].SelectState()
	s.index = (s.index + 1) % len(s.searchers)
	return st
}

// Update forwards stepping results to every underlying searcher.
func (s *InterleavedSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	for _, searcher := range s.searchers {
		searcher.Update(current, added, removed)
	}
}

// Empty returns true if no states remain.
func (s *InterleavedSearcher) Empty() bool {
	return s.searchers[0].Empty()
}

func removeState(a []*ExecutionState, st *ExecutionState) []*ExecutionState {
	for i := range a {
		if a[i] == st {
			return append(a[:i], a[i+1:]...)
		}
	}
	return a
}
