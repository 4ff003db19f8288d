package kestrel_test

import (
	"math/rand"
	"testing"

	"github.com/kestrel-sym/kestrel"
)

func TestDFSSearcher(t *testing.T) {
	s := kestrel.NewDFSSearcher()
	a, b, c := &kestrel.ExecutionState{}, &kestrel.ExecutionState{}, &kestrel.ExecutionState{}
	s.Update(nil, []*kestrel.ExecutionState{a, b, c}, nil)

	if got := s.SelectState(); got != c {
		t.Fatal("expected newest state")
	}
	s.Update(nil, nil, []*kestrel.ExecutionState{c})
	if got := s.SelectState(); got != b {
		t.Fatal("expected next newest after removal")
	}
	s.Update(nil, nil, []*kestrel.ExecutionState{a, b})
	if !s.Empty() {
		t.Fatal("expected empty searcher")
	}
}

func TestBFSSearcher(t *testing.T) {
	s := kestrel.NewBFSSearcher()
	a, b := &kestrel.ExecutionState{}, &kestrel.ExecutionState{}
	s.Update(nil, []*kestrel.ExecutionState{a, b}, nil)

	if got := s.SelectState(); got != a {
		t.Fatal("expected oldest state")
	}
	s.Update(nil, nil, []*kestrel.ExecutionState{a})
	if got := s.SelectState(); got != b {
		t.Fatal("expected next oldest after removal")
	}
}

func TestRandomSearcher(t *testing.T) {
	s := kestrel.NewRandomSearcher(rand.New(rand.NewSource(1)))
	a, b := &kestrel.ExecutionState{}, &kestrel.ExecutionState{}
	s.Update(nil, []*kestrel.ExecutionState{a, b}, nil)

	// Every selection is a live state; both get picked eventually.
	var sawA, sawB bool
	for i := 0; i < 100; i++ {
		switch s.SelectState() {
		case a:
			sawA = true
		case b:
			sawB = true
		default:
			t.Fatal("selected unknown state")
		}
	}
	if !sawA || !sawB {
		t.Fatalf("expected both states selected; sawA=%v sawB=%v", sawA, sawB)
	}
}

func TestRandomPathSearcher(t *testing.T) {
	root := &kestrel.ExecutionState{}
	tree := kestrel.NewPTree(root)
	s := kestrel.NewRandomPathSearcher(tree, rand.New(rand.NewSource(1)))
	s.Update(nil, []*kestrel.ExecutionState{root}, nil)

	if got := s.SelectState(); got != root {
		t.Fatal("expected the only leaf")
	}

	// Splitting the root leaf yields two reachable leaves.
	left, right := &kestrel.ExecutionState{}, &kestrel.ExecutionState{}
	tree.Attach(tree.Root(), left, right)
	s.Update(nil, []*kestrel.ExecutionState{left}, nil)

	var sawLeft, sawRight bool
	for i := 0; i < 100; i++ {
		switch s.SelectState() {
		case left:
			sawLeft = true
		case right:
			sawRight = true
		default:
			t.Fatal("selected unknown state")
		}
	}
	if !sawLeft || !sawRight {
		t.Fatalf("expected both leaves reachable; left=%v right=%v", sawLeft, sawRight)
	}
	if s.Empty() {
		t.Fatal("expected live states")
	}
}

func TestInterleavedSearcher(t *testing.T) {
	dfs := kestrel.NewDFSSearcher()
	bfs := kestrel.NewBFSSearcher()
	s := kestrel.NewInterleavedSearcher(dfs, bfs)

	a, b := &kestrel.ExecutionState{}, &kestrel.ExecutionState{}
	s.Update(nil, []*kestrel.ExecutionState{a, b}, nil)

	// Alternates between underlying strategies: newest, then oldest.
	if got := s.SelectState(); got != b {
		t.Fatal("expected DFS pick first")
	}
	if got := s.SelectState(); got != a {
		t.Fatal("expected BFS pick second")
	}
	if got := s.SelectState(); got != b {
		t.Fatal("expected rotation back to DFS")
	}

	s.Update(nil, nil, []*kestrel.ExecutionState{a, b})
	if !s.Empty() {
		t.Fatal("expected empty searcher")
	}
}

func TestNewSearcher(t *testing.T) {
	tree := kestrel.NewPTree(&kestrel.ExecutionState{})
	rng := rand.New(rand.NewSource(1))

	for _, mode := range []kestrel.SearchMode{
		kestrel.SearchDFS,
		kestrel.SearchBFS,
		kestrel.SearchRandom,
		kestrel.SearchRandomPath,
		kestrel.SearchCoverage,
		kestrel.SearchInterleaved,
	} {
		if s := kestrel.NewSearcher(mode, tree, rng); s == nil {
			t.Fatalf("mode %d: expected searcher", mode)
		}
	}
}
