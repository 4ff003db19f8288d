package kestrel

import "time"

// ExternalCallPolicy controls which calls to bodyless functions are allowed.
type ExternalCallPolicy int

const (
	// ExternalCallsConcrete permits externals only when every argument is
	// concrete, plus a small allowlist that tolerates symbolic arguments.
	ExternalCallsConcrete ExternalCallPolicy = iota

	// ExternalCallsNone rejects every external call.
	ExternalCallsNone

	// ExternalCallsAll concretizes symbolic arguments and calls anyway.
	ExternalCallsAll
)

// SearchMode selects the state exploration strategy.
type SearchMode int

const (
	SearchDFS SearchMode = iota
	SearchBFS
	SearchRandom
	SearchRandomPath
	SearchCoverage
	SearchInterleaved // random-path interleaved with coverage
)

// Config carries all executor tuning knobs. The zero value is usable; caps
// left at zero are unlimited.
type Config struct {
	// Termination caps.
	MaxForks        int           // total fork budget; 0 = unlimited
	MaxDepth        int           // max branch depth per state
	MaxInstructions int           // total instructions across all states; 0 = unlimited
	MaxTime         time.Duration // wall clock budget for Run
	MaxSolverTime   time.Duration // per-query solver timeout
	MaxMemoryStates int           // halt forking above this many live states

	// Search.
	Search SearchMode
	Seed   int64 // RNG seed for random searchers and fork tie-breaking

	// Memory operation handling.
	MaxResolutions       int  // cap on fanout when a pointer resolves to many objects; 0 = unlimited
	SymbolicAddressFatal bool // terminate (Ptr) any memory op with a symbolic address
	SimplifySymIndices   bool // try to concretize symbolic addresses before resolution
	MaxSymArraySize      int  // concretize indexes into arrays larger than this; 0 = never

	// External calls.
	Externals ExternalCallPolicy

	// Test generation.
	EmitAllErrors bool   // emit every error state, not one per (pc, reason)
	OnlyCoverNew  bool   // skip non-error states that covered no new instructions
	OutputDir     string // where .ktest artifacts go; empty disables emission
	ExitOn        []TerminateReason

	// Seeding and replay.
	ReplayPath []bool // forced branch outcomes; nil disables
	Seeds      [][]byte

	// Solver cache.
	CachePath string // on-disk query cache; empty keeps the cache in memory only

	// Debugging.
	TraceInstrs bool
}

// shouldExitOn reports whether a termination reason is in the exit set.
func (c *Config) shouldExitOn(reason TerminateReason) bool {
	for _, r := range c.ExitOn {
		if r == reason {
			return true
		}
	}
	return false
}
