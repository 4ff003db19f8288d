package kestrel

import (
	"bytes"
	"fmt"
)

// Array represents a named, fixed-size array of bytes. An array is either
// symbolic (Init is nil) or concrete (Init holds its contents). Arrays are
// immutable; writes live in UpdateList chains layered on top.
type Array struct {
	ID   uint64 // unique id
	Name string // stable name used in solver queries and test artifacts
	Size uint   // width, in bytes
	Init []byte // concrete contents; nil if symbolic
}

// NewArray returns a new symbolic Array of the given size.
func NewArray(id uint64, name string, size uint) *Array {
	return &Array{ID: id, Name: name, Size: size}
}

// NewConcreteArray returns a new Array initialized with the given bytes.
func NewConcreteArray(id uint64, name string, init []byte) *Array {
	return &Array{ID: id, Name: name, Size: uint(len(init)), Init: init}
}

// String returns a string representation of the array. Concrete arrays
// include a content digest so distinct snapshots render distinctly.
func (a *Array) String() string {
	if a.IsConcrete() {
		h := uint64(fnvOffset)
		for _, b := range a.Init {
			h = fnvMix(h, uint64(b))
		}
		return fmt.Sprintf("(carray #%d %d %x)", a.ID, a.Size, h)
	}
	if a.Name != "" {
		return fmt.Sprintf("(array %s #%d %d)", a.Name, a.ID, a.Size)
	}
	return fmt.Sprintf("(array #%d %d)", a.ID, a.Size)
}

// IsSymbolic returns true if the array's initial contents are unconstrained.
func (a *Array) IsSymbolic() bool { return a.Init == nil }

// IsConcrete returns true if the array's initial contents are known.
func (a *Array) IsConcrete() bool { return a.Init != nil }

// CompareArray returns an integer comparing two arrays.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareArray(a, b *Array) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if a.ID < b.ID {
		return -1
	} else if a.ID > b.ID {
		return 1
	}

	if a.Size < b.Size {
		return -1
	} else if a.Size > b.Size {
		return 1
	}
	return bytes.Compare(a.Init, b.Init)
}

// ArrayUpdate represents one byte write layered over an array. Updates form a
// persistent singly-linked chain; the head is the most recent write.
type ArrayUpdate struct {
	Index Expr // byte index of update
	Value Expr // byte value to update

	Next *ArrayUpdate // linked list of next update
}

// NewArrayUpdate returns a new instance of ArrayUpdate.
func NewArrayUpdate(index, value Expr, next *ArrayUpdate) *ArrayUpdate {
	return &ArrayUpdate{
		Index: newZExtExpr(index, Width64),
		Value: newZExtExpr(value, Width8),
		Next:  next,
	}
}

// CompareArrayUpdate returns an integer comparing two array updates.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareArrayUpdate(a, b *ArrayUpdate) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if cmp := CompareExpr(a.Index, b.Index); cmp != 0 {
		return cmp
	} else if cmp := CompareExpr(a.Value, b.Value); cmp != 0 {
		return cmp
	}
	return CompareArrayUpdate(a.Next, b.Next)
}

// UpdateList pairs an array with a chain of writes. The zero-update list for
// an array reads its initial contents. Lists share chain tails freely: Store
// prepends without mutating, so older lists remain valid.
type UpdateList struct {
	Array *Array
	Head  *ArrayUpdate
}

// NewUpdateList returns an empty update list over the given array.
func NewUpdateList(array *Array) UpdateList {
	return UpdateList{Array: array}
}

// String returns the string representation of the list. Every update in the
// chain is rendered; solver cache keys require two lists that read
// differently to print differently.
func (ul UpdateList) String() string {
	if ul.Head == nil {
		return ul.Array.String()
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "(updates %s", ul.Array)
	for upd := ul.Head; upd != nil; upd = upd.Next {
		fmt.Fprintf(&buf, " [%s]=%s", upd.Index, upd.Value)
	}
	buf.WriteByte(')')
	return buf.String()
}

// Len returns the number of updates in the chain.
func (ul UpdateList) Len() int {
	n := 0
	for upd := ul.Head; upd != nil; upd = upd.Next {
		n++
	}
	return n
}

// Store returns a new list with a byte write at index prepended.
func (ul UpdateList) Store(index, value Expr) UpdateList {
	if index, ok := index.(*ConstantExpr); ok {
		assert(index.Value < uint64(ul.Array.Size), "store index out of bounds: %d >= %d", index.Value, ul.Array.Size)
	}
	return UpdateList{Array: ul.Array, Head: NewArrayUpdate(index, value, ul.Head)}
}

// Read returns the byte at index through the chain.
func (ul UpdateList) Read(index Expr) Expr {
	return NewReadExpr(ul, index)
}

// CompareUpdateList returns an integer comparing two update lists.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareUpdateList(a, b UpdateList) int {
	if cmp := CompareArray(a.Array, b.Array); cmp != 0 {
		return cmp
	}
	return CompareArrayUpdate(a.Head, b.Head)
}
