package kestrel

import (
	"bytes"
	"fmt"

	"github.com/benbjohnson/immutable"
)

// MemoryObject describes one allocation: an address range plus provenance.
// Objects are immutable; their contents live in ObjectState.
type MemoryObject struct {
	ID      uint64
	Address uint64
	Size    uint // bytes

	Name      string
	IsLocal   bool // stack allocation, freed on frame pop
	IsGlobal  bool // module global or function
	IsFixed   bool // placed at a caller-chosen address
	AllocSite string
}

// BaseExpr returns the object's base address as a constant of ptr width.
func (mo *MemoryObject) BaseExpr(ptrWidth uint) *ConstantExpr {
	return NewConstantExpr(mo.Address, ptrWidth)
}

// SizeExpr returns the object's size as a constant of ptr width.
func (mo *MemoryObject) SizeExpr(ptrWidth uint) *ConstantExpr {
	return NewConstantExpr(uint64(mo.Size), ptrWidth)
}

// OffsetExpr returns addr relative to the object base.
func (mo *MemoryObject) OffsetExpr(addr Expr) Expr {
	return NewBinaryExpr(SUB, addr, mo.BaseExpr(ExprWidth(addr)))
}

// BoundsCheckPointer returns the condition that an access of n bytes at addr
// lies entirely within the object.
func (mo *MemoryObject) BoundsCheckPointer(addr Expr, n uint) Expr {
	return mo.BoundsCheckOffset(mo.OffsetExpr(addr), n)
}

// BoundsCheckOffset returns the condition that an access of n bytes at the
// given object-relative offset lies entirely within the object.
func (mo *MemoryObject) BoundsCheckOffset(offset Expr, n uint) Expr {
	w := ExprWidth(offset)
	if n > mo.Size {
		return NewBoolConstantExpr(false)
	}
	// offset <= size-n covers the access ending exactly at the object end.
	return NewBinaryExpr(ULE, offset, NewConstantExpr(uint64(mo.Size-n), w))
}

// ContainsAddress returns true if the concrete address falls inside the object.
// Zero-size objects contain only their own base.
func (mo *MemoryObject) ContainsAddress(addr uint64) bool {
	if mo.Size == 0 {
		return addr == mo.Address
	}
	return addr >= mo.Address && addr < mo.Address+uint64(mo.Size)
}

// String returns a short description for diagnostics.
func (mo *MemoryObject) String() string {
	return fmt.Sprintf("(object #%d %q addr=0x%x size=%d)", mo.ID, mo.Name, mo.Address, mo.Size)
}

// ObjectState holds the byte contents of one MemoryObject. Concrete bytes are
// kept in a flat buffer with per-byte symbolic overrides; the buffer is
// flushed into a persistent update chain on the first symbolically-indexed
// access. States copy-on-write across forked address spaces via cowKey.
type ObjectState struct {
	Object   *MemoryObject
	ReadOnly bool

	concrete []byte // concrete values, valid where knownSym is nil
	knownSym []Expr // per-byte symbolic overrides

	updates  UpdateList // materialized chain; meaningful once flushed
	flushed  bool       // updates mirrors all writes
	symDirty bool       // a symbolically-indexed write invalidated the caches

	cowKey uint64 // address space that may mutate this state in place
}

// NewObjectState returns a zero-filled state for the given object.
func NewObjectState(mo *MemoryObject, cowKey uint64) *ObjectState {
	return &ObjectState{
		Object:   mo,
		concrete: make([]byte, mo.Size),
		knownSym: make([]Expr, mo.Size),
		cowKey:   cowKey,
	}
}

// NewSymbolicObjectState returns a state backed by an unconstrained array.
func NewSymbolicObjectState(mo *MemoryObject, array *Array, cowKey uint64) *ObjectState {
	assert(uint(array.Size) == mo.Size, "symbolic array size mismatch: %d != %d", array.Size, mo.Size)
	return &ObjectState{
		Object:   mo,
		updates:  NewUpdateList(array),
		flushed:  true,
		symDirty: true,
		cowKey:   cowKey,
	}
}

// Array returns the backing symbolic array, or nil for concrete states.
func (os *ObjectState) Array() *Array {
	if os.flushed && os.updates.Array.IsSymbolic() {
		return os.updates.Array
	}
	return nil
}

// clone returns a copy owned by the given cow key. The update chain is
// persistent and shared.
func (os *ObjectState) clone(cowKey uint64) *ObjectState {
	other := &ObjectState{
		Object:   os.Object,
		ReadOnly: os.ReadOnly,
		updates:  os.updates,
		flushed:  os.flushed,
		symDirty: os.symDirty,
		cowKey:   cowKey,
	}
	if os.concrete != nil {
		other.concrete = make([]byte, len(os.concrete))
		copy(other.concrete, os.concrete)
	}
	if os.knownSym != nil {
		other.knownSym = make([]Expr, len(os.knownSym))
		copy(other.knownSym, os.knownSym)
	}
	return other
}

// flush materializes the concrete buffer and symbolic overrides into the
// update chain so symbolically-indexed accesses see every prior write.
func (os *ObjectState) flush() {
	if os.flushed {
		return
	}

	snapshot := make([]byte, len(os.concrete))
	copy(snapshot, os.concrete)
	os.updates = NewUpdateList(NewConcreteArray(os.Object.ID, "", snapshot))
	for i, v := range os.knownSym {
		if v != nil {
			os.updates = os.updates.Store(NewConstantExpr64(uint64(i)), v)
		}
	}
	os.flushed = true
}

// cachesValid reports whether byte-level reads may be served from the flat
// buffers instead of the update chain.
func (os *ObjectState) cachesValid() bool {
	return os.concrete != nil && !os.symDirty
}

// readByte returns the byte at the given offset expression.
func (os *ObjectState) readByte(offset Expr) Expr {
	if co, ok := offset.(*ConstantExpr); ok && os.cachesValid() {
		assert(co.Value < uint64(os.Object.Size), "read offset out of bounds: %d >= %d", co.Value, os.Object.Size)
		if v := os.knownSym[co.Value]; v != nil {
			return v
		}
		return NewConstantExpr(uint64(os.concrete[co.Value]), Width8)
	}
	os.flush()
	return os.updates.Read(offset)
}

// writeByte stores one byte at the given offset expression.
func (os *ObjectState) writeByte(offset, value Expr) {
	value = newZExtExpr(value, Width8)

	if co, ok := offset.(*ConstantExpr); ok {
		assert(co.Value < uint64(os.Object.Size), "write offset out of bounds: %d >= %d", co.Value, os.Object.Size)
		if os.cachesValid() {
			if cv, ok := value.(*ConstantExpr); ok {
				os.concrete[co.Value] = byte(cv.Value)
				os.knownSym[co.Value] = nil
			} else {
				os.knownSym[co.Value] = value
			}
			// Keep the chain coherent once it exists.
			if os.flushed {
				os.updates = os.updates.Store(offset, value)
			}
			return
		}
		os.flush()
		os.updates = os.updates.Store(offset, value)
		return
	}

	os.flush()
	os.updates = os.updates.Store(offset, value)
	os.symDirty = true
}

// Read returns width bits starting at the given byte offset, assembled
// byte-by-byte in the module's endianness.
func (os *ObjectState) Read(offset Expr, width uint, littleEndian bool) Expr {
	assert(width > 0, "read: invalid width")
	offset = newZExtExpr(offset, Width64)

	if width == WidthBool {
		return NewExtractExpr(os.readByte(offset), 0, WidthBool)
	}

	var result Expr
	for i, n := uint64(0), uint64(minBytes(width)); i != n; i++ {
		byteOffset := i
		if !littleEndian {
			byteOffset = n - i - 1
		}

		value := os.readByte(NewBinaryExpr(ADD, offset, NewConstantExpr64(byteOffset)))
		if i == 0 {
			result = value
		} else {
			result = NewConcatExpr(value, result)
		}
	}
	if uint(8*minBytes(width)) != width {
		result = NewExtractExpr(result, 0, width)
	}
	return result
}

// Write stores value at the given byte offset in the module's endianness.
func (os *ObjectState) Write(offset, value Expr, littleEndian bool) {
	offset = newZExtExpr(offset, Width64)

	// Bool is the only sub-byte width we store; it occupies a full byte.
	width := ExprWidth(value)
	assert(width > 0, "write: invalid width")
	if width == WidthBool {
		os.writeByte(offset, value)
		return
	}

	for i, n := uint64(0), uint64(minBytes(width)); i != n; i++ {
		byteOffset := i
		if !littleEndian {
			byteOffset = n - i - 1
		}

		var b Expr
		if 8*(uint(i)+1) <= width {
			b = NewExtractExpr(value, uint(i*8), Width8)
		} else {
			b = newZExtExpr(NewExtractExpr(value, uint(i*8), width-uint(i)*8), Width8)
		}
		os.writeByte(NewBinaryExpr(ADD, offset, NewConstantExpr64(byteOffset)), b)
	}
}

// ConcreteBytes returns the current contents if every byte is concrete.
func (os *ObjectState) ConcreteBytes() ([]byte, bool) {
	if !os.cachesValid() {
		return nil, false
	}
	for _, v := range os.knownSym {
		if v != nil {
			if _, ok := v.(*ConstantExpr); !ok {
				return nil, false
			}
		}
	}
	out := make([]byte, len(os.concrete))
	copy(out, os.concrete)
	for i, v := range os.knownSym {
		if v != nil {
			out[i] = byte(v.(*ConstantExpr).Value)
		}
	}
	return out, true
}

// SetBytes overwrites the object contents with concrete data.
func (os *ObjectState) SetBytes(data []byte) {
	assert(uint(len(data)) <= os.Object.Size, "setbytes: data too large: %d > %d", len(data), os.Object.Size)
	for i, b := range data {
		os.writeByte(NewConstantExpr64(uint64(i)), NewConstantExpr8(uint64(b)))
	}
}

// MemoryManager issues allocation addresses, object ids, array ids, and
// copy-on-write keys. Addresses are bump-allocated with alignment and a guard
// gap so distinct objects never abut.
type MemoryManager struct {
	ptrWidth uint
	le       bool

	nextAddr   uint64
	nextObjID  uint64
	nextArray  uint64
	nextCowKey uint64
}

const (
	allocBase  = 0x10000
	allocAlign = 8
	allocGap   = 16
)

// NewMemoryManager returns a manager for the given pointer width.
func NewMemoryManager(ptrWidth uint, littleEndian bool) *MemoryManager {
	return &MemoryManager{
		ptrWidth: ptrWidth,
		le:       littleEndian,
		nextAddr: allocBase,
	}
}

// PointerWidth returns the pointer width in bits.
func (m *MemoryManager) PointerWidth() uint { return m.ptrWidth }

// IsLittleEndian returns the byte order used for multi-byte accesses.
func (m *MemoryManager) IsLittleEndian() bool { return m.le }

// Allocate returns a new object of the given size. Zero-size allocations get
// a distinct non-nil address.
func (m *MemoryManager) Allocate(size uint64, isLocal, isGlobal bool, name string) *MemoryObject {
	addr := align(m.nextAddr, allocAlign)
	m.nextAddr = addr + size + allocGap

	m.nextObjID++
	return &MemoryObject{
		ID:       m.nextObjID,
		Address:  addr,
		Size:     uint(size),
		Name:     name,
		IsLocal:  isLocal,
		IsGlobal: isGlobal,
	}
}

// AllocateFixed returns an object at a caller-chosen address.
func (m *MemoryManager) AllocateFixed(addr, size uint64, name string) *MemoryObject {
	if end := addr + size + allocGap; end > m.nextAddr {
		m.nextAddr = end
	}
	m.nextObjID++
	return &MemoryObject{
		ID:       m.nextObjID,
		Address:  addr,
		Size:     uint(size),
		Name:     name,
		IsGlobal: true,
		IsFixed:  true,
	}
}

// NewArrayID returns a fresh array id.
func (m *MemoryManager) NewArrayID() uint64 {
	m.nextArray++
	return m.nextArray
}

// NewCowKey returns a fresh copy-on-write ownership key.
func (m *MemoryManager) NewCowKey() uint64 {
	m.nextCowKey++
	return m.nextCowKey
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// ResolvedObject pairs an object with its state during address resolution.
type ResolvedObject struct {
	Object *MemoryObject
	State  *ObjectState
}

// AddressSpace maps addresses to object states. The map is persistent: Fork
// shares structure, and mutations of shared states go through GetWriteable.
type AddressSpace struct {
	objects *immutable.SortedMap // base address -> *ObjectState
	cowKey  uint64
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace(mm *MemoryManager) *AddressSpace {
	return &AddressSpace{
		objects: immutable.NewSortedMap(&uint64Comparer{}),
		cowKey:  mm.NewCowKey(),
	}
}

// Fork returns a copy sharing all object states. Both the copy and the
// receiver give up in-place mutation rights over the shared states.
func (as *AddressSpace) Fork(mm *MemoryManager) *AddressSpace {
	other := &AddressSpace{objects: as.objects, cowKey: mm.NewCowKey()}
	as.cowKey = mm.NewCowKey()
	return other
}

// Bind associates an object state with its object's address range.
func (as *AddressSpace) Bind(os *ObjectState) {
	as.objects = as.objects.Set(os.Object.Address, os)
}

// Unbind removes the object from the space.
func (as *AddressSpace) Unbind(mo *MemoryObject) {
	as.objects = as.objects.Delete(mo.Address)
}

// FindObject returns the object state bound exactly at addr, or nil.
func (as *AddressSpace) FindObject(addr uint64) *ObjectState {
	if v, _ := as.objects.Get(addr); v != nil {
		return v.(*ObjectState)
	}
	return nil
}

// FindContaining returns the object whose range contains addr, or nil.
func (as *AddressSpace) FindContaining(addr uint64) *ObjectState {
	// Seek to the given address or the next available address.
	itr := as.objects.Iterator()
	if itr.Seek(addr); itr.Done() {
		itr.Last()
	}

	// Move backwards until the address range is too low.
	for !itr.Done() {
		_, v := itr.Prev()
		os := v.(*ObjectState)
		if os.Object.ContainsAddress(addr) {
			return os
		} else if addr > os.Object.Address+uint64(os.Object.Size) {
			break // target address above allocation, exit
		}
	}
	return nil
}

// GetWriteable returns a state that may be mutated in place, cloning it into
// this space if it is shared with a forked sibling.
func (as *AddressSpace) GetWriteable(os *ObjectState) *ObjectState {
	if os.cowKey == as.cowKey {
		return os
	}
	other := os.clone(as.cowKey)
	as.objects = as.objects.Set(other.Object.Address, other)
	return other
}

// Objects returns all bound object states in address order.
func (as *AddressSpace) Objects() []*ObjectState {
	a := make([]*ObjectState, 0, as.objects.Len())
	itr := as.objects.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		a = append(a, v.(*ObjectState))
	}
	return a
}

// ResolveOne returns the single object containing a concrete address.
func (as *AddressSpace) ResolveOne(addr *ConstantExpr) (*ObjectState, bool) {
	os := as.FindContaining(addr.Value)
	return os, os != nil
}

// Dump renders the space's contents for debugging.
func (as *AddressSpace) Dump() string {
	var buf bytes.Buffer
	itr := as.objects.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		os := v.(*ObjectState)
		fmt.Fprintf(&buf, "%08x %s\n", k.(uint64), os.Object)
		if os.flushed {
			for upd := os.updates.Head; upd != nil; upd = upd.Next {
				fmt.Fprintf(&buf, "  + UPD: I=%s; V=%s\n", upd.Index, upd.Value)
			}
		}
	}
	return buf.String()
}

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not a uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
