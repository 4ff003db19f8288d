package symadd

// SymbolicTestAdd returns the larger of x+y and y.
func SymbolicTestAdd(x, y uint8) uint8 {
	sum := x + y
	if sum < y {
		return y
	}
	return sum
}

// SymbolicTestSum adds the integers below n.
func SymbolicTestSum(n uint8) uint8 {
	var total uint8
	for i := uint8(0); i < n; i++ {
		total += i
	}
	return total
}

// clamp is reachable from the entries but is not one itself.
func clamp(v uint8, hi uint8) uint8 {
	if v > hi {
		return hi
	}
	return v
}

// SymbolicTestClamp exercises a direct call.
func SymbolicTestClamp(v uint8) uint8 {
	return clamp(v, 100)
}
