package sak

// Max returns the larger of a and b.
func Max[T int | int32 | int64](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min[T int | int32 | int64](a, b T) T {
	if a < b {
		return a
	}
	return b
}
