package reassembly

// Sequence arithmetic on TCP's 32-bit wrapping sequence space, following the
// RFC 1323 half-window rule rather than plain integer comparison.

// seqOlder reports whether a is strictly before b in sequence order,
// wrapping-aware: a < b iff (a-b) mod 2^32 > 2^31.
func seqOlder(a, b uint32) bool {
	return uint32(a-b) > 1<<31
}

// seqLessOrEqual reports whether a is at or before b in sequence order.
func seqLessOrEqual(a, b uint32) bool {
	return a == b || seqOlder(a, b)
}

// seqDistance returns b-a as a signed count of bytes, wrapping-aware. A
// positive result means b is ahead of a.
func seqDistance(a, b uint32) int64 {
	d := int32(b - a)
	return int64(d)
}

// segEnd returns the sequence number one past the last byte (and, if fin is
// set, one past the FIN's consumed sequence slot) covered by a segment of
// the given payload length starting at seq.
func segEnd(seq uint32, length int, fin bool) uint32 {
	end := seq + uint32(length)
	if fin {
		end++
	}
	return end
}
