package lib

// Sequence numbers live in a modular 32-bit space. Unsigned addition wraps
// natively, and ordering reduces to the sign of the wrapped difference.

func SeqIncrement(seq uint32) uint32 {
	return seq + 1
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc
}

// isGreater reports whether seq1 is ahead of seq2. Reading the wrapped
// difference as a signed value picks the shorter way around the space.
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) >= 0
}

func isLess(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}
