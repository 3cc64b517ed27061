package lib

// Flag bits of the 32-bit flags word. Only ACK and FIN are meaningful;
// all other bits are reserved and must be zero on the wire.
const (
	FINFlag uint32 = 1 << 0
	ACKFlag uint32 = 1 << 4
)

const (
	CtcpHeaderLength   = 18   // fixed header size, no options
	MaxSegmentDataSize = 1440 // upper bound on payload bytes per segment
)

// chunkBufferLength sizes each ring pool chunk so it can hold a fully
// encoded segment (header plus maximum payload).
const chunkBufferLength = CtcpHeaderLength + MaxSegmentDataSize
