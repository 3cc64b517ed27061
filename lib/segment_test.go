package lib

import (
	"bytes"
	"testing"

	"github.com/google/netstack/tcpip/header"
)

func TestSegmentMarshalUnmarshal(t *testing.T) {
	ensurePool(64)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	seg := &CtcpSegment{
		SeqNum:     1,
		AckNum:     4321,
		Flags:      ACKFlag,
		WindowSize: 8192,
		Payload:    payload,
	}

	buffer := make([]byte, chunkBufferLength)
	n, err := seg.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if n != CtcpHeaderLength+len(payload) {
		t.Fatalf("Marshal wrote %d bytes, want %d", n, CtcpHeaderLength+len(payload))
	}

	if !VerifyChecksum(buffer[:n]) {
		t.Fatal("freshly marshalled frame failed checksum verification")
	}

	decoded := &CtcpSegment{}
	if err := decoded.Unmarshal(buffer[:n]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	defer decoded.ReturnChunk()

	if decoded.SeqNum != seg.SeqNum || decoded.AckNum != seg.AckNum {
		t.Errorf("decoded seq/ack = %d/%d, want %d/%d", decoded.SeqNum, decoded.AckNum, seg.SeqNum, seg.AckNum)
	}
	if decoded.Flags != seg.Flags {
		t.Errorf("decoded flags = %#x, want %#x", decoded.Flags, seg.Flags)
	}
	if decoded.WindowSize != seg.WindowSize {
		t.Errorf("decoded window = %d, want %d", decoded.WindowSize, seg.WindowSize)
	}
	if decoded.DataLen() != len(payload) {
		t.Errorf("decoded DataLen = %d, want %d", decoded.DataLen(), len(payload))
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("decoded payload %q, want %q", decoded.Payload, payload)
	}
}

func TestSegmentMarshalBareAck(t *testing.T) {
	ensurePool(64)

	seg := &CtcpSegment{SeqNum: 100, AckNum: 200, Flags: ACKFlag, WindowSize: 4096}
	buffer := make([]byte, CtcpHeaderLength)
	n, err := seg.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if n != CtcpHeaderLength {
		t.Fatalf("bare ACK marshalled to %d bytes, want %d", n, CtcpHeaderLength)
	}

	decoded := &CtcpSegment{}
	if err := decoded.Unmarshal(buffer[:n]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.DataLen() != 0 {
		t.Errorf("bare ACK DataLen = %d, want 0", decoded.DataLen())
	}
	if decoded.Payload != nil {
		t.Error("bare ACK decoded with a non-nil payload")
	}
}

func TestSegmentMarshalRejectsOversizedPayload(t *testing.T) {
	seg := &CtcpSegment{Payload: make([]byte, MaxSegmentDataSize+1)}
	buffer := make([]byte, chunkBufferLength+1)
	if _, err := seg.Marshal(buffer); err == nil {
		t.Fatal("Marshal accepted a payload larger than the maximum segment data size")
	}
}

func TestChecksumMatchesReference(t *testing.T) {
	frames := [][]byte{
		{0x00},
		{0x12, 0x34},
		[]byte("an odd-length payload!!"),
		bytes.Repeat([]byte{0xff}, 1458),
	}
	for _, frame := range frames {
		want := ^header.Checksum(frame, 0)
		if got := CalculateChecksum(frame); got != want {
			t.Errorf("CalculateChecksum(%d bytes) = %#x, reference says %#x", len(frame), got, want)
		}
	}
}

func TestVerifyChecksumDetectsCorruption(t *testing.T) {
	ensurePool(64)

	seg := &CtcpSegment{SeqNum: 7, AckNum: 9, Flags: ACKFlag, Payload: []byte("hello")}
	buffer := make([]byte, chunkBufferLength)
	n, err := seg.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	frame := buffer[:n]

	frame[CtcpHeaderLength] ^= 0x01
	if VerifyChecksum(frame) {
		t.Error("corrupted payload passed checksum verification")
	}
	frame[CtcpHeaderLength] ^= 0x01
	if !VerifyChecksum(frame) {
		t.Error("restored frame failed checksum verification")
	}
}

func TestVerifyChecksumRejectsBadLengthField(t *testing.T) {
	ensurePool(64)

	seg := &CtcpSegment{SeqNum: 1, AckNum: 1, Flags: ACKFlag, Payload: []byte("abcdef")}
	buffer := make([]byte, chunkBufferLength)
	n, err := seg.Marshal(buffer)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	// claim more bytes than were actually received
	if VerifyChecksum(buffer[:n-2]) {
		t.Error("frame whose length field exceeds the received bytes passed verification")
	}
}

func TestUnmarshalRejectsMalformedFrames(t *testing.T) {
	ensurePool(64)

	short := make([]byte, CtcpHeaderLength-1)
	seg := &CtcpSegment{}
	if err := seg.Unmarshal(short); err == nil {
		t.Error("Unmarshal accepted a truncated header")
	}

	// length field shorter than the header
	frame := make([]byte, CtcpHeaderLength)
	frame[9] = CtcpHeaderLength - 1
	if err := seg.Unmarshal(frame); err == nil {
		t.Error("Unmarshal accepted a length field shorter than the header")
	}

	// length field longer than the received bytes
	frame[8] = 0
	frame[9] = CtcpHeaderLength + 10
	if err := seg.Unmarshal(frame); err == nil {
		t.Error("Unmarshal accepted a length field beyond the received bytes")
	}
}
