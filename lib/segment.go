package lib

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// CtcpSegment represents one wire unit: an 18-byte header followed by up to
// MaxSegmentDataSize payload bytes. All header integers are big-endian on
// the wire.
type CtcpSegment struct {
	SeqNum     uint32 // sequence number of the first payload byte
	AckNum     uint32 // next in-order byte we expect from the peer
	Length     uint16 // total segment length, header + payload
	Flags      uint32 // ACKFlag, FINFlag; other bits reserved-zero
	WindowSize uint16 // free receive buffer space in bytes
	Checksum   uint16
	Payload    []byte
	chunk      *rp.Element // memory chunk backing Payload
}

// Marshal encodes the segment into buffer and stamps the checksum. The
// checksum field is held at zero during the compute pass. Returns the number
// of bytes written.
func (s *CtcpSegment) Marshal(buffer []byte) (int, error) {
	if len(s.Payload) > MaxSegmentDataSize {
		return 0, fmt.Errorf("payload length(%d) exceeds maximum segment data size(%d)", len(s.Payload), MaxSegmentDataSize)
	}
	frameLength := CtcpHeaderLength + len(s.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}
	s.Length = uint16(frameLength)

	binary.BigEndian.PutUint32(buffer[0:4], s.SeqNum)
	binary.BigEndian.PutUint32(buffer[4:8], s.AckNum)
	binary.BigEndian.PutUint16(buffer[8:10], s.Length)
	binary.BigEndian.PutUint32(buffer[10:14], s.Flags)
	binary.BigEndian.PutUint16(buffer[14:16], s.WindowSize)
	// leave buffer[16:18] (checksum) as all zero for now
	binary.BigEndian.PutUint16(buffer[16:18], 0)
	copy(buffer[CtcpHeaderLength:frameLength], s.Payload)

	s.Checksum = CalculateChecksum(buffer[:frameLength])
	binary.BigEndian.PutUint16(buffer[16:18], s.Checksum)

	return frameLength, nil
}

// Unmarshal decodes a received frame into the segment, converting header
// fields to host order. The advertised length is never trusted beyond the
// bytes actually delivered by the substrate. The payload, if any, is copied
// into a pool chunk owned by the segment.
func (s *CtcpSegment) Unmarshal(data []byte) error {
	if len(data) < CtcpHeaderLength {
		return fmt.Errorf("the length(%d) of data is too short to be unmarshalled", len(data))
	}

	s.SeqNum = binary.BigEndian.Uint32(data[0:4])
	s.AckNum = binary.BigEndian.Uint32(data[4:8])
	s.Length = binary.BigEndian.Uint16(data[8:10])
	s.Flags = binary.BigEndian.Uint32(data[10:14])
	s.WindowSize = binary.BigEndian.Uint16(data[14:16])
	s.Checksum = binary.BigEndian.Uint16(data[16:18])

	if int(s.Length) < CtcpHeaderLength {
		return fmt.Errorf("segment length field(%d) is shorter than the header. Malformed cTCP segment", s.Length)
	}
	if int(s.Length) > len(data) {
		return fmt.Errorf("segment length field(%d) > received bytes(%d). Malformed cTCP segment", s.Length, len(data))
	}

	if int(s.Length) > CtcpHeaderLength {
		if err := s.CopyToPayload(data[CtcpHeaderLength:s.Length]); err != nil {
			return fmt.Errorf("segment unmarshal: error copying segment payload - %s", err)
		}
	} else {
		s.Payload = nil
	}

	return nil
}

// DataLen returns the number of payload bytes the segment carries.
func (s *CtcpSegment) DataLen() int {
	return int(s.Length) - CtcpHeaderLength
}

func (s *CtcpSegment) CopyToPayload(src []byte) error {
	if len(src) == 0 {
		err := fmt.Errorf("CtcpSegment.CopyToPayload: source slice is empty")
		log.Println(err)
		return err
	}
	s.GetChunk()
	if s.chunk == nil {
		err := fmt.Errorf("CtcpSegment.CopyToPayload: got a nil chunk")
		log.Println(err)
		return err
	}
	if err := s.chunk.Data.(*frameChunk).load(src); err != nil {
		s.ReturnChunk()
		return fmt.Errorf("CtcpSegment.CopyToPayload: %s", err)
	}
	s.Payload = s.chunk.Data.(*frameChunk).bytes()
	return nil
}

func (s *CtcpSegment) GetChunk() {
	s.chunk = Pool.GetElement()
}

func (s *CtcpSegment) ReturnChunk() {
	if s.chunk != nil {
		Pool.ReturnElement(s.chunk)
		s.chunk = nil
	}
}

func (s *CtcpSegment) GetChunkReference() *rp.Element {
	return s.chunk
}

func (s *CtcpSegment) AddFootPrint(fpStr string) int {
	return s.chunk.AddFootPrint(fpStr)
}

func (s *CtcpSegment) TickFootPrint(fp int) {
	s.chunk.TickFootPrint(fp)
}

func (s *CtcpSegment) AddChannel(chanStr string) {
	s.chunk.AddChannel(chanStr)
}

// CalculateChecksum computes the standard 16-bit one's-complement Internet
// checksum over buffer, padding an odd trailing byte with zero.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		word := binary.BigEndian.Uint16(buffer[i : i+2])
		cksum += uint32(word)
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8 // Shift last byte to 16 bits
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += (cksum >> 16)

	// Return one's complement of the final sum
	return ^uint16(cksum)
}

// VerifyChecksum validates a received frame. The checksum field is zeroed,
// the checksum recomputed over the advertised length, and the field
// restored. A frame whose length field is shorter than the header or longer
// than the bytes actually received fails verification.
func VerifyChecksum(frame []byte) bool {
	if len(frame) < CtcpHeaderLength {
		log.Debugf("The received segment's total length is too short(%d)", len(frame))
		return false
	}

	segLength := binary.BigEndian.Uint16(frame[8:10])
	if int(segLength) < CtcpHeaderLength || int(segLength) > len(frame) {
		log.Debugf("The received segment's length field(%d) does not fit the received bytes(%d)", segLength, len(frame))
		return false
	}

	// Retrieve the checksum from the segment
	receivedChecksum := binary.BigEndian.Uint16(frame[16:18])

	// Zero out the checksum field for calculation
	binary.BigEndian.PutUint16(frame[16:18], 0)

	calculatedChecksum := CalculateChecksum(frame[:segLength])

	// Restore the original checksum field
	binary.BigEndian.PutUint16(frame[16:18], receivedChecksum)

	return receivedChecksum == calculatedChecksum
}
