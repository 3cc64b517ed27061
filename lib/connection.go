package lib

import (
	"encoding/binary"
	"math"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/ctcp/config"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// connectionConfig is the immutable per-connection subset of config.Config.
type connectionConfig struct {
	sendWindow     int
	recvWindow     int
	rtTimeout      time.Duration
	maxRetransmits int
	mss            int
	debug          bool
}

func newConnectionConfig(cfg *config.Config) *connectionConfig {
	mss := cfg.PreferredMSS
	if mss <= 0 || mss > MaxSegmentDataSize {
		mss = MaxSegmentDataSize
	}
	return &connectionConfig{
		sendWindow:     cfg.SendWindow,
		recvWindow:     cfg.RecvWindow,
		rtTimeout:      time.Duration(cfg.RtTimeout) * time.Millisecond,
		maxRetransmits: cfg.MaxRetransmits,
		mss:            mss,
		debug:          cfg.Debug,
	}
}

// connectionParams holds the static identity and plumbing of a connection.
type connectionParams struct {
	key        string
	remoteAddr net.Addr
	substrate  Substrate
	onClosed   func(*Connection) // invoked once from destroy, on the event-loop goroutine
}

// sentSegment is one entry of the send buffer: an encoded segment awaiting
// acknowledgement. Entries parked behind a closed peer window have
// sentFlag=false and no sequence number yet.
type sentSegment struct {
	frame       []byte // encoded header+payload; header stamped at first transmit
	seqNum      uint32
	seqLen      uint32 // sequence space consumed: payload bytes, or 1 for a FIN
	payloadLen  int
	flags       uint32
	timeSent    time.Time
	resendCount int
	sentFlag    bool
	chunk       *rp.Element
}

func (e *sentSegment) releaseChunk() {
	if e.chunk != nil {
		Pool.ReturnElement(e.chunk)
		e.chunk = nil
	}
}

// Connection is the per-peer cTCP protocol engine. All of its callbacks
// (onApplicationReadable, onSegment, onTick) are invoked serially from the
// core's event loop, so the state needs no locking.
type Connection struct {
	params *connectionParams
	config *connectionConfig
	app    Application

	sendBase         uint32 // lowest unacknowledged sequence number
	nextSeqNum       uint32 // sequence number for the next byte read from the app
	nextConsume      uint32 // lowest sequence number not yet delivered to the app
	ackNum           uint32 // lowest sequence number not yet received in order
	sendWindowAvail  int    // free bytes in the local send buffer
	recvWindowAvail  int    // free bytes in the local receive buffer
	advertisedWindow uint16 // peer's most recently advertised receive window

	sent     *LinkedList // *sentSegment, ascending by seqNum
	received *LinkedList // *CtcpSegment, ascending by SeqNum

	finSent      bool
	finSentAcked bool
	finRecv      bool

	isClosed   bool
	exitStatus int

	readBuf    []byte // staging buffer for application input
	ctrlBuf    []byte // marshal buffer for bare control segments
	doneChan   chan struct{}
	remoteDone chan struct{} // closed when the peer's FIN is observed
}

func newConnection(params *connectionParams, cfg *connectionConfig, app Application) *Connection {
	return &Connection{
		params: params,
		config: cfg,
		app:    app,

		sendBase:        1,
		nextSeqNum:      1,
		nextConsume:     1,
		ackNum:          1,
		sendWindowAvail: cfg.sendWindow,
		recvWindowAvail: cfg.recvWindow,
		// the peer has not advertised yet; assume room for one segment
		advertisedWindow: uint16(cfg.mss),

		sent:     NewLinkedList(),
		received: NewLinkedList(),

		readBuf:    make([]byte, cfg.sendWindow),
		ctrlBuf:    make([]byte, CtcpHeaderLength),
		doneChan:   make(chan struct{}),
		remoteDone: make(chan struct{}),
	}
}

// App returns the application instance serving this connection.
func (c *Connection) App() Application {
	return c.app
}

// Key returns the connection's registry key (the peer address string).
func (c *Connection) Key() string {
	return c.params.key
}

// RemoteAddr returns the peer's substrate address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.params.remoteAddr
}

// Done is closed once the connection has been destroyed.
func (c *Connection) Done() <-chan struct{} {
	return c.doneChan
}

// RemoteClosed is closed once the peer's FIN has been observed.
func (c *Connection) RemoteClosed() <-chan struct{} {
	return c.remoteDone
}

// Wait blocks until the connection is destroyed and returns its exit
// status: 0 on orderly close, non-zero on retransmission-cap breach.
func (c *Connection) Wait() int {
	<-c.doneChan
	return c.exitStatus
}

// windowField clamps the free receive buffer space to the 16-bit window
// field.
func (c *Connection) windowField() uint16 {
	if c.recvWindowAvail > math.MaxUint16 {
		return math.MaxUint16
	}
	if c.recvWindowAvail < 0 {
		return 0
	}
	return uint16(c.recvWindowAvail)
}

// onApplicationReadable drains the application's input into the send
// buffer and transmits whatever the peer's advertised window allows. EOF
// from the application enqueues the FIN.
func (c *Connection) onApplicationReadable() {
	if c.isClosed || c.finSent {
		return
	}

	for !c.finSent && c.sendWindowAvail > 0 {
		n := c.app.Input(c.readBuf[:c.sendWindowAvail])
		if n == 0 {
			break
		}
		if n < 0 { // EOF: enqueue the FIN, which consumes one sequence number
			c.finSent = true
			c.enqueueFin()
			break
		}
		c.enqueueData(c.readBuf[:n])
	}

	c.transmitPending()
}

// enqueueData fragments data into segments of at most MSS payload bytes and
// appends them to the send buffer. Sequence numbers are assigned at
// transmit time.
func (c *Connection) enqueueData(data []byte) {
	for len(data) > 0 {
		payloadLen := len(data)
		if payloadLen > c.config.mss {
			payloadLen = c.config.mss
		}

		chunk := Pool.GetElement()
		frame := chunk.Data.(*frameChunk).buffer(CtcpHeaderLength + payloadLen)
		copy(frame[CtcpHeaderLength:], data[:payloadLen])

		c.sent.Append(&sentSegment{
			frame:      frame,
			seqLen:     uint32(payloadLen),
			payloadLen: payloadLen,
			flags:      ACKFlag,
			chunk:      chunk,
		})
		c.sendWindowAvail -= payloadLen
		data = data[payloadLen:]
	}
}

func (c *Connection) enqueueFin() {
	chunk := Pool.GetElement()
	frame := chunk.Data.(*frameChunk).buffer(CtcpHeaderLength)

	c.sent.Append(&sentSegment{
		frame:      frame,
		seqLen:     1, // a FIN occupies exactly one sequence number
		payloadLen: 0,
		flags:      FINFlag | ACKFlag,
		chunk:      chunk,
	})
}

// transmitPending walks the send buffer from the first unsent entry and
// transmits while the peer's advertised window has room. Each entry gets
// its sequence number stamped here, immediately before its first transmit.
func (c *Connection) transmitPending() {
	window := int(c.advertisedWindow)
	for node := c.sent.Front(); node != nil; node = node.Next() {
		entry := node.Value.(*sentSegment)
		if entry.sentFlag {
			continue
		}
		if window <= 0 {
			break
		}

		entry.seqNum = c.nextSeqNum
		c.nextSeqNum = SeqIncrementBy(c.nextSeqNum, entry.seqLen)
		c.stampHeader(entry)

		c.sendFrame(entry.frame)
		entry.timeSent = time.Now()
		entry.resendCount++
		entry.sentFlag = true
		window -= entry.payloadLen
	}
}

// stampHeader encodes the segment header into the entry's frame. The
// checksum is recomputed because the sequence number was just assigned.
func (c *Connection) stampHeader(entry *sentSegment) {
	seg := CtcpSegment{
		SeqNum:     entry.seqNum,
		AckNum:     c.ackNum,
		Flags:      entry.flags,
		WindowSize: c.windowField(),
		Payload:    entry.frame[CtcpHeaderLength:],
	}
	if _, err := seg.Marshal(entry.frame); err != nil {
		log.Println("ctcp: error encoding segment:", err)
	}
}

func (c *Connection) sendFrame(frame []byte) {
	if c.config.debug {
		c.traceFrame("send", frame)
	}
	if _, err := c.params.substrate.Send(frame); err != nil {
		log.Println("ctcp: error sending segment:", err, "Skip this segment.")
	}
}

// sendControlAck emits a bare ACK segment carrying the current cumulative
// ackno and receive window. Control ACKs are not queued for retransmission.
func (c *Connection) sendControlAck() {
	seg := CtcpSegment{
		SeqNum:     c.nextSeqNum, // number the next data byte would get
		AckNum:     c.ackNum,
		Flags:      ACKFlag,
		WindowSize: c.windowField(),
	}
	n, err := seg.Marshal(c.ctrlBuf)
	if err != nil {
		log.Println("ctcp: error encoding ACK segment:", err)
		return
	}
	c.sendFrame(c.ctrlBuf[:n])
}

// onAck processes the cumulative acknowledgement and advertised window of
// an inbound segment whose ACK flag is set.
func (c *Connection) onAck(ackNum uint32, peerWindow uint16) {
	c.advertisedWindow = peerWindow

	if isGreater(ackNum, c.sendBase) {
		c.sendBase = ackNum

		// pop fully acknowledged entries off the head of the send buffer
		for node := c.sent.Front(); node != nil; {
			entry := node.Value.(*sentSegment)
			if !entry.sentFlag || !isLessOrEqual(SeqIncrementBy(entry.seqNum, entry.seqLen), c.sendBase) {
				break
			}
			if entry.flags&FINFlag != 0 {
				c.finSentAcked = true
			}
			next := node.Next()
			c.sent.Remove(node)
			c.sendWindowAvail += entry.payloadLen
			entry.releaseChunk()
			node = next
		}
	}
	// ackNum == sendBase: a gap exists upstream, rely on the timer.
	// ackNum < sendBase: stale, ignore.

	// A higher advertised window may release parked entries, and freed send
	// buffer space may let the application hand us more bytes.
	c.transmitPending()
	c.onApplicationReadable()
}

// onSegment is the receive path for one verified, decoded segment. The
// engine takes ownership of the segment's chunk.
func (c *Connection) onSegment(seg *CtcpSegment) {
	if c.isClosed {
		seg.ReturnChunk()
		return
	}
	if c.config.debug {
		log.Debugf("ctcp: recv seq=%d ack=%d len=%d flags=%#x win=%d", seg.SeqNum, seg.AckNum, seg.Length, seg.Flags, seg.WindowSize)
	}

	ackThisSegment := false

	if seg.Flags&FINFlag != 0 {
		// a retransmitted peer FIN must not re-advance our ackno, and a FIN
		// that arrives ahead of missing data is only acknowledged
		if !c.finRecv && seg.SeqNum == c.ackNum {
			c.ackNum = SeqIncrement(c.ackNum)
			c.finRecv = true
			close(c.remoteDone)
		}
		ackThisSegment = true
	}

	if seg.Flags&ACKFlag != 0 {
		c.onAck(seg.AckNum, seg.WindowSize)
	}

	if dataLen := seg.DataLen(); dataLen > 0 {
		ackThisSegment = true
		c.acceptData(seg, dataLen)
	} else {
		seg.ReturnChunk()
	}

	// an ACK goes back for every data segment (even a dropped one, so the
	// peer re-learns our window) and for every FIN, never for a bare ACK
	if ackThisSegment && !c.isClosed {
		c.sendControlAck()
	}

	if c.finSentAcked && c.finRecv && !c.isClosed {
		c.destroy(0)
	}
}

// acceptData places a data-bearing segment into the reorder buffer,
// advances the cumulative acknowledgement over the contiguous prefix and
// delivers whatever became consumable.
func (c *Connection) acceptData(seg *CtcpSegment, dataLen int) {
	if c.recvWindowAvail < dataLen {
		// out of window: drop the payload, the caller still ACKs
		seg.ReturnChunk()
		return
	}

	switch {
	case seg.SeqNum == c.ackNum:
		// acknowledged segments held back by a full sink stay ahead of it
		var after *ListNode
		for node := c.received.Front(); node != nil; node = node.Next() {
			if !isLess(node.Value.(*CtcpSegment).SeqNum, seg.SeqNum) {
				break
			}
			after = node
		}
		var inserted *ListNode
		if after == nil {
			inserted = c.received.InsertFront(seg)
		} else {
			inserted = c.received.InsertAfter(after, seg)
		}
		c.recvWindowAvail -= dataLen

		// advance the cumulative ack over the now-contiguous run
		for node := inserted; node != nil; node = node.Next() {
			queued := node.Value.(*CtcpSegment)
			if queued.SeqNum != c.ackNum {
				break
			}
			c.ackNum = SeqIncrementBy(c.ackNum, uint32(queued.DataLen()))
		}

		c.deliver()

	case isGreater(seg.SeqNum, c.ackNum):
		// out of order: queue sorted by seqno unless already queued
		var after *ListNode
		for node := c.received.Front(); node != nil; node = node.Next() {
			queued := node.Value.(*CtcpSegment)
			if queued.SeqNum == seg.SeqNum {
				seg.ReturnChunk()
				return
			}
			if isLess(queued.SeqNum, seg.SeqNum) {
				after = node
				continue
			}
			break
		}
		if after == nil {
			c.received.InsertFront(seg)
		} else {
			c.received.InsertAfter(after, seg)
		}
		c.recvWindowAvail -= dataLen

	default:
		// duplicate of already-delivered data
		seg.ReturnChunk()
	}
}

// deliver hands contiguous bytes to the application, stopping at the first
// gap or when the application sink has no room.
func (c *Connection) deliver() {
	for node := c.received.Front(); node != nil; node = c.received.Front() {
		seg := node.Value.(*CtcpSegment)
		if seg.SeqNum != c.nextConsume {
			break
		}
		dataLen := seg.DataLen()
		if c.app.FreeSpace() < dataLen {
			break
		}
		c.app.Output(seg.Payload)
		c.nextConsume = SeqIncrementBy(c.nextConsume, uint32(dataLen))
		c.recvWindowAvail += dataLen
		c.received.Remove(node)
		seg.ReturnChunk()
	}
}

// onTick ages in-flight entries and retransmits those past the timeout.
// Entries parked behind a zero peer window are not aged. A connection whose
// entry has exhausted the transmit budget is torn down.
func (c *Connection) onTick(now time.Time) {
	if c.isClosed {
		return
	}

	for node := c.sent.Front(); node != nil; node = node.Next() {
		entry := node.Value.(*sentSegment)
		if !entry.sentFlag {
			continue
		}
		if entry.resendCount > c.config.maxRetransmits {
			log.Printf("ctcp: connection %s exceeded the retransmission cap, tearing down", c.params.key)
			c.destroy(1)
			return
		}
		if now.Sub(entry.timeSent) > c.config.rtTimeout {
			// byte-identical retransmission: same frame, same checksum
			c.sendFrame(entry.frame)
			entry.timeSent = now
			entry.resendCount++
		}
	}

	// retry delivery in case the application sink freed space
	c.deliver()
}

// destroy tears the connection down exactly once: buffers are freed, the
// substrate handle closed and the registry entry removed before the done
// channel is signalled.
func (c *Connection) destroy(status int) {
	if c.isClosed {
		return
	}
	c.isClosed = true
	c.exitStatus = status

	for node := c.sent.Front(); node != nil; node = node.Next() {
		node.Value.(*sentSegment).releaseChunk()
	}
	c.sent = NewLinkedList()

	for node := c.received.Front(); node != nil; node = node.Next() {
		node.Value.(*CtcpSegment).ReturnChunk()
	}
	c.received = NewLinkedList()

	if err := c.params.substrate.Close(); err != nil {
		log.Println("ctcp: error closing substrate handle:", err)
	}

	if c.params.onClosed != nil {
		c.params.onClosed(c)
	}

	log.Printf("ctcp: connection %s terminated and removed.", c.params.key)
	close(c.doneChan)
}

func (c *Connection) traceFrame(dir string, frame []byte) {
	if len(frame) < CtcpHeaderLength {
		return
	}
	log.Debugf("ctcp: %s seq=%d ack=%d len=%d flags=%#x win=%d", dir,
		binary.BigEndian.Uint32(frame[0:4]), binary.BigEndian.Uint32(frame[4:8]),
		binary.BigEndian.Uint16(frame[8:10]), binary.BigEndian.Uint32(frame[10:14]),
		binary.BigEndian.Uint16(frame[14:16]))
}
