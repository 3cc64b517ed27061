package lib

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/ctcp/config"
)

// Substrate is the unreliable datagram path a connection transmits on. Send
// attempts a single best-effort delivery of one encoded segment; loss,
// duplication and reordering are all the engine's problem.
type Substrate interface {
	Send(frame []byte) (int, error)
	Close() error
}

// udpSubstrate sends every frame to a fixed peer over a shared packet socket.
// Close only detaches the connection from the socket; the socket itself
// belongs to the core and outlives individual connections.
type udpSubstrate struct {
	conn   net.PacketConn
	peer   net.Addr
	closed bool
}

func (s *udpSubstrate) Send(frame []byte) (int, error) {
	if s.closed {
		return 0, errors.New("substrate is closed")
	}
	return s.conn.WriteTo(frame, s.peer)
}

func (s *udpSubstrate) Close() error {
	s.closed = true
	return nil
}

// inboundSegment pairs a decoded segment with its origin address so the
// event loop can route it to the right connection.
type inboundSegment struct {
	from net.Addr
	seg  *CtcpSegment
}

// CtcpCore owns one packet socket and the set of connections multiplexed
// over it. A reader goroutine decodes and checksum-verifies datagrams; a
// single event-loop goroutine serializes all engine callbacks (inbound
// segments, application-readable notifications and timer ticks), so the
// connection engines themselves run without locks.
type CtcpCore struct {
	config     *config.Config
	connConfig *connectionConfig

	packetConn net.PacketConn
	isServer   bool
	remoteAddr net.Addr // client mode: the one peer we dialed

	connectionMap map[string]*Connection // owned by the event loop
	appFactory    AppFactory

	acceptChan   chan *Connection
	inputChan    chan *inboundSegment
	readableChan chan *Connection
	tickInterval time.Duration

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func newCtcpCore(cfg *config.Config, packetConn net.PacketConn, isServer bool, remoteAddr net.Addr, factory AppFactory) *CtcpCore {
	ensurePool(cfg.PayloadPoolSize)

	core := &CtcpCore{
		config:        cfg,
		connConfig:    newConnectionConfig(cfg),
		packetConn:    packetConn,
		isServer:      isServer,
		remoteAddr:    remoteAddr,
		connectionMap: make(map[string]*Connection),
		appFactory:    factory,
		acceptChan:    make(chan *Connection, 16),
		inputChan:     make(chan *inboundSegment, 64),
		readableChan:  make(chan *Connection, 64),
		tickInterval:  time.Duration(cfg.TickInterval) * time.Millisecond,
		closeSignal:   make(chan struct{}),
	}

	return core
}

// start launches the reader and event-loop goroutines. Callers must not
// touch connectionMap afterwards; it belongs to the event loop.
func (p *CtcpCore) start() {
	p.wg.Add(2)
	go p.handleIncomingPackets()
	go p.eventLoop()
}

// DialCtcp binds an ephemeral local port and starts a core whose single
// connection targets serverAddr. The connection is created eagerly; the
// protocol has no handshake, so it is usable immediately.
func DialCtcp(cfg *config.Config, serverAddr string, factory AppFactory) (*CtcpCore, *Connection, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolving server address")
	}

	packetConn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, nil, errors.Wrap(err, "binding local socket")
	}

	return dialOn(cfg, packetConn, remoteAddr, factory)
}

// dialOn runs the client side of a core on an existing packet socket.
func dialOn(cfg *config.Config, packetConn net.PacketConn, remoteAddr net.Addr, factory AppFactory) (*CtcpCore, *Connection, error) {
	core := newCtcpCore(cfg, packetConn, false, remoteAddr, factory)

	conn := core.createConnection(remoteAddr)
	core.connectionMap[conn.Key()] = conn
	core.start()

	log.Printf("ctcp: core started, dialing %s", remoteAddr)
	return core, conn, nil
}

// ListenCtcp binds listenAddr and starts a server core. Connections are
// created on the first datagram from a new peer and handed out via Accept.
func ListenCtcp(cfg *config.Config, listenAddr string, factory AppFactory) (*CtcpCore, error) {
	packetConn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, errors.Wrap(err, "binding listen socket")
	}

	return listenOn(cfg, packetConn, factory), nil
}

// listenOn runs the server side of a core on an existing packet socket.
func listenOn(cfg *config.Config, packetConn net.PacketConn, factory AppFactory) *CtcpCore {
	core := newCtcpCore(cfg, packetConn, true, nil, factory)
	core.start()
	log.Printf("ctcp: core listening on %s", packetConn.LocalAddr())
	return core
}

// Accept returns the next connection created for a previously unseen peer.
// It returns nil once the core is closed.
func (p *CtcpCore) Accept() *Connection {
	select {
	case conn := <-p.acceptChan:
		return conn
	case <-p.closeSignal:
		return nil
	}
}

// SignalReadable tells the event loop that conn's application has input
// ready. Safe to call from any goroutine; the actual engine callback runs
// serialized on the event loop.
func (p *CtcpCore) SignalReadable(conn *Connection) {
	select {
	case p.readableChan <- conn:
	case <-p.closeSignal:
	}
}

// createConnection builds the connection and its application for a peer.
// Called only from the event loop (or from dialOn before the loop can see
// the map).
func (p *CtcpCore) createConnection(remoteAddr net.Addr) *Connection {
	params := &connectionParams{
		key:        remoteAddr.String(),
		remoteAddr: remoteAddr,
		substrate:  &udpSubstrate{conn: p.packetConn, peer: remoteAddr},
		onClosed:   p.removeConnection,
	}
	conn := newConnection(params, p.connConfig, nil)
	conn.app = p.appFactory(func() { p.SignalReadable(conn) })
	return conn
}

// removeConnection clears a destroyed connection from the registry. Invoked
// from Connection.destroy on the event-loop goroutine.
func (p *CtcpCore) removeConnection(conn *Connection) {
	_, ok := p.connectionMap[conn.Key()]
	if !ok {
		log.Printf("ctcp: connection %s does not exist in connection map", conn.Key())
		return
	}
	delete(p.connectionMap, conn.Key())
}

// handleIncomingPackets reads datagrams off the socket, drops anything that
// fails checksum verification or decoding, and forwards the rest to the
// event loop.
func (p *CtcpCore) handleIncomingPackets() {
	defer p.wg.Done()

	buffer := make([]byte, chunkBufferLength)
	for {
		select {
		case <-p.closeSignal:
			return
		default:
		}

		if err := p.packetConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			log.Println("ctcp: error setting read deadline:", err)
			return
		}
		n, addr, err := p.packetConn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-p.closeSignal:
			default:
				log.Println("ctcp: error reading from socket:", err)
			}
			return
		}

		if !VerifyChecksum(buffer[:n]) {
			log.Debugf("ctcp: dropping corrupted datagram from %s (%d bytes)", addr, n)
			continue
		}

		seg := &CtcpSegment{}
		if err := seg.Unmarshal(buffer[:n]); err != nil {
			log.Debugf("ctcp: dropping malformed datagram from %s: %v", addr, err)
			continue
		}

		select {
		case p.inputChan <- &inboundSegment{from: addr, seg: seg}:
		case <-p.closeSignal:
			seg.ReturnChunk()
			return
		}
	}
}

// eventLoop serializes every engine callback. All connection state mutation
// happens on this goroutine.
func (p *CtcpCore) eventLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeSignal:
			return
		case in := <-p.inputChan:
			p.dispatchSegment(in)
		case conn := <-p.readableChan:
			if !conn.isClosed {
				conn.onApplicationReadable()
			}
		case now := <-ticker.C:
			for _, conn := range p.connectionMap {
				conn.onTick(now)
			}
		}
	}
}

// dispatchSegment routes an inbound segment to its connection, creating one
// for unknown peers in server mode. A client core only talks to the peer it
// dialed; stray datagrams are dropped.
func (p *CtcpCore) dispatchSegment(in *inboundSegment) {
	key := in.from.String()
	conn, ok := p.connectionMap[key]
	if !ok {
		if !p.isServer {
			log.Debugf("ctcp: dropping datagram from unexpected peer %s", in.from)
			in.seg.ReturnChunk()
			return
		}
		conn = p.createConnection(in.from)
		p.connectionMap[key] = conn
		log.Printf("ctcp: new connection from %s", key)
		select {
		case p.acceptChan <- conn:
		default:
			log.Printf("ctcp: accept queue full, dropping connection from %s", key)
			conn.destroy(1)
			in.seg.ReturnChunk()
			return
		}
	}
	conn.onSegment(in.seg)
}

// Close tears the core down: stops the goroutines, closes the socket and
// releases every connection's buffered chunks.
func (p *CtcpCore) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.doClose() })
	return err
}

func (p *CtcpCore) doClose() error {
	close(p.closeSignal)
	p.wg.Wait()

	// the goroutines are gone; the map is now safe to touch from here
	for _, conn := range p.connectionMap {
		conn.destroy(conn.exitStatus)
	}
	p.connectionMap = nil

	// drain segments that were decoded but never dispatched
	for {
		select {
		case in := <-p.inputChan:
			in.seg.ReturnChunk()
		default:
			if err := p.packetConn.Close(); err != nil {
				log.Println("ctcp: error closing socket:", err)
				return err
			}
			log.Println("ctcp: core closed gracefully.")
			return nil
		}
	}
}
