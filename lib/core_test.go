package lib

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/xtaci/lossyconn"

	"github.com/Clouded-Sabre/ctcp/config"
)

func testCoreConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.RtTimeout = 100
	cfg.TickInterval = 20
	return cfg
}

// verifyApp feeds payload into the connection, collects the echoed stream
// and reports the verdict once every byte came back.
type verifyApp struct {
	mu      sync.Mutex
	toSend  []byte
	sent    []byte
	echoed  []byte
	done    bool
	verdict chan bool
	notify  func()
}

func newVerifyApp(payload []byte, notify func()) *verifyApp {
	return &verifyApp{
		toSend:  payload,
		sent:    payload,
		verdict: make(chan bool, 1),
		notify:  notify,
	}
}

func (a *verifyApp) Input(buf []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.toSend) == 0 {
		if a.done {
			return -1
		}
		return 0
	}
	n := copy(buf, a.toSend)
	a.toSend = a.toSend[n:]
	return n
}

func (a *verifyApp) Output(data []byte) int {
	a.mu.Lock()
	a.echoed = append(a.echoed, data...)
	finished := len(a.echoed) >= len(a.sent)
	if finished && !a.done {
		a.done = true
		a.verdict <- bytes.Equal(a.echoed, a.sent)
	}
	a.mu.Unlock()
	if finished {
		a.notify()
	}
	return len(data)
}

func (a *verifyApp) FreeSpace() int {
	return 1 << 20
}

// TestEchoOverLossySubstrate runs a client and an echo server as two cores
// over an emulated packet network with loss and delay, then verifies the
// stream survives intact and both sides tear down.
func TestEchoOverLossySubstrate(t *testing.T) {
	serverSock, err := lossyconn.NewLossyConn(0.1, 5)
	if err != nil {
		t.Fatalf("creating server socket: %v", err)
	}
	clientSock, err := lossyconn.NewLossyConn(0.1, 5)
	if err != nil {
		t.Fatalf("creating client socket: %v", err)
	}

	cfg := testCoreConfig()

	serverCore := listenOn(cfg, serverSock, func(notify func()) Application {
		return NewEchoApp(notify)
	})
	defer serverCore.Close()

	// the echo stream ends once the client has finished sending
	go func() {
		conn := serverCore.Accept()
		if conn == nil {
			return
		}
		<-conn.RemoteClosed()
		conn.App().(*EchoApp).SetEOF()
	}()

	payload := make([]byte, 16*1024)
	for i := range payload {
		payload[i] = byte(i % 253)
	}

	var app *verifyApp
	clientCore, clientConn, err := dialOn(cfg, clientSock, serverSock.LocalAddr(), func(notify func()) Application {
		app = newVerifyApp(payload, notify)
		return app
	})
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer clientCore.Close()

	clientCore.SignalReadable(clientConn)

	select {
	case ok := <-app.verdict:
		if !ok {
			t.Fatal("echoed stream does not match the sent stream")
		}
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for the echo to complete")
	}

	done := make(chan int, 1)
	go func() { done <- clientConn.Wait() }()
	select {
	case status := <-done:
		if status != 0 {
			t.Errorf("client exit status = %d, want 0", status)
		}
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for connection teardown")
	}
}

// TestServerAcceptsNewPeer checks that a server core creates a connection on
// the first datagram from an unknown address and hands it to Accept.
func TestServerAcceptsNewPeer(t *testing.T) {
	serverSock, err := lossyconn.NewLossyConn(0, 0)
	if err != nil {
		t.Fatalf("creating server socket: %v", err)
	}
	clientSock, err := lossyconn.NewLossyConn(0, 0)
	if err != nil {
		t.Fatalf("creating client socket: %v", err)
	}

	cfg := testCoreConfig()

	serverCore := listenOn(cfg, serverSock, func(notify func()) Application {
		return NewEchoApp(notify)
	})
	defer serverCore.Close()

	// hand-deliver one valid data segment to the server socket
	seg := &CtcpSegment{SeqNum: 1, AckNum: 1, Flags: ACKFlag, WindowSize: 8192, Payload: []byte("knock knock")}
	buffer := make([]byte, chunkBufferLength)
	n, err := seg.Marshal(buffer)
	if err != nil {
		t.Fatalf("building segment: %v", err)
	}
	if _, err := clientSock.WriteTo(buffer[:n], serverSock.LocalAddr()); err != nil {
		t.Fatalf("sending segment: %v", err)
	}

	acceptDone := make(chan *Connection, 1)
	go func() { acceptDone <- serverCore.Accept() }()

	select {
	case conn := <-acceptDone:
		if conn == nil {
			t.Fatal("Accept returned nil")
		}
		if conn.Key() != clientSock.LocalAddr().String() {
			t.Errorf("connection key = %s, want %s", conn.Key(), clientSock.LocalAddr())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
}
