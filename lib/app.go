package lib

import (
	"bufio"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Application is the host-side byte source and sink a connection serves.
//
// Input copies up to len(buf) bytes into buf and returns the count. It
// returns 0 when no bytes are ready and -1 once the source has reached EOF
// and drained. Input never blocks.
//
// Output hands in-order bytes to the downstream sink and returns the count
// written. FreeSpace reports how many more bytes the sink can take right
// now; the engine stops delivery when it is insufficient.
type Application interface {
	Input(buf []byte) int
	Output(data []byte) int
	FreeSpace() int
}

// AppFactory builds the application for a new connection. The notify
// function must be called whenever input becomes readable; the host
// serializes the resulting callback with all other engine callbacks.
type AppFactory func(notify func()) Application

const stdioSinkSpace = 1 << 16

// StdioApp adapts stdin/stdout to the Application contract. A reader
// goroutine buffers stdin internally so Input never blocks.
type StdioApp struct {
	mu      sync.Mutex
	pending []byte
	eof     bool
	out     *bufio.Writer
	notify  func()
}

func NewStdioApp(notify func()) *StdioApp {
	app := &StdioApp{
		out:    bufio.NewWriter(os.Stdout),
		notify: notify,
	}
	go app.readLoop(os.Stdin)
	return app
}

func (a *StdioApp) readLoop(r io.Reader) {
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			a.mu.Lock()
			a.pending = append(a.pending, buf[:n]...)
			a.mu.Unlock()
			a.notify()
		}
		if err != nil {
			a.mu.Lock()
			a.eof = true
			a.mu.Unlock()
			a.notify()
			return
		}
	}
}

func (a *StdioApp) Input(buf []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		if a.eof {
			return -1
		}
		return 0
	}
	n := copy(buf, a.pending)
	a.pending = a.pending[n:]
	return n
}

func (a *StdioApp) Output(data []byte) int {
	n, err := a.out.Write(data)
	if err != nil {
		log.Println("StdioApp.Output: error writing to stdout:", err)
		return n
	}
	if err := a.out.Flush(); err != nil {
		log.Println("StdioApp.Output: error flushing stdout:", err)
	}
	return n
}

func (a *StdioApp) FreeSpace() int {
	// stdout is flushed on every write, so the sink never backs up
	return stdioSinkSpace
}

// EchoApp loops every delivered byte back into its input stream, turning a
// connection into an echo endpoint. SetEOF ends the input stream once the
// loopback buffer has drained.
type EchoApp struct {
	mu      sync.Mutex
	pending []byte
	eof     bool
	notify  func()
}

func NewEchoApp(notify func()) *EchoApp {
	return &EchoApp{notify: notify}
}

func (a *EchoApp) Input(buf []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		if a.eof {
			return -1
		}
		return 0
	}
	n := copy(buf, a.pending)
	a.pending = a.pending[n:]
	return n
}

func (a *EchoApp) Output(data []byte) int {
	a.mu.Lock()
	a.pending = append(a.pending, data...)
	a.mu.Unlock()
	a.notify()
	return len(data)
}

func (a *EchoApp) FreeSpace() int {
	return stdioSinkSpace
}

// SetEOF marks the end of the echo input stream. Pending loopback bytes are
// still returned by Input before it reports EOF.
func (a *EchoApp) SetEOF() {
	a.mu.Lock()
	a.eof = true
	a.mu.Unlock()
	a.notify()
}
