/*
testclient streams a file to testserver over cTCP for data integrity
verification. Chunks of random size are released with random delays so the
transfer exercises fragmentation, pacing and retransmission rather than a
single burst.

Usage:
  ./testclient [options]
  Options:
    -serveraddr string  Server address (default "127.0.0.1:8903")
    -file string        Source file path (default "book.txt")
    -max-gap-ms int     Max delay between chunks (default 200)
    -max-chunk int      Max bytes released per chunk (default 4096)
*/

package main

import (
	"flag"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/ctcp/config"
	"github.com/Clouded-Sabre/ctcp/lib"
)

var (
	serverAddrStr string
	configPath    string
	filePath      string
	maxGapMs      int
	maxChunk      int
)

func init() {
	flag.StringVar(&serverAddrStr, "serveraddr", "127.0.0.1:8903", "cTCP file sink address (IP:Port)")
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.StringVar(&filePath, "file", "book.txt", "file path to the source file")
	flag.IntVar(&maxGapMs, "max-gap-ms", 200, "max gap in ms between two consecutive chunks")
	flag.IntVar(&maxChunk, "max-chunk", 4096, "max bytes released per chunk")
	flag.Parse()
}

// pacedFileApp releases the file contents to the engine in random-sized
// chunks with random gaps in between. The pacing goroutine moves bytes from
// the file into the pending buffer; Input drains pending without blocking.
type pacedFileApp struct {
	mu      sync.Mutex
	pending []byte
	eof     bool
	notify  func()
}

func newPacedFileApp(data []byte, notify func()) *pacedFileApp {
	app := &pacedFileApp{notify: notify}
	go app.paceLoop(data)
	return app
}

func (a *pacedFileApp) paceLoop(data []byte) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(data) > 0 {
		time.Sleep(time.Duration(rng.Intn(maxGapMs+1)) * time.Millisecond)
		chunkSize := 1 + rng.Intn(maxChunk)
		if chunkSize > len(data) {
			chunkSize = len(data)
		}
		a.mu.Lock()
		a.pending = append(a.pending, data[:chunkSize]...)
		a.mu.Unlock()
		a.notify()
		data = data[chunkSize:]
	}
	a.mu.Lock()
	a.eof = true
	a.mu.Unlock()
	a.notify()
}

func (a *pacedFileApp) Input(buf []byte) int {
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

func (a *pacedFileApp) Output(data []byte) int {
	// the sink side never sends anything back
	return len(data)
}

func (a *pacedFileApp) FreeSpace() int {
	return 1 << 16
}

func main() {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			cfg = config.DefaultConfig()
		} else {
			log.Fatalln("Configuration file error:", err)
		}
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	config.AppConfig = cfg

	data, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatalln("Error reading source file:", err)
	}

	core, conn, err := lib.DialCtcp(cfg, serverAddrStr, func(notify func()) lib.Application {
		return newPacedFileApp(data, notify)
	})
	if err != nil {
		log.Fatalln("Error connecting:", err)
	}
	defer core.Close()

	log.Printf("Streaming %d bytes of %s to %s", len(data), filePath, serverAddrStr)

	status := conn.Wait()
	log.Println("Transfer finished with status", status)
	os.Exit(status)
}
