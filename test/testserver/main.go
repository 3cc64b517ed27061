/*
testserver is the sink side of the file transfer test: it receives a byte
stream over cTCP, writes it to an output file and prints the byte count and
SHA-256 digest once the client closes. Comparing the digest against the
source file proves the stream survived loss, reordering and retransmission
intact.

Usage:
  ./testserver [options]
  Options:
    -listenaddr string  Listen address (default "127.0.0.1:8903")
    -out string         Output file path (default "received.out")
*/

package main

import (
	"crypto/sha256"
	"flag"
	"hash"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/ctcp/config"
	"github.com/Clouded-Sabre/ctcp/lib"
)

var (
	listenAddrStr string
	configPath    string
	outPath       string
)

func init() {
	flag.StringVar(&listenAddrStr, "listenaddr", "127.0.0.1:8903", "cTCP listen address (IP:Port)")
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.StringVar(&outPath, "out", "received.out", "output file path")
	flag.Parse()
}

// fileSinkApp appends every delivered byte to a file while keeping a running
// digest. It sends nothing, so its input side reports EOF as soon as the
// host asks, letting the server half-close right away.
type fileSinkApp struct {
	mu     sync.Mutex
	file   *os.File
	digest hash.Hash
	count  int64
}

func newFileSinkApp(file *os.File) *fileSinkApp {
	return &fileSinkApp{file: file, digest: sha256.New()}
}

func (a *fileSinkApp) Input(buf []byte) int {
	return -1
}

func (a *fileSinkApp) Output(data []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, err := a.file.Write(data)
	if err != nil {
		log.Println("Error writing to output file:", err)
		return n
	}
	a.digest.Write(data[:n])
	a.count += int64(n)
	return n
}

func (a *fileSinkApp) FreeSpace() int {
	return 1 << 16
}

func (a *fileSinkApp) summary() (int64, []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, a.digest.Sum(nil)
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

	file, err := os.Create(outPath)
	if err != nil {
		log.Fatalln("Error creating output file:", err)
	}
	defer file.Close()

	core, err := lib.ListenCtcp(cfg, listenAddrStr, func(notify func()) lib.Application {
		return newFileSinkApp(file)
	})
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	defer core.Close()

	log.Printf("File sink listening on %s, writing to %s", listenAddrStr, outPath)

	conn := core.Accept()
	if conn == nil {
		return
	}
	log.Println("Receiving from", conn.RemoteAddr())

	// the sink half-closes immediately; wake the engine so its FIN goes out
	core.SignalReadable(conn)

	status := conn.Wait()
	count, digest := conn.App().(*fileSinkApp).summary()
	log.Printf("Received %d bytes, sha256=%x, status %d", count, digest, status)
	os.Exit(status)
}
