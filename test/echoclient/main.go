package main

import (
	"bytes"
	"flag"
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
	totalBytes    int
	timeoutSec    int
)

func init() {
	flag.StringVar(&serverAddrStr, "serveraddr", "127.0.0.1:8901", "echo server address (IP:Port)")
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.IntVar(&totalBytes, "bytes", 64*1024, "number of bytes to send and verify")
	flag.IntVar(&timeoutSec, "timeout", 60, "seconds to wait before giving up")
	flag.Parse()
}

// scriptApp feeds a generated byte pattern into the connection and checks
// that the echoed stream matches. Once every byte has come back it ends the
// input stream so both sides tear down.
type scriptApp struct {
	mu      sync.Mutex
	toSend  []byte
	sent    []byte
	echoed  []byte
	done    bool
	verdict chan bool
	notify  func()
}

func newScriptApp(payload []byte, notify func()) *scriptApp {
	return &scriptApp{
		toSend:  payload,
		sent:    payload,
		verdict: make(chan bool, 1),
		notify:  notify,
	}
}

func (a *scriptApp) Input(buf []byte) int {
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

func (a *scriptApp) Output(data []byte) int {
	a.mu.Lock()
	a.echoed = append(a.echoed, data...)
	finished := len(a.echoed) >= len(a.sent)
	if finished && !a.done {
		a.done = true
		a.verdict <- bytes.Equal(a.echoed, a.sent)
	}
	a.mu.Unlock()
	if finished {
		// the input stream just reached EOF; let the engine send its FIN
		a.notify()
	}
	return len(data)
}

func (a *scriptApp) FreeSpace() int {
	return 1 << 20
}

func buildPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	return payload
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

	var app *scriptApp
	core, conn, err := lib.DialCtcp(cfg, serverAddrStr, func(notify func()) lib.Application {
		app = newScriptApp(buildPayload(totalBytes), notify)
		return app
	})
	if err != nil {
		log.Fatalln("Error connecting:", err)
	}
	defer core.Close()

	log.Printf("Sending %d bytes to echo server at %s", totalBytes, serverAddrStr)
	core.SignalReadable(conn)

	select {
	case ok := <-app.verdict:
		if !ok {
			log.Fatalln("FAIL: echoed stream does not match the sent stream")
		}
		log.Printf("PASS: %d bytes echoed back intact", totalBytes)
	case <-time.After(time.Duration(timeoutSec) * time.Second):
		log.Fatalln("FAIL: timed out waiting for the echo to complete")
	}

	status := conn.Wait()
	log.Println("Connection closed with status", status)
	os.Exit(status)
}
