package main

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/ctcp/config"
	"github.com/Clouded-Sabre/ctcp/lib"
)

func main() {
	listenAddr := flag.String("listenaddr", "127.0.0.1:8901", "address to listen on (IP:Port)")
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
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

	core, err := lib.ListenCtcp(cfg, *listenAddr, func(notify func()) lib.Application {
		return lib.NewEchoApp(notify)
	})
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	defer core.Close()

	log.Printf("Echo server listening on %s\n", *listenAddr)

	for {
		conn := core.Accept()
		if conn == nil {
			return
		}
		log.Printf("New connection from %s\n", conn.RemoteAddr())
		go handleConn(conn)
	}
}

// handleConn ends the echo stream once the client has finished sending, so
// the loopback bytes drain and the server side closes in turn.
func handleConn(conn *lib.Connection) {
	<-conn.RemoteClosed()
	log.Println("Client finished sending, draining echo stream for", conn.RemoteAddr())
	conn.App().(*lib.EchoApp).SetEOF()

	status := conn.Wait()
	log.Printf("Connection %s closed with status %d\n", conn.RemoteAddr(), status)
}
