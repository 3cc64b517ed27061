package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/ctcp/config"
	"github.com/Clouded-Sabre/ctcp/lib"
)

var (
	serverAddrStr string
	configPath    string
	debug         bool
)

func init() {
	flag.StringVar(&serverAddrStr, "serveraddr", "", "cTCP server address (IP:Port), overrides config")
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.BoolVar(&debug, "debug", false, "enable debug tracing of segment headers")
	flag.Parse()
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
	if debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	config.AppConfig = cfg

	if serverAddrStr == "" {
		serverAddrStr = net.JoinHostPort(cfg.ServerIP, fmt.Sprint(cfg.ServerPort))
	}

	core, conn, err := lib.DialCtcp(cfg, serverAddrStr, func(notify func()) lib.Application {
		return lib.NewStdioApp(notify)
	})
	if err != nil {
		log.Fatalln("Error connecting:", err)
	}

	log.Println("cTCP connection established to", serverAddrStr)

	// Ctrl+C tears the connection down without waiting for the peer
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		fmt.Println("\nReceived SIGINT (Ctrl+C). Shutting down...")
		core.Close()
		os.Exit(0)
	}()

	status := conn.Wait()
	core.Close()
	os.Exit(status)
}
