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
	listenAddrStr string
	configPath    string
	singleClient  bool
	debug         bool
)

func init() {
	flag.StringVar(&listenAddrStr, "listenaddr", "", "cTCP listen address (IP:Port), overrides config")
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.BoolVar(&singleClient, "single", false, "serve one connection and exit with its status")
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

	if listenAddrStr == "" {
		listenAddrStr = net.JoinHostPort(cfg.ServerIP, fmt.Sprint(cfg.ServerPort))
	}

	core, err := lib.ListenCtcp(cfg, listenAddrStr, func(notify func()) lib.Application {
		return lib.NewStdioApp(notify)
	})
	if err != nil {
		log.Fatalln("Error listening:", err)
	}

	log.Println("cTCP server started.")

	// Handle Ctrl+C signal for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		fmt.Println("\nReceived SIGINT (Ctrl+C). Shutting down...")
		core.Close()
		os.Exit(0)
	}()

	for {
		conn := core.Accept()
		if conn == nil {
			return
		}
		log.Println("Accepted connection from", conn.RemoteAddr())

		if singleClient {
			status := conn.Wait()
			core.Close()
			os.Exit(status)
		}
	}
}
