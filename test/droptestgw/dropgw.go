package main

import (
	"flag"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	gatewayAddr string
	targetAddr  string
	dropRate    float64
	dropEvery   int
)

func init() {
	flag.StringVar(&gatewayAddr, "listenaddr", "127.0.0.1:8902", "gateway listen address (IP:Port)")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:8901", "target server address (IP:Port)")
	flag.Float64Var(&dropRate, "droprate", 0.1, "datagram drop rate (0.0-1.0)")
	flag.IntVar(&dropEvery, "dropevery", 0, "drop every Nth datagram instead of randomly (0 disables)")
	flag.Parse()
}

// dropGate decides per datagram whether to forward or drop. With -dropevery
// set the pattern is deterministic, which makes retransmission behavior
// reproducible across runs.
type dropGate struct {
	mu    sync.Mutex
	rng   *rand.Rand
	count int
}

func (g *dropGate) drop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count++
	if dropEvery > 0 {
		return g.count%dropEvery == 0
	}
	return g.rng.Float64() < dropRate
}

// relay forwards datagrams from src to dstAddr over dst, consulting the gate
// for each one. direction is only used for logging.
func relay(src, dst net.PacketConn, dstAddr func() net.Addr, gate *dropGate, direction string, learn func(net.Addr)) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := src.ReadFrom(buf)
		if err != nil {
			return
		}
		if learn != nil {
			learn(from)
		}
		if gate.drop() {
			log.Printf("Dropped datagram in %s direction (size: %d)", direction, n)
			continue
		}
		to := dstAddr()
		if to == nil {
			log.Printf("No peer known yet in %s direction, discarding %d bytes", direction, n)
			continue
		}
		if _, err := dst.WriteTo(buf[:n], to); err != nil {
			log.Printf("Error forwarding in %s direction: %v", direction, err)
			return
		}
	}
}

func main() {
	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		log.Fatalf("Invalid target address %s: %v", targetAddr, err)
	}

	clientSide, err := net.ListenPacket("udp", gatewayAddr)
	if err != nil {
		log.Fatalf("Gateway error listening at %s: %v", gatewayAddr, err)
	}
	serverSide, err := net.ListenPacket("udp", ":0")
	if err != nil {
		log.Fatalf("Gateway error binding upstream socket: %v", err)
	}

	log.Printf("Drop gateway started at %s -> %s (drop rate: %.1f%%, drop every: %d)",
		gatewayAddr, targetAddr, dropRate*100, dropEvery)

	gate := &dropGate{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}

	// the gateway serves one client at a time: the latest source address
	// seen on the client side wins
	var mu sync.Mutex
	var clientAddr net.Addr
	learnClient := func(addr net.Addr) {
		mu.Lock()
		if clientAddr == nil || clientAddr.String() != addr.String() {
			clientAddr = addr
			log.Println("Forwarding for client", addr)
		}
		mu.Unlock()
	}
	currentClient := func() net.Addr {
		mu.Lock()
		defer mu.Unlock()
		return clientAddr
	}

	go relay(clientSide, serverSide, func() net.Addr { return target }, gate, "client-to-server", learnClient)
	go relay(serverSide, clientSide, currentClient, gate, "server-to-client", nil)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan
	log.Println("\nReceived SIGINT (Ctrl+C). Shutting down...")
	clientSide.Close()
	serverSide.Close()
}
