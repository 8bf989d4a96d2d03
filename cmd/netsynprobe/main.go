//go:build linux

// Command netsynprobe is a small diagnostic client in the spirit of
// original_source/syn_client.c: it opens a STREAM connection to a peer,
// sends one message, prints the echoed reply, and logs every TCP state
// transition it observes along the way.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/clidar0929/netstackd/internal/addr"
	"github.com/clidar0929/netstackd/internal/link"
	"github.com/clidar0929/netstackd/internal/stack"
	"github.com/clidar0929/netstackd/internal/tcp"
	"github.com/jonboulle/clockwork"
)

func main() {
	os.Exit(run())
}

func run() int {
	ifaceName := flag.String("iface", "", "Linux network interface to bind")
	mtu := flag.Int("mtu", 1500, "interface MTU")
	localAddr := flag.String("local-addr", "", "local IPv4 address")
	netmask := flag.String("netmask", "255.255.255.0", "local IPv4 netmask")
	peerAddr := flag.String("peer-addr", "", "peer IPv4 address")
	peerPort := flag.Uint("peer-port", 7, "peer TCP port")
	message := flag.String("message", "Hello, this is a test message.", "payload to send after connecting")
	timeout := flag.Duration("timeout", 5*time.Second, "connect/recv timeout")
	enableKeyExchange := flag.Bool("enable-key-exchange", false, "opt into the DH+XOR handshake extension")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ip, err := addr.ParseIPv4(*localAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse -local-addr: %v\n", err)
		return 1
	}
	mask, err := addr.ParseIPv4(*netmask)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse -netmask: %v\n", err)
		return 1
	}
	peer, err := addr.ParseIPv4(*peerAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse -peer-addr: %v\n", err)
		return 1
	}

	s, err := stack.New(stack.Config{
		Logger:            logger,
		Clock:             clockwork.NewRealClock(),
		EnableKeyExchange: *enableKeyExchange,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build stack: %v\n", err)
		return 1
	}

	dev, err := link.NewRawSocketDevice(*ifaceName, *mtu)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *ifaceName, err)
		return 1
	}

	ifc, err := s.AddInterface(dev, ip, mask, addr.Any)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure %s: %v\n", *ifaceName, err)
		return 1
	}

	tcb, err := s.TCP.Open(ifc, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socket: failure: %v\n", err)
		return 1
	}
	fmt.Printf("socket: success\n")

	fmt.Printf("attempting to connect to %s:%d\n", peer, *peerPort)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	stateDone := make(chan struct{})
	go watchStates(s.TCP, tcb, stateDone)

	if err := s.TCP.Connect(ctx, tcb, peer, uint16(*peerPort)); err != nil {
		close(stateDone)
		fmt.Fprintf(os.Stderr, "connect: failure: %v\n", err)
		return 1
	}
	close(stateDone)

	fmt.Println("sending data to peer...")
	if _, err := s.TCP.Send(tcb, []byte(*message)); err != nil {
		fmt.Fprintf(os.Stderr, "send: failure: %v\n", err)
		_ = s.TCP.Close(tcb)
		return 1
	}

	fmt.Println("receiving echoed data from peer...")
	buf := make([]byte, 2048)
	n, err := s.TCP.Recv(ctx, tcb, buf)
	if err != nil || n == 0 {
		fmt.Println("EOF")
		_ = s.TCP.Close(tcb)
		return 0
	}
	fmt.Printf("received: %s\n", buf[:n])

	return closeOrWarn(s.TCP, tcb)
}

func closeOrWarn(e *tcp.Engine, tcb *tcp.TCB) int {
	if err := e.Close(tcb); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
		return 1
	}
	return 0
}

// watchStates polls tcb's state at a fine grain until done is closed,
// printing every observed transition. Polling rather than an event
// callback keeps tcp.Engine's API free of a pub/sub mechanism that
// nothing else in the stack needs.
func watchStates(e *tcp.Engine, tcb *tcp.TCB, done <-chan struct{}) {
	last := e.StateOf(tcb)
	fmt.Printf("state: %s\n", last)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cur := e.StateOf(tcb)
			if cur != last {
				fmt.Printf("state: %s\n", cur)
				last = cur
			}
		}
	}
}
