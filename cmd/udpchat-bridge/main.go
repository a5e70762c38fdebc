// udpchat-bridge relays the UDPChat datagram protocol over WebSocket so
// browser clients can participate. Each WebSocket connection gets its own
// UDP socket toward the server; frames pass through verbatim in both
// directions, so the end-to-end encryption terminates in the browser, not
// here.
//
// Environment:
//
//	BRIDGE_ADDR  WebSocket listen address (default 0.0.0.0:8765)
//	SERVER_ADDR  UDP server address (default 127.0.0.1:9999)
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/pion/logging"

	"github.com/udpchat/udpchat/pkg/wire"
)

const (
	defaultBridgeAddr = "0.0.0.0:8765"
	defaultServerAddr = "127.0.0.1:9999"

	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wire.MaxFrameSize,
	WriteBufferSize: wire.MaxFrameSize,
	// The bridge carries end-to-end encrypted frames, so any origin may
	// connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

type bridge struct {
	serverAddr *net.UDPAddr
	log        logging.LeveledLogger
}

func (b *bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer ws.Close()

	udp, err := net.DialUDP("udp", nil, b.serverAddr)
	if err != nil {
		b.log.Errorf("dialing server for %s: %v", r.RemoteAddr, err)
		return
	}
	defer udp.Close()

	b.log.Infof("client %s connected via %s", r.RemoteAddr, udp.LocalAddr())

	// Server-to-client pump. Closing the UDP socket on WebSocket exit
	// unblocks the read and ends the goroutine.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, wire.MaxFrameSize)
		for {
			n, err := udp.Read(buf)
			if err != nil {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, buf[:n]); err != nil {
				b.log.Warnf("writing to %s: %v", r.RemoteAddr, err)
				return
			}
		}
	}()

	// Client-to-server pump.
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if kind != websocket.TextMessage || len(data) > wire.MaxFrameSize {
			continue
		}
		if _, err := udp.Write(data); err != nil {
			b.log.Warnf("forwarding for %s: %v", r.RemoteAddr, err)
			break
		}
	}

	udp.Close()
	<-done
	b.log.Infof("client %s disconnected", r.RemoteAddr)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() error {
	_ = godotenv.Load()

	serverAddr, err := net.ResolveUDPAddr("udp", envOr("SERVER_ADDR", defaultServerAddr))
	if err != nil {
		return fmt.Errorf("resolving SERVER_ADDR: %w", err)
	}

	b := &bridge{
		serverAddr: serverAddr,
		log:        logging.NewDefaultLoggerFactory().NewLogger("bridge"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)

	listenAddr := envOr("BRIDGE_ADDR", defaultBridgeAddr)
	b.log.Infof("relaying %s <-> %s", listenAddr, serverAddr)
	return http.ListenAndServe(listenAddr, mux)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
