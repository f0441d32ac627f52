// Package testgateway is an in-process fake OpenClaw gateway used only by
// tests, adapted from the teacher's server/server.go accept-loop (an
// http.Server with a websocket.Upgrader on "/ws", spawning one goroutine per
// accepted connection) so the transport, router, event bus, and reconnect
// controller can be driven against a real *websocket.Conn pair instead of
// hand-rolled mocks.
package testgateway

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
)

// Gateway is a scriptable fake server: tests register an OnMessage hook to
// answer requests, and call Broadcast to push frames to connected clients.
type Gateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	onMessage func(conn *websocket.Conn, data []byte)
	onConnect func(conn *websocket.Conn)
}

// New starts the fake gateway listening on an ephemeral local port.
func New() *Gateway {
	g := &Gateway{
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		onConnect := g.onConnect
		g.mu.Unlock()

		if onConnect != nil {
			onConnect(conn)
		}
		g.acceptLoop(conn)
	})

	g.srv = httptest.NewServer(mux)
	return g
}

// acceptLoop mirrors the teacher's handleWebSocketClient goroutine: it reads
// frames from one connection until the client disconnects.
func (g *Gateway) acceptLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.mu.Lock()
		handler := g.onMessage
		g.mu.Unlock()
		if handler != nil {
			handler(conn, data)
		}
	}
}

// SetOnMessage registers the callback invoked for every text frame a
// connected client sends. Typically used to answer requests by id/method.
func (g *Gateway) SetOnMessage(fn func(conn *websocket.Conn, data []byte)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onMessage = fn
}

// SetOnConnect registers a callback invoked with each newly accepted
// connection, useful for pushing an initial frame immediately on connect.
func (g *Gateway) SetOnConnect(fn func(conn *websocket.Conn)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onConnect = fn
}

// Broadcast writes data as a text frame to every currently connected client.
func (g *Gateway) Broadcast(data []byte) {
	g.mu.Lock()
	conns := append([]*websocket.Conn(nil), g.conns...)
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
}

// HostPort returns the host and port the transport should dial.
func (g *Gateway) HostPort() (string, int) {
	u, err := url.Parse(g.srv.URL)
	if err != nil {
		return "127.0.0.1", 0
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "127.0.0.1", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Close tears down the fake gateway and all accepted connections.
func (g *Gateway) Close() {
	g.mu.Lock()
	conns := append([]*websocket.Conn(nil), g.conns...)
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	g.srv.Close()
}
