package stratum

import (
	"bytes"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corepool/stratumd/internal/log"
)

// WebSocketServer is a supplemental transport for the same stratum
// protocol, for miners that speak JSON-RPC over a websocket instead of
// a raw TCP line stream. Grounded on the donor's
// internal/slave/websocket.go, but rewritten to funnel every connection
// through wsConn into the same Server.AcceptConn/Session path the TCP
// listener uses, rather than duplicating a parallel client/dispatch
// type as the donor did.
type WebSocketServer struct {
	addr   string
	server *Server

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewWebSocketServer constructs a websocket front-end that delivers
// connections to server.
func NewWebSocketServer(addr string, server *Server) *WebSocketServer {
	return &WebSocketServer{
		addr:   addr,
		server: server,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start begins serving websocket upgrades on addr.
func (ws *WebSocketServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", ws.handleUpgrade)

	ws.httpSrv = &http.Server{Addr: ws.addr, Handler: mux}

	go func() {
		if err := ws.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("pool %s: websocket server error: %v", ws.server.poolID, err)
		}
	}()

	log.Infof("pool %s: websocket stratum listening on %s", ws.server.poolID, ws.addr)
	return nil
}

// Stop shuts the websocket listener down.
func (ws *WebSocketServer) Stop() {
	if ws.httpSrv != nil {
		ws.httpSrv.Close()
	}
}

func (ws *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("pool %s: websocket upgrade failed: %v", ws.server.poolID, err)
		return
	}
	ws.server.AcceptConn(newWSConn(conn))
}

// wsConn adapts a gorilla/websocket message-oriented connection to the
// net.Conn byte-stream interface Session expects, so the same
// line-delimited JSON-RPC codec drives both transports. Each inbound
// websocket message is treated as exactly one line; each outbound
// write (already newline-terminated by Session.enqueue) becomes one
// text message with the newline trimmed.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	readMu  sync.Mutex
	readBuf []byte
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.readBuf) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.readBuf = append(data, '\n')
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := bytes.TrimRight(p, "\n")
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.conn.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error      { return c.conn.UnderlyingConn().SetDeadline(t) }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
