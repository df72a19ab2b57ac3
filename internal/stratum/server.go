package stratum

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/corepool/stratumd/internal/config"
	"github.com/corepool/stratumd/internal/log"
)

// listenConfig enables SO_REUSEADDR on every bound listener (spec.md
// §4.2: "address reuse enabled"). The accept backlog itself is left to
// the kernel's somaxconn, which on Linux already exceeds the spec's
// 512 floor on any reasonably configured host; Go's net package has no
// portable way to request a specific backlog.
var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

// BanChecker is the narrow capability the Server needs from a Banning
// Manager: reject banned peers on accept, and report junk frames.
// internal/ban.Manager satisfies this.
type BanChecker interface {
	IsBanned(addr string) bool
	Ban(addr string, duration time.Duration)
	ReportJunkReceived(addr string)
}

// Server listens on one or more TCP endpoints for one pool, accepts
// connections into Sessions, and fans out job/difficulty broadcasts to
// all registered sessions (spec.md §4.2).
type Server struct {
	poolID     string
	listeners  []config.StratumListener
	dispatcher Dispatcher
	bans       BanChecker

	netListeners []net.Listener

	sessionsMu sync.RWMutex
	sessions   map[string]*Session
	sessionSeq uint64
	extraNonce uint32

	quit chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Server for one pool's configured listeners.
func New(poolID string, listeners []config.StratumListener, dispatcher Dispatcher, bans BanChecker) *Server {
	return &Server{
		poolID:     poolID,
		listeners:  listeners,
		dispatcher: dispatcher,
		bans:       bans,
		sessions:   make(map[string]*Session),
		quit:       make(chan struct{}),
	}
}

// Start binds every configured listener and begins accepting
// connections. Listener setup failures are collected; the server
// starts whichever listeners did succeed.
func (srv *Server) Start() error {
	var errs []string
	for _, l := range srv.listeners {
		listener, err := srv.bind(l)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		srv.netListeners = append(srv.netListeners, listener)
		srv.wg.Add(1)
		go srv.acceptLoop(listener)
	}

	if len(srv.netListeners) == 0 {
		if len(errs) > 0 {
			return fmt.Errorf("pool %s: no stratum listener could be bound: %s", srv.poolID, strings.Join(errs, "; "))
		}
		return fmt.Errorf("pool %s: no stratum listeners configured", srv.poolID)
	}
	if len(errs) > 0 {
		log.Warnf("pool %s: some stratum listeners failed to bind: %s", srv.poolID, strings.Join(errs, "; "))
	}
	return nil
}

func (srv *Server) bind(l config.StratumListener) (net.Listener, error) {
	addr := net.JoinHostPort(l.Address, strconv.Itoa(l.Port))

	if !l.TLS {
		listener, err := listenConfig.Listen(context.Background(), "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", addr, err)
		}
		log.Infof("pool %s: stratum listening on %s", srv.poolID, addr)
		return listener, nil
	}

	cert, err := loadPFXCertificate(l.TLSPFXPath, l.TLSPFXPassword)
	if err != nil {
		return nil, fmt.Errorf("loading TLS cert for %s: %w", addr, err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{*cert}}
	rawListener, err := listenConfig.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding TLS %s: %w", addr, err)
	}
	listener := tls.NewListener(rawListener, tlsConfig)
	log.Infof("pool %s: stratum TLS listening on %s", srv.poolID, addr)
	return listener, nil
}

// Stop closes every listener and session, and waits for accept loops to
// drain.
func (srv *Server) Stop() {
	close(srv.quit)
	for _, l := range srv.netListeners {
		l.Close()
	}

	srv.sessionsMu.RLock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.sessionsMu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}

	srv.wg.Wait()
	log.Infof("pool %s: stratum server stopped", srv.poolID)
}

func (srv *Server) acceptLoop(listener net.Listener) {
	defer srv.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return
			default:
				log.Warnf("pool %s: accept error: %v", srv.poolID, err)
				continue
			}
		}

		srv.AcceptConn(conn)
	}
}

// AcceptConn registers conn as a session and runs its read/write loops.
// acceptLoop uses this for raw TCP connections; WebSocketServer uses it
// for upgraded websocket connections wrapped in a net.Conn adapter, so
// both transports share one Session ordering and dispatch path.
func (srv *Server) AcceptConn(conn net.Conn) {
	ip := ExtractIP(conn.RemoteAddr().String())
	if srv.bans != nil && srv.bans.IsBanned(ip) {
		conn.Close()
		return
	}

	session := srv.register(conn)
	srv.wg.Add(1)
	go srv.runSession(session)
}

func (srv *Server) register(conn net.Conn) *Session {
	id := atomic.AddUint64(&srv.sessionSeq, 1)
	extraNonce := atomic.AddUint32(&srv.extraNonce, 1)

	var listenerCfg config.StratumListener
	if len(srv.listeners) > 0 {
		listenerCfg = srv.listeners[0]
	}

	session := newSession(
		fmt.Sprintf("%d", id),
		srv.poolID,
		conn,
		fmt.Sprintf("%08x", extraNonce),
		4,
		listenerCfg.InitialDifficulty,
		listenerCfg.IdleTimeout,
	)

	srv.sessionsMu.Lock()
	srv.sessions[session.ID] = session
	srv.sessionsMu.Unlock()

	return session
}

func (srv *Server) runSession(s *Session) {
	defer srv.wg.Done()
	defer func() {
		srv.sessionsMu.Lock()
		delete(srv.sessions, s.ID)
		srv.sessionsMu.Unlock()
		s.Close()
		if srv.dispatcher != nil {
			srv.dispatcher.OnDisconnect(s)
		}
		log.Debugf("pool %s: %s disconnected", srv.poolID, s)
	}()

	log.Debugf("pool %s: %s connected", srv.poolID, s)
	if srv.dispatcher != nil {
		srv.dispatcher.OnConnect(s)
	}

	go s.writeLoop()
	s.readLoop(srv)
}

func (srv *Server) reportJunk(s *Session) {
	if srv.bans == nil {
		return
	}
	ip := ExtractIP(s.RemoteAddr)
	srv.bans.ReportJunkReceived(ip)
}

// dispatch routes a parsed request to the Dispatcher by method name.
// The core never looks inside params beyond this routing.
func (srv *Server) dispatch(s *Session, req *Request) {
	var (
		result interface{}
		rpcErr *RPCError
	)

	switch req.Method {
	case "mining.subscribe":
		result, rpcErr = srv.dispatcher.OnSubscribe(s, req)
	case "mining.authorize":
		result, rpcErr = srv.dispatcher.OnAuthorize(s, req)
	case "mining.submit":
		result, rpcErr = srv.dispatcher.OnSubmit(s, req)
	case "mining.extranonce.subscribe":
		result, rpcErr = srv.dispatcher.OnExtranonceSubscribe(s, req)
	default:
		rpcErr = &RPCError{Code: ErrCodeOther, Message: "method not found"}
	}

	if rpcErr != nil {
		s.sendError(req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	s.sendResult(req.ID, result)
}

// Broadcast delivers a job notification to every authorized session
// (spec.md §4.2: "a fan-out snapshot... one session's slow consumer
// does not stall others"). preNotify, if non-nil, runs for each session
// immediately before its job notification is sent, so a caller tracking
// per-session vardiff state can apply a pending difficulty change and
// have it ride along with the same notification (spec.md §4.5: "a
// difficulty change does not take effect until the next job").
func (srv *Server) Broadcast(jobID, headerHex, target string, height uint64, cleanJobs bool, preNotify func(s *Session)) {
	for _, s := range srv.snapshot() {
		if !s.Authorized() {
			continue
		}
		if preNotify != nil {
			preNotify(s)
		}
		s.NotifyJob(jobID, headerHex, target, height, cleanJobs)
	}
}

func (srv *Server) snapshot() []*Session {
	srv.sessionsMu.RLock()
	defer srv.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount returns the number of currently connected sessions.
func (srv *Server) SessionCount() int {
	srv.sessionsMu.RLock()
	defer srv.sessionsMu.RUnlock()
	return len(srv.sessions)
}

// AuthorizedCount returns the number of currently authorized sessions.
func (srv *Server) AuthorizedCount() int {
	count := 0
	for _, s := range srv.snapshot() {
		if s.Authorized() {
			count++
		}
	}
	return count
}

// ExtractIP strips the port from a net.Conn-style "host:port" address,
// for keying the Banning Manager's address table. Exported so a
// Dispatcher can key its own invalid-share reporting the same way.
func ExtractIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		ip := remoteAddr[:idx]
		ip = strings.TrimPrefix(ip, "[")
		ip = strings.TrimSuffix(ip, "]")
		return ip
	}
	return remoteAddr
}
