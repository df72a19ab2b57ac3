package stratum

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corepool/stratumd/internal/log"
)

const (
	maxRequestSize   = 1024 // bytes, a mining.submit line never needs more
	maxRequestBuffer = maxRequestSize + 64
	sendQueueDepth   = 64
)

// Session is one miner connection: created on accept, destroyed on
// disconnect or server stop (spec.md §3). It owns the connection's
// framing and write-ordering; the Dispatcher owns everything about
// what the requests mean.
type Session struct {
	ID     string
	PoolID string

	conn   net.Conn
	reader *bufio.Reader

	RemoteAddr  string
	ConnectedAt time.Time

	// Worker context, mutated under mu.
	mu                sync.RWMutex
	worker            string
	minerAddress      string
	extraNonce1       string
	extraNonce2Size   int
	difficulty        float64
	difficultyPending bool
	subscribed        bool
	authorized        bool

	lastActivity atomic.Int64 // unix nanoseconds

	idleTimeout time.Duration

	sendCh    chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id, poolID string, conn net.Conn, extraNonce1 string, extraNonce2Size int, initialDifficulty float64, idleTimeout time.Duration) *Session {
	s := &Session{
		ID:              id,
		PoolID:          poolID,
		conn:            conn,
		reader:          bufio.NewReaderSize(conn, maxRequestBuffer),
		RemoteAddr:      conn.RemoteAddr().String(),
		ConnectedAt:     time.Now(),
		extraNonce1:     extraNonce1,
		extraNonce2Size: extraNonce2Size,
		difficulty:      initialDifficulty,
		idleTimeout:     idleTimeout,
		sendCh:          make(chan []byte, sendQueueDepth),
		closed:          make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince reports how long it has been since the session last saw an
// inbound frame.
func (s *Session) IdleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// ExtraNonce1 returns the session's assigned extra-nonce prefix.
func (s *Session) ExtraNonce1() string { return s.extraNonce1 }

// ExtraNonce2Size returns the width, in bytes, of the miner-chosen
// extra-nonce suffix.
func (s *Session) ExtraNonce2Size() int { return s.extraNonce2Size }

// Difficulty returns the session's current share difficulty.
func (s *Session) Difficulty() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// SetDifficulty updates the session's active difficulty and clears any
// pending-change flag; called once the new difficulty is actually sent
// (spec.md §4.5's deferred-apply rule).
func (s *Session) SetDifficulty(d float64) {
	s.mu.Lock()
	s.difficulty = d
	s.difficultyPending = false
	s.mu.Unlock()
}

// MarkDifficultyPending records that a vardiff retarget computed a new
// difficulty not yet delivered to the miner.
func (s *Session) MarkDifficultyPending() {
	s.mu.Lock()
	s.difficultyPending = true
	s.mu.Unlock()
}

// DifficultyPending reports whether a computed difficulty change is
// still waiting for the next job notification to ride along with.
func (s *Session) DifficultyPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficultyPending
}

// Worker returns the authorized worker name ("" before authorization).
func (s *Session) Worker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

// MinerAddress returns the authorized payout address.
func (s *Session) MinerAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minerAddress
}

// Authorize records a successful mining.authorize, setting the worker
// context and the authorized flag together.
func (s *Session) Authorize(minerAddress, worker string) {
	s.mu.Lock()
	s.minerAddress = minerAddress
	s.worker = worker
	s.authorized = true
	s.mu.Unlock()
}

// Authorized reports whether mining.authorize has succeeded.
func (s *Session) Authorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authorized
}

// MarkSubscribed records a successful mining.subscribe.
func (s *Session) MarkSubscribed() {
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
}

// Subscribed reports whether mining.subscribe has succeeded.
func (s *Session) Subscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// Close tears the session down idempotently.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// NotifyJob sends a mining.notify frame: [jobID, headerHex, target,
// height, cleanJobs].
func (s *Session) NotifyJob(jobID, headerHex, target string, height uint64, cleanJobs bool) {
	s.enqueue(notify{
		Method: "mining.notify",
		Params: []interface{}{jobID, headerHex, target, height, cleanJobs},
	})
}

// NotifyDifficulty sends a mining.set_difficulty frame and applies it
// to the session's own bookkeeping.
func (s *Session) NotifyDifficulty(difficulty float64) {
	s.SetDifficulty(difficulty)
	s.enqueue(notify{
		Method: "mining.set_difficulty",
		Params: []interface{}{difficulty},
	})
}

func (s *Session) sendResult(id interface{}, result interface{}) {
	s.enqueue(response{ID: id, Result: result})
}

func (s *Session) sendError(id interface{}, code int, message string) {
	s.enqueue(response{ID: id, Error: &rpcError{Code: code, Message: message}})
}

// enqueue serializes msg and pushes it onto the session's single-writer
// send queue (spec.md §4.1: "a single-writer queue per session ...
// concurrent broadcasts from other components do not interleave
// bytes"). A full queue forcibly closes the session.
func (s *Session) enqueue(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warnf("session %s: failed to marshal outgoing message: %v", s.ID, err)
		return
	}
	data = append(data, '\n')

	select {
	case s.sendCh <- data:
	case <-s.closed:
	default:
		log.Warnf("session %s: send queue full, closing", s.ID)
		s.Close()
	}
}

// writeLoop drains the send queue onto the connection, serializing all
// writes through one goroutine.
func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if _, err := s.conn.Write(data); err != nil {
				if !isRoutineDisconnect(err) {
					log.Warnf("session %s: write error: %v", s.ID, err)
				}
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop reads line-delimited JSON-RPC requests and forwards each to
// server.dispatch. It returns once the connection closes or the session is torn
// down.
func (s *Session) readLoop(server *Server) {
	for {
		select {
		case <-s.closed:
			return
		case <-server.quit:
			return
		default:
		}

		if s.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		line, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			if !isRoutineDisconnect(err) {
				log.Debugf("session %s: read error: %v", s.ID, err)
			}
			return
		}

		if isPrefix {
			log.Warnf("session %s (%s): request exceeds buffer, likely flood", s.ID, s.RemoteAddr)
			server.reportJunk(s)
			return
		}

		s.touch()

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			server.reportJunk(s)
			s.sendError(nil, ErrCodeOther, "parse error")
			continue
		}

		server.dispatch(s, &req)
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session[%s %s]", s.ID, s.RemoteAddr)
}
