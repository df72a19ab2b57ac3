package pool

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/corepool/stratumd/internal/coinfamily/toshash"
	"github.com/corepool/stratumd/internal/config"
	"github.com/corepool/stratumd/internal/job"
	"github.com/corepool/stratumd/internal/stratum"
	"github.com/corepool/stratumd/internal/validator"
	"github.com/corepool/stratumd/internal/vardiff"
)

// newTestPool builds a Pool with its dispatcher-facing pieces wired but
// no live upstream/job-refresh goroutines running (job.New is given a
// nil upstream and bus, safe since Start is never called), mirroring
// the style internal/job and internal/stratum use to exercise wiring
// without a real daemon or listener.
func newTestPool() *Pool {
	cfg := config.PoolConfig{
		ID:         "xmr1",
		CoinFamily: "toshash",
		Stratums:   []config.StratumListener{{InitialDifficulty: 1000}},
		Vardiff: config.VardiffConfig{
			MinDifficulty:    100,
			MaxDifficulty:    1e9,
			TargetTime:       10 * time.Second,
			RetargetInterval: 90 * time.Second,
			VariancePercent:  30,
			SampleSize:       8,
		},
	}

	family := toshash.Family{}
	jobs := job.New(cfg, family, nil, nil)

	p := &Pool{
		cfg:      cfg,
		family:   family,
		jobs:     jobs,
		vardiffs: make(map[string]*vardiff.Controller),
	}
	p.validator = validator.New(family, p.jobs)
	p.server = stratum.New(cfg.ID, cfg.Stratums, p, nil)
	return p
}

// fakeAddrConn overrides RemoteAddr on a net.Pipe end, which otherwise
// reports a fixed "pipe" address unsuitable for ban-table keys.
// Grounded on the identical helper in internal/stratum/server_test.go.
type fakeAddrConn struct {
	net.Conn
	remote string
}

func (c *fakeAddrConn) RemoteAddr() net.Addr { return fakeAddr(c.remote) }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// dial wires a session into p's stratum server via a net.Pipe, bypassing
// a real TCP listener, and returns the client-side line reader/writer.
func dial(p *Pool, remoteAddr string) (write func(method string, params ...string), read func() map[string]interface{}, closeConn func()) {
	server, client := net.Pipe()
	conn := &fakeAddrConn{Conn: server, remote: remoteAddr}
	p.server.AcceptConn(conn)

	reader := bufio.NewReader(client)

	write = func(method string, params ...string) {
		req := struct {
			ID     int      `json:"id"`
			Method string   `json:"method"`
			Params []string `json:"params"`
		}{ID: 1, Method: method, Params: params}
		data, _ := json.Marshal(req)
		data = append(data, '\n')
		client.Write(data)
	}

	read = func() map[string]interface{} {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		var msg map[string]interface{}
		json.Unmarshal([]byte(line), &msg)
		return msg
	}

	closeConn = func() { client.Close() }
	return
}

func TestParseWorkerID(t *testing.T) {
	cases := []struct {
		login       string
		wantAddress string
		wantWorker  string
	}{
		{"tos1abc.rig1", "tos1abc", "rig1"},
		{"tos1abc", "tos1abc", "default"},
		{"tos1abc.rig1.extra", "tos1abc", "rig1.extra"},
	}
	for _, c := range cases {
		addr, worker := parseWorkerID(c.login)
		if addr != c.wantAddress || worker != c.wantWorker {
			t.Fatalf("parseWorkerID(%q) = (%q, %q), want (%q, %q)", c.login, addr, worker, c.wantAddress, c.wantWorker)
		}
	}
}

func TestResolveCoinFamilyKnownAndUnknown(t *testing.T) {
	if _, err := resolveCoinFamily("toshash"); err != nil {
		t.Fatalf("expected toshash to resolve, got %v", err)
	}
	if _, err := resolveCoinFamily("nonexistent-coin"); err == nil {
		t.Fatal("expected an error for an unknown coin family")
	}
}

func TestNewRejectsUnknownCoinFamily(t *testing.T) {
	cfg := config.PoolConfig{ID: "bad1", CoinFamily: "nonexistent-coin"}
	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("expected New to reject an unknown coin family")
	}
}

func TestShortAddress(t *testing.T) {
	if got := shortAddress("short"); got != "short" {
		t.Fatalf("expected short addresses to pass through unchanged, got %q", got)
	}
	long := "tos1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if got := shortAddress(long); len(got) != 16 {
		t.Fatalf("expected a 16-char truncation, got %q (len %d)", got, len(got))
	}
}

func TestOnSubscribeSendsCapabilitiesAndInitialDifficulty(t *testing.T) {
	p := newTestPool()
	w, r, c := dial(p, "10.0.0.3:3333")
	defer c()

	w("mining.subscribe")

	// OnSubscribe enqueues the set_difficulty notification before
	// returning its result to dispatch, so it reaches the wire first;
	// the subscribe RPC response (with no current job installed) is
	// enqueued last.
	diffNotify := r()
	if diffNotify == nil || diffNotify["method"] != "mining.set_difficulty" {
		t.Fatalf("expected a mining.set_difficulty notification first, got %+v", diffNotify)
	}

	resp := r()
	if resp == nil {
		t.Fatal("expected a subscribe response")
	}
	if resp["error"] != nil {
		t.Fatalf("expected no error on subscribe, got %v", resp["error"])
	}
}

func TestOnAuthorizeCreatesVardiffController(t *testing.T) {
	p := newTestPool()
	w, r, c := dial(p, "10.0.1.1:1111")
	defer c()

	w("mining.authorize", "tos1miner.rig1")
	resp := r()
	if resp == nil || resp["error"] != nil {
		t.Fatalf("expected authorize to succeed, got %+v", resp)
	}

	time.Sleep(10 * time.Millisecond)
	p.vardiffMu.Lock()
	count := len(p.vardiffs)
	p.vardiffMu.Unlock()
	if count != 1 {
		t.Fatalf("expected one vardiff controller after authorize, got %d", count)
	}
}

func TestOnSubmitRejectsBeforeSubscribeAndAuthorize(t *testing.T) {
	p := newTestPool()
	w, r, c := dial(p, "10.0.2.1:1111")
	defer c()

	w("mining.submit", "worker", "jobid", "00000000", "00000000", "00000000")
	resp := r()
	if resp == nil || resp["error"] == nil {
		t.Fatalf("expected mining.submit before subscribe to be rejected, got %+v", resp)
	}
	if code, _ := resp["error"].(map[string]interface{})["code"].(float64); int(code) != stratum.ErrCodeNotSubscribed {
		t.Fatalf("expected ErrCodeNotSubscribed, got %v", resp["error"])
	}
}

func TestOnSubmitRejectsStaleJobAfterAuthorize(t *testing.T) {
	p := newTestPool()
	w, r, c := dial(p, "10.0.3.1:1111")
	defer c()

	w("mining.subscribe")
	r() // initial difficulty notify
	r() // subscribe response

	w("mining.authorize", "tos1miner.rig1")
	r() // authorize response

	w("mining.submit", "tos1miner.rig1", "nonexistent-job", "00000000", "00000000", "00000000")
	resp := r()
	if resp == nil || resp["error"] == nil {
		t.Fatalf("expected a submission against an unknown job to be rejected, got %+v", resp)
	}
	if code, _ := resp["error"].(map[string]interface{})["code"].(float64); int(code) != int(validator.ErrStale) {
		t.Fatalf("expected a stale-share error code, got %v", resp["error"])
	}
}

func TestOnDisconnectClearsVardiffController(t *testing.T) {
	p := newTestPool()
	w, r, c := dial(p, "10.0.4.1:1111")

	w("mining.authorize", "tos1miner.rig1")
	r()

	time.Sleep(10 * time.Millisecond)
	p.vardiffMu.Lock()
	before := len(p.vardiffs)
	p.vardiffMu.Unlock()
	if before != 1 {
		t.Fatalf("expected one vardiff controller before disconnect, got %d", before)
	}

	c()
	time.Sleep(20 * time.Millisecond)

	p.vardiffMu.Lock()
	after := len(p.vardiffs)
	p.vardiffMu.Unlock()
	if after != 0 {
		t.Fatalf("expected the vardiff controller to be released on disconnect, got %d remaining", after)
	}
}

func TestOnExtranonceSubscribeAcknowledges(t *testing.T) {
	p := newTestPool()
	w, r, c := dial(p, "10.0.5.1:1111")
	defer c()

	w("mining.extranonce.subscribe")
	resp := r()
	if resp == nil || resp["error"] != nil {
		t.Fatalf("expected mining.extranonce.subscribe to be acknowledged, got %+v", resp)
	}
}
