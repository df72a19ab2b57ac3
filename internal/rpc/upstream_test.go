package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/corepool/stratumd/internal/config"
)

func mockDaemon(t *testing.T, height uint64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req NativeRPCRequest
		json.NewDecoder(r.Body).Decode(&req)

		var result interface{}
		switch req.Method {
		case "get_top_block":
			result = rpcBlockResponse{Hash: "abc", TopoHeight: height}
		default:
			result = nil
		}

		b, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", ID: req.ID, Result: b})
	}))
}

func TestUpstreamManagerSelectsHighestWeight(t *testing.T) {
	low := mockDaemon(t, 10)
	defer low.Close()
	high := mockDaemon(t, 20)
	defer high.Close()

	daemons := []config.DaemonConfig{
		{URL: low.URL, Weight: 1},
		{URL: high.URL, Weight: 5},
	}

	mgr := NewUpstreamManager(context.Background(), daemons, "addr")
	mgr.checkAllUpstreams()

	if mgr.GetClient().url != high.URL {
		t.Fatalf("expected the higher-weight daemon to be active, got %s", mgr.GetClient().url)
	}
}

func TestUpstreamManagerFailsOverOnUnhealthy(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()
	alive := mockDaemon(t, 1)
	defer alive.Close()

	daemons := []config.DaemonConfig{
		{URL: dead.URL, Weight: 5},
		{URL: alive.URL, Weight: 1},
	}

	mgr := NewUpstreamManager(context.Background(), daemons, "addr")
	for i := 0; i < 3; i++ {
		mgr.checkAllUpstreams()
	}

	if !mgr.HasHealthyUpstream() {
		t.Fatal("expected at least one healthy upstream")
	}
	if mgr.GetClient().url != alive.URL {
		t.Fatalf("expected failover to the alive daemon, got %s", mgr.GetClient().url)
	}
}

func TestCallWithFailover(t *testing.T) {
	alive := mockDaemon(t, 1)
	defer alive.Close()

	daemons := []config.DaemonConfig{{URL: alive.URL, Weight: 1}}
	mgr := NewUpstreamManager(context.Background(), daemons, "addr")

	called := false
	err := mgr.CallWithFailover(func(c *Client) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("CallWithFailover did not invoke fn cleanly: called=%v err=%v", called, err)
	}
}

func TestNewUpstreamManagerAppliesDefaults(t *testing.T) {
	daemons := []config.DaemonConfig{{URL: "http://127.0.0.1:1"}}
	mgr := NewUpstreamManager(context.Background(), daemons, "addr")
	if mgr.upstreams[0].weight != 1 {
		t.Fatalf("expected default weight 1, got %d", mgr.upstreams[0].weight)
	}
}
