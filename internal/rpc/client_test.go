package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func mockNativeRPCServer(t *testing.T, handler func(req NativeRPCRequest) (interface{}, *RPCError)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		var req NativeRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}

		result, rpcErr := handler(req)

		resp := RPCResponse{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			b, _ := json.Marshal(result)
			resp.Result = b
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:18081", 30*time.Second)
	if c.url != "http://localhost:18081" {
		t.Fatalf("url = %s", c.url)
	}
	if !c.IsHealthy() {
		t.Fatal("new client should start healthy")
	}
}

func TestRPCErrorError(t *testing.T) {
	e := &RPCError{Code: -2, Message: "job not found"}
	if e.Error() != "rpc error -2: job not found" {
		t.Fatalf("Error() = %q", e.Error())
	}
}

func TestGetBlockTemplate(t *testing.T) {
	srv := mockNativeRPCServer(t, func(req NativeRPCRequest) (interface{}, *RPCError) {
		if req.Method != "get_block_template" {
			t.Errorf("method = %s", req.Method)
		}
		return getBlockTemplateResult{
			Template: "deadbeef", Height: 100, TopoHeight: 100, Difficulty: "1000000",
		}, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	c.SetMinerAddress("pool1address")

	tpl, err := c.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if tpl.Height != 100 || tpl.HeaderHash != "deadbeef" {
		t.Fatalf("unexpected template: %+v", tpl)
	}
	if tpl.Target == "" {
		t.Fatal("expected non-empty target")
	}
}

func TestGetBlockTemplateRPCError(t *testing.T) {
	srv := mockNativeRPCServer(t, func(req NativeRPCRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -1, Message: "not ready"}
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	for i := 0; i < 3; i++ {
		if _, err := c.GetBlockTemplate(context.Background()); err == nil {
			t.Fatal("expected an error")
		}
	}
	if c.IsHealthy() {
		t.Fatal("client should be marked unhealthy after repeated failures")
	}
}

func TestSubmitBlock(t *testing.T) {
	srv := mockNativeRPCServer(t, func(req NativeRPCRequest) (interface{}, *RPCError) {
		if req.Method != "submit_block" {
			t.Errorf("method = %s", req.Method)
		}
		return true, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	ok, err := c.SubmitBlock(context.Background(), "deadbeef", "")
	if err != nil || !ok {
		t.Fatalf("SubmitBlock = %v, %v", ok, err)
	}
}

func TestGetBlockByNumberNull(t *testing.T) {
	srv := mockNativeRPCServer(t, func(req NativeRPCRequest) (interface{}, *RPCError) {
		return nil, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	block, err := c.GetBlockByNumber(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetBlockByNumber: %v", err)
	}
	if block != nil {
		t.Fatalf("expected nil block for null result, got %+v", block)
	}
}

func TestGetNetworkInfoFallsBackWithoutP2P(t *testing.T) {
	call := 0
	srv := mockNativeRPCServer(t, func(req NativeRPCRequest) (interface{}, *RPCError) {
		call++
		if req.Method == "get_info" {
			return getInfoResult{Height: 5, TopoHeight: 5, Difficulty: "42"}, nil
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	info, err := c.GetNetworkInfo(context.Background())
	if err != nil {
		t.Fatalf("GetNetworkInfo: %v", err)
	}
	if info.Height != 5 || info.Difficulty != 42 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestDifficultyToTargetZero(t *testing.T) {
	target := difficultyToTarget("0")
	if len(target) != 64 {
		t.Fatalf("expected a 64-char hex target, got %d chars", len(target))
	}
}

func TestParseDifficulty(t *testing.T) {
	if got := parseDifficulty("123456"); got != 123456 {
		t.Fatalf("parseDifficulty = %d", got)
	}
}
