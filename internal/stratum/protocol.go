// Package stratum implements the mining wire protocol: line-delimited
// JSON-RPC 2.0 over TCP (optionally TLS), a per-connection Session, and
// a multi-port Server that accepts, registers, and broadcasts to
// sessions.
//
// The core here only routes requests to a Dispatcher by method name; it
// does not interpret mining.submit/mining.authorize params beyond
// counting them (spec.md §6: "Method names and params are coin-family
// specific; the core does not interpret them beyond routing"). The
// Dispatcher (implemented by internal/pool.Pool) owns everything
// coin-family specific.
//
// Grounded on the donor's internal/slave/stratum.go almost component
// for component; its numeric error codes are replaced with spec.md
// §6/§8's exact set.
package stratum

import "encoding/json"

// Wire-level error codes (spec.md §6's exact numbering). These are
// shared across the protocol layer; internal/validator defines the
// same values independently for its own callers, since the two
// packages must not depend on each other.
const (
	ErrCodeStale        = -1 // stale share or duplicate share
	ErrCodeOther        = 20 // malformed submission / internal failure
	ErrCodeLowDiff      = 23 // low difficulty share
	ErrCodeUnauthorized = 24 // unauthorized worker
	ErrCodeNotSubscribed = 25 // mining.submit before mining.subscribe
	ErrCodeJobNotFound  = -2
)

// Request is one parsed JSON-RPC request line from a miner.
type Request struct {
	ID     interface{}       `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// StringParam returns Params[i] decoded as a string, or "" if out of
// range or not a string.
func (r *Request) StringParam(i int) string {
	if i < 0 || i >= len(r.Params) {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Params[i], &s); err != nil {
		return ""
	}
	return s
}

// StringParams decodes every element of Params as a string, skipping
// any that aren't (used by mining.submit, whose params are all
// strings regardless of coin family).
func (r *Request) StringParams() []string {
	out := make([]string, 0, len(r.Params))
	for _, raw := range r.Params {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// response is the JSON-RPC response envelope sent back to a miner.
type response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// notify is a server-initiated notification (mining.notify,
// mining.set_difficulty) carrying no id.
type notify struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// RPCError is an error a Dispatcher method returns; Code becomes the
// JSON-RPC error object's numeric code sent back to the worker.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return e.Message }

// Dispatcher is the pool-level request handler a Server forwards
// parsed requests to. internal/pool.Pool implements this, wiring the
// Job Manager, Share Validator, and Vardiff Controller behind it.
type Dispatcher interface {
	// OnConnect is invoked once per accepted connection, before any
	// request is read (spec.md §4.2 step 4).
	OnConnect(s *Session)

	// OnDisconnect is invoked once a session's I/O loop exits.
	OnDisconnect(s *Session)

	OnSubscribe(s *Session, req *Request) (result interface{}, rpcErr *RPCError)
	OnAuthorize(s *Session, req *Request) (result interface{}, rpcErr *RPCError)
	OnSubmit(s *Session, req *Request) (result interface{}, rpcErr *RPCError)
	OnExtranonceSubscribe(s *Session, req *Request) (result interface{}, rpcErr *RPCError)
}
