// Package rpc is the Daemon RPC Client (spec.md §3): a generic
// JSON-RPC-over-HTTP client for a coin daemon's block-template/submit
// surface, plus the multi-endpoint failover manager in upstream.go.
//
// The donor repo declared this surface twice in the same package —
// internal/rpc/adapter.go's TOSNativeClient and internal/rpc/
// tos_client.go's TOSClient — with colliding type names
// (NativeRPCRequest, GetBlockTemplateResult, parseDifficulty, ...).
// That could not have compiled as shipped; this file reconciles the
// two into a single Client, keeping tos_client.go's field-for-field
// response shapes (they were the more complete of the two) and
// adapter.go's SearchBlockByHash/GetBlockRewardWithFees helpers.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// NativeRPCRequest is one JSON-RPC request with object params, the
// shape coin daemons in this family expect.
type NativeRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

// RPCResponse is a JSON-RPC response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// BlockTemplate is a daemon-agnostic mining block template, populated
// from whichever daemon response shape the CoinFamily's RPC method
// returns.
type BlockTemplate struct {
	HeaderHash   string
	ParentHash   string
	Height       uint64
	TopoHeight   uint64
	Timestamp    uint64
	Difficulty   uint64
	Target       string
	ExtraNonce   string
	Transactions []byte
}

// BlockInfo describes a single confirmed block.
type BlockInfo struct {
	Hash         string
	ParentHash   string
	Height       uint64
	Timestamp    uint64
	Difficulty   uint64
	TotalDiff    string
	Nonce        string
	Miner        string
	Reward       uint64
	Size         uint64
	Transactions int
	TxFees       uint64
}

// NetworkInfo is a snapshot of the daemon's chain-tip and peering state.
type NetworkInfo struct {
	Height     uint64
	Difficulty uint64
	PeerCount  int
	Syncing    bool
}

type getBlockTemplateResult struct {
	Template   string `json:"template"`
	Algorithm  string `json:"algorithm"`
	Height     uint64 `json:"height"`
	TopoHeight uint64 `json:"topoheight"`
	Difficulty string `json:"difficulty"`
}

type getInfoResult struct {
	Height           uint64 `json:"height"`
	TopoHeight       uint64 `json:"topoheight"`
	TopBlockHash     string `json:"top_block_hash"`
	Difficulty       string `json:"difficulty"`
	Version          string `json:"version"`
	Network          string `json:"network"`
}

type p2pStatusResult struct {
	PeerCount      int    `json:"peer_count"`
	OurTopoHeight  uint64 `json:"our_topoheight"`
	BestTopoHeight uint64 `json:"best_topoheight"`
}

type rpcBlockResponse struct {
	Hash                 string   `json:"hash"`
	TopoHeight           uint64   `json:"topoheight"`
	Difficulty           string   `json:"difficulty"`
	CumulativeDifficulty string   `json:"cumulative_difficulty"`
	MinerReward          uint64   `json:"miner_reward"`
	TotalFees            uint64   `json:"total_fees"`
	TotalSizeInBytes     uint64   `json:"total_size_in_bytes"`
	Tips                 []string `json:"tips"`
	Timestamp            uint64   `json:"timestamp"`
	Nonce                uint64   `json:"nonce"`
	Miner                string   `json:"miner"`
	TxsHashes            []string `json:"txs_hashes"`
}

type getBalanceResult struct {
	Balance    uint64 `json:"balance"`
	TopoHeight uint64 `json:"topoheight"`
}

type getNonceResult struct {
	TopoHeight uint64 `json:"topoheight"`
	Nonce      uint64 `json:"nonce"`
}

// NativeAssetHash is the asset identifier daemons in this family use
// for their native coin (as opposed to a secondary token).
const NativeAssetHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Client talks to a single coin-daemon RPC endpoint.
type Client struct {
	url          string
	httpClient   *http.Client
	requestID    uint64
	minerAddress string

	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewClient constructs a Client for the given daemon URL.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		healthy:    true,
	}
}

// SetMinerAddress sets the address used for get_block_template calls.
func (c *Client) SetMinerAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minerAddress = address
}

// IsHealthy reports whether the client's last calls have been
// succeeding.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := NativeRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}
	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
	}
	c.lastCheck = time.Now()
}

// GetBlockTemplate fetches a new mining block template for the
// client's configured miner address.
func (c *Client) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	c.mu.RLock()
	addr := c.minerAddress
	c.mu.RUnlock()

	result, err := c.call(ctx, "get_block_template", map[string]string{"address": addr})
	if err != nil {
		return nil, err
	}

	var tpl getBlockTemplateResult
	if err := json.Unmarshal(result, &tpl); err != nil {
		return nil, err
	}

	return &BlockTemplate{
		HeaderHash: tpl.Template,
		Height:     tpl.Height,
		TopoHeight: tpl.TopoHeight,
		Target:     difficultyToTarget(tpl.Difficulty),
		Difficulty: parseDifficulty(tpl.Difficulty),
		Timestamp:  uint64(time.Now().UnixMilli()),
	}, nil
}

// SubmitBlock submits a solved block template to the daemon.
func (c *Client) SubmitBlock(ctx context.Context, blockTemplate, minerWork string) (bool, error) {
	params := map[string]string{"block_template": blockTemplate}
	if minerWork != "" {
		params["miner_work"] = minerWork
	}

	result, err := c.call(ctx, "submit_block", params)
	if err != nil {
		return false, err
	}

	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// GetBlockByNumber fetches a confirmed block by height (topoheight).
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (*BlockInfo, error) {
	result, err := c.call(ctx, "get_block_at_topoheight", map[string]interface{}{
		"topoheight": number, "include_txs": false,
	})
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil
	}

	var block rpcBlockResponse
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, err
	}
	return convertBlockResponse(&block), nil
}

// GetLatestBlock fetches the current chain tip.
func (c *Client) GetLatestBlock(ctx context.Context) (*BlockInfo, error) {
	result, err := c.call(ctx, "get_top_block", map[string]interface{}{"include_txs": false})
	if err != nil {
		return nil, err
	}

	var block rpcBlockResponse
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, err
	}
	return convertBlockResponse(&block), nil
}

// GetNetworkInfo combines the daemon's chain info and peer status into
// one snapshot.
func (c *Client) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	infoResult, err := c.call(ctx, "get_info", nil)
	if err != nil {
		return nil, err
	}

	var info getInfoResult
	if err := json.Unmarshal(infoResult, &info); err != nil {
		return nil, err
	}

	p2pResult, err := c.call(ctx, "p2p_status", nil)
	if err != nil {
		return &NetworkInfo{Height: info.TopoHeight, Difficulty: parseDifficulty(info.Difficulty)}, nil
	}

	var p2p p2pStatusResult
	if err := json.Unmarshal(p2pResult, &p2p); err != nil {
		return nil, err
	}

	return &NetworkInfo{
		Height:     info.TopoHeight,
		Difficulty: parseDifficulty(info.Difficulty),
		PeerCount:  p2p.PeerCount,
		Syncing:    p2p.OurTopoHeight < p2p.BestTopoHeight,
	}, nil
}

// GetBalance returns the native-asset balance of address.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	result, err := c.call(ctx, "get_balance", map[string]string{"address": address, "asset": NativeAssetHash})
	if err != nil {
		return 0, err
	}
	var bal getBalanceResult
	if err := json.Unmarshal(result, &bal); err != nil {
		return 0, err
	}
	return bal.Balance, nil
}

// GetNonce returns the account nonce of address.
func (c *Client) GetNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.call(ctx, "get_nonce", map[string]string{"address": address})
	if err != nil {
		return 0, err
	}
	var n getNonceResult
	if err := json.Unmarshal(result, &n); err != nil {
		return 0, err
	}
	return n.Nonce, nil
}

// GetTopoHeight returns the daemon's current topological height.
func (c *Client) GetTopoHeight(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "get_topoheight", nil)
	if err != nil {
		return 0, err
	}
	var h uint64
	if err := json.Unmarshal(result, &h); err != nil {
		return 0, err
	}
	return h, nil
}

// GetDifficulty returns the current network difficulty.
func (c *Client) GetDifficulty(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "get_difficulty", nil)
	if err != nil {
		return 0, err
	}
	var diffStr string
	if err := json.Unmarshal(result, &diffStr); err != nil {
		return 0, err
	}
	return parseDifficulty(diffStr), nil
}

// GetVersion returns the daemon's reported version string.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "get_version", nil)
	if err != nil {
		return "", err
	}
	var v string
	if err := json.Unmarshal(result, &v); err != nil {
		return "", err
	}
	return v, nil
}

// SearchBlockByHash scans outward from centerHeight for a block whose
// hash matches targetHash, used to locate a just-submitted block's
// confirmation when the daemon does not echo it back directly.
func (c *Client) SearchBlockByHash(ctx context.Context, targetHash string, centerHeight uint64, searchRange int) (*BlockInfo, error) {
	for offset := 0; offset <= searchRange; offset++ {
		height := centerHeight + uint64(offset)
		if block, err := c.GetBlockByNumber(ctx, height); err == nil && block != nil && block.Hash == targetHash {
			return block, nil
		}
		if offset > 0 && centerHeight >= uint64(offset) {
			height = centerHeight - uint64(offset)
			if block, err := c.GetBlockByNumber(ctx, height); err == nil && block != nil && block.Hash == targetHash {
				return block, nil
			}
		}
	}
	return nil, nil
}

// GetBlockRewardWithFees returns the miner reward and fee total for a
// confirmed block, used when reconciling a block candidate after
// submission.
func (c *Client) GetBlockRewardWithFees(ctx context.Context, blockNumber uint64) (uint64, uint64, error) {
	block, err := c.GetBlockByNumber(ctx, blockNumber)
	if err != nil || block == nil {
		return 0, 0, err
	}
	return block.Reward, block.TxFees, nil
}

func convertBlockResponse(native *rpcBlockResponse) *BlockInfo {
	var parentHash string
	if len(native.Tips) > 0 {
		parentHash = native.Tips[0]
	}

	return &BlockInfo{
		Hash:         native.Hash,
		ParentHash:   parentHash,
		Height:       native.TopoHeight,
		Timestamp:    native.Timestamp / 1000,
		Difficulty:   parseDifficulty(native.Difficulty),
		TotalDiff:    native.CumulativeDifficulty,
		Nonce:        fmt.Sprintf("0x%x", native.Nonce),
		Miner:        native.Miner,
		Reward:       native.MinerReward,
		Size:         native.TotalSizeInBytes,
		Transactions: len(native.TxsHashes),
		TxFees:       native.TotalFees,
	}
}

func parseDifficulty(diffStr string) uint64 {
	diff := new(big.Int)
	diff.SetString(diffStr, 10)
	return diff.Uint64()
}

func difficultyToTarget(diffStr string) string {
	diff := new(big.Int)
	diff.SetString(diffStr, 10)
	maxTarget := new(big.Int).Lsh(big.NewInt(1), 256)
	maxTarget.Sub(maxTarget, big.NewInt(1))
	if diff.Sign() == 0 {
		return fmt.Sprintf("%064x", maxTarget)
	}

	target := new(big.Int).Div(maxTarget, diff)
	return fmt.Sprintf("%064x", target)
}
