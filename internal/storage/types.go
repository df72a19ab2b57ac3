// Package storage persists validated shares and found blocks for a
// stratumd cluster. Payout accounting, balance tracking, and blacklist
// management are the teacher's; this package narrows to what the
// Message Bus actually emits (spec.md's persistence boundary is an
// external collaborator, not a spec-owned module).
package storage

// Share is the persisted record of one accepted mining.submit,
// mirroring bus.Share's fields that matter once a share has left the
// in-process bus and needs a durable home.
type Share struct {
	PoolID            string  `json:"pool_id"`
	MinerAddress      string  `json:"address"`
	Worker            string  `json:"worker"`
	ClaimedDifficulty float64 `json:"claimed_difficulty"`
	ActualDifficulty  float64 `json:"actual_difficulty"`
	NetworkDifficulty float64 `json:"network_difficulty"`
	Height            uint64  `json:"height"`
	IsBlockCandidate  bool    `json:"is_block_candidate"`
	Source            string  `json:"source"`
	Timestamp         int64   `json:"timestamp"`
}

// Block is the persisted record of a block candidate a share produced,
// pending the out-of-band maturity/orphan tracking a payout processor
// would layer on top.
type Block struct {
	PoolID    string      `json:"pool_id"`
	Height    uint64      `json:"height"`
	Finder    string      `json:"finder"`
	Status    BlockStatus `json:"status"`
	Timestamp int64       `json:"timestamp"`
}

// BlockStatus tracks a found block through confirmation, independent
// of the payout rounds the teacher keyed blocks into.
type BlockStatus string

const (
	BlockStatusCandidate BlockStatus = "candidate"
	BlockStatusMatured   BlockStatus = "matured"
	BlockStatusOrphan    BlockStatus = "orphan"
)

// PoolStats is a point-in-time snapshot for the stats API surface.
type PoolStats struct {
	PoolID         string  `json:"pool_id"`
	Miners         int64   `json:"miners"`
	Workers        int64   `json:"workers"`
	LastBlockFound int64   `json:"last_block_found"`
	BlocksFound    uint64  `json:"blocks_found"`
	Hashrate       float64 `json:"hashrate"`
}
