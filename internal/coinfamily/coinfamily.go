// Package coinfamily defines the capability surface the Share
// Validator (spec.md §4.4) calls through to decode, assemble, and hash
// a submission without knowing which coin's algorithm it is running.
// The donor hardcoded one algorithm (TOS Hash V3) inline in its stratum
// session; this interface is new, factored out so the validator can be
// coin-family polymorphic the way spec.md §9's design note asks for.
package coinfamily

import (
	"math/big"

	"github.com/corepool/stratumd/internal/util"
)

// Submission is one miner's decoded share, independent of wire format.
type Submission struct {
	WorkerExtraNonce string // the session's assigned extra-nonce prefix
	ExtraNonce2      string // miner-chosen extra-nonce suffix, if applicable
	Nonce            string
	MixHash          string // optional, used by some coin families
}

// SeenKey is the tuple the Job's seen-set de-duplicates submissions on
// (spec.md §4.4 step 3).
func (s Submission) SeenKey() string {
	return s.WorkerExtraNonce + ":" + s.Nonce + ":" + s.ExtraNonce2
}

// Header is an assembled, ready-to-hash candidate block header.
type Header []byte

// CoinFamily is the narrow capability a Share Validator needs from a
// per-currency hashing primitive (spec.md §1: "Per-coin hashing
// primitives ... The core calls them through a narrow 'verify this
// candidate' interface; their internals are external.").
type CoinFamily interface {
	// Name identifies the coin family, matching PoolConfig.CoinFamily.
	Name() string

	// BuildJobTemplate converts a daemon's raw block-template bytes into
	// the coin family's own header template shape, the form the Job
	// Manager stores and later hands to AssembleHeader.
	BuildJobTemplate(rawHeader []byte) ([]byte, error)

	// DecodeSubmission validates and parses the raw stratum params for
	// mining.submit into a Submission. An error here is always reported
	// to the worker as "other" (stratum error code 20).
	DecodeSubmission(workerExtraNonce string, params []string) (Submission, error)

	// AssembleHeader builds the full candidate header from the job's
	// opaque template bytes and a decoded submission.
	AssembleHeader(jobTemplate []byte, sub Submission) (Header, error)

	// Hash computes the coin family's proof-of-work digest over header.
	Hash(header Header) []byte
}

// TargetForDifficulty returns floor(2^256 / difficulty), the formula
// spec.md §4.4 specifies for both worker and network targets.
func TargetForDifficulty(difficulty float64) *big.Int {
	return util.DifficultyToTarget(difficulty)
}

// HashMeetsTarget reports whether a hash, interpreted as a big-endian
// unsigned integer, is at or below target.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	return util.HashMeetsTarget(hash, target)
}

// HashDifficulty converts a hash back into the difficulty it actually
// achieved, for the Share record's "actual difficulty" field.
func HashDifficulty(hash []byte) float64 {
	return util.HashDifficulty(hash)
}
