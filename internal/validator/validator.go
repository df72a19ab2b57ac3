// Package validator implements the Share Validator (spec.md §4.4): a
// coin-family-polymorphic pipeline that locates a job, decodes a
// submission, checks for duplicates, assembles and hashes a candidate
// header, and classifies the result as accepted/rejected/block
// candidate.
//
// Grounded on the donor's internal/master/master.go processShare, but
// generalized away from its inline toshash-specific header splice and
// trust-based skip-validation fast path (that fast path is a payout
// trust-score feature, out of scope per spec.md §1's Non-goals on
// payment processing) to drive any coinfamily.CoinFamily.
package validator

import (
	"fmt"
	"time"

	"github.com/corepool/stratumd/internal/coinfamily"
	"github.com/corepool/stratumd/internal/job"
	"github.com/corepool/stratumd/internal/log"
)

// ErrorCode is a stratum-level error code returned to the worker on
// rejection (spec.md §8's exact numbering).
type ErrorCode int

const (
	ErrStale        ErrorCode = -1 // stale share: job not found / retired
	ErrDuplicate    ErrorCode = -1 // duplicate share
	ErrLowDiff      ErrorCode = 23 // low difficulty share
	ErrOther        ErrorCode = 20 // malformed submission / internal failure
	ErrJobNotFound  ErrorCode = -2
)

// ValidationError is returned when a submission is rejected; Code maps
// directly onto the stratum error object sent back to the worker.
type ValidationError struct {
	Code    ErrorCode
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Share is the record emitted on successful validation (spec.md §3).
type Share struct {
	PoolID             string
	Worker             string
	MinerAddress       string
	ClaimedDifficulty  float64
	ActualDifficulty   float64
	NetworkDifficulty  float64
	Height             uint64
	IsBlockCandidate   bool
	Source             string
	CreatedAt          time.Time
	Nonce              string
	MixHash            string
	Hash               string
}

// SeenSetChecker reports and records submission de-duplication state
// for one job. job.Job implements this.
type SeenSetChecker interface {
	MarkSeen(key string) (isDuplicate bool)
}

// Request is one mining.submit call's inputs.
type Request struct {
	PoolID            string
	Worker            string
	MinerAddress      string
	JobID             string
	WorkerExtraNonce  string
	Params            []string
	ClaimedDifficulty float64
	NetworkDifficulty float64
}

// Validator runs the spec.md §4.4 pipeline for one coin family.
type Validator struct {
	family coinfamily.CoinFamily
	jobs   job.Lookup
}

// New constructs a Validator bound to one coin family and job set.
func New(family coinfamily.CoinFamily, jobs job.Lookup) *Validator {
	return &Validator{family: family, jobs: jobs}
}

// Validate runs the full pipeline and returns a Share on success or a
// *ValidationError on rejection. A panic inside the coin family is
// recovered, logged, and reported as ErrOther.
func (v *Validator) Validate(req Request) (share *Share, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("validator: pool %s: recovered panic: %v", req.PoolID, r)
			share, err = nil, &ValidationError{Code: ErrOther, Message: "internal validation failure"}
		}
	}()

	// 1. Locate job.
	j, ok := v.jobs.Lookup(req.JobID)
	if !ok {
		return nil, &ValidationError{Code: ErrStale, Message: "stale share"}
	}

	// 2. Decode submission.
	sub, err := v.family.DecodeSubmission(req.WorkerExtraNonce, req.Params)
	if err != nil {
		return nil, &ValidationError{Code: ErrOther, Message: fmt.Sprintf("malformed submission: %v", err)}
	}

	// 3. Duplicate check.
	if j.MarkSeen(sub.SeenKey()) {
		return nil, &ValidationError{Code: ErrDuplicate, Message: "duplicate share"}
	}

	// 4. Assemble candidate header.
	header, err := v.family.AssembleHeader(j.Template(), sub)
	if err != nil {
		return nil, &ValidationError{Code: ErrOther, Message: fmt.Sprintf("header assembly failed: %v", err)}
	}

	// 5. Hash.
	hash := v.family.Hash(header)
	if hash == nil {
		return nil, &ValidationError{Code: ErrOther, Message: "hash computation failed"}
	}

	// 6. Compare against worker target.
	actualDifficulty := coinfamily.HashDifficulty(hash)
	workerTarget := coinfamily.TargetForDifficulty(req.ClaimedDifficulty)
	if !coinfamily.HashMeetsTarget(hash, workerTarget) {
		return nil, &ValidationError{Code: ErrLowDiff, Message: fmt.Sprintf("low difficulty share (%v)", actualDifficulty)}
	}

	if actualDifficulty < req.ClaimedDifficulty {
		return nil, &ValidationError{Code: ErrLowDiff, Message: fmt.Sprintf("low difficulty share (%v)", actualDifficulty)}
	}

	isBlockCandidate := false
	if req.NetworkDifficulty > 0 {
		networkTarget := coinfamily.TargetForDifficulty(req.NetworkDifficulty)
		isBlockCandidate = coinfamily.HashMeetsTarget(hash, networkTarget)
	}

	// 8. Construct Share.
	return &Share{
		PoolID:            req.PoolID,
		Worker:            req.Worker,
		MinerAddress:      req.MinerAddress,
		ClaimedDifficulty: req.ClaimedDifficulty,
		ActualDifficulty:  actualDifficulty,
		NetworkDifficulty: req.NetworkDifficulty,
		Height:            j.Height(),
		IsBlockCandidate:  isBlockCandidate,
		Source:            "local",
		CreatedAt:         time.Now(),
		Nonce:             sub.Nonce,
		MixHash:           sub.MixHash,
		Hash:              fmt.Sprintf("%x", hash),
	}, nil
}
