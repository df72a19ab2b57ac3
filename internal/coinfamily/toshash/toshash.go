// Package toshash implements the coinfamily.CoinFamily capability for
// the memory-hard "TOS Hash V3" proof-of-work: a Blake3-seeded
// scratchpad mixed in three stages. Adapted from the donor's
// internal/toshash/toshash.go, which exposed the same algorithm as
// free functions with an inline nonce-splice ValidateShare; here it is
// wrapped behind DecodeSubmission/AssembleHeader/Hash so the Share
// Validator can drive it without caring it is TOS-specific.
package toshash

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/corepool/stratumd/internal/coinfamily"
	"github.com/corepool/stratumd/internal/util"
)

const (
	// MemorySize is the scratchpad size in 64-bit words (64KB / 8).
	MemorySize = 8192
	// MixingRounds is the number of strided mixing rounds.
	MixingRounds = 8
	// MemoryPasses is the number of sequential memory passes.
	MemoryPasses = 4
	// MixConstant is the mixing constant (golden-ratio derived).
	MixConstant = 0x517cc1b727220a95
	// InputSize is the MinerWork header size in bytes.
	InputSize = 112
	// NonceOffset is the byte offset of the nonce field within the
	// MinerWork header: work_hash(32) + timestamp(8) + nonce(8) +
	// extra_nonce(32) + miner(32).
	NonceOffset = 40
	// ExtraNonceOffset is the byte offset of the extra-nonce field.
	ExtraNonceOffset = 48
	// ExtraNonceSize is the width of the extra-nonce field in bytes.
	ExtraNonceSize = 32
)

var strides = [4]int{1, 64, 256, 1024}

// Family is the toshash coinfamily.CoinFamily implementation.
type Family struct{}

var _ coinfamily.CoinFamily = Family{}

// Name identifies this coin family for PoolConfig.CoinFamily matching.
func (Family) Name() string { return "toshash" }

// BuildJobTemplate parses a raw daemon block header and converts it to
// MinerWork format, the 112-byte shape toshash hashes.
func (Family) BuildJobTemplate(rawHeader []byte) ([]byte, error) {
	return BlockHeaderToMinerWork(rawHeader)
}

// DecodeSubmission parses mining.submit params in the order
// [workerName, jobID, extraNonce2, nTime, nonce]; toshash shares carry
// no separate mix hash.
func (Family) DecodeSubmission(workerExtraNonce string, params []string) (coinfamily.Submission, error) {
	if len(params) < 5 {
		return coinfamily.Submission{}, fmt.Errorf("toshash: mining.submit expects 5 params, got %d", len(params))
	}

	extraNonce2 := params[2]
	nonce := params[4]

	if !util.ValidateFixedHex(nonce, 8) {
		return coinfamily.Submission{}, fmt.Errorf("toshash: malformed nonce %q", nonce)
	}
	if !util.IsValidHex(extraNonce2) {
		return coinfamily.Submission{}, fmt.Errorf("toshash: malformed extra nonce2 %q", extraNonce2)
	}

	return coinfamily.Submission{
		WorkerExtraNonce: workerExtraNonce,
		ExtraNonce2:      extraNonce2,
		Nonce:            nonce,
	}, nil
}

// AssembleHeader splices the worker's extra-nonce prefix, the miner's
// extra-nonce2, and the submitted nonce into the job's MinerWork
// template.
func (Family) AssembleHeader(jobTemplate []byte, sub coinfamily.Submission) (coinfamily.Header, error) {
	if len(jobTemplate) != InputSize {
		return nil, fmt.Errorf("toshash: job template must be %d bytes, got %d", InputSize, len(jobTemplate))
	}

	header := make([]byte, InputSize)
	copy(header, jobTemplate)

	nonceBytes, err := util.HexToBytes(sub.Nonce)
	if err != nil || len(nonceBytes) != 8 {
		return nil, fmt.Errorf("toshash: invalid nonce %q", sub.Nonce)
	}
	copy(header[NonceOffset:NonceOffset+8], nonceBytes)

	prefix, err := util.HexToBytes(sub.WorkerExtraNonce)
	if err != nil {
		return nil, fmt.Errorf("toshash: invalid worker extra-nonce %q", sub.WorkerExtraNonce)
	}
	suffix, err := util.HexToBytes(sub.ExtraNonce2)
	if err != nil {
		return nil, fmt.Errorf("toshash: invalid extra-nonce2 %q", sub.ExtraNonce2)
	}
	extraNonce := append(append([]byte{}, prefix...), suffix...)
	extraNonce = util.PadLeft(extraNonce, ExtraNonceSize)
	if len(extraNonce) > ExtraNonceSize {
		extraNonce = extraNonce[len(extraNonce)-ExtraNonceSize:]
	}
	copy(header[ExtraNonceOffset:ExtraNonceOffset+ExtraNonceSize], extraNonce)

	return header, nil
}

// Hash computes TOS Hash V3 over a 112-byte MinerWork header.
func (Family) Hash(header coinfamily.Header) []byte {
	if len(header) != InputSize {
		return nil
	}

	scratchpad := stage1Init(header)
	stage2Mix(scratchpad)
	stage3Strided(scratchpad)
	return stage4Finalize(scratchpad)
}

func stage1Init(input []byte) []uint64 {
	scratchpad := make([]uint64, MemorySize)

	hasher := blake3.New()
	hasher.Write(input)
	seed := hasher.Sum(nil)

	var state [4]uint64
	for i := 0; i < 4; i++ {
		state[i] = binary.LittleEndian.Uint64(seed[i*8 : (i+1)*8])
	}

	for i := 0; i < MemorySize; i++ {
		idx := i % 4
		state[idx] = mix(state[idx], state[(idx+1)%4], i)
		scratchpad[i] = state[idx]
	}
	return scratchpad
}

func stage2Mix(scratchpad []uint64) {
	for pass := 0; pass < MemoryPasses; pass++ {
		if pass%2 == 0 {
			carry := scratchpad[MemorySize-1]
			for i := 0; i < MemorySize; i++ {
				prev := scratchpad[MemorySize-1]
				if i > 0 {
					prev = scratchpad[i-1]
				}
				scratchpad[i] = mix(scratchpad[i], prev^carry, pass)
				carry = scratchpad[i]
			}
		} else {
			carry := scratchpad[0]
			for i := MemorySize - 1; i >= 0; i-- {
				next := scratchpad[0]
				if i < MemorySize-1 {
					next = scratchpad[i+1]
				}
				scratchpad[i] = mix(scratchpad[i], next^carry, pass)
				carry = scratchpad[i]
			}
		}
	}
}

func stage3Strided(scratchpad []uint64) {
	for round := 0; round < MixingRounds; round++ {
		stride := strides[round%len(strides)]
		for i := 0; i < MemorySize; i++ {
			j := (i + stride) % MemorySize
			k := (i + stride*2) % MemorySize
			a, b, c := scratchpad[i], scratchpad[j], scratchpad[k]
			scratchpad[i] = mix(a, b^c, round)
		}
	}
}

func mix(a, b uint64, round int) uint64 {
	rot := uint((round * 7) % 64)
	x := a + b
	y := a ^ rotateLeft(b, rot)
	z := x * MixConstant
	return z ^ rotateRight(y, rot/2)
}

func rotateLeft(x uint64, k uint) uint64 {
	k &= 63
	return (x << k) | (x >> (64 - k))
}

func rotateRight(x uint64, k uint) uint64 {
	k &= 63
	return (x >> k) | (x << (64 - k))
}

func stage4Finalize(scratchpad []uint64) []byte {
	var folded [4]uint64
	for i := 0; i < MemorySize; i++ {
		folded[i%4] ^= scratchpad[i]
	}

	var b [32]byte
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(b[i*8:(i+1)*8], folded[i])
	}

	hasher := blake3.New()
	hasher.Write(b[:])
	return hasher.Sum(nil)
}

// BlockHeader is a parsed daemon block header, used to build the
// MinerWork template the Job Manager hands to the validator.
type BlockHeader struct {
	Version    uint8
	Height     uint64
	Timestamp  uint64
	Nonce      uint64
	ExtraNonce [32]byte
	Tips       [][]byte
	TxsHashes  [][]byte
	Miner      [32]byte
}

// ParseBlockHeader decodes a daemon-serialized block header:
// version(1) height(8) timestamp(8) nonce(8) extra_nonce(32)
// tips_count(1) tips(32 each) txs_count(2) txs_hashes(32 each) miner(32).
func ParseBlockHeader(data []byte) (*BlockHeader, error) {
	if len(data) < 92 {
		return nil, fmt.Errorf("toshash: block header too short: %d bytes", len(data))
	}

	pos := 0
	h := &BlockHeader{}

	h.Version = data[pos]
	pos++

	h.Height = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	h.Timestamp = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	h.Nonce = binary.BigEndian.Uint64(data[pos : pos+8])
	pos += 8

	copy(h.ExtraNonce[:], data[pos:pos+32])
	pos += 32

	tipsCount := int(data[pos])
	pos++
	if pos+tipsCount*32 > len(data) {
		return nil, fmt.Errorf("toshash: block header truncated at tips")
	}
	h.Tips = make([][]byte, tipsCount)
	for i := 0; i < tipsCount; i++ {
		h.Tips[i] = append([]byte{}, data[pos:pos+32]...)
		pos += 32
	}

	if pos+2 > len(data) {
		return nil, fmt.Errorf("toshash: block header truncated at txs_count")
	}
	txsCount := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if pos+txsCount*32 > len(data) {
		return nil, fmt.Errorf("toshash: block header truncated at txs")
	}
	h.TxsHashes = make([][]byte, txsCount)
	for i := 0; i < txsCount; i++ {
		h.TxsHashes[i] = append([]byte{}, data[pos:pos+32]...)
		pos += 32
	}

	if pos+32 > len(data) {
		return nil, fmt.Errorf("toshash: block header truncated at miner")
	}
	copy(h.Miner[:], data[pos:pos+32])

	return h, nil
}

func (h *BlockHeader) computeTipsHash() []byte {
	hasher := blake3.New()
	for _, tip := range h.Tips {
		hasher.Write(tip)
	}
	return hasher.Sum(nil)
}

func (h *BlockHeader) computeTxsHash() []byte {
	hasher := blake3.New()
	for _, tx := range h.TxsHashes {
		hasher.Write(tx)
	}
	return hasher.Sum(nil)
}

// ComputeWorkHash hashes the immutable portion of the header:
// version + height + tips_hash + txs_hash.
func (h *BlockHeader) ComputeWorkHash() []byte {
	workData := make([]byte, 73)
	workData[0] = h.Version
	binary.BigEndian.PutUint64(workData[1:9], h.Height)
	copy(workData[9:41], h.computeTipsHash())
	copy(workData[41:73], h.computeTxsHash())

	hasher := blake3.New()
	hasher.Write(workData)
	return hasher.Sum(nil)
}

// ToMinerWork converts a parsed BlockHeader into the 112-byte
// MinerWork format the Job Manager publishes as a job template.
func (h *BlockHeader) ToMinerWork() []byte {
	work := make([]byte, InputSize)
	copy(work[0:32], h.ComputeWorkHash())
	binary.BigEndian.PutUint64(work[32:40], h.Timestamp)
	binary.BigEndian.PutUint64(work[NonceOffset:NonceOffset+8], h.Nonce)
	copy(work[ExtraNonceOffset:ExtraNonceOffset+ExtraNonceSize], h.ExtraNonce[:])
	copy(work[80:112], h.Miner[:])
	return work
}

// BlockHeaderToMinerWork parses a raw daemon block header and converts
// it straight to MinerWork format, the shape the Job Manager stores as
// a Job's template.
func BlockHeaderToMinerWork(blockHeader []byte) ([]byte, error) {
	h, err := ParseBlockHeader(blockHeader)
	if err != nil {
		return nil, err
	}
	return h.ToMinerWork(), nil
}
