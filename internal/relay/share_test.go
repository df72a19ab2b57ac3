package relay

import (
	"testing"
	"time"
)

func sampleShareRecord() ShareRecord {
	return ShareRecord{
		PoolID:            "xmr1",
		Worker:            "rig1",
		MinerAddress:      "4Axxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxy",
		ClaimedDifficulty: 17.25,
		ActualDifficulty:  18.5,
		NetworkDifficulty: 1_000_000,
		Height:            42,
		IsBlockCandidate:  true,
		Source:            "local",
		Nonce:             "deadbeef",
		MixHash:           "",
		SolutionTxHash:    "00112233",
		CreatedAt:         time.Unix(1700000000, 0).UTC(),
	}
}

func TestEncodeDecodeShareJSON(t *testing.T) {
	want := sampleShareRecord()

	payload, err := EncodeShare(want, WireFormatJSON)
	if err != nil {
		t.Fatalf("EncodeShare: %v", err)
	}
	got, err := DecodeShare(payload, WireFormatJSON)
	if err != nil {
		t.Fatalf("DecodeShare: %v", err)
	}

	if got.PoolID != want.PoolID || got.Height != want.Height || got.IsBlockCandidate != want.IsBlockCandidate {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestEncodeDecodeShareBinary(t *testing.T) {
	want := sampleShareRecord()

	payload, err := EncodeShare(want, WireFormatBinary)
	if err != nil {
		t.Fatalf("EncodeShare: %v", err)
	}
	got, err := DecodeShare(payload, WireFormatBinary)
	if err != nil {
		t.Fatalf("DecodeShare: %v", err)
	}

	if got.PoolID != want.PoolID || got.Worker != want.Worker || got.Nonce != want.Nonce {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.ClaimedDifficulty != want.ClaimedDifficulty || got.NetworkDifficulty != want.NetworkDifficulty {
		t.Fatalf("difficulty round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.Height != want.Height || got.IsBlockCandidate != want.IsBlockCandidate {
		t.Fatalf("height/block-candidate round trip mismatch: got %+v, want %+v", got, want)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("expected CreatedAt %v, got %v", want.CreatedAt, got.CreatedAt)
	}
}
