package relay

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Topic: "xmr1", Flags: WireFormatJSON, Payload: []byte(`{"height":42}`)}

	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Topic != want.Topic || got.Flags != want.Flags || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReadFrameAppliesReversedFlagsQuirk(t *testing.T) {
	var buf bytes.Buffer
	original := Frame{Topic: "xmr1", Flags: WireFormatBinary, Payload: []byte("abc")}
	if err := WriteFrame(&buf, original); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	raw := buf.Bytes()
	// Flags occupy the 4 bytes immediately after the 2-byte topic
	// length prefix and topic string.
	flagsOffset := 2 + len(original.Topic)
	flagsBytes := raw[flagsOffset : flagsOffset+4]
	flagsBytes[0], flagsBytes[1], flagsBytes[2], flagsBytes[3] = flagsBytes[3], flagsBytes[2], flagsBytes[1], flagsBytes[0]

	got, err := ReadFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadFrame with reversed flags: %v", err)
	}
	if got.Flags != WireFormatBinary {
		t.Fatalf("expected reversed flags to be corrected to %x, got %x", WireFormatBinary, got.Flags)
	}
}

func TestNormalizeFlagsLeavesWellFormedFlagsAlone(t *testing.T) {
	normalized, reversed := normalizeFlags(WireFormatJSON)
	if reversed {
		t.Fatal("a well-formed flags word should not be treated as reversed")
	}
	if normalized != WireFormatJSON {
		t.Fatalf("expected unchanged flags, got %x", normalized)
	}
}
