// Package relay implements the Share Relay (publisher) and Share
// Receiver (subscriber) spec.md §4.6 describes: a multicast fan-out of
// validated shares between cooperating pool clusters, framed as
// `[topic, flags, payload]` with the payload encoded as either JSON or
// a compact binary form selected by a flags word.
//
// Not present in the teacher, which only ever ran one cluster.
// Enriched from the retrieval pack's chimera-pool-core stratum
// interfaces (internal/stratum/interfaces.go), whose small
// single-purpose interface style (MessageReader/MessageWriter/Message)
// this package's Frame/FrameReader/FrameWriter shapes are grounded on,
// adapted to TCP length-prefixed frames.
package relay

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// WireFormatMask isolates the format tag bits within a frame's flags
// word (spec.md §4.6: "a 32-bit flags word carries the format tag via
// a known mask").
const WireFormatMask uint32 = 0x000000ff

const (
	// WireFormatJSON tags a frame payload as JSON-encoded.
	WireFormatJSON uint32 = 0x00000001
	// WireFormatBinary tags a frame payload as compact-binary encoded.
	WireFormatBinary uint32 = 0x00000002
)

const maxFrameSize = 1 << 20 // 1 MiB, generous for a single share record

// Frame is one relay wire message: topic names the publishing pool,
// flags carries the payload's wire format, payload is the encoded
// share record.
type Frame struct {
	Topic   string
	Flags   uint32
	Payload []byte

	// WasReversed reports whether ReadFrame had to apply the
	// reversed-flags-word legacy interop quirk to decode Flags.
	WasReversed bool
}

// WriteFrame writes one length-prefixed frame: topic (uint16 len +
// bytes), flags (uint32), payload (uint32 len + bytes).
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Topic) > 0xffff {
		return fmt.Errorf("relay: topic too long: %d bytes", len(f.Topic))
	}
	if len(f.Payload) > maxFrameSize {
		return fmt.Errorf("relay: payload too large: %d bytes", len(f.Payload))
	}

	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.BigEndian, uint16(len(f.Topic))); err != nil {
		return err
	}
	if _, err := bw.WriteString(f.Topic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, f.Flags); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(f.Payload))); err != nil {
		return err
	}
	if _, err := bw.Write(f.Payload); err != nil {
		return err
	}

	return bw.Flush()
}

// ReadFrame reads one frame written by WriteFrame, applying the
// reversed-flags-word legacy interop quirk spec.md §4.6/§9 describes:
// if the flags word's format bits are unset, the four bytes are
// reversed and the mask is retried once before giving up.
func ReadFrame(r io.Reader) (Frame, error) {
	var topicLen uint16
	if err := binary.Read(r, binary.BigEndian, &topicLen); err != nil {
		return Frame{}, err
	}
	topicBytes := make([]byte, topicLen)
	if _, err := io.ReadFull(r, topicBytes); err != nil {
		return Frame{}, err
	}

	var flags uint32
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return Frame{}, err
	}
	flags, reversed := normalizeFlags(flags)

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return Frame{}, err
	}
	if payloadLen > maxFrameSize {
		return Frame{}, fmt.Errorf("relay: payload too large: %d bytes", payloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	return Frame{Topic: string(topicBytes), Flags: flags, Payload: payload, WasReversed: reversed}, nil
}

// normalizeFlags applies the reversed-byte-order interop quirk and
// reports whether it had to.
func normalizeFlags(flags uint32) (normalized uint32, wasReversed bool) {
	if flags&WireFormatMask != 0 {
		return flags, false
	}

	reversed := (flags&0xff)<<24 | (flags&0xff00)<<8 | (flags&0xff0000)>>8 | (flags&0xff000000)>>24
	if reversed&WireFormatMask != 0 {
		return reversed, true
	}
	return flags, false
}
