package relay

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// ShareRecord is the wire representation of a validated share, mirroring
// bus.Share field-for-field (spec.md §4.4 step 8's record plus the
// provenance fields spec.md §4.6 asks the receiver to stamp: Source,
// CreatedAt).
type ShareRecord struct {
	PoolID            string    `json:"pool_id"`
	Worker            string    `json:"worker"`
	MinerAddress      string    `json:"miner_address"`
	ClaimedDifficulty float64   `json:"claimed_difficulty"`
	ActualDifficulty  float64   `json:"actual_difficulty"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	Height            uint64    `json:"height"`
	IsBlockCandidate  bool      `json:"is_block_candidate"`
	Source            string    `json:"source"`
	Nonce             string    `json:"nonce"`
	MixHash           string    `json:"mix_hash"`
	SolutionTxHash    string    `json:"solution_tx_hash"`
	CreatedAt         time.Time `json:"created_at"`
}

// EncodeShare serializes record per the format flags specify.
func EncodeShare(record ShareRecord, format uint32) ([]byte, error) {
	switch format {
	case WireFormatBinary:
		return encodeShareBinary(record), nil
	default:
		return json.Marshal(record)
	}
}

// DecodeShare deserializes a payload per the format flags specify.
func DecodeShare(payload []byte, format uint32) (ShareRecord, error) {
	switch format {
	case WireFormatBinary:
		return decodeShareBinary(payload)
	default:
		var record ShareRecord
		err := json.Unmarshal(payload, &record)
		return record, err
	}
}

// encodeShareBinary writes a compact fixed/length-prefixed layout:
// len-prefixed strings for PoolID/Worker/MinerAddress/Source/Nonce/
// MixHash/SolutionTxHash, float64s and uint64 big-endian, a bool byte,
// and a Unix-nano timestamp.
func encodeShareBinary(r ShareRecord) []byte {
	var buf bytes.Buffer

	writeString(&buf, r.PoolID)
	writeString(&buf, r.Worker)
	writeString(&buf, r.MinerAddress)
	writeString(&buf, r.Source)
	writeString(&buf, r.Nonce)
	writeString(&buf, r.MixHash)
	writeString(&buf, r.SolutionTxHash)

	binary.Write(&buf, binary.BigEndian, r.ClaimedDifficulty)
	binary.Write(&buf, binary.BigEndian, r.ActualDifficulty)
	binary.Write(&buf, binary.BigEndian, r.NetworkDifficulty)
	binary.Write(&buf, binary.BigEndian, r.Height)

	var flag byte
	if r.IsBlockCandidate {
		flag = 1
	}
	buf.WriteByte(flag)

	binary.Write(&buf, binary.BigEndian, r.CreatedAt.UnixNano())

	return buf.Bytes()
}

func decodeShareBinary(payload []byte) (ShareRecord, error) {
	buf := bytes.NewReader(payload)
	var r ShareRecord
	var err error

	if r.PoolID, err = readString(buf); err != nil {
		return r, err
	}
	if r.Worker, err = readString(buf); err != nil {
		return r, err
	}
	if r.MinerAddress, err = readString(buf); err != nil {
		return r, err
	}
	if r.Source, err = readString(buf); err != nil {
		return r, err
	}
	if r.Nonce, err = readString(buf); err != nil {
		return r, err
	}
	if r.MixHash, err = readString(buf); err != nil {
		return r, err
	}
	if r.SolutionTxHash, err = readString(buf); err != nil {
		return r, err
	}

	if err := binary.Read(buf, binary.BigEndian, &r.ClaimedDifficulty); err != nil {
		return r, err
	}
	if err := binary.Read(buf, binary.BigEndian, &r.ActualDifficulty); err != nil {
		return r, err
	}
	if err := binary.Read(buf, binary.BigEndian, &r.NetworkDifficulty); err != nil {
		return r, err
	}
	if err := binary.Read(buf, binary.BigEndian, &r.Height); err != nil {
		return r, err
	}

	flag, err := buf.ReadByte()
	if err != nil {
		return r, err
	}
	r.IsBlockCandidate = flag != 0

	var nanos int64
	if err := binary.Read(buf, binary.BigEndian, &nanos); err != nil {
		return r, err
	}
	r.CreatedAt = time.Unix(0, nanos)

	return r, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(buf *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := buf.Read(b); err != nil {
		return "", fmt.Errorf("relay: reading string field: %w", err)
	}
	return string(b), nil
}
