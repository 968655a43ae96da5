package spool

import (
	"encoding/binary"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/edgebot/edgebot/internal/envelope"
)

// Status is the lifecycle state of a spool record (spec §3.2).
type Status uint8

const (
	StatusPending Status = iota
	StatusInFlight
	StatusFailed
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusFailed:
		return "failed"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// record is the on-disk representation of a spooled envelope. It is stored
// as the value of the single bbolt bucket keyed by big-endian SpoolID (see
// spool.go); the teacher's fixed-then-variable-length binary layout from
// internal/storage/local/index.go is reused here for the fixed header,
// with the envelope body itself carried as a JSON blob (spec §9 allows any
// representation for the open-ended payload; tests only check outbound
// serialized form).
type record struct {
	SpoolID       int64
	Status        Status
	ClaimDeadline int64 // unix ms; 0 when not in flight
	Attempts      int
	LastError     string
	EnqueuedAt    int64
	LastAttemptAt int64
	Source        string
	EnvelopeJSON  []byte
}

// marshalRecord encodes r as:
//
//	[spoolID       : 8 bytes int64  ]
//	[status        : 1 byte         ]
//	[claimDeadline : 8 bytes int64  ]
//	[attempts      : 4 bytes int32  ]
//	[enqueuedAt    : 8 bytes int64  ]
//	[lastAttemptAt : 8 bytes int64  ]
//	[lastErrLen    : 2 bytes uint16 ][lastErr bytes]
//	[sourceLen     : 2 bytes uint16 ][source bytes]
//	[envelope bytes ... to end]
func marshalRecord(r *record) []byte {
	lastErr := []byte(r.LastError)
	source := []byte(r.Source)
	head := 8 + 1 + 8 + 4 + 8 + 8 + 2 + len(lastErr) + 2 + len(source)
	buf := make([]byte, head+len(r.EnvelopeJSON))

	binary.BigEndian.PutUint64(buf[0:], uint64(r.SpoolID))
	buf[8] = byte(r.Status)
	binary.BigEndian.PutUint64(buf[9:], uint64(r.ClaimDeadline))
	binary.BigEndian.PutUint32(buf[17:], uint32(r.Attempts))
	binary.BigEndian.PutUint64(buf[21:], uint64(r.EnqueuedAt))
	binary.BigEndian.PutUint64(buf[29:], uint64(r.LastAttemptAt))
	off := 37
	binary.BigEndian.PutUint16(buf[off:], uint16(len(lastErr)))
	off += 2
	copy(buf[off:], lastErr)
	off += len(lastErr)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(source)))
	off += 2
	copy(buf[off:], source)
	off += len(source)
	copy(buf[off:], r.EnvelopeJSON)

	return buf
}

func unmarshalRecord(buf []byte) (*record, error) {
	if len(buf) < 37+2+2 {
		return nil, fmt.Errorf("spool: record too short (%d bytes)", len(buf))
	}
	r := &record{
		SpoolID:       int64(binary.BigEndian.Uint64(buf[0:])),
		Status:        Status(buf[8]),
		ClaimDeadline: int64(binary.BigEndian.Uint64(buf[9:])),
		Attempts:      int(int32(binary.BigEndian.Uint32(buf[17:]))),
		EnqueuedAt:    int64(binary.BigEndian.Uint64(buf[21:])),
		LastAttemptAt: int64(binary.BigEndian.Uint64(buf[29:])),
	}
	off := 37
	if off+2 > len(buf) {
		return nil, fmt.Errorf("spool: truncated record")
	}
	errLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+errLen > len(buf) {
		return nil, fmt.Errorf("spool: truncated last_error")
	}
	r.LastError = string(buf[off : off+errLen])
	off += errLen
	if off+2 > len(buf) {
		return nil, fmt.Errorf("spool: truncated record")
	}
	srcLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+srcLen > len(buf) {
		return nil, fmt.Errorf("spool: truncated source")
	}
	r.Source = string(buf[off : off+srcLen])
	off += srcLen
	r.EnvelopeJSON = append([]byte(nil), buf[off:]...)
	return r, nil
}

func encodeEnvelope(e *envelope.Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(b []byte) (*envelope.Envelope, error) {
	var e envelope.Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func keyOf(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func idOf(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

func nowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
