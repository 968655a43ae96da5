// Package sink implements the two batch consumers named in spec §4.5/§4.6:
// the HTTP sink (mothership) and the file sink (local tee/export).
package sink

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/edgebot/edgebot/internal/envelope"
	"github.com/edgebot/edgebot/internal/spool"
)

// Batch is what the shipper claims from the spool and hands to a Sink.
type Batch struct {
	Claimed []spool.Claimed
}

// SpoolIDs returns the spool_ids of every message in the batch, in order.
func (b Batch) SpoolIDs() []int64 {
	ids := make([]int64, len(b.Claimed))
	for i, c := range b.Claimed {
		ids[i] = c.SpoolID
	}
	return ids
}

// isRetry reports whether any message in the batch has Attempts > 0, which
// decides is_retry.
func (b Batch) isRetry() bool {
	for _, c := range b.Claimed {
		if c.Attempts > 0 {
			return true
		}
	}
	return false
}

// outboundEnvelope is the wire shape described in spec §3.3.
type outboundEnvelope struct {
	Messages  []map[string]any `json:"messages"`
	BatchSize int              `json:"batch_size"`
	Timestamp int64            `json:"timestamp"`
	Source    string           `json:"source"`
	IsRetry   bool             `json:"is_retry"`
}

// BuildOutbound sanitizes every message (spec §4.5 step 1, invariant P8)
// and serializes the batch envelope (spec §3.3) as UTF-8 JSON.
func BuildOutbound(b Batch, nodeIdentity string) ([]byte, error) {
	msgs := make([]map[string]any, len(b.Claimed))
	for i, c := range b.Claimed {
		msgs[i] = envelope.Sanitize(c.Envelope)
	}
	env := outboundEnvelope{
		Messages:  msgs,
		BatchSize: len(msgs),
		Timestamp: time.Now().UTC().Unix(),
		Source:    nodeIdentity,
		IsRetry:   b.isRetry(),
	}
	return json.Marshal(env)
}
