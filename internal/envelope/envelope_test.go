package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/edgebot/edgebot/internal/envelope"
)

func encodeMap(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}

func TestNormalize_FillsDefaults(t *testing.T) {
	e := &envelope.Envelope{Source: "syslog_udp"}
	if _, err := envelope.Normalize(e, 0, encodeMap); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if e.ReceivedAt.IsZero() || e.EventTS.IsZero() {
		t.Fatal("expected ReceivedAt and EventTS to be filled")
	}
	if e.Type != envelope.TypeOther {
		t.Errorf("expected default type %q, got %q", envelope.TypeOther, e.Type)
	}
}

func TestNormalize_ClampsFutureSkew(t *testing.T) {
	now := time.Now().UTC()
	e := &envelope.Envelope{
		Source:     "syslog_udp",
		ReceivedAt: now,
		EventTS:    now.Add(48 * time.Hour),
	}
	res, err := envelope.Normalize(e, 24*time.Hour, encodeMap)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !res.Clamped {
		t.Error("expected Clamped=true for skew beyond bound")
	}
	if !e.EventTS.Equal(e.ReceivedAt) {
		t.Errorf("expected EventTS clamped to ReceivedAt, got %v vs %v", e.EventTS, e.ReceivedAt)
	}
}

func TestNormalize_RejectsInvalidSource(t *testing.T) {
	e := &envelope.Envelope{Source: "Bad Source!"}
	if _, err := envelope.Normalize(e, 0, encodeMap); err != envelope.ErrInvalidSource {
		t.Errorf("expected ErrInvalidSource, got %v", err)
	}
}

func TestNormalize_RejectsInvalidSeverity(t *testing.T) {
	e := &envelope.Envelope{Source: "syslog_udp", Labels: map[string]string{"severity": "Not Valid"}}
	if _, err := envelope.Normalize(e, 0, encodeMap); err != envelope.ErrInvalidSeverity {
		t.Errorf("expected ErrInvalidSeverity, got %v", err)
	}
}

func TestNormalize_TruncatesOversizedLabels(t *testing.T) {
	long := make([]byte, envelope.MaxLabelBytes+10)
	for i := range long {
		long[i] = 'x'
	}
	e := &envelope.Envelope{Source: "syslog_udp", Labels: map[string]string{"msg": string(long)}}
	if _, err := envelope.Normalize(e, 0, encodeMap); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(e.Labels["msg"]) != envelope.MaxLabelBytes {
		t.Errorf("expected label truncated to %d bytes, got %d", envelope.MaxLabelBytes, len(e.Labels["msg"]))
	}
}

func TestNormalize_TruncatesOversizedPayload(t *testing.T) {
	big := make(map[string]any, 1)
	blob := make([]byte, envelope.MaxPayloadBytes+1)
	big["blob"] = string(blob)

	e := &envelope.Envelope{Source: "file_tailer", Payload: big}
	if _, err := envelope.Normalize(e, 0, encodeMap); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !e.Truncated {
		t.Error("expected Truncated=true for oversized payload")
	}
	if e.OrigHash == "" {
		t.Error("expected OrigHash to be set")
	}
	if len(e.Payload) != 0 {
		t.Errorf("expected payload cleared after truncation, got %v", e.Payload)
	}
}

func TestSanitize_DropsInternalFields(t *testing.T) {
	e := &envelope.Envelope{
		SpoolID:  42,
		Type:     envelope.TypeSyslog,
		Source:   "syslog_udp",
		Attempts: 3,
		Payload:  map[string]any{"message": "hi", "__internal": "secret"},
	}
	out := envelope.Sanitize(e)

	if _, ok := out["spool_id"]; ok {
		t.Error("expected spool_id absent from sanitized output")
	}
	if _, ok := out["attempts"]; ok {
		t.Error("expected attempts absent from sanitized output")
	}
	payload, ok := out["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload map in sanitized output")
	}
	if _, ok := payload["__internal"]; ok {
		t.Error("expected __-prefixed payload key dropped")
	}
	if payload["message"] != "hi" {
		t.Errorf("expected message preserved, got %v", payload["message"])
	}
}

func TestSanitize_MarksTruncated(t *testing.T) {
	e := &envelope.Envelope{
		Type:      envelope.TypeSyslog,
		Source:    "syslog_udp",
		Truncated: true,
		OrigHash:  "abc123",
	}
	out := envelope.Sanitize(e)
	if out["truncated"] != true {
		t.Error("expected top-level truncated=true")
	}
	if out["payload_sha256"] != "abc123" {
		t.Errorf("expected hash preserved, got %v", out["payload_sha256"])
	}
	if _, ok := out["payload"]; ok {
		t.Error("expected no payload key when original payload was empty")
	}
}

func TestSanitize_NoDunderKeysInOutput(t *testing.T) {
	e := &envelope.Envelope{
		Type:      envelope.TypeSyslog,
		Source:    "syslog_udp",
		Truncated: true,
		OrigHash:  "abc123",
		Payload:   map[string]any{"__secret": "x", "message": "hi"},
	}
	out := envelope.Sanitize(e)
	for k := range out {
		if len(k) >= 2 && k[0] == '_' && k[1] == '_' {
			t.Errorf("outbound envelope must not contain __-prefixed key, found %q", k)
		}
	}
	payload, ok := out["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload map")
	}
	for k := range payload {
		if len(k) >= 2 && k[0] == '_' && k[1] == '_' {
			t.Errorf("payload must not contain __-prefixed key, found %q", k)
		}
	}
}
