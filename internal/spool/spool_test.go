package spool_test

import (
	"testing"
	"time"

	"github.com/edgebot/edgebot/internal/envelope"
	"github.com/edgebot/edgebot/internal/spool"
)

func newTestEnvelope(source string) *envelope.Envelope {
	now := time.Now().UTC()
	return &envelope.Envelope{
		ReceivedAt: now,
		EventTS:    now,
		Type:       envelope.TypeSyslog,
		Source:     source,
		Payload:    map[string]any{"message": "a"},
	}
}

func openTestSpool(t *testing.T) *spool.Spool {
	t.Helper()
	cfg := spool.DefaultConfig()
	cfg.DataDir = t.TempDir()
	s, err := spool.Open(cfg)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueueAndClaimOrder(t *testing.T) {
	s := openTestSpool(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.Enqueue(newTestEnvelope("syslog_udp"))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	claimed, err := s.ClaimBatch(10, 0, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	for i, c := range claimed {
		if c.SpoolID != ids[i] {
			t.Fatalf("expected ascending spool_id order, got %d at index %d (want %d)", c.SpoolID, i, ids[i])
		}
	}
}

func TestCommitRemovesRecords(t *testing.T) {
	s := openTestSpool(t)

	id, err := s.Enqueue(newTestEnvelope("syslog_udp"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := s.ClaimBatch(10, 0, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch: %v claimed=%d", err, len(claimed))
	}

	n, err := s.Commit([]int64{id})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 committed, got %d", n)
	}

	stats := s.Stats()
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("expected empty spool after commit, got %+v", stats)
	}
}

// TestCrashRecovery models spec §8 scenario 5: claim without commit, then
// simulate a restart via ReapStale with an already-expired lease. The
// records must resurface with attempts unchanged (P1, P4).
func TestCrashRecovery(t *testing.T) {
	s := openTestSpool(t)

	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(newTestEnvelope("syslog_udp")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	claimed, err := s.ClaimBatch(5, 0, -time.Second) // already-expired lease
	if err != nil || len(claimed) != 5 {
		t.Fatalf("ClaimBatch: %v claimed=%d", err, len(claimed))
	}
	for _, c := range claimed {
		if c.Attempts != 0 {
			t.Fatalf("expected attempts=0 before any fail, got %d", c.Attempts)
		}
	}

	n, err := s.ReapStale()
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 reaped, got %d", n)
	}

	reclaimed, err := s.ClaimBatch(5, 0, time.Minute)
	if err != nil || len(reclaimed) != 5 {
		t.Fatalf("ClaimBatch after reap: %v claimed=%d", err, len(reclaimed))
	}
	for i, c := range reclaimed {
		if c.SpoolID != claimed[i].SpoolID {
			t.Fatalf("expected same spool_id after reap, got %d want %d", c.SpoolID, claimed[i].SpoolID)
		}
		if c.Attempts != 0 {
			t.Fatalf("expected attempts unchanged by reap, got %d", c.Attempts)
		}
	}
}

func TestFailPermanentMovesToDead(t *testing.T) {
	s := openTestSpool(t)

	id, err := s.Enqueue(newTestEnvelope("syslog_udp"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimBatch(1, 0, time.Minute); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if err := s.Fail([]int64{id}, "boom", true, 3); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	stats := s.Stats()
	if stats.Dead != 1 {
		t.Fatalf("expected 1 dead record, got %+v", stats)
	}
	if stats.Pending != 0 {
		t.Fatalf("expected 0 pending, got %+v", stats)
	}
}

func TestFailTransientRequeuesWithIncrementedAttempts(t *testing.T) {
	s := openTestSpool(t)

	id, err := s.Enqueue(newTestEnvelope("syslog_udp"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ClaimBatch(1, 0, time.Minute); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if err := s.Fail([]int64{id}, "timeout", false, 5); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	claimed, err := s.ClaimBatch(1, 0, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimBatch: %v claimed=%d", err, len(claimed))
	}
	if claimed[0].Attempts != 1 {
		t.Fatalf("expected attempts=1 after one transient failure, got %d", claimed[0].Attempts)
	}
}

func TestCapacityExceeded(t *testing.T) {
	cfg := spool.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MaxBytes = 200
	s, err := spool.Open(cfg)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var lastErr error
	for i := 0; i < 50; i++ {
		if _, err := s.Enqueue(newTestEnvelope("syslog_udp")); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr != spool.ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", lastErr)
	}
}

func TestEventCountCeilingExceeded(t *testing.T) {
	cfg := spool.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.MaxEvents = 3
	s, err := spool.Open(cfg)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 3; i++ {
		if _, err := s.Enqueue(newTestEnvelope("syslog_udp")); err != nil {
			t.Fatalf("Enqueue %d: unexpected error %v", i, err)
		}
	}

	if _, err := s.Enqueue(newTestEnvelope("syslog_udp")); err != spool.ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded once max_events reached, got %v", err)
	}
}
