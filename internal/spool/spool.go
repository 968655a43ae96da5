// Package spool implements the durable, ordered queue described in spec
// §3.2 and §4.1: at-least-once, in-order delivery of envelopes from
// producers to a single logical consumer (the shipper), surviving process
// restart.
//
// Storage is a single go.etcd.io/bbolt bucket keyed by big-endian spool_id
// (spec §9's open question resolves in favor of "any embedded KV/DB that
// provides atomic append, ordered scan, atomic multi-key delete, and
// crash-safe recovery" — bbolt already fills that role for the index in
// internal/storage/local/index.go, so it is promoted here to be the whole
// engine instead of pairing it with a redundant hand-rolled WAL).
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/edgebot/edgebot/internal/envelope"
)

var (
	bucketSpool = []byte("spool")

	// ErrCapacityExceeded is returned by Enqueue when accepting the record
	// would push on-disk size past MaxBytes (spec §4.1, §7).
	ErrCapacityExceeded = errors.New("spool: capacity exceeded")
	// ErrUnavailable wraps underlying storage I/O errors (spec §4.1, §7).
	ErrUnavailable = errors.New("spool: storage unavailable")
)

// Config holds spool tunables. Zero-value fields fall back to
// DefaultConfig's values in Open.
type Config struct {
	// DataDir holds spool.db, spool.db.lock, and dead/ (spec §6.5).
	DataDir string
	// MaxBytes is the on-disk capacity ceiling (spec §4.1, default 100 MiB).
	MaxBytes int64
	// MaxEvents is the event-count ceiling (spec §6.4 buffer.max_size):
	// Enqueue rejects once the bucket holds this many records regardless of
	// their total byte size (spec §8 scenario 6).
	MaxEvents int64
	// InMemory enables the ephemeral, non-durable mode described in §4.1.
	InMemory bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBytes:  100 * 1024 * 1024,
		MaxEvents: 100000,
	}
}

// Claimed is one record returned by ClaimBatch: the envelope plus the
// bookkeeping the shipper needs to commit or fail it later.
type Claimed struct {
	SpoolID  int64
	Envelope *envelope.Envelope
	Attempts int
}

// Stats summarizes spool contents for the health/metrics endpoint (§6.6).
type Stats struct {
	Pending  int64
	InFlight int64
	Dead     int64
	Bytes    int64
}

// Spool is a single-writer-from-one-process durable queue. Concurrent
// callers within the process are serialized via mu for the
// durability-critical sections, matching the "internal mutex serializes
// durability-critical sections" contract of spec §4.1 and §5.
type Spool struct {
	cfg Config

	db       *bbolt.DB
	lockFile *os.File

	mu sync.Mutex

	curBytes int64 // atomic
	maxBytes int64

	curCount int64 // atomic
	maxEvents int64

	// in-memory mode
	mem   map[int64]*record
	memMu sync.Mutex
}

// Open opens (or creates) the spool at cfg.DataDir. It acquires
// spool.db.lock (spec §6.5) to prevent two instances from opening the same
// spool, then runs ReapStale once so in-flight records left over from a
// crash re-enter as pending (spec §9 — "do not skip reap_stale on startup").
func Open(cfg Config) (*Spool, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig().MaxBytes
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultConfig().MaxEvents
	}

	s := &Spool{cfg: cfg, maxBytes: cfg.MaxBytes, maxEvents: cfg.MaxEvents}

	if cfg.InMemory {
		s.mem = make(map[int64]*record)
		return s, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: mkdir data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "dead"), 0o755); err != nil {
		return nil, fmt.Errorf("spool: mkdir dead dir: %w", err)
	}

	lockPath := filepath.Join(cfg.DataDir, "spool.db.lock")
	lf, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}
	s.lockFile = lf

	dbPath := filepath.Join(cfg.DataDir, "spool.db")
	db, err := bbolt.Open(dbPath, 0o640, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		_ = lf.Close()
		return nil, fmt.Errorf("spool: open %s: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSpool)
		return err
	}); err != nil {
		_ = db.Close()
		_ = lf.Close()
		return nil, fmt.Errorf("spool: init bucket: %w", err)
	}
	s.db = db

	if err := s.recomputeUsage(); err != nil {
		_ = db.Close()
		_ = lf.Close()
		return nil, err
	}

	if _, err := s.ReapStale(); err != nil {
		_ = db.Close()
		_ = lf.Close()
		return nil, err
	}

	return s, nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: open lock file: %w", err)
	}
	if err := tryFlock(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spool: another instance holds %s: %w", path, err)
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(fmt.Sprintf("%d", os.Getpid())), 0)
	return f, nil
}

func (s *Spool) recomputeUsage() error {
	var total int64
	var count int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpool).ForEach(func(k, v []byte) error {
			total += int64(len(v))
			count++
			return nil
		})
	})
	if err != nil {
		return err
	}
	atomic.StoreInt64(&s.curBytes, total)
	atomic.StoreInt64(&s.curCount, count)
	return nil
}

// Enqueue atomically appends env, assigning it the next spool_id and
// status=pending (spec §4.1).
func (s *Spool) Enqueue(env *envelope.Envelope) (int64, error) {
	body, err := encodeEnvelope(env)
	if err != nil {
		return 0, fmt.Errorf("spool: encode envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(body)) + 64
	if atomic.LoadInt64(&s.curBytes)+size > s.maxBytes {
		return 0, ErrCapacityExceeded
	}
	if atomic.LoadInt64(&s.curCount)+1 > s.maxEvents {
		return 0, ErrCapacityExceeded
	}

	now := nowMs()

	if s.cfg.InMemory {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		id := int64(1)
		for existing := range s.mem {
			if existing >= id {
				id = existing + 1
			}
		}
		r := &record{SpoolID: id, Status: StatusPending, EnqueuedAt: now, Source: env.Source, EnvelopeJSON: body}
		s.mem[id] = r
		atomic.AddInt64(&s.curBytes, size)
		atomic.AddInt64(&s.curCount, 1)
		return id, nil
	}

	var id int64
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		env.SpoolID = id
		r := &record{
			SpoolID:    id,
			Status:     StatusPending,
			EnqueuedAt: now,
			Source:     env.Source,
			EnvelopeJSON: mustReencode(env),
		}
		return b.Put(keyOf(id), marshalRecord(r))
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	atomic.AddInt64(&s.curBytes, size)
	atomic.AddInt64(&s.curCount, 1)
	return id, nil
}

func mustReencode(env *envelope.Envelope) []byte {
	b, err := encodeEnvelope(env)
	if err != nil {
		// encodeEnvelope already succeeded once for the same value above;
		// this can only fail if env was mutated concurrently, which the
		// caller's lock discipline prevents.
		return []byte("{}")
	}
	return b
}

// ClaimBatch returns up to maxCount pending (or lease-expired in-flight)
// records in ascending spool_id order, transitioning them to in_flight with
// a fresh claim_deadline (spec §4.1). It never blocks: empty input yields
// an empty, nil-error result.
func (s *Spool) ClaimBatch(maxCount int, maxBytes int64, lease time.Duration) ([]Claimed, error) {
	if maxCount <= 0 {
		maxCount = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()
	deadline := now + lease.Milliseconds()

	if s.cfg.InMemory {
		return s.claimBatchMem(maxCount, maxBytes, deadline, now)
	}

	var out []Claimed
	var bytesUsed int64

	// bbolt's Cursor/ForEach forbid mutating the bucket mid-traversal (a Put
	// can convert a page to an in-memory node and invalidate the cursor's
	// stack), so the eligible records are gathered in a read-only pass
	// first and the Put calls that flip them to in_flight happen in a
	// second pass once the cursor is done.
	type pending struct {
		key []byte
		rec *record
	}
	var toClaim []pending

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(toClaim) < maxCount; k, v = c.Next() {
			r, err := unmarshalRecord(v)
			if err != nil {
				continue
			}
			eligible := r.Status == StatusPending || (r.Status == StatusInFlight && r.ClaimDeadline < now)
			if !eligible {
				continue
			}
			if maxBytes > 0 && bytesUsed+int64(len(r.EnvelopeJSON)) > maxBytes && len(toClaim) > 0 {
				break
			}
			keyCopy := append([]byte(nil), k...)
			toClaim = append(toClaim, pending{key: keyCopy, rec: r})
			bytesUsed += int64(len(r.EnvelopeJSON))
		}

		for _, p := range toClaim {
			env, err := decodeEnvelope(p.rec.EnvelopeJSON)
			if err != nil {
				continue
			}
			env.SpoolID = p.rec.SpoolID
			env.Attempts = p.rec.Attempts

			p.rec.Status = StatusInFlight
			p.rec.ClaimDeadline = deadline
			p.rec.LastAttemptAt = now
			if err := b.Put(p.key, marshalRecord(p.rec)); err != nil {
				return err
			}

			out = append(out, Claimed{SpoolID: p.rec.SpoolID, Envelope: env, Attempts: p.rec.Attempts})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *Spool) claimBatchMem(maxCount int, maxBytes int64, deadline, now int64) ([]Claimed, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()

	ids := make([]int64, 0, len(s.mem))
	for id := range s.mem {
		ids = append(ids, id)
	}
	sortInt64s(ids)

	var out []Claimed
	var bytesUsed int64
	for _, id := range ids {
		if len(out) >= maxCount {
			break
		}
		r := s.mem[id]
		eligible := r.Status == StatusPending || (r.Status == StatusInFlight && r.ClaimDeadline < now)
		if !eligible {
			continue
		}
		if maxBytes > 0 && bytesUsed+int64(len(r.EnvelopeJSON)) > maxBytes && len(out) > 0 {
			break
		}
		env, err := decodeEnvelope(r.EnvelopeJSON)
		if err != nil {
			continue
		}
		env.SpoolID = r.SpoolID
		env.Attempts = r.Attempts
		r.Status = StatusInFlight
		r.ClaimDeadline = deadline
		r.LastAttemptAt = now
		out = append(out, Claimed{SpoolID: r.SpoolID, Envelope: env, Attempts: r.Attempts})
		bytesUsed += int64(len(r.EnvelopeJSON))
	}
	return out, nil
}

func sortInt64s(s []int64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Commit atomically deletes the given records (spec §4.1). Ids already gone
// are silently ignored; the returned count reflects only ids actually
// deleted.
func (s *Spool) Commit(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.InMemory {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		var n int
		for _, id := range ids {
			if r, ok := s.mem[id]; ok {
				atomic.AddInt64(&s.curBytes, -int64(len(r.EnvelopeJSON)+64))
				atomic.AddInt64(&s.curCount, -1)
				delete(s.mem, id)
				n++
			}
		}
		return n, nil
	}

	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		for _, id := range ids {
			k := keyOf(id)
			v := b.Get(k)
			if v == nil {
				continue
			}
			atomic.AddInt64(&s.curBytes, -int64(len(v)))
			atomic.AddInt64(&s.curCount, -1)
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Fail marks the given records failed after an unsuccessful shipping
// attempt (spec §4.1). When permanent is true, or the record's attempts+1
// would reach maxAttempts, the record moves to status=dead and is exported
// to <data_dir>/dead/<spool_id>.json for operator inspection (spec §6.5).
// Otherwise it returns to pending with attempts incremented.
func (s *Spool) Fail(ids []int64, cause string, permanent bool, maxAttempts int) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()

	if s.cfg.InMemory {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		for _, id := range ids {
			r, ok := s.mem[id]
			if !ok {
				continue
			}
			s.transitionOnFail(r, cause, permanent, maxAttempts, now)
		}
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSpool)
		for _, id := range ids {
			k := keyOf(id)
			v := b.Get(k)
			if v == nil {
				continue
			}
			r, err := unmarshalRecord(v)
			if err != nil {
				continue
			}
			dead := s.transitionOnFail(r, cause, permanent, maxAttempts, now)
			if err := b.Put(k, marshalRecord(r)); err != nil {
				return err
			}
			if dead {
				s.exportDead(r)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// transitionOnFail mutates r in place, returning true if it moved to dead.
func (s *Spool) transitionOnFail(r *record, cause string, permanent bool, maxAttempts int, now int64) bool {
	r.LastError = cause
	r.LastAttemptAt = now
	r.ClaimDeadline = 0
	if permanent || r.Attempts+1 >= maxAttempts {
		r.Status = StatusDead
		return true
	}
	r.Status = StatusPending
	r.Attempts++
	return false
}

// exportDead writes a JSON snapshot of a dead-lettered record to
// <data_dir>/dead/<spool_id>.json (spec §6.5). Failures are non-fatal —
// the record is already durably marked dead in the bucket either way.
func (s *Spool) exportDead(r *record) {
	if s.cfg.DataDir == "" {
		return
	}
	path := filepath.Join(s.cfg.DataDir, "dead", fmt.Sprintf("%d.json", r.SpoolID))
	doc := map[string]any{
		"spool_id":   r.SpoolID,
		"source":     r.Source,
		"attempts":   r.Attempts,
		"last_error": r.LastError,
		"envelope":   json.RawMessage(r.EnvelopeJSON),
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// Stats returns counts by status and total bytes (spec §4.1, §6.6).
func (s *Spool) Stats() Stats {
	var st Stats
	st.Bytes = atomic.LoadInt64(&s.curBytes)

	if s.cfg.InMemory {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		for _, r := range s.mem {
			tally(&st, r.Status)
		}
		return st
	}

	_ = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpool).ForEach(func(k, v []byte) error {
			r, err := unmarshalRecord(v)
			if err != nil {
				return nil
			}
			tally(&st, r.Status)
			return nil
		})
	})
	return st
}

func tally(st *Stats, status Status) {
	switch status {
	case StatusPending:
		st.Pending++
	case StatusInFlight:
		st.InFlight++
	case StatusDead:
		st.Dead++
	}
}

// ReapStale reverts any in_flight record whose claim_deadline has passed
// back to pending, without incrementing attempts (spec §4.1). Open calls it
// once; nothing calls it periodically, but ClaimBatch treats a
// lease-expired in_flight record as claimable on its own.
func (s *Spool) ReapStale() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMs()

	if s.cfg.InMemory {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		var n int
		for _, r := range s.mem {
			if r.Status == StatusInFlight && r.ClaimDeadline < now {
				r.Status = StatusPending
				r.ClaimDeadline = 0
				n++
			}
		}
		return n, nil
	}

	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSpool)

		// Collect first, mutate after: ForEach forbids Put during
		// iteration (same rule as ClaimBatch above).
		type stale struct {
			key []byte
			rec *record
		}
		var toReap []stale
		if err := b.ForEach(func(k, v []byte) error {
			r, err := unmarshalRecord(v)
			if err != nil {
				return nil
			}
			if r.Status == StatusInFlight && r.ClaimDeadline < now {
				keyCopy := append([]byte(nil), k...)
				toReap = append(toReap, stale{key: keyCopy, rec: r})
			}
			return nil
		}); err != nil {
			return err
		}

		for _, item := range toReap {
			item.rec.Status = StatusPending
			item.rec.ClaimDeadline = 0
			if err := b.Put(item.key, marshalRecord(item.rec)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// Close releases the bbolt database and the advisory lock file.
func (s *Spool) Close() error {
	if s.cfg.InMemory {
		return nil
	}
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.lockFile != nil {
		_ = releaseLock(s.lockFile)
		_ = s.lockFile.Close()
	}
	return err
}
