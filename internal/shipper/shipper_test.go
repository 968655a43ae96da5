package shipper_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgebot/edgebot/internal/breaker"
	"github.com/edgebot/edgebot/internal/envelope"
	"github.com/edgebot/edgebot/internal/metrics"
	"github.com/edgebot/edgebot/internal/ratelimit"
	"github.com/edgebot/edgebot/internal/retry"
	"github.com/edgebot/edgebot/internal/shipper"
	"github.com/edgebot/edgebot/internal/sink"
	"github.com/edgebot/edgebot/internal/spool"
)

type fakeSink struct {
	mu    sync.Mutex
	calls int
	fn    func(b sink.Batch) sink.Result
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Write(ctx context.Context, b sink.Batch) sink.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(b)
}

func (f *fakeSink) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
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

func testEnvelope() *envelope.Envelope {
	now := time.Now().UTC()
	return &envelope.Envelope{
		ReceivedAt: now,
		EventTS:    now,
		Type:       envelope.TypeSyslog,
		Source:     "syslog_udp",
		Payload:    map[string]any{"message": "a"},
	}
}

// TestHappyPathCommitsAndCountsEvents mirrors spec §8 scenario 1.
func TestHappyPathCommitsAndCountsEvents(t *testing.T) {
	sp := openTestSpool(t)
	for i := 0; i < 3; i++ {
		if _, err := sp.Enqueue(testEnvelope()); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	fs := &fakeSink{fn: func(b sink.Batch) sink.Result {
		return sink.Result{Success: true, Count: len(b.Claimed)}
	}}

	binding := &shipper.SinkBinding{
		Sink:        fs,
		Breaker:     breaker.New(breaker.DefaultConfig()),
		RateLimiter: ratelimit.New(ratelimit.ModeEvents, 100, 1000),
		Retry:       retry.DefaultConfig(),
	}

	m := metrics.New()
	sh := shipper.New(sp, []*shipper.SinkBinding{binding}, shipper.DefaultConfig(), m, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go sh.Run(ctx)
	defer cancel()

	sh.NotifyBatchReady()

	const wantSent = `edgebot_events_sent_total{sink="fake"} 3`
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sp.Stats().Pending == 0 && fs.callCount() > 0 && strings.Contains(scrapeMetrics(t, m), wantSent) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := sp.Stats()
	if stats.Pending != 0 {
		t.Fatalf("expected spool empty after successful ship, got %+v", stats)
	}
	if body := scrapeMetrics(t, m); !strings.Contains(body, wantSent) {
		t.Fatalf("expected %q in metrics scrape, got:\n%s", wantSent, body)
	}
}

func scrapeMetrics(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

// TestBreakerOpenSkipsCycleWithoutClaiming mirrors spec §4.7 step 3(a) and P5.
func TestBreakerOpenSkipsCycleWithoutClaiming(t *testing.T) {
	sp := openTestSpool(t)
	if _, err := sp.Enqueue(testEnvelope()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	fs := &fakeSink{fn: func(b sink.Batch) sink.Result {
		return sink.Result{Err: assertErr{}, Class: retry.ClassPermanent}
	}}

	b := breaker.New(breaker.Config{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenMaxInflight: 1})
	binding := &shipper.SinkBinding{
		Sink:        fs,
		Breaker:     b,
		RateLimiter: ratelimit.New(ratelimit.ModeEvents, 100, 1000),
		Retry:       retry.Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, PerAttemptTimeout: time.Second},
	}

	m := metrics.New()
	sh := shipper.New(sp, []*shipper.SinkBinding{binding}, shipper.DefaultConfig(), m, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	sh.NotifyBatchReady()
	go sh.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if b.State() != breaker.Open {
		t.Fatalf("expected breaker open after permanent failure, got %v", b.State())
	}

	callsAfterOpen := fs.callCount()
	sh.NotifyBatchReady()
	time.Sleep(100 * time.Millisecond)
	cancel()

	if fs.callCount() != callsAfterOpen {
		t.Fatalf("expected no further sink.Write calls while breaker open, got %d additional calls", fs.callCount()-callsAfterOpen)
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
