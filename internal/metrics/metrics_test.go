package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/edgebot/edgebot/internal/metrics"
)

func scrape(t *testing.T, m *metrics.Metrics) string {
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

func mustContain(t *testing.T, body, substr string) {
	t.Helper()
	if !strings.Contains(body, substr) {
		t.Errorf("expected body to contain %q\nbody:\n%s", substr, body)
	}
}

func TestHandlerContentType(t *testing.T) {
	m := metrics.New()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestCountersAndGaugesAppearInScrape(t *testing.T) {
	m := metrics.New()

	m.EventsIngestedTotal.WithLabelValues("syslog_udp").Add(3)
	m.EventsDroppedTotal.WithLabelValues("syslog_udp", "spool_full").Add(100)
	m.BatchesSentTotal.WithLabelValues("http").Inc()
	m.EventsSentTotal.WithLabelValues("http").Add(3)
	m.BatchesFailedTotal.WithLabelValues("http", "permanent").Inc()
	m.RetriesTotal.WithLabelValues("http").Add(3)
	m.BytesSentTotal.WithLabelValues("http").Add(1024)
	m.SpoolPending.Set(5)
	m.BreakerState.WithLabelValues("http").Set(metrics.BreakerStateValue("open"))
	m.SendDuration.WithLabelValues("http").Observe(0.05)
	m.BatchSizeEvents.WithLabelValues("http").Observe(3)

	body := scrape(t, m)

	mustContain(t, body, "edgebot_events_ingested_total")
	mustContain(t, body, `source="syslog_udp"`)
	mustContain(t, body, "edgebot_events_dropped_total")
	mustContain(t, body, `reason="spool_full"`)
	mustContain(t, body, "edgebot_batches_sent_total")
	mustContain(t, body, "edgebot_spool_pending 5")
	mustContain(t, body, "edgebot_breaker_state")
	mustContain(t, body, "edgebot_send_duration_seconds")
	mustContain(t, body, "edgebot_batch_size_events")
}

func TestBreakerStateValueMapping(t *testing.T) {
	cases := map[string]float64{"closed": 0, "open": 1, "half_open": 2, "bogus": 0}
	for state, want := range cases {
		if got := metrics.BreakerStateValue(state); got != want {
			t.Errorf("BreakerStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestConcurrentCounterUpdates(t *testing.T) {
	m := metrics.New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.EventsIngestedTotal.WithLabelValues("syslog_udp").Inc()
		}()
	}
	wg.Wait()

	body := scrape(t, m)
	mustContain(t, body, `edgebot_events_ingested_total{source="syslog_udp"} 100`)
}
