package health_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgebot/edgebot/internal/health"
	"github.com/edgebot/edgebot/internal/metrics"
)

type healthzBody struct {
	Status   string `json:"status"`
	Services map[string]struct {
		Healthy   bool    `json:"healthy"`
		LastError string  `json:"last_error"`
		UptimeSec float64 `json:"uptime_sec"`
	} `json:"services"`
}

func TestHealthz_StartingStage(t *testing.T) {
	reg := health.NewRegistry(metrics.New())
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 while starting, got %d", resp.StatusCode)
	}

	var body healthzBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "starting" {
		t.Errorf("expected status starting, got %v", body.Status)
	}
}

func TestHealthz_DegradedWhenTaskUnhealthy(t *testing.T) {
	reg := health.NewRegistry(metrics.New())
	reg.SetStage(health.StageHealthy)
	reg.SetTaskHealthy("shipper", true)
	reg.SetTaskError("syslog_udp", "bind: address already in use")

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when not fatally degraded, got %d", resp.StatusCode)
	}

	var body healthzBody
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Status != "degraded" {
		t.Errorf("expected status degraded, got %v", body.Status)
	}
	if body.Services["syslog_udp"].LastError == "" {
		t.Error("expected last_error to be populated for the failed task")
	}
	if !body.Services["shipper"].Healthy {
		t.Error("expected shipper to remain healthy")
	}
}

func TestHealthz_FatalWhenAllTasksUnhealthy(t *testing.T) {
	reg := health.NewRegistry(metrics.New())
	reg.SetStage(health.StageHealthy)
	reg.SetTaskError("shipper", "context deadline exceeded")

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when every task is unhealthy, got %d", resp.StatusCode)
	}
}

func TestServer_ServesMetricsAndHealthz(t *testing.T) {
	m := metrics.New()
	reg := health.NewRegistry(m)
	srv := health.NewServer("127.0.0.1:0", reg, m)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected /metrics 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected /healthz 200, got %d", resp2.StatusCode)
	}
}
