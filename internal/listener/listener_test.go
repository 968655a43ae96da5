package listener_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgebot/edgebot/internal/envelope"
	"github.com/edgebot/edgebot/internal/listener"
	"github.com/edgebot/edgebot/internal/metrics"
)

func TestSyslogUDP_ParsesRFC3164AndEnqueues(t *testing.T) {
	m := metrics.New()
	l := &listener.SyslogUDP{Addr: "127.0.0.1:0", Metrics: m, Log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *envelope.Envelope, 1)
	enqueue := func(e *envelope.Envelope) error {
		received <- e
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.Start(ctx, enqueue) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !l.Healthy() {
		time.Sleep(5 * time.Millisecond)
	}
	if !l.Healthy() {
		t.Fatal("listener never became healthy")
	}

	addr := l.LocalAddr()
	if addr == nil {
		t.Fatal("expected bound local address")
	}

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("<34>Oct 11 22:14:15 myhost su: 'su root' failed for user on /dev/pts/8"))

	select {
	case env := <-received:
		if env.Type != envelope.TypeSyslog {
			t.Errorf("expected type syslog, got %s", env.Type)
		}
		if env.Labels["severity"] != "critical" {
			t.Errorf("expected severity critical for pri=34, got %s", env.Labels["severity"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for enqueued envelope")
	}
	cancel()
}

func TestFileTailer_FollowsAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	l := &listener.FileTailer{Path: path, PollDelay: 20 * time.Millisecond, Log: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *envelope.Envelope, 4)
	enqueue := func(e *envelope.Envelope) error {
		received <- e
		return nil
	}

	go func() { _ = l.Start(ctx, enqueue) }()

	time.Sleep(50 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("line one\n")
	f.Close()

	select {
	case env := <-received:
		if env.Type != envelope.TypeLogFile {
			t.Errorf("expected type log_file, got %s", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tailed line")
	}
}
