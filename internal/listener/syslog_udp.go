package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgebot/edgebot/internal/envelope"
	"github.com/edgebot/edgebot/internal/metrics"
	"github.com/edgebot/edgebot/internal/spool"
)

var rfc3164Pattern = regexp.MustCompile(
	`^<(?P<pri>\d{1,3})>` +
		`(?P<timestamp>(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+` +
		`(?P<hostname>\S+)\s+` +
		`(?P<tag>[\w.\-]+)(?:\[(?P<pid>\d+)\])?:\s*` +
		`(?P<message>.*)$`,
)

var severityNames = [8]string{"emergency", "alert", "critical", "error", "warning", "notice", "info", "debug"}

// SyslogUDP is a lossy listener (spec §4.10, §5): under spool backpressure
// it drops the datagram and increments a metric rather than blocking,
// since UDP delivery is already best-effort. The RFC3164 parsing follows
// original_source/edge_node/app/inputs/syslog_server.py's SyslogParser.
type SyslogUDP struct {
	Addr    string
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	conn    net.PacketConn
	healthy atomic.Bool
	stopCh  chan struct{}
}

func (s *SyslogUDP) Name() string { return "syslog_udp" }

func (s *SyslogUDP) Healthy() bool { return s.healthy.Load() }

// LocalAddr returns the bound socket address once Start has run, useful
// when Addr was configured as ":0" to pick an ephemeral port (tests only —
// production deployments set a fixed Addr).
func (s *SyslogUDP) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *SyslogUDP) Stop() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Start binds a UDP socket and reads datagrams until ctx is cancelled.
func (s *SyslogUDP) Start(ctx context.Context, enqueue EnqueueFunc) error {
	conn, err := net.ListenPacket("udp", s.Addr)
	if err != nil {
		return fmt.Errorf("syslog_udp: listen %s: %w", s.Addr, err)
	}
	s.conn = conn
	s.healthy.Store(true)
	defer func() {
		s.healthy.Store(false)
		_ = conn.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("syslog_udp: read: %w", err)
		}

		env := parseSyslog(string(buf[:n]), addr.String())
		if err := enqueue(env); err != nil {
			if errors.Is(err, spool.ErrCapacityExceeded) {
				if s.Metrics != nil {
					s.Metrics.EventsDroppedTotal.WithLabelValues(s.Name(), "spool_full").Inc()
				}
				continue
			}
			s.Log.Warn().Err(err).Msg("syslog_udp: enqueue failed")
			continue
		}
		if s.Metrics != nil {
			s.Metrics.EventsIngestedTotal.WithLabelValues(s.Name()).Inc()
		}
	}
}

// parseSyslog builds an envelope from a raw UDP datagram, falling back to
// a raw-message payload when the line does not match RFC3164 (mirrors
// SyslogParser.parse_message's "unknown" branch). RFC5424 is not parsed;
// such lines also take the fallback branch.
func parseSyslog(raw string, sourceAddr string) *envelope.Envelope {
	now := time.Now().UTC()
	payload := map[string]any{
		"source_ip":   hostOnly(sourceAddr),
		"raw_message": strings.TrimSpace(raw),
	}

	severity := "info"
	m := rfc3164Pattern.FindStringSubmatch(raw)
	if m != nil {
		names := rfc3164Pattern.SubexpNames()
		groups := map[string]string{}
		for i, name := range names {
			if name != "" && i < len(m) {
				groups[name] = m[i]
			}
		}
		if pri, err := strconv.Atoi(groups["pri"]); err == nil {
			facility := pri / 8
			sev := pri % 8
			if sev >= 0 && sev < len(severityNames) {
				severity = severityNames[sev]
			}
			payload["facility_code"] = facility
			payload["priority"] = pri
		}
		payload["hostname"] = groups["hostname"]
		payload["tag"] = groups["tag"]
		payload["message"] = groups["message"]
		payload["rfc_variant"] = "rfc3164"
	} else {
		payload["rfc_variant"] = "unknown"
		payload["message"] = strings.TrimSpace(raw)
	}

	return &envelope.Envelope{
		ReceivedAt: now,
		EventTS:    now,
		Type:       envelope.TypeSyslog,
		Source:     "syslog_udp",
		Labels:     map[string]string{"severity": severity},
		Payload:    payload,
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
