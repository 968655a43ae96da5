// Command edgebot is the edge-side telemetry collector/shipper process.
// It loads configuration, initializes node identity, and runs listeners,
// the shipper, and the health/metrics endpoint under a single supervisor.
//
// Usage:
//
//	edgebot --config path/to/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/edgebot/edgebot/internal/breaker"
	"github.com/edgebot/edgebot/internal/config"
	"github.com/edgebot/edgebot/internal/health"
	"github.com/edgebot/edgebot/internal/listener"
	"github.com/edgebot/edgebot/internal/metrics"
	"github.com/edgebot/edgebot/internal/node"
	"github.com/edgebot/edgebot/internal/ratelimit"
	"github.com/edgebot/edgebot/internal/retry"
	"github.com/edgebot/edgebot/internal/shipper"
	"github.com/edgebot/edgebot/internal/sink"
	"github.com/edgebot/edgebot/internal/spool"
	"github.com/edgebot/edgebot/internal/supervisor"
)

// version is stamped by the release process; "dev" is used for local builds.
var version = "dev"

const (
	exitOK          = 0
	exitFatal       = 1
	exitConfigError = 2
	exitSIGINT      = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("edgebot", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file (required)")
	dryRun := fs.Bool("dry-run", false, "parse config and exit without starting any listener")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	if *showVersion {
		fmt.Println("edgebot " + version)
		return exitOK
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "edgebot: --config is required")
		return exitConfigError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgebot: load config: %v\n", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "edgebot: invalid config: %v\n", err)
		return exitConfigError
	}

	if *dryRun {
		fmt.Println("edgebot: configuration OK")
		return exitOK
	}

	logWriter, err := newRotatingWriter(cfg.Log.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgebot: open log file: %v\n", err)
		return exitFatal
	}
	log := newLogger(cfg.Log, logWriter)

	n, err := node.New(cfg.DataDir, cfg.NodeID)
	if err != nil {
		log.Error().Err(err).Msg("init node identity")
		return exitFatal
	}
	log.Info().Str("node_id", n.SourceID().String()).Str("data_dir", n.DataDir()).Msg("edgebot starting")

	m := metrics.New()
	m.Up.Set(1)
	reg := health.NewRegistry(m)

	sp, err := spool.Open(spool.Config{
		DataDir:   cfg.DataDir,
		MaxBytes:  bufferMaxBytes(cfg.Buffer),
		MaxEvents: int64(cfg.Buffer.MaxSize),
	})
	if err != nil {
		log.Error().Err(err).Msg("open spool")
		return exitFatal
	}
	defer sp.Close()

	primarySink, err := buildSink(cfg, string(n.SourceID()))
	if err != nil {
		log.Error().Err(err).Msg("build output sink")
		return exitFatal
	}

	binding := &shipper.SinkBinding{
		Sink: primarySink,
		Breaker: breaker.New(breaker.Config{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			OpenDuration:        time.Duration(cfg.Breaker.OpenDurationSec) * time.Second,
			HalfOpenMaxInflight: cfg.Breaker.HalfOpenMaxInflight,
		}),
		RateLimiter: ratelimit.New(ratelimit.Mode(cfg.RateLimit.Mode), cfg.RateLimit.Capacity, float64(cfg.RateLimit.RefillPerSec)),
		Retry: retry.Config{
			MaxRetries:       cfg.Retry.MaxRetries,
			InitialBackoff:   time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:       time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			JitterFactor:     cfg.Retry.JitterFactor,
			PerAttemptTimeout: time.Duration(cfg.Output.Primary.TimeoutMs) * time.Millisecond,
		},
	}

	sh := shipper.New(sp, []*shipper.SinkBinding{binding}, shipper.Config{
		MaxBatchSize:    cfg.Batching.MaxSize,
		MaxBatchBytes:   int64(cfg.Batching.MaxBytes),
		MinBatchTimeout: time.Duration(cfg.Batching.TimeoutMs) * time.Millisecond,
	}, m, log)

	sup := supervisor.New(supervisor.Config{
		ShutdownGrace:      time.Duration(cfg.Supervisor.ShutdownGraceSec) * time.Second,
		MaxRestartAttempts: cfg.Supervisor.MaxRestartAttempts,
		RestartWindow:      time.Duration(cfg.Supervisor.RestartWindowSec) * time.Second,
	}, reg, log)

	sup.Add(supervisor.Task{
		Name: "shipper",
		Start: func(ctx context.Context) error {
			sh.Run(ctx)
			return nil
		},
		ShutdownLast: true,
	})

	skewBound := 24 * time.Hour
	enqueue := listener.NewEnqueueFunc(sp, skewBound, jsonEncode, func() {
		m.EventsDroppedTotal.WithLabelValues("normalize", "clock_skew").Inc()
	})

	if in, ok := cfg.Inputs["syslog_udp"]; ok && in.Enabled {
		addr := stringOpt(in.Options, "addr", "0.0.0.0:5514")
		l := &listener.SyslogUDP{Addr: addr, Metrics: m, Log: log}
		sup.Add(supervisor.Task{Name: l.Name(), Start: func(ctx context.Context) error {
			return l.Start(ctx, enqueue)
		}})
	}

	if in, ok := cfg.Inputs["file_tailer"]; ok && in.Enabled {
		path := stringOpt(in.Options, "path", "")
		if path != "" {
			l := &listener.FileTailer{Path: path, Log: log}
			sup.Add(supervisor.Task{Name: l.Name(), Start: func(ctx context.Context) error {
				return l.Start(ctx, enqueue)
			}})
		}
	}

	healthAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	healthSrv := health.NewServer(healthAddr, reg, m)
	sup.Add(supervisor.Task{
		Name: "health_server",
		Start: func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = healthSrv.Shutdown(shutCtx)
			}()
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(context.Background())
	receivedSIGINT := false
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reloadOnSIGHUP(*configPath, log, logWriter, binding, sh)
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			receivedSIGINT = sig == syscall.SIGINT
			cancel()
			return
		}
	}()

	reg.SetStage(health.StageHealthy)
	log.Info().Str("addr", healthAddr).Msg("edgebot ready")

	sup.Run(ctx)
	cancel()

	log.Info().Msg("edgebot stopped")
	if receivedSIGINT {
		return exitSIGINT
	}
	return exitOK
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// rotatingWriter is the log sink handed to zerolog. It wraps an *os.File
// opened in append mode and lets a SIGHUP close and reopen it in place — the
// already-constructed zerolog.Logger values held by every component keep
// writing into the same wrapper, so nothing downstream needs to be rebuilt.
// An empty path means stdout, which is not rotatable.
type rotatingWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func newRotatingWriter(path string) (*rotatingWriter, error) {
	w := &rotatingWriter{path: path}
	if path == "" {
		return w, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	w.f = f
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.Stdout.Write(p)
	}
	return w.f.Write(p)
}

// Reopen closes the current file descriptor and opens path fresh, picking up
// a rename done by an external log rotator (spec §4.8). A no-op for stdout.
func (w *rotatingWriter) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.path == "" {
		return nil
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	old := w.f
	w.f = f
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// reloadOnSIGHUP implements spec §4.8's SIGHUP contract: rotate the log
// output, then re-read and apply the safe subset of tunables (log level,
// rate-limit values, batch sizes) to the already-running components without
// touching listeners or the health/metrics port.
func reloadOnSIGHUP(configPath string, log zerolog.Logger, w *rotatingWriter, binding *shipper.SinkBinding, sh *shipper.Shipper) {
	log.Info().Msg("SIGHUP received: rotating log and reloading tunables")

	if err := w.Reopen(); err != nil {
		log.Error().Err(err).Msg("SIGHUP: log rotation failed")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("SIGHUP: reload config failed, keeping current settings")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("SIGHUP: reloaded config invalid, keeping current settings")
		return
	}

	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	binding.RateLimiter.SetRate(cfg.RateLimit.Capacity, float64(cfg.RateLimit.RefillPerSec))
	sh.UpdateConfig(shipper.Config{
		MaxBatchSize:    cfg.Batching.MaxSize,
		MaxBatchBytes:   int64(cfg.Batching.MaxBytes),
		MinBatchTimeout: time.Duration(cfg.Batching.TimeoutMs) * time.Millisecond,
	})

	log.Info().Msg("SIGHUP: reload complete")
}

func bufferMaxBytes(b config.BufferConfig) int64 {
	n, err := parseByteSize(b.DiskBufferMaxSize)
	if err != nil || n <= 0 {
		return spool.DefaultConfig().MaxBytes
	}
	return n
}

// parseByteSize parses sizes like "100MB", "512KB", "2GB" (spec §6.4
// buffer.disk_buffer_max_size).
func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	units := []struct {
		suffix string
		mul    int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSuffix(s, u.suffix)
			var n float64
			if _, err := fmt.Sscanf(numStr, "%f", &n); err != nil {
				return 0, err
			}
			return int64(n * float64(u.mul)), nil
		}
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func buildSink(cfg *config.Config, nodeIdentity string) (sink.Sink, error) {
	p := cfg.Output.Primary
	switch p.Kind {
	case "http":
		return sink.NewHTTPSink(sink.HTTPConfig{
			URL:           p.URL,
			AuthToken:     p.AuthToken,
			TLSVerify:     p.TLS.Verify,
			TLSClientCert: p.TLS.ClientCert,
			TLSClientKey:  p.TLS.ClientKey,
			TLSCABundle:   p.TLS.CABundle,
			Compression:   p.Compression,
			TimeoutMs:     p.TimeoutMs,
			Version:       version,
			NodeIdentity:  nodeIdentity,
		})
	case "file":
		dir := strings.TrimPrefix(p.URL, "file://")
		return sink.NewFileSink(sink.FileConfig{
			Dir:          dir,
			Compression:  p.Compression,
			NodeIdentity: nodeIdentity,
		})
	default:
		return nil, fmt.Errorf("unknown output.primary.kind %q", p.Kind)
	}
}

func stringOpt(opts map[string]any, key, def string) string {
	if opts == nil {
		return def
	}
	if v, ok := opts[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func jsonEncode(v map[string]any) ([]byte, error) {
	return json.Marshal(v)
}
