package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgebot/edgebot/internal/envelope"
	"github.com/edgebot/edgebot/internal/metrics"
	"github.com/edgebot/edgebot/internal/spool"
)

// FileTailer is a pull-style listener (spec §4.10, §5): on backpressure it
// applies its own throttling by doubling its poll delay up to MaxPollDelay,
// mirroring original_source/edge_node/app/inputs/snmp_poll.py's
// capped-exponential poll-delay pattern generalized from SNMP polling to
// following a growing log file.
type FileTailer struct {
	Path         string
	PollDelay    time.Duration
	MaxPollDelay time.Duration
	Metrics      *metrics.Metrics
	Log          zerolog.Logger

	healthyFlag bool
	stopCh      chan struct{}
}

func (f *FileTailer) Name() string { return "file_tailer:" + f.Path }

func (f *FileTailer) Healthy() bool { return f.healthyFlag }

func (f *FileTailer) Stop() {
	if f.stopCh != nil {
		close(f.stopCh)
	}
}

// Start opens Path, seeks to EOF, and polls for new lines until ctx is
// cancelled. Each new line becomes one envelope of type log_file.
func (f *FileTailer) Start(ctx context.Context, enqueue EnqueueFunc) error {
	if f.PollDelay <= 0 {
		f.PollDelay = 500 * time.Millisecond
	}
	if f.MaxPollDelay <= 0 {
		f.MaxPollDelay = 30 * time.Second
	}
	f.stopCh = make(chan struct{})

	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("file_tailer: open %s: %w", f.Path, err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("file_tailer: seek %s: %w", f.Path, err)
	}

	f.healthyFlag = true
	defer func() { f.healthyFlag = false }()

	reader := bufio.NewReader(file)
	delay := f.PollDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.stopCh:
			return nil
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("file_tailer: read %s: %w", f.Path, err)
		}

		if line == "" {
			if err := f.wait(ctx, delay); err != nil {
				return nil
			}
			continue
		}

		env := &envelope.Envelope{
			Type:   envelope.TypeLogFile,
			Source: "file_tailer",
			Payload: map[string]any{
				"path":    f.Path,
				"message": line,
			},
		}

		enqErr := enqueue(env)
		switch {
		case enqErr == nil:
			delay = f.PollDelay
			if f.Metrics != nil {
				f.Metrics.EventsIngestedTotal.WithLabelValues(f.Name()).Inc()
			}
		case errors.Is(enqErr, spool.ErrCapacityExceeded):
			delay *= 2
			if delay > f.MaxPollDelay {
				delay = f.MaxPollDelay
			}
			if f.Metrics != nil {
				f.Metrics.EventsDroppedTotal.WithLabelValues(f.Name(), "spool_full").Inc()
			}
			if err := f.wait(ctx, delay); err != nil {
				return nil
			}
		default:
			f.Log.Warn().Err(enqErr).Str("path", f.Path).Msg("file_tailer: enqueue failed")
		}
	}
}

func (f *FileTailer) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.stopCh:
		return context.Canceled
	case <-t.C:
		return nil
	}
}
