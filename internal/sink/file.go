package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/edgebot/edgebot/internal/retry"
)

// FileConfig configures the local file sink (spec §4.6, §6.2, §6.4).
type FileConfig struct {
	Dir          string
	Compression  bool
	NodeIdentity string
}

// FileSink writes each batch as a readable JSON payload plus a parallel
// gzip file, both via write-to-temp-then-rename for atomicity (spec §4.6).
type FileSink struct {
	cfg FileConfig
}

// NewFileSink validates that Dir exists and is a directory. Writability is
// not checked here; a write error surfaces from Write.
func NewFileSink(cfg FileConfig) (*FileSink, error) {
	if cfg.Dir == "" {
		return nil, errors.New("sink/file: dir must not be empty")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("sink/file: directory missing: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sink/file: %s is not a directory", cfg.Dir)
	}
	return &FileSink{cfg: cfg}, nil
}

func (s *FileSink) Name() string { return "file" }

// Write implements spec §4.6 and the output layout in §6.2.
func (s *FileSink) Write(ctx context.Context, b Batch) Result {
	body, err := BuildOutbound(b, s.cfg.NodeIdentity)
	if err != nil {
		return Result{Err: fmt.Errorf("sink/file: build outbound: %w", err), Class: retry.ClassPermanent}
	}

	name := fmt.Sprintf("payload-%s-%s", time.Now().UTC().Format("20060102T150405.000Z"), shortHex())
	jsonPath := filepath.Join(s.cfg.Dir, name+".json")

	if err := atomicWrite(jsonPath, body); err != nil {
		return classifyFileErr(err)
	}

	if s.cfg.Compression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			return Result{Err: fmt.Errorf("sink/file: gzip: %w", err), Class: retry.ClassPermanent}
		}
		if err := gz.Close(); err != nil {
			return Result{Err: fmt.Errorf("sink/file: gzip close: %w", err), Class: retry.ClassPermanent}
		}
		gzPath := jsonPath + ".gz"
		if err := atomicWrite(gzPath, buf.Bytes()); err != nil {
			return classifyFileErr(err)
		}
	}

	return Result{Success: true, Count: len(b.Claimed), Bytes: len(body)}
}

func shortHex() string {
	u := uuid.New()
	return u.String()[:6]
}

// atomicWrite writes data to a .tmp sibling of path, then renames it into
// place, the same write-temp-then-rename idiom used by the dead-letter
// export path in internal/spool.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// classifyFileErr treats out-of-space/quota errors as permanent (spec §4.6,
// §7) and everything else as transient.
func classifyFileErr(err error) Result {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return Result{Err: err, Class: retry.ClassPermanent}
	}
	return Result{Err: err, Class: retry.ClassTransient}
}
