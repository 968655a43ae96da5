package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/edgebot/edgebot/internal/retry"
)

// HTTPConfig configures the mothership HTTP sink (spec §4.5, §6.4).
type HTTPConfig struct {
	URL           string
	AuthToken     string
	TLSVerify     bool
	TLSClientCert string
	TLSClientKey  string
	TLSCABundle   string
	Compression   bool
	TimeoutMs     int
	Version       string
	NodeIdentity  string
}

// HTTPSink implements the mothership ingest contract of spec §4.5 and §6.1.
type HTTPSink struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPSink builds an HTTPSink with a shared connection pool across
// attempts, per spec §4.5 step 5.
func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: !cfg.TLSVerify} //nolint:gosec // operator-controlled per spec §6.4

	if cfg.TLSCABundle != "" {
		pem, err := os.ReadFile(cfg.TLSCABundle)
		if err != nil {
			return nil, fmt.Errorf("sink/http: read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("sink/http: no certs found in ca bundle")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.TLSClientCert != "" && cfg.TLSClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCert, cfg.TLSClientKey)
		if err != nil {
			return nil, fmt.Errorf("sink/http: load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{TLSClientConfig: tlsCfg}

	return &HTTPSink{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}, nil
}

func (s *HTTPSink) Name() string { return "http" }

// Write implements spec §4.5: sanitize, build the outbound envelope,
// optionally gzip, POST, classify the response.
func (s *HTTPSink) Write(ctx context.Context, b Batch) Result {
	body, err := BuildOutbound(b, s.cfg.NodeIdentity)
	if err != nil {
		return Result{Err: fmt.Errorf("sink/http: build outbound: %w", err), Class: retry.ClassPermanent}
	}

	var payload io.Reader = bytes.NewReader(body)
	wireBytes := len(body)
	encoding := ""
	if s.cfg.Compression {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err != nil {
			return Result{Err: fmt.Errorf("sink/http: gzip: %w", err), Class: retry.ClassPermanent}
		}
		if err := gz.Close(); err != nil {
			return Result{Err: fmt.Errorf("sink/http: gzip close: %w", err), Class: retry.ClassPermanent}
		}
		payload = &buf
		wireBytes = buf.Len()
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, payload)
	if err != nil {
		return Result{Err: fmt.Errorf("sink/http: build request: %w", err), Class: retry.ClassPermanent}
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if s.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
	version := s.cfg.Version
	if version == "" {
		version = "dev"
	}
	req.Header.Set("User-Agent", "edgebot/"+version)
	req.Header.Set("X-Edgebot-Batch-Size", fmt.Sprintf("%d", len(b.Claimed)))
	if b.isRetry() {
		req.Header.Set("X-Retry", "true")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Err: ctx.Err(), Class: retry.ClassTransient}
		}
		var tlsErr *tls.CertificateVerificationError
		if errors.As(err, &tlsErr) {
			return Result{Err: err, Class: retry.ClassPermanent}
		}
		return Result{Err: err, Class: retry.ClassTransient}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	retryAfter, _ := retry.ParseRetryAfter(resp.Header.Get("Retry-After"))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Success: true, Count: len(b.Claimed), Bytes: wireBytes}
	}

	return Result{
		Err:        fmt.Errorf("sink/http: remote returned %d", resp.StatusCode),
		Class:      retry.ClassifyHTTPStatus(resp.StatusCode),
		RetryAfter: retryAfter,
	}
}
