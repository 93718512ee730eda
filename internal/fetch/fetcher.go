// Package fetch retrieves MRF documents as byte streams, transparently
// decompressing and retrying transient transport failures.
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"
)

// readBufferSize matches the large sequential reads MRF files want.
const readBufferSize = 4 << 20

// TransportError is a non-retryable transport failure: a 4xx status, a
// malformed response, or retries exhausted. It is fatal for the file.
type TransportError struct {
	URL    string
	Status int
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Source is an open byte stream positioned at the start of the
// decompressed document. Size is the compressed transfer size when known,
// -1 otherwise.
type Source struct {
	Body io.ReadCloser
	Size int64
}

// Fetcher opens remote or local MRF documents. Safe for concurrent use.
type Fetcher struct {
	client     *http.Client
	maxRetries uint64
	maxBackoff time.Duration
	log        *zap.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

// WithMaxRetries bounds the retry budget for transient failures.
func WithMaxRetries(n uint64) Option { return func(f *Fetcher) { f.maxRetries = n } }

// New builds a Fetcher. The default client disables automatic
// decompression so content-encoding stays visible and the stream can be
// wired through the right decoder explicitly.
func New(log *zap.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: 0, // streams run for hours; cancellation comes from ctx
			Transport: &http.Transport{
				DisableCompression:  true,
				MaxIdleConnsPerHost: 4,
			},
		},
		maxRetries: 4,
		maxBackoff: 30 * time.Second,
		log:        log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open fetches target, which may be an http(s) URL or a local path, and
// returns the decompressed stream. Transient failures (network errors,
// 5xx, 429) are retried with bounded exponential backoff before the
// request body is consumed; once streaming starts, a mid-stream error is
// surfaced to the reader. Nothing is written to any persistent store.
func (f *Fetcher) Open(ctx context.Context, target string) (*Source, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		return f.openLocal(u, target)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &TransportError{URL: target, Cause: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	var resp *http.Response
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")

		r, err := f.client.Do(req)
		if err != nil {
			f.log.Warn("fetch attempt failed", zap.String("url", target), zap.Error(err))
			return err
		}
		switch {
		case r.StatusCode == http.StatusOK:
			resp = r
			return nil
		case r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests:
			r.Body.Close()
			f.log.Warn("fetch got retryable status", zap.String("url", target), zap.Int("status", r.StatusCode))
			return fmt.Errorf("http status %d", r.StatusCode)
		default:
			r.Body.Close()
			return backoff.Permanent(&TransportError{URL: target, Status: r.StatusCode})
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = f.maxBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, f.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &TransportError{URL: target, Cause: err}
	}

	body, err := decode(resp.Body, resp.Header.Get("Content-Encoding"), u.Path)
	if err != nil {
		resp.Body.Close()
		return nil, &TransportError{URL: target, Cause: err}
	}
	return &Source{Body: body, Size: resp.ContentLength}, nil
}

func (f *Fetcher) openLocal(u *url.URL, target string) (*Source, error) {
	path := target
	if u != nil && u.Scheme == "file" {
		path = u.Path
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &TransportError{URL: target, Cause: err}
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, &TransportError{URL: target, Cause: err}
	}
	body, err := decode(file, "", path)
	if err != nil {
		file.Close()
		return nil, &TransportError{URL: target, Cause: err}
	}
	return &Source{Body: body, Size: fi.Size()}, nil
}

// decode wraps r with the decoder implied by the content encoding, or by
// the name's extension when no encoding header was sent.
func decode(r io.ReadCloser, encoding, name string) (io.ReadCloser, error) {
	buffered := bufio.NewReaderSize(r, readBufferSize)

	mode := strings.ToLower(strings.TrimSpace(encoding))
	if mode == "" || mode == "identity" {
		mode = modeFromExtension(name)
	}

	switch mode {
	case "gzip":
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &decodedStream{Reader: gz, close: func() error { gz.Close(); return r.Close() }}, nil
	case "deflate":
		// HTTP deflate is zlib-wrapped in practice; fall back to raw
		// deflate when the zlib header is absent.
		head, err := buffered.Peek(2)
		if err == nil && head[0] == 0x78 {
			zr, err := zlib.NewReader(buffered)
			if err != nil {
				return nil, fmt.Errorf("zlib: %w", err)
			}
			return &decodedStream{Reader: zr, close: func() error { zr.Close(); return r.Close() }}, nil
		}
		fr := flate.NewReader(buffered)
		return &decodedStream{Reader: fr, close: func() error { fr.Close(); return r.Close() }}, nil
	case "br":
		return &decodedStream{Reader: brotli.NewReader(buffered), close: r.Close}, nil
	case "":
		return &decodedStream{Reader: buffered, close: r.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", mode)
	}
}

func modeFromExtension(name string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(name), ".gz"), strings.HasSuffix(strings.ToLower(name), ".gzip"):
		return "gzip"
	case strings.HasSuffix(strings.ToLower(name), ".br"):
		return "br"
	case strings.HasSuffix(strings.ToLower(name), ".zz"), strings.HasSuffix(strings.ToLower(name), ".deflate"):
		return "deflate"
	}
	return ""
}

type decodedStream struct {
	io.Reader
	close func() error
}

func (s *decodedStream) Close() error { return s.close() }
