package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readAll(t *testing.T, src *Source) string {
	t.Helper()
	defer src.Body.Close()
	data, err := io.ReadAll(src.Body)
	require.NoError(t, err)
	return string(data)
}

func TestOpenRetriesTransientStatus(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"ok": true}`)
	}))
	defer srv.Close()

	f := New(zap.NewNop(), WithMaxRetries(4))
	src, err := f.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, readAll(t, src))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestOpenClientErrorIsPermanent(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(zap.NewNop(), WithMaxRetries(4))
	_, err := f.Open(context.Background(), srv.URL)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.Status)
	assert.Equal(t, int32(1), attempts.Load(), "4xx must not retry")
}

func TestOpenRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(zap.NewNop(), WithMaxRetries(1))
	_, err := f.Open(context.Background(), srv.URL)
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestOpenDecodesGzipByHeader(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, `{"compressed": "gzip"}`)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := New(zap.NewNop())
	src, err := f.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `{"compressed": "gzip"}`, readAll(t, src))
}

func TestOpenDecodesBrotliByHeader(t *testing.T) {
	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	io.WriteString(bw, `{"compressed": "br"}`)
	require.NoError(t, bw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := New(zap.NewNop())
	src, err := f.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `{"compressed": "br"}`, readAll(t, src))
}

func TestOpenLocalGzipByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.json.gz")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, `{"local": true}`)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	f := New(zap.NewNop())
	src, err := f.Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, `{"local": true}`, readAll(t, src))
}

func TestOpenLocalPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"plain": 1}`), 0o644))

	f := New(zap.NewNop())
	src, err := f.Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"plain": 1}`)), src.Size)
	assert.Equal(t, `{"plain": 1}`, readAll(t, src))
}

func TestOpenMissingLocalFile(t *testing.T) {
	f := New(zap.NewNop())
	_, err := f.Open(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOpenUnsupportedScheme(t *testing.T) {
	f := New(zap.NewNop())
	_, err := f.Open(context.Background(), "ftp://example.com/file.json")
	var te *TransportError
	require.ErrorAs(t, err, &te)
}
