package pool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchkit/fetchkit/errs"
	"github.com/fetchkit/fetchkit/internal/fetch"
	"github.com/fetchkit/fetchkit/internal/httpx"
	"github.com/fetchkit/fetchkit/internal/journal"
)

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(body)
			return
		}
		var start, end int64
		end = int64(len(body)) - 1
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			fmt.Sscanf(rng, "bytes=%d-", &start)
		}
		if end >= int64(len(body)) {
			end = int64(len(body)) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func setup(t *testing.T, body []byte, segments []journal.Segment) (*journal.Store, *journal.Journal) {
	t.Helper()
	final := filepath.Join(t.TempDir(), "file.bin")
	dir, err := journal.Open(final)
	require.NoError(t, err)
	t.Cleanup(func() { dir.Remove() })
	store := journal.NewStore(dir)
	jnl := &journal.Journal{
		JobID:        "test",
		TotalSize:    int64(len(body)),
		AcceptRanges: true,
		Segments:     segments,
	}
	require.NoError(t, store.Commit(jnl))
	return store, jnl
}

func TestRunDownloadsAllSegments(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	server := rangeServer(t, body)
	defer server.Close()

	segments := []journal.Segment{
		{Index: 0, Start: 0, End: 14, Status: journal.StatusPending},
		{Index: 1, Start: 15, End: 29, Status: journal.StatusPending},
		{Index: 2, Start: 30, End: int64(len(body)) - 1, Status: journal.StatusPending},
	}
	store, jnl := setup(t, body, segments)
	client := httpx.NewClient(httpx.Config{})

	p := New(Config{Workers: 3}, client, store)
	err := p.Run(context.Background(), jnl, fetch.Request{URL: server.URL, Multi: true}, nil)
	require.NoError(t, err)
	assert.True(t, jnl.Complete())
	assert.Equal(t, int64(len(body)), jnl.BytesWritten())

	var assembled []byte
	for i := range segments {
		data, err := os.ReadFile(store.Dir().SegmentPath(i))
		require.NoError(t, err)
		assembled = append(assembled, data...)
	}
	assert.Equal(t, string(body), string(assembled))
}

func TestRunSkipsCompletedSegments(t *testing.T) {
	body := []byte("0123456789")
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Range", "bytes 5-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[5:])
	}))
	defer server.Close()

	segments := []journal.Segment{
		{Index: 0, Start: 0, End: 4, Status: journal.StatusCompleted, BytesWritten: 5},
		{Index: 1, Start: 5, End: 9, Status: journal.StatusPending},
	}
	store, jnl := setup(t, body, segments)
	require.NoError(t, os.WriteFile(store.Dir().SegmentPath(0), body[:5], 0644))
	client := httpx.NewClient(httpx.Config{})

	p := New(Config{Workers: 2}, client, store)
	err := p.Run(context.Background(), jnl, fetch.Request{URL: server.URL, Multi: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load())
	assert.True(t, jnl.Complete())
}

func TestRunRetriesTransientFailures(t *testing.T) {
	body := []byte("0123456789")
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer server.Close()

	segments := []journal.Segment{{Index: 0, Start: 0, End: 9, Status: journal.StatusPending}}
	store, jnl := setup(t, body, segments)
	client := httpx.NewClient(httpx.Config{})

	p := New(Config{Workers: 1, MaxAttempts: 5, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}, client, store)
	err := p.Run(context.Background(), jnl, fetch.Request{URL: server.URL, Multi: false}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.True(t, jnl.Complete())
}

func TestRunExhaustsAttempts(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	segments := []journal.Segment{{Index: 0, Start: 0, End: 9, Status: journal.StatusPending}}
	store, jnl := setup(t, []byte("0123456789"), segments)
	client := httpx.NewClient(httpx.Config{})

	p := New(Config{Workers: 1, MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}, client, store)
	err := p.Run(context.Background(), jnl, fetch.Request{URL: server.URL, Multi: false}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnreachable))
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, journal.StatusFailed, jnl.Segments[0].Status)
}

func TestRunPermanentFailureStopsImmediately(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	segments := []journal.Segment{{Index: 0, Start: 0, End: 9, Status: journal.StatusPending}}
	store, jnl := setup(t, []byte("0123456789"), segments)
	client := httpx.NewClient(httpx.Config{})

	p := New(Config{Workers: 1, MaxAttempts: 5, BackoffBase: time.Millisecond}, client, store)
	err := p.Run(context.Background(), jnl, fetch.Request{URL: server.URL, Multi: false}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindForbidden))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRunSourceChangedSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer server.Close()

	segments := []journal.Segment{{Index: 0, Start: 0, End: 9, Status: journal.StatusPending}}
	store, jnl := setup(t, []byte("0123456789"), segments)
	client := httpx.NewClient(httpx.Config{})

	p := New(Config{Workers: 1}, client, store)
	err := p.Run(context.Background(), jnl, fetch.Request{URL: server.URL, ETag: `"v1"`, Multi: false}, nil)
	assert.True(t, errs.IsKind(err, errs.KindSourceChanged))
}

func TestRunStagingMismatchFailsForResubmission(t *testing.T) {
	body := []byte("0123456789")
	server := rangeServer(t, body)
	defer server.Close()

	// The journal claims 4 bytes but no staging file exists. The run
	// must fail without retrying; recovery happens when a resubmission
	// reloads and reconciles the journal.
	segments := []journal.Segment{{Index: 0, Start: 0, End: 9, Status: journal.StatusPending, BytesWritten: 4}}
	store, jnl := setup(t, body, segments)
	client := httpx.NewClient(httpx.Config{})

	p := New(Config{Workers: 1, MaxAttempts: 3, BackoffBase: time.Millisecond}, client, store)
	err := p.Run(context.Background(), jnl, fetch.Request{URL: server.URL, Multi: false}, nil)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindStagingInconsistent))
	assert.Equal(t, journal.StatusFailed, jnl.Segments[0].Status)

	reloaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusPending, reloaded.Segments[0].Status)
	assert.Zero(t, reloaded.Segments[0].BytesWritten)

	p = New(Config{Workers: 1, MaxAttempts: 3, BackoffBase: time.Millisecond}, client, store)
	require.NoError(t, p.Run(context.Background(), reloaded, fetch.Request{URL: server.URL, Multi: false}, nil))
	assert.True(t, reloaded.Complete())
	assert.Equal(t, int64(10), reloaded.Segments[0].BytesWritten)
}

func TestRunCancellationKeepsState(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abcde"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	segments := []journal.Segment{{Index: 0, Start: 0, End: 99, Status: journal.StatusPending}}
	store, jnl := setup(t, make([]byte, 100), segments)
	client := httpx.NewClient(httpx.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	p := New(Config{Workers: 1}, client, store)
	err := p.Run(ctx, jnl, fetch.Request{URL: server.URL, Multi: false}, nil)
	assert.True(t, errs.IsKind(err, errs.KindCancelled))
	// Partial progress was flushed so a resume can pick it up.
	assert.Equal(t, int64(5), jnl.Segments[0].BytesWritten)
}

func TestRunReportsProgress(t *testing.T) {
	body := make([]byte, 4096)
	server := rangeServer(t, body)
	defer server.Close()

	segments := []journal.Segment{{Index: 0, Start: 0, End: 4095, Status: journal.StatusPending}}
	store, jnl := setup(t, body, segments)
	client := httpx.NewClient(httpx.Config{})

	var final atomic.Int64
	p := New(Config{Workers: 1, ProgressInterval: 10 * time.Millisecond}, client, store)
	err := p.Run(context.Background(), jnl, fetch.Request{URL: server.URL, Multi: false}, func(downloaded, total int64) {
		final.Store(downloaded)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4096), final.Load())
}
