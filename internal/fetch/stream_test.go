package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/pullstream/internal/types"
	"github.com/tanq16/pullstream/internal/utils"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MinTimeout = time.Millisecond
	opts.MaxTimeout = 5 * time.Millisecond
	opts.AlternateHeaderDelay = time.Millisecond
	return opts
}

func serveData(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}
}

// fetchAll runs one slice and returns the reassembled bytes placed at their positions.
func fetchAll(t *testing.T, s *Stream, size int) ([]byte, error) {
	t.Helper()
	out := make([]byte, size)
	var mu sync.Mutex
	err := s.FetchChunks(context.Background(), func(pieces [][]byte, position int64, index int) error {
		mu.Lock()
		defer mu.Unlock()
		copy(out[position:], bytes.Join(pieces, nil))
		return nil
	})
	return out, err
}

func TestFetchDownloadInfoHTTP(t *testing.T) {
	data := testData(1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "/file.bin", http.StatusFound)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="report.bin"`)
		serveData(data)(w, r)
	}))
	defer server.Close()

	s := NewStream(NewHTTPTransport(utils.NewPullHTTPClient(utils.HTTPClientConfig{})), testOptions())
	info, err := s.FetchDownloadInfo(context.Background(), server.URL+"/redirect")
	if err != nil {
		t.Fatalf("FetchDownloadInfo: %v", err)
	}
	if info.Length != 1000 || !info.AcceptRange {
		t.Errorf("unexpected info %+v", info)
	}
	if info.FileName != "report.bin" {
		t.Errorf("expected file name from Content-Disposition, got %q", info.FileName)
	}
	if info.NewURL != server.URL+"/file.bin" {
		t.Errorf("expected redirect target as new URL, got %q", info.NewURL)
	}
}

func TestFetchDownloadInfoHeadFallback(t *testing.T) {
	data := testData(300)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		serveData(data)(w, r)
	}))
	defer server.Close()

	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions())
	info, err := s.FetchDownloadInfo(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchDownloadInfo: %v", err)
	}
	if info.Length != 300 || !info.AcceptRange {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestFetchDownloadInfoAlternateHeaders(t *testing.T) {
	data := testData(64)
	var heads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
		}
		if r.Header.Get("X-Token") != "good" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		serveData(data)(w, r)
	}))
	defer server.Close()

	opts := testOptions()
	opts.AlternateHeaders = []http.Header{
		{"X-Token": []string{"bad"}},
		{"X-Token": []string{"good"}},
	}
	s := NewStream(NewHTTPTransport(http.DefaultClient), opts)
	info, err := s.FetchDownloadInfo(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchDownloadInfo: %v", err)
	}
	if heads.Load() != 3 {
		t.Errorf("expected 3 metadata requests, got %d", heads.Load())
	}

	part := types.NewDownloadFilePart(server.URL, "", info.Length, true)
	got, err := fetchAll(t, s.WithSubState(SubState{Part: part, EndChunk: 4, ChunkSize: 16, PartSize: 64, RangeSupport: true}), 64)
	if err != nil {
		t.Fatalf("FetchChunks: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data fetched with the accepted header set does not match")
	}
}

func TestFetchDownloadInfoRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		serveData(testData(10))(w, r)
	}))
	defer server.Close()

	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions())
	start := time.Now()
	if _, err := s.FetchDownloadInfo(context.Background(), server.URL); err != nil {
		t.Fatalf("FetchDownloadInfo: %v", err)
	}
	if time.Since(start) < 900*time.Millisecond {
		t.Error("expected the metadata request to honor Retry-After")
	}
}

func TestFetchDownloadInfoNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions())
	_, err := s.FetchDownloadInfo(context.Background(), server.URL)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if se.URL != server.URL {
		t.Errorf("status error should carry the URL, got %q", se.URL)
	}
}

func TestFetchChunksRange(t *testing.T) {
	data := testData(10)
	server := httptest.NewServer(serveData(data))
	defer server.Close()

	part := types.NewDownloadFilePart(server.URL, "", 10, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions()).
		WithSubState(SubState{Part: part, StartChunk: 1, EndChunk: 3, ChunkSize: 4, PartSize: 10, RangeSupport: true})

	var chunks []emitted
	if err := s.FetchChunks(context.Background(), collect(&chunks)); err != nil {
		t.Fatalf("FetchChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].index != 1 || chunks[0].position != 4 || !bytes.Equal(chunks[0].data, data[4:8]) {
		t.Errorf("unexpected first chunk %+v", chunks[0])
	}
	if chunks[1].index != 2 || chunks[1].position != 8 || !bytes.Equal(chunks[1].data, data[8:10]) {
		t.Errorf("unexpected last chunk %+v", chunks[1])
	}
}

func TestFetchChunksRetriesServerError(t *testing.T) {
	data := testData(100)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveData(data)(w, r)
	}))
	defer server.Close()

	part := types.NewDownloadFilePart(server.URL, "", 100, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions())
	got, err := fetchAll(t, s.WithSubState(SubState{Part: part, EndChunk: 10, ChunkSize: 10, PartSize: 100, RangeSupport: true}), 100)
	if err != nil {
		t.Fatalf("FetchChunks: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch after retries")
	}
	if s.ErrorCount() != 2 {
		t.Errorf("expected error count 2, got %d", s.ErrorCount())
	}
}

func TestFetchChunksExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opts := testOptions()
	opts.Retries = 2
	part := types.NewDownloadFilePart(server.URL, "", 10, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), opts).
		WithSubState(SubState{Part: part, EndChunk: 1, ChunkSize: 10, PartSize: 10, RangeSupport: true})
	err := s.FetchChunks(context.Background(), func([][]byte, int64, int) error { return nil })
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected the last 502 to surface, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchChunksContentLengthMismatch(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Range", "bytes 0-9/100")
		w.Header().Set("Content-Length", "20")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(testData(20))
	}))
	defer server.Close()

	part := types.NewDownloadFilePart(server.URL, "", 100, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions()).
		WithSubState(SubState{Part: part, EndChunk: 1, ChunkSize: 10, PartSize: 100, RangeSupport: true})
	err := s.FetchChunks(context.Background(), func([][]byte, int64, int) error { return nil })
	if !errors.Is(err, ErrContentLengthMismatch) {
		t.Fatalf("expected ErrContentLengthMismatch, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("content length mismatch must not be retried, got %d requests", calls.Load())
	}
}

func TestFetchChunksCallbackErrorIsFatal(t *testing.T) {
	server := httptest.NewServer(serveData(testData(40)))
	defer server.Close()

	diskFull := errors.New("disk full")
	part := types.NewDownloadFilePart(server.URL, "", 40, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions()).
		WithSubState(SubState{Part: part, EndChunk: 4, ChunkSize: 10, PartSize: 40, RangeSupport: true})
	err := s.FetchChunks(context.Background(), func([][]byte, int64, int) error { return diskFull })
	if !errors.Is(err, diskFull) {
		t.Fatalf("expected consumer error, got %v", err)
	}
	if s.ErrorCount() != 0 {
		t.Errorf("consumer errors should not count as transfer errors, got %d", s.ErrorCount())
	}
}

func TestFetchChunksResumesAfterStall(t *testing.T) {
	data := testData(200)
	var calls atomic.Int32
	var ranges []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Length", "200")
			w.Header().Set("Content-Range", "bytes 0-199/200")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(data[:75])
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		serveData(data)(w, r)
	}))
	defer server.Close()

	opts := testOptions()
	opts.MaxWaitForData = 100 * time.Millisecond
	part := types.NewDownloadFilePart(server.URL, "", 200, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), opts)
	got, err := fetchAll(t, s.WithSubState(SubState{Part: part, EndChunk: 4, ChunkSize: 50, PartSize: 200, RangeSupport: true}), 200)
	if err != nil {
		t.Fatalf("FetchChunks: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch after stall")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ranges) != 2 || ranges[1] != "bytes=75-199" {
		t.Errorf("expected resume from byte 75, got ranges %v", ranges)
	}
}

func TestConcurrentAuthExpiryRefreshesOnce(t *testing.T) {
	data := testData(80)
	var generation, heads atomic.Int32
	var expired sync.WaitGroup
	expired.Add(2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/original":
			heads.Add(1)
			gen := generation.Add(1)
			http.Redirect(w, r, fmt.Sprintf("/signed?gen=%d", gen), http.StatusFound)
		case "/signed":
			if r.URL.Query().Get("gen") == "0" {
				// hold both slices until each has seen the stale URL
				expired.Done()
				expired.Wait()
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			serveData(data)(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	part := types.NewDownloadFilePart(server.URL+"/original", server.URL+"/signed?gen=0", 80, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions())

	out := make([]byte, 80)
	var mu sync.Mutex
	write := func(pieces [][]byte, position int64, index int) error {
		mu.Lock()
		defer mu.Unlock()
		copy(out[position:], bytes.Join(pieces, nil))
		return nil
	}
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := SubState{Part: part, StartChunk: i * 4, EndChunk: i*4 + 4, ChunkSize: 10, PartSize: 80, RangeSupport: true}
			errs[i] = s.WithSubState(sub).FetchChunks(context.Background(), write)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("slice %d: %v", i, err)
		}
	}
	if heads.Load() != 1 {
		t.Errorf("expected exactly one refresh, got %d", heads.Load())
	}
	if !strings.HasSuffix(part.URL(), "/signed?gen=1") {
		t.Errorf("expected refreshed URL, got %s", part.URL())
	}
	if !bytes.Equal(out, data) {
		t.Error("data mismatch after refresh")
	}
}

func TestAuthExpiryWithoutSubstitutionIsFatal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	part := types.NewDownloadFilePart(server.URL, "", 10, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), testOptions()).
		WithSubState(SubState{Part: part, EndChunk: 1, ChunkSize: 10, PartSize: 10, RangeSupport: true})
	err := s.FetchChunks(context.Background(), func([][]byte, int64, int) error { return nil })
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single request, got %d", calls.Load())
	}
}

func TestPauseGatesNextRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		serveData(testData(20))(w, r)
	}))
	defer server.Close()

	part := types.NewDownloadFilePart(server.URL, "", 20, true)
	parent := NewStream(NewHTTPTransport(http.DefaultClient), testOptions())
	parent.Pause()
	child := parent.WithSubState(SubState{Part: part, EndChunk: 2, ChunkSize: 10, PartSize: 20, RangeSupport: true})
	if !child.Paused() {
		t.Fatal("clone should observe the parent's pause")
	}

	done := make(chan error, 1)
	go func() { done <- child.FetchChunks(context.Background(), func([][]byte, int64, int) error { return nil }) }()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("request issued while paused")
	}
	parent.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("FetchChunks: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not resume")
	}
}

func TestCloseAbortsWithoutError(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	part := types.NewDownloadFilePart(server.URL, "", 100, true)
	parent := NewStream(NewHTTPTransport(http.DefaultClient), testOptions())
	child := parent.WithSubState(SubState{Part: part, EndChunk: 1, ChunkSize: 100, PartSize: 100, RangeSupport: true})
	done := make(chan error, 1)
	go func() { done <- child.FetchChunks(context.Background(), func([][]byte, int64, int) error { return nil }) }()
	<-started
	parent.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("abort should not surface an error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not stop after Close")
	}
}

func TestNonRangePartStreamsWholeBody(t *testing.T) {
	data := testData(55)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Errorf("unexpected Range header %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	defer server.Close()

	part := types.NewDownloadFilePart(server.URL, "", 55, false)
	s := NewStream(NewBufferedHTTPTransport(http.DefaultClient), testOptions())
	got, err := fetchAll(t, s.WithSubState(SubState{Part: part, EndChunk: 6, ChunkSize: 10, PartSize: 55}), 55)
	if err != nil {
		t.Fatalf("FetchChunks: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch")
	}
}

func TestLocalTransport(t *testing.T) {
	data := testData(1234)
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	transport, err := TransportFor(context.Background(), "file://"+filepath.ToSlash(path), TransportOptions{})
	if err != nil {
		t.Fatalf("TransportFor: %v", err)
	}
	s := NewStream(transport, testOptions())
	info, err := s.FetchDownloadInfo(context.Background(), path)
	if err != nil {
		t.Fatalf("FetchDownloadInfo: %v", err)
	}
	if info.Length != 1234 || !info.AcceptRange || info.FileName != "source.bin" {
		t.Fatalf("unexpected info %+v", info)
	}

	part := types.NewDownloadFilePart(path, "", info.Length, true)
	got, err := fetchAll(t, s.WithSubState(SubState{Part: part, StartChunk: 0, EndChunk: 13, ChunkSize: 100, PartSize: 1234, RangeSupport: true}), 1234)
	if err != nil {
		t.Fatalf("FetchChunks: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("data mismatch")
	}
}

func TestRateLimitSlowsTransfer(t *testing.T) {
	data := testData(4096)
	server := httptest.NewServer(serveData(data))
	defer server.Close()

	opts := testOptions()
	opts.RateLimit = 2048
	opts.ReadBufferSize = 1024
	part := types.NewDownloadFilePart(server.URL, "", 4096, true)
	s := NewStream(NewHTTPTransport(http.DefaultClient), opts)
	start := time.Now()
	if _, err := fetchAll(t, s.WithSubState(SubState{Part: part, EndChunk: 4, ChunkSize: 1024, PartSize: 4096, RangeSupport: true}), 4096); err != nil {
		t.Fatalf("FetchChunks: %v", err)
	}
	// the first 2KiB burst is free, the remaining 2KiB take about a second
	if time.Since(start) < 800*time.Millisecond {
		t.Errorf("transfer finished too fast for the rate limit: %v", time.Since(start))
	}
}
